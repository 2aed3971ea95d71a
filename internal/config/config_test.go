package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadResolvesSectionsAndStrategiesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	doc := `
strategies_file = "strategies.yaml"

[server]
addr = ":9000"

[governance]
audit_interval_ms = 500
redundancy_threshold = 0.9

[text_generator]
provider = "http"
endpoint = "http://127.0.0.1:1/generate"
api_key_env = "FOUNDRY_TEST_KEY"

[logging]
level = "debug"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("FOUNDRY_TEST_KEY", " secret ")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9000" || cfg.Governance.AuditIntervalMS != 500 || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.StrategiesFile != filepath.Join(dir, "strategies.yaml") {
		t.Fatalf("strategies file=%s", cfg.StrategiesFile)
	}
	if cfg.TextGenerator.APIKey() != "secret" {
		t.Fatalf("api key=%q", cfg.TextGenerator.APIKey())
	}
	if _, ok := cfg.Raw["governance"]; !ok {
		t.Fatalf("raw config missing governance section")
	}
}

func TestParseRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"provider":  "[text_generator]\nprovider = \"carrier-pigeon\"\n",
		"endpoint":  "[text_generator]\nprovider = \"http\"\n",
		"threshold": "[governance]\nredundancy_threshold = 1.5\n",
		"latency":   "[engine]\ntool_latency_min_ms = 50\ntool_latency_max_ms = 10\n",
		"syntax":    "[server\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg, found, err := LoadOptional(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if found || cfg.Path != "" {
		t.Fatalf("found=%v cfg=%+v", found, cfg)
	}
}
