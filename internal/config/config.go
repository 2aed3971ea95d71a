package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	StrategiesFile string              `toml:"strategies_file"`
	Server         ServerConfig        `toml:"server"`
	Store          StoreConfig         `toml:"store"`
	Engine         EngineConfig        `toml:"engine"`
	Governance     GovernanceConfig    `toml:"governance"`
	Campaign       CampaignConfig      `toml:"campaign"`
	TextGenerator  TextGeneratorConfig `toml:"text_generator"`
	Logging        LoggingConfig       `toml:"logging"`
	Raw            map[string]any      `toml:"-"`
	Path           string              `toml:"-"`
}

type ServerConfig struct {
	Addr          string `toml:"addr"`
	WorkspaceRoot string `toml:"workspace_root"`
}

type StoreConfig struct {
	DBPath             string `toml:"db_path"`
	SnapshotIntervalMS int    `toml:"snapshot_interval_ms"`
	KeepSnapshots      int    `toml:"keep_snapshots"`
}

type EngineConfig struct {
	StepDurationMS   int `toml:"step_duration_ms"`
	ProgressTickMS   int `toml:"progress_tick_ms"`
	ToolLatencyMinMS int `toml:"tool_latency_min_ms"`
	ToolLatencyMaxMS int `toml:"tool_latency_max_ms"`
}

type GovernanceConfig struct {
	AuditIntervalMS               int     `toml:"audit_interval_ms"`
	MaxFailedAttemptsPerCycle     int     `toml:"max_failed_attempts_per_cycle"`
	MaxContinuousExecutionMinutes int     `toml:"max_continuous_execution_minutes"`
	RedundancyThreshold           float64 `toml:"redundancy_threshold"`
	LookbackLogs                  int     `toml:"lookback_logs"`
}

type CampaignConfig struct {
	TickIntervalMS int `toml:"tick_interval_ms"`
}

type TextGeneratorConfig struct {
	Provider   string `toml:"provider"`
	Endpoint   string `toml:"endpoint"`
	Model      string `toml:"model"`
	APIKeyEnv  string `toml:"api_key_env"`
	TimeoutMS  int    `toml:"timeout_ms"`
	Retries    int    `toml:"retries"`
	CacheBytes int64  `toml:"cache_bytes"`
}

// APIKey reads the key from the configured environment variable.
func (c TextGeneratorConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
}

type LoggingConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = DefaultPath()
	}
	resolved, err := expandHome(resolved)
	if err != nil {
		return Config{}, err
	}

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}
	cfg, err := Parse(bytes)
	if err != nil {
		return Config{}, err
	}
	cfg.Path = resolved
	if cfg.StrategiesFile != "" && !filepath.IsAbs(cfg.StrategiesFile) && !strings.HasPrefix(cfg.StrategiesFile, "~") {
		cfg.StrategiesFile = filepath.Join(filepath.Dir(resolved), cfg.StrategiesFile)
	}
	if cfg.StrategiesFile, err = expandHome(cfg.StrategiesFile); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOptional behaves like Load but returns an empty config when the file
// does not exist. The bool reports whether a file was read.
func LoadOptional(path string) (Config, bool, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, false, nil
	}
	return Config{}, false, err
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.TextGenerator.Provider {
	case "", "offline", "http", "gemini":
	default:
		return fmt.Errorf("text_generator.provider %q: want offline, http or gemini", c.TextGenerator.Provider)
	}
	if c.TextGenerator.Provider == "http" && c.TextGenerator.Endpoint == "" {
		return fmt.Errorf("text_generator.endpoint is required for the http provider")
	}
	if t := c.Governance.RedundancyThreshold; t < 0 || t > 1 {
		return fmt.Errorf("governance.redundancy_threshold %.2f out of range [0,1]", t)
	}
	if c.Engine.ToolLatencyMaxMS > 0 && c.Engine.ToolLatencyMaxMS < c.Engine.ToolLatencyMinMS {
		return fmt.Errorf("engine.tool_latency_max_ms below tool_latency_min_ms")
	}
	return nil
}

func expandHome(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(p, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		p = filepath.Join(home, trimmed)
	}
	return filepath.Clean(p), nil
}

func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agent_foundry/config.toml"
	}
	return filepath.Join(home, ".agent_foundry", "config.toml")
}
