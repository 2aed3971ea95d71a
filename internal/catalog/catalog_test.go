package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"agent_foundry/internal/domain"
)

func TestBuiltinStrategiesAreValid(t *testing.T) {
	ids := map[string]bool{}
	for _, s := range Builtin() {
		if err := Validate(s); err != nil {
			t.Fatalf("builtin %s invalid: %v", s.ID, err)
		}
		if ids[s.ID] {
			t.Fatalf("duplicate builtin id %s", s.ID)
		}
		ids[s.ID] = true
	}
	var standard domain.Strategy
	for _, s := range Builtin() {
		if s.ID == StandardLifecycleID {
			standard = s
		}
	}
	if len(standard.Steps) != 5 {
		t.Fatalf("standard lifecycle steps=%d want=5", len(standard.Steps))
	}
}

func TestTerminalStatus(t *testing.T) {
	cases := map[string]domain.AgentStatus{
		StandardLifecycleID:      domain.AgentStatusOptimized,
		RapidDeploymentID:        domain.AgentStatusLive,
		DataDrivenID:             domain.AgentStatusLive,
		ContinuousOptimizationID: domain.AgentStatusOptimized,
	}
	for _, s := range Builtin() {
		if got := TerminalStatus(s); got != cases[s.ID] {
			t.Fatalf("%s terminal=%s want=%s", s.ID, got, cases[s.ID])
		}
	}
}

func TestParseYAMLCatalog(t *testing.T) {
	data := []byte(`
strategies:
  - id: canary
    name: Canary
    steps:
      - type: Evolve
        config: {generations: 1}
      - type: Deploy
`)
	got, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 1 || got[0].ID != "canary" || len(got[0].Steps) != 2 {
		t.Fatalf("unexpected catalog: %+v", got)
	}
	if got[0].Steps[0].Config["generations"] != 1 {
		t.Fatalf("config not decoded: %+v", got[0].Steps[0])
	}
}

func TestParseRejectsBadCatalogs(t *testing.T) {
	cases := map[string]string{
		"unknown step": "strategies:\n  - id: x\n    steps:\n      - type: Dance\n",
		"no steps":     "strategies:\n  - id: x\n",
		"duplicate":    "strategies:\n  - id: x\n    steps: [{type: Evolve}]\n  - id: x\n    steps: [{type: Deploy}]\n",
		"negative":     "strategies:\n  - id: x\n    steps:\n      - type: Evolve\n        config: {generations: -1}\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: err=%v want ErrValidation", name, err)
		}
	}
}

func TestCertifyOnlyStrategySettlesCertified(t *testing.T) {
	s := domain.Strategy{ID: "audit", Steps: []domain.StrategyStep{{Type: domain.StepTypeCertify}}}
	if got := TerminalStatus(s); got != domain.AgentStatusCertified {
		t.Fatalf("terminal=%s want=%s", got, domain.AgentStatusCertified)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	if err := os.WriteFile(path, []byte("strategies:\n  - id: solo\n    steps: [{type: Optimize}]\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if TerminalStatus(got[0]) != domain.AgentStatusOptimized {
		t.Fatalf("unexpected terminal status for %+v", got[0])
	}
}
