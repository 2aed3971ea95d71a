// Package catalog holds the built-in strategy definitions and loads custom
// ones from YAML.
package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"agent_foundry/internal/domain"
)

const (
	StandardLifecycleID      = "standard-lifecycle"
	RapidDeploymentID        = "rapid-deployment"
	DataDrivenID             = "data-driven"
	ContinuousOptimizationID = "continuous-optimization"
)

var knownSteps = map[domain.StepType]struct{}{
	domain.StepTypeIngestData: {},
	domain.StepTypeEvolve:     {},
	domain.StepTypeCertify:    {},
	domain.StepTypeDeploy:     {},
	domain.StepTypeOptimize:   {},
}

func Builtin() []domain.Strategy {
	return []domain.Strategy{
		{
			ID:          StandardLifecycleID,
			Name:        "Standard Development Lifecycle",
			Description: "Ingest seed data, evolve, certify, deploy and optimize.",
			Steps: []domain.StrategyStep{
				{Type: domain.StepTypeIngestData, Config: map[string]int{"dataPoints": 1000}},
				{Type: domain.StepTypeEvolve, Config: map[string]int{"generations": 5}},
				{Type: domain.StepTypeCertify},
				{Type: domain.StepTypeDeploy},
				{Type: domain.StepTypeOptimize},
			},
		},
		{
			ID:          RapidDeploymentID,
			Name:        "Rapid Deployment",
			Description: "Short evolution straight to production.",
			Steps: []domain.StrategyStep{
				{Type: domain.StepTypeEvolve, Config: map[string]int{"generations": 2}},
				{Type: domain.StepTypeCertify},
				{Type: domain.StepTypeDeploy},
			},
		},
		{
			ID:          DataDrivenID,
			Name:        "Data-Driven Evolution",
			Description: "Deploy early, then ingest live data and evolve again.",
			Steps: []domain.StrategyStep{
				{Type: domain.StepTypeIngestData, Config: map[string]int{"dataPoints": 5000}},
				{Type: domain.StepTypeEvolve, Config: map[string]int{"generations": 3}},
				{Type: domain.StepTypeCertify},
				{Type: domain.StepTypeDeploy},
				{Type: domain.StepTypeIngestData, Config: map[string]int{"dataPoints": 20000}},
				{Type: domain.StepTypeEvolve, Config: map[string]int{"generations": 8}},
			},
		},
		{
			ID:          ContinuousOptimizationID,
			Name:        "Continuous Optimization",
			Description: "Deploy as-is and tune in production.",
			Steps: []domain.StrategyStep{
				{Type: domain.StepTypeDeploy},
				{Type: domain.StepTypeOptimize, Config: map[string]int{"generations": 2}},
				{Type: domain.StepTypeOptimize, Config: map[string]int{"generations": 4}},
			},
		},
	}
}

func Validate(s domain.Strategy) error {
	if strings.TrimSpace(s.ID) == "" {
		return domain.Invalid("strategy id is required")
	}
	if len(s.Steps) == 0 {
		return domain.Invalid("strategy %s has no steps", s.ID)
	}
	for i, step := range s.Steps {
		if _, ok := knownSteps[step.Type]; !ok {
			return domain.Invalid("strategy %s step %d: unknown type %q", s.ID, i, step.Type)
		}
		for key, v := range step.Config {
			if v < 0 {
				return domain.Invalid("strategy %s step %d: %s must not be negative", s.ID, i, key)
			}
		}
	}
	return nil
}

// TerminalStatus is the status an agent settles in after the last step.
func TerminalStatus(s domain.Strategy) domain.AgentStatus {
	if len(s.Steps) == 0 {
		return domain.AgentStatusLive
	}
	switch s.Steps[len(s.Steps)-1].Type {
	case domain.StepTypeOptimize:
		return domain.AgentStatusOptimized
	case domain.StepTypeCertify:
		return domain.AgentStatusCertified
	default:
		return domain.AgentStatusLive
	}
}

type file struct {
	Strategies []domain.Strategy `yaml:"strategies"`
}

func Parse(data []byte) ([]domain.Strategy, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode strategy catalog: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Strategies))
	for _, s := range f.Strategies {
		if err := Validate(s); err != nil {
			return nil, err
		}
		if _, dup := seen[s.ID]; dup {
			return nil, domain.Invalid("duplicate strategy id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return f.Strategies, nil
}

func LoadFile(path string) ([]domain.Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy catalog %s: %w", path, err)
	}
	return Parse(data)
}
