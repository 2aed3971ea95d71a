// Package policy decides which governance actions may be applied without a
// human, and which artifact writes an agent is allowed to make.
package policy

import (
	"context"
	"fmt"
	"math"
	"strings"

	"agent_foundry/internal/domain"
)

type AgentReader interface {
	Agent(id string) (domain.Agent, error)
}

type FileOperation string

const (
	FileOperationCreate FileOperation = "create"
	FileOperationWrite  FileOperation = "write"
	FileOperationRead   FileOperation = "read"
)

// Bounds are the limits inside which a configuration change counts as safe.
type Bounds struct {
	MaxFailedAttempts      int
	MaxContinuousMinutes   int
	MaxStrategyParam       int
	MaxModelParamMagnitude float64
	ArtifactDir            string
}

func DefaultBounds() Bounds {
	return Bounds{
		MaxFailedAttempts:      10,
		MaxContinuousMinutes:   24 * 60,
		MaxStrategyParam:       1_000_000,
		MaxModelParamMagnitude: 10,
		ArtifactDir:            "artifacts",
	}
}

type Decision struct {
	AutoApply bool
	Reason    string
}

type Engine struct {
	agents AgentReader
	bounds Bounds
}

func New(agents AgentReader, bounds Bounds) *Engine {
	def := DefaultBounds()
	if bounds.MaxFailedAttempts <= 0 {
		bounds.MaxFailedAttempts = def.MaxFailedAttempts
	}
	if bounds.MaxContinuousMinutes <= 0 {
		bounds.MaxContinuousMinutes = def.MaxContinuousMinutes
	}
	if bounds.MaxStrategyParam <= 0 {
		bounds.MaxStrategyParam = def.MaxStrategyParam
	}
	if bounds.MaxModelParamMagnitude <= 0 {
		bounds.MaxModelParamMagnitude = def.MaxModelParamMagnitude
	}
	if bounds.ArtifactDir == "" {
		bounds.ArtifactDir = def.ArtifactDir
	}
	return &Engine{agents: agents, bounds: bounds}
}

// Decide reports whether action may be applied immediately. Only
// configuration changes within bounds are auto-applied; anything touching
// lifecycle, identity or review state is queued.
func (e *Engine) Decide(action domain.GovernanceAction) Decision {
	switch action.Type {
	case domain.ActionToggleRealtimeFeedback, domain.ActionMaskOutput:
		return Decision{AutoApply: true, Reason: "reversible output setting"}
	case domain.ActionReconfigureGovernance:
		for key, limit := range map[string]int{
			"max_failed_attempts_per_cycle":    e.bounds.MaxFailedAttempts,
			"max_continuous_execution_minutes": e.bounds.MaxContinuousMinutes,
		} {
			raw, ok := action.Details[key]
			if !ok {
				continue
			}
			n, ok := number(raw)
			if !ok || n < 1 || n > float64(limit) {
				return Decision{Reason: fmt.Sprintf("%s outside safe range [1,%d]", key, limit)}
			}
		}
		return Decision{AutoApply: true, Reason: "governance limits within safe range"}
	case domain.ActionAdjustStrategyParameters:
		for key, raw := range action.Details {
			n, ok := number(raw)
			if !ok || n < 0 || n > float64(e.bounds.MaxStrategyParam) {
				return Decision{Reason: fmt.Sprintf("strategy parameter %s outside safe range", key)}
			}
		}
		return Decision{AutoApply: true, Reason: "strategy parameters within safe range"}
	case domain.ActionAdjustModelParameters:
		for key, raw := range action.Details {
			n, ok := number(raw)
			if !ok || math.Abs(n) > e.bounds.MaxModelParamMagnitude {
				return Decision{Reason: fmt.Sprintf("model parameter %s outside safe range", key)}
			}
		}
		return Decision{AutoApply: true, Reason: "model parameters within safe range"}
	case domain.ActionFlagForManualReview:
		return Decision{Reason: "manual review always needs a human"}
	}
	return Decision{Reason: fmt.Sprintf("%s requires approval", action.Type)}
}

// CanFileOperation gates artifact access. Agents may only touch their own
// artifact directory, and masked or suspended agents may not write.
func (e *Engine) CanFileOperation(_ context.Context, agentID string, op FileOperation, targetPath string) (bool, string, error) {
	agent, err := e.agents.Agent(agentID)
	if err != nil {
		return false, "", fmt.Errorf("load agent for file policy: %w", err)
	}
	own := e.bounds.ArtifactDir + "/" + agentID + "/"
	if !strings.HasPrefix(targetPath, own) {
		return false, fmt.Sprintf("path %s is outside %s", targetPath, own), nil
	}
	if op == FileOperationRead {
		return true, "allowed", nil
	}
	if agent.Suspended {
		return false, "agent is suspended", nil
	}
	if agent.OutputMasked {
		return false, "agent output is masked", nil
	}
	return true, "allowed", nil
}

func (e *Engine) ArtifactDir() string { return e.bounds.ArtifactDir }

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
