package policy

import (
	"context"
	"testing"

	"agent_foundry/internal/domain"
)

type agents map[string]domain.Agent

func (a agents) Agent(id string) (domain.Agent, error) {
	agent, ok := a[id]
	if !ok {
		return domain.Agent{}, domain.NotFound("agent", id)
	}
	return agent, nil
}

func TestDecideAutoAppliesOnlySafeConfigChanges(t *testing.T) {
	e := New(agents{}, Bounds{})
	cases := []struct {
		action domain.GovernanceAction
		auto   bool
	}{
		{domain.GovernanceAction{Type: domain.ActionToggleRealtimeFeedback}, true},
		{domain.GovernanceAction{Type: domain.ActionMaskOutput}, true},
		{domain.GovernanceAction{Type: domain.ActionReconfigureGovernance, Details: map[string]any{"max_failed_attempts_per_cycle": 4.0}}, true},
		{domain.GovernanceAction{Type: domain.ActionReconfigureGovernance, Details: map[string]any{"max_failed_attempts_per_cycle": 400.0}}, false},
		{domain.GovernanceAction{Type: domain.ActionAdjustModelParameters, Details: map[string]any{"temperature": 0.7}}, true},
		{domain.GovernanceAction{Type: domain.ActionAdjustModelParameters, Details: map[string]any{"temperature": 99.0}}, false},
		{domain.GovernanceAction{Type: domain.ActionAdjustStrategyParameters, Details: map[string]any{"generations": 3}}, true},
		{domain.GovernanceAction{Type: domain.ActionFlagForManualReview}, false},
		{domain.GovernanceAction{Type: domain.ActionRetrainModel}, false},
		{domain.GovernanceAction{Type: domain.ActionSuspendAgent}, false},
		{domain.GovernanceAction{Type: domain.ActionResetLifecycle}, false},
		{domain.GovernanceAction{Type: domain.ActionResetObjective}, false},
	}
	for _, tc := range cases {
		if got := e.Decide(tc.action); got.AutoApply != tc.auto {
			t.Fatalf("%s %v: auto=%v want=%v (%s)", tc.action.Type, tc.action.Details, got.AutoApply, tc.auto, got.Reason)
		}
	}
}

func TestCanFileOperationScopesArtifacts(t *testing.T) {
	e := New(agents{
		"a1": {ID: "a1"},
		"a2": {ID: "a2", OutputMasked: true},
	}, Bounds{})
	ctx := context.Background()

	if ok, _, err := e.CanFileOperation(ctx, "a1", FileOperationCreate, "artifacts/a1/x.go"); err != nil || !ok {
		t.Fatalf("own artifact denied: ok=%v err=%v", ok, err)
	}
	if ok, _, _ := e.CanFileOperation(ctx, "a1", FileOperationCreate, "artifacts/a2/x.go"); ok {
		t.Fatalf("foreign artifact allowed")
	}
	if ok, reason, _ := e.CanFileOperation(ctx, "a2", FileOperationWrite, "artifacts/a2/x.go"); ok {
		t.Fatalf("masked agent allowed to write")
	} else if reason == "" {
		t.Fatalf("missing denial reason")
	}
	if _, _, err := e.CanFileOperation(ctx, "ghost", FileOperationRead, "artifacts/ghost/x"); err == nil {
		t.Fatalf("unknown agent should error")
	}
}
