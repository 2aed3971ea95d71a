package lifecycle

import (
	"errors"
	"testing"

	"agent_foundry/internal/catalog"
	"agent_foundry/internal/domain"
)

func standard(t *testing.T) *domain.Strategy {
	t.Helper()
	for _, s := range catalog.Builtin() {
		if s.ID == catalog.StandardLifecycleID {
			return &s
		}
	}
	t.Fatalf("standard lifecycle missing")
	return nil
}

func TestIngestStatusFollowsRealtimeFeedback(t *testing.T) {
	if got := InProgressStatus(domain.StepTypeIngestData, true); got != domain.AgentStatusAutoEvolving {
		t.Fatalf("realtime ingest=%s", got)
	}
	if got := InProgressStatus(domain.StepTypeIngestData, false); got != domain.AgentStatusExecutingStrategy {
		t.Fatalf("batch ingest=%s", got)
	}
}

func TestCompleteWalksEveryStep(t *testing.T) {
	s := standard(t)
	a := domain.Agent{ID: "a", StrategyID: s.ID, Status: domain.AgentStatusConception}

	tr, err := Start(a, s)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	a = tr.Next.Apply(a)
	for i := 0; i < len(s.Steps); i++ {
		if !IsInProgress(a.Status) {
			t.Fatalf("step %d: status %s not in progress", i, a.Status)
		}
		tr, err = Complete(a, s)
		if err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
		if tr.Kind != domain.LogKindStepCompleted {
			t.Fatalf("kind=%s", tr.Kind)
		}
		a = tr.Next.Apply(a)
	}
	if a.Status != domain.AgentStatusOptimized || a.CurrentStrategyStep != len(s.Steps) || a.Progress != 100 {
		t.Fatalf("final=%s step=%d progress=%d", a.Status, a.CurrentStrategyStep, a.Progress)
	}

	tr, err = Complete(a, s)
	if err != nil || !tr.Noop {
		t.Fatalf("skip: noop=%v err=%v", tr.Noop, err)
	}
}

func TestCompleteRejectsFailedAgent(t *testing.T) {
	s := standard(t)
	a := domain.Agent{ID: "a", StrategyID: s.ID, Status: domain.AgentStatusFailed, FailedStatus: domain.AgentStatusEvolving}
	if _, err := Complete(a, s); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("err=%v", err)
	}
}

func TestFailCountsAttempts(t *testing.T) {
	a := domain.Agent{ID: "a", Status: domain.AgentStatusDeploying, CurrentStrategyStep: 3, Progress: 60}
	for attempt := 1; attempt <= 2; attempt++ {
		tr, err := Fail(a, 2, "timeout")
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		a = tr.Next.Apply(a)
		if a.Status != domain.AgentStatusFailed || a.FailedAttempts != attempt || a.Progress != 0 {
			t.Fatalf("attempt %d: %+v", attempt, a)
		}
		tr, err = Retry(a)
		if err != nil {
			t.Fatalf("retry: %v", err)
		}
		a = tr.Next.Apply(a)
		if a.Status != domain.AgentStatusDeploying || a.CurrentStrategyStep != 3 {
			t.Fatalf("retry landed on %s step %d", a.Status, a.CurrentStrategyStep)
		}
	}
	tr, err := Fail(a, 2, "timeout")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if tr.Next.Status != domain.AgentStatusAwaitingReEvolution {
		t.Fatalf("status=%s", tr.Next.Status)
	}
}

func TestStartRequiresStrategyAndIdleAgent(t *testing.T) {
	s := standard(t)
	if _, err := Start(domain.Agent{ID: "a", Status: domain.AgentStatusConception}, nil); !errors.Is(err, domain.ErrNoStrategyAssigned) {
		t.Fatalf("err=%v", err)
	}
	busy := domain.Agent{ID: "a", StrategyID: s.ID, Status: domain.AgentStatusEvolving}
	if _, err := Start(busy, s); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("err=%v", err)
	}
}

func TestRearmOnlyFinishedRealtimeAgents(t *testing.T) {
	s := standard(t)
	done := domain.Agent{ID: "a", StrategyID: s.ID, Status: domain.AgentStatusOptimized, CurrentStrategyStep: len(s.Steps), RealtimeFeedbackEnabled: true}
	if _, ok := Rearm(done, s); !ok {
		t.Fatalf("finished realtime agent should re-arm")
	}
	done.RealtimeFeedbackEnabled = false
	if _, ok := Rearm(done, s); ok {
		t.Fatalf("re-armed without realtime feedback")
	}
	running := domain.Agent{ID: "a", StrategyID: s.ID, Status: domain.AgentStatusEvolving, RealtimeFeedbackEnabled: true}
	if _, ok := Rearm(running, s); ok {
		t.Fatalf("re-armed a running agent")
	}
}

func TestProgressNeverDecreases(t *testing.T) {
	a := domain.Agent{ID: "a", Status: domain.AgentStatusEvolving, Progress: 50}
	if p, _ := Progress(a, 30); p != 50 {
		t.Fatalf("p=%d", p)
	}
	if p, _ := Progress(a, 120); p != 100 {
		t.Fatalf("p=%d", p)
	}
	a.Status = domain.AgentStatusLive
	if _, err := Progress(a, 70); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("err=%v", err)
	}
}
