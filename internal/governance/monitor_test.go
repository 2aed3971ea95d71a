package governance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/goleak"

	"agent_foundry/internal/catalog"
	"agent_foundry/internal/domain"
	"agent_foundry/internal/policy"
	"agent_foundry/internal/store/memory"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newHarness(t *testing.T) (*Monitor, *memory.Store, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	seq := 0
	st := memory.New(memory.Options{
		Now: clk.now,
		NewID: func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		},
	})
	for _, s := range catalog.Builtin() {
		if err := st.RegisterStrategy(context.Background(), s); err != nil {
			t.Fatalf("register %s: %v", s.ID, err)
		}
	}
	m := NewMonitor(st, policy.New(st, policy.DefaultBounds()), Config{Now: clk.now}, nil)
	return m, st, clk
}

func evolvingAgent(t *testing.T, st *memory.Store, spec memory.AgentSpec) domain.Agent {
	t.Helper()
	ctx := context.Background()
	spec.StrategyID = catalog.StandardLifecycleID
	a, err := st.CreateAgent(ctx, spec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	a, err = st.AdvanceStrategy(ctx, a.ID)
	if err != nil || a.Status != domain.AgentStatusEvolving {
		t.Fatalf("advance: status=%s err=%v", a.Status, err)
	}
	return a
}

func actionsOfType(actions []domain.GovernanceAction, typ domain.GovernanceActionType) []domain.GovernanceAction {
	var out []domain.GovernanceAction
	for _, a := range actions {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func TestFailureLoopProposesOneRetrain(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newHarness(t)
	a := evolvingAgent(t, st, memory.AgentSpec{Name: "looper", GovernanceConfig: &domain.GovernanceConfig{MaxFailedAttemptsPerCycle: 3}})

	// K = 4 failures against a budget of 3.
	for i := 0; i < 4; i++ {
		if _, err := st.FailStep(ctx, a.ID, "loss diverged"); err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
		if i < 3 {
			if _, err := st.RetryStep(ctx, a.ID); err != nil {
				t.Fatalf("retry %d: %v", i, err)
			}
		}
		if _, err := m.Audit(ctx); err != nil {
			t.Fatalf("audit: %v", err)
		}
	}

	retrains := actionsOfType(st.GovernanceActions(), domain.ActionRetrainModel)
	if len(retrains) != 1 {
		t.Fatalf("retrain actions=%d want=1", len(retrains))
	}
	got := retrains[0]
	if got.AgentID != a.ID || got.Status != domain.ActionStatusPending || len(got.TriggerLogIDs) < 3 {
		t.Fatalf("action=%+v", got)
	}
	for _, id := range got.TriggerLogIDs {
		if id == "" {
			t.Fatalf("empty trigger id in %v", got.TriggerLogIDs)
		}
	}
}

func TestDetectFailureLoopOnSyntheticStream(t *testing.T) {
	agent := domain.Agent{ID: "a", GovernanceConfig: &domain.GovernanceConfig{MaxFailedAttemptsPerCycle: 2}}
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var logs []domain.Log
	add := func(kind domain.LogKind, status domain.AgentStatus) {
		logs = append(logs, domain.Log{ID: fmt.Sprintf("l%d", len(logs)), AgentID: "a", Kind: kind, Status: status, Timestamp: at.Add(time.Duration(len(logs)) * time.Second)})
	}

	add(domain.LogKindStepFailed, domain.AgentStatusEvolving)
	add(domain.LogKindStepRetried, domain.AgentStatusEvolving)
	add(domain.LogKindStepFailed, domain.AgentStatusCertifying)
	if _, ok := DetectFailureLoop(agent, logs, Thresholds{}); ok {
		t.Fatalf("failures at different statuses counted as a loop")
	}

	add(domain.LogKindStepCompleted, domain.AgentStatusCertifying)
	add(domain.LogKindStepFailed, domain.AgentStatusDeploying)
	if _, ok := DetectFailureLoop(agent, logs, Thresholds{}); ok {
		t.Fatalf("run survived a completed step")
	}

	add(domain.LogKindStepRetried, domain.AgentStatusDeploying)
	add(domain.LogKindStepFailed, domain.AgentStatusDeploying)
	f, ok := DetectFailureLoop(agent, logs, Thresholds{})
	if !ok || f.Status != domain.AgentStatusDeploying || len(f.TriggerLogs) != 2 || f.TriggerLogs[0].ID != "l4" {
		t.Fatalf("finding=%+v ok=%v", f, ok)
	}
}

func TestStallIsQueuedForReview(t *testing.T) {
	ctx := context.Background()
	m, st, clk := newHarness(t)
	a := evolvingAgent(t, st, memory.AgentSpec{Name: "sleepy", GovernanceConfig: &domain.GovernanceConfig{MaxContinuousExecutionMinutes: 30}})

	clk.t = clk.t.Add(29 * time.Minute)
	if out, _ := m.Audit(ctx); len(out) != 0 {
		t.Fatalf("flagged before the limit: %+v", out)
	}

	clk.t = clk.t.Add(2 * time.Minute)
	out, err := m.Audit(ctx)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(out) != 1 || out[0].Type != domain.ActionFlagForManualReview || out[0].Status != domain.ActionStatusPending {
		t.Fatalf("actions=%+v", out)
	}
	got, _ := st.Agent(a.ID)
	if got.FlaggedForReview {
		t.Fatalf("manual review flag was auto-applied")
	}

	clk.t = clk.t.Add(10 * time.Minute)
	if again, _ := m.Audit(ctx); len(again) != 0 {
		t.Fatalf("same stall proposed twice: %+v", again)
	}
}

func TestProgressResetsStallClock(t *testing.T) {
	ctx := context.Background()
	_, st, clk := newHarness(t)
	a := evolvingAgent(t, st, memory.AgentSpec{Name: "busy"})

	clk.t = clk.t.Add(20 * time.Minute)
	if _, err := st.ReportProgress(ctx, a.ID, 40); err != nil {
		t.Fatalf("progress: %v", err)
	}
	clk.t = clk.t.Add(20 * time.Minute)
	a, _ = st.Agent(a.ID)
	if _, ok := DetectStall(a, st.Logs(a.ID), clk.t); ok {
		t.Fatalf("stall reported although progress moved 20 minutes ago")
	}
}

func TestRedundancyTurnsOffRealtimeFeedback(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newHarness(t)
	a, err := st.CreateAgent(ctx, memory.AgentSpec{Name: "parrot", RealtimeFeedbackEnabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := st.AppendLog(ctx, domain.Log{AgentID: a.ID, Stage: domain.LogStageChat, Message: "Market sentiment is bullish on the Q3 outlook."}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	out, err := m.Audit(ctx)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(out) != 1 || out[0].Type != domain.ActionToggleRealtimeFeedback || out[0].Status != domain.ActionStatusApplied {
		t.Fatalf("actions=%+v", out)
	}
	if len(out[0].TriggerLogIDs) != 2 {
		t.Fatalf("triggers=%v", out[0].TriggerLogIDs)
	}
	got, _ := st.Agent(a.ID)
	if got.RealtimeFeedbackEnabled {
		t.Fatalf("realtime feedback still on")
	}
	if again, _ := m.Audit(ctx); len(again) != 0 {
		t.Fatalf("second audit acted again: %+v", again)
	}
}

func TestRedundancyNeedsRealtimeFeedback(t *testing.T) {
	agent := domain.Agent{ID: "a"}
	logs := []domain.Log{
		{ID: "1", AgentID: "a", Message: "same words here"},
		{ID: "2", AgentID: "a", Message: "same words here"},
	}
	if _, ok := DetectRedundancy(agent, logs, Thresholds{}); ok {
		t.Fatalf("redundancy reported with realtime feedback off")
	}
	agent.RealtimeFeedbackEnabled = true
	if _, ok := DetectRedundancy(agent, logs, Thresholds{}); !ok {
		t.Fatalf("identical messages not reported")
	}
}

func TestSimilarity(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"alpha beta", "beta alpha", 1},
		{"Alpha, beta!", "alpha beta", 1},
		{"alpha beta", "gamma delta", 0},
		{"alpha beta gamma", "alpha beta delta", 0.5},
		{"", "", 0},
	}
	for _, tc := range cases {
		if got := Similarity(tc.a, tc.b); got != tc.want {
			t.Fatalf("Similarity(%q,%q)=%v want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, _, _ := newHarness(t)
	m.cfg.Interval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
}
