package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"agent_foundry/internal/campaign"
	"agent_foundry/internal/catalog"
	"agent_foundry/internal/domain"
	"agent_foundry/internal/engines"
	"agent_foundry/internal/fs"
	"agent_foundry/internal/scheduler"
	"agent_foundry/internal/store/memory"
	"agent_foundry/internal/textgen"
	"agent_foundry/internal/tools"
)

type memorySnapshots struct {
	mu    sync.Mutex
	saved []domain.Snapshot
}

func (m *memorySnapshots) SaveSnapshot(_ context.Context, snap domain.Snapshot) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, snap)
	return int64(len(m.saved)), nil
}

func (m *memorySnapshots) LatestSnapshot(context.Context) (domain.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) == 0 {
		return domain.Snapshot{}, false, nil
	}
	return m.saved[len(m.saved)-1], true, nil
}

func (m *memorySnapshots) Prune(_ context.Context, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) <= keep {
		return 0, nil
	}
	drop := len(m.saved) - keep
	m.saved = m.saved[drop:]
	return int64(drop), nil
}

type testService struct {
	*Service
	clock *scheduler.FakeClock
}

func newTestService(t *testing.T, snaps SnapshotStore) *testService {
	t.Helper()
	clk := scheduler.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	seq := 0
	var mu sync.Mutex
	svc, err := New(Config{
		StepDuration:   10 * time.Second,
		ProgressTick:   time.Second,
		ToolLatencyMin: 0,
		ToolLatencyMax: 0,
		WorkspaceRoot:  t.TempDir(),
	}, Deps{
		Clock:     clk,
		Text:      textgen.Offline{},
		Snapshots: snaps,
		Rand:      rand.New(rand.NewSource(7)),
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("id-%d", seq)
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &testService{Service: svc, clock: clk}
}

func (ts *testService) step(n int) {
	for i := 0; i < n; i++ {
		ts.clock.Advance(time.Second)
		ts.Scheduler().RunDue(context.Background())
	}
}

// dispatchAndWait runs a tool intent while stepping the fake clock past its
// simulated latency.
func (ts *testService) dispatchAndWait(t *testing.T, agentID, text string) (tools.Outcome, error) {
	t.Helper()
	type result struct {
		out tools.Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := ts.DispatchToolIntent(context.Background(), agentID, text)
		done <- result{out, err}
	}()
	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case r := <-done:
			return r.out, r.err
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("dispatch %q never finished", text)
		}
		ts.step(1)
		time.Sleep(time.Millisecond)
	}
}

func (ts *testService) waitFor(t *testing.T, id string, cond func(domain.Agent) bool) domain.Agent {
	t.Helper()
	for i := 0; i < 1000; i++ {
		a, err := ts.Agent(id)
		if err != nil {
			t.Fatalf("agent: %v", err)
		}
		if cond(a) {
			return a
		}
		ts.step(1)
	}
	t.Fatalf("condition not reached for %s", id)
	return domain.Agent{}
}

func stepPending(ts *testService, id string) int {
	return ts.Scheduler().Pending(scheduler.AgentKey(id, "step"))
}

func TestNewRegistersBuiltinStrategies(t *testing.T) {
	ts := newTestService(t, nil)
	if got, want := len(ts.Strategies()), len(catalog.Builtin()); got != want {
		t.Fatalf("strategies=%d want=%d", got, want)
	}
	if len(ts.FeatureEngines()) == 0 || len(ts.Tools()) == 0 {
		t.Fatalf("engines=%d tools=%d", len(ts.FeatureEngines()), len(ts.Tools()))
	}
}

func TestCreateAgentWithStrategyRunsToCompletion(t *testing.T) {
	ts := newTestService(t, nil)
	a, err := ts.CreateAgent(context.Background(), memory.AgentSpec{
		Name:       "scout",
		Objective:  "map the market",
		StrategyID: catalog.RapidDeploymentID,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Status != domain.AgentStatusEvolving {
		t.Fatalf("status=%s want Evolving", a.Status)
	}
	if stepPending(ts, a.ID) != 1 {
		t.Fatalf("no simulated work armed on create")
	}
	final := ts.waitFor(t, a.ID, func(a domain.Agent) bool { return a.Status == domain.AgentStatusLive })
	if final.CurrentStrategyStep != 3 {
		t.Fatalf("step=%d want=3", final.CurrentStrategyStep)
	}
}

func TestSuspendHoldsWorkUntilResumed(t *testing.T) {
	ts := newTestService(t, nil)
	ctx := context.Background()
	a, err := ts.CreateAgent(ctx, memory.AgentSpec{Name: "held", StrategyID: catalog.RapidDeploymentID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ts.step(3)

	if _, err := ts.SuspendAgent(ctx, a.ID, ""); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if stepPending(ts, a.ID) != 0 {
		t.Fatalf("suspended agent still has work")
	}
	before, _ := ts.Agent(a.ID)
	ts.step(30)
	after, _ := ts.Agent(a.ID)
	if after.Progress != before.Progress || after.Status != before.Status {
		t.Fatalf("agent moved while suspended: %+v -> %+v", before, after)
	}
	if _, err := ts.IngestData(ctx, a.ID, 10); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("ingest while suspended err=%v", err)
	}

	if _, err := ts.ResumeAgent(ctx, a.ID, "cleared"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	ts.waitFor(t, a.ID, func(a domain.Agent) bool { return a.Status == domain.AgentStatusLive })
}

func TestIngestRearmsFinishedAgent(t *testing.T) {
	ts := newTestService(t, nil)
	ctx := context.Background()
	a, err := ts.CreateAgent(ctx, memory.AgentSpec{
		Name:                    "feedback",
		StrategyID:              catalog.RapidDeploymentID,
		RealtimeFeedbackEnabled: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if a, err = ts.ForceAdvance(ctx, a.ID); err != nil {
			t.Fatalf("force advance: %v", err)
		}
	}
	if a.Status != domain.AgentStatusLive || stepPending(ts, a.ID) != 0 {
		t.Fatalf("status=%s pending=%d", a.Status, stepPending(ts, a.ID))
	}

	a, err = ts.IngestData(ctx, a.ID, 500)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if a.Status != domain.AgentStatusAutoEvolving {
		t.Fatalf("status=%s want AutoEvolving", a.Status)
	}
	if stepPending(ts, a.ID) != 1 {
		t.Fatalf("re-armed agent has no work")
	}
	ts.waitFor(t, a.ID, func(a domain.Agent) bool { return a.Status == domain.AgentStatusLive })
}

func TestDispatchToolIntentOnlyUsesIntegratedEngines(t *testing.T) {
	ts := newTestService(t, nil)
	ctx := context.Background()
	plain, err := ts.CreateAgent(ctx, memory.AgentSpec{Name: "plain"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	out, err := ts.DispatchToolIntent(ctx, plain.ID, "search for quarterly churn figures")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Matched {
		t.Fatalf("matched %s without integrated engines", out.Tool)
	}
	for _, l := range ts.Logs(0) {
		if l.Kind == domain.LogKindToolCall || l.Kind == domain.LogKindToolFailed {
			t.Fatalf("unexpected tool log %+v", l)
		}
	}
}

func TestRestoreResumesInProgressAgents(t *testing.T) {
	snaps := &memorySnapshots{}
	first := newTestService(t, snaps)
	ctx := context.Background()
	a, err := first.CreateAgent(ctx, memory.AgentSpec{Name: "durable", StrategyID: catalog.StandardLifecycleID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first.step(4)
	if err := first.SaveSnapshot(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	saved, _ := first.Agent(a.ID)
	first.Scheduler().CancelPrefix("")

	second := newTestService(t, snaps)
	ok, err := second.Restore(ctx)
	if err != nil || !ok {
		t.Fatalf("restore ok=%v err=%v", ok, err)
	}
	got, err := second.Agent(a.ID)
	if err != nil {
		t.Fatalf("agent after restore: %v", err)
	}
	if got.Status != saved.Status || got.Progress != saved.Progress {
		t.Fatalf("restored %s/%d want %s/%d", got.Status, got.Progress, saved.Status, saved.Progress)
	}
	if stepPending(second, a.ID) != 1 {
		t.Fatalf("restored agent has no work armed")
	}
}

func TestRunStopsAndSavesFinalSnapshot(t *testing.T) {
	defer goleak.VerifyNone(t)

	snaps := &memorySnapshots{}
	ts := newTestService(t, snaps)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.Run(ctx) }()

	a, err := ts.CreateAgent(context.Background(), memory.AgentSpec{Name: "short-lived"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	c, err := ts.CreateCampaign(context.Background(), memory.CampaignSpec{Name: "launch", AgentIDs: []string{a.ID}})
	if err != nil {
		t.Fatalf("campaign: %v", err)
	}
	if _, err := ts.SetCampaignStatus(context.Background(), c.ID, domain.CampaignStatusRunning); err != nil {
		t.Fatalf("run campaign: %v", err)
	}
	if ts.Scheduler().Pending(campaign.TickKey) != 1 {
		t.Fatalf("campaign tick not armed")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	snap, ok, _ := snaps.LatestSnapshot(context.Background())
	if !ok || len(snap.Agents) != 1 {
		t.Fatalf("final snapshot ok=%v agents=%d", ok, len(snap.Agents))
	}
	if ts.Scheduler().Pending(campaign.TickKey) != 0 {
		t.Fatalf("campaign tick still armed after shutdown")
	}
}

func TestReadArtifactStaysInsideAgentDirectory(t *testing.T) {
	ts := newTestService(t, nil)
	ctx := context.Background()
	coder, err := ts.CreateAgent(ctx, memory.AgentSpec{Name: "coder", FeatureEngineIDs: []string{engines.CodeSynthesis}})
	if err != nil {
		t.Fatalf("create coder: %v", err)
	}
	other, err := ts.CreateAgent(ctx, memory.AgentSpec{Name: "other"})
	if err != nil {
		t.Fatalf("create other: %v", err)
	}
	out, err := ts.dispatchAndWait(t, coder.ID, "write a function in python that parses csv")
	if err != nil || out.Result == nil || out.Result.ArtifactPath == "" {
		t.Fatalf("dispatch: %+v %v", out, err)
	}

	name := path.Base(out.Result.ArtifactPath)
	content, err := ts.ReadArtifact(ctx, coder.ID, name)
	if err != nil || string(content) != out.Result.Artifact {
		t.Fatalf("read: %q %v", content, err)
	}
	if _, err := ts.ReadArtifact(ctx, other.ID, "../"+coder.ID+"/"+name); !errors.Is(err, fs.ErrForbiddenFileOperation) {
		t.Fatalf("cross-agent read err=%v want ErrForbiddenFileOperation", err)
	}
	if _, err := ts.ReadArtifact(ctx, coder.ID, "nope.py"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing err=%v want ErrNotFound", err)
	}
}
