package campaign

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"agent_foundry/internal/domain"
	"agent_foundry/internal/messaging/inproc"
	"agent_foundry/internal/scheduler"
	"agent_foundry/internal/store/memory"
	"agent_foundry/internal/textgen"
)

const interval = 4 * time.Second

type harness struct {
	engine *Engine
	store  *memory.Store
	sched  *scheduler.Scheduler
	clock  *scheduler.FakeClock
	bus    *inproc.Bus
}

func newHarness(t *testing.T, gen textgen.Generator) *harness {
	t.Helper()
	clk := scheduler.NewFakeClock(time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC))
	bus := inproc.New(32)
	seq := 0
	st := memory.New(memory.Options{
		Now:       clk.Now,
		Publisher: bus,
		NewID: func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		},
	})
	sched := scheduler.New(clk, nil)
	return &harness{
		engine: New(st, sched, gen, interval, rand.New(rand.NewSource(7)), nil),
		store:  st,
		sched:  sched,
		clock:  clk,
		bus:    bus,
	}
}

func (h *harness) tick() {
	h.clock.Advance(interval)
	h.sched.RunDue(context.Background())
	h.engine.Wait()
}

func (h *harness) campaign(t *testing.T, members int, status domain.CampaignStatus) domain.Campaign {
	t.Helper()
	ctx := context.Background()
	var ids []string
	for i := 0; i < members; i++ {
		a, err := h.store.CreateAgent(ctx, memory.AgentSpec{Name: fmt.Sprintf("member-%d", i)})
		if err != nil {
			t.Fatalf("create agent: %v", err)
		}
		ids = append(ids, a.ID)
	}
	c, err := h.store.CreateCampaign(ctx, memory.CampaignSpec{Name: "launch", Objective: "win the market", AgentIDs: ids})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	if status != domain.CampaignStatusPlanning {
		if c, err = h.store.SetCampaignStatus(ctx, c.ID, status); err != nil {
			t.Fatalf("status: %v", err)
		}
	}
	return c
}

func logsOf(t *testing.T, h *harness, id string) []domain.CampaignLog {
	t.Helper()
	c, err := h.store.Campaign(id)
	if err != nil {
		t.Fatalf("campaign: %v", err)
	}
	return c.Logs
}

func TestRunningCampaignGetsOneLogPerTick(t *testing.T) {
	h := newHarness(t, textgen.Offline{})
	c := h.campaign(t, 3, domain.CampaignStatusRunning)
	if !h.engine.Ensure() {
		t.Fatalf("engine did not arm for a running campaign")
	}

	for i := 1; i <= 3; i++ {
		h.tick()
		logs := logsOf(t, h, c.ID)
		if len(logs) != i {
			t.Fatalf("tick %d: logs=%d", i, len(logs))
		}
		last := logs[len(logs)-1]
		member := false
		for _, id := range c.AgentIDs {
			member = member || id == last.AgentID
		}
		if !member || last.Failed || last.Message == "" {
			t.Fatalf("tick %d: log=%+v", i, last)
		}
	}
}

func TestCampaignWithoutAgentsNeverLogs(t *testing.T) {
	h := newHarness(t, textgen.Offline{})
	c := h.campaign(t, 0, domain.CampaignStatusRunning)
	if h.engine.Ensure() {
		t.Fatalf("engine armed for a campaign with no agents")
	}
	for i := 0; i < 5; i++ {
		h.tick()
	}
	if logs := logsOf(t, h, c.ID); len(logs) != 0 {
		t.Fatalf("logs=%+v", logs)
	}
}

func TestStoppedCampaignStopsWithinOneTick(t *testing.T) {
	h := newHarness(t, textgen.Offline{})
	c := h.campaign(t, 2, domain.CampaignStatusRunning)
	h.engine.Ensure()
	h.tick()

	if _, err := h.store.SetCampaignStatus(context.Background(), c.ID, domain.CampaignStatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}
	h.tick()
	h.tick()
	if logs := logsOf(t, h, c.ID); len(logs) != 1 {
		t.Fatalf("logs after stop=%d want=1", len(logs))
	}
	if h.sched.Pending(TickKey) != 0 {
		t.Fatalf("tick still armed with nothing running")
	}
}

type failing struct{}

func (failing) GenerateText(context.Context, textgen.Prompt) (string, error) {
	return "", errors.New("quota exceeded")
}

func TestGeneratorFailureIsLogged(t *testing.T) {
	h := newHarness(t, failing{})
	c := h.campaign(t, 1, domain.CampaignStatusRunning)
	h.engine.Ensure()
	h.tick()

	logs := logsOf(t, h, c.ID)
	if len(logs) != 1 || !logs[0].Failed || !strings.Contains(logs[0].Message, "quota exceeded") {
		t.Fatalf("logs=%+v", logs)
	}
}

func TestWatchRestartsOnNewRunningCampaign(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, textgen.Offline{})
	c := h.campaign(t, 1, domain.CampaignStatusPlanning)

	ctx, cancel := context.WithCancel(context.Background())
	events := h.bus.Register("campaign-test")
	done := make(chan error, 1)
	go func() { done <- h.engine.Watch(ctx, events) }()

	if _, err := h.store.SetCampaignStatus(ctx, c.ID, domain.CampaignStatusRunning); err != nil {
		t.Fatalf("run: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.sched.Pending(TickKey) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("engine never re-armed")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch: %v", err)
	}
	h.bus.Unregister("campaign-test")
}

type blocking struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newBlocking() *blocking {
	return &blocking{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blocking) GenerateText(ctx context.Context, _ textgen.Prompt) (string, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return "steady progress", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestSlowGeneratorDoesNotHoldSchedulerLoop(t *testing.T) {
	gen := newBlocking()
	h := newHarness(t, gen)
	c := h.campaign(t, 1, domain.CampaignStatusRunning)
	h.engine.Ensure()

	stepRan := make(chan struct{})
	h.sched.Schedule(scheduler.AgentKey(c.AgentIDs[0], "step"), interval, func(context.Context) { close(stepRan) })
	h.clock.Advance(interval)

	loopDone := make(chan struct{})
	go func() {
		h.sched.RunDue(context.Background())
		close(loopDone)
	}()
	select {
	case <-loopDone:
	case <-time.After(2 * time.Second):
		close(gen.release)
		t.Fatal("scheduler loop waited on campaign text generation")
	}
	select {
	case <-stepRan:
	default:
		t.Fatal("agent step due with the campaign tick did not run")
	}

	select {
	case <-gen.started:
	case <-time.After(2 * time.Second):
		t.Fatal("campaign update never started")
	}
	if logs := logsOf(t, h, c.ID); len(logs) != 0 {
		t.Fatalf("logs before generation finished=%+v", logs)
	}
	if h.sched.Pending(TickKey) != 0 || !h.engine.Ensure() || h.sched.Pending(TickKey) != 0 {
		t.Fatalf("tick re-armed while an update was still in flight")
	}

	close(gen.release)
	h.engine.Wait()
	logs := logsOf(t, h, c.ID)
	if len(logs) != 1 || logs[0].Failed || logs[0].Message != "steady progress" {
		t.Fatalf("logs=%+v", logs)
	}
	if h.sched.Pending(TickKey) != 1 {
		t.Fatalf("next tick not armed after the update was written")
	}
}

func TestStopWaitsForUpdatesAndDisarms(t *testing.T) {
	defer goleak.VerifyNone(t)
	gen := newBlocking()
	h := newHarness(t, gen)
	c := h.campaign(t, 1, domain.CampaignStatusRunning)
	h.engine.Ensure()
	h.clock.Advance(interval)
	h.sched.RunDue(context.Background())
	<-gen.started

	stopped := make(chan struct{})
	go func() {
		h.engine.Stop()
		close(stopped)
	}()
	close(gen.release)
	<-stopped

	if got := len(logsOf(t, h, c.ID)); got != 1 {
		t.Fatalf("logs=%d want the in-flight update written", got)
	}
	if h.sched.Pending(TickKey) != 0 || h.engine.Ensure() {
		t.Fatalf("engine re-armed after Stop")
	}
}
