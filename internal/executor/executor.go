// Package executor drives agents through their strategy steps. Each step's
// simulated work is a chain of progress ticks on the scheduler that ends in
// the same completion path a forced advance uses.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"agent_foundry/internal/domain"
	"agent_foundry/internal/lifecycle"
	"agent_foundry/internal/scheduler"
	"agent_foundry/internal/textgen"
)

type Store interface {
	Agent(id string) (domain.Agent, error)
	Strategy(id string) (domain.Strategy, error)
	StartStrategy(ctx context.Context, agentID string) (domain.Agent, error)
	CompleteStep(ctx context.Context, agentID string, from domain.AgentStatus, step int) (domain.Agent, error)
	FailStep(ctx context.Context, agentID, reason string) (domain.Agent, error)
	RetryStep(ctx context.Context, agentID string) (domain.Agent, error)
	TriggerReEvolution(ctx context.Context, agentID string) (domain.Agent, error)
	ReportStepProgress(ctx context.Context, agentID string, from domain.AgentStatus, step, progress int) (domain.Agent, error)
	AppendLog(ctx context.Context, entry domain.Log) (domain.Log, error)
}

type Config struct {
	StepDuration time.Duration
	ProgressTick time.Duration
}

func (c Config) withDefaults() Config {
	if c.StepDuration <= 0 {
		c.StepDuration = 10 * time.Second
	}
	if c.ProgressTick <= 0 {
		c.ProgressTick = time.Second
	}
	return c
}

type Executor struct {
	store  Store
	sched  *scheduler.Scheduler
	text   textgen.Generator
	cfg    Config
	logger *zap.Logger

	narratives sync.WaitGroup

	// gens tags each armed chain so a tick from a replaced chain is a noop.
	genMu sync.Mutex
	gens  map[string]uint64
	armed map[string]workRef
}

func New(store Store, sched *scheduler.Scheduler, text textgen.Generator, cfg Config, logger *zap.Logger) *Executor {
	if text == nil {
		text = textgen.Offline{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		store:  store,
		sched:  sched,
		text:   text,
		cfg:    cfg.withDefaults(),
		logger: logger,
		gens:   make(map[string]uint64),
		armed:  make(map[string]workRef),
	}
}

func stepKey(agentID string) string { return scheduler.AgentKey(agentID, "step") }

func (e *Executor) Start(ctx context.Context, agentID string) (domain.Agent, error) {
	a, err := e.store.StartStrategy(ctx, agentID)
	if err != nil {
		return domain.Agent{}, err
	}
	e.arm(a)
	return a, nil
}

// Advance completes the current step. Simulated work calls it when a step
// reaches 100%.
func (e *Executor) Advance(ctx context.Context, agentID string) (domain.Agent, error) {
	return e.complete(ctx, agentID, false)
}

// ForceAdvance skips the remaining simulated work for the current step.
func (e *Executor) ForceAdvance(ctx context.Context, agentID string) (domain.Agent, error) {
	return e.complete(ctx, agentID, true)
}

func (e *Executor) complete(ctx context.Context, agentID string, forced bool) (domain.Agent, error) {
	before, err := e.store.Agent(agentID)
	if err != nil {
		return domain.Agent{}, err
	}
	return e.finish(ctx, before, forced)
}

// finish completes exactly the step observed in before. If another path
// completed it first the store rejects the call.
func (e *Executor) finish(ctx context.Context, before domain.Agent, forced bool) (domain.Agent, error) {
	a, err := e.store.CompleteStep(ctx, before.ID, before.Status, before.CurrentStrategyStep)
	if err != nil {
		return domain.Agent{}, err
	}
	if a.Status == before.Status && a.CurrentStrategyStep == before.CurrentStrategyStep {
		// skip on a finished agent
		return a, nil
	}
	e.arm(a)
	e.narrate(ctx, before, a)
	e.logger.Debug("step completed",
		zap.String("agent_id", a.ID),
		zap.String("from", string(before.Status)),
		zap.String("to", string(a.Status)),
		zap.Int("step", a.CurrentStrategyStep),
		zap.Bool("forced", forced),
	)
	return a, nil
}

func (e *Executor) Fail(ctx context.Context, agentID, reason string) (domain.Agent, error) {
	a, err := e.store.FailStep(ctx, agentID, reason)
	if err != nil {
		return domain.Agent{}, err
	}
	e.sched.CancelKey(stepKey(agentID))
	return a, nil
}

func (e *Executor) Retry(ctx context.Context, agentID string) (domain.Agent, error) {
	a, err := e.store.RetryStep(ctx, agentID)
	if err != nil {
		return domain.Agent{}, err
	}
	e.arm(a)
	return a, nil
}

func (e *Executor) ReEvolve(ctx context.Context, agentID string) (domain.Agent, error) {
	a, err := e.store.TriggerReEvolution(ctx, agentID)
	if err != nil {
		return domain.Agent{}, err
	}
	e.arm(a)
	return a, nil
}

// Resume (re)schedules simulated work for an agent that is in progress,
// for example after new data re-armed it or a governance action resumed it.
func (e *Executor) Resume(agentID string) error {
	a, err := e.store.Agent(agentID)
	if err != nil {
		return err
	}
	e.arm(a)
	return nil
}

// Cancel drops every scheduled task of the agent. It is idempotent.
func (e *Executor) Cancel(agentID string) int {
	e.bump(agentID)
	return e.sched.CancelPrefix(scheduler.AgentPrefix(agentID))
}

// Reconcile brings scheduled work in line with the agent's current state
// after a change made outside the executor, such as an applied governance
// action. A chain that is still valid is left alone.
func (e *Executor) Reconcile(agentID string) error {
	a, err := e.store.Agent(agentID)
	if err != nil {
		return err
	}
	if a.Suspended {
		e.Cancel(agentID)
		return nil
	}
	if !lifecycle.IsInProgress(a.Status) {
		e.sched.CancelKey(stepKey(agentID))
		e.bump(agentID)
		return nil
	}
	e.genMu.Lock()
	cur, ok := e.armed[agentID]
	e.genMu.Unlock()
	if ok && cur.status == a.Status && cur.step == a.CurrentStrategyStep && e.sched.Pending(stepKey(agentID)) > 0 {
		return nil
	}
	e.arm(a)
	return nil
}

func (e *Executor) bump(agentID string) uint64 {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	e.gens[agentID]++
	delete(e.armed, agentID)
	return e.gens[agentID]
}

func (e *Executor) current(ref workRef) bool {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	return e.gens[ref.agentID] == ref.gen
}

// Wait blocks until in-flight narrative logs are written.
func (e *Executor) Wait() {
	e.narratives.Wait()
}

type workRef struct {
	agentID string
	status  domain.AgentStatus
	step    int
	inc     int
	gen     uint64
}

func (e *Executor) arm(a domain.Agent) {
	e.sched.CancelKey(stepKey(a.ID))
	gen := e.bump(a.ID)
	if a.Suspended || !lifecycle.IsInProgress(a.Status) {
		return
	}
	total := e.duration(a)
	ticks := int(total / e.cfg.ProgressTick)
	if ticks < 1 {
		ticks = 1
	}
	inc := (100 + ticks - 1) / ticks
	ref := workRef{agentID: a.ID, status: a.Status, step: a.CurrentStrategyStep, inc: inc, gen: gen}
	e.genMu.Lock()
	e.armed[a.ID] = ref
	e.genMu.Unlock()
	e.schedule(ref)
}

func (e *Executor) schedule(ref workRef) {
	e.sched.Schedule(stepKey(ref.agentID), e.cfg.ProgressTick, func(ctx context.Context) {
		e.tick(ctx, ref)
	})
}

func (e *Executor) tick(ctx context.Context, ref workRef) {
	if !e.current(ref) {
		return
	}
	a, err := e.store.Agent(ref.agentID)
	if err != nil || a.Suspended || a.Status != ref.status || a.CurrentStrategyStep != ref.step {
		return
	}
	next := a.Progress + ref.inc
	if next >= 100 {
		if _, err := e.store.ReportStepProgress(ctx, a.ID, ref.status, ref.step, 100); err != nil {
			e.tickFailed("report progress", a.ID, err)
			return
		}
		if _, err := e.finish(ctx, a, false); err != nil {
			e.tickFailed("complete step", a.ID, err)
		}
		return
	}
	if _, err := e.store.ReportStepProgress(ctx, a.ID, ref.status, ref.step, next); err != nil {
		e.tickFailed("report progress", a.ID, err)
		return
	}
	if a.Progress < 50 && next >= 50 {
		_, err := e.store.AppendLog(ctx, domain.Log{
			AgentID: a.ID,
			Stage:   lifecycle.StageForStatus(a.Status),
			Kind:    domain.LogKindStepProgress,
			Message: fmt.Sprintf("%s at %d%%", a.Status, next),
		})
		if err != nil {
			e.logger.Warn("append progress log", zap.String("agent_id", a.ID), zap.Error(err))
		}
	}
	e.schedule(ref)
}

// tickFailed logs a tick that could not write. A step completed by another
// path in the meantime is expected and only logged at debug level.
func (e *Executor) tickFailed(op, agentID string, err error) {
	if errors.Is(err, domain.ErrInvalidTransition) {
		e.logger.Debug(op+" skipped", zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	e.logger.Warn(op, zap.String("agent_id", agentID), zap.Error(err))
}

// duration scales the base step time by the step's dataPoints and
// generations. Agent strategy parameters override the step config.
func (e *Executor) duration(a domain.Agent) time.Duration {
	cfg := map[string]int{}
	if s, err := e.store.Strategy(a.StrategyID); err == nil && a.CurrentStrategyStep < len(s.Steps) {
		for k, v := range s.Steps[a.CurrentStrategyStep].Config {
			cfg[k] = v
		}
	}
	for k, v := range a.StrategyParams {
		cfg[k] = v
	}
	scale := 1.0
	if dp := cfg["dataPoints"]; dp > 0 {
		scale += float64(dp) / 10000
	}
	if g := cfg["generations"]; g > 1 {
		scale *= float64(g) / 2
	}
	return time.Duration(float64(e.cfg.StepDuration) * scale)
}

// narrate writes a ThinkingProcess log for a completed step. Generation
// runs off the scheduler loop; a generator failure falls back to the
// local template.
func (e *Executor) narrate(ctx context.Context, before, after domain.Agent) {
	prompt := textgen.Prompt{
		Purpose:   textgen.PurposeNarrative,
		AgentName: after.Name,
		Objective: after.Objective,
		Stage:     lifecycle.StageForStatus(before.Status),
		Detail:    fmt.Sprintf("moved from %s to %s", before.Status, after.Status),
	}
	ctx = context.WithoutCancel(ctx)
	e.narratives.Add(1)
	go func() {
		defer e.narratives.Done()
		text, err := e.text.GenerateText(ctx, prompt)
		if err != nil {
			e.logger.Warn("narrative generation failed", zap.String("agent_id", after.ID), zap.Error(err))
			text, _ = textgen.Offline{}.GenerateText(ctx, prompt)
		}
		_, err = e.store.AppendLog(ctx, domain.Log{
			AgentID: after.ID,
			Stage:   domain.LogStageThinkingProcess,
			Kind:    domain.LogKindNarrative,
			Message: text,
		})
		if err != nil {
			e.logger.Warn("append narrative", zap.String("agent_id", after.ID), zap.Error(err))
		}
	}()
}
