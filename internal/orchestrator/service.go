package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agent_foundry/internal/campaign"
	"agent_foundry/internal/catalog"
	"agent_foundry/internal/domain"
	"agent_foundry/internal/engines"
	"agent_foundry/internal/executor"
	"agent_foundry/internal/fs"
	"agent_foundry/internal/governance"
	"agent_foundry/internal/lifecycle"
	"agent_foundry/internal/messaging/inproc"
	"agent_foundry/internal/policy"
	"agent_foundry/internal/scheduler"
	"agent_foundry/internal/store/memory"
	"agent_foundry/internal/textgen"
	"agent_foundry/internal/tools"
)

const (
	campaignSubscriber  = "campaign-engine"
	executorSubscriber  = "executor"
	eventBufferCapacity = 256
)

// SnapshotStore persists whole-state snapshots between runs.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap domain.Snapshot) (int64, error)
	LatestSnapshot(ctx context.Context) (domain.Snapshot, bool, error)
	Prune(ctx context.Context, keep int) (int64, error)
}

type Config struct {
	StepDuration     time.Duration
	ProgressTick     time.Duration
	ToolLatencyMin   time.Duration
	ToolLatencyMax   time.Duration
	AuditInterval    time.Duration
	CampaignTick     time.Duration
	SnapshotInterval time.Duration
	KeepSnapshots    int
	WorkspaceRoot    string
	Thresholds       governance.Thresholds
	Bounds           policy.Bounds

	// DefaultGovernance is given to agents created without their own.
	DefaultGovernance *domain.GovernanceConfig
}

func (c Config) withDefaults() Config {
	if c.AuditInterval <= 0 {
		c.AuditInterval = 5 * time.Second
	}
	if c.CampaignTick <= 0 {
		c.CampaignTick = 4 * time.Second
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
	if c.KeepSnapshots <= 0 {
		c.KeepSnapshots = 10
	}
	if c.ToolLatencyMax <= 0 && c.ToolLatencyMin <= 0 {
		c.ToolLatencyMin = 300 * time.Millisecond
		c.ToolLatencyMax = 1200 * time.Millisecond
	}
	return c
}

// Deps are the collaborators built outside the service. Only Text is
// required to be meaningful; the rest fall back to in-process defaults.
type Deps struct {
	Clock        scheduler.Clock
	Text         textgen.Generator
	Snapshots    SnapshotStore
	FileRecorder fs.Recorder
	Rand         *rand.Rand
	NewID        func() string
	Logger       *zap.Logger
}

type Service struct {
	cfg    Config
	logger *zap.Logger

	store      *memory.Store
	bus        *inproc.Bus
	sched      *scheduler.Scheduler
	engines    *engines.Registry
	policy     *policy.Engine
	exec       *executor.Executor
	dispatcher *tools.Dispatcher
	monitor    *governance.Monitor
	campaigns  *campaign.Engine
	artifacts  *fs.Gateway
	snapshots  SnapshotStore
}

func New(cfg Config, deps Deps) (*Service, error) {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rng := deps.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	reg := engines.NewRegistry(engines.Builtin()...)
	toolRegistry := tools.NewBuiltinRegistry()
	if err := toolRegistry.CheckContracts(reg); err != nil {
		return nil, fmt.Errorf("tool contracts: %w", err)
	}

	bus := inproc.New(eventBufferCapacity)
	sched := scheduler.New(deps.Clock, logger.Named("scheduler"))
	store := memory.New(memory.Options{
		Now:          sched.Clock().Now,
		NewID:        deps.NewID,
		Publisher:    bus,
		EngineExists: reg.Has,
		Logger:       logger.Named("store"),
	})
	for _, st := range catalog.Builtin() {
		if err := store.RegisterStrategy(context.Background(), st); err != nil {
			return nil, fmt.Errorf("register strategy %s: %w", st.ID, err)
		}
	}
	pol := policy.New(store, cfg.Bounds)

	env := tools.Env{Store: store, Text: deps.Text, ArtifactDir: pol.ArtifactDir()}
	var artifacts *fs.Gateway
	if cfg.WorkspaceRoot != "" {
		gw, err := fs.NewGateway(cfg.WorkspaceRoot, pol, logger.Named("artifacts"))
		if err != nil {
			return nil, err
		}
		if deps.FileRecorder != nil {
			gw.WithRecorder(deps.FileRecorder)
		}
		env.Artifacts = gw
		artifacts = gw
	}

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		bus:       bus,
		sched:     sched,
		engines:   reg,
		policy:    pol,
		artifacts: artifacts,
		snapshots: deps.Snapshots,
	}
	s.exec = executor.New(store, sched, deps.Text, executor.Config{
		StepDuration: cfg.StepDuration,
		ProgressTick: cfg.ProgressTick,
	}, logger.Named("executor"))
	s.dispatcher = tools.NewDispatcher(toolRegistry, env, sched, tools.Config{
		LatencyMin: cfg.ToolLatencyMin,
		LatencyMax: cfg.ToolLatencyMax,
		Rand:       rand.New(rand.NewSource(rng.Int63())),
	}, logger.Named("tools"))
	s.monitor = governance.NewMonitor(store, pol, governance.Config{
		Interval:   cfg.AuditInterval,
		Thresholds: cfg.Thresholds,
		Now:        sched.Clock().Now,
	}, logger.Named("governance"))
	s.campaigns = campaign.New(store, sched, deps.Text, cfg.CampaignTick, rng, logger.Named("campaign"))
	return s, nil
}

// LoadStrategies registers strategies read from a catalog file on top of
// the built-in ones.
func (s *Service) LoadStrategies(ctx context.Context, strategies []domain.Strategy) error {
	for _, st := range strategies {
		if err := s.store.RegisterStrategy(ctx, st); err != nil {
			return fmt.Errorf("register strategy %s: %w", st.ID, err)
		}
	}
	return nil
}

// Restore loads the latest persisted snapshot, if any, and resumes the
// simulated work it describes.
func (s *Service) Restore(ctx context.Context) (bool, error) {
	if s.snapshots == nil {
		return false, nil
	}
	snap, ok, err := s.snapshots.LatestSnapshot(ctx)
	if err != nil || !ok {
		return false, err
	}
	if err := s.store.Restore(ctx, snap); err != nil {
		return false, fmt.Errorf("restore snapshot: %w", err)
	}
	for _, a := range s.store.Agents() {
		if lifecycle.IsInProgress(a.Status) && !a.Suspended {
			if err := s.exec.Reconcile(a.ID); err != nil {
				return true, err
			}
		}
	}
	s.campaigns.Ensure()
	s.logger.Info("state restored", zap.Int("agents", len(snap.Agents)), zap.Int("logs", len(snap.Logs)))
	return true, nil
}

// Run drives the scheduler, the governance audit loop, campaign restarts
// and periodic snapshots until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	campaignEvents := s.bus.Register(campaignSubscriber)
	defer s.bus.Unregister(campaignSubscriber)
	executorEvents := s.bus.Register(executorSubscriber)
	defer s.bus.Unregister(executorSubscriber)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sched.Run(gctx) })
	g.Go(func() error { return s.monitor.Run(gctx) })
	g.Go(func() error { return s.campaigns.Watch(gctx, campaignEvents) })
	g.Go(func() error { return s.watchActions(gctx, executorEvents) })
	if s.snapshots != nil {
		g.Go(func() error { return s.snapshotLoop(gctx) })
	}
	err := g.Wait()
	s.campaigns.Stop()
	s.exec.Wait()

	if s.snapshots != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if serr := s.SaveSnapshot(saveCtx); serr != nil {
			s.logger.Error("final snapshot", zap.Error(serr))
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchActions reconciles scheduled work for agents touched by governance
// actions the monitor applied on its own.
func (s *Service) watchActions(ctx context.Context, events <-chan domain.SystemEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if evt.Kind != domain.EventActionApplied {
				continue
			}
			action, err := s.store.GovernanceAction(evt.EntityID)
			if err != nil {
				continue
			}
			if err := s.exec.Reconcile(action.AgentID); err != nil {
				s.logger.Warn("reconcile after governance action",
					zap.String("action_id", action.ID),
					zap.String("agent_id", action.AgentID),
					zap.Error(err),
				)
			}
		}
	}
}

func (s *Service) snapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.SaveSnapshot(ctx); err != nil {
				s.logger.Warn("snapshot failed", zap.Error(err))
			}
		}
	}
}

func (s *Service) SaveSnapshot(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}
	id, err := s.snapshots.SaveSnapshot(ctx, s.store.Snapshot())
	if err != nil {
		return err
	}
	if _, err := s.snapshots.Prune(ctx, s.cfg.KeepSnapshots); err != nil {
		return err
	}
	s.logger.Debug("snapshot saved", zap.Int64("snapshot_id", id))
	return nil
}

// Bus exposes the system-event fan-out for live subscribers.
func (s *Service) Bus() *inproc.Bus { return s.bus }

func (s *Service) Scheduler() *scheduler.Scheduler { return s.sched }

func (s *Service) CreateAgent(ctx context.Context, spec memory.AgentSpec) (domain.Agent, error) {
	if spec.GovernanceConfig == nil && s.cfg.DefaultGovernance != nil {
		gc := *s.cfg.DefaultGovernance
		spec.GovernanceConfig = &gc
	}
	a, err := s.store.CreateAgent(ctx, spec)
	if err != nil {
		return domain.Agent{}, err
	}
	if err := s.exec.Reconcile(a.ID); err != nil {
		return a, err
	}
	s.logger.Info("agent created",
		zap.String("agent_id", a.ID),
		zap.String("name", a.Name),
		zap.String("status", string(a.Status)),
	)
	return a, nil
}

func (s *Service) AttachStrategy(ctx context.Context, agentID, strategyID string) (domain.Agent, error) {
	a, err := s.store.AttachStrategy(ctx, agentID, strategyID)
	if err != nil {
		return domain.Agent{}, err
	}
	return a, s.exec.Reconcile(agentID)
}

func (s *Service) StartStrategy(ctx context.Context, agentID string) (domain.Agent, error) {
	return s.exec.Start(ctx, agentID)
}

func (s *Service) AdvanceStrategy(ctx context.Context, agentID string) (domain.Agent, error) {
	return s.exec.Advance(ctx, agentID)
}

// ForceAdvance completes the current step immediately, replacing any
// pending simulated work.
func (s *Service) ForceAdvance(ctx context.Context, agentID string) (domain.Agent, error) {
	return s.exec.ForceAdvance(ctx, agentID)
}

func (s *Service) FailStep(ctx context.Context, agentID, reason string) (domain.Agent, error) {
	return s.exec.Fail(ctx, agentID, reason)
}

func (s *Service) RetryStep(ctx context.Context, agentID string) (domain.Agent, error) {
	return s.exec.Retry(ctx, agentID)
}

func (s *Service) TriggerReEvolution(ctx context.Context, agentID string) (domain.Agent, error) {
	return s.exec.ReEvolve(ctx, agentID)
}

func (s *Service) IngestData(ctx context.Context, agentID string, count int) (domain.Agent, error) {
	a, err := s.store.IngestData(ctx, agentID, count)
	if err != nil {
		return domain.Agent{}, err
	}
	return a, s.exec.Reconcile(agentID)
}

func (s *Service) SetRealtimeFeedback(ctx context.Context, agentID string, enabled bool) (domain.Agent, error) {
	a, err := s.store.SetRealtimeFeedback(ctx, agentID, enabled)
	if err != nil {
		return domain.Agent{}, err
	}
	return a, s.exec.Reconcile(agentID)
}

// DispatchToolIntent runs at most one tool matched from free text. An
// unmatched intent returns Matched=false and no error.
func (s *Service) DispatchToolIntent(ctx context.Context, agentID, text string) (tools.Outcome, error) {
	out, err := s.dispatcher.Dispatch(ctx, agentID, text)
	s.afterTool(agentID, out)
	return out, err
}

// InvokeTool runs a named tool with explicit parameters.
func (s *Service) InvokeTool(ctx context.Context, agentID string, params tools.Params) (tools.Outcome, error) {
	out, err := s.dispatcher.Invoke(ctx, agentID, params)
	s.afterTool(agentID, out)
	return out, err
}

func (s *Service) afterTool(agentID string, out tools.Outcome) {
	if !out.Matched || out.Error != "" {
		return
	}
	if err := s.exec.Reconcile(agentID); err != nil {
		s.logger.Warn("reconcile after tool", zap.String("agent_id", agentID), zap.String("tool", out.Tool), zap.Error(err))
	}
}

func (s *Service) ProposeGovernanceAction(ctx context.Context, action domain.GovernanceAction) (domain.GovernanceAction, error) {
	return s.store.ProposeGovernanceAction(ctx, action)
}

// ApplyGovernanceAction applies a queued or ad-hoc action. A rejected
// action is returned alongside its RejectionError.
func (s *Service) ApplyGovernanceAction(ctx context.Context, action domain.GovernanceAction) (domain.GovernanceAction, error) {
	out, err := s.store.ApplyGovernanceAction(ctx, action)
	if err != nil {
		return out, err
	}
	if rerr := s.exec.Reconcile(out.AgentID); rerr != nil {
		return out, rerr
	}
	s.logger.Info("governance action applied",
		zap.String("action_id", out.ID),
		zap.String("agent_id", out.AgentID),
		zap.String("type", string(out.Type)),
	)
	return out, nil
}

func (s *Service) RejectGovernanceAction(ctx context.Context, actionID, reason string) (domain.GovernanceAction, error) {
	return s.store.RejectGovernanceAction(ctx, actionID, reason)
}

// SuspendAgent and ResumeAgent are shorthands for an operator-applied
// SuspendAgent action.
func (s *Service) SuspendAgent(ctx context.Context, agentID, reason string) (domain.GovernanceAction, error) {
	return s.setSuspended(ctx, agentID, true, reason)
}

func (s *Service) ResumeAgent(ctx context.Context, agentID, reason string) (domain.GovernanceAction, error) {
	return s.setSuspended(ctx, agentID, false, reason)
}

func (s *Service) setSuspended(ctx context.Context, agentID string, suspended bool, reason string) (domain.GovernanceAction, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "operator request"
	}
	return s.ApplyGovernanceAction(ctx, domain.GovernanceAction{
		AgentID:       agentID,
		Type:          domain.ActionSuspendAgent,
		Details:       map[string]any{"suspended": suspended},
		Justification: reason,
	})
}

// Audit runs one governance pass immediately.
func (s *Service) Audit(ctx context.Context) ([]domain.GovernanceAction, error) {
	return s.monitor.Audit(ctx)
}

func (s *Service) CreateCampaign(ctx context.Context, spec memory.CampaignSpec) (domain.Campaign, error) {
	c, err := s.store.CreateCampaign(ctx, spec)
	if err != nil {
		return domain.Campaign{}, err
	}
	s.campaigns.Ensure()
	return c, nil
}

func (s *Service) SetCampaignStatus(ctx context.Context, campaignID string, status domain.CampaignStatus) (domain.Campaign, error) {
	c, err := s.store.SetCampaignStatus(ctx, campaignID, status)
	if err != nil {
		return domain.Campaign{}, err
	}
	s.campaigns.Ensure()
	return c, nil
}

func (s *Service) RegisterStrategy(ctx context.Context, strategy domain.Strategy) error {
	return s.store.RegisterStrategy(ctx, strategy)
}

func (s *Service) Agent(id string) (domain.Agent, error) { return s.store.Agent(id) }

func (s *Service) Agents() []domain.Agent { return s.store.Agents() }

// AgentLogs returns the newest limit logs of an agent, oldest first. A
// non-positive limit returns all of them.
func (s *Service) AgentLogs(agentID string, limit int) ([]domain.Log, error) {
	if _, err := s.store.Agent(agentID); err != nil {
		return nil, err
	}
	return tail(s.store.Logs(agentID), limit), nil
}

func (s *Service) Logs(limit int) []domain.Log { return tail(s.store.AllLogs(), limit) }

func (s *Service) Strategies() []domain.Strategy { return s.store.Strategies() }

func (s *Service) Strategy(id string) (domain.Strategy, error) { return s.store.Strategy(id) }

func (s *Service) FeatureEngines() []domain.FeatureEngine { return s.engines.List() }

func (s *Service) Tools() []string { return s.dispatcher.Registry().Order() }

// ReadArtifact returns a file the agent's tools wrote. name is relative to
// the agent's own artifact directory; the file gateway rejects anything
// outside it.
func (s *Service) ReadArtifact(ctx context.Context, agentID, name string) ([]byte, error) {
	if _, err := s.store.Agent(agentID); err != nil {
		return nil, err
	}
	if s.artifacts == nil {
		return nil, fmt.Errorf("artifact storage is disabled: %w", domain.ErrNotFound)
	}
	rel := path.Join(s.policy.ArtifactDir(), agentID, name)
	content, err := s.artifacts.ReadFile(ctx, agentID, rel)
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.NotFound("artifact", rel)
	}
	return content, err
}

func (s *Service) Campaigns() []domain.Campaign { return s.store.Campaigns() }

func (s *Service) Campaign(id string) (domain.Campaign, error) { return s.store.Campaign(id) }

func (s *Service) GovernanceActions(status domain.GovernanceActionStatus) []domain.GovernanceAction {
	all := s.store.GovernanceActions()
	if status == "" {
		return all
	}
	out := make([]domain.GovernanceAction, 0, len(all))
	for _, a := range all {
		if a.Status == status {
			out = append(out, a)
		}
	}
	return out
}

func (s *Service) GovernanceAction(id string) (domain.GovernanceAction, error) {
	return s.store.GovernanceAction(id)
}

func (s *Service) Events(sinceSeq int64) []domain.SystemEvent { return s.store.Events(sinceSeq) }

func (s *Service) Snapshot() domain.Snapshot { return s.store.Snapshot() }

func tail[T any](items []T, limit int) []T {
	if limit <= 0 || len(items) <= limit {
		return items
	}
	return items[len(items)-limit:]
}
