// Package memory is the single-writer State Store. It owns every Agent,
// Strategy, Log, Campaign and GovernanceAction. Commands are applied one at
// a time under a single lock: each validates first and mutates only on
// success, then records exactly one SystemEvent.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agent_foundry/internal/catalog"
	"agent_foundry/internal/domain"
	"agent_foundry/internal/lifecycle"
)

type Publisher interface {
	Publish(evt domain.SystemEvent) error
}

type Options struct {
	Now          func() time.Time
	NewID        func() string
	Publisher    Publisher
	EngineExists func(id string) bool
	Logger       *zap.Logger
}

type Store struct {
	now          func() time.Time
	newID        func() string
	pub          Publisher
	engineExists func(id string) bool
	logger       *zap.Logger

	mu            sync.RWMutex
	agents        map[string]*domain.Agent
	agentOrder    []string
	strategies    map[string]domain.Strategy
	strategyOrder []string
	logs          []domain.Log
	logsByAgent   map[string][]int
	campaigns     map[string]*domain.Campaign
	campaignOrder []string
	actions       map[string]*domain.GovernanceAction
	actionOrder   []string
	events        []domain.SystemEvent
	seq           int64
}

func New(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Store{
		now:          opts.Now,
		newID:        opts.NewID,
		pub:          opts.Publisher,
		engineExists: opts.EngineExists,
		logger:       opts.Logger,
	}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.agents = make(map[string]*domain.Agent)
	s.agentOrder = nil
	s.strategies = make(map[string]domain.Strategy)
	s.strategyOrder = nil
	s.logs = nil
	s.logsByAgent = make(map[string][]int)
	s.campaigns = make(map[string]*domain.Campaign)
	s.campaignOrder = nil
	s.actions = make(map[string]*domain.GovernanceAction)
	s.actionOrder = nil
	s.events = nil
	s.seq = 0
}

// mutate runs fn under the write lock. fn must validate before touching
// state; a non-nil error means nothing changed.
func (s *Store) mutate(ctx context.Context, command string, fn func(now time.Time) (domain.SystemEvent, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	evt, err := fn(s.now())
	if err != nil {
		s.logger.Debug("command rejected", zap.String("command", command), zap.Error(err))
		return err
	}
	s.seq++
	evt.Seq = s.seq
	evt.Command = command
	if evt.At.IsZero() {
		evt.At = s.now()
	}
	s.events = append(s.events, evt)
	if s.pub != nil {
		if err := s.pub.Publish(evt); err != nil {
			s.logger.Warn("system event not delivered to every subscriber", zap.Int64("seq", evt.Seq), zap.Error(err))
		}
	}
	return nil
}

// appendLogLocked keeps the log stream ordered by timestamp even if the
// clock steps backwards.
func (s *Store) appendLogLocked(entry domain.Log, now time.Time) domain.Log {
	if entry.ID == "" {
		entry.ID = s.newID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	if n := len(s.logs); n > 0 && entry.Timestamp.Before(s.logs[n-1].Timestamp) {
		entry.Timestamp = s.logs[n-1].Timestamp
	}
	s.logs = append(s.logs, entry)
	s.logsByAgent[entry.AgentID] = append(s.logsByAgent[entry.AgentID], len(s.logs)-1)
	return entry
}

func (s *Store) agentLocked(id string) (*domain.Agent, error) {
	a, ok := s.agents[id]
	if !ok {
		return nil, domain.NotFound("agent", id)
	}
	return a, nil
}

func (s *Store) strategyLocked(id string) *domain.Strategy {
	if id == "" {
		return nil
	}
	st, ok := s.strategies[id]
	if !ok {
		return nil
	}
	return &st
}

type AgentSpec struct {
	ID                      string                   `json:"id,omitempty"`
	Name                    string                   `json:"name"`
	Objective               string                   `json:"objective"`
	Type                    domain.AgentType         `json:"type"`
	StrategyID              string                   `json:"strategy_id,omitempty"`
	FeatureEngineIDs        []string                 `json:"feature_engine_ids,omitempty"`
	GovernanceConfig        *domain.GovernanceConfig `json:"governance_config,omitempty"`
	RealtimeFeedbackEnabled bool                     `json:"realtime_feedback_enabled"`
}

// CreateAgent registers a new agent in Conception. When the spec names a
// strategy it is attached and started in the same command.
func (s *Store) CreateAgent(ctx context.Context, spec AgentSpec) (domain.Agent, error) {
	var out domain.Agent
	err := s.mutate(ctx, "createAgent", func(now time.Time) (domain.SystemEvent, error) {
		if strings.TrimSpace(spec.Name) == "" {
			return domain.SystemEvent{}, domain.Invalid("agent name is required")
		}
		if spec.Type == "" {
			spec.Type = domain.AgentTypeStandard
		}
		if !spec.Type.Valid() {
			return domain.SystemEvent{}, domain.Invalid("unknown agent type %q", spec.Type)
		}
		if spec.ID == "" {
			spec.ID = s.newID()
		}
		if _, exists := s.agents[spec.ID]; exists {
			return domain.SystemEvent{}, domain.Invalid("agent %s already exists", spec.ID)
		}
		engineIDs, err := s.normalizeEngines(spec.FeatureEngineIDs)
		if err != nil {
			return domain.SystemEvent{}, err
		}
		var strat *domain.Strategy
		if spec.StrategyID != "" {
			if strat = s.strategyLocked(spec.StrategyID); strat == nil {
				return domain.SystemEvent{}, domain.NotFound("strategy", spec.StrategyID)
			}
		}
		var govCfg *domain.GovernanceConfig
		if spec.GovernanceConfig != nil {
			cfg := *spec.GovernanceConfig
			govCfg = &cfg
		}

		a := domain.Agent{
			ID:                      spec.ID,
			Name:                    strings.TrimSpace(spec.Name),
			Objective:               spec.Objective,
			Type:                    spec.Type,
			Status:                  domain.AgentStatusConception,
			StrategyID:              spec.StrategyID,
			FeatureEngineIDs:        engineIDs,
			GovernanceConfig:        govCfg,
			CreatedAt:               now,
			UpdatedAt:               now,
			StatusSince:             now,
			RealtimeFeedbackEnabled: spec.RealtimeFeedbackEnabled,
		}
		logs := []domain.Log{{
			Stage:   domain.LogStageConception,
			Kind:    domain.LogKindStatusChanged,
			Status:  a.Status,
			Message: fmt.Sprintf("Agent %q conceived with objective: %s", a.Name, a.Objective),
			AgentID: a.ID,
		}}
		if strat != nil {
			tr, err := lifecycle.Start(a, strat)
			if err != nil {
				return domain.SystemEvent{}, err
			}
			a = tr.Next.Apply(a)
			logs = append(logs, domain.Log{
				Stage:   tr.Stage,
				Kind:    tr.Kind,
				Status:  a.Status,
				Message: tr.Message,
				AgentID: a.ID,
			})
		}

		s.agents[a.ID] = &a
		s.agentOrder = append(s.agentOrder, a.ID)
		for _, l := range logs {
			s.appendLogLocked(l, now)
		}
		out = a.Clone()
		return domain.SystemEvent{Kind: domain.EventAgentCreated, EntityID: a.ID, Detail: string(a.Status)}, nil
	})
	return out, err
}

func (s *Store) normalizeEngines(ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		if s.engineExists != nil && !s.engineExists(id) {
			return nil, domain.Invalid("unknown feature engine %q", id)
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func (s *Store) RegisterStrategy(ctx context.Context, strategy domain.Strategy) error {
	return s.mutate(ctx, "registerStrategy", func(time.Time) (domain.SystemEvent, error) {
		if err := catalog.Validate(strategy); err != nil {
			return domain.SystemEvent{}, err
		}
		if _, exists := s.strategies[strategy.ID]; exists {
			return domain.SystemEvent{}, domain.Invalid("strategy %s already registered", strategy.ID)
		}
		s.strategies[strategy.ID] = strategy.Clone()
		s.strategyOrder = append(s.strategyOrder, strategy.ID)
		return domain.SystemEvent{Kind: domain.EventStrategyRegistered, EntityID: strategy.ID}, nil
	})
}

// AttachStrategy points an idle agent at a strategy and rewinds it to step 0.
// It does not start the strategy.
func (s *Store) AttachStrategy(ctx context.Context, agentID, strategyID string) (domain.Agent, error) {
	var out domain.Agent
	err := s.mutate(ctx, "attachStrategy", func(now time.Time) (domain.SystemEvent, error) {
		a, err := s.agentLocked(agentID)
		if err != nil {
			return domain.SystemEvent{}, err
		}
		strat := s.strategyLocked(strategyID)
		if strat == nil {
			return domain.SystemEvent{}, domain.NotFound("strategy", strategyID)
		}
		if a.Suspended {
			return domain.SystemEvent{}, &domain.TransitionError{AgentID: a.ID, From: a.Status, Command: "attach strategy", Reason: "agent suspended"}
		}
		if !lifecycle.IsIdle(a.Status) {
			return domain.SystemEvent{}, &domain.TransitionError{AgentID: a.ID, From: a.Status, Command: "attach strategy", Reason: "agent is busy"}
		}
		next := a.Clone()
		next.StrategyID = strat.ID
		next.CurrentStrategyStep = 0
		next.Progress = 0
		next.FailedAttempts = 0
		next.FailedStatus = ""
		next.UpdatedAt = now
		*a = next
		s.appendLogLocked(domain.Log{
			Stage:   domain.LogStageDevelopmentStrategy,
			Kind:    domain.LogKindStatusChanged,
			Status:  a.Status,
			Message: fmt.Sprintf("Strategy %q (%d steps) attached", strat.Name, len(strat.Steps)),
			AgentID: a.ID,
		}, now)
		out = a.Clone()
		return domain.SystemEvent{Kind: domain.EventAgentUpdated, EntityID: a.ID, Detail: "strategy " + strat.ID}, nil
	})
	return out, err
}

type transitionFunc func(a domain.Agent, strat *domain.Strategy) (lifecycle.Transition, error)

// transition applies one lifecycle rule to an agent and writes its log.
func (s *Store) transition(ctx context.Context, command, agentID string, fn transitionFunc) (domain.Agent, error) {
	var out domain.Agent
	err := s.mutate(ctx, command, func(now time.Time) (domain.SystemEvent, error) {
		a, err := s.agentLocked(agentID)
		if err != nil {
			return domain.SystemEvent{}, err
		}
		if a.Suspended {
			return domain.SystemEvent{}, &domain.TransitionError{AgentID: a.ID, From: a.Status, Command: command, Reason: "agent suspended"}
		}
		tr, err := fn(a.Clone(), s.strategyLocked(a.StrategyID))
		if err != nil {
			return domain.SystemEvent{}, err
		}
		if tr.Noop {
			out = a.Clone()
			return domain.SystemEvent{Kind: domain.EventAgentUpdated, EntityID: a.ID, Detail: "skip: strategy already complete"}, nil
		}
		s.applyTransitionLocked(a, tr, now)
		out = a.Clone()
		return domain.SystemEvent{Kind: domain.EventAgentUpdated, EntityID: a.ID, Detail: string(a.Status)}, nil
	})
	return out, err
}

func (s *Store) applyTransitionLocked(a *domain.Agent, tr lifecycle.Transition, now time.Time) {
	prev := a.Status
	s.moveLocked(a, tr, now)
	logStatus := a.Status
	switch tr.Kind {
	case domain.LogKindStepCompleted, domain.LogKindStepFailed:
		logStatus = prev
	}
	s.appendTransitionLogLocked(a, tr, logStatus, now)
}

func (s *Store) moveLocked(a *domain.Agent, tr lifecycle.Transition, now time.Time) {
	next := tr.Next.Apply(a.Clone())
	next.UpdatedAt = now
	next.StatusSince = now
	*a = next
}

func (s *Store) appendTransitionLogLocked(a *domain.Agent, tr lifecycle.Transition, logStatus domain.AgentStatus, now time.Time) {
	s.appendLogLocked(domain.Log{
		Stage:   tr.Stage,
		Kind:    tr.Kind,
		Status:  logStatus,
		Message: tr.Message,
		AgentID: a.ID,
	}, now)
}

func (s *Store) StartStrategy(ctx context.Context, agentID string) (domain.Agent, error) {
	return s.transition(ctx, "startStrategy", agentID, lifecycle.Start)
}

func (s *Store) AdvanceStrategy(ctx context.Context, agentID string) (domain.Agent, error) {
	return s.transition(ctx, "advanceStrategy", agentID, lifecycle.Complete)
}

// CompleteStep advances only if the agent is still at the status and step
// the caller observed. Work finishing for a step that was already completed
// by another path is rejected with an invalid transition.
func (s *Store) CompleteStep(ctx context.Context, agentID string, from domain.AgentStatus, step int) (domain.Agent, error) {
	return s.transition(ctx, "advanceStrategy", agentID, func(a domain.Agent, strat *domain.Strategy) (lifecycle.Transition, error) {
		if err := expectAt(a, from, step, "complete step"); err != nil {
			return lifecycle.Transition{}, err
		}
		return lifecycle.Complete(a, strat)
	})
}

func expectAt(a domain.Agent, status domain.AgentStatus, step int, command string) error {
	if a.Status != status || a.CurrentStrategyStep != step {
		return &domain.TransitionError{
			AgentID: a.ID,
			From:    a.Status,
			Command: command,
			Reason:  fmt.Sprintf("agent moved on from %s step %d", status, step),
		}
	}
	return nil
}

func (s *Store) FailStep(ctx context.Context, agentID, reason string) (domain.Agent, error) {
	return s.transition(ctx, "failStep", agentID, func(a domain.Agent, _ *domain.Strategy) (lifecycle.Transition, error) {
		return lifecycle.Fail(a, a.GovernanceConfig.MaxFailedAttempts(), reason)
	})
}

func (s *Store) RetryStep(ctx context.Context, agentID string) (domain.Agent, error) {
	return s.transition(ctx, "retryStep", agentID, func(a domain.Agent, _ *domain.Strategy) (lifecycle.Transition, error) {
		return lifecycle.Retry(a)
	})
}

func (s *Store) TriggerReEvolution(ctx context.Context, agentID string) (domain.Agent, error) {
	return s.transition(ctx, "triggerReEvolution", agentID, lifecycle.ReEvolve)
}

// ReportProgress records simulated work. Progress is clamped and never
// moves backwards within a step.
func (s *Store) ReportProgress(ctx context.Context, agentID string, progress int) (domain.Agent, error) {
	return s.reportProgress(ctx, agentID, progress, nil)
}

// ReportStepProgress is ReportProgress guarded by the status and step the
// work was scheduled for.
func (s *Store) ReportStepProgress(ctx context.Context, agentID string, from domain.AgentStatus, step, progress int) (domain.Agent, error) {
	return s.reportProgress(ctx, agentID, progress, func(a domain.Agent) error {
		return expectAt(a, from, step, "report progress")
	})
}

func (s *Store) reportProgress(ctx context.Context, agentID string, progress int, guard func(domain.Agent) error) (domain.Agent, error) {
	var out domain.Agent
	err := s.mutate(ctx, "reportProgress", func(now time.Time) (domain.SystemEvent, error) {
		a, err := s.agentLocked(agentID)
		if err != nil {
			return domain.SystemEvent{}, err
		}
		if a.Suspended {
			return domain.SystemEvent{}, &domain.TransitionError{AgentID: a.ID, From: a.Status, Command: "report progress", Reason: "agent suspended"}
		}
		if guard != nil {
			if err := guard(*a); err != nil {
				return domain.SystemEvent{}, err
			}
		}
		p, err := lifecycle.Progress(*a, progress)
		if err != nil {
			return domain.SystemEvent{}, err
		}
		if p != a.Progress {
			a.Progress = p
			a.StatusSince = now
		}
		a.UpdatedAt = now
		out = a.Clone()
		return domain.SystemEvent{Kind: domain.EventAgentUpdated, EntityID: a.ID, Detail: fmt.Sprintf("progress %d", p)}, nil
	})
	return out, err
}

// IngestData adds data points. With realtime feedback on, new data re-arms
// a finished agent into AutoEvolving and pulls an agent awaiting
// re-evolution into ReEvolving.
func (s *Store) IngestData(ctx context.Context, agentID string, count int) (domain.Agent, error) {
	return s.ingest(ctx, "ingestData", agentID, count, true)
}

// RecordIngestion applies IngestData without writing any log. The ingest
// tool uses it so that the invocation is described by its single tool log.
func (s *Store) RecordIngestion(ctx context.Context, agentID string, count int) (domain.Agent, error) {
	return s.ingest(ctx, "recordIngestion", agentID, count, false)
}

func (s *Store) ingest(ctx context.Context, command, agentID string, count int, withLogs bool) (domain.Agent, error) {
	var out domain.Agent
	err := s.mutate(ctx, command, func(now time.Time) (domain.SystemEvent, error) {
		if count <= 0 {
			return domain.SystemEvent{}, domain.Invalid("ingest count must be positive")
		}
		a, err := s.agentLocked(agentID)
		if err != nil {
			return domain.SystemEvent{}, err
		}
		if a.Suspended {
			return domain.SystemEvent{}, &domain.TransitionError{AgentID: a.ID, From: a.Status, Command: "ingest data", Reason: "agent suspended"}
		}
		strat := s.strategyLocked(a.StrategyID)

		var tr *lifecycle.Transition
		if a.Status == domain.AgentStatusAwaitingReEvolution && a.RealtimeFeedbackEnabled {
			t, err := lifecycle.ReEvolve(*a, strat)
			if err != nil {
				return domain.SystemEvent{}, err
			}
			tr = &t
		} else if t, ok := lifecycle.Rearm(*a, strat); ok {
			tr = &t
		}

		a.DataIngested += count
		a.UpdatedAt = now
		if withLogs {
			s.appendLogLocked(domain.Log{
				Stage:   domain.LogStageDataIngestion,
				Kind:    domain.LogKindDataIngested,
				Status:  a.Status,
				Message: fmt.Sprintf("Ingested %d data points (total %d)", count, a.DataIngested),
				AgentID: a.ID,
			}, now)
		}
		if tr != nil {
			s.moveLocked(a, *tr, now)
			if withLogs {
				s.appendTransitionLogLocked(a, *tr, a.Status, now)
			}
		}
		out = a.Clone()
		return domain.SystemEvent{Kind: domain.EventAgentUpdated, EntityID: a.ID, Detail: fmt.Sprintf("ingested %d", count)}, nil
	})
	return out, err
}

func (s *Store) SetRealtimeFeedback(ctx context.Context, agentID string, enabled bool) (domain.Agent, error) {
	var out domain.Agent
	err := s.mutate(ctx, "setRealtimeFeedback", func(now time.Time) (domain.SystemEvent, error) {
		a, err := s.agentLocked(agentID)
		if err != nil {
			return domain.SystemEvent{}, err
		}
		a.RealtimeFeedbackEnabled = enabled
		a.UpdatedAt = now
		out = a.Clone()
		return domain.SystemEvent{Kind: domain.EventAgentUpdated, EntityID: a.ID, Detail: fmt.Sprintf("realtime feedback %t", enabled)}, nil
	})
	return out, err
}

// AppendLog records an externally produced log (tool calls, narrative).
func (s *Store) AppendLog(ctx context.Context, entry domain.Log) (domain.Log, error) {
	var out domain.Log
	err := s.mutate(ctx, "appendLog", func(now time.Time) (domain.SystemEvent, error) {
		a, err := s.agentLocked(entry.AgentID)
		if err != nil {
			return domain.SystemEvent{}, err
		}
		if entry.Stage == "" {
			return domain.SystemEvent{}, domain.Invalid("log stage is required")
		}
		if entry.Status == "" {
			entry.Status = a.Status
		}
		out = s.appendLogLocked(entry, now)
		return domain.SystemEvent{Kind: domain.EventLogAppended, EntityID: a.ID, Detail: out.ID}, nil
	})
	return out, err
}

func (s *Store) Agent(id string) (domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, err := s.agentLocked(id)
	if err != nil {
		return domain.Agent{}, err
	}
	return a.Clone(), nil
}

func (s *Store) Agents() []domain.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Agent, 0, len(s.agentOrder))
	for _, id := range s.agentOrder {
		out = append(out, s.agents[id].Clone())
	}
	return out
}

func (s *Store) Strategy(id string) (domain.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.strategies[id]
	if !ok {
		return domain.Strategy{}, domain.NotFound("strategy", id)
	}
	return st.Clone(), nil
}

func (s *Store) Strategies() []domain.Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Strategy, 0, len(s.strategyOrder))
	for _, id := range s.strategyOrder {
		out = append(out, s.strategies[id].Clone())
	}
	return out
}

func (s *Store) Logs(agentID string) []domain.Log {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.logsByAgent[agentID]
	out := make([]domain.Log, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.logs[i])
	}
	return out
}

func (s *Store) AllLogs() []domain.Log {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Log(nil), s.logs...)
}

func (s *Store) Events(sinceSeq int64) []domain.SystemEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SystemEvent
	for _, evt := range s.events {
		if evt.Seq > sinceSeq {
			out = append(out, evt)
		}
	}
	return out
}
