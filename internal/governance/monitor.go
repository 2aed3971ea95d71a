package governance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"agent_foundry/internal/domain"
	"agent_foundry/internal/policy"
)

type Store interface {
	Agents() []domain.Agent
	Logs(agentID string) []domain.Log
	GovernanceActions() []domain.GovernanceAction
	ProposeGovernanceAction(ctx context.Context, action domain.GovernanceAction) (domain.GovernanceAction, error)
	ApplyGovernanceAction(ctx context.Context, action domain.GovernanceAction) (domain.GovernanceAction, error)
}

type Policy interface {
	Decide(action domain.GovernanceAction) policy.Decision
}

type Config struct {
	Interval   time.Duration
	Thresholds Thresholds
	Now        func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	c.Thresholds = c.Thresholds.withDefaults()
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

type Monitor struct {
	store  Store
	policy Policy
	cfg    Config
	logger *zap.Logger

	// Audits are serialized so two overlapping passes cannot propose the
	// same finding.
	mu sync.Mutex
}

func NewMonitor(store Store, pol Policy, cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{store: store, policy: pol, cfg: cfg.withDefaults(), logger: logger}
}

// Run audits on every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Audit(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("governance audit failed", zap.Error(err))
			}
		}
	}
}

// Audit runs every heuristic over every agent and records one action per
// new finding. Actions the policy allows are applied immediately; the rest
// are queued for review.
func (m *Monitor) Audit(ctx context.Context) ([]domain.GovernanceAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Now()
	existing := m.store.GovernanceActions()
	var (
		out  []domain.GovernanceAction
		errs []error
	)
	for _, agent := range m.store.Agents() {
		if agent.Suspended {
			continue
		}
		logs := m.store.Logs(agent.ID)
		for _, f := range m.findings(agent, logs, now) {
			action := ActionFor(f)
			if duplicate(existing, action) {
				continue
			}
			recorded, err := m.record(ctx, action)
			if recorded.ID != "" {
				existing = append(existing, recorded)
				out = append(out, recorded)
			}
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return out, errors.Join(errs...)
}

func (m *Monitor) findings(agent domain.Agent, logs []domain.Log, now time.Time) []Finding {
	var out []Finding
	if f, ok := DetectFailureLoop(agent, logs, m.cfg.Thresholds); ok {
		out = append(out, f)
	}
	if f, ok := DetectStall(agent, logs, now); ok {
		out = append(out, f)
	}
	if f, ok := DetectRedundancy(agent, logs, m.cfg.Thresholds); ok {
		out = append(out, f)
	}
	return out
}

func (m *Monitor) record(ctx context.Context, action domain.GovernanceAction) (domain.GovernanceAction, error) {
	decision := m.policy.Decide(action)
	fields := []zap.Field{
		zap.String("agent_id", action.AgentID),
		zap.String("action", string(action.Type)),
		zap.String("decision", decision.Reason),
	}
	if decision.AutoApply {
		applied, err := m.store.ApplyGovernanceAction(ctx, action)
		var rejected *domain.RejectionError
		if errors.As(err, &rejected) {
			m.logger.Info("governance action rejected", append(fields, zap.String("reason", rejected.Reason))...)
			return applied, nil
		}
		if err != nil {
			return domain.GovernanceAction{}, fmt.Errorf("apply %s for %s: %w", action.Type, action.AgentID, err)
		}
		m.logger.Info("governance action applied", fields...)
		return applied, nil
	}
	proposed, err := m.store.ProposeGovernanceAction(ctx, action)
	if err != nil {
		return domain.GovernanceAction{}, fmt.Errorf("propose %s for %s: %w", action.Type, action.AgentID, err)
	}
	m.logger.Info("governance action proposed", fields...)
	return proposed, nil
}

// ActionFor maps a finding to the action that addresses it. The
// justification names every triggering log.
func ActionFor(f Finding) domain.GovernanceAction {
	action := domain.GovernanceAction{
		AgentID:       f.AgentID,
		TriggerLogIDs: make([]string, 0, len(f.TriggerLogs)),
		Details:       map[string]any{"status": string(f.Status)},
	}
	refs := make([]string, 0, len(f.TriggerLogs))
	for _, l := range f.TriggerLogs {
		action.TriggerLogIDs = append(action.TriggerLogIDs, l.ID)
		refs = append(refs, fmt.Sprintf("%s@%s", l.ID, l.Timestamp.Format(time.RFC3339)))
	}

	switch f.Kind {
	case FindingFailureLoop:
		action.Type = domain.ActionRetrainModel
		action.Details["failures"] = len(f.TriggerLogs)
	case FindingStall:
		action.Type = domain.ActionFlagForManualReview
	case FindingRedundancy:
		action.Type = domain.ActionToggleRealtimeFeedback
		action.Details = map[string]any{"enabled": false, "similarity": f.Similarity}
	}
	action.Justification = fmt.Sprintf("%s: %s", f.Kind, f.Summary)
	if len(refs) > 0 {
		action.Justification += " [logs " + strings.Join(refs, ", ") + "]"
	}
	return action
}

// duplicate reports whether an action of the same type for the same agent
// already shares a trigger log with candidate.
func duplicate(existing []domain.GovernanceAction, candidate domain.GovernanceAction) bool {
	triggers := make(map[string]struct{}, len(candidate.TriggerLogIDs))
	for _, id := range candidate.TriggerLogIDs {
		triggers[id] = struct{}{}
	}
	for _, a := range existing {
		if a.Type != candidate.Type || a.AgentID != candidate.AgentID {
			continue
		}
		if len(triggers) == 0 && len(a.TriggerLogIDs) == 0 && a.Status == domain.ActionStatusPending {
			return true
		}
		for _, id := range a.TriggerLogIDs {
			if _, ok := triggers[id]; ok {
				return true
			}
		}
	}
	return false
}
