package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"agent_foundry/internal/domain"
	"agent_foundry/internal/lifecycle"
)

// ProposeGovernanceAction queues an action for review.
func (s *Store) ProposeGovernanceAction(ctx context.Context, action domain.GovernanceAction) (domain.GovernanceAction, error) {
	var out domain.GovernanceAction
	err := s.mutate(ctx, "proposeGovernanceAction", func(now time.Time) (domain.SystemEvent, error) {
		if action.ID == "" {
			action.ID = s.newID()
		}
		if _, exists := s.actions[action.ID]; exists {
			return domain.SystemEvent{}, domain.Invalid("governance action %s already exists", action.ID)
		}
		if !action.Type.Valid() {
			return domain.SystemEvent{}, &domain.RejectionError{ActionID: action.ID, Reason: fmt.Sprintf("unsupported action type %q", action.Type)}
		}
		if _, ok := s.agents[action.AgentID]; !ok {
			return domain.SystemEvent{}, &domain.RejectionError{ActionID: action.ID, Reason: "target agent " + action.AgentID + " does not exist"}
		}
		stored := action.Clone()
		stored.Status = domain.ActionStatusPending
		stored.Reason = ""
		stored.ResolvedAt = nil
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		s.actions[stored.ID] = &stored
		s.actionOrder = append(s.actionOrder, stored.ID)
		s.appendLogLocked(domain.Log{
			Stage:   domain.LogStageGovernance,
			Kind:    domain.LogKindGovernance,
			Status:  s.agents[stored.AgentID].Status,
			Message: fmt.Sprintf("Proposed %s: %s", stored.Type, stored.Justification),
			AgentID: stored.AgentID,
		}, now)
		out = stored.Clone()
		return domain.SystemEvent{Kind: domain.EventActionProposed, EntityID: stored.ID, Detail: string(stored.Type)}, nil
	})
	return out, err
}

// ApplyGovernanceAction applies a queued action by ID, or applies a new
// action directly when its ID is unknown. A rejected action is recorded as
// rejected and reported with a RejectionError; the agent is left untouched.
func (s *Store) ApplyGovernanceAction(ctx context.Context, action domain.GovernanceAction) (domain.GovernanceAction, error) {
	var (
		out       domain.GovernanceAction
		rejection error
	)
	err := s.mutate(ctx, "applyGovernanceAction", func(now time.Time) (domain.SystemEvent, error) {
		stored, queued := s.actions[action.ID]
		if queued {
			if stored.Status != domain.ActionStatusPending {
				return domain.SystemEvent{}, &domain.RejectionError{ActionID: stored.ID, Reason: "action already " + string(stored.Status)}
			}
			action = stored.Clone()
		} else {
			if action.ID == "" {
				action.ID = s.newID()
			}
			if action.CreatedAt.IsZero() {
				action.CreatedAt = now
			}
		}

		a, reason := s.resolveActionLocked(action, now)
		resolved := now
		action.ResolvedAt = &resolved
		if reason != "" {
			action.Status = domain.ActionStatusRejected
			action.Reason = reason
			rejection = &domain.RejectionError{ActionID: action.ID, Reason: reason}
		} else {
			action.Status = domain.ActionStatusApplied
		}

		record := action.Clone()
		if !queued {
			s.actionOrder = append(s.actionOrder, record.ID)
		}
		s.actions[record.ID] = &record
		out = record.Clone()

		if rejection != nil {
			if agent, ok := s.agents[record.AgentID]; ok {
				s.appendLogLocked(domain.Log{
					Stage:   domain.LogStageGovernance,
					Kind:    domain.LogKindGovernance,
					Status:  agent.Status,
					Message: fmt.Sprintf("Rejected %s: %s", record.Type, reason),
					AgentID: agent.ID,
				}, now)
			}
			return domain.SystemEvent{Kind: domain.EventActionRejected, EntityID: record.ID, Detail: reason}, nil
		}

		*s.agents[record.AgentID] = a
		s.appendLogLocked(domain.Log{
			Stage:   domain.LogStageGovernance,
			Kind:    domain.LogKindGovernance,
			Status:  a.Status,
			Message: fmt.Sprintf("Applied %s: %s", record.Type, record.Justification),
			AgentID: a.ID,
		}, now)
		return domain.SystemEvent{Kind: domain.EventActionApplied, EntityID: record.ID, Detail: string(record.Type)}, nil
	})
	if err != nil {
		return domain.GovernanceAction{}, err
	}
	return out, rejection
}

func (s *Store) RejectGovernanceAction(ctx context.Context, actionID, reason string) (domain.GovernanceAction, error) {
	var out domain.GovernanceAction
	err := s.mutate(ctx, "rejectGovernanceAction", func(now time.Time) (domain.SystemEvent, error) {
		stored, ok := s.actions[actionID]
		if !ok {
			return domain.SystemEvent{}, domain.NotFound("governance action", actionID)
		}
		if stored.Status != domain.ActionStatusPending {
			return domain.SystemEvent{}, &domain.RejectionError{ActionID: actionID, Reason: "action already " + string(stored.Status)}
		}
		if strings.TrimSpace(reason) == "" {
			reason = "rejected by operator"
		}
		resolved := now
		stored.Status = domain.ActionStatusRejected
		stored.Reason = reason
		stored.ResolvedAt = &resolved
		out = stored.Clone()
		return domain.SystemEvent{Kind: domain.EventActionRejected, EntityID: actionID, Detail: reason}, nil
	})
	return out, err
}

// resolveActionLocked computes the agent an action would produce. A
// non-empty reason means the action must be rejected.
func (s *Store) resolveActionLocked(action domain.GovernanceAction, now time.Time) (domain.Agent, string) {
	if !action.Type.Valid() {
		return domain.Agent{}, fmt.Sprintf("unsupported action type %q", action.Type)
	}
	current, ok := s.agents[action.AgentID]
	if !ok {
		return domain.Agent{}, "target agent " + action.AgentID + " does not exist"
	}
	a := current.Clone()
	a.UpdatedAt = now

	switch action.Type {
	case domain.ActionReconfigureGovernance:
		cfg := domain.GovernanceConfig{
			MaxFailedAttemptsPerCycle:     a.GovernanceConfig.MaxFailedAttempts(),
			MaxContinuousExecutionMinutes: int(a.GovernanceConfig.MaxContinuousExecution() / time.Minute),
		}
		changed := false
		for key, target := range map[string]*int{
			"max_failed_attempts_per_cycle":    &cfg.MaxFailedAttemptsPerCycle,
			"max_continuous_execution_minutes": &cfg.MaxContinuousExecutionMinutes,
		} {
			raw, present := action.Details[key]
			if !present {
				continue
			}
			n, ok := intDetail(raw)
			if !ok || n <= 0 {
				return domain.Agent{}, fmt.Sprintf("%s must be a positive integer", key)
			}
			*target = n
			changed = true
		}
		if !changed {
			return domain.Agent{}, "no governance setting to change"
		}
		a.GovernanceConfig = &cfg

	case domain.ActionToggleRealtimeFeedback:
		enabled := !a.RealtimeFeedbackEnabled
		if raw, present := action.Details["enabled"]; present {
			b, ok := raw.(bool)
			if !ok {
				return domain.Agent{}, "enabled must be a boolean"
			}
			enabled = b
		}
		a.RealtimeFeedbackEnabled = enabled

	case domain.ActionResetLifecycle:
		a = lifecycle.Reset(a).Next.Apply(a)
		a.StatusSince = now

	case domain.ActionSuspendAgent:
		suspend := true
		if raw, present := action.Details["suspended"]; present {
			b, ok := raw.(bool)
			if !ok {
				return domain.Agent{}, "suspended must be a boolean"
			}
			suspend = b
		}
		a.Suspended = suspend

	case domain.ActionAdjustStrategyParameters:
		if len(action.Details) == 0 {
			return domain.Agent{}, "no strategy parameters given"
		}
		params := make(map[string]int, len(a.StrategyParams)+len(action.Details))
		for k, v := range a.StrategyParams {
			params[k] = v
		}
		for k, raw := range action.Details {
			n, ok := intDetail(raw)
			if !ok || n < 0 {
				return domain.Agent{}, fmt.Sprintf("strategy parameter %s must be a non-negative integer", k)
			}
			params[k] = n
		}
		a.StrategyParams = params

	case domain.ActionRetrainModel:
		tr, err := lifecycle.ReEvolve(a, s.strategyLocked(a.StrategyID))
		if err != nil {
			return domain.Agent{}, err.Error()
		}
		a = tr.Next.Apply(a)
		a.StatusSince = now

	case domain.ActionAdjustModelParameters:
		if len(action.Details) == 0 {
			return domain.Agent{}, "no model parameters given"
		}
		params := make(map[string]float64, len(a.ModelParams)+len(action.Details))
		for k, v := range a.ModelParams {
			params[k] = v
		}
		for k, raw := range action.Details {
			f, ok := floatDetail(raw)
			if !ok {
				return domain.Agent{}, fmt.Sprintf("model parameter %s must be a number", k)
			}
			params[k] = f
		}
		a.ModelParams = params

	case domain.ActionMaskOutput:
		masked := true
		if raw, present := action.Details["masked"]; present {
			b, ok := raw.(bool)
			if !ok {
				return domain.Agent{}, "masked must be a boolean"
			}
			masked = b
		}
		a.OutputMasked = masked

	case domain.ActionResetObjective:
		objective, _ := action.Details["objective"].(string)
		if strings.TrimSpace(objective) == "" {
			return domain.Agent{}, "objective is required"
		}
		a.Objective = objective

	case domain.ActionFlagForManualReview:
		a.FlaggedForReview = true
	}
	return a, ""
}

func floatDetail(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func intDetail(v any) (int, bool) {
	f, ok := floatDetail(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func (s *Store) GovernanceAction(id string) (domain.GovernanceAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[id]
	if !ok {
		return domain.GovernanceAction{}, domain.NotFound("governance action", id)
	}
	return a.Clone(), nil
}

func (s *Store) GovernanceActions() []domain.GovernanceAction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.GovernanceAction, 0, len(s.actionOrder))
	for _, id := range s.actionOrder {
		out = append(out, s.actions[id].Clone())
	}
	return out
}
