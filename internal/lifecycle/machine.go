// Package lifecycle holds the agent state machine. Every function here is
// pure: it takes the current agent (and strategy) and returns the next state
// or a transition error, leaving the caller to apply it.
package lifecycle

import (
	"fmt"

	"agent_foundry/internal/catalog"
	"agent_foundry/internal/domain"
)

// InProgressStatus is the single step-type to status table used everywhere.
func InProgressStatus(step domain.StepType, realtimeFeedback bool) domain.AgentStatus {
	switch step {
	case domain.StepTypeIngestData:
		if realtimeFeedback {
			return domain.AgentStatusAutoEvolving
		}
		return domain.AgentStatusExecutingStrategy
	case domain.StepTypeEvolve:
		return domain.AgentStatusEvolving
	case domain.StepTypeCertify:
		return domain.AgentStatusCertifying
	case domain.StepTypeDeploy:
		return domain.AgentStatusDeploying
	case domain.StepTypeOptimize:
		return domain.AgentStatusOptimizing
	}
	return domain.AgentStatusExecutingStrategy
}

func StageForStep(step domain.StepType) domain.LogStage {
	switch step {
	case domain.StepTypeIngestData:
		return domain.LogStageDataIngestion
	case domain.StepTypeEvolve:
		return domain.LogStageEvolution
	case domain.StepTypeCertify:
		return domain.LogStageCertification
	case domain.StepTypeDeploy:
		return domain.LogStageDeployment
	case domain.StepTypeOptimize:
		return domain.LogStageOptimization
	}
	return domain.LogStageDevelopmentStrategy
}

func StageForStatus(status domain.AgentStatus) domain.LogStage {
	switch status {
	case domain.AgentStatusConception:
		return domain.LogStageConception
	case domain.AgentStatusEvolving:
		return domain.LogStageEvolution
	case domain.AgentStatusCertifying, domain.AgentStatusCertified:
		return domain.LogStageCertification
	case domain.AgentStatusDeploying, domain.AgentStatusLive:
		return domain.LogStageDeployment
	case domain.AgentStatusOptimizing, domain.AgentStatusOptimized:
		return domain.LogStageOptimization
	case domain.AgentStatusReEvolving, domain.AgentStatusAwaitingReEvolution:
		return domain.LogStageReEvolution
	case domain.AgentStatusAutoEvolving, domain.AgentStatusExecutingStrategy:
		return domain.LogStageDataIngestion
	}
	return domain.LogStageDiagnostics
}

func IsInProgress(status domain.AgentStatus) bool {
	switch status {
	case domain.AgentStatusEvolving,
		domain.AgentStatusCertifying,
		domain.AgentStatusDeploying,
		domain.AgentStatusOptimizing,
		domain.AgentStatusReEvolving,
		domain.AgentStatusExecutingStrategy,
		domain.AgentStatusAutoEvolving:
		return true
	}
	return false
}

// IsIdle reports statuses from which a strategy may be (re)started.
func IsIdle(status domain.AgentStatus) bool {
	switch status {
	case domain.AgentStatusConception,
		domain.AgentStatusLive,
		domain.AgentStatusOptimized,
		domain.AgentStatusCertified:
		return true
	}
	return false
}

func IsTerminal(status domain.AgentStatus) bool {
	switch status {
	case domain.AgentStatusLive, domain.AgentStatusOptimized, domain.AgentStatusCertified, domain.AgentStatusFailed:
		return true
	}
	return false
}

func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// State is the slice of an agent the machine owns.
type State struct {
	Status         domain.AgentStatus
	Progress       int
	Step           int
	FailedAttempts int
	FailedStatus   domain.AgentStatus
}

func StateOf(a domain.Agent) State {
	return State{
		Status:         a.Status,
		Progress:       a.Progress,
		Step:           a.CurrentStrategyStep,
		FailedAttempts: a.FailedAttempts,
		FailedStatus:   a.FailedStatus,
	}
}

// Apply copies s onto a and returns the result.
func (s State) Apply(a domain.Agent) domain.Agent {
	a.Status = s.Status
	a.Progress = s.Progress
	a.CurrentStrategyStep = s.Step
	a.FailedAttempts = s.FailedAttempts
	a.FailedStatus = s.FailedStatus
	return a
}

type Transition struct {
	Next    State
	Stage   domain.LogStage
	Kind    domain.LogKind
	Message string
	// Noop marks a skip: the agent already finished its strategy.
	Noop bool
}

func reject(a domain.Agent, command, reason string) error {
	return &domain.TransitionError{AgentID: a.ID, From: a.Status, Command: command, Reason: reason}
}

func Start(a domain.Agent, s *domain.Strategy) (Transition, error) {
	if a.StrategyID == "" || s == nil {
		return Transition{}, fmt.Errorf("start agent %s: %w", a.ID, domain.ErrNoStrategyAssigned)
	}
	if !IsIdle(a.Status) {
		return Transition{}, reject(a, "start", "agent is not idle")
	}
	if len(s.Steps) == 0 {
		return Transition{}, reject(a, "start", "strategy has no steps")
	}
	first := s.Steps[0]
	return Transition{
		Next: State{
			Status: InProgressStatus(first.Type, a.RealtimeFeedbackEnabled),
		},
		Stage:   StageForStep(first.Type),
		Kind:    domain.LogKindStepStarted,
		Message: fmt.Sprintf("Strategy %q started: step 1/%d (%s)", s.Name, len(s.Steps), first.Type),
	}, nil
}

// Complete finishes the current step. Natural completion and forced
// completion both go through here.
func Complete(a domain.Agent, s *domain.Strategy) (Transition, error) {
	if s == nil {
		if IsIdle(a.Status) {
			return Transition{}, fmt.Errorf("advance agent %s: %w", a.ID, domain.ErrNoStrategyAssigned)
		}
		return Transition{}, reject(a, "advance", "strategy missing")
	}
	total := len(s.Steps)
	if IsIdle(a.Status) && a.Status != domain.AgentStatusConception && a.CurrentStrategyStep >= total {
		return Transition{Next: StateOf(a), Noop: true}, nil
	}
	if !IsInProgress(a.Status) {
		return Transition{}, reject(a, "advance", "no step in progress")
	}

	terminal := catalog.TerminalStatus(*s)
	if a.CurrentStrategyStep >= total {
		// re-armed pass after the strategy already finished
		return Transition{
			Next:    State{Status: terminal, Progress: 100, Step: total},
			Stage:   StageForStatus(a.Status),
			Kind:    domain.LogKindStepCompleted,
			Message: fmt.Sprintf("%s pass complete; agent back to %s", a.Status, terminal),
		}, nil
	}

	step := s.Steps[a.CurrentStrategyStep]
	stage := StageForStep(step.Type)
	if a.Status == domain.AgentStatusReEvolving {
		stage = domain.LogStageReEvolution
	}
	next := a.CurrentStrategyStep + 1
	if next == total {
		return Transition{
			Next:    State{Status: terminal, Progress: 100, Step: next},
			Stage:   stage,
			Kind:    domain.LogKindStepCompleted,
			Message: fmt.Sprintf("Step %d/%d (%s) complete; strategy finished, agent is %s", next, total, step.Type, terminal),
		}, nil
	}
	upcoming := s.Steps[next]
	return Transition{
		Next: State{
			Status: InProgressStatus(upcoming.Type, a.RealtimeFeedbackEnabled),
			Step:   next,
		},
		Stage:   stage,
		Kind:    domain.LogKindStepCompleted,
		Message: fmt.Sprintf("Step %d/%d (%s) complete; starting %s", next, total, step.Type, upcoming.Type),
	}, nil
}

// Fail records a failed attempt. Once attempts exceed maxAttempts the agent
// waits for re-evolution instead of retrying.
func Fail(a domain.Agent, maxAttempts int, reason string) (Transition, error) {
	if !IsInProgress(a.Status) {
		return Transition{}, reject(a, "fail", "no step in progress")
	}
	attempts := a.FailedAttempts + 1
	next := State{
		Status:         domain.AgentStatusFailed,
		Progress:       0,
		Step:           a.CurrentStrategyStep,
		FailedAttempts: attempts,
		FailedStatus:   a.Status,
	}
	msg := fmt.Sprintf("%s failed (attempt %d/%d): %s", a.Status, attempts, maxAttempts, reason)
	if attempts > maxAttempts {
		next.Status = domain.AgentStatusAwaitingReEvolution
		msg = fmt.Sprintf("%s failed %d times (limit %d): awaiting re-evolution: %s", a.Status, attempts, maxAttempts, reason)
	}
	return Transition{
		Next:    next,
		Stage:   StageForStatus(a.Status),
		Kind:    domain.LogKindStepFailed,
		Message: msg,
	}, nil
}

func Retry(a domain.Agent) (Transition, error) {
	if a.Status != domain.AgentStatusFailed || a.FailedStatus == "" {
		return Transition{}, reject(a, "retry", "agent has not failed")
	}
	return Transition{
		Next: State{
			Status:         a.FailedStatus,
			Step:           a.CurrentStrategyStep,
			FailedAttempts: a.FailedAttempts,
			FailedStatus:   a.FailedStatus,
		},
		Stage:   StageForStatus(a.FailedStatus),
		Kind:    domain.LogKindStepRetried,
		Message: fmt.Sprintf("Retrying %s (attempt %d)", a.FailedStatus, a.FailedAttempts+1),
	}, nil
}

// ReEvolve moves an agent that exhausted its retries (or any failed or
// finished agent, for a retrain) into ReEvolving with a fresh retry budget.
func ReEvolve(a domain.Agent, s *domain.Strategy) (Transition, error) {
	switch a.Status {
	case domain.AgentStatusAwaitingReEvolution, domain.AgentStatusFailed:
	case domain.AgentStatusLive, domain.AgentStatusOptimized, domain.AgentStatusCertified:
		if s == nil {
			return Transition{}, fmt.Errorf("re-evolve agent %s: %w", a.ID, domain.ErrNoStrategyAssigned)
		}
	default:
		return Transition{}, reject(a, "re-evolve", "agent is neither failed nor finished")
	}
	return Transition{
		Next:    State{Status: domain.AgentStatusReEvolving, Step: a.CurrentStrategyStep},
		Stage:   domain.LogStageReEvolution,
		Kind:    domain.LogKindStatusChanged,
		Message: fmt.Sprintf("Re-evolution started from %s", a.Status),
	}, nil
}

// Rearm sends a finished agent back into AutoEvolving on new data.
func Rearm(a domain.Agent, s *domain.Strategy) (Transition, bool) {
	if s == nil || !a.RealtimeFeedbackEnabled {
		return Transition{}, false
	}
	if a.Status != domain.AgentStatusLive && a.Status != domain.AgentStatusOptimized && a.Status != domain.AgentStatusCertified {
		return Transition{}, false
	}
	if a.CurrentStrategyStep < len(s.Steps) {
		return Transition{}, false
	}
	return Transition{
		Next:    State{Status: domain.AgentStatusAutoEvolving, Step: a.CurrentStrategyStep},
		Stage:   domain.LogStageDataIngestion,
		Kind:    domain.LogKindStatusChanged,
		Message: fmt.Sprintf("New data re-armed agent from %s into AutoEvolving", a.Status),
	}, true
}

func Reset(a domain.Agent) Transition {
	return Transition{
		Next:    State{Status: domain.AgentStatusConception},
		Stage:   domain.LogStageConception,
		Kind:    domain.LogKindStatusChanged,
		Message: fmt.Sprintf("Lifecycle reset from %s to Conception", a.Status),
	}
}

// Progress returns the new progress value. Progress never moves backwards
// within one status and step.
func Progress(a domain.Agent, p int) (int, error) {
	if !IsInProgress(a.Status) {
		return a.Progress, reject(a, "report progress", "no step in progress")
	}
	p = ClampProgress(p)
	if p < a.Progress {
		return a.Progress, nil
	}
	return p, nil
}
