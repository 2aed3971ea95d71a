package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                   = errors.New("not found")
	ErrValidation                 = errors.New("validation failed")
	ErrNoStrategyAssigned         = errors.New("no strategy assigned")
	ErrInvalidTransition          = errors.New("invalid transition")
	ErrToolNotFound               = errors.New("tool not found")
	ErrToolExecutionFailed        = errors.New("tool execution failed")
	ErrGovernanceActionRejected   = errors.New("governance action rejected")
	ErrExternalServiceUnavailable = errors.New("external service unavailable")
	ErrTaskCancelled              = errors.New("scheduled task cancelled")
)

// TransitionError reports a command issued from a status that does not allow it.
type TransitionError struct {
	AgentID string
	From    AgentStatus
	Command string
	Reason  string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s: agent %s cannot %s from %s", ErrInvalidTransition, e.AgentID, e.Command, e.From)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

type ToolError struct {
	Tool   string
	Reason string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrToolExecutionFailed, e.Tool, e.Reason)
}

func (e *ToolError) Unwrap() error { return ErrToolExecutionFailed }

type RejectionError struct {
	ActionID string
	Reason   string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: action %s: %s", ErrGovernanceActionRejected, e.ActionID, e.Reason)
}

func (e *RejectionError) Unwrap() error { return ErrGovernanceActionRejected }

func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

func Invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}
