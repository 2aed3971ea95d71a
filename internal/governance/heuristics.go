// Package governance audits agent log streams for failure loops, stalls and
// redundant output, and turns each finding into a governance action.
package governance

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"agent_foundry/internal/domain"
	"agent_foundry/internal/lifecycle"
)

type FindingKind string

const (
	FindingFailureLoop FindingKind = "failure_loop"
	FindingStall       FindingKind = "stall"
	FindingRedundancy  FindingKind = "redundancy"
)

const (
	DefaultLookbackLogs        = 50
	DefaultRedundancyThreshold = 0.85
)

type Finding struct {
	Kind        FindingKind
	AgentID     string
	Status      domain.AgentStatus
	TriggerLogs []domain.Log
	Summary     string
	Similarity  float64
}

type Thresholds struct {
	LookbackLogs        int
	RedundancyThreshold float64
}

func (t Thresholds) withDefaults() Thresholds {
	if t.LookbackLogs <= 0 {
		t.LookbackLogs = DefaultLookbackLogs
	}
	if t.RedundancyThreshold <= 0 {
		t.RedundancyThreshold = DefaultRedundancyThreshold
	}
	return t
}

func recent(logs []domain.Log, n int) []domain.Log {
	if n > 0 && len(logs) > n {
		return logs[len(logs)-n:]
	}
	return logs
}

// DetectFailureLoop looks for at least N consecutive step failures at the
// same in-progress status, where N is the agent's failed-attempt budget.
// Retries between failures keep the run going; completing a step, starting
// a new one or any status change ends it.
func DetectFailureLoop(agent domain.Agent, logs []domain.Log, th Thresholds) (Finding, bool) {
	th = th.withDefaults()
	limit := agent.GovernanceConfig.MaxFailedAttempts()

	var run, hit []domain.Log
	for _, l := range recent(logs, th.LookbackLogs) {
		if l.AgentID != agent.ID {
			continue
		}
		switch l.Kind {
		case domain.LogKindStepFailed:
			if len(run) > 0 && run[0].Status != l.Status {
				run = nil
			}
			run = append(run, l)
			if len(run) >= limit {
				hit = append([]domain.Log(nil), run...)
			}
		case domain.LogKindStepCompleted, domain.LogKindStepStarted, domain.LogKindStatusChanged:
			run = nil
		}
	}
	if len(hit) == 0 {
		return Finding{}, false
	}
	return Finding{
		Kind:        FindingFailureLoop,
		AgentID:     agent.ID,
		Status:      hit[0].Status,
		TriggerLogs: hit,
		Summary:     fmt.Sprintf("%d consecutive failures at %s (limit %d)", len(hit), hit[0].Status, limit),
	}, true
}

// DetectStall reports an in-progress agent whose status and progress have
// not moved for longer than its continuous-execution limit.
func DetectStall(agent domain.Agent, logs []domain.Log, now time.Time) (Finding, bool) {
	if agent.Suspended || !lifecycle.IsInProgress(agent.Status) || agent.StatusSince.IsZero() {
		return Finding{}, false
	}
	limit := agent.GovernanceConfig.MaxContinuousExecution()
	idle := now.Sub(agent.StatusSince)
	if idle <= limit {
		return Finding{}, false
	}
	// Anchor on the last log written before the agent went quiet so the
	// same stall keeps the same trigger.
	var anchor *domain.Log
	for i := len(logs) - 1; i >= 0; i-- {
		if logs[i].AgentID == agent.ID && !logs[i].Timestamp.After(agent.StatusSince) {
			anchor = &logs[i]
			break
		}
	}
	f := Finding{
		Kind:    FindingStall,
		AgentID: agent.ID,
		Status:  agent.Status,
		Summary: fmt.Sprintf("no progress at %s %d%% for %s (limit %s)", agent.Status, agent.Progress, idle.Round(time.Second), limit),
	}
	if anchor != nil {
		f.TriggerLogs = []domain.Log{*anchor}
	}
	return f, true
}

// DetectRedundancy reports the most recent pair of consecutive messages
// whose word sets are at least threshold similar. It only runs while
// realtime feedback is on. Progress ticks and governance records are not
// agent output and are ignored.
func DetectRedundancy(agent domain.Agent, logs []domain.Log, th Thresholds) (Finding, bool) {
	if !agent.RealtimeFeedbackEnabled {
		return Finding{}, false
	}
	th = th.withDefaults()

	var outputs []domain.Log
	for _, l := range recent(logs, th.LookbackLogs) {
		if l.AgentID != agent.ID || l.Kind == domain.LogKindStepProgress || l.Kind == domain.LogKindGovernance {
			continue
		}
		outputs = append(outputs, l)
	}
	for i := len(outputs) - 1; i > 0; i-- {
		prev, cur := outputs[i-1], outputs[i]
		sim := Similarity(prev.Message, cur.Message)
		if sim >= th.RedundancyThreshold {
			return Finding{
				Kind:        FindingRedundancy,
				AgentID:     agent.ID,
				Status:      agent.Status,
				TriggerLogs: []domain.Log{prev, cur},
				Similarity:  sim,
				Summary:     fmt.Sprintf("consecutive messages %.0f%% similar", sim*100),
			}, true
		}
	}
	return Finding{}, false
}

// Similarity is the Jaccard index of the two messages' lower-cased word
// sets. Two empty messages are not considered similar.
func Similarity(a, b string) float64 {
	wa, wb := words(a), words(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}

func words(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}
