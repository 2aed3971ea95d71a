// Package textgen is the single boundary to narrative text generation.
// Engine correctness never depends on what a generator returns: every
// caller has a local template to fall back on.
package textgen

import (
	"context"
	"fmt"
	"strings"

	"agent_foundry/internal/domain"
)

type Purpose string

const (
	PurposeNarrative      Purpose = "narrative"
	PurposeCampaignUpdate Purpose = "campaign_update"
	PurposeWebSearch      Purpose = "web_search"
	PurposeDiagnostics    Purpose = "diagnostics"
	PurposeCode           Purpose = "code"
	PurposePlan           Purpose = "plan"
	PurposeDelegation     Purpose = "delegation"
)

type Prompt struct {
	Purpose   Purpose         `json:"purpose"`
	AgentName string          `json:"agent_name"`
	Objective string          `json:"objective"`
	Stage     domain.LogStage `json:"stage,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	// Grounded asks the provider to ground the answer in live search results.
	Grounded bool `json:"grounded,omitempty"`
}

// Text renders the prompt sent to remote providers.
func (p Prompt) Text() string {
	var b strings.Builder
	switch p.Purpose {
	case PurposeNarrative:
		fmt.Fprintf(&b, "You are agent %q working toward: %s.\n", p.AgentName, p.Objective)
		fmt.Fprintf(&b, "Describe in two sentences what you just finished in the %s stage and what you will do next.\n", p.Stage)
	case PurposeCampaignUpdate:
		fmt.Fprintf(&b, "You are agent %q contributing to the campaign objective: %s.\n", p.AgentName, p.Objective)
		b.WriteString("Report one concrete contribution in a single sentence.\n")
	case PurposeWebSearch:
		fmt.Fprintf(&b, "Answer concisely using current web information: %s\n", p.Detail)
	case PurposeDiagnostics:
		fmt.Fprintf(&b, "Summarise the health of agent %q given these facts: %s\n", p.AgentName, p.Detail)
	case PurposeCode:
		fmt.Fprintf(&b, "Write a minimal, compilable snippet for this request. Return only code.\n%s\n", p.Detail)
	case PurposePlan:
		fmt.Fprintf(&b, "Propose a short numbered plan for agent %q to reach: %s\n", p.AgentName, p.Detail)
	case PurposeDelegation:
		fmt.Fprintf(&b, "Agent %q delegates this task to a helper: %s. Describe the hand-off in one sentence.\n", p.AgentName, p.Detail)
	default:
		b.WriteString(p.Detail)
	}
	if p.Detail != "" && p.Purpose == PurposeNarrative {
		fmt.Fprintf(&b, "Context: %s\n", p.Detail)
	}
	return b.String()
}

// Key identifies prompts that can share a cached answer.
func (p Prompt) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%t|%s", p.Purpose, p.AgentName, p.Objective, p.Stage, p.Grounded, p.Detail)
}

type Generator interface {
	GenerateText(ctx context.Context, prompt Prompt) (string, error)
}

// Offline produces deterministic text from local templates.
type Offline struct{}

func (Offline) GenerateText(ctx context.Context, p Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := p.AgentName
	if name == "" {
		name = "The agent"
	}
	switch p.Purpose {
	case PurposeNarrative:
		return fmt.Sprintf("%s wrapped up %s work and is moving on toward %q.", name, stageLabel(p.Stage), p.Objective), nil
	case PurposeCampaignUpdate:
		return fmt.Sprintf("%s advanced the campaign objective %q with a new iteration.", name, p.Objective), nil
	case PurposeWebSearch:
		return fmt.Sprintf("Offline summary for %q: no live sources were consulted.", p.Detail), nil
	case PurposeDiagnostics:
		return fmt.Sprintf("Diagnostics for %s: %s", name, p.Detail), nil
	case PurposeCode:
		return fmt.Sprintf("// %s\nfunc generated() {}\n", strings.ReplaceAll(p.Detail, "\n", " ")), nil
	case PurposePlan:
		return fmt.Sprintf("1. Gather data for %q\n2. Evolve a candidate\n3. Certify and deploy", p.Detail), nil
	case PurposeDelegation:
		return fmt.Sprintf("%s handed %q to a helper agent.", name, p.Detail), nil
	}
	return p.Detail, nil
}

func stageLabel(stage domain.LogStage) string {
	if stage == "" {
		return "its"
	}
	return strings.ToLower(string(stage))
}
