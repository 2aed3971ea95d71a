package tools

import (
	"encoding/json"
	"fmt"

	"agent_foundry/internal/domain"
)

// Params is the closed set of tool arguments. Each variant belongs to
// exactly one tool.
type Params interface {
	ToolName() string
	sealed()
}

type WebSearchParams struct {
	Query string `json:"query"`
}

type DiagnosticsParams struct {
	Scope string `json:"scope"`
}

type DelegateParams struct {
	Task       string `json:"task"`
	TargetName string `json:"target"`
}

type CodeSynthesisParams struct {
	Language string `json:"language"`
	Spec     string `json:"spec"`
}

type StrategyPlanParams struct {
	Goal string `json:"goal"`
}

type IngestParams struct {
	Count int `json:"count"`
}

const (
	ToolSearchWeb      = "search_web"
	ToolRunDiagnostics = "run_diagnostics"
	ToolDelegateTask   = "delegate_task"
	ToolGenerateCode   = "generate_code"
	ToolPlanStrategy   = "plan_strategy"
	ToolIngestDataset  = "ingest_dataset"
)

func (WebSearchParams) ToolName() string { return ToolSearchWeb }
func (DiagnosticsParams) ToolName() string { return ToolRunDiagnostics }
func (DelegateParams) ToolName() string { return ToolDelegateTask }
func (CodeSynthesisParams) ToolName() string { return ToolGenerateCode }
func (StrategyPlanParams) ToolName() string { return ToolPlanStrategy }
func (IngestParams) ToolName() string { return ToolIngestDataset }

func (WebSearchParams) sealed() {}
func (DiagnosticsParams) sealed() {}
func (DelegateParams) sealed() {}
func (CodeSynthesisParams) sealed() {}
func (StrategyPlanParams) sealed() {}
func (IngestParams) sealed() {}

// Result is the success payload of a tool. Fields other than Message are
// set only by the tools they belong to.
type Result struct {
	Message          string   `json:"message"`
	Artifact         string   `json:"artifact,omitempty"`
	ArtifactPath     string   `json:"artifact_path,omitempty"`
	Links            []string `json:"links,omitempty"`
	SecondaryAgentID string   `json:"secondary_agent_id,omitempty"`
	IngestCount      int      `json:"ingest_count,omitempty"`
	Degraded         bool     `json:"degraded,omitempty"`
}

// DecodeParams builds the parameter variant for tool from its JSON body.
func DecodeParams(tool string, raw json.RawMessage) (Params, error) {
	var p Params
	switch tool {
	case ToolSearchWeb:
		p = &WebSearchParams{}
	case ToolRunDiagnostics:
		p = &DiagnosticsParams{}
	case ToolDelegateTask:
		p = &DelegateParams{}
	case ToolGenerateCode:
		p = &CodeSynthesisParams{}
	case ToolPlanStrategy:
		p = &StrategyPlanParams{}
	case ToolIngestDataset:
		p = &IngestParams{}
	default:
		return nil, fmt.Errorf("%s: %w", tool, domain.ErrToolNotFound)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, domain.Invalid("decode %s params: %v", tool, err)
		}
	}
	return deref(p), nil
}

func deref(p Params) Params {
	switch v := p.(type) {
	case *WebSearchParams:
		return *v
	case *DiagnosticsParams:
		return *v
	case *DelegateParams:
		return *v
	case *CodeSynthesisParams:
		return *v
	case *StrategyPlanParams:
		return *v
	case *IngestParams:
		return *v
	}
	return p
}
