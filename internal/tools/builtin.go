package tools

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"agent_foundry/internal/domain"
	"agent_foundry/internal/engines"
	"agent_foundry/internal/textgen"
)

const maxIngestPerCall = 1_000_000

var (
	delegatePattern    = regexp.MustCompile(`(?i)\b(?:delegate|assign|hand\s+off)\s+(.+?)\s+to\s+(?:agent\s+)?["']?([\w-]+)["']?\s*[.!]?$`)
	ingestPattern      = regexp.MustCompile(`(?i)\bingest\b`)
	ingestCountPattern = regexp.MustCompile(`\b(\d{1,9})\b`)
	codePattern        = regexp.MustCompile(`(?i)\b(?:write|generate|create|implement)\b.*\b(?:code|function|script|program|snippet|class)\b`)
	languagePattern    = regexp.MustCompile(`(?i)\bin\s+(typescript|javascript|python|golang|go|rust|java|sql)\b`)
	diagnosticsPattern = regexp.MustCompile(`(?i)\b(?:diagnos\w*|health\s*check|self[- ]check|status\s+report)\b`)
	fullScopePattern   = regexp.MustCompile(`(?i)\b(?:full|deep|complete)\b`)
	planPattern        = regexp.MustCompile(`(?i)\b(?:plan|strategy|strategi[sz]e|roadmap)\b`)
	planGoalPattern    = regexp.MustCompile(`(?i)\b(?:for|to)\s+(.+)$`)
	searchPattern      = regexp.MustCompile(`(?i)\b(?:search|look\s*up|google|find\s+out|latest|current|news)\b`)
	searchPrefix       = regexp.MustCompile(`(?i)^.*?\b(?:search\s+(?:the\s+web\s+)?(?:for\s+)?|look\s*up\s+|google\s+|find\s+out\s+)`)
	nonSlug            = regexp.MustCompile(`[^a-z0-9]+`)
)

var languageExt = map[string]string{
	"go":         "go",
	"golang":     "go",
	"python":     "py",
	"rust":       "rs",
	"java":       "java",
	"javascript": "js",
	"typescript": "ts",
	"sql":        "sql",
}

func delegateTool() Tool {
	return funcTool{
		name:     ToolDelegateTask,
		engineID: engines.Orchestration,
		stage:    domain.LogStageOrchestration,
		match: func(text string) (Params, bool) {
			m := delegatePattern.FindStringSubmatch(text)
			if m == nil {
				return nil, false
			}
			return DelegateParams{Task: strings.TrimSpace(m[1]), TargetName: m[2]}, true
		},
		invoke: func(ctx context.Context, env Env, agent domain.Agent, params Params) (Result, error) {
			p := params.(DelegateParams)
			var target *domain.Agent
			for _, candidate := range env.Store.Agents() {
				if candidate.ID != agent.ID && strings.EqualFold(candidate.Name, p.TargetName) {
					c := candidate
					target = &c
					break
				}
			}
			if target == nil {
				return Result{}, fmt.Errorf("no agent named %q to delegate to", p.TargetName)
			}
			text, degraded, err := generate(ctx, env.Text, textgen.Prompt{
				Purpose:   textgen.PurposeDelegation,
				AgentName: agent.Name,
				Objective: agent.Objective,
				Detail:    fmt.Sprintf("%s (to %s)", p.Task, target.Name),
			})
			if err != nil {
				return Result{}, err
			}
			return Result{
				Message:          fmt.Sprintf("Delegated %q to %s: %s", p.Task, target.Name, text),
				SecondaryAgentID: target.ID,
				Degraded:         degraded,
			}, nil
		},
	}
}

func ingestTool() Tool {
	return funcTool{
		name:     ToolIngestDataset,
		engineID: engines.DataIngestion,
		stage:    domain.LogStageDataIngestion,
		match: func(text string) (Params, bool) {
			if !ingestPattern.MatchString(text) {
				return nil, false
			}
			count := 1000
			if m := ingestCountPattern.FindStringSubmatch(text); m != nil {
				n, err := strconv.Atoi(m[1])
				if err == nil {
					count = n
				}
			}
			return IngestParams{Count: count}, true
		},
		invoke: func(ctx context.Context, env Env, agent domain.Agent, params Params) (Result, error) {
			p := params.(IngestParams)
			if p.Count <= 0 || p.Count > maxIngestPerCall {
				return Result{}, fmt.Errorf("count %d outside 1..%d", p.Count, maxIngestPerCall)
			}
			updated, err := env.Store.RecordIngestion(ctx, agent.ID, p.Count)
			if err != nil {
				return Result{}, err
			}
			return Result{
				Message:     fmt.Sprintf("Ingested %d data points (total %d); agent is %s", p.Count, updated.DataIngested, updated.Status),
				IngestCount: p.Count,
			}, nil
		},
	}
}

func codeTool() Tool {
	return funcTool{
		name:     ToolGenerateCode,
		engineID: engines.CodeSynthesis,
		stage:    domain.LogStageThinkingProcess,
		match: func(text string) (Params, bool) {
			if !codePattern.MatchString(text) {
				return nil, false
			}
			lang := "go"
			if m := languagePattern.FindStringSubmatch(text); m != nil {
				lang = strings.ToLower(m[1])
			}
			return CodeSynthesisParams{Language: lang, Spec: text}, true
		},
		invoke: func(ctx context.Context, env Env, agent domain.Agent, params Params) (Result, error) {
			p := params.(CodeSynthesisParams)
			code, degraded, err := generate(ctx, env.Text, textgen.Prompt{
				Purpose:   textgen.PurposeCode,
				AgentName: agent.Name,
				Objective: agent.Objective,
				Detail:    fmt.Sprintf("[%s] %s", p.Language, p.Spec),
			})
			if err != nil {
				return Result{}, err
			}
			if agent.OutputMasked {
				return Result{Message: fmt.Sprintf("Generated %s code; output masked by governance", p.Language), Degraded: degraded}, nil
			}
			res := Result{
				Message:  fmt.Sprintf("Generated %s code for %q", p.Language, trim(p.Spec, 80)),
				Artifact: code,
				Degraded: degraded,
			}
			if env.Artifacts != nil {
				rel := path.Join(env.ArtifactDir, agent.ID, slug(p.Spec)+"."+extension(p.Language))
				stored, err := env.Artifacts.WriteFile(ctx, agent.ID, rel, []byte(code))
				if err != nil {
					return Result{}, fmt.Errorf("store artifact: %w", err)
				}
				res.ArtifactPath = stored
			}
			return res, nil
		},
	}
}

func diagnosticsTool() Tool {
	return funcTool{
		name:     ToolRunDiagnostics,
		engineID: engines.SelfDiagnostics,
		stage:    domain.LogStageDiagnostics,
		match: func(text string) (Params, bool) {
			if !diagnosticsPattern.MatchString(text) {
				return nil, false
			}
			scope := "quick"
			if fullScopePattern.MatchString(text) {
				scope = "full"
			}
			return DiagnosticsParams{Scope: scope}, true
		},
		invoke: func(_ context.Context, env Env, agent domain.Agent, params Params) (Result, error) {
			p := params.(DiagnosticsParams)
			logs := env.Store.Logs(agent.ID)
			failures := 0
			var lastFailure string
			for _, l := range logs {
				if l.Kind == domain.LogKindStepFailed || l.Kind == domain.LogKindToolFailed {
					failures++
					lastFailure = l.Message
				}
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Status %s at %d%% (step %d). Failed attempts %d/%d. %d log entries, %d failures.",
				agent.Status, agent.Progress, agent.CurrentStrategyStep,
				agent.FailedAttempts, agent.GovernanceConfig.MaxFailedAttempts(),
				len(logs), failures)
			if agent.Suspended {
				b.WriteString(" Agent is suspended.")
			}
			if agent.FlaggedForReview {
				b.WriteString(" Flagged for manual review.")
			}
			if p.Scope == "full" {
				fmt.Fprintf(&b, " Engines: %s. Data ingested: %d. Realtime feedback: %t.",
					strings.Join(agent.FeatureEngineIDs, ", "), agent.DataIngested, agent.RealtimeFeedbackEnabled)
				if lastFailure != "" {
					fmt.Fprintf(&b, " Last failure: %s", lastFailure)
				}
			}
			return Result{Message: b.String()}, nil
		},
	}
}

func planTool() Tool {
	return funcTool{
		name:     ToolPlanStrategy,
		engineID: engines.StrategicPlanner,
		stage:    domain.LogStageDevelopmentStrategy,
		match: func(text string) (Params, bool) {
			if !planPattern.MatchString(text) {
				return nil, false
			}
			goal := text
			if m := planGoalPattern.FindStringSubmatch(text); m != nil {
				goal = strings.TrimSpace(m[1])
			}
			return StrategyPlanParams{Goal: goal}, true
		},
		invoke: func(ctx context.Context, env Env, agent domain.Agent, params Params) (Result, error) {
			p := params.(StrategyPlanParams)
			text, degraded, err := generate(ctx, env.Text, textgen.Prompt{
				Purpose:   textgen.PurposePlan,
				AgentName: agent.Name,
				Objective: agent.Objective,
				Detail:    p.Goal,
			})
			if err != nil {
				return Result{}, err
			}
			return Result{Message: text, Degraded: degraded}, nil
		},
	}
}

func searchTool() Tool {
	return funcTool{
		name:     ToolSearchWeb,
		engineID: engines.WebGrounding,
		stage:    domain.LogStageChat,
		match: func(text string) (Params, bool) {
			if !searchPattern.MatchString(text) {
				return nil, false
			}
			query := strings.TrimSpace(searchPrefix.ReplaceAllString(text, ""))
			if query == "" {
				query = text
			}
			return WebSearchParams{Query: query}, true
		},
		invoke: func(ctx context.Context, env Env, agent domain.Agent, params Params) (Result, error) {
			p := params.(WebSearchParams)
			text, degraded, err := generate(ctx, env.Text, textgen.Prompt{
				Purpose:   textgen.PurposeWebSearch,
				AgentName: agent.Name,
				Objective: agent.Objective,
				Detail:    p.Query,
				Grounded:  true,
			})
			if err != nil {
				return Result{}, err
			}
			return Result{
				Message:  text,
				Links:    []string{"https://www.google.com/search?q=" + url.QueryEscape(p.Query)},
				Degraded: degraded,
			}, nil
		},
	}
}

type statusGenerator interface {
	GenerateWithStatus(ctx context.Context, p textgen.Prompt) (string, bool, error)
}

func generate(ctx context.Context, gen textgen.Generator, p textgen.Prompt) (string, bool, error) {
	if gen == nil {
		text, err := textgen.Offline{}.GenerateText(ctx, p)
		return text, false, err
	}
	if sg, ok := gen.(statusGenerator); ok {
		return sg.GenerateWithStatus(ctx, p)
	}
	text, err := gen.GenerateText(ctx, p)
	return text, false, err
}

func slug(s string) string {
	s = strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "-")
	}
	if s == "" {
		return "artifact"
	}
	return s
}

func extension(lang string) string {
	if ext, ok := languageExt[lang]; ok {
		return ext
	}
	return "txt"
}

// trim keeps at most n runes of s.
func trim(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
