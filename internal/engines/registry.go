// Package engines describes the feature engines an agent can integrate.
// Engines that carry a ToolContract can be invoked through the tool dispatcher.
package engines

import (
	"sort"
	"sync"

	"agent_foundry/internal/domain"
)

const (
	WebGrounding     = "web-grounding"
	SelfDiagnostics  = "self-diagnostics"
	Orchestration    = "multi-agent-orchestration"
	CodeSynthesis    = "code-synthesis"
	StrategicPlanner = "strategic-planning"
	DataIngestion    = "data-ingestion"
	Sentiment        = "sentiment-analysis"
	RealtimeFeedback = "realtime-feedback"
	Explainability   = "explainability"
)

func Builtin() []domain.FeatureEngine {
	return []domain.FeatureEngine{
		{
			ID:          WebGrounding,
			Name:        "Web Grounding",
			Description: "Answers questions with live search results.",
			Icon:        "globe",
			Tool: &domain.ToolContract{
				Name:        "search_web",
				Description: "Search the web and summarize the findings.",
				Parameters: []domain.ToolParameter{
					{Name: "query", Type: "string", Description: "search query", Required: true},
				},
			},
		},
		{
			ID:          SelfDiagnostics,
			Name:        "Self Diagnostics",
			Description: "Inspects the agent's own lifecycle and health.",
			Icon:        "stethoscope",
			Tool: &domain.ToolContract{
				Name:        "run_diagnostics",
				Description: "Report lifecycle status, retry budget and recent failures.",
				Parameters: []domain.ToolParameter{
					{Name: "scope", Type: "string", Description: "full or quick", Required: false},
				},
			},
		},
		{
			ID:          Orchestration,
			Name:        "Multi-Agent Orchestration",
			Description: "Delegates work to other agents.",
			Icon:        "network",
			Tool: &domain.ToolContract{
				Name:        "delegate_task",
				Description: "Hand a task to another agent by name.",
				Parameters: []domain.ToolParameter{
					{Name: "task", Type: "string", Description: "task to delegate", Required: true},
					{Name: "target", Type: "string", Description: "name of the receiving agent", Required: true},
				},
			},
		},
		{
			ID:          CodeSynthesis,
			Name:        "Code Synthesis",
			Description: "Generates source code artifacts.",
			Icon:        "code",
			Tool: &domain.ToolContract{
				Name:        "generate_code",
				Description: "Produce a code artifact from a short description.",
				Parameters: []domain.ToolParameter{
					{Name: "language", Type: "string", Description: "target language", Required: false},
					{Name: "spec", Type: "string", Description: "what the code should do", Required: true},
				},
			},
		},
		{
			ID:          StrategicPlanner,
			Name:        "Strategic Planning",
			Description: "Drafts a development strategy for a goal.",
			Icon:        "compass",
			Tool: &domain.ToolContract{
				Name:        "plan_strategy",
				Description: "Outline a plan for the given goal.",
				Parameters: []domain.ToolParameter{
					{Name: "goal", Type: "string", Description: "goal to plan for", Required: true},
				},
			},
		},
		{
			ID:          DataIngestion,
			Name:        "Data Ingestion",
			Description: "Pulls new data points into the agent.",
			Icon:        "database",
			Tool: &domain.ToolContract{
				Name:        "ingest_dataset",
				Description: "Ingest a number of data points.",
				Parameters: []domain.ToolParameter{
					{Name: "count", Type: "integer", Description: "number of data points", Required: true},
				},
			},
		},
		{ID: Sentiment, Name: "Sentiment Analysis", Description: "Scores tone of incoming text.", Icon: "smile"},
		{ID: RealtimeFeedback, Name: "Realtime Feedback", Description: "Streams live feedback into re-evolution.", Icon: "activity"},
		{ID: Explainability, Name: "Explainability", Description: "Explains model decisions.", Icon: "lightbulb"},
	}
}

type Registry struct {
	mu      sync.RWMutex
	engines map[string]domain.FeatureEngine
}

func NewRegistry(initial ...domain.FeatureEngine) *Registry {
	r := &Registry{engines: make(map[string]domain.FeatureEngine, len(initial))}
	for _, e := range initial {
		r.engines[e.ID] = e
	}
	return r
}

func (r *Registry) Register(e domain.FeatureEngine) error {
	if e.ID == "" {
		return domain.Invalid("feature engine id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[e.ID]; exists {
		return domain.Invalid("feature engine %q already registered", e.ID)
	}
	r.engines[e.ID] = e
	return nil
}

func (r *Registry) Get(id string) (domain.FeatureEngine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[id]
	return e, ok
}

func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

func (r *Registry) List() []domain.FeatureEngine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.FeatureEngine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Callable() []domain.FeatureEngine {
	var out []domain.FeatureEngine
	for _, e := range r.List() {
		if e.Callable() {
			out = append(out, e)
		}
	}
	return out
}
