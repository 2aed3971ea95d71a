package tools

import (
	"context"
	"fmt"
	"strings"

	"agent_foundry/internal/domain"
	"agent_foundry/internal/engines"
	"agent_foundry/internal/textgen"
)

// Store is the slice of the State Store tools may read and command.
type Store interface {
	Agent(id string) (domain.Agent, error)
	Agents() []domain.Agent
	Logs(agentID string) []domain.Log
	AppendLog(ctx context.Context, entry domain.Log) (domain.Log, error)
	RecordIngestion(ctx context.Context, agentID string, count int) (domain.Agent, error)
}

type ArtifactSink interface {
	WriteFile(ctx context.Context, agentID, relPath string, content []byte) (string, error)
}

// Env carries the collaborators a tool handler may use.
type Env struct {
	Store     Store
	Text      textgen.Generator
	Artifacts ArtifactSink

	// ArtifactDir is the workspace directory holding one folder per agent.
	ArtifactDir string
}

type Tool interface {
	Name() string
	EngineID() string
	Stage() domain.LogStage
	Match(text string) (Params, bool)
	Invoke(ctx context.Context, env Env, agent domain.Agent, params Params) (Result, error)
}

// Registry resolves tools by name and matches free text against them in
// a fixed priority order.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry keeps the argument order as the matching priority.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		name := t.Name()
		if name == "" || t.EngineID() == "" {
			return nil, domain.Invalid("tool needs a name and an engine id")
		}
		if _, dup := r.tools[name]; dup {
			return nil, domain.Invalid("tool %q registered twice", name)
		}
		r.tools[name] = t
		r.order = append(r.order, name)
	}
	return r, nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Order() []string {
	return append([]string(nil), r.order...)
}

// Match returns the first tool, in priority order, whose engine is in
// integrated and whose pattern matches text.
func (r *Registry) Match(text string, integrated []string) (Tool, Params, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil, false
	}
	allowed := make(map[string]struct{}, len(integrated))
	for _, id := range integrated {
		allowed[id] = struct{}{}
	}
	for _, name := range r.order {
		t := r.tools[name]
		if _, ok := allowed[t.EngineID()]; !ok {
			continue
		}
		if params, ok := t.Match(text); ok {
			return t, params, true
		}
	}
	return nil, nil, false
}

// CheckContracts verifies that every tool is backed by a callable engine
// advertising the same tool name.
func (r *Registry) CheckContracts(reg *engines.Registry) error {
	for _, name := range r.order {
		t := r.tools[name]
		e, ok := reg.Get(t.EngineID())
		if !ok {
			return fmt.Errorf("tool %s: engine %s: %w", name, t.EngineID(), domain.ErrNotFound)
		}
		if !e.Callable() || e.Tool.Name != name {
			return domain.Invalid("tool %s: engine %s does not advertise it", name, e.ID)
		}
	}
	return nil
}

func Builtin() []Tool {
	return []Tool{
		delegateTool(),
		ingestTool(),
		codeTool(),
		diagnosticsTool(),
		planTool(),
		searchTool(),
	}
}

func NewBuiltinRegistry() *Registry {
	r, err := NewRegistry(Builtin()...)
	if err != nil {
		panic(fmt.Sprintf("builtin tool registry: %v", err))
	}
	return r
}

type funcTool struct {
	name     string
	engineID string
	stage    domain.LogStage
	match    func(text string) (Params, bool)
	invoke   func(ctx context.Context, env Env, agent domain.Agent, params Params) (Result, error)
}

func (t funcTool) Name() string { return t.name }

func (t funcTool) EngineID() string { return t.engineID }

func (t funcTool) Stage() domain.LogStage { return t.stage }

func (t funcTool) Match(text string) (Params, bool) { return t.match(text) }

func (t funcTool) Invoke(ctx context.Context, env Env, agent domain.Agent, params Params) (Result, error) {
	if params == nil || params.ToolName() != t.name {
		return Result{}, fmt.Errorf("tool %s cannot take %T", t.name, params)
	}
	return t.invoke(ctx, env, agent, params)
}
