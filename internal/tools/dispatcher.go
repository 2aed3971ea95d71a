// Package tools turns free-text instructions into at most one tool call on
// behalf of an agent. Matching is deterministic and never selects a tool
// whose engine the agent has not integrated.
package tools

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"agent_foundry/internal/domain"
	"agent_foundry/internal/scheduler"
)

type Sleeper interface {
	Sleep(ctx context.Context, key string, d time.Duration) error
}

type Config struct {
	LatencyMin time.Duration
	LatencyMax time.Duration
	Rand       *rand.Rand
}

// Outcome is what a dispatch produced. Matched=false is the "no tool"
// answer and is not an error.
type Outcome struct {
	Matched  bool        `json:"matched"`
	Tool     string      `json:"tool,omitempty"`
	EngineID string      `json:"engine_id,omitempty"`
	Params   Params      `json:"params,omitempty"`
	Result   *Result     `json:"result,omitempty"`
	Error    string      `json:"error,omitempty"`
	Log      *domain.Log `json:"log,omitempty"`
}

type Dispatcher struct {
	registry *Registry
	env      Env
	sleeper  Sleeper
	cfg      Config
	logger   *zap.Logger

	randMu sync.Mutex
}

func NewDispatcher(registry *Registry, env Env, sleeper Sleeper, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.LatencyMax < cfg.LatencyMin {
		cfg.LatencyMax = cfg.LatencyMin
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry: registry,
		env:      env,
		sleeper:  sleeper,
		cfg:      cfg,
		logger:   logger,
	}
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch matches text against the agent's integrated tools and runs the
// first match.
func (d *Dispatcher) Dispatch(ctx context.Context, agentID, text string) (Outcome, error) {
	agent, err := d.callableAgent(agentID)
	if err != nil {
		return Outcome{}, err
	}
	tool, params, ok := d.registry.Match(text, agent.FeatureEngineIDs)
	if !ok {
		return Outcome{Matched: false}, nil
	}
	return d.run(ctx, agent, tool, params)
}

// Invoke runs the tool a typed parameter set belongs to.
func (d *Dispatcher) Invoke(ctx context.Context, agentID string, params Params) (Outcome, error) {
	if params == nil {
		return Outcome{}, domain.Invalid("tool params are required")
	}
	agent, err := d.callableAgent(agentID)
	if err != nil {
		return Outcome{}, err
	}
	tool, ok := d.registry.Get(params.ToolName())
	if !ok || !agent.HasEngine(tool.EngineID()) {
		return Outcome{}, fmt.Errorf("tool %s for agent %s: %w", params.ToolName(), agentID, domain.ErrToolNotFound)
	}
	return d.run(ctx, agent, tool, params)
}

func (d *Dispatcher) callableAgent(agentID string) (domain.Agent, error) {
	agent, err := d.env.Store.Agent(agentID)
	if err != nil {
		return domain.Agent{}, err
	}
	if agent.Suspended {
		return domain.Agent{}, &domain.TransitionError{AgentID: agent.ID, From: agent.Status, Command: "dispatch tool", Reason: "agent suspended"}
	}
	return agent, nil
}

// run invokes tool and appends exactly one log for the invocation.
func (d *Dispatcher) run(ctx context.Context, agent domain.Agent, tool Tool, params Params) (Outcome, error) {
	out := Outcome{Matched: true, Tool: tool.Name(), EngineID: tool.EngineID(), Params: params}

	res, err := d.execute(ctx, agent, tool, params)
	entry := domain.Log{
		Stage:   tool.Stage(),
		AgentID: agent.ID,
	}
	if err != nil {
		toolErr := &domain.ToolError{Tool: tool.Name(), Reason: err.Error()}
		entry.Kind = domain.LogKindToolFailed
		entry.Message = fmt.Sprintf("Tool %s failed: %s", tool.Name(), err.Error())
		out.Error = toolErr.Reason
		if logged, logErr := d.env.Store.AppendLog(context.WithoutCancel(ctx), entry); logErr == nil {
			out.Log = &logged
		} else {
			d.logger.Error("append tool failure log", zap.String("agent_id", agent.ID), zap.Error(logErr))
		}
		d.logger.Warn("tool invocation failed",
			zap.String("agent_id", agent.ID),
			zap.String("tool", tool.Name()),
			zap.Error(err),
		)
		return out, toolErr
	}

	entry.Kind = domain.LogKindToolCall
	entry.Message = fmt.Sprintf("[%s] %s", tool.Name(), res.Message)
	logged, err := d.env.Store.AppendLog(ctx, entry)
	if err != nil {
		return out, fmt.Errorf("append tool log: %w", err)
	}
	out.Result = &res
	out.Log = &logged
	d.logger.Debug("tool invoked", zap.String("agent_id", agent.ID), zap.String("tool", tool.Name()))
	return out, nil
}

func (d *Dispatcher) execute(ctx context.Context, agent domain.Agent, tool Tool, params Params) (Result, error) {
	if wait := d.latency(); wait > 0 && d.sleeper != nil {
		if err := d.sleeper.Sleep(ctx, scheduler.AgentKey(agent.ID, "tool"), wait); err != nil {
			if errors.Is(err, domain.ErrTaskCancelled) {
				return Result{}, fmt.Errorf("invocation cancelled")
			}
			return Result{}, err
		}
	}
	return tool.Invoke(ctx, d.env, agent, params)
}

func (d *Dispatcher) latency() time.Duration {
	span := d.cfg.LatencyMax - d.cfg.LatencyMin
	if span <= 0 {
		return d.cfg.LatencyMin
	}
	d.randMu.Lock()
	defer d.randMu.Unlock()
	return d.cfg.LatencyMin + time.Duration(d.cfg.Rand.Int63n(int64(span)+1))
}
