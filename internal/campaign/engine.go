// Package campaign produces periodic progress logs for running multi-agent
// campaigns from a single scheduler tick. Text generation runs off the
// scheduler loop.
package campaign

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"agent_foundry/internal/domain"
	"agent_foundry/internal/scheduler"
	"agent_foundry/internal/textgen"
)

const TickKey = "campaign-engine"

type Store interface {
	Campaigns() []domain.Campaign
	Agent(id string) (domain.Agent, error)
	AppendCampaignLog(ctx context.Context, campaignID string, entry domain.CampaignLog) (domain.Campaign, error)
}

type Engine struct {
	store    Store
	sched    *scheduler.Scheduler
	text     textgen.Generator
	interval time.Duration
	logger   *zap.Logger

	updates sync.WaitGroup

	mu      sync.Mutex
	rng     *rand.Rand
	ticking bool
	stopped bool
}

func New(store Store, sched *scheduler.Scheduler, text textgen.Generator, interval time.Duration, rng *rand.Rand, logger *zap.Logger) *Engine {
	if text == nil {
		text = textgen.Offline{}
	}
	if interval <= 0 {
		interval = 4 * time.Second
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, sched: sched, text: text, interval: interval, rng: rng, logger: logger}
}

// Ensure arms the tick when a running campaign has members and no tick is
// pending. It reports whether a tick is armed afterwards.
func (e *Engine) Ensure() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ensureLocked()
}

func (e *Engine) ensureLocked() bool {
	if e.stopped {
		return false
	}
	// A tick in flight re-arms itself when it finishes.
	if e.ticking || e.sched.Pending(TickKey) > 0 {
		return true
	}
	if !e.anyActive() {
		return false
	}
	e.sched.Schedule(TickKey, e.interval, e.tick)
	return true
}

// Stop cancels the pending tick and waits for in-flight updates. The
// engine does not re-arm afterwards.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.sched.CancelKey(TickKey)
	e.updates.Wait()
}

// Wait blocks until in-flight updates have written their campaign logs.
func (e *Engine) Wait() {
	e.updates.Wait()
}

func (e *Engine) anyActive() bool {
	for _, c := range e.store.Campaigns() {
		if active(c) {
			return true
		}
	}
	return false
}

func active(c domain.Campaign) bool {
	return c.Status == domain.CampaignStatusRunning && len(c.AgentIDs) > 0
}

type target struct {
	campaign domain.Campaign
	agentID  string
}

// tick picks one member per active campaign on the scheduler loop and
// generates the updates off it. The next tick is armed once every update
// of this round is written.
func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	var targets []target
	for _, c := range e.store.Campaigns() {
		if active(c) {
			targets = append(targets, target{campaign: c, agentID: c.AgentIDs[e.rng.Intn(len(c.AgentIDs))]})
		}
	}
	if len(targets) == 0 {
		return
	}
	e.ticking = true
	e.updates.Add(1)
	go func() {
		defer e.updates.Done()
		for _, t := range targets {
			e.record(ctx, t)
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		e.ticking = false
		e.ensureLocked()
	}()
}

func (e *Engine) record(ctx context.Context, t target) {
	entry := domain.CampaignLog{AgentID: t.agentID}
	text, err := e.update(ctx, t.campaign, t.agentID)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		entry.Failed = true
		entry.Message = fmt.Sprintf("update failed: %v", err)
		e.logger.Warn("campaign update failed",
			zap.String("campaign_id", t.campaign.ID),
			zap.String("agent_id", t.agentID),
			zap.Error(err),
		)
	} else {
		entry.Message = text
	}
	if _, err := e.store.AppendCampaignLog(ctx, t.campaign.ID, entry); err != nil {
		e.logger.Error("append campaign log", zap.String("campaign_id", t.campaign.ID), zap.Error(err))
	}
}

func (e *Engine) update(ctx context.Context, c domain.Campaign, agentID string) (string, error) {
	agent, err := e.store.Agent(agentID)
	if err != nil {
		return "", err
	}
	return e.text.GenerateText(ctx, textgen.Prompt{
		Purpose:   textgen.PurposeCampaignUpdate,
		AgentName: agent.Name,
		Objective: c.Objective,
		Detail:    c.Name,
	})
}

// Watch re-checks the tick whenever campaign state may have changed, so
// the engine restarts when a campaign starts running again.
func (e *Engine) Watch(ctx context.Context, events <-chan domain.SystemEvent) error {
	e.Ensure()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			switch evt.Kind {
			case domain.EventCampaignStatus, domain.EventCampaignCreated, domain.EventStoreRestored:
				e.Ensure()
			}
		}
	}
}
