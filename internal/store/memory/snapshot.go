package memory

import (
	"context"
	"fmt"
	"time"

	"agent_foundry/internal/domain"
)

// Snapshot returns a deep copy of the whole store.
func (s *Store) Snapshot() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := domain.Snapshot{
		Version:           domain.SnapshotVersion,
		TakenAt:           s.now(),
		Agents:            make([]domain.Agent, 0, len(s.agentOrder)),
		Strategies:        make([]domain.Strategy, 0, len(s.strategyOrder)),
		Logs:              append([]domain.Log(nil), s.logs...),
		Campaigns:         make([]domain.Campaign, 0, len(s.campaignOrder)),
		GovernanceActions: make([]domain.GovernanceAction, 0, len(s.actionOrder)),
		Events:            append([]domain.SystemEvent(nil), s.events...),
	}
	for _, id := range s.agentOrder {
		snap.Agents = append(snap.Agents, s.agents[id].Clone())
	}
	for _, id := range s.strategyOrder {
		snap.Strategies = append(snap.Strategies, s.strategies[id].Clone())
	}
	for _, id := range s.campaignOrder {
		snap.Campaigns = append(snap.Campaigns, s.campaigns[id].Clone())
	}
	for _, id := range s.actionOrder {
		snap.GovernanceActions = append(snap.GovernanceActions, s.actions[id].Clone())
	}
	return snap
}

// Restore replaces the store contents with snap. The snapshot is checked in
// full before anything is replaced.
func (s *Store) Restore(ctx context.Context, snap domain.Snapshot) error {
	if snap.Version != domain.SnapshotVersion {
		return domain.Invalid("snapshot version %d, want %d", snap.Version, domain.SnapshotVersion)
	}
	agentIDs := make(map[string]struct{}, len(snap.Agents))
	for _, a := range snap.Agents {
		if a.ID == "" {
			return domain.Invalid("snapshot agent without id")
		}
		if _, dup := agentIDs[a.ID]; dup {
			return domain.Invalid("snapshot agent %s duplicated", a.ID)
		}
		agentIDs[a.ID] = struct{}{}
	}
	for _, l := range snap.Logs {
		if _, ok := agentIDs[l.AgentID]; !ok {
			return domain.Invalid("snapshot log %s references unknown agent %s", l.ID, l.AgentID)
		}
	}

	return s.mutate(ctx, "restore", func(now time.Time) (domain.SystemEvent, error) {
		s.reset()
		for _, a := range snap.Agents {
			a := a.Clone()
			s.agents[a.ID] = &a
			s.agentOrder = append(s.agentOrder, a.ID)
		}
		for _, st := range snap.Strategies {
			s.strategies[st.ID] = st.Clone()
			s.strategyOrder = append(s.strategyOrder, st.ID)
		}
		for _, l := range snap.Logs {
			s.logs = append(s.logs, l)
			s.logsByAgent[l.AgentID] = append(s.logsByAgent[l.AgentID], len(s.logs)-1)
		}
		for _, c := range snap.Campaigns {
			c := c.Clone()
			s.campaigns[c.ID] = &c
			s.campaignOrder = append(s.campaignOrder, c.ID)
		}
		for _, ga := range snap.GovernanceActions {
			ga := ga.Clone()
			s.actions[ga.ID] = &ga
			s.actionOrder = append(s.actionOrder, ga.ID)
		}
		s.events = append(s.events, snap.Events...)
		for _, evt := range snap.Events {
			if evt.Seq > s.seq {
				s.seq = evt.Seq
			}
		}
		return domain.SystemEvent{
			Kind:   domain.EventStoreRestored,
			Detail: fmt.Sprintf("%d agents, %d logs", len(snap.Agents), len(snap.Logs)),
			At:     now,
		}, nil
	})
}
