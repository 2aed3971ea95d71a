package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agent_foundry/internal/domain"
)

type CampaignSpec struct {
	ID        string   `json:"id,omitempty"`
	Name      string   `json:"name"`
	Objective string   `json:"objective"`
	AgentIDs  []string `json:"agent_ids"`
}

func (s *Store) CreateCampaign(ctx context.Context, spec CampaignSpec) (domain.Campaign, error) {
	var out domain.Campaign
	err := s.mutate(ctx, "createCampaign", func(now time.Time) (domain.SystemEvent, error) {
		if strings.TrimSpace(spec.Name) == "" {
			return domain.SystemEvent{}, domain.Invalid("campaign name is required")
		}
		if spec.ID == "" {
			spec.ID = s.newID()
		}
		if _, exists := s.campaigns[spec.ID]; exists {
			return domain.SystemEvent{}, domain.Invalid("campaign %s already exists", spec.ID)
		}
		members := make([]string, 0, len(spec.AgentIDs))
		seen := make(map[string]struct{}, len(spec.AgentIDs))
		for _, id := range spec.AgentIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			if _, ok := s.agents[id]; !ok {
				return domain.SystemEvent{}, domain.NotFound("agent", id)
			}
			seen[id] = struct{}{}
			members = append(members, id)
		}
		c := domain.Campaign{
			ID:        spec.ID,
			Name:      strings.TrimSpace(spec.Name),
			Objective: spec.Objective,
			AgentIDs:  members,
			Status:    domain.CampaignStatusPlanning,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.campaigns[c.ID] = &c
		s.campaignOrder = append(s.campaignOrder, c.ID)
		out = c.Clone()
		return domain.SystemEvent{Kind: domain.EventCampaignCreated, EntityID: c.ID}, nil
	})
	return out, err
}

// SetCampaignStatus moves a campaign between Planning and Running, or
// closes it. Completed and Failed campaigns are final.
func (s *Store) SetCampaignStatus(ctx context.Context, campaignID string, status domain.CampaignStatus) (domain.Campaign, error) {
	var out domain.Campaign
	err := s.mutate(ctx, "setCampaignStatus", func(now time.Time) (domain.SystemEvent, error) {
		if !status.Valid() {
			return domain.SystemEvent{}, domain.Invalid("unknown campaign status %q", status)
		}
		c, ok := s.campaigns[campaignID]
		if !ok {
			return domain.SystemEvent{}, domain.NotFound("campaign", campaignID)
		}
		if c.Status == domain.CampaignStatusCompleted || c.Status == domain.CampaignStatusFailed {
			return domain.SystemEvent{}, fmt.Errorf("campaign %s is %s: %w", c.ID, c.Status, domain.ErrInvalidTransition)
		}
		c.Status = status
		c.UpdatedAt = now
		out = c.Clone()
		return domain.SystemEvent{Kind: domain.EventCampaignStatus, EntityID: c.ID, Detail: string(status)}, nil
	})
	return out, err
}

func (s *Store) AppendCampaignLog(ctx context.Context, campaignID string, entry domain.CampaignLog) (domain.Campaign, error) {
	var out domain.Campaign
	err := s.mutate(ctx, "appendCampaignLog", func(now time.Time) (domain.SystemEvent, error) {
		c, ok := s.campaigns[campaignID]
		if !ok {
			return domain.SystemEvent{}, domain.NotFound("campaign", campaignID)
		}
		if entry.AgentID != "" {
			if _, ok := s.agents[entry.AgentID]; !ok {
				return domain.SystemEvent{}, domain.NotFound("agent", entry.AgentID)
			}
		}
		if entry.Timestamp.IsZero() {
			entry.Timestamp = now
		}
		c.Logs = append(c.Logs, entry)
		c.UpdatedAt = now
		out = c.Clone()
		return domain.SystemEvent{Kind: domain.EventCampaignLogAppended, EntityID: c.ID, Detail: entry.AgentID}, nil
	})
	return out, err
}

func (s *Store) Campaign(id string) (domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.Campaign{}, domain.NotFound("campaign", id)
	}
	return c.Clone(), nil
}

func (s *Store) Campaigns() []domain.Campaign {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Campaign, 0, len(s.campaignOrder))
	for _, id := range s.campaignOrder {
		out = append(out, s.campaigns[id].Clone())
	}
	return out
}
