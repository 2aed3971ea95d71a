package main

import (
	"strings"
	"testing"
	"time"

	"agent_foundry/internal/domain"
)

func TestParseCommand(t *testing.T) {
	cmd, ok := parseCommand("/new Atlas: forecast freight")
	if !ok || cmd.name != "new" || cmd.rest != "Atlas: forecast freight" {
		t.Fatalf("cmd=%+v ok=%v", cmd, ok)
	}
	cmd, ok = parseCommand("/Ingest 250")
	if !ok || cmd.name != "ingest" || len(cmd.args) != 1 || cmd.args[0] != "250" {
		t.Fatalf("cmd=%+v ok=%v", cmd, ok)
	}
	cmd, ok = parseCommand("  search for rates ")
	if ok || cmd.rest != "search for rates" {
		t.Fatalf("intent parsed as command: %+v", cmd)
	}
}

func TestResolveActionID(t *testing.T) {
	pending := []domain.GovernanceAction{{ID: "abc123"}, {ID: "abd999"}}
	if id, err := resolveActionID("abc", pending); err != nil || id != "abc123" {
		t.Fatalf("id=%q err=%v", id, err)
	}
	if _, err := resolveActionID("ab", pending); err == nil || !strings.Contains(err.Error(), "ambiguous") {
		t.Fatalf("err=%v want ambiguous", err)
	}
	if _, err := resolveActionID("zzz", pending); err == nil {
		t.Fatal("unknown id resolved")
	}
}

func TestProgressBar(t *testing.T) {
	if got := progressBar(50, 10); got != "#####.....  50%" {
		t.Fatalf("bar=%q", got)
	}
	if got := progressBar(140, 4); got != "#### 100%" {
		t.Fatalf("bar=%q", got)
	}
}

func TestRenderCampaignsShowsRecentLogs(t *testing.T) {
	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	c := domain.Campaign{Name: "launch", Status: domain.CampaignStatusRunning, AgentIDs: []string{"a1"}}
	for i := 0; i < 5; i++ {
		c.Logs = append(c.Logs, domain.CampaignLog{AgentID: "a1", Timestamp: at, Message: "update " + string(rune('A'+i))})
	}
	c.Logs[4].Failed = true
	out := renderCampaigns([]domain.Campaign{c}, map[string]string{"a1": "Atlas"})
	if strings.Contains(out, "update A") || !strings.Contains(out, "update E") {
		t.Fatalf("expected only the last three logs:\n%s", out)
	}
	if !strings.Contains(out, "Atlas") || !strings.Contains(out, "!") {
		t.Fatalf("missing agent name or failure marker:\n%s", out)
	}
}
