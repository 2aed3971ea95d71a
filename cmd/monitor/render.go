package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"agent_foundry/internal/domain"
)

func renderAgentsTable(table *tview.Table, agents []domain.Agent, selectedID string) {
	table.Clear()
	headers := []string{"Agent", "Status", "Step", "Progress", "Data", "Flags"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, a := range agents {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(trimLine(a.Name, 20)))
		table.SetCell(row, 1, tview.NewTableCell(string(a.Status)).SetTextColor(statusColor(a)))
		table.SetCell(row, 2, tview.NewTableCell(strconv.Itoa(a.CurrentStrategyStep)))
		table.SetCell(row, 3, tview.NewTableCell(progressBar(a.Progress, 10)))
		table.SetCell(row, 4, tview.NewTableCell(strconv.Itoa(a.DataIngested)))
		table.SetCell(row, 5, tview.NewTableCell(agentFlags(a)))
		if a.ID == selectedID {
			table.Select(row, 0)
		}
	}
}

func statusColor(a domain.Agent) tcell.Color {
	switch {
	case a.Suspended:
		return tcell.ColorGray
	case a.Status == domain.AgentStatusFailed || a.Status == domain.AgentStatusAwaitingReEvolution:
		return tcell.ColorRed
	case a.Status == domain.AgentStatusLive || a.Status == domain.AgentStatusOptimized || a.Status == domain.AgentStatusCertified:
		return tcell.ColorGreen
	default:
		return tcell.ColorYellow
	}
}

func agentFlags(a domain.Agent) string {
	var flags []string
	if a.Suspended {
		flags = append(flags, "susp")
	}
	if a.RealtimeFeedbackEnabled {
		flags = append(flags, "rt")
	}
	if a.FlaggedForReview {
		flags = append(flags, "review")
	}
	if a.OutputMasked {
		flags = append(flags, "masked")
	}
	if a.FailedAttempts > 0 {
		flags = append(flags, fmt.Sprintf("fail=%d", a.FailedAttempts))
	}
	return strings.Join(flags, ",")
}

func progressBar(p, width int) string {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	filled := p * width / 100
	return strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + fmt.Sprintf(" %3d%%", p)
}

func renderAgentDetail(a domain.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[::b]%s[::-] (%s)  type=%s\n", a.Name, shortID(a.ID), a.Type)
	fmt.Fprintf(&b, "objective: %s\n", trimLine(a.Objective, 100))
	fmt.Fprintf(&b, "strategy=%s step=%d status=%s since=%s\n",
		firstNonEmpty(a.StrategyID, "-"), a.CurrentStrategyStep, a.Status, a.StatusSince.Format("15:04:05"))
	if len(a.FeatureEngineIDs) > 0 {
		fmt.Fprintf(&b, "engines: %s\n", strings.Join(a.FeatureEngineIDs, ", "))
	}
	return b.String()
}

func renderLogs(items []domain.Log) string {
	if len(items) == 0 {
		return "No logs"
	}
	var b strings.Builder
	for _, l := range items {
		fmt.Fprintf(&b, "[%s] %-16s %-14s %s\n",
			l.Timestamp.Format("15:04:05"),
			l.Stage,
			l.Kind,
			tview.Escape(trimLine(l.Message, 140)),
		)
	}
	return b.String()
}

func renderCampaigns(items []domain.Campaign, names map[string]string) string {
	if len(items) == 0 {
		return "No campaigns"
	}
	var b strings.Builder
	for _, c := range items {
		fmt.Fprintf(&b, "[::b]%s[::-] %s agents=%d\n", trimLine(c.Name, 40), c.Status, len(c.AgentIDs))
		start := len(c.Logs) - 3
		if start < 0 {
			start = 0
		}
		for _, l := range c.Logs[start:] {
			marker := " "
			if l.Failed {
				marker = "!"
			}
			fmt.Fprintf(&b, " %s[%s] %s: %s\n",
				marker,
				l.Timestamp.Format("15:04:05"),
				firstNonEmpty(names[l.AgentID], shortID(l.AgentID)),
				tview.Escape(trimLine(l.Message, 100)),
			)
		}
	}
	return b.String()
}

func renderActions(items []domain.GovernanceAction, names map[string]string) string {
	if len(items) == 0 {
		return "No pending governance actions"
	}
	sorted := append([]domain.GovernanceAction(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })
	var b strings.Builder
	for _, a := range sorted {
		fmt.Fprintf(&b, "%s  %-24s %s\n  %s\n",
			shortID(a.ID),
			a.Type,
			firstNonEmpty(names[a.AgentID], shortID(a.AgentID)),
			tview.Escape(trimLine(a.Justification, 120)),
		)
	}
	return b.String()
}

// command is a parsed prompt line. Lines without a leading slash are tool
// intents for the selected agent.
type command struct {
	name string
	args []string
	rest string
}

func parseCommand(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{rest: line}, false
	}
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		return command{}, true
	}
	cmd := command{name: strings.ToLower(fields[0]), args: fields[1:]}
	cmd.rest = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "/"), fields[0]))
	return cmd, true
}

// resolveActionID matches a full or shortened action id against the
// pending list.
func resolveActionID(prefix string, pending []domain.GovernanceAction) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "", fmt.Errorf("action id is required")
	}
	var match string
	for _, a := range pending {
		if strings.HasPrefix(a.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("action id %q is ambiguous", prefix)
			}
			match = a.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no pending action %q", prefix)
	}
	return match, nil
}

func agentNames(agents []domain.Agent) map[string]string {
	out := make(map[string]string, len(agents))
	for _, a := range agents {
		out[a.ID] = a.Name
	}
	return out
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
