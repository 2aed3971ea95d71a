package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"agent_foundry/internal/catalog"
	"agent_foundry/internal/domain"
)

const helpText = "Enter: tool intent for selected agent | /new name: objective | /start /advance /retry /reevolve /suspend /resume | /ingest N | /approve ID /reject ID"

type embeddedOrchestrator struct {
	cmd *exec.Cmd
}

// state is the last snapshot pulled from the API. It is only touched from
// the refresh goroutine and the UI goroutine under mu.
type state struct {
	mu       sync.Mutex
	agents   []domain.Agent
	pending  []domain.GovernanceAction
	selected string
}

func (s *state) selectedAgent() (domain.Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.ID == s.selected {
			return a, true
		}
	}
	return domain.Agent{}, false
}

func main() {
	addr := flag.String("addr", "http://localhost:8091", "engine base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start the engine alongside the monitor")
	engineBinary := flag.String("engine-bin", "", "path to the engine binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for the embedded engine")
	workspaceRoot := flag.String("workspace", "workspace", "workspace root for the embedded engine")
	flag.Parse()

	c := newClient(*addr)

	if *embedded {
		proc, err := startEmbeddedEngine(*addr, *engineBinary, *dbPath, *workspaceRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded engine: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "engine health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	agentsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	agentsTable.SetTitle("Agents (Enter select, F5 refresh, F10 quit)").SetBorder(true)

	detailView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	detailView.SetTitle("Agent").SetBorder(true)

	logsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	logsView.SetTitle("Logs").SetBorder(true)

	campaignsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	campaignsView.SetTitle("Campaigns").SetBorder(true)

	actionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	actionsView.SetTitle("Pending governance").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("> ")
	promptInput.SetBorder(true).SetTitle(helpText)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+L focus prompt, Ctrl+T focus agents",
		c.baseURL,
		*embedded,
	))

	rightBottom := tview.NewFlex().
		AddItem(campaignsView, 0, 1, false).
		AddItem(actionsView, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(detailView, 6, 0, false).
		AddItem(logsView, 0, 3, false).
		AddItem(rightBottom, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(agentsTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	st := &state{}
	var logsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshOverview := func() {
		agents, err := c.listAgents()
		if err != nil {
			app.QueueUpdateDraw(func() {
				agentsTable.Clear()
				agentsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		campaigns, cerr := c.listCampaigns()
		pending, perr := c.pendingActions()

		st.mu.Lock()
		st.agents = agents
		if perr == nil {
			st.pending = pending
		}
		if st.selected == "" && len(agents) > 0 {
			st.selected = agents[0].ID
		}
		selected := st.selected
		st.mu.Unlock()

		names := agentNames(agents)
		app.QueueUpdateDraw(func() {
			renderAgentsTable(agentsTable, agents, selected)
			if cerr != nil {
				campaignsView.SetText(fmt.Sprintf("error: %v", cerr))
			} else {
				campaignsView.SetText(renderCampaigns(campaigns, names))
			}
			if perr != nil {
				actionsView.SetText(fmt.Sprintf("error: %v", perr))
			} else {
				actionsView.SetText(renderActions(pending, names))
			}
		})
	}

	refreshAgentAsync := func() {
		a, ok := st.selectedAgent()
		if !ok {
			return
		}
		version := atomic.AddUint64(&logsVersion, 1)
		go func(agent domain.Agent, v uint64) {
			logs, err := c.agentLogs(agent.ID, 200)
			if atomic.LoadUint64(&logsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				detailView.SetText(renderAgentDetail(agent))
				if err != nil {
					logsView.SetText(fmt.Sprintf("error: %v", err))
					return
				}
				logsView.SetText(renderLogs(logs))
				logsView.ScrollToEnd()
			})
		}(a, version)
	}

	refreshAll := func() {
		refreshOverview()
		refreshAgentAsync()
	}

	runCommand := func(cmd command) (string, error) {
		agent, hasAgent := st.selectedAgent()
		needAgent := func() error {
			if !hasAgent {
				return fmt.Errorf("no agent selected")
			}
			return nil
		}
		switch cmd.name {
		case "new":
			name, objective, _ := strings.Cut(cmd.rest, ":")
			a, err := c.createAgent(strings.TrimSpace(name), strings.TrimSpace(objective), catalog.StandardLifecycleID)
			if err != nil {
				return "", err
			}
			st.mu.Lock()
			st.selected = a.ID
			st.mu.Unlock()
			return "Agent created: " + a.Name, nil
		case "start", "advance", "retry":
			if err := needAgent(); err != nil {
				return "", err
			}
			return cmd.name + " sent to " + agent.Name, c.agentCommand(agent.ID, cmd.name, nil)
		case "reevolve":
			if err := needAgent(); err != nil {
				return "", err
			}
			return "re-evolution requested for " + agent.Name, c.agentCommand(agent.ID, "re-evolve", nil)
		case "suspend", "resume":
			if err := needAgent(); err != nil {
				return "", err
			}
			return cmd.name + " applied to " + agent.Name, c.agentCommand(agent.ID, cmd.name, map[string]string{"reason": cmd.rest})
		case "ingest":
			if err := needAgent(); err != nil {
				return "", err
			}
			n := 1000
			if len(cmd.args) > 0 {
				v, err := strconv.Atoi(cmd.args[0])
				if err != nil || v <= 0 {
					return "", fmt.Errorf("ingest count must be a positive number")
				}
				n = v
			}
			return fmt.Sprintf("ingested %d into %s", n, agent.Name), c.agentCommand(agent.ID, "ingest", map[string]int{"count": n})
		case "approve", "reject":
			if len(cmd.args) == 0 {
				return "", fmt.Errorf("usage: /%s ACTION_ID", cmd.name)
			}
			st.mu.Lock()
			pending := append([]domain.GovernanceAction(nil), st.pending...)
			st.mu.Unlock()
			id, err := resolveActionID(cmd.args[0], pending)
			if err != nil {
				return "", err
			}
			approve := cmd.name == "approve"
			verb := "Rejected "
			if approve {
				verb = "Approved "
			}
			return verb + shortID(id), c.resolveAction(id, approve)
		default:
			return "", fmt.Errorf("unknown command /%s", cmd.name)
		}
	}

	submitPrompt := func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		promptInput.SetText("")
		cmd, isCommand := parseCommand(line)
		go func() {
			var (
				msg string
				err error
			)
			if isCommand {
				msg, err = runCommand(cmd)
			} else {
				agent, ok := st.selectedAgent()
				if !ok {
					setStatusAsync("Select an agent before sending a tool intent")
					return
				}
				setStatusAsync("Dispatching to " + agent.Name + "...")
				var out dispatchResult
				out, err = c.dispatch(agent.ID, cmd.rest)
				switch {
				case err != nil:
				case !out.Matched:
					msg = "No integrated tool matched that request"
				case out.Error != "":
					msg = out.Tool + " failed: " + out.Error
				case out.Result != nil:
					msg = out.Tool + ": " + trimLine(out.Result.Message, 120)
				default:
					msg = out.Tool + " finished"
				}
			}
			if err != nil {
				setStatusAsync("Error: " + err.Error())
			} else {
				setStatusAsync(msg)
			}
			refreshAll()
		}()
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	agentsTable.SetSelectedFunc(func(row, _ int) {
		st.mu.Lock()
		if row <= 0 || row > len(st.agents) {
			st.mu.Unlock()
			return
		}
		st.selected = st.agents[row-1].ID
		st.mu.Unlock()
		refreshAgentAsync()
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(agentsTable)
				setStatusUI("Focus -> agents")
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refreshAll()
			setStatusUI("Manual refresh requested")
			return nil
		case tcell.KeyCtrlL, tcell.KeyTAB:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyCtrlT, tcell.KeyEscape:
			app.SetFocus(agentsTable)
			setStatusUI("Focus -> agents")
			return nil
		case tcell.KeyRune:
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshAll()
		for range ticker.C {
			refreshAll()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func startEmbeddedEngine(addr, engineBinary, dbPath, workspaceRoot string) (*embeddedOrchestrator, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	args := []string{"serve", "--addr", ":" + port, "--db", dbPath, "--workspace", workspaceRoot, "--demo"}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(engineBinary) != "" {
		cmd = exec.Command(engineBinary, args...)
	} else {
		if self, err := os.Executable(); err == nil {
			for _, name := range []string{"orchestrator", "orchestrator.exe"} {
				sibling := filepath.Join(filepath.Dir(self), name)
				if fileExists(sibling) {
					cmd = exec.Command(sibling, args...)
					break
				}
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/orchestrator"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine process: %w", err)
	}
	return &embeddedOrchestrator{cmd: cmd}, nil
}

func (e *embeddedOrchestrator) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
