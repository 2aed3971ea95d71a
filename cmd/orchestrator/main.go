package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agent_foundry/internal/catalog"
	"agent_foundry/internal/config"
	"agent_foundry/internal/domain"
	"agent_foundry/internal/engines"
	"agent_foundry/internal/governance"
	"agent_foundry/internal/httpapi"
	"agent_foundry/internal/logging"
	"agent_foundry/internal/orchestrator"
	"agent_foundry/internal/store/memory"
	sqlitestore "agent_foundry/internal/store/sqlite"
	"agent_foundry/internal/textgen"
)

const hubSubscriber = "websocket-hub"

var (
	configPath    string
	addrFlag      string
	dbPathFlag    string
	workspaceFlag string
	demoFlag      bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agent-foundry",
		Short:         "Agent lifecycle and strategy execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default: ~/.agent_foundry/config.toml)")
	root.PersistentFlags().StringVar(&dbPathFlag, "db", "", "sqlite database path override")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serve.Flags().StringVar(&addrFlag, "addr", "", "http listen address override")
	serve.Flags().StringVar(&workspaceFlag, "workspace", "", "workspace root for generated artifacts override")
	serve.Flags().BoolVar(&demoFlag, "demo", false, "create demo agents and a running campaign on startup")

	strategies := &cobra.Command{Use: "strategies", Short: "Inspect strategy catalogs"}
	strategies.AddCommand(&cobra.Command{
		Use:   "validate [file...]",
		Short: "Validate strategy catalog files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runValidateStrategies,
	})
	strategies.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the built-in strategies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printJSON(cmd, catalog.Builtin())
		},
	})

	snapshot := &cobra.Command{Use: "snapshot", Short: "Inspect persisted state"}
	snapshot.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored snapshots",
		Args:  cobra.NoArgs,
		RunE:  runSnapshotList,
	})
	snapshot.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the latest snapshot",
		Args:  cobra.NoArgs,
		RunE:  runSnapshotShow,
	})

	files := &cobra.Command{
		Use:   "files <agent-id>",
		Short: "Show the artifact file audit trail for an agent",
		Args:  cobra.ExactArgs(1),
		RunE:  runFileChanges,
	}
	files.Flags().Int("limit", 50, "maximum entries to print")

	root.AddCommand(serve, strategies, snapshot, files)
	return root
}

func loadConfig() (config.Config, error) {
	cfg, _, err := config.LoadOptional(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.Config) (*sqlitestore.Store, string, error) {
	dbPath := filepath.Clean(firstNonEmpty(dbPathFlag, cfg.Store.DBPath, "data/agent_foundry.db"))
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, "", fmt.Errorf("create db directory: %w", err)
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return nil, "", fmt.Errorf("open sqlite store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, "", fmt.Errorf("migrate sqlite: %w", err)
	}
	return store, dbPath, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	addr := firstNonEmpty(addrFlag, cfg.Server.Addr, ":8091")
	workspaceRoot := filepath.Clean(firstNonEmpty(workspaceFlag, cfg.Server.WorkspaceRoot, "workspace"))
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		return fmt.Errorf("create workspace directory: %w", err)
	}

	store, dbPath, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	text, err := textgen.New(ctx, cfg.TextGenerator, logger.Named("textgen"))
	if err != nil {
		return fmt.Errorf("text generator: %w", err)
	}

	svc, err := orchestrator.New(serviceConfig(cfg, workspaceRoot), orchestrator.Deps{
		Text:         text,
		Snapshots:    store,
		FileRecorder: store,
		Rand:         rand.New(rand.NewSource(time.Now().UnixNano())),
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if cfg.StrategiesFile != "" {
		extra, err := catalog.LoadFile(cfg.StrategiesFile)
		if err != nil {
			return err
		}
		if err := svc.LoadStrategies(ctx, extra); err != nil {
			return err
		}
	}
	restored, err := svc.Restore(ctx)
	if err != nil {
		return err
	}
	if demoFlag && !restored {
		if err := bootstrapDemo(ctx, svc); err != nil {
			logger.Warn("demo bootstrap failed", zap.Error(err))
		}
	}

	hub := httpapi.NewHub(logger.Named("ws"))
	hubEvents := svc.Bus().Register(hubSubscriber)
	defer svc.Bus().Unregister(hubSubscriber)

	server := &http.Server{
		Addr:              addr,
		Handler:           httpapi.New(svc, hub, logger.Named("http")).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("agent_foundry started",
		zap.String("addr", addr),
		zap.String("db", dbPath),
		zap.String("workspace", workspaceRoot),
		zap.String("text_provider", firstNonEmpty(cfg.TextGenerator.Provider, "offline")),
		zap.Bool("restored", restored),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx, hubEvents) })
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func serviceConfig(cfg config.Config, workspaceRoot string) orchestrator.Config {
	out := orchestrator.Config{
		StepDuration:     durationMS(cfg.Engine.StepDurationMS, 10*time.Second),
		ProgressTick:     durationMS(cfg.Engine.ProgressTickMS, time.Second),
		ToolLatencyMin:   durationMS(cfg.Engine.ToolLatencyMinMS, 300*time.Millisecond),
		ToolLatencyMax:   durationMS(cfg.Engine.ToolLatencyMaxMS, 1200*time.Millisecond),
		AuditInterval:    durationMS(cfg.Governance.AuditIntervalMS, 5*time.Second),
		CampaignTick:     durationMS(cfg.Campaign.TickIntervalMS, 4*time.Second),
		SnapshotInterval: durationMS(cfg.Store.SnapshotIntervalMS, 30*time.Second),
		KeepSnapshots:    intOrDefault(cfg.Store.KeepSnapshots, 10),
		WorkspaceRoot:    workspaceRoot,
		Thresholds: governance.Thresholds{
			LookbackLogs:        cfg.Governance.LookbackLogs,
			RedundancyThreshold: cfg.Governance.RedundancyThreshold,
		},
	}
	if cfg.Governance.MaxFailedAttemptsPerCycle > 0 || cfg.Governance.MaxContinuousExecutionMinutes > 0 {
		out.DefaultGovernance = &domain.GovernanceConfig{
			MaxFailedAttemptsPerCycle:     intOrDefault(cfg.Governance.MaxFailedAttemptsPerCycle, domain.DefaultMaxFailedAttemptsPerCycle),
			MaxContinuousExecutionMinutes: intOrDefault(cfg.Governance.MaxContinuousExecutionMinutes, domain.DefaultMaxContinuousExecutionMinutes),
		}
	}
	return out
}

func runValidateStrategies(cmd *cobra.Command, args []string) error {
	failed := 0
	for _, path := range args {
		strategies, err := catalog.LoadFile(path)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "FAIL %s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok   %s (%d strategies)\n", path, len(strategies))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d catalog files invalid", failed, len(args))
	}
	return nil
}

func runSnapshotList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, _, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	items, err := store.ListSnapshots(cmd.Context(), 50)
	if err != nil {
		return err
	}
	return printJSON(cmd, items)
}

func runSnapshotShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, _, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	snap, ok, err := store.LatestSnapshot(cmd.Context())
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no snapshot stored")
	}
	return printJSON(cmd, snap)
}

func runFileChanges(cmd *cobra.Command, args []string) error {
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, _, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	changes, err := store.ListFileChanges(cmd.Context(), args[0], limit)
	if err != nil {
		return err
	}
	return printJSON(cmd, changes)
}

func bootstrapDemo(ctx context.Context, svc *orchestrator.Service) error {
	specs := []struct {
		name, objective, strategy string
		engineIDs                 []string
		realtime                  bool
	}{
		{"Atlas", "Forecast regional freight demand", catalog.StandardLifecycleID, []string{engines.WebGrounding, engines.DataIngestion}, true},
		{"Beacon", "Summarize incident reports", catalog.RapidDeploymentID, []string{engines.SelfDiagnostics}, false},
		{"Cipher", "Generate data cleaning scripts", catalog.DataDrivenID, []string{engines.CodeSynthesis, engines.Orchestration}, true},
	}
	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		a, err := svc.CreateAgent(ctx, agentSpec(spec.name, spec.objective, spec.strategy, spec.engineIDs, spec.realtime))
		if err != nil {
			return err
		}
		ids = append(ids, a.ID)
	}
	c, err := svc.CreateCampaign(ctx, campaignSpec("Q3 market entry", "Coordinate forecasting and reporting for the launch", ids))
	if err != nil {
		return err
	}
	_, err = svc.SetCampaignStatus(ctx, c.ID, domain.CampaignStatusRunning)
	return err
}

func agentSpec(name, objective, strategyID string, engineIDs []string, realtime bool) memory.AgentSpec {
	return memory.AgentSpec{
		Name:                    name,
		Objective:               objective,
		StrategyID:              strategyID,
		FeatureEngineIDs:        engineIDs,
		RealtimeFeedbackEnabled: realtime,
	}
}

func campaignSpec(name, objective string, agentIDs []string) memory.CampaignSpec {
	return memory.CampaignSpec{Name: name, Objective: objective, AgentIDs: agentIDs}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
