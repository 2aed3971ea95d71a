package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"agent_foundry/internal/catalog"
	"agent_foundry/internal/domain"
	"agent_foundry/internal/store/memory"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}

func populated(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	mem := memory.New(memory.Options{})
	for _, s := range catalog.Builtin() {
		if err := mem.RegisterStrategy(ctx, s); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	a, err := mem.CreateAgent(ctx, memory.AgentSpec{
		Name:             "persisted",
		Objective:        "survive restarts",
		StrategyID:       catalog.StandardLifecycleID,
		GovernanceConfig: &domain.GovernanceConfig{MaxFailedAttemptsPerCycle: 2},
	})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if _, err := mem.AdvanceStrategy(ctx, a.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := mem.ProposeGovernanceAction(ctx, domain.GovernanceAction{
		Type:          domain.ActionFlagForManualReview,
		AgentID:       a.ID,
		Justification: "manual check",
	}); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := mem.CreateCampaign(ctx, memory.CampaignSpec{Name: "c", Objective: "o", AgentIDs: []string{a.ID}}); err != nil {
		t.Fatalf("campaign: %v", err)
	}
	return mem
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	if _, ok, err := store.LatestSnapshot(ctx); err != nil || ok {
		t.Fatalf("empty db: ok=%v err=%v", ok, err)
	}

	src := populated(t)
	want := src.Snapshot()
	if _, err := store.SaveSnapshot(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := store.LatestSnapshot(ctx)
	if err != nil || !ok {
		t.Fatalf("latest: ok=%v err=%v", ok, err)
	}

	restored := memory.New(memory.Options{})
	if err := restored.Restore(ctx, got); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if diff := cmp.Diff(src.Agents(), restored.Agents()); diff != "" {
		t.Fatalf("agents differ (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(src.AllLogs(), restored.AllLogs()); diff != "" {
		t.Fatalf("logs differ (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(src.Campaigns(), restored.Campaigns()); diff != "" {
		t.Fatalf("campaigns differ (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(src.GovernanceActions(), restored.GovernanceActions()); diff != "" {
		t.Fatalf("actions differ (-want +got):\n%s", diff)
	}
	if len(restored.Strategies()) != len(src.Strategies()) {
		t.Fatalf("strategies=%d want=%d", len(restored.Strategies()), len(src.Strategies()))
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	var last int64
	for i := 0; i < 5; i++ {
		id, err := store.SaveSnapshot(ctx, domain.Snapshot{TakenAt: base.Add(time.Duration(i) * time.Minute)})
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		last = id
	}
	deleted, err := store.Prune(ctx, 2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("deleted=%d want=3", deleted)
	}
	infos, err := store.ListSnapshots(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].ID != last {
		t.Fatalf("infos=%+v", infos)
	}
}

func TestFileChangeAudit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	if err := store.RecordFileChange(ctx, "agent-1", "create", "./artifacts/agent-1/x.go", true, "allowed"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordFileChange(ctx, "agent-1", "write", "artifacts/agent-2/y.go", false, "outside own artifact directory"); err != nil {
		t.Fatalf("record: %v", err)
	}
	changes, err := store.ListFileChanges(ctx, "agent-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(changes) != 2 || changes[0].Allowed || changes[1].Path != "artifacts/agent-1/x.go" {
		t.Fatalf("changes=%+v", changes)
	}
}
