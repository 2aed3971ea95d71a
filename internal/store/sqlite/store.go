package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agent_foundry/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	version INTEGER NOT NULL,
	document TEXT NOT NULL,
	agents INTEGER NOT NULL DEFAULT 0,
	last_seq INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots(created_at);

CREATE TABLE IF NOT EXISTS file_change_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	path TEXT NOT NULL,
	allowed INTEGER NOT NULL,
	reason TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_change_log_agent ON file_change_log(agent_id, created_at);
`

// Store persists whole-state snapshots and the artifact audit trail.
type Store struct {
	db *sql.DB
}

type SnapshotInfo struct {
	ID        int64     `json:"id"`
	Version   int       `json:"version"`
	Agents    int       `json:"agents"`
	LastSeq   int64     `json:"last_seq"`
	CreatedAt time.Time `json:"created_at"`
}

type FileChange struct {
	AgentID   string    `json:"agent_id"`
	Operation string    `json:"operation"`
	Path      string    `json:"path"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// SaveSnapshot stores snap as one versioned JSON document.
func (s *Store) SaveSnapshot(ctx context.Context, snap domain.Snapshot) (int64, error) {
	if snap.Version == 0 {
		snap.Version = domain.SnapshotVersion
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}
	doc, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}
	var lastSeq int64
	if n := len(snap.Events); n > 0 {
		lastSeq = snap.Events[n-1].Seq
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO snapshots(version, document, agents, last_seq, created_at) VALUES(?, ?, ?, ?, ?)`,
		snap.Version, string(doc), len(snap.Agents), lastSeq, snap.TakenAt.UTC().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("save snapshot id: %w", err)
	}
	return id, nil
}

// LatestSnapshot returns the newest snapshot. The bool is false when none
// has been saved yet.
func (s *Store) LatestSnapshot(ctx context.Context) (domain.Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT version, document FROM snapshots ORDER BY id DESC LIMIT 1`)
	var (
		version int
		doc     string
	)
	if err := row.Scan(&version, &doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Snapshot{}, false, nil
		}
		return domain.Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	if version != domain.SnapshotVersion {
		return domain.Snapshot{}, false, domain.Invalid("snapshot version %d, want %d", version, domain.SnapshotVersion)
	}
	var snap domain.Snapshot
	dec := json.NewDecoder(strings.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&snap); err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]SnapshotInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, version, agents, last_seq, created_at FROM snapshots ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var result []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var created int64
		if err := rows.Scan(&info.ID, &info.Version, &info.Agents, &info.LastSeq, &created); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		info.CreatedAt = time.UnixMilli(created).UTC()
		result = append(result, info)
	}
	return result, rows.Err()
}

// Prune keeps the newest keep snapshots and deletes the rest.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM snapshots WHERE id NOT IN (SELECT id FROM snapshots ORDER BY id DESC LIMIT ?)`,
		keep,
	)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) RecordFileChange(ctx context.Context, agentID, operation, path string, allowed bool, reason string) error {
	flag := 0
	if allowed {
		flag = 1
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO file_change_log(agent_id, operation, path, allowed, reason, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		agentID, operation, normalizeRelPath(path), flag, reason, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("log file change: %w", err)
	}
	return nil
}

func (s *Store) ListFileChanges(ctx context.Context, agentID string, limit int) ([]FileChange, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT agent_id, operation, path, allowed, reason, created_at
		FROM file_change_log WHERE agent_id = ? ORDER BY id DESC LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list file changes: %w", err)
	}
	defer rows.Close()

	var result []FileChange
	for rows.Next() {
		var fc FileChange
		var allowed int
		var created int64
		if err := rows.Scan(&fc.AgentID, &fc.Operation, &fc.Path, &allowed, &fc.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan file change: %w", err)
		}
		fc.Allowed = allowed == 1
		fc.CreatedAt = time.UnixMilli(created).UTC()
		result = append(result, fc)
	}
	return result, rows.Err()
}

func normalizeRelPath(p string) string {
	cleaned := strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	cleaned = strings.TrimPrefix(cleaned, "./")
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		return "."
	}
	return cleaned
}
