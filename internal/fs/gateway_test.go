package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"agent_foundry/internal/policy"
)

type testPolicy struct {
	allowed bool
}

func (p testPolicy) CanFileOperation(_ context.Context, _ string, _ policy.FileOperation, _ string) (bool, string, error) {
	if p.allowed {
		return true, "allowed", nil
	}
	return false, "denied", nil
}

func TestWriteFileDeniedByPolicy(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	gw, err := NewGateway(t.TempDir(), testPolicy{allowed: false}, zap.New(core))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	_, err = gw.WriteFile(context.Background(), "agent-1", "artifacts/agent-1/a.go", []byte("package a"))
	if !errors.Is(err, ErrForbiddenFileOperation) {
		t.Fatalf("err=%v want ErrForbiddenFileOperation", err)
	}
	if logs.FilterMessage("artifact file change denied").Len() != 1 {
		t.Fatalf("expected denied write to be audited, got %v", logs.All())
	}
}

func TestWriteFileStoresArtifact(t *testing.T) {
	root := t.TempDir()
	gw, err := NewGateway(root, testPolicy{allowed: true}, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	rel, err := gw.WriteFile(context.Background(), "agent-1", "./artifacts/agent-1/main.go", []byte("package main"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if rel != "artifacts/agent-1/main.go" {
		t.Fatalf("rel=%s", rel)
	}
	got, err := os.ReadFile(filepath.Join(root, "artifacts", "agent-1", "main.go"))
	if err != nil || string(got) != "package main" {
		t.Fatalf("content=%q err=%v", got, err)
	}
	back, err := gw.ReadFile(context.Background(), "agent-1", rel)
	if err != nil || string(back) != "package main" {
		t.Fatalf("read back=%q err=%v", back, err)
	}
}

func TestWriteFileRejectsEscape(t *testing.T) {
	gw, err := NewGateway(t.TempDir(), testPolicy{allowed: true}, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if _, err := gw.WriteFile(context.Background(), "agent-1", "../outside.txt", []byte("x")); err == nil {
		t.Fatalf("expected escape to be rejected")
	}
}

type recorded struct {
	op, path string
	allowed  bool
}

type memRecorder struct{ entries []recorded }

func (r *memRecorder) RecordFileChange(_ context.Context, _ string, op, path string, allowed bool, _ string) error {
	r.entries = append(r.entries, recorded{op: op, path: path, allowed: allowed})
	return nil
}

func TestRecorderSeesEveryAudit(t *testing.T) {
	rec := &memRecorder{}
	gw, err := NewGateway(t.TempDir(), testPolicy{allowed: true}, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	gw.WithRecorder(rec)
	ctx := context.Background()
	if _, err := gw.WriteFile(ctx, "agent-1", "artifacts/agent-1/a.txt", []byte("1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := gw.WriteFile(ctx, "agent-1", "artifacts/agent-1/a.txt", []byte("2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	want := []recorded{
		{op: "create", path: "artifacts/agent-1/a.txt", allowed: true},
		{op: "write", path: "artifacts/agent-1/a.txt", allowed: true},
	}
	if len(rec.entries) != len(want) {
		t.Fatalf("entries=%+v", rec.entries)
	}
	for i := range want {
		if rec.entries[i] != want[i] {
			t.Fatalf("entry %d=%+v want %+v", i, rec.entries[i], want[i])
		}
	}
}
