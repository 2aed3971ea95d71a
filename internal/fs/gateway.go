// Package fs writes agent artifacts under a workspace root. Every access is
// checked against a policy and audited.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"agent_foundry/internal/policy"
)

var ErrForbiddenFileOperation = errors.New("file operation is forbidden by policy")

type Policy interface {
	CanFileOperation(ctx context.Context, agentID string, operation policy.FileOperation, targetPath string) (bool, string, error)
}

// Recorder keeps a durable audit trail of artifact access.
type Recorder interface {
	RecordFileChange(ctx context.Context, agentID, operation, path string, allowed bool, reason string) error
}

type Gateway struct {
	root     string
	policy   Policy
	recorder Recorder
	logger   *zap.Logger
}

func NewGateway(root string, policy Policy, logger *zap.Logger) (*Gateway, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create root path: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		root:   absRoot,
		policy: policy,
		logger: logger,
	}, nil
}

func (g *Gateway) Root() string { return g.root }

// WithRecorder persists every audited access in addition to logging it.
func (g *Gateway) WithRecorder(r Recorder) *Gateway {
	g.recorder = r
	return g
}

// WriteFile stores content at relPath and returns the normalized path.
func (g *Gateway) WriteFile(ctx context.Context, agentID, relPath string, content []byte) (string, error) {
	op := policy.FileOperationCreate
	absPath, normalized, err := g.resolve(relPath)
	if err != nil {
		g.audit(ctx, agentID, op, relPath, false, err.Error())
		return "", err
	}
	if _, statErr := os.Stat(absPath); statErr == nil {
		op = policy.FileOperationWrite
	}

	allowed, reason, err := g.policy.CanFileOperation(ctx, agentID, op, normalized)
	if err != nil {
		return "", fmt.Errorf("policy check write file: %w", err)
	}
	if !allowed {
		g.audit(ctx, agentID, op, normalized, false, reason)
		return "", fmt.Errorf("%w: %s", ErrForbiddenFileOperation, reason)
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(absPath, content, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	g.audit(ctx, agentID, op, normalized, true, "allowed")
	return normalized, nil
}

func (g *Gateway) ReadFile(ctx context.Context, agentID, relPath string) ([]byte, error) {
	absPath, normalized, err := g.resolve(relPath)
	if err != nil {
		return nil, err
	}

	allowed, reason, err := g.policy.CanFileOperation(ctx, agentID, policy.FileOperationRead, normalized)
	if err != nil {
		return nil, fmt.Errorf("policy check read file: %w", err)
	}
	if !allowed {
		g.audit(ctx, agentID, policy.FileOperationRead, normalized, false, reason)
		return nil, fmt.Errorf("%w: %s", ErrForbiddenFileOperation, reason)
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return content, nil
}

func (g *Gateway) audit(ctx context.Context, agentID string, op policy.FileOperation, path string, allowed bool, reason string) {
	fields := []zap.Field{
		zap.String("agent_id", agentID),
		zap.String("operation", string(op)),
		zap.String("path", path),
		zap.String("reason", reason),
	}
	if g.recorder != nil {
		if err := g.recorder.RecordFileChange(context.WithoutCancel(ctx), agentID, string(op), path, allowed, reason); err != nil {
			g.logger.Error("record file change", append(fields, zap.Error(err))...)
		}
	}
	if allowed {
		g.logger.Info("artifact file change", fields...)
		return
	}
	g.logger.Warn("artifact file change denied", fields...)
}

func (g *Gateway) resolve(relPath string) (absolute string, normalized string, err error) {
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" || normalized == "." {
		return "", "", fmt.Errorf("invalid relative path %q", relPath)
	}

	abs := filepath.Join(g.root, filepath.FromSlash(normalized))
	absClean := filepath.Clean(abs)
	absRoot := filepath.Clean(g.root)

	rel, err := filepath.Rel(absRoot, absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") || rel == "." && normalized != "." {
		return "", "", fmt.Errorf("path escapes workspace root: %q", relPath)
	}
	return absClean, strings.ReplaceAll(rel, "\\", "/"), nil
}
