package textgen

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"agent_foundry/internal/domain"
)

// Fallback answers from a local generator whenever the primary fails.
type Fallback struct {
	primary  Generator
	fallback Generator
	logger   *zap.Logger
}

func WithFallback(primary, fallback Generator, logger *zap.Logger) *Fallback {
	if fallback == nil {
		fallback = Offline{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{primary: primary, fallback: fallback, logger: logger}
}

func (f *Fallback) GenerateText(ctx context.Context, p Prompt) (string, error) {
	text, _, err := f.GenerateWithStatus(ctx, p)
	return text, err
}

// GenerateWithStatus reports degraded=true when the text came from the
// fallback generator.
func (f *Fallback) GenerateWithStatus(ctx context.Context, p Prompt) (text string, degraded bool, err error) {
	if f.primary != nil {
		text, err = f.primary.GenerateText(ctx, p)
		if err == nil {
			return text, false, nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return "", false, err
		}
		err = fmt.Errorf("%w: %v", domain.ErrExternalServiceUnavailable, err)
		f.logger.Warn("text generator unavailable, using fallback",
			zap.String("purpose", string(p.Purpose)),
			zap.Error(err),
		)
	}
	text, ferr := f.fallback.GenerateText(ctx, p)
	if ferr != nil {
		return "", true, errors.Join(err, ferr)
	}
	return text, f.primary != nil, nil
}
