package textgen

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"agent_foundry/internal/config"
)

// New builds the generator chain for a provider: the remote generator is
// cached, and any failure falls back to Offline templates.
func New(ctx context.Context, cfg config.TextGeneratorConfig, logger *zap.Logger) (*Fallback, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var primary Generator
	switch cfg.Provider {
	case "", "offline":
		return WithFallback(nil, Offline{}, logger), nil
	case "http":
		g, err := NewHTTPGenerator(HTTPConfig{
			Endpoint:  cfg.Endpoint,
			Model:     cfg.Model,
			AuthToken: cfg.APIKey(),
			Timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
			Retries:   cfg.Retries,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		primary = g
	case "gemini":
		g, err := NewGeminiGenerator(ctx, GeminiConfig{APIKey: cfg.APIKey(), Model: cfg.Model, Logger: logger})
		if err != nil {
			return nil, err
		}
		primary = g
	default:
		return nil, fmt.Errorf("unknown text generator provider %q", cfg.Provider)
	}
	cached, err := NewCachedGenerator(primary, cfg.CacheBytes, 0)
	if err != nil {
		return nil, err
	}
	return WithFallback(cached, Offline{}, logger), nil
}
