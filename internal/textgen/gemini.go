package textgen

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

type GeminiConfig struct {
	APIKey string
	Model  string
	Logger *zap.Logger
}

// GeminiGenerator calls the Gemini API. Grounded prompts attach the Google
// Search tool so answers cite live sources.
type GeminiGenerator struct {
	client  *genai.Client
	model   string
	breaker *breaker
	logger  *zap.Logger
}

func NewGeminiGenerator(ctx context.Context, cfg GeminiConfig) (*GeminiGenerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiGenerator{
		client:  client,
		model:   cfg.Model,
		breaker: newBreaker(0, 0),
		logger:  cfg.Logger,
	}, nil
}

func (g *GeminiGenerator) GenerateText(ctx context.Context, p Prompt) (string, error) {
	var text string
	err := g.breaker.execute(func() error {
		var err error
		text, err = g.generate(ctx, p)
		return err
	})
	return text, err
}

func (g *GeminiGenerator) generate(ctx context.Context, p Prompt) (string, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText("You narrate the work of autonomous agents. Be brief and concrete.", genai.RoleUser),
	}
	if p.Grounded {
		config.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(p.Text()), config)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("gemini returned no text")
	}
	g.logger.Debug("gemini generation", zap.String("purpose", string(p.Purpose)), zap.Int("chars", len(text)))
	return text, nil
}
