package textgen

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRetries           = 2
	defaultRetryBackoff      = 500 * time.Millisecond
	defaultTimeout           = 30 * time.Second
	defaultMaxOutputBytes    = 256 * 1024
	defaultMaxOutputTokens   = 512
	maxHTTPErrorBodyReadSize = 64 * 1024
)

type HTTPConfig struct {
	Endpoint        string
	Model           string
	AuthToken       string
	Timeout         time.Duration
	Retries         int
	RetryBackoff    time.Duration
	MaxOutputBytes  int
	MaxOutputTokens int
	// BreakerFailures consecutive failures open the circuit for BreakerCooldown.
	BreakerFailures int
	BreakerCooldown time.Duration
	Logger          *zap.Logger
	Client          *http.Client
}

// HTTPGenerator posts prompts to a JSON endpoint. The endpoint may answer
// with a single {"text": ...} document or a server-sent event stream of
// output_text deltas.
type HTTPGenerator struct {
	endpoint        string
	model           string
	authToken       string
	retries         int
	retryBackoff    time.Duration
	maxOutputBytes  int
	maxOutputTokens int
	breaker         *breaker
	logger          *zap.Logger
	client          *http.Client
}

func NewHTTPGenerator(cfg HTTPConfig) (*HTTPGenerator, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("empty text generator endpoint")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid text generator endpoint %q: %w", endpoint, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	if retries == 0 {
		retries = defaultRetries
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}
	maxOutputBytes := cfg.MaxOutputBytes
	if maxOutputBytes <= 0 {
		maxOutputBytes = defaultMaxOutputBytes
	}
	maxOutputTokens := cfg.MaxOutputTokens
	if maxOutputTokens <= 0 {
		maxOutputTokens = defaultMaxOutputTokens
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPGenerator{
		endpoint:        endpoint,
		model:           strings.TrimSpace(cfg.Model),
		authToken:       strings.TrimSpace(cfg.AuthToken),
		retries:         retries,
		retryBackoff:    retryBackoff,
		maxOutputBytes:  maxOutputBytes,
		maxOutputTokens: maxOutputTokens,
		breaker:         newBreaker(cfg.BreakerFailures, cfg.BreakerCooldown),
		logger:          cfg.Logger,
		client:          client,
	}, nil
}

func (g *HTTPGenerator) GenerateText(ctx context.Context, p Prompt) (string, error) {
	var text string
	err := g.breaker.execute(func() error {
		var err error
		text, err = g.generateWithRetry(ctx, p)
		return err
	})
	return text, err
}

func (g *HTTPGenerator) generateWithRetry(ctx context.Context, p Prompt) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= g.retries+1; attempt++ {
		text, err := g.generateOnce(ctx, p)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == g.retries+1 {
			break
		}
		wait := time.Duration(attempt) * g.retryBackoff
		g.logger.Debug("text generation retry",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown text generation error")
	}
	return "", lastErr
}

func (g *HTTPGenerator) generateOnce(ctx context.Context, p Prompt) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:           g.model,
		Purpose:         string(p.Purpose),
		Prompt:          p.Text(),
		Grounded:        p.Grounded,
		MaxOutputTokens: g.maxOutputTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if g.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.authToken)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyReadSize))
		if readErr != nil {
			return "", fmt.Errorf("generate status=%d and read body failed: %w", resp.StatusCode, readErr)
		}
		return "", httpStatusError{statusCode: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readStream(resp.Body, g.maxOutputBytes)
	}
	var out generateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, int64(g.maxOutputBytes))).Decode(&out); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("generate error: %s", out.Error)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", fmt.Errorf("empty generated text")
	}
	return text, nil
}

func isRetryable(err error) bool {
	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

func readStream(body io.Reader, maxBytes int) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBytes+64*1024)

	var output strings.Builder
	var dataLines []string
	processEvent := func(lines []string) error {
		if len(lines) == 0 {
			return nil
		}
		data := strings.TrimSpace(strings.Join(lines, "\n"))
		if data == "" || data == "[DONE]" {
			return nil
		}
		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("unmarshal stream event: %w", err)
		}
		if event.Error != "" {
			return fmt.Errorf("stream error: %s", event.Error)
		}
		if output.Len()+len(event.Delta) > maxBytes {
			return fmt.Errorf("generated output exceeds %d bytes", maxBytes)
		}
		output.WriteString(event.Delta)
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := processEvent(dataLines); err != nil {
				return "", err
			}
			dataLines = dataLines[:0]
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if err := processEvent(dataLines); err != nil {
		return "", err
	}
	text := strings.TrimSpace(output.String())
	if text == "" {
		return "", fmt.Errorf("empty output stream")
	}
	return text, nil
}

type generateRequest struct {
	Model           string `json:"model,omitempty"`
	Purpose         string `json:"purpose"`
	Prompt          string `json:"prompt"`
	Grounded        bool   `json:"grounded,omitempty"`
	MaxOutputTokens int    `json:"max_output_tokens,omitempty"`
}

type generateResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

type streamEvent struct {
	Delta string `json:"delta,omitempty"`
	Error string `json:"error,omitempty"`
}

type httpStatusError struct {
	statusCode int
	body       string
}

func (e httpStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("generate status=%d", e.statusCode)
	}
	return fmt.Sprintf("generate status=%d body=%s", e.statusCode, e.body)
}
