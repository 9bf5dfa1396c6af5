// Package promptsvc is the client for the LLM service that writes clip
// prompts, summarizes them and embeds text.
package promptsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/reelflow/internal/engine"
	"github.com/rendis/reelflow/pkg/schema"
)

const (
	generatePath  = "/api/generate-prompts"
	summarizePath = "/api/summarize-prompts"
	embedPath     = "/api/embeddings"

	ownerHeader = "X-User-Id"
)

// Config configures the prompt service client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client   // nil uses a client with Timeout
	Timeout    time.Duration  // per request, default 2m (generation is slow)
	Retry      engine.Backoff // applied only to unreachable-service failures
}

// Client calls the prompt, summary and embedding endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	retry   engine.Backoff
	logger  *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		hc = &http.Client{Timeout: timeout}
	}
	retry := cfg.Retry
	if retry.Attempts <= 0 {
		retry = engine.Backoff{Attempts: 3, Base: time.Second, Max: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
		retry:   retry,
		logger:  logger.With(slog.String("component", "promptsvc")),
	}
}

// GeneratePrompts asks for n clip prompts about concept. Past summaries and
// prompts steer the service away from repeating earlier runs. The returned
// list may be shorter or longer than n; callers normalize it.
func (c *Client) GeneratePrompts(ctx context.Context, ownerID, concept string, n int, summaries, previous []string) ([]string, error) {
	req := map[string]any{
		"concept":            concept,
		"number_of_clips":    n,
		"previous_summaries": nonNil(summaries),
		"previous_prompts":   nonNil(previous),
	}
	var resp struct {
		Prompts []string `json:"prompts"`
	}
	if err := c.post(ctx, generatePath, ownerID, req, &resp); err != nil {
		return nil, err
	}
	return resp.Prompts, nil
}

// Summarize condenses one run's prompts into a short description.
func (c *Client) Summarize(ctx context.Context, concept string, prompts []string) (string, error) {
	var resp struct {
		Summary string `json:"summary"`
	}
	if err := c.post(ctx, summarizePath, "", map[string]any{"prompts": prompts, "concept": concept}, &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Summary), nil
}

// Embed returns the embedding vector of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	var resp struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := c.post(ctx, embedPath, "", map[string]any{"text": text}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, schema.NewError(schema.ErrCodePromptService, "embedding service returned an empty vector")
	}
	return resp.Embedding, nil
}

func (c *Client) post(ctx context.Context, path, ownerID string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	return engine.Retry(ctx, c.retry, isRetryable, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create %s request: %w", path, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if ownerID != "" {
			req.Header.Set(ownerHeader, ownerID)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.DebugContext(ctx, "prompt service request failed", slog.String("path", path), slog.String("error", err.Error()))
			return schema.NewErrorf(schema.ErrCodePromptService, "%s: %v", path, err).WithCause(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return schema.NewErrorf(schema.ErrCodePromptService, "%s: status %d", path, resp.StatusCode).
				WithDetails(map[string]any{"status": resp.StatusCode, "body": strings.TrimSpace(string(msg))})
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return schema.NewErrorf(schema.ErrCodePromptService, "decode %s response", path).WithCause(err)
		}
		return nil
	})
}

// isRetryable retries transport failures and gateway-style 5xx responses.
func isRetryable(err error) bool {
	if engine.IsUnreachable(err) {
		return true
	}
	var status int
	if re, ok := err.(*schema.ReelflowError); ok && re.Details != nil {
		status, _ = re.Details["status"].(int)
	}
	return status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
