package promptsvc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reelflow/internal/engine"
	"github.com/rendis/reelflow/pkg/schema"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL: srv.URL,
		Retry:   engine.Backoff{Attempts: 3, Base: time.Millisecond},
	}, nil)
}

func TestGeneratePrompts(t *testing.T) {
	var got map[string]any
	var owner string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, generatePath, r.URL.Path)
		owner = r.Header.Get("X-User-Id")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{"prompts": []string{"one", "two"}})
	}))

	prompts, err := c.GeneratePrompts(context.Background(), "user-1", "foxes", 2, []string{"earlier run"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, prompts)
	assert.Equal(t, "user-1", owner)
	assert.Equal(t, "foxes", got["concept"])
	assert.EqualValues(t, 2, got["number_of_clips"])
	assert.Equal(t, []any{"earlier run"}, got["previous_summaries"])
	assert.Equal(t, []any{}, got["previous_prompts"])
}

func TestSummarizeAndEmbed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+summarizePath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"summary": "  foxes in snow \n"})
	})
	mux.HandleFunc("POST "+embedPath, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "foxes\n\nfoxes in snow", req["text"])
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{0.1, 0.2}})
	})
	c := newTestClient(t, mux)

	sum, err := c.Summarize(context.Background(), "foxes", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "foxes in snow", sum)

	emb, err := c.Embed(context.Background(), "foxes\n\n"+sum)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2}, emb)
}

func TestEmbed_EmptyVector(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embedding": []}`))
	}))
	_, err := c.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePromptService, schema.CodeOf(err))
}

func TestRetriesGatewayErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"summary": "ok"})
	}))

	sum, err := c.Summarize(context.Background(), "c", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", sum)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad concept", http.StatusBadRequest)
	}))

	_, err := c.GeneratePrompts(context.Background(), "u", "c", 1, nil, nil)
	require.Error(t, err)
	var re *schema.ReelflowError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, schema.ErrCodePromptService, re.Code)
	assert.Equal(t, "bad concept", re.Details["body"])
	assert.Equal(t, int32(1), calls.Load())
}

func TestServiceUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{BaseURL: url, Retry: engine.Backoff{Attempts: 2, Base: time.Millisecond}}, nil)
	_, err := c.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, engine.IsUnreachable(err))
}
