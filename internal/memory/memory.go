// Package memory keeps a short per-workflow history of generated prompts and
// ranks it by embedding similarity so new runs can avoid repeating old ones.
package memory

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/rendis/reelflow/pkg/schema"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Summarizer condenses a run's prompts into one description.
type Summarizer interface {
	Summarize(ctx context.Context, concept string, prompts []string) (string, error)
}

// HistoryStore is the persistence the memory needs.
type HistoryStore interface {
	AppendHistory(ctx context.Context, entry *schema.PromptHistoryEntry, keep int) error
	ListHistory(ctx context.Context, workflowID string, limit int) ([]*schema.PromptHistoryEntry, error)
	ClearHistory(ctx context.Context, workflowID string) (int, error)
}

// Context is what a new run is told about earlier ones.
type Context struct {
	Prompts   []string
	Summaries []string
	Degraded  bool // ranking fell back to recency
}

// Memory records runs and retrieves relevant past runs.
type Memory struct {
	store      HistoryStore
	embedder   Embedder
	summarizer Summarizer
	logger     *slog.Logger
	keep       int
	now        func() time.Time
}

// New creates a Memory. embedder and summarizer may be nil, in which case
// entries are stored without summary or vector and retrieval is by recency.
func New(store HistoryStore, embedder Embedder, summarizer Summarizer, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		store:      store,
		embedder:   embedder,
		summarizer: summarizer,
		logger:     logger.With(slog.String("component", "memory")),
		keep:       schema.PromptHistoryCap,
		now:        time.Now,
	}
}

// RecordRun stores one run's prompts at the head of the workflow's history.
// Summary and embedding failures are logged and the entry is stored without them.
func (m *Memory) RecordRun(ctx context.Context, workflowID, concept string, prompts []string) (*schema.PromptHistoryEntry, error) {
	entry := &schema.PromptHistoryEntry{
		WorkflowID: workflowID,
		Timestamp:  m.now().UTC(),
		Concept:    concept,
		Prompts:    append([]string(nil), prompts...),
	}

	if m.summarizer != nil {
		summary, err := m.summarizer.Summarize(ctx, concept, prompts)
		if err != nil {
			m.degraded(ctx, "summary unavailable, storing prompts only", err)
		} else {
			entry.Summary = summary
		}
	}

	// Only summarized runs are embedded; the vector describes concept plus summary.
	if entry.Summary != "" && m.embedder != nil {
		vec, err := m.embedder.Embed(ctx, concept+"\n\n"+entry.Summary)
		if err != nil {
			m.degraded(ctx, "embedding unavailable, entry will rank by recency", err)
		} else {
			entry.Embedding = vec
		}
	}

	if err := m.store.AppendHistory(ctx, entry, m.keep); err != nil {
		return nil, err
	}
	return entry, nil
}

// RetrieveContext returns the prompts and summaries of the limit past runs most
// similar to concept. Without a usable query vector the newest limit runs are used.
func (m *Memory) RetrieveContext(ctx context.Context, workflowID, concept string, limit int) (Context, error) {
	if limit <= 0 {
		limit = schema.DefaultContextLimit
	}
	entries, err := m.store.ListHistory(ctx, workflowID, 0)
	if err != nil {
		return Context{}, err
	}
	if len(entries) == 0 {
		return Context{}, nil
	}

	var out Context
	if query := m.queryVector(ctx, concept, entries); query != nil {
		entries = rank(query, entries)
	} else if hasEmbeddings(entries) {
		out.Degraded = true
	}

	if len(entries) > limit {
		entries = entries[:limit]
	}
	for _, e := range entries {
		out.Prompts = append(out.Prompts, e.Prompts...)
		if e.Summary != "" {
			out.Summaries = append(out.Summaries, e.Summary)
		}
	}
	return out, nil
}

// History returns the stored entries, newest first.
func (m *Memory) History(ctx context.Context, workflowID string) ([]*schema.PromptHistoryEntry, error) {
	return m.store.ListHistory(ctx, workflowID, 0)
}

// Clear drops every entry of a workflow and returns how many were removed.
func (m *Memory) Clear(ctx context.Context, workflowID string) (int, error) {
	return m.store.ClearHistory(ctx, workflowID)
}

// queryVector embeds concept, or returns nil when there is nothing to
// compare against or the embedder fails.
func (m *Memory) queryVector(ctx context.Context, concept string, entries []*schema.PromptHistoryEntry) []float64 {
	if m.embedder == nil || !hasEmbeddings(entries) {
		return nil
	}
	vec, err := m.embedder.Embed(ctx, concept)
	if err != nil {
		m.degraded(ctx, "query embedding failed, falling back to recency", err)
		return nil
	}
	return vec
}

func (m *Memory) degraded(ctx context.Context, msg string, err error) {
	m.logger.WarnContext(ctx, msg,
		slog.String("code", schema.ErrCodeMemoryDegraded),
		slog.String("error", err.Error()))
}

// rank orders entries by similarity to query, highest first. Entries without
// a vector score 0. Ties keep their newest-first order.
func rank(query []float64, entries []*schema.PromptHistoryEntry) []*schema.PromptHistoryEntry {
	type scored struct {
		e     *schema.PromptHistoryEntry
		score float64
	}
	s := make([]scored, len(entries))
	for i, e := range entries {
		s[i] = scored{e: e, score: CosineSimilarity(query, e.Embedding)}
	}
	sort.SliceStable(s, func(i, j int) bool { return s[i].score > s[j].score })

	out := make([]*schema.PromptHistoryEntry, len(s))
	for i := range s {
		out[i] = s[i].e
	}
	return out
}

func hasEmbeddings(entries []*schema.PromptHistoryEntry) bool {
	for _, e := range entries {
		if len(e.Embedding) > 0 {
			return true
		}
	}
	return false
}

// CosineSimilarity returns dot(a,b)/(|a||b|). Vectors of different length,
// empty vectors and zero-magnitude vectors score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
