package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ods-labs/agentrt/internal/config"
	"github.com/ods-labs/agentrt/internal/errs"
)

// SummarizeFunc condenses a block of event text into a short summary.
// In production this calls back into the model through the scheduler;
// tests can supply a deterministic stand-in.
type SummarizeFunc func(ctx context.Context, text string) (string, error)

// Summarizer is the background chunking job: once
// a session accumulates at least SemanticChunkThreshold events since its
// last chunk, it folds them into one SemanticChunk and re-embeds the
// result.
type Summarizer struct {
	store      *Store
	embedder   EmbeddingProvider
	summarize  SummarizeFunc
	errHandler *errs.Handler
}

// NewSummarizer builds a Summarizer over store, embedding chunk text with
// embedder and condensing it with summarize. Failed summarize calls are
// retried through errs.WithRetry; errHandler is held but not consulted.
func NewSummarizer(store *Store, embedder EmbeddingProvider, summarize SummarizeFunc, errHandler *errs.Handler) *Summarizer {
	return &Summarizer{store: store, embedder: embedder, summarize: summarize, errHandler: errHandler}
}

// MaybeSummarize checks whether sessionID has accumulated enough
// uncovered events to warrant a new chunk, and if so, produces one. It
// is a no-op (nil, nil) when the threshold hasn't been reached.
func (s *Summarizer) MaybeSummarize(ctx context.Context, sessionID string, policy config.MemoryPolicyConfig) (*SemanticChunk, error) {
	threshold := policy.SemanticChunkThreshold
	if threshold <= 0 {
		threshold = 7
	}

	lastCovered, err := s.store.LastCoveredEventID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	uncovered, err := s.store.EventsAfter(ctx, sessionID, lastCovered)
	if err != nil {
		return nil, err
	}
	if len(uncovered) < threshold {
		return nil, nil
	}

	return s.summarizeEvents(ctx, sessionID, uncovered)
}

func (s *Summarizer) summarizeEvents(ctx context.Context, sessionID string, events []*MemoryEvent) (*SemanticChunk, error) {
	var body strings.Builder
	maxImportance := 0
	for _, e := range events {
		fmt.Fprintf(&body, "%s: %s\n", e.Role, e.Text)
		if e.Importance > maxImportance {
			maxImportance = e.Importance
		}
	}
	text := body.String()

	var summary string
	err := errs.WithRetry(ctx, errs.KindModelFailed, func() error {
		out, err := s.summarize(ctx, text)
		if err != nil {
			return err
		}
		summary = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	vec, err := s.embedder.Embed(summary)
	if err != nil {
		return nil, errs.Wrap(errs.KindEmbeddingFailed, "failed to embed chunk summary", err)
	}

	chunk := &SemanticChunk{
		SessionID:    sessionID,
		Text:         text,
		Summary:      summary,
		FirstEventID: events[0].ID,
		LastEventID:  events[len(events)-1].ID,
		Importance:   maxImportance,
		Embedding:    vec,
	}

	if err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		return s.store.InsertChunk(tx, chunk)
	}); err != nil {
		return nil, err
	}
	return chunk, nil
}
