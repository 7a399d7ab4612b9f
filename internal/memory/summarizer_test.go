package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ods-labs/agentrt/internal/errs"
)

func seedEvents(t *testing.T, s *Store, sessionID string, n int) []*MemoryEvent {
	return seedEventsAt(t, s, sessionID, n, time.Now().Add(-time.Minute))
}

// seedEventsAt inserts n events starting at base, one second apart, and
// returns the session's full ordered event list.
func seedEventsAt(t *testing.T, s *Store, sessionID string, n int, base time.Time) []*MemoryEvent {
	t.Helper()
	for i := 0; i < n; i++ {
		insertTestEvent(t, s, sessionID, fmt.Sprintf("turn %d", i), 3+i%5, testVector(4, float32(i)), base.Add(time.Duration(i)*time.Second))
	}
	got, err := s.EventsInSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("EventsInSession: %v", err)
	}
	return got
}

func TestMaybeSummarizeBelowThresholdIsNoop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "alice", true)
	seedEvents(t, s, sess.ID, 2)

	summarize := func(ctx context.Context, text string) (string, error) {
		t.Fatalf("summarize must not run below threshold")
		return "", nil
	}
	sum := NewSummarizer(s, newStubEmbedder(4), summarize, errs.NewHandler(errs.DefaultBreakerConfig()))

	policy := testPolicy()
	policy.SemanticChunkThreshold = 3
	chunk, err := sum.MaybeSummarize(ctx, sess.ID, policy)
	if err != nil {
		t.Fatalf("MaybeSummarize: %v", err)
	}
	if chunk != nil {
		t.Fatalf("expected no chunk below threshold, got %+v", chunk)
	}
}

func TestMaybeSummarizeCoversWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "alice", true)
	events := seedEvents(t, s, sess.ID, 3)

	var sawText string
	summarize := func(ctx context.Context, text string) (string, error) {
		sawText = text
		return "a short summary", nil
	}
	sum := NewSummarizer(s, newStubEmbedder(4), summarize, errs.NewHandler(errs.DefaultBreakerConfig()))

	policy := testPolicy()
	policy.SemanticChunkThreshold = 3
	chunk, err := sum.MaybeSummarize(ctx, sess.ID, policy)
	if err != nil {
		t.Fatalf("MaybeSummarize: %v", err)
	}
	if chunk == nil {
		t.Fatalf("expected a chunk at threshold")
	}
	if chunk.FirstEventID != events[0].ID || chunk.LastEventID != events[2].ID {
		t.Fatalf("chunk covers [%s, %s], want [%s, %s]", chunk.FirstEventID, chunk.LastEventID, events[0].ID, events[2].ID)
	}
	if chunk.Summary != "a short summary" {
		t.Fatalf("summary = %q", chunk.Summary)
	}
	if !strings.Contains(sawText, "turn 0") || !strings.Contains(sawText, "turn 2") {
		t.Fatalf("expected the serialized window to contain every event, got %q", sawText)
	}

	// The next threshold counts only uncovered events: the same window
	// must not be re-summarized.
	chunk2, err := sum.MaybeSummarize(ctx, sess.ID, policy)
	if err != nil {
		t.Fatalf("MaybeSummarize: %v", err)
	}
	if chunk2 != nil {
		t.Fatalf("expected no second chunk without new events")
	}
}

func TestMaybeSummarizeDisjointRanges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "alice", true)

	summarize := func(ctx context.Context, text string) (string, error) { return "sum", nil }
	sum := NewSummarizer(s, newStubEmbedder(4), summarize, errs.NewHandler(errs.DefaultBreakerConfig()))

	policy := testPolicy()
	policy.SemanticChunkThreshold = 2

	seedEventsAt(t, s, sess.ID, 2, time.Now().Add(-2*time.Minute))
	if _, err := sum.MaybeSummarize(ctx, sess.ID, policy); err != nil {
		t.Fatalf("MaybeSummarize: %v", err)
	}
	seedEventsAt(t, s, sess.ID, 2, time.Now().Add(-time.Minute))
	if _, err := sum.MaybeSummarize(ctx, sess.ID, policy); err != nil {
		t.Fatalf("MaybeSummarize: %v", err)
	}

	chunks, err := s.ChunksInSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ChunksInSession: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}

	events, _ := s.EventsInSession(ctx, sess.ID)
	position := map[string]int{}
	for i, e := range events {
		position[e.ID] = i
	}
	type span struct{ lo, hi int }
	var spans []span
	for _, c := range chunks {
		spans = append(spans, span{position[c.FirstEventID], position[c.LastEventID]})
	}
	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			if spans[i].lo <= spans[j].hi && spans[j].lo <= spans[i].hi {
				t.Fatalf("chunk ranges overlap: %+v and %+v", spans[i], spans[j])
			}
		}
	}
}

func TestSummarizeFailureLeavesWindowUncovered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "alice", true)
	seedEvents(t, s, sess.ID, 3)

	boom := errors.New("model crashed")
	summarize := func(ctx context.Context, text string) (string, error) { return "", boom }
	sum := NewSummarizer(s, newStubEmbedder(4), summarize, errs.NewHandler(errs.DefaultBreakerConfig()))

	policy := testPolicy()
	policy.SemanticChunkThreshold = 3
	if _, err := sum.MaybeSummarize(ctx, sess.ID, policy); err == nil {
		t.Fatalf("expected failure to propagate")
	}

	chunks, _ := s.ChunksInSession(ctx, sess.ID)
	if len(chunks) != 0 {
		t.Fatalf("expected no chunk after failure, got %d", len(chunks))
	}

	// A later attempt with a working summarizer covers the same window.
	working := func(ctx context.Context, text string) (string, error) { return "ok", nil }
	sum2 := NewSummarizer(s, newStubEmbedder(4), working, errs.NewHandler(errs.DefaultBreakerConfig()))
	chunk, err := sum2.MaybeSummarize(ctx, sess.ID, policy)
	if err != nil {
		t.Fatalf("MaybeSummarize retry: %v", err)
	}
	if chunk == nil {
		t.Fatalf("expected the uncovered window to be reattempted")
	}
}
