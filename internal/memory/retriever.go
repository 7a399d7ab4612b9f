package memory

import (
	"context"
	"sort"
	"time"

	"github.com/ods-labs/agentrt/internal/config"
	"github.com/ods-labs/agentrt/internal/errs"
)

// Retriever implements hybrid dense+lexical retrieval with time-decayed
// composite ranking.
type Retriever struct {
	store    *Store
	embedder EmbeddingProvider
}

// NewRetriever builds a Retriever over store using embedder for query
// and candidate vectorization.
func NewRetriever(store *Store, embedder EmbeddingProvider) *Retriever {
	return &Retriever{store: store, embedder: embedder}
}

// Retrieve returns up to policy.TopK scored memories (events and/or
// chunks) relevant to query in sessionID, ranked by the composite score:
//
//	score = semanticWeight*cos(q,e) + lexicalWeight*bm25_norm + importanceWeight*(importance/10) - timeWeight*age_hours/timeDecayHours
//
// An empty query degrades to lexical weight zero; it is not embedded
// either, so the dense term is zero and ranking falls to importance and
// recency. Results are deduped so
// an event already covered by a returned chunk is not also returned
// standalone, and the result list is truncated to policy.MaxContextChars.
// Ties in score are broken by newer created_at, then by larger id.
func (r *Retriever) Retrieve(ctx context.Context, sessionID, query string, policy config.MemoryPolicyConfig) ([]ScoredMemory, error) {
	if !policy.Enabled {
		return nil, nil
	}

	var queryVec []float32
	lexicalWeight := policy.LexicalWeight
	if query != "" {
		vec, err := r.embedder.Embed(query)
		if err != nil {
			return nil, errs.Wrap(errs.KindEmbeddingFailed, "failed to embed query", err)
		}
		queryVec = vec
	} else {
		lexicalWeight = 0
	}

	events, err := r.store.EventsInSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	chunks, err := r.store.ChunksInSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	lexicalScores := map[string]float64{}
	if query != "" {
		hits, err := r.store.LexicalSearch(ctx, sessionID, query, 200)
		if err != nil {
			return nil, err
		}
		lexicalScores = normalizeLexicalHits(hits)
	}

	decayHours := policy.TimeDecayHours
	if decayHours <= 0 {
		decayHours = 48
	}
	now := time.Now()

	type scoredID struct {
		ScoredMemory
		id string
	}
	var candidates []scoredID
	for _, e := range events {
		if queryVec != nil && isNaNVector(e.Embedding) {
			continue
		}
		dense := 0.0
		if queryVec != nil {
			dense = cosineSimilarity(queryVec, e.Embedding)
		}
		lex := lexicalScores[e.ID]
		score := compositeScore(dense, lex, e.Importance, now, e.CreatedAt, policy, lexicalWeight, decayHours)
		candidates = append(candidates, scoredID{
			ScoredMemory: ScoredMemory{EventID: e.ID, SessionID: sessionID, Role: e.Role, Text: e.Text, CreatedAt: e.CreatedAt, Score: score},
			id:           e.ID,
		})
	}
	for _, c := range chunks {
		if queryVec != nil && isNaNVector(c.Embedding) {
			continue
		}
		dense := 0.0
		if queryVec != nil {
			dense = cosineSimilarity(queryVec, c.Embedding)
		}
		lex := lexicalScores[c.ID]
		score := compositeScore(dense, lex, c.Importance, now, c.CreatedAt, policy, lexicalWeight, decayHours)
		candidates = append(candidates, scoredID{
			ScoredMemory: ScoredMemory{ChunkID: c.ID, SessionID: sessionID, Role: RoleSystem, Text: c.Text, CreatedAt: c.CreatedAt, Score: score},
			id:           c.ID,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.id > b.id
	})

	scoredOnly := make([]ScoredMemory, len(candidates))
	for i, c := range candidates {
		scoredOnly[i] = c.ScoredMemory
	}
	covered := coveredEventIDs(events, chunks, scoredOnly)
	topK := policy.TopK
	if topK <= 0 {
		topK = 6
	}

	var results []ScoredMemory
	charBudget := policy.MaxContextChars
	if charBudget <= 0 {
		charBudget = 4000
	}
	used := 0
	for _, c := range scoredOnly {
		if len(results) >= topK {
			break
		}
		if c.EventID != "" && covered[c.EventID] {
			continue
		}
		if used+len(c.Text) > charBudget && len(results) > 0 {
			continue
		}
		results = append(results, c)
		used += len(c.Text)
	}

	return results, nil
}

// compositeScore is the retrieval ranking function: dense similarity
// plus normalized lexical rank plus importance, minus a linear recency
// penalty scaled by the policy's time-decay horizon.
func compositeScore(dense, lexical float64, importance int, now, createdAt time.Time, policy config.MemoryPolicyConfig, lexicalWeight, decayHours float64) float64 {
	ageHours := now.Sub(createdAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	return policy.SemanticWeight*dense +
		lexicalWeight*lexical +
		policy.ImportanceWeight*(float64(importance)/10.0) -
		policy.TimeWeight*(ageHours/decayHours)
}

// normalizeLexicalHits maps FTS5 bm25 ranks (lower/more negative is
// better, unbounded) onto a [0, 1] scale via min-max normalization over
// the hit set, so it can be combined with cosine similarity.
func normalizeLexicalHits(hits []lexicalHit) map[string]float64 {
	scores := map[string]float64{}
	if len(hits) == 0 {
		return scores
	}
	minRank, maxRank := hits[0].Rank, hits[0].Rank
	for _, h := range hits {
		if h.Rank < minRank {
			minRank = h.Rank
		}
		if h.Rank > maxRank {
			maxRank = h.Rank
		}
	}
	spread := maxRank - minRank
	for _, h := range hits {
		if spread == 0 {
			scores[h.RefID] = 1.0
			continue
		}
		// bm25 is more negative for better matches; invert so best -> 1.
		scores[h.RefID] = 1.0 - (h.Rank-minRank)/spread
	}
	return scores
}

// coveredEventIDs returns the set of event ids that fall within any
// chunk that made it into the candidate list, so the dedup pass in
// Retrieve can drop standalone events already summarized.
func coveredEventIDs(events []*MemoryEvent, chunks []*SemanticChunk, candidates []ScoredMemory) map[string]bool {
	included := map[string]bool{}
	for _, c := range candidates {
		if c.ChunkID != "" {
			included[c.ChunkID] = true
		}
	}

	position := map[string]int{}
	for i, e := range events {
		position[e.ID] = i
	}

	covered := map[string]bool{}
	for _, c := range chunks {
		if !included[c.ID] {
			continue
		}
		start, ok1 := position[c.FirstEventID]
		end, ok2 := position[c.LastEventID]
		if !ok1 || !ok2 {
			continue
		}
		for i := start; i <= end && i < len(events); i++ {
			covered[events[i].ID] = true
		}
	}
	return covered
}
