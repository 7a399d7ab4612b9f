package memory

import (
	"context"
	"database/sql"
	"sort"

	"github.com/ods-labs/agentrt/internal/config"
)

// Graph is the entity/relation layer: an append-mostly
// graph of named entities connected by co-occurrence and typed edges.
type Graph struct {
	store  *Store
	policy config.MemoryPolicyConfig
}

// NewGraph builds a Graph over store, applying policy's edge-weight
// bounds and co-occurrence divisor.
func NewGraph(store *Store, policy config.MemoryPolicyConfig) *Graph {
	return &Graph{store: store, policy: policy}
}

// RecordMentions upserts every named entity mentioned in one event and
// records co-occurrence edges between every pair mentioned together, all
// inside tx so a partial write never leaves a mention without its edges.
// The weight increment for each pair is
// clamp(importance/cooccur_divisor, min_edge_weight, max_edge_weight).
func (g *Graph) RecordMentions(tx *sql.Tx, sessionID string, names []string, types map[string]string, importance int) ([]*Entity, error) {
	if len(names) == 0 {
		return nil, nil
	}

	unique := dedupeStrings(names)
	entities := make([]*Entity, 0, len(unique))
	for _, name := range unique {
		e, err := g.store.UpsertEntity(tx, sessionID, name, types[name])
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}

	divisor := g.policy.CooccurDivisor
	if divisor <= 0 {
		divisor = 1
	}
	minW, maxW := g.policy.MinEdgeWeight, g.policy.MaxEdgeWeight
	if maxW <= 0 {
		maxW = 5.0
	}
	delta := clamp(float64(importance)/divisor, minW, maxW)

	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			a, b := entities[i], entities[j]
			// Canonicalize direction to (min_id, max_id) so the unordered
			// pair always maps to one edge row.
			source, target := a.ID, b.ID
			if source > target {
				source, target = target, source
			}
			if _, err := g.store.UpsertEdge(tx, source, CoOccursRelation, target, delta, minW, maxW, g.policy.WeightAccumulation); err != nil {
				return nil, err
			}
		}
	}

	return entities, nil
}

// AddRelation records a typed, directed relation beyond co-occurrence
// (e.g. "works_at", "located_in"), as extracted by the writer's
// structured output. weight is the extraction's hint, clamped to the
// policy's edge-weight bounds; a non-positive hint falls back to 1.0.
func (g *Graph) AddRelation(tx *sql.Tx, sourceID, relation, targetID string, weight float64) error {
	minW, maxW := g.policy.MinEdgeWeight, g.policy.MaxEdgeWeight
	if maxW <= 0 {
		maxW = 5.0
	}
	if weight <= 0 {
		weight = 1.0
	}
	delta := clamp(weight, minW, maxW)
	_, err := g.store.UpsertEdge(tx, sourceID, relation, targetID, delta, minW, maxW, g.policy.WeightAccumulation)
	return err
}

// Neighbors returns entities reachable from start within maxDepth hops
// over edges at or above minWeight, breadth-first, closest first.
func (g *Graph) Neighbors(ctx context.Context, startID string, maxDepth int, minWeight float64) ([]*Entity, error) {
	if maxDepth <= 0 {
		maxDepth = 1
	}

	visited := map[string]bool{startID: true}
	frontier := []string{startID}
	var order []string

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			edges, err := g.store.EdgesForEntity(ctx, id)
			if err != nil {
				return nil, err
			}
			sort.Slice(edges, func(i, j int) bool { return edges[i].Weight > edges[j].Weight })
			for _, e := range edges {
				if e.Weight < minWeight {
					continue
				}
				other := e.TargetID
				if other == id {
					other = e.SourceID
				}
				if visited[other] {
					continue
				}
				visited[other] = true
				next = append(next, other)
				order = append(order, other)
			}
		}
		frontier = next
	}

	entities := make([]*Entity, 0, len(order))
	for _, id := range order {
		e, err := g.store.GetEntity(ctx, id)
		if err != nil {
			continue
		}
		entities = append(entities, e)
	}
	return entities, nil
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
