// Package memory implements the persistent, semantically indexed
// episodic/semantic memory store: events, chunks, the entity/relation
// graph, the user profile, and hybrid retrieval over all of them.
package memory

import "time"

// Role tags a MemoryEvent's speaker.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Session is a conversation thread. At most one session is marked active
// per process at a time; operations default to it.
type Session struct {
	ID        string
	User      string
	CreatedAt time.Time
	Active    bool
}

// MemoryEvent is one conversational turn fragment, created by MemoryWriter
// and never mutated thereafter. Events within a session are totally
// ordered by (CreatedAt, ID).
type MemoryEvent struct {
	ID         string
	SessionID  string
	Role       Role
	Text       string
	CreatedAt  time.Time
	Importance int // 1-10
	Embedding  []float32
	Keywords   []string
}

// SemanticChunk is a summary aggregating N consecutive events. The
// covered range is contiguous and disjoint from any other chunk in the
// same session.
type SemanticChunk struct {
	ID           string
	SessionID    string
	Text         string
	Summary      string
	FirstEventID string
	LastEventID  string
	CreatedAt    time.Time
	Importance   int
	Embedding    []float32
}

// Entity is a node in the knowledge graph, unique by (session, name).
// MentionCount is monotonically non-decreasing.
type Entity struct {
	ID           string
	SessionID    string
	Name         string
	Type         string
	FirstSeen    time.Time
	MentionCount int
}

// Edge is a directed labeled relation between two entities. The natural
// key is (SourceID, Relation, TargetID); Weight accumulates across
// co-occurrences, clamped to the policy's bounds.
type Edge struct {
	SourceID  string
	Relation  string
	TargetID  string
	Weight    float64
	UpdatedAt time.Time
}

// CoOccursRelation is the literal relation label for co-occurrence edges.
const CoOccursRelation = "co_occurs_with"

// ProfileEntry is one key/value pair in a session's long-lived user
// profile.
type ProfileEntry struct {
	SessionID  string
	Key        string
	Value      string
	Importance int
	UpdatedAt  time.Time
}

// ScoredMemory is a retrieval result: either an event or a chunk, plus
// the composite score that ranked it.
type ScoredMemory struct {
	EventID   string // empty if this result is a chunk
	ChunkID   string // empty if this result is an event
	SessionID string
	Role      Role // RoleSystem for chunks (no single speaker)
	Text      string
	CreatedAt time.Time
	Score     float64
}

// IsChunk reports whether this scored memory is a semantic chunk rather
// than a raw event.
func (s ScoredMemory) IsChunk() bool { return s.ChunkID != "" }
