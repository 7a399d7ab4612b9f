package memory

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/ods-labs/agentrt/internal/errs"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Store is the transactional row/blob persistence layer: sessions, events, chunks, entities, edges, profile, plus a lexical FTS5
// index, all in one SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens the store at path. connectTimeout bounds connection setup
// and doubles as the busy timeout for contended writes; autoMigrate
// gates schema creation/upgrade, so a store opened with it off must
// already carry a compatible schema.
func Open(path string, maxConns int, connectTimeout time.Duration, enableWAL, autoMigrate bool) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// modernc.org/sqlite serializes internally; a small connection
	// count avoids SQLITE_BUSY storms.
	if maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)

	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindStoreFailed, "failed to connect to store", err)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", connectTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON",
	}
	if enableWAL {
		pragmas = append([]string{"PRAGMA journal_mode=WAL"}, pragmas...)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", p, err)
		}
	}

	if autoMigrate {
		if _, err := db.Exec(schemaSQL); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute schema: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.checkSchemaVersion(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) checkSchemaVersion() error {
	var version int
	if err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		// With auto-migrate off, an uninitialized store lands here.
		return errs.Wrap(errs.KindStoreFailed, "failed to read schema version (store not migrated?)", err)
	}
	if version > currentSchemaVersion {
		return errs.New(errs.KindSchemaIncompatible,
			fmt.Sprintf("store schema version %d is newer than supported version %d; downgrade refused", version, currentSchemaVersion))
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw *sql.DB as an escape hatch for inspection.
func (s *Store) DB() *sql.DB { return s.db }

// WithTx runs fn inside a single SQLite transaction, committing on
// success and rolling back on any error. Multi-row writes (a new event
// plus derived edges) run through this in one transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.KindStoreFailed, "failed to begin transaction", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindStoreFailed, "failed to commit transaction", err)
	}
	return nil
}

// ================================================
// Sessions
// ================================================

// CreateSession inserts a new session. If makeActive is set, every other
// session is deactivated first so at most one session is active at a
// time.
func (s *Store) CreateSession(ctx context.Context, user string, makeActive bool) (*Session, error) {
	sess := &Session{
		ID:        uuid.New().String(),
		User:      user,
		CreatedAt: time.Now(),
		Active:    makeActive,
	}

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if makeActive {
			if _, err := tx.Exec(`UPDATE sessions SET active = 0`); err != nil {
				return fmt.Errorf("failed to deactivate sessions: %w", err)
			}
		}
		_, err := tx.Exec(
			`INSERT INTO sessions (id, user, created_at, active) VALUES (?, ?, ?, ?)`,
			sess.ID, sess.User, sess.CreatedAt, boolToInt(sess.Active),
		)
		return err
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreFailed, "failed to create session", err)
	}
	return sess, nil
}

// GetActiveSession returns the process's active session, or nil if none
// exists yet; the first turn creates one implicitly.
func (s *Store) GetActiveSession(ctx context.Context) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user, created_at, active FROM sessions WHERE active = 1 LIMIT 1`)
	var sess Session
	var active int
	err := row.Scan(&sess.ID, &sess.User, &sess.CreatedAt, &active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreFailed, "failed to load active session", err)
	}
	sess.Active = intToBool(active)
	return &sess, nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user, created_at, active FROM sessions WHERE id = ?`, id)
	var sess Session
	var active int
	err := row.Scan(&sess.ID, &sess.User, &sess.CreatedAt, &active)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindInvalidInput, fmt.Sprintf("session not found: %s", id))
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreFailed, "failed to load session", err)
	}
	sess.Active = intToBool(active)
	return &sess, nil
}

// ================================================
// Memory events
// ================================================

// InsertEvent inserts a new, immutable memory event inside tx.
func (s *Store) InsertEvent(tx *sql.Tx, e *MemoryEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Text == "" {
		return errs.New(errs.KindInvalidInput, "event text must not be empty")
	}

	keywordsJSON, err := json.Marshal(e.Keywords)
	if err != nil {
		return fmt.Errorf("failed to marshal keywords: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO memory_events (id, session_id, role, text, created_at, importance, embedding_blob, keywords_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, string(e.Role), e.Text, e.CreatedAt, e.Importance, encodeEmbedding(e.Embedding), string(keywordsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO lexical_index (ref_id, kind, session_id, body) VALUES (?, 'event', ?, ?)`,
		e.ID, e.SessionID, e.Text,
	)
	return err
}

// EventsInSession returns every event for a session, in the
// (created_at, id) total order.
func (s *Store) EventsInSession(ctx context.Context, sessionID string) ([]*MemoryEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, text, created_at, importance, embedding_blob, keywords_json
		 FROM memory_events WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreFailed, "failed to query events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsAfter returns events in a session created strictly after afterID
// (by ordering position), used to find the uncovered window for the
// summarizer.
func (s *Store) EventsAfter(ctx context.Context, sessionID, afterID string) ([]*MemoryEvent, error) {
	events, err := s.EventsInSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if afterID == "" {
		return events, nil
	}
	for i, e := range events {
		if e.ID == afterID {
			return events[i+1:], nil
		}
	}
	return events, nil
}

func scanEvents(rows *sql.Rows) ([]*MemoryEvent, error) {
	var events []*MemoryEvent
	for rows.Next() {
		e := &MemoryEvent{}
		var role string
		var embeddingBlob []byte
		var keywordsJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &role, &e.Text, &e.CreatedAt, &e.Importance, &embeddingBlob, &keywordsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Role = Role(role)
		emb, err := decodeEmbedding(embeddingBlob)
		if err != nil {
			return nil, err
		}
		e.Embedding = emb
		if keywordsJSON.Valid && keywordsJSON.String != "" {
			json.Unmarshal([]byte(keywordsJSON.String), &e.Keywords)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ================================================
// Semantic chunks
// ================================================

// InsertChunk atomically inserts a chunk covering [firstEventID,
// lastEventID]. Callers must ensure no overlap with existing chunks;
// covered ranges stay disjoint within a session.
func (s *Store) InsertChunk(tx *sql.Tx, c *SemanticChunk) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	_, err := tx.Exec(
		`INSERT INTO semantic_chunks (id, session_id, text, summary, first_event_id, last_event_id, created_at, importance, embedding_blob)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.Text, c.Summary, c.FirstEventID, c.LastEventID, c.CreatedAt, c.Importance, encodeEmbedding(c.Embedding),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO lexical_index (ref_id, kind, session_id, body) VALUES (?, 'chunk', ?, ?)`,
		c.ID, c.SessionID, c.Text,
	)
	return err
}

// ChunksInSession returns every semantic chunk for a session, ordered by
// creation time.
func (s *Store) ChunksInSession(ctx context.Context, sessionID string) ([]*SemanticChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, text, summary, first_event_id, last_event_id, created_at, importance, embedding_blob
		 FROM semantic_chunks WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreFailed, "failed to query chunks", err)
	}
	defer rows.Close()

	var chunks []*SemanticChunk
	for rows.Next() {
		c := &SemanticChunk{}
		var embeddingBlob []byte
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Text, &c.Summary, &c.FirstEventID, &c.LastEventID, &c.CreatedAt, &c.Importance, &embeddingBlob); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		emb, err := decodeEmbedding(embeddingBlob)
		if err != nil {
			return nil, err
		}
		c.Embedding = emb
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// LastCoveredEventID returns the id of the last event covered by any
// chunk in the session, or "" if no chunk exists yet.
func (s *Store) LastCoveredEventID(ctx context.Context, sessionID string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_event_id FROM semantic_chunks WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`, sessionID)
	var id string
	err := row.Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errs.Wrap(errs.KindStoreFailed, "failed to load last covered event", err)
	}
	return id, nil
}

// ================================================
// Entities & edges (MemoryGraph)
// ================================================

// UpsertEntity inserts an entity if absent (mention_count=1), else
// increments mention_count and returns the existing id. Type is only
// set/updated when previously empty.
func (s *Store) UpsertEntity(tx *sql.Tx, sessionID, name, typ string) (*Entity, error) {
	row := tx.QueryRow(
		`SELECT id, type, mention_count, first_seen FROM entities WHERE session_id = ? AND name = ?`,
		sessionID, name)

	var id, existingType string
	var mentionCount int
	var firstSeen time.Time
	err := row.Scan(&id, &existingType, &mentionCount, &firstSeen)

	if err == sql.ErrNoRows {
		now := time.Now()
		id = uuid.New().String()
		_, err := tx.Exec(
			`INSERT INTO entities (id, session_id, name, type, first_seen, mention_count) VALUES (?, ?, ?, ?, ?, 1)`,
			id, sessionID, name, typ, now)
		if err != nil {
			return nil, fmt.Errorf("failed to insert entity: %w", err)
		}
		return &Entity{ID: id, SessionID: sessionID, Name: name, Type: typ, FirstSeen: now, MentionCount: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up entity: %w", err)
	}

	newType := existingType
	if newType == "" && typ != "" {
		newType = typ
	}
	mentionCount++
	if _, err := tx.Exec(
		`UPDATE entities SET type = ?, mention_count = ? WHERE id = ?`,
		newType, mentionCount, id,
	); err != nil {
		return nil, fmt.Errorf("failed to update entity: %w", err)
	}

	return &Entity{ID: id, SessionID: sessionID, Name: name, Type: newType, FirstSeen: firstSeen, MentionCount: mentionCount}, nil
}

// GetEntity retrieves an entity by id.
func (s *Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, name, type, first_seen, mention_count FROM entities WHERE id = ?`, id)
	e := &Entity{}
	if err := row.Scan(&e.ID, &e.SessionID, &e.Name, &e.Type, &e.FirstSeen, &e.MentionCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.KindInvalidInput, fmt.Sprintf("entity not found: %s", id))
		}
		return nil, errs.Wrap(errs.KindStoreFailed, "failed to load entity", err)
	}
	return e, nil
}

// GetEdge retrieves one edge by its natural key, or nil if absent.
func (s *Store) GetEdge(tx *sql.Tx, sourceID, relation, targetID string) (*Edge, error) {
	row := tx.QueryRow(
		`SELECT source_id, relation, target_id, weight, updated_at FROM edges
		 WHERE source_id = ? AND relation = ? AND target_id = ?`,
		sourceID, relation, targetID)
	e := &Edge{}
	err := row.Scan(&e.SourceID, &e.Relation, &e.TargetID, &e.Weight, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load edge: %w", err)
	}
	return e, nil
}

// UpsertEdge inserts or updates an edge's weight, clamped to [min, max].
// When accumulate is true and the edge exists, delta is added to the
// existing weight before clamping; otherwise the edge's weight is
// replaced outright.
func (s *Store) UpsertEdge(tx *sql.Tx, sourceID, relation, targetID string, delta, min, max float64, accumulate bool) (*Edge, error) {
	existing, err := s.GetEdge(tx, sourceID, relation, targetID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	weight := delta
	if existing != nil && accumulate {
		weight = existing.Weight + delta
	}
	weight = clamp(weight, min, max)

	_, err = tx.Exec(
		`INSERT INTO edges (source_id, relation, target_id, weight, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(source_id, relation, target_id) DO UPDATE SET weight = excluded.weight, updated_at = excluded.updated_at`,
		sourceID, relation, targetID, weight, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert edge: %w", err)
	}

	return &Edge{SourceID: sourceID, Relation: relation, TargetID: targetID, Weight: weight, UpdatedAt: now}, nil
}

// EdgesForEntity returns every edge touching entityID in either
// direction, for BFS neighbor expansion.
func (s *Store) EdgesForEntity(ctx context.Context, entityID string) ([]*Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, relation, target_id, weight, updated_at FROM edges
		 WHERE source_id = ? OR target_id = ?`, entityID, entityID)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreFailed, "failed to query edges", err)
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		e := &Edge{}
		if err := rows.Scan(&e.SourceID, &e.Relation, &e.TargetID, &e.Weight, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ================================================
// Profile
// ================================================

// UpsertProfile applies a profile update with last-writer-wins semantics,
// but never lowers importance.
func (s *Store) UpsertProfile(tx *sql.Tx, entry *ProfileEntry) error {
	existing, err := s.getProfileTx(tx, entry.SessionID, entry.Key)
	if err != nil {
		return err
	}
	importance := entry.Importance
	if existing != nil && existing.Importance > importance {
		importance = existing.Importance
	}

	_, err = tx.Exec(
		`INSERT INTO profile (session_id, key, value, importance, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, key) DO UPDATE SET value = excluded.value, importance = excluded.importance, updated_at = excluded.updated_at`,
		entry.SessionID, entry.Key, entry.Value, importance, time.Now(),
	)
	return err
}

func (s *Store) getProfileTx(tx *sql.Tx, sessionID, key string) (*ProfileEntry, error) {
	row := tx.QueryRow(
		`SELECT session_id, key, value, importance, updated_at FROM profile WHERE session_id = ? AND key = ?`,
		sessionID, key)
	p := &ProfileEntry{}
	err := row.Scan(&p.SessionID, &p.Key, &p.Value, &p.Importance, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile entry: %w", err)
	}
	return p, nil
}

// GetProfile retrieves one profile entry, or nil if unset.
func (s *Store) GetProfile(ctx context.Context, sessionID, key string) (*ProfileEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, key, value, importance, updated_at FROM profile WHERE session_id = ? AND key = ?`,
		sessionID, key)
	p := &ProfileEntry{}
	err := row.Scan(&p.SessionID, &p.Key, &p.Value, &p.Importance, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreFailed, "failed to load profile", err)
	}
	return p, nil
}

// ================================================
// Lexical search
// ================================================

// lexicalHit is one FTS5 match: a reference into memory_events or
// semantic_chunks plus its bm25 rank (more negative is a better match).
type lexicalHit struct {
	RefID string
	Kind  string
	Rank  float64
}

// LexicalSearch runs an FTS5 MATCH query over a session's lexical index,
// returning up to limit hits ordered by relevance.
func (s *Store) LexicalSearch(ctx context.Context, sessionID, query string, limit int) ([]lexicalHit, error) {
	if query == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ref_id, kind, bm25(lexical_index) FROM lexical_index
		 WHERE lexical_index MATCH ? AND session_id = ?
		 ORDER BY bm25(lexical_index) LIMIT ?`,
		ftsQuery(query), sessionID, limit)
	if err != nil {
		// A malformed FTS query (stray punctuation, etc.) degrades to no
		// lexical candidates rather than failing the whole retrieval.
		return nil, nil
	}
	defer rows.Close()

	var hits []lexicalHit
	for rows.Next() {
		var h lexicalHit
		if err := rows.Scan(&h.RefID, &h.Kind, &h.Rank); err != nil {
			return nil, fmt.Errorf("failed to scan lexical hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// ================================================
// Helpers
// ================================================

// ftsQuery turns free text into a safe FTS5 MATCH expression by quoting
// each token, so stray punctuation in user text can't break the query
// syntax.
func ftsQuery(text string) string {
	var out strings.Builder
	inToken := false
	for _, r := range text {
		isWord := unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
		if isWord {
			if !inToken {
				if out.Len() > 0 {
					out.WriteByte(' ')
				}
				out.WriteByte('"')
				inToken = true
			}
			out.WriteRune(r)
		} else if inToken {
			out.WriteByte('"')
			inToken = false
		}
	}
	if inToken {
		out.WriteByte('"')
	}
	if out.Len() == 0 {
		return `""`
	}
	return out.String()
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool { return i != 0 }

func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

// decodeEmbedding decodes a raw little-endian float32 blob. A length
// that is not a whole number of floats means the row is corrupt, which
// is fatal for the read.
func decodeEmbedding(blob []byte) ([]float32, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	if len(blob)%4 != 0 {
		return nil, errs.New(errs.KindCorruptEmbedding,
			fmt.Sprintf("embedding blob length %d is not a multiple of 4", len(blob)))
	}
	v := make([]float32, len(blob)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return v, nil
}
