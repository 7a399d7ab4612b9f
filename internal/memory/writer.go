package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ods-labs/agentrt/internal/errs"
	"github.com/xeipuuv/gojsonschema"
)

// ExtractionSchema constrains the structured extraction the
// memory-extractor agent produces after every saved turn: salient
// entities, typed relations, profile facts, and an importance score.
// The pipeline hands this schema to the scheduler as the extractor's
// output grammar, and ParseExtraction validates against it again before
// anything reaches the store.
const ExtractionSchema = `{
  "type": "object",
  "properties": {
    "importance": {"type": "integer", "minimum": 1, "maximum": 10},
    "keywords": {"type": "array", "items": {"type": "string"}},
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "type": {"type": "string"}
        },
        "required": ["name"]
      }
    },
    "relations": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "source": {"type": "string"},
          "relation": {"type": "string"},
          "target": {"type": "string"},
          "weight": {"type": "number", "minimum": 0}
        },
        "required": ["source", "relation", "target"]
      }
    },
    "profile_updates": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "key": {"type": "string"},
          "value": {"type": "string"},
          "importance": {"type": "integer", "minimum": 1, "maximum": 10}
        },
        "required": ["key", "value"]
      }
    }
  }
}`

var extractionSchemaLoader = gojsonschema.NewStringLoader(ExtractionSchema)

// ExtractedEntity is one named entity pulled out of a turn.
type ExtractedEntity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ExtractedRelation is one typed relation pulled out of a turn,
// referencing entities by name (resolved to ids during Write). Weight
// is the model's hint for the edge weight; zero means unhinted.
type ExtractedRelation struct {
	Source   string  `json:"source"`
	Relation string  `json:"relation"`
	Target   string  `json:"target"`
	Weight   float64 `json:"weight"`
}

// ExtractedProfileUpdate is one long-lived fact about the user.
type ExtractedProfileUpdate struct {
	Key        string `json:"key"`
	Value      string `json:"value"`
	Importance int    `json:"importance"`
}

// Extraction is the model's structured analysis of a turn, produced
// alongside (or immediately after) its conversational reply.
type Extraction struct {
	Importance     int                      `json:"importance"`
	Keywords       []string                 `json:"keywords"`
	Entities       []ExtractedEntity        `json:"entities"`
	Relations      []ExtractedRelation      `json:"relations"`
	ProfileUpdates []ExtractedProfileUpdate `json:"profile_updates"`
}

// ParseExtraction validates raw JSON against the extraction schema and
// decodes it. A schema violation is reported as GrammarTerminated,
// since it means the model didn't honor its constrained output
// contract.
func ParseExtraction(raw string) (*Extraction, error) {
	if raw == "" {
		return &Extraction{Importance: 5}, nil
	}

	result, err := gojsonschema.Validate(extractionSchemaLoader, gojsonschema.NewStringLoader(raw))
	if err != nil {
		return nil, errs.Wrap(errs.KindGrammarTerminated, "failed to validate extraction output", err)
	}
	if !result.Valid() {
		return nil, errs.New(errs.KindGrammarTerminated, fmt.Sprintf("extraction output violated schema: %v", result.Errors()))
	}

	var e Extraction
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, errs.Wrap(errs.KindGrammarTerminated, "failed to decode extraction output", err)
	}
	if e.Importance == 0 {
		e.Importance = 5
	}
	return &e, nil
}

// Writer turns one completed conversational turn into durable events, graph updates, and
// profile updates, all inside a single transaction.
type Writer struct {
	store    *Store
	graph    *Graph
	embedder EmbeddingProvider
}

// NewWriter builds a Writer over store and graph, embedding event text
// with embedder before persisting.
func NewWriter(store *Store, graph *Graph, embedder EmbeddingProvider) *Writer {
	return &Writer{store: store, graph: graph, embedder: embedder}
}

// WriteTurn persists the user and assistant events for one turn plus
// everything extraction derived from them: entity mentions and their
// co-occurrence edges, explicit typed relations, and profile updates.
// A relation naming an entity extraction didn't also list as a mention
// is skipped rather than failing the whole turn, since partial
// extraction is expected from a non-deterministic model.
func (w *Writer) WriteTurn(ctx context.Context, sessionID, userText, assistantText string, extraction *Extraction) error {
	if extraction == nil {
		extraction = &Extraction{Importance: 5}
	}

	userVec, err := w.embedder.Embed(userText)
	if err != nil {
		return errs.Wrap(errs.KindEmbeddingFailed, "failed to embed user turn", err)
	}
	assistantVec, err := w.embedder.Embed(assistantText)
	if err != nil {
		return errs.Wrap(errs.KindEmbeddingFailed, "failed to embed assistant turn", err)
	}

	return w.store.WithTx(ctx, func(tx *sql.Tx) error {
		userEvent := &MemoryEvent{
			SessionID: sessionID, Role: RoleUser, Text: userText,
			Importance: extraction.Importance, Embedding: userVec, Keywords: extraction.Keywords,
		}
		if err := w.store.InsertEvent(tx, userEvent); err != nil {
			return err
		}

		assistantEvent := &MemoryEvent{
			SessionID: sessionID, Role: RoleAssistant, Text: assistantText,
			Importance: extraction.Importance, Embedding: assistantVec,
		}
		if err := w.store.InsertEvent(tx, assistantEvent); err != nil {
			return err
		}

		names := make([]string, 0, len(extraction.Entities))
		types := map[string]string{}
		for _, e := range extraction.Entities {
			if e.Name == "" {
				continue
			}
			names = append(names, e.Name)
			types[e.Name] = e.Type
		}

		entities, err := w.graph.RecordMentions(tx, sessionID, names, types, extraction.Importance)
		if err != nil {
			return err
		}

		byName := map[string]*Entity{}
		for _, e := range entities {
			byName[e.Name] = e
		}

		for _, rel := range extraction.Relations {
			src, ok1 := byName[rel.Source]
			dst, ok2 := byName[rel.Target]
			if !ok1 || !ok2 || rel.Relation == "" {
				continue
			}
			if err := w.graph.AddRelation(tx, src.ID, rel.Relation, dst.ID, rel.Weight); err != nil {
				return err
			}
		}

		for _, p := range extraction.ProfileUpdates {
			if p.Key == "" {
				continue
			}
			importance := p.Importance
			if importance == 0 {
				importance = extraction.Importance
			}
			entry := &ProfileEntry{SessionID: sessionID, Key: p.Key, Value: p.Value, Importance: importance}
			if err := w.store.UpsertProfile(tx, entry); err != nil {
				return err
			}
		}

		return nil
	})
}
