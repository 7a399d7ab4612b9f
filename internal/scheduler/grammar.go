package scheduler

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Grammar constrains a request's output to a JSON Schema. True token-level
// constrained sampling requires hooking the model's logit processor,
// which is out of reach without a real inference kernel; instead the
// scheduler validates the completed reply against the schema and
// reports GrammarTerminated when it doesn't conform, which preserves the
// externally observable contract (a schema violation never reaches the
// caller silently).
type Grammar struct {
	schema string
	loader gojsonschema.JSONLoader
}

// NewGrammar compiles a JSON Schema document into a Grammar.
func NewGrammar(schema string) *Grammar {
	return &Grammar{schema: schema, loader: gojsonschema.NewStringLoader(schema)}
}

// Validate reports whether output conforms to the grammar's schema.
func (g *Grammar) Validate(output string) error {
	result, err := gojsonschema.Validate(g.loader, gojsonschema.NewStringLoader(output))
	if err != nil {
		return fmt.Errorf("grammar output is not valid JSON: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("grammar violation: %v", result.Errors())
	}
	return nil
}
