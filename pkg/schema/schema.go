// Package schema defines the validation capability used to gate command
// input, event payloads and folded aggregate state. Schemas are
// optional everywhere; a nil Validator accepts any document.
package schema

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Validator checks a schemaless document.
type Validator interface {
	// Validate returns the outcome for the given document. It never
	// returns nil.
	Validate(doc map[string]any) *Result
}

// FieldError describes a single validation failure.
type FieldError struct {
	// Field locates the offending value (JSON-pointer-ish, e.g.
	// "balance" or "(root)").
	Field string `json:"field"`

	// Description says what is wrong with it.
	Description string `json:"description"`
}

// Result is the outcome of a validation.
type Result struct {
	Valid  bool
	Errors []FieldError
}

// OK returns a passing result.
func OK() *Result {
	return &Result{Valid: true}
}

// Fail returns a failing result with the given errors.
func Fail(errs ...FieldError) *Result {
	return &Result{Valid: false, Errors: errs}
}

// Explain renders the result as a machine-readable payload suitable for
// attaching to validation errors.
func (r *Result) Explain() map[string]any {
	errs := make([]any, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, map[string]any{
			"field":       e.Field,
			"description": e.Description,
		})
	}
	return map[string]any{"errors": errs}
}

// Func adapts a plain function to the Validator interface.
type Func func(doc map[string]any) *Result

// Validate calls f.
func (f Func) Validate(doc map[string]any) *Result {
	return f(doc)
}

// JSONSchema validates documents against a compiled JSON Schema.
type JSONSchema struct {
	compiled *gojsonschema.Schema
}

var _ Validator = (*JSONSchema)(nil)

// NewJSON compiles a JSON Schema given as a plain document.
func NewJSON(doc map[string]any) (*JSONSchema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &JSONSchema{compiled: compiled}, nil
}

// MustJSON compiles a JSON Schema and panics on error. Intended for
// schema literals in registration code, where a bad schema is a
// programming error.
func MustJSON(doc map[string]any) *JSONSchema {
	s, err := NewJSON(doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks the document against the compiled schema.
func (s *JSONSchema) Validate(doc map[string]any) *Result {
	res, err := s.compiled.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return Fail(FieldError{Field: "(root)", Description: err.Error()})
	}
	if res.Valid() {
		return OK()
	}
	out := &Result{Valid: false}
	for _, e := range res.Errors() {
		out.Errors = append(out.Errors, FieldError{
			Field:       e.Field(),
			Description: e.Description(),
		})
	}
	return out
}

// Check runs a possibly-nil validator over a document. A nil validator
// accepts everything.
func Check(v Validator, doc map[string]any) *Result {
	if v == nil {
		return OK()
	}
	return v.Validate(doc)
}
