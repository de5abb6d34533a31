package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Violation is one schema failure, addressed by an instance pointer.
type Violation struct {
	Pointer string
	Message string
}

// ValidationError reports a payload that failed its driver schema. The
// violation list is structured so callers can build field-level messages.
type ValidationError struct {
	SchemaID   string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payload failed schema %q: %d violation(s)", e.SchemaID, len(e.Violations))
}

// Validator compiles and caches JSON Schemas keyed by schema id. Safe for
// concurrent use; batch gate recomputation validates many envelopes against
// one shared Validator.
type Validator struct {
	printer *message.Printer

	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewValidator() *Validator {
	return &Validator{
		printer: message.NewPrinter(language.English),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Validate checks the payload against the supplied inline schema document.
// A nil schema means the driver carries no schema and validation passes
// trivially. On failure it returns a ValidationError carrying every
// violation; the payload is never partially accepted.
func (v *Validator) Validate(doc map[string]any, schemaID string, inlineSchema map[string]any) error {
	if inlineSchema == nil {
		return nil
	}

	schema, err := v.compile(schemaID, inlineSchema)
	if err != nil {
		return err
	}

	// Round-trip through JSON so the instance uses the value shapes the
	// validator expects regardless of how the payload was produced.
	instance, err := normalize(doc)
	if err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}

	err = schema.Validate(instance)
	if err == nil {
		return nil
	}

	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err
	}

	return &ValidationError{
		SchemaID:   schemaID,
		Violations: flatten(ve, v.printer),
	}
}

func (v *Validator) compile(schemaID string, inlineSchema map[string]any) (*jsonschema.Schema, error) {
	v.mu.RLock()
	schema, ok := v.schemas[schemaID]
	v.mu.RUnlock()
	if ok {
		return schema, nil
	}

	raw, err := json.Marshal(inlineSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %q: %w", schemaID, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema %q: %w", schemaID, err)
	}

	url := "envelope:///" + schemaID + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("register schema %q: %w", schemaID, err)
	}
	schema, err = compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", schemaID, err)
	}

	v.mu.Lock()
	// Two racing compiles produce equivalent schemas; keep the first.
	if cached, ok := v.schemas[schemaID]; ok {
		schema = cached
	} else {
		v.schemas[schemaID] = schema
	}
	v.mu.Unlock()
	return schema, nil
}

func normalize(doc map[string]any) (any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

// flatten walks the validation error tree collecting leaf causes.
func flatten(ve *jsonschema.ValidationError, printer *message.Printer) []Violation {
	if len(ve.Causes) == 0 {
		return []Violation{{
			Pointer: "/" + strings.Join(ve.InstanceLocation, "/"),
			Message: ve.ErrorKind.LocalizedString(printer),
		}}
	}

	var out []Violation
	for _, cause := range ve.Causes {
		out = append(out, flatten(cause, printer)...)
	}
	return out
}
