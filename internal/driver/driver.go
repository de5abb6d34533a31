// Package driver loads and caches the declarative driver definitions that
// describe what documents, checklist items, signals and gates one settlement
// domain requires. Definitions are versioned, immutable artifacts: a new
// version is a new catalog entry, never an in-place change.
package driver

import (
	"fmt"

	"envelope-engine/internal/gate"
)

// ChecklistItemKind distinguishes how a checklist item is satisfied.
type ChecklistItemKind string

const (
	KindDocument     ChecklistItemKind = "document"
	KindPayloadField ChecklistItemKind = "payload_field"
	KindSignal       ChecklistItemKind = "signal"
	KindAttestation  ChecklistItemKind = "attestation"
)

func (k ChecklistItemKind) Valid() bool {
	switch k {
	case KindDocument, KindPayloadField, KindSignal, KindAttestation:
		return true
	}
	return false
}

// RequiresUpload reports whether items of this kind go through the uploaded
// stage; other kinds jump straight to accepted once their fact holds.
func (k ChecklistItemKind) RequiresUpload() bool {
	return k == KindDocument
}

// ReviewMode controls whether an uploaded document needs human review.
type ReviewMode string

const (
	ReviewNone     ReviewMode = "none"
	ReviewOptional ReviewMode = "optional"
	ReviewRequired ReviewMode = "required"
)

func (m ReviewMode) Valid() bool {
	switch m {
	case ReviewNone, ReviewOptional, ReviewRequired:
		return true
	}
	return false
}

func (m ReviewMode) RequiresReview() bool {
	return m == ReviewRequired
}

// SignalSource records who asserts a signal's value.
type SignalSource string

const (
	SourceHost     SignalSource = "host"
	SourceManual   SignalSource = "manual"
	SourceExternal SignalSource = "external"
)

// Driver is one versioned definition, immutable once loaded.
type Driver struct {
	ID          string
	Version     string
	Title       string
	Description string
	Domain      string

	SchemaID      string
	SchemaFormat  string
	InlineSchema  map[string]any
	StorageMode   string
	PatchStrategy string

	// schemaURI points at an external schema file resolved at load time.
	schemaURI string

	Documents []DocumentType
	Checklist []ChecklistTemplateItem
	Signals   []SignalDefinition
	Gates     []Gate
}

// DocumentType constrains uploads for one doc type.
type DocumentType struct {
	Type         string
	Title        string
	AllowedMimes []string
	MaxSizeMB    int
	Multiple     bool
}

func (d DocumentType) AllowsMime(mime string) bool {
	for _, allowed := range d.AllowedMimes {
		if allowed == mime {
			return true
		}
	}
	return false
}

// ChecklistTemplateItem is the template an envelope's checklist items are
// created from.
type ChecklistTemplateItem struct {
	Key             string
	Label           string
	Kind            ChecklistItemKind
	DocType         string
	PayloadPointer  string
	AttestationType string
	SignalKey       string
	Required        bool
	Review          ReviewMode
}

// SignalDefinition declares an externally asserted fact and its default.
type SignalDefinition struct {
	Key            string
	Type           string
	Source         SignalSource
	Default        bool
	Required       bool
	Category       string // integration (system may set) or decision (reviewer only)
	SystemSettable bool
}

// Gate pairs a key with its compiled rule.
type Gate struct {
	Key  string
	Rule string

	compiled *gate.Rule
}

// Compiled returns the rule AST built at load time.
func (g Gate) Compiled() *gate.Rule {
	return g.compiled
}

// Key returns the canonical id@version form.
func (d *Driver) Key() string {
	return d.ID + "@" + d.Version
}

// DocumentTypeFor looks up a document registry entry; nil when the type is
// not part of this driver.
func (d *Driver) DocumentTypeFor(docType string) *DocumentType {
	for i := range d.Documents {
		if d.Documents[i].Type == docType {
			return &d.Documents[i]
		}
	}
	return nil
}

// SignalDefinitionFor looks up a declared signal; nil for unknown keys.
func (d *Driver) SignalDefinitionFor(key string) *SignalDefinition {
	for i := range d.Signals {
		if d.Signals[i].Key == key {
			return &d.Signals[i]
		}
	}
	return nil
}

// CompiledGates returns the gates' rules in declaration order.
func (d *Driver) CompiledGates() []*gate.Rule {
	rules := make([]*gate.Rule, len(d.Gates))
	for i := range d.Gates {
		rules[i] = d.Gates[i].compiled
	}
	return rules
}

// NotFoundError reports a missing (id, version) definition.
type NotFoundError struct {
	ID      string
	Version string
}

func (e *NotFoundError) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("driver not found: %s", e.ID)
	}
	return fmt.Sprintf("driver not found: %s@%s", e.ID, e.Version)
}

// InvalidError reports a definition that exists but cannot be used.
type InvalidError struct {
	ID     string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid driver %s: %s", e.ID, e.Reason)
}
