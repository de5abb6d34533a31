package envelope

import (
	"time"

	"github.com/google/uuid"

	"envelope-engine/internal/driver"
)

// Reference points at the business object an envelope evidences (a voucher,
// a loan application). The engine never dereferences it; resolution is the
// caller's concern.
type Reference struct {
	Kind string
	ID   string
}

// Envelope is the aggregate root for one settlement evidence package.
type Envelope struct {
	ID        uuid.UUID
	Reference Reference

	// Driver selection, immutable after creation.
	DriverID      string
	DriverVersion string

	Payload        map[string]any
	PayloadVersion int

	Status  Status
	Context map[string]any

	// GatesCache is advisory only. Authoritative gate state is always
	// recomputed from current payload/checklist/signals before a
	// transition decision.
	GatesCache map[string]bool

	// Rev is the optimistic concurrency revision; every committed
	// mutation bumps it by one.
	Rev int64

	LockedAt    *time.Time
	SettledAt   *time.Time
	CancelledAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DriverKey returns the canonical id@version form.
func (e *Envelope) DriverKey() string {
	return e.DriverID + "@" + e.DriverVersion
}

func (e *Envelope) CanEdit() bool {
	return e.Status.CanEdit()
}

// Gate reads the advisory cache; nil result means never computed.
func (e *Envelope) Gate(key string) (bool, bool) {
	v, ok := e.GatesCache[key]
	return v, ok
}

// ItemStatus is a checklist item's completion state.
type ItemStatus string

const (
	ItemMissing     ItemStatus = "missing"
	ItemUploaded    ItemStatus = "uploaded"
	ItemNeedsReview ItemStatus = "needs_review"
	ItemAccepted    ItemStatus = "accepted"
	ItemRejected    ItemStatus = "rejected"
)

// IsPending is true while the item still needs attention.
func (s ItemStatus) IsPending() bool {
	return s == ItemMissing || s == ItemUploaded || s == ItemNeedsReview
}

// ChecklistItem is one tracked requirement, created from the driver's
// template when the envelope is created.
type ChecklistItem struct {
	ID         uuid.UUID
	EnvelopeID uuid.UUID

	Key   string
	Label string
	Kind  driver.ChecklistItemKind

	// Kind-specific pointer: exactly one is meaningful per kind.
	DocType         string
	PayloadPointer  string
	AttestationType string
	SignalKey       string

	Required   bool
	ReviewMode driver.ReviewMode
	Status     ItemStatus
}

// ReviewStatus is an attachment's review outcome.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewAccepted ReviewStatus = "accepted"
	ReviewRejected ReviewStatus = "rejected"
)

// Attachment is one stored file for a doc type.
type Attachment struct {
	ID              uuid.UUID
	EnvelopeID      uuid.UUID
	ChecklistItemID *uuid.UUID

	DocType  string
	Filename string
	Path     string
	Disk     string
	MimeType string
	Size     int64
	Hash     string
	Metadata map[string]any

	UploadedBy string

	ReviewStatus    ReviewStatus
	Reviewer        string
	ReviewedAt      *time.Time
	RejectionReason string

	CreatedAt time.Time
}

// Signal is an externally asserted fact. Values are stored as strings and
// coerced at read time.
type Signal struct {
	EnvelopeID uuid.UUID
	Key        string
	Type       string
	Value      string
	Source     driver.SignalSource
	SetBy      string
	UpdatedAt  time.Time
}

// Bool coerces the stored value the same way gate evaluation does.
func (s Signal) Bool() bool {
	switch s.Value {
	case "true", "True", "TRUE", "1", "yes", "Yes", "YES":
		return true
	}
	return false
}

// PayloadVersion is one append-only payload audit row: full snapshot, the
// patch that produced it, a content hash and the actor.
type PayloadVersion struct {
	EnvelopeID uuid.UUID
	Version    int
	Snapshot   map[string]any
	Patch      map[string]any
	Hash       string
	Actor      string
	CreatedAt  time.Time
}

// AuditEntry is one append-only record of a state-changing action. Purely
// observational; never read by the evaluator.
type AuditEntry struct {
	ID         uuid.UUID
	EnvelopeID uuid.UUID
	Action     string
	Actor      string
	ActorRole  string
	Before     map[string]any
	After      map[string]any
	Metadata   map[string]any
	CreatedAt  time.Time
}
