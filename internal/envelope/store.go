package envelope

import (
	"context"

	"github.com/google/uuid"
)

// Store persists envelope aggregates and their satellite records. Envelope
// writes carry an expected revision: implementations must reject stale
// writes with sentinel.ErrConflict so concurrent mutations serialize or fail
// loudly instead of silently losing updates.
type Store interface {
	CreateEnvelope(ctx context.Context, env *Envelope, items []ChecklistItem, signals []Signal) error
	GetEnvelope(ctx context.Context, id uuid.UUID) (*Envelope, error)
	// UpdateEnvelope commits env iff the stored revision equals
	// expectedRev, then bumps env.Rev to expectedRev+1.
	UpdateEnvelope(ctx context.Context, env *Envelope, expectedRev int64) error

	ListChecklistItems(ctx context.Context, envelopeID uuid.UUID) ([]ChecklistItem, error)
	UpdateChecklistItem(ctx context.Context, item *ChecklistItem) error

	AddAttachment(ctx context.Context, att *Attachment) error
	GetAttachment(ctx context.Context, id uuid.UUID) (*Attachment, error)
	UpdateAttachment(ctx context.Context, att *Attachment) error
	ListAttachments(ctx context.Context, envelopeID uuid.UUID) ([]Attachment, error)
	// LatestAttachment returns the most recent attachment for a doc type,
	// nil when none exists.
	LatestAttachment(ctx context.Context, envelopeID uuid.UUID, docType string) (*Attachment, error)

	UpsertSignal(ctx context.Context, sig *Signal) error
	ListSignals(ctx context.Context, envelopeID uuid.UUID) ([]Signal, error)

	AddPayloadVersion(ctx context.Context, pv *PayloadVersion) error
	ListPayloadVersions(ctx context.Context, envelopeID uuid.UUID) ([]PayloadVersion, error)

	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, envelopeID uuid.UUID) ([]AuditEntry, error)
}
