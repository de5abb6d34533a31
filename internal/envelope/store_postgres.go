package envelope

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"envelope-engine/internal/driver"
	"envelope-engine/pkg/sentinel"
)

// Schema creates the envelope tables. Applied by deployment tooling and the
// integration tests.
const Schema = `
CREATE TABLE IF NOT EXISTS envelopes (
    id              UUID PRIMARY KEY,
    reference_kind  TEXT NOT NULL,
    reference_id    TEXT NOT NULL,
    driver_id       TEXT NOT NULL,
    driver_version  TEXT NOT NULL,
    payload         JSONB,
    payload_version INT NOT NULL DEFAULT 0,
    status          TEXT NOT NULL,
    context         JSONB,
    gates_cache     JSONB,
    rev             BIGINT NOT NULL DEFAULT 0,
    locked_at       TIMESTAMPTZ,
    settled_at      TIMESTAMPTZ,
    cancelled_at    TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS envelope_checklist_items (
    id               UUID PRIMARY KEY,
    envelope_id      UUID NOT NULL REFERENCES envelopes(id) ON DELETE CASCADE,
    key              TEXT NOT NULL,
    label            TEXT NOT NULL,
    kind             TEXT NOT NULL,
    doc_type         TEXT NOT NULL DEFAULT '',
    payload_pointer  TEXT NOT NULL DEFAULT '',
    attestation_type TEXT NOT NULL DEFAULT '',
    signal_key       TEXT NOT NULL DEFAULT '',
    required         BOOLEAN NOT NULL,
    review_mode      TEXT NOT NULL,
    status           TEXT NOT NULL,
    UNIQUE (envelope_id, key)
);

CREATE TABLE IF NOT EXISTS envelope_attachments (
    id                UUID PRIMARY KEY,
    envelope_id       UUID NOT NULL REFERENCES envelopes(id) ON DELETE CASCADE,
    checklist_item_id UUID,
    doc_type          TEXT NOT NULL,
    filename          TEXT NOT NULL,
    path              TEXT NOT NULL,
    disk              TEXT NOT NULL DEFAULT '',
    mime_type         TEXT NOT NULL,
    size              BIGINT NOT NULL,
    hash              TEXT NOT NULL,
    metadata          JSONB,
    uploaded_by       TEXT NOT NULL DEFAULT '',
    review_status     TEXT NOT NULL,
    reviewer          TEXT NOT NULL DEFAULT '',
    reviewed_at       TIMESTAMPTZ,
    rejection_reason  TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS envelope_attachments_doc_type_idx
    ON envelope_attachments (envelope_id, doc_type, created_at);

CREATE TABLE IF NOT EXISTS envelope_signals (
    envelope_id UUID NOT NULL REFERENCES envelopes(id) ON DELETE CASCADE,
    key         TEXT NOT NULL,
    type        TEXT NOT NULL DEFAULT '',
    value       TEXT NOT NULL,
    source      TEXT NOT NULL DEFAULT '',
    set_by      TEXT NOT NULL DEFAULT '',
    updated_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (envelope_id, key)
);

CREATE TABLE IF NOT EXISTS envelope_payload_versions (
    envelope_id UUID NOT NULL REFERENCES envelopes(id) ON DELETE CASCADE,
    version     INT NOT NULL,
    snapshot    JSONB,
    patch       JSONB,
    hash        TEXT NOT NULL DEFAULT '',
    actor       TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (envelope_id, version)
);

CREATE TABLE IF NOT EXISTS envelope_audit_log (
    id          UUID PRIMARY KEY,
    envelope_id UUID NOT NULL REFERENCES envelopes(id) ON DELETE CASCADE,
    action      TEXT NOT NULL,
    actor       TEXT NOT NULL DEFAULT '',
    actor_role  TEXT NOT NULL DEFAULT '',
    before      JSONB,
    after       JSONB,
    metadata    JSONB,
    created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS envelope_audit_log_envelope_idx
    ON envelope_audit_log (envelope_id, created_at);
`

// PostgresStore persists envelopes in PostgreSQL. Envelope updates are
// guarded by a revision predicate so stale writers fail with
// sentinel.ErrConflict.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed envelope store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateEnvelope(ctx context.Context, env *Envelope, items []ChecklistItem, signals []Signal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create envelope: %w", err)
	}
	defer tx.Rollback()

	payloadJSON, err := marshalJSON(env.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	contextJSON, err := marshalJSON(env.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	gatesJSON, err := marshalGates(env.GatesCache)
	if err != nil {
		return fmt.Errorf("marshal gates cache: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO envelopes (
			id, reference_kind, reference_id, driver_id, driver_version,
			payload, payload_version, status, context, gates_cache, rev,
			locked_at, settled_at, cancelled_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		env.ID, env.Reference.Kind, env.Reference.ID, env.DriverID, env.DriverVersion,
		payloadJSON, env.PayloadVersion, string(env.Status), contextJSON, gatesJSON, env.Rev,
		nullTime(env.LockedAt), nullTime(env.SettledAt), nullTime(env.CancelledAt),
		env.CreatedAt, env.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert envelope: %w", err)
	}

	for _, item := range items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO envelope_checklist_items (
				id, envelope_id, key, label, kind, doc_type, payload_pointer,
				attestation_type, signal_key, required, review_mode, status
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			item.ID, item.EnvelopeID, item.Key, item.Label, string(item.Kind),
			item.DocType, item.PayloadPointer, item.AttestationType, item.SignalKey,
			item.Required, string(item.ReviewMode), string(item.Status),
		)
		if err != nil {
			return fmt.Errorf("insert checklist item %q: %w", item.Key, err)
		}
	}

	for _, sig := range signals {
		if err := upsertSignalTx(ctx, tx, &sig); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create envelope: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEnvelope(ctx context.Context, id uuid.UUID) (*Envelope, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, reference_kind, reference_id, driver_id, driver_version,
		       payload, payload_version, status, context, gates_cache, rev,
		       locked_at, settled_at, cancelled_at, created_at, updated_at
		FROM envelopes WHERE id = $1`, id)

	env, err := scanEnvelope(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get envelope: %w", err)
	}
	return env, nil
}

func (s *PostgresStore) UpdateEnvelope(ctx context.Context, env *Envelope, expectedRev int64) error {
	payloadJSON, err := marshalJSON(env.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	contextJSON, err := marshalJSON(env.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	gatesJSON, err := marshalGates(env.GatesCache)
	if err != nil {
		return fmt.Errorf("marshal gates cache: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE envelopes SET
			payload = $1, payload_version = $2, status = $3, context = $4,
			gates_cache = $5, rev = rev + 1, locked_at = $6, settled_at = $7,
			cancelled_at = $8, updated_at = $9
		WHERE id = $10 AND rev = $11`,
		payloadJSON, env.PayloadVersion, string(env.Status), contextJSON,
		gatesJSON, nullTime(env.LockedAt), nullTime(env.SettledAt),
		nullTime(env.CancelledAt), now, env.ID, expectedRev,
	)
	if err != nil {
		return fmt.Errorf("update envelope: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update envelope: %w", err)
	}
	if affected == 0 {
		// Either the envelope is gone or another writer got there first.
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM envelopes WHERE id = $1)`, env.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update envelope: %w", err)
		}
		if !exists {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrConflict
	}

	env.Rev = expectedRev + 1
	env.UpdatedAt = now
	return nil
}

func (s *PostgresStore) ListChecklistItems(ctx context.Context, envelopeID uuid.UUID) ([]ChecklistItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, envelope_id, key, label, kind, doc_type, payload_pointer,
		       attestation_type, signal_key, required, review_mode, status
		FROM envelope_checklist_items WHERE envelope_id = $1 ORDER BY key`, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("list checklist items: %w", err)
	}
	defer rows.Close()

	var items []ChecklistItem
	for rows.Next() {
		var item ChecklistItem
		var kind, reviewMode, status string
		err := rows.Scan(&item.ID, &item.EnvelopeID, &item.Key, &item.Label, &kind,
			&item.DocType, &item.PayloadPointer, &item.AttestationType, &item.SignalKey,
			&item.Required, &reviewMode, &status)
		if err != nil {
			return nil, fmt.Errorf("scan checklist item: %w", err)
		}
		item.Kind = driver.ChecklistItemKind(kind)
		item.ReviewMode = driver.ReviewMode(reviewMode)
		item.Status = ItemStatus(status)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateChecklistItem(ctx context.Context, item *ChecklistItem) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE envelope_checklist_items SET status = $1 WHERE id = $2`,
		string(item.Status), item.ID)
	if err != nil {
		return fmt.Errorf("update checklist item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update checklist item: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AddAttachment(ctx context.Context, att *Attachment) error {
	metadataJSON, err := marshalJSON(att.Metadata)
	if err != nil {
		return fmt.Errorf("marshal attachment metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO envelope_attachments (
			id, envelope_id, checklist_item_id, doc_type, filename, path, disk,
			mime_type, size, hash, metadata, uploaded_by, review_status,
			reviewer, reviewed_at, rejection_reason, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		att.ID, att.EnvelopeID, nullUUID(att.ChecklistItemID), att.DocType,
		att.Filename, att.Path, att.Disk, att.MimeType, att.Size, att.Hash,
		metadataJSON, att.UploadedBy, string(att.ReviewStatus), att.Reviewer,
		nullTime(att.ReviewedAt), att.RejectionReason, att.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, id uuid.UUID) (*Attachment, error) {
	row := s.db.QueryRowContext(ctx, attachmentColumns+` WHERE id = $1`, id)
	att, err := scanAttachment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return att, nil
}

func (s *PostgresStore) UpdateAttachment(ctx context.Context, att *Attachment) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE envelope_attachments SET
			review_status = $1, reviewer = $2, reviewed_at = $3, rejection_reason = $4
		WHERE id = $5`,
		string(att.ReviewStatus), att.Reviewer, nullTime(att.ReviewedAt),
		att.RejectionReason, att.ID)
	if err != nil {
		return fmt.Errorf("update attachment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update attachment: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, envelopeID uuid.UUID) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, attachmentColumns+` WHERE envelope_id = $1 ORDER BY created_at`, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var atts []Attachment
	for rows.Next() {
		att, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		atts = append(atts, *att)
	}
	return atts, rows.Err()
}

func (s *PostgresStore) LatestAttachment(ctx context.Context, envelopeID uuid.UUID, docType string) (*Attachment, error) {
	row := s.db.QueryRowContext(ctx, attachmentColumns+`
		WHERE envelope_id = $1 AND doc_type = $2
		ORDER BY created_at DESC LIMIT 1`, envelopeID, docType)
	att, err := scanAttachment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest attachment: %w", err)
	}
	return att, nil
}

func (s *PostgresStore) UpsertSignal(ctx context.Context, sig *Signal) error {
	return upsertSignalTx(ctx, s.db, sig)
}

func (s *PostgresStore) ListSignals(ctx context.Context, envelopeID uuid.UUID) ([]Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT envelope_id, key, type, value, source, set_by, updated_at
		FROM envelope_signals WHERE envelope_id = $1 ORDER BY key`, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var signals []Signal
	for rows.Next() {
		var sig Signal
		var source string
		if err := rows.Scan(&sig.EnvelopeID, &sig.Key, &sig.Type, &sig.Value, &source, &sig.SetBy, &sig.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		sig.Source = driver.SignalSource(source)
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

func (s *PostgresStore) AddPayloadVersion(ctx context.Context, pv *PayloadVersion) error {
	snapshotJSON, err := marshalJSON(pv.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal payload snapshot: %w", err)
	}
	patchJSON, err := marshalJSON(pv.Patch)
	if err != nil {
		return fmt.Errorf("marshal payload patch: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO envelope_payload_versions (envelope_id, version, snapshot, patch, hash, actor, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		pv.EnvelopeID, pv.Version, snapshotJSON, patchJSON, pv.Hash, pv.Actor, pv.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert payload version: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPayloadVersions(ctx context.Context, envelopeID uuid.UUID) ([]PayloadVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT envelope_id, version, snapshot, patch, hash, actor, created_at
		FROM envelope_payload_versions WHERE envelope_id = $1 ORDER BY version`, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("list payload versions: %w", err)
	}
	defer rows.Close()

	var versions []PayloadVersion
	for rows.Next() {
		var pv PayloadVersion
		var snapshotJSON, patchJSON []byte
		if err := rows.Scan(&pv.EnvelopeID, &pv.Version, &snapshotJSON, &patchJSON, &pv.Hash, &pv.Actor, &pv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payload version: %w", err)
		}
		if pv.Snapshot, err = unmarshalJSON(snapshotJSON); err != nil {
			return nil, fmt.Errorf("unmarshal payload snapshot: %w", err)
		}
		if pv.Patch, err = unmarshalJSON(patchJSON); err != nil {
			return nil, fmt.Errorf("unmarshal payload patch: %w", err)
		}
		versions = append(versions, pv)
	}
	return versions, rows.Err()
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	beforeJSON, err := marshalJSON(entry.Before)
	if err != nil {
		return fmt.Errorf("marshal audit before: %w", err)
	}
	afterJSON, err := marshalJSON(entry.After)
	if err != nil {
		return fmt.Errorf("marshal audit after: %w", err)
	}
	metadataJSON, err := marshalJSON(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO envelope_audit_log (id, envelope_id, action, actor, actor_role, before, after, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		entry.ID, entry.EnvelopeID, entry.Action, entry.Actor, entry.ActorRole,
		beforeJSON, afterJSON, metadataJSON, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, envelopeID uuid.UUID) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, envelope_id, action, actor, actor_role, before, after, metadata, created_at
		FROM envelope_audit_log WHERE envelope_id = $1 ORDER BY created_at`, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var beforeJSON, afterJSON, metadataJSON []byte
		if err := rows.Scan(&entry.ID, &entry.EnvelopeID, &entry.Action, &entry.Actor,
			&entry.ActorRole, &beforeJSON, &afterJSON, &metadataJSON, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if entry.Before, err = unmarshalJSON(beforeJSON); err != nil {
			return nil, fmt.Errorf("unmarshal audit before: %w", err)
		}
		if entry.After, err = unmarshalJSON(afterJSON); err != nil {
			return nil, fmt.Errorf("unmarshal audit after: %w", err)
		}
		if entry.Metadata, err = unmarshalJSON(metadataJSON); err != nil {
			return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

const attachmentColumns = `
	SELECT id, envelope_id, checklist_item_id, doc_type, filename, path, disk,
	       mime_type, size, hash, metadata, uploaded_by, review_status,
	       reviewer, reviewed_at, rejection_reason, created_at
	FROM envelope_attachments`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (*Envelope, error) {
	var env Envelope
	var payloadJSON, contextJSON, gatesJSON []byte
	var status string
	var lockedAt, settledAt, cancelledAt sql.NullTime

	err := row.Scan(&env.ID, &env.Reference.Kind, &env.Reference.ID,
		&env.DriverID, &env.DriverVersion, &payloadJSON, &env.PayloadVersion,
		&status, &contextJSON, &gatesJSON, &env.Rev,
		&lockedAt, &settledAt, &cancelledAt, &env.CreatedAt, &env.UpdatedAt)
	if err != nil {
		return nil, err
	}

	env.Status = Status(status)
	if env.Payload, err = unmarshalJSON(payloadJSON); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if env.Context, err = unmarshalJSON(contextJSON); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if len(gatesJSON) > 0 {
		if err := json.Unmarshal(gatesJSON, &env.GatesCache); err != nil {
			return nil, fmt.Errorf("unmarshal gates cache: %w", err)
		}
	}
	env.LockedAt = timePtr(lockedAt)
	env.SettledAt = timePtr(settledAt)
	env.CancelledAt = timePtr(cancelledAt)
	return &env, nil
}

func scanAttachment(row rowScanner) (*Attachment, error) {
	var att Attachment
	var checklistItemID uuid.NullUUID
	var metadataJSON []byte
	var reviewStatus string
	var reviewedAt sql.NullTime

	err := row.Scan(&att.ID, &att.EnvelopeID, &checklistItemID, &att.DocType,
		&att.Filename, &att.Path, &att.Disk, &att.MimeType, &att.Size, &att.Hash,
		&metadataJSON, &att.UploadedBy, &reviewStatus, &att.Reviewer,
		&reviewedAt, &att.RejectionReason, &att.CreatedAt)
	if err != nil {
		return nil, err
	}

	att.ReviewStatus = ReviewStatus(reviewStatus)
	if checklistItemID.Valid {
		id := checklistItemID.UUID
		att.ChecklistItemID = &id
	}
	if att.Metadata, err = unmarshalJSON(metadataJSON); err != nil {
		return nil, fmt.Errorf("unmarshal attachment metadata: %w", err)
	}
	att.ReviewedAt = timePtr(reviewedAt)
	return &att, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertSignalTx(ctx context.Context, db execer, sig *Signal) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO envelope_signals (envelope_id, key, type, value, source, set_by, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (envelope_id, key) DO UPDATE SET
			value = EXCLUDED.value, set_by = EXCLUDED.set_by, updated_at = EXCLUDED.updated_at`,
		sig.EnvelopeID, sig.Key, sig.Type, sig.Value, string(sig.Source), sig.SetBy, sig.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert signal %q: %w", sig.Key, err)
	}
	return nil
}

func marshalJSON(doc map[string]any) ([]byte, error) {
	if doc == nil {
		return nil, nil
	}
	return json.Marshal(doc)
}

func marshalGates(gates map[string]bool) ([]byte, error) {
	if gates == nil {
		return nil, nil
	}
	return json.Marshal(gates)
}

func unmarshalJSON(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullUUID(value *uuid.UUID) uuid.NullUUID {
	if value == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *value, Valid: true}
}
