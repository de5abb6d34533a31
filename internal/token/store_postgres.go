package token

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"envelope-engine/pkg/sentinel"
)

// Schema creates the contribution token table. Applied by deployment tooling
// and the integration tests alongside the envelope schema.
const Schema = `
CREATE TABLE IF NOT EXISTS contribution_tokens (
    id                 UUID PRIMARY KEY,
    envelope_id        UUID NOT NULL,
    secret             TEXT NOT NULL UNIQUE,
    recipient_email    TEXT NOT NULL,
    password_hash      BYTEA,
    grant_patch        BOOLEAN NOT NULL DEFAULT FALSE,
    grant_doc_types    JSONB,
    grant_signal_keys  JSONB,
    max_uses           INT NOT NULL DEFAULT 0,
    use_count          INT NOT NULL DEFAULT 0,
    expires_at         TIMESTAMPTZ,
    revoked_at         TIMESTAMPTZ,
    last_used_at       TIMESTAMPTZ,
    created_by         TEXT NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS contribution_tokens_envelope_idx
    ON contribution_tokens (envelope_id, created_at);
`

// PostgresStore persists contribution tokens in PostgreSQL so issued
// invitations survive a process restart.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed token store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, tok *ContributionToken) error {
	docTypesJSON, signalKeysJSON, err := marshalGrant(tok.Grant)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contribution_tokens (
			id, envelope_id, secret, recipient_email, password_hash,
			grant_patch, grant_doc_types, grant_signal_keys,
			max_uses, use_count, expires_at, revoked_at, last_used_at,
			created_by, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		tok.ID, tok.EnvelopeID, tok.Secret, tok.RecipientEmail, tok.PasswordHash,
		tok.Grant.PatchPayload, docTypesJSON, signalKeysJSON,
		tok.MaxUses, tok.UseCount, nullTime(tok.ExpiresAt), nullTime(tok.RevokedAt),
		nullTime(tok.LastUsedAt), tok.CreatedBy, tok.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert contribution token: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id uuid.UUID) (*ContributionToken, error) {
	row := s.db.QueryRowContext(ctx, tokenColumns+` WHERE id = $1`, id)
	return scanToken(row, "get contribution token")
}

func (s *PostgresStore) FindBySecret(ctx context.Context, secret string) (*ContributionToken, error) {
	row := s.db.QueryRowContext(ctx, tokenColumns+` WHERE secret = $1`, secret)
	return scanToken(row, "find contribution token by secret")
}

func (s *PostgresStore) Update(ctx context.Context, tok *ContributionToken) error {
	docTypesJSON, signalKeysJSON, err := marshalGrant(tok.Grant)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE contribution_tokens SET
			recipient_email = $1, password_hash = $2, grant_patch = $3,
			grant_doc_types = $4, grant_signal_keys = $5, max_uses = $6,
			expires_at = $7, revoked_at = $8
		WHERE id = $9`,
		tok.RecipientEmail, tok.PasswordHash, tok.Grant.PatchPayload,
		docTypesJSON, signalKeysJSON, tok.MaxUses,
		nullTime(tok.ExpiresAt), nullTime(tok.RevokedAt), tok.ID,
	)
	if err != nil {
		return fmt.Errorf("update contribution token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update contribution token: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contribution_tokens SET use_count = use_count + 1, last_used_at = $1
		WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("mark contribution token used: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark contribution token used: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByEnvelope(ctx context.Context, envelopeID uuid.UUID) ([]*ContributionToken, error) {
	rows, err := s.db.QueryContext(ctx, tokenColumns+` WHERE envelope_id = $1 ORDER BY created_at`, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("list contribution tokens: %w", err)
	}
	defer rows.Close()

	var out []*ContributionToken
	for rows.Next() {
		tok, err := scanToken(rows, "scan contribution token")
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

const tokenColumns = `
	SELECT id, envelope_id, secret, recipient_email, password_hash,
	       grant_patch, grant_doc_types, grant_signal_keys,
	       max_uses, use_count, expires_at, revoked_at, last_used_at,
	       created_by, created_at
	FROM contribution_tokens`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner, op string) (*ContributionToken, error) {
	var tok ContributionToken
	var docTypesJSON, signalKeysJSON []byte
	var expiresAt, revokedAt, lastUsedAt sql.NullTime

	err := row.Scan(&tok.ID, &tok.EnvelopeID, &tok.Secret, &tok.RecipientEmail,
		&tok.PasswordHash, &tok.Grant.PatchPayload, &docTypesJSON, &signalKeysJSON,
		&tok.MaxUses, &tok.UseCount, &expiresAt, &revokedAt, &lastUsedAt,
		&tok.CreatedBy, &tok.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if tok.Grant.DocTypes, err = unmarshalKeys(docTypesJSON); err != nil {
		return nil, fmt.Errorf("%s: unmarshal doc type grant: %w", op, err)
	}
	if tok.Grant.SignalKeys, err = unmarshalKeys(signalKeysJSON); err != nil {
		return nil, fmt.Errorf("%s: unmarshal signal grant: %w", op, err)
	}
	tok.ExpiresAt = timePtr(expiresAt)
	tok.RevokedAt = timePtr(revokedAt)
	tok.LastUsedAt = timePtr(lastUsedAt)
	return &tok, nil
}

func marshalGrant(grant Grant) (docTypes, signalKeys []byte, err error) {
	if len(grant.DocTypes) > 0 {
		if docTypes, err = json.Marshal(grant.DocTypes); err != nil {
			return nil, nil, fmt.Errorf("marshal doc type grant: %w", err)
		}
	}
	if len(grant.SignalKeys) > 0 {
		if signalKeys, err = json.Marshal(grant.SignalKeys); err != nil {
			return nil, nil, fmt.Errorf("marshal signal grant: %w", err)
		}
	}
	return docTypes, signalKeys, nil
}

func unmarshalKeys(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, err
	}
	return keys, nil
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
