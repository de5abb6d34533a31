package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"envelope-engine/internal/envelope"
	"envelope-engine/pkg/sentinel"
)

// ErrBadPassword rejects a redemption with a wrong or missing password.
var ErrBadPassword = errors.New("contribution token password mismatch")

// GrantError rejects a contribution the token's grant does not cover.
type GrantError struct {
	TokenID uuid.UUID
	Reason  string
}

func (e *GrantError) Error() string {
	return fmt.Sprintf("contribution token %s: %s", e.TokenID, e.Reason)
}

// Service issues, redeems and revokes contribution tokens, and funnels
// external contributions through the envelope service so every guard and
// audit rule applies unchanged.
type Service struct {
	tokens    Store
	envelopes *envelope.Service
	audit     envelope.Store
	logger    *log.Logger
	now       func() time.Time
}

func NewService(tokens Store, envelopes *envelope.Service, audit envelope.Store, logger *log.Logger) (*Service, error) {
	if tokens == nil {
		return nil, errors.New("token store is required")
	}
	if envelopes == nil {
		return nil, errors.New("envelope service is required")
	}
	if audit == nil {
		return nil, errors.New("envelope store is required")
	}
	s := &Service{
		tokens:    tokens,
		envelopes: envelopes,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	return s, nil
}

// IssueParams describes a new token.
type IssueParams struct {
	EnvelopeID     uuid.UUID
	RecipientEmail string
	// Password is optional; empty means the secret alone redeems.
	Password string
	Grant    Grant
	MaxUses  int
	TTL      time.Duration
	Actor    string
}

// Issue creates a token for an editable envelope. The secret is part of the
// returned token; it is the caller's job to deliver it to the recipient.
func (s *Service) Issue(ctx context.Context, params IssueParams) (*ContributionToken, error) {
	if !govalidator.IsEmail(params.RecipientEmail) {
		return nil, fmt.Errorf("recipient email %q is not valid", params.RecipientEmail)
	}

	env, err := s.envelopes.Get(ctx, params.EnvelopeID)
	if err != nil {
		return nil, err
	}
	if !env.CanEdit() {
		return nil, &envelope.InvalidTransitionError{
			EnvelopeID: env.ID, From: env.Status,
			Action: "issue_contribution_token", Reason: "envelope is not editable",
		}
	}

	now := s.now()
	tok := &ContributionToken{
		ID:             uuid.New(),
		EnvelopeID:     env.ID,
		Secret:         uuid.NewString(),
		RecipientEmail: params.RecipientEmail,
		Grant:          params.Grant,
		MaxUses:        params.MaxUses,
		CreatedBy:      params.Actor,
		CreatedAt:      now,
	}
	if params.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(params.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash token password: %w", err)
		}
		tok.PasswordHash = hash
	}
	if params.TTL > 0 {
		expires := now.Add(params.TTL)
		tok.ExpiresAt = &expires
	}

	if err := s.tokens.Save(ctx, tok); err != nil {
		return nil, fmt.Errorf("save contribution token: %w", err)
	}
	s.appendAudit(ctx, env.ID, envelope.ActionContributionTokenCreated, params.Actor, map[string]any{
		"token_id":  tok.ID.String(),
		"recipient": params.RecipientEmail,
	})
	return tok, nil
}

// Revoke disables a token immediately. Idempotent.
func (s *Service) Revoke(ctx context.Context, tokenID uuid.UUID, actor string) error {
	tok, err := s.tokens.FindByID(ctx, tokenID)
	if err != nil {
		return err
	}
	if tok.RevokedAt != nil {
		return nil
	}
	now := s.now()
	tok.RevokedAt = &now
	if err := s.tokens.Update(ctx, tok); err != nil {
		return fmt.Errorf("revoke contribution token: %w", err)
	}
	s.appendAudit(ctx, tok.EnvelopeID, envelope.ActionContributionTokenRevoked, actor, map[string]any{
		"token_id": tok.ID.String(),
	})
	return nil
}

// Redeem resolves a secret into a usable token, checking revocation, expiry,
// use budget and password in that order.
func (s *Service) Redeem(ctx context.Context, secret, password string) (*ContributionToken, error) {
	tok, err := s.tokens.FindBySecret(ctx, secret)
	if err != nil {
		return nil, err
	}
	if tok.RevokedAt != nil {
		return nil, sentinel.ErrRevoked
	}
	if tok.ExpiresAt != nil && !s.now().Before(*tok.ExpiresAt) {
		return nil, sentinel.ErrExpired
	}
	if tok.Exhausted() {
		return nil, sentinel.ErrExpired
	}
	if len(tok.PasswordHash) > 0 {
		if err := bcrypt.CompareHashAndPassword(tok.PasswordHash, []byte(password)); err != nil {
			return nil, ErrBadPassword
		}
	}
	return tok, nil
}

// ContributePayload applies a payload patch on behalf of the token's
// recipient. The envelope service enforces every edit guard.
func (s *Service) ContributePayload(ctx context.Context, secret, password string, patch map[string]any) (*envelope.Envelope, error) {
	tok, err := s.Redeem(ctx, secret, password)
	if err != nil {
		return nil, err
	}
	if !tok.Grant.PatchPayload {
		return nil, &GrantError{TokenID: tok.ID, Reason: "payload patches are not granted"}
	}

	env, err := s.envelopes.PatchPayload(ctx, tok.EnvelopeID, patch, contributorActor(tok))
	if err != nil {
		return nil, err
	}
	s.markUsed(ctx, tok)
	s.appendAudit(ctx, tok.EnvelopeID, envelope.ActionExternalContribution, contributorActor(tok), map[string]any{
		"token_id": tok.ID.String(),
		"kind":     "payload_patch",
	})
	return env, nil
}

// ContributeAttachment uploads a document on behalf of the token's
// recipient. The doc type must be granted.
func (s *Service) ContributeAttachment(ctx context.Context, secret, password string, params envelope.UploadParams) (*envelope.Attachment, error) {
	tok, err := s.Redeem(ctx, secret, password)
	if err != nil {
		return nil, err
	}
	if !tok.Grant.AllowsDocType(params.DocType) {
		return nil, &GrantError{TokenID: tok.ID, Reason: fmt.Sprintf("doc type %q is not granted", params.DocType)}
	}

	params.EnvelopeID = tok.EnvelopeID
	params.Actor = contributorActor(tok)
	att, err := s.envelopes.UploadAttachment(ctx, params)
	if err != nil {
		return nil, err
	}
	s.markUsed(ctx, tok)
	s.appendAudit(ctx, tok.EnvelopeID, envelope.ActionExternalContribution, contributorActor(tok), map[string]any{
		"token_id": tok.ID.String(),
		"kind":     "attachment_upload",
		"doc_type": params.DocType,
	})
	return att, nil
}

// ContributeSignal sets a granted signal on behalf of the recipient.
func (s *Service) ContributeSignal(ctx context.Context, secret, password, key string, value bool) error {
	tok, err := s.Redeem(ctx, secret, password)
	if err != nil {
		return err
	}
	if !tok.Grant.AllowsSignal(key) {
		return &GrantError{TokenID: tok.ID, Reason: fmt.Sprintf("signal %q is not granted", key)}
	}

	if err := s.envelopes.SetSignal(ctx, tok.EnvelopeID, key, value, contributorActor(tok)); err != nil {
		return err
	}
	s.markUsed(ctx, tok)
	s.appendAudit(ctx, tok.EnvelopeID, envelope.ActionExternalContribution, contributorActor(tok), map[string]any{
		"token_id": tok.ID.String(),
		"kind":     "signal_set",
		"key":      key,
	})
	return nil
}

// ListByEnvelope returns every token issued for an envelope.
func (s *Service) ListByEnvelope(ctx context.Context, envelopeID uuid.UUID) ([]*ContributionToken, error) {
	return s.tokens.ListByEnvelope(ctx, envelopeID)
}

func contributorActor(tok *ContributionToken) string {
	return "contributor:" + tok.RecipientEmail
}

// markUsed bumps the use counter after a successful contribution.
// Best-effort: a failed bump never undoes the contribution.
func (s *Service) markUsed(ctx context.Context, tok *ContributionToken) {
	if err := s.tokens.MarkUsed(ctx, tok.ID, s.now()); err != nil {
		s.logger.Printf("bump use count for token %s: %v", tok.ID, err)
	}
}

func (s *Service) appendAudit(ctx context.Context, envelopeID uuid.UUID, action, actor string, metadata map[string]any) {
	entry := &envelope.AuditEntry{
		ID:         uuid.New(),
		EnvelopeID: envelopeID,
		Action:     action,
		Actor:      actor,
		Metadata:   metadata,
		CreatedAt:  s.now(),
	}
	if err := s.audit.AppendAudit(ctx, entry); err != nil {
		s.logger.Printf("append audit %s for %s: %v", action, envelopeID, err)
	}
}
