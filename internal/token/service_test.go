package token

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"envelope-engine/internal/driver"
	"envelope-engine/internal/envelope"
	"envelope-engine/pkg/sentinel"
)

type TokenServiceSuite struct {
	suite.Suite
	ctx       context.Context
	store     *InMemoryStore
	envStore  *envelope.InMemoryStore
	envelopes *envelope.Service
	service   *Service
	env       *envelope.Envelope
}

func TestTokenServiceSuite(t *testing.T) {
	suite.Run(t, new(TokenServiceSuite))
}

func (s *TokenServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = NewInMemoryStore()
	s.envStore = envelope.NewInMemoryStore()

	logger := log.New(os.Stderr, "", 0)
	catalog := driver.NewCatalog(driver.NewLoader(filepath.Join("..", "envelope", "testdata", "drivers")))

	envelopes, err := envelope.NewService(catalog, s.envStore, logger,
		envelope.WithFileStorage(envelope.NewMemoryStorage()))
	s.Require().NoError(err)
	s.envelopes = envelopes

	svc, err := NewService(s.store, envelopes, s.envStore, logger)
	s.Require().NoError(err)
	s.service = svc

	env, err := envelopes.Create(s.ctx, envelope.CreateParams{
		Reference: envelope.Reference{Kind: "voucher", ID: "V-1"},
		DriverID:  "voucher.settlement",
		Actor:     "host",
	})
	s.Require().NoError(err)
	s.env = env
}

func (s *TokenServiceSuite) TestIssue() {
	s.Run("issues with secret and bcrypt password", func() {
		tok, err := s.service.Issue(s.ctx, IssueParams{
			EnvelopeID:     s.env.ID,
			RecipientEmail: "supplier@example.com",
			Password:       "hunter2",
			Grant:          Grant{PatchPayload: true},
			TTL:            time.Hour,
			Actor:          "host",
		})
		s.Require().NoError(err)
		s.NotEmpty(tok.Secret)
		s.NotEmpty(tok.PasswordHash)
		s.NotEqual("hunter2", string(tok.PasswordHash))
		s.NotNil(tok.ExpiresAt)
	})

	s.Run("rejects invalid email", func() {
		_, err := s.service.Issue(s.ctx, IssueParams{
			EnvelopeID:     s.env.ID,
			RecipientEmail: "not-an-email",
		})
		s.Require().Error(err)
	})

	s.Run("rejects terminal envelope", func() {
		_, err := s.envelopes.Cancel(s.ctx, s.env.ID, "host", "abandoned")
		s.Require().NoError(err)

		_, err = s.service.Issue(s.ctx, IssueParams{
			EnvelopeID:     s.env.ID,
			RecipientEmail: "supplier@example.com",
		})
		var ite *envelope.InvalidTransitionError
		s.Require().ErrorAs(err, &ite)
	})
}

func (s *TokenServiceSuite) TestRedeem() {
	tok, err := s.service.Issue(s.ctx, IssueParams{
		EnvelopeID:     s.env.ID,
		RecipientEmail: "supplier@example.com",
		Password:       "hunter2",
		Grant:          Grant{PatchPayload: true},
		TTL:            time.Hour,
		MaxUses:        1,
		Actor:          "host",
	})
	s.Require().NoError(err)

	s.Run("unknown secret", func() {
		_, err := s.service.Redeem(s.ctx, "nope", "hunter2")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("wrong password", func() {
		_, err := s.service.Redeem(s.ctx, tok.Secret, "wrong")
		s.Require().ErrorIs(err, ErrBadPassword)
	})

	s.Run("correct password redeems", func() {
		got, err := s.service.Redeem(s.ctx, tok.Secret, "hunter2")
		s.Require().NoError(err)
		s.Equal(tok.ID, got.ID)
	})

	s.Run("revoked token", func() {
		s.Require().NoError(s.service.Revoke(s.ctx, tok.ID, "host"))
		_, err := s.service.Redeem(s.ctx, tok.Secret, "hunter2")
		s.Require().ErrorIs(err, sentinel.ErrRevoked)
	})

	s.Run("expired token", func() {
		expired, err := s.service.Issue(s.ctx, IssueParams{
			EnvelopeID:     s.env.ID,
			RecipientEmail: "supplier@example.com",
			TTL:            time.Nanosecond,
			Actor:          "host",
		})
		s.Require().NoError(err)
		time.Sleep(time.Millisecond)

		_, err = s.service.Redeem(s.ctx, expired.Secret, "")
		s.Require().ErrorIs(err, sentinel.ErrExpired)
	})
}

func (s *TokenServiceSuite) TestContributions() {
	tok, err := s.service.Issue(s.ctx, IssueParams{
		EnvelopeID:     s.env.ID,
		RecipientEmail: "supplier@example.com",
		Grant:          Grant{PatchPayload: true, DocTypes: []string{"INVOICE"}},
		Actor:          "host",
	})
	s.Require().NoError(err)

	s.Run("payload contribution flows through the envelope guards", func() {
		env, err := s.service.ContributePayload(s.ctx, tok.Secret, "", map[string]any{
			"amount": 250.0, "currency": "EUR",
		})
		s.Require().NoError(err)
		s.Equal(1, env.PayloadVersion)
		s.Equal(envelope.StatusInProgress, env.Status)

		entries, err := s.envStore.ListAudit(s.ctx, s.env.ID)
		s.Require().NoError(err)
		var sawContribution bool
		for _, entry := range entries {
			if entry.Action == envelope.ActionExternalContribution {
				sawContribution = true
				s.Equal("contributor:supplier@example.com", entry.Actor)
			}
		}
		s.True(sawContribution)
	})

	s.Run("attachment contribution honors the grant", func() {
		att, err := s.service.ContributeAttachment(s.ctx, tok.Secret, "", envelope.UploadParams{
			DocType:  "INVOICE",
			Filename: "invoice.pdf",
			MimeType: "application/pdf",
			Content:  []byte("%PDF"),
		})
		s.Require().NoError(err)
		s.Equal(s.env.ID, att.EnvelopeID)
	})

	s.Run("ungranted capabilities are refused", func() {
		_, err := s.service.ContributeAttachment(s.ctx, tok.Secret, "", envelope.UploadParams{
			DocType:  "RANDOM",
			Filename: "x.pdf",
			MimeType: "application/pdf",
			Content:  []byte("x"),
		})
		var ge *GrantError
		s.Require().ErrorAs(err, &ge)

		err = s.service.ContributeSignal(s.ctx, tok.Secret, "", "host_approved", true)
		s.Require().ErrorAs(err, &ge)
	})

	s.Run("use count tracks contributions", func() {
		stored, err := s.store.FindByID(s.ctx, tok.ID)
		s.Require().NoError(err)
		s.Equal(2, stored.UseCount)
		s.NotNil(stored.LastUsedAt)
	})

	s.Run("exhausted budget reads as expired", func() {
		capped, err := s.service.Issue(s.ctx, IssueParams{
			EnvelopeID:     s.env.ID,
			RecipientEmail: "supplier@example.com",
			Grant:          Grant{PatchPayload: true},
			MaxUses:        1,
			Actor:          "host",
		})
		s.Require().NoError(err)

		_, err = s.service.ContributePayload(s.ctx, capped.Secret, "", map[string]any{"amount": 300.0, "currency": "EUR"})
		s.Require().NoError(err)
		_, err = s.service.ContributePayload(s.ctx, capped.Secret, "", map[string]any{"amount": 301.0, "currency": "EUR"})
		s.Require().ErrorIs(err, sentinel.ErrExpired)
	})
}
