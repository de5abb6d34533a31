// Package token issues and redeems contribution tokens: scoped, expiring
// credentials that let an external party push payload fields or documents
// into one envelope without holding a host account.
package token

import (
	"time"

	"github.com/google/uuid"
)

// Grant scopes what a contribution token may touch. Empty slices grant
// nothing for that capability.
type Grant struct {
	PatchPayload bool
	DocTypes     []string
	SignalKeys   []string
}

// AllowsDocType reports whether uploads for a doc type are granted.
func (g Grant) AllowsDocType(docType string) bool {
	for _, allowed := range g.DocTypes {
		if allowed == docType {
			return true
		}
	}
	return false
}

// AllowsSignal reports whether setting a signal key is granted.
func (g Grant) AllowsSignal(key string) bool {
	for _, allowed := range g.SignalKeys {
		if allowed == key {
			return true
		}
	}
	return false
}

// ContributionToken is one issued credential. The secret is stored so hosts
// can resend invitation links; the optional password is stored only as a
// bcrypt hash.
type ContributionToken struct {
	ID         uuid.UUID
	EnvelopeID uuid.UUID

	Secret         string
	RecipientEmail string
	PasswordHash   []byte

	Grant Grant

	// MaxUses of zero means unlimited.
	MaxUses  int
	UseCount int

	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time

	CreatedBy string
	CreatedAt time.Time
}

// Exhausted reports whether the use budget is spent.
func (t *ContributionToken) Exhausted() bool {
	return t.MaxUses > 0 && t.UseCount >= t.MaxUses
}
