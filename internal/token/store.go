package token

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"envelope-engine/pkg/sentinel"
)

// Store persists contribution tokens.
type Store interface {
	Save(ctx context.Context, tok *ContributionToken) error
	FindByID(ctx context.Context, id uuid.UUID) (*ContributionToken, error)
	FindBySecret(ctx context.Context, secret string) (*ContributionToken, error)
	Update(ctx context.Context, tok *ContributionToken) error
	// MarkUsed increments the use counter atomically so concurrent
	// contributions never lose a tick against a MaxUses budget.
	MarkUsed(ctx context.Context, id uuid.UUID, at time.Time) error
	ListByEnvelope(ctx context.Context, envelopeID uuid.UUID) ([]*ContributionToken, error)
}

// InMemoryStore keeps tokens in process, for tests and development.
type InMemoryStore struct {
	mu       sync.RWMutex
	byID     map[uuid.UUID]*ContributionToken
	bySecret map[string]uuid.UUID
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:     make(map[uuid.UUID]*ContributionToken),
		bySecret: make(map[string]uuid.UUID),
	}
}

func (s *InMemoryStore) Save(_ context.Context, tok *ContributionToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[tok.ID]; exists {
		return sentinel.ErrConflict
	}
	clone := *tok
	s.byID[tok.ID] = &clone
	s.bySecret[tok.Secret] = tok.ID
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id uuid.UUID) (*ContributionToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.byID[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	clone := *tok
	return &clone, nil
}

func (s *InMemoryStore) FindBySecret(_ context.Context, secret string) (*ContributionToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySecret[secret]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	clone := *s.byID[id]
	return &clone, nil
}

func (s *InMemoryStore) Update(_ context.Context, tok *ContributionToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[tok.ID]; !exists {
		return sentinel.ErrNotFound
	}
	clone := *tok
	s.byID[tok.ID] = &clone
	return nil
}

func (s *InMemoryStore) MarkUsed(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.byID[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	tok.UseCount++
	tok.LastUsedAt = &at
	return nil
}

func (s *InMemoryStore) ListByEnvelope(_ context.Context, envelopeID uuid.UUID) ([]*ContributionToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ContributionToken
	for _, tok := range s.byID {
		if tok.EnvelopeID == envelopeID {
			clone := *tok
			out = append(out, &clone)
		}
	}
	return out, nil
}
