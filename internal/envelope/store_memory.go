package envelope

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"envelope-engine/internal/payload"
	"envelope-engine/pkg/sentinel"
)

// InMemoryStore keeps all records in process. Reads and writes deep-copy so
// callers never share mutable state with the store.
type InMemoryStore struct {
	mu              sync.RWMutex
	envelopes       map[uuid.UUID]*Envelope
	items           map[uuid.UUID][]ChecklistItem
	attachments     map[uuid.UUID][]Attachment
	signals         map[uuid.UUID][]Signal
	payloadVersions map[uuid.UUID][]PayloadVersion
	audit           map[uuid.UUID][]AuditEntry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		envelopes:       make(map[uuid.UUID]*Envelope),
		items:           make(map[uuid.UUID][]ChecklistItem),
		attachments:     make(map[uuid.UUID][]Attachment),
		signals:         make(map[uuid.UUID][]Signal),
		payloadVersions: make(map[uuid.UUID][]PayloadVersion),
		audit:           make(map[uuid.UUID][]AuditEntry),
	}
}

func (s *InMemoryStore) CreateEnvelope(_ context.Context, env *Envelope, items []ChecklistItem, signals []Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.envelopes[env.ID]; exists {
		return sentinel.ErrConflict
	}

	s.envelopes[env.ID] = copyEnvelope(env)
	s.items[env.ID] = append([]ChecklistItem{}, items...)
	s.signals[env.ID] = append([]Signal{}, signals...)
	return nil
}

func (s *InMemoryStore) GetEnvelope(_ context.Context, id uuid.UUID) (*Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	env, ok := s.envelopes[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyEnvelope(env), nil
}

func (s *InMemoryStore) UpdateEnvelope(_ context.Context, env *Envelope, expectedRev int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.envelopes[env.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if stored.Rev != expectedRev {
		return sentinel.ErrConflict
	}

	env.Rev = expectedRev + 1
	env.UpdatedAt = time.Now()
	s.envelopes[env.ID] = copyEnvelope(env)
	return nil
}

func (s *InMemoryStore) ListChecklistItems(_ context.Context, envelopeID uuid.UUID) ([]ChecklistItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ChecklistItem{}, s.items[envelopeID]...), nil
}

func (s *InMemoryStore) UpdateChecklistItem(_ context.Context, item *ChecklistItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.items[item.EnvelopeID]
	for i := range items {
		if items[i].ID == item.ID {
			items[i] = *item
			return nil
		}
	}
	return sentinel.ErrNotFound
}

func (s *InMemoryStore) AddAttachment(_ context.Context, att *Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments[att.EnvelopeID] = append(s.attachments[att.EnvelopeID], *att)
	return nil
}

func (s *InMemoryStore) GetAttachment(_ context.Context, id uuid.UUID) (*Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, atts := range s.attachments {
		for i := range atts {
			if atts[i].ID == id {
				att := atts[i]
				return &att, nil
			}
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) UpdateAttachment(_ context.Context, att *Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	atts := s.attachments[att.EnvelopeID]
	for i := range atts {
		if atts[i].ID == att.ID {
			atts[i] = *att
			return nil
		}
	}
	return sentinel.ErrNotFound
}

func (s *InMemoryStore) ListAttachments(_ context.Context, envelopeID uuid.UUID) ([]Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Attachment{}, s.attachments[envelopeID]...), nil
}

func (s *InMemoryStore) LatestAttachment(_ context.Context, envelopeID uuid.UUID, docType string) (*Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Attachment
	atts := s.attachments[envelopeID]
	for i := range atts {
		if atts[i].DocType != docType {
			continue
		}
		// Ties go to the later insert.
		if latest == nil || !atts[i].CreatedAt.Before(latest.CreatedAt) {
			latest = &atts[i]
		}
	}
	if latest == nil {
		return nil, nil
	}
	att := *latest
	return &att, nil
}

func (s *InMemoryStore) UpsertSignal(_ context.Context, sig *Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	signals := s.signals[sig.EnvelopeID]
	for i := range signals {
		if signals[i].Key == sig.Key {
			signals[i] = *sig
			return nil
		}
	}
	s.signals[sig.EnvelopeID] = append(signals, *sig)
	return nil
}

func (s *InMemoryStore) ListSignals(_ context.Context, envelopeID uuid.UUID) ([]Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Signal{}, s.signals[envelopeID]...), nil
}

func (s *InMemoryStore) AddPayloadVersion(_ context.Context, pv *PayloadVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *pv
	clone.Snapshot = payload.Clone(pv.Snapshot)
	clone.Patch = payload.Clone(pv.Patch)
	s.payloadVersions[pv.EnvelopeID] = append(s.payloadVersions[pv.EnvelopeID], clone)
	return nil
}

func (s *InMemoryStore) ListPayloadVersions(_ context.Context, envelopeID uuid.UUID) ([]PayloadVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := append([]PayloadVersion{}, s.payloadVersions[envelopeID]...)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	return versions, nil
}

func (s *InMemoryStore) AppendAudit(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit[entry.EnvelopeID] = append(s.audit[entry.EnvelopeID], *entry)
	return nil
}

func (s *InMemoryStore) ListAudit(_ context.Context, envelopeID uuid.UUID) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditEntry{}, s.audit[envelopeID]...), nil
}

func copyEnvelope(env *Envelope) *Envelope {
	clone := *env
	clone.Payload = payload.Clone(env.Payload)
	clone.Context = payload.Clone(env.Context)
	if env.GatesCache != nil {
		clone.GatesCache = make(map[string]bool, len(env.GatesCache))
		for k, v := range env.GatesCache {
			clone.GatesCache[k] = v
		}
	}
	return &clone
}
