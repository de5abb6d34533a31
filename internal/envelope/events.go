package envelope

import (
	"context"

	"github.com/google/uuid"
)

// GateChange describes one gate flipping value. Old is nil on the first
// computation.
type GateChange struct {
	EnvelopeID uuid.UUID
	GateKey    string
	Old        *bool
	New        bool
}

// Sink receives the engine's two outward events. The engine emits and
// returns; it never calls collaborators back. Implementations must not
// block: hand off to a channel or queue if delivery is slow.
type Sink interface {
	EnvelopeCreated(ctx context.Context, env Envelope)
	GateChanged(ctx context.Context, change GateChange)
}

// NopSink discards events; the default when the caller subscribes nothing.
type NopSink struct{}

func (NopSink) EnvelopeCreated(context.Context, Envelope) {}
func (NopSink) GateChanged(context.Context, GateChange)   {}

// RecordingSink retains events in order, for tests and in-process consumers.
type RecordingSink struct {
	Created []Envelope
	Changes []GateChange
}

func (s *RecordingSink) EnvelopeCreated(_ context.Context, env Envelope) {
	s.Created = append(s.Created, env)
}

func (s *RecordingSink) GateChanged(_ context.Context, change GateChange) {
	s.Changes = append(s.Changes, change)
}
