package envelope

import (
	"fmt"

	"github.com/google/uuid"
)

// InvalidTransitionError reports a status transition not permitted from the
// current status, including settle attempts on a non-settleable envelope.
type InvalidTransitionError struct {
	EnvelopeID uuid.UUID
	From       Status
	Action     string
	Reason     string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s envelope %s from %s: %s", e.Action, e.EnvelopeID, e.From, e.Reason)
	}
	return fmt.Sprintf("cannot %s envelope %s from %s", e.Action, e.EnvelopeID, e.From)
}

// ConcurrentModificationError reports an optimistic write that lost a race;
// the caller may reload and retry.
type ConcurrentModificationError struct {
	EnvelopeID  uuid.UUID
	ExpectedRev int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("envelope %s changed concurrently (expected rev %d)", e.EnvelopeID, e.ExpectedRev)
}

// DocumentNotAllowedError reports an upload rejected by the driver's
// document registry.
type DocumentNotAllowedError struct {
	DocType string
	Reason  string
}

func (e *DocumentNotAllowedError) Error() string {
	return fmt.Sprintf("document type %q: %s", e.DocType, e.Reason)
}

// UnknownSignalError reports a signal key the driver does not declare.
type UnknownSignalError struct {
	Key string
}

func (e *UnknownSignalError) Error() string {
	return fmt.Sprintf("signal %q is not declared by the driver", e.Key)
}
