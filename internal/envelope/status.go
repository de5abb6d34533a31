// Package envelope implements the settlement envelope aggregate: its status
// lifecycle, payload versioning, checklist computation, gate recomputation
// and append-only audit trail.
package envelope

// Status is the envelope lifecycle state.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusInProgress Status = "in_progress"
	StatusLocked     Status = "locked"
	StatusSettled    Status = "settled"
	StatusCancelled  Status = "cancelled"
	StatusRejected   Status = "rejected"
)

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSettled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// CanEdit is true while payload patches and uploads are accepted.
func (s Status) CanEdit() bool {
	return s == StatusDraft || s == StatusInProgress
}

// CanLock: locking freezes editing, it does not imply readiness, so the
// checklist need not be complete.
func (s Status) CanLock() bool {
	return s == StatusInProgress
}

func (s Status) CanSettle() bool {
	return s == StatusLocked
}

func (s Status) CanCancel() bool {
	return s == StatusDraft || s == StatusInProgress || s == StatusLocked
}

func (s Status) CanReject() bool {
	return !s.IsTerminal()
}

// CanReopen: reopen is the only backward transition, out of locked.
func (s Status) CanReopen() bool {
	return s == StatusLocked
}

// Audit action vocabulary.
const (
	ActionCreated                  = "envelope_created"
	ActionPayloadPatch             = "payload_patch"
	ActionAttachmentUpload         = "attachment_upload"
	ActionAttachmentReview         = "attachment_review"
	ActionSignalSet                = "signal_set"
	ActionStatusChange             = "status_change"
	ActionGateChange               = "gate_change"
	ActionLocked                   = "envelope_locked"
	ActionSettled                  = "envelope_settled"
	ActionCancelled                = "envelope_cancelled"
	ActionRejected                 = "envelope_rejected"
	ActionReopened                 = "envelope_reopened"
	ActionContextUpdate            = "context_update"
	ActionExternalContribution     = "external_contribution"
	ActionContributionTokenCreated = "contribution_token_created"
	ActionContributionTokenRevoked = "contribution_token_revoked"
)

// SettleableGate is the gate key consulted by the settle transition.
const SettleableGate = "settleable"
