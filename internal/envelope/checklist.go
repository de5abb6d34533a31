package envelope

import (
	"envelope-engine/internal/driver"
	"envelope-engine/internal/payload"
)

// ComputeItemStatus derives a checklist item's status from its governing
// fact. Document items walk the upload/review ladder; payload_field, signal
// and attestation items jump straight to accepted once their value holds.
//
// latest is the most recent attachment for the item's doc type (nil when
// none exists) and only consulted for document items.
func ComputeItemStatus(item ChecklistItem, latest *Attachment, doc map[string]any, signalTrue bool) ItemStatus {
	switch item.Kind {
	case driver.KindDocument:
		if latest == nil {
			return ItemMissing
		}
		switch latest.ReviewStatus {
		case ReviewAccepted:
			return ItemAccepted
		case ReviewRejected:
			return ItemRejected
		default:
			if item.ReviewMode.RequiresReview() {
				return ItemNeedsReview
			}
			// No review required: uploaded counts as accepted.
			return ItemAccepted
		}

	case driver.KindPayloadField:
		if payload.FieldExists(doc, item.PayloadPointer) {
			return ItemAccepted
		}
		return ItemMissing

	case driver.KindSignal, driver.KindAttestation:
		if signalTrue {
			return ItemAccepted
		}
		return ItemMissing
	}

	return ItemMissing
}

// ChecklistStatus aggregates item completion for gate context and callers.
type ChecklistStatus struct {
	Total             int
	RequiredCount     int
	CompletedCount    int
	RequiredCompleted int
	PendingCount      int
	RejectedCount     int

	// RequiredPresent counts required items past missing, whatever their
	// review outcome so far.
	RequiredPresent int
}

// SummarizeChecklist folds items into the aggregate counters.
func SummarizeChecklist(items []ChecklistItem) ChecklistStatus {
	var s ChecklistStatus
	s.Total = len(items)
	for _, item := range items {
		if item.Required {
			s.RequiredCount++
			if item.Status != ItemMissing {
				s.RequiredPresent++
			}
			if item.Status == ItemAccepted {
				s.RequiredCompleted++
			}
		}
		if item.Status == ItemAccepted {
			s.CompletedCount++
		}
		if item.Status.IsPending() {
			s.PendingCount++
		}
		if item.Status == ItemRejected {
			s.RejectedCount++
		}
	}
	return s
}

// IsComplete is true iff every required item is accepted.
func (s ChecklistStatus) IsComplete() bool {
	return s.RequiredCount == s.RequiredCompleted
}
