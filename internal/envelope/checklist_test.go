package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"envelope-engine/internal/driver"
)

func TestComputeItemStatus(t *testing.T) {
	t.Run("document ladder", func(t *testing.T) {
		item := ChecklistItem{Kind: driver.KindDocument, DocType: "INVOICE", ReviewMode: driver.ReviewRequired}

		assert.Equal(t, ItemMissing, ComputeItemStatus(item, nil, nil, false))
		assert.Equal(t, ItemNeedsReview, ComputeItemStatus(item, &Attachment{ReviewStatus: ReviewPending}, nil, false))
		assert.Equal(t, ItemAccepted, ComputeItemStatus(item, &Attachment{ReviewStatus: ReviewAccepted}, nil, false))
		assert.Equal(t, ItemRejected, ComputeItemStatus(item, &Attachment{ReviewStatus: ReviewRejected}, nil, false))
	})

	t.Run("document without review accepts on upload", func(t *testing.T) {
		item := ChecklistItem{Kind: driver.KindDocument, DocType: "NOTE", ReviewMode: driver.ReviewNone}
		assert.Equal(t, ItemAccepted, ComputeItemStatus(item, &Attachment{ReviewStatus: ReviewPending}, nil, false))
	})

	t.Run("payload field follows pointer presence", func(t *testing.T) {
		item := ChecklistItem{Kind: driver.KindPayloadField, PayloadPointer: "/amount/value"}
		doc := map[string]any{"amount": map[string]any{"value": 10.0}}

		assert.Equal(t, ItemAccepted, ComputeItemStatus(item, nil, doc, false))
		assert.Equal(t, ItemMissing, ComputeItemStatus(item, nil, map[string]any{}, false))
	})

	t.Run("signal and attestation follow the signal value", func(t *testing.T) {
		for _, kind := range []driver.ChecklistItemKind{driver.KindSignal, driver.KindAttestation} {
			item := ChecklistItem{Kind: kind, SignalKey: "ok"}
			assert.Equal(t, ItemAccepted, ComputeItemStatus(item, nil, nil, true))
			assert.Equal(t, ItemMissing, ComputeItemStatus(item, nil, nil, false))
		}
	})
}

func TestSummarizeChecklist(t *testing.T) {
	items := []ChecklistItem{
		{Required: true, Status: ItemAccepted},
		{Required: true, Status: ItemNeedsReview},
		{Required: true, Status: ItemMissing},
		{Required: false, Status: ItemAccepted},
		{Required: false, Status: ItemRejected},
	}

	status := SummarizeChecklist(items)
	assert.Equal(t, 5, status.Total)
	assert.Equal(t, 3, status.RequiredCount)
	assert.Equal(t, 1, status.RequiredCompleted)
	assert.Equal(t, 2, status.RequiredPresent, "needs_review counts as present, missing does not")
	assert.Equal(t, 2, status.CompletedCount)
	assert.Equal(t, 2, status.PendingCount)
	assert.Equal(t, 1, status.RejectedCount)
	assert.False(t, status.IsComplete())

	t.Run("complete when every required item is accepted", func(t *testing.T) {
		all := []ChecklistItem{
			{Required: true, Status: ItemAccepted},
			{Required: false, Status: ItemMissing},
		}
		assert.True(t, SummarizeChecklist(all).IsComplete())
	})

	t.Run("empty checklist is trivially complete", func(t *testing.T) {
		assert.True(t, SummarizeChecklist(nil).IsComplete())
	})
}
