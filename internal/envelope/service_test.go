package envelope

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"envelope-engine/internal/driver"
	"envelope-engine/internal/envelope/gatescache"
	"envelope-engine/pkg/sentinel"
)

type ServiceSuite struct {
	suite.Suite
	ctx      context.Context
	store    *InMemoryStore
	sink     *RecordingSink
	advisory *gatescache.MemoryCache
	service  *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = NewInMemoryStore()
	s.sink = &RecordingSink{}
	s.advisory = gatescache.NewMemory()

	catalog := driver.NewCatalog(driver.NewLoader(filepath.Join("testdata", "drivers")))
	svc, err := NewService(catalog, s.store, log.New(os.Stderr, "", 0),
		WithSink(s.sink),
		WithFileStorage(NewMemoryStorage()),
		WithAdvisoryCache(s.advisory),
	)
	s.Require().NoError(err)
	s.service = svc
}

func (s *ServiceSuite) createVoucher() *Envelope {
	env, err := s.service.Create(s.ctx, CreateParams{
		Reference: Reference{Kind: "voucher", ID: "V-1001"},
		DriverID:  "voucher.settlement",
		Actor:     "host",
	})
	s.Require().NoError(err)
	return env
}

func (s *ServiceSuite) validPatch() map[string]any {
	return map[string]any{"amount": 250.0, "currency": "EUR"}
}

func (s *ServiceSuite) uploadInvoice(envID uuid.UUID) *Attachment {
	att, err := s.service.UploadAttachment(s.ctx, UploadParams{
		EnvelopeID: envID,
		DocType:    "INVOICE",
		Filename:   "invoice.pdf",
		MimeType:   "application/pdf",
		Content:    []byte("%PDF-1.4 test"),
		Actor:      "supplier",
	})
	s.Require().NoError(err)
	return att
}

func (s *ServiceSuite) TestCreate() {
	s.Run("starts in draft with seeded checklist and signals", func() {
		env := s.createVoucher()
		s.Equal(StatusDraft, env.Status)
		s.Equal(0, env.PayloadVersion)
		s.Equal("voucher.settlement@1.0.0", env.DriverKey())

		items, err := s.store.ListChecklistItems(s.ctx, env.ID)
		s.Require().NoError(err)
		s.Len(items, 3)
		for _, item := range items {
			s.Equal(ItemMissing, item.Status, "item %s", item.Key)
		}

		signals, err := s.store.ListSignals(s.ctx, env.ID)
		s.Require().NoError(err)
		s.Len(signals, 1)
		s.Equal("host_approved", signals[0].Key)
		s.False(signals[0].Bool())
	})

	s.Run("populates the gate cache without firing GateChanged", func() {
		createdBefore := len(s.sink.Created)
		env := s.createVoucher()
		for _, key := range []string{"payload_valid", "checklist_complete", "settleable"} {
			value, ok := env.Gate(key)
			s.True(ok, "gate %s computed", key)
			s.False(value)
		}
		s.Empty(s.sink.Changes)
		s.Len(s.sink.Created, createdBefore+1)
	})

	s.Run("initial payload is validated and versioned", func() {
		env, err := s.service.Create(s.ctx, CreateParams{
			Reference:      Reference{Kind: "voucher", ID: "V-1002"},
			DriverID:       "voucher.settlement",
			InitialPayload: s.validPatch(),
			Actor:          "host",
		})
		s.Require().NoError(err)
		s.Equal(1, env.PayloadVersion)

		versions, err := s.store.ListPayloadVersions(s.ctx, env.ID)
		s.Require().NoError(err)
		s.Require().Len(versions, 1)
		s.Equal(1, versions[0].Version)
		s.NotEmpty(versions[0].Hash)
	})

	s.Run("invalid initial payload rejects creation", func() {
		_, err := s.service.Create(s.ctx, CreateParams{
			Reference:      Reference{Kind: "voucher", ID: "V-1003"},
			DriverID:       "voucher.settlement",
			InitialPayload: map[string]any{"amount": -5},
			Actor:          "host",
		})
		s.Require().Error(err)
	})

	s.Run("unknown driver is fatal", func() {
		_, err := s.service.Create(s.ctx, CreateParams{
			Reference: Reference{Kind: "voucher", ID: "V-1004"},
			DriverID:  "does.not.exist",
		})
		var nf *driver.NotFoundError
		s.Require().ErrorAs(err, &nf)
	})
}

func (s *ServiceSuite) TestPatchPayload() {
	s.Run("first patch moves draft to in_progress and bumps version once", func() {
		env := s.createVoucher()
		patched, err := s.service.PatchPayload(s.ctx, env.ID, s.validPatch(), "host")
		s.Require().NoError(err)
		s.Equal(StatusInProgress, patched.Status)
		s.Equal(1, patched.PayloadVersion)

		versions, err := s.store.ListPayloadVersions(s.ctx, env.ID)
		s.Require().NoError(err)
		s.Require().Len(versions, 1)
		s.Equal(map[string]any{"amount": 250.0, "currency": "EUR"}, versions[0].Snapshot)
	})

	s.Run("invalid patch is rejected wholly", func() {
		env := s.createVoucher()
		_, err := s.service.PatchPayload(s.ctx, env.ID, s.validPatch(), "host")
		s.Require().NoError(err)

		_, err = s.service.PatchPayload(s.ctx, env.ID, map[string]any{"amount": -1}, "host")
		s.Require().Error(err)

		reloaded, err := s.store.GetEnvelope(s.ctx, env.ID)
		s.Require().NoError(err)
		s.Equal(1, reloaded.PayloadVersion, "failed patch leaves no version behind")
		s.Equal(250.0, reloaded.Payload["amount"])
	})

	s.Run("patch flips the payload_field item", func() {
		env := s.createVoucher()
		_, err := s.service.PatchPayload(s.ctx, env.ID, s.validPatch(), "host")
		s.Require().NoError(err)

		items, err := s.store.ListChecklistItems(s.ctx, env.ID)
		s.Require().NoError(err)
		for _, item := range items {
			if item.Key == "amount_present" {
				s.Equal(ItemAccepted, item.Status)
			}
		}
	})

	s.Run("locked envelope rejects patches", func() {
		env := s.createVoucher()
		_, err := s.service.PatchPayload(s.ctx, env.ID, s.validPatch(), "host")
		s.Require().NoError(err)
		_, err = s.service.Lock(s.ctx, env.ID, "host")
		s.Require().NoError(err)

		_, err = s.service.PatchPayload(s.ctx, env.ID, map[string]any{"amount": 300.0}, "host")
		var ite *InvalidTransitionError
		s.Require().ErrorAs(err, &ite)
		s.Equal("patch_payload", ite.Action)
	})

	s.Run("version never skips under concurrent patches", func() {
		env, err := s.service.Create(s.ctx, CreateParams{
			Reference:      Reference{Kind: "voucher", ID: "V-2000"},
			DriverID:       "voucher.settlement",
			InitialPayload: s.validPatch(),
			Actor:          "host",
		})
		s.Require().NoError(err)

		const writers = 10
		var wg sync.WaitGroup
		var successes atomic.Int32
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				_, err := s.service.PatchPayload(s.ctx, env.ID, map[string]any{"amount": float64(300 + n)}, "host")
				if err == nil {
					successes.Add(1)
					return
				}
				var cme *ConcurrentModificationError
				s.ErrorAs(err, &cme)
			}(i)
		}
		wg.Wait()

		reloaded, err := s.store.GetEnvelope(s.ctx, env.ID)
		s.Require().NoError(err)
		s.Equal(1+int(successes.Load()), reloaded.PayloadVersion)

		versions, err := s.store.ListPayloadVersions(s.ctx, env.ID)
		s.Require().NoError(err)
		s.Len(versions, reloaded.PayloadVersion)
		for i, pv := range versions {
			s.Equal(i+1, pv.Version, "versions stay contiguous")
		}
	})
}

func (s *ServiceSuite) TestAttachments() {
	s.Run("rejects undeclared doc type, bad mime and oversize", func() {
		env := s.createVoucher()

		_, err := s.service.UploadAttachment(s.ctx, UploadParams{
			EnvelopeID: env.ID, DocType: "RANDOM", Filename: "x.pdf",
			MimeType: "application/pdf", Content: []byte("x"),
		})
		var dna *DocumentNotAllowedError
		s.Require().ErrorAs(err, &dna)

		_, err = s.service.UploadAttachment(s.ctx, UploadParams{
			EnvelopeID: env.ID, DocType: "INVOICE", Filename: "x.png",
			MimeType: "image/png", Content: []byte("x"),
		})
		s.Require().ErrorAs(err, &dna)

		_, err = s.service.UploadAttachment(s.ctx, UploadParams{
			EnvelopeID: env.ID, DocType: "INVOICE", Filename: "big.pdf",
			MimeType: "application/pdf", Content: make([]byte, 3*1024*1024),
		})
		s.Require().ErrorAs(err, &dna)
		s.Contains(dna.Reason, "maximum size")
	})

	s.Run("upload sets needs_review, accept completes the item", func() {
		env := s.createVoucher()
		att := s.uploadInvoice(env.ID)
		s.Equal(ReviewPending, att.ReviewStatus)
		s.NotEmpty(att.Hash)

		items, _ := s.store.ListChecklistItems(s.ctx, env.ID)
		s.Equal(ItemNeedsReview, itemByKey(items, "invoice").Status)

		s.Require().NoError(s.service.ReviewAttachment(s.ctx, att.ID, ReviewAccepted, "reviewer", ""))
		items, _ = s.store.ListChecklistItems(s.ctx, env.ID)
		s.Equal(ItemAccepted, itemByKey(items, "invoice").Status)
	})

	s.Run("accepted attachment blocks re-upload until rejected", func() {
		env := s.createVoucher()
		att := s.uploadInvoice(env.ID)
		s.Require().NoError(s.service.ReviewAttachment(s.ctx, att.ID, ReviewAccepted, "reviewer", ""))

		_, err := s.service.UploadAttachment(s.ctx, UploadParams{
			EnvelopeID: env.ID, DocType: "INVOICE", Filename: "v2.pdf",
			MimeType: "application/pdf", Content: []byte("v2"),
		})
		var dna *DocumentNotAllowedError
		s.Require().ErrorAs(err, &dna)
		s.Contains(dna.Reason, "reject it before")

		s.Require().NoError(s.service.ReviewAttachment(s.ctx, att.ID, ReviewRejected, "reviewer", "superseded"))
		replacement := s.uploadInvoice(env.ID)
		s.NotEqual(att.ID, replacement.ID)
	})

	s.Run("rejection records the reason and flags the item", func() {
		env := s.createVoucher()
		att := s.uploadInvoice(env.ID)
		s.Require().NoError(s.service.ReviewAttachment(s.ctx, att.ID, ReviewRejected, "reviewer", "illegible scan"))

		stored, err := s.store.GetAttachment(s.ctx, att.ID)
		s.Require().NoError(err)
		s.Equal(ReviewRejected, stored.ReviewStatus)
		s.Equal("illegible scan", stored.RejectionReason)
		s.NotNil(stored.ReviewedAt)

		items, _ := s.store.ListChecklistItems(s.ctx, env.ID)
		s.Equal(ItemRejected, itemByKey(items, "invoice").Status)
	})
}

func (s *ServiceSuite) TestSignals() {
	s.Run("unknown key is rejected", func() {
		env := s.createVoucher()
		err := s.service.SetSignal(s.ctx, env.ID, "nope", true, "host")
		var use *UnknownSignalError
		s.Require().ErrorAs(err, &use)
	})

	s.Run("setting a signal completes its checklist item", func() {
		env := s.createVoucher()
		s.Require().NoError(s.service.SetSignal(s.ctx, env.ID, "host_approved", true, "host"))

		items, _ := s.store.ListChecklistItems(s.ctx, env.ID)
		s.Equal(ItemAccepted, itemByKey(items, "host_approval").Status)

		s.Require().NoError(s.service.SetSignal(s.ctx, env.ID, "host_approved", false, "host"))
		items, _ = s.store.ListChecklistItems(s.ctx, env.ID)
		s.Equal(ItemMissing, itemByKey(items, "host_approval").Status)
	})
}

func (s *ServiceSuite) TestSettlementFlow() {
	env := s.createVoucher()

	_, err := s.service.PatchPayload(s.ctx, env.ID, s.validPatch(), "host")
	s.Require().NoError(err)

	att := s.uploadInvoice(env.ID)
	s.Require().NoError(s.service.ReviewAttachment(s.ctx, att.ID, ReviewAccepted, "reviewer", ""))

	// Everything but the host signal is satisfied: settleable stays false.
	gates, err := s.service.ComputeGates(s.ctx, env.ID)
	s.Require().NoError(err)
	s.True(gates["payload_valid"])
	s.False(gates["settleable"])

	s.Require().NoError(s.service.SetSignal(s.ctx, env.ID, "host_approved", true, "host"))

	// The settleable flip fires exactly one GateChanged with New=true.
	flips := 0
	for _, change := range s.sink.Changes {
		if change.GateKey == SettleableGate && change.New {
			flips++
			s.Require().NotNil(change.Old)
			s.False(*change.Old)
		}
	}
	s.Equal(1, flips)

	_, err = s.service.Lock(s.ctx, env.ID, "host")
	s.Require().NoError(err)

	settled, err := s.service.Settle(s.ctx, env.ID, "host")
	s.Require().NoError(err)
	s.Equal(StatusSettled, settled.Status)
	s.NotNil(settled.SettledAt)
	s.True(settled.Status.IsTerminal())

	s.Run("audit trail records the journey", func() {
		entries, err := s.store.ListAudit(s.ctx, env.ID)
		s.Require().NoError(err)
		actions := map[string]bool{}
		for _, entry := range entries {
			actions[entry.Action] = true
		}
		for _, want := range []string{
			ActionCreated, ActionPayloadPatch, ActionAttachmentUpload,
			ActionAttachmentReview, ActionSignalSet, ActionGateChange,
			ActionLocked, ActionSettled,
		} {
			s.True(actions[want], "missing audit action %s", want)
		}
	})

	s.Run("advisory cache mirrors final gates", func() {
		cached, ok, err := s.advisory.Get(s.ctx, env.ID)
		s.Require().NoError(err)
		s.Require().True(ok)
		s.True(cached[SettleableGate])
	})
}

func (s *ServiceSuite) TestTransitionGuards() {
	s.Run("lock requires in_progress but not a complete checklist", func() {
		env := s.createVoucher()

		_, err := s.service.Lock(s.ctx, env.ID, "host")
		var ite *InvalidTransitionError
		s.Require().ErrorAs(err, &ite, "draft cannot lock")

		_, err = s.service.PatchPayload(s.ctx, env.ID, s.validPatch(), "host")
		s.Require().NoError(err)
		locked, err := s.service.Lock(s.ctx, env.ID, "host")
		s.Require().NoError(err)
		s.Equal(StatusLocked, locked.Status)
		s.NotNil(locked.LockedAt)
	})

	s.Run("settle recomputes and refuses when not settleable", func() {
		env := s.createVoucher()
		_, err := s.service.PatchPayload(s.ctx, env.ID, s.validPatch(), "host")
		s.Require().NoError(err)
		_, err = s.service.Lock(s.ctx, env.ID, "host")
		s.Require().NoError(err)

		// Poison the advisory cache; settle must not trust it.
		stale, err := s.store.GetEnvelope(s.ctx, env.ID)
		s.Require().NoError(err)
		stale.GatesCache[SettleableGate] = true
		s.Require().NoError(s.store.UpdateEnvelope(s.ctx, stale, stale.Rev))

		_, err = s.service.Settle(s.ctx, env.ID, "host")
		var ite *InvalidTransitionError
		s.Require().ErrorAs(err, &ite)
		s.Contains(ite.Reason, "settleable")

		reloaded, err := s.store.GetEnvelope(s.ctx, env.ID)
		s.Require().NoError(err)
		s.Equal(StatusLocked, reloaded.Status, "failed settle leaves the envelope locked")
	})

	s.Run("reopen is the only backward edge", func() {
		env := s.createVoucher()
		_, err := s.service.PatchPayload(s.ctx, env.ID, s.validPatch(), "host")
		s.Require().NoError(err)

		_, err = s.service.Reopen(s.ctx, env.ID, "host", "not locked yet")
		var ite *InvalidTransitionError
		s.Require().ErrorAs(err, &ite)

		_, err = s.service.Lock(s.ctx, env.ID, "host")
		s.Require().NoError(err)
		reopened, err := s.service.Reopen(s.ctx, env.ID, "host", "supplier sent a new invoice")
		s.Require().NoError(err)
		s.Equal(StatusInProgress, reopened.Status)
		s.Nil(reopened.LockedAt)
	})

	s.Run("cancel and reject require a reason", func() {
		env := s.createVoucher()
		_, err := s.service.Cancel(s.ctx, env.ID, "host", "")
		s.Require().Error(err)
		_, err = s.service.Reject(s.ctx, env.ID, "host", "")
		s.Require().Error(err)

		rejected, err := s.service.Reject(s.ctx, env.ID, "host", "duplicate submission")
		s.Require().NoError(err)
		s.Equal(StatusRejected, rejected.Status)
	})

	s.Run("terminal envelopes refuse everything", func() {
		env := s.createVoucher()
		_, err := s.service.Cancel(s.ctx, env.ID, "host", "abandoned")
		s.Require().NoError(err)

		var ite *InvalidTransitionError
		_, err = s.service.PatchPayload(s.ctx, env.ID, s.validPatch(), "host")
		s.ErrorAs(err, &ite)
		err = s.service.SetSignal(s.ctx, env.ID, "host_approved", true, "host")
		s.ErrorAs(err, &ite)
		_, err = s.service.Reject(s.ctx, env.ID, "host", "too late")
		s.ErrorAs(err, &ite)
		_, err = s.service.UpdateContext(s.ctx, env.ID, map[string]any{"note": "x"}, "host")
		s.ErrorAs(err, &ite)
	})
}

func (s *ServiceSuite) TestContextAndBatch() {
	s.Run("context merges shallowly and never gates", func() {
		env := s.createVoucher()
		_, err := s.service.UpdateContext(s.ctx, env.ID, map[string]any{"department": "finance"}, "host")
		s.Require().NoError(err)
		updated, err := s.service.UpdateContext(s.ctx, env.ID, map[string]any{"priority": "high"}, "host")
		s.Require().NoError(err)
		s.Equal("finance", updated.Context["department"])
		s.Equal("high", updated.Context["priority"])

		gates, err := s.service.ComputeGates(s.ctx, env.ID)
		s.Require().NoError(err)
		s.False(gates[SettleableGate])
	})

	s.Run("schemaless driver treats any non-empty payload as valid", func() {
		env, err := s.service.Create(s.ctx, CreateParams{
			Reference: Reference{Kind: "misc", ID: "M-1"},
			DriverID:  "open.payload",
			Actor:     "host",
		})
		s.Require().NoError(err)

		gates, err := s.service.ComputeGates(s.ctx, env.ID)
		s.Require().NoError(err)
		s.False(gates[SettleableGate])

		_, err = s.service.PatchPayload(s.ctx, env.ID, map[string]any{"anything": true}, "host")
		s.Require().NoError(err)
		gates, err = s.service.ComputeGates(s.ctx, env.ID)
		s.Require().NoError(err)
		s.True(gates[SettleableGate])
	})

	s.Run("batch recompute covers every envelope", func() {
		a := s.createVoucher()
		b := s.createVoucher()
		results, err := s.service.RecomputeGatesBatch(s.ctx, []uuid.UUID{a.ID, b.ID})
		s.Require().NoError(err)
		s.Len(results, 2)
		s.Contains(results[a.ID], SettleableGate)

		_, err = s.service.RecomputeGatesBatch(s.ctx, []uuid.UUID{a.ID, uuid.New()})
		s.Require().Error(err)
		s.True(errors.Is(err, sentinel.ErrNotFound))
	})
}

func itemByKey(items []ChecklistItem, key string) ChecklistItem {
	for _, item := range items {
		if item.Key == key {
			return item
		}
	}
	return ChecklistItem{}
}

// flakyCommitStore fails the next N envelope CAS writes with a conflict.
type flakyCommitStore struct {
	*InMemoryStore
	conflicts int32
}

func (s *flakyCommitStore) UpdateEnvelope(ctx context.Context, env *Envelope, expectedRev int64) error {
	if atomic.AddInt32(&s.conflicts, -1) >= 0 {
		return sentinel.ErrConflict
	}
	return s.InMemoryStore.UpdateEnvelope(ctx, env, expectedRev)
}

// trackingStorage records every stored and deleted path.
type trackingStorage struct {
	*MemoryStorage
	stored  []string
	deleted []string
}

func (t *trackingStorage) Store(ctx context.Context, key string, content []byte) (string, error) {
	path, err := t.MemoryStorage.Store(ctx, key, content)
	if err == nil {
		t.stored = append(t.stored, path)
	}
	return path, err
}

func (t *trackingStorage) Delete(ctx context.Context, path string) error {
	t.deleted = append(t.deleted, path)
	return t.MemoryStorage.Delete(ctx, path)
}

func TestConflictLeavesNoPartialWrites(t *testing.T) {
	ctx := context.Background()
	store := &flakyCommitStore{InMemoryStore: NewInMemoryStore()}
	files := &trackingStorage{MemoryStorage: NewMemoryStorage()}
	catalog := driver.NewCatalog(driver.NewLoader(filepath.Join("testdata", "drivers")))

	svc, err := NewService(catalog, store, log.New(os.Stderr, "", 0), WithFileStorage(files))
	require.NoError(t, err)

	env, err := svc.Create(ctx, CreateParams{
		Reference: Reference{Kind: "voucher", ID: "V-9001"},
		DriverID:  "voucher.settlement",
		Actor:     "host",
	})
	require.NoError(t, err)

	var cme *ConcurrentModificationError

	t.Run("losing a signal write persists nothing", func(t *testing.T) {
		atomic.StoreInt32(&store.conflicts, 1)
		err := svc.SetSignal(ctx, env.ID, "host_approved", true, "host")
		require.ErrorAs(t, err, &cme)

		signals, err := store.ListSignals(ctx, env.ID)
		require.NoError(t, err)
		for _, sig := range signals {
			if sig.Key == "host_approved" {
				assert.Equal(t, "false", sig.Value)
			}
		}

		require.NoError(t, svc.SetSignal(ctx, env.ID, "host_approved", true, "host"))
	})

	t.Run("losing a review write leaves the attachment pending", func(t *testing.T) {
		att, err := svc.UploadAttachment(ctx, UploadParams{
			EnvelopeID: env.ID,
			DocType:    "INVOICE",
			Filename:   "invoice.pdf",
			MimeType:   "application/pdf",
			Content:    []byte("%PDF-1.4"),
			Actor:      "supplier",
		})
		require.NoError(t, err)

		atomic.StoreInt32(&store.conflicts, 1)
		err = svc.ReviewAttachment(ctx, att.ID, ReviewAccepted, "reviewer", "")
		require.ErrorAs(t, err, &cme)

		reloaded, err := store.GetAttachment(ctx, att.ID)
		require.NoError(t, err)
		assert.Equal(t, ReviewPending, reloaded.ReviewStatus)
		assert.Empty(t, reloaded.Reviewer)
	})

	t.Run("losing an upload deletes the stored blob", func(t *testing.T) {
		atomic.StoreInt32(&store.conflicts, 1)
		_, err := svc.UploadAttachment(ctx, UploadParams{
			EnvelopeID: env.ID,
			DocType:    "INVOICE",
			Filename:   "replacement.pdf",
			MimeType:   "application/pdf",
			Content:    []byte("%PDF-1.4 v2"),
			Actor:      "supplier",
		})
		require.ErrorAs(t, err, &cme)

		require.NotEmpty(t, files.stored)
		last := files.stored[len(files.stored)-1]
		assert.Contains(t, files.deleted, last)
		_, err = files.Retrieve(ctx, last)
		assert.Error(t, err)
	})
}
