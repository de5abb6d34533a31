package envelope

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"envelope-engine/internal/driver"
	"envelope-engine/internal/envelope/metrics"
	"envelope-engine/internal/gate"
	"envelope-engine/internal/payload"
	"envelope-engine/pkg/sentinel"
)

// AdvisoryCache mirrors computed gates for read-side consumers (dashboards).
// It is never consulted for transition decisions.
type AdvisoryCache interface {
	Put(ctx context.Context, envelopeID uuid.UUID, gates map[string]bool) error
	Get(ctx context.Context, envelopeID uuid.UUID) (map[string]bool, bool, error)
}

// Service orchestrates envelope operations: it keeps orchestration out of
// callers and domain logic thin. Every mutating operation executes under an
// optimistic revision check so concurrent writers serialize or fail with a
// ConcurrentModificationError.
type Service struct {
	catalog   *driver.Catalog
	store     Store
	files     FileStorage
	validator *payload.Validator
	sink      Sink
	logger    *log.Logger
	advisory  AdvisoryCache

	auditEnabled bool
	now          func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithSink subscribes an event sink for EnvelopeCreated/GateChanged.
func WithSink(sink Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithFileStorage injects the attachment storage collaborator.
func WithFileStorage(files FileStorage) Option {
	return func(s *Service) { s.files = files }
}

// WithAdvisoryCache mirrors computed gates into a shared read-side cache.
func WithAdvisoryCache(cache AdvisoryCache) Option {
	return func(s *Service) { s.advisory = cache }
}

// WithAuditDisabled turns off audit rows (test environments only).
func WithAuditDisabled() Option {
	return func(s *Service) { s.auditEnabled = false }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(catalog *driver.Catalog, store Store, logger *log.Logger, opts ...Option) (*Service, error) {
	if catalog == nil {
		return nil, errors.New("driver catalog is required")
	}
	if store == nil {
		return nil, errors.New("envelope store is required")
	}

	s := &Service{
		catalog:      catalog,
		store:        store,
		validator:    payload.NewValidator(),
		sink:         NopSink{},
		logger:       logger,
		auditEnabled: true,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	return s, nil
}

// CreateParams describes a new envelope.
type CreateParams struct {
	Reference      Reference
	DriverID       string
	DriverVersion  string
	InitialPayload map[string]any
	Context        map[string]any
	Actor          string
}

// Create binds a new envelope to a driver, seeds its checklist and signals
// from the driver's templates, computes initial gates and emits
// EnvelopeCreated. Initial gate computation populates the cache without
// firing GateChanged.
func (s *Service) Create(ctx context.Context, params CreateParams) (*Envelope, error) {
	drv, err := s.catalog.Load(params.DriverID, params.DriverVersion)
	if err != nil {
		return nil, err
	}

	now := s.now()
	env := &Envelope{
		ID:            uuid.New(),
		Reference:     params.Reference,
		DriverID:      drv.ID,
		DriverVersion: drv.Version,
		Status:        StatusDraft,
		Context:       payload.Clone(params.Context),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var firstVersion *PayloadVersion
	if params.InitialPayload != nil {
		if err := s.validator.Validate(params.InitialPayload, drv.SchemaID, drv.InlineSchema); err != nil {
			return nil, err
		}
		env.Payload = payload.Clone(params.InitialPayload)
		env.PayloadVersion = 1
		firstVersion = &PayloadVersion{
			EnvelopeID: env.ID,
			Version:    1,
			Snapshot:   payload.Clone(env.Payload),
			Hash:       payloadHash(env.Payload),
			Actor:      params.Actor,
			CreatedAt:  now,
		}
	}

	items := buildChecklist(env, drv)
	signals := seedSignals(env, drv, now)

	// Initial item statuses: payload fields against the initial payload,
	// signal/attestation items against the seeded defaults.
	for i := range items {
		items[i].Status = ComputeItemStatus(items[i], nil, env.Payload, signalIsTrue(signals, items[i].SignalKey))
	}

	gates, _ := s.evaluateGates(drv, env, items, signals)
	env.GatesCache = gates

	if err := s.store.CreateEnvelope(ctx, env, items, signals); err != nil {
		return nil, fmt.Errorf("persist envelope: %w", err)
	}
	if firstVersion != nil {
		if err := s.store.AddPayloadVersion(ctx, firstVersion); err != nil {
			return nil, fmt.Errorf("persist payload version: %w", err)
		}
	}

	s.audit(ctx, env.ID, ActionCreated, params.Actor, "", nil, nil, map[string]any{
		"driver":    drv.Key(),
		"reference": params.Reference.Kind + ":" + params.Reference.ID,
	})
	s.sink.EnvelopeCreated(ctx, *env)
	s.putAdvisory(ctx, env.ID, gates)

	return env, nil
}

// PatchPayload merge-patches the payload, bumps payloadVersion by exactly
// one, records the version row, refreshes dependent checklist items and
// recomputes gates. Validation failure rejects the whole patch.
func (s *Service) PatchPayload(ctx context.Context, envelopeID uuid.UUID, patch map[string]any, actor string) (*Envelope, error) {
	env, err := s.store.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	if !env.CanEdit() {
		metrics.PayloadPatches.WithLabelValues("not_editable").Inc()
		return nil, &InvalidTransitionError{EnvelopeID: env.ID, From: env.Status, Action: "patch_payload", Reason: "envelope is not editable"}
	}

	drv, err := s.catalog.Load(env.DriverID, env.DriverVersion)
	if err != nil {
		return nil, err
	}

	oldPayload := env.Payload
	merged := payload.MergePatch(oldPayload, patch)
	if err := s.validator.Validate(merged, drv.SchemaID, drv.InlineSchema); err != nil {
		metrics.PayloadPatches.WithLabelValues("invalid").Inc()
		return nil, err
	}

	now := s.now()
	oldStatus := env.Status
	env.Payload = merged
	env.PayloadVersion++
	if env.Status == StatusDraft {
		env.Status = StatusInProgress
	}

	items, signals, err := s.loadFacts(ctx, env.ID)
	if err != nil {
		return nil, err
	}
	touched := refreshPayloadItems(items, merged)

	gates, changes := s.evaluateGates(drv, env, items, signals)
	env.GatesCache = gates

	if err := s.commit(ctx, env); err != nil {
		metrics.PayloadPatches.WithLabelValues("conflict").Inc()
		return nil, err
	}

	pv := &PayloadVersion{
		EnvelopeID: env.ID,
		Version:    env.PayloadVersion,
		Snapshot:   payload.Clone(merged),
		Patch:      payload.Clone(patch),
		Hash:       payloadHash(merged),
		Actor:      actor,
		CreatedAt:  now,
	}
	if err := s.store.AddPayloadVersion(ctx, pv); err != nil {
		return nil, fmt.Errorf("persist payload version: %w", err)
	}
	s.persistItems(ctx, items, touched)

	s.audit(ctx, env.ID, ActionPayloadPatch, actor, "", oldPayload, merged, nil)
	if oldStatus != env.Status {
		s.auditStatus(ctx, env.ID, actor, oldStatus, env.Status, "first mutation")
	}
	s.emitGateChanges(ctx, changes)
	s.putAdvisory(ctx, env.ID, gates)
	metrics.PayloadPatches.WithLabelValues("ok").Inc()

	return env, nil
}

// UploadParams describes one attachment upload.
type UploadParams struct {
	EnvelopeID uuid.UUID
	DocType    string
	Filename   string
	MimeType   string
	Content    []byte
	Metadata   map[string]any
	Actor      string
}

// UploadAttachment stores the file via the storage collaborator, records the
// attachment and recomputes the governing checklist item and gates. A doc
// type whose current attachment is accepted must be explicitly rejected
// before a replacement is accepted.
func (s *Service) UploadAttachment(ctx context.Context, params UploadParams) (*Attachment, error) {
	if s.files == nil {
		return nil, errors.New("file storage is not configured")
	}

	env, err := s.store.GetEnvelope(ctx, params.EnvelopeID)
	if err != nil {
		return nil, err
	}
	if !env.CanEdit() {
		return nil, &InvalidTransitionError{EnvelopeID: env.ID, From: env.Status, Action: "upload_attachment", Reason: "envelope is not editable"}
	}

	drv, err := s.catalog.Load(env.DriverID, env.DriverVersion)
	if err != nil {
		return nil, err
	}
	docType := drv.DocumentTypeFor(params.DocType)
	if docType == nil {
		return nil, &DocumentNotAllowedError{DocType: params.DocType, Reason: "not in driver document registry"}
	}
	if !docType.AllowsMime(params.MimeType) {
		return nil, &DocumentNotAllowedError{DocType: params.DocType, Reason: fmt.Sprintf("mime type %q not allowed", params.MimeType)}
	}
	if maxBytes := int64(docType.MaxSizeMB) * 1024 * 1024; int64(len(params.Content)) > maxBytes {
		return nil, &DocumentNotAllowedError{DocType: params.DocType, Reason: fmt.Sprintf("exceeds maximum size of %dMB", docType.MaxSizeMB)}
	}

	latest, err := s.store.LatestAttachment(ctx, env.ID, params.DocType)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.ReviewStatus == ReviewAccepted && !docType.Multiple {
		return nil, &DocumentNotAllowedError{DocType: params.DocType, Reason: "current attachment is accepted; reject it before uploading a replacement"}
	}

	now := s.now()
	attachmentID := uuid.New()
	key := fmt.Sprintf("envelopes/%s/%s/%s-%s", env.ID, params.DocType, attachmentID, params.Filename)
	path, err := s.files.Store(ctx, key, params.Content)
	if err != nil {
		return nil, fmt.Errorf("store attachment: %w", err)
	}

	sum := sha256.Sum256(params.Content)
	att := &Attachment{
		ID:           attachmentID,
		EnvelopeID:   env.ID,
		DocType:      params.DocType,
		Filename:     params.Filename,
		Path:         path,
		MimeType:     params.MimeType,
		Size:         int64(len(params.Content)),
		Hash:         hex.EncodeToString(sum[:]),
		Metadata:     params.Metadata,
		UploadedBy:   params.Actor,
		ReviewStatus: ReviewPending,
		CreatedAt:    now,
	}

	items, signals, err := s.loadFacts(ctx, env.ID)
	if err != nil {
		return nil, err
	}
	touched := map[uuid.UUID]bool{}
	for i := range items {
		if items[i].Kind == driver.KindDocument && items[i].DocType == params.DocType {
			att.ChecklistItemID = &items[i].ID
			next := ComputeItemStatus(items[i], att, env.Payload, false)
			if next != items[i].Status {
				items[i].Status = next
				touched[items[i].ID] = true
			}
		}
	}

	oldStatus := env.Status
	if env.Status == StatusDraft {
		env.Status = StatusInProgress
	}
	gates, changes := s.evaluateGates(drv, env, items, signals)
	env.GatesCache = gates

	if err := s.commit(ctx, env); err != nil {
		s.discardFile(ctx, path)
		return nil, err
	}
	if err := s.store.AddAttachment(ctx, att); err != nil {
		s.discardFile(ctx, path)
		return nil, fmt.Errorf("persist attachment: %w", err)
	}
	s.persistItems(ctx, items, touched)

	s.audit(ctx, env.ID, ActionAttachmentUpload, params.Actor, "", nil, nil, map[string]any{
		"doc_type": params.DocType,
		"filename": params.Filename,
		"hash":     att.Hash,
	})
	if oldStatus != env.Status {
		s.auditStatus(ctx, env.ID, params.Actor, oldStatus, env.Status, "first mutation")
	}
	s.emitGateChanges(ctx, changes)
	s.putAdvisory(ctx, env.ID, gates)

	return att, nil
}

// ReviewAttachment records an accept/reject decision, recomputes the
// governing checklist item and gates.
func (s *Service) ReviewAttachment(ctx context.Context, attachmentID uuid.UUID, decision ReviewStatus, reviewer, reason string) error {
	if decision != ReviewAccepted && decision != ReviewRejected {
		return fmt.Errorf("review decision must be accepted or rejected, got %q", decision)
	}

	att, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return err
	}
	env, err := s.store.GetEnvelope(ctx, att.EnvelopeID)
	if err != nil {
		return err
	}
	if !env.CanEdit() {
		return &InvalidTransitionError{EnvelopeID: env.ID, From: env.Status, Action: "review_attachment", Reason: "envelope is not editable"}
	}
	drv, err := s.catalog.Load(env.DriverID, env.DriverVersion)
	if err != nil {
		return err
	}

	now := s.now()
	oldReview := att.ReviewStatus
	att.ReviewStatus = decision
	att.Reviewer = reviewer
	att.ReviewedAt = &now
	if decision == ReviewRejected {
		att.RejectionReason = reason
	} else {
		att.RejectionReason = ""
	}

	// The decision is persisted only after the envelope commit wins, so a
	// conflicting writer leaves the attachment untouched. Evaluation uses
	// the in-memory copy when the reviewed attachment is the current one.
	latest, err := s.store.LatestAttachment(ctx, env.ID, att.DocType)
	if err != nil {
		return err
	}
	if latest != nil && latest.ID == att.ID {
		latest = att
	}

	items, signals, err := s.loadFacts(ctx, env.ID)
	if err != nil {
		return err
	}
	touched := map[uuid.UUID]bool{}
	for i := range items {
		if items[i].Kind == driver.KindDocument && items[i].DocType == att.DocType {
			next := ComputeItemStatus(items[i], latest, env.Payload, false)
			if next != items[i].Status {
				items[i].Status = next
				touched[items[i].ID] = true
			}
		}
	}

	gates, changes := s.evaluateGates(drv, env, items, signals)
	env.GatesCache = gates

	if err := s.commit(ctx, env); err != nil {
		return err
	}
	if err := s.store.UpdateAttachment(ctx, att); err != nil {
		return fmt.Errorf("persist review: %w", err)
	}
	s.persistItems(ctx, items, touched)

	s.audit(ctx, env.ID, ActionAttachmentReview, reviewer, "", map[string]any{
		"status": string(oldReview),
	}, map[string]any{
		"status": string(decision),
		"reason": reason,
	}, map[string]any{"doc_type": att.DocType})
	s.emitGateChanges(ctx, changes)
	s.putAdvisory(ctx, env.ID, gates)

	return nil
}

// SetSignal records an externally asserted fact. The key must be declared by
// the driver; terminal envelopes reject signal changes.
func (s *Service) SetSignal(ctx context.Context, envelopeID uuid.UUID, key string, value bool, actor string) error {
	env, err := s.store.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return err
	}
	if env.Status.IsTerminal() {
		return &InvalidTransitionError{EnvelopeID: env.ID, From: env.Status, Action: "set_signal", Reason: "envelope is terminal"}
	}

	drv, err := s.catalog.Load(env.DriverID, env.DriverVersion)
	if err != nil {
		return err
	}
	def := drv.SignalDefinitionFor(key)
	if def == nil {
		return &UnknownSignalError{Key: key}
	}

	items, signals, err := s.loadFacts(ctx, env.ID)
	if err != nil {
		return err
	}

	stored := "false"
	if value {
		stored = "true"
	}
	sig := &Signal{
		EnvelopeID: env.ID,
		Key:        key,
		Type:       def.Type,
		Value:      stored,
		Source:     def.Source,
		SetBy:      actor,
		UpdatedAt:  s.now(),
	}

	// Apply the new value to the in-memory snapshot so evaluation sees it;
	// the row itself is persisted only after the envelope commit wins.
	oldValue := ""
	replaced := false
	for i := range signals {
		if signals[i].Key == key {
			oldValue = signals[i].Value
			signals[i] = *sig
			replaced = true
		}
	}
	if !replaced {
		signals = append(signals, *sig)
	}

	touched := map[uuid.UUID]bool{}
	for i := range items {
		if (items[i].Kind == driver.KindSignal || items[i].Kind == driver.KindAttestation) && items[i].SignalKey == key {
			next := ComputeItemStatus(items[i], nil, env.Payload, value)
			if next != items[i].Status {
				items[i].Status = next
				touched[items[i].ID] = true
			}
		}
	}

	gates, changes := s.evaluateGates(drv, env, items, signals)
	env.GatesCache = gates

	if err := s.commit(ctx, env); err != nil {
		return err
	}
	if err := s.store.UpsertSignal(ctx, sig); err != nil {
		return fmt.Errorf("persist signal: %w", err)
	}
	s.persistItems(ctx, items, touched)

	s.audit(ctx, env.ID, ActionSignalSet, actor, "", map[string]any{
		"key":   key,
		"value": oldValue,
	}, map[string]any{
		"key":   key,
		"value": stored,
	}, nil)
	s.emitGateChanges(ctx, changes)
	s.putAdvisory(ctx, env.ID, gates)

	return nil
}

// UpdateContext shallow-merges caller metadata. Context is never
// schema-validated and never feeds gate evaluation.
func (s *Service) UpdateContext(ctx context.Context, envelopeID uuid.UUID, patch map[string]any, actor string) (*Envelope, error) {
	env, err := s.store.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	if env.Status.IsTerminal() {
		return nil, &InvalidTransitionError{EnvelopeID: env.ID, From: env.Status, Action: "update_context", Reason: "envelope is terminal"}
	}

	oldContext := env.Context
	merged := make(map[string]any, len(oldContext)+len(patch))
	for k, v := range oldContext {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	env.Context = merged

	if err := s.commit(ctx, env); err != nil {
		return nil, err
	}
	s.audit(ctx, env.ID, ActionContextUpdate, actor, "", oldContext, merged, nil)
	return env, nil
}

// Lock freezes editing. It does not imply readiness: the checklist need not
// be complete.
func (s *Service) Lock(ctx context.Context, envelopeID uuid.UUID, actor string) (*Envelope, error) {
	env, err := s.store.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	if !env.Status.CanLock() {
		metrics.Transitions.WithLabelValues("lock", "rejected").Inc()
		return nil, &InvalidTransitionError{EnvelopeID: env.ID, From: env.Status, Action: "lock"}
	}

	now := s.now()
	oldStatus := env.Status
	env.Status = StatusLocked
	env.LockedAt = &now

	if err := s.commit(ctx, env); err != nil {
		return nil, err
	}
	metrics.Transitions.WithLabelValues("lock", "ok").Inc()
	s.auditTransition(ctx, env.ID, ActionLocked, actor, oldStatus, env.Status, "")
	return env, nil
}

// Settle finalizes a locked envelope. The settleable gate is recomputed
// authoritatively from current payload/checklist/signals; the cache is never
// trusted for this decision, and errors surface instead of defaulting.
func (s *Service) Settle(ctx context.Context, envelopeID uuid.UUID, actor string) (*Envelope, error) {
	env, err := s.store.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	if !env.Status.CanSettle() {
		metrics.Transitions.WithLabelValues("settle", "rejected").Inc()
		return nil, &InvalidTransitionError{EnvelopeID: env.ID, From: env.Status, Action: "settle"}
	}

	drv, err := s.catalog.Load(env.DriverID, env.DriverVersion)
	if err != nil {
		return nil, err
	}
	items, signals, err := s.loadFacts(ctx, env.ID)
	if err != nil {
		return nil, err
	}

	gates, changes := s.evaluateGates(drv, env, items, signals)
	if !gates[SettleableGate] {
		metrics.Transitions.WithLabelValues("settle", "not_settleable").Inc()
		return nil, &InvalidTransitionError{EnvelopeID: env.ID, From: env.Status, Action: "settle", Reason: "settleable gate is false"}
	}

	now := s.now()
	oldStatus := env.Status
	env.Status = StatusSettled
	env.SettledAt = &now
	env.GatesCache = gates

	if err := s.commit(ctx, env); err != nil {
		return nil, err
	}
	metrics.Transitions.WithLabelValues("settle", "ok").Inc()
	s.auditTransition(ctx, env.ID, ActionSettled, actor, oldStatus, env.Status, "")
	s.emitGateChanges(ctx, changes)
	s.putAdvisory(ctx, env.ID, gates)
	return env, nil
}

// Cancel abandons an envelope. Reason is required.
func (s *Service) Cancel(ctx context.Context, envelopeID uuid.UUID, actor, reason string) (*Envelope, error) {
	if reason == "" {
		return nil, errors.New("reason is required when cancelling an envelope")
	}
	env, err := s.store.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	if !env.Status.CanCancel() {
		metrics.Transitions.WithLabelValues("cancel", "rejected").Inc()
		return nil, &InvalidTransitionError{EnvelopeID: env.ID, From: env.Status, Action: "cancel"}
	}

	now := s.now()
	oldStatus := env.Status
	env.Status = StatusCancelled
	env.CancelledAt = &now

	if err := s.commit(ctx, env); err != nil {
		return nil, err
	}
	metrics.Transitions.WithLabelValues("cancel", "ok").Inc()
	s.auditTransition(ctx, env.ID, ActionCancelled, actor, oldStatus, env.Status, reason)
	return env, nil
}

// Reject is a hard stop; a rejected envelope needs a new envelope to retry.
// Reason is required.
func (s *Service) Reject(ctx context.Context, envelopeID uuid.UUID, actor, reason string) (*Envelope, error) {
	if reason == "" {
		return nil, errors.New("reason is required when rejecting an envelope")
	}
	env, err := s.store.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	if !env.Status.CanReject() {
		metrics.Transitions.WithLabelValues("reject", "rejected").Inc()
		return nil, &InvalidTransitionError{EnvelopeID: env.ID, From: env.Status, Action: "reject"}
	}

	oldStatus := env.Status
	env.Status = StatusRejected

	if err := s.commit(ctx, env); err != nil {
		return nil, err
	}
	metrics.Transitions.WithLabelValues("reject", "ok").Inc()
	s.auditTransition(ctx, env.ID, ActionRejected, actor, oldStatus, env.Status, reason)
	return env, nil
}

// Reopen returns a locked envelope to editing, the only backward
// transition. Reason is required.
func (s *Service) Reopen(ctx context.Context, envelopeID uuid.UUID, actor, reason string) (*Envelope, error) {
	if reason == "" {
		return nil, errors.New("reason is required when reopening an envelope")
	}
	env, err := s.store.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	if !env.Status.CanReopen() {
		metrics.Transitions.WithLabelValues("reopen", "rejected").Inc()
		return nil, &InvalidTransitionError{EnvelopeID: env.ID, From: env.Status, Action: "reopen"}
	}

	oldStatus := env.Status
	env.Status = StatusInProgress
	env.LockedAt = nil

	if err := s.commit(ctx, env); err != nil {
		return nil, err
	}
	metrics.Transitions.WithLabelValues("reopen", "ok").Inc()
	s.auditTransition(ctx, env.ID, ActionReopened, actor, oldStatus, env.Status, reason)
	return env, nil
}

// Get returns the envelope aggregate.
func (s *Service) Get(ctx context.Context, envelopeID uuid.UUID) (*Envelope, error) {
	return s.store.GetEnvelope(ctx, envelopeID)
}

// ComputeGates evaluates gates fresh from current state without persisting
// anything. A missing driver is fatal for the operation.
func (s *Service) ComputeGates(ctx context.Context, envelopeID uuid.UUID) (map[string]bool, error) {
	env, err := s.store.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	drv, err := s.catalog.Load(env.DriverID, env.DriverVersion)
	if err != nil {
		return nil, err
	}
	items, signals, err := s.loadFacts(ctx, env.ID)
	if err != nil {
		return nil, err
	}
	gates, _ := s.evaluateGates(drv, env, items, signals)
	return gates, nil
}

// CachedGates serves the advisory cache when available, falling back to a
// fresh computation. Advisory only: never used for transition decisions.
func (s *Service) CachedGates(ctx context.Context, envelopeID uuid.UUID) (map[string]bool, error) {
	if s.advisory != nil {
		gates, ok, err := s.advisory.Get(ctx, envelopeID)
		if err != nil {
			s.logger.Printf("advisory gates cache read failed for %s: %v", envelopeID, err)
		} else if ok {
			return gates, nil
		}
	}
	return s.ComputeGates(ctx, envelopeID)
}

// ChecklistStatus summarizes checklist completion.
func (s *Service) ChecklistStatus(ctx context.Context, envelopeID uuid.UUID) (ChecklistStatus, error) {
	items, err := s.store.ListChecklistItems(ctx, envelopeID)
	if err != nil {
		return ChecklistStatus{}, err
	}
	return SummarizeChecklist(items), nil
}

// IsChecklistComplete is true iff every required item is accepted.
func (s *Service) IsChecklistComplete(ctx context.Context, envelopeID uuid.UUID) (bool, error) {
	status, err := s.ChecklistStatus(ctx, envelopeID)
	if err != nil {
		return false, err
	}
	return status.IsComplete(), nil
}

// RecomputeGatesBatch evaluates gates for many envelopes concurrently, for
// dashboard refresh after a driver deploy. Pure reads; nothing persists.
func (s *Service) RecomputeGatesBatch(ctx context.Context, envelopeIDs []uuid.UUID) (map[uuid.UUID]map[string]bool, error) {
	results := make([]map[string]bool, len(envelopeIDs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range envelopeIDs {
		g.Go(func() error {
			gates, err := s.ComputeGates(ctx, id)
			if err != nil {
				return fmt.Errorf("envelope %s: %w", id, err)
			}
			results[i] = gates
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[uuid.UUID]map[string]bool, len(envelopeIDs))
	for i, id := range envelopeIDs {
		out[id] = results[i]
	}
	return out, nil
}

// internal helpers

func (s *Service) loadFacts(ctx context.Context, envelopeID uuid.UUID) ([]ChecklistItem, []Signal, error) {
	items, err := s.store.ListChecklistItems(ctx, envelopeID)
	if err != nil {
		return nil, nil, err
	}
	signals, err := s.store.ListSignals(ctx, envelopeID)
	if err != nil {
		return nil, nil, err
	}
	return items, signals, nil
}

// commit CASes the envelope on the revision read at load time, translating
// the store conflict into the domain error.
func (s *Service) commit(ctx context.Context, env *Envelope) error {
	expected := env.Rev
	err := s.store.UpdateEnvelope(ctx, env, expected)
	if errors.Is(err, sentinel.ErrConflict) {
		return &ConcurrentModificationError{EnvelopeID: env.ID, ExpectedRev: expected}
	}
	return err
}

// evaluateGates builds the rule context from a consistent snapshot and runs
// the driver's gates in declaration order. Changes are reported only
// against a previously populated cache.
func (s *Service) evaluateGates(drv *driver.Driver, env *Envelope, items []ChecklistItem, signals []Signal) (map[string]bool, []GateChange) {
	start := time.Now()
	defer func() {
		metrics.GateEvalDuration.Observe(time.Since(start).Seconds())
	}()

	ctx := gate.NewContext()

	// Signals: driver defaults overlaid with stored values.
	for _, def := range drv.Signals {
		ctx.Signal[def.Key] = def.Default
	}
	for _, sig := range signals {
		ctx.Signal[sig.Key] = sig.Bool()
	}
	ctx.Signal["_all_satisfied"] = requiredSignalsSatisfied(drv, signals)

	// Payload: the document itself, with computed valid/version overlaid
	// last so drivers can always reference them.
	for k, v := range env.Payload {
		ctx.Payload[k] = v
	}
	ctx.Payload["valid"] = s.payloadValid(drv, env)
	ctx.Payload["version"] = env.PayloadVersion

	status := SummarizeChecklist(items)
	ctx.Checklist["total"] = status.Total
	ctx.Checklist["required_count"] = status.RequiredCount
	ctx.Checklist["completed_count"] = status.CompletedCount
	ctx.Checklist["required_completed"] = status.RequiredCompleted
	ctx.Checklist["required_accepted"] = status.RequiredCount == status.RequiredCompleted
	ctx.Checklist["required_present"] = status.RequiredCount == status.RequiredPresent
	ctx.Checklist["pending_count"] = status.PendingCount
	ctx.Checklist["rejected_count"] = status.RejectedCount
	ctx.Checklist["has_rejected"] = status.RejectedCount > 0
	ctx.Checklist["complete"] = status.IsComplete()

	results := gate.EvaluateAll(drv.CompiledGates(), ctx)

	var changes []GateChange
	if env.GatesCache != nil {
		keys := make([]string, 0, len(results))
		for key := range results {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			old, had := env.GatesCache[key]
			if had && old != results[key] {
				oldCopy := old
				changes = append(changes, GateChange{
					EnvelopeID: env.ID,
					GateKey:    key,
					Old:        &oldCopy,
					New:        results[key],
				})
				metrics.GateFlips.WithLabelValues(key).Inc()
			}
		}
	}

	return results, changes
}

// requiredSignalsSatisfied is the conjunction of every required signal,
// defaults overlaid with stored values.
func requiredSignalsSatisfied(drv *driver.Driver, signals []Signal) bool {
	values := map[string]bool{}
	for _, def := range drv.Signals {
		if def.Required {
			values[def.Key] = def.Default
		}
	}
	for _, sig := range signals {
		if _, tracked := values[sig.Key]; tracked {
			values[sig.Key] = sig.Bool()
		}
	}
	for _, v := range values {
		if !v {
			return false
		}
	}
	return true
}

// payloadValid is schema validity when the driver carries a schema,
// otherwise payload presence.
func (s *Service) payloadValid(drv *driver.Driver, env *Envelope) bool {
	if drv.InlineSchema == nil {
		return len(env.Payload) > 0
	}
	return s.validator.Validate(env.Payload, drv.SchemaID, drv.InlineSchema) == nil
}

func (s *Service) persistItems(ctx context.Context, items []ChecklistItem, touched map[uuid.UUID]bool) {
	for i := range items {
		if !touched[items[i].ID] {
			continue
		}
		if err := s.store.UpdateChecklistItem(ctx, &items[i]); err != nil {
			s.logger.Printf("persist checklist item %s: %v", items[i].Key, err)
		}
	}
}

func (s *Service) emitGateChanges(ctx context.Context, changes []GateChange) {
	for _, change := range changes {
		s.sink.GateChanged(ctx, change)
		s.audit(ctx, change.EnvelopeID, ActionGateChange, "", "system", map[string]any{
			"gate":  change.GateKey,
			"value": *change.Old,
		}, map[string]any{
			"gate":  change.GateKey,
			"value": change.New,
		}, nil)
	}
}

// discardFile removes a blob whose attachment record never committed.
func (s *Service) discardFile(ctx context.Context, path string) {
	if err := s.files.Delete(ctx, path); err != nil {
		s.logger.Printf("discard orphaned attachment file %s: %v", path, err)
	}
}

func (s *Service) putAdvisory(ctx context.Context, envelopeID uuid.UUID, gates map[string]bool) {
	if s.advisory == nil {
		return
	}
	if err := s.advisory.Put(ctx, envelopeID, gates); err != nil {
		s.logger.Printf("advisory gates cache write failed for %s: %v", envelopeID, err)
	}
}

func (s *Service) auditTransition(ctx context.Context, envelopeID uuid.UUID, action, actor string, from, to Status, reason string) {
	after := map[string]any{"status": string(to)}
	if reason != "" {
		after["reason"] = reason
	}
	s.audit(ctx, envelopeID, action, actor, "", map[string]any{"status": string(from)}, after, nil)
}

func (s *Service) auditStatus(ctx context.Context, envelopeID uuid.UUID, actor string, from, to Status, reason string) {
	s.audit(ctx, envelopeID, ActionStatusChange, actor, "system", map[string]any{
		"status": string(from),
	}, map[string]any{
		"status": string(to),
		"reason": reason,
	}, nil)
}

// audit appends one log row. Best-effort after the mutation has committed:
// failures are logged, never rolled back into the caller's result.
func (s *Service) audit(ctx context.Context, envelopeID uuid.UUID, action, actor, actorRole string, before, after, metadata map[string]any) {
	if !s.auditEnabled {
		return
	}
	entry := &AuditEntry{
		ID:         uuid.New(),
		EnvelopeID: envelopeID,
		Action:     action,
		Actor:      actor,
		ActorRole:  actorRole,
		Before:     before,
		After:      after,
		Metadata:   metadata,
		CreatedAt:  s.now(),
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.logger.Printf("append audit %s for %s: %v", action, envelopeID, err)
	}
}

func payloadHash(doc map[string]any) string {
	raw, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func buildChecklist(env *Envelope, drv *driver.Driver) []ChecklistItem {
	items := make([]ChecklistItem, 0, len(drv.Checklist))
	for _, tpl := range drv.Checklist {
		items = append(items, ChecklistItem{
			ID:              uuid.New(),
			EnvelopeID:      env.ID,
			Key:             tpl.Key,
			Label:           tpl.Label,
			Kind:            tpl.Kind,
			DocType:         tpl.DocType,
			PayloadPointer:  tpl.PayloadPointer,
			AttestationType: tpl.AttestationType,
			SignalKey:       tpl.SignalKey,
			Required:        tpl.Required,
			ReviewMode:      tpl.Review,
			Status:          ItemMissing,
		})
	}
	return items
}

func seedSignals(env *Envelope, drv *driver.Driver, now time.Time) []Signal {
	signals := make([]Signal, 0, len(drv.Signals))
	for _, def := range drv.Signals {
		value := "false"
		if def.Default {
			value = "true"
		}
		signals = append(signals, Signal{
			EnvelopeID: env.ID,
			Key:        def.Key,
			Type:       def.Type,
			Value:      value,
			Source:     def.Source,
			UpdatedAt:  now,
		})
	}
	return signals
}

// refreshPayloadItems recomputes payload_field items against the merged
// payload, returning the set of items whose status changed.
func refreshPayloadItems(items []ChecklistItem, doc map[string]any) map[uuid.UUID]bool {
	touched := map[uuid.UUID]bool{}
	for i := range items {
		if items[i].Kind != driver.KindPayloadField {
			continue
		}
		next := ComputeItemStatus(items[i], nil, doc, false)
		if next != items[i].Status {
			items[i].Status = next
			touched[items[i].ID] = true
		}
	}
	return touched
}

func signalIsTrue(signals []Signal, key string) bool {
	if key == "" {
		return false
	}
	for _, sig := range signals {
		if sig.Key == key {
			return sig.Bool()
		}
	}
	return false
}
