package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/boatride/slot-booking-backend/internal/models"
	"github.com/boatride/slot-booking-backend/pkg/lock"
	"github.com/boatride/slot-booking-backend/pkg/payment"
)

// AuthorizeParams describes a hold to place. A zero HoldID creates a new
// hold; a known HoldID reconciles that hold instead.
type AuthorizeParams struct {
	HoldID        uuid.UUID
	RiderID       uuid.UUID
	SlotID        uuid.UUID
	Amount        int64
	Currency      string
	PaymentMethod string
	Source        models.HoldEventSource
}

// PaymentCoordinatorConfig holds coordinator limits
type PaymentCoordinatorConfig struct {
	SettleConcurrency int
	CallTimeout       time.Duration
	HoldLockTTL       time.Duration // Upper bound on one processor call for a hold
	HoldLockWait      time.Duration // How long to wait for another process to finish with a hold
}

// errHoldBusy means another process is calling the processor for the hold
var errHoldBusy = errors.New("hold is being settled by another worker")

// PaymentCoordinator is the only writer of hold state. Every processor
// call uses the hold ID as its idempotency key and runs under a per-hold
// lock. With a shared locker the lock spans processes.
type PaymentCoordinator struct {
	holds     HoldStore
	audits    HoldAuditLog
	processor payment.Processor
	config    PaymentCoordinatorConfig
	locks     *keyedMutex
	locker    lock.Locker
	logger    *logrus.Logger
}

// NewPaymentCoordinator creates a new PaymentCoordinator
func NewPaymentCoordinator(
	holds HoldStore,
	audits HoldAuditLog,
	processor payment.Processor,
	locker lock.Locker,
	config PaymentCoordinatorConfig,
	logger *logrus.Logger,
) *PaymentCoordinator {
	if config.SettleConcurrency <= 0 {
		config.SettleConcurrency = 8
	}
	if config.HoldLockTTL <= 0 {
		config.HoldLockTTL = time.Minute
	}
	if config.HoldLockWait <= 0 {
		config.HoldLockWait = 5 * time.Second
	}
	return &PaymentCoordinator{
		holds:     holds,
		audits:    audits,
		processor: processor,
		config:    config,
		locks:     newKeyedMutex(),
		locker:    locker,
		logger:    logger,
	}
}

// ============================================================================
// AUTHORIZE
// ============================================================================

// Authorize places a hold. The hold row is written PENDING before the
// processor is called, so an unknown outcome can be reconciled later with
// the same idempotency key. Declines move the hold to FAILED. There is no
// retry here; callers decide.
func (c *PaymentCoordinator) Authorize(ctx context.Context, p AuthorizeParams) (*models.Hold, error) {
	ctx, span := tracer.Start(ctx, "PaymentCoordinator.Authorize")
	defer span.End()

	hold, err := c.loadOrCreatePending(ctx, p)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("hold.id", hold.ID.String()))

	unlock, err := c.lockHold(ctx, hold.ID)
	if err != nil {
		return hold, models.NewPaymentError(models.CodePaymentOutcomeUnknown, hold.ID, "hold is busy", err)
	}
	defer unlock()

	// State may have moved while waiting for the lock
	current, err := c.holds.GetHold(ctx, hold.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload hold: %w", err)
	}
	if current != nil {
		hold = current
	}

	switch hold.State {
	case models.HoldStateAuthorized:
		return hold, nil
	case models.HoldStateFailed:
		return hold, models.NewPaymentError(models.CodePaymentDeclined, hold.ID, deref(hold.FailureReason), nil)
	case models.HoldStateCaptured, models.HoldStateVoided:
		return hold, models.NewPaymentError(models.CodePaymentFailed, hold.ID, "hold is already "+string(hold.State), models.ErrHoldStateConflict)
	}

	hold, err = c.authorizePending(ctx, hold, p.Source)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "authorize failed")
	}
	return hold, err
}

func (c *PaymentCoordinator) loadOrCreatePending(ctx context.Context, p AuthorizeParams) (*models.Hold, error) {
	if p.HoldID != uuid.Nil {
		existing, err := c.holds.GetHold(ctx, p.HoldID)
		if err != nil {
			return nil, fmt.Errorf("failed to get hold: %w", err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	holdID := p.HoldID
	if holdID == uuid.Nil {
		holdID = uuid.New()
	}
	now := time.Now()
	hold := &models.Hold{
		ID:            holdID,
		RiderID:       p.RiderID,
		SlotID:        p.SlotID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		PaymentMethod: p.PaymentMethod,
		State:         models.HoldStatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.holds.CreateHold(ctx, hold); err != nil {
		return nil, fmt.Errorf("failed to create hold: %w", err)
	}
	c.audit(ctx, models.NewHoldAudit(hold, models.HoldEventAuthorizeRequested, p.Source))
	return hold, nil
}

// authorizePending issues (or re-issues) the processor call for a PENDING
// hold. Caller holds the per-hold lock.
func (c *PaymentCoordinator) authorizePending(ctx context.Context, hold *models.Hold, source models.HoldEventSource) (*models.Hold, error) {
	log := c.logger.WithFields(logrus.Fields{
		"hold_id":  hold.ID,
		"slot_id":  hold.SlotID,
		"rider_id": hold.RiderID,
		"amount":   hold.Amount,
	})

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	start := time.Now()
	auth, err := c.processor.CreateAuthorization(callCtx, payment.AuthorizationRequest{
		IdempotencyKey: hold.ID.String(),
		Amount:         hold.Amount,
		Currency:       hold.Currency,
		PaymentMethod:  hold.PaymentMethod,
		Description:    fmt.Sprintf("Seat on slot %s", hold.SlotID),
		Metadata: map[string]string{
			"slot_id":  hold.SlotID.String(),
			"rider_id": hold.RiderID.String(),
		},
	})

	if err != nil {
		if decline, ok := payment.IsDeclined(err); ok {
			reason := decline.Reason()
			if _, uerr := c.holds.UpdateHoldState(ctx, hold.ID, models.HoldStateList{models.HoldStatePending}, models.HoldStateFailed, models.HoldUpdate{FailureReason: &reason}); uerr != nil {
				log.WithError(uerr).Error("Failed to mark hold as failed")
			}
			hold.State = models.HoldStateFailed
			hold.FailureReason = &reason
			c.audit(ctx, models.NewHoldAudit(hold, models.HoldEventAuthorizeDeclined, source).
				SetError(decline.Message, decline.Code).
				SetProcessingTime(start))
			log.WithField("reason", reason).Info("Authorization declined")
			return hold, models.NewPaymentError(models.CodePaymentDeclined, hold.ID, reason, err)
		}

		// Anything else leaves the processor state undetermined
		if !errors.Is(err, payment.ErrOutcomeUnknown) {
			err = fmt.Errorf("%w: %v", payment.ErrOutcomeUnknown, err)
		}
		c.audit(ctx, models.NewHoldAudit(hold, models.HoldEventAuthorizeUnknown, source).
			SetError(err.Error(), models.CodePaymentOutcomeUnknown).
			SetProcessingTime(start))
		log.WithError(err).Warn("Authorization outcome unknown, hold left pending")
		return hold, models.NewPaymentError(models.CodePaymentOutcomeUnknown, hold.ID, "processor did not confirm the hold", err)
	}

	ref := auth.Ref
	ok, err := c.holds.UpdateHoldState(ctx, hold.ID, models.HoldStateList{models.HoldStatePending}, models.HoldStateAuthorized, models.HoldUpdate{ProcessorRef: &ref})
	if err != nil {
		return hold, fmt.Errorf("failed to record authorization: %w", err)
	}
	if !ok {
		current, gerr := c.holds.GetHold(ctx, hold.ID)
		if gerr != nil || current == nil {
			return hold, models.NewPaymentError(models.CodePaymentFailed, hold.ID, "hold disappeared", models.ErrHoldStateConflict)
		}
		if current.State == models.HoldStateAuthorized {
			return current, nil
		}
		return current, models.NewPaymentError(models.CodePaymentFailed, hold.ID, "hold is already "+string(current.State), models.ErrHoldStateConflict)
	}

	hold.State = models.HoldStateAuthorized
	hold.ProcessorRef = &ref
	c.audit(ctx, models.NewHoldAudit(hold, models.HoldEventAuthorized, source).
		SetProcessorRef(ref).
		SetMetadata(map[string]interface{}{"authorized_amount": auth.Amount}).
		SetProcessingTime(start))
	log.WithField("processor_ref", ref).Info("Hold authorized")
	return hold, nil
}

// ============================================================================
// CAPTURE / VOID
// ============================================================================

// Capture charges one AUTHORIZED hold. Capturing a CAPTURED hold succeeds
// without calling the processor.
func (c *PaymentCoordinator) Capture(ctx context.Context, holdID uuid.UUID, source models.HoldEventSource) (models.HoldOutcome, error) {
	hold, err := c.holds.GetHold(ctx, holdID)
	if err != nil {
		return models.HoldOutcome{HoldID: holdID}, fmt.Errorf("failed to get hold: %w", err)
	}
	if hold == nil {
		return models.HoldOutcome{HoldID: holdID}, models.ErrHoldNotFound
	}
	out := c.captureOne(ctx, hold, source)
	return out, outcomeError(out)
}

// Void releases one hold. Voiding a VOIDED hold succeeds without calling
// the processor; a PENDING hold is reconciled first.
func (c *PaymentCoordinator) Void(ctx context.Context, holdID uuid.UUID, source models.HoldEventSource) (models.HoldOutcome, error) {
	hold, err := c.holds.GetHold(ctx, holdID)
	if err != nil {
		return models.HoldOutcome{HoldID: holdID}, fmt.Errorf("failed to get hold: %w", err)
	}
	if hold == nil {
		return models.HoldOutcome{HoldID: holdID}, models.ErrHoldNotFound
	}
	out := c.voidOne(ctx, hold, source)
	return out, outcomeError(out)
}

// CaptureAll captures every AUTHORIZED hold that backs a seat on the slot.
// Holds settle concurrently; one failure does not stop the others.
func (c *PaymentCoordinator) CaptureAll(ctx context.Context, slotID uuid.UUID, source models.HoldEventSource) ([]models.HoldOutcome, error) {
	ctx, span := tracer.Start(ctx, "PaymentCoordinator.CaptureAll")
	defer span.End()

	holds, err := c.holds.ListHoldsForCapture(ctx, slotID)
	if err != nil {
		return nil, fmt.Errorf("failed to list holds for capture: %w", err)
	}
	span.SetAttributes(attribute.String("slot.id", slotID.String()), attribute.Int("holds", len(holds)))
	return c.fanOut(ctx, holds, func(ctx context.Context, h *models.Hold) models.HoldOutcome {
		return c.captureOne(ctx, h, source)
	}), nil
}

// VoidAll voids every AUTHORIZED hold on the slot
func (c *PaymentCoordinator) VoidAll(ctx context.Context, slotID uuid.UUID, source models.HoldEventSource) ([]models.HoldOutcome, error) {
	ctx, span := tracer.Start(ctx, "PaymentCoordinator.VoidAll")
	defer span.End()

	holds, err := c.holds.ListHoldsForVoid(ctx, slotID)
	if err != nil {
		return nil, fmt.Errorf("failed to list holds for void: %w", err)
	}
	span.SetAttributes(attribute.String("slot.id", slotID.String()), attribute.Int("holds", len(holds)))
	return c.fanOut(ctx, holds, func(ctx context.Context, h *models.Hold) models.HoldOutcome {
		return c.voidOne(ctx, h, source)
	}), nil
}

func (c *PaymentCoordinator) fanOut(ctx context.Context, holds []*models.Hold, settle func(context.Context, *models.Hold) models.HoldOutcome) []models.HoldOutcome {
	outcomes := make([]models.HoldOutcome, len(holds))

	var g errgroup.Group
	g.SetLimit(c.config.SettleConcurrency)
	for i, h := range holds {
		i, h := i, h
		g.Go(func() error {
			outcomes[i] = settle(ctx, h)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (c *PaymentCoordinator) captureOne(ctx context.Context, hold *models.Hold, source models.HoldEventSource) models.HoldOutcome {
	out := models.HoldOutcome{HoldID: hold.ID, RiderID: hold.RiderID, State: hold.State}
	unlock, err := c.lockHold(ctx, hold.ID)
	if err != nil {
		out.Reason = err.Error()
		return out
	}
	defer unlock()

	current, err := c.holds.GetHold(ctx, hold.ID)
	if err != nil || current == nil {
		out.State = hold.State
		out.Reason = "hold could not be read"
		return out
	}
	hold = current
	out.State = hold.State

	switch hold.State {
	case models.HoldStateCaptured:
		out.Succeeded = true
		return out
	case models.HoldStateAuthorized:
	default:
		out.Reason = "cannot capture a " + string(hold.State) + " hold"
		return out
	}

	log := c.logger.WithFields(logrus.Fields{"hold_id": hold.ID, "slot_id": hold.SlotID, "rider_id": hold.RiderID})
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	start := time.Now()
	if err := c.processor.Capture(callCtx, hold.Ref(), "capture:"+hold.ID.String()); err != nil {
		out.Reason = failureReason(err)
		if rerr := c.holds.RecordHoldFailure(ctx, hold.ID, out.Reason); rerr != nil {
			log.WithError(rerr).Error("Failed to record capture failure")
		}
		c.audit(ctx, models.NewHoldAudit(hold, models.HoldEventCaptureFailed, source).
			SetError(err.Error(), errorCode(err)).
			SetProcessingTime(start))
		log.WithError(err).Warn("Capture failed")
		return out
	}

	ok, err := c.holds.UpdateHoldState(ctx, hold.ID, models.HoldStateList{models.HoldStateAuthorized}, models.HoldStateCaptured, models.HoldUpdate{})
	if err != nil || !ok {
		// The processor charged; only our record is behind
		log.WithError(err).Error("Captured at processor but hold state not updated")
	}
	out.State = models.HoldStateCaptured
	out.Succeeded = true
	c.audit(ctx, models.NewHoldAudit(hold, models.HoldEventCaptured, source).SetProcessingTime(start))
	log.Info("Hold captured")
	return out
}

func (c *PaymentCoordinator) voidOne(ctx context.Context, hold *models.Hold, source models.HoldEventSource) models.HoldOutcome {
	out := models.HoldOutcome{HoldID: hold.ID, RiderID: hold.RiderID, State: hold.State}
	unlock, err := c.lockHold(ctx, hold.ID)
	if err != nil {
		out.Reason = err.Error()
		return out
	}
	defer unlock()

	current, err := c.holds.GetHold(ctx, hold.ID)
	if err != nil || current == nil {
		out.State = hold.State
		out.Reason = "hold could not be read"
		return out
	}
	hold = current

	// A seat on a live slot is paid for at claim time
	secured, err := c.holds.HoldSecuresSeat(ctx, hold.ID)
	if err != nil {
		out.State = hold.State
		out.Reason = "seat check failed"
		return out
	}
	if secured {
		out.State = hold.State
		out.Reason = "hold secures a seat"
		return out
	}

	if hold.State == models.HoldStatePending {
		// Learn the processor outcome with the original key before voiding
		resolved, err := c.authorizePending(ctx, hold, source)
		if err != nil {
			if resolved != nil && resolved.State == models.HoldStateFailed {
				// Declined: nothing is reserved
				out.State = models.HoldStateFailed
				out.Succeeded = true
				return out
			}
			out.State = hold.State
			out.Reason = failureReason(err)
			return out
		}
		hold = resolved
	}
	out.State = hold.State

	switch hold.State {
	case models.HoldStateVoided:
		out.Succeeded = true
		return out
	case models.HoldStateAuthorized:
	default:
		out.Reason = "cannot void a " + string(hold.State) + " hold"
		return out
	}

	log := c.logger.WithFields(logrus.Fields{"hold_id": hold.ID, "slot_id": hold.SlotID, "rider_id": hold.RiderID})
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	start := time.Now()
	if err := c.processor.Void(callCtx, hold.Ref(), "void:"+hold.ID.String()); err != nil {
		out.Reason = failureReason(err)
		if rerr := c.holds.RecordHoldFailure(ctx, hold.ID, out.Reason); rerr != nil {
			log.WithError(rerr).Error("Failed to record void failure")
		}
		c.audit(ctx, models.NewHoldAudit(hold, models.HoldEventVoidFailed, source).
			SetError(err.Error(), errorCode(err)).
			SetProcessingTime(start))
		log.WithError(err).Warn("Void failed")
		return out
	}

	ok, err := c.holds.UpdateHoldState(ctx, hold.ID, models.HoldStateList{models.HoldStateAuthorized}, models.HoldStateVoided, models.HoldUpdate{})
	if err != nil || !ok {
		log.WithError(err).Error("Voided at processor but hold state not updated")
	}
	out.State = models.HoldStateVoided
	out.Succeeded = true
	c.audit(ctx, models.NewHoldAudit(hold, models.HoldEventVoided, source).SetProcessingTime(start))
	log.Info("Hold voided")
	return out
}

// ============================================================================
// HELPERS
// ============================================================================

// lockHold serializes processor work on one hold, first in process and
// then through the shared locker
func (c *PaymentCoordinator) lockHold(ctx context.Context, holdID uuid.UUID) (func(), error) {
	unlock := c.locks.Lock(holdID)
	if c.locker == nil {
		return unlock, nil
	}

	key := "hold_lock:" + holdID.String()
	deadline := time.Now().Add(c.config.HoldLockWait)
	for {
		release, err := c.locker.Acquire(ctx, key, c.config.HoldLockTTL)
		if err == nil {
			return func() {
				release()
				unlock()
			}, nil
		}
		if !errors.Is(err, lock.ErrNotAcquired) {
			unlock()
			return nil, fmt.Errorf("failed to lock hold: %w", err)
		}
		if time.Now().After(deadline) {
			unlock()
			return nil, errHoldBusy
		}
		select {
		case <-ctx.Done():
			unlock()
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (c *PaymentCoordinator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.CallTimeout > 0 {
		return context.WithTimeout(ctx, c.config.CallTimeout)
	}
	return context.WithCancel(ctx)
}

// audit never fails the caller; a lost audit row is logged instead
func (c *PaymentCoordinator) audit(ctx context.Context, a *models.HoldAudit) {
	if c.audits == nil {
		return
	}
	if err := c.audits.Log(context.WithoutCancel(ctx), a); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"hold_id":    a.HoldID,
			"event_type": a.EventType,
		}).Error("Failed to write hold audit")
	}
}

func outcomeError(out models.HoldOutcome) error {
	if out.Succeeded {
		return nil
	}
	return models.NewPaymentError(models.CodePaymentFailed, out.HoldID, out.Reason, nil)
}

func failureReason(err error) string {
	if decline, ok := payment.IsDeclined(err); ok {
		return decline.Reason()
	}
	if be, ok := models.AsBookingError(err); ok && be.Reason != "" {
		return be.Reason
	}
	if payment.IsOutcomeUnknown(err) {
		return "processor did not answer"
	}
	return err.Error()
}

func errorCode(err error) string {
	if decline, ok := payment.IsDeclined(err); ok {
		return decline.Code
	}
	if payment.IsOutcomeUnknown(err) {
		return models.CodePaymentOutcomeUnknown
	}
	return models.CodePaymentFailed
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
