package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/boatride/slot-booking-backend/internal/models"
	"github.com/boatride/slot-booking-backend/pkg/lock"
)

// BookingOrchestratorConfig holds configuration for the orchestrator
type BookingOrchestratorConfig struct {
	AuthorizeRetries int           // Extra attempts after an unknown authorization outcome
	RetryBackoff     time.Duration // Pause between those attempts
	LockTTL          time.Duration // Upper bound on one booking attempt
	DefaultCurrency  string        // Currency for new slots (default AED)
}

// DefaultOrchestratorConfig returns default configuration
func DefaultOrchestratorConfig() BookingOrchestratorConfig {
	return BookingOrchestratorConfig{
		AuthorizeRetries: 2,
		RetryBackoff:     500 * time.Millisecond,
		LockTTL:          30 * time.Second,
		DefaultCurrency:  "AED",
	}
}

// BookingOrchestratorService sequences payment holds, the seat ledger and
// slot status changes for riders and operators. Caller identity is always
// an explicit argument.
type BookingOrchestratorService struct {
	slots       SlotStore
	ledger      *SeatLedger
	machine     *SlotStateMachine
	payments    *PaymentCoordinator
	holds       HoldStore
	locker      lock.Locker
	publisher   EventPublisher
	broadcaster SlotBroadcaster
	config      BookingOrchestratorConfig
	logger      *logrus.Logger
	now         func() time.Time
}

// NewBookingOrchestratorService creates a new orchestrator service
func NewBookingOrchestratorService(
	slots SlotStore,
	ledger *SeatLedger,
	machine *SlotStateMachine,
	payments *PaymentCoordinator,
	holds HoldStore,
	locker lock.Locker,
	publisher EventPublisher,
	broadcaster SlotBroadcaster,
	config BookingOrchestratorConfig,
	logger *logrus.Logger,
) *BookingOrchestratorService {
	if config.LockTTL <= 0 {
		config.LockTTL = 30 * time.Second
	}
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = "AED"
	}
	return &BookingOrchestratorService{
		slots:       slots,
		ledger:      ledger,
		machine:     machine,
		payments:    payments,
		holds:       holds,
		locker:      locker,
		publisher:   publisher,
		broadcaster: broadcaster,
		config:      config,
		logger:      logger,
		now:         time.Now,
	}
}

// ============================================================================
// RIDER OPERATIONS
// ============================================================================

// BookSeat places a hold for the slot's price and reserves one seat.
// Repeating the call for a seated rider returns the existing booking.
func (s *BookingOrchestratorService) BookSeat(ctx context.Context, riderID, slotID uuid.UUID, req *models.BookSeatRequest) (*models.BookingResult, error) {
	ctx, span := tracer.Start(ctx, "BookingOrchestrator.BookSeat")
	defer span.End()
	span.SetAttributes(attribute.String("slot.id", slotID.String()), attribute.String("rider.id", riderID.String()))

	if req == nil || strings.TrimSpace(req.PaymentMethod) == "" {
		return nil, models.NewValidationError(models.CodeInvalidRequest, "payment method is required")
	}

	// 1. Pre-check without side effects
	slot, err := s.loadSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if result, ok := replayBooking(slot, riderID); ok {
		return result, nil
	}
	if err := s.checkBookable(slot); err != nil {
		return nil, err
	}

	// 2. One booking attempt per rider and slot at a time
	release, err := s.locker.Acquire(ctx, bookingLockKey(slotID, riderID), s.config.LockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, models.ErrBookingInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire booking lock: %w", err)
	}
	defer release()

	// A concurrent attempt may have finished before we got the lock
	slot, err = s.loadSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if result, ok := replayBooking(slot, riderID); ok {
		return result, nil
	}

	log := s.logger.WithFields(logrus.Fields{"slot_id": slotID, "rider_id": riderID})

	// 3. Authorize
	hold, err := s.authorizeWithRetry(ctx, slot, riderID, req.PaymentMethod)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "authorization failed")
		return nil, err
	}

	// 4. Reserve
	token, err := s.ledger.ReserveSeat(ctx, slotID, riderID, hold.ID)
	if err != nil {
		// The request may be gone, the hold must still be released
		voidCtx := context.WithoutCancel(ctx)
		if out, verr := s.payments.Void(voidCtx, hold.ID, models.HoldSourceRider); verr != nil {
			log.WithError(verr).WithFields(logrus.Fields{
				"hold_id": hold.ID,
				"reason":  out.Reason,
			}).Error("Failed to void hold after reservation failure, reconciler will retry")
		}

		if errors.Is(err, models.ErrRiderAlreadySeated) {
			slot, lerr := s.loadSlot(voidCtx, slotID)
			if lerr != nil {
				return nil, lerr
			}
			if result, ok := replayBooking(slot, riderID); ok {
				return result, nil
			}
		}
		log.WithError(err).Info("Seat reservation rejected, hold voided")
		span.RecordError(err)
		return nil, err
	}

	// 5. Snapshot
	slot, err = s.loadSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, models.NewSlotEvent(models.EventSeatBooked, slot).WithRider(riderID, hold.ID), slot)

	return &models.BookingResult{
		Slot:      slot,
		HoldID:    hold.ID,
		SeatIndex: token.SeatIndex,
	}, nil
}

func (s *BookingOrchestratorService) checkBookable(slot *models.Slot) error {
	switch {
	case slot.Status.IsTerminal():
		return models.ErrAlreadyFinalized
	case slot.HasStarted(s.now()):
		return models.ErrSlotNotBookable
	case slot.SeatsRemaining() == 0 || !slot.Status.IsBookable():
		return models.ErrSlotFull
	}
	return nil
}

// authorizeWithRetry places the hold. A PENDING hold left by an earlier
// attempt with the same payment method is resumed under its own ID; any
// other live hold is voided first, since only a fresh or resumed hold may
// back the seat. Only unknown outcomes are retried, always with the same
// hold ID.
func (s *BookingOrchestratorService) authorizeWithRetry(ctx context.Context, slot *models.Slot, riderID uuid.UUID, paymentMethod string) (*models.Hold, error) {
	params := AuthorizeParams{
		RiderID:       riderID,
		SlotID:        slot.ID,
		Amount:        slot.PricePerSeat,
		Currency:      slot.Currency,
		PaymentMethod: paymentMethod,
		Source:        models.HoldSourceRider,
	}

	existing, err := s.holds.FindLiveHold(ctx, slot.ID, riderID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up previous hold: %w", err)
	}
	if existing != nil {
		if existing.State == models.HoldStatePending && existing.PaymentMethod == paymentMethod && existing.Amount == slot.PricePerSeat {
			params.HoldID = existing.ID
		} else if out, verr := s.payments.Void(ctx, existing.ID, models.HoldSourceRider); verr != nil {
			s.logger.WithError(verr).WithFields(logrus.Fields{
				"hold_id": existing.ID,
				"reason":  out.Reason,
			}).Warn("Could not void superseded hold, reconciler will retry")
		}
	}

	attempts := 1 + s.config.AuthorizeRetries
	for attempt := 1; ; attempt++ {
		hold, err := s.payments.Authorize(ctx, params)
		if err == nil {
			return hold, nil
		}
		be, ok := models.AsBookingError(err)
		if !ok || be.Code != models.CodePaymentOutcomeUnknown || attempt >= attempts {
			return nil, err
		}

		params.HoldID = *be.HoldID
		s.logger.WithFields(logrus.Fields{
			"hold_id": params.HoldID,
			"attempt": attempt,
		}).Warn("Authorization outcome unknown, retrying with same hold")

		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(s.config.RetryBackoff):
		}
	}
}

// CancelSeat releases the rider's seat and voids the hold behind it.
// Calling it again after a partial failure finishes the void.
func (s *BookingOrchestratorService) CancelSeat(ctx context.Context, riderID, slotID uuid.UUID) (*models.Slot, error) {
	ctx, span := tracer.Start(ctx, "BookingOrchestrator.CancelSeat")
	defer span.End()

	release, err := s.ledger.ReleaseSeat(ctx, slotID, riderID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{"slot_id": slotID, "rider_id": riderID})
	voidCtx := context.WithoutCancel(ctx)

	holdID := release.HoldID
	if !release.Released {
		// An earlier cancel may have released the seat but not voided the hold
		live, err := s.holds.FindLiveHold(ctx, slotID, riderID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up hold: %w", err)
		}
		holdID = uuid.Nil
		if live != nil {
			backed, err := s.holds.HoldBacksSeat(ctx, live.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to check hold: %w", err)
			}
			if !backed {
				holdID = live.ID
			}
		}
	}

	if holdID != uuid.Nil {
		if out, verr := s.payments.Void(voidCtx, holdID, models.HoldSourceRider); verr != nil {
			log.WithError(verr).WithFields(logrus.Fields{
				"hold_id": holdID,
				"reason":  out.Reason,
			}).Warn("Seat released but hold not voided, reconciler will retry")
		}
	}

	slot, err := s.loadSlot(voidCtx, slotID)
	if err != nil {
		return nil, err
	}
	if release.Released {
		s.afterCommit(ctx, models.NewSlotEvent(models.EventSeatReleased, slot).WithRider(riderID, release.HoldID), slot)
	}
	return slot, nil
}

// ListRiderBookings returns the rider's upcoming or past trips
func (s *BookingOrchestratorService) ListRiderBookings(ctx context.Context, riderID uuid.UUID, scope models.BookingScope) ([]*models.RiderBooking, error) {
	if scope == "" {
		scope = models.BookingScopeUpcoming
	}
	if scope != models.BookingScopeUpcoming && scope != models.BookingScopePast {
		return nil, models.NewValidationError(models.CodeInvalidRequest, "scope must be upcoming or past")
	}
	bookings, err := s.slots.ListRiderBookings(ctx, riderID, scope, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list rider bookings: %w", err)
	}
	return bookings, nil
}

// GetSeats returns the slot's seat inventory as the ledger last committed it
func (s *BookingOrchestratorService) GetSeats(ctx context.Context, slotID uuid.UUID) (*models.SeatSnapshot, error) {
	return s.ledger.SeatSnapshot(ctx, slotID)
}

// GetSlot returns a snapshot of the slot including its riders
func (s *BookingOrchestratorService) GetSlot(ctx context.Context, slotID uuid.UUID) (*models.Slot, error) {
	return s.loadSlot(ctx, slotID)
}

// ============================================================================
// OPERATOR OPERATIONS
// ============================================================================

// CreateSlot lists a new slot for the operator
func (s *BookingOrchestratorService) CreateSlot(ctx context.Context, operatorID uuid.UUID, req *models.CreateSlotRequest) (*models.Slot, error) {
	req.ApplyDefaults(s.config.DefaultCurrency)
	now := s.now()
	if err := req.Validate(now); err != nil {
		return nil, err
	}

	slot := &models.Slot{
		ID:                 uuid.New(),
		OperatorID:         operatorID,
		Title:              strings.TrimSpace(req.Title),
		Activity:           req.Activity,
		Location:           req.Location,
		TotalSeats:         req.TotalSeats,
		MinRidersToConfirm: req.MinRidersToConfirm,
		PricePerSeat:       req.PricePerSeat,
		Currency:           req.Currency,
		Status:             models.DeriveSlotStatus(0, req.MinRidersToConfirm, req.TotalSeats),
		DurationMinutes:    req.DurationMinutes,
		TimeStart:          req.TimeStart.UTC(),
		CreatedAt:          now,
		UpdatedAt:          now,
		Riders:             []models.SlotRider{},
	}
	if err := s.slots.CreateSlot(ctx, slot); err != nil {
		return nil, fmt.Errorf("failed to create slot: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"slot_id":     slot.ID,
		"operator_id": operatorID,
		"seats":       slot.TotalSeats,
		"min_riders":  slot.MinRidersToConfirm,
		"time_start":  slot.TimeStart,
	}).Info("Slot created")
	return slot, nil
}

// ListOperatorSlots returns the operator's slots starting within [from, to)
func (s *BookingOrchestratorService) ListOperatorSlots(ctx context.Context, operatorID uuid.UUID, from, to time.Time) ([]*models.Slot, error) {
	if !to.After(from) {
		return nil, models.NewValidationError(models.CodeInvalidRequest, "to must be after from")
	}
	slots, err := s.slots.ListOperatorSlots(ctx, operatorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list operator slots: %w", err)
	}
	return slots, nil
}

// OperatorStats summarises the operator's slots starting within [from, to).
// Cancelled slots count towards the slot total only.
func (s *BookingOrchestratorService) OperatorStats(ctx context.Context, operatorID uuid.UUID, from, to time.Time) (*models.OperatorStats, error) {
	slots, err := s.ListOperatorSlots(ctx, operatorID, from, to)
	if err != nil {
		return nil, err
	}

	stats := &models.OperatorStats{OperatorID: operatorID, From: from, To: to, SlotCount: len(slots)}
	var fillSum float64
	var counted int
	for _, slot := range slots {
		if slot.Status == models.SlotStatusClaimed {
			stats.ClaimedCount++
		}
		if slot.Status == models.SlotStatusCancelled {
			continue
		}
		stats.BookedSeats += slot.BookedSeats
		stats.TotalRevenue += slot.CommittedRevenue()
		fillSum += slot.FillRate()
		counted++
	}
	if counted > 0 {
		stats.AvgFillRate = fillSum / float64(counted)
	}
	return stats, nil
}

// ClaimSlot finalizes a slot that reached its floor and captures every hold.
// Capture failures are reported per hold; the claim itself stands.
func (s *BookingOrchestratorService) ClaimSlot(ctx context.Context, operatorID, slotID uuid.UUID) (*models.SettlementResult, error) {
	ctx, span := tracer.Start(ctx, "BookingOrchestrator.ClaimSlot")
	defer span.End()

	if err := s.checkOwner(ctx, operatorID, slotID); err != nil {
		return nil, err
	}

	slot, err := s.machine.Claim(ctx, slotID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// Committed: settle even if the caller goes away
	settleCtx := context.WithoutCancel(ctx)
	outcomes, err := s.payments.CaptureAll(settleCtx, slotID, models.HoldSourceOperator)
	if err != nil {
		s.logger.WithError(err).WithField("slot_id", slotID).Error("Slot claimed but captures could not start, reconciler will report")
	}
	return s.settled(settleCtx, slot, models.EventSlotClaimed, outcomes), nil
}

// CancelSlot calls a slot off and voids every hold
func (s *BookingOrchestratorService) CancelSlot(ctx context.Context, operatorID, slotID uuid.UUID) (*models.SettlementResult, error) {
	ctx, span := tracer.Start(ctx, "BookingOrchestrator.CancelSlot")
	defer span.End()

	if err := s.checkOwner(ctx, operatorID, slotID); err != nil {
		return nil, err
	}
	return s.cancelSlot(ctx, slotID, models.HoldSourceOperator)
}

// CancelExpiredSlot cancels a slot on the system's behalf, without an
// ownership check
func (s *BookingOrchestratorService) CancelExpiredSlot(ctx context.Context, slotID uuid.UUID) (*models.SettlementResult, error) {
	return s.cancelSlot(ctx, slotID, models.HoldSourceReconciler)
}

func (s *BookingOrchestratorService) cancelSlot(ctx context.Context, slotID uuid.UUID, source models.HoldEventSource) (*models.SettlementResult, error) {
	slot, err := s.machine.Cancel(ctx, slotID)
	if err != nil {
		return nil, err
	}

	settleCtx := context.WithoutCancel(ctx)
	outcomes, err := s.payments.VoidAll(settleCtx, slotID, source)
	if err != nil {
		s.logger.WithError(err).WithField("slot_id", slotID).Error("Slot cancelled but voids could not start, reconciler will retry")
	}
	return s.settled(settleCtx, slot, models.EventSlotCancelled, outcomes), nil
}

func (s *BookingOrchestratorService) settled(ctx context.Context, slot *models.Slot, eventType models.SlotEventType, outcomes []models.HoldOutcome) *models.SettlementResult {
	if outcomes == nil {
		outcomes = []models.HoldOutcome{}
	}
	if fresh, err := s.loadSlot(ctx, slot.ID); err == nil {
		slot = fresh
	}
	result := &models.SettlementResult{Slot: slot, Outcomes: outcomes}

	event := models.NewSlotEvent(eventType, slot)
	event.Outcomes = outcomes
	s.afterCommit(ctx, event, slot)

	if failed := result.FailedOutcomes(); len(failed) > 0 {
		s.logger.WithFields(logrus.Fields{
			"slot_id": slot.ID,
			"status":  slot.Status,
			"failed":  len(failed),
			"total":   len(outcomes),
		}).Warn("Slot settlement partially failed")

		partial := models.NewSlotEvent(models.EventSettlementPartialFailed, slot)
		partial.Outcomes = failed
		s.publish(ctx, partial)
	} else {
		s.logger.WithFields(logrus.Fields{
			"slot_id": slot.ID,
			"status":  slot.Status,
			"holds":   len(outcomes),
		}).Info("Slot settled")
	}
	return result
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *BookingOrchestratorService) loadSlot(ctx context.Context, slotID uuid.UUID) (*models.Slot, error) {
	slot, err := s.slots.GetSlot(ctx, slotID)
	if err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	if slot == nil {
		return nil, models.ErrSlotNotFound
	}
	return slot, nil
}

func (s *BookingOrchestratorService) checkOwner(ctx context.Context, operatorID, slotID uuid.UUID) error {
	slot, err := s.loadSlot(ctx, slotID)
	if err != nil {
		return err
	}
	if slot.OperatorID != operatorID {
		return models.ErrNotSlotOwner
	}
	return nil
}

func (s *BookingOrchestratorService) afterCommit(ctx context.Context, event models.SlotEvent, slot *models.Slot) {
	s.publish(ctx, event)
	if s.broadcaster != nil {
		s.broadcaster.BroadcastSlot(slot)
	}
}

// publish never fails the operation that already committed
func (s *BookingOrchestratorService) publish(ctx context.Context, event models.SlotEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"slot_id": event.SlotID,
			"type":    event.Type,
		}).Warn("Failed to publish slot event")
	}
}

func replayBooking(slot *models.Slot, riderID uuid.UUID) (*models.BookingResult, bool) {
	rider, ok := slot.FindRider(riderID)
	if !ok {
		return nil, false
	}
	return &models.BookingResult{
		Slot:      slot,
		HoldID:    rider.HoldID,
		SeatIndex: rider.SeatIndex,
		Replayed:  true,
	}, true
}

func bookingLockKey(slotID, riderID uuid.UUID) string {
	return fmt.Sprintf("booking_lock:%s:%s", slotID, riderID)
}
