package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/boatride/slot-booking-backend/internal/models"
	"github.com/boatride/slot-booking-backend/pkg/lock"
)

// SlotCanceller cancels a slot without an ownership check
type SlotCanceller interface {
	CancelExpiredSlot(ctx context.Context, slotID uuid.UUID) (*models.SettlementResult, error)
}

// HoldReconcilerConfig holds reconciler settings
type HoldReconcilerConfig struct {
	GracePeriod       time.Duration // Holds younger than this may belong to a booking in flight
	AutoCancelExpired bool          // Cancel OPEN slots whose start time passed
	BatchSize         int
	LockTTL           time.Duration // Booking lock held while one hold is repaired
}

// ReconcileReport counts what one reconciliation pass did
type ReconcileReport struct {
	PendingResolved int `json:"pending_resolved"`
	PendingFailed   int `json:"pending_failed"`
	StrandedVoided  int `json:"stranded_voided"`
	StrandedFailed  int `json:"stranded_failed"`
	SlotsCancelled  int `json:"slots_cancelled"`
	Uncaptured      int `json:"uncaptured"`
	Deferred        int `json:"deferred"`
}

// HoldReconcilerService repairs holds left behind by crashes, timeouts
// and partial settlements. Each hold is repaired under the rider's booking
// lock, so a booking in flight never sees its hold voided underneath it.
type HoldReconcilerService struct {
	slots     SlotStore
	holds     HoldStore
	payments  *PaymentCoordinator
	canceller SlotCanceller
	locker    lock.Locker
	config    HoldReconcilerConfig
	logger    *logrus.Logger
	now       func() time.Time
}

// NewHoldReconcilerService creates a new HoldReconcilerService
func NewHoldReconcilerService(
	slots SlotStore,
	holds HoldStore,
	payments *PaymentCoordinator,
	canceller SlotCanceller,
	locker lock.Locker,
	config HoldReconcilerConfig,
	logger *logrus.Logger,
) *HoldReconcilerService {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.LockTTL <= 0 {
		config.LockTTL = 30 * time.Second
	}
	return &HoldReconcilerService{
		slots:     slots,
		holds:     holds,
		payments:  payments,
		canceller: canceller,
		locker:    locker,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// RunOnce performs one reconciliation pass
func (s *HoldReconcilerService) RunOnce(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	cutoff := s.now().Add(-s.config.GracePeriod)

	if err := s.resolvePending(ctx, cutoff, report); err != nil {
		return report, err
	}
	if err := s.voidStranded(ctx, cutoff, report); err != nil {
		return report, err
	}
	if s.config.AutoCancelExpired {
		if err := s.cancelExpired(ctx, report); err != nil {
			return report, err
		}
	}
	if err := s.reportUncaptured(ctx, report); err != nil {
		return report, err
	}
	return report, nil
}

// resolvePending re-drives authorizations whose outcome was never learned
func (s *HoldReconcilerService) resolvePending(ctx context.Context, cutoff time.Time, report *ReconcileReport) error {
	holds, err := s.holds.ListStalePendingHolds(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list pending holds: %w", err)
	}

	for _, hold := range holds {
		err := s.withBookingLock(ctx, hold, func() error {
			backed, err := s.holds.HoldBacksSeat(ctx, hold.ID)
			if err != nil {
				return fmt.Errorf("failed to check hold %s: %w", hold.ID, err)
			}
			if backed {
				_, err = s.payments.Authorize(ctx, AuthorizeParams{HoldID: hold.ID, Source: models.HoldSourceReconciler})
			} else {
				_, err = s.payments.Void(ctx, hold.ID, models.HoldSourceReconciler)
			}
			return err
		})
		if errors.Is(err, lock.ErrNotAcquired) {
			report.Deferred++
			continue
		}
		if err != nil {
			report.PendingFailed++
			s.logger.WithError(err).WithField("hold_id", hold.ID).Warn("Pending hold still unresolved")
			continue
		}
		report.PendingResolved++
	}
	return nil
}

// voidStranded voids AUTHORIZED holds that back no seat, or back a seat on
// a cancelled slot
func (s *HoldReconcilerService) voidStranded(ctx context.Context, cutoff time.Time, report *ReconcileReport) error {
	holds, err := s.holds.ListStrandedHolds(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list stranded holds: %w", err)
	}

	for _, hold := range holds {
		err := s.withBookingLock(ctx, hold, func() error {
			_, err := s.payments.Void(ctx, hold.ID, models.HoldSourceReconciler)
			return err
		})
		if errors.Is(err, lock.ErrNotAcquired) {
			report.Deferred++
			continue
		}
		if err != nil {
			report.StrandedFailed++
			s.logger.WithError(err).WithField("hold_id", hold.ID).Warn("Stranded hold could not be voided")
			continue
		}
		report.StrandedVoided++
	}
	return nil
}

// withBookingLock runs fn while holding the booking lock of the hold's
// rider and slot. It returns lock.ErrNotAcquired when a booking is in flight.
func (s *HoldReconcilerService) withBookingLock(ctx context.Context, hold *models.Hold, fn func() error) error {
	release, err := s.locker.Acquire(ctx, bookingLockKey(hold.SlotID, hold.RiderID), s.config.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			s.logger.WithField("hold_id", hold.ID).Debug("Booking in progress, hold left for the next pass")
		}
		return err
	}
	defer release()
	return fn()
}

func (s *HoldReconcilerService) cancelExpired(ctx context.Context, report *ReconcileReport) error {
	slots, err := s.slots.ListExpiredOpenSlots(ctx, s.now(), s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list expired slots: %w", err)
	}

	for _, slot := range slots {
		if _, err := s.canceller.CancelExpiredSlot(ctx, slot.ID); err != nil {
			s.logger.WithError(err).WithField("slot_id", slot.ID).Warn("Expired slot could not be cancelled")
			continue
		}
		report.SlotsCancelled++
		s.logger.WithFields(logrus.Fields{
			"slot_id":      slot.ID,
			"booked_seats": slot.BookedSeats,
			"min_riders":   slot.MinRidersToConfirm,
		}).Info("Cancelled slot that started below its floor")
	}
	return nil
}

// reportUncaptured flags holds on claimed slots whose capture failed.
// These need manual follow-up; nothing is retried automatically.
func (s *HoldReconcilerService) reportUncaptured(ctx context.Context, report *ReconcileReport) error {
	holds, err := s.holds.ListUncapturedClaimedHolds(ctx, s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list uncaptured holds: %w", err)
	}

	report.Uncaptured = len(holds)
	for _, hold := range holds {
		s.logger.WithFields(logrus.Fields{
			"hold_id":        hold.ID,
			"slot_id":        hold.SlotID,
			"rider_id":       hold.RiderID,
			"amount":         hold.Amount,
			"failure_reason": deref(hold.FailureReason),
		}).Error("Claimed slot has an uncaptured hold")
	}
	return nil
}

// ReconcilePreview counts what RunOnce would act on, without acting
type ReconcilePreview struct {
	StalePending []*models.Hold `json:"stale_pending"`
	Stranded     []*models.Hold `json:"stranded"`
	ExpiredSlots []*models.Slot `json:"expired_slots"`
	Uncaptured   []*models.Hold `json:"uncaptured"`
}

// Preview lists the holds and slots the next pass would touch
func (s *HoldReconcilerService) Preview(ctx context.Context) (*ReconcilePreview, error) {
	cutoff := s.now().Add(-s.config.GracePeriod)
	preview := &ReconcilePreview{}

	var err error
	if preview.StalePending, err = s.holds.ListStalePendingHolds(ctx, cutoff, s.config.BatchSize); err != nil {
		return nil, fmt.Errorf("failed to list pending holds: %w", err)
	}
	if preview.Stranded, err = s.holds.ListStrandedHolds(ctx, cutoff, s.config.BatchSize); err != nil {
		return nil, fmt.Errorf("failed to list stranded holds: %w", err)
	}
	if s.config.AutoCancelExpired {
		if preview.ExpiredSlots, err = s.slots.ListExpiredOpenSlots(ctx, s.now(), s.config.BatchSize); err != nil {
			return nil, fmt.Errorf("failed to list expired slots: %w", err)
		}
	}
	if preview.Uncaptured, err = s.holds.ListUncapturedClaimedHolds(ctx, s.config.BatchSize); err != nil {
		return nil, fmt.Errorf("failed to list uncaptured holds: %w", err)
	}
	return preview, nil
}
