package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boatride/slot-booking-backend/internal/models"
	"github.com/boatride/slot-booking-backend/pkg/payment"
)

func TestHoldReconciler_VoidsStrandedHolds(t *testing.T) {
	ctx := context.Background()
	h := setupBookingTest(t, 0)
	slot := h.createSlot(t, 4, 2)

	// Authorized, then the process died before the seat was reserved
	hold, err := h.payments.Authorize(ctx, authorizeParams(slot.ID, payment.SandboxMethodOK))
	require.NoError(t, err)
	seated := h.mustBook(t, slot.ID, uuid.New())

	// Inside the grace period nothing is touched
	report, err := h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.StrandedVoided)
	assert.Equal(t, models.HoldStateAuthorized, h.hold(t, hold.ID).State)

	h.advance(time.Hour)
	preview, err := h.reconciler.Preview(ctx)
	require.NoError(t, err)
	require.Len(t, preview.Stranded, 1)
	assert.Equal(t, hold.ID, preview.Stranded[0].ID)
	assert.Empty(t, preview.StalePending)
	assert.Equal(t, models.HoldStateAuthorized, h.hold(t, hold.ID).State)

	report, err = h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StrandedVoided)
	assert.Equal(t, models.HoldStateVoided, h.hold(t, hold.ID).State)
	assert.Equal(t, models.HoldStateAuthorized, h.hold(t, seated.HoldID).State)
}

func TestHoldReconciler_CancelsExpiredOpenSlots(t *testing.T) {
	ctx := context.Background()
	h := setupBookingTest(t, 0)

	belowFloor := h.createSlot(t, 4, 2)
	r := h.mustBook(t, belowFloor.ID, uuid.New())

	atFloor := h.createSlot(t, 4, 1)
	kept := h.mustBook(t, atFloor.ID, uuid.New())

	h.advance(48 * time.Hour)
	report, err := h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.SlotsCancelled)

	assert.Equal(t, models.SlotStatusCancelled, h.slot(t, belowFloor.ID).Status)
	assert.Equal(t, models.HoldStateVoided, h.hold(t, r.HoldID).State)

	assert.Equal(t, models.SlotStatusMinReached, h.slot(t, atFloor.ID).Status)
	assert.Equal(t, models.HoldStateAuthorized, h.hold(t, kept.HoldID).State)

	cancelled := h.publisher.OfType(models.EventSlotCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, belowFloor.ID, cancelled[0].SlotID)
}

func TestCronService_RunReconcileNow(t *testing.T) {
	h := setupBookingTest(t, 0)
	cron := NewCronService(h.reconciler, "0 */5 * * * *", quietLogger())

	require.NoError(t, cron.Start())
	defer cron.Stop()

	report, err := cron.RunReconcileNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &ReconcileReport{}, report)

	status := cron.GetJobStatus()
	assert.Equal(t, 1, status["job_count"])
	assert.Equal(t, report, status["last_report"])
}

func TestCronService_RejectsBadSchedule(t *testing.T) {
	h := setupBookingTest(t, 0)
	cron := NewCronService(h.reconciler, "every five minutes", quietLogger())
	assert.Error(t, cron.Start())
}

// rebookingHoldStore runs a booking right after the stranded holds are listed
type rebookingHoldStore struct {
	HoldStore
	afterList func()
}

func (s *rebookingHoldStore) ListStrandedHolds(ctx context.Context, olderThan time.Time, limit int) ([]*models.Hold, error) {
	holds, err := s.HoldStore.ListStrandedHolds(ctx, olderThan, limit)
	if s.afterList != nil {
		s.afterList()
		s.afterList = nil
	}
	return holds, err
}

func TestHoldReconciler_RebookDuringPassKeepsSeatPaid(t *testing.T) {
	ctx := context.Background()
	h := setupBookingTest(t, 0)
	slot := h.createSlot(t, 4, 1)
	rider := uuid.New()

	params := authorizeParams(slot.ID, payment.SandboxMethodOK)
	params.RiderID = rider
	params.Amount = slot.PricePerSeat
	leftover, err := h.payments.Authorize(ctx, params)
	require.NoError(t, err)

	var booked *models.BookingResult
	holds := &rebookingHoldStore{HoldStore: h.store, afterList: func() {
		booked = h.mustBook(t, slot.ID, rider)
	}}
	reconciler := NewHoldReconcilerService(h.store, holds, h.payments, h.orchestrator, h.locker,
		HoldReconcilerConfig{GracePeriod: 10 * time.Minute}, quietLogger())
	reconciler.now = func() time.Time { return time.Now().Add(time.Hour) }

	report, err := reconciler.RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, booked)
	assert.Equal(t, 1, report.StrandedVoided)

	// The booking placed its own hold; the leftover one is gone
	assert.NotEqual(t, leftover.ID, booked.HoldID)
	assert.Equal(t, models.HoldStateVoided, h.hold(t, leftover.ID).State)

	seated, ok := h.slot(t, slot.ID).FindRider(rider)
	require.True(t, ok)
	assert.Equal(t, booked.HoldID, seated.HoldID)
	assert.Equal(t, models.HoldStateAuthorized, h.hold(t, seated.HoldID).State)

	result, err := h.orchestrator.ClaimSlot(ctx, h.operatorID, slot.ID)
	require.NoError(t, err)
	assert.Empty(t, result.FailedOutcomes())
	assert.Equal(t, models.HoldStateCaptured, h.hold(t, seated.HoldID).State)
}

func TestHoldReconciler_DefersHoldsOfBookingInFlight(t *testing.T) {
	ctx := context.Background()
	h := setupBookingTest(t, 0)
	slot := h.createSlot(t, 4, 2)

	hold, err := h.payments.Authorize(ctx, authorizeParams(slot.ID, payment.SandboxMethodOK))
	require.NoError(t, err)
	h.advance(time.Hour)

	release, err := h.locker.Acquire(ctx, bookingLockKey(slot.ID, hold.RiderID), time.Minute)
	require.NoError(t, err)

	report, err := h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, 0, report.StrandedVoided)
	assert.Equal(t, models.HoldStateAuthorized, h.hold(t, hold.ID).State)

	release()
	report, err = h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Deferred)
	assert.Equal(t, 1, report.StrandedVoided)
	assert.Equal(t, models.HoldStateVoided, h.hold(t, hold.ID).State)
}
