package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boatride/slot-booking-backend/internal/models"
	"github.com/boatride/slot-booking-backend/pkg/payment"
)

func TestBookSeat_ConcurrentBookingsNeverExceedCapacity(t *testing.T) {
	h := setupBookingTest(t, 0)
	slot := h.createSlot(t, 5, 3)

	const riders = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	var won, full int
	var unexpected []error

	for i := 0; i < riders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.book(slot.ID, uuid.New(), payment.SandboxMethodOK)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, models.ErrSlotFull):
				full++
			default:
				unexpected = append(unexpected, err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, unexpected)
	assert.Equal(t, 5, won)
	assert.Equal(t, riders-5, full)

	final := h.slot(t, slot.ID)
	assert.Equal(t, 5, final.BookedSeats)
	assert.Len(t, final.Riders, 5)
	assert.Equal(t, models.SlotStatusFull, final.Status)

	seats, err := h.orchestrator.GetSeats(context.Background(), slot.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, seats.TotalSeats)
	assert.Equal(t, seats.BookedSeats, len(seats.Riders))
	assert.Equal(t, 5, seats.BookedSeats)

	// Only the five seated riders keep a live hold
	authorized, err := h.store.ListHoldsForVoid(context.Background(), slot.ID)
	require.NoError(t, err)
	assert.Len(t, authorized, 5)
	for _, hold := range authorized {
		backed, err := h.store.HoldBacksSeat(context.Background(), hold.ID)
		require.NoError(t, err)
		assert.True(t, backed)
	}
}

func TestBookSeat_StatusTracksRevenueFloor(t *testing.T) {
	h := setupBookingTest(t, 0)
	slot := h.createSlot(t, 4, 2)
	assert.Equal(t, models.SlotStatusOpen, slot.Status)

	a, b, c, d := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	r := h.mustBook(t, slot.ID, a)
	assert.Equal(t, models.SlotStatusOpen, r.Slot.Status)
	assert.Equal(t, 0, r.SeatIndex)

	r = h.mustBook(t, slot.ID, b)
	assert.Equal(t, models.SlotStatusMinReached, r.Slot.Status)
	assert.Equal(t, 1, r.SeatIndex)

	h.mustBook(t, slot.ID, c)
	r = h.mustBook(t, slot.ID, d)
	assert.Equal(t, models.SlotStatusFull, r.Slot.Status)
	assert.Equal(t, 4, r.Slot.BookedSeats)

	_, err := h.book(slot.ID, uuid.New(), payment.SandboxMethodOK)
	assert.ErrorIs(t, err, models.ErrSlotFull)

	after, err := h.orchestrator.CancelSeat(context.Background(), d, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStatusMinReached, after.Status)

	_, err = h.orchestrator.CancelSeat(context.Background(), c, slot.ID)
	require.NoError(t, err)
	after, err = h.orchestrator.CancelSeat(context.Background(), b, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStatusOpen, after.Status)
	assert.Equal(t, 1, after.BookedSeats)
}

func TestBookSeat_IsIdempotentPerRider(t *testing.T) {
	h := setupBookingTest(t, 0)
	slot := h.createSlot(t, 4, 2)
	rider := uuid.New()

	first := h.mustBook(t, slot.ID, rider)
	assert.False(t, first.Replayed)

	second := h.mustBook(t, slot.ID, rider)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.HoldID, second.HoldID)
	assert.Equal(t, first.SeatIndex, second.SeatIndex)
	assert.Equal(t, 1, second.Slot.BookedSeats)
	assert.Equal(t, 1, h.processor.Stats().AuthorizeCalls)
}

func TestBookSeat_ThenCancelRestoresSlot(t *testing.T) {
	h := setupBookingTest(t, 0)
	slot := h.createSlot(t, 4, 2)
	rider := uuid.New()

	result := h.mustBook(t, slot.ID, rider)
	after, err := h.orchestrator.CancelSeat(context.Background(), rider, slot.ID)
	require.NoError(t, err)

	assert.Equal(t, 0, after.BookedSeats)
	assert.Empty(t, after.Riders)
	assert.Equal(t, models.SlotStatusOpen, after.Status)
	assert.Equal(t, models.HoldStateVoided, h.hold(t, result.HoldID).State)
	assert.Len(t, h.publisher.OfType(models.EventSeatReleased), 1)

	// Cancelling again is a no-op
	again, err := h.orchestrator.CancelSeat(context.Background(), rider, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.BookedSeats)
	assert.Len(t, h.publisher.OfType(models.EventSeatReleased), 1)
}

func TestClaimSlot_CapturesEveryHold(t *testing.T) {
	h := setupBookingTest(t, 0)
	slot := h.createSlot(t, 4, 2)
	a, b := uuid.New(), uuid.New()

	ra := h.mustBook(t, slot.ID, a)
	rb := h.mustBook(t, slot.ID, b)
	assert.Equal(t, models.SlotStatusMinReached, rb.Slot.Status)

	result, err := h.orchestrator.ClaimSlot(context.Background(), h.operatorID, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStatusClaimed, result.Slot.Status)
	require.Len(t, result.Outcomes, 2)
	assert.Empty(t, result.FailedOutcomes())

	assert.Equal(t, models.HoldStateCaptured, h.hold(t, ra.HoldID).State)
	assert.Equal(t, models.HoldStateCaptured, h.hold(t, rb.HoldID).State)
	assert.Equal(t, 2, h.processor.Stats().Captured)
	assert.Len(t, h.publisher.OfType(models.EventSlotClaimed), 1)

	_, err = h.book(slot.ID, uuid.New(), payment.SandboxMethodOK)
	assert.ErrorIs(t, err, models.ErrAlreadyFinalized)

	_, err = h.orchestrator.CancelSeat(context.Background(), a, slot.ID)
	assert.ErrorIs(t, err, models.ErrAlreadyFinalized)

	_, err = h.orchestrator.ClaimSlot(context.Background(), h.operatorID, slot.ID)
	assert.ErrorIs(t, err, models.ErrAlreadyFinalized)
}

func TestClaimSlot_BelowFloorIsRejected(t *testing.T) {
	h := setupBookingTest(t, 0)
	slot := h.createSlot(t, 4, 2)
	r := h.mustBook(t, slot.ID, uuid.New())

	_, err := h.orchestrator.ClaimSlot(context.Background(), h.operatorID, slot.ID)
	assert.ErrorIs(t, err, models.ErrInsufficientCommitment)

	be, ok := models.AsBookingError(err)
	require.True(t, ok)
	assert.Equal(t, models.KindState, be.Kind)

	assert.Equal(t, models.SlotStatusOpen, h.slot(t, slot.ID).Status)
	assert.Equal(t, models.HoldStateAuthorized, h.hold(t, r.HoldID).State)
	assert.Equal(t, 0, h.processor.Stats().CaptureCalls)
}

func TestClaimSlot_PartialCaptureFailure(t *testing.T) {
	h := setupBookingTest(t, 0)
	slot := h.createSlot(t, 4, 2)

	ok := h.mustBook(t, slot.ID, uuid.New())
	bad, err := h.book(slot.ID, uuid.New(), payment.SandboxMethodNoCapture)
	require.NoError(t, err)

	result, err := h.orchestrator.ClaimSlot(context.Background(), h.operatorID, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStatusClaimed, result.Slot.Status)

	failed := result.FailedOutcomes()
	require.Len(t, failed, 1)
	assert.Equal(t, bad.HoldID, failed[0].HoldID)
	assert.NotEmpty(t, failed[0].Reason)

	assert.Equal(t, models.HoldStateCaptured, h.hold(t, ok.HoldID).State)
	badHold := h.hold(t, bad.HoldID)
	assert.Equal(t, models.HoldStateAuthorized, badHold.State)
	require.NotNil(t, badHold.FailureReason)

	partial := h.publisher.OfType(models.EventSettlementPartialFailed)
	require.Len(t, partial, 1)
	assert.Len(t, partial[0].Outcomes, 1)

	report, err := h.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Uncaptured)
}

func TestClaimSlot_RequiresOwnership(t *testing.T) {
	h := setupBookingTest(t, 0)
	slot := h.createSlot(t, 4, 1)
	h.mustBook(t, slot.ID, uuid.New())

	_, err := h.orchestrator.ClaimSlot(context.Background(), uuid.New(), slot.ID)
	assert.ErrorIs(t, err, models.ErrNotSlotOwner)
	_, err = h.orchestrator.CancelSlot(context.Background(), uuid.New(), slot.ID)
	assert.ErrorIs(t, err, models.ErrNotSlotOwner)

	_, err = h.orchestrator.ClaimSlot(context.Background(), h.operatorID, uuid.New())
	assert.ErrorIs(t, err, models.ErrSlotNotFound)
}

func TestCancelSlot_VoidsHoldsAndBlocksBookings(t *testing.T) {
	h := setupBookingTest(t, 0)
	slot := h.createSlot(t, 4, 2)

	holds := []uuid.UUID{}
	for i := 0; i < 3; i++ {
		holds = append(holds, h.mustBook(t, slot.ID, uuid.New()).HoldID)
	}

	result, err := h.orchestrator.CancelSlot(context.Background(), h.operatorID, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStatusCancelled, result.Slot.Status)
	assert.Len(t, result.Outcomes, 3)
	assert.Empty(t, result.FailedOutcomes())

	for _, id := range holds {
		assert.Equal(t, models.HoldStateVoided, h.hold(t, id).State)
	}
	assert.Equal(t, 0, h.processor.Stats().Captured)

	_, err = h.book(slot.ID, uuid.New(), payment.SandboxMethodOK)
	assert.ErrorIs(t, err, models.ErrAlreadyFinalized)

	_, err = h.orchestrator.CancelSlot(context.Background(), h.operatorID, slot.ID)
	assert.ErrorIs(t, err, models.ErrAlreadyFinalized)
}

func TestBookSeat_DeclinedPayment(t *testing.T) {
	h := setupBookingTest(t, 2)
	slot := h.createSlot(t, 4, 2)

	_, err := h.book(slot.ID, uuid.New(), payment.SandboxMethodDeclined)
	require.Error(t, err)

	be, ok := models.AsBookingError(err)
	require.True(t, ok)
	assert.Equal(t, models.KindPayment, be.Kind)
	assert.Equal(t, models.CodePaymentDeclined, be.Code)
	require.NotNil(t, be.HoldID)
	assert.NotEmpty(t, be.Reason)

	assert.Equal(t, models.HoldStateFailed, h.hold(t, *be.HoldID).State)
	assert.Equal(t, 0, h.slot(t, slot.ID).BookedSeats)
	// Declines are never retried
	assert.Equal(t, 1, h.processor.Stats().AuthorizeCalls)
}

func TestBookSeat_RetriesUnknownOutcomeWithSameHold(t *testing.T) {
	h := setupBookingTest(t, 2)
	slot := h.createSlot(t, 4, 2)

	result, err := h.book(slot.ID, uuid.New(), payment.SandboxMethodTimeout)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Slot.BookedSeats)
	assert.Equal(t, models.HoldStateAuthorized, h.hold(t, result.HoldID).State)

	stats := h.processor.Stats()
	assert.Equal(t, 2, stats.AuthorizeCalls)
	assert.Equal(t, 1, stats.Holds)

	trail := h.store.AuditTrail(result.HoldID)
	types := make([]models.HoldEventType, 0, len(trail))
	for _, a := range trail {
		types = append(types, a.EventType)
	}
	assert.Equal(t, []models.HoldEventType{
		models.HoldEventAuthorizeRequested,
		models.HoldEventAuthorizeUnknown,
		models.HoldEventAuthorized,
	}, types)
}

func TestBookSeat_UnknownOutcomeIsReconciled(t *testing.T) {
	h := setupBookingTest(t, 0)
	slot := h.createSlot(t, 4, 2)

	_, err := h.book(slot.ID, uuid.New(), payment.SandboxMethodTimeout)
	require.Error(t, err)
	be, ok := models.AsBookingError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodePaymentOutcomeUnknown, be.Code)
	assert.ErrorIs(t, err, payment.ErrOutcomeUnknown)
	assert.Equal(t, models.HoldStatePending, h.hold(t, *be.HoldID).State)
	assert.Equal(t, 0, h.slot(t, slot.ID).BookedSeats)

	h.advance(time.Hour)
	report, err := h.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.PendingResolved)
	assert.Equal(t, models.HoldStateVoided, h.hold(t, *be.HoldID).State)
	assert.Equal(t, 1, h.processor.Stats().Voided)
}

func TestBookSeat_RejectsWithoutCreatingHold(t *testing.T) {
	h := setupBookingTest(t, 0)

	t.Run("Unknown slot", func(t *testing.T) {
		_, err := h.book(uuid.New(), uuid.New(), payment.SandboxMethodOK)
		assert.ErrorIs(t, err, models.ErrSlotNotFound)
	})

	t.Run("Full slot", func(t *testing.T) {
		slot := h.createSlot(t, 1, 1)
		h.mustBook(t, slot.ID, uuid.New())
		calls := h.processor.Stats().AuthorizeCalls

		_, err := h.book(slot.ID, uuid.New(), payment.SandboxMethodOK)
		assert.ErrorIs(t, err, models.ErrSlotFull)
		be, _ := models.AsBookingError(err)
		assert.Equal(t, models.KindConcurrency, be.Kind)
		assert.Equal(t, calls, h.processor.Stats().AuthorizeCalls)
	})

	t.Run("Started slot", func(t *testing.T) {
		slot := h.createSlot(t, 4, 2)
		h.orchestrator.now = func() time.Time { return slot.TimeStart.Add(time.Minute) }
		defer func() { h.orchestrator.now = time.Now }()

		_, err := h.book(slot.ID, uuid.New(), payment.SandboxMethodOK)
		assert.ErrorIs(t, err, models.ErrSlotNotBookable)
	})

	t.Run("Missing payment method", func(t *testing.T) {
		slot := h.createSlot(t, 4, 2)
		_, err := h.book(slot.ID, uuid.New(), "  ")
		be, ok := models.AsBookingError(err)
		require.True(t, ok)
		assert.Equal(t, models.KindValidation, be.Kind)
	})
}

func TestBookSeat_LedgerRejectionVoidsHold(t *testing.T) {
	h := setupBookingTest(t, 0)
	slot := h.createSlot(t, 4, 2)
	rider := uuid.New()

	// The slot starts between the pre-check and the reservation
	h.ledger.now = func() time.Time { return slot.TimeStart.Add(time.Second) }

	_, err := h.book(slot.ID, rider, payment.SandboxMethodOK)
	assert.ErrorIs(t, err, models.ErrSlotNotBookable)

	live, err := h.store.FindLiveHold(context.Background(), slot.ID, rider)
	require.NoError(t, err)
	assert.Nil(t, live)
	assert.Equal(t, 1, h.processor.Stats().Voided)
}

func TestBookSeat_LockedAttemptIsRejected(t *testing.T) {
	h := setupBookingTest(t, 0)
	slot := h.createSlot(t, 4, 2)
	rider := uuid.New()

	release, err := h.locker.Acquire(context.Background(), bookingLockKey(slot.ID, rider), time.Minute)
	require.NoError(t, err)
	defer release()

	_, err = h.book(slot.ID, rider, payment.SandboxMethodOK)
	assert.ErrorIs(t, err, models.ErrBookingInProgress)
	assert.Equal(t, 0, h.processor.Stats().AuthorizeCalls)
}

func TestBookSeat_ReusesPendingHoldForSameMethod(t *testing.T) {
	h := setupBookingTest(t, 0)
	slot := h.createSlot(t, 4, 2)
	rider := uuid.New()

	_, err := h.book(slot.ID, rider, payment.SandboxMethodTimeout)
	be, _ := models.AsBookingError(err)
	require.NotNil(t, be)
	require.NotNil(t, be.HoldID)

	// The rider retries: the pending hold is reconciled instead of a second one being placed
	result, err := h.book(slot.ID, rider, payment.SandboxMethodTimeout)
	require.NoError(t, err)
	assert.Equal(t, *be.HoldID, result.HoldID)
	assert.Equal(t, 1, h.processor.Stats().Holds)
}

func TestBookSeat_ReplacesUnseatedAuthorizedHold(t *testing.T) {
	ctx := context.Background()
	h := setupBookingTest(t, 0)
	slot := h.createSlot(t, 4, 2)
	rider := uuid.New()

	params := authorizeParams(slot.ID, payment.SandboxMethodOK)
	params.RiderID = rider
	params.Amount = slot.PricePerSeat
	leftover, err := h.payments.Authorize(ctx, params)
	require.NoError(t, err)

	result := h.mustBook(t, slot.ID, rider)
	assert.NotEqual(t, leftover.ID, result.HoldID)
	assert.Equal(t, models.HoldStateVoided, h.hold(t, leftover.ID).State)
	assert.Equal(t, models.HoldStateAuthorized, h.hold(t, result.HoldID).State)
	assert.Equal(t, 2, h.processor.Stats().Holds)
}

func TestCancelSeat_FinishesInterruptedCancel(t *testing.T) {
	h := setupBookingTest(t, 0)
	slot := h.createSlot(t, 4, 2)
	rider := uuid.New()
	result := h.mustBook(t, slot.ID, rider)

	// Seat released but the void never happened
	_, err := h.store.ReleaseSeat(context.Background(), slot.ID, rider)
	require.NoError(t, err)
	assert.Equal(t, models.HoldStateAuthorized, h.hold(t, result.HoldID).State)

	_, err = h.orchestrator.CancelSeat(context.Background(), rider, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HoldStateVoided, h.hold(t, result.HoldID).State)
}

func TestCreateSlot(t *testing.T) {
	h := setupBookingTest(t, 0)

	t.Run("Applies defaults", func(t *testing.T) {
		slot, err := h.orchestrator.CreateSlot(context.Background(), h.operatorID, &models.CreateSlotRequest{
			Title:        "Morning fishing",
			Activity:     "fishing",
			PricePerSeat: 20000,
			TimeStart:    time.Now().Add(48 * time.Hour),
		})
		require.NoError(t, err)
		assert.Equal(t, models.DefaultTotalSeats, slot.TotalSeats)
		assert.Equal(t, models.DefaultMinRidersToConfirm, slot.MinRidersToConfirm)
		assert.Equal(t, models.DefaultDurationMinutes, slot.DurationMinutes)
		assert.Equal(t, "AED", slot.Currency)
		assert.Equal(t, models.ActivityFishing, slot.Activity)
		assert.Equal(t, models.SlotStatusOpen, slot.Status)
		assert.Equal(t, h.operatorID, slot.OperatorID)
	})

	t.Run("Rejects floor above capacity", func(t *testing.T) {
		_, err := h.orchestrator.CreateSlot(context.Background(), h.operatorID, &models.CreateSlotRequest{
			Title:              "Dive",
			TotalSeats:         2,
			MinRidersToConfirm: 3,
			PricePerSeat:       100,
			TimeStart:          time.Now().Add(time.Hour),
		})
		be, ok := models.AsBookingError(err)
		require.True(t, ok)
		assert.Equal(t, models.KindValidation, be.Kind)
		assert.Contains(t, be.Message, "min riders cannot exceed seats")
	})
}

func TestOperatorStatsAndListings(t *testing.T) {
	h := setupBookingTest(t, 0)
	claimed := h.createSlot(t, 4, 2)
	open := h.createSlot(t, 5, 3)
	cancelled := h.createSlot(t, 4, 2)

	h.mustBook(t, claimed.ID, uuid.New())
	h.mustBook(t, claimed.ID, uuid.New())
	_, err := h.orchestrator.ClaimSlot(context.Background(), h.operatorID, claimed.ID)
	require.NoError(t, err)

	rider := uuid.New()
	h.mustBook(t, open.ID, rider)

	h.mustBook(t, cancelled.ID, uuid.New())
	_, err = h.orchestrator.CancelSlot(context.Background(), h.operatorID, cancelled.ID)
	require.NoError(t, err)

	from, to := time.Now(), time.Now().Add(72*time.Hour)
	slots, err := h.orchestrator.ListOperatorSlots(context.Background(), h.operatorID, from, to)
	require.NoError(t, err)
	assert.Len(t, slots, 3)

	stats, err := h.orchestrator.OperatorStats(context.Background(), h.operatorID, from, to)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.SlotCount)
	assert.Equal(t, 1, stats.ClaimedCount)
	assert.Equal(t, 3, stats.BookedSeats)
	assert.Equal(t, int64(3*15000), stats.TotalRevenue)
	assert.InDelta(t, (50.0+20.0)/2, stats.AvgFillRate, 0.001)

	_, err = h.orchestrator.ListOperatorSlots(context.Background(), h.operatorID, to, from)
	assert.Error(t, err)

	upcoming, err := h.orchestrator.ListRiderBookings(context.Background(), rider, "")
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	assert.Equal(t, open.ID, upcoming[0].Slot.ID)

	past, err := h.orchestrator.ListRiderBookings(context.Background(), rider, models.BookingScopePast)
	require.NoError(t, err)
	assert.Empty(t, past)

	_, err = h.orchestrator.ListRiderBookings(context.Background(), rider, "someday")
	assert.Error(t, err)
}

func TestBookSeat_PublishesAndBroadcasts(t *testing.T) {
	h := setupBookingTest(t, 0)
	slot := h.createSlot(t, 4, 2)
	rider := uuid.New()
	result := h.mustBook(t, slot.ID, rider)

	booked := h.publisher.OfType(models.EventSeatBooked)
	require.Len(t, booked, 1)
	assert.Equal(t, slot.ID, booked[0].SlotID)
	require.NotNil(t, booked[0].RiderID)
	assert.Equal(t, rider, *booked[0].RiderID)
	require.NotNil(t, booked[0].HoldID)
	assert.Equal(t, result.HoldID, *booked[0].HoldID)
	assert.Equal(t, 1, h.broadcaster.count())
}
