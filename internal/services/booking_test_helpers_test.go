package services

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/boatride/slot-booking-backend/internal/database"
	"github.com/boatride/slot-booking-backend/internal/models"
	"github.com/boatride/slot-booking-backend/pkg/events"
	"github.com/boatride/slot-booking-backend/pkg/lock"
	"github.com/boatride/slot-booking-backend/pkg/payment"
)

type bookingHarness struct {
	store        *database.MemoryStore
	processor    *payment.SandboxProcessor
	publisher    *events.RecordingPublisher
	broadcaster  *recordingBroadcaster
	locker       *lock.LocalLocker
	ledger       *SeatLedger
	machine      *SlotStateMachine
	payments     *PaymentCoordinator
	orchestrator *BookingOrchestratorService
	reconciler   *HoldReconcilerService
	operatorID   uuid.UUID
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func setupBookingTest(t *testing.T, retries int) *bookingHarness {
	t.Helper()
	logger := quietLogger()

	h := &bookingHarness{
		store:       database.NewMemoryStore(),
		processor:   payment.NewSandboxProcessor(),
		publisher:   &events.RecordingPublisher{},
		broadcaster: &recordingBroadcaster{},
		locker:      lock.NewLocalLocker(),
		operatorID:  uuid.New(),
	}
	h.ledger = NewSeatLedger(h.store, logger)
	h.machine = NewSlotStateMachine(h.store, logger)
	h.payments = NewPaymentCoordinator(h.store, h.store, h.processor, h.locker, PaymentCoordinatorConfig{SettleConcurrency: 4}, logger)

	cfg := DefaultOrchestratorConfig()
	cfg.AuthorizeRetries = retries
	cfg.RetryBackoff = time.Millisecond
	h.orchestrator = NewBookingOrchestratorService(
		h.store, h.ledger, h.machine, h.payments, h.store,
		h.locker, h.publisher, h.broadcaster, cfg, logger,
	)
	h.reconciler = NewHoldReconcilerService(
		h.store, h.store, h.payments, h.orchestrator, h.locker,
		HoldReconcilerConfig{GracePeriod: 10 * time.Minute, AutoCancelExpired: true},
		logger,
	)
	return h
}

// advance moves the clock of every component forward by d
func (h *bookingHarness) advance(d time.Duration) {
	now := func() time.Time { return time.Now().Add(d) }
	h.ledger.now = now
	h.orchestrator.now = now
	h.reconciler.now = now
}

func (h *bookingHarness) createSlot(t *testing.T, seats, minRiders int) *models.Slot {
	t.Helper()
	slot, err := h.orchestrator.CreateSlot(context.Background(), h.operatorID, &models.CreateSlotRequest{
		Title:              "Sunset cruise",
		Activity:           models.ActivityCruise,
		Location:           "Dubai Marina",
		TotalSeats:         seats,
		MinRidersToConfirm: minRiders,
		PricePerSeat:       15000,
		TimeStart:          time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	return slot
}

func (h *bookingHarness) book(slotID, riderID uuid.UUID, method string) (*models.BookingResult, error) {
	return h.orchestrator.BookSeat(context.Background(), riderID, slotID, &models.BookSeatRequest{PaymentMethod: method})
}

func (h *bookingHarness) mustBook(t *testing.T, slotID, riderID uuid.UUID) *models.BookingResult {
	t.Helper()
	result, err := h.book(slotID, riderID, payment.SandboxMethodOK)
	require.NoError(t, err)
	return result
}

func (h *bookingHarness) slot(t *testing.T, slotID uuid.UUID) *models.Slot {
	t.Helper()
	slot, err := h.store.GetSlot(context.Background(), slotID)
	require.NoError(t, err)
	require.NotNil(t, slot)
	return slot
}

func (h *bookingHarness) hold(t *testing.T, holdID uuid.UUID) *models.Hold {
	t.Helper()
	hold, err := h.store.GetHold(context.Background(), holdID)
	require.NoError(t, err)
	require.NotNil(t, hold)
	return hold
}

type recordingBroadcaster struct {
	mu    sync.Mutex
	slots []*models.Slot
}

func (r *recordingBroadcaster) BroadcastSlot(slot *models.Slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots = append(r.slots, slot)
}

func (r *recordingBroadcaster) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
