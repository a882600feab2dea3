package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/boatride/slot-booking-backend/internal/models"
)

var tracer = otel.Tracer("github.com/boatride/slot-booking-backend/internal/services")

// SlotStore is the seat ledger's persistence. Implemented by
// database.SlotRepository and database.MemoryStore.
type SlotStore interface {
	CreateSlot(ctx context.Context, slot *models.Slot) error
	// GetSlot returns nil, nil when the slot does not exist
	GetSlot(ctx context.Context, slotID uuid.UUID) (*models.Slot, error)
	ListOperatorSlots(ctx context.Context, operatorID uuid.UUID, from, to time.Time) ([]*models.Slot, error)
	ListRiderBookings(ctx context.Context, riderID uuid.UUID, scope models.BookingScope, now time.Time) ([]*models.RiderBooking, error)
	ListExpiredOpenSlots(ctx context.Context, now time.Time, limit int) ([]*models.Slot, error)

	ReserveSeat(ctx context.Context, slotID, riderID, holdID uuid.UUID, now time.Time) (*models.SeatToken, error)
	ReleaseSeat(ctx context.Context, slotID, riderID uuid.UUID) (*models.SeatRelease, error)
	TransitionStatus(ctx context.Context, slotID uuid.UUID, tr models.StatusTransition) (*models.Slot, error)
	RecomputeStatus(ctx context.Context, slotID uuid.UUID) (*models.Slot, bool, error)
}

// HoldStore persists payment holds
type HoldStore interface {
	CreateHold(ctx context.Context, hold *models.Hold) error
	// GetHold returns nil, nil when the hold does not exist
	GetHold(ctx context.Context, holdID uuid.UUID) (*models.Hold, error)
	FindLiveHold(ctx context.Context, slotID, riderID uuid.UUID) (*models.Hold, error)
	UpdateHoldState(ctx context.Context, holdID uuid.UUID, from models.HoldStateList, to models.HoldState, upd models.HoldUpdate) (bool, error)
	RecordHoldFailure(ctx context.Context, holdID uuid.UUID, reason string) error

	ListHoldsForCapture(ctx context.Context, slotID uuid.UUID) ([]*models.Hold, error)
	ListHoldsForVoid(ctx context.Context, slotID uuid.UUID) ([]*models.Hold, error)
	HoldBacksSeat(ctx context.Context, holdID uuid.UUID) (bool, error)
	HoldSecuresSeat(ctx context.Context, holdID uuid.UUID) (bool, error)
	ListStalePendingHolds(ctx context.Context, olderThan time.Time, limit int) ([]*models.Hold, error)
	ListStrandedHolds(ctx context.Context, olderThan time.Time, limit int) ([]*models.Hold, error)
	ListUncapturedClaimedHolds(ctx context.Context, limit int) ([]*models.Hold, error)
}

// HoldAuditLog records processor interactions
type HoldAuditLog interface {
	Log(ctx context.Context, audit *models.HoldAudit) error
}

// EventPublisher publishes slot events after a committed change
type EventPublisher interface {
	Publish(ctx context.Context, event models.SlotEvent) error
}

// SlotBroadcaster pushes slot snapshots to live watchers
type SlotBroadcaster interface {
	BroadcastSlot(slot *models.Slot)
}

// keyedMutex serializes work per key and forgets idle keys
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*keyedEntry)}
}

// Lock blocks until key is free and returns its unlock function
func (k *keyedMutex) Lock(key uuid.UUID) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
