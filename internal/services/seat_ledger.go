package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/boatride/slot-booking-backend/internal/models"
)

// SeatLedger owns a slot's seat inventory. Every mutation is a single
// atomic conditional write in the store; nothing here reads then writes.
type SeatLedger struct {
	store  SlotStore
	logger *logrus.Logger
	now    func() time.Time
}

// NewSeatLedger creates a new SeatLedger
func NewSeatLedger(store SlotStore, logger *logrus.Logger) *SeatLedger {
	return &SeatLedger{store: store, logger: logger, now: time.Now}
}

// ReserveSeat takes one seat for the rider backed by holdID.
// Returns models.ErrRiderAlreadySeated when the rider already has a seat.
func (l *SeatLedger) ReserveSeat(ctx context.Context, slotID, riderID, holdID uuid.UUID) (*models.SeatToken, error) {
	token, err := l.store.ReserveSeat(ctx, slotID, riderID, holdID, l.now())
	if err != nil {
		if _, ok := models.AsBookingError(err); ok || errors.Is(err, models.ErrRiderAlreadySeated) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to reserve seat: %w", err)
	}

	l.logger.WithFields(logrus.Fields{
		"slot_id":      slotID,
		"rider_id":     riderID,
		"hold_id":      holdID,
		"seat_index":   token.SeatIndex,
		"booked_seats": token.BookedSeats,
		"status":       token.Status,
	}).Info("Seat reserved")
	return token, nil
}

// ReleaseSeat gives the rider's seat back. Releasing an absent rider is a no-op.
func (l *SeatLedger) ReleaseSeat(ctx context.Context, slotID, riderID uuid.UUID) (*models.SeatRelease, error) {
	release, err := l.store.ReleaseSeat(ctx, slotID, riderID)
	if err != nil {
		if _, ok := models.AsBookingError(err); ok {
			return nil, err
		}
		return nil, fmt.Errorf("failed to release seat: %w", err)
	}

	if release.Released {
		l.logger.WithFields(logrus.Fields{
			"slot_id":      slotID,
			"rider_id":     riderID,
			"hold_id":      release.HoldID,
			"booked_seats": release.BookedSeats,
			"status":       release.Status,
		}).Info("Seat released")
	}
	return release, nil
}

// SeatSnapshot reads booked seats, capacity and riders consistently
func (l *SeatLedger) SeatSnapshot(ctx context.Context, slotID uuid.UUID) (*models.SeatSnapshot, error) {
	slot, err := l.store.GetSlot(ctx, slotID)
	if err != nil {
		return nil, fmt.Errorf("failed to read slot: %w", err)
	}
	if slot == nil {
		return nil, models.ErrSlotNotFound
	}
	riders := slot.Riders
	if riders == nil {
		riders = []models.SlotRider{}
	}
	return &models.SeatSnapshot{
		BookedSeats: slot.BookedSeats,
		TotalSeats:  slot.TotalSeats,
		Riders:      riders,
	}, nil
}
