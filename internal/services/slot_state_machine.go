package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/boatride/slot-booking-backend/internal/models"
)

// transitionAttempts bounds retries when the status moved between the
// compare-and-set and the diagnosing read
const transitionAttempts = 3

// SlotStateMachine applies explicit transitions and derived-status
// recomputation. It never touches seats or holds.
type SlotStateMachine struct {
	store  SlotStore
	logger *logrus.Logger
}

// NewSlotStateMachine creates a new SlotStateMachine
func NewSlotStateMachine(store SlotStore, logger *logrus.Logger) *SlotStateMachine {
	return &SlotStateMachine{store: store, logger: logger}
}

// Claim moves a slot that reached its floor to CLAIMED
func (m *SlotStateMachine) Claim(ctx context.Context, slotID uuid.UUID) (*models.Slot, error) {
	return m.transition(ctx, slotID, models.StatusTransition{
		From:         models.ClaimableStatuses,
		To:           models.SlotStatusClaimed,
		RequireFloor: true,
	})
}

// Cancel moves any non-terminal slot to CANCELLED
func (m *SlotStateMachine) Cancel(ctx context.Context, slotID uuid.UUID) (*models.Slot, error) {
	return m.transition(ctx, slotID, models.StatusTransition{
		From: models.NonTerminalStatuses,
		To:   models.SlotStatusCancelled,
	})
}

// Recompute applies the derived status to a non-terminal slot.
// Safe to call any number of times.
func (m *SlotStateMachine) Recompute(ctx context.Context, slotID uuid.UUID) (*models.Slot, bool, error) {
	slot, changed, err := m.store.RecomputeStatus(ctx, slotID)
	if err != nil {
		if errors.Is(err, models.ErrSlotNotFound) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("failed to recompute slot status: %w", err)
	}
	if changed {
		m.logger.WithFields(logrus.Fields{
			"slot_id":      slotID,
			"status":       slot.Status,
			"booked_seats": slot.BookedSeats,
		}).Warn("Slot status corrected by recompute")
	}
	return slot, changed, nil
}

func (m *SlotStateMachine) transition(ctx context.Context, slotID uuid.UUID, tr models.StatusTransition) (*models.Slot, error) {
	for attempt := 1; ; attempt++ {
		slot, err := m.store.TransitionStatus(ctx, slotID, tr)
		if err == nil {
			m.logger.WithFields(logrus.Fields{
				"slot_id":      slotID,
				"status":       slot.Status,
				"booked_seats": slot.BookedSeats,
			}).Info("Slot status transitioned")
			return slot, nil
		}
		if !errors.Is(err, models.ErrTransitionRejected) {
			return nil, fmt.Errorf("failed to transition slot to %s: %w", tr.To, err)
		}

		current, err := m.store.GetSlot(ctx, slotID)
		if err != nil {
			return nil, fmt.Errorf("failed to read slot: %w", err)
		}
		if diag := diagnoseRejection(current, tr); diag != nil {
			return nil, diag
		}
		if attempt >= transitionAttempts {
			return nil, fmt.Errorf("slot %s status kept changing: %w", slotID, models.ErrTransitionRejected)
		}
	}
}

// diagnoseRejection explains a rejected transition from a fresh read.
// It returns nil when the slot now looks eligible and the caller may retry.
func diagnoseRejection(slot *models.Slot, tr models.StatusTransition) error {
	switch {
	case slot == nil:
		return models.ErrSlotNotFound
	case slot.Status.IsTerminal():
		return models.ErrAlreadyFinalized
	case tr.RequireFloor && slot.BookedSeats < slot.MinRidersToConfirm:
		return models.ErrInsufficientCommitment
	}
	for _, from := range tr.From {
		if slot.Status == from {
			return nil
		}
	}
	if tr.To == models.SlotStatusClaimed {
		return models.ErrInsufficientCommitment
	}
	return models.ErrAlreadyFinalized
}
