package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boatride/slot-booking-backend/internal/models"
)

func TestDiagnoseRejection(t *testing.T) {
	claim := models.StatusTransition{From: models.ClaimableStatuses, To: models.SlotStatusClaimed, RequireFloor: true}
	cancel := models.StatusTransition{From: models.NonTerminalStatuses, To: models.SlotStatusCancelled}

	tests := []struct {
		name string
		slot *models.Slot
		tr   models.StatusTransition
		want error
	}{
		{"missing slot", nil, claim, models.ErrSlotNotFound},
		{"claimed slot", &models.Slot{Status: models.SlotStatusClaimed}, claim, models.ErrAlreadyFinalized},
		{"cancelled slot", &models.Slot{Status: models.SlotStatusCancelled}, cancel, models.ErrAlreadyFinalized},
		{"below floor", &models.Slot{Status: models.SlotStatusOpen, BookedSeats: 1, MinRidersToConfirm: 2}, claim, models.ErrInsufficientCommitment},
		{"open at floor", &models.Slot{Status: models.SlotStatusOpen, BookedSeats: 2, MinRidersToConfirm: 2}, claim, models.ErrInsufficientCommitment},
		{"eligible now", &models.Slot{Status: models.SlotStatusMinReached, BookedSeats: 2, MinRidersToConfirm: 2}, claim, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := diagnoseRejection(tt.slot, tt.tr)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSlotStateMachine(t *testing.T) {
	h := setupBookingTest(t, 0)
	ctx := context.Background()

	t.Run("Recompute is idempotent", func(t *testing.T) {
		slot := h.createSlot(t, 3, 2)
		h.mustBook(t, slot.ID, uuid.New())
		h.mustBook(t, slot.ID, uuid.New())

		for i := 0; i < 3; i++ {
			got, changed, err := h.machine.Recompute(ctx, slot.ID)
			require.NoError(t, err)
			assert.False(t, changed)
			assert.Equal(t, models.SlotStatusMinReached, got.Status)
		}
	})

	t.Run("Recompute leaves terminal slots alone", func(t *testing.T) {
		slot := h.createSlot(t, 3, 1)
		_, err := h.machine.Cancel(ctx, slot.ID)
		require.NoError(t, err)

		got, changed, err := h.machine.Recompute(ctx, slot.ID)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, models.SlotStatusCancelled, got.Status)
	})

	t.Run("Recompute of unknown slot", func(t *testing.T) {
		_, _, err := h.machine.Recompute(ctx, uuid.New())
		assert.ErrorIs(t, err, models.ErrSlotNotFound)
	})

	t.Run("Claim from full", func(t *testing.T) {
		slot := h.createSlot(t, 2, 1)
		h.mustBook(t, slot.ID, uuid.New())
		h.mustBook(t, slot.ID, uuid.New())

		got, err := h.machine.Claim(ctx, slot.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SlotStatusClaimed, got.Status)
		assert.NotNil(t, got.ClaimedAt)
	})

	t.Run("Cancel from open with no riders", func(t *testing.T) {
		slot := h.createSlot(t, 2, 1)
		got, err := h.machine.Cancel(ctx, slot.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SlotStatusCancelled, got.Status)
		assert.NotNil(t, got.CancelledAt)

		_, err = h.machine.Claim(ctx, slot.ID)
		assert.ErrorIs(t, err, models.ErrAlreadyFinalized)
	})
}
