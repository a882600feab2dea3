package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/boatride/slot-booking-backend/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const holdColumns = `id, rider_id, slot_id, amount, currency, payment_method, state,
	processor_ref, failure_reason, created_at, updated_at, authorized_at, captured_at, voided_at`

// HoldRepository handles payment hold records
type HoldRepository struct {
	db *sqlx.DB
}

// NewHoldRepository creates a new HoldRepository
func NewHoldRepository(db *sqlx.DB) *HoldRepository {
	return &HoldRepository{db: db}
}

// CreateHold inserts a hold record
func (r *HoldRepository) CreateHold(ctx context.Context, hold *models.Hold) error {
	query := `
		INSERT INTO payment_holds (
			id, rider_id, slot_id, amount, currency, payment_method, state,
			processor_ref, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		hold.ID, hold.RiderID, hold.SlotID, hold.Amount, hold.Currency,
		hold.PaymentMethod, hold.State, hold.ProcessorRef, hold.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create hold: %w", err)
	}
	return nil
}

// GetHold returns a hold by ID, or nil if it does not exist
func (r *HoldRepository) GetHold(ctx context.Context, holdID uuid.UUID) (*models.Hold, error) {
	var hold models.Hold
	err := r.db.GetContext(ctx, &hold, `SELECT `+holdColumns+` FROM payment_holds WHERE id = $1`, holdID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hold: %w", err)
	}
	return &hold, nil
}

// FindLiveHold returns the rider's newest PENDING or AUTHORIZED hold on a slot
func (r *HoldRepository) FindLiveHold(ctx context.Context, slotID, riderID uuid.UUID) (*models.Hold, error) {
	var hold models.Hold
	err := r.db.GetContext(ctx, &hold, `
		SELECT `+holdColumns+`
		FROM payment_holds
		WHERE slot_id = $1 AND rider_id = $2 AND state IN ('PENDING', 'AUTHORIZED')
		ORDER BY created_at DESC
		LIMIT 1
	`, slotID, riderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find live hold: %w", err)
	}
	return &hold, nil
}

// UpdateHoldState moves a hold to a new state if it is currently in one of
// the from states. It reports whether the row was updated.
func (r *HoldRepository) UpdateHoldState(ctx context.Context, holdID uuid.UUID, from models.HoldStateList, to models.HoldState, upd models.HoldUpdate) (bool, error) {
	query := `
		UPDATE payment_holds
		SET state = $2::text,
			updated_at = NOW(),
			processor_ref = COALESCE($4, processor_ref),
			failure_reason = $5,
			authorized_at = CASE WHEN $2::text = 'AUTHORIZED' THEN NOW() ELSE authorized_at END,
			captured_at = CASE WHEN $2::text = 'CAPTURED' THEN NOW() ELSE captured_at END,
			voided_at = CASE WHEN $2::text = 'VOIDED' THEN NOW() ELSE voided_at END
		WHERE id = $1 AND state = ANY($3)
	`
	result, err := r.db.ExecContext(ctx, query, holdID, string(to), from, upd.ProcessorRef, upd.FailureReason)
	if err != nil {
		return false, fmt.Errorf("failed to update hold state: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

// RecordHoldFailure stores the processor's reason on a hold whose state did not change
func (r *HoldRepository) RecordHoldFailure(ctx context.Context, holdID uuid.UUID, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payment_holds
		SET failure_reason = $2, updated_at = NOW()
		WHERE id = $1
	`, holdID, reason)
	if err != nil {
		return fmt.Errorf("failed to record hold failure: %w", err)
	}
	return nil
}

// ============================================================================
// SETTLEMENT QUERIES
// ============================================================================

// ListHoldsForCapture returns AUTHORIZED holds that back a seat on the slot
func (r *HoldRepository) ListHoldsForCapture(ctx context.Context, slotID uuid.UUID) ([]*models.Hold, error) {
	holds := []*models.Hold{}
	err := r.db.SelectContext(ctx, &holds, `
		SELECT h.id, h.rider_id, h.slot_id, h.amount, h.currency, h.payment_method, h.state,
			h.processor_ref, h.failure_reason, h.created_at, h.updated_at, h.authorized_at,
			h.captured_at, h.voided_at
		FROM payment_holds h
		JOIN slot_riders r ON r.hold_id = h.id
		WHERE r.slot_id = $1 AND h.state = 'AUTHORIZED'
		ORDER BY r.seat_index
	`, slotID)
	if err != nil {
		return nil, fmt.Errorf("failed to list holds for capture: %w", err)
	}
	return holds, nil
}

// ListHoldsForVoid returns every AUTHORIZED hold on the slot
func (r *HoldRepository) ListHoldsForVoid(ctx context.Context, slotID uuid.UUID) ([]*models.Hold, error) {
	holds := []*models.Hold{}
	err := r.db.SelectContext(ctx, &holds, `
		SELECT `+holdColumns+`
		FROM payment_holds
		WHERE slot_id = $1 AND state = 'AUTHORIZED'
		ORDER BY created_at
	`, slotID)
	if err != nil {
		return nil, fmt.Errorf("failed to list holds for void: %w", err)
	}
	return holds, nil
}

// HoldBacksSeat reports whether a seat entry references the hold
func (r *HoldRepository) HoldBacksSeat(ctx context.Context, holdID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM slot_riders WHERE hold_id = $1)`, holdID)
	if err != nil {
		return false, fmt.Errorf("failed to check hold seat: %w", err)
	}
	return exists, nil
}

// HoldSecuresSeat reports whether the hold backs a seat on a slot that was
// not cancelled. Such a hold must be captured, never voided.
func (r *HoldRepository) HoldSecuresSeat(ctx context.Context, holdID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1
			FROM slot_riders r
			JOIN slots s ON s.id = r.slot_id
			WHERE r.hold_id = $1 AND s.status <> 'CANCELLED'
		)
	`, holdID)
	if err != nil {
		return false, fmt.Errorf("failed to check hold seat: %w", err)
	}
	return exists, nil
}

// ============================================================================
// RECONCILIATION QUERIES
// ============================================================================

// ListStalePendingHolds returns PENDING holds not touched since olderThan
func (r *HoldRepository) ListStalePendingHolds(ctx context.Context, olderThan time.Time, limit int) ([]*models.Hold, error) {
	holds := []*models.Hold{}
	err := r.db.SelectContext(ctx, &holds, `
		SELECT `+holdColumns+`
		FROM payment_holds
		WHERE state = 'PENDING' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending holds: %w", err)
	}
	return holds, nil
}

// ListStrandedHolds returns AUTHORIZED holds that should have been voided:
// they back no seat, or their slot was cancelled.
func (r *HoldRepository) ListStrandedHolds(ctx context.Context, olderThan time.Time, limit int) ([]*models.Hold, error) {
	holds := []*models.Hold{}
	err := r.db.SelectContext(ctx, &holds, `
		SELECT h.id, h.rider_id, h.slot_id, h.amount, h.currency, h.payment_method, h.state,
			h.processor_ref, h.failure_reason, h.created_at, h.updated_at, h.authorized_at,
			h.captured_at, h.voided_at
		FROM payment_holds h
		JOIN slots s ON s.id = h.slot_id
		WHERE h.state = 'AUTHORIZED'
			AND h.updated_at < $1
			AND (
				s.status = 'CANCELLED'
				OR NOT EXISTS (SELECT 1 FROM slot_riders r WHERE r.hold_id = h.id)
			)
		ORDER BY h.updated_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stranded holds: %w", err)
	}
	return holds, nil
}

// ListUncapturedClaimedHolds returns seat-backed AUTHORIZED holds on CLAIMED slots
func (r *HoldRepository) ListUncapturedClaimedHolds(ctx context.Context, limit int) ([]*models.Hold, error) {
	holds := []*models.Hold{}
	err := r.db.SelectContext(ctx, &holds, `
		SELECT h.id, h.rider_id, h.slot_id, h.amount, h.currency, h.payment_method, h.state,
			h.processor_ref, h.failure_reason, h.created_at, h.updated_at, h.authorized_at,
			h.captured_at, h.voided_at
		FROM payment_holds h
		JOIN slot_riders r ON r.hold_id = h.id
		JOIN slots s ON s.id = r.slot_id
		WHERE s.status = 'CLAIMED' AND h.state = 'AUTHORIZED'
		ORDER BY s.claimed_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list uncaptured claimed holds: %w", err)
	}
	return holds, nil
}
