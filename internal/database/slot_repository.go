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
	"github.com/lib/pq"
)

const slotColumns = `id, operator_id, title, activity, location, total_seats, min_riders_to_confirm,
	price_per_seat, currency, booked_seats, status, duration_minutes, time_start,
	created_at, updated_at, claimed_at, cancelled_at`

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation
const uniqueViolation = "23505"

// SlotRepository is the PostgreSQL seat ledger
type SlotRepository struct {
	db *sqlx.DB
}

// NewSlotRepository creates a new SlotRepository
func NewSlotRepository(db *sqlx.DB) *SlotRepository {
	return &SlotRepository{db: db}
}

// ============================================================================
// SLOT CRUD OPERATIONS
// ============================================================================

// CreateSlot inserts a new slot with no riders
func (r *SlotRepository) CreateSlot(ctx context.Context, slot *models.Slot) error {
	query := `
		INSERT INTO slots (
			id, operator_id, title, activity, location, total_seats, min_riders_to_confirm,
			price_per_seat, currency, booked_seats, status, duration_minutes, time_start,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $12, $13, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		slot.ID, slot.OperatorID, slot.Title, slot.Activity, slot.Location,
		slot.TotalSeats, slot.MinRidersToConfirm, slot.PricePerSeat, slot.Currency,
		slot.Status, slot.DurationMinutes, slot.TimeStart, slot.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create slot: %w", err)
	}
	return nil
}

// GetSlot returns the slot with its riders, or nil if it does not exist.
// Both reads run in one repeatable-read snapshot.
func (r *SlotRepository) GetSlot(ctx context.Context, slotID uuid.UUID) (*models.Slot, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback()

	var slot models.Slot
	err = tx.GetContext(ctx, &slot, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, slotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}

	riders := []models.SlotRider{}
	err = tx.SelectContext(ctx, &riders, `
		SELECT slot_id, rider_id, hold_id, seat_index, booked_at
		FROM slot_riders
		WHERE slot_id = $1
		ORDER BY seat_index, booked_at
	`, slotID)
	if err != nil {
		return nil, fmt.Errorf("failed to get slot riders: %w", err)
	}
	slot.Riders = riders

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to close snapshot: %w", err)
	}
	return &slot, nil
}

// ListOperatorSlots returns an operator's slots starting in [from, to)
func (r *SlotRepository) ListOperatorSlots(ctx context.Context, operatorID uuid.UUID, from, to time.Time) ([]*models.Slot, error) {
	slots := []*models.Slot{}
	err := r.db.SelectContext(ctx, &slots, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE operator_id = $1 AND time_start >= $2 AND time_start < $3
		ORDER BY time_start
	`, operatorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list operator slots: %w", err)
	}
	return slots, nil
}

type riderBookingRow struct {
	models.Slot
	HoldID    uuid.UUID `db:"hold_id"`
	SeatIndex int       `db:"seat_index"`
	BookedAt  time.Time `db:"booked_at"`
}

// ListRiderBookings returns the slots a rider holds a seat on
func (r *SlotRepository) ListRiderBookings(ctx context.Context, riderID uuid.UUID, scope models.BookingScope, now time.Time) ([]*models.RiderBooking, error) {
	query := `
		SELECT s.id, s.operator_id, s.title, s.activity, s.location, s.total_seats,
			s.min_riders_to_confirm, s.price_per_seat, s.currency, s.booked_seats, s.status,
			s.duration_minutes, s.time_start, s.created_at, s.updated_at, s.claimed_at,
			s.cancelled_at, r.hold_id, r.seat_index, r.booked_at
		FROM slot_riders r
		JOIN slots s ON s.id = r.slot_id
		WHERE r.rider_id = $1 AND s.time_start > $2
		ORDER BY s.time_start ASC
	`
	if scope == models.BookingScopePast {
		query = `
		SELECT s.id, s.operator_id, s.title, s.activity, s.location, s.total_seats,
			s.min_riders_to_confirm, s.price_per_seat, s.currency, s.booked_seats, s.status,
			s.duration_minutes, s.time_start, s.created_at, s.updated_at, s.claimed_at,
			s.cancelled_at, r.hold_id, r.seat_index, r.booked_at
		FROM slot_riders r
		JOIN slots s ON s.id = r.slot_id
		WHERE r.rider_id = $1 AND s.time_start <= $2
		ORDER BY s.time_start DESC
	`
	}

	rows := []riderBookingRow{}
	if err := r.db.SelectContext(ctx, &rows, query, riderID, now); err != nil {
		return nil, fmt.Errorf("failed to list rider bookings: %w", err)
	}

	bookings := make([]*models.RiderBooking, 0, len(rows))
	for i := range rows {
		slot := rows[i].Slot
		bookings = append(bookings, &models.RiderBooking{
			Slot:      &slot,
			HoldID:    rows[i].HoldID,
			SeatIndex: rows[i].SeatIndex,
			BookedAt:  rows[i].BookedAt,
		})
	}
	return bookings, nil
}

// ListExpiredOpenSlots returns OPEN slots whose start time has passed
func (r *SlotRepository) ListExpiredOpenSlots(ctx context.Context, now time.Time, limit int) ([]*models.Slot, error) {
	slots := []*models.Slot{}
	err := r.db.SelectContext(ctx, &slots, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE status = 'OPEN' AND time_start <= $1
		ORDER BY time_start
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired open slots: %w", err)
	}
	return slots, nil
}

// ============================================================================
// SEAT LEDGER
// ============================================================================

// reserveSeatQuery increments the counter and inserts the rider in one
// statement. The UPDATE's WHERE clause is re-checked against the latest row
// version under the row lock, so two reservations for the last seat cannot
// both match.
const reserveSeatQuery = `
	WITH claimed AS (
		UPDATE slots
		SET booked_seats = booked_seats + 1, updated_at = $3
		WHERE id = $1
			AND booked_seats < total_seats
			AND status IN ('OPEN', 'MIN_REACHED')
			AND time_start > $3
			AND NOT EXISTS (SELECT 1 FROM slot_riders WHERE slot_id = $1 AND rider_id = $2)
		RETURNING id, booked_seats, total_seats, min_riders_to_confirm
	), seated AS (
		INSERT INTO slot_riders (slot_id, rider_id, hold_id, seat_index, booked_at)
		SELECT id, $2::uuid, $4::uuid, booked_seats - 1, $3::timestamptz FROM claimed
		RETURNING seat_index
	)
	SELECT c.booked_seats, c.total_seats, c.min_riders_to_confirm, s.seat_index
	FROM claimed c CROSS JOIN seated s
`

type seatCounters struct {
	BookedSeats        int `db:"booked_seats"`
	TotalSeats         int `db:"total_seats"`
	MinRidersToConfirm int `db:"min_riders_to_confirm"`
	SeatIndex          int `db:"seat_index"`
}

// ReserveSeat atomically takes one seat for the rider, backed by holdID.
// It returns ErrSlotFull, ErrAlreadyFinalized, ErrSlotNotBookable,
// ErrSlotNotFound or ErrRiderAlreadySeated without mutating anything when
// the reservation cannot be made.
func (r *SlotRepository) ReserveSeat(ctx context.Context, slotID, riderID, holdID uuid.UUID, now time.Time) (*models.SeatToken, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var counters seatCounters
	err = tx.GetContext(ctx, &counters, reserveSeatQuery, slotID, riderID, now, holdID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, classifyReserveFailure(ctx, tx, slotID, riderID, now)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, models.ErrRiderAlreadySeated
		}
		return nil, fmt.Errorf("failed to reserve seat: %w", err)
	}

	status := models.DeriveSlotStatus(counters.BookedSeats, counters.MinRidersToConfirm, counters.TotalSeats)
	if err := applyDerivedStatus(ctx, tx, slotID, status); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit seat reservation: %w", err)
	}

	return &models.SeatToken{
		SlotID:      slotID,
		RiderID:     riderID,
		HoldID:      holdID,
		SeatIndex:   counters.SeatIndex,
		BookedSeats: counters.BookedSeats,
		TotalSeats:  counters.TotalSeats,
		Status:      status,
	}, nil
}

// classifyReserveFailure explains why the conditional write matched nothing
func classifyReserveFailure(ctx context.Context, tx *sqlx.Tx, slotID, riderID uuid.UUID, now time.Time) error {
	var state struct {
		Status      models.SlotStatus `db:"status"`
		BookedSeats int               `db:"booked_seats"`
		TotalSeats  int               `db:"total_seats"`
		TimeStart   time.Time         `db:"time_start"`
		RiderSeated bool              `db:"rider_seated"`
	}
	err := tx.GetContext(ctx, &state, `
		SELECT s.status, s.booked_seats, s.total_seats, s.time_start,
			EXISTS (SELECT 1 FROM slot_riders WHERE slot_id = s.id AND rider_id = $2) AS rider_seated
		FROM slots s
		WHERE s.id = $1
	`, slotID, riderID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrSlotNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read slot after rejected reservation: %w", err)
	}

	switch {
	case state.RiderSeated:
		return models.ErrRiderAlreadySeated
	case state.Status.IsTerminal():
		return models.ErrAlreadyFinalized
	case !now.Before(state.TimeStart):
		return models.ErrSlotNotBookable
	default:
		return models.ErrSlotFull
	}
}

// ReleaseSeat removes the rider's seat under the slot's row lock.
// Releasing an absent rider is a no-op.
func (r *SlotRepository) ReleaseSeat(ctx context.Context, slotID, riderID uuid.UUID) (*models.SeatRelease, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var locked struct {
		Status             models.SlotStatus `db:"status"`
		BookedSeats        int               `db:"booked_seats"`
		TotalSeats         int               `db:"total_seats"`
		MinRidersToConfirm int               `db:"min_riders_to_confirm"`
	}
	err = tx.GetContext(ctx, &locked, `
		SELECT status, booked_seats, total_seats, min_riders_to_confirm
		FROM slots
		WHERE id = $1
		FOR UPDATE
	`, slotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSlotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock slot: %w", err)
	}
	if locked.Status.IsTerminal() {
		return nil, models.ErrAlreadyFinalized
	}

	release := &models.SeatRelease{
		SlotID:      slotID,
		RiderID:     riderID,
		BookedSeats: locked.BookedSeats,
		Status:      locked.Status,
	}

	var removed struct {
		HoldID    uuid.UUID `db:"hold_id"`
		SeatIndex int       `db:"seat_index"`
	}
	err = tx.GetContext(ctx, &removed, `
		DELETE FROM slot_riders
		WHERE slot_id = $1 AND rider_id = $2
		RETURNING hold_id, seat_index
	`, slotID, riderID)
	if errors.Is(err, sql.ErrNoRows) {
		return release, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to remove rider: %w", err)
	}

	booked := locked.BookedSeats - 1
	status := models.DeriveSlotStatus(booked, locked.MinRidersToConfirm, locked.TotalSeats)
	_, err = tx.ExecContext(ctx, `
		UPDATE slots
		SET booked_seats = booked_seats - 1, status = $2, updated_at = NOW()
		WHERE id = $1
	`, slotID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to decrement booked seats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit seat release: %w", err)
	}

	release.Released = true
	release.HoldID = removed.HoldID
	release.BookedSeats = booked
	release.Status = status
	return release, nil
}

// ============================================================================
// STATUS TRANSITIONS
// ============================================================================

// TransitionStatus compare-and-sets the slot status.
// It returns ErrTransitionRejected when the slot is not in an allowed state.
func (r *SlotRepository) TransitionStatus(ctx context.Context, slotID uuid.UUID, tr models.StatusTransition) (*models.Slot, error) {
	query := `
		UPDATE slots
		SET status = $2::text,
			updated_at = NOW(),
			claimed_at = CASE WHEN $2::text = 'CLAIMED' THEN NOW() ELSE claimed_at END,
			cancelled_at = CASE WHEN $2::text = 'CANCELLED' THEN NOW() ELSE cancelled_at END
		WHERE id = $1
			AND status = ANY($3)
			AND ($4::boolean = FALSE OR booked_seats >= min_riders_to_confirm)
		RETURNING ` + slotColumns

	var slot models.Slot
	err := r.db.GetContext(ctx, &slot, query, slotID, string(tr.To), models.SlotStatusList(tr.From), tr.RequireFloor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTransitionRejected
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition slot status: %w", err)
	}
	return &slot, nil
}

// RecomputeStatus applies the derived status to a non-terminal slot.
// It reports whether the stored status changed; repeated calls are no-ops.
func (r *SlotRepository) RecomputeStatus(ctx context.Context, slotID uuid.UUID) (*models.Slot, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var slot models.Slot
	err = tx.GetContext(ctx, &slot, `SELECT `+slotColumns+` FROM slots WHERE id = $1 FOR UPDATE`, slotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, models.ErrSlotNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock slot: %w", err)
	}

	if slot.Status.IsTerminal() {
		return &slot, false, nil
	}
	derived := models.DeriveSlotStatus(slot.BookedSeats, slot.MinRidersToConfirm, slot.TotalSeats)
	if derived == slot.Status {
		return &slot, false, nil
	}

	if err := applyDerivedStatus(ctx, tx, slotID, derived); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit status recompute: %w", err)
	}

	slot.Status = derived
	return &slot, true, nil
}

// applyDerivedStatus writes a derived status unless the slot is terminal
func applyDerivedStatus(ctx context.Context, tx *sqlx.Tx, slotID uuid.UUID, status models.SlotStatus) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE slots
		SET status = $2
		WHERE id = $1 AND status <> $2 AND status NOT IN ('CLAIMED', 'CANCELLED')
	`, slotID, status)
	if err != nil {
		return fmt.Errorf("failed to update slot status: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
