package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// SLOT STATUS (matches slots.status CHECK constraint)
// ============================================================================

// SlotStatus represents where a slot is in its confirmation lifecycle
type SlotStatus string

const (
	SlotStatusOpen       SlotStatus = "OPEN"        // Below the revenue floor
	SlotStatusMinReached SlotStatus = "MIN_REACHED" // Floor reached, seats left
	SlotStatusFull       SlotStatus = "FULL"        // Every seat committed
	SlotStatusClaimed    SlotStatus = "CLAIMED"     // Operator finalized, holds captured
	SlotStatusCancelled  SlotStatus = "CANCELLED"   // Trip called off, holds voided
)

// IsTerminal reports whether the status can no longer change
func (s SlotStatus) IsTerminal() bool {
	return s == SlotStatusClaimed || s == SlotStatusCancelled
}

// IsBookable reports whether seats may still be reserved in this status
func (s SlotStatus) IsBookable() bool {
	return s == SlotStatusOpen || s == SlotStatusMinReached
}

// NonTerminalStatuses lists every status a slot may be cancelled from
var NonTerminalStatuses = []SlotStatus{SlotStatusOpen, SlotStatusMinReached, SlotStatusFull}

// ClaimableStatuses lists the statuses from which an operator may claim
var ClaimableStatuses = []SlotStatus{SlotStatusMinReached, SlotStatusFull}

// DeriveSlotStatus computes the status implied by seat counts alone.
// Terminal statuses are never derived; they are set by claim or cancel.
func DeriveSlotStatus(bookedSeats, minRidersToConfirm, totalSeats int) SlotStatus {
	switch {
	case bookedSeats >= totalSeats:
		return SlotStatusFull
	case bookedSeats < minRidersToConfirm:
		return SlotStatusOpen
	default:
		return SlotStatusMinReached
	}
}

// ============================================================================
// SLOT
// ============================================================================

// Activity is the kind of trip offered on a slot
type Activity string

const (
	ActivityFishing Activity = "FISHING"
	ActivityCruise  Activity = "CRUISE"
	ActivityDiving  Activity = "DIVING"
)

// Slot is one bookable trip instance with fixed capacity and price
type Slot struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	OperatorID         uuid.UUID  `json:"operator_id" db:"operator_id"`
	Title              string     `json:"title" db:"title"`
	Activity           Activity   `json:"activity" db:"activity"`
	Location           string     `json:"location" db:"location"`
	TotalSeats         int        `json:"total_seats" db:"total_seats"`
	MinRidersToConfirm int        `json:"min_riders_to_confirm" db:"min_riders_to_confirm"`
	PricePerSeat       int64      `json:"price_per_seat" db:"price_per_seat"`
	Currency           string     `json:"currency" db:"currency"`
	BookedSeats        int        `json:"booked_seats" db:"booked_seats"`
	Status             SlotStatus `json:"status" db:"status"`
	DurationMinutes    int        `json:"duration_minutes" db:"duration_minutes"`
	TimeStart          time.Time  `json:"time_start" db:"time_start"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
	ClaimedAt          *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`

	// Loaded separately from slot_riders
	Riders []SlotRider `json:"riders" db:"-"`
}

// SlotRider is one committed seat on a slot
type SlotRider struct {
	SlotID  uuid.UUID `json:"-" db:"slot_id"`
	RiderID uuid.UUID `json:"rider_id" db:"rider_id"`
	HoldID  uuid.UUID `json:"hold_id" db:"hold_id"`
	// SeatIndex is the booking ordinal at reservation time, not a seat
	// identity: a freed index is handed out again, so two live riders may
	// share one.
	SeatIndex int       `json:"seat_index" db:"seat_index"`
	BookedAt  time.Time `json:"booked_at" db:"booked_at"`
}

// SeatsRemaining returns the number of seats still open
func (s *Slot) SeatsRemaining() int {
	if s.BookedSeats >= s.TotalSeats {
		return 0
	}
	return s.TotalSeats - s.BookedSeats
}

// HasStarted reports whether the slot can no longer be reserved at now
func (s *Slot) HasStarted(now time.Time) bool {
	return !now.Before(s.TimeStart)
}

// FindRider returns the rider's seat entry, if any
func (s *Slot) FindRider(riderID uuid.UUID) (*SlotRider, bool) {
	for i := range s.Riders {
		if s.Riders[i].RiderID == riderID {
			return &s.Riders[i], true
		}
	}
	return nil, false
}

// CommittedRevenue is the amount held against this slot's seats
func (s *Slot) CommittedRevenue() int64 {
	return int64(s.BookedSeats) * s.PricePerSeat
}

// FillRate is the booked share of capacity as a percentage
func (s *Slot) FillRate() float64 {
	if s.TotalSeats == 0 {
		return 0
	}
	return float64(s.BookedSeats) / float64(s.TotalSeats) * 100
}

// ============================================================================
// LEDGER RESULTS
// ============================================================================

// SeatToken is returned by a successful seat reservation
type SeatToken struct {
	SlotID      uuid.UUID  `json:"slot_id"`
	RiderID     uuid.UUID  `json:"rider_id"`
	HoldID      uuid.UUID  `json:"hold_id"`
	SeatIndex   int        `json:"seat_index"`
	BookedSeats int        `json:"booked_seats"`
	TotalSeats  int        `json:"total_seats"`
	Status      SlotStatus `json:"status"`
}

// SeatRelease describes the effect of releasing a rider's seat.
// Released is false when the rider held no seat.
type SeatRelease struct {
	SlotID      uuid.UUID  `json:"slot_id"`
	RiderID     uuid.UUID  `json:"rider_id"`
	Released    bool       `json:"released"`
	HoldID      uuid.UUID  `json:"hold_id,omitempty"`
	BookedSeats int        `json:"booked_seats"`
	Status      SlotStatus `json:"status"`
}

// SeatSnapshot is a consistent read of a slot's seat inventory
type SeatSnapshot struct {
	BookedSeats int         `json:"booked_seats"`
	TotalSeats  int         `json:"total_seats"`
	Riders      []SlotRider `json:"riders"`
}

// StatusTransition is a compare-and-set on slots.status
type StatusTransition struct {
	From []SlotStatus
	To   SlotStatus
	// RequireFloor additionally demands booked_seats >= min_riders_to_confirm
	RequireFloor bool
}

// ============================================================================
// REQUEST / RESPONSE DTOs
// ============================================================================

// CreateSlotRequest is the operator payload for listing a new slot
type CreateSlotRequest struct {
	Title              string    `json:"title" binding:"required"`
	Activity           Activity  `json:"activity"`
	Location           string    `json:"location"`
	TotalSeats         int       `json:"total_seats"`
	MinRidersToConfirm int       `json:"min_riders_to_confirm"`
	PricePerSeat       int64     `json:"price_per_seat"`
	Currency           string    `json:"currency"`
	DurationMinutes    int       `json:"duration_minutes"`
	TimeStart          time.Time `json:"time_start" binding:"required"`
}

const (
	DefaultTotalSeats         = 5
	DefaultMinRidersToConfirm = 3
	DefaultDurationMinutes    = 120
)

// ApplyDefaults fills unset fields the way the operator app pre-fills its form
func (r *CreateSlotRequest) ApplyDefaults(currency string) {
	if r.TotalSeats == 0 {
		r.TotalSeats = DefaultTotalSeats
	}
	if r.MinRidersToConfirm == 0 {
		r.MinRidersToConfirm = DefaultMinRidersToConfirm
		if r.MinRidersToConfirm > r.TotalSeats {
			r.MinRidersToConfirm = r.TotalSeats
		}
	}
	if r.DurationMinutes == 0 {
		r.DurationMinutes = DefaultDurationMinutes
	}
	if r.Currency == "" {
		r.Currency = currency
	}
	r.Currency = strings.ToUpper(r.Currency)
	r.Activity = Activity(strings.ToUpper(string(r.Activity)))
}

// Validate checks the immutable slot parameters
func (r *CreateSlotRequest) Validate(now time.Time) error {
	switch {
	case strings.TrimSpace(r.Title) == "":
		return NewValidationError(CodeInvalidSlot, "title is required")
	case r.TotalSeats <= 0:
		return NewValidationError(CodeInvalidSlot, "total seats must be positive")
	case r.MinRidersToConfirm <= 0:
		return NewValidationError(CodeInvalidSlot, "min riders must be positive")
	case r.MinRidersToConfirm > r.TotalSeats:
		return NewValidationError(CodeInvalidSlot, "min riders cannot exceed seats")
	case r.PricePerSeat <= 0:
		return NewValidationError(CodeInvalidSlot, "price per seat must be positive")
	case r.DurationMinutes < 0:
		return NewValidationError(CodeInvalidSlot, "duration cannot be negative")
	case len(r.Currency) != 3:
		return NewValidationError(CodeInvalidSlot, "currency must be a 3-letter ISO code")
	case !r.TimeStart.After(now):
		return NewValidationError(CodeInvalidSlot, "start time must be in the future")
	}
	return nil
}

// BookSeatRequest is the rider payload for reserving a seat
type BookSeatRequest struct {
	PaymentMethod string `json:"payment_method" binding:"required"`
}

// BookingResult is returned by a seat booking
type BookingResult struct {
	Slot      *Slot     `json:"slot"`
	HoldID    uuid.UUID `json:"hold_id"`
	SeatIndex int       `json:"seat_index"`
	// Replayed is true when an earlier booking by the same rider was returned
	Replayed bool `json:"replayed"`
}

// SettlementResult is returned by claim and cancel
type SettlementResult struct {
	Slot     *Slot         `json:"slot"`
	Outcomes []HoldOutcome `json:"outcomes"`
}

// FailedOutcomes returns the holds that could not be settled
func (r *SettlementResult) FailedOutcomes() []HoldOutcome {
	var failed []HoldOutcome
	for _, o := range r.Outcomes {
		if !o.Succeeded {
			failed = append(failed, o)
		}
	}
	return failed
}

// BookingScope selects a rider's upcoming or past trips
type BookingScope string

const (
	BookingScopeUpcoming BookingScope = "upcoming"
	BookingScopePast     BookingScope = "past"
)

// RiderBooking is a rider's seat on a slot, for the "my trips" view
type RiderBooking struct {
	Slot      *Slot     `json:"slot"`
	HoldID    uuid.UUID `json:"hold_id"`
	SeatIndex int       `json:"seat_index"`
	BookedAt  time.Time `json:"booked_at"`
}

// OperatorStats summarises an operator's slots over a period
type OperatorStats struct {
	OperatorID   uuid.UUID `json:"operator_id"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	SlotCount    int       `json:"slot_count"`
	ClaimedCount int       `json:"claimed_count"`
	BookedSeats  int       `json:"booked_seats"`
	TotalRevenue int64     `json:"total_revenue"`
	AvgFillRate  float64   `json:"avg_fill_rate"`
}
