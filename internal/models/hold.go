package models

import (
	"time"

	"github.com/google/uuid"
)

// HoldState represents the lifecycle of a payment authorization
type HoldState string

const (
	HoldStatePending    HoldState = "PENDING"    // Written before the processor call, outcome not yet known
	HoldStateAuthorized HoldState = "AUTHORIZED" // Funds reserved, not transferred
	HoldStateCaptured   HoldState = "CAPTURED"   // Charged after the slot was claimed
	HoldStateVoided     HoldState = "VOIDED"     // Released without charge
	HoldStateFailed     HoldState = "FAILED"     // Authorization declined
)

// IsTerminal reports whether the hold can no longer change
func (s HoldState) IsTerminal() bool {
	return s == HoldStateCaptured || s == HoldStateVoided || s == HoldStateFailed
}

// IsLive reports whether the hold still reserves (or may reserve) funds
func (s HoldState) IsLive() bool {
	return s == HoldStatePending || s == HoldStateAuthorized
}

// Hold is a payment authorization backing one seat
type Hold struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	RiderID       uuid.UUID  `json:"rider_id" db:"rider_id"`
	SlotID        uuid.UUID  `json:"slot_id" db:"slot_id"`
	Amount        int64      `json:"amount" db:"amount"`
	Currency      string     `json:"currency" db:"currency"`
	PaymentMethod string     `json:"-" db:"payment_method"`
	State         HoldState  `json:"state" db:"state"`
	ProcessorRef  *string    `json:"processor_ref,omitempty" db:"processor_ref"`
	FailureReason *string    `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
	AuthorizedAt  *time.Time `json:"authorized_at,omitempty" db:"authorized_at"`
	CapturedAt    *time.Time `json:"captured_at,omitempty" db:"captured_at"`
	VoidedAt      *time.Time `json:"voided_at,omitempty" db:"voided_at"`
}

// Ref returns the processor reference or an empty string
func (h *Hold) Ref() string {
	if h.ProcessorRef == nil {
		return ""
	}
	return *h.ProcessorRef
}

// HoldUpdate carries the optional columns written with a state change
type HoldUpdate struct {
	ProcessorRef  *string
	FailureReason *string
}

// HoldOutcome is the per-hold result of a capture or void fan-out
type HoldOutcome struct {
	HoldID    uuid.UUID `json:"hold_id"`
	RiderID   uuid.UUID `json:"rider_id"`
	State     HoldState `json:"state"`
	Succeeded bool      `json:"succeeded"`
	Reason    string    `json:"reason,omitempty"`
}
