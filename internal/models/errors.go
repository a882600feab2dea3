package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorKind classifies booking failures for callers
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"  // Bad input, no side effects
	KindConcurrency ErrorKind = "concurrency" // Lost a race, partial holds voided
	KindPayment     ErrorKind = "payment"     // Processor declined or failed
	KindState       ErrorKind = "state"       // Transition not allowed, nothing mutated
	KindNotFound    ErrorKind = "not_found"
	KindForbidden   ErrorKind = "forbidden"
)

// Error codes
const (
	CodeSlotNotFound           = "slot_not_found"
	CodeSlotNotBookable        = "slot_not_bookable"
	CodeInvalidSlot            = "invalid_slot"
	CodeInvalidRequest         = "invalid_request"
	CodeSlotFull               = "slot_full"
	CodeBookingInProgress      = "booking_in_progress"
	CodePaymentDeclined        = "payment_declined"
	CodePaymentOutcomeUnknown  = "payment_outcome_unknown"
	CodePaymentFailed          = "payment_failed"
	CodeAlreadyFinalized       = "already_finalized"
	CodeInsufficientCommitment = "insufficient_commitment"
	CodeNotSlotOwner           = "not_slot_owner"
	CodeHoldNotFound           = "hold_not_found"
)

// BookingError is the error type surfaced by the booking engine.
// Two BookingErrors match under errors.Is when their codes are equal.
type BookingError struct {
	Kind    ErrorKind
	Code    string
	Message string
	HoldID  *uuid.UUID
	Reason  string
	Err     error
}

func (e *BookingError) Error() string {
	msg := e.Message
	if e.HoldID != nil {
		msg = fmt.Sprintf("%s (hold %s)", msg, e.HoldID)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	return msg
}

func (e *BookingError) Unwrap() error {
	return e.Err
}

func (e *BookingError) Is(target error) bool {
	t, ok := target.(*BookingError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinel errors
var (
	ErrSlotNotFound           = &BookingError{Kind: KindNotFound, Code: CodeSlotNotFound, Message: "slot not found"}
	ErrSlotNotBookable        = &BookingError{Kind: KindValidation, Code: CodeSlotNotBookable, Message: "slot is no longer bookable"}
	ErrSlotFull               = &BookingError{Kind: KindConcurrency, Code: CodeSlotFull, Message: "no seats left on this slot"}
	ErrBookingInProgress      = &BookingError{Kind: KindConcurrency, Code: CodeBookingInProgress, Message: "a booking for this rider is already in progress"}
	ErrAlreadyFinalized       = &BookingError{Kind: KindState, Code: CodeAlreadyFinalized, Message: "slot is already claimed or cancelled"}
	ErrInsufficientCommitment = &BookingError{Kind: KindState, Code: CodeInsufficientCommitment, Message: "slot has not reached its minimum riders"}
	ErrNotSlotOwner           = &BookingError{Kind: KindForbidden, Code: CodeNotSlotOwner, Message: "slot belongs to another operator"}
	ErrHoldNotFound           = &BookingError{Kind: KindNotFound, Code: CodeHoldNotFound, Message: "hold not found"}
)

// ErrRiderAlreadySeated is returned by the seat ledger when the rider
// already holds a seat. The orchestrator turns it into an idempotent replay.
var ErrRiderAlreadySeated = errors.New("rider already holds a seat on this slot")

// ErrHoldStateConflict is returned when a hold is not in an expected state
var ErrHoldStateConflict = errors.New("hold state changed concurrently")

// ErrTransitionRejected is returned by a status compare-and-set that matched no row
var ErrTransitionRejected = errors.New("slot status transition rejected")

// NewValidationError builds a validation error with a custom message
func NewValidationError(code, message string) *BookingError {
	return &BookingError{Kind: KindValidation, Code: code, Message: message}
}

// NewPaymentError builds a payment error bound to a hold
func NewPaymentError(code string, holdID uuid.UUID, reason string, err error) *BookingError {
	var message string
	switch code {
	case CodePaymentDeclined:
		message = "payment declined"
	case CodePaymentOutcomeUnknown:
		message = "payment outcome unknown"
	default:
		message = "payment failed"
	}
	id := holdID
	return &BookingError{
		Kind:    KindPayment,
		Code:    code,
		Message: message,
		HoldID:  &id,
		Reason:  reason,
		Err:     err,
	}
}

// AsBookingError extracts a *BookingError from err
func AsBookingError(err error) (*BookingError, bool) {
	var be *BookingError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
