// Package payment defines the authorization-hold processor used by the
// booking engine and its implementations.
package payment

import (
	"context"
	"errors"
	"fmt"
)

// ErrOutcomeUnknown means the processor call may or may not have taken
// effect (timeout, dropped connection, 5xx). Callers must reconcile before
// retrying, and retry only with the same idempotency key.
var ErrOutcomeUnknown = errors.New("payment processor outcome unknown")

// DeclineError is a definitive refusal from the processor
type DeclineError struct {
	Code    string
	Message string
}

func (e *DeclineError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("payment declined: %s", e.Message)
	}
	return fmt.Sprintf("payment declined (%s): %s", e.Code, e.Message)
}

// Reason is the processor's human-readable explanation
func (e *DeclineError) Reason() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

// AuthorizationRequest asks the processor to reserve funds without capturing
type AuthorizationRequest struct {
	IdempotencyKey string
	Amount         int64
	Currency       string
	PaymentMethod  string
	Description    string
	Metadata       map[string]string
}

// Authorization is a successful hold
type Authorization struct {
	Ref    string
	Amount int64
}

// Processor places, captures and voids authorization holds.
// Every call is idempotent under retry with the same key.
type Processor interface {
	CreateAuthorization(ctx context.Context, req AuthorizationRequest) (*Authorization, error)
	Capture(ctx context.Context, ref, idempotencyKey string) error
	Void(ctx context.Context, ref, idempotencyKey string) error
}

// IsDeclined reports whether err is a definitive refusal and returns it
func IsDeclined(err error) (*DeclineError, bool) {
	var de *DeclineError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsOutcomeUnknown reports whether err leaves the processor state undetermined
func IsOutcomeUnknown(err error) bool {
	return errors.Is(err, ErrOutcomeUnknown) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
