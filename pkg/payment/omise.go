package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
	"github.com/sirupsen/logrus"
)

// OmiseConfig holds Omise credentials
type OmiseConfig struct {
	PublicKey string
	SecretKey string
	Timeout   time.Duration
}

// OmiseProcessor places holds as uncaptured Omise charges.
// Capture uses the capture endpoint and void reverses the charge.
type OmiseProcessor struct {
	client  *omise.Client
	timeout time.Duration
	logger  *logrus.Logger

	// The client library does not expose request headers, so authorizations
	// are deduplicated per process by idempotency key.
	mu      sync.Mutex
	charges map[string]string
}

// NewOmiseProcessor creates an Omise-backed processor
func NewOmiseProcessor(cfg OmiseConfig, logger *logrus.Logger) (*OmiseProcessor, error) {
	client, err := omise.NewClient(cfg.PublicKey, cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create omise client: %w", err)
	}
	client.SetDebug(false)

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	return &OmiseProcessor{
		client:  client,
		timeout: timeout,
		logger:  logger,
		charges: make(map[string]string),
	}, nil
}

// CreateAuthorization creates a charge with capture disabled
func (p *OmiseProcessor) CreateAuthorization(ctx context.Context, req AuthorizationRequest) (*Authorization, error) {
	p.mu.Lock()
	ref, seen := p.charges[req.IdempotencyKey]
	p.mu.Unlock()
	if seen {
		return &Authorization{Ref: ref, Amount: req.Amount}, nil
	}

	metadata := map[string]any{"idempotency_key": req.IdempotencyKey}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	charge := &omise.Charge{}
	op := &operations.CreateCharge{
		Amount:      req.Amount,
		Currency:    req.Currency,
		Card:        req.PaymentMethod,
		Description: req.Description,
		DontCapture: true,
		Metadata:    metadata,
	}

	if err := p.do(ctx, func() error { return p.client.Do(charge, op) }); err != nil {
		return nil, err
	}

	if string(charge.Status) == "failed" || !charge.Authorized {
		return nil, &DeclineError{Code: deref(charge.FailureCode), Message: deref(charge.FailureMessage)}
	}

	p.mu.Lock()
	p.charges[req.IdempotencyKey] = charge.ID
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"charge_id":       charge.ID,
		"amount":          charge.Amount,
		"idempotency_key": req.IdempotencyKey,
	}).Info("Omise authorization created")

	return &Authorization{Ref: charge.ID, Amount: charge.Amount}, nil
}

// Capture captures an authorized charge
func (p *OmiseProcessor) Capture(ctx context.Context, ref, idempotencyKey string) error {
	charge := &omise.Charge{}
	op := &operations.CaptureCharge{ChargeID: ref}
	if err := p.do(ctx, func() error { return p.client.Do(charge, op) }); err != nil {
		return err
	}
	if !charge.Paid {
		return &DeclineError{Code: deref(charge.FailureCode), Message: deref(charge.FailureMessage)}
	}
	return nil
}

// Void reverses an uncaptured charge
func (p *OmiseProcessor) Void(ctx context.Context, ref, idempotencyKey string) error {
	charge := &omise.Charge{}
	op := &operations.ReverseCharge{ChargeID: ref}
	if err := p.do(ctx, func() error { return p.client.Do(charge, op) }); err != nil {
		return err
	}
	if !charge.Reversed {
		return &DeclineError{Code: "failed_reverse", Message: "charge was not reversed"}
	}
	return nil
}

// do runs a client call with the processor timeout. The client has no
// context support, so an expired deadline abandons the call and reports an
// unknown outcome.
func (p *OmiseProcessor) do(ctx context.Context, call func() error) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- call()
	}()

	select {
	case err := <-done:
		return classifyOmiseError(err)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrOutcomeUnknown, ctx.Err())
	}
}

func classifyOmiseError(err error) error {
	if err == nil {
		return nil
	}
	var oe *omise.Error
	if errors.As(err, &oe) {
		if oe.StatusCode >= 500 {
			return fmt.Errorf("%w: omise %d %s", ErrOutcomeUnknown, oe.StatusCode, oe.Code)
		}
		return &DeclineError{Code: oe.Code, Message: oe.Message}
	}
	return fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
