package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Sandbox payment methods
const (
	SandboxMethodOK        = "pm_card_visa"
	SandboxMethodDeclined  = "pm_card_declined"
	SandboxMethodTimeout   = "pm_card_timeout"
	SandboxMethodNoCapture = "pm_card_capture_fails"
)

type sandboxHold struct {
	ref      string
	amount   int64
	method   string
	captured bool
	voided   bool
}

// SandboxProcessor is an in-memory processor for development and tests.
// Payment methods containing "declined" are refused, "timeout" returns an
// unknown outcome once per key (the hold is created anyway), and
// "capture_fails" authorizes but cannot be captured.
type SandboxProcessor struct {
	mu      sync.Mutex
	byKey   map[string]*sandboxHold
	byRef   map[string]*sandboxHold
	timeout map[string]bool

	authorizeCalls int
	captureCalls   int
	voidCalls      int
}

// NewSandboxProcessor creates an empty sandbox
func NewSandboxProcessor() *SandboxProcessor {
	return &SandboxProcessor{
		byKey:   make(map[string]*sandboxHold),
		byRef:   make(map[string]*sandboxHold),
		timeout: make(map[string]bool),
	}
}

// CreateAuthorization places a sandbox hold
func (p *SandboxProcessor) CreateAuthorization(ctx context.Context, req AuthorizationRequest) (*Authorization, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.authorizeCalls++

	if h, ok := p.byKey[req.IdempotencyKey]; ok {
		if strings.Contains(h.method, "timeout") && !p.timeout[req.IdempotencyKey] {
			p.timeout[req.IdempotencyKey] = true
			return nil, fmt.Errorf("%w: sandbox timeout", ErrOutcomeUnknown)
		}
		return &Authorization{Ref: h.ref, Amount: h.amount}, nil
	}

	if strings.Contains(req.PaymentMethod, "declined") {
		return nil, &DeclineError{Code: "insufficient_fund", Message: "insufficient funds in the account"}
	}
	if req.Amount <= 0 {
		return nil, &DeclineError{Code: "invalid_amount", Message: "amount must be positive"}
	}

	h := &sandboxHold{
		ref:    "sbx_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20],
		amount: req.Amount,
		method: req.PaymentMethod,
	}
	p.byKey[req.IdempotencyKey] = h
	p.byRef[h.ref] = h

	if strings.Contains(req.PaymentMethod, "timeout") {
		p.timeout[req.IdempotencyKey] = true
		return nil, fmt.Errorf("%w: sandbox timeout", ErrOutcomeUnknown)
	}
	return &Authorization{Ref: h.ref, Amount: h.amount}, nil
}

// Capture charges a sandbox hold
func (p *SandboxProcessor) Capture(ctx context.Context, ref, idempotencyKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captureCalls++

	h, ok := p.byRef[ref]
	switch {
	case !ok:
		return &DeclineError{Code: "not_found", Message: "charge " + ref + " was not found"}
	case h.captured:
		return nil
	case h.voided:
		return &DeclineError{Code: "failed_capture", Message: "charge was reversed"}
	case strings.Contains(h.method, "capture_fails"):
		return &DeclineError{Code: "failed_capture", Message: "card expired before capture"}
	}
	h.captured = true
	return nil
}

// Void releases a sandbox hold
func (p *SandboxProcessor) Void(ctx context.Context, ref, idempotencyKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.voidCalls++

	h, ok := p.byRef[ref]
	switch {
	case !ok:
		return &DeclineError{Code: "not_found", Message: "charge " + ref + " was not found"}
	case h.voided:
		return nil
	case h.captured:
		return &DeclineError{Code: "failed_reverse", Message: "charge already captured"}
	}
	h.voided = true
	return nil
}

// SandboxStats counts calls and live holds
type SandboxStats struct {
	AuthorizeCalls int
	CaptureCalls   int
	VoidCalls      int
	Holds          int
	Captured       int
	Voided         int
}

// Stats returns call and hold counters
func (p *SandboxProcessor) Stats() SandboxStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := SandboxStats{
		AuthorizeCalls: p.authorizeCalls,
		CaptureCalls:   p.captureCalls,
		VoidCalls:      p.voidCalls,
		Holds:          len(p.byRef),
	}
	for _, h := range p.byRef {
		if h.captured {
			s.Captured++
		}
		if h.voided {
			s.Voided++
		}
	}
	return s
}
