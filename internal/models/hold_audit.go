package models

import (
	"time"

	"github.com/google/uuid"
)

// HoldEventType represents the type of processor interaction recorded
type HoldEventType string

const (
	HoldEventAuthorizeRequested HoldEventType = "authorize_requested"
	HoldEventAuthorized         HoldEventType = "authorized"
	HoldEventAuthorizeDeclined  HoldEventType = "authorize_declined"
	HoldEventAuthorizeUnknown   HoldEventType = "authorize_unknown"
	HoldEventCaptured           HoldEventType = "captured"
	HoldEventCaptureFailed      HoldEventType = "capture_failed"
	HoldEventVoided             HoldEventType = "voided"
	HoldEventVoidFailed         HoldEventType = "void_failed"
)

// HoldEventSource identifies what triggered the event
type HoldEventSource string

const (
	HoldSourceRider      HoldEventSource = "rider"
	HoldSourceOperator   HoldEventSource = "operator"
	HoldSourceReconciler HoldEventSource = "reconciler"
)

// HoldAudit is an immutable audit log entry for a processor interaction
type HoldAudit struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	HoldID       uuid.UUID       `json:"hold_id" db:"hold_id"`
	SlotID       uuid.UUID       `json:"slot_id" db:"slot_id"`
	RiderID      uuid.UUID       `json:"rider_id" db:"rider_id"`
	EventType    HoldEventType   `json:"event_type" db:"event_type"`
	EventSource  HoldEventSource `json:"event_source" db:"event_source"`
	Amount       int64           `json:"amount" db:"amount"`
	Currency     string          `json:"currency" db:"currency"`
	ProcessorRef *string         `json:"processor_ref,omitempty" db:"processor_ref"`

	// Error tracking
	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`
	ErrorCode    *string `json:"error_code,omitempty" db:"error_code"`

	ProcessingTimeMs *int  `json:"processing_time_ms,omitempty" db:"processing_time_ms"`
	Metadata         JSONB `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewHoldAudit creates an audit entry for a hold
func NewHoldAudit(hold *Hold, eventType HoldEventType, source HoldEventSource) *HoldAudit {
	return &HoldAudit{
		ID:           uuid.New(),
		HoldID:       hold.ID,
		SlotID:       hold.SlotID,
		RiderID:      hold.RiderID,
		EventType:    eventType,
		EventSource:  source,
		Amount:       hold.Amount,
		Currency:     hold.Currency,
		ProcessorRef: hold.ProcessorRef,
		CreatedAt:    time.Now(),
	}
}

// SetError sets error information
func (a *HoldAudit) SetError(message string, code string) *HoldAudit {
	a.ErrorMessage = &message
	if code != "" {
		a.ErrorCode = &code
	}
	return a
}

// SetProcessorRef records the processor reference
func (a *HoldAudit) SetProcessorRef(ref string) *HoldAudit {
	if ref != "" {
		a.ProcessorRef = &ref
	}
	return a
}

// SetProcessingTime calculates and sets processing time
func (a *HoldAudit) SetProcessingTime(startTime time.Time) *HoldAudit {
	durationMs := int(time.Since(startTime).Milliseconds())
	a.ProcessingTimeMs = &durationMs
	return a
}

// SetMetadata attaches free-form context
func (a *HoldAudit) SetMetadata(metadata map[string]interface{}) *HoldAudit {
	a.Metadata = JSONB(metadata)
	return a
}
