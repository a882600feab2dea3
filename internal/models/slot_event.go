package models

import (
	"time"

	"github.com/google/uuid"
)

// SlotEventType is the routing key of a published slot event
type SlotEventType string

const (
	EventSeatBooked              SlotEventType = "slot.seat.booked"
	EventSeatReleased            SlotEventType = "slot.seat.released"
	EventSlotClaimed             SlotEventType = "slot.claimed"
	EventSlotCancelled           SlotEventType = "slot.cancelled"
	EventSettlementPartialFailed SlotEventType = "slot.settlement.partial_failure"
)

// SlotEvent is published after a committed ledger or status change
type SlotEvent struct {
	ID          uuid.UUID     `json:"id"`
	Type        SlotEventType `json:"type"`
	SlotID      uuid.UUID     `json:"slot_id"`
	RiderID     *uuid.UUID    `json:"rider_id,omitempty"`
	HoldID      *uuid.UUID    `json:"hold_id,omitempty"`
	Status      SlotStatus    `json:"status"`
	BookedSeats int           `json:"booked_seats"`
	TotalSeats  int           `json:"total_seats"`
	Outcomes    []HoldOutcome `json:"outcomes,omitempty"`
	OccurredAt  time.Time     `json:"occurred_at"`
}

// NewSlotEvent builds an event from the slot's current counters
func NewSlotEvent(eventType SlotEventType, slot *Slot) SlotEvent {
	return SlotEvent{
		ID:          uuid.New(),
		Type:        eventType,
		SlotID:      slot.ID,
		Status:      slot.Status,
		BookedSeats: slot.BookedSeats,
		TotalSeats:  slot.TotalSeats,
		OccurredAt:  time.Now().UTC(),
	}
}

// WithRider attaches the rider and hold the event concerns
func (e SlotEvent) WithRider(riderID, holdID uuid.UUID) SlotEvent {
	e.RiderID = &riderID
	if holdID != uuid.Nil {
		e.HoldID = &holdID
	}
	return e
}
