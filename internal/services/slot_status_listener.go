package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SlotChangeFeed delivers IDs of slots whose seats or status changed.
// Delivery may repeat or skip; consumers must be idempotent.
type SlotChangeFeed interface {
	Changes() <-chan uuid.UUID
}

// SlotStatusListener recomputes status and refreshes live watchers for
// every slot change it hears about
type SlotStatusListener struct {
	feed        SlotChangeFeed
	machine     *SlotStateMachine
	broadcaster SlotBroadcaster
	logger      *logrus.Logger
}

// NewSlotStatusListener creates a new SlotStatusListener
func NewSlotStatusListener(feed SlotChangeFeed, machine *SlotStateMachine, broadcaster SlotBroadcaster, logger *logrus.Logger) *SlotStatusListener {
	return &SlotStatusListener{feed: feed, machine: machine, broadcaster: broadcaster, logger: logger}
}

// Run consumes the feed until ctx is cancelled or the feed closes
func (l *SlotStatusListener) Run(ctx context.Context) {
	changes := l.feed.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case slotID, ok := <-changes:
			if !ok {
				return
			}
			l.handle(ctx, slotID)
		}
	}
}

func (l *SlotStatusListener) handle(ctx context.Context, slotID uuid.UUID) {
	slot, _, err := l.machine.Recompute(ctx, slotID)
	if err != nil {
		l.logger.WithError(err).WithField("slot_id", slotID).Warn("Slot recompute failed")
		return
	}
	if l.broadcaster != nil {
		l.broadcaster.BroadcastSlot(slot)
	}
}
