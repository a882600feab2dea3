package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// SlotChangeListener turns PostgreSQL NOTIFY messages on the slot change
// channel into a stream of slot IDs. Delivery is at-least-once: a reconnect
// is followed by a nil notification, which is dropped, so consumers must
// tolerate both duplicates and gaps.
type SlotChangeListener struct {
	listener *pq.Listener
	channel  string
	changes  chan uuid.UUID
	logger   *logrus.Logger
}

// NewSlotChangeListener opens a LISTEN connection on channel
func NewSlotChangeListener(connStr, channel string, logger *logrus.Logger) (*SlotChangeListener, error) {
	onEvent := func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			logger.WithField("channel", channel).Info("Slot change listener connected")
		case pq.ListenerEventDisconnected:
			logger.WithError(err).Warn("Slot change listener disconnected")
		case pq.ListenerEventReconnected:
			logger.Info("Slot change listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.WithError(err).Warn("Slot change listener reconnect failed")
		}
	}

	listener := pq.NewListener(connStr, 2*time.Second, time.Minute, onEvent)
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
	}

	return &SlotChangeListener{
		listener: listener,
		channel:  channel,
		changes:  make(chan uuid.UUID, 256),
		logger:   logger,
	}, nil
}

// Changes returns the stream of changed slot IDs
func (l *SlotChangeListener) Changes() <-chan uuid.UUID {
	return l.changes
}

// Run forwards notifications until ctx is cancelled
func (l *SlotChangeListener) Run(ctx context.Context) {
	defer close(l.changes)

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-l.listener.Notify:
			if n == nil {
				continue
			}
			slotID, err := uuid.Parse(n.Extra)
			if err != nil {
				l.logger.WithField("payload", n.Extra).Warn("Ignoring malformed slot change notification")
				continue
			}
			select {
			case l.changes <- slotID:
			case <-ctx.Done():
				return
			}
		case <-ping.C:
			if err := l.listener.Ping(); err != nil {
				l.logger.WithError(err).Warn("Slot change listener ping failed")
			}
		}
	}
}

// Close stops listening and closes the connection
func (l *SlotChangeListener) Close() error {
	return l.listener.Close()
}
