package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanFeed chan uuid.UUID

func (f chanFeed) Changes() <-chan uuid.UUID { return f }

func TestSlotStatusListener(t *testing.T) {
	h := setupBookingTest(t, 0)
	slot := h.createSlot(t, 4, 2)

	feed := make(chanFeed, 4)
	broadcaster := &recordingBroadcaster{}
	listener := NewSlotStatusListener(feed, h.machine, broadcaster, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		listener.Run(ctx)
		close(done)
	}()

	// Duplicates and unknown slots are tolerated
	feed <- slot.ID
	feed <- slot.ID
	feed <- uuid.New()

	require.Eventually(t, func() bool { return broadcaster.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, slot.ID, broadcaster.slots[0].ID)
}

func TestSlotStatusListener_StopsWhenFeedCloses(t *testing.T) {
	h := setupBookingTest(t, 0)
	feed := make(chanFeed)
	listener := NewSlotStatusListener(feed, h.machine, nil, quietLogger())

	done := make(chan struct{})
	go func() {
		listener.Run(context.Background())
		close(done)
	}()
	close(feed)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}
