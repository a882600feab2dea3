package realtime

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boatride/slot-booking-backend/internal/models"
)

func testSlot() *models.Slot {
	return &models.Slot{
		ID:                 uuid.New(),
		TotalSeats:         4,
		MinRidersToConfirm: 2,
		BookedSeats:        1,
		Status:             models.SlotStatusOpen,
	}
}

func TestNewSnapshotMessage(t *testing.T) {
	slot := testSlot()
	msg := NewSnapshotMessage(slot)
	assert.Equal(t, MessageTypeSnapshot, msg.Type)
	assert.Equal(t, 3, msg.SeatsRemaining)

	slot.Status = models.SlotStatusCancelled
	assert.Equal(t, MessageTypeClosed, NewSnapshotMessage(slot).Type)
}

func TestHub_AttachAndBroadcast(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(logger)
	go hub.Run(ctx)

	slot := testSlot()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Attach(conn, slot)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &first))
	assert.Equal(t, slot.ID, first.SlotID)
	assert.Equal(t, 1, first.BookedSeats)

	require.Eventually(t, func() bool { return hub.HasWatchers(slot.ID) }, 2*time.Second, 10*time.Millisecond)

	updated := *slot
	updated.BookedSeats = 2
	updated.Status = models.SlotStatusMinReached
	hub.BroadcastSlot(&updated)

	var second Message
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &second))
	assert.Equal(t, models.SlotStatusMinReached, second.Status)
	assert.Equal(t, 2, second.BookedSeats)

	// Other slots are not delivered to this watcher
	hub.BroadcastSlot(testSlot())
	assert.Equal(t, 0, hub.ClientCount(uuid.New()))
}
