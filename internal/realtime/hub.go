// Package realtime streams slot snapshots to websocket subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/boatride/slot-booking-backend/internal/models"
)

// MessageType represents the type of websocket message
type MessageType string

const (
	MessageTypeSnapshot MessageType = "slot_snapshot"
	MessageTypeClosed   MessageType = "slot_closed"
)

// Message is what subscribers receive
type Message struct {
	Type           MessageType       `json:"type"`
	SlotID         uuid.UUID         `json:"slot_id"`
	Status         models.SlotStatus `json:"status"`
	BookedSeats    int               `json:"booked_seats"`
	TotalSeats     int               `json:"total_seats"`
	MinRiders      int               `json:"min_riders_to_confirm"`
	SeatsRemaining int               `json:"seats_remaining"`
	Timestamp      int64             `json:"timestamp"`
}

// NewSnapshotMessage builds a message from a slot read
func NewSnapshotMessage(slot *models.Slot) *Message {
	t := MessageTypeSnapshot
	if slot.Status.IsTerminal() {
		t = MessageTypeClosed
	}
	return &Message{
		Type:           t,
		SlotID:         slot.ID,
		Status:         slot.Status,
		BookedSeats:    slot.BookedSeats,
		TotalSeats:     slot.TotalSeats,
		MinRiders:      slot.MinRidersToConfirm,
		SeatsRemaining: slot.SeatsRemaining(),
		Timestamp:      time.Now().UnixMilli(),
	}
}

// Hub fans slot snapshots out to the clients watching each slot
type Hub struct {
	clients    map[uuid.UUID]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	done       chan struct{}
	mu         sync.RWMutex
	logger     *logrus.Logger
}

// NewHub creates a new Hub. Call Run to start it.
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for slotID, clients := range h.clients {
				for client := range clients {
					close(client.send)
				}
				delete(h.clients, slotID)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.slotID] == nil {
				h.clients[client.slotID] = make(map[*Client]bool)
			}
			h.clients[client.slotID][client] = true
			count := len(h.clients[client.slotID])
			h.mu.Unlock()
			h.logger.WithFields(logrus.Fields{"slot_id": client.slotID, "watchers": count}).Debug("Live client registered")

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.WithError(err).Warn("Failed to marshal live message")
				continue
			}

			h.mu.RLock()
			targets := make([]*Client, 0, len(h.clients[message.SlotID]))
			for client := range h.clients[message.SlotID] {
				targets = append(targets, client)
			}
			h.mu.RUnlock()

			for _, client := range targets {
				select {
				case client.send <- data:
				default:
					// Slow consumer
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.clients[client.slotID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.clients, client.slotID)
	}
}

// BroadcastSlot queues a snapshot of slot for its watchers. Drops the
// snapshot when the queue is full; the next change carries fresh counters.
func (h *Hub) BroadcastSlot(slot *models.Slot) {
	if slot == nil || !h.HasWatchers(slot.ID) {
		return
	}
	select {
	case h.broadcast <- NewSnapshotMessage(slot):
	default:
		h.logger.WithField("slot_id", slot.ID).Warn("Live broadcast queue full, snapshot dropped")
	}
}

// HasWatchers reports whether any client watches slotID
func (h *Hub) HasWatchers(slotID uuid.UUID) bool {
	return h.ClientCount(slotID) > 0
}

// ClientCount returns the number of clients watching a slot
func (h *Hub) ClientCount(slotID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[slotID])
}

// Attach registers a websocket connection as a watcher of slotID, sends
// the initial snapshot and pumps messages until the connection closes.
func (h *Hub) Attach(conn *websocket.Conn, slot *models.Slot) {
	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 16),
		slotID: slot.ID,
	}
	if data, err := json.Marshal(NewSnapshotMessage(slot)); err == nil {
		client.send <- data
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	client.readPump()
}
