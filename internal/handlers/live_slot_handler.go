package handlers

import (
	"net/http"

	"github.com/boatride/slot-booking-backend/internal/realtime"
	"github.com/boatride/slot-booking-backend/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// LiveSlotHandler streams slot snapshots over a websocket
type LiveSlotHandler struct {
	orchestrator *services.BookingOrchestratorService
	hub          *realtime.Hub
	upgrader     websocket.Upgrader
	logger       *logrus.Logger
}

// NewLiveSlotHandler creates a new LiveSlotHandler. allowedOrigins follows
// the CORS configuration; "*" accepts any origin.
func NewLiveSlotHandler(orchestrator *services.BookingOrchestratorService, hub *realtime.Hub, allowedOrigins []string, logger *logrus.Logger) *LiveSlotHandler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}

	return &LiveSlotHandler{
		orchestrator: orchestrator,
		hub:          hub,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins["*"] || origins[origin]
			},
		},
	}
}

// Watch handles GET /api/v1/slots/:id/live
func (h *LiveSlotHandler) Watch(c *gin.Context) {
	slotID, ok := slotIDParam(c)
	if !ok {
		return
	}

	slot, err := h.orchestrator.GetSlot(c.Request.Context(), slotID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to load slot")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.logger.WithError(err).WithField("slot_id", slotID).Debug("Websocket upgrade failed")
		return
	}

	h.logger.WithField("slot_id", slotID).Debug("Live watcher attached")
	h.hub.Attach(conn, slot)
}
