package handlers

import (
	"net/http"

	"github.com/boatride/slot-booking-backend/internal/middleware"
	"github.com/boatride/slot-booking-backend/internal/models"
	"github.com/boatride/slot-booking-backend/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BookingHandler handles rider-facing slot and seat endpoints
type BookingHandler struct {
	orchestrator *services.BookingOrchestratorService
	logger       *logrus.Logger
}

// NewBookingHandler creates a new BookingHandler
func NewBookingHandler(orchestrator *services.BookingOrchestratorService, logger *logrus.Logger) *BookingHandler {
	return &BookingHandler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// ============================================================================
// GET SLOT - GET /api/v1/slots/:id
// ============================================================================

// GetSlot returns a slot with its committed riders
func (h *BookingHandler) GetSlot(c *gin.Context) {
	slotID, ok := slotIDParam(c)
	if !ok {
		return
	}

	slot, err := h.orchestrator.GetSlot(c.Request.Context(), slotID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to load slot")
		return
	}

	c.JSON(http.StatusOK, slot)
}

// GetSeats returns booked seats, capacity and the seated riders
func (h *BookingHandler) GetSeats(c *gin.Context) {
	slotID, ok := slotIDParam(c)
	if !ok {
		return
	}

	seats, err := h.orchestrator.GetSeats(c.Request.Context(), slotID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to load seats")
		return
	}

	c.JSON(http.StatusOK, seats)
}

// ============================================================================
// BOOK SEAT - POST /api/v1/slots/:id/bookings
// ============================================================================

// BookSeat authorizes a hold and reserves one seat for the caller.
// Repeating the call after success returns the existing booking with 200.
func (h *BookingHandler) BookSeat(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	slotID, ok := slotIDParam(c)
	if !ok {
		return
	}

	var req models.BookSeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.orchestrator.BookSeat(c.Request.Context(), userCtx.UserID, slotID, &req)
	if err != nil {
		respondError(c, h.logger, err, "Failed to book seat")
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// ============================================================================
// CANCEL SEAT - DELETE /api/v1/slots/:id/bookings
// ============================================================================

// CancelSeat releases the caller's seat and voids its hold
func (h *BookingHandler) CancelSeat(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	slotID, ok := slotIDParam(c)
	if !ok {
		return
	}

	slot, err := h.orchestrator.CancelSeat(c.Request.Context(), userCtx.UserID, slotID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to cancel seat")
		return
	}

	c.JSON(http.StatusOK, slot)
}

// ============================================================================
// MY BOOKINGS - GET /api/v1/rider/bookings?scope=upcoming|past
// ============================================================================

// ListRiderBookings lists the caller's seats
func (h *BookingHandler) ListRiderBookings(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	scope := models.BookingScope(c.DefaultQuery("scope", string(models.BookingScopeUpcoming)))
	bookings, err := h.orchestrator.ListRiderBookings(c.Request.Context(), userCtx.UserID, scope)
	if err != nil {
		respondError(c, h.logger, err, "Failed to list bookings")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scope":    scope,
		"bookings": bookings,
		"count":    len(bookings),
	})
}

func slotIDParam(c *gin.Context) (uuid.UUID, bool) {
	slotID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid slot id")
		return uuid.Nil, false
	}
	return slotID, true
}
