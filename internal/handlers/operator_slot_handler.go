package handlers

import (
	"net/http"
	"time"

	"github.com/boatride/slot-booking-backend/internal/middleware"
	"github.com/boatride/slot-booking-backend/internal/models"
	"github.com/boatride/slot-booking-backend/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const defaultListWindow = 30 * 24 * time.Hour

// OperatorSlotHandler handles operator slot management endpoints
type OperatorSlotHandler struct {
	orchestrator *services.BookingOrchestratorService
	logger       *logrus.Logger
}

// NewOperatorSlotHandler creates a new OperatorSlotHandler
func NewOperatorSlotHandler(orchestrator *services.BookingOrchestratorService, logger *logrus.Logger) *OperatorSlotHandler {
	return &OperatorSlotHandler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// CreateSlot handles POST /api/v1/operator/slots
func (h *OperatorSlotHandler) CreateSlot(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	var req models.CreateSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}

	slot, err := h.orchestrator.CreateSlot(c.Request.Context(), userCtx.UserID, &req)
	if err != nil {
		respondError(c, h.logger, err, "Failed to create slot")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"slot_id":     slot.ID,
		"operator_id": userCtx.UserID,
		"time_start":  slot.TimeStart,
	}).Info("Slot created")

	c.JSON(http.StatusCreated, slot)
}

// ListSlots handles GET /api/v1/operator/slots?from=&to=
func (h *OperatorSlotHandler) ListSlots(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	now := time.Now()
	from, to, ok := timeRange(c, now.Add(-defaultListWindow), now.Add(defaultListWindow))
	if !ok {
		return
	}

	slots, err := h.orchestrator.ListOperatorSlots(c.Request.Context(), userCtx.UserID, from, to)
	if err != nil {
		respondError(c, h.logger, err, "Failed to list slots")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"from":  from,
		"to":    to,
		"slots": slots,
		"count": len(slots),
	})
}

// Stats handles GET /api/v1/operator/stats?from=&to=
func (h *OperatorSlotHandler) Stats(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	now := time.Now()
	from, to, ok := timeRange(c, now.Add(-defaultListWindow), now)
	if !ok {
		return
	}

	stats, err := h.orchestrator.OperatorStats(c.Request.Context(), userCtx.UserID, from, to)
	if err != nil {
		respondError(c, h.logger, err, "Failed to compute stats")
		return
	}

	c.JSON(http.StatusOK, stats)
}

// ClaimSlot handles POST /api/v1/operator/slots/:id/claim.
// Holds that failed to capture are listed in the response with 200; the
// slot stays CLAIMED and the reconciler reports them.
func (h *OperatorSlotHandler) ClaimSlot(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	slotID, ok := slotIDParam(c)
	if !ok {
		return
	}

	result, err := h.orchestrator.ClaimSlot(c.Request.Context(), userCtx.UserID, slotID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to claim slot")
		return
	}

	c.JSON(http.StatusOK, settlementResponse(result))
}

// CancelSlot handles POST /api/v1/operator/slots/:id/cancel
func (h *OperatorSlotHandler) CancelSlot(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	slotID, ok := slotIDParam(c)
	if !ok {
		return
	}

	result, err := h.orchestrator.CancelSlot(c.Request.Context(), userCtx.UserID, slotID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to cancel slot")
		return
	}

	c.JSON(http.StatusOK, settlementResponse(result))
}

func settlementResponse(result *models.SettlementResult) gin.H {
	failed := result.FailedOutcomes()
	return gin.H{
		"slot":         result.Slot,
		"outcomes":     result.Outcomes,
		"failed_count": len(failed),
	}
}

// timeRange parses optional RFC3339 from/to query parameters
func timeRange(c *gin.Context, defaultFrom, defaultTo time.Time) (time.Time, time.Time, bool) {
	from, to := defaultFrom, defaultTo
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(c, "from must be an RFC3339 timestamp")
			return time.Time{}, time.Time{}, false
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(c, "to must be an RFC3339 timestamp")
			return time.Time{}, time.Time{}, false
		}
		to = t
	}
	return from, to, true
}
