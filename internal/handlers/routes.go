package handlers

import (
	"github.com/boatride/slot-booking-backend/internal/middleware"
	"github.com/boatride/slot-booking-backend/pkg/jwt"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Handlers groups the HTTP handlers mounted under /api/v1
type Handlers struct {
	Booking  *BookingHandler
	Operator *OperatorSlotHandler
	Live     *LiveSlotHandler
}

// RegisterRoutes mounts the slot booking API on api
func RegisterRoutes(api *gin.RouterGroup, h Handlers, jwtService *jwt.Service, logger *logrus.Logger) {
	auth := middleware.AuthMiddleware(jwtService, logger)

	slots := api.Group("/slots")
	slots.Use(auth)
	{
		slots.GET("/:id", h.Booking.GetSlot)
		slots.GET("/:id/seats", h.Booking.GetSeats)
		slots.GET("/:id/live", h.Live.Watch)
		slots.POST("/:id/bookings", middleware.RequireRole(jwt.RoleRider), h.Booking.BookSeat)
		slots.DELETE("/:id/bookings", middleware.RequireRole(jwt.RoleRider), h.Booking.CancelSeat)
	}

	rider := api.Group("/rider")
	rider.Use(auth, middleware.RequireRole(jwt.RoleRider))
	{
		rider.GET("/bookings", h.Booking.ListRiderBookings)
	}

	operator := api.Group("/operator")
	operator.Use(auth, middleware.RequireRole(jwt.RoleOperator))
	{
		operator.POST("/slots", h.Operator.CreateSlot)
		operator.GET("/slots", h.Operator.ListSlots)
		operator.GET("/stats", h.Operator.Stats)
		operator.POST("/slots/:id/claim", h.Operator.ClaimSlot)
		operator.POST("/slots/:id/cancel", h.Operator.CancelSlot)
	}
}
