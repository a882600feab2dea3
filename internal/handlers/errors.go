package handlers

import (
	"net/http"

	"github.com/boatride/slot-booking-backend/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Client hints returned with booking errors
const (
	ActionHide                     = "hide"
	ActionOfferWaitlist            = "offer_waitlist"
	ActionRetryWithDifferentMethod = "retry_with_different_payment_method"
)

// respondError maps engine errors onto HTTP responses. Anything that is not
// a BookingError is logged and reported as a 500.
func respondError(c *gin.Context, logger *logrus.Logger, err error, msg string) {
	be, ok := models.AsBookingError(err)
	if !ok {
		logger.WithError(err).WithField("path", c.FullPath()).Error(msg)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": msg,
		})
		return
	}

	body := gin.H{
		"error":   be.Code,
		"kind":    be.Kind,
		"message": be.Message,
	}

	status := http.StatusInternalServerError
	switch be.Kind {
	case models.KindValidation:
		status = http.StatusBadRequest
		body["action"] = ActionHide
	case models.KindConcurrency:
		status = http.StatusConflict
		body["action"] = ActionOfferWaitlist
	case models.KindPayment:
		status = http.StatusPaymentRequired
		body["action"] = ActionRetryWithDifferentMethod
		if be.HoldID != nil {
			body["hold_id"] = be.HoldID
		}
		body["reason"] = be.Reason
	case models.KindState:
		status = http.StatusConflict
	case models.KindNotFound:
		status = http.StatusNotFound
	case models.KindForbidden:
		status = http.StatusForbidden
	}

	if status >= 500 || be.Kind == models.KindPayment {
		logger.WithError(err).WithFields(logrus.Fields{
			"path": c.FullPath(),
			"code": be.Code,
		}).Warn(msg)
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   models.CodeInvalidRequest,
		"kind":    models.KindValidation,
		"message": message,
		"action":  ActionHide,
	})
}
