package database

import (
	"context"
	"fmt"
	"time"

	"github.com/boatride/slot-booking-backend/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// HoldAuditRepository handles hold audit operations
type HoldAuditRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewHoldAuditRepository creates a new hold audit repository
func NewHoldAuditRepository(db *sqlx.DB, logger *logrus.Logger) *HoldAuditRepository {
	return &HoldAuditRepository{
		db:     db,
		logger: logger,
	}
}

// Log creates a new hold audit entry
func (r *HoldAuditRepository) Log(ctx context.Context, audit *models.HoldAudit) error {
	if audit == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}

	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO hold_audits (
			id, hold_id, slot_id, rider_id,
			event_type, event_source,
			amount, currency, processor_ref,
			error_message, error_code,
			processing_time_ms, metadata, created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6,
			$7, $8, $9,
			$10, $11,
			$12, $13, $14
		)`

	_, err := r.db.ExecContext(ctx, query,
		audit.ID, audit.HoldID, audit.SlotID, audit.RiderID,
		audit.EventType, audit.EventSource,
		audit.Amount, audit.Currency, audit.ProcessorRef,
		audit.ErrorMessage, audit.ErrorCode,
		audit.ProcessingTimeMs, audit.Metadata, audit.CreatedAt,
	)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"event_type": audit.EventType,
			"hold_id":    audit.HoldID,
		}).Error("Failed to log hold audit")
		return fmt.Errorf("failed to log hold audit: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"audit_id":   audit.ID,
		"event_type": audit.EventType,
		"hold_id":    audit.HoldID,
	}).Debug("Hold audit logged")

	return nil
}

// GetByHoldID returns all audit entries for a hold, oldest first
func (r *HoldAuditRepository) GetByHoldID(ctx context.Context, holdID uuid.UUID) ([]*models.HoldAudit, error) {
	audits := []*models.HoldAudit{}
	err := r.db.SelectContext(ctx, &audits, `
		SELECT id, hold_id, slot_id, rider_id, event_type, event_source, amount, currency,
			processor_ref, error_message, error_code, processing_time_ms, metadata, created_at
		FROM hold_audits
		WHERE hold_id = $1
		ORDER BY created_at
	`, holdID)
	if err != nil {
		return nil, fmt.Errorf("failed to get hold audits: %w", err)
	}
	return audits, nil
}
