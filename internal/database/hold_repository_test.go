package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/boatride/slot-booking-backend/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var holdRowColumns = []string{
	"id", "rider_id", "slot_id", "amount", "currency", "payment_method", "state",
	"processor_ref", "failure_reason", "created_at", "updated_at", "authorized_at", "captured_at", "voided_at",
}

func newHoldRepoMock(t *testing.T) (*HoldRepository, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewHoldRepository(sqlx.NewDb(db, "sqlmock")), mock, func() { db.Close() }
}

func TestHoldRepositoryUpdateHoldState(t *testing.T) {
	ctx := context.Background()
	ref := "chrg_test_5x"

	t.Run("Authorizes a pending hold", func(t *testing.T) {
		repo, mock, done := newHoldRepoMock(t)
		defer done()
		holdID := uuid.New()
		from := models.HoldStateList{models.HoldStatePending}

		mock.ExpectExec(`UPDATE payment_holds`).
			WithArgs(holdID, "AUTHORIZED", from, &ref, nil).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.UpdateHoldState(ctx, holdID, from, models.HoldStateAuthorized, models.HoldUpdate{ProcessorRef: &ref})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("State already moved", func(t *testing.T) {
		repo, mock, done := newHoldRepoMock(t)
		defer done()

		mock.ExpectExec(`UPDATE payment_holds`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.UpdateHoldState(ctx, uuid.New(), models.HoldStateList{models.HoldStateAuthorized}, models.HoldStateVoided, models.HoldUpdate{})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Database Error", func(t *testing.T) {
		repo, mock, done := newHoldRepoMock(t)
		defer done()

		mock.ExpectExec(`UPDATE payment_holds`).WillReturnError(fmt.Errorf("database error"))

		_, err := repo.UpdateHoldState(ctx, uuid.New(), models.HoldStateList{models.HoldStateAuthorized}, models.HoldStateCaptured, models.HoldUpdate{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to update hold state")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestHoldRepositoryQueries(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("GetHold not found", func(t *testing.T) {
		repo, mock, done := newHoldRepoMock(t)
		defer done()

		mock.ExpectQuery(`FROM payment_holds WHERE id = \$1`).
			WillReturnRows(sqlmock.NewRows(holdRowColumns))

		hold, err := repo.GetHold(ctx, uuid.New())
		assert.NoError(t, err)
		assert.Nil(t, hold)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Capture list joins seats", func(t *testing.T) {
		repo, mock, done := newHoldRepoMock(t)
		defer done()
		slotID, holdID, riderID := uuid.New(), uuid.New(), uuid.New()

		mock.ExpectQuery(`JOIN slot_riders r ON r.hold_id = h.id`).
			WithArgs(slotID).
			WillReturnRows(sqlmock.NewRows(holdRowColumns).AddRow(
				holdID.String(), riderID.String(), slotID.String(), int64(200), "AED", "tokn_test", "AUTHORIZED",
				"chrg_1", nil, now, now, now, nil, nil,
			))

		holds, err := repo.ListHoldsForCapture(ctx, slotID)
		require.NoError(t, err)
		require.Len(t, holds, 1)
		assert.Equal(t, holdID, holds[0].ID)
		assert.Equal(t, "chrg_1", holds[0].Ref())
		assert.Equal(t, models.HoldStateAuthorized, holds[0].State)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Hold backs seat", func(t *testing.T) {
		repo, mock, done := newHoldRepoMock(t)
		defer done()
		holdID := uuid.New()

		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs(holdID).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		backed, err := repo.HoldBacksSeat(ctx, holdID)
		require.NoError(t, err)
		assert.True(t, backed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Hold on cancelled slot secures nothing", func(t *testing.T) {
		repo, mock, done := newHoldRepoMock(t)
		defer done()
		holdID := uuid.New()

		mock.ExpectQuery(`SELECT EXISTS \(\s*SELECT 1\s*FROM slot_riders r\s*JOIN slots s`).
			WithArgs(holdID).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		secured, err := repo.HoldSecuresSeat(ctx, holdID)
		require.NoError(t, err)
		assert.False(t, secured)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestHoldAuditRepositoryLog(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	repo := NewHoldAuditRepository(sqlx.NewDb(db, "sqlmock"), logger)

	hold := &models.Hold{ID: uuid.New(), SlotID: uuid.New(), RiderID: uuid.New(), Amount: 200, Currency: "AED"}
	audit := models.NewHoldAudit(hold, models.HoldEventCaptureFailed, models.HoldSourceOperator).
		SetError("card expired", "expired_card")

	t.Run("Success", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO hold_audits`).WillReturnResult(sqlmock.NewResult(0, 1))
		assert.NoError(t, repo.Log(context.Background(), audit))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Database Error", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO hold_audits`).WillReturnError(fmt.Errorf("database error"))
		err := repo.Log(context.Background(), audit)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to log hold audit")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Nil entry", func(t *testing.T) {
		assert.Error(t, repo.Log(context.Background(), nil))
	})
}

func TestHoldAuditRepositoryGetByHoldID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	repo := NewHoldAuditRepository(sqlx.NewDb(db, "sqlmock"), logger)

	holdID := uuid.New()
	columns := []string{
		"id", "hold_id", "slot_id", "rider_id", "event_type", "event_source", "amount", "currency",
		"processor_ref", "error_message", "error_code", "processing_time_ms", "metadata", "created_at",
	}

	t.Run("Ordered trail", func(t *testing.T) {
		created := time.Now().Add(-time.Minute)
		mock.ExpectQuery(`SELECT (.+) FROM hold_audits`).
			WithArgs(holdID).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow(uuid.New().String(), holdID.String(), uuid.New().String(), uuid.New().String(), "authorized", "rider",
					15000, "AED", "chrg_test_1", nil, nil, 120, []byte(`{"attempt":1}`), created).
				AddRow(uuid.New().String(), holdID.String(), uuid.New().String(), uuid.New().String(), "capture_failed", "operator",
					15000, "AED", "chrg_test_1", "card expired", "expired_card", nil, nil, created.Add(time.Second)))

		trail, err := repo.GetByHoldID(context.Background(), holdID)
		require.NoError(t, err)
		require.Len(t, trail, 2)
		assert.Equal(t, models.HoldEventAuthorized, trail[0].EventType)
		assert.Equal(t, float64(1), trail[0].Metadata["attempt"])
		require.NotNil(t, trail[1].ErrorCode)
		assert.Equal(t, "expired_card", *trail[1].ErrorCode)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Database Error", func(t *testing.T) {
		mock.ExpectQuery(`SELECT (.+) FROM hold_audits`).WillReturnError(fmt.Errorf("database error"))
		_, err := repo.GetByHoldID(context.Background(), holdID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to get hold audits")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
