package order

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepository(t *testing.T) (Repository, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewRepository(sqlx.NewDb(mockDB, "sqlmock")), mock
}

func TestSQLRepository_CreateIfAbsent(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta(insertOrderQuery)).
		WithArgs("ORD0001", "buyer_1", "Buyer", sqlmock.AnyArg(), int64(StatusPaid), nil, sqlmock.AnyArg(), false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	stored, created, err := repo.CreateIfAbsent(context.Background(), &Order{
		OrderSN:   "ORD0001",
		BuyerID:   "buyer_1",
		BuyerName: "Buyer",
		Amount:    decimal.RequireFromString("19.90"),
		Status:    StatusPaid,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(42), stored.ID)
	assert.Equal(t, types.JSONText("[]"), stored.GoodsInfo)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepository_CreateIfAbsent_ReturnsExisting(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta(insertOrderQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta(selectOrderBySNQuery)).
		WithArgs("ORD0001").
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_sn", "status", "verified"}).
			AddRow(7, "ORD0001", int64(StatusShipped), false))

	stored, created, err := repo.CreateIfAbsent(context.Background(), &Order{OrderSN: "ORD0001", Status: StatusPaid})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(7), stored.ID)
	assert.Equal(t, StatusShipped, stored.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepository_GetBySN_NotFound(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta(selectOrderBySNQuery)).
		WithArgs("ORD9999").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetBySN(context.Background(), "ORD9999")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestSQLRepository_MarkShipped(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		wantErr  error
	}{
		{name: "paid order is shipped", affected: 1},
		{name: "order no longer paid", affected: 0, wantErr: ErrStateConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepository(t)
			mock.ExpectExec(regexp.QuoteMeta(markShippedQuery)).
				WithArgs(int64(StatusShipped), sqlmock.AnyArg(), sqlmock.AnyArg(), "K3F9QZ2Y7PLM1ABC", sqlmock.AnyArg(), "ORD0001", int64(StatusPaid)).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			err := repo.MarkShipped(context.Background(), "ORD0001", "K3F9QZ2Y7PLM1ABC", types.JSONText(`{}`), time.Now())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSQLRepository_CompleteRedemption_Commits(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(completeRedemptionQuery)).
		WithArgs(int64(StatusFinished), true, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "ORD0001", int64(StatusShipped), false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(insertRecordQuery)).
		WithArgs("ORD0001", "K3F9QZ2Y7PLM1ABC", true, "verified", "manual", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectCommit()

	rec := &VerificationRecord{VerificationCode: "K3F9QZ2Y7PLM1ABC", Result: "verified", Method: MethodManual}
	err := repo.CompleteRedemption(context.Background(), "ORD0001", rec)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.ID)
	assert.True(t, rec.Success)
	assert.NotNil(t, rec.VerifiedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepository_CompleteRedemption_LostRaceRollsBack(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(completeRedemptionQuery)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.CompleteRedemption(context.Background(), "ORD0001", &VerificationRecord{Method: MethodAuto})
	assert.ErrorIs(t, err, ErrStateConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepository_CompleteRedemption_RecordFailureRollsBack(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(completeRedemptionQuery)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(insertRecordQuery)).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := repo.CompleteRedemption(context.Background(), "ORD0001", &VerificationRecord{Method: MethodAuto})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepository_Stats(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta(orderStatsQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"a", "b", "c", "d", "e"}).AddRow(10, 3, 4, 2, 4))
	mock.ExpectQuery(regexp.QuoteMeta(recordStatsQuery)).
		WithArgs(true).
		WillReturnRows(sqlmock.NewRows([]string{"a", "b"}).AddRow(6, 2))

	st, err := repo.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{
		TotalOrders:             10,
		PendingOrders:           3,
		ShippedOrders:           4,
		FinishedOrders:          2,
		VerifiableOrders:        4,
		TotalVerifications:      6,
		SuccessfulVerifications: 2,
	}, st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepository_ListRecords_Filters(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM verification_records WHERE order_sn = ?")).
		WithArgs("ORD0001").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM verification_records WHERE order_sn = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?")).
		WithArgs("ORD0001", 10, 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_sn", "verification_code", "success", "result", "method"}).
			AddRow(1, "ORD0001", "K3F9QZ2Y7PLM1ABC", false, "code mismatch", "manual"))

	page, err := repo.ListRecords(context.Background(), RecordFilter{OrderSN: "ORD0001", Page: 2, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, MethodManual, page.Items[0].Method)
	assert.NoError(t, mock.ExpectationsWereMet())
}
