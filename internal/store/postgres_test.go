package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/aum-tracker/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	return NewPostgresWithPool(mock), mock
}

func TestPostgresUpdateCompanyStatusNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE companies SET status").
		WithArgs(string(model.RunStatusDone), pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateCompanyStatus(context.Background(), "missing", model.RunStatusDone)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertLinkConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO discovered_links").
		WithArgs(pgxmock.AnyArg(), "c1", "https://example.com/report", "report", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := s.UpsertLink(context.Background(), &model.DiscoveredLink{
		CompanyID: "c1",
		URL:       "https://example.com/report",
		Category:  model.CategoryReport,
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReserveTokensExceeded(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("2026-08-30").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("DELETE FROM budget_reservations WHERE expires_at").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectQuery("SELECT").
		WithArgs("2026-08-30", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"committed", "reserved"}).AddRow(800, 150))
	mock.ExpectRollback()

	_, err := s.ReserveTokens(context.Background(), "2026-08-30", 100, 1000, time.Now().Add(time.Minute))
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReserveTokensGranted(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("2026-08-30").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("DELETE FROM budget_reservations WHERE expires_at").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectQuery("SELECT").
		WithArgs("2026-08-30", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"committed", "reserved"}).AddRow(100, 0))
	mock.ExpectExec("INSERT INTO budget_reservations").
		WithArgs(pgxmock.AnyArg(), "2026-08-30", 500, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	id, err := s.ReserveTokens(context.Background(), "2026-08-30", 500, 1000, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCommitReservation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM budget_reservations WHERE id").
		WithArgs("resv-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("INSERT INTO usage_records").
		WithArgs(pgxmock.AnyArg(), "c1", "extract", 480, 0.02, "2026-08-30", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.CommitReservation(context.Background(), "resv-1", &model.UsageRecord{
		CompanyID: "c1",
		Operation: "extract",
		Tokens:    480,
		Cost:      0.02,
		Timestamp: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDailyUsage(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("2026-08-30").
		WillReturnRows(pgxmock.NewRows([]string{"tokens", "cost", "count"}).AddRow(1200, 0.05, 3))

	sum, err := s.DailyUsage(context.Background(), "2026-08-30")
	require.NoError(t, err)
	assert.Equal(t, 1200, sum.Tokens)
	assert.Equal(t, 3, sum.CallCount)
	assert.InDelta(t, 0.05, sum.Cost, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}
