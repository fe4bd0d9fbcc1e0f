package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/aum-tracker/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))

	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateCompanyDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c1, created, err := s.CreateCompany(ctx, "XP Investimentos")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.RunStatusPending, c1.Status)

	c2, created, err := s.CreateCompany(ctx, "XP Investimentos")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c1.ID, c2.ID)
}

func TestGetCompanyNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetCompany(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetCompanyByName(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateCompanyStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, _, err := s.CreateCompany(ctx, "BlackRock")
	require.NoError(t, err)

	require.NoError(t, s.UpdateCompanyStatus(ctx, c.ID, model.RunStatusScraping))

	got, err := s.GetCompany(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusScraping, got.Status)

	err = s.UpdateCompanyStatus(ctx, "missing", model.RunStatusDone)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListCompaniesByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"Alpha Capital", "Beta Asset", "Gamma Wealth"} {
		_, _, err := s.CreateCompany(ctx, name)
		require.NoError(t, err)
	}

	c, err := s.GetCompanyByName(ctx, "Beta Asset")
	require.NoError(t, err)
	require.NoError(t, s.UpdateCompanyStatus(ctx, c.ID, model.RunStatusDone))

	pending, err := s.ListCompaniesByStatus(ctx, model.RunStatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	done, err := s.ListCompaniesByStatus(ctx, model.RunStatusDone, 10)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "Beta Asset", done[0].Name)
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, _, err := s.CreateCompany(ctx, "Verde Asset")
	require.NoError(t, err)

	run, err := s.CreateRun(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, run.Status)

	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, model.RunStatusFailed, "discovery unavailable"))

	err = s.UpdateRunStatus(ctx, "missing", model.RunStatusDone, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertLinkDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, _, err := s.CreateCompany(ctx, "Itau Asset")
	require.NoError(t, err)

	link := &model.DiscoveredLink{
		CompanyID: c.ID,
		URL:       "https://example.com/annual-report-2025.pdf",
		Category:  model.CategoryReport,
		Query:     "Itau Asset annual report AUM",
	}

	inserted, err := s.UpsertLink(ctx, link)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := &model.DiscoveredLink{
		CompanyID: c.ID,
		URL:       "https://example.com/annual-report-2025.pdf",
		Category:  model.CategoryNews,
	}
	inserted, err = s.UpsertLink(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	links, err := s.ListLinks(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, model.CategoryReport, links[0].Category)
}

func TestRecordAttemptAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, _, err := s.CreateCompany(ctx, "Bradesco Asset")
	require.NoError(t, err)

	attempts := []*model.ScrapeAttempt{
		{CompanyID: c.ID, LinkID: "l1", URL: "https://a.example", Outcome: model.ScrapeBlocked, RetryCount: 0},
		{CompanyID: c.ID, LinkID: "l1", URL: "https://a.example", Outcome: model.ScrapeSuccess, TextLength: 4200, RetryCount: 1},
	}
	for _, a := range attempts {
		require.NoError(t, s.RecordAttempt(ctx, a))
	}

	got, err := s.ListAttempts(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.ScrapeBlocked, got[0].Outcome)
	assert.Equal(t, model.ScrapeSuccess, got[1].Outcome)
	assert.Equal(t, 4200, got[1].TextLength)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, _, err := s.CreateCompany(ctx, "Nubank Asset")
	require.NoError(t, err)

	_, err = s.LatestSnapshot(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	older := &model.AumSnapshot{
		CompanyID:       c.ID,
		RawValue:        "R$ 2,3 bi",
		NormalizedValue: 2.3e9,
		Currency:        "BRL",
		Magnitude:       1e9,
		SourceURL:       "https://example.com/old",
		ExtractedAt:     time.Now().UTC().Add(-24 * time.Hour),
	}
	require.NoError(t, s.RecordSnapshot(ctx, older))

	newer := &model.AumSnapshot{
		CompanyID:       c.ID,
		RawValue:        "R$ 2,5 bi",
		NormalizedValue: 2.5e9,
		Currency:        "BRL",
		Magnitude:       1e9,
		SourceURL:       "https://example.com/new",
		ExtractedAt:     time.Now().UTC(),
	}
	require.NoError(t, s.RecordSnapshot(ctx, newer))

	latest, err := s.LatestSnapshot(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "R$ 2,5 bi", latest.RawValue)
	assert.InDelta(t, 2.5e9, latest.NormalizedValue, 1)

	rows, err := s.ListSnapshotRows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Nubank Asset", rows[0].CompanyName)
}

func TestRecordSnapshotRejectsInvalid(t *testing.T) {
	s := newTestStore(t)

	bad := &model.AumSnapshot{
		CompanyID:       "c1",
		RawValue:        "-5 bi",
		NormalizedValue: -5e9,
	}
	err := s.RecordSnapshot(context.Background(), bad)
	assert.Error(t, err)
}

func TestReserveTokensLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := "2026-08-30"
	expiry := time.Now().UTC().Add(time.Minute)

	// 600 + 300 fits under a 1000 ceiling, the next 200 does not
	r1, err := s.ReserveTokens(ctx, day, 600, 1000, expiry)
	require.NoError(t, err)

	r2, err := s.ReserveTokens(ctx, day, 300, 1000, expiry)
	require.NoError(t, err)

	_, err = s.ReserveTokens(ctx, day, 200, 1000, expiry)
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	// releasing frees capacity
	require.NoError(t, s.ReleaseReservation(ctx, r2))

	r3, err := s.ReserveTokens(ctx, day, 400, 1000, expiry)
	require.NoError(t, err)

	// committed usage still counts against the ceiling
	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.CommitReservation(ctx, r1, &model.UsageRecord{
		Operation: "extract",
		Tokens:    580,
		Cost:      0.02,
		Timestamp: ts,
	}))
	require.NoError(t, s.CommitReservation(ctx, r3, &model.UsageRecord{
		Operation: "extract",
		Tokens:    390,
		Cost:      0.015,
		Timestamp: ts,
	}))

	_, err = s.ReserveTokens(ctx, day, 100, 1000, expiry)
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	sum, err := s.DailyUsage(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 970, sum.Tokens)
	assert.Equal(t, 2, sum.CallCount)
	assert.InDelta(t, 0.035, sum.Cost, 1e-9)
}

func TestReserveTokensExactCeiling(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := "2026-08-30"
	expiry := time.Now().UTC().Add(time.Minute)

	_, err := s.ReserveTokens(ctx, day, 1000, 1000, expiry)
	assert.NoError(t, err)

	_, err = s.ReserveTokens(ctx, day, 1, 1000, expiry)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestExpiredReservationFreesCapacity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := "2026-08-30"

	// already expired, the next reserve purges it
	_, err := s.ReserveTokens(ctx, day, 900, 1000, time.Now().UTC().Add(-time.Second))
	require.NoError(t, err)

	_, err = s.ReserveTokens(ctx, day, 900, 1000, time.Now().UTC().Add(time.Minute))
	assert.NoError(t, err)
}

func TestListUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := "2026-08-30"
	expiry := time.Now().UTC().Add(time.Minute)

	r1, err := s.ReserveTokens(ctx, day, 100, 1000, expiry)
	require.NoError(t, err)

	ts := time.Date(2026, 8, 30, 9, 30, 0, 0, time.UTC)
	require.NoError(t, s.CommitReservation(ctx, r1, &model.UsageRecord{
		CompanyID: "c1",
		Operation: "extract",
		Tokens:    95,
		Cost:      0.004,
		Timestamp: ts,
	}))

	recs, err := s.ListUsage(ctx, day)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "c1", recs[0].CompanyID)
	assert.Equal(t, "extract", recs[0].Operation)
	assert.Equal(t, 95, recs[0].Tokens)
}
