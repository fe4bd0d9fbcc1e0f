package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/aum-tracker/internal/store"
)

func newTestManager(t *testing.T, ceiling int) *Manager {
	t.Helper()

	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	return NewManager(s, ceiling, time.Minute)
}

func TestReserveCommitFlow(t *testing.T) {
	m := newTestManager(t, 1000)
	ctx := context.Background()

	res, err := m.Reserve(ctx, "c1", 400)
	require.NoError(t, err)
	assert.Equal(t, 400, res.Tokens)

	require.NoError(t, m.Commit(ctx, res, "extract", 380, 0.015))

	sum, err := m.DailySummary(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 380, sum.Tokens)
	assert.Equal(t, 1, sum.CallCount)
	assert.Equal(t, 1000, sum.Ceiling)
}

func TestReserveDeniedAtCeiling(t *testing.T) {
	m := newTestManager(t, 1000)
	ctx := context.Background()

	_, err := m.Reserve(ctx, "c1", 1000)
	require.NoError(t, err)

	_, err = m.Reserve(ctx, "c2", 1)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestReleaseFreesCapacity(t *testing.T) {
	m := newTestManager(t, 1000)
	ctx := context.Background()

	res, err := m.Reserve(ctx, "c1", 900)
	require.NoError(t, err)

	_, err = m.Reserve(ctx, "c2", 500)
	require.ErrorIs(t, err, ErrBudgetExceeded)

	require.NoError(t, m.Release(ctx, res))

	_, err = m.Reserve(ctx, "c2", 500)
	assert.NoError(t, err)
}

func TestReserveRejectsNonPositive(t *testing.T) {
	m := newTestManager(t, 1000)

	_, err := m.Reserve(context.Background(), "c1", 0)
	assert.Error(t, err)
}

func TestCommitRecordsActualOverEstimate(t *testing.T) {
	m := newTestManager(t, 1000)
	ctx := context.Background()

	res, err := m.Reserve(ctx, "c1", 200)
	require.NoError(t, err)

	// model returned more tokens than estimated; the overage is still
	// recorded and eats into the remaining budget
	require.NoError(t, m.Commit(ctx, res, "extract", 950, 0.04))

	_, err = m.Reserve(ctx, "c2", 100)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestConcurrentReservesNeverOvershoot(t *testing.T) {
	const (
		ceiling = 1000
		workers = 20
		chunk   = 100
	)
	m := newTestManager(t, ceiling)
	ctx := context.Background()

	// Assertions stay on the test goroutine; workers only collect results.
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		granted  int
		denied   int
		failures []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Reserve(ctx, "c1", chunk)
			if err != nil {
				mu.Lock()
				defer mu.Unlock()
				if errors.Is(err, ErrBudgetExceeded) {
					denied++
				} else {
					failures = append(failures, err)
				}
				return
			}
			commitErr := m.Commit(ctx, res, "extract", chunk, 0.001)
			mu.Lock()
			defer mu.Unlock()
			if commitErr != nil {
				failures = append(failures, commitErr)
				return
			}
			granted++
		}()
	}
	wg.Wait()

	require.Empty(t, failures)
	assert.Equal(t, ceiling/chunk, granted)
	assert.Equal(t, workers-ceiling/chunk, denied)

	sum, err := m.DailySummary(ctx, "")
	require.NoError(t, err)
	assert.LessOrEqual(t, sum.Tokens, ceiling)
	assert.Equal(t, ceiling, sum.Tokens)
}
