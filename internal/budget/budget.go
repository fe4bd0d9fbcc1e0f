// Package budget enforces the daily token ceiling for AI calls. Admission
// goes through reserve-then-commit: callers reserve an estimate before
// calling the model and commit the actual usage after, so concurrent
// pipelines can never overshoot the ceiling between check and spend.
package budget

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/aum-tracker/internal/model"
	"github.com/sells-group/aum-tracker/internal/store"
)

// ErrBudgetExceeded mirrors the store sentinel so callers can depend on
// this package alone.
var ErrBudgetExceeded = store.ErrBudgetExceeded

// Ledger is the subset of store.Store the manager needs.
type Ledger interface {
	ReserveTokens(ctx context.Context, day string, tokens, ceiling int, expiresAt time.Time) (string, error)
	CommitReservation(ctx context.Context, reservationID string, rec *model.UsageRecord) error
	ReleaseReservation(ctx context.Context, reservationID string) error
	DailyUsage(ctx context.Context, day string) (*model.UsageSummary, error)
}

// Reservation is a granted slice of the daily ceiling. It must be either
// committed or released.
type Reservation struct {
	ID        string
	CompanyID string
	Tokens    int
	Day       string
	ExpiresAt time.Time
}

// Manager hands out reservations against a per-day token ceiling.
type Manager struct {
	ledger  Ledger
	ceiling int
	ttl     time.Duration
	now     func() time.Time
}

// NewManager creates a Manager. ceiling is the daily token cap, ttl bounds
// how long a reservation may stay uncommitted before it stops counting
// against the ceiling.
func NewManager(ledger Ledger, ceiling int, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Manager{
		ledger:  ledger,
		ceiling: ceiling,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Ceiling returns the configured daily token cap.
func (m *Manager) Ceiling() int { return m.ceiling }

// Reserve admits estTokens against today's remaining budget. Returns
// ErrBudgetExceeded when the estimate does not fit; that is a normal
// outcome, not a fault.
func (m *Manager) Reserve(ctx context.Context, companyID string, estTokens int) (*Reservation, error) {
	if estTokens <= 0 {
		return nil, eris.New("budget: reservation must be positive")
	}

	now := m.now().UTC()
	day := now.Format("2006-01-02")
	expiresAt := now.Add(m.ttl)

	id, err := m.ledger.ReserveTokens(ctx, day, estTokens, m.ceiling, expiresAt)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("budget reservation granted",
		zap.String("company_id", companyID),
		zap.Int("tokens", estTokens),
		zap.String("day", day),
	)

	return &Reservation{
		ID:        id,
		CompanyID: companyID,
		Tokens:    estTokens,
		Day:       day,
		ExpiresAt: expiresAt,
	}, nil
}

// Commit settles a reservation with the actual spend. Actual usage is
// recorded even if it exceeded the estimate; the ledger only blocks new
// reservations, never a call already made.
func (m *Manager) Commit(ctx context.Context, res *Reservation, operation string, actualTokens int, cost float64) error {
	if res == nil {
		return eris.New("budget: commit of nil reservation")
	}

	rec := &model.UsageRecord{
		CompanyID: res.CompanyID,
		Operation: operation,
		Tokens:    actualTokens,
		Cost:      cost,
		Timestamp: m.now().UTC(),
	}
	if err := m.ledger.CommitReservation(ctx, res.ID, rec); err != nil {
		return eris.Wrap(err, "budget: commit reservation")
	}

	if actualTokens > res.Tokens {
		zap.L().Warn("actual token usage exceeded reservation",
			zap.String("company_id", res.CompanyID),
			zap.Int("reserved", res.Tokens),
			zap.Int("actual", actualTokens),
		)
	}
	return nil
}

// Release returns an unused reservation to the pool.
func (m *Manager) Release(ctx context.Context, res *Reservation) error {
	if res == nil {
		return nil
	}
	return m.ledger.ReleaseReservation(ctx, res.ID)
}

// DailySummary reports committed usage for a day (YYYY-MM-DD). An empty
// day means today.
func (m *Manager) DailySummary(ctx context.Context, day string) (*model.UsageSummary, error) {
	if day == "" {
		day = m.now().UTC().Format("2006-01-02")
	}
	sum, err := m.ledger.DailyUsage(ctx, day)
	if err != nil {
		return nil, eris.Wrap(err, "budget: daily summary")
	}
	sum.Ceiling = m.ceiling
	return sum, nil
}
