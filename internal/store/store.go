// Package store provides persistence for companies, discovered links, scrape
// attempts, extraction candidates, AUM snapshots and the token usage ledger.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/aum-tracker/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrBudgetExceeded is returned by ReserveTokens when admitting the request
// would push the daily total past the ceiling. It is an expected outcome,
// not a storage failure.
var ErrBudgetExceeded = eris.New("store: daily token budget exceeded")

// SnapshotRow is a snapshot joined with its company name, used by the
// reporting surface.
type SnapshotRow struct {
	CompanyName     string    `json:"company_name" csv:"company"`
	RawValue        string    `json:"raw_value" csv:"raw_value"`
	Currency        string    `json:"currency" csv:"currency"`
	NormalizedValue float64   `json:"normalized_value" csv:"normalized_value"`
	SourceURL       string    `json:"source_url" csv:"source_url"`
	ExtractedAt     time.Time `json:"extracted_at" csv:"extracted_at"`
}

// Store defines the persistence interface for the AUM pipeline.
type Store interface {
	// Companies. Name is unique; CreateCompany returns the existing record
	// unchanged when the name is already known.
	CreateCompany(ctx context.Context, name string) (*model.Company, bool, error)
	GetCompany(ctx context.Context, id string) (*model.Company, error)
	GetCompanyByName(ctx context.Context, name string) (*model.Company, error)
	ListCompaniesByStatus(ctx context.Context, status model.RunStatus, limit int) ([]model.Company, error)
	UpdateCompanyStatus(ctx context.Context, id string, status model.RunStatus) error

	// Runs.
	CreateRun(ctx context.Context, companyID string) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, failReason string) error

	// Discovered links. UpsertLink is a no-op returning false when the
	// (company, url) pair already exists.
	UpsertLink(ctx context.Context, link *model.DiscoveredLink) (bool, error)
	ListLinks(ctx context.Context, companyID string) ([]model.DiscoveredLink, error)

	// Append-only records.
	RecordAttempt(ctx context.Context, attempt *model.ScrapeAttempt) error
	ListAttempts(ctx context.Context, companyID string) ([]model.ScrapeAttempt, error)
	RecordCandidate(ctx context.Context, cand *model.ExtractionCandidate) error
	RecordSnapshot(ctx context.Context, snap *model.AumSnapshot) error
	ListSnapshotRows(ctx context.Context) ([]SnapshotRow, error)
	LatestSnapshot(ctx context.Context, companyID string) (*model.AumSnapshot, error)

	// Budget ledger. ReserveTokens admits the request only when committed
	// usage plus active reservations plus tokens stays within ceiling, as a
	// single transactional check-and-insert.
	ReserveTokens(ctx context.Context, day string, tokens, ceiling int, expiresAt time.Time) (string, error)
	CommitReservation(ctx context.Context, reservationID string, rec *model.UsageRecord) error
	ReleaseReservation(ctx context.Context, reservationID string) error
	DailyUsage(ctx context.Context, day string) (*model.UsageSummary, error)
	ListUsage(ctx context.Context, day string) ([]model.UsageRecord, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
