package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/aum-tracker/internal/model"
)

// Pool is the subset of pgxpool.Pool used by PostgresStore. pgxmock
// implements it for tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}

	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool (used by tests).
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	status     TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	company_id  TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
	status      TEXT NOT NULL DEFAULT 'pending',
	fail_reason TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS discovered_links (
	id            TEXT PRIMARY KEY,
	company_id    TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
	url           TEXT NOT NULL,
	category      TEXT NOT NULL,
	query         TEXT NOT NULL DEFAULT '',
	discovered_at TIMESTAMPTZ NOT NULL,
	UNIQUE(company_id, url)
);

CREATE TABLE IF NOT EXISTS scrape_attempts (
	id           TEXT PRIMARY KEY,
	company_id   TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
	link_id      TEXT NOT NULL,
	url          TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	text_length  INTEGER NOT NULL DEFAULT 0,
	retry_count  INTEGER NOT NULL DEFAULT 0,
	attempted_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS extraction_candidates (
	id         TEXT PRIMARY KEY,
	company_id TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
	link_id    TEXT NOT NULL DEFAULT '',
	raw_value  TEXT NOT NULL,
	source_url TEXT NOT NULL DEFAULT '',
	rationale  TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS aum_snapshots (
	id                 TEXT PRIMARY KEY,
	company_id         TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
	raw_value          TEXT NOT NULL,
	normalized_value   DOUBLE PRECISION NOT NULL,
	currency           TEXT NOT NULL DEFAULT '',
	magnitude          DOUBLE PRECISION NOT NULL DEFAULT 1,
	implicit_magnitude BOOLEAN NOT NULL DEFAULT FALSE,
	source_url         TEXT NOT NULL DEFAULT '',
	extracted_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_records (
	id         TEXT PRIMARY KEY,
	company_id TEXT,
	operation  TEXT NOT NULL,
	tokens     INTEGER NOT NULL,
	cost       DOUBLE PRECISION NOT NULL DEFAULT 0,
	day        TEXT NOT NULL,
	ts         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS budget_reservations (
	id         TEXT PRIMARY KEY,
	day        TEXT NOT NULL,
	tokens     INTEGER NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_companies_status ON companies(status);
CREATE INDEX IF NOT EXISTS idx_links_company ON discovered_links(company_id);
CREATE INDEX IF NOT EXISTS idx_attempts_company ON scrape_attempts(company_id);
CREATE INDEX IF NOT EXISTS idx_snapshots_company ON aum_snapshots(company_id, extracted_at);
CREATE INDEX IF NOT EXISTS idx_usage_day ON usage_records(day);
CREATE INDEX IF NOT EXISTS idx_reservations_day ON budget_reservations(day, expires_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateCompany(ctx context.Context, name string) (*model.Company, bool, error) {
	now := time.Now().UTC()
	id := uuid.New().String()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO companies (id, name, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name) DO NOTHING`,
		id, name, string(model.RunStatusPending), now, now,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: insert company %q", name)
	}

	c, err := s.GetCompanyByName(ctx, name)
	if err != nil {
		return nil, false, err
	}
	return c, tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetCompany(ctx context.Context, id string) (*model.Company, error) {
	return scanCompanyPgx(s.pool.QueryRow(ctx,
		`SELECT id, name, status, created_at, updated_at FROM companies WHERE id = $1`, id))
}

func (s *PostgresStore) GetCompanyByName(ctx context.Context, name string) (*model.Company, error) {
	return scanCompanyPgx(s.pool.QueryRow(ctx,
		`SELECT id, name, status, created_at, updated_at FROM companies WHERE name = $1`, name))
}

func (s *PostgresStore) ListCompaniesByStatus(ctx context.Context, status model.RunStatus, limit int) ([]model.Company, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, status, created_at, updated_at FROM companies
		 WHERE status = $1 ORDER BY created_at LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list companies")
	}
	defer rows.Close()

	var out []model.Company
	for rows.Next() {
		var c model.Company
		var st string
		if err := rows.Scan(&c.ID, &c.Name, &st, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan company")
		}
		c.Status = model.RunStatus(st)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list companies iterate")
}

func (s *PostgresStore) UpdateCompanyStatus(ctx context.Context, id string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE companies SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update company status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "company %s", id)
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, companyID string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, company_id, status, started_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, companyID, string(model.RunStatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert run for company %s", companyID)
	}

	return &model.Run{
		ID:        id,
		CompanyID: companyID,
		Status:    model.RunStatusPending,
		StartedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, failReason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, fail_reason = $2, updated_at = $3 WHERE id = $4`,
		string(status), failReason, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) UpsertLink(ctx context.Context, link *model.DiscoveredLink) (bool, error) {
	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	if link.DiscoveredAt.IsZero() {
		link.DiscoveredAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO discovered_links (id, company_id, url, category, query, discovered_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (company_id, url) DO NOTHING`,
		link.ID, link.CompanyID, link.URL, string(link.Category), link.Query, link.DiscoveredAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: upsert link %s", link.URL)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListLinks(ctx context.Context, companyID string) ([]model.DiscoveredLink, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, company_id, url, category, query, discovered_at
		 FROM discovered_links WHERE company_id = $1 ORDER BY discovered_at DESC`,
		companyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list links")
	}
	defer rows.Close()

	var out []model.DiscoveredLink
	for rows.Next() {
		var l model.DiscoveredLink
		var cat string
		if err := rows.Scan(&l.ID, &l.CompanyID, &l.URL, &cat, &l.Query, &l.DiscoveredAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan link")
		}
		l.Category = model.LinkCategory(cat)
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list links iterate")
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, attempt *model.ScrapeAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO scrape_attempts (id, company_id, link_id, url, outcome, text_length, retry_count, attempted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		attempt.ID, attempt.CompanyID, attempt.LinkID, attempt.URL,
		string(attempt.Outcome), attempt.TextLength, attempt.RetryCount, attempt.AttemptedAt,
	)
	return eris.Wrapf(err, "postgres: record attempt for %s", attempt.URL)
}

func (s *PostgresStore) ListAttempts(ctx context.Context, companyID string) ([]model.ScrapeAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, company_id, link_id, url, outcome, text_length, retry_count, attempted_at
		 FROM scrape_attempts WHERE company_id = $1 ORDER BY attempted_at`,
		companyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attempts")
	}
	defer rows.Close()

	var out []model.ScrapeAttempt
	for rows.Next() {
		var a model.ScrapeAttempt
		var outcome string
		if err := rows.Scan(&a.ID, &a.CompanyID, &a.LinkID, &a.URL, &outcome, &a.TextLength, &a.RetryCount, &a.AttemptedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		a.Outcome = model.ScrapeOutcome(outcome)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list attempts iterate")
}

func (s *PostgresStore) RecordCandidate(ctx context.Context, cand *model.ExtractionCandidate) error {
	if cand.ID == "" {
		cand.ID = uuid.New().String()
	}
	if cand.CreatedAt.IsZero() {
		cand.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO extraction_candidates (id, company_id, link_id, raw_value, source_url, rationale, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cand.ID, cand.CompanyID, cand.LinkID, cand.RawValue, cand.SourceURL, cand.Rationale, cand.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: record candidate for company %s", cand.CompanyID)
}

func (s *PostgresStore) RecordSnapshot(ctx context.Context, snap *model.AumSnapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.ExtractedAt.IsZero() {
		snap.ExtractedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO aum_snapshots (id, company_id, raw_value, normalized_value, currency, magnitude, implicit_magnitude, source_url, extracted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		snap.ID, snap.CompanyID, snap.RawValue, snap.NormalizedValue, snap.Currency,
		snap.Magnitude, snap.ImplicitMagnitude, snap.SourceURL, snap.ExtractedAt,
	)
	return eris.Wrapf(err, "postgres: record snapshot for company %s", snap.CompanyID)
}

func (s *PostgresStore) ListSnapshotRows(ctx context.Context) ([]SnapshotRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.name, s.raw_value, s.currency, s.normalized_value, s.source_url, s.extracted_at
		 FROM aum_snapshots s JOIN companies c ON c.id = s.company_id
		 ORDER BY c.name, s.extracted_at DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list snapshot rows")
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		if err := rows.Scan(&r.CompanyName, &r.RawValue, &r.Currency, &r.NormalizedValue, &r.SourceURL, &r.ExtractedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot row")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list snapshot rows iterate")
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, companyID string) (*model.AumSnapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, company_id, raw_value, normalized_value, currency, magnitude, implicit_magnitude, source_url, extracted_at
		 FROM aum_snapshots WHERE company_id = $1 ORDER BY extracted_at DESC LIMIT 1`,
		companyID,
	)

	var snap model.AumSnapshot
	err := row.Scan(&snap.ID, &snap.CompanyID, &snap.RawValue, &snap.NormalizedValue,
		&snap.Currency, &snap.Magnitude, &snap.ImplicitMagnitude, &snap.SourceURL, &snap.ExtractedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest snapshot")
	}
	return &snap, nil
}

func (s *PostgresStore) ReserveTokens(ctx context.Context, day string, tokens, ceiling int, expiresAt time.Time) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", eris.Wrap(err, "postgres: begin reserve")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialize admission per day. READ COMMITTED does not serialize the
	// check-then-insert below, so without this lock two concurrent reserves
	// can both pass the ceiling check and collectively overshoot.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, day); err != nil {
		return "", eris.Wrap(err, "postgres: lock ledger day")
	}

	now := time.Now().UTC()

	if _, err := tx.Exec(ctx,
		`DELETE FROM budget_reservations WHERE expires_at <= $1`, now); err != nil {
		return "", eris.Wrap(err, "postgres: purge expired reservations")
	}

	var committed, reserved int
	err = tx.QueryRow(ctx,
		`SELECT
			COALESCE((SELECT SUM(tokens) FROM usage_records WHERE day = $1), 0),
			COALESCE((SELECT SUM(tokens) FROM budget_reservations WHERE day = $1 AND expires_at > $2), 0)`,
		day, now,
	).Scan(&committed, &reserved)
	if err != nil {
		return "", eris.Wrap(err, "postgres: sum ledger")
	}

	if committed+reserved+tokens > ceiling {
		return "", ErrBudgetExceeded
	}

	id := uuid.New().String()
	if _, err := tx.Exec(ctx,
		`INSERT INTO budget_reservations (id, day, tokens, expires_at) VALUES ($1, $2, $3, $4)`,
		id, day, tokens, expiresAt,
	); err != nil {
		return "", eris.Wrap(err, "postgres: insert reservation")
	}

	if err := tx.Commit(ctx); err != nil {
		return "", eris.Wrap(err, "postgres: commit reserve")
	}
	return id, nil
}

func (s *PostgresStore) CommitReservation(ctx context.Context, reservationID string, rec *model.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin commit")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM budget_reservations WHERE id = $1`, reservationID); err != nil {
		return eris.Wrap(err, "postgres: delete reservation")
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO usage_records (id, company_id, operation, tokens, cost, day, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, nullString(rec.CompanyID), rec.Operation, rec.Tokens, rec.Cost,
		rec.Timestamp.Format("2006-01-02"), rec.Timestamp,
	); err != nil {
		return eris.Wrap(err, "postgres: insert usage record")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit usage")
}

func (s *PostgresStore) ReleaseReservation(ctx context.Context, reservationID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM budget_reservations WHERE id = $1`, reservationID)
	return eris.Wrapf(err, "postgres: release reservation %s", reservationID)
}

func (s *PostgresStore) DailyUsage(ctx context.Context, day string) (*model.UsageSummary, error) {
	var sum model.UsageSummary
	sum.Date = day

	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(tokens), 0), COALESCE(SUM(cost), 0), COUNT(*)
		 FROM usage_records WHERE day = $1`,
		day,
	).Scan(&sum.Tokens, &sum.Cost, &sum.CallCount)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: daily usage")
	}
	return &sum, nil
}

func (s *PostgresStore) ListUsage(ctx context.Context, day string) ([]model.UsageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, COALESCE(company_id, ''), operation, tokens, cost, ts
		 FROM usage_records WHERE day = $1 ORDER BY ts DESC`,
		day,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list usage")
	}
	defer rows.Close()

	var out []model.UsageRecord
	for rows.Next() {
		var u model.UsageRecord
		if err := rows.Scan(&u.ID, &u.CompanyID, &u.Operation, &u.Tokens, &u.Cost, &u.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan usage record")
		}
		out = append(out, u)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list usage iterate")
}

func scanCompanyPgx(row pgx.Row) (*model.Company, error) {
	var c model.Company
	var status string
	err := row.Scan(&c.ID, &c.Name, &status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan company")
	}
	c.Status = model.RunStatus(status)
	return &c, nil
}
