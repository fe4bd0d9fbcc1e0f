package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/aum-tracker/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// The ledger's check-then-insert must not interleave.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	status     TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	company_id  TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
	status      TEXT NOT NULL DEFAULT 'pending',
	fail_reason TEXT NOT NULL DEFAULT '',
	started_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS discovered_links (
	id            TEXT PRIMARY KEY,
	company_id    TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
	url           TEXT NOT NULL,
	category      TEXT NOT NULL,
	query         TEXT NOT NULL DEFAULT '',
	discovered_at DATETIME NOT NULL,
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
	attempted_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS extraction_candidates (
	id         TEXT PRIMARY KEY,
	company_id TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
	link_id    TEXT NOT NULL DEFAULT '',
	raw_value  TEXT NOT NULL,
	source_url TEXT NOT NULL DEFAULT '',
	rationale  TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS aum_snapshots (
	id                 TEXT PRIMARY KEY,
	company_id         TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
	raw_value          TEXT NOT NULL,
	normalized_value   REAL NOT NULL,
	currency           TEXT NOT NULL DEFAULT '',
	magnitude          REAL NOT NULL DEFAULT 1,
	implicit_magnitude INTEGER NOT NULL DEFAULT 0,
	source_url         TEXT NOT NULL DEFAULT '',
	extracted_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_records (
	id         TEXT PRIMARY KEY,
	company_id TEXT,
	operation  TEXT NOT NULL,
	tokens     INTEGER NOT NULL,
	cost       REAL NOT NULL DEFAULT 0,
	day        TEXT NOT NULL,
	ts         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS budget_reservations (
	id         TEXT PRIMARY KEY,
	day        TEXT NOT NULL,
	tokens     INTEGER NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_companies_status ON companies(status);
CREATE INDEX IF NOT EXISTS idx_links_company ON discovered_links(company_id);
CREATE INDEX IF NOT EXISTS idx_attempts_company ON scrape_attempts(company_id);
CREATE INDEX IF NOT EXISTS idx_snapshots_company ON aum_snapshots(company_id, extracted_at);
CREATE INDEX IF NOT EXISTS idx_usage_day ON usage_records(day);
CREATE INDEX IF NOT EXISTS idx_reservations_day ON budget_reservations(day, expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateCompany(ctx context.Context, name string) (*model.Company, bool, error) {
	now := time.Now().UTC()
	id := uuid.New().String()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO companies (id, name, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		id, name, string(model.RunStatusPending), now, now,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: insert company %q", name)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}

	c, err := s.GetCompanyByName(ctx, name)
	if err != nil {
		return nil, false, err
	}
	return c, n > 0, nil
}

func (s *SQLiteStore) GetCompany(ctx context.Context, id string) (*model.Company, error) {
	return scanCompany(s.db.QueryRowContext(ctx,
		`SELECT id, name, status, created_at, updated_at FROM companies WHERE id = ?`, id))
}

func (s *SQLiteStore) GetCompanyByName(ctx context.Context, name string) (*model.Company, error) {
	return scanCompany(s.db.QueryRowContext(ctx,
		`SELECT id, name, status, created_at, updated_at FROM companies WHERE name = ?`, name))
}

func (s *SQLiteStore) ListCompaniesByStatus(ctx context.Context, status model.RunStatus, limit int) ([]model.Company, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, created_at, updated_at FROM companies
		 WHERE status = ? ORDER BY created_at LIMIT ?`,
		string(status), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list companies")
	}
	defer rows.Close()

	var out []model.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list companies iterate")
}

func (s *SQLiteStore) UpdateCompanyStatus(ctx context.Context, id string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE companies SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update company status %s", id)
	}
	return checkRowsAffected(res, "company", id)
}

func (s *SQLiteStore) CreateRun(ctx context.Context, companyID string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, company_id, status, started_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, companyID, string(model.RunStatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert run for company %s", companyID)
	}

	return &model.Run{
		ID:        id,
		CompanyID: companyID,
		Status:    model.RunStatusPending,
		StartedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, failReason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, fail_reason = ?, updated_at = ? WHERE id = ?`,
		string(status), failReason, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) UpsertLink(ctx context.Context, link *model.DiscoveredLink) (bool, error) {
	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	if link.DiscoveredAt.IsZero() {
		link.DiscoveredAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO discovered_links (id, company_id, url, category, query, discovered_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(company_id, url) DO NOTHING`,
		link.ID, link.CompanyID, link.URL, string(link.Category), link.Query, link.DiscoveredAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: upsert link %s", link.URL)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListLinks(ctx context.Context, companyID string) ([]model.DiscoveredLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, company_id, url, category, query, discovered_at
		 FROM discovered_links WHERE company_id = ? ORDER BY discovered_at DESC`,
		companyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list links")
	}
	defer rows.Close()

	var out []model.DiscoveredLink
	for rows.Next() {
		var l model.DiscoveredLink
		var cat string
		if err := rows.Scan(&l.ID, &l.CompanyID, &l.URL, &cat, &l.Query, &l.DiscoveredAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan link")
		}
		l.Category = model.LinkCategory(cat)
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list links iterate")
}

func (s *SQLiteStore) RecordAttempt(ctx context.Context, attempt *model.ScrapeAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scrape_attempts (id, company_id, link_id, url, outcome, text_length, retry_count, attempted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID, attempt.CompanyID, attempt.LinkID, attempt.URL,
		string(attempt.Outcome), attempt.TextLength, attempt.RetryCount, attempt.AttemptedAt,
	)
	return eris.Wrapf(err, "sqlite: record attempt for %s", attempt.URL)
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, companyID string) ([]model.ScrapeAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, company_id, link_id, url, outcome, text_length, retry_count, attempted_at
		 FROM scrape_attempts WHERE company_id = ? ORDER BY attempted_at`,
		companyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attempts")
	}
	defer rows.Close()

	var out []model.ScrapeAttempt
	for rows.Next() {
		var a model.ScrapeAttempt
		var outcome string
		if err := rows.Scan(&a.ID, &a.CompanyID, &a.LinkID, &a.URL, &outcome, &a.TextLength, &a.RetryCount, &a.AttemptedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		a.Outcome = model.ScrapeOutcome(outcome)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list attempts iterate")
}

func (s *SQLiteStore) RecordCandidate(ctx context.Context, cand *model.ExtractionCandidate) error {
	if cand.ID == "" {
		cand.ID = uuid.New().String()
	}
	if cand.CreatedAt.IsZero() {
		cand.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extraction_candidates (id, company_id, link_id, raw_value, source_url, rationale, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cand.ID, cand.CompanyID, cand.LinkID, cand.RawValue, cand.SourceURL, cand.Rationale, cand.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: record candidate for company %s", cand.CompanyID)
}

func (s *SQLiteStore) RecordSnapshot(ctx context.Context, snap *model.AumSnapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.ExtractedAt.IsZero() {
		snap.ExtractedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO aum_snapshots (id, company_id, raw_value, normalized_value, currency, magnitude, implicit_magnitude, source_url, extracted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.CompanyID, snap.RawValue, snap.NormalizedValue, snap.Currency,
		snap.Magnitude, boolToInt(snap.ImplicitMagnitude), snap.SourceURL, snap.ExtractedAt,
	)
	return eris.Wrapf(err, "sqlite: record snapshot for company %s", snap.CompanyID)
}

func (s *SQLiteStore) ListSnapshotRows(ctx context.Context) ([]SnapshotRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.name, s.raw_value, s.currency, s.normalized_value, s.source_url, s.extracted_at
		 FROM aum_snapshots s JOIN companies c ON c.id = s.company_id
		 ORDER BY c.name, s.extracted_at DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list snapshot rows")
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		if err := rows.Scan(&r.CompanyName, &r.RawValue, &r.Currency, &r.NormalizedValue, &r.SourceURL, &r.ExtractedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot row")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list snapshot rows iterate")
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context, companyID string) (*model.AumSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, company_id, raw_value, normalized_value, currency, magnitude, implicit_magnitude, source_url, extracted_at
		 FROM aum_snapshots WHERE company_id = ? ORDER BY extracted_at DESC LIMIT 1`,
		companyID,
	)

	var snap model.AumSnapshot
	var implicit int
	err := row.Scan(&snap.ID, &snap.CompanyID, &snap.RawValue, &snap.NormalizedValue,
		&snap.Currency, &snap.Magnitude, &implicit, &snap.SourceURL, &snap.ExtractedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest snapshot")
	}
	snap.ImplicitMagnitude = implicit != 0
	return &snap, nil
}

func (s *SQLiteStore) ReserveTokens(ctx context.Context, day string, tokens, ceiling int, expiresAt time.Time) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: begin reserve")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()

	// Expired reservations are dead weight; clear them while we hold the tx.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM budget_reservations WHERE expires_at <= ?`, now); err != nil {
		return "", eris.Wrap(err, "sqlite: purge expired reservations")
	}

	var committed, reserved int
	err = tx.QueryRowContext(ctx,
		`SELECT
			COALESCE((SELECT SUM(tokens) FROM usage_records WHERE day = ?), 0),
			COALESCE((SELECT SUM(tokens) FROM budget_reservations WHERE day = ? AND expires_at > ?), 0)`,
		day, day, now,
	).Scan(&committed, &reserved)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: sum ledger")
	}

	if committed+reserved+tokens > ceiling {
		return "", ErrBudgetExceeded
	}

	id := uuid.New().String()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO budget_reservations (id, day, tokens, expires_at) VALUES (?, ?, ?, ?)`,
		id, day, tokens, expiresAt,
	); err != nil {
		return "", eris.Wrap(err, "sqlite: insert reservation")
	}

	if err := tx.Commit(); err != nil {
		return "", eris.Wrap(err, "sqlite: commit reserve")
	}
	return id, nil
}

func (s *SQLiteStore) CommitReservation(ctx context.Context, reservationID string, rec *model.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin commit")
	}
	defer tx.Rollback() //nolint:errcheck

	// An expired-and-purged reservation still commits its usage; the ledger
	// must reflect what was actually spent.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM budget_reservations WHERE id = ?`, reservationID); err != nil {
		return eris.Wrap(err, "sqlite: delete reservation")
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_records (id, company_id, operation, tokens, cost, day, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, nullString(rec.CompanyID), rec.Operation, rec.Tokens, rec.Cost,
		rec.Timestamp.Format("2006-01-02"), rec.Timestamp,
	); err != nil {
		return eris.Wrap(err, "sqlite: insert usage record")
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit usage")
}

func (s *SQLiteStore) ReleaseReservation(ctx context.Context, reservationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM budget_reservations WHERE id = ?`, reservationID)
	return eris.Wrapf(err, "sqlite: release reservation %s", reservationID)
}

func (s *SQLiteStore) DailyUsage(ctx context.Context, day string) (*model.UsageSummary, error) {
	var sum model.UsageSummary
	sum.Date = day

	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(tokens), 0), COALESCE(SUM(cost), 0), COUNT(*)
		 FROM usage_records WHERE day = ?`,
		day,
	).Scan(&sum.Tokens, &sum.Cost, &sum.CallCount)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: daily usage")
	}
	return &sum, nil
}

func (s *SQLiteStore) ListUsage(ctx context.Context, day string) ([]model.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(company_id, ''), operation, tokens, cost, ts
		 FROM usage_records WHERE day = ? ORDER BY ts DESC`,
		day,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list usage")
	}
	defer rows.Close()

	var out []model.UsageRecord
	for rows.Next() {
		var u model.UsageRecord
		if err := rows.Scan(&u.ID, &u.CompanyID, &u.Operation, &u.Tokens, &u.Cost, &u.Timestamp); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan usage record")
		}
		out = append(out, u)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list usage iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCompany(row scannable) (*model.Company, error) {
	var c model.Company
	var status string
	err := row.Scan(&c.ID, &c.Name, &status, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan company")
	}
	c.Status = model.RunStatus(status)
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
