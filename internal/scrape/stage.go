package scrape

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/aum-tracker/internal/model"
	"github.com/sells-group/aum-tracker/pkg/jina"
)

// AttemptStore records scrape attempts.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, attempt *model.ScrapeAttempt) error
}

// URLFetcher fetches one URL; satisfied by *Chain.
type URLFetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// Config tunes the scrape stage.
type Config struct {
	// AttemptTimeout bounds a single fetch. Default: 45s.
	AttemptTimeout time.Duration

	// RetryBackoff is the wait before the single retry of a blocked or
	// http_error attempt. Default: 2s.
	RetryBackoff time.Duration

	// EarlyStopSuccesses stops the stage after this many successful
	// scrapes whose text satisfies Sufficient. Default: 3.
	EarlyStopSuccesses int

	// MinTextLength below which a fetch counts as empty. Default: 200.
	MinTextLength int

	// Sufficient reports whether scraped text carries enough evidence to
	// count toward the early stop. Nil means every success counts.
	Sufficient func(text string) bool
}

func (c *Config) defaults() {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 45 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.EarlyStopSuccesses <= 0 {
		c.EarlyStopSuccesses = 3
	}
	if c.MinTextLength <= 0 {
		c.MinTextLength = 200
	}
}

// Stage scrapes a company's links in priority order.
type Stage struct {
	fetch URLFetcher
	store AttemptStore
	cfg   Config
}

// NewStage creates a scrape Stage.
func NewStage(fetch URLFetcher, store AttemptStore, cfg Config) *Stage {
	cfg.defaults()
	return &Stage{fetch: fetch, store: store, cfg: cfg}
}

// orderLinks sorts by category priority, then most recently discovered
// first within a category.
func orderLinks(links []model.DiscoveredLink) []model.DiscoveredLink {
	out := make([]model.DiscoveredLink, len(links))
	copy(out, links)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Category.Priority(), out[j].Category.Priority()
		if pi != pj {
			return pi < pj
		}
		return out[i].DiscoveredAt.After(out[j].DiscoveredAt)
	})
	return out
}

// Run fetches links in priority order, records every attempt, retries
// blocked and http_error outcomes once, and stops early once enough
// keyword-bearing text has been collected. Per-link failures never fail
// the stage.
func (s *Stage) Run(ctx context.Context, companyID string, links []model.DiscoveredLink) ([]model.ScrapedText, error) {
	ordered := orderLinks(links)

	var (
		texts      []model.ScrapedText
		sufficient int
	)

	for _, link := range ordered {
		if ctx.Err() != nil {
			return texts, ctx.Err()
		}
		if sufficient >= s.cfg.EarlyStopSuccesses {
			zap.L().Info("early stop: sufficient evidence collected",
				zap.String("company_id", companyID),
				zap.Int("successes", sufficient),
			)
			break
		}

		page, outcome := s.attempt(ctx, companyID, link, 0)
		if outcome.Retryable() {
			select {
			case <-ctx.Done():
				return texts, ctx.Err()
			case <-time.After(s.cfg.RetryBackoff):
			}
			page, outcome = s.attempt(ctx, companyID, link, 1)
		}

		if outcome != model.ScrapeSuccess {
			continue
		}

		texts = append(texts, model.ScrapedText{
			LinkID:   link.ID,
			URL:      link.URL,
			Category: link.Category,
			Text:     page.Text,
		})
		if s.cfg.Sufficient == nil || s.cfg.Sufficient(page.Text) {
			sufficient++
		}
	}

	return texts, nil
}

// attempt runs one fetch under the per-attempt timeout and persists the
// classified outcome.
func (s *Stage) attempt(ctx context.Context, companyID string, link model.DiscoveredLink, retry int) (*Page, model.ScrapeOutcome) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	page, err := s.fetch.Fetch(fetchCtx, link.URL)
	outcome, textLen := s.classify(page, err)

	rec := &model.ScrapeAttempt{
		CompanyID:  companyID,
		LinkID:     link.ID,
		URL:        link.URL,
		Outcome:    outcome,
		TextLength: textLen,
		RetryCount: retry,
	}
	if recErr := s.store.RecordAttempt(ctx, rec); recErr != nil {
		zap.L().Error("failed to record scrape attempt",
			zap.String("url", link.URL),
			zap.Error(recErr),
		)
	}

	if outcome != model.ScrapeSuccess {
		zap.L().Debug("scrape attempt failed",
			zap.String("url", link.URL),
			zap.String("outcome", string(outcome)),
			zap.Int("retry", retry),
			zap.Error(err),
		)
	}
	return page, outcome
}

// classify maps a fetch result onto the attempt taxonomy.
func (s *Stage) classify(page *Page, err error) (model.ScrapeOutcome, int) {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return model.ScrapeTimeout, 0
		}
		var se *jina.StatusError
		if errors.As(err, &se) {
			if se.Code == 401 || se.Code == 403 || se.Code == 429 {
				return model.ScrapeBlocked, 0
			}
			return model.ScrapeHTTPError, 0
		}
		return model.ScrapeHTTPError, 0
	}
	if page == nil {
		return model.ScrapeEmpty, 0
	}

	if blocked, kind := DetectBlock(page.Text); blocked {
		zap.L().Debug("block detected in page text",
			zap.String("url", page.URL),
			zap.String("kind", string(kind)),
		)
		return model.ScrapeBlocked, len(page.Text)
	}

	if len(page.Text) < s.cfg.MinTextLength {
		return model.ScrapeEmpty, len(page.Text)
	}

	return model.ScrapeSuccess, len(page.Text)
}
