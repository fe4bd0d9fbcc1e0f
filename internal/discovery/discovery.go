// Package discovery finds candidate URLs for a company via categorized web
// searches and classifies them by source type.
package discovery

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/aum-tracker/internal/model"
	"github.com/sells-group/aum-tracker/pkg/jina"
)

// ErrDiscoveryUnavailable means every search query failed; the run cannot
// make forward progress.
var ErrDiscoveryUnavailable = eris.New("discovery: all search queries failed")

var (
	reportsKW = regexp.MustCompile(`(relat[óo]rio|report|balan[çc]o|demonstrativo|investor relations)`)
	newsKW    = regexp.MustCompile(`(notícia|news|jornal|magazine|g1|cnn|bloomberg)`)
)

// Searcher is the web-search collaborator.
type Searcher interface {
	Search(ctx context.Context, query string, opts ...jina.SearchOption) (*jina.SearchResponse, error)
}

// LinkStore persists discovered links with (company, URL) dedupe.
type LinkStore interface {
	UpsertLink(ctx context.Context, link *model.DiscoveredLink) (bool, error)
	ListLinks(ctx context.Context, companyID string) ([]model.DiscoveredLink, error)
}

// Config tunes the discovery stage.
type Config struct {
	MaxConcurrentQueries int
	MaxLinksPerQuery     int
}

// Stage runs discovery for one company at a time.
type Stage struct {
	search Searcher
	store  LinkStore
	cfg    Config
}

// New creates a discovery Stage.
func New(search Searcher, store LinkStore, cfg Config) *Stage {
	if cfg.MaxConcurrentQueries <= 0 {
		cfg.MaxConcurrentQueries = 4
	}
	if cfg.MaxLinksPerQuery <= 0 {
		cfg.MaxLinksPerQuery = 5
	}
	return &Stage{search: search, store: store, cfg: cfg}
}

type searchQuery struct {
	text string
	opts []jina.SearchOption
}

// queriesFor builds the fixed categorized query set for a company.
func queriesFor(name string) []searchQuery {
	return []searchQuery{
		{text: fmt.Sprintf("%q official site", name)},
		{text: fmt.Sprintf("%q annual report AUM", name)},
		{text: fmt.Sprintf("%q assets under management", name)},
		{text: fmt.Sprintf("%q patrimônio sob gestão", name), opts: []jina.SearchOption{jina.WithLanguage("pt")}},
		{text: fmt.Sprintf("%q AUM relatório", name), opts: []jina.SearchOption{jina.WithLanguage("pt")}},
		{text: fmt.Sprintf("%q", name), opts: []jina.SearchOption{jina.WithSiteFilter("linkedin.com")}},
		{text: fmt.Sprintf("%q news AUM", name)},
	}
}

// Classify maps a search result to a link category. Social domains win over
// title keywords; report keywords win over news.
func Classify(rawURL, title string) model.LinkCategory {
	u := strings.ToLower(rawURL)
	t := strings.ToLower(title)

	switch {
	case strings.Contains(u, "linkedin.com"),
		strings.Contains(u, "facebook.com"),
		strings.Contains(u, "twitter.com"),
		strings.Contains(u, "//x.com"),
		strings.Contains(u, "www.x.com"):
		return model.CategorySocial
	case strings.Contains(u, "instagram.com"):
		// stories and reels expire; not worth scraping
		if strings.Contains(u, "stories") || strings.Contains(u, "reel") {
			return ""
		}
		return model.CategorySocial
	case reportsKW.MatchString(t):
		return model.CategoryReport
	case newsKW.MatchString(t):
		return model.CategoryNews
	default:
		return model.CategoryCorporate
	}
}

// Discover runs the query set concurrently, classifies and persists new
// links, and returns all links known for the company. A failed query is
// logged and absorbed; only total failure returns ErrDiscoveryUnavailable.
func (s *Stage) Discover(ctx context.Context, company *model.Company) ([]model.DiscoveredLink, error) {
	queries := queriesFor(company.Name)

	var (
		mu        sync.Mutex
		found     = make(map[string]*model.DiscoveredLink)
		succeeded int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrentQueries)

	for _, q := range queries {
		g.Go(func() error {
			resp, err := s.search.Search(gctx, q.text, q.opts...)
			if err != nil {
				zap.L().Warn("search query failed",
					zap.String("company", company.Name),
					zap.String("query", q.text),
					zap.Error(err),
				)
				return nil
			}

			results := resp.Data
			if len(results) > s.cfg.MaxLinksPerQuery {
				results = results[:s.cfg.MaxLinksPerQuery]
			}

			mu.Lock()
			defer mu.Unlock()
			succeeded++
			for _, r := range results {
				cat := Classify(r.URL, r.Title)
				if cat == "" {
					continue
				}
				if _, seen := found[r.URL]; seen {
					continue
				}
				found[r.URL] = &model.DiscoveredLink{
					CompanyID: company.ID,
					URL:       r.URL,
					Category:  cat,
					Query:     q.text,
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if succeeded == 0 {
		return nil, ErrDiscoveryUnavailable
	}

	newCount := 0
	for _, link := range found {
		inserted, err := s.store.UpsertLink(ctx, link)
		if err != nil {
			return nil, eris.Wrapf(err, "discovery: persist link %s", link.URL)
		}
		if inserted {
			newCount++
		}
	}

	zap.L().Info("discovery completed",
		zap.String("company", company.Name),
		zap.Int("queries_succeeded", succeeded),
		zap.Int("urls_found", len(found)),
		zap.Int("urls_new", newCount),
	)

	return s.store.ListLinks(ctx, company.ID)
}
