package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/aum-tracker/internal/budget"
	"github.com/sells-group/aum-tracker/internal/cost"
	"github.com/sells-group/aum-tracker/internal/discovery"
	"github.com/sells-group/aum-tracker/internal/extract"
	"github.com/sells-group/aum-tracker/internal/pipeline"
	"github.com/sells-group/aum-tracker/internal/scrape"
	"github.com/sells-group/aum-tracker/internal/store"
	anthropicpkg "github.com/sells-group/aum-tracker/pkg/anthropic"
	browserpkg "github.com/sells-group/aum-tracker/pkg/browser"
	"github.com/sells-group/aum-tracker/pkg/jina"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "aum-tracker.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// pipelineEnv bundles the wired pipeline and its resources.
type pipelineEnv struct {
	Store   store.Store
	Budget  *budget.Manager
	Orch    *pipeline.Orchestrator
	browser *browserpkg.Browser
}

// initPipelineEnv wires stores, clients and stages into an orchestrator.
func initPipelineEnv(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	if cfg.Jina.Key == "" {
		_ = st.Close()
		return nil, eris.New("jina API key is required (AUM_JINA_KEY)")
	}
	if cfg.Anthropic.Key == "" {
		_ = st.Close()
		return nil, eris.New("anthropic API key is required (AUM_ANTHROPIC_KEY)")
	}

	jinaClient := jina.NewClient(cfg.Jina.Key,
		jina.WithBaseURL(cfg.Jina.BaseURL),
		jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL),
	)
	aiClient := anthropicpkg.NewClient(cfg.Anthropic.Key)

	fetchers := []scrape.Fetcher{scrape.NewJinaFetcher(jinaClient)}

	var br *browserpkg.Browser
	if cfg.Browser.Enabled {
		br = browserpkg.New(browserpkg.Config{
			RemoteURL:       cfg.Browser.RemoteURL,
			NavigateTimeout: time.Duration(cfg.Browser.NavTimeoutSecs) * time.Second,
			SettleDelay:     time.Duration(cfg.Browser.SettleDelaySecs) * time.Second,
			ScrollPasses:    cfg.Browser.ScrollPasses,
		})
		if err := br.Start(); err != nil {
			zap.L().Warn("browser unavailable, social and dynamic pages will be skipped", zap.Error(err))
			br = nil
		} else {
			fetchers = append(fetchers, scrape.NewBrowserFetcher(br))
		}
	}

	budgetMgr := budget.NewManager(st,
		cfg.Budget.DailyTokenCeiling,
		time.Duration(cfg.Budget.ReservationTTLSecs)*time.Second,
	)

	discoverStage := discovery.New(jinaClient, st, discovery.Config{
		MaxConcurrentQueries: cfg.Discovery.MaxConcurrentQueries,
		MaxLinksPerQuery:     cfg.Discovery.MaxLinksPerQuery,
	})

	scrapeStage := scrape.NewStage(scrape.NewChain(fetchers...), st, scrape.Config{
		AttemptTimeout:     time.Duration(cfg.Scrape.AttemptTimeoutSecs) * time.Second,
		RetryBackoff:       time.Duration(cfg.Scrape.RetryBackoffSecs) * time.Second,
		EarlyStopSuccesses: cfg.Scrape.EarlyStopSuccesses,
		MinTextLength:      cfg.Scrape.MinTextLength,
		Sufficient:         extract.HasKeyword,
	})

	extractAgent := extract.NewAgent(aiClient, budgetMgr, st,
		cost.NewCalculator(cost.DefaultRates()),
		extract.Config{
			Model:           cfg.Anthropic.Model,
			MaxTokens:       int64(cfg.Anthropic.MaxTokens),
			MaxPromptTokens: cfg.Extract.MaxPromptTokens,
			MaxChunks:       cfg.Extract.MaxChunks,
		},
	)

	return &pipelineEnv{
		Store:   st,
		Budget:  budgetMgr,
		Orch:    pipeline.New(st, discoverStage, scrapeStage, extractAgent),
		browser: br,
	}, nil
}

func (e *pipelineEnv) Close() {
	if e.browser != nil {
		if err := e.browser.Close(); err != nil {
			zap.L().Warn("browser close failed", zap.Error(err))
		}
	}
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("store close failed", zap.Error(err))
	}
}
