// Package pipeline orchestrates a company run through discovery, scraping,
// extraction, and normalization.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/aum-tracker/internal/model"
	"github.com/sells-group/aum-tracker/internal/normalize"
	"github.com/sells-group/aum-tracker/internal/store"
)

// ErrRunInProgress means a run for the company is already executing;
// concurrent triggers for the same company are rejected, not queued.
var ErrRunInProgress = eris.New("pipeline: run already in progress for company")

// Discoverer is the discovery stage.
type Discoverer interface {
	Discover(ctx context.Context, company *model.Company) ([]model.DiscoveredLink, error)
}

// Scraper is the scraping stage.
type Scraper interface {
	Run(ctx context.Context, companyID string, links []model.DiscoveredLink) ([]model.ScrapedText, error)
}

// Extractor is the extraction stage.
type Extractor interface {
	Extract(ctx context.Context, company *model.Company, texts []model.ScrapedText) ([]model.ExtractionCandidate, error)
}

// Orchestrator drives single-company runs with per-company mutual
// exclusion. Distinct companies may run concurrently.
type Orchestrator struct {
	store    store.Store
	discover Discoverer
	scrape   Scraper
	extract  Extractor

	mu      sync.Mutex
	running map[string]struct{}
}

// New creates an Orchestrator.
func New(st store.Store, d Discoverer, s Scraper, e Extractor) *Orchestrator {
	return &Orchestrator{
		store:    st,
		discover: d,
		scrape:   s,
		extract:  e,
		running:  make(map[string]struct{}),
	}
}

// acquire takes the per-company execution lock.
func (o *Orchestrator) acquire(companyID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[companyID]; busy {
		return false
	}
	o.running[companyID] = struct{}{}
	return true
}

func (o *Orchestrator) release(companyID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, companyID)
}

// Running reports whether a run for the company is currently executing.
func (o *Orchestrator) Running(companyID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.running[companyID]
	return busy
}

// Process runs the full pipeline for one company. The returned run is in a
// terminal state: done (at least one snapshot), partial (clean run, zero
// snapshots), or failed (no forward progress possible).
func (o *Orchestrator) Process(ctx context.Context, companyID string) (*model.Run, error) {
	if !o.acquire(companyID) {
		return nil, ErrRunInProgress
	}
	defer o.release(companyID)

	company, err := o.store.GetCompany(ctx, companyID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load company %s", companyID)
	}

	run, err := o.store.CreateRun(ctx, company.ID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}

	log := zap.L().With(
		zap.String("company", company.Name),
		zap.String("run_id", run.ID),
	)

	snapshots, err := o.execute(ctx, log, company, run)
	if err != nil {
		o.setStatus(ctx, log, run, company.ID, model.RunStatusFailed, err.Error())
		return run, err
	}

	terminal := model.RunStatusPartial
	if snapshots > 0 {
		terminal = model.RunStatusDone
	}
	o.setStatus(ctx, log, run, company.ID, terminal, "")

	log.Info("pipeline run finished",
		zap.String("status", string(terminal)),
		zap.Int("snapshots", snapshots),
	)
	return run, nil
}

// execute runs the stage sequence and returns the snapshot count. An error
// return means the run failed; stage-internal partial failures are absorbed
// by the stages themselves.
func (o *Orchestrator) execute(ctx context.Context, log *zap.Logger, company *model.Company, run *model.Run) (int, error) {
	o.setStatus(ctx, log, run, company.ID, model.RunStatusDiscovering, "")
	links, err := o.discover.Discover(ctx, company)
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: discovery")
	}
	log.Info("discovery stage done", zap.Int("links", len(links)))

	o.setStatus(ctx, log, run, company.ID, model.RunStatusScraping, "")
	texts, err := o.scrape.Run(ctx, company.ID, links)
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: scraping")
	}
	log.Info("scraping stage done", zap.Int("texts", len(texts)))

	o.setStatus(ctx, log, run, company.ID, model.RunStatusExtracting, "")
	candidates, err := o.extract.Extract(ctx, company, texts)
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: extraction")
	}
	log.Info("extraction stage done", zap.Int("candidates", len(candidates)))

	o.setStatus(ctx, log, run, company.ID, model.RunStatusNormalizing, "")
	return o.normalizeAll(ctx, log, candidates)
}

// ProcessBatch runs the pipeline for many companies with bounded
// concurrency. Per-company failures are logged and absorbed; the batch
// itself only fails on context cancellation.
func (o *Orchestrator) ProcessBatch(ctx context.Context, companyIDs []string, maxConcurrent int) error {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for _, id := range companyIDs {
		g.Go(func() error {
			if _, err := o.Process(gctx, id); err != nil {
				zap.L().Error("batch company run failed",
					zap.String("company_id", id),
					zap.Error(err),
				)
			}
			return gctx.Err()
		})
	}
	return g.Wait()
}

// normalizeAll converts candidates to snapshots. Unparsable or invalid
// values are logged and skipped; they never fail the run.
func (o *Orchestrator) normalizeAll(ctx context.Context, log *zap.Logger, candidates []model.ExtractionCandidate) (int, error) {
	stored := 0
	for _, cand := range candidates {
		res, err := normalize.Normalize(cand.RawValue)
		if err != nil {
			if errors.Is(err, normalize.ErrUnparsable) {
				log.Warn("unparsable AUM value skipped",
					zap.String("raw_value", cand.RawValue),
					zap.String("source_url", cand.SourceURL),
				)
				continue
			}
			return stored, eris.Wrap(err, "pipeline: normalize")
		}

		snap := &model.AumSnapshot{
			CompanyID:         cand.CompanyID,
			RawValue:          cand.RawValue,
			NormalizedValue:   res.NormalizedValue,
			Currency:          res.Currency,
			Magnitude:         res.Magnitude,
			ImplicitMagnitude: res.ImplicitMagnitude,
			SourceURL:         cand.SourceURL,
		}
		if err := snap.Validate(); err != nil {
			log.Warn("invalid snapshot rejected",
				zap.String("raw_value", cand.RawValue),
				zap.Error(err),
			)
			continue
		}
		if err := o.store.RecordSnapshot(ctx, snap); err != nil {
			return stored, eris.Wrap(err, "pipeline: store snapshot")
		}
		stored++
	}
	return stored, nil
}

// setStatus persists the run and company status. Status write failures are
// logged, not escalated; the in-memory run keeps the intended state.
func (o *Orchestrator) setStatus(ctx context.Context, log *zap.Logger, run *model.Run, companyID string, status model.RunStatus, failReason string) {
	run.Status = status
	run.FailReason = failReason

	if err := o.store.UpdateRunStatus(ctx, run.ID, status, failReason); err != nil {
		log.Error("failed to persist run status",
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	if err := o.store.UpdateCompanyStatus(ctx, companyID, status); err != nil {
		log.Error("failed to persist company status",
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}
