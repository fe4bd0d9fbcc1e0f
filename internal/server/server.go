// Package server exposes the pipeline over an HTTP API.
package server

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jszwec/csvutil"
	"go.uber.org/zap"

	"github.com/sells-group/aum-tracker/internal/budget"
	"github.com/sells-group/aum-tracker/internal/model"
	"github.com/sells-group/aum-tracker/internal/pipeline"
	"github.com/sells-group/aum-tracker/internal/report"
	"github.com/sells-group/aum-tracker/internal/store"
)

// Processor runs pipeline work. Satisfied by *pipeline.Orchestrator.
type Processor interface {
	Process(ctx context.Context, companyID string) (*model.Run, error)
	ProcessBatch(ctx context.Context, companyIDs []string, maxConcurrent int) error
	Running(companyID string) bool
}

// Config tunes the server.
type Config struct {
	MaxConcurrentCompanies int
}

// Server holds the API dependencies.
type Server struct {
	store  store.Store
	proc   Processor
	budget *budget.Manager
	cfg    Config

	// baseCtx outlives individual requests; async runs are bound to it so
	// they survive the triggering request and stop on shutdown.
	baseCtx context.Context
}

// New creates a Server. baseCtx bounds the lifetime of async pipeline runs.
func New(baseCtx context.Context, st store.Store, proc Processor, bm *budget.Manager, cfg Config) *Server {
	if cfg.MaxConcurrentCompanies <= 0 {
		cfg.MaxConcurrentCompanies = 5
	}
	return &Server{
		store:   st,
		proc:    proc,
		budget:  bm,
		cfg:     cfg,
		baseCtx: baseCtx,
	}
}

// Router builds the chi router with all API routes.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/scraping/start", s.handleStart)
		r.Post("/scraping/re-scrape", s.handleRescrape)
		r.Get("/companies", s.handleListCompanies)
		r.Get("/results/export-csv", s.handleExportCSV)
		r.Get("/results/export-xlsx", s.handleExportXLSX)
		r.Get("/usage/today", s.handleUsage)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStart accepts company names as JSON or as a CSV upload with an
// "Empresa" column, creates missing records, and kicks off an asynchronous
// batch run.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	names, err := readCompanyNames(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ids := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		company, _, err := s.store.CreateCompany(r.Context(), name)
		if err != nil {
			zap.L().Error("failed to create company", zap.String("name", name), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to create company")
			return
		}
		ids = append(ids, company.ID)
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "companies is required")
		return
	}

	go func() {
		if err := s.proc.ProcessBatch(s.baseCtx, ids, s.cfg.MaxConcurrentCompanies); err != nil {
			zap.L().Error("api batch run failed", zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "accepted",
		"companies": len(ids),
	})
}

// readCompanyNames extracts company names from the request: a JSON
// {"companies":[...]} payload, or CSV content with an "Empresa" column
// (raw text/csv body or a multipart "file" field).
func readCompanyNames(r *http.Request) ([]string, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch ct {
	case "multipart/form-data":
		f, _, err := r.FormFile("file")
		if err != nil {
			return nil, errors.New("csv file field is required")
		}
		defer f.Close()
		return namesFromCSV(f)
	case "text/csv":
		return namesFromCSV(r.Body)
	default:
		var req struct {
			Companies []string `json:"companies"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, errors.New("invalid request body")
		}
		return req.Companies, nil
	}
}

func namesFromCSV(src io.Reader) ([]string, error) {
	dec, err := csvutil.NewDecoder(csv.NewReader(src))
	if err != nil {
		return nil, errors.New("invalid csv: missing header")
	}

	var names []string
	for {
		var row struct {
			Name string `csv:"Empresa"`
		}
		if err := dec.Decode(&row); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, errors.New("invalid csv row")
		}
		names = append(names, row.Name)
	}
	return names, nil
}

// handleRescrape triggers a fresh run for one company, addressed by exactly
// one of id or name. Concurrent triggers for the same company are rejected
// with 409.
func (s *Server) handleRescrape(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if (req.ID == "") == (req.Name == "") {
		writeError(w, http.StatusBadRequest, "exactly one of id or name is required")
		return
	}

	var (
		company *model.Company
		err     error
	)
	if req.ID != "" {
		company, err = s.store.GetCompany(r.Context(), req.ID)
	} else {
		company, err = s.store.GetCompanyByName(r.Context(), req.Name)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "company not found")
			return
		}
		zap.L().Error("failed to load company", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load company")
		return
	}

	if s.proc.Running(company.ID) {
		writeError(w, http.StatusConflict, "run already in progress")
		return
	}

	go func() {
		run, err := s.proc.Process(s.baseCtx, company.ID)
		if err != nil {
			if errors.Is(err, pipeline.ErrRunInProgress) {
				return
			}
			zap.L().Error("api rescrape failed",
				zap.String("company", company.Name),
				zap.Error(err),
			)
			return
		}
		zap.L().Info("api rescrape finished",
			zap.String("company", company.Name),
			zap.String("status", string(run.Status)),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"company": company.Name,
	})
}

func (s *Server) handleListCompanies(w http.ResponseWriter, r *http.Request) {
	status := model.RunStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.RunStatusDone
	}

	companies, err := s.store.ListCompaniesByStatus(r.Context(), status, 0)
	if err != nil {
		zap.L().Error("failed to list companies", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list companies")
		return
	}
	writeJSON(w, http.StatusOK, companies)
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListSnapshotRows(r.Context())
	if err != nil {
		zap.L().Error("failed to load snapshot rows", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load results")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="aum-results.csv"`)
	if err := report.WriteCSV(w, rows); err != nil {
		zap.L().Error("csv export failed", zap.Error(err))
	}
}

func (s *Server) handleExportXLSX(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListSnapshotRows(r.Context())
	if err != nil {
		zap.L().Error("failed to load snapshot rows", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load results")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="aum-results.xlsx"`)
	if err := report.WriteXLSX(w, rows); err != nil {
		zap.L().Error("xlsx export failed", zap.Error(err))
	}
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	sum, err := s.budget.DailySummary(r.Context(), "")
	if err != nil {
		zap.L().Error("failed to load usage summary", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	records, err := s.store.ListUsage(r.Context(), sum.Date)
	if err != nil {
		zap.L().Error("failed to list usage records", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"summary": sum,
		"records": records,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
