package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"coinsync/internal/etl"
	"coinsync/internal/registry"
	"coinsync/pkg/storage/postgres"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Query is the read side of the store the HTTP layer exposes.
type Query interface {
	ListNormalizedAssets(ctx context.Context, source, symbol string, limit, offset int) ([]postgres.NormalizedAsset, error)
	CountNormalizedAssets(ctx context.Context, source string) (int64, error)
	ListRawRecords(ctx context.Context, source string, limit, offset int) ([]postgres.RawRecord, error)
	CountRawRecords(ctx context.Context, source string) (int64, error)
	ListRuns(ctx context.Context, source string, limit, offset int) ([]postgres.RunRecord, error)
	ListCheckpoints(ctx context.Context) ([]postgres.Checkpoint, error)
	GetStats(ctx context.Context) (*postgres.Stats, error)
	LastRun(ctx context.Context) (*postgres.RunRecord, error)
	IsHealthy(ctx context.Context) bool
}

// Server is the thin HTTP boundary over the ETL core: trigger endpoints
// funnel into the runner's per-source gate, read endpoints page over the
// unified store.
type Server struct {
	runner   *etl.Runner
	query    Query
	registry *registry.Registry
	logger   *zap.Logger
}

func New(runner *etl.Runner, query Query, reg *registry.Registry, logger *zap.Logger) *Server {
	return &Server{
		runner:   runner,
		query:    query,
		registry: reg,
		logger:   logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/etl", func(r chi.Router) {
		r.Post("/run/{source}", s.handleRunOnce)
		r.Post("/run-all", s.handleRunAll)
		r.Post("/run-background/{source}", s.handleRunBackground)
	})

	r.Get("/data", s.handleData)
	r.Get("/raw/{source}", s.handleRaw)
	r.Get("/runs", s.handleRuns)
	r.Get("/checkpoints", s.handleCheckpoints)
	r.Get("/registry", s.handleRegistry)
	r.Get("/stats", s.handleStats)
	r.Get("/health", s.handleHealth)

	return r
}

func (s *Server) handleRunOnce(w http.ResponseWriter, r *http.Request) {
	src := chi.URLParam(r, "source")

	res, err := s.runner.RunOnce(r.Context(), src)
	switch {
	case errors.Is(err, etl.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, etl.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRunAll(w http.ResponseWriter, r *http.Request) {
	results := s.runner.RunAll(r.Context())

	success := true
	for _, res := range results {
		if res.Status != postgres.RunStatusSuccess && res.Status != postgres.RunStatusPartial {
			success = false
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": success,
		"results": results,
	})
}

func (s *Server) handleRunBackground(w http.ResponseWriter, r *http.Request) {
	src := chi.URLParam(r, "source")

	err := s.runner.RunInBackground(src)
	switch {
	case errors.Is(err, etl.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, etl.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"source": src,
		"status": "accepted",
	})
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	src := r.URL.Query().Get("source")
	symbol := r.URL.Query().Get("symbol")
	page, pageSize := pagination(r)

	assets, err := s.query.ListNormalizedAssets(r.Context(), src, symbol, pageSize, (page-1)*pageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.query.CountNormalizedAssets(r.Context(), src)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":        assets,
		"page":        page,
		"page_size":   pageSize,
		"total_items": total,
	})
}

func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	src := chi.URLParam(r, "source")
	page, pageSize := pagination(r)

	records, err := s.query.ListRawRecords(r.Context(), src, pageSize, (page-1)*pageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.query.CountRawRecords(r.Context(), src)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":        records,
		"page":        page,
		"page_size":   pageSize,
		"total_items": total,
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	src := r.URL.Query().Get("source")
	page, pageSize := pagination(r)

	runs, err := s.query.ListRuns(r.Context(), src, pageSize, (page-1)*pageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := s.query.ListCheckpoints(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"checkpoints": checkpoints})
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	entries, err := s.registry.Entries()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mappings": entries})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.query.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbConnected := s.query.IsHealthy(ctx)

	resp := map[string]interface{}{
		"status":       "healthy",
		"db_connected": dbConnected,
	}
	if !dbConnected {
		resp["status"] = "degraded"
	}

	if lastRun, err := s.query.LastRun(r.Context()); err == nil && lastRun != nil {
		resp["etl_last_run"] = lastRun.StartedAt
		resp["etl_status"] = lastRun.Status
	}

	status := http.StatusOK
	if !dbConnected {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func pagination(r *http.Request) (page, pageSize int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ = strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
