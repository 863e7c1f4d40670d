package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ngoyal88/supplierlog/pkg/query"
	"github.com/ngoyal88/supplierlog/pkg/recorder"
	"github.com/ngoyal88/supplierlog/pkg/retention"
	"github.com/ngoyal88/supplierlog/pkg/stats"
	"github.com/ngoyal88/supplierlog/pkg/storage"
	log "github.com/sirupsen/logrus"
)

// LogAPI serves the call log endpoints.
type LogAPI struct {
	store     storage.Store
	query     *query.Engine
	recorder  *recorder.Recorder
	stats     *stats.Aggregator
	retention *retention.Manager

	maxBodyBytes int64
	ingestGuard  func(http.Handler) http.Handler
}

// Deps groups the components the API is built on.
type Deps struct {
	Store     storage.Store
	Query     *query.Engine
	Recorder  *recorder.Recorder
	Stats     *stats.Aggregator
	Retention *retention.Manager

	// MaxBodyBytes bounds POST /logs bodies; 0 means 4 MiB.
	MaxBodyBytes int64
	// IngestGuard wraps POST /logs, typically with the rate limiter.
	IngestGuard func(http.Handler) http.Handler
}

// NewLogAPI creates the call log API handler
func NewLogAPI(d Deps) *LogAPI {
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 4 << 20
	}
	if d.IngestGuard == nil {
		d.IngestGuard = func(next http.Handler) http.Handler { return next }
	}
	return &LogAPI{
		store:        d.Store,
		query:        d.Query,
		recorder:     d.Recorder,
		stats:        d.Stats,
		retention:    d.Retention,
		maxBodyBytes: d.MaxBodyBytes,
		ingestGuard:  d.IngestGuard,
	}
}

// RegisterRoutes registers the log endpoints
func (api *LogAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /logs", api.handleList)
	mux.Handle("POST /logs", api.ingestGuard(http.HandlerFunc(api.handleIngest)))
	mux.HandleFunc("GET /logs/{id}", api.handleGet)
	mux.HandleFunc("GET /logs/trace/{traceId}", api.handleTrace)
	mux.HandleFunc("GET /logs/stats", api.handleAllStats)
	mux.HandleFunc("GET /logs/stats/{supplier}", api.handleSupplierStats)
	mux.HandleFunc("POST /logs/cleanup", api.handleCleanup)

	mux.HandleFunc("GET /health", api.handleHealth)
}

// handleList returns one page of call log summaries
func (api *LogAPI) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		f   query.Filter
		err error
	)
	f.Supplier = q.Get("supplier")
	if v := q.Get("errors_only"); v != "" {
		if f.ErrorsOnly, err = strconv.ParseBool(v); err != nil {
			respondError(w, http.StatusBadRequest, "errors_only must be a boolean")
			return
		}
	}
	if f.From, err = parseTime(q.Get("from")); err != nil {
		respondError(w, http.StatusBadRequest, "from must be an RFC3339 timestamp")
		return
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		respondError(w, http.StatusBadRequest, "to must be an RFC3339 timestamp")
		return
	}
	limit, err := parseInt(q.Get("limit"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	offset, err := parseInt(q.Get("offset"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	page, err := api.query.List(ctx, f, limit, offset)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// handleGet returns one full record including payloads
func (api *LogAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	entry, err := api.query.FetchByID(ctx, r.PathValue("id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// handleTrace returns every call of one trace, oldest first
func (api *LogAPI) handleTrace(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	logs, err := api.query.ByTrace(ctx, r.PathValue("traceId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":  logs,
		"total": len(logs),
	})
}

func (api *LogAPI) handleSupplierStats(w http.ResponseWriter, r *http.Request) {
	supplier := strings.ToUpper(strings.TrimSpace(r.PathValue("supplier")))
	respondJSON(w, http.StatusOK, api.stats.StatsFor(supplier))
}

func (api *LogAPI) handleAllStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"data": api.stats.All(),
	})
}

// handleIngest records one call submitted as JSON
func (api *LogAPI) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, api.maxBodyBytes)

	var d recorder.Draft
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id, err := api.recorder.Record(ctx, d)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleCleanup runs retention on demand
func (api *LogAPI) handleCleanup(w http.ResponseWriter, r *http.Request) {
	maxAgeDays, err := parseInt(r.URL.Query().Get("max_age_days"))
	if err != nil || maxAgeDays < 0 {
		respondError(w, http.StatusBadRequest, "max_age_days must be a non-negative integer")
		return
	}

	res, err := api.retention.Cleanup(r.Context(), maxAgeDays)
	if err != nil {
		if !errors.Is(err, retention.ErrInvalidMaxAge) {
			log.Errorf("[api] cleanup failed after %d deletions: %v", res.DeletedCount, err)
		}
		respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"deleted_count": res.DeletedCount,
		"message":       fmt.Sprintf("Deleted %d call logs older than %s", res.DeletedCount, res.Cutoff.Format(time.RFC3339)),
	})
}

// handleHealth reports store connectivity
func (api *LogAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := api.store.Ping(ctx); err != nil {
		health["storage"] = "unhealthy"
		health["status"] = "degraded"
		status = http.StatusServiceUnavailable
	} else {
		health["storage"] = "healthy"
	}

	respondJSON(w, status, health)
}

// respondErr maps engine errors onto HTTP status codes.
func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, recorder.ErrInvalidLogEntry), errors.Is(err, query.ErrInvalidQuery),
		errors.Is(err, retention.ErrInvalidMaxAge):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, "Call log not found")
	case errors.Is(err, storage.ErrPersistence), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusServiceUnavailable, "Storage unavailable")
	default:
		log.Errorf("[api] unexpected error: %v", err)
		respondError(w, http.StatusInternalServerError, "Internal error")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
