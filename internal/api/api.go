// Package api serves the synchronous query endpoints of the relay over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sloghttp "github.com/samber/slog-http"
	"github.com/samber/oops"

	"rss_relay/internal/filter"
	"rss_relay/internal/model"
	"rss_relay/internal/ratelimit"
)

const (
	maxBodyBytes       = 1 << 20
	defaultRecordLimit = 50
	maxRecordLimit     = 500
)

// Fetcher downloads raw feed documents for article queries.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// RecordStore lists delivery records and reports database health.
type RecordStore interface {
	ListDeliveryRecords(ctx context.Context, feedID string, limit int) ([]model.DeliveryRecord, error)
	Ping(ctx context.Context) error
}

// Server exposes rate-limit, filter, article and delivery queries.
type Server struct {
	log      *slog.Logger
	limiter  *ratelimit.Limiter
	records  RecordStore
	engine   *filter.Engine
	fetcher  Fetcher
	gatherer prometheus.Gatherer
}

// New creates a Server. gatherer backs the /metrics endpoint.
func New(log *slog.Logger, limiter *ratelimit.Limiter, records RecordStore, engine *filter.Engine, f Fetcher, gatherer prometheus.Gatherer) *Server {
	return &Server{
		log:      log,
		limiter:  limiter,
		records:  records,
		engine:   engine,
		fetcher:  f,
		gatherer: gatherer,
	}
}

// Handler returns the routed handler wrapped in access logging and panic recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/feeds/{feedID}/rate-limits", s.handleRateLimits)
	mux.HandleFunc("GET /v1/feeds/{feedID}/deliveries", s.handleDeliveries)
	mux.HandleFunc("POST /v1/filters/validate", s.handleValidateFilter)
	mux.HandleFunc("POST /v1/articles/query", s.handleQueryArticles)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealth)

	handler := sloghttp.Recovery(mux)
	return sloghttp.New(s.log)(handler)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("http server starting", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return oops.With("addr", addr).Wrapf(err, "serve http")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return oops.Wrapf(err, "shutdown http")
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return oops.Wrapf(err, "serve http")
	}
	return nil
}

type windowJSON struct {
	WindowSeconds int       `json:"windowSeconds"`
	Limit         int       `json:"limit"`
	Progress      int       `json:"progress"`
	Remaining     int       `json:"remaining"`
	WindowStart   time.Time `json:"windowStart"`
}

func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	feedID := r.PathValue("feedID")
	windows, err := s.limiter.Windows(r.Context(), feedID)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, oops.With("feed_id", feedID).Wrapf(err, "list windows"))
		return
	}

	out := make([]windowJSON, 0, len(windows))
	for _, win := range windows {
		out = append(out, windowJSON{
			WindowSeconds: win.WindowSeconds,
			Limit:         win.Limit,
			Progress:      win.CurrentCount,
			Remaining:     win.Remaining(),
			WindowStart:   win.WindowStart,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"windows": out})
}

type recordJSON struct {
	ID              string    `json:"id"`
	DestinationID   string    `json:"destinationId"`
	ArticleID       string    `json:"articleId"`
	Status          string    `json:"status"`
	ErrorCode       string    `json:"errorCode,omitempty"`
	InternalMessage string    `json:"internalMessage,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	feedID := r.PathValue("feedID")
	limit := defaultRecordLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecordLimit)
	}

	recs, err := s.records.ListDeliveryRecords(r.Context(), feedID, limit)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, oops.With("feed_id", feedID).Wrapf(err, "list delivery records"))
		return
	}

	out := make([]recordJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordJSON{
			ID:              rec.ID,
			DestinationID:   rec.DestinationID,
			ArticleID:       rec.ArticleID,
			Status:          string(rec.Status),
			ErrorCode:       rec.ErrorCode,
			InternalMessage: rec.InternalMessage,
			CreatedAt:       rec.CreatedAt,
			UpdatedAt:       rec.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.records.Ping(r.Context()); err != nil {
		s.fail(w, r, http.StatusServiceUnavailable, oops.Wrapf(err, "ping database"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fail logs err with its oops context and answers with a generic message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	s.log.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, status, http.StatusText(status))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
