package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/hamed0406/healthpipe/internal/domain"
	apimw "github.com/hamed0406/healthpipe/internal/httpapi/middleware"
	"github.com/hamed0406/healthpipe/internal/repo"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 500
)

type Server struct {
	Logger  *zap.Logger
	Metrics repo.MetricsReader
	Now     func() time.Time
}

func NewServer(l *zap.Logger, metrics repo.MetricsReader) *Server {
	return &Server{Logger: l, Metrics: metrics, Now: time.Now}
}

// Router serves the read API. With no allowed origins, cross-origin
// browser requests are not answered with CORS headers.
func (s *Server) Router(keys apimw.Keys, allowedOrigins []string, rpm, burst int) http.Handler {
	r := chi.NewRouter()
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "X-API-Key", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(apimw.RateLimit(rpm, burst))
		r.Use(apimw.RequireAny(keys))
		r.Get("/metrics", s.handleMetrics)
		r.Get("/observations", s.handleObservations)
	})

	return r
}

type metricsResponse struct {
	domain.AggregateMetrics
	WindowSecs int       `json:"window_secs"`
	ComputedAt time.Time `json:"computed_at"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if !isValidHTTPURL(target) {
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}
	at := s.Now().UTC()
	if raw := r.URL.Query().Get("at"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be RFC3339")
			return
		}
		at = t.UTC()
	}

	m, err := s.Metrics.Aggregate(r.Context(), target, at)
	if err != nil {
		s.Logger.Warn("metrics_error", zap.String("url", target), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "metrics unavailable")
		return
	}
	s.Logger.Debug("metrics_query", zap.String("url", target), zap.Int("samples", m.Samples))

	writeJSON(w, http.StatusOK, metricsResponse{
		AggregateMetrics: m,
		WindowSecs:       int(domain.MetricsWindow / time.Second),
		ComputedAt:       at,
	})
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if !isValidHTTPURL(target) {
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}

	rows, err := s.Metrics.Recent(r.Context(), target, limit)
	if err != nil {
		s.Logger.Warn("observations_error", zap.String("url", target), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "observations unavailable")
		return
	}
	if rows == nil {
		rows = []domain.StoredHealthRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// isValidHTTPURL accepts absolute http and https URLs with a host.
func isValidHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}
