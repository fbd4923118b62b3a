// Package httpapi exposes the cache, invalidation and health components over
// a small admin HTTP API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/goliatone/go-cache-resilience/cache"
	"github.com/goliatone/go-cache-resilience/health"
	"github.com/goliatone/go-cache-resilience/internal/logging"
	"github.com/goliatone/go-cache-resilience/invalidation"
	"github.com/goliatone/go-cache-resilience/txmanager"
)

// Cache is the cache manager surface the API needs.
type Cache interface {
	Stats() cache.Stats
	Clear(ctx context.Context)
	NamespacedKeys(ctx context.Context) []string
}

// Invalidator is the invalidation surface the API needs.
type Invalidator interface {
	InvalidateByPattern(ctx context.Context, pattern string) (int, error)
	InvalidateByTag(ctx context.Context, tag string) (int, error)
	InvalidateByEvent(ctx context.Context, event string) (int, error)
	InvalidateByDependency(ctx context.Context, key string) (int, error)
	Rules() []invalidation.Rule
	Stats() invalidation.Stats
}

// HealthChecker runs database health checks.
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// Transactions reports transaction statistics.
type Transactions interface {
	Stats() txmanager.Stats
	ActiveTransactions() []txmanager.ActiveTx
}

// Deps lists the components served by the router. Cache and Invalidator are
// required, the rest are optional.
type Deps struct {
	Cache        Cache
	Invalidator  Invalidator
	Health       HealthChecker
	Transactions Transactions
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
}

// InvalidateRequest selects what POST /cache/invalidate removes. Exactly one
// field must be set.
type InvalidateRequest struct {
	Pattern    string `json:"pattern,omitempty"`
	Tag        string `json:"tag,omitempty"`
	Event      string `json:"event,omitempty"`
	Dependency string `json:"dependency,omitempty"`
}

// InvalidateResponse reports how many keys were removed.
type InvalidateResponse struct {
	Removed int `json:"removed"`
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Cache        cache.Stats          `json:"cache"`
	Invalidation invalidation.Stats   `json:"invalidation"`
	Transactions *txmanager.Stats     `json:"transactions,omitempty"`
	Active       []txmanager.ActiveTx `json:"active_transactions,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   health.Status  `json:"status"`
	Database *health.Report `json:"database,omitempty"`
}

// RuleView is the JSON form of an invalidation rule.
type RuleView struct {
	ID           string   `json:"id"`
	Pattern      string   `json:"pattern,omitempty"`
	Regexp       string   `json:"regexp,omitempty"`
	Events       []string `json:"events"`
	Dependencies []string `json:"dependencies,omitempty"`
	Enabled      bool     `json:"enabled"`
}

type errorResponse struct {
	Error string `json:"error"`
}

var errBadInvalidateRequest = errors.New("exactly one of pattern, tag, event or dependency is required")

type handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewRouter builds the admin API.
func NewRouter(deps Deps) http.Handler {
	logger := logging.OrNop(deps.Logger).Named("httpapi")
	h := &handler{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/health", h.health)
	r.Get("/stats", h.stats)

	r.Get("/cache/keys", h.keys)
	r.Get("/cache/rules", h.rules)
	r.Post("/cache/invalidate", h.invalidate)
	r.Delete("/cache", h.clear)

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: health.StatusHealthy})
		return
	}

	report := h.deps.Health.Check(r.Context())
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{Status: report.Status, Database: &report})
}

func (h *handler) stats(w http.ResponseWriter, _ *http.Request) {
	resp := StatsResponse{
		Cache:        h.deps.Cache.Stats(),
		Invalidation: h.deps.Invalidator.Stats(),
	}
	if h.deps.Transactions != nil {
		s := h.deps.Transactions.Stats()
		resp.Transactions = &s
		resp.Active = h.deps.Transactions.ActiveTransactions()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) keys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"keys": h.deps.Cache.NamespacedKeys(r.Context())})
}

func (h *handler) rules(w http.ResponseWriter, _ *http.Request) {
	rules := h.deps.Invalidator.Rules()
	out := make([]RuleView, 0, len(rules))
	for _, rule := range rules {
		view := RuleView{
			ID:           rule.ID,
			Pattern:      rule.Pattern,
			Events:       rule.Events,
			Dependencies: rule.Dependencies,
			Enabled:      rule.Enabled,
		}
		if rule.Regexp != nil {
			view.Regexp = rule.Regexp.String()
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) invalidate(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	run, err := h.selectInvalidation(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	n, err := run(r.Context())
	if err != nil {
		h.logger.Error("invalidation failed", zap.Any("request", req), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, InvalidateResponse{Removed: n})
}

func (h *handler) selectInvalidation(req InvalidateRequest) (func(context.Context) (int, error), error) {
	inv := h.deps.Invalidator
	var run func(context.Context) (int, error)
	set := 0

	if v := strings.TrimSpace(req.Pattern); v != "" {
		set++
		run = func(ctx context.Context) (int, error) { return inv.InvalidateByPattern(ctx, v) }
	}
	if v := strings.TrimSpace(req.Tag); v != "" {
		set++
		run = func(ctx context.Context) (int, error) { return inv.InvalidateByTag(ctx, v) }
	}
	if v := strings.TrimSpace(req.Event); v != "" {
		set++
		run = func(ctx context.Context) (int, error) { return inv.InvalidateByEvent(ctx, v) }
	}
	if v := strings.TrimSpace(req.Dependency); v != "" {
		set++
		run = func(ctx context.Context) (int, error) { return inv.InvalidateByDependency(ctx, v) }
	}

	if set != 1 {
		return nil, errBadInvalidateRequest
	}
	return run, nil
}

func (h *handler) clear(w http.ResponseWriter, r *http.Request) {
	h.deps.Cache.Clear(r.Context())
	h.logger.Info("cache cleared", zap.String("request_id", chimiddleware.GetReqID(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}
