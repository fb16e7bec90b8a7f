package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flagforge/evalservice/internal/domain"
	"github.com/flagforge/evalservice/internal/evaluator"
	"github.com/flagforge/evalservice/internal/metrics"
	"github.com/flagforge/evalservice/internal/ratelimit"
	"github.com/flagforge/evalservice/internal/wsgateway"
)

// Server wires the evaluation core to HTTP. It holds no business logic of
// its own — every handler delegates to an already-built component.
type Server struct {
	eval    *evaluator.Evaluator
	agg     *metrics.Aggregator
	hub     *wsgateway.Hub
	limiter *ratelimit.Limiter
	db      *sql.DB
}

// NewServer assembles a Server from its collaborators.
func NewServer(eval *evaluator.Evaluator, agg *metrics.Aggregator, hub *wsgateway.Hub, limiter *ratelimit.Limiter, db *sql.DB) *Server {
	return &Server{eval: eval, agg: agg, hub: hub, limiter: limiter, db: db}
}

// NewRouter builds the gorilla/mux router with the full middleware chain
// (logging -> CORS -> tenant extraction -> rate limit) wrapping every
// route below it.
func (s *Server) NewRouter() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/v1/evaluate/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/v1/evaluate/batch", s.handleBatchEvaluate).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/v1/evaluate/{key}", s.handleEvaluate).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/v1/metrics/flag", s.handleFlagMetrics).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/v1/metrics/tenant", s.handleTenantMetrics).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/ws", s.handleWebSocket).Methods(http.MethodGet)

	// Built inside-out: tenant must run before rate limiting so the
	// limiter sees a real tenant ID, and CORS must run before tenant so
	// preflight OPTIONS requests never need an X-Tenant-ID header.
	var handler http.Handler = r
	handler = rateLimitMiddleware(s.limiter)(handler)
	handler = tenantMiddleware(handler)
	handler = corsMiddleware(handler)
	handler = loggingMiddleware(handler)
	return handler
}

type evaluateRequest struct {
	Context domain.EvaluationContext `json:"context"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	key := mux.Vars(r)["key"]

	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed JSON body")
		return
	}

	result := s.eval.Evaluate(r.Context(), tenant, key, req.Context)
	status := http.StatusOK
	if result.Source == domain.SourceError {
		// Evaluate yields an ERROR result only when the definition store
		// failed with no cached definition to fall back on.
		status = statusForErrorKind(domain.ErrStoreUnavailable)
	}
	writeJSON(w, status, result)
}

type batchEvaluateRequest struct {
	Keys    []string                 `json:"keys"`
	Context domain.EvaluationContext `json:"context"`
}

func (s *Server) handleBatchEvaluate(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())

	var req batchEvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed JSON body")
		return
	}
	if len(req.Keys) == 0 {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "keys must be non-empty")
		return
	}

	result := s.eval.BatchEvaluate(r.Context(), tenant, req.Keys, req.Context)
	writeJSON(w, http.StatusOK, result)
}

type healthResponse struct {
	Status      string         `json:"status"`
	Postgres    string         `json:"postgres"`
	Connections map[string]int `json:"websocket_connections"`
	RateLimiter map[string]any `json:"rate_limiter"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	pgStatus := "ok"
	status := http.StatusOK
	if err := s.db.PingContext(ctx); err != nil {
		pgStatus = "unreachable"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, healthResponse{
		Status:      map[bool]string{true: "ok", false: "degraded"}[status == http.StatusOK],
		Postgres:    pgStatus,
		Connections: s.hub.Stats(),
		RateLimiter: s.limiter.Stats(),
	})
}

func parseTimeRange(r *http.Request) (from, to time.Time, err error) {
	to = time.Now()
	from = to.Add(-24 * time.Hour)

	if v := r.URL.Query().Get("from"); v != "" {
		from, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		to, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return
		}
	}
	return
}

func (s *Server) handleFlagMetrics(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	key := r.URL.Query().Get("flagKey")

	from, to, err := parseTimeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "from/to must be RFC3339 timestamps")
		return
	}

	buckets, err := s.agg.MetricsForFlag(r.Context(), tenant, key, from, to)
	if err != nil {
		writeError(w, statusForErrorKind(domain.ErrStoreUnavailable), "StoreUnavailable", "failed to load metrics")
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (s *Server) handleTenantMetrics(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())

	from, to, err := parseTimeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "from/to must be RFC3339 timestamps")
		return
	}

	buckets, err := s.agg.TenantSummary(r.Context(), tenant, from, to)
	if err != nil {
		writeError(w, statusForErrorKind(domain.ErrStoreUnavailable), "StoreUnavailable", "failed to load metrics")
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	s.hub.HandleWebSocket(w, r, tenant)
}

// statusForErrorKind maps a domain.ErrorKind to its HTTP status, used by
// handlers that surface a *domain.EvalError directly.
func statusForErrorKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrFlagNotFound:
		return http.StatusNotFound
	case domain.ErrInvalidTenant:
		return http.StatusBadRequest
	case domain.ErrRateLimited:
		return http.StatusTooManyRequests
	case domain.ErrStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
