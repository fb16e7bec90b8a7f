// Package httpapi is the HTTP transport (spec §6): gorilla/mux routing,
// a logging/CORS/tenant/rate-limit middleware chain, and the
// evaluate/batch/health/metrics handlers. Adapted from the teacher's
// internal/api/server.go (CORS middleware shape) and
// internal/middleware/tenant.go (tenant-extraction pattern), generalized
// from a "check API key or X-Tenant-ID against a tenant manager" flow to
// a narrower "X-Tenant-ID must be a UUID" check, since authn/tenant
// provisioning are external collaborators outside this service's scope.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/flagforge/evalservice/internal/ratelimit"
)

type contextKey string

const tenantContextKey contextKey = "tenant"

// TenantFromContext returns the tenant ID injected by tenantMiddleware.
func TenantFromContext(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantContextKey).(string)
	return tenant
}

// corsMiddleware mirrors the teacher's inline CORS handler in
// internal/api/server.go.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs one structured line per request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request", "method", r.Method, "path", r.URL.Path, "elapsed_ms", time.Since(start).Milliseconds())
	})
}

// tenantMiddleware requires X-Tenant-ID (or, on the /api/ws handshake, a
// tenantId query parameter) to be present and a well-formed UUID, then
// injects it into the request context. Whether that tenant actually
// exists, and whether the caller is authorized for it, is an external
// collaborator's job — this layer only rejects malformed input.
func tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get("X-Tenant-ID")
		if tenantID == "" && r.URL.Path == "/api/ws" {
			tenantID = r.URL.Query().Get("tenantId")
		}
		if tenantID == "" {
			writeError(w, http.StatusBadRequest, "InvalidTenant", "missing X-Tenant-ID header")
			return
		}
		if _, err := uuid.Parse(tenantID); err != nil {
			writeError(w, http.StatusBadRequest, "InvalidTenant", "X-Tenant-ID must be a UUID")
			return
		}
		ctx := context.WithValue(r.Context(), tenantContextKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimitMiddleware enforces the per-tenant fixed window and always
// sets X-RateLimit-* headers, admitted or not.
func rateLimitMiddleware(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := TenantFromContext(r.Context())
			decision := limiter.Allow(r.Context(), tenant)

			w.Header().Set("X-RateLimit-Limit", itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", itoa(max64(decision.Limit-decision.Current, 0)))
			w.Header().Set("X-RateLimit-Reset", itoa(decision.ResetAt.Unix()))

			if !decision.Admitted {
				writeError(w, http.StatusTooManyRequests, "RateLimited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
