package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flagforge/evalservice/internal/domain"
	"github.com/flagforge/evalservice/internal/evalcache"
	"github.com/flagforge/evalservice/internal/evaluator"
	"github.com/flagforge/evalservice/internal/eventbus"
	"github.com/flagforge/evalservice/internal/metrics"
	"github.com/flagforge/evalservice/internal/ratelimit"
	"github.com/flagforge/evalservice/internal/store"
	"github.com/flagforge/evalservice/internal/wsgateway"
)

type staticRepo struct {
	flags map[string]*domain.FeatureFlag
}

func (r *staticRepo) Get(ctx context.Context, tenant, key string) (*domain.FeatureFlag, error) {
	flag, ok := r.flags[tenant+":"+key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return flag, nil
}

func newTestServer(t *testing.T, repo *staticRepo) (*Server, *sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := eventbus.New()
	ds := store.NewDefinitionStore(repo, bus)
	ec := evalcache.New()
	eval := evaluator.New(ds, ec, make(chan evaluator.MetricEvent, 100))
	agg := metrics.NewAggregator(db, metrics.NewPromMetrics(), metrics.DefaultPeriodWidth)
	hub := wsgateway.NewHub(bus)
	limiter := ratelimit.New(ratelimit.WithWindow(time.Hour, 1000))

	return NewServer(eval, agg, hub, limiter, db), db, mock
}

func doRequest(t *testing.T, h http.Handler, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEvaluateRejectsMissingTenantHeader(t *testing.T) {
	s, _, _ := newTestServer(t, &staticRepo{flags: map[string]*domain.FeatureFlag{}})
	rec := doRequest(t, s.NewRouter(), http.MethodPost, "/api/v1/evaluate/dark-mode", "", evaluateRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluateRejectsNonUUIDTenant(t *testing.T) {
	s, _, _ := newTestServer(t, &staticRepo{flags: map[string]*domain.FeatureFlag{}})
	rec := doRequest(t, s.NewRouter(), http.MethodPost, "/api/v1/evaluate/dark-mode", "not-a-uuid", evaluateRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluateReturnsRuleMatch(t *testing.T) {
	tenant := uuid.New().String()
	s, _, _ := newTestServer(t, &staticRepo{flags: map[string]*domain.FeatureFlag{
		tenant + ":dark-mode": {
			TenantID: tenant, Key: "dark-mode", Enabled: true,
			Rules: []domain.TargetingRule{
				{ID: "r1", Enabled: true, Percentage: 100, Position: 0},
			},
		},
	}})

	rec := doRequest(t, s.NewRouter(), http.MethodPost, "/api/v1/evaluate/dark-mode", tenant,
		evaluateRequest{Context: domain.EvaluationContext{"userId": "alice"}})

	require.Equal(t, http.StatusOK, rec.Code)
	var result domain.EvaluationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, domain.SourceRule, result.Source)
	require.NotNil(t, result.Value)
	assert.True(t, *result.Value)
}

func TestEvaluateUnknownFlagReturnsNotFoundValue(t *testing.T) {
	tenant := uuid.New().String()
	s, _, _ := newTestServer(t, &staticRepo{flags: map[string]*domain.FeatureFlag{}})

	rec := doRequest(t, s.NewRouter(), http.MethodPost, "/api/v1/evaluate/nope", tenant, evaluateRequest{})

	require.Equal(t, http.StatusOK, rec.Code)
	var result domain.EvaluationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, domain.ReasonFlagNotFound, result.Reason)
	assert.Nil(t, result.Value)
}

func TestBatchEvaluateRejectsEmptyKeys(t *testing.T) {
	tenant := uuid.New().String()
	s, _, _ := newTestServer(t, &staticRepo{flags: map[string]*domain.FeatureFlag{}})

	rec := doRequest(t, s.NewRouter(), http.MethodPost, "/api/v1/evaluate/batch", tenant, batchEvaluateRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchEvaluateMixedOutcomes(t *testing.T) {
	tenant := uuid.New().String()
	s, _, _ := newTestServer(t, &staticRepo{flags: map[string]*domain.FeatureFlag{
		tenant + ":dark-mode": {TenantID: tenant, Key: "dark-mode", Enabled: true},
	}})

	rec := doRequest(t, s.NewRouter(), http.MethodPost, "/api/v1/evaluate/batch", tenant,
		batchEvaluateRequest{Keys: []string{"dark-mode", "nope"}})

	require.Equal(t, http.StatusOK, rec.Code)
	var batch domain.BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
	assert.Equal(t, domain.ReasonNoRules, batch.Results["dark-mode"].Reason)
	assert.Equal(t, domain.ReasonFlagNotFound, batch.Results["nope"].Reason)
}

func TestHealthReportsPostgresUnreachable(t *testing.T) {
	tenant := uuid.New().String()
	s, _, mock := newTestServer(t, &staticRepo{flags: map[string]*domain.FeatureFlag{}})
	mock.ExpectPing().WillReturnError(assertErr{})

	rec := doRequest(t, s.NewRouter(), http.MethodGet, "/api/v1/evaluate/health", tenant, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthReportsOK(t *testing.T) {
	tenant := uuid.New().String()
	s, _, mock := newTestServer(t, &staticRepo{flags: map[string]*domain.FeatureFlag{}})
	mock.ExpectPing()

	rec := doRequest(t, s.NewRouter(), http.MethodGet, "/api/v1/evaluate/health", tenant, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitHeadersAlwaysSet(t *testing.T) {
	tenant := uuid.New().String()
	s, _, _ := newTestServer(t, &staticRepo{flags: map[string]*domain.FeatureFlag{}})

	rec := doRequest(t, s.NewRouter(), http.MethodPost, "/api/v1/evaluate/nope", tenant, evaluateRequest{})
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

type assertErr struct{}

func (assertErr) Error() string { return "simulated ping failure" }
