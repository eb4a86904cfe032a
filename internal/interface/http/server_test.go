package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/application/query"
	"github.com/alem-hub/progress-engine/internal/domain/practice"
	"github.com/alem-hub/progress-engine/internal/domain/practice/practicetest"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/cache"
	apihttp "github.com/alem-hub/progress-engine/internal/interface/http"
	"github.com/alem-hub/progress-engine/internal/interface/http/handlers"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

var now = time.Date(2024, 4, 10, 21, 0, 0, 0, time.UTC)

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

type memSessions struct {
	data map[string][]practice.Session
	errs map[string]error
}

func (m *memSessions) ListSessions(_ context.Context, id string, r practice.Range) ([]practice.Session, error) {
	if err := m.errs[id]; err != nil {
		return nil, err
	}
	return practice.Filter(m.data[id], r), nil
}

func (m *memSessions) ListSessionsForStudents(ctx context.Context, ids []string, r practice.Range) (map[string][]practice.Session, error) {
	out := make(map[string][]practice.Session, len(ids))
	for _, id := range ids {
		s, err := m.ListSessions(ctx, id, r)
		if err != nil {
			return nil, err
		}
		out[id] = s
	}
	return out, nil
}

type envelope struct {
	Success   bool              `json:"success"`
	Data      json.RawMessage   `json:"data"`
	Error     *apihttp.APIError `json:"error"`
	RequestID string            `json:"request_id"`
	Meta      struct {
		PolicyVersion string `json:"policy_version"`
	} `json:"meta"`
}

type fixture struct {
	server  *apihttp.Server
	cache   *cache.Cache
	health  *handlers.CompositeHealthChecker
	handler http.Handler
}

func newFixture(t *testing.T, cfg apihttp.Config) *fixture {
	t.Helper()

	src := &memSessions{
		data: map[string][]practice.Session{
			"st1": practicetest.Daily(t, "st1", now.Add(-3*time.Hour), 5, 900, practicetest.Block("tecnica", 4)),
			"st2": practicetest.Daily(t, "st2", now.Add(-3*time.Hour), 2, 600, practicetest.Block("escalas", 3)),
		},
		errs: map[string]error{
			"ghost": shared.ErrStudentNotFound,
			"down":  fmt.Errorf("list sessions: %w", circuitbreaker.ErrCircuitOpen),
		},
	}
	c, err := cache.New(cache.Options{Logger: logger.Nop()})
	require.NoError(t, err)

	deps := query.Deps{
		Sessions: src,
		Cache:    c,
		Clock:    fixedClock(now),
		Location: time.UTC,
		Logger:   logger.Nop(),
	}
	health := handlers.NewCompositeHealthChecker("test")

	s := apihttp.NewServer(cfg, apihttp.Dependencies{
		StudentProgress: query.NewGetStudentProgressHandler(deps),
		CohortProgress:  query.NewGetCohortProgressHandler(deps),
		ProgressSeries:  query.NewGetProgressSeriesHandler(deps),
		Cache:           c,
		PolicyVersion:   func() string { return "builtin-1" },
		HealthChecker:   health,
		Logger:          logger.Nop(),
	})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	return &fixture{server: s, cache: c, health: health, handler: s.Handler()}
}

func (f *fixture) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func testConfig() apihttp.Config {
	cfg := apihttp.DefaultConfig()
	cfg.RateLimitPerMinute = 0
	cfg.ClientCacheMaxAge = 30 * time.Second
	return cfg
}

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT ENDPOINTS
// ══════════════════════════════════════════════════════════════════════════════

func TestStudentProgress(t *testing.T) {
	f := newFixture(t, testConfig())

	rec, env := f.do(t, http.MethodGet, "/api/v1/students/st1/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Equal(t, "builtin-1", env.Meta.PolicyVersion)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, rec.Header().Get("X-Request-ID"), env.RequestID)
	assert.Equal(t, "private, max-age=30", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	var report struct {
		StudentID string `json:"student_id"`
		Sessions  int    `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, "st1", report.StudentID)
	assert.Equal(t, 5, report.Sessions)

	_, _ = f.do(t, http.MethodGet, "/api/v1/students/st1/progress", "")
	assert.Equal(t, int64(1), f.cache.Stats().Computations)
}

func TestStudentProgress_KeepsCallerRequestID(t *testing.T) {
	f := newFixture(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/students/st1/progress", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestStudentProgress_Errors(t *testing.T) {
	f := newFixture(t, testConfig())

	tests := []struct {
		name   string
		target string
		status int
		code   string
	}{
		{"unknown zone", "/api/v1/students/st1/progress?tz=Mars/Olympus", http.StatusBadRequest, "invalid_tz"},
		{"bad as_of", "/api/v1/students/st1/progress?as_of=yesterday", http.StatusBadRequest, "invalid_as_of"},
		{"bad id", "/api/v1/students/%21bad/progress", http.StatusBadRequest, "validation_error"},
		{"unknown student", "/api/v1/students/ghost/progress", http.StatusNotFound, "not_found"},
		{"breaker open", "/api/v1/students/down/progress", http.StatusServiceUnavailable, "source_unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := f.do(t, http.MethodGet, tt.target, "")
			assert.Equal(t, tt.status, rec.Code)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestProgressSeries(t *testing.T) {
	f := newFixture(t, testConfig())

	rec, env := f.do(t, http.MethodGet,
		"/api/v1/students/st1/series?from=2024-03-01&to=2024-04-10&granularity=WEEK&tz=Europe/Madrid", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var series struct {
		Granularity string `json:"granularity"`
		Points      []struct {
			Sessions int `json:"sessions"`
		} `json:"points"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &series))
	assert.Equal(t, "week", series.Granularity)

	total := 0
	for _, p := range series.Points {
		total += p.Sessions
	}
	assert.Equal(t, 5, total)
}

func TestProgressSeries_InvalidParams(t *testing.T) {
	f := newFixture(t, testConfig())

	rec, env := f.do(t, http.MethodGet, "/api/v1/students/st1/series?from=03/01/2024", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_from", env.Error.Code)

	rec, env = f.do(t, http.MethodGet, "/api/v1/students/st1/series?granularity=hour", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", env.Error.Code)
}

// ══════════════════════════════════════════════════════════════════════════════
// COHORT ENDPOINTS
// ══════════════════════════════════════════════════════════════════════════════

type cohortBody struct {
	Reports []struct {
		StudentID string `json:"student_id"`
	} `json:"reports"`
	Summary *struct {
		Count int `json:"count"`
	} `json:"summary"`
}

func TestCohortProgress_Post(t *testing.T) {
	f := newFixture(t, testConfig())

	rec, env := f.do(t, http.MethodPost, "/api/v1/cohorts/progress",
		`{"student_ids":["st2","st1","st1"],"as_of":"2024-04-10"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var body cohortBody
	require.NoError(t, json.Unmarshal(env.Data, &body))
	require.Len(t, body.Reports, 2)
	assert.Equal(t, "st1", body.Reports[0].StudentID)
	assert.Equal(t, "st2", body.Reports[1].StudentID)
	require.NotNil(t, body.Summary)
	assert.Equal(t, 2, body.Summary.Count)
}

func TestCohortProgress_Get(t *testing.T) {
	f := newFixture(t, testConfig())

	rec, env := f.do(t, http.MethodGet, "/api/v1/cohorts/progress?ids=st1,%20st2,", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body cohortBody
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Len(t, body.Reports, 2)
}

func TestCohortProgress_BadRequests(t *testing.T) {
	f := newFixture(t, testConfig())

	rec, env := f.do(t, http.MethodPost, "/api/v1/cohorts/progress", `{"student_ids":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", env.Error.Code)

	rec, env = f.do(t, http.MethodPost, "/api/v1/cohorts/progress", `{"students":["st1"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_body", env.Error.Code)
}

func TestCohortProgress_BodyTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBodyBytes = 16
	f := newFixture(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cohorts/progress",
		strings.NewReader(`{"student_ids":["st1","st2","st3"]}`))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

// ══════════════════════════════════════════════════════════════════════════════
// OPERATIONAL ENDPOINTS
// ══════════════════════════════════════════════════════════════════════════════

func TestHealth(t *testing.T) {
	f := newFixture(t, testConfig())

	rec, _ := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	f.health.AddCheck("postgres", func(context.Context) error { return errors.New("refused") })

	rec, _ = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, env := f.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, env.Error.Message, "postgres")

	rec, _ = f.do(t, http.MethodGet, "/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
}

func TestStats(t *testing.T) {
	f := newFixture(t, testConfig())
	_, _ = f.do(t, http.MethodGet, "/api/v1/students/st1/progress", "")

	rec, env := f.do(t, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		PolicyVersion string      `json:"policy_version"`
		Cache         cache.Stats `json:"cache"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, "builtin-1", stats.PolicyVersion)
	assert.Equal(t, int64(1), stats.Cache.Computations)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPerMinute = 2
	f := newFixture(t, cfg)

	for i := 0; i < 2; i++ {
		rec, _ := f.do(t, http.MethodGet, "/live", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, env := f.do(t, http.MethodGet, "/live", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limit_exceeded", env.Error.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}
