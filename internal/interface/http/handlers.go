package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	_ "time/tzdata" // tz parameters resolve without system zoneinfo

	"github.com/alem-hub/progress-engine/internal/application/query"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

const dateLayout = "2006-01-02"

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH CHECK HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthChecker == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC(),
		})
		return
	}

	status := s.deps.HealthChecker.Check(r.Context())

	httpStatus := http.StatusOK
	if !status.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, status)
}

// handleReady handles GET /ready (Kubernetes readiness probe).
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthChecker != nil {
		if status := s.deps.HealthChecker.Check(r.Context()); !status.Ready {
			writeJSONError(w, http.StatusServiceUnavailable, "not_ready", status.Message)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleLive handles GET /live (Kubernetes liveness probe).
func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleRoot handles GET /.
func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "progress-engine",
		"version": "v1",
		"endpoints": []string{
			"GET /health",
			"GET /api/v1/students/{id}/progress",
			"GET /api/v1/students/{id}/series",
			"GET /api/v1/cohorts/progress",
			"POST /api/v1/cohorts/progress",
			"GET /api/v1/stats",
		},
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleGetStudentProgress handles GET /api/v1/students/{id}/progress.
//
// Query parameters:
//   - as_of: RFC 3339 instant or YYYY-MM-DD (end of that day)
//   - tz: IANA time zone for day boundaries
func (s *Server) handleGetStudentProgress(w http.ResponseWriter, r *http.Request) {
	if s.deps.StudentProgress == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "service_unavailable", "Progress service not available")
		return
	}

	loc, err := s.parseLocation(r.URL.Query().Get("tz"))
	if err != nil {
		writeJSONErrorWithDetails(w, http.StatusBadRequest, "invalid_tz", "Unknown time zone", err.Error())
		return
	}
	asOf, err := parseAsOf(r.URL.Query().Get("as_of"), loc)
	if err != nil {
		writeJSONErrorWithDetails(w, http.StatusBadRequest, "invalid_as_of", "Invalid as_of", err.Error())
		return
	}

	report, err := s.deps.StudentProgress.Handle(r.Context(), query.GetStudentProgressQuery{
		StudentID: r.PathValue("id"),
		AsOf:      asOf,
		Location:  loc,
	})
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	writeJSONWithMeta(w, r, http.StatusOK, report, s.meta(0))
}

// handleGetProgressSeries handles GET /api/v1/students/{id}/series.
//
// Query parameters:
//   - from, to: inclusive days as YYYY-MM-DD
//   - granularity: day, week, fortnight or month; chosen automatically when empty
//   - tz: IANA time zone for day boundaries
func (s *Server) handleGetProgressSeries(w http.ResponseWriter, r *http.Request) {
	if s.deps.ProgressSeries == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "service_unavailable", "Series service not available")
		return
	}

	params := r.URL.Query()
	loc, err := s.parseLocation(params.Get("tz"))
	if err != nil {
		writeJSONErrorWithDetails(w, http.StatusBadRequest, "invalid_tz", "Unknown time zone", err.Error())
		return
	}
	from, err := parseDay(params.Get("from"), loc)
	if err != nil {
		writeJSONErrorWithDetails(w, http.StatusBadRequest, "invalid_from", "Invalid from", err.Error())
		return
	}
	to, err := parseDay(params.Get("to"), loc)
	if err != nil {
		writeJSONErrorWithDetails(w, http.StatusBadRequest, "invalid_to", "Invalid to", err.Error())
		return
	}

	series, err := s.deps.ProgressSeries.Handle(r.Context(), query.GetProgressSeriesQuery{
		StudentID:   r.PathValue("id"),
		From:        from,
		To:          to,
		Granularity: getQueryParam(r, "granularity", ""),
		Location:    loc,
	})
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	writeJSONWithMeta(w, r, http.StatusOK, series, s.meta(len(series.Points)))
}

// ══════════════════════════════════════════════════════════════════════════════
// COHORT HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// CohortRequest is the body of POST /api/v1/cohorts/progress.
type CohortRequest struct {
	StudentIDs []string `json:"student_ids"`
	AsOf       string   `json:"as_of,omitempty"`
	TZ         string   `json:"tz,omitempty"`
}

// handleGetCohortProgress handles GET /api/v1/cohorts/progress?ids=a,b.
func (s *Server) handleGetCohortProgress(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, part := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, part)
		}
	}
	s.serveCohort(w, r, CohortRequest{
		StudentIDs: ids,
		AsOf:       r.URL.Query().Get("as_of"),
		TZ:         r.URL.Query().Get("tz"),
	})
}

// handlePostCohortProgress handles POST /api/v1/cohorts/progress.
func (s *Server) handlePostCohortProgress(w http.ResponseWriter, r *http.Request) {
	var req CohortRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Request body too large")
			return
		}
		writeJSONErrorWithDetails(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err.Error())
		return
	}
	s.serveCohort(w, r, req)
}

func (s *Server) serveCohort(w http.ResponseWriter, r *http.Request, req CohortRequest) {
	if s.deps.CohortProgress == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "service_unavailable", "Cohort service not available")
		return
	}

	loc, err := s.parseLocation(req.TZ)
	if err != nil {
		writeJSONErrorWithDetails(w, http.StatusBadRequest, "invalid_tz", "Unknown time zone", err.Error())
		return
	}
	asOf, err := parseAsOf(req.AsOf, loc)
	if err != nil {
		writeJSONErrorWithDetails(w, http.StatusBadRequest, "invalid_as_of", "Invalid as_of", err.Error())
		return
	}

	res, err := s.deps.CohortProgress.Handle(r.Context(), query.GetCohortProgressQuery{
		StudentIDs: req.StudentIDs,
		AsOf:       asOf,
		Location:   loc,
	})
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	writeJSONWithMeta(w, r, http.StatusOK, res, s.meta(len(res.Reports)))
}

// ══════════════════════════════════════════════════════════════════════════════
// STATS HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// StatsResponse is the body of GET /api/v1/stats.
type StatsResponse struct {
	PolicyVersion string `json:"policy_version,omitempty"`
	Cache         any    `json:"cache,omitempty"`
	EventBus      any    `json:"event_bus,omitempty"`
	Uptime        string `json:"uptime"`
}

// handleGetStats handles GET /api/v1/stats.
func (s *Server) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	resp := StatsResponse{Uptime: s.Uptime().Round(time.Second).String()}
	if s.deps.PolicyVersion != nil {
		resp.PolicyVersion = s.deps.PolicyVersion()
	}
	if s.deps.Cache != nil {
		resp.Cache = s.deps.Cache.Stats()
	}
	if s.deps.EventBus != nil {
		if m := s.deps.EventBus.Metrics(); m != nil {
			resp.EventBus = m.Snapshot()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR HANDLING
// ══════════════════════════════════════════════════════════════════════════════

// handleError maps query errors onto HTTP statuses.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.FromContext(r.Context())

	switch {
	case errors.Is(err, shared.ErrMalformedSession):
		log.Error("malformed session data", logger.Err(err), logger.String("path", r.URL.Path))
		writeJSONErrorWithDetails(w, http.StatusUnprocessableEntity, "malformed_data", "Stored practice data is malformed", err.Error())
	case shared.IsValidation(err):
		writeJSONErrorWithDetails(w, http.StatusBadRequest, "validation_error", "Invalid request", err.Error())
	case shared.IsNotFound(err):
		writeJSONError(w, http.StatusNotFound, "not_found", "Student not found")
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		w.Header().Set("Retry-After", "30")
		writeJSONError(w, http.StatusServiceUnavailable, "source_unavailable", "Session store temporarily unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn("request timed out", logger.String("path", r.URL.Path))
		writeJSONError(w, http.StatusGatewayTimeout, "timeout", "Request timed out")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
		w.WriteHeader(499)
	default:
		log.Error("request failed", logger.Err(err), logger.String("path", r.URL.Path))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "An internal error occurred")
	}
}

func (s *Server) meta(total int) *ResponseMeta {
	m := &ResponseMeta{TotalCount: total}
	if s.deps.PolicyVersion != nil {
		m.PolicyVersion = s.deps.PolicyVersion()
	}
	return m
}

// ══════════════════════════════════════════════════════════════════════════════
// PARAMETER PARSING
// ══════════════════════════════════════════════════════════════════════════════

// parseLocation resolves an IANA zone name. Empty selects the configured
// default zone.
func (s *Server) parseLocation(name string) (*time.Location, error) {
	if name == "" {
		if s.config.Location != nil {
			return s.config.Location, nil
		}
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

// parseAsOf accepts an RFC 3339 instant or a calendar day, which means the
// last instant of that day.
func parseAsOf(raw string, loc *time.Location) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	day, err := time.ParseInLocation(dateLayout, raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 or YYYY-MM-DD, got %q", raw)
	}
	return day.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
}

func parseDay(raw string, loc *time.Location) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	day, err := time.ParseInLocation(dateLayout, raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD, got %q", raw)
	}
	return day, nil
}
