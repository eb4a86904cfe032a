// Package jobs contains the engine's scheduled jobs.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/progress-engine/internal/application/query"
)

// ══════════════════════════════════════════════════════════════════════════════
// WARM COHORT JOB
// ══════════════════════════════════════════════════════════════════════════════

// CohortProgressRunner is the query the warm-up job drives.
type CohortProgressRunner interface {
	Handle(ctx context.Context, q query.GetCohortProgressQuery) (*query.CohortProgress, error)
}

// WarmCohortJob computes the reports of a fixed set of students so the first
// requests of a new day are served from the cache. Reports are keyed by
// their evaluation day, so yesterday's entries stop matching at midnight.
type WarmCohortJob struct {
	cohort     CohortProgressRunner
	studentIDs []string
	location   *time.Location
	timeout    time.Duration
	logger     *slog.Logger
}

// WarmCohortConfig contains configuration for the warm-up job.
type WarmCohortConfig struct {
	StudentIDs []string

	// Location defines the day the reports are computed for.
	Location *time.Location

	// Timeout is the maximum duration of one run.
	Timeout time.Duration
}

// NewWarmCohortJob creates the job.
func NewWarmCohortJob(cohort CohortProgressRunner, config WarmCohortConfig, logger *slog.Logger) *WarmCohortJob {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	return &WarmCohortJob{
		cohort:     cohort,
		studentIDs: config.StudentIDs,
		location:   config.Location,
		timeout:    config.Timeout,
		logger:     logger.With("job", "warm_cohort"),
	}
}

// Name returns the job name.
func (j *WarmCohortJob) Name() string { return "warm_cohort" }

// Description returns a human-readable description.
func (j *WarmCohortJob) Description() string {
	return fmt.Sprintf("Precomputes progress reports for %d students", len(j.studentIDs))
}

// Run computes the cohort once. Individual student failures are logged;
// only a failure of the whole batch fails the run.
func (j *WarmCohortJob) Run(ctx context.Context) error {
	if len(j.studentIDs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	res, err := j.cohort.Handle(ctx, query.GetCohortProgressQuery{
		StudentIDs: j.studentIDs,
		Location:   j.location,
	})
	if err != nil {
		return fmt.Errorf("warm cohort: %w", err)
	}

	for _, f := range res.Failures {
		j.logger.Warn("student not warmed", "student_id", f.StudentID, "error", f.Error)
	}
	j.logger.Info("cohort warmed",
		"students", len(j.studentIDs),
		"reports", len(res.Reports),
		"failures", len(res.Failures),
	)
	return nil
}
