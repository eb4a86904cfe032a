package jobs

import (
	"context"
	"log/slog"

	"github.com/alem-hub/progress-engine/internal/infrastructure/cache"
	"github.com/alem-hub/progress-engine/internal/infrastructure/messaging"
)

// CacheStatsSource exposes the cache counters.
type CacheStatsSource interface {
	Stats() cache.Stats
}

// ReportStatsJob logs the cache and event bus counters, with the change
// since the previous run.
type ReportStatsJob struct {
	cache  CacheStatsSource
	bus    *messaging.InMemoryEventBus
	logger *slog.Logger

	last cache.Stats
}

// NewReportStatsJob creates the job. bus may be nil.
func NewReportStatsJob(c CacheStatsSource, bus *messaging.InMemoryEventBus, logger *slog.Logger) *ReportStatsJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportStatsJob{cache: c, bus: bus, logger: logger.With("job", "report_stats")}
}

// Name returns the job name.
func (j *ReportStatsJob) Name() string { return "report_stats" }

// Description returns a human-readable description.
func (j *ReportStatsJob) Description() string { return "Logs cache and event bus counters" }

// Run logs one snapshot. The scheduler never runs a job concurrently with
// itself, so last needs no lock.
func (j *ReportStatsJob) Run(context.Context) error {
	now := j.cache.Stats()
	hits := now.Hits - j.last.Hits
	misses := now.Misses - j.last.Misses

	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	attrs := []any{
		"entries", now.Entries,
		"hits", hits,
		"misses", misses,
		"hit_rate", hitRate,
		"computations", now.Computations - j.last.Computations,
		"evictions", now.Evictions - j.last.Evictions,
		"l2_errors", now.L2Errors - j.last.L2Errors,
	}
	if j.bus != nil && j.bus.Metrics() != nil {
		snap := j.bus.Metrics().Snapshot()
		attrs = append(attrs, "events_published", snap.TotalPublished, "handler_failures", snap.HandlerFailures)
	}
	j.last = now

	j.logger.Info("cache stats", attrs...)
	return nil
}
