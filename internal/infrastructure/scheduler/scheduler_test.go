package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr  string
		after time.Time
		want  time.Time
	}{
		{"5 0 * * *", time.Date(2024, 4, 2, 18, 0, 0, 0, time.UTC), time.Date(2024, 4, 3, 0, 5, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2024, 4, 2, 18, 7, 30, 0, time.UTC), time.Date(2024, 4, 2, 18, 15, 0, 0, time.UTC)},
		{"0 6 * * 1", time.Date(2024, 4, 2, 18, 0, 0, 0, time.UTC), time.Date(2024, 4, 8, 6, 0, 0, 0, time.UTC)},
		{"0 9-17/4 * * *", time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC), time.Date(2024, 4, 2, 13, 0, 0, 0, time.UTC)},
		{"30 1,22 * * *", time.Date(2024, 4, 2, 1, 30, 0, 0, time.UTC), time.Date(2024, 4, 2, 22, 30, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2024, 12, 15, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			ce, err := ParseCron(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ce.Next(tt.after))
			assert.Equal(t, tt.expr, ce.String())
		})
	}
}

func TestParseCron_Location(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	ce := MustParseCron(AfterMidnight)
	next := ce.Next(time.Date(2024, 4, 2, 23, 50, 0, 0, loc))
	assert.Equal(t, time.Date(2024, 4, 3, 0, 5, 0, 0, loc), next)
}

func TestParseCron_Invalid(t *testing.T) {
	for _, expr := range []string{"", "* * * *", "60 * * * *", "* 24 * * *", "*/0 * * * *", "5-1 * * * *", "a * * * *"} {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}

	never := MustParseCron("0 0 30 2 *")
	assert.True(t, never.Next(time.Now()).IsZero())
}

func TestEvery(t *testing.T) {
	s := Every(5 * time.Minute)
	at := time.Date(2024, 4, 2, 18, 0, 0, 0, time.UTC)
	assert.Equal(t, at.Add(5*time.Minute), s.Next(at))
	assert.Equal(t, "@every 5m0s", s.String())
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

type countingJob struct {
	name  string
	runs  atomic.Int32
	err   error
	block chan struct{}
}

func (j *countingJob) Name() string        { return j.name }
func (j *countingJob) Description() string { return "counts runs" }
func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
		}
	}
	return j.err
}

func quietScheduler() *Scheduler {
	return New(Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Tick:   5 * time.Millisecond,
	})
}

func TestScheduler_Register(t *testing.T) {
	s := quietScheduler()
	job := &countingJob{name: "a"}

	require.NoError(t, s.Register(job, Every(time.Hour)))
	assert.ErrorIs(t, s.Register(job, Every(time.Hour)), ErrJobAlreadyExists)
	assert.ErrorIs(t, s.Register(nil, Every(time.Hour)), ErrNilJob)
	assert.ErrorIs(t, s.Register(&countingJob{name: "b"}, nil), ErrNilSchedule)
	assert.ErrorIs(t, s.Register(&countingJob{name: "c"}, MustParseCron("0 0 30 2 *")), ErrNilSchedule)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].Name)
	assert.Equal(t, "@every 1h0m0s", jobs[0].Schedule)
}

func TestScheduler_RunFiresDueJobs(t *testing.T) {
	s := quietScheduler()
	job := &countingJob{name: "tick"}
	require.NoError(t, s.Register(job, Every(10*time.Millisecond)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return job.runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	info := s.Jobs()[0]
	assert.GreaterOrEqual(t, info.RunCount, int64(3))
	require.NotNil(t, info.LastResult)
	assert.True(t, info.LastResult.Success)
}

func TestScheduler_NoOverlap(t *testing.T) {
	s := quietScheduler()
	job := &countingJob{name: "slow", block: make(chan struct{})}
	require.NoError(t, s.Register(job, Every(time.Millisecond)))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Run(ctx)
	}()

	require.Eventually(t, func() bool { return job.runs.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), job.runs.Load())

	_, err := s.RunNow(context.Background(), "slow")
	assert.ErrorIs(t, err, ErrJobRunning)

	close(job.block)
	cancel()
	wg.Wait()
}

func TestScheduler_RunNow(t *testing.T) {
	s := quietScheduler()
	failing := &countingJob{name: "failing", err: errors.New("boom")}
	require.NoError(t, s.Register(failing, Every(time.Hour)))

	res, err := s.RunNow(context.Background(), "failing")
	assert.EqualError(t, err, "boom")
	assert.False(t, res.Success)
	assert.True(t, res.Manual)
	assert.Equal(t, int64(1), s.Jobs()[0].FailCount)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
