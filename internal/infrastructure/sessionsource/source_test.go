package sessionsource_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/backpack"
	"github.com/alem-hub/progress-engine/internal/domain/practice"
	"github.com/alem-hub/progress-engine/internal/domain/practice/practicetest"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/xp"
	"github.com/alem-hub/progress-engine/internal/infrastructure/sessionsource"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progress-engine/pkg/retry"
)

var (
	errTransient = errors.New("connection reset")
	day          = time.Date(2024, 4, 2, 18, 0, 0, 0, time.UTC)
)

type fakeRepo struct {
	calls    int
	failures int
	err      error
	sessions map[string][]practice.Session
}

func (f *fakeRepo) next() error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	return nil
}

func (f *fakeRepo) ListSessions(_ context.Context, id string, _ practice.Range) ([]practice.Session, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return f.sessions[id], nil
}

func (f *fakeRepo) ListSessionsForStudents(_ context.Context, ids []string, _ practice.Range) (map[string][]practice.Session, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	out := make(map[string][]practice.Session, len(ids))
	for _, id := range ids {
		out[id] = f.sessions[id]
	}
	return out, nil
}

func (f *fakeRepo) ListItems(context.Context, string) ([]backpack.Item, error) {
	return []backpack.Item{{ID: "i1"}}, f.next()
}

func (f *fakeRepo) ListStatuses(context.Context, string) (map[string]backpack.Status, error) {
	return map[string]backpack.Status{"i1": backpack.StatusMastered}, f.next()
}

func (f *fakeRepo) SaveStatuses(context.Context, string, map[string]backpack.Status, time.Time) error {
	return f.next()
}

func (f *fakeRepo) ListAdjustments(context.Context, string) ([]xp.Adjustment, error) {
	return nil, f.next()
}

func newGuard(breaker *circuitbreaker.CircuitBreaker) *sessionsource.Guard {
	return sessionsource.NewGuard(sessionsource.Options{
		IsTransient: func(err error) bool { return errors.Is(err, errTransient) },
		Retrier:     retry.New(retry.Backoff{Attempts: 3, Initial: time.Millisecond}),
		Breaker:     breaker,
	})
}

func TestSessions_RetriesTransientErrors(t *testing.T) {
	repo := &fakeRepo{failures: 2, err: errTransient, sessions: map[string][]practice.Session{
		"a": practicetest.Daily(t, "a", day, 2, 600),
	}}
	src := newGuard(nil).Sessions(repo)

	got, err := src.ListSessions(context.Background(), "a", practice.All)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 3, repo.calls)
}

func TestSessions_DoesNotRetryDomainOrUnknownErrors(t *testing.T) {
	repo := &fakeRepo{failures: 5, err: shared.ErrMalformedSession.Detail("bad row")}
	_, err := newGuard(nil).Sessions(repo).ListSessions(context.Background(), "a", practice.All)
	assert.ErrorIs(t, err, shared.ErrMalformedSession)
	assert.Equal(t, 1, repo.calls)

	repo = &fakeRepo{failures: 5, err: errors.New("syntax error")}
	_, err = newGuard(nil).Sessions(repo).ListSessions(context.Background(), "a", practice.All)
	assert.Error(t, err)
	assert.Equal(t, 1, repo.calls)
}

func TestSessions_RejectsOutOfOrderSlices(t *testing.T) {
	late := practicetest.Session(t, "a", day, 600)
	early := practicetest.Session(t, "a", day.Add(-time.Hour), 600)
	repo := &fakeRepo{sessions: map[string][]practice.Session{
		"a": {late, early},
		"b": {practicetest.Session(t, "a", day, 600)},
	}}
	src := newGuard(nil).Sessions(repo)

	_, err := src.ListSessions(context.Background(), "a", practice.All)
	assert.ErrorIs(t, err, shared.ErrMalformedSession)

	_, err = src.ListSessions(context.Background(), "b", practice.All)
	assert.ErrorIs(t, err, shared.ErrMalformedSession, "foreign session in the slice")

	_, err = src.ListSessionsForStudents(context.Background(), []string{"a"}, practice.All)
	assert.ErrorIs(t, err, shared.ErrMalformedSession)
}

func TestSessions_BreakerOpens(t *testing.T) {
	breaker := circuitbreaker.New("test", circuitbreaker.WithFailureThreshold(2), circuitbreaker.WithTimeout(time.Hour))
	repo := &fakeRepo{failures: 100, err: errTransient}
	src := newGuard(breaker).Sessions(repo)

	_, err := src.ListSessions(context.Background(), "a", practice.All)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 2, repo.calls, "the third attempt is refused by the open breaker")

	_, err = src.ListSessionsForStudents(context.Background(), []string{"a"}, practice.All)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 2, repo.calls)
}

func TestBackpackAndAdjustments(t *testing.T) {
	repo := &fakeRepo{failures: 1, err: errTransient}
	g := newGuard(nil)
	ctx := context.Background()

	items, err := g.Backpack(repo).ListItems(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	statuses, err := g.Backpack(repo).ListStatuses(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, backpack.StatusMastered, statuses["i1"])

	require.NoError(t, g.Backpack(repo).SaveStatuses(ctx, "a", nil, time.Now()))

	_, err = g.Adjustments(repo).ListAdjustments(ctx, "a")
	require.NoError(t, err)
}
