package cache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/infrastructure/cache"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memStore struct {
	mu   sync.Mutex
	data map[cache.Key][]byte
	fail error
}

func newMemStore() *memStore { return &memStore{data: make(map[cache.Key][]byte)} }

func (s *memStore) Get(_ context.Context, key cache.Key) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	v, ok := s.data[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	return v, nil
}

func (s *memStore) Set(_ context.Context, key cache.Key, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.data[key] = value
	return nil
}

func (s *memStore) DeleteStudent(_ context.Context, studentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.data {
		if k.StudentID == studentID {
			delete(s.data, k)
		}
	}
	return s.fail
}

func newCache(t *testing.T, opts cache.Options) *cache.Cache {
	t.Helper()
	c, err := cache.New(opts)
	require.NoError(t, err)
	return c
}

func key(student, kind string) cache.Key {
	return cache.Key{StudentID: student, Fingerprint: "fp", Kind: kind}
}

func constant(v int) func(context.Context) (int, error) {
	return func(context.Context) (int, error) { return v, nil }
}

func TestGetOrCompute_SuppressesDuplicates(t *testing.T) {
	c := newCache(t, cache.Options{Capacity: 16})

	var mu sync.Mutex
	calls := 0
	release := make(chan struct{})
	fn := func(context.Context) (int, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return 42, nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.GetOrCompute(context.Background(), c, key("st1", "report"), fn)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 42, results[i])
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(1), c.Stats().Computations)
}

func TestGetOrCompute_AbandoningCallerDoesNotCancelOthers(t *testing.T) {
	c := newCache(t, cache.Options{})

	started := make(chan struct{})
	release := make(chan struct{})
	var seenErr error
	fn := func(ctx context.Context) (int, error) {
		close(started)
		<-release
		seenErr = ctx.Err()
		return 7, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, err := cache.GetOrCompute(ctx, c, key("st1", "report"), fn)
		abandoned <- err
	}()
	<-started
	cancel()
	assert.ErrorIs(t, <-abandoned, context.Canceled)

	waiter := make(chan int, 1)
	go func() {
		v, err := cache.GetOrCompute(context.Background(), c, key("st1", "report"), fn)
		assert.NoError(t, err)
		waiter <- v
	}()
	close(release)

	assert.Equal(t, 7, <-waiter)
	assert.NoError(t, seenErr, "computation runs detached from the first caller")
	assert.Equal(t, int64(1), c.Stats().Computations)
}

func TestGetOrCompute_DoesNotCacheErrors(t *testing.T) {
	c := newCache(t, cache.Options{})
	boom := errors.New("boom")

	_, err := cache.GetOrCompute(context.Background(), c, key("st1", "report"), func(context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)

	v, err := cache.GetOrCompute(context.Background(), c, key("st1", "report"), constant(3))
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.Equal(t, int64(2), c.Stats().Computations)
}

func TestGetOrCompute_MaxAge(t *testing.T) {
	clk := &fakeClock{now: time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)}
	c := newCache(t, cache.Options{MaxAge: time.Minute, Clock: clk})
	ctx := context.Background()

	_, _ = cache.GetOrCompute(ctx, c, key("st1", "report"), constant(1))
	clk.Advance(30 * time.Second)
	v, _ := cache.GetOrCompute(ctx, c, key("st1", "report"), constant(2))
	assert.Equal(t, 1, v)

	clk.Advance(time.Minute)
	v, _ = cache.GetOrCompute(ctx, c, key("st1", "report"), constant(2))
	assert.Equal(t, 2, v)

	st := c.Stats()
	assert.Equal(t, int64(2), st.Computations)
	assert.Equal(t, int64(1), st.Hits)
}

func TestInvalidateStudent(t *testing.T) {
	store := newMemStore()
	c := newCache(t, cache.Options{Store: store})
	ctx := context.Background()

	_, _ = cache.GetOrCompute(ctx, c, key("st1", "report"), constant(1))
	_, _ = cache.GetOrCompute(ctx, c, key("st1", "series"), constant(1))
	_, _ = cache.GetOrCompute(ctx, c, key("st2", "report"), constant(1))
	require.Equal(t, 3, c.Stats().Entries)

	c.InvalidateStudent(ctx, "st1")
	assert.Equal(t, 1, c.Stats().Entries)
	assert.Len(t, store.data, 1)

	v, _ := cache.GetOrCompute(ctx, c, key("st1", "report"), constant(9))
	assert.Equal(t, 9, v)
	v, _ = cache.GetOrCompute(ctx, c, key("st2", "report"), constant(9))
	assert.Equal(t, 1, v)
}

func TestInvalidateStudent_DuringComputation(t *testing.T) {
	c := newCache(t, cache.Options{})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan int, 1)
	go func() {
		v, _ := cache.GetOrCompute(ctx, c, key("st1", "report"), func(context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
		done <- v
	}()
	<-started
	c.InvalidateStudent(ctx, "st1")
	close(release)
	assert.Equal(t, 1, <-done, "the in-flight caller still gets its answer")

	v, _ := cache.GetOrCompute(ctx, c, key("st1", "report"), constant(2))
	assert.Equal(t, 2, v, "a result computed before invalidation is not served")
}

func TestPurge(t *testing.T) {
	c := newCache(t, cache.Options{})
	ctx := context.Background()

	_, _ = cache.GetOrCompute(ctx, c, key("st1", "report"), constant(1))
	_, _ = cache.GetOrCompute(ctx, c, key("st2", "report"), constant(1))
	c.Purge()
	assert.Zero(t, c.Stats().Entries)

	v, _ := cache.GetOrCompute(ctx, c, key("st1", "report"), constant(5))
	assert.Equal(t, 5, v)
}

func TestEviction(t *testing.T) {
	c := newCache(t, cache.Options{Capacity: 2})
	ctx := context.Background()

	_, _ = cache.GetOrCompute(ctx, c, key("st1", "report"), constant(1))
	_, _ = cache.GetOrCompute(ctx, c, key("st2", "report"), constant(2))
	_, _ = cache.GetOrCompute(ctx, c, key("st3", "report"), constant(3))

	st := c.Stats()
	assert.Equal(t, 2, st.Entries)
	assert.Equal(t, int64(1), st.Evictions)

	v, _ := cache.GetOrCompute(ctx, c, key("st1", "report"), constant(10))
	assert.Equal(t, 10, v, "least recently used entry was evicted")

	// Evicted keys leave the student index, so invalidating them is a no-op.
	c.InvalidateStudent(ctx, "st2")
	assert.Equal(t, 2, c.Stats().Entries)
}

func TestStore_SecondLevel(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	first := newCache(t, cache.Options{Store: store})
	_, err := cache.GetOrCompute(ctx, first, key("st1", "report"), constant(11))
	require.NoError(t, err)

	second := newCache(t, cache.Options{Store: store})
	v, err := cache.GetOrCompute(ctx, second, key("st1", "report"), constant(99))
	require.NoError(t, err)
	assert.Equal(t, 11, v)

	st := second.Stats()
	assert.Zero(t, st.Computations)
	assert.Equal(t, int64(1), st.L2Hits)
}

func TestStore_FailuresAreNotFatal(t *testing.T) {
	store := newMemStore()
	store.fail = errors.New("connection refused")
	c := newCache(t, cache.Options{Store: store})
	ctx := context.Background()

	v, err := cache.GetOrCompute(ctx, c, key("st1", "report"), constant(4))
	require.NoError(t, err)
	assert.Equal(t, 4, v)

	c.InvalidateStudent(ctx, "st1")
	assert.Equal(t, int64(3), c.Stats().L2Errors, "read, write and delete failures are counted")
}

func TestNew_RejectsNegativeMaxAge(t *testing.T) {
	_, err := cache.New(cache.Options{MaxAge: -time.Second})
	assert.Error(t, err)
}
