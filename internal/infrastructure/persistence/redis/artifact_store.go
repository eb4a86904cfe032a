package redis

import (
	"context"
	"errors"
	"time"

	"github.com/alem-hub/progress-engine/internal/infrastructure/cache"
	"github.com/alem-hub/progress-engine/pkg/retry"
)

type kv interface {
	GetBytes(ctx context.Context, key string) ([]byte, error)
	SetBytes(ctx context.Context, key string, data []byte, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// ArtifactStore is the shared second level of the artifact cache.
type ArtifactStore struct {
	kv      kv
	keys    Keys
	ttl     time.Duration
	retrier *retry.Retrier
}

var _ cache.Store = (*ArtifactStore)(nil)

// NewArtifactStore stores artifacts through c. A non-positive ttl uses
// TTLArtifact.
func NewArtifactStore(c *Cache, ttl time.Duration) *ArtifactStore {
	return newArtifactStore(c, c.Keys(), ttl)
}

func newArtifactStore(store kv, keys Keys, ttl time.Duration) *ArtifactStore {
	if ttl <= 0 {
		ttl = TTLArtifact
	}
	return &ArtifactStore{
		kv:   store,
		keys: keys,
		ttl:  ttl,
		retrier: retry.New(retry.ArtifactStore, retry.WithRetryIf(func(err error) bool {
			return !errors.Is(err, ErrCacheMiss) &&
				!errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded)
		})),
	}
}

// Get returns cache.ErrMiss when the artifact is absent.
func (s *ArtifactStore) Get(ctx context.Context, key cache.Key) ([]byte, error) {
	data, err := retry.Value(ctx, s.retrier, func(ctx context.Context) ([]byte, error) {
		return s.kv.GetBytes(ctx, s.keys.Artifact(key.StudentID, key.Kind, key.Fingerprint))
	})
	if errors.Is(err, ErrCacheMiss) {
		return nil, cache.ErrMiss
	}
	return data, err
}

// Set writes an artifact. A non-positive ttl uses the store default.
func (s *ArtifactStore) Set(ctx context.Context, key cache.Key, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	return s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.kv.SetBytes(ctx, s.keys.Artifact(key.StudentID, key.Kind, key.Fingerprint), value, ttl)
	})
}

// DeleteStudent removes every artifact of the student.
func (s *ArtifactStore) DeleteStudent(ctx context.Context, studentID string) error {
	return s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.kv.DeleteByPattern(ctx, s.keys.StudentPattern(studentID))
	})
}
