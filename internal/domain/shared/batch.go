package shared

import (
	"context"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
)

// MapStudents applies fn to every entry of in on a bounded worker pool and
// returns the results keyed like the input. Workers read only their own
// entry, so the result is identical to calling fn sequentially. The only
// error is the context's.
func MapStudents[In, Out any](ctx context.Context, in map[string]In, fn func(studentID string, v In) Out) (map[string]Out, error) {
	ids := SortedKeys(in)
	results := make([]Out, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = fn(id, in[id])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]Out, len(ids))
	for i, id := range ids {
		out[id] = results[i]
	}
	return out, nil
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
