package tools

import (
	"context"
	"sync"
)

// FanOut runs fns concurrently and waits for all of them. It returns the
// results in input order and the first non-nil error. Capabilities use it to
// issue independent sub-calls within a single invocation.
func FanOut[T any](ctx context.Context, fns ...func(context.Context) (T, error)) ([]T, error) {
	results := make([]T, len(fns))
	errs := make([]error, len(fns))
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func(i int, fn func(context.Context) (T, error)) {
			defer wg.Done()
			results[i], errs[i] = fn(ctx)
		}(i, fn)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}
