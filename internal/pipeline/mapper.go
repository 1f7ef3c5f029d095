package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
)

// MapBounded runs fn over items with at most limit calls in flight. Workers
// pull the next item from a shared cursor. A worker whose fn returns an
// error or panics stops pulling; the others keep draining. A panic becomes
// that worker's error. MapBounded returns once all workers have exited, with
// the first worker error if any.
//
// The context passed to fn is not cancelled when a sibling fails.
func MapBounded[T any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) error) error {
	n := len(items)
	if n == 0 {
		return nil
	}
	if limit <= 0 {
		limit = 1
	}
	if limit > n {
		limit = n
	}

	var cursor atomic.Int64
	var g errgroup.Group
	for w := 0; w < limit; w++ {
		g.Go(func() error {
			for {
				i := int(cursor.Add(1) - 1)
				if i >= n {
					return nil
				}
				if err := callItem(ctx, items[i], fn); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}

func callItem[T any](ctx context.Context, item T, fn func(ctx context.Context, item T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("pipeline: panic processing item: %v", r)
		}
	}()
	return fn(ctx, item)
}
