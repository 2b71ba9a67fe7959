package flight

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Do runs fn once per key among concurrent callers. fn gets a context
// that is not cancelled with ctx, so a caller giving up does not fail
// the callers that joined it. Each caller still returns when its own
// ctx is done.
func Do[T any](ctx context.Context, g *singleflight.Group, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	ch := g.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}

		return r.Val.(T), nil
	}
}
