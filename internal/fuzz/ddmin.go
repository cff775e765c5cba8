package fuzz

import (
	"context"
	"slices"
)

// Oracle reports whether a candidate still reproduces the failure.
type Oracle[E comparable] func(ctx context.Context, items []E) (bool, error)

// Minimize shrinks a failing input with delta debugging (ddmin). The
// result still fails and no single chunk at the final granularity can be
// removed without losing the failure. items itself must fail.
func Minimize[E comparable](ctx context.Context, items []E, fails Oracle[E]) ([]E, error) {
	return ddmin(ctx, items, 2, fails)
}

func ddmin[E comparable](ctx context.Context, items []E, n int, fails Oracle[E]) ([]E, error) {
	if len(items) == 0 {
		return items, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deltas, complements := Split(items, n)
	for _, d := range deltas {
		bad, err := fails(ctx, d)
		if err != nil {
			return nil, err
		}
		if bad {
			if len(d) == 1 {
				return d, nil
			}
			return ddmin(ctx, d, 2, fails)
		}
	}
	for _, c := range complements {
		bad, err := fails(ctx, c)
		if err != nil {
			return nil, err
		}
		if bad {
			return ddmin(ctx, c, max(n-1, 2), fails)
		}
	}
	if n < len(items) {
		return ddmin(ctx, items, min(len(items), 2*n), fails)
	}
	return items, nil
}

// Split cuts items into n contiguous chunks (deltas) and returns each
// chunk's complement. The first len%n chunks are one element longer.
// Complements equal to some delta are dropped.
func Split[E comparable](items []E, n int) (deltas, complements [][]E) {
	if n <= 0 {
		return nil, nil
	}
	chunk, rem := len(items)/n, len(items)%n
	cur := 0
	for i := range n {
		size := chunk
		if i < rem {
			size++
		}
		if cur+size > len(items) {
			break
		}
		deltas = append(deltas, slices.Clone(items[cur:cur+size]))
		c := make([]E, 0, len(items)-size)
		c = append(c, items[:cur]...)
		c = append(c, items[cur+size:]...)
		complements = append(complements, c)
		cur += size
	}
	complements = slices.DeleteFunc(complements, func(c []E) bool {
		return slices.ContainsFunc(deltas, func(d []E) bool { return slices.Equal(c, d) })
	})
	return deltas, complements
}
