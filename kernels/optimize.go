package kernels

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// MinChunk is the smallest number of elements handed to one worker.
const MinChunk = 4096

// BatchSize determines optimal vectorization width based on architecture
func BatchSize() int {
	switch runtime.GOARCH {
	case "amd64":
		return 4 // AVX2 holds 4 float64 lanes
	case "arm64":
		return 2 // NEON holds 2 float64 lanes
	default:
		return 2
	}
}

// Workers resolves a requested worker count; values < 1 select GOMAXPROCS.
func Workers(requested int) int {
	if requested < 1 {
		return runtime.GOMAXPROCS(0)
	}
	return requested
}

// Chunks splits [0,n) into at most workers contiguous ranges of at least
// MinChunk elements, aligned to BatchSize.
func Chunks(n, workers int) [][2]int {
	if n <= 0 {
		return nil
	}
	parts := workers
	if maxParts := (n + MinChunk - 1) / MinChunk; parts > maxParts {
		parts = maxParts
	}
	if parts < 1 {
		parts = 1
	}
	size := (n + parts - 1) / parts
	if b := BatchSize(); size%b != 0 {
		size += b - size%b
	}
	out := make([][2]int, 0, parts)
	for lo := 0; lo < n; lo += size {
		out = append(out, [2]int{lo, min(lo+size, n)})
	}
	return out
}

// ParallelFor runs fn over the chunks of [0,n). With one chunk fn runs on the
// calling goroutine. The first error cancels the context passed to the
// remaining chunks.
func ParallelFor(ctx context.Context, n, workers int, fn func(ctx context.Context, lo, hi int) error) error {
	chunks := Chunks(n, workers)
	if len(chunks) <= 1 {
		if n <= 0 {
			return nil
		}
		return fn(ctx, 0, n)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range chunks {
		lo, hi := c[0], c[1]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, lo, hi)
		})
	}
	return g.Wait()
}

// ParallelSum evaluates fn over the chunks of [0,n) and adds the partial
// results in chunk order, so the sum does not depend on scheduling.
func ParallelSum(n, workers int, fn func(lo, hi int) float64) float64 {
	chunks := Chunks(n, workers)
	if len(chunks) <= 1 {
		if n <= 0 {
			return 0
		}
		return fn(0, n)
	}
	partial := make([]float64, len(chunks))
	var g errgroup.Group
	for i, c := range chunks {
		i, lo, hi := i, c[0], c[1]
		g.Go(func() error {
			partial[i] = fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
	var sum float64
	for _, p := range partial {
		sum += p
	}
	return sum
}
