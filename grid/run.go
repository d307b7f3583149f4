package grid

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// RankFunc is the body run by every rank of a grid.
type RankFunc func(ctx context.Context, c Comm) error

// Run hosts an nprow x npcol grid on a Hub and runs fn once per rank, each on
// its own goroutine. The first failing rank cancels the others, whose
// blocking waits then return ErrClosed; Run returns that first error.
func Run(ctx context.Context, nprow, npcol int, fn RankFunc) error {
	g, gctx := errgroup.WithContext(ctx)
	hub, err := NewHub(gctx, nprow, npcol)
	if err != nil {
		return err
	}
	for rank := 0; rank < hub.Shape().Size(); rank++ {
		c, err := hub.Comm(rank)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := fn(gctx, c); err != nil {
				return fmt.Errorf("rank %d: %w", c.Rank(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Single returns the communicator of a 1x1 grid.
func Single(ctx context.Context) Comm {
	hub, _ := NewHub(ctx, 1, 1)
	c, _ := hub.Comm(0)
	return c
}
