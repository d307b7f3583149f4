package grid

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestShape(t *testing.T) {
	t.Parallel()
	s := Shape{NPRow: 2, NPCol: 3}
	require.NoError(t, s.Validate())
	assert.Equal(t, 6, s.Size())
	assert.Equal(t, 5, s.PMap(1, 2))
	row, col := s.Coords(4)
	assert.Equal(t, 1, row)
	assert.Equal(t, 1, col)
	assert.Equal(t, []int{3, 4, 5}, s.Members(ScopeRow, 1, 0))
	assert.Equal(t, []int{2, 5}, s.Members(ScopeCol, 0, 2))
	assert.Len(t, s.Members(ScopeAll, 0, 0), 6)
	assert.ErrorIs(t, Shape{NPRow: 0, NPCol: 2}.Validate(), ErrShape)
	assert.Equal(t, "col", ScopeCol.String())
}

func TestSendRecvFIFO(t *testing.T) {
	t.Parallel()
	err := Run(context.Background(), 1, 2, func(ctx context.Context, c Comm) error {
		if c.Rank() == 0 {
			for i := byte(1); i <= 3; i++ {
				req, err := c.Isend(1, 5, []byte{i, i})
				if err != nil {
					return err
				}
				if err := req.Wait(); err != nil {
					return err
				}
			}
			return nil
		}
		bufs := make([][]byte, 3)
		reqs := make([]Request, 3)
		for i := range reqs {
			bufs[i] = make([]byte, 2)
			req, err := c.Irecv(0, 5, bufs[i])
			if err != nil {
				return err
			}
			reqs[i] = req
		}
		// Completion order does not change which message each receive gets.
		for i := len(reqs) - 1; i >= 0; i-- {
			if err := reqs[i].Wait(); err != nil {
				return err
			}
		}
		for i, b := range bufs {
			if b[0] != byte(i+1) {
				return errors.New("messages matched out of posting order")
			}
		}
		// Wait is idempotent.
		return reqs[0].Wait()
	})
	require.NoError(t, err)
}

func TestRecvLengthMismatch(t *testing.T) {
	t.Parallel()
	err := Run(context.Background(), 1, 2, func(ctx context.Context, c Comm) error {
		if c.Rank() == 0 {
			_, err := c.Isend(1, 1, make([]byte, 8))
			return err
		}
		req, err := c.Irecv(0, 1, make([]byte, 4))
		if err != nil {
			return err
		}
		return req.Wait()
	})
	require.ErrorIs(t, err, ErrShape)
}

func TestInvalidPeer(t *testing.T) {
	t.Parallel()
	c := Single(context.Background())
	_, err := c.Isend(1, 0, nil)
	assert.ErrorIs(t, err, ErrShape)
	_, err = c.Irecv(-1, 0, nil)
	assert.ErrorIs(t, err, ErrShape)
}

func TestReductions(t *testing.T) {
	t.Parallel()
	const nprow, npcol = 2, 3
	err := Run(context.Background(), nprow, npcol, func(ctx context.Context, c Comm) error {
		r := float64(c.Rank())

		row := []float64{r, 1}
		if err := c.Sum(ScopeRow, row); err != nil {
			return err
		}
		base := float64(c.MyRow() * npcol)
		assert.Equal(t, []float64{3*base + 3, npcol}, row)

		col := []float64{r}
		if err := c.Sum(ScopeCol, col); err != nil {
			return err
		}
		assert.Equal(t, []float64{float64(2*c.MyCol() + npcol)}, col)

		all := []float64{r, -r}
		if err := c.Max(ScopeAll, all); err != nil {
			return err
		}
		assert.Equal(t, []float64{5, 0}, all)

		lo := []float64{r}
		if err := c.Min(ScopeRow, lo); err != nil {
			return err
		}
		assert.Equal(t, []float64{base}, lo)

		return c.Barrier(ScopeAll)
	})
	require.NoError(t, err)
}

func TestSumComplex(t *testing.T) {
	t.Parallel()
	err := Run(context.Background(), 2, 1, func(ctx context.Context, c Comm) error {
		x := []complex128{complex(float64(c.Rank()), 1)}
		if err := SumComplex(c, ScopeCol, x); err != nil {
			return err
		}
		assert.Equal(t, complex(1, 2), x[0])
		return nil
	})
	require.NoError(t, err)
}

func TestMixedReductionFails(t *testing.T) {
	t.Parallel()
	err := Run(context.Background(), 1, 2, func(ctx context.Context, c Comm) error {
		x := []float64{1}
		if c.Rank() == 0 {
			return c.Sum(ScopeRow, x)
		}
		return c.Max(ScopeRow, x)
	})
	require.ErrorIs(t, err, ErrShape)
}

func TestReductionLengthMismatch(t *testing.T) {
	t.Parallel()
	err := Run(context.Background(), 1, 2, func(ctx context.Context, c Comm) error {
		return c.Sum(ScopeRow, make([]float64, 1+c.Rank()))
	})
	require.ErrorIs(t, err, ErrShape)
}

func TestPersistentRequests(t *testing.T) {
	t.Parallel()
	err := Run(context.Background(), 1, 2, func(ctx context.Context, c Comm) error {
		peer := 1 - c.Rank()
		out := []byte{byte(c.Rank())}
		in := make([]byte, 1)
		send, err := c.SendInit(peer, 9, out)
		if err != nil {
			return err
		}
		recv, err := c.RecvInit(peer, 9, in)
		if err != nil {
			return err
		}
		for step := 0; step < 3; step++ {
			out[0] = byte(10*step + c.Rank())
			if err := recv.Start(); err != nil {
				return err
			}
			if err := send.Start(); err != nil {
				return err
			}
			assert.ErrorIs(t, send.Start(), ErrRequestActive)
			assert.ErrorIs(t, send.Free(), ErrRequestActive)
			if err := send.Wait(); err != nil {
				return err
			}
			if err := recv.Wait(); err != nil {
				return err
			}
			assert.Equal(t, byte(10*step+peer), in[0])
		}
		if err := send.Free(); err != nil {
			return err
		}
		if err := recv.Free(); err != nil {
			return err
		}
		assert.ErrorIs(t, send.Start(), ErrRequestFreed)
		assert.ErrorIs(t, recv.Wait(), ErrRequestFreed)
		assert.ErrorIs(t, recv.Free(), ErrRequestFreed)
		return nil
	})
	require.NoError(t, err)
}

func TestRunCancelsPeers(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	err := Run(context.Background(), 1, 3, func(ctx context.Context, c Comm) error {
		if c.Rank() == 0 {
			time.Sleep(10 * time.Millisecond)
			return boom
		}
		// Blocks until rank 0 fails: nobody sends this message.
		req, err := c.Irecv(0, 1, make([]byte, 1))
		if err != nil {
			return err
		}
		err = req.Wait()
		if !errors.Is(err, ErrClosed) {
			return errors.New("blocked receive did not observe the closed hub")
		}
		return err
	})
	require.ErrorIs(t, err, boom)
}

func TestRunParentCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, 1, 2, func(ctx context.Context, c Comm) error {
		return c.Barrier(ScopeAll)
	})
	require.ErrorIs(t, err, ErrClosed)
}

func TestHubStats(t *testing.T) {
	t.Parallel()
	hub, err := NewHub(context.Background(), 1, 1)
	require.NoError(t, err)
	c, err := hub.Comm(0)
	require.NoError(t, err)

	_, err = c.Isend(0, 3, make([]byte, 16))
	require.NoError(t, err)
	buf := make([]byte, 16)
	req, err := c.Irecv(0, 3, buf)
	require.NoError(t, err)
	require.NoError(t, req.Wait())
	require.NoError(t, c.Sum(ScopeAll, []float64{1}))

	st := hub.Stats()
	assert.Equal(t, int64(1), st.Messages)
	assert.Greater(t, st.Bytes, int64(16))
	assert.Equal(t, int64(1), st.Reductions)

	traffic, ok := Traffic(c)
	require.True(t, ok)
	assert.Equal(t, st, traffic)
	frames := st.Frames()
	assert.Equal(t, int64(1), frames.Frames)
	assert.Equal(t, int64(16), frames.PayloadSize)
	assert.InDelta(t, 60.0, frames.Overhead, 1e-9)

	_, err = hub.Comm(1)
	assert.ErrorIs(t, err, ErrShape)
}
