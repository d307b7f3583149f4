package planewave

import (
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/sbl8/exx/core"
	"github.com/sbl8/exx/grid"
)

// Transform maps the local coefficients of a basis to a full real-space grid
// and back. With more than one process row the backward scatter is completed
// by a column-scope sum, so every process of a column holds the whole grid.
//
// A Transform owns scratch buffers and must not be shared between goroutines.
type Transform struct {
	basis *Basis
	comm  grid.Comm
	n     [3]int
	index []int // local plane wave -> flat grid index

	fft  [3]*fourier.CmplxFFT
	line [3][]complex128
}

// NewTransform builds a transform of basis onto an n0 x n1 x n2 grid. comm
// may be nil when the basis is not split over rows.
func NewTransform(basis *Basis, n [3]int, comm grid.Comm) (*Transform, error) {
	for d := 0; d < 3; d++ {
		if n[d] < basis.NP(d) {
			return nil, fmt.Errorf("%w: grid %v too small for basis extent %d along %d",
				ErrInvalidBasis, n, basis.NP(d), d)
		}
	}
	if basis.NPRow() > 1 && comm == nil {
		return nil, fmt.Errorf("%w: basis split over %d rows needs a communicator", ErrInvalidBasis, basis.NPRow())
	}
	t := &Transform{basis: basis, comm: comm, n: n}
	t.index = make([]int, basis.LocalSize())
	for ig := range t.index {
		t.index[ig] = t.Index(basis.Miller(ig))
	}
	for d := 0; d < 3; d++ {
		t.fft[d] = fourier.NewCmplxFFT(n[d])
		t.line[d] = make([]complex128, n[d])
	}
	return t, nil
}

// Basis returns the transformed basis.
func (t *Transform) Basis() *Basis { return t.basis }

// Dims returns the grid dimensions.
func (t *Transform) Dims() [3]int { return t.n }

// Len returns the number of grid points.
func (t *Transform) Len() int { return t.n[0] * t.n[1] * t.n[2] }

// Index returns the flat grid index of Miller index h.
func (t *Transform) Index(h [3]int) int {
	i0 := mod(h[0], t.n[0])
	i1 := mod(h[1], t.n[1])
	i2 := mod(h[2], t.n[2])
	return i0 + t.n[0]*(i1+t.n[1]*i2)
}

// Scatter places the local coefficients into a zeroed reciprocal grid and,
// with several rows, sums the grid over the column.
func (t *Transform) Scatter(coeff, g []complex128) error {
	if len(coeff) != len(t.index) || len(g) != t.Len() {
		return fmt.Errorf("%w: scatter of %d coefficients onto %d points", grid.ErrShape, len(coeff), len(g))
	}
	clear(g)
	for ig, c := range coeff {
		g[t.index[ig]] = c
	}
	if t.basis.NPRow() > 1 {
		return grid.SumComplex(t.comm, grid.ScopeCol, g)
	}
	return nil
}

// Gather picks the local coefficients out of a reciprocal grid.
func (t *Transform) Gather(g, coeff []complex128) {
	for ig, idx := range t.index {
		coeff[ig] = g[idx]
	}
}

// Backward computes f(r) = sum_G c(G) exp(iG.r) on the full grid.
func (t *Transform) Backward(coeff, f []complex128) error {
	if err := t.Scatter(coeff, f); err != nil {
		return err
	}
	t.FFT3(f, false)
	return nil
}

// Forward computes c(G) = (1/N) sum_r f(r) exp(-iG.r) for the local plane
// waves. f is overwritten.
func (t *Transform) Forward(f, coeff []complex128) error {
	if len(f) != t.Len() || len(coeff) != len(t.index) {
		return fmt.Errorf("%w: forward of %d points into %d coefficients", grid.ErrShape, len(f), len(coeff))
	}
	t.FFT3(f, true)
	inv := complex(1/float64(t.Len()), 0)
	for ig, idx := range t.index {
		coeff[ig] = f[idx] * inv
	}
	return nil
}

// FFT3 transforms g in place without normalization: with forward the
// exponent sign is negative, otherwise positive.
func (t *Transform) FFT3(g []complex128, forward bool) {
	for d := 0; d < 3; d++ {
		fft := t.fft[d]
		t.SweepLines(g, d, func(line []complex128) {
			if forward {
				fft.Coefficients(line, line)
			} else {
				fft.Sequence(line, line)
			}
		})
	}
}

// SweepLines applies fn to every grid line along direction d. fn receives a
// contiguous copy of the line and may modify it in place.
func (t *Transform) SweepLines(g []complex128, d int, fn func(line []complex128)) {
	n0, n1, n2 := t.n[0], t.n[1], t.n[2]
	line := t.line[d]
	var stride, outer, inner int
	switch d {
	case 0:
		stride, outer, inner = 1, n2, n1
	case 1:
		stride, outer, inner = n0, n2, n0
	default:
		stride, outer, inner = n0*n1, n1, n0
	}
	for a := 0; a < outer; a++ {
		for b := 0; b < inner; b++ {
			var base int
			switch d {
			case 0:
				base = n0 * (b + n1*a)
			case 1:
				base = b + n0*n1*a
			default:
				base = b + n0*a
			}
			for i := range line {
				line[i] = g[base+i*stride]
			}
			fn(line)
			for i := range line {
				g[base+i*stride] = line[i]
			}
		}
	}
}

// NewGrid allocates a cache-aligned grid of the transform's size.
func (t *Transform) NewGrid() []complex128 {
	return core.AlignedComplex(t.Len())
}

func mod(a, n int) int {
	a %= n
	if a < 0 {
		a += n
	}
	return a
}
