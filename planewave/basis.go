package planewave

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/sbl8/exx/core"
)

// ErrInvalidBasis reports unusable basis parameters.
var ErrInvalidBasis = errors.New("planewave: invalid basis")

// Basis is the set of reciprocal lattice vectors G with |k+G|^2/2 <= ecut,
// sorted by |k+G|^2 and then by Miller index, and split into nprow contiguous
// row blocks. A process holds the block of its row.
//
// The Miller set is fixed at construction. Resize recomputes the Cartesian
// quantities for a new cell without changing it.
type Basis struct {
	cell   Cell
	ecut   float64
	kpoint Vec3 // reciprocal-lattice coordinates

	nprow, myrow int
	miller       [][3]int // global, sorted
	lo, hi       int      // local block [lo,hi)
	maxMiller    [3]int

	gx  [3][]float64 // Cartesian components of k+G, local
	g2  []float64
	g2i []float64
}

// NewBasis selects the plane waves of cell within ecut around kpoint and
// keeps the block of row myrow out of nprow.
func NewBasis(cell Cell, ecut float64, kpoint Vec3, nprow, myrow int) (*Basis, error) {
	if err := cell.Validate(); err != nil {
		return nil, err
	}
	if ecut <= 0 || math.IsNaN(ecut) || math.IsInf(ecut, 0) {
		return nil, fmt.Errorf("%w: ecut %g", ErrInvalidBasis, ecut)
	}
	if nprow < 1 || myrow < 0 || myrow >= nprow {
		return nil, fmt.Errorf("%w: row %d of %d", ErrInvalidBasis, myrow, nprow)
	}

	b := &Basis{
		cell:   cell,
		ecut:   ecut,
		kpoint: kpoint,
		nprow:  nprow,
		myrow:  myrow,
	}
	b.selectMiller()
	b.lo, b.hi = core.BalancedRange(len(b.miller), nprow, myrow)
	b.update()
	return b, nil
}

func (b *Basis) selectMiller() {
	gmax2 := 2 * b.ecut
	gmax := math.Sqrt(gmax2)
	// vectors exactly on the cutoff sphere stay in despite rounding
	limit := gmax2 * (1 + 1e-12)
	var bound [3]int
	for d := 0; d < 3; d++ {
		bound[d] = int(math.Ceil(gmax*b.cell.A[d].Norm()/(2*math.Pi)+math.Abs(b.kpoint[d]))) + 1
	}

	type entry struct {
		h   [3]int
		key int64
	}
	var sel []entry
	kc := b.cell.Reciprocal(b.kpoint)
	b0, b1, b2 := b.cell.B(0), b.cell.B(1), b.cell.B(2)
	for h := -bound[0]; h <= bound[0]; h++ {
		for k := -bound[1]; k <= bound[1]; k++ {
			for l := -bound[2]; l <= bound[2]; l++ {
				g := kc.Add(b0.Scale(float64(h))).Add(b1.Scale(float64(k))).Add(b2.Scale(float64(l)))
				g2 := g.Norm2()
				if g2 > limit {
					continue
				}
				// rounded so that symmetry-equivalent vectors tie exactly
				sel = append(sel, entry{h: [3]int{h, k, l}, key: int64(math.Round(g2 * 1e10))})
			}
		}
	}
	slices.SortFunc(sel, func(x, y entry) int {
		if c := cmp.Compare(x.key, y.key); c != 0 {
			return c
		}
		for d := 0; d < 3; d++ {
			if c := cmp.Compare(x.h[d], y.h[d]); c != 0 {
				return c
			}
		}
		return 0
	})

	b.miller = make([][3]int, len(sel))
	b.maxMiller = [3]int{}
	for i, e := range sel {
		b.miller[i] = e.h
		for d := 0; d < 3; d++ {
			if a := abs(e.h[d]); a > b.maxMiller[d] {
				b.maxMiller[d] = a
			}
		}
	}
}

// update recomputes the Cartesian tables of the local block.
func (b *Basis) update() {
	n := b.hi - b.lo
	for d := 0; d < 3; d++ {
		b.gx[d] = make([]float64, n)
	}
	b.g2 = make([]float64, n)
	b.g2i = make([]float64, n)

	kc := b.cell.Reciprocal(b.kpoint)
	b0, b1, b2 := b.cell.B(0), b.cell.B(1), b.cell.B(2)
	for i := 0; i < n; i++ {
		h := b.miller[b.lo+i]
		g := kc.Add(b0.Scale(float64(h[0]))).Add(b1.Scale(float64(h[1]))).Add(b2.Scale(float64(h[2])))
		for d := 0; d < 3; d++ {
			b.gx[d][i] = g[d]
		}
		b.g2[i] = g.Norm2()
		if b.g2[i] > 0 {
			b.g2i[i] = 1 / b.g2[i]
		}
	}
}

// Resize moves the basis to a new cell, keeping the Miller set.
func (b *Basis) Resize(cell Cell) error {
	if err := cell.Validate(); err != nil {
		return err
	}
	b.cell = cell
	b.update()
	return nil
}

// Size returns the number of plane waves across all rows.
func (b *Basis) Size() int { return len(b.miller) }

// LocalSize returns the number of plane waves held by this row.
func (b *Basis) LocalSize() int { return b.hi - b.lo }

// LocalOffset returns the global index of the first local plane wave.
func (b *Basis) LocalOffset() int { return b.lo }

// LocalSizeRow returns the block length of row r.
func (b *Basis) LocalSizeRow(r int) int {
	lo, hi := core.BalancedRange(len(b.miller), b.nprow, r)
	return hi - lo
}

// MaxLocalSize returns the largest block length over all rows.
func (b *Basis) MaxLocalSize() int {
	m := 0
	for r := 0; r < b.nprow; r++ {
		m = max(m, b.LocalSizeRow(r))
	}
	return m
}

// NPRow returns the number of rows the basis is split over.
func (b *Basis) NPRow() int { return b.nprow }

// MyRow returns the row this block belongs to.
func (b *Basis) MyRow() int { return b.myrow }

// Miller returns the Miller index of local plane wave ig.
func (b *Basis) Miller(ig int) [3]int { return b.miller[b.lo+ig] }

// GlobalMiller returns the Miller index of global plane wave ig.
func (b *Basis) GlobalMiller(ig int) [3]int { return b.miller[ig] }

// G returns the Cartesian k+G of local plane wave ig.
func (b *Basis) G(ig int) Vec3 {
	return Vec3{b.gx[0][ig], b.gx[1][ig], b.gx[2][ig]}
}

// GX returns Cartesian component d of k+G over the local block.
func (b *Basis) GX(d int) []float64 { return b.gx[d] }

// G2 returns |k+G|^2 over the local block.
func (b *Basis) G2() []float64 { return b.g2 }

// G2Inv returns 1/|k+G|^2 over the local block, 0 where |k+G| = 0.
func (b *Basis) G2Inv() []float64 { return b.g2i }

// MaxMiller returns the largest |h| along each direction over the global set.
func (b *Basis) MaxMiller() [3]int { return b.maxMiller }

// NP returns the grid extent 2*maxMiller+1 along direction d.
func (b *Basis) NP(d int) int { return 2*b.maxMiller[d] + 1 }

// Cell returns the current cell.
func (b *Basis) Cell() Cell { return b.cell }

// Ecut returns the kinetic energy cutoff.
func (b *Basis) Ecut() float64 { return b.ecut }

// KPoint returns the k-point in reciprocal-lattice coordinates.
func (b *Basis) KPoint() Vec3 { return b.kpoint }

// Origin returns the local index of G=0, or -1 if this block does not hold it.
func (b *Basis) Origin() int {
	for i := b.lo; i < b.hi; i++ {
		if b.miller[i] == [3]int{} {
			return i - b.lo
		}
	}
	return -1
}

// GridSize raises np by 2 and then in steps of 2 until it factorizes over
// 2, 3 and 5.
func GridSize(np int) int {
	return core.NextFactorizable(np+2, 2)
}

// GridDims returns FFT dimensions large enough for products of orbitals in
// any of the wave-function bases to be represented on the pair-density basis
// without aliasing.
func GridDims(density *Basis, wavefunctions ...*Basis) [3]int {
	var n [3]int
	for d := 0; d < 3; d++ {
		np := density.NP(d)
		for _, wb := range wavefunctions {
			np = max(np, 2*wb.NP(d))
		}
		n[d] = GridSize(np)
	}
	return n
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
