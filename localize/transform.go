// Package localize computes localized centers of a set of orbitals and the
// pair test the exchange engine uses to skip pairs of orbitals that cannot
// overlap.
//
// Multiplying an orbital by cos(2 pi x_d) or sin(2 pi x_d), with x_d the
// fractional coordinate along lattice direction d, shifts its plane-wave
// coefficients by one Miller index along d. The six moment matrices
// <i|cos_d|j>, <i|sin_d|j> are jointly diagonalized; the diagonal values of
// orbital i give its center along d as atan2(sin_d, cos_d)/(2 pi) in
// fractional units.
package localize

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/cblas128"

	"github.com/sbl8/exx/grid"
	"github.com/sbl8/exx/kernels"
	"github.com/sbl8/exx/model"
	"github.com/sbl8/exx/planewave"
)

// NumMoments is the number of moment matrices: cos and sin along each
// lattice direction, in the order cos x, sin x, cos y, sin y, cos z, sin z.
const NumMoments = 6

// ErrNoTransform is returned when centers are requested before Compute or
// SetDiagonals.
var ErrNoTransform = errors.New("localize: transform not computed")

// Transform holds the moment matrices of a Slater determinant, the unitary
// transform that jointly diagonalizes them and the resulting diagonals.
type Transform struct {
	sd   *model.SlaterDet
	comm grid.Comm
	ft   *planewave.Transform
	cell planewave.Cell
	nst  int

	a       [NumMoments][]complex128
	u       []complex128
	diag    [NumMoments][]complex128
	sweeps  int
	offDiag float64
	ready   bool

	g, gm   []complex128
	moment  []complex128
	scratch []complex128
}

// New prepares a transform for the orbitals of sd. comm is the process grid
// sd is distributed over.
func New(sd *model.SlaterDet, comm grid.Comm) (*Transform, error) {
	b := sd.Basis()
	var n [3]int
	for d := range n {
		n[d] = planewave.GridSize(b.NP(d))
	}
	ft, err := planewave.NewTransform(b, n, comm)
	if err != nil {
		return nil, fmt.Errorf("localize: %w", err)
	}
	nst := sd.NSt()
	t := &Transform{
		sd:     sd,
		comm:   comm,
		ft:     ft,
		cell:   b.Cell(),
		nst:    nst,
		g:      ft.NewGrid(),
		gm:     ft.NewGrid(),
		moment: make([]complex128, sd.MLoc()),
	}
	for k := range t.a {
		t.a[k] = make([]complex128, nst*nst)
	}
	t.scratch = make([]complex128, max(n[0], n[1], n[2]))
	return t, nil
}

// NSt returns the number of orbitals.
func (t *Transform) NSt() int { return t.nst }

// Sweeps returns the number of Jacobi sweeps of the last Compute.
func (t *Transform) Sweeps() int { return t.sweeps }

// Residual returns the summed squared off-diagonal moments left by the last
// Compute.
func (t *Transform) Residual() float64 { return t.offDiag }

// U returns the unitary transform, row-major.
func (t *Transform) U() []complex128 { return t.u }

// Update builds the six moment matrices from the current orbitals.
func (t *Transform) Update() error {
	t.cell = t.sd.Basis().Cell()
	c, err := t.sd.Gather(t.comm)
	if err != nil {
		return fmt.Errorf("localize: %w", err)
	}
	for k := range t.a {
		clear(t.a[k])
	}
	m := t.sd.MLoc()
	for j := 0; j < t.sd.NStLoc(); j++ {
		jg := t.sd.JGlobal(j)
		if err := t.ft.Scatter(t.sd.State(j), t.g); err != nil {
			return fmt.Errorf("localize: scatter state %d: %w", jg, err)
		}
		for d := 0; d < 3; d++ {
			for k, stencil := range [2]func(dst, src []complex128){cosStencil, sinStencil} {
				copy(t.gm, t.g)
				t.ft.SweepLines(t.gm, d, func(line []complex128) {
					s := t.scratch[:len(line)]
					copy(s, line)
					stencil(line, s)
				})
				t.ft.Gather(t.gm, t.moment)
				a := t.a[2*d+k]
				for i := 0; i < t.nst; i++ {
					a[i*t.nst+jg] = kernels.Dot(c[i*m:(i+1)*m], t.moment)
				}
			}
		}
	}
	// Coefficients cover the full G sphere, so G=0 is counted once and the
	// moments need no rank-one origin correction.
	for k := range t.a {
		if err := grid.SumComplex(t.comm, grid.ScopeAll, t.a[k]); err != nil {
			return fmt.Errorf("localize: reduce moments: %w", err)
		}
	}
	t.ready = false
	return nil
}

// cosStencil sets dst to the coefficients of cos(2 pi x) f along one line:
// dst[i] = (src[i-1] + src[i+1]) / 2, periodic.
func cosStencil(dst, src []complex128) {
	n := len(src)
	for i := range dst {
		dst[i] = 0.5 * (src[(i+n-1)%n] + src[(i+1)%n])
	}
}

// sinStencil sets dst to the coefficients of sin(2 pi x) f along one line:
// dst[i] = (src[i-1] - src[i+1]) / 2i, periodic.
func sinStencil(dst, src []complex128) {
	n := len(src)
	for i := range dst {
		diff := src[(i+n-1)%n] - src[(i+1)%n]
		dst[i] = complex(0.5*imag(diff), -0.5*real(diff))
	}
}

// Moment returns moment matrix k, row-major nst x nst.
func (t *Transform) Moment(k int) []complex128 { return t.a[k] }

// Compute jointly diagonalizes copies of the moment matrices. Reaching the
// sweep limit is not an error; the best transform found is kept.
func (t *Transform) Compute() error {
	work := make([][]complex128, NumMoments)
	for k := range work {
		work[k] = append([]complex128(nil), t.a[k]...)
	}
	d, err := JointDiagonalize(work, t.nst, MaxSweeps, Tolerance)
	if err != nil && !errors.Is(err, ErrNotConverged) {
		return err
	}
	t.u = d.U
	for k := range t.diag {
		t.diag[k] = d.Diag[k]
	}
	t.sweeps = d.Sweeps
	t.offDiag = OffDiagonal(work, t.nst)
	t.ready = true
	return nil
}

// SetDiagonals installs diagonal values directly, bypassing Update and
// Compute. Each slice must hold one value per orbital.
func (t *Transform) SetDiagonals(diag [NumMoments][]complex128) error {
	for k, v := range diag {
		if len(v) != t.nst {
			return fmt.Errorf("localize: diagonal %d has %d values, want %d", k, len(v), t.nst)
		}
	}
	t.diag = diag
	t.ready = true
	return nil
}

// Ready reports whether centers are available.
func (t *Transform) Ready() bool { return t.ready }

// Center returns the center of orbital i in Cartesian coordinates.
func (t *Transform) Center(i int) planewave.Vec3 {
	var frac planewave.Vec3
	for d := 0; d < 3; d++ {
		c := real(t.diag[2*d][i])
		s := real(t.diag[2*d+1][i])
		frac[d] = math.Atan2(s, c) / (2 * math.Pi)
	}
	return t.cell.Cartesian(frac)
}

// Distance returns the distance between the centers of orbitals i and j.
func (t *Transform) Distance(i, j int) float64 {
	return t.Center(i).Sub(t.Center(j)).Norm()
}

// Overlap reports whether orbitals i and j may overlap: their centers are
// within eps, or at least the cell diagonal minus eps apart.
func (t *Transform) Overlap(eps float64, i, j int) bool {
	dist := t.Distance(i, j)
	return dist <= eps || dist >= t.cell.Diagonal()-eps
}

// TotalOverlaps counts the ordered pairs (i, j) that overlap.
func (t *Transform) TotalOverlaps(eps float64) int {
	var sum int
	for i := 0; i < t.nst; i++ {
		for j := 0; j < t.nst; j++ {
			if t.Overlap(eps, i, j) {
				sum++
			}
		}
	}
	return sum
}

// PairFraction returns the fraction of unordered pairs i <= j that overlap,
// self pairs included.
func (t *Transform) PairFraction(eps float64) float64 {
	if t.nst == 0 {
		return 0
	}
	sum := t.nst
	for i := 0; i < t.nst; i++ {
		for j := i + 1; j < t.nst; j++ {
			if t.Overlap(eps, i, j) {
				sum++
			}
		}
	}
	return float64(sum) / float64(t.nst*(t.nst+1)/2)
}

// Spread2Dir returns the squared spread of orbital i along direction d.
func (t *Transform) Spread2Dir(i, d int) float64 {
	c := t.diag[2*d][i]
	s := t.diag[2*d+1][i]
	fac := 1 / t.cell.B(d).Norm()
	return fac * fac * (1 - sqAbs(c) - sqAbs(s))
}

// Spread2 returns the squared spread of orbital i.
func (t *Transform) Spread2(i int) float64 {
	return t.Spread2Dir(i, 0) + t.Spread2Dir(i, 1) + t.Spread2Dir(i, 2)
}

// Spread returns the spread of orbital i.
func (t *Transform) Spread(i int) float64 { return math.Sqrt(t.Spread2(i)) }

// TotalSpread returns the square root of the summed squared spreads.
func (t *Transform) TotalSpread() float64 {
	var sum float64
	for i := 0; i < t.nst; i++ {
		sum += t.Spread2(i)
	}
	return math.Sqrt(sum)
}

// Dipole returns the electronic dipole -sum_i occ_i center_i.
func (t *Transform) Dipole() planewave.Vec3 {
	var sum planewave.Vec3
	for i := 0; i < t.nst; i++ {
		sum = sum.Sub(t.Center(i).Scale(t.sd.Occ(i)))
	}
	return sum
}

// ApplyTransform replaces the orbitals of sd, which must share the layout of
// the transformed determinant, by C U.
func (t *Transform) ApplyTransform(sd *model.SlaterDet) error {
	if t.u == nil {
		return ErrNoTransform
	}
	if sd.NSt() != t.nst || sd.MLoc() != t.sd.MLoc() {
		return fmt.Errorf("localize: transform of %d states applied to %d", t.nst, sd.NSt())
	}
	nloc, m := sd.NStLoc(), sd.MLoc()
	full, err := sd.Gather(t.comm)
	if err != nil {
		return fmt.Errorf("localize: %w", err)
	}
	if nloc == 0 || m == 0 {
		return nil
	}
	// Local state j becomes sum_i U[i][jg] C_i: out = U[:, cols]^T C.
	u := cblas128.General{Rows: t.nst, Cols: nloc, Stride: t.nst, Data: t.u[sd.JGlobal(0):]}
	c := cblas128.General{Rows: t.nst, Cols: m, Stride: m, Data: full}
	out := cblas128.General{Rows: nloc, Cols: m, Stride: m, Data: sd.Coeff()[:nloc*m]}
	cblas128.Gemm(blas.Trans, blas.NoTrans, 1, u, c, 0, out)
	return nil
}

func sqAbs(z complex128) float64 {
	return real(z)*real(z) + imag(z)*imag(z)
}
