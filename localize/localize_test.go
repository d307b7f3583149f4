package localize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sync"
	"testing"

	"github.com/sbl8/exx/grid"
	"github.com/sbl8/exx/model"
	"github.com/sbl8/exx/planewave"
)

const cellLength = 6.0

// rotated returns G D G^H for the 3x3 diagonal D and a product of two plane
// rotations G.
func rotated(d [3]float64) []complex128 {
	const n = 3
	g := identity(n)
	for _, r := range []struct {
		p, q int
		c    float64
		s    complex128
	}{
		{0, 1, math.Cos(0.4), cmplx.Rect(math.Sin(0.4), 0.3)},
		{1, 2, math.Cos(1.1), cmplx.Rect(math.Sin(1.1), -0.7)},
	} {
		rot := identity(n)
		rot[r.p*n+r.p] = complex(r.c, 0)
		rot[r.q*n+r.q] = complex(r.c, 0)
		rot[r.q*n+r.p] = r.s
		rot[r.p*n+r.q] = -cmplx.Conj(r.s)
		g = matmul(g, rot, n)
	}
	out := make([]complex128, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				out[i*n+j] += g[i*n+k] * complex(d[k], 0) * cmplx.Conj(g[j*n+k])
			}
		}
	}
	return out
}

func identity(n int) []complex128 {
	m := make([]complex128, n*n)
	for i := 0; i < n; i++ {
		m[i*n+i] = 1
	}
	return m
}

func matmul(a, b []complex128, n int) []complex128 {
	out := make([]complex128, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				out[i*n+j] += a[i*n+k] * b[k*n+j]
			}
		}
	}
	return out
}

func TestJointDiagonalizeCommuting(t *testing.T) {
	t.Parallel()
	d1 := [3]float64{1, 2, 3}
	d2 := [3]float64{-1, 0.5, 2}
	a := [][]complex128{rotated(d1), rotated(d2)}
	orig := [][]complex128{append([]complex128(nil), a[0]...), append([]complex128(nil), a[1]...)}

	if off := OffDiagonal(a, 3); off < 1e-2 {
		t.Fatalf("test matrices already diagonal: %g", off)
	}
	res, err := JointDiagonalize(a, 3, MaxSweeps, Tolerance)
	if err != nil {
		t.Fatalf("JointDiagonalize failed: %v", err)
	}
	if off := OffDiagonal(a, 3); off > 1e-12 {
		t.Errorf("off-diagonal norm %g after %d sweeps", off, res.Sweeps)
	}

	// U is unitary.
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var s complex128
			for k := 0; k < 3; k++ {
				s += cmplx.Conj(res.U[k*3+i]) * res.U[k*3+j]
			}
			want := complex(0, 0)
			if i == j {
				want = 1
			}
			if cmplx.Abs(s-want) > 1e-12 {
				t.Errorf("(U^H U)[%d][%d] = %v", i, j, s)
			}
		}
	}

	// The diagonals pair up the eigenvalues of both matrices consistently.
	for i := 0; i < 3; i++ {
		x, y := real(res.Diag[0][i]), real(res.Diag[1][i])
		found := false
		for k := range d1 {
			if math.Abs(x-d1[k]) < 1e-10 && math.Abs(y-d2[k]) < 1e-10 {
				found = true
			}
		}
		if !found {
			t.Errorf("diagonal pair (%g,%g) not an eigenvalue pair", x, y)
		}
	}

	// Diag equals U^H A U of the original matrices.
	for k := range orig {
		for i := 0; i < 3; i++ {
			var s complex128
			for p := 0; p < 3; p++ {
				for q := 0; q < 3; q++ {
					s += cmplx.Conj(res.U[p*3+i]) * orig[k][p*3+q] * res.U[q*3+i]
				}
			}
			if cmplx.Abs(s-res.Diag[k][i]) > 1e-10 {
				t.Errorf("matrix %d diag %d: %v vs %v", k, i, s, res.Diag[k][i])
			}
		}
	}
}

func TestJointDiagonalizeDiagonalInput(t *testing.T) {
	t.Parallel()
	a := [][]complex128{{1, 0, 0, 2}, {3, 0, 0, -1}}
	res, err := JointDiagonalize(a, 2, MaxSweeps, Tolerance)
	if err != nil {
		t.Fatalf("JointDiagonalize failed: %v", err)
	}
	if res.Sweeps != 1 {
		t.Errorf("Sweeps = %d, want 1", res.Sweeps)
	}
	for i, u := range identity(2) {
		if res.U[i] != u {
			t.Errorf("U[%d] = %v, want %v", i, res.U[i], u)
		}
	}
	if res.Diag[1][0] != 3 || res.Diag[1][1] != -1 {
		t.Errorf("Diag = %v", res.Diag)
	}
}

func TestJointDiagonalizeErrors(t *testing.T) {
	t.Parallel()
	if _, err := JointDiagonalize([][]complex128{{1, 2, 3}}, 2, MaxSweeps, Tolerance); err == nil {
		t.Error("expected shape error")
	}
	a := [][]complex128{rotated([3]float64{1, 2, 3})}
	res, err := JointDiagonalize(a, 3, 0, Tolerance)
	if !errors.Is(err, ErrNotConverged) {
		t.Errorf("zero sweeps error = %v", err)
	}
	if res == nil || len(res.U) != 9 {
		t.Error("expected best-effort result with non-convergence")
	}
}

func TestStencils(t *testing.T) {
	t.Parallel()
	src := []complex128{1, 2i, 3, 4}
	dst := make([]complex128, 4)
	cosStencil(dst, src)
	want := []complex128{0.5 * (4 + 2i), 0.5 * (1 + 3), 0.5 * (2i + 4), 0.5 * (3 + 1)}
	for i := range want {
		if cmplx.Abs(dst[i]-want[i]) > 1e-15 {
			t.Errorf("cos[%d] = %v, want %v", i, dst[i], want[i])
		}
	}
	sinStencil(dst, src)
	for i := range src {
		n := len(src)
		w := (src[(i+n-1)%n] - src[(i+1)%n]) / 2i
		if cmplx.Abs(dst[i]-w) > 1e-15 {
			t.Errorf("sin[%d] = %v, want %v", i, dst[i], w)
		}
	}
}

func injected(t *testing.T, frac []planewave.Vec3) *Transform {
	t.Helper()
	b, err := planewave.NewBasis(planewave.Cubic(cellLength), 1, planewave.Vec3{}, 1, 0)
	if err != nil {
		t.Fatalf("NewBasis failed: %v", err)
	}
	sd, err := model.NewSlaterDet(b, len(frac), 1, 0, 2)
	if err != nil {
		t.Fatalf("NewSlaterDet failed: %v", err)
	}
	for n := range frac {
		if err := sd.SetOcc(n, 2); err != nil {
			t.Fatal(err)
		}
	}
	tr, err := New(sd, grid.Single(context.Background()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	var diag [NumMoments][]complex128
	for k := range diag {
		diag[k] = make([]complex128, len(frac))
	}
	for i, f := range frac {
		for d := 0; d < 3; d++ {
			s, c := math.Sincos(2 * math.Pi * f[d])
			diag[2*d][i] = complex(0.9*c, 0)
			diag[2*d+1][i] = complex(0.9*s, 0)
		}
	}
	if err := tr.SetDiagonals(diag); err != nil {
		t.Fatalf("SetDiagonals failed: %v", err)
	}
	return tr
}

func TestOverlapSamePoint(t *testing.T) {
	t.Parallel()
	tr := injected(t, []planewave.Vec3{{0.1, 0.2, -0.3}, {0.1, 0.2, -0.3}})
	for _, eps := range []float64{0, 1e-9, 0.5, 3, 100} {
		if !tr.Overlap(eps, 0, 1) {
			t.Errorf("Overlap(%g) = false for coincident centers", eps)
		}
	}
	if tr.Distance(0, 1) > 1e-12 {
		t.Errorf("Distance = %g", tr.Distance(0, 1))
	}
}

func TestOverlapHalfDiagonal(t *testing.T) {
	t.Parallel()
	tr := injected(t, []planewave.Vec3{{}, {0.5, 0.5, 0.5}})
	diag := planewave.Cubic(cellLength).Diagonal()
	if got := tr.Distance(0, 1); math.Abs(got-diag/2) > 1e-9 {
		t.Fatalf("Distance = %g, want %g", got, diag/2)
	}
	tests := []struct {
		eps  float64
		want bool
	}{
		{0, false},
		{0.1 * diag, false},
		{0.49 * diag, false},
		{0.5*diag + 1e-9, true},
		{diag, true},
	}
	for _, tt := range tests {
		if got := tr.Overlap(tt.eps, 0, 1); got != tt.want {
			t.Errorf("Overlap(%g) = %v, want %v", tt.eps, got, tt.want)
		}
	}
}

func TestOverlapDegenerateCell(t *testing.T) {
	t.Parallel()
	tr := injected(t, []planewave.Vec3{{}, {0.3, 0, 0}, {-0.2, 0.4, 0.1}})
	eps := tr.cell.Diagonal() / 2
	if got := tr.TotalOverlaps(eps); got != 9 {
		t.Errorf("TotalOverlaps = %d, want 9", got)
	}
	if got := tr.PairFraction(eps); got != 1 {
		t.Errorf("PairFraction = %g, want 1", got)
	}
}

func TestPairStatistics(t *testing.T) {
	t.Parallel()
	// Two close centers and one far away.
	tr := injected(t, []planewave.Vec3{{0, 0, 0}, {0.05, 0, 0}, {0.25, 0.25, 0}})
	eps := 0.1 * cellLength
	if got := tr.TotalOverlaps(eps); got != 5 {
		t.Errorf("TotalOverlaps = %d, want 5", got)
	}
	if got, want := tr.PairFraction(eps), 4.0/6.0; math.Abs(got-want) > 1e-15 {
		t.Errorf("PairFraction = %g, want %g", got, want)
	}
	dip := tr.Dipole()
	want := planewave.Vec3{-2 * (0.05 + 0.25) * cellLength, -2 * 0.25 * cellLength, 0}
	for d := range dip {
		if math.Abs(dip[d]-want[d]) > 1e-9 {
			t.Errorf("Dipole = %v, want %v", dip, want)
			break
		}
	}
	// |c|^2 + |s|^2 = 0.81 along every direction.
	b := 2 * math.Pi / cellLength
	if got, want := tr.Spread2Dir(0, 1), 0.19/(b*b); math.Abs(got-want) > 1e-12 {
		t.Errorf("Spread2Dir = %g, want %g", got, want)
	}
	if got, want := tr.Spread(0), math.Sqrt(3*0.19/(b*b)); math.Abs(got-want) > 1e-12 {
		t.Errorf("Spread = %g, want %g", got, want)
	}
	if got, want := tr.TotalSpread(), math.Sqrt(9*0.19/(b*b)); math.Abs(got-want) > 1e-12 {
		t.Errorf("TotalSpread = %g, want %g", got, want)
	}
}

var gaussianCenters = []planewave.Vec3{
	{1.5, 1.5, 1.5},
	{-1.5, 0.9, -0.6},
	{0.3, -2.1, 1.8},
	{-2.4, -0.3, 0},
}

func checkCenters(tr *Transform) error {
	for i := 0; i < tr.NSt(); i++ {
		c := tr.Center(i)
		best := math.Inf(1)
		for _, want := range gaussianCenters[:tr.NSt()] {
			best = math.Min(best, c.Sub(want).Norm())
		}
		if best > 1e-3 {
			return fmt.Errorf("center %v of orbital %d matches no Gaussian (%g away)", c, i, best)
		}
	}
	return nil
}

func TestGaussianCenters(t *testing.T) {
	t.Parallel()
	for _, shape := range [][2]int{{1, 1}, {2, 1}, {1, 2}, {2, 2}} {
		var mu sync.Mutex
		var failures []error
		err := grid.Run(context.Background(), shape[0], shape[1], func(ctx context.Context, c grid.Comm) error {
			wf, err := model.NewWavefunction(model.Config{
				Cell:  planewave.Cubic(cellLength),
				Ecut:  12,
				NSpin: 1,
				NSt:   []int{len(gaussianCenters)},
			}, c)
			if err != nil {
				return err
			}
			if err := wf.FillOccupations(8); err != nil {
				return err
			}
			if err := wf.InitGaussians(gaussianCenters, 0.7); err != nil {
				return err
			}
			tr, err := New(wf.SD(0, 0), c)
			if err != nil {
				return err
			}
			if err := tr.Update(); err != nil {
				return err
			}
			if err := tr.Compute(); err != nil {
				return err
			}
			if err := checkCenters(tr); err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
			if f := tr.PairFraction(0.5); math.Abs(f-0.4) > 1e-12 {
				mu.Lock()
				failures = append(failures, fmt.Errorf("pair fraction %g, want 0.4", f))
				mu.Unlock()
			}
			return nil
		})
		if err != nil {
			t.Fatalf("grid %v: %v", shape, err)
		}
		for _, f := range failures {
			t.Errorf("grid %v: %v", shape, f)
		}
	}
}

func TestApplyTransformPreservesCenters(t *testing.T) {
	t.Parallel()
	err := grid.Run(context.Background(), 1, 2, func(ctx context.Context, c grid.Comm) error {
		wf, err := model.NewWavefunction(model.Config{
			Cell:  planewave.Cubic(cellLength),
			Ecut:  12,
			NSpin: 1,
			NSt:   []int{3},
		}, c)
		if err != nil {
			return err
		}
		if err := wf.InitGaussians(gaussianCenters[:3], 0.7); err != nil {
			return err
		}
		sd := wf.SD(0, 0)
		tr, err := New(sd, c)
		if err != nil {
			return err
		}
		if err := tr.ApplyTransform(sd); !errors.Is(err, ErrNoTransform) {
			return errors.New("ApplyTransform before Compute succeeded")
		}
		if err := tr.Update(); err != nil {
			return err
		}
		if err := tr.Compute(); err != nil {
			return err
		}
		if err := tr.ApplyTransform(sd); err != nil {
			return err
		}
		// The rotated orbitals are already localized: a second pass leaves
		// the centers where they were.
		if err := tr.Update(); err != nil {
			return err
		}
		if err := tr.Compute(); err != nil {
			return err
		}
		return checkCenters(tr)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestComputeResidual(t *testing.T) {
	t.Parallel()
	c := grid.Single(context.Background())
	wf, err := model.NewWavefunction(model.Config{
		Cell:  planewave.Cubic(cellLength),
		Ecut:  12,
		NSpin: 1,
		NSt:   []int{3},
	}, c)
	if err != nil {
		t.Fatal(err)
	}
	if err := wf.InitGaussians(gaussianCenters[:3], 0.7); err != nil {
		t.Fatal(err)
	}
	tr, err := New(wf.SD(0, 0), c)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Update(); err != nil {
		t.Fatal(err)
	}
	moments := make([][]complex128, NumMoments)
	for k := range moments {
		moments[k] = tr.Moment(k)
	}
	before := OffDiagonal(moments, 3)
	if err := tr.Compute(); err != nil {
		t.Fatal(err)
	}
	if r := tr.Residual(); r < 0 || r > before {
		t.Errorf("residual %g outside [0, %g]", r, before)
	}
	// Compute works on copies
	if after := OffDiagonal(moments, 3); after != before {
		t.Errorf("moments changed by Compute: off-diagonal %g, was %g", after, before)
	}
}
