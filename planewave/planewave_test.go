package planewave

import (
	"context"
	"errors"
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/sbl8/exx/grid"
)

const floatTolerance = 1e-10

func floatsEqual(a, b float64) bool {
	return math.Abs(a-b) <= floatTolerance*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

func TestVec3(t *testing.T) {
	t.Parallel()
	x := Vec3{1, 0, 0}
	y := Vec3{0, 1, 0}
	if x.Cross(y) != (Vec3{0, 0, 1}) {
		t.Errorf("x cross y = %v", x.Cross(y))
	}
	v := Vec3{3, 4, 0}
	if v.Norm() != 5 || v.Norm2() != 25 {
		t.Errorf("norm of %v = %g", v, v.Norm())
	}
	if v.Sub(x).Add(x) != v || v.Scale(2) != (Vec3{6, 8, 0}) {
		t.Error("vector arithmetic mismatch")
	}
}

func TestCell(t *testing.T) {
	t.Parallel()
	c, err := NewCell(Vec3{4, 0, 0}, Vec3{1, 5, 0}, Vec3{0, 1, 6})
	if err != nil {
		t.Fatalf("NewCell failed: %v", err)
	}
	if !floatsEqual(c.Volume(), 120) {
		t.Errorf("Volume() = %g, want 120", c.Volume())
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 2 * math.Pi
			}
			if got := c.A[i].Dot(c.B(j)); !floatsEqual(got, want) {
				t.Errorf("a%d . b%d = %g, want %g", i, j, got, want)
			}
		}
	}

	cube := Cubic(2)
	if !floatsEqual(cube.Diagonal(), 2*math.Sqrt(3)) {
		t.Errorf("Diagonal() = %g", cube.Diagonal())
	}
	if p := cube.Cartesian(Vec3{0.5, 0.25, 1}); p != (Vec3{1, 0.5, 2}) {
		t.Errorf("Cartesian = %v", p)
	}

	tests := []struct {
		name string
		a    [3]Vec3
	}{
		{"coplanar", [3]Vec3{{1, 0, 0}, {0, 1, 0}, {1, 1, 0}}},
		{"left handed", [3]Vec3{{0, 1, 0}, {1, 0, 0}, {0, 0, 1}}},
	}
	for _, tt := range tests {
		if _, err := NewCell(tt.a[0], tt.a[1], tt.a[2]); !errors.Is(err, ErrDegenerateCell) {
			t.Errorf("%s: error = %v, want ErrDegenerateCell", tt.name, err)
		}
	}
}

func TestBasisSelection(t *testing.T) {
	t.Parallel()
	// With L = 2 pi the reciprocal vectors have unit length.
	b, err := NewBasis(Cubic(2*math.Pi), 0.5, Vec3{}, 1, 0)
	if err != nil {
		t.Fatalf("NewBasis failed: %v", err)
	}
	if b.Size() != 7 || b.LocalSize() != 7 {
		t.Fatalf("Size() = %d, want 7", b.Size())
	}
	if b.Miller(0) != [3]int{} || b.Origin() != 0 {
		t.Errorf("first plane wave %v, origin %d", b.Miller(0), b.Origin())
	}
	if b.G2()[0] != 0 || b.G2Inv()[0] != 0 {
		t.Errorf("G=0 entries: g2 %g g2inv %g", b.G2()[0], b.G2Inv()[0])
	}
	for ig := 1; ig < 7; ig++ {
		if !floatsEqual(b.G2()[ig], 1) || !floatsEqual(b.G2Inv()[ig], 1) {
			t.Errorf("g2[%d] = %g", ig, b.G2()[ig])
		}
	}
	if b.MaxMiller() != [3]int{1, 1, 1} || b.NP(0) != 3 {
		t.Errorf("MaxMiller() = %v NP(0) = %d", b.MaxMiller(), b.NP(0))
	}

	// Sorted by |G|^2, then by Miller index.
	if b.Miller(1) != [3]int{-1, 0, 0} || b.Miller(6) != [3]int{1, 0, 0} {
		t.Errorf("order: %v ... %v", b.Miller(1), b.Miller(6))
	}
}

func TestBasisRows(t *testing.T) {
	t.Parallel()
	full, _ := NewBasis(Cubic(2*math.Pi), 2, Vec3{}, 1, 0)
	total := 0
	for row := 0; row < 3; row++ {
		b, err := NewBasis(Cubic(2*math.Pi), 2, Vec3{}, 3, row)
		if err != nil {
			t.Fatalf("NewBasis row %d failed: %v", row, err)
		}
		if b.LocalOffset() != total {
			t.Errorf("row %d offset %d, want %d", row, b.LocalOffset(), total)
		}
		for ig := 0; ig < b.LocalSize(); ig++ {
			if b.Miller(ig) != full.Miller(total+ig) {
				t.Fatalf("row %d plane wave %d differs from the global list", row, ig)
			}
		}
		if (b.Origin() >= 0) != (row == 0) {
			t.Errorf("row %d origin %d", row, b.Origin())
		}
		if b.LocalSize() > b.MaxLocalSize() {
			t.Errorf("row %d exceeds MaxLocalSize", row)
		}
		total += b.LocalSize()
	}
	if total != full.Size() {
		t.Errorf("rows cover %d plane waves, want %d", total, full.Size())
	}

	if _, err := NewBasis(Cubic(1), 2, Vec3{}, 2, 2); !errors.Is(err, ErrInvalidBasis) {
		t.Errorf("row out of range error = %v", err)
	}
	if _, err := NewBasis(Cubic(1), 0, Vec3{}, 1, 0); !errors.Is(err, ErrInvalidBasis) {
		t.Errorf("zero ecut error = %v", err)
	}
}

func TestBasisKPoint(t *testing.T) {
	t.Parallel()
	k := Vec3{0.5, 0, 0}
	b, err := NewBasis(Cubic(2*math.Pi), 0.5, k, 1, 0)
	if err != nil {
		t.Fatalf("NewBasis failed: %v", err)
	}
	for ig := 0; ig < b.LocalSize(); ig++ {
		h := b.Miller(ig)
		g := b.G(ig)
		if !floatsEqual(g[0], float64(h[0])+0.5) {
			t.Errorf("k+G x component %g for h=%v", g[0], h)
		}
		if b.G2()[ig] > 1+1e-9 {
			t.Errorf("plane wave %v beyond cutoff", h)
		}
	}
	// |0.5+h|^2 + k^2 + l^2 <= 1 admits h = -1 and h = 0 with k = l = 0.
	if b.Size() != 2 {
		t.Errorf("Size() = %d, want 2", b.Size())
	}
	for ig, g2 := range b.G2() {
		if g2 == 0 || b.G2Inv()[ig] != 1/g2 {
			t.Errorf("plane wave %v: g2 %g g2inv %g", b.Miller(ig), g2, b.G2Inv()[ig])
		}
	}
}

func TestBasisResize(t *testing.T) {
	t.Parallel()
	b, _ := NewBasis(Cubic(2*math.Pi), 2, Vec3{}, 1, 0)
	before := make([]float64, b.LocalSize())
	copy(before, b.G2())
	n := b.Size()

	if err := b.Resize(Cubic(4 * math.Pi)); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	if b.Size() != n {
		t.Errorf("Resize changed the Miller set: %d -> %d", n, b.Size())
	}
	for ig, g2 := range b.G2() {
		if !floatsEqual(g2, before[ig]/4) {
			t.Fatalf("g2[%d] = %g, want %g", ig, g2, before[ig]/4)
		}
	}
	if err := b.Resize(Cell{}); !errors.Is(err, ErrDegenerateCell) {
		t.Errorf("Resize to empty cell error = %v", err)
	}
}

func TestGridSize(t *testing.T) {
	t.Parallel()
	tests := []struct{ np, want int }{
		{3, 5},
		{7, 9},
		{11, 15},
		{13, 15},
		{14, 16},
	}
	for _, tt := range tests {
		if got := GridSize(tt.np); got != tt.want {
			t.Errorf("GridSize(%d) = %d, want %d", tt.np, got, tt.want)
		}
	}

	wf, _ := NewBasis(Cubic(2*math.Pi), 2, Vec3{}, 1, 0)
	dens, _ := NewBasis(Cubic(2*math.Pi), 8, Vec3{}, 1, 0)
	n := GridDims(dens, wf)
	for d := 0; d < 3; d++ {
		if n[d] <= 4*wf.MaxMiller()[d] || n[d] < dens.NP(d) {
			t.Errorf("grid %v aliases products of extent %d", n, wf.MaxMiller()[d])
		}
	}
}

func newTestTransform(t *testing.T, ecut float64) *Transform {
	t.Helper()
	b, err := NewBasis(Cubic(2*math.Pi), ecut, Vec3{}, 1, 0)
	if err != nil {
		t.Fatalf("NewBasis failed: %v", err)
	}
	tr, err := NewTransform(b, [3]int{GridSize(b.NP(0)), GridSize(b.NP(1)), GridSize(b.NP(2))}, nil)
	if err != nil {
		t.Fatalf("NewTransform failed: %v", err)
	}
	return tr
}

func TestBackwardPlaneWave(t *testing.T) {
	t.Parallel()
	tr := newTestTransform(t, 0.5)
	b := tr.Basis()
	coeff := make([]complex128, b.LocalSize())
	target := -1
	for ig := 0; ig < b.LocalSize(); ig++ {
		if b.Miller(ig) == [3]int{0, 1, 0} {
			target = ig
		}
	}
	coeff[target] = 1

	f := tr.NewGrid()
	if err := tr.Backward(coeff, f); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	n := tr.Dims()
	for i2 := 0; i2 < n[2]; i2++ {
		for i1 := 0; i1 < n[1]; i1++ {
			for i0 := 0; i0 < n[0]; i0++ {
				want := cmplx.Exp(complex(0, 2*math.Pi*float64(i1)/float64(n[1])))
				got := f[i0+n[0]*(i1+n[1]*i2)]
				if cmplx.Abs(got-want) > floatTolerance {
					t.Fatalf("f(%d,%d,%d) = %v, want %v", i0, i1, i2, got, want)
				}
			}
		}
	}
}

func TestRoundTripAndParseval(t *testing.T) {
	t.Parallel()
	tr := newTestTransform(t, 4)
	rng := rand.New(rand.NewSource(7))
	coeff := make([]complex128, tr.Basis().LocalSize())
	var norm float64
	for i := range coeff {
		coeff[i] = complex(rng.NormFloat64(), rng.NormFloat64())
		norm += real(coeff[i])*real(coeff[i]) + imag(coeff[i])*imag(coeff[i])
	}

	f := tr.NewGrid()
	if err := tr.Backward(coeff, f); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	var gridNorm float64
	for _, v := range f {
		gridNorm += real(v)*real(v) + imag(v)*imag(v)
	}
	if !floatsEqual(gridNorm/float64(tr.Len()), norm) {
		t.Errorf("Parseval: grid %g, coefficients %g", gridNorm/float64(tr.Len()), norm)
	}

	back := make([]complex128, len(coeff))
	if err := tr.Forward(f, back); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	for i := range coeff {
		if cmplx.Abs(back[i]-coeff[i]) > 1e-9 {
			t.Fatalf("round trip coefficient %d: %v, want %v", i, back[i], coeff[i])
		}
	}
}

func TestTransformShapeErrors(t *testing.T) {
	t.Parallel()
	tr := newTestTransform(t, 0.5)
	if err := tr.Backward(make([]complex128, 1), tr.NewGrid()); !errors.Is(err, grid.ErrShape) {
		t.Errorf("Backward error = %v, want ErrShape", err)
	}
	if err := tr.Forward(make([]complex128, 3), make([]complex128, 7)); !errors.Is(err, grid.ErrShape) {
		t.Errorf("Forward error = %v, want ErrShape", err)
	}
	if _, err := NewTransform(tr.Basis(), [3]int{2, 2, 2}, nil); !errors.Is(err, ErrInvalidBasis) {
		t.Errorf("small grid error = %v", err)
	}
	split, _ := NewBasis(Cubic(1), 2, Vec3{}, 2, 0)
	if _, err := NewTransform(split, [3]int{30, 30, 30}, nil); !errors.Is(err, ErrInvalidBasis) {
		t.Errorf("missing comm error = %v", err)
	}
}

func TestSweepLines(t *testing.T) {
	t.Parallel()
	tr := newTestTransform(t, 0.5)
	n := tr.Dims()
	g := tr.NewGrid()
	for i := range g {
		g[i] = complex(float64(i), 0)
	}
	for d := 0; d < 3; d++ {
		lines := 0
		tr.SweepLines(g, d, func(line []complex128) {
			lines++
			if len(line) != n[d] {
				t.Fatalf("line length %d along %d", len(line), d)
			}
		})
		if lines != tr.Len()/n[d] {
			t.Errorf("direction %d: %d lines, want %d", d, lines, tr.Len()/n[d])
		}
	}

	// Shifting every line along direction 1 moves each point by n0.
	tr.SweepLines(g, 1, func(line []complex128) {
		first := line[0]
		copy(line, line[1:])
		line[len(line)-1] = first
	})
	if g[0] != complex(float64(n[0]), 0) {
		t.Errorf("g[0] after shift = %v, want %d", g[0], n[0])
	}
}

func TestDistributedTransform(t *testing.T) {
	t.Parallel()
	cell := Cubic(2 * math.Pi)
	const ecut = 3
	ref := newTestTransform(t, ecut)
	rng := rand.New(rand.NewSource(11))
	global := make([]complex128, ref.Basis().Size())
	for i := range global {
		global[i] = complex(rng.NormFloat64(), rng.NormFloat64())
	}
	want := ref.NewGrid()
	if err := ref.Backward(global, want); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	err := grid.Run(context.Background(), 2, 1, func(ctx context.Context, c grid.Comm) error {
		b, err := NewBasis(cell, ecut, Vec3{}, c.NPRow(), c.MyRow())
		if err != nil {
			return err
		}
		tr, err := NewTransform(b, ref.Dims(), c)
		if err != nil {
			return err
		}
		local := global[b.LocalOffset() : b.LocalOffset()+b.LocalSize()]
		f := tr.NewGrid()
		if err := tr.Backward(local, f); err != nil {
			return err
		}
		for i := range f {
			if cmplx.Abs(f[i]-want[i]) > 1e-9 {
				return errors.New("distributed backward differs from single row")
			}
		}
		back := make([]complex128, b.LocalSize())
		if err := tr.Forward(f, back); err != nil {
			return err
		}
		for i := range back {
			if cmplx.Abs(back[i]-local[i]) > 1e-9 {
				return errors.New("distributed forward lost local coefficients")
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("distributed transform: %v", err)
	}
}

func BenchmarkFFT3(b *testing.B) {
	basis, _ := NewBasis(Cubic(2*math.Pi), 30, Vec3{}, 1, 0)
	n := [3]int{GridSize(basis.NP(0)), GridSize(basis.NP(1)), GridSize(basis.NP(2))}
	tr, _ := NewTransform(basis, n, nil)
	g := tr.NewGrid()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tr.FFT3(g, i%2 == 0)
	}
}
