package planewave

import (
	"errors"
	"fmt"
	"math"
)

// ErrDegenerateCell reports lattice vectors spanning no volume.
var ErrDegenerateCell = errors.New("planewave: degenerate cell")

// Cell is a periodic simulation cell given by its lattice vectors.
type Cell struct {
	A [3]Vec3
}

// NewCell builds a cell from three lattice vectors. The vectors must form a
// right-handed set with positive volume.
func NewCell(a0, a1, a2 Vec3) (Cell, error) {
	c := Cell{A: [3]Vec3{a0, a1, a2}}
	if err := c.Validate(); err != nil {
		return Cell{}, err
	}
	return c, nil
}

// Cubic returns a simple cubic cell of side l.
func Cubic(l float64) Cell {
	return Cell{A: [3]Vec3{{l, 0, 0}, {0, l, 0}, {0, 0, l}}}
}

// Orthorhombic returns a rectangular cell with sides x, y, z.
func Orthorhombic(x, y, z float64) Cell {
	return Cell{A: [3]Vec3{{x, 0, 0}, {0, y, 0}, {0, 0, z}}}
}

// Validate checks that the cell has a finite positive volume.
func (c Cell) Validate() error {
	v := c.Volume()
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return fmt.Errorf("%w: volume %g", ErrDegenerateCell, v)
	}
	return nil
}

// Volume returns a0 . (a1 x a2).
func (c Cell) Volume() float64 {
	return c.A[0].Dot(c.A[1].Cross(c.A[2]))
}

// B returns reciprocal lattice vector i, with a_i . b_j = 2 pi delta_ij.
func (c Cell) B(i int) Vec3 {
	f := 2 * math.Pi / c.Volume()
	j, k := (i+1)%3, (i+2)%3
	return c.A[j].Cross(c.A[k]).Scale(f)
}

// Diagonal returns sqrt(|a0|^2 + |a1|^2 + |a2|^2).
func (c Cell) Diagonal() float64 {
	return math.Sqrt(c.A[0].Norm2() + c.A[1].Norm2() + c.A[2].Norm2())
}

// Cartesian maps fractional coordinates to a Cartesian position.
func (c Cell) Cartesian(frac Vec3) Vec3 {
	return c.A[0].Scale(frac[0]).Add(c.A[1].Scale(frac[1])).Add(c.A[2].Scale(frac[2]))
}

// Reciprocal maps reciprocal-lattice coordinates to a Cartesian wavevector.
func (c Cell) Reciprocal(k Vec3) Vec3 {
	return c.B(0).Scale(k[0]).Add(c.B(1).Scale(k[1])).Add(c.B(2).Scale(k[2]))
}

// Scaled returns the cell with every lattice vector multiplied by s.
func (c Cell) Scaled(s float64) Cell {
	return Cell{A: [3]Vec3{c.A[0].Scale(s), c.A[1].Scale(s), c.A[2].Scale(s)}}
}
