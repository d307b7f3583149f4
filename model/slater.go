// Package model defines the orbital containers the exchange engine works on.
//
// This package provides the Slater determinant of one spin and k-point,
// holding the coefficients of its orbitals in a plane-wave basis, and the
// Wavefunction grouping the determinants of every spin and k-point of a
// calculation.
//
// Key data structures:
//   - SlaterDet: occupations and a block of orbital coefficients, distributed
//     over the process grid with plane waves split across rows and states
//     split across columns in blocks of nb = ceil(nst/npcol)
//   - Wavefunction: cell, cutoff, spins and weighted k-points, with one
//     SlaterDet per (spin, k-point)
//
// Coefficients are stored state-major: local state j occupies
// Coeff()[j*MLoc() : (j+1)*MLoc()].
package model

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"github.com/sbl8/exx/core"
	"github.com/sbl8/exx/grid"
	"github.com/sbl8/exx/kernels"
	"github.com/sbl8/exx/planewave"
)

// ErrInvalidState reports inconsistent orbital container parameters.
var ErrInvalidState = errors.New("model: invalid state")

// SlaterDet holds the orbitals of one spin and k-point.
type SlaterDet struct {
	basis  *planewave.Basis
	nst    int
	nb     int
	npcol  int
	mycol  int
	maxOcc float64
	occ    []float64 // global
	c      []complex128
}

// NewSlaterDet allocates nst orbitals over basis, keeping the states of
// column mycol out of npcol.
func NewSlaterDet(basis *planewave.Basis, nst, npcol, mycol int, maxOcc float64) (*SlaterDet, error) {
	if nst < 0 {
		return nil, fmt.Errorf("%w: %d states", ErrInvalidState, nst)
	}
	if npcol < 1 || mycol < 0 || mycol >= npcol {
		return nil, fmt.Errorf("%w: column %d of %d", ErrInvalidState, mycol, npcol)
	}
	if maxOcc <= 0 {
		return nil, fmt.Errorf("%w: max occupancy %g", ErrInvalidState, maxOcc)
	}
	sd := &SlaterDet{
		basis:  basis,
		nst:    nst,
		nb:     core.BlockSize(nst, npcol),
		npcol:  npcol,
		mycol:  mycol,
		maxOcc: maxOcc,
		occ:    make([]float64, nst),
	}
	sd.c = core.AlignedComplex(basis.LocalSize() * sd.NStLoc())
	return sd, nil
}

// Basis returns the plane-wave basis.
func (sd *SlaterDet) Basis() *planewave.Basis { return sd.basis }

// NSt returns the global number of states.
func (sd *SlaterDet) NSt() int { return sd.nst }

// NB returns the state block size.
func (sd *SlaterDet) NB() int { return sd.nb }

// NStLoc returns the number of states held by this column.
func (sd *SlaterDet) NStLoc() int { return sd.NStLocCol(sd.mycol) }

// NStLocCol returns the number of states held by column col.
func (sd *SlaterDet) NStLocCol(col int) int {
	lo, hi := core.BlockRange(sd.nst, sd.npcol, col)
	return hi - lo
}

// MaxNStLoc returns the largest local state count over all columns.
func (sd *SlaterDet) MaxNStLoc() int {
	m := 0
	for col := 0; col < sd.npcol; col++ {
		m = max(m, sd.NStLocCol(col))
	}
	return m
}

// MLoc returns the number of local plane waves.
func (sd *SlaterDet) MLoc() int { return sd.basis.LocalSize() }

// JGlobal returns the global index of local state j.
func (sd *SlaterDet) JGlobal(j int) int { return sd.JGlobalCol(sd.mycol, j) }

// JGlobalCol returns the global index of state j held by column col.
func (sd *SlaterDet) JGlobalCol(col, j int) int { return col*sd.nb + j }

// Owner returns the column and local index holding global state n.
func (sd *SlaterDet) Owner(n int) (col, j int) { return n / sd.nb, n % sd.nb }

// MaxOccupancy returns the largest allowed occupation.
func (sd *SlaterDet) MaxOccupancy() float64 { return sd.maxOcc }

// Occ returns the occupation of global state n.
func (sd *SlaterDet) Occ(n int) float64 { return sd.occ[n] }

// Occupations returns the global occupations. The slice is shared.
func (sd *SlaterDet) Occupations() []float64 { return sd.occ }

// SetOcc sets the occupation of global state n.
func (sd *SlaterDet) SetOcc(n int, v float64) error {
	if n < 0 || n >= sd.nst {
		return fmt.Errorf("%w: state %d of %d", ErrInvalidState, n, sd.nst)
	}
	if v < 0 || v > sd.maxOcc || math.IsNaN(v) {
		return fmt.Errorf("%w: occupation %g outside [0,%g]", ErrInvalidState, v, sd.maxOcc)
	}
	sd.occ[n] = v
	return nil
}

// FillOccupations places nel electrons into the lowest states, each holding
// at most MaxOccupancy.
func (sd *SlaterDet) FillOccupations(nel float64) error {
	if nel < 0 || nel > sd.maxOcc*float64(sd.nst) {
		return fmt.Errorf("%w: %g electrons in %d states", ErrInvalidState, nel, sd.nst)
	}
	for n := range sd.occ {
		sd.occ[n] = math.Min(sd.maxOcc, nel)
		nel -= sd.occ[n]
	}
	return nil
}

// NumElectrons returns the sum of occupations.
func (sd *SlaterDet) NumElectrons() float64 {
	var sum float64
	for _, o := range sd.occ {
		sum += o
	}
	return sum
}

// State returns the coefficients of local state j.
func (sd *SlaterDet) State(j int) []complex128 {
	m := sd.MLoc()
	return sd.c[j*m : (j+1)*m]
}

// Coeff returns the local coefficient block.
func (sd *SlaterDet) Coeff() []complex128 { return sd.c }

// Clear zeroes the coefficients.
func (sd *SlaterDet) Clear() { clear(sd.c) }

// CopyFrom copies coefficients and occupations of a determinant with the
// same layout.
func (sd *SlaterDet) CopyFrom(o *SlaterDet) error {
	if len(o.c) != len(sd.c) || o.nst != sd.nst {
		return fmt.Errorf("%w: copy between %d and %d coefficients", ErrInvalidState, len(o.c), len(sd.c))
	}
	copy(sd.c, o.c)
	copy(sd.occ, o.occ)
	return nil
}

// Clone returns a deep copy sharing the basis.
func (sd *SlaterDet) Clone() *SlaterDet {
	out := *sd
	out.occ = append([]float64(nil), sd.occ...)
	out.c = core.AlignedComplex(len(sd.c))
	copy(out.c, sd.c)
	return &out
}

// Gather assembles the local rows of every state into an MLoc x NSt
// state-major block by summing zero-padded blocks over the process row.
func (sd *SlaterDet) Gather(comm grid.Comm) ([]complex128, error) {
	m := sd.MLoc()
	full := make([]complex128, m*sd.nst)
	if sd.NStLoc() > 0 {
		copy(full[sd.JGlobal(0)*m:], sd.c)
	}
	if sd.npcol > 1 {
		if err := grid.SumComplex(comm, grid.ScopeRow, full); err != nil {
			return nil, fmt.Errorf("gather states: %w", err)
		}
	}
	return full, nil
}

// Norm2 returns the squared norm of local state j over all rows.
func (sd *SlaterDet) Norm2(comm grid.Comm, j int) (float64, error) {
	s := sd.State(j)
	v := []float64{kernels.Norm2(s)}
	if sd.basis.NPRow() > 1 {
		if err := comm.Sum(grid.ScopeCol, v); err != nil {
			return 0, err
		}
	}
	return v[0], nil
}

// Normalize scales every local state to unit norm.
func (sd *SlaterDet) Normalize(comm grid.Comm) error {
	nloc := sd.NStLoc()
	norms := make([]float64, nloc)
	for j := range norms {
		norms[j] = kernels.Norm2(sd.State(j))
	}
	if sd.basis.NPRow() > 1 {
		if err := comm.Sum(grid.ScopeCol, norms); err != nil {
			return fmt.Errorf("normalize states: %w", err)
		}
	}
	for j, n2 := range norms {
		if n2 == 0 {
			return fmt.Errorf("%w: state %d has zero norm", ErrInvalidState, sd.JGlobal(j))
		}
		f := complex(1/math.Sqrt(n2), 0)
		s := sd.State(j)
		for i := range s {
			s[i] *= f
		}
	}
	return nil
}

// InitPlaneWaves sets global state n to the n-th plane wave of the basis.
func (sd *SlaterDet) InitPlaneWaves() error {
	if sd.nst > sd.basis.Size() {
		return fmt.Errorf("%w: %d states exceed %d plane waves", ErrInvalidState, sd.nst, sd.basis.Size())
	}
	sd.Clear()
	off := sd.basis.LocalOffset()
	for j := 0; j < sd.NStLoc(); j++ {
		n := sd.JGlobal(j)
		if n >= off && n < off+sd.MLoc() {
			sd.State(j)[n-off] = 1
		}
	}
	return nil
}

// InitGaussians sets global state n to a Gaussian of the given width
// centered at centers[n%len(centers)], then normalizes.
func (sd *SlaterDet) InitGaussians(comm grid.Comm, centers []planewave.Vec3, width float64) error {
	if len(centers) == 0 || width <= 0 {
		return fmt.Errorf("%w: %d centers, width %g", ErrInvalidState, len(centers), width)
	}
	w2 := width * width
	for j := 0; j < sd.NStLoc(); j++ {
		r := centers[sd.JGlobal(j)%len(centers)]
		s := sd.State(j)
		for ig := range s {
			g := sd.basis.G(ig)
			s[ig] = complex(math.Exp(-0.25*g.Norm2()*w2), 0) * cmplx.Exp(complex(0, -g.Dot(r)))
		}
	}
	return sd.Normalize(comm)
}
