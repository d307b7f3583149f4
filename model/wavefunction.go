package model

import (
	"fmt"
	"math"

	"github.com/sbl8/exx/grid"
	"github.com/sbl8/exx/planewave"
)

// Config describes the orbitals of a calculation.
type Config struct {
	Cell    planewave.Cell
	Ecut    float64
	NSpin   int
	NSt     []int            // states per spin
	KPoints []planewave.Vec3 // reciprocal-lattice coordinates
	Weights []float64        // normalized to sum 1 on construction
}

// Wavefunction groups one SlaterDet per (spin, k-point).
type Wavefunction struct {
	cfg  Config
	comm grid.Comm
	sd   [][]*SlaterDet // [spin][kpoint]
}

// NewWavefunction allocates the determinants of cfg distributed over comm.
func NewWavefunction(cfg Config, comm grid.Comm) (*Wavefunction, error) {
	if cfg.NSpin != 1 && cfg.NSpin != 2 {
		return nil, fmt.Errorf("%w: nspin %d", ErrInvalidState, cfg.NSpin)
	}
	if len(cfg.NSt) != cfg.NSpin {
		return nil, fmt.Errorf("%w: %d state counts for %d spins", ErrInvalidState, len(cfg.NSt), cfg.NSpin)
	}
	if len(cfg.KPoints) == 0 {
		cfg.KPoints = []planewave.Vec3{{}}
	}
	if len(cfg.Weights) == 0 {
		cfg.Weights = make([]float64, len(cfg.KPoints))
		for i := range cfg.Weights {
			cfg.Weights[i] = 1
		}
	}
	if len(cfg.Weights) != len(cfg.KPoints) {
		return nil, fmt.Errorf("%w: %d weights for %d k-points", ErrInvalidState, len(cfg.Weights), len(cfg.KPoints))
	}
	var wsum float64
	for _, w := range cfg.Weights {
		if w <= 0 || math.IsNaN(w) {
			return nil, fmt.Errorf("%w: k-point weight %g", ErrInvalidState, w)
		}
		wsum += w
	}
	weights := make([]float64, len(cfg.Weights))
	for i, w := range cfg.Weights {
		weights[i] = w / wsum
	}
	cfg.Weights = weights
	cfg.KPoints = append([]planewave.Vec3(nil), cfg.KPoints...)
	cfg.NSt = append([]int(nil), cfg.NSt...)

	wf := &Wavefunction{cfg: cfg, comm: comm}
	maxOcc := wf.MaxOccupancy()
	wf.sd = make([][]*SlaterDet, cfg.NSpin)
	for ispin := range wf.sd {
		wf.sd[ispin] = make([]*SlaterDet, len(cfg.KPoints))
		for ikp, k := range cfg.KPoints {
			basis, err := planewave.NewBasis(cfg.Cell, cfg.Ecut, k, comm.NPRow(), comm.MyRow())
			if err != nil {
				return nil, err
			}
			sd, err := NewSlaterDet(basis, cfg.NSt[ispin], comm.NPCol(), comm.MyCol(), maxOcc)
			if err != nil {
				return nil, err
			}
			wf.sd[ispin][ikp] = sd
		}
	}
	return wf, nil
}

// Comm returns the process grid the orbitals are distributed over.
func (wf *Wavefunction) Comm() grid.Comm { return wf.comm }

// Cell returns the current cell.
func (wf *Wavefunction) Cell() planewave.Cell { return wf.cfg.Cell }

// Ecut returns the plane-wave cutoff.
func (wf *Wavefunction) Ecut() float64 { return wf.cfg.Ecut }

// NSpin returns the number of spins.
func (wf *Wavefunction) NSpin() int { return wf.cfg.NSpin }

// NKp returns the number of k-points.
func (wf *Wavefunction) NKp() int { return len(wf.cfg.KPoints) }

// KPoint returns k-point ikp in reciprocal-lattice coordinates.
func (wf *Wavefunction) KPoint(ikp int) planewave.Vec3 { return wf.cfg.KPoints[ikp] }

// Weight returns the normalized weight of k-point ikp.
func (wf *Wavefunction) Weight(ikp int) float64 { return wf.cfg.Weights[ikp] }

// NSt returns the number of states of spin ispin.
func (wf *Wavefunction) NSt(ispin int) int { return wf.cfg.NSt[ispin] }

// SD returns the determinant of spin ispin at k-point ikp.
func (wf *Wavefunction) SD(ispin, ikp int) *SlaterDet { return wf.sd[ispin][ikp] }

// MaxOccupancy is 2 without spin polarization and 1 with it.
func (wf *Wavefunction) MaxOccupancy() float64 {
	if wf.cfg.NSpin == 1 {
		return 2
	}
	return 1
}

// Clone returns a deep copy sharing bases and communicator.
func (wf *Wavefunction) Clone() *Wavefunction {
	out := &Wavefunction{cfg: wf.cfg, comm: wf.comm}
	out.sd = make([][]*SlaterDet, len(wf.sd))
	for ispin := range wf.sd {
		out.sd[ispin] = make([]*SlaterDet, len(wf.sd[ispin]))
		for ikp, sd := range wf.sd[ispin] {
			out.sd[ispin][ikp] = sd.Clone()
		}
	}
	return out
}

// Clear zeroes every coefficient.
func (wf *Wavefunction) Clear() {
	wf.each(func(sd *SlaterDet) { sd.Clear() })
}

// CopyFrom copies coefficients and occupations from a wavefunction of the
// same shape.
func (wf *Wavefunction) CopyFrom(o *Wavefunction) error {
	if len(o.sd) != len(wf.sd) || o.NKp() != wf.NKp() {
		return fmt.Errorf("%w: wavefunction shapes differ", ErrInvalidState)
	}
	for ispin := range wf.sd {
		for ikp := range wf.sd[ispin] {
			if err := wf.sd[ispin][ikp].CopyFrom(o.sd[ispin][ikp]); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetCell moves every basis to a new cell.
func (wf *Wavefunction) SetCell(cell planewave.Cell) error {
	seen := make(map[*planewave.Basis]bool)
	for ispin := range wf.sd {
		for _, sd := range wf.sd[ispin] {
			if seen[sd.basis] {
				continue
			}
			seen[sd.basis] = true
			if err := sd.basis.Resize(cell); err != nil {
				return err
			}
		}
	}
	wf.cfg.Cell = cell
	return nil
}

// FillOccupations distributes nel electrons over each spin channel: evenly
// between channels with two spins, lowest states first.
func (wf *Wavefunction) FillOccupations(nel float64) error {
	per := nel / float64(wf.cfg.NSpin)
	for ispin := range wf.sd {
		for _, sd := range wf.sd[ispin] {
			if err := sd.FillOccupations(per); err != nil {
				return err
			}
		}
	}
	return nil
}

// InitPlaneWaves sets every determinant to plane-wave orbitals.
func (wf *Wavefunction) InitPlaneWaves() error {
	var err error
	wf.each(func(sd *SlaterDet) {
		if err == nil {
			err = sd.InitPlaneWaves()
		}
	})
	return err
}

// InitGaussians sets every determinant to normalized Gaussians.
func (wf *Wavefunction) InitGaussians(centers []planewave.Vec3, width float64) error {
	var err error
	wf.each(func(sd *SlaterDet) {
		if err == nil {
			err = sd.InitGaussians(wf.comm, centers, width)
		}
	})
	return err
}

func (wf *Wavefunction) each(fn func(sd *SlaterDet)) {
	for ispin := range wf.sd {
		for _, sd := range wf.sd[ispin] {
			fn(sd)
		}
	}
}
