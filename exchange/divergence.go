package exchange

import (
	"math"

	"github.com/sbl8/exx/grid"
	"github.com/sbl8/exx/kernels"
)

// DivergenceTerms are the three corrections of the G=0 singularity of the
// long-range kernel for one state of unit occupation.
type DivergenceTerms struct {
	Sum      float64 // exfac * sum over q+G != 0 of alpha exp(-rc^2|q+G|^2)/|q+G|^2, local rows
	Constant float64 // -alpha exfac rc^2
	Analytic float64 // -exfac alpha 4 pi sqrt(pi)/(2 rc) / ((2 pi)^3/omega)
}

// Divergence returns the correction terms of k-point ik for the current
// cell. All three vanish when the long-range coefficient is zero.
func (e *Engine) Divergence(ik int) DivergenceTerms {
	alpha := e.kernel.Alpha
	if alpha == 0 {
		return DivergenceTerms{}
	}
	exfac := e.exfac()
	rc := e.opts.RCut
	omega := e.wf.Cell().Volume()
	integ := alpha * 4 * math.Pi * math.Sqrt(math.Pi) / (2 * rc)
	vbz := math.Pow(2*math.Pi, 3) / omega
	return DivergenceTerms{
		Sum:      exfac * e.div[ik].sum,
		Constant: -alpha * exfac * rc * rc,
		Analytic: -exfac * integ / vbz,
	}
}

// correctDivergence adds the divergence correction of the states of
// (ispin, ki) to the energy, stress and gradient. The constant and analytic
// terms are added on row 0 only; the gradient uses the column total.
func (e *Engine) correctDivergence(ispin, ki int, gradient, stress bool, acc *accumulator) error {
	if e.kernel.Alpha == 0 {
		return nil
	}
	sd := e.wf.SD(ispin, ki)
	nloc := sd.NStLoc()
	if nloc == 0 {
		return nil
	}
	terms := e.Divergence(ki)
	w := e.wf.Weight(ki)
	omega := e.wf.Cell().Volume()
	exfac := e.exfac()
	row0 := e.comm.MyRow() == 0

	div := make([]float64, nloc)
	for j := range div {
		occ := sd.Occ(sd.JGlobal(j))
		if occ == 0 {
			continue
		}
		d1 := terms.Sum * occ
		e1 := -0.5 * d1 * occ * w
		acc.energy += e1
		div[j] = d1
		if stress {
			fac := 0.5 * exfac * occ * occ * w
			sig := e.div[ki].sigma
			for c := range sig {
				if c < 3 {
					acc.sigma[c] += (e1 + fac*sig[c]) / omega
				} else {
					acc.sigma[c] += fac * sig[c] / omega
				}
			}
		}
		if !row0 {
			continue
		}
		d2 := terms.Constant * occ
		e2 := -0.5 * d2 * occ * w
		acc.energy += e2
		div[j] += d2
		if stress {
			for c := 0; c < 3; c++ {
				acc.sigma[c] += e2 / omega
			}
		}
		d3 := terms.Analytic * occ
		acc.energy += -0.5 * d3 * occ * w
		div[j] += d3
	}

	if !gradient {
		return nil
	}
	if e.comm.NPRow() > 1 {
		if err := e.comm.Sum(grid.ScopeCol, div); err != nil {
			return err
		}
	}
	dsd := e.dwf.SD(ispin, ki)
	for j, d := range div {
		if d != 0 {
			kernels.AddScaled(dsd.State(j), -d, sd.State(j))
		}
	}
	return nil
}
