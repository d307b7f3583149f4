package exchange

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/sbl8/exx/core"
	"github.com/sbl8/exx/grid"
	"github.com/sbl8/exx/kernels"
	"github.com/sbl8/exx/model"
	"github.com/sbl8/exx/planewave"
	"github.com/sbl8/exx/ring"
)

// accumulator collects the local contributions of one update.
type accumulator struct {
	energy  float64
	sigma   [6]float64
	pairs   int64
	pruned  int64
	perStep []int64
}

// exfac is the prefactor of every exchange term.
func (e *Engine) exfac() float64 {
	return -(4 * math.Pi / e.wf.Cell().Volume()) * 0.5 * float64(e.wf.NSpin())
}

// compute runs the rotations of every spin and k-point and reduces the
// energy and stress over the grid.
func (e *Engine) compute(ctx context.Context, gradient, stress bool) (*accumulator, error) {
	acc := &accumulator{perStep: make([]int64, e.ring.Steps())}
	if gradient {
		e.dwf.Clear()
	}
	if e.loc != nil {
		if err := e.localize(); err != nil {
			return nil, err
		}
	}
	if e.kernel.IsZero() {
		return acc, nil
	}

	for ispin := 0; ispin < e.wf.NSpin(); ispin++ {
		for ki := 0; ki < e.wf.NKp(); ki++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			before := acc.pairs
			if err := e.rotate(ctx, ispin, ki, gradient, stress, acc); err != nil {
				return nil, fmt.Errorf("spin %d k-point %d: %w", ispin, ki, err)
			}
			if err := e.correctDivergence(ispin, ki, gradient, stress, acc); err != nil {
				return nil, fmt.Errorf("spin %d k-point %d divergence: %w", ispin, ki, err)
			}
			e.log.Debug("rotation done",
				zap.Int("spin", ispin),
				zap.Int("kpoint", ki),
				zap.Int64("pairs", acc.pairs-before))
		}
	}

	sums := make([]float64, 7)
	sums[0] = acc.energy
	copy(sums[1:], acc.sigma[:])
	if err := e.comm.Sum(grid.ScopeAll, sums); err != nil {
		return nil, fmt.Errorf("reduce energy: %w", err)
	}
	acc.energy = sums[0]
	copy(acc.sigma[:], sums[1:])
	return acc, nil
}

// localize recomputes the orbital centers used for pruning and optionally
// rotates the orbitals into the localized gauge.
func (e *Engine) localize() error {
	if err := e.loc.Update(); err != nil {
		return err
	}
	if err := e.loc.Compute(); err != nil {
		return err
	}
	if e.opts.ApplyTransform {
		// occupations may have changed since New
		if err := checkGauge(e.wf.SD(0, 0)); err != nil {
			return err
		}
		if err := e.loc.ApplyTransform(e.wf.SD(0, 0)); err != nil {
			return err
		}
	}
	if ce := e.log.Check(zap.DebugLevel, "localized orbitals"); ce != nil {
		eps := e.opts.PruneDistance
		spreads := make([]float64, e.loc.NSt())
		for i := range spreads {
			spreads[i] = e.loc.Spread(i)
		}
		ce.Write(
			zap.Int("sweeps", e.loc.Sweeps()),
			zap.Float64("off_diagonal", e.loc.Residual()),
			zap.Float64s("spreads", spreads),
			zap.Float64("pair_fraction", e.loc.PairFraction(eps)),
			zap.Int("overlaps", e.loc.TotalOverlaps(eps)))
	}
	return nil
}

// rotate circulates the states of (ispin, ki) around the process row and
// evaluates them against the local states of ki, or with several k-points,
// of every kj >= ki.
func (e *Engine) rotate(ctx context.Context, ispin, ki int, gradient, stress bool, acc *accumulator) error {
	sd := e.wf.SD(ispin, ki)
	nloc, m := sd.NStLoc(), sd.MLoc()

	states := e.ring.Block(ring.States)
	forces := e.ring.Block(ring.Forces)
	occ := e.ring.Block(ring.Occupations)
	forces.Zero()
	ov := core.FloatView(occ.Live)
	for j := 0; j < nloc; j++ {
		copy(states.ItemComplex(j)[:m], sd.State(j))
		ov[j] = sd.Occ(sd.JGlobal(j))
	}

	if e.single {
		// fixed states stay put: transform them once
		if err := e.arena.ZeroRegion(RegionFixedForces); err != nil {
			return err
		}
		ft := e.wft[ispin][ki]
		for j := 0; j < nloc; j++ {
			if err := ft.Backward(sd.State(j), e.fixed[j]); err != nil {
				return err
			}
		}
	}

	err := e.ring.Cycle(nloc, func(step, origin int) error {
		return e.visit(ctx, ispin, ki, step, origin, gradient, stress, acc)
	})
	if err != nil {
		return err
	}
	if !gradient {
		return nil
	}

	// the forces are home: add them, and the fixed-state forces of the
	// single k-point case, to the gradient
	dsd := e.dwf.SD(ispin, ki)
	for j := 0; j < nloc; j++ {
		kernels.AddScaled(dsd.State(j), 1, forces.ItemComplex(j)[:m])
	}
	if e.single {
		return e.addGridForces(e.wft[ispin][ki], dsd, nloc)
	}
	return nil
}

// addGridForces transforms the fixed-state gradient grids and adds them to
// the first n states of dsd.
func (e *Engine) addGridForces(ft *planewave.Transform, dsd *model.SlaterDet, n int) error {
	buf := e.coeff[:dsd.MLoc()]
	for j := 0; j < n; j++ {
		if err := ft.Forward(e.dfixed[j], buf); err != nil {
			return err
		}
		kernels.AddScaled(dsd.State(j), 1, buf)
	}
	return nil
}

// visit evaluates the live circulating states, which came from column
// origin, against the local states.
func (e *Engine) visit(ctx context.Context, ispin, ki, step, origin int, gradient, stress bool, acc *accumulator) error {
	sdi := e.wf.SD(ispin, ki)
	m := sdi.MLoc()
	count := e.ring.Count()
	states := e.ring.Block(ring.States)
	forces := e.ring.Block(ring.Forces)
	occ := e.ring.Block(ring.Occupations).LiveFloat()
	wki := e.wf.Weight(ki)

	// Only states taking part in a pair are transformed. Every process of a
	// column makes the same choice, which keeps the column sums of the
	// transforms matched.
	for i := 0; i < count; i++ {
		e.used[i] = !e.single
	}
	if e.single {
		nloc := sdi.NStLoc()
		for i := 0; i < count; i++ {
			ig := sdi.JGlobalCol(origin, i)
			for j := 0; j < nloc && !e.used[i]; j++ {
				jg := sdi.JGlobal(j)
				e.used[i] = e.selected(ig, jg) && !(occ[i] == 0 && sdi.Occ(jg) == 0) && e.overlaps(ig, jg)
			}
		}
	}

	fti := e.wft[ispin][ki]
	for i := 0; i < count; i++ {
		if !e.used[i] {
			continue
		}
		if err := fti.Backward(states.ItemComplex(i)[:m], e.circ[i]); err != nil {
			return err
		}
		clear(e.dcirc[i])
	}

	var pairs int64
	lastK := ki
	if !e.single {
		lastK = e.wf.NKp() - 1
	}
	for kj := ki; kj <= lastK; kj++ {
		sdj := e.wf.SD(ispin, kj)
		ftj := e.wft[ispin][kj]
		nj := sdj.NStLoc()
		wkj := e.wf.Weight(kj)
		if !e.single {
			if err := e.arena.ZeroRegion(RegionFixedForces); err != nil {
				return err
			}
			for j := 0; j < nj; j++ {
				if err := ftj.Backward(sdj.State(j), e.fixed[j]); err != nil {
					return err
				}
			}
		}
		t := e.table(ki, kj)
		exfac := e.exfac()

		// unused states fail every test below, so pruned pairs are still
		// counted
		for i := 0; i < count; i++ {
			ig := sdi.JGlobalCol(origin, i)
			occi := occ[i]
			for j := 0; j < nj; j++ {
				jg := sdj.JGlobal(j)
				occj := sdj.Occ(jg)
				self := kj == ki && ig == jg
				if kj == ki && !e.selected(ig, jg) {
					continue
				}
				if occi == 0 && occj == 0 {
					continue
				}
				if !e.overlaps(ig, jg) {
					acc.pruned++
					continue
				}
				p := pairWeights{
					wi: exfac * e.kfac(ki) * occi,
					wj: exfac * e.kfac(kj) * occj,
				}
				p.fac = p.wj * wki * 0.5 * occi
				if !self {
					p.fac += p.wi * wkj * 0.5 * occj
					p.twoSided = true
				}
				if err := e.pair(ctx, t, e.circ[i], e.fixed[j], e.dcirc[i], e.dfixed[j], p, gradient, stress, acc); err != nil {
					return err
				}
				pairs++
			}
		}

		if gradient && !e.single {
			if err := e.addGridForces(ftj, e.dwf.SD(ispin, kj), nj); err != nil {
				return err
			}
		}
	}

	if gradient {
		buf := e.coeff[:m]
		for i := 0; i < count; i++ {
			if !e.used[i] {
				continue
			}
			if err := fti.Forward(e.dcirc[i], buf); err != nil {
				return err
			}
			kernels.AddScaled(forces.ItemComplex(i)[:m], 1, buf)
		}
	}
	acc.pairs += pairs
	acc.perStep[step] += pairs
	return nil
}

// selected reports whether the pair of global states (i circulating, j
// fixed) of one k-point is evaluated on this visit. Of the two visits of an
// unordered pair exactly one is selected: same parity needs i >= j,
// different parity i < j.
func (e *Engine) selected(i, j int) bool {
	if (i+j)%2 == 0 {
		return i >= j
	}
	return i < j
}

func (e *Engine) overlaps(i, j int) bool {
	return e.loc == nil || e.loc.Overlap(e.opts.PruneDistance, i, j)
}

// pairWeights are the factors of one pair: wi and wj scale the gradient
// added to the fixed and circulating state, fac the energy.
type pairWeights struct {
	wi, wj   float64
	fac      float64
	twoSided bool
}

// pair evaluates one pair of real-space states. The pair density
// conj(fixed)*circ, and with several k-points fixed*circ, is weighted by the
// kernel; the energy and stress are accumulated and, with gradient set, the
// potential is applied to both states.
func (e *Engine) pair(ctx context.Context, t *pairTable, circ, fixed, dcirc, dfixed []complex128,
	p pairWeights, gradient, stress bool, acc *accumulator) error {
	workers := e.opts.Workers
	kernels.PairDensity(e.rho[0], fixed, circ)
	if t.n == 2 {
		kernels.PairProduct(e.rho[1], fixed, circ)
	}

	var ex float64
	for d := 0; d < t.n; d++ {
		if err := e.vft.Forward(e.rho[d], e.rhog[d]); err != nil {
			return err
		}
		rhog, v := e.rhog[d], t.v[d]
		ex += kernels.ParallelSum(len(rhog), workers, func(lo, hi int) float64 {
			return kernels.WeightedNorm(rhog[lo:hi], v[lo:hi])
		})
	}
	acc.energy += p.fac * ex

	if stress {
		omega := e.wf.Cell().Volume()
		for c, ax := range stressAxes {
			var s float64
			for d := 0; d < t.n; d++ {
				s -= 2 * kernels.WeightedMoment(e.rhog[d], t.dv[d], t.qg[d][ax[0]], t.qg[d][ax[1]])
			}
			if c < 3 {
				acc.sigma[c] += p.fac * (ex - s) / omega
			} else {
				acc.sigma[c] -= p.fac * s / omega
			}
		}
	}

	if !gradient {
		return nil
	}
	for d := 0; d < t.n; d++ {
		kernels.ScaleByReal(e.rhog[d], t.v[d])
		if err := e.vft.Backward(e.rhog[d], e.rho[d]); err != nil {
			return err
		}
	}
	rho1, rho2 := e.rho[0], e.rho[1]
	two := t.n == 2
	return kernels.ParallelFor(ctx, len(circ), workers, func(_ context.Context, lo, hi int) error {
		kernels.MulAdd(dcirc[lo:hi], fixed[lo:hi], rho1[lo:hi], p.wj)
		if two {
			kernels.ConjMulAdd(dcirc[lo:hi], fixed[lo:hi], rho2[lo:hi], p.wj)
		}
		if p.twoSided {
			kernels.MulConjAdd(dfixed[lo:hi], circ[lo:hi], rho1[lo:hi], p.wi)
			if two {
				kernels.ConjMulAdd(dfixed[lo:hi], circ[lo:hi], rho2[lo:hi], p.wi)
			}
		}
		return nil
	})
}
