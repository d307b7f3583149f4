// Package exchange implements the distributed exact and screened exchange
// engine for plane-wave orbitals.
//
// This package evaluates the exchange energy, its gradient with respect to
// the orbital coefficients and its stress, for orbitals distributed over a
// process grid: plane waves are split across process rows and states across
// process columns. The states of each column rotate around the process row
// (package ring) so that every pair of states meets on exactly one process
// and rotation step.
//
// Key components:
//   - Engine: orchestrator owning the rotation buffers, kernel tables and
//     the cached gradient used to apply the linearized operator
//   - Arena: one aligned allocation carved into the rotation blocks and the
//     real-space work grids, sized for the worst-case local state count
//   - Pair evaluation: one routine for the single k-point and general
//     k-point cases, selected by a capability flag
//   - Divergence correction of the long-range G=0 singularity
//
// Update model:
//  1. Optionally localize the orbitals and prune pairs whose centers are far
//  2. For every spin and k-point, rotate the states around the process row
//  3. At each step, build pair densities, weight them by the kernel, and
//     accumulate energy, stress and gradient
//  4. Add the divergence correction and reduce over the grid
package exchange

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sbl8/exx/core"
	"github.com/sbl8/exx/grid"
	"github.com/sbl8/exx/kernels"
	"github.com/sbl8/exx/localize"
	"github.com/sbl8/exx/model"
	"github.com/sbl8/exx/planewave"
	"github.com/sbl8/exx/ring"
)

var (
	// ErrNoReference is returned by ApplyOperator before any UpdateOperator.
	ErrNoReference = errors.New("exchange: no reference orbitals")
	// ErrUnsupported reports an option the orbital set cannot use.
	ErrUnsupported = errors.New("exchange: unsupported configuration")
)

// DefaultPruneDistance effectively disables pruning while still computing
// centers.
const DefaultPruneDistance = 100000

// ringTag is the first message tag used by the rotation.
const ringTag = 100

// Options configures the engine.
type Options struct {
	// Kernel mixing: Alpha weights the long-range part, Beta the short-range
	// part, Mu is the inverse screening length.
	Alpha float64
	Beta  float64
	Mu    float64
	// RCut is the damping length of the divergence correction.
	RCut float64
	// PruneDistance > 0 enables pair pruning by localized centers.
	PruneDistance float64
	// ApplyTransform rotates the orbitals into the localized gauge before
	// each update. Requires pruning and equal occupations, the only case in
	// which the rotation leaves the energy unchanged.
	ApplyTransform bool
	Workers        int
	Logger         *zap.Logger
	Registerer     prometheus.Registerer
}

// DefaultOptions returns Hartree-Fock exchange without pruning.
func DefaultOptions() Options {
	return Options{
		Alpha:   1,
		Beta:    1,
		RCut:    1,
		Workers: runtime.NumCPU(),
	}
}

// Stats tracks update counts and timings.
type Stats struct {
	Updates        int64
	AverageLatency time.Duration
	PairsEvaluated int64
	PairsPruned    int64
	// PairsPerStep holds the pairs evaluated at each rotation step during
	// the last update.
	PairsPerStep []int64
	ArenaBytes   int
}

// Engine evaluates the exchange energy, gradient and stress of a
// wavefunction. An Engine belongs to one process of the grid and is not safe
// for concurrent updates; Stats may be read concurrently.
type Engine struct {
	wf      *model.Wavefunction
	comm    grid.Comm
	opts    Options
	kernel  kernels.Interaction
	log     *zap.Logger
	metrics *metrics
	single  bool // one k-point: single density per pair, no q offsets

	vbasis *planewave.Basis
	vft    *planewave.Transform
	wft    [][]*planewave.Transform // [spin][kpoint]
	dims   [3]int
	plan   arenaPlan
	arena  *Arena
	ring   *ring.Ring
	tables []*pairTable
	div    []divergence // per k-point

	circ, fixed   [][]complex128 // real-space states
	dcirc, dfixed [][]complex128 // real-space gradients
	rho, rhog     [2][]complex128
	coeff         []complex128
	used          []bool

	loc      *localize.Transform
	dwf, wf0 *model.Wavefunction
	hasRef   bool
	energy   float64
	sigma    [6]float64
	stats    Stats
	mu       sync.RWMutex
}

// New builds an engine for wf distributed over comm.
func New(wf *model.Wavefunction, comm grid.Comm, opts Options) (*Engine, error) {
	if wf == nil {
		return nil, errors.New("exchange: wavefunction cannot be nil")
	}

	engine, err := createBaseEngine(wf, comm, opts)
	if err != nil {
		return nil, err
	}

	if err := setupEngineArena(engine); err != nil {
		return nil, err
	}

	if err := initializeEngineComponents(engine); err != nil {
		return nil, err
	}

	engine.log.Debug("exchange engine ready",
		zap.Stringer("kernel", engine.kernel),
		zap.Ints("grid", engine.dims[:]),
		zap.Int("pair_basis", engine.vbasis.Size()),
		zap.Int("arena_bytes", int(engine.arena.TotalSize())),
		zap.Bool("single_kpoint", engine.single))
	return engine, nil
}

// createBaseEngine validates the options and builds the pair-density basis.
func createBaseEngine(wf *model.Wavefunction, comm grid.Comm, opts Options) (*Engine, error) {
	if comm == nil {
		comm = wf.Comm()
	}
	if comm.NPRow() != wf.SD(0, 0).Basis().NPRow() {
		return nil, fmt.Errorf("%w: grid of %d rows for a basis split over %d",
			grid.ErrShape, comm.NPRow(), wf.SD(0, 0).Basis().NPRow())
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions().Workers
	}
	if opts.RCut <= 0 {
		opts.RCut = DefaultOptions().RCut
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	kernel, err := kernels.NewInteraction(opts.Alpha, opts.Beta, opts.Mu)
	if err != nil {
		return nil, err
	}
	if opts.PruneDistance > 0 && (wf.NSpin() != 1 || wf.NKp() != 1) {
		return nil, fmt.Errorf("%w: pruning needs one spin and one k-point, have %d and %d",
			ErrUnsupported, wf.NSpin(), wf.NKp())
	}
	if opts.ApplyTransform && opts.PruneDistance <= 0 {
		return nil, fmt.Errorf("%w: localized gauge requested without pruning", ErrUnsupported)
	}
	if opts.ApplyTransform {
		if err := checkGauge(wf.SD(0, 0)); err != nil {
			return nil, err
		}
	}

	vbasis, err := planewave.NewBasis(wf.Cell(), 4*wf.Ecut(), planewave.Vec3{}, comm.NPRow(), comm.MyRow())
	if err != nil {
		return nil, fmt.Errorf("exchange: pair-density basis: %w", err)
	}

	return &Engine{
		wf:      wf,
		comm:    comm,
		opts:    opts,
		kernel:  kernel,
		log:     opts.Logger.With(zap.Int("rank", comm.Rank())),
		metrics: newMetrics(opts.Registerer, comm.Rank()),
		single:  wf.NKp() == 1,
		vbasis:  vbasis,
	}, nil
}

// checkGauge reports whether the orbitals of sd may be mixed by a unitary
// rotation: every occupation must be the same.
func checkGauge(sd *model.SlaterDet) error {
	occ := sd.Occupations()
	for n := 1; n < len(occ); n++ {
		if occ[n] != occ[0] {
			return fmt.Errorf("%w: localized gauge mixes states of occupation %g and %g",
				ErrUnsupported, occ[0], occ[n])
		}
	}
	return nil
}

// setupEngineArena sizes and allocates the arena.
func setupEngineArena(engine *Engine) error {
	wf := engine.wf
	var bases []*planewave.Basis
	plan := arenaPlan{nDensity: 2, pairLoc: engine.vbasis.LocalSize()}
	if engine.single {
		plan.nDensity = 1
	}
	for ispin := 0; ispin < wf.NSpin(); ispin++ {
		for ikp := 0; ikp < wf.NKp(); ikp++ {
			sd := wf.SD(ispin, ikp)
			plan.maxLoc = max(plan.maxLoc, sd.MaxNStLoc())
			plan.maxMLoc = max(plan.maxMLoc, sd.MLoc())
			bases = append(bases, sd.Basis())
		}
	}
	// Rows beyond the plane-wave count hold empty blocks.
	plan.maxMLoc = max(plan.maxMLoc, 1)
	engine.dims = planewave.GridDims(engine.vbasis, bases...)
	plan.gridLen = engine.dims[0] * engine.dims[1] * engine.dims[2]

	arena, err := newArena(plan)
	if err != nil {
		return fmt.Errorf("failed to create arena: %w", err)
	}
	engine.plan = plan
	engine.arena = arena
	if ce := engine.log.Check(zap.DebugLevel, "arena layout"); ce != nil {
		fields := []zap.Field{
			zap.Uint64("total_bytes", uint64(arena.TotalSize())),
			zap.Uint64("used_bytes", uint64(arena.UsedSize())),
		}
		for _, name := range arena.Regions() {
			r, _ := arena.Region(name)
			fields = append(fields, zap.Uint64(name, uint64(r.Size)))
		}
		ce.Write(fields...)
	}
	return nil
}

// initializeEngineComponents builds the transforms, the rotation, the kernel
// tables and the gradient containers.
func initializeEngineComponents(engine *Engine) error {
	if err := initializeTransforms(engine); err != nil {
		return err
	}
	if err := initializeRing(engine); err != nil {
		return err
	}
	initializeWorkspace(engine)
	engine.tables = newPairTables(engine.wf.NKp(), engine.single)
	engine.div = make([]divergence, engine.wf.NKp())
	engine.refreshTables()

	if engine.opts.PruneDistance > 0 {
		loc, err := localize.New(engine.wf.SD(0, 0), engine.comm)
		if err != nil {
			return err
		}
		engine.loc = loc
	}

	engine.dwf = engine.wf.Clone()
	engine.dwf.Clear()
	engine.wf0 = engine.wf.Clone()
	engine.stats.ArenaBytes = int(engine.arena.TotalSize())
	return nil
}

func initializeTransforms(engine *Engine) error {
	vft, err := planewave.NewTransform(engine.vbasis, engine.dims, engine.comm)
	if err != nil {
		return fmt.Errorf("exchange: pair-density transform: %w", err)
	}
	engine.vft = vft
	wf := engine.wf
	engine.wft = make([][]*planewave.Transform, wf.NSpin())
	for ispin := range engine.wft {
		engine.wft[ispin] = make([]*planewave.Transform, wf.NKp())
		for ikp := range engine.wft[ispin] {
			ft, err := planewave.NewTransform(wf.SD(ispin, ikp).Basis(), engine.dims, engine.comm)
			if err != nil {
				return fmt.Errorf("exchange: transform of spin %d k-point %d: %w", ispin, ikp, err)
			}
			engine.wft[ispin][ikp] = ft
		}
	}
	return nil
}

// initializeRing wraps the rotation regions of the arena into ring blocks.
func initializeRing(engine *Engine) error {
	a := engine.arena
	stateUnit := engine.plan.maxMLoc * core.ComplexSize
	regions := [ring.NumKinds]struct {
		live, spare string
		unit        int
	}{
		ring.States:      {RegionStatesLive, RegionStatesSpare, stateUnit},
		ring.Forces:      {RegionForcesLive, RegionForcesSpare, stateUnit},
		ring.Occupations: {RegionOccLive, RegionOccSpare, core.FloatSize},
	}
	var blocks [ring.NumKinds]*core.Block
	for k, r := range regions {
		b, err := core.WrapBlock(a.Bytes(r.live), a.Bytes(r.spare), r.unit)
		if err != nil {
			return fmt.Errorf("exchange: %s block: %w", ring.Kind(k), err)
		}
		blocks[k] = b
	}
	r, err := ring.New(engine.comm, ringTag, blocks)
	if err != nil {
		return err
	}
	engine.ring = r
	return nil
}

func initializeWorkspace(engine *Engine) {
	a, p := engine.arena, engine.plan
	engine.circ = slab(a.Complex(RegionCirculating), p.maxLoc, p.gridLen)
	engine.fixed = slab(a.Complex(RegionFixed), p.maxLoc, p.gridLen)
	engine.dcirc = slab(a.Complex(RegionCircForces), p.maxLoc, p.gridLen)
	engine.dfixed = slab(a.Complex(RegionFixedForces), p.maxLoc, p.gridLen)
	grids := slab(a.Complex(RegionPairGrids), p.nDensity, p.gridLen)
	coeffs := slab(a.Complex(RegionPairCoeffs), p.nDensity, p.pairLoc)
	for d := 0; d < p.nDensity; d++ {
		engine.rho[d], engine.rhog[d] = grids[d], coeffs[d]
	}
	engine.coeff = a.Complex(RegionCoeffs)
	engine.used = make([]bool, p.maxLoc)
}

// UpdateEnergy recomputes the exchange energy, and the stress when
// computeStress is set, from the current orbitals.
func (e *Engine) UpdateEnergy(ctx context.Context, computeStress bool) (float64, error) {
	return e.update(ctx, "energy", false, computeStress)
}

// UpdateOperator recomputes energy and gradient and keeps the current
// orbitals and gradient as the reference of the linearized operator.
func (e *Engine) UpdateOperator(ctx context.Context, computeStress bool) (float64, error) {
	en, err := e.update(ctx, "operator", true, computeStress)
	if err != nil {
		return 0, err
	}
	if err := e.wf0.CopyFrom(e.wf); err != nil {
		return 0, err
	}
	e.hasRef = true
	return en, nil
}

func (e *Engine) update(ctx context.Context, kind string, gradient, stress bool) (float64, error) {
	start := time.Now()
	acc, err := e.compute(ctx, gradient, stress)
	if err != nil {
		return 0, fmt.Errorf("exchange %s update: %w", kind, err)
	}
	e.energy = acc.energy
	if stress {
		e.sigma = acc.sigma
	}
	elapsed := time.Since(start)

	e.metrics.updates.WithLabelValues(kind).Inc()
	e.metrics.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
	e.metrics.pairs.Add(float64(acc.pairs))
	e.metrics.pruned.Add(float64(acc.pruned))
	e.metrics.energy.Set(acc.energy)
	for _, n := range acc.perStep {
		e.metrics.pairsPerStep.Observe(float64(n))
	}
	e.updateStats(elapsed, acc)

	e.log.Debug("exchange update",
		zap.String("kind", kind),
		zap.Float64("energy", acc.energy),
		zap.Int64("pairs", acc.pairs),
		zap.Int64("pruned", acc.pruned),
		zap.Duration("elapsed", elapsed))
	return acc.energy, nil
}

// updateStats updates totals and the average latency.
func (e *Engine) updateStats(duration time.Duration, acc *accumulator) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.Updates++
	if e.stats.Updates == 1 {
		e.stats.AverageLatency = duration
	} else {
		old := e.stats.Updates - 1
		e.stats.AverageLatency = time.Duration((int64(e.stats.AverageLatency)*old + int64(duration)) / e.stats.Updates)
	}
	e.stats.PairsEvaluated += acc.pairs
	e.stats.PairsPruned += acc.pruned
	e.stats.PairsPerStep = append(e.stats.PairsPerStep[:0], acc.perStep...)
}

// Stats returns a copy of the statistics.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := e.stats
	stats.PairsPerStep = append([]int64(nil), e.stats.PairsPerStep...)
	return stats
}

// Energy returns the energy of the last update.
func (e *Engine) Energy() float64 { return e.energy }

// Gradient returns the gradient of the last UpdateOperator. It is owned by
// the engine and overwritten by the next UpdateOperator.
func (e *Engine) Gradient() *model.Wavefunction { return e.dwf }

// Stress returns the stress of the last update that computed it, in the
// order xx, yy, zz, xy, yz, xz.
func (e *Engine) Stress() [6]float64 { return e.sigma }

// AddStress adds the cached stress to sigma.
func (e *Engine) AddStress(sigma *[6]float64) {
	for k := range sigma {
		sigma[k] += e.sigma[k]
	}
}

// Localization returns the pruner state of the last update, nil when
// pruning is off.
func (e *Engine) Localization() *localize.Transform { return e.loc }

// Kernel returns the interaction kernel.
func (e *Engine) Kernel() kernels.Interaction { return e.kernel }

// Arena returns the engine's buffers.
func (e *Engine) Arena() *Arena { return e.arena }

// CellMoved follows a change of the wavefunction's cell: the pair-density
// basis and the kernel tables are recomputed. Miller sets are unchanged, so
// transforms and buffers stay valid.
func (e *Engine) CellMoved() error {
	if err := e.vbasis.Resize(e.wf.Cell()); err != nil {
		return fmt.Errorf("exchange: cell moved: %w", err)
	}
	e.refreshTables()
	return nil
}
