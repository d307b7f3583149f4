package exchange

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/sbl8/exx/core"
)

// ArenaRegion represents a distinct memory region within the Arena.
type ArenaRegion struct {
	Offset uintptr
	Size   uintptr
	Name   string
}

// Region names. The rotation blocks come in live/spare pairs so the ring can
// receive the next step while the current one is consumed.
const (
	RegionStatesLive  = "StatesLive"
	RegionStatesSpare = "StatesSpare"
	RegionForcesLive  = "ForcesLive"
	RegionForcesSpare = "ForcesSpare"
	RegionOccLive     = "OccupationsLive"
	RegionOccSpare    = "OccupationsSpare"
	RegionCirculating = "CirculatingGrids"
	RegionFixed       = "FixedGrids"
	RegionCircForces  = "CirculatingForceGrids"
	RegionFixedForces = "FixedForceGrids"
	RegionPairGrids   = "PairGrids"
	RegionPairCoeffs  = "PairCoefficients"
	RegionCoeffs      = "CoefficientBuffer"
)

// Arena is one pre-allocated byte slice holding every buffer the engine
// touches during an update. It is laid out once at construction:
//  1. Rotation blocks (states, forces, occupations; live and spare)
//  2. Real-space grids of circulating and fixed states and their forces
//  3. Pair-density grids and coefficients
//  4. Coefficient buffer for forward transforms
//
// Sizes are worst-case over the process grid, so the arena is never
// reallocated.
type Arena struct {
	buffer  []byte
	regions map[string]ArenaRegion
	order   []string
}

// arenaPlan holds the sizes the arena is laid out from.
type arenaPlan struct {
	maxLoc   int // largest local state count over columns, spins and k-points
	maxMLoc  int // largest local plane-wave count over spins and k-points
	gridLen  int // points of the real-space grid
	pairLoc  int // local size of the pair-density basis
	nDensity int // pair densities per evaluation
}

func (p arenaPlan) validate() error {
	if p.maxLoc < 0 || p.maxMLoc < 1 || p.gridLen < 1 || p.pairLoc < 0 {
		return fmt.Errorf("invalid arena plan %+v", p)
	}
	if p.nDensity != 1 && p.nDensity != 2 {
		return fmt.Errorf("arena plan needs 1 or 2 pair densities, got %d", p.nDensity)
	}
	return nil
}

// NewArena lays out the regions of plan in a single aligned allocation.
func newArena(plan arenaPlan) (*Arena, error) {
	if err := plan.validate(); err != nil {
		return nil, err
	}
	type regionSize struct {
		name string
		size uintptr
	}
	stateBytes := uintptr(plan.maxLoc * plan.maxMLoc * core.ComplexSize)
	occBytes := uintptr(plan.maxLoc * core.FloatSize)
	gridBytes := uintptr(plan.maxLoc * plan.gridLen * core.ComplexSize)
	sizes := []regionSize{
		{RegionStatesLive, stateBytes},
		{RegionStatesSpare, stateBytes},
		{RegionForcesLive, stateBytes},
		{RegionForcesSpare, stateBytes},
		{RegionOccLive, occBytes},
		{RegionOccSpare, occBytes},
		{RegionCirculating, gridBytes},
		{RegionFixed, gridBytes},
		{RegionCircForces, gridBytes},
		{RegionFixedForces, gridBytes},
		{RegionPairGrids, uintptr(plan.nDensity * plan.gridLen * core.ComplexSize)},
		{RegionPairCoeffs, uintptr(plan.nDensity * plan.pairLoc * core.ComplexSize)},
		{RegionCoeffs, uintptr(plan.maxMLoc * core.ComplexSize)},
	}

	total := uintptr(0)
	for _, s := range sizes {
		total = core.AlignedSize(total) + core.AlignedSize(s.size)
	}
	total = core.AlignedSize(total)
	if total == 0 {
		return nil, errors.New("cannot create zero-size arena")
	}

	a := &Arena{
		buffer:  core.AlignedBytes(int(total)),
		regions: make(map[string]ArenaRegion, len(sizes)),
	}
	if a.buffer == nil {
		return nil, fmt.Errorf("failed to allocate arena buffer of size %d", total)
	}
	if !core.IsAligned(uintptr(unsafe.Pointer(&a.buffer[0]))) {
		return nil, errors.New("arena buffer is not cache aligned")
	}
	offset := uintptr(0)
	for _, s := range sizes {
		offset = a.layout(s.name, s.size, offset)
	}
	if offset > total {
		return nil, fmt.Errorf("arena layout exceeds total size: %d > %d", offset, total)
	}
	return a, nil
}

// layout places a region at the next aligned offset.
func (a *Arena) layout(name string, size, offset uintptr) uintptr {
	offset = core.AlignedSize(offset)
	a.regions[name] = ArenaRegion{Offset: offset, Size: size, Name: name}
	a.order = append(a.order, name)
	return offset + core.AlignedSize(size)
}

// Region returns the named region.
func (a *Arena) Region(name string) (ArenaRegion, bool) {
	r, ok := a.regions[name]
	return r, ok
}

// Regions returns the region names in layout order.
func (a *Arena) Regions() []string { return a.order }

// Bytes returns the named region, nil if it does not exist or is empty.
func (a *Arena) Bytes(name string) []byte {
	r, ok := a.regions[name]
	if !ok || r.Size == 0 {
		return nil
	}
	return a.buffer[r.Offset : r.Offset+r.Size : r.Offset+r.Size]
}

// Complex views the named region as complex128 values.
func (a *Arena) Complex(name string) []complex128 {
	return core.ComplexView(a.Bytes(name))
}

// TotalSize returns the capacity of the arena's buffer.
func (a *Arena) TotalSize() uintptr { return uintptr(len(a.buffer)) }

// UsedSize returns the bytes covered by regions, padding included.
func (a *Arena) UsedSize() uintptr {
	if len(a.order) == 0 {
		return 0
	}
	last := a.regions[a.order[len(a.order)-1]]
	return core.AlignedSize(last.Offset + last.Size)
}

// ZeroRegion sets all bytes in a given region to zero.
func (a *Arena) ZeroRegion(name string) error {
	r, ok := a.regions[name]
	if !ok {
		return fmt.Errorf("region %s not found", name)
	}
	clear(a.buffer[r.Offset : r.Offset+r.Size])
	return nil
}

// slab splits a complex region into n slices of length m.
func slab(c []complex128, n, m int) [][]complex128 {
	out := make([][]complex128, n)
	for i := range out {
		out[i] = c[i*m : (i+1)*m : (i+1)*m]
	}
	return out
}
