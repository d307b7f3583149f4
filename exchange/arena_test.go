package exchange

import (
	"testing"
	"unsafe"

	"github.com/sbl8/exx/core"
)

func testPlan() arenaPlan {
	return arenaPlan{maxLoc: 3, maxMLoc: 57, gridLen: 1000, pairLoc: 411, nDensity: 2}
}

func TestNewArena(t *testing.T) {
	t.Parallel()
	arena, err := newArena(testPlan())
	if err != nil {
		t.Fatalf("newArena failed: %v", err)
	}
	if arena.TotalSize() == 0 {
		t.Error("Arena has zero size")
	}
	if arena.UsedSize() > arena.TotalSize() {
		t.Errorf("used %d bytes of %d", arena.UsedSize(), arena.TotalSize())
	}
	for _, name := range []string{RegionStatesLive, RegionForcesSpare, RegionOccLive, RegionPairGrids, RegionCoeffs} {
		if _, ok := arena.Region(name); !ok {
			t.Errorf("%s region not found", name)
		}
	}
	if got := len(arena.Complex(RegionPairGrids)); got != 2*1000 {
		t.Errorf("pair grids hold %d values, want 2000", got)
	}
	if got := len(arena.Bytes(RegionOccSpare)) / core.FloatSize; got != 3 {
		t.Errorf("occupations hold %d values, want 3", got)
	}
}

func TestArenaMemoryLayout(t *testing.T) {
	t.Parallel()
	arena, err := newArena(testPlan())
	if err != nil {
		t.Fatalf("newArena failed: %v", err)
	}

	regions := arena.Regions()
	for i, name := range regions {
		r, _ := arena.Region(name)
		if r.Offset%core.CacheLineSize != 0 {
			t.Errorf("region %s at offset %d is not aligned", name, r.Offset)
		}
		if b := arena.Bytes(name); len(b) > 0 {
			if addr := uintptr(unsafe.Pointer(&b[0])); !core.IsAligned(addr) {
				t.Errorf("region %s starts at unaligned address %#x", name, addr)
			}
		}
		if i+1 < len(regions) {
			next, _ := arena.Region(regions[i+1])
			if r.Offset+r.Size > next.Offset {
				t.Errorf("region %s overlaps with %s", name, next.Name)
			}
		}
	}
}

func TestArenaZeroRegion(t *testing.T) {
	t.Parallel()
	arena, err := newArena(testPlan())
	if err != nil {
		t.Fatalf("newArena failed: %v", err)
	}
	live := arena.Complex(RegionStatesLive)
	spare := arena.Complex(RegionStatesSpare)
	for i := range live {
		live[i] = 1
		spare[i] = 2
	}
	if err := arena.ZeroRegion(RegionStatesLive); err != nil {
		t.Fatalf("ZeroRegion failed: %v", err)
	}
	for i := range live {
		if live[i] != 0 || spare[i] != 2 {
			t.Fatalf("value %d: live %v spare %v after zeroing live", i, live[i], spare[i])
		}
	}
	if err := arena.ZeroRegion("Missing"); err == nil {
		t.Error("expected error for unknown region")
	}
}

func TestArenaEmptyStates(t *testing.T) {
	t.Parallel()
	plan := testPlan()
	plan.maxLoc = 0
	arena, err := newArena(plan)
	if err != nil {
		t.Fatalf("newArena failed: %v", err)
	}
	if b := arena.Bytes(RegionStatesLive); b != nil {
		t.Errorf("expected nil state block, got %d bytes", len(b))
	}
	if len(slab(arena.Complex(RegionCirculating), 0, plan.gridLen)) != 0 {
		t.Error("expected no circulating grids")
	}
}

func TestArenaPlanValidation(t *testing.T) {
	t.Parallel()
	bad := []arenaPlan{
		{maxLoc: 1, maxMLoc: 0, gridLen: 8, nDensity: 1},
		{maxLoc: 1, maxMLoc: 1, gridLen: 0, nDensity: 1},
		{maxLoc: 1, maxMLoc: 1, gridLen: 8, nDensity: 3},
		{maxLoc: -1, maxMLoc: 1, gridLen: 8, nDensity: 1},
	}
	for _, p := range bad {
		if _, err := newArena(p); err == nil {
			t.Errorf("plan %+v: expected error", p)
		}
	}
}
