// Package core provides low-level primitives for the exchange engine.
//
// This package implements the Block data structure, the unit of data that
// rotates around a process ring. Each Block carries two cache-aligned buffers
// (Live and Spare): computation reads Live while the next payload lands in
// Spare, and a Swap publishes the landing buffer without copying.
//
// Key components:
//   - Block: dual-buffer rotation unit with item-granular views
//   - Memory alignment utilities and complex/float reinterpretation views
//   - FFT grid factorization and block-distribution helpers
//   - Frame codec used by the loopback transport
package core

import (
	"errors"
	"fmt"
	"sync"
)

// Block is a double-buffered rotation unit holding up to Cap items of Unit bytes.
type Block struct {
	Live  []byte // payload of the current step
	Spare []byte // landing buffer for the next step
	Unit  int    // bytes per item
	Count int    // items valid in Live
	Flags uint32 // runtime flags
}

// Flags bit definitions for runtime behavior
const (
	FlagRecvPending = 1 << 0 // a receive into Spare is outstanding
	FlagSendPending = 1 << 1 // a send from Live is outstanding
)

// NewBlock allocates a Block with room for capacity items of unit bytes in each buffer.
func NewBlock(unit, capacity int) (*Block, error) {
	if unit <= 0 {
		return nil, fmt.Errorf("block unit must be positive, got %d", unit)
	}
	if capacity < 0 {
		return nil, fmt.Errorf("block capacity must be non-negative, got %d", capacity)
	}
	return &Block{
		Live:  AlignedBytes(unit * capacity),
		Spare: AlignedBytes(unit * capacity),
		Unit:  unit,
	}, nil
}

// WrapBlock builds a Block over caller-owned buffers, e.g. regions of an arena.
func WrapBlock(live, spare []byte, unit int) (*Block, error) {
	b := &Block{Live: live, Spare: spare, Unit: unit}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Validate checks the integrity of a Block
func (b *Block) Validate() error {
	if b == nil {
		return errors.New("block is nil")
	}
	if b.Unit <= 0 {
		return errors.New("block unit must be positive")
	}
	if len(b.Live) != len(b.Spare) {
		return errors.New("block buffers differ in size")
	}
	if len(b.Live)%b.Unit != 0 {
		return errors.New("block buffer not a multiple of its unit")
	}
	if b.Count < 0 || b.Count > b.Cap() {
		return fmt.Errorf("block count %d outside [0,%d]", b.Count, b.Cap())
	}
	return nil
}

// Cap returns the number of items each buffer can hold.
func (b *Block) Cap() int {
	if b.Unit == 0 {
		return 0
	}
	return len(b.Live) / b.Unit
}

// Size returns the total size of both buffers
func (b *Block) Size() int {
	return len(b.Live) + len(b.Spare)
}

// Payload returns the valid part of Live.
func (b *Block) Payload() []byte {
	return b.Live[:b.Count*b.Unit]
}

// Landing returns the part of Spare that receives n items.
func (b *Block) Landing(n int) []byte {
	return b.Spare[:n*b.Unit]
}

// Item returns item i of Live.
func (b *Block) Item(i int) []byte {
	return b.Live[i*b.Unit : (i+1)*b.Unit]
}

// Load copies items into Live and sets Count.
func (b *Block) Load(src []byte) error {
	if len(src)%b.Unit != 0 {
		return fmt.Errorf("load of %d bytes not a multiple of unit %d", len(src), b.Unit)
	}
	n := len(src) / b.Unit
	if n > b.Cap() {
		return fmt.Errorf("load of %d items exceeds capacity %d", n, b.Cap())
	}
	copy(b.Live, src)
	b.Count = n
	return nil
}

// Swap publishes Spare as the new Live holding n items.
func (b *Block) Swap(n int) {
	b.Live, b.Spare = b.Spare, b.Live
	b.Count = n
}

// ItemComplex views item i of Live as complex128 values.
func (b *Block) ItemComplex(i int) []complex128 {
	return ComplexView(b.Item(i))
}

// LiveFloat views the valid part of Live as float64 values.
func (b *Block) LiveFloat() []float64 {
	return FloatView(b.Payload())
}

// Zero clears both buffers and resets Count and Flags.
func (b *Block) Zero() {
	clear(b.Live)
	clear(b.Spare)
	b.Count = 0
	b.Flags = 0
}

// SetFlag sets a runtime flag
func (b *Block) SetFlag(flag uint32) {
	b.Flags |= flag
}

// ClearFlag clears a runtime flag
func (b *Block) ClearFlag(flag uint32) {
	b.Flags &^= flag
}

// HasFlag checks if a runtime flag is set
func (b *Block) HasFlag(flag uint32) bool {
	return b.Flags&flag != 0
}

// BufferPool recycles message buffers of at least a fixed size
type BufferPool struct {
	size    int
	buffers sync.Pool
}

// NewBufferPool creates a pool handing out buffers with capacity >= size
func NewBufferPool(size int) *BufferPool {
	p := &BufferPool{size: size}
	p.buffers.New = func() any {
		buf := make([]byte, 0, size)
		return &buf
	}
	return p
}

// Get retrieves a zero-length buffer with capacity of at least n bytes
func (p *BufferPool) Get(n int) []byte {
	bp := p.buffers.Get().(*[]byte)
	if cap(*bp) < n {
		return make([]byte, 0, max(n, p.size))
	}
	return (*bp)[:0]
}

// Put returns a buffer to the pool
func (p *BufferPool) Put(buf []byte) {
	if buf == nil || cap(buf) < p.size {
		return
	}
	buf = buf[:0]
	p.buffers.Put(&buf)
}
