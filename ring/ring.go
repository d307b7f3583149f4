// Package ring rotates blocks of orbitals around the columns of a process row.
//
// Every process sends its blocks to the next column and receives from the
// previous one, so after P steps (P = number of columns) each process has
// seen the blocks of every column exactly once and the blocks are back
// home. The Ring is an explicit state machine:
//
//	Idle -> Initialized -> Rotating(0..P-1) -> Drained -> Idle
//
// and each rotation step runs, in order: Complete (finish the transfers of
// the previous step and publish the received blocks), Handshake (exchange
// item counts with the neighbours), Post of the blocks the computation only
// reads, the caller's computation, Start (post the remaining transfers) and
// Advance. The read-only blocks thus travel while the step is computed.
// Zero-item transfers are never posted; per-block pending flags keep every
// Complete idempotent.
package ring

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sbl8/exx/core"
	"github.com/sbl8/exx/grid"
)

// ErrInvalidTransition reports a call that the current state does not allow.
var ErrInvalidTransition = errors.New("ring: invalid transition")

// Kind identifies one of the rotating blocks.
type Kind int

const (
	States Kind = iota
	Forces
	Occupations
	NumKinds
)

func (k Kind) String() string {
	switch k {
	case States:
		return "states"
	case Forces:
		return "forces"
	case Occupations:
		return "occupations"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// State is the lifecycle state of a Ring.
type State int

const (
	Idle State = iota
	Initialized
	Rotating
	Drained
)

func (s State) String() string {
	return [...]string{"idle", "initialized", "rotating", "drained"}[s]
}

type phase int

const (
	phaseReady phase = iota
	phaseComputing
	phaseShaken
	phaseStarted
)

// Ring rotates up to NumKinds blocks around the columns of a row.
type Ring struct {
	comm   grid.Comm
	tag    int
	blocks [NumKinds]*core.Block
	sends  [NumKinds]grid.Request
	recvs  [NumKinds]grid.Request
	next   int
	prev   int
	ncol   int

	state     State
	phase     phase
	step      int
	count     int
	nextCount int
	posted    [NumKinds]bool

	countOut  []byte
	countIn   []byte
	sendCount grid.Persistent
	recvCount grid.Persistent
}

// New creates a ring over the row of comm. Kind k rotates blocks[k]; a nil
// block is not rotated. Messages use tags tag (item counts) through
// tag+NumKinds.
func New(comm grid.Comm, tag int, blocks [NumKinds]*core.Block) (*Ring, error) {
	for k, b := range blocks {
		if b == nil {
			continue
		}
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("ring %s block: %w", Kind(k), err)
		}
	}
	ncol := comm.NPCol()
	row, col := comm.MyRow(), comm.MyCol()
	return &Ring{
		comm:     comm,
		tag:      tag,
		blocks:   blocks,
		next:     comm.PMap(row, (col+1)%ncol),
		prev:     comm.PMap(row, (col+ncol-1)%ncol),
		ncol:     ncol,
		countOut: make([]byte, 8),
		countIn:  make([]byte, 8),
	}, nil
}

// State returns the lifecycle state.
func (r *Ring) State() State { return r.state }

// Step returns the current rotation step.
func (r *Ring) Step() int { return r.step }

// Steps returns the number of rotation steps, the number of columns.
func (r *Ring) Steps() int { return r.ncol }

// Count returns the number of items in the live blocks.
func (r *Ring) Count() int { return r.count }

// Origin returns the column the live blocks came from.
func (r *Ring) Origin() int {
	return (r.comm.MyCol() - r.step%r.ncol + r.ncol) % r.ncol
}

// Block returns the block of kind k, nil if k does not rotate.
func (r *Ring) Block(k Kind) *core.Block { return r.blocks[k] }

func (r *Ring) invalid(op string) error {
	return fmt.Errorf("%w: %s in state %s (step %d, phase %d)", ErrInvalidTransition, op, r.state, r.step, r.phase)
}

// Init starts a rotation of count items already loaded into the live blocks
// and establishes the persistent count handshake with the neighbours.
func (r *Ring) Init(count int) error {
	if r.state != Idle {
		return r.invalid("init")
	}
	for k, b := range r.blocks {
		if b == nil {
			continue
		}
		if count > b.Cap() {
			return fmt.Errorf("ring %s block holds %d items, need %d", Kind(k), b.Cap(), count)
		}
		b.Count = count
		b.ClearFlag(core.FlagRecvPending | core.FlagSendPending)
	}
	var err error
	if r.sendCount, err = r.comm.SendInit(r.next, r.tag, r.countOut); err != nil {
		return fmt.Errorf("ring init: %w", err)
	}
	if r.recvCount, err = r.comm.RecvInit(r.prev, r.tag, r.countIn); err != nil {
		_ = r.sendCount.Free()
		return fmt.Errorf("ring init: %w", err)
	}
	r.count, r.nextCount = count, 0
	r.step, r.phase = 0, phaseReady
	r.state = Initialized
	return nil
}

// CompleteRecv waits for the pending receive of kind k. It is a no-op when
// nothing is pending.
func (r *Ring) CompleteRecv(k Kind) error {
	b := r.blocks[k]
	if b == nil || !b.HasFlag(core.FlagRecvPending) {
		return nil
	}
	err := r.recvs[k].Wait()
	r.recvs[k] = nil
	b.ClearFlag(core.FlagRecvPending)
	if err != nil {
		return fmt.Errorf("ring receive %s at step %d: %w", k, r.step, err)
	}
	return nil
}

// CompleteSend waits for the pending send of kind k. It is a no-op when
// nothing is pending.
func (r *Ring) CompleteSend(k Kind) error {
	b := r.blocks[k]
	if b == nil || !b.HasFlag(core.FlagSendPending) {
		return nil
	}
	err := r.sends[k].Wait()
	r.sends[k] = nil
	b.ClearFlag(core.FlagSendPending)
	if err != nil {
		return fmt.Errorf("ring send %s at step %d: %w", k, r.step, err)
	}
	return nil
}

// completeAll finishes every transfer of the previous step and publishes the
// received blocks.
func (r *Ring) completeAll() error {
	for k := Kind(0); k < NumKinds; k++ {
		if err := r.CompleteRecv(k); err != nil {
			return err
		}
		if err := r.CompleteSend(k); err != nil {
			return err
		}
	}
	for _, b := range r.blocks {
		if b != nil {
			b.Swap(r.count)
		}
	}
	return nil
}

// Complete opens the current step: on steps after the first it finishes the
// previous step's transfers and swaps the received blocks in.
func (r *Ring) Complete() error {
	switch {
	case r.state == Initialized:
		r.state = Rotating
	case r.state == Rotating && r.phase == phaseReady && r.step < r.ncol:
	default:
		return r.invalid("complete")
	}
	if r.step > 0 {
		if err := r.completeAll(); err != nil {
			return err
		}
	}
	r.phase = phaseComputing
	return nil
}

// Handshake sends the live item count to the next column and receives the
// count that will arrive from the previous one.
func (r *Ring) Handshake() error {
	if r.state != Rotating || r.phase != phaseComputing {
		return r.invalid("handshake")
	}
	binary.LittleEndian.PutUint64(r.countOut, uint64(r.count))
	if err := r.recvCount.Start(); err != nil {
		return fmt.Errorf("ring handshake: %w", err)
	}
	if err := r.sendCount.Start(); err != nil {
		return fmt.Errorf("ring handshake: %w", err)
	}
	if err := r.recvCount.Wait(); err != nil {
		return fmt.Errorf("ring handshake: %w", err)
	}
	if err := r.sendCount.Wait(); err != nil {
		return fmt.Errorf("ring handshake: %w", err)
	}
	r.nextCount = int(binary.LittleEndian.Uint64(r.countIn))
	for k, b := range r.blocks {
		if b != nil && r.nextCount > b.Cap() {
			return fmt.Errorf("%w: %d %s items arriving, capacity %d", grid.ErrShape, r.nextCount, Kind(k), b.Cap())
		}
	}
	r.phase = phaseShaken
	return nil
}

// Post posts the send of live block k and the receive of the next one
// ahead of Start. The live block must not be written until the step is
// advanced.
func (r *Ring) Post(k Kind) error {
	if r.state != Rotating || r.phase != phaseShaken || k < 0 || k >= NumKinds || r.posted[k] {
		return r.invalid("post " + k.String())
	}
	if err := r.post(k); err != nil {
		return err
	}
	r.posted[k] = true
	return nil
}

// Start posts the sends of the live blocks and the receives of the next
// ones not yet posted, skipping empty transfers.
func (r *Ring) Start() error {
	if r.state != Rotating || r.phase != phaseShaken {
		return r.invalid("start")
	}
	for k := Kind(0); k < NumKinds; k++ {
		if r.posted[k] {
			continue
		}
		if err := r.post(k); err != nil {
			return err
		}
	}
	r.posted = [NumKinds]bool{}
	r.phase = phaseStarted
	return nil
}

func (r *Ring) post(k Kind) error {
	b := r.blocks[k]
	if b == nil {
		return nil
	}
	if r.count > 0 {
		req, err := r.comm.Isend(r.next, r.tag+1+int(k), b.Payload())
		if err != nil {
			return fmt.Errorf("ring send %s: %w", k, err)
		}
		r.sends[k] = req
		b.SetFlag(core.FlagSendPending)
	}
	if r.nextCount > 0 {
		req, err := r.comm.Irecv(r.prev, r.tag+1+int(k), b.Landing(r.nextCount))
		if err != nil {
			return fmt.Errorf("ring receive %s: %w", k, err)
		}
		r.recvs[k] = req
		b.SetFlag(core.FlagRecvPending)
	}
	return nil
}

// Advance closes the current step.
func (r *Ring) Advance() error {
	if r.state != Rotating || r.phase != phaseStarted {
		return r.invalid("advance")
	}
	r.count = r.nextCount
	r.step++
	r.phase = phaseReady
	return nil
}

// Done reports whether every rotation step has been advanced past.
func (r *Ring) Done() bool {
	return r.state == Rotating && r.step == r.ncol
}

// Drain waits for the last transfers, which bring the blocks home, and
// releases the handshake requests.
func (r *Ring) Drain() error {
	if !r.Done() || r.phase != phaseReady {
		return r.invalid("drain")
	}
	if err := r.completeAll(); err != nil {
		return err
	}
	if err := r.free(); err != nil {
		return err
	}
	r.state = Drained
	return nil
}

// Reset returns a drained ring to Idle.
func (r *Ring) Reset() error {
	if r.state != Drained && r.state != Idle {
		return r.invalid("reset")
	}
	r.state = Idle
	r.step, r.phase = 0, phaseReady
	return nil
}

// Abort releases the ring from any state without completing transfers.
// Pending receives are abandoned.
func (r *Ring) Abort() {
	for k, b := range r.blocks {
		if b != nil {
			b.ClearFlag(core.FlagRecvPending | core.FlagSendPending)
		}
		r.sends[k], r.recvs[k] = nil, nil
	}
	if r.sendCount != nil {
		_ = r.sendCount.Wait()
		_ = r.sendCount.Free()
	}
	if r.recvCount != nil {
		_ = r.recvCount.Free()
	}
	r.sendCount, r.recvCount = nil, nil
	r.posted = [NumKinds]bool{}
	r.state = Idle
	r.step, r.phase = 0, phaseReady
}

func (r *Ring) free() error {
	err := errors.Join(r.sendCount.Free(), r.recvCount.Free())
	r.sendCount, r.recvCount = nil, nil
	if err != nil {
		return fmt.Errorf("ring release: %w", err)
	}
	return nil
}

// Visit is called once per rotation step with the step number and the
// column the live blocks came from. It may read every live block but write
// only Forces: States and Occupations are already on their way to the next
// column.
type Visit func(step, origin int) error

// Cycle runs a full rotation of count items: Init, every step, Drain and
// Reset. On error the ring is aborted.
func (r *Ring) Cycle(count int, visit Visit) error {
	if err := r.Init(count); err != nil {
		return err
	}
	err := r.cycle(visit)
	if err != nil {
		r.Abort()
		return err
	}
	return r.Reset()
}

func (r *Ring) cycle(visit Visit) error {
	for !r.Done() {
		if err := r.Complete(); err != nil {
			return err
		}
		if err := r.Handshake(); err != nil {
			return err
		}
		for _, k := range [...]Kind{States, Occupations} {
			if err := r.Post(k); err != nil {
				return err
			}
		}
		if err := visit(r.step, r.Origin()); err != nil {
			return err
		}
		if err := r.Start(); err != nil {
			return err
		}
		if err := r.Advance(); err != nil {
			return err
		}
	}
	return r.Drain()
}
