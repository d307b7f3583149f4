// Package grid provides the process-grid abstraction of the exchange engine.
//
// Processes are arranged in an nprow x npcol grid. Plane-wave coefficients
// are split across rows and orbitals across columns, so a process talks to
// the other members of its row, of its column, or to everyone.
//
// Key components:
//   - Comm: rank identity, non-blocking point-to-point messages, persistent
//     requests and in-place reductions over a Scope
//   - Hub: in-memory loopback transport hosting every rank of a grid in one
//     process, with framed and checksummed messages
//   - Run: launches one goroutine per rank and returns the first failure
package grid

import (
	"errors"
	"fmt"

	"github.com/sbl8/exx/core"
)

var (
	// ErrClosed reports an operation on a hub whose context has ended.
	ErrClosed = errors.New("grid: closed")
	// ErrRequestActive reports Start on a persistent request that was not waited on.
	ErrRequestActive = errors.New("grid: request already active")
	// ErrRequestFreed reports use of a persistent request after Free.
	ErrRequestFreed = errors.New("grid: request freed")
	// ErrShape reports mismatched buffer lengths, ranks or reduction layouts.
	ErrShape = errors.New("grid: shape mismatch")
)

// Scope selects the processes taking part in a reduction.
type Scope int

const (
	// ScopeRow is every process sharing my row.
	ScopeRow Scope = iota
	// ScopeCol is every process sharing my column.
	ScopeCol
	// ScopeAll is the whole grid.
	ScopeAll
)

func (s Scope) String() string {
	switch s {
	case ScopeRow:
		return "row"
	case ScopeCol:
		return "col"
	case ScopeAll:
		return "all"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// Request is a pending non-blocking operation. Wait blocks until the
// operation completes; calling it again returns the same result.
type Request interface {
	Wait() error
}

// Persistent is a reusable request bound to a peer, a tag and a buffer.
// Start begins one transfer of the buffer and Wait completes it. Start on an
// active request, or any call after Free, is an error.
type Persistent interface {
	Start() error
	Wait() error
	Free() error
}

// Comm is one process's view of the grid.
type Comm interface {
	Rank() int
	Size() int
	MyRow() int
	MyCol() int
	NPRow() int
	NPCol() int
	// PMap returns the rank at (row, col).
	PMap(row, col int) int

	// Isend sends a copy of payload to dst. payload may be reused once the
	// request completes.
	Isend(dst, tag int, payload []byte) (Request, error)
	// Irecv receives the next message from src with tag into buf, whose
	// length must match the message.
	Irecv(src, tag int, buf []byte) (Request, error)
	SendInit(dst, tag int, buf []byte) (Persistent, error)
	RecvInit(src, tag int, buf []byte) (Persistent, error)

	// Sum, Min and Max reduce x element-wise over scope, in place.
	Sum(scope Scope, x []float64) error
	Min(scope Scope, x []float64) error
	Max(scope Scope, x []float64) error
	Barrier(scope Scope) error
}

// Shape describes a process grid.
type Shape struct {
	NPRow int
	NPCol int
}

// Size returns the number of processes.
func (s Shape) Size() int { return s.NPRow * s.NPCol }

// Validate checks that both dimensions are positive.
func (s Shape) Validate() error {
	if s.NPRow < 1 || s.NPCol < 1 {
		return fmt.Errorf("%w: grid %dx%d", ErrShape, s.NPRow, s.NPCol)
	}
	return nil
}

// PMap returns the rank at (row, col); ranks run along rows first.
func (s Shape) PMap(row, col int) int { return row*s.NPCol + col }

// Coords returns the (row, col) of rank.
func (s Shape) Coords(rank int) (row, col int) { return rank / s.NPCol, rank % s.NPCol }

// Members lists the ranks in scope for the process at (row, col).
func (s Shape) Members(scope Scope, row, col int) []int {
	switch scope {
	case ScopeRow:
		out := make([]int, s.NPCol)
		for c := range out {
			out[c] = s.PMap(row, c)
		}
		return out
	case ScopeCol:
		out := make([]int, s.NPRow)
		for r := range out {
			out[r] = s.PMap(r, col)
		}
		return out
	default:
		out := make([]int, s.Size())
		for r := range out {
			out[r] = r
		}
		return out
	}
}

// SumComplex reduces complex values over scope through their float view.
func SumComplex(c Comm, scope Scope, x []complex128) error {
	return c.Sum(scope, core.ComplexAsFloats(x))
}
