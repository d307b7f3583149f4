package grid

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sbl8/exx/core"
)

// Hub is an in-memory transport connecting every rank of a grid.
//
// Point-to-point messages are framed and checksummed with the core codec,
// queued per (source, destination, tag) and matched to receives in posting
// order. Sends complete immediately. Reductions rendezvous all members of a
// scope and combine contributions in rank order, so results do not depend on
// arrival order. Every blocking wait ends with ErrClosed once the hub context
// is done.
type Hub struct {
	ctx   context.Context
	shape Shape
	pool  *core.BufferPool

	mu     sync.Mutex
	boxes  map[boxKey]*mailbox
	rounds map[roundKey]*round

	messages   atomic.Int64
	bytes      atomic.Int64
	reductions atomic.Int64
}

// HubStats counts traffic through a hub
type HubStats struct {
	Messages   int64
	Bytes      int64
	Reductions int64
}

type boxKey struct{ src, dst, tag int }

type mailbox struct {
	sent   uint64
	posted uint64
	frames map[uint64][]byte
	notify chan struct{}
}

type reduceOp int

const (
	opSum reduceOp = iota
	opMin
	opMax
)

type groupKey struct {
	scope Scope
	index int
}

type roundKey struct {
	group groupKey
	gen   uint64
}

type round struct {
	op      reduceOp
	contrib [][]float64
	arrived int
	left    int
	result  []float64
	err     error
	done    chan struct{}
}

// NewHub creates a hub for an nprow x npcol grid living as long as ctx.
func NewHub(ctx context.Context, nprow, npcol int) (*Hub, error) {
	shape := Shape{NPRow: nprow, NPCol: npcol}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	return &Hub{
		ctx:    ctx,
		shape:  shape,
		pool:   core.NewBufferPool(core.FrameHeaderSize + 4096),
		boxes:  make(map[boxKey]*mailbox),
		rounds: make(map[roundKey]*round),
	}, nil
}

// Shape returns the grid dimensions.
func (h *Hub) Shape() Shape { return h.shape }

// Frames reports the framing overhead of the messages counted in s.
func (s HubStats) Frames() core.FrameStats {
	return core.AnalyzeFrames(s.Messages, s.Bytes-s.Messages*core.FrameHeaderSize)
}

// Traffic returns the counters of the hub c belongs to. It reports false for
// communicators not hosted on a Hub.
func Traffic(c Comm) (HubStats, bool) {
	e, ok := c.(*endpoint)
	if !ok {
		return HubStats{}, false
	}
	return e.hub.Stats(), true
}

// Stats returns traffic counters
func (h *Hub) Stats() HubStats {
	return HubStats{
		Messages:   h.messages.Load(),
		Bytes:      h.bytes.Load(),
		Reductions: h.reductions.Load(),
	}
}

// Comm returns the endpoint of rank.
func (h *Hub) Comm(rank int) (Comm, error) {
	if rank < 0 || rank >= h.shape.Size() {
		return nil, fmt.Errorf("%w: rank %d of %d", ErrShape, rank, h.shape.Size())
	}
	row, col := h.shape.Coords(rank)
	return &endpoint{hub: h, rank: rank, row: row, col: col, gens: make(map[groupKey]uint64)}, nil
}

func (h *Hub) closedErr() error {
	return fmt.Errorf("%w: %w", ErrClosed, context.Cause(h.ctx))
}

func (h *Hub) box(k boxKey) *mailbox {
	mb, ok := h.boxes[k]
	if !ok {
		mb = &mailbox{frames: make(map[uint64][]byte), notify: make(chan struct{})}
		h.boxes[k] = mb
	}
	return mb
}

func (h *Hub) deliver(src, dst, tag int, payload []byte) error {
	if err := h.ctx.Err(); err != nil {
		return h.closedErr()
	}
	frame := core.AppendFrame(h.pool.Get(core.FrameHeaderSize+len(payload)), core.KindRaw, tag, src, payload)

	h.mu.Lock()
	mb := h.box(boxKey{src, dst, tag})
	mb.frames[mb.sent] = frame
	mb.sent++
	close(mb.notify)
	mb.notify = make(chan struct{})
	h.mu.Unlock()

	h.messages.Add(1)
	h.bytes.Add(int64(len(frame)))
	return nil
}

// post reserves the next receive slot on (src, dst, tag).
func (h *Hub) post(k boxKey) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	mb := h.box(k)
	t := mb.posted
	mb.posted++
	return t
}

// collect waits for the frame matching ticket and copies its payload into buf.
func (h *Hub) collect(k boxKey, ticket uint64, buf []byte) error {
	for {
		h.mu.Lock()
		mb := h.box(k)
		frame, ok := mb.frames[ticket]
		if ok {
			delete(mb.frames, ticket)
		}
		notify := mb.notify
		h.mu.Unlock()

		if ok {
			defer h.pool.Put(frame)
			payload, err := core.ExpectFrame(frame, k.tag, k.src)
			if err != nil {
				return err
			}
			if len(payload) != len(buf) {
				return fmt.Errorf("%w: message from %d tag %d has %d bytes, buffer %d",
					ErrShape, k.src, k.tag, len(payload), len(buf))
			}
			copy(buf, payload)
			return nil
		}

		select {
		case <-notify:
		case <-h.ctx.Done():
			return h.closedErr()
		}
	}
}

func (h *Hub) reduce(ep *endpoint, scope Scope, op reduceOp, x []float64) error {
	if h.ctx.Err() != nil {
		return h.closedErr()
	}
	members := h.shape.Members(scope, ep.row, ep.col)
	g := groupKey{scope: scope}
	switch scope {
	case ScopeRow:
		g.index = ep.row
	case ScopeCol:
		g.index = ep.col
	}
	key := roundKey{group: g, gen: ep.gens[g]}
	ep.gens[g]++
	pos := slices.Index(members, ep.rank)

	h.mu.Lock()
	r, ok := h.rounds[key]
	if !ok {
		r = &round{
			op:      op,
			contrib: make([][]float64, len(members)),
			left:    len(members),
			done:    make(chan struct{}),
		}
		h.rounds[key] = r
	}
	if r.op != op {
		r.err = fmt.Errorf("%w: mixed reductions in one %s round", ErrShape, scope)
	}
	r.contrib[pos] = slices.Clone(x)
	r.arrived++
	if r.arrived == len(members) {
		if r.err == nil {
			r.result, r.err = combine(op, r.contrib)
		}
		h.reductions.Add(1)
		close(r.done)
	}
	h.mu.Unlock()

	select {
	case <-r.done:
	case <-h.ctx.Done():
		return h.closedErr()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	r.left--
	if r.left == 0 {
		delete(h.rounds, key)
	}
	if r.err != nil {
		return r.err
	}
	copy(x, r.result)
	return nil
}

func combine(op reduceOp, contrib [][]float64) ([]float64, error) {
	n := len(contrib[0])
	for _, c := range contrib {
		if len(c) != n {
			return nil, fmt.Errorf("%w: reduction lengths %d and %d", ErrShape, n, len(c))
		}
	}
	out := slices.Clone(contrib[0])
	for _, c := range contrib[1:] {
		for i, v := range c {
			switch op {
			case opSum:
				out[i] += v
			case opMin:
				out[i] = math.Min(out[i], v)
			case opMax:
				out[i] = math.Max(out[i], v)
			}
		}
	}
	return out, nil
}

// endpoint is one rank's Comm on a Hub.
type endpoint struct {
	hub      *Hub
	rank     int
	row, col int
	gens     map[groupKey]uint64
}

func (e *endpoint) Rank() int { return e.rank }
func (e *endpoint) Size() int { return e.hub.shape.Size() }
func (e *endpoint) MyRow() int { return e.row }
func (e *endpoint) MyCol() int { return e.col }
func (e *endpoint) NPRow() int { return e.hub.shape.NPRow }
func (e *endpoint) NPCol() int { return e.hub.shape.NPCol }
func (e *endpoint) PMap(row, col int) int { return e.hub.shape.PMap(row, col) }

func (e *endpoint) checkPeer(peer int) error {
	if peer < 0 || peer >= e.Size() {
		return fmt.Errorf("%w: peer %d of %d", ErrShape, peer, e.Size())
	}
	return nil
}

func (e *endpoint) Isend(dst, tag int, payload []byte) (Request, error) {
	if err := e.checkPeer(dst); err != nil {
		return nil, err
	}
	if err := e.hub.deliver(e.rank, dst, tag, payload); err != nil {
		return nil, err
	}
	return doneRequest{}, nil
}

func (e *endpoint) Irecv(src, tag int, buf []byte) (Request, error) {
	if err := e.checkPeer(src); err != nil {
		return nil, err
	}
	if err := e.hub.ctx.Err(); err != nil {
		return nil, e.hub.closedErr()
	}
	k := boxKey{src: src, dst: e.rank, tag: tag}
	return &recvRequest{hub: e.hub, key: k, ticket: e.hub.post(k), buf: buf}, nil
}

func (e *endpoint) SendInit(dst, tag int, buf []byte) (Persistent, error) {
	if err := e.checkPeer(dst); err != nil {
		return nil, err
	}
	return &persistent{ep: e, peer: dst, tag: tag, buf: buf, send: true}, nil
}

func (e *endpoint) RecvInit(src, tag int, buf []byte) (Persistent, error) {
	if err := e.checkPeer(src); err != nil {
		return nil, err
	}
	return &persistent{ep: e, peer: src, tag: tag, buf: buf}, nil
}

func (e *endpoint) Sum(scope Scope, x []float64) error { return e.hub.reduce(e, scope, opSum, x) }
func (e *endpoint) Min(scope Scope, x []float64) error { return e.hub.reduce(e, scope, opMin, x) }
func (e *endpoint) Max(scope Scope, x []float64) error { return e.hub.reduce(e, scope, opMax, x) }
func (e *endpoint) Barrier(scope Scope) error { return e.hub.reduce(e, scope, opSum, nil) }

type doneRequest struct{}

func (doneRequest) Wait() error { return nil }

type recvRequest struct {
	hub    *Hub
	key    boxKey
	ticket uint64
	buf    []byte
	done   bool
	err    error
}

func (r *recvRequest) Wait() error {
	if r.done {
		return r.err
	}
	r.err = r.hub.collect(r.key, r.ticket, r.buf)
	r.done = true
	return r.err
}

type persistent struct {
	ep     *endpoint
	peer   int
	tag    int
	buf    []byte
	send   bool
	active Request
	freed  bool
}

func (p *persistent) Start() error {
	if p.freed {
		return ErrRequestFreed
	}
	if p.active != nil {
		return ErrRequestActive
	}
	var (
		req Request
		err error
	)
	if p.send {
		req, err = p.ep.Isend(p.peer, p.tag, p.buf)
	} else {
		req, err = p.ep.Irecv(p.peer, p.tag, p.buf)
	}
	if err != nil {
		return err
	}
	p.active = req
	return nil
}

func (p *persistent) Wait() error {
	if p.freed {
		return ErrRequestFreed
	}
	if p.active == nil {
		return nil
	}
	err := p.active.Wait()
	p.active = nil
	return err
}

func (p *persistent) Free() error {
	if p.freed {
		return ErrRequestFreed
	}
	if p.active != nil {
		return ErrRequestActive
	}
	p.freed = true
	return nil
}
