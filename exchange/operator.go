package exchange

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/cblas128"

	"github.com/sbl8/exx/grid"
	"github.com/sbl8/exx/model"
)

// ApplyOperator adds the exchange operator, linearized at the orbitals C0
// and gradient D0 of the last UpdateOperator, applied to the current
// orbitals C, to dwf:
//
//	P1 = C0^H C
//	dC += D0 P1 + C0 (D0^H C - (D0^H C0) P1)
//
// Only dense products of the orbital blocks are needed.
func (e *Engine) ApplyOperator(ctx context.Context, dwf *model.Wavefunction) error {
	if !e.hasRef {
		return ErrNoReference
	}
	if dwf == nil || dwf.NSpin() != e.wf.NSpin() || dwf.NKp() != e.wf.NKp() {
		return fmt.Errorf("%w: accumulator does not match the orbitals", grid.ErrShape)
	}
	for ispin := 0; ispin < e.wf.NSpin(); ispin++ {
		for ikp := 0; ikp < e.wf.NKp(); ikp++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := e.applyBlock(e.wf.SD(ispin, ikp), e.wf0.SD(ispin, ikp), e.dwf.SD(ispin, ikp), dwf.SD(ispin, ikp))
			if err != nil {
				return fmt.Errorf("apply exchange operator spin %d k-point %d: %w", ispin, ikp, err)
			}
		}
	}
	e.metrics.updates.WithLabelValues("apply").Inc()
	return nil
}

func (e *Engine) applyBlock(c, c0, d0, dc *model.SlaterDet) error {
	nst, m, nloc := c.NSt(), c.MLoc(), c.NStLoc()
	if dc.NSt() != nst || dc.MLoc() != m {
		return fmt.Errorf("%w: accumulator of %d states for %d", grid.ErrShape, dc.NSt(), nst)
	}
	if nst == 0 {
		return nil
	}
	x, err := c.Gather(e.comm)
	if err != nil {
		return err
	}
	x0, err := c0.Gather(e.comm)
	if err != nil {
		return err
	}
	xd, err := d0.Gather(e.comm)
	if err != nil {
		return err
	}

	// States are rows: X[n][g]. With Q = P1^T, ET = E^T and R = (D0^H C)^T,
	// the transposed products are row-major Gemm calls over the local rows.
	q := make([]complex128, nst*nst)
	et := make([]complex128, nst*nst)
	r := make([]complex128, nst*nst)
	if m > 0 {
		xm := general(x, nst, m)
		x0m := general(x0, nst, m)
		xdm := general(xd, nst, m)
		cblas128.Gemm(blas.NoTrans, blas.ConjTrans, 1, xm, x0m, 0, general(q, nst, nst))
		cblas128.Gemm(blas.NoTrans, blas.ConjTrans, 1, x0m, xdm, 0, general(et, nst, nst))
		cblas128.Gemm(blas.NoTrans, blas.ConjTrans, 1, xm, xdm, 0, general(r, nst, nst))
	}
	if e.comm.NPRow() > 1 {
		for _, s := range [][]complex128{q, et, r} {
			if err := grid.SumComplex(e.comm, grid.ScopeCol, s); err != nil {
				return err
			}
		}
	}
	// R becomes P2^T = R - Q ET.
	cblas128.Gemm(blas.NoTrans, blas.NoTrans, -1, general(q, nst, nst), general(et, nst, nst), 1, general(r, nst, nst))

	if nloc == 0 || m == 0 {
		return nil
	}
	j0 := c.JGlobal(0)
	out := general(dc.Coeff()[:nloc*m], nloc, m)
	qloc := cblas128.General{Rows: nloc, Cols: nst, Stride: nst, Data: q[j0*nst:]}
	rloc := cblas128.General{Rows: nloc, Cols: nst, Stride: nst, Data: r[j0*nst:]}
	cblas128.Gemm(blas.NoTrans, blas.NoTrans, 1, qloc, general(xd, nst, m), 1, out)
	cblas128.Gemm(blas.NoTrans, blas.NoTrans, 1, rloc, general(x0, nst, m), 1, out)
	return nil
}

func general(data []complex128, rows, cols int) cblas128.General {
	return cblas128.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}
