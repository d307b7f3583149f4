package exchange

import (
	"math"

	"github.com/sbl8/exx/planewave"
)

// stressAxes lists the Cartesian axes of each stress component in the order
// xx, yy, zz, xy, yz, xz.
var stressAxes = [6][2]int{{0, 0}, {1, 1}, {2, 2}, {0, 1}, {1, 2}, {0, 2}}

// pairTable holds the kernel over the pair-density basis for the k-point
// pair (ki, kj), kj >= ki. Density 0 carries the offset q = ki - kj and
// density 1, used only with several k-points, the time-reversed offset
// q = ki + kj.
type pairTable struct {
	ki, kj int
	n      int // densities in use
	q      [2]planewave.Vec3
	qg     [2][3][]float64 // Cartesian components of q+G
	v, dv  [2][]float64

	// divergence sum of alpha exp(-rc^2 |q+G|^2)/|q+G|^2 over the local
	// rows and both densities, and its cell derivative
	sumExp   float64
	sigmaExp [6]float64
}

// divergence is the per-k-point total of the divergence sums over every
// k-point it pairs with.
type divergence struct {
	sum   float64
	sigma [6]float64
}

func newPairTables(nkp int, single bool) []*pairTable {
	n := 2
	if single {
		n = 1
	}
	tables := make([]*pairTable, 0, nkp*(nkp+1)/2)
	for ki := 0; ki < nkp; ki++ {
		for kj := ki; kj < nkp; kj++ {
			tables = append(tables, &pairTable{ki: ki, kj: kj, n: n})
		}
	}
	return tables
}

// table returns the table of (ki, kj), kj >= ki.
func (e *Engine) table(ki, kj int) *pairTable {
	nkp := e.wf.NKp()
	// tables of ki start after those of every smaller k-point
	idx := ki*nkp - ki*(ki-1)/2 + (kj - ki)
	return e.tables[idx]
}

// refreshTables recomputes kernel values and divergence sums for the
// current cell.
func (e *Engine) refreshTables() {
	b := e.vbasis
	ng := b.LocalSize()
	cell := b.Cell()
	rc2 := e.opts.RCut * e.opts.RCut
	alpha := e.kernel.Alpha

	for k := range e.div {
		e.div[k] = divergence{}
	}
	for _, t := range e.tables {
		ki, kj := e.wf.KPoint(t.ki), e.wf.KPoint(t.kj)
		t.q[0] = cell.Reciprocal(ki.Sub(kj))
		t.q[1] = cell.Reciprocal(ki.Add(kj))
		t.sumExp = 0
		t.sigmaExp = [6]float64{}
		g2 := make([]float64, ng)
		for d := 0; d < t.n; d++ {
			if len(t.v[d]) != ng {
				t.v[d] = make([]float64, ng)
				t.dv[d] = make([]float64, ng)
				for a := 0; a < 3; a++ {
					t.qg[d][a] = make([]float64, ng)
				}
			}
			for a := 0; a < 3; a++ {
				gx := b.GX(a)
				for ig := 0; ig < ng; ig++ {
					t.qg[d][a][ig] = t.q[d][a] + gx[ig]
				}
			}
			for ig := range g2 {
				x, y, z := t.qg[d][0][ig], t.qg[d][1][ig], t.qg[d][2][ig]
				g2[ig] = x*x + y*y + z*z
			}
			e.kernel.Tabulate(g2, t.v[d], t.dv[d])

			if alpha == 0 {
				continue
			}
			for ig, q2 := range g2 {
				if q2 == 0 {
					continue
				}
				q2i := 1 / q2
				s := alpha * math.Exp(-rc2*q2) * q2i
				t.sumExp += s
				f := s * 2 * (rc2 + q2i)
				for c, ax := range stressAxes {
					t.sigmaExp[c] += f * t.qg[d][ax[0]][ig] * t.qg[d][ax[1]][ig]
				}
			}
		}

		// each k-point collects the sums of its pairs weighted by the partner
		e.addDivergence(t.ki, t.kj, t)
		if t.kj != t.ki {
			e.addDivergence(t.kj, t.ki, t)
		}
	}
}

func (e *Engine) addDivergence(k, partner int, t *pairTable) {
	w := e.kfac(partner)
	e.div[k].sum += w * t.sumExp
	for c := range t.sigmaExp {
		e.div[k].sigma[c] += w * t.sigmaExp[c]
	}
}

// kfac is the weight of k-point k in the pair factors: its normalized
// weight, halved when every pair carries a time-reversed density.
func (e *Engine) kfac(k int) float64 {
	if e.single {
		return e.wf.Weight(k)
	}
	return 0.5 * e.wf.Weight(k)
}
