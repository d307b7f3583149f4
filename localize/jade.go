package localize

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

const (
	// MaxSweeps bounds the number of Jacobi sweeps of JointDiagonalize.
	MaxSweeps = 100

	// Tolerance is the rotation size below which a pair counts as converged.
	Tolerance = 1e-8
)

// ErrNotConverged is returned when the sweep limit is reached before every
// rotation fell below the tolerance.
var ErrNotConverged = errors.New("localize: joint diagonalization did not converge")

// Diagonalization is the result of a joint approximate diagonalization.
type Diagonalization struct {
	// U is the n x n unitary transform, row-major.
	U []complex128
	// Diag holds, per input matrix, the diagonal of U^H A U.
	Diag   [][]complex128
	Sweeps int
}

// JointDiagonalize finds the unitary U making every n x n Hermitian matrix in
// a (row-major) as diagonal as possible, by Jacobi sweeps of complex plane
// rotations over all index pairs. The matrices are overwritten with U^H A U.
// When the sweep limit is reached the best transform found is returned
// together with ErrNotConverged.
func JointDiagonalize(a [][]complex128, n, maxSweeps int, tol float64) (*Diagonalization, error) {
	for k, m := range a {
		if len(m) != n*n {
			return nil, fmt.Errorf("localize: matrix %d has %d entries, want %d", k, len(m), n*n)
		}
	}
	u := make([]complex128, n*n)
	for i := 0; i < n; i++ {
		u[i*n+i] = 1
	}

	var (
		gram  = mat.NewSymDense(3, nil)
		eig   mat.EigenSym
		vecs  mat.Dense
		sweep int
		err   error
	)
	for {
		if sweep >= maxSweeps {
			err = ErrNotConverged
			break
		}
		sweep++
		rotated := false
		for p := 0; p < n-1; p++ {
			for q := p + 1; q < n; q++ {
				if !gramPair(gram, a, n, p, q) {
					continue
				}
				if !eig.Factorize(gram, true) {
					return nil, fmt.Errorf("localize: eigen decomposition failed at pair (%d,%d)", p, q)
				}
				eig.VectorsTo(&vecs)
				// Values are ascending: column 2 belongs to the largest.
				x, y, z := vecs.At(0, 2), vecs.At(1, 2), vecs.At(2, 2)
				if x < 0 {
					x, y, z = -x, -y, -z
				}
				c := math.Sqrt(0.5 + 0.5*x)
				sr := complex(0.5*y/c, -0.5*z/c)
				if cmplx.Abs(sr) <= tol {
					continue
				}
				rotated = true
				rotate(a, u, n, p, q, complex(c, 0), sr)
			}
		}
		if !rotated {
			break
		}
	}

	d := &Diagonalization{U: u, Diag: make([][]complex128, len(a)), Sweeps: sweep}
	for k, m := range a {
		d.Diag[k] = make([]complex128, n)
		for i := 0; i < n; i++ {
			d.Diag[k][i] = m[i*n+i]
		}
	}
	return d, err
}

// gramPair fills g with Re(sum_k h_k h_k^H), where
// h_k = (a_pp - a_qq, a_pq + a_qp, i(a_qp - a_pq)) for matrix k. It reports
// false when the (p,q) off-diagonal entries vanish and no rotation is needed.
func gramPair(g *mat.SymDense, a [][]complex128, n, p, q int) bool {
	var s [3][3]float64
	for _, m := range a {
		h := [3]complex128{
			m[p*n+p] - m[q*n+q],
			m[p*n+q] + m[q*n+p],
			complex(0, 1) * (m[q*n+p] - m[p*n+q]),
		}
		for r := 0; r < 3; r++ {
			for t := r; t < 3; t++ {
				s[r][t] += real(h[r] * cmplx.Conj(h[t]))
			}
		}
	}
	off := s[1][1] + s[2][2]
	if off <= 1e-28*(s[0][0]+off) {
		return false
	}
	for r := 0; r < 3; r++ {
		for t := r; t < 3; t++ {
			g.SetSym(r, t, s[r][t])
		}
	}
	return true
}

// rotate applies the plane rotation G = [[c, -conj(s)], [s, c]] acting on
// indices p and q: A <- G^H A G for every matrix and U <- U G.
func rotate(a [][]complex128, u []complex128, n, p, q int, c, s complex128) {
	sc := cmplx.Conj(s)
	for _, m := range a {
		for i := 0; i < n; i++ {
			mp, mq := m[i*n+p], m[i*n+q]
			m[i*n+p] = c*mp + s*mq
			m[i*n+q] = c*mq - sc*mp
		}
		rp, rq := m[p*n:(p+1)*n], m[q*n:(q+1)*n]
		for j := 0; j < n; j++ {
			xp, xq := rp[j], rq[j]
			rp[j] = c*xp + sc*xq
			rq[j] = c*xq - s*xp
		}
	}
	for i := 0; i < n; i++ {
		up, uq := u[i*n+p], u[i*n+q]
		u[i*n+p] = c*up + s*uq
		u[i*n+q] = c*uq - sc*up
	}
}

// OffDiagonal returns the sum of squared moduli of the off-diagonal entries
// of the n x n matrices in a.
func OffDiagonal(a [][]complex128, n int) float64 {
	var off float64
	for _, m := range a {
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				if i != j {
					v := m[i*n+j]
					off += real(v)*real(v) + imag(v)*imag(v)
				}
			}
		}
	}
	return off
}
