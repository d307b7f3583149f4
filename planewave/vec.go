// Package planewave provides the plane-wave machinery the exchange engine
// runs on: lattice cells, reciprocal-space bases distributed over process
// rows, and the 3-D Fourier transform between local coefficients and full
// real-space grids.
//
// Conventions:
//   - A Miller index h maps to grid index h mod n along each direction.
//   - Grids are flat, with i0 fastest: i0 + n0*(i1 + n1*i2).
//   - Backward computes f(r) = sum_G c(G) exp(iG.r) without normalization;
//     Forward computes c(G) = (1/N) sum_r f(r) exp(-iG.r).
package planewave

import "math"

// Vec3 is a Cartesian 3-vector.
type Vec3 [3]float64

// Add returns v+w.
func (v Vec3) Add(w Vec3) Vec3 {
	return Vec3{v[0] + w[0], v[1] + w[1], v[2] + w[2]}
}

// Sub returns v-w.
func (v Vec3) Sub(w Vec3) Vec3 {
	return Vec3{v[0] - w[0], v[1] - w[1], v[2] - w[2]}
}

// Scale returns s*v.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{s * v[0], s * v[1], s * v[2]}
}

// Dot returns the scalar product.
func (v Vec3) Dot(w Vec3) float64 {
	return v[0]*w[0] + v[1]*w[1] + v[2]*w[2]
}

// Cross returns the vector product v x w.
func (v Vec3) Cross(w Vec3) Vec3 {
	return Vec3{
		v[1]*w[2] - v[2]*w[1],
		v[2]*w[0] - v[0]*w[2],
		v[0]*w[1] - v[1]*w[0],
	}
}

// Norm2 returns |v|^2.
func (v Vec3) Norm2() float64 {
	return v.Dot(v)
}

// Norm returns |v|.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Norm2())
}
