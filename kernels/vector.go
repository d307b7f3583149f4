package kernels

import (
	"math/cmplx"

	"gonum.org/v1/gonum/cmplxs"
)

// PairDensity stores conj(a)*b in dst.
func PairDensity(dst, a, b []complex128) {
	cmplxs.MulConjTo(dst, b, a)
}

// PairProduct stores a*b in dst.
func PairProduct(dst, a, b []complex128) {
	cmplxs.MulTo(dst, a, b)
}

// WeightedNorm returns sum |rho[i]|^2 * w[i].
func WeightedNorm(rho []complex128, w []float64) float64 {
	var sum float64
	for i, z := range rho {
		re, im := real(z), imag(z)
		sum += (re*re + im*im) * w[i]
	}
	return sum
}

// WeightedMoment returns sum |rho[i]|^2 * w[i] * a[i] * b[i].
func WeightedMoment(rho []complex128, w, a, b []float64) float64 {
	var sum float64
	for i, z := range rho {
		re, im := real(z), imag(z)
		sum += (re*re + im*im) * w[i] * a[i] * b[i]
	}
	return sum
}

// ScaleByReal multiplies rho element-wise by w.
func ScaleByReal(rho []complex128, w []float64) {
	for i := range rho {
		rho[i] *= complex(w[i], 0)
	}
}

// MulAdd adds f*a*v element-wise to dst.
func MulAdd(dst, a, v []complex128, f float64) {
	cf := complex(f, 0)
	for i := range dst {
		dst[i] += cf * a[i] * v[i]
	}
}

// MulConjAdd adds f*a*conj(v) element-wise to dst.
func MulConjAdd(dst, a, v []complex128, f float64) {
	cf := complex(f, 0)
	for i := range dst {
		dst[i] += cf * a[i] * cmplx.Conj(v[i])
	}
}

// ConjMulAdd adds f*conj(a)*v element-wise to dst.
func ConjMulAdd(dst, a, v []complex128, f float64) {
	cf := complex(f, 0)
	for i := range dst {
		dst[i] += cf * cmplx.Conj(a[i]) * v[i]
	}
}

// AddScaled adds f*s to dst.
func AddScaled(dst []complex128, f float64, s []complex128) {
	cmplxs.AddScaled(dst, complex(f, 0), s)
}

// Dot returns sum conj(a[i])*b[i].
func Dot(a, b []complex128) complex128 {
	return cmplxs.Dot(a, b)
}

// Norm2 returns sum |a[i]|^2.
func Norm2(a []complex128) float64 {
	return real(cmplxs.Dot(a, a))
}
