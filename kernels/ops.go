// Package kernels provides the numerical kernels of the exchange engine.
//
// This package implements the reciprocal-space interaction kernel V(g2) and
// its derivative dV/dg2 for plain and range-separated (screened) exchange,
// together with the complex vector kernels used to build pair densities and
// accumulate gradients, and a chunked data-parallel loop for grid-sized work.
//
// Kernel branches:
//   - Zero: both mixing coefficients vanish, V is identically zero
//   - Coulomb: alpha == beta, V = alpha/g2 with the G=0 term excluded
//   - Screened: V = (beta + (alpha-beta)exp(-g2/4mu^2))/g2, with a finite
//     limit at g2 = 0 and a Taylor expansion below the small-g2 threshold
//
// Named parameter sets are registered in the global Catalog for lookup by
// the configuration layer and the command line.
package kernels

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// SmallG2 is the threshold below which the screened kernel switches to its
// Taylor expansion.
const SmallG2 = 1e-6

// ErrInvalidInteraction reports unusable kernel parameters.
var ErrInvalidInteraction = errors.New("kernels: invalid interaction")

// Interaction holds the mixing coefficients of the exchange kernel.
// Alpha weights the long-range part, Beta the short-range part, and Mu is
// the inverse screening length.
type Interaction struct {
	Alpha float64
	Beta  float64
	Mu    float64
}

// NewInteraction validates the parameters and returns the kernel.
func NewInteraction(alpha, beta, mu float64) (Interaction, error) {
	k := Interaction{Alpha: alpha, Beta: beta, Mu: mu}
	if err := k.Validate(); err != nil {
		return Interaction{}, err
	}
	return k, nil
}

// Validate reports whether the kernel can be evaluated.
func (k Interaction) Validate() error {
	for _, v := range [...]float64{k.Alpha, k.Beta, k.Mu} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite parameter in %+v", ErrInvalidInteraction, k)
		}
	}
	if k.Alpha != k.Beta && k.Mu <= 0 {
		return fmt.Errorf("%w: screened kernel (alpha=%g, beta=%g) needs mu > 0, got %g",
			ErrInvalidInteraction, k.Alpha, k.Beta, k.Mu)
	}
	return nil
}

// IsZero reports whether the kernel vanishes identically.
func (k Interaction) IsZero() bool {
	return k.Alpha == 0 && k.Beta == 0
}

// Screened reports whether the kernel is range separated.
func (k Interaction) Screened() bool {
	return k.Alpha != k.Beta
}

// V evaluates the kernel at g2 = |q+G|^2.
func (k Interaction) V(g2 float64) float64 {
	if k.IsZero() {
		return 0
	}
	if !k.Screened() {
		if g2 == 0 {
			return 0
		}
		return k.Alpha / g2
	}

	fac := 0.25 / (k.Mu * k.Mu)
	x := g2 * fac
	d := k.Alpha - k.Beta
	switch {
	case g2 == 0:
		// finite part of the limit
		return -d * fac
	case g2 < SmallG2:
		return k.Alpha/g2 + d*fac*(-1+0.5*x-x*x/6)
	default:
		return (k.Beta + d*math.Exp(-x)) / g2
	}
}

// DV evaluates dV/dg2 at g2 = |q+G|^2.
func (k Interaction) DV(g2 float64) float64 {
	if k.IsZero() {
		return 0
	}
	if !k.Screened() {
		if g2 == 0 {
			return 0
		}
		return -k.Alpha / (g2 * g2)
	}

	fac := 0.25 / (k.Mu * k.Mu)
	x := g2 * fac
	d := k.Alpha - k.Beta
	switch {
	case g2 == 0:
		return 0.5 * d * fac * fac
	case g2 < SmallG2:
		return -k.Alpha/(g2*g2) + 0.5*d*fac*fac - d*g2*fac*fac*fac/3
	default:
		return -(k.Beta/g2 + d*math.Exp(-x)*(fac+1/g2)) / g2
	}
}

// Tabulate fills v and, when non-nil, dv with the kernel evaluated at each g2.
func (k Interaction) Tabulate(g2, v, dv []float64) {
	for i, x := range g2 {
		v[i] = k.V(x)
		if dv != nil {
			dv[i] = k.DV(x)
		}
	}
}

// String formats the parameters
func (k Interaction) String() string {
	return fmt.Sprintf("alpha=%g beta=%g mu=%g", k.Alpha, k.Beta, k.Mu)
}

// Preset is a named parameter set
type Preset struct {
	Name        string
	Interaction Interaction
	Description string
}

// Catalog maps preset names to kernel parameters
var Catalog = map[string]Preset{
	"none": {
		Name:        "none",
		Description: "no exact exchange",
	},
	"hf": {
		Name:        "hf",
		Interaction: Interaction{Alpha: 1, Beta: 1},
		Description: "Hartree-Fock, full unscreened exchange",
	},
	"pbe0": {
		Name:        "pbe0",
		Interaction: Interaction{Alpha: 0.25, Beta: 0.25},
		Description: "PBE0 hybrid, 25% unscreened exchange",
	},
	"b3lyp": {
		Name:        "b3lyp",
		Interaction: Interaction{Alpha: 0.2, Beta: 0.2},
		Description: "B3LYP hybrid, 20% unscreened exchange",
	},
	"hse": {
		Name:        "hse",
		Interaction: Interaction{Alpha: 0, Beta: 0.25, Mu: 0.11},
		Description: "HSE hybrid, 25% short-range exchange screened with mu=0.11",
	},
}

// LookupPreset returns the kernel registered under name.
func LookupPreset(name string) (Interaction, error) {
	p, ok := Catalog[name]
	if !ok {
		return Interaction{}, fmt.Errorf("%w: unknown preset %q", ErrInvalidInteraction, name)
	}
	return p.Interaction, nil
}

// PresetNames returns the catalog names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(Catalog))
	for name := range Catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
