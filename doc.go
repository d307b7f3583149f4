// Package exx implements distributed exact and screened exchange for
// plane-wave electronic structure.
//
// The exchange energy of a set of occupied orbitals is a sum over every pair
// of orbitals of the Coulomb-like interaction of their pair density. exx
// evaluates it, together with its gradient with respect to the orbital
// coefficients and its stress, for orbitals distributed over a rectangular
// process grid: plane-wave coefficients are split across process rows and
// states across process columns.
//
// # Architecture Overview
//
//   - Ring: the states of each column circulate around the process row so
//     that every pair meets on exactly one process, with double-buffered
//     blocks that overlap communication and computation
//   - Kernel: the interaction V(|q+G|^2), plain Coulomb or range separated
//   - Pruner: optional maximally localized orbitals whose centers let far
//     apart pairs be skipped
//   - Engine: pair evaluation, divergence correction of the G=0
//     singularity, stress, and a linearized operator for iterative solvers
//
// # Basic Usage
//
//	err := grid.Run(ctx, 2, 2, func(ctx context.Context, c grid.Comm) error {
//	    wf, err := cfg.Build(c)
//	    if err != nil {
//	        return err
//	    }
//	    e, err := exchange.New(wf, c, exchange.DefaultOptions())
//	    if err != nil {
//	        return err
//	    }
//	    energy, err := e.UpdateOperator(ctx, true)
//	    ...
//	})
//
// # Package Structure
//
//   - core: aligned buffers, dual-buffer blocks and message frames
//   - kernels: interaction kernel, presets and complex vector kernels
//   - planewave: cells, plane-wave bases and 3-D transforms
//   - grid: process grid communicator and in-memory loopback transport
//   - model: Slater determinants and wavefunctions
//   - ring: ring permutation state machine
//   - localize: joint diagonalization and orbital centers
//   - exchange: the exchange engine
//   - config: YAML and TOML run configuration
//   - cmd/exx: command-line tool
package exx
