package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command; commands share flag state, so tests using
// it do not run in parallel.
func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { cfgFile, verbose = "", false })
	require.NoError(t, rootCmd.Execute(), out.String())
	return out.String()
}

func TestPresets(t *testing.T) {
	out := execute(t, "presets")
	for _, name := range []string{"none", "hf", "pbe0", "b3lyp", "hse"} {
		assert.Contains(t, out, name)
	}
}

func TestKernelTable(t *testing.T) {
	out := execute(t, "kernel", "hse", "--points", "5", "--gmax", "2")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	// comment, header and five rows
	assert.Len(t, lines, 7)
	assert.Contains(t, lines[0], "mu=0.11")
}

func TestRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	cfg := `
cell: [[6, 0, 0], [0, 6, 0], [0, 0, 6]]
ecut: 2
nspin: 1
states: [3]
electrons: 5
kernel:
  preset: pbe0
exchange:
  stress: true
  workers: 2
grid:
  rows: 2
  cols: 2
orbitals:
  kind: planewaves
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	out := execute(t, "run", "--config", path)
	assert.Contains(t, out, "exchange energy")
	assert.Contains(t, out, "divergence")
	assert.Contains(t, out, "process grid      2x2")
	assert.Contains(t, out, "apply residual")
	assert.Contains(t, out, "electrons         5.000000")
	assert.NotContains(t, out, "spread")
}

func TestRunPruned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pruned.toml")
	cfg := `
cell = [[8.0, 0.0, 0.0], [0.0, 8.0, 0.0], [0.0, 0.0, 8.0]]
ecut = 2.0
nspin = 1
states = [2]
occupations = [[2.0, 2.0]]

[kernel]
preset = "hf"

[exchange]
prune = true
prune_distance = 3.0
apply_transform = true
workers = 1

[grid]
rows = 1
cols = 2

[orbitals]
kind = "gaussians"
centers = [[1.0, 1.0, 1.0], [4.0, 4.0, 4.0]]
width = 0.8
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	out := execute(t, "run", "--config", path)
	assert.Contains(t, out, "electrons         4.000000")
	assert.Contains(t, out, "overlaps")
	assert.Contains(t, out, "spread")
	assert.Contains(t, out, "dipole")
}
