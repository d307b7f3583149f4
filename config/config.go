// Package config loads the run configuration of the exx command from YAML
// or TOML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/sbl8/exx/exchange"
	"github.com/sbl8/exx/grid"
	"github.com/sbl8/exx/kernels"
	"github.com/sbl8/exx/model"
	"github.com/sbl8/exx/planewave"
)

// ErrInvalid reports an unusable configuration.
var ErrInvalid = errors.New("config: invalid configuration")

// Orbital initializations.
const (
	OrbitalsPlaneWaves = "planewaves"
	OrbitalsGaussians  = "gaussians"
)

// Config holds a complete exchange run.
type Config struct {
	// Cell lattice vectors, one row per vector, in bohr
	Cell  [][]float64 `yaml:"cell" toml:"cell"`
	Ecut  float64     `yaml:"ecut" toml:"ecut"` // hartree
	NSpin int         `yaml:"nspin" toml:"nspin"`
	// States per spin channel
	States []int `yaml:"states" toml:"states"`

	// K-points in reciprocal-lattice coordinates; empty means Gamma only
	KPoints [][]float64 `yaml:"kpoints,omitempty" toml:"kpoints,omitempty"`
	Weights []float64   `yaml:"weights,omitempty" toml:"weights,omitempty"`

	// Occupations per spin channel. When empty, Electrons are filled into
	// the lowest states.
	Occupations [][]float64 `yaml:"occupations,omitempty" toml:"occupations,omitempty"`
	Electrons   float64     `yaml:"electrons" toml:"electrons"`

	Kernel   KernelConfig   `yaml:"kernel" toml:"kernel"`
	Exchange ExchangeConfig `yaml:"exchange" toml:"exchange"`
	Grid     GridConfig     `yaml:"grid" toml:"grid"`
	Orbitals OrbitalConfig  `yaml:"orbitals" toml:"orbitals"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// KernelConfig selects the interaction: a named preset, or explicit mixing
// parameters when Preset is empty.
type KernelConfig struct {
	Preset string  `yaml:"preset" toml:"preset"`
	Alpha  float64 `yaml:"alpha" toml:"alpha"`
	Beta   float64 `yaml:"beta" toml:"beta"`
	Mu     float64 `yaml:"mu" toml:"mu"`
}

// ExchangeConfig configures the engine.
type ExchangeConfig struct {
	RCut           float64 `yaml:"rcut" toml:"rcut"`
	Prune          bool    `yaml:"prune" toml:"prune"`
	PruneDistance  float64 `yaml:"prune_distance" toml:"prune_distance"`
	ApplyTransform bool    `yaml:"apply_transform" toml:"apply_transform"`
	Workers        int     `yaml:"workers" toml:"workers"`
	Stress         bool    `yaml:"stress" toml:"stress"`
}

// GridConfig is the process grid.
type GridConfig struct {
	Rows int `yaml:"rows" toml:"rows"`
	Cols int `yaml:"cols" toml:"cols"`
}

// OrbitalConfig chooses the starting orbitals.
type OrbitalConfig struct {
	Kind    string      `yaml:"kind" toml:"kind"`
	Centers [][]float64 `yaml:"centers,omitempty" toml:"centers,omitempty"`
	Width   float64     `yaml:"width" toml:"width"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr serves /metrics while a run is active; empty disables it
	Addr string `yaml:"addr,omitempty" toml:"addr,omitempty"`
}

// Default returns a Hartree-Fock run of four plane-wave orbitals in a cubic
// cell on one process.
func Default() *Config {
	return &Config{
		Cell:      [][]float64{{8, 0, 0}, {0, 8, 0}, {0, 0, 8}},
		Ecut:      5,
		NSpin:     1,
		States:    []int{4},
		Electrons: 8,
		Kernel:    KernelConfig{Preset: "hf"},
		Exchange: ExchangeConfig{
			RCut:    1,
			Workers: runtime.NumCPU(),
			Stress:  true,
		},
		Grid:     GridConfig{Rows: 1, Cols: 1},
		Orbitals: OrbitalConfig{Kind: OrbitalsPlaneWaves, Width: 1},
	}
}

// Load reads a configuration over the defaults. Files ending in .toml are
// decoded as TOML, anything else as YAML.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if cfg.Exchange.Prune && cfg.Exchange.PruneDistance <= 0 {
		cfg.Exchange.PruneDistance = exchange.DefaultPruneDistance
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Validate checks the configuration without building anything.
func (c *Config) Validate() error {
	if _, err := c.CellValue(); err != nil {
		return err
	}
	if c.Ecut <= 0 {
		return fmt.Errorf("%w: ecut %g", ErrInvalid, c.Ecut)
	}
	if c.NSpin != 1 && c.NSpin != 2 {
		return fmt.Errorf("%w: nspin %d", ErrInvalid, c.NSpin)
	}
	if len(c.States) != c.NSpin {
		return fmt.Errorf("%w: %d state counts for %d spins", ErrInvalid, len(c.States), c.NSpin)
	}
	for _, n := range c.States {
		if n < 0 {
			return fmt.Errorf("%w: negative state count %d", ErrInvalid, n)
		}
	}
	if _, err := vectors("kpoint", c.KPoints); err != nil {
		return err
	}
	if len(c.Weights) != 0 && len(c.Weights) != len(c.KPoints) {
		return fmt.Errorf("%w: %d weights for %d k-points", ErrInvalid, len(c.Weights), len(c.KPoints))
	}
	if len(c.Occupations) != 0 {
		if len(c.Occupations) != c.NSpin {
			return fmt.Errorf("%w: occupations for %d spins, need %d", ErrInvalid, len(c.Occupations), c.NSpin)
		}
		for ispin, occ := range c.Occupations {
			if len(occ) != c.States[ispin] {
				return fmt.Errorf("%w: %d occupations for %d states of spin %d",
					ErrInvalid, len(occ), c.States[ispin], ispin)
			}
		}
	}
	if _, err := c.Interaction(); err != nil {
		return err
	}
	if c.Grid.Rows < 1 || c.Grid.Cols < 1 {
		return fmt.Errorf("%w: process grid %dx%d", ErrInvalid, c.Grid.Rows, c.Grid.Cols)
	}
	switch c.Orbitals.Kind {
	case OrbitalsPlaneWaves:
	case OrbitalsGaussians:
		if len(c.Orbitals.Centers) == 0 || c.Orbitals.Width <= 0 {
			return fmt.Errorf("%w: gaussians need centers and a positive width", ErrInvalid)
		}
		if _, err := vectors("center", c.Orbitals.Centers); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown orbitals %q", ErrInvalid, c.Orbitals.Kind)
	}
	return nil
}

// CellValue returns the simulation cell.
func (c *Config) CellValue() (planewave.Cell, error) {
	v, err := vectors("lattice vector", c.Cell)
	if err != nil {
		return planewave.Cell{}, err
	}
	if len(v) != 3 {
		return planewave.Cell{}, fmt.Errorf("%w: %d lattice vectors", ErrInvalid, len(v))
	}
	return planewave.NewCell(v[0], v[1], v[2])
}

// Interaction resolves the kernel.
func (c *Config) Interaction() (kernels.Interaction, error) {
	if c.Kernel.Preset != "" {
		return kernels.LookupPreset(c.Kernel.Preset)
	}
	return kernels.NewInteraction(c.Kernel.Alpha, c.Kernel.Beta, c.Kernel.Mu)
}

// Options returns the engine options; logging and metrics are left to the
// caller.
func (c *Config) Options() (exchange.Options, error) {
	k, err := c.Interaction()
	if err != nil {
		return exchange.Options{}, err
	}
	opts := exchange.DefaultOptions()
	opts.Alpha, opts.Beta, opts.Mu = k.Alpha, k.Beta, k.Mu
	if c.Exchange.RCut > 0 {
		opts.RCut = c.Exchange.RCut
	}
	if c.Exchange.Workers > 0 {
		opts.Workers = c.Exchange.Workers
	}
	if c.Exchange.Prune {
		opts.PruneDistance = c.Exchange.PruneDistance
		if opts.PruneDistance <= 0 {
			opts.PruneDistance = exchange.DefaultPruneDistance
		}
	}
	opts.ApplyTransform = c.Exchange.ApplyTransform
	return opts, nil
}

// Build allocates and initializes the orbitals of this process.
func (c *Config) Build(comm grid.Comm) (*model.Wavefunction, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cell, err := c.CellValue()
	if err != nil {
		return nil, err
	}
	kpoints, _ := vectors("kpoint", c.KPoints)
	wf, err := model.NewWavefunction(model.Config{
		Cell:    cell,
		Ecut:    c.Ecut,
		NSpin:   c.NSpin,
		NSt:     c.States,
		KPoints: kpoints,
		Weights: c.Weights,
	}, comm)
	if err != nil {
		return nil, err
	}

	switch c.Orbitals.Kind {
	case OrbitalsGaussians:
		centers, _ := vectors("center", c.Orbitals.Centers)
		err = wf.InitGaussians(centers, c.Orbitals.Width)
	default:
		err = wf.InitPlaneWaves()
	}
	if err != nil {
		return nil, fmt.Errorf("initialize orbitals: %w", err)
	}

	if len(c.Occupations) == 0 {
		if err := wf.FillOccupations(c.Electrons); err != nil {
			return nil, err
		}
		return wf, nil
	}
	for ispin, occ := range c.Occupations {
		for ikp := 0; ikp < wf.NKp(); ikp++ {
			sd := wf.SD(ispin, ikp)
			for n, v := range occ {
				if err := sd.SetOcc(n, v); err != nil {
					return nil, err
				}
			}
		}
	}
	return wf, nil
}

func vectors(what string, rows [][]float64) ([]planewave.Vec3, error) {
	out := make([]planewave.Vec3, len(rows))
	for i, r := range rows {
		if len(r) != 3 {
			return nil, fmt.Errorf("%w: %s %d has %d components", ErrInvalid, what, i, len(r))
		}
		out[i] = planewave.Vec3{r[0], r[1], r[2]}
	}
	return out, nil
}
