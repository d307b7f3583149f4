/*
exx evaluates exact and screened exchange for plane-wave orbitals on an
in-process grid of ranks.

Usage:

	exx <command> [flags]

Commands:

	exx run       Run energy, operator and apply updates for a configuration
	exx bench     Repeat updates and report timings
	exx kernel    Tabulate the interaction kernel of a preset
	exx presets   List the kernel presets

The run configuration is read from --config (YAML, or TOML by extension);
without it the built-in default is used.
*/
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sbl8/exx/config"
)

const version = "0.3.0"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:     "exx",
	Short:   "Distributed exact exchange for plane-wave orbitals",
	Version: version,
	Long: `exx builds a set of plane-wave orbitals from a run configuration, distributes
them over a process grid and evaluates the exchange energy, gradient and stress.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "run configuration (.yaml or .toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.SetVersionTemplate(fmt.Sprintf("exx %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config, or the default configuration when it is unset.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		var err error
		if cfg, err = config.Load(cfgFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the production logger tagged with a fresh run id.
func newLogger() (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.With(zap.String("run_id", uuid.NewString())), nil
}
