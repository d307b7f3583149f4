package main

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sbl8/exx/exchange"
	"github.com/sbl8/exx/grid"
)

var (
	benchIter     int
	benchOperator bool
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Time repeated exchange updates",
	RunE:  runBench,
}

func init() {
	benchCmd.Flags().IntVarP(&benchIter, "iter", "n", 10, "updates per rank")
	benchCmd.Flags().BoolVar(&benchOperator, "operator", false, "time UpdateOperator instead of UpdateEnergy")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, _ []string) error {
	if benchIter < 1 {
		return fmt.Errorf("--iter must be positive, got %d", benchIter)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	var (
		mu    sync.Mutex
		stats exchange.Stats
		setup time.Duration
	)
	start := time.Now()
	err = grid.Run(cmd.Context(), cfg.Grid.Rows, cfg.Grid.Cols, func(ctx context.Context, c grid.Comm) error {
		t0 := time.Now()
		e, _, err := newEngine(cfg, c, logger, reg)
		if err != nil {
			return err
		}
		built := time.Since(t0)
		for i := 0; i < benchIter; i++ {
			if benchOperator {
				_, err = e.UpdateOperator(ctx, cfg.Exchange.Stress)
			} else {
				_, err = e.UpdateEnergy(ctx, cfg.Exchange.Stress)
			}
			if err != nil {
				return err
			}
		}
		if c.Rank() == 0 {
			mu.Lock()
			stats, setup = e.Stats(), built
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return err
	}
	total := time.Since(start)
	logger.Debug("bench complete", zap.Duration("elapsed", total))

	kind := "UpdateEnergy"
	if benchOperator {
		kind = "UpdateOperator"
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Exchange Engine Benchmark\n")
	fmt.Fprintf(out, "=========================\n")
	fmt.Fprintf(out, "Go Version: %s\n", runtime.Version())
	fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(out, "CPUs: %d\n", runtime.NumCPU())
	fmt.Fprintf(out, "Process grid: %dx%d\n", cfg.Grid.Rows, cfg.Grid.Cols)
	fmt.Fprintf(out, "Updates: %d x %s\n\n", benchIter, kind)

	pairsPerSecond := float64(stats.PairsEvaluated) / (time.Duration(stats.Updates) * stats.AverageLatency).Seconds()
	fmt.Fprintf(out, "Engine setup:           %v\n", setup)
	fmt.Fprintf(out, "Average update:         %v\n", stats.AverageLatency)
	fmt.Fprintf(out, "Pairs (rank 0):         %d (%.1f pairs/s)\n", stats.PairsEvaluated, pairsPerSecond)
	fmt.Fprintf(out, "Pairs per step:         %v\n", stats.PairsPerStep)
	fmt.Fprintf(out, "Arena:                  %d bytes\n", stats.ArenaBytes)
	fmt.Fprintf(out, "Wall time:              %v\n", total)
	return nil
}
