package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sbl8/exx/config"
	"github.com/sbl8/exx/exchange"
	"github.com/sbl8/exx/grid"
	"github.com/sbl8/exx/kernels"
	"github.com/sbl8/exx/model"
	"github.com/sbl8/exx/planewave"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Evaluate exchange energy, gradient and stress",
	Long: `Build the orbitals of the configuration on every rank of the process grid
and run UpdateEnergy, UpdateOperator and ApplyOperator once. The apply
residual compares the linearized operator at the reference orbitals with the
gradient of UpdateOperator.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// report is what rank 0 prints.
type report struct {
	energy     float64
	operator   float64
	stress     [6]float64
	residual   float64
	divergence exchange.DivergenceTerms
	stats      exchange.Stats
	electrons  float64

	// localization, with pruning only
	overlaps int
	fraction float64
	spread   float64
	dipole   planewave.Vec3
	offDiag  float64
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	reg := prometheus.NewRegistry()
	shutdown := serveMetrics(cfg.Metrics.Addr, reg, logger)
	defer shutdown()

	var (
		mu  sync.Mutex
		rep report
	)
	start := time.Now()
	err = grid.Run(ctx, cfg.Grid.Rows, cfg.Grid.Cols, func(ctx context.Context, c grid.Comm) error {
		r, err := runRank(ctx, cfg, c, logger, reg)
		if err != nil {
			return fmt.Errorf("rank %d: %w", c.Rank(), err)
		}
		if c.Rank() == 0 {
			mu.Lock()
			rep = r
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		logger.Error("run failed", zap.Error(err))
		return err
	}
	logger.Info("run complete", zap.Duration("elapsed", time.Since(start)))

	k, _ := cfg.Interaction()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "kernel            %s\n", k)
	fmt.Fprintf(out, "process grid      %dx%d\n", cfg.Grid.Rows, cfg.Grid.Cols)
	fmt.Fprintf(out, "electrons         %.6f\n", rep.electrons)
	fmt.Fprintf(out, "exchange energy   %.12f Ha\n", rep.energy)
	fmt.Fprintf(out, "operator energy   %.12f Ha\n", rep.operator)
	if cfg.Exchange.Stress {
		fmt.Fprintf(out, "stress            xx %.8f yy %.8f zz %.8f\n", rep.stress[0], rep.stress[1], rep.stress[2])
		fmt.Fprintf(out, "                  xy %.8f yz %.8f xz %.8f\n", rep.stress[3], rep.stress[4], rep.stress[5])
	}
	if k.Alpha != 0 {
		d := rep.divergence
		fmt.Fprintf(out, "divergence        sum %.8f constant %.8f analytic %.8f\n", d.Sum, d.Constant, d.Analytic)
	}
	fmt.Fprintf(out, "apply residual    %.3e\n", rep.residual)
	fmt.Fprintf(out, "pairs (rank 0)    %d evaluated, %d pruned, per step %v\n",
		rep.stats.PairsEvaluated, rep.stats.PairsPruned, rep.stats.PairsPerStep)
	if cfg.Exchange.Prune {
		fmt.Fprintf(out, "overlaps          %d ordered pairs, %.1f%% of unordered pairs\n", rep.overlaps, 100*rep.fraction)
		fmt.Fprintf(out, "spread            %.8f bohr (off-diagonal residual %.3e)\n", rep.spread, rep.offDiag)
		fmt.Fprintf(out, "dipole            %.8f %.8f %.8f\n", rep.dipole[0], rep.dipole[1], rep.dipole[2])
	}
	fmt.Fprintf(out, "arena             %d bytes\n", rep.stats.ArenaBytes)
	return nil
}

func runRank(ctx context.Context, cfg *config.Config, c grid.Comm, logger *zap.Logger, reg prometheus.Registerer) (report, error) {
	var r report
	e, wf, err := newEngine(cfg, c, logger, reg)
	if err != nil {
		return r, err
	}
	if r.energy, err = e.UpdateEnergy(ctx, cfg.Exchange.Stress); err != nil {
		return r, err
	}
	if r.operator, err = e.UpdateOperator(ctx, cfg.Exchange.Stress); err != nil {
		return r, err
	}
	dwf := wf.Clone()
	dwf.Clear()
	if err := e.ApplyOperator(ctx, dwf); err != nil {
		return r, err
	}
	if r.residual, err = distance(c, dwf, e.Gradient()); err != nil {
		return r, err
	}
	r.stress = e.Stress()
	r.divergence = e.Divergence(0)
	r.stats = e.Stats()
	for ispin := 0; ispin < wf.NSpin(); ispin++ {
		r.electrons += wf.SD(ispin, 0).NumElectrons()
	}
	if loc := e.Localization(); loc != nil {
		eps := cfg.Exchange.PruneDistance
		r.overlaps, r.fraction = loc.TotalOverlaps(eps), loc.PairFraction(eps)
		r.spread, r.dipole, r.offDiag = loc.TotalSpread(), loc.Dipole(), loc.Residual()
	}
	if st, ok := grid.Traffic(c); ok && c.Rank() == 0 {
		frames := st.Frames()
		logger.Debug("grid traffic",
			zap.Int64("messages", st.Messages),
			zap.Int64("bytes", st.Bytes),
			zap.Int64("reductions", st.Reductions),
			zap.Float64("frame_overhead_pct", frames.Overhead))
	}
	return r, nil
}

func newEngine(cfg *config.Config, c grid.Comm, logger *zap.Logger, reg prometheus.Registerer) (*exchange.Engine, *model.Wavefunction, error) {
	wf, err := cfg.Build(c)
	if err != nil {
		return nil, nil, err
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, nil, err
	}
	opts.Logger = logger
	opts.Registerer = reg
	e, err := exchange.New(wf, c, opts)
	if err != nil {
		return nil, nil, err
	}
	return e, wf, nil
}

// distance returns the norm of a-b over the whole grid.
func distance(c grid.Comm, a, b *model.Wavefunction) (float64, error) {
	var sum float64
	for ispin := 0; ispin < a.NSpin(); ispin++ {
		for ikp := 0; ikp < a.NKp(); ikp++ {
			x, y := a.SD(ispin, ikp).Coeff(), b.SD(ispin, ikp).Coeff()
			diff := make([]complex128, len(x))
			copy(diff, x)
			kernels.AddScaled(diff, -1, y)
			sum += kernels.Norm2(diff)
		}
	}
	v := []float64{sum}
	if err := c.Sum(grid.ScopeAll, v); err != nil {
		return 0, err
	}
	return math.Sqrt(v[0]), nil
}

// serveMetrics exposes reg on addr until the returned function is called.
// An empty addr serves nothing.
func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
