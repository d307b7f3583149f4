package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sbl8/exx/kernels"
)

var (
	kernelGMax   float64
	kernelPoints int
)

var kernelCmd = &cobra.Command{
	Use:   "kernel [preset]",
	Short: "Tabulate V(g2) and dV/dg2 of a kernel",
	Long: `Tabulate the interaction kernel of a preset, or of the configured kernel when
no preset is given, at evenly spaced |q+G| up to --gmax.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runKernel,
}

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List the kernel presets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tALPHA\tBETA\tMU\tDESCRIPTION")
		for _, name := range kernels.PresetNames() {
			p := kernels.Catalog[name]
			k := p.Interaction
			fmt.Fprintf(w, "%s\t%g\t%g\t%g\t%s\n", name, k.Alpha, k.Beta, k.Mu, p.Description)
		}
		return w.Flush()
	},
}

func init() {
	kernelCmd.Flags().Float64Var(&kernelGMax, "gmax", 4, "largest |q+G| in inverse bohr")
	kernelCmd.Flags().IntVarP(&kernelPoints, "points", "n", 17, "table rows")
	rootCmd.AddCommand(kernelCmd, presetsCmd)
}

func runKernel(cmd *cobra.Command, args []string) error {
	if kernelPoints < 2 || kernelGMax <= 0 {
		return fmt.Errorf("need --points >= 2 and --gmax > 0")
	}
	var (
		k   kernels.Interaction
		err error
	)
	if len(args) == 1 {
		k, err = kernels.LookupPreset(args[0])
	} else {
		cfg, cerr := loadConfig()
		if cerr != nil {
			return cerr
		}
		k, err = cfg.Interaction()
	}
	if err != nil {
		return err
	}

	g2 := make([]float64, kernelPoints)
	for i := range g2 {
		g := kernelGMax * float64(i) / float64(kernelPoints-1)
		g2[i] = g * g
	}
	v := make([]float64, len(g2))
	dv := make([]float64, len(g2))
	k.Tabulate(g2, v, dv)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(w, "# %s\n", k)
	fmt.Fprintln(w, "g2\tV\tdV/dg2\t")
	for i := range g2 {
		fmt.Fprintf(w, "%.6f\t%.10e\t%.10e\t\n", g2[i], v[i], dv[i])
	}
	return w.Flush()
}
