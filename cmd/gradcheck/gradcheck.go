package gradcheck

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"xtal-refine/internal/app"
	"xtal-refine/internal/refine"
)

// Command creates the gradcheck command, which compares the analytic
// refinement gradients with finite differences for one crystal.
func Command(ctx *app.Context) *cobra.Command {
	var index int
	var limit float64
	cmd := &cobra.Command{
		Use:   "gradcheck <job.json5>",
		Short: "Compare analytic and numerical refinement gradients",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := ctx.LoadState(args[0])
			if err != nil {
				return err
			}
			checks, err := state.CheckGradients(index)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "param\tcompared\tanalytic\tnumerical\tmax rel error")
			for _, c := range checks {
				fmt.Fprintf(tw, "%s\t%d\t%.6e\t%.6e\t%.3e\n", c.Param, c.Compared, c.Analytic, c.Numerical, c.MaxRelError)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			worst := refine.WorstGradient(checks)
			if worst.MaxRelError > limit {
				return fmt.Errorf("gradient of %s disagrees by %.3e (limit %.3e)", worst.Param, worst.MaxRelError, limit)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&index, "crystal", 0, "Index of the crystal to check")
	cmd.Flags().Float64Var(&limit, "limit", 1e-3, "Largest acceptable relative error")
	return cmd
}
