package refine

import (
	"fmt"

	"github.com/spf13/cobra"

	"xtal-refine/internal/app"
)

// Command creates the refine command.
func Command(ctx *app.Context) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "refine <job.json5>",
		Short: "Refine lattice and detector shift of every crystal against its peaks",
		Long: `Pair each crystal's peaks with predicted reflections, refine the reciprocal
basis and detector shift by weighted least squares, estimate the profile
radius and keep the paired reflections with their peak intensities.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := ctx.LoadState(args[0])
			if err != nil {
				return err
			}
			sum, err := state.Refine(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for i, cr := range state.Crystals {
				status := "ok"
				if !cr.Usable() {
					status = fmt.Sprintf("%s: %s", cr.Flag, cr.FlagReason)
				}
				fmt.Fprintf(w, "%4d %s radius %.3e m^-1  shift (%.2e, %.2e) m  %s\n",
					i, cr.ID, cr.ProfileRadius, cr.Shift.DX, cr.Shift.DY, status)
			}
			fmt.Fprintf(w, "refined %d crystals (%d failed, %d panicked, %d skipped), residual %e\n",
				sum.Completed, sum.Failed, sum.Panicked, sum.Skipped, sum.Residual)
			return state.SaveJob(app.OutputPath(args[0], output))
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the updated job here instead of over the input")
	return cmd
}
