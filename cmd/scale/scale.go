package scale

import (
	"fmt"

	"github.com/spf13/cobra"

	"xtal-refine/internal/app"
	"xtal-refine/internal/errors"
	"xtal-refine/internal/project"
)

// Command creates the scale command.
func Command(ctx *app.Context) *cobra.Command {
	var output, reference string
	cmd := &cobra.Command{
		Use:   "scale <job.json5>",
		Short: "Fit per-crystal scale and B factors against the merged data",
		Long: `Run macrocycles of merging and per-crystal scale/B-factor refinement until
the total log residual settles, then write the merged reference next to the
job. With --reference the crystals are instead scaled linearly against an
existing reference list.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := ctx.LoadState(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()

			if reference != "" {
				ref, err := project.LoadReference(reference)
				if err != nil {
					return err
				}
				state.Reference = ref
				failed, err := state.ScaleToReference()
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "scaled %d crystals to %s, %d failed\n", len(state.Crystals)-failed, reference, failed)
				return state.SaveJob(app.OutputPath(args[0], output))
			}

			res, err := state.Scale(cmd.Context())
			switch {
			case err == nil:
			case errors.Is(err, errors.ErrNonConvergence):
				ctx.Logger.Warn("saving unconverged scaling result", "error", err)
			default:
				return err
			}
			fmt.Fprintf(w, "%d macrocycles, residual %e over %d crystals, mean B %.3e m^2, converged %t\n",
				res.Macrocycles, res.Residual, res.Crystals, res.MeanB, res.Converged)
			return state.SaveJob(app.OutputPath(args[0], output))
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the updated job here instead of over the input")
	cmd.Flags().StringVar(&reference, "reference", "", "Scale linearly against this reference list")
	return cmd
}
