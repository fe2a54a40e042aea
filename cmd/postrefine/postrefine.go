package postrefine

import (
	"fmt"

	"github.com/spf13/cobra"

	"xtal-refine/internal/app"
)

// Command creates the postrefine command.
func Command(ctx *app.Context) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "postrefine <job.json5>",
		Short: "Refine crystal orientations against the merged reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := ctx.LoadState(args[0])
			if err != nil {
				return err
			}
			sum, err := state.PostRefine(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "post-refined %d crystals (%d failed, %d skipped), residual %e, reference %d reflections\n",
				sum.Completed, sum.Failed, sum.Skipped, sum.Residual, state.Reference.Len())
			return state.SaveJob(app.OutputPath(args[0], output))
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the updated job here instead of over the input")
	return cmd
}
