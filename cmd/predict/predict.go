package predict

import (
	"fmt"

	"github.com/spf13/cobra"

	"xtal-refine/internal/app"
)

// Command creates the predict command.
func Command(ctx *app.Context) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "predict <job.json5>",
		Short: "Predict reflections for every crystal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := ctx.LoadState(args[0])
			if err != nil {
				return err
			}
			sum, err := state.Predict(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for i, cr := range state.Crystals {
				fmt.Fprintf(w, "%4d %s %6d reflections  %s\n", i, cr.ID, cr.Reflections.Len(), cr.Flag)
			}
			fmt.Fprintf(w, "predicted %d reflections for %d crystals (%d failed) in %s\n",
				sum.Reflections, sum.Completed, sum.Failed, sum.Duration)
			return state.SaveJob(app.OutputPath(args[0], output))
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the updated job here instead of over the input")
	return cmd
}
