package simulate

import (
	"fmt"
	"math/rand/v2"

	"github.com/spf13/cobra"

	"xtal-refine/internal/app"
	"xtal-refine/internal/crystal"
	"xtal-refine/internal/project"
	"xtal-refine/internal/synth"
)

type options struct {
	crystals int
	seed     uint64
	noise    float64
	perturb  float64
	shift    float64
}

// Command creates the simulate command, which writes a synthetic job.
func Command(ctx *app.Context) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "simulate <job.json5>",
		Short: "Write a job of synthetic crystals",
		Long: `Generate randomly oriented crystals on a single flat panel, with one peak per
predicted reflection, and write them as a job file. The stored cells and
detector shifts can be perturbed so that refinement has work to do.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, ctx, args[0], opts)
		},
	}

	cmd.Flags().IntVarP(&opts.crystals, "crystals", "n", 10, "Number of crystals")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 1, "Random seed")
	cmd.Flags().Float64Var(&opts.noise, "noise", 0, "Peak position noise, pixels")
	cmd.Flags().Float64Var(&opts.perturb, "perturb", 0, "Orientation perturbation, radians (standard deviation)")
	cmd.Flags().Float64Var(&opts.shift, "shift", 0, "Detector shift perturbation, metres (standard deviation)")
	return cmd
}

func run(cmd *cobra.Command, ctx *app.Context, path string, opts options) error {
	if opts.crystals < 1 {
		return fmt.Errorf("need at least one crystal, got %d", opts.crystals)
	}
	so := synth.DefaultOptions()
	so.Seed = opts.seed
	so.PositionNoise = opts.noise
	gen := synth.New(so)
	rng := rand.New(rand.NewPCG(opts.seed, opts.seed+1))

	crystals := make([]*crystal.Crystal, 0, opts.crystals)
	for i := 0; i < opts.crystals; i++ {
		cr, err := gen.Crystal()
		if err != nil {
			return err
		}
		if opts.perturb > 0 {
			cr.Cell = cr.Cell.RotateXY(rng.NormFloat64()*opts.perturb, rng.NormFloat64()*opts.perturb)
		}
		if opts.shift > 0 {
			cr.Shift.DX = rng.NormFloat64() * opts.shift
			cr.Shift.DY = rng.NormFloat64() * opts.shift
		}
		crystals = append(crystals, cr)
	}

	state := ctx.NewState()
	state.SetJob(project.New("synthetic", *so.Detector()), crystals)
	if err := state.SaveJob(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d synthetic crystals to %s\n", len(crystals), path)
	return nil
}
