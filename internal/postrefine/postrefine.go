// Package postrefine adjusts each crystal's orientation against a merged
// reference by derivative-free minimisation over two rotation angles.
package postrefine

import (
	"context"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/optimize"

	"xtal-refine/internal/crystal"
	"xtal-refine/internal/errors"
	"xtal-refine/internal/harness"
	"xtal-refine/internal/logging"
	"xtal-refine/internal/metrics"
	"xtal-refine/internal/pairing"
	"xtal-refine/internal/refine"
)

const stage = "postrefine"

// Options configures a Refiner.
type Options struct {
	MaxIterations int
	// Step is the initial simplex step for both angles, radians.
	Step float64
	// Tolerance is the simplex size, in units of Step, regarded as converged.
	Tolerance        float64
	MinPairs         int
	MinRedundancy    int
	ExcitationWeight float64
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// DefaultOptions returns the standard post-refinement limits.
func DefaultOptions() Options {
	return Options{
		MaxIterations:    30,
		Step:             0.01 * math.Pi / 180,
		Tolerance:        1e-3,
		MinPairs:         10,
		MinRedundancy:    2,
		ExcitationWeight: refine.DefaultOptions().ExcitationWeight,
	}
}

// Refiner post-refines single crystals.
type Refiner struct {
	pairer *pairing.Pairer
	opts   Options
	logger *slog.Logger
}

// New creates a Refiner; zero option fields take their defaults.
func New(pairer *pairing.Pairer, opts Options) *Refiner {
	def := DefaultOptions()
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = def.MaxIterations
	}
	if opts.Step <= 0 {
		opts.Step = def.Step
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = def.Tolerance
	}
	if opts.MinPairs <= 0 {
		opts.MinPairs = def.MinPairs
	}
	if opts.MinRedundancy <= 0 {
		opts.MinRedundancy = def.MinRedundancy
	}
	if opts.ExcitationWeight <= 0 {
		opts.ExcitationWeight = def.ExcitationWeight
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.ForService(stage)
	}
	return &Refiner{pairer: pairer, opts: opts, logger: logger}
}

// Result describes one post-refinement.
type Result struct {
	InitialResidual float64
	FinalResidual   float64
	// Angles are the applied rotations about x and then y, radians.
	Angles      [2]float64
	Iterations  int
	Evaluations int
	Pairs       int
	Status      optimize.Status
}

// usablePairs keeps the pairs whose reflection can be compared with the
// reference: not free in the crystal's own list and merged from at least
// MinRedundancy observations.
func (r *Refiner) usablePairs(cr *crystal.Crystal, ref *crystal.RefList, pairs []pairing.Pair) []pairing.Pair {
	out := pairs[:0]
	for _, pr := range pairs {
		if own := cr.Reflections.Find(pr.Refl.Index); own != nil && own.Free {
			continue
		}
		match := ref.Find(pr.Refl.Index)
		if match == nil || match.Redundancy < r.opts.MinRedundancy {
			continue
		}
		out = append(out, pr)
	}
	return out
}

// Refine post-refines the orientation of cr against ref. The best angles
// found are applied to the cell and the crystal's reflections are re-predicted.
func (r *Refiner) Refine(cr *crystal.Crystal, ref *crystal.RefList) (Result, error) {
	var res Result
	pairs, err := r.pairer.Pair(cr)
	if err != nil {
		return res, errors.New(err).Category(errors.CategoryInvalidInput).Component(stage).Build()
	}
	pairs = r.usablePairs(cr, ref, pairs)
	res.Pairs = len(pairs)
	if len(pairs) < r.opts.MinPairs || !pairing.NormaliseWeights(pairs) {
		cr.SetFlag(crystal.FlagFewReflections, "too few reflections for post-refinement")
		return res, errors.Newf("crystal %s: %d usable pairs, need %d", cr.ID, len(pairs), r.opts.MinPairs).
			Category(errors.CategoryInsufficientPairs).
			Component(stage).
			Build()
	}
	r.opts.Metrics.RecordPairs(stage, len(pairs))

	base := cr.Cell
	pred := r.pairer.Predictor()
	trial := *cr
	scratch := make([]pairing.Pair, len(pairs))

	// x holds the angles in units of the step.
	objective := func(x []float64) float64 {
		trial.Cell = base.RotateXY(x[0]*r.opts.Step, x[1]*r.opts.Step)
		copy(scratch, pairs)
		for i := range scratch {
			if err := pred.Update(&trial, &scratch[i].Refl); err != nil {
				return math.Inf(1)
			}
		}
		return refine.Residual(&trial, scratch, r.opts.ExcitationWeight)
	}

	best := []float64{0, 0}
	res.InitialResidual = objective(best)
	res.FinalResidual = res.InitialResidual
	tracked := func(x []float64) float64 {
		f := objective(x)
		res.Evaluations++
		if f < res.FinalResidual {
			res.FinalResidual = f
			copy(best, x)
		}
		return f
	}

	settings := &optimize.Settings{
		MajorIterations: r.opts.MaxIterations,
		Converger:       &simplexConverger{tol: r.opts.Tolerance},
	}
	out, err := optimize.Minimize(optimize.Problem{Func: tracked}, []float64{0, 0}, settings,
		&optimize.NelderMead{SimplexSize: 1})
	if out != nil {
		res.Iterations = out.MajorIterations
		res.Status = out.Status
	}
	if err != nil {
		r.logger.Debug("simplex stopped early", "crystal", cr.ID, "error", err)
	}

	res.Angles = [2]float64{best[0] * r.opts.Step, best[1] * r.opts.Step}
	cr.Cell = base.RotateXY(res.Angles[0], res.Angles[1])
	if !cr.Cell.IsFinite() {
		cr.Cell = base
		cr.SetFlag(crystal.FlagPostRefineFailed, "non-finite orientation")
		return res, errors.Newf("crystal %s: post-refined cell is not finite", cr.ID).
			Category(errors.CategorySolveFailure).
			Component(stage).
			Build()
	}
	if failed := pred.UpdateAll(cr); failed > 0 {
		r.logger.Debug("reflections not re-predicted", "crystal", cr.ID, "failed", failed)
	}
	cr.AddNote("post_refine/final_residual = %e", res.FinalResidual)

	logging.Trace(r.logger, "post-refined crystal",
		"crystal", cr.ID, "stage", stage,
		"initial_residual", res.InitialResidual,
		"final_residual", res.FinalResidual,
		"ang1", res.Angles[0], "ang2", res.Angles[1],
		"iterations", res.Iterations)
	return res, nil
}

// RefineAll post-refines every unflagged crystal against ref over the pool.
func (r *Refiner) RefineAll(ctx context.Context, pool *harness.Pool, crystals []*crystal.Crystal, ref *crystal.RefList) (harness.Summary, error) {
	mc := &harness.Macrocycle{Reference: ref, Logger: r.logger}
	return pool.Run(ctx, stage, mc, crystals, func(_ context.Context, mc *harness.Macrocycle, cr *crystal.Crystal) (harness.Outcome, error) {
		res, err := r.Refine(cr, mc.Reference)
		if err != nil {
			return harness.Outcome{}, err
		}
		return harness.Outcome{Residual: res.FinalResidual, Reflections: res.Pairs}, nil
	})
}

// simplexConverger stops once the most recent dim+1 distinct best points,
// which were all simplex vertices, lie within tol of their centroid on
// average.
type simplexConverger struct {
	tol    float64
	dim    int
	recent [][]float64
}

func (c *simplexConverger) Init(dim int) {
	c.dim = dim
	c.recent = c.recent[:0]
}

func (c *simplexConverger) Converged(loc *optimize.Location) optimize.Status {
	if n := len(c.recent); n > 0 && equal(c.recent[n-1], loc.X) {
		return optimize.NotTerminated
	}
	c.recent = append(c.recent, append([]float64(nil), loc.X...))
	if len(c.recent) > c.dim+1 {
		c.recent = c.recent[1:]
	}
	if len(c.recent) < c.dim+1 {
		return optimize.NotTerminated
	}
	if simplexSize(c.recent) < c.tol {
		return optimize.StepConvergence
	}
	return optimize.NotTerminated
}

// simplexSize is the mean distance of the points from their centroid.
func simplexSize(pts [][]float64) float64 {
	dim := len(pts[0])
	centre := make([]float64, dim)
	for _, p := range pts {
		for i, v := range p {
			centre[i] += v / float64(len(pts))
		}
	}
	size := 0.0
	for _, p := range pts {
		d := 0.0
		for i, v := range p {
			d += (v - centre[i]) * (v - centre[i])
		}
		size += math.Sqrt(d)
	}
	return size / float64(len(pts))
}

func equal(a, b []float64) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
