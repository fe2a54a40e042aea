// Package refine fits a crystal's reciprocal basis and detector shift to its
// observed peaks by weighted nonlinear least squares, and estimates the
// reflection profile radius.
package refine

import (
	"log/slog"

	"xtal-refine/internal/crystal"
	"xtal-refine/internal/errors"
	"xtal-refine/internal/logging"
	"xtal-refine/internal/lsq"
	"xtal-refine/internal/metrics"
	"xtal-refine/internal/pairing"
	"xtal-refine/pkg/geometry"
)

const stage = "refine"

// Options configures a Refiner.
type Options struct {
	MaxCycles int
	// MinPairs is required both before and after refinement.
	MinPairs int
	// ExcitationWeight converts squared excitation errors (m^-2) into the
	// units of squared positional deviations (m^2).
	ExcitationWeight float64
	DetectorDamping  float64
	LatticeDamping   float64
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// DefaultOptions returns the standard refinement constants.
func DefaultOptions() Options {
	return Options{
		MaxCycles:        10,
		MinPairs:         10,
		ExcitationWeight: 4e-20,
		DetectorDamping:  10,
		LatticeDamping:   1e-18,
	}
}

// Refiner runs geometry refinement on single crystals. It holds no per-crystal
// state and may be shared between goroutines.
type Refiner struct {
	pairer *pairing.Pairer
	opts   Options
	logger *slog.Logger
}

// New creates a Refiner; zero option fields take their defaults.
func New(pairer *pairing.Pairer, opts Options) *Refiner {
	def := DefaultOptions()
	if opts.MaxCycles <= 0 {
		opts.MaxCycles = def.MaxCycles
	}
	if opts.MinPairs <= 0 {
		opts.MinPairs = def.MinPairs
	}
	if opts.ExcitationWeight <= 0 {
		opts.ExcitationWeight = def.ExcitationWeight
	}
	if opts.DetectorDamping <= 0 {
		opts.DetectorDamping = def.DetectorDamping
	}
	if opts.LatticeDamping <= 0 {
		opts.LatticeDamping = def.LatticeDamping
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.ForService(stage)
	}
	return &Refiner{pairer: pairer, opts: opts, logger: logger}
}

// Options returns the effective options.
func (r *Refiner) Options() Options {
	return r.opts
}

// Result describes one refinement.
type Result struct {
	// Pairs is the correspondence list found with the refined parameters.
	Pairs           []pairing.Pair
	InitialResidual float64
	FinalResidual   float64
	Cycles          int
	// Clamped counts non-finite shift components set to zero.
	Clamped int
}

func insufficient(cr *crystal.Crystal, n, need int) error {
	return errors.Newf("crystal %s: %d pairs, need %d", cr.ID, n, need).
		Category(errors.CategoryInsufficientPairs).
		Component(stage).
		Context("pairs", n).
		Build()
}

// Refine pairs the crystal's peaks and refines its reciprocal basis and
// detector shift. On a solve failure the crystal is left as it was. If the
// refined parameters no longer pair enough peaks, the detector shift is put
// back and ErrInsufficientPairs is returned.
func (r *Refiner) Refine(cr *crystal.Crystal) (Result, error) {
	var res Result
	pairs, err := r.pairer.Pair(cr)
	if err != nil {
		return res, errors.New(err).Category(errors.CategoryInvalidInput).Component(stage).Build()
	}
	if len(pairs) < r.opts.MinPairs {
		return res, insufficient(cr, len(pairs), r.opts.MinPairs)
	}
	if !pairing.NormaliseWeights(pairs) {
		return res, errors.Newf("crystal %s: no peak has positive intensity", cr.ID).
			Category(errors.CategoryInsufficientPairs).
			Component(stage).
			Build()
	}

	snap := cr.Snapshot()
	r.updatePairs(cr, pairs)
	res.InitialResidual = Residual(cr, pairs, r.opts.ExcitationWeight)

	for res.Cycles = 0; res.Cycles < r.opts.MaxCycles; res.Cycles++ {
		r.updatePairs(cr, pairs)
		sol, err := r.iterate(cr, pairs)
		if err != nil {
			cr.Restore(snap)
			return res, errors.New(err).
				Category(errors.CategorySolveFailure).
				Component(stage).
				Context("cycle", res.Cycles).
				Build()
		}
		res.Clamped += sol.Clamped
		apply(cr, sol.Shifts)
		if !cr.Cell.IsFinite() {
			cr.Restore(snap)
			return res, errors.Newf("crystal %s: refined cell is not finite", cr.ID).
				Category(errors.CategorySolveFailure).
				Component(stage).
				Build()
		}
	}
	r.opts.Metrics.RecordClamped(stage, res.Clamped)

	r.updatePairs(cr, pairs)
	res.FinalResidual = Residual(cr, pairs, r.opts.ExcitationWeight)
	cr.AddNote("predict_refine/final_residual = %e", res.FinalResidual)

	final, err := r.pairer.Pair(cr)
	if err != nil || len(final) < r.opts.MinPairs {
		cr.Shift = snap.Shift
		return res, insufficient(cr, len(final), r.opts.MinPairs)
	}
	pairing.NormaliseWeights(final)
	res.Pairs = final
	r.opts.Metrics.RecordPairs(stage, len(final))

	logging.Trace(r.logger, "refined crystal geometry",
		"crystal", cr.ID, "stage", stage,
		"pairs", len(final),
		"initial_residual", res.InitialResidual,
		"final_residual", res.FinalResidual,
		"dx", cr.Shift.DX, "dy", cr.Shift.DY)
	return res, nil
}

func (r *Refiner) updatePairs(cr *crystal.Crystal, pairs []pairing.Pair) {
	pred := r.pairer.Predictor()
	for i := range pairs {
		if err := pred.Update(cr, &pairs[i].Refl); err != nil {
			r.logger.Debug("prediction update failed",
				"crystal", cr.ID, "index", pairs[i].Refl.Index.String(), "error", err)
		}
	}
}

// iterate assembles and solves one set of normal equations.
func (r *Refiner) iterate(cr *crystal.Crystal, pairs []pairing.Pair) (lsq.Solution, error) {
	sys := lsq.NewSystem(int(NumParams))
	for i := range pairs {
		pr := &pairs[i]
		exc, gx, gy, err := PairGradients(cr, pr)
		if err != nil {
			continue
		}
		d, err := PairDeviations(cr, pr)
		if err != nil {
			continue
		}
		sys.Add(exc[:], d.Excitation, r.opts.ExcitationWeight*pr.Weight)
		sys.Add(gx[:], d.X, 1)
		sys.Add(gy[:], d.Y, 1)
	}
	for p := Param(0); p < NumParams; p++ {
		if p.IsDetector() {
			sys.Damp(int(p), r.opts.DetectorDamping)
		} else {
			sys.Damp(int(p), r.opts.LatticeDamping)
		}
	}
	return sys.Solve()
}

func apply(cr *crystal.Crystal, shifts []float64) {
	c := cr.Cell.Components()
	for p := ParamAStarX; p <= ParamCStarZ; p++ {
		c[p] += shifts[p]
	}
	cr.Cell = geometry.WithComponents(c)
	cr.Shift.DX += shifts[ParamDetX]
	cr.Shift.DY += shifts[ParamDetY]
}
