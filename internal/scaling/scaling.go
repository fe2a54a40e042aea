// Package scaling fits each crystal's overall scale factor G and Debye-Waller
// factor B against a merged reference, cycling merge and refit until the
// summed residual settles.
//
// For a partial observation Ip of a reflection with full intensity I, the
// model is
//
//	log Ip = -log G + log p - log L - B s^2 + log I
//
// where p is the partiality, L the Lorentz factor and s = 1/(2d). The refined
// parameters are t = -log G and B.
package scaling

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"xtal-refine/internal/crystal"
	"xtal-refine/internal/errors"
	"xtal-refine/internal/harness"
	"xtal-refine/internal/logging"
	"xtal-refine/internal/lsq"
	"xtal-refine/internal/merge"
	"xtal-refine/internal/metrics"
)

const stage = "scale"

// Param names a scaling parameter.
type Param int

const (
	ParamOSF Param = iota // t = -log G
	ParamBFactor
	NumParams
)

func (p Param) String() string {
	switch p {
	case ParamOSF:
		return "osf"
	case ParamBFactor:
		return "B"
	}
	return fmt.Sprintf("param(%d)", int(p))
}

// Options configures an Engine.
type Options struct {
	// MaxCycles bounds the refinement of one crystal per macrocycle.
	MaxCycles int
	// MaxMacrocycles bounds the merge/refit loop.
	MaxMacrocycles int
	// Tolerance is the relative residual change regarded as converged.
	Tolerance float64
	// ResidualFloor stops iteration once a residual drops below it.
	ResidualFloor float64
	MinRedundancy int
	// SigmaCutoff excludes observations with Ip <= SigmaCutoff * sigma.
	SigmaCutoff float64
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// DefaultOptions returns the standard scaling limits.
func DefaultOptions() Options {
	return Options{
		MaxCycles:      10,
		MaxMacrocycles: 10,
		Tolerance:      0.01,
		ResidualFloor:  1e-12,
		MinRedundancy:  2,
		SigmaCutoff:    3,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxCycles <= 0 {
		o.MaxCycles = def.MaxCycles
	}
	if o.MaxMacrocycles <= 0 {
		o.MaxMacrocycles = def.MaxMacrocycles
	}
	if o.Tolerance <= 0 {
		o.Tolerance = def.Tolerance
	}
	if o.ResidualFloor <= 0 {
		o.ResidualFloor = def.ResidualFloor
	}
	if o.MinRedundancy <= 0 {
		o.MinRedundancy = def.MinRedundancy
	}
	if o.SigmaCutoff <= 0 {
		o.SigmaCutoff = def.SigmaCutoff
	}
	return o
}

// Engine runs scaling over many crystals.
type Engine struct {
	merger merge.Merger
	pool   *harness.Pool
	opts   Options
	logger *slog.Logger
}

// New creates an Engine that merges with merger and fans out over pool.
func New(merger merge.Merger, pool *harness.Pool, opts Options) *Engine {
	opts = opts.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = logging.ForService(stage)
	}
	return &Engine{merger: merger, pool: pool, opts: opts, logger: logger}
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// term is one usable observation.
type term struct {
	s2    float64
	delta float64 // log Ip - model
}

// terms returns the observations of cr usable against ref.
func terms(cr *crystal.Crystal, ref *crystal.RefList, opts Options) []term {
	G, B := cr.Scale, cr.BFactor
	out := make([]term, 0, cr.Reflections.Len())
	for _, r := range cr.Reflections.All() {
		if r.Free {
			continue
		}
		match := ref.Find(r.Index)
		if match == nil {
			continue
		}
		if r.Intensity <= opts.SigmaCutoff*r.Sigma {
			continue
		}
		if match.Redundancy < opts.MinRedundancy {
			continue
		}
		if match.Intensity <= 0 || r.Partiality <= 0 {
			continue
		}
		L := r.Lorentz
		if L == 0 {
			L = 1
		}
		s := cr.Cell.Resolution(r.Index)
		fx := -math.Log(G) + math.Log(r.Partiality) - math.Log(L) - B*s*s + math.Log(match.Intensity)
		out = append(out, term{s2: s * s, delta: math.Log(r.Intensity) - fx})
	}
	return out
}

// LogResidual returns the sum of squared log deviations of cr against ref and
// the number of observations used.
func LogResidual(cr *crystal.Crystal, ref *crystal.RefList, opts Options) (float64, int) {
	opts = opts.withDefaults()
	dev := 0.0
	ts := terms(cr, ref, opts)
	for _, t := range ts {
		dev += t.delta * t.delta
	}
	return dev, len(ts)
}

// ScaleIterate performs one least-squares step on G and B and returns the
// number of observations used. With fewer observations than parameters the
// crystal is flagged and left unchanged.
func ScaleIterate(cr *crystal.Crystal, ref *crystal.RefList, opts Options) (int, error) {
	opts = opts.withDefaults()
	ts := terms(cr, ref, opts)
	if len(ts) < int(NumParams) {
		cr.SetFlag(crystal.FlagFewReflections, fmt.Sprintf("%d usable reflections", len(ts)))
		return len(ts), nil
	}

	sys := lsq.NewSystem(int(NumParams))
	var g [NumParams]float64
	for _, t := range ts {
		g[ParamOSF] = 1
		g[ParamBFactor] = -t.s2
		sys.Add(g[:], -t.delta, 1)
	}
	sol, err := sys.Solve()
	if err != nil {
		cr.SetFlag(crystal.FlagSolveFailed, err.Error())
		return len(ts), err
	}
	opts.Metrics.RecordClamped(stage, sol.Clamped)

	osf := -math.Log(cr.Scale) + sol.Shifts[ParamOSF]
	G := math.Exp(-osf)
	B := cr.BFactor + sol.Shifts[ParamBFactor]
	if math.IsNaN(G) || math.IsInf(G, 0) || G == 0 || math.IsNaN(B) || math.IsInf(B, 0) {
		cr.SetFlag(crystal.FlagNonFinite, "scale factors not finite")
		return len(ts), errors.Newf("crystal %s: G=%g B=%g after scaling", cr.ID, G, B).
			Category(errors.CategorySolveFailure).
			Component(stage).
			Build()
	}
	cr.Scale = G
	cr.BFactor = B
	return len(ts), nil
}

// CrystalResult describes the refinement of one crystal.
type CrystalResult struct {
	Residual    float64
	Reflections int
	Cycles      int
}

// ScaleCrystal iterates ScaleIterate until the residual changes by less than
// the tolerance, drops below the floor, or the cycle limit is reached.
func (e *Engine) ScaleCrystal(cr *crystal.Crystal, ref *crystal.RefList) (CrystalResult, error) {
	var res CrystalResult
	old, _ := LogResidual(cr, ref, e.opts)
	for res.Cycles < e.opts.MaxCycles {
		n, err := ScaleIterate(cr, ref, e.opts)
		res.Reflections = n
		res.Cycles++
		if err != nil {
			return res, err
		}
		if !cr.Usable() {
			break
		}
		dev, _ := LogResidual(cr, ref, e.opts)
		res.Residual = dev
		if math.Abs(dev-old) < dev*e.opts.Tolerance || dev < e.opts.ResidualFloor {
			break
		}
		old = dev
	}
	return res, nil
}

func (e *Engine) task(_ context.Context, mc *harness.Macrocycle, cr *crystal.Crystal) (harness.Outcome, error) {
	res, err := e.ScaleCrystal(cr, mc.Reference)
	if err != nil {
		return harness.Outcome{}, err
	}
	logging.Trace(mc.Logger, "scaled crystal",
		"crystal", cr.ID, "stage", stage, "macrocycle", mc.Index,
		"G", cr.Scale, "B", cr.BFactor, "reflections", res.Reflections, "cycles", res.Cycles)
	return harness.Outcome{Residual: res.Residual, Reflections: res.Reflections}, nil
}

// TotalLogResidual sums LogResidual over unflagged crystals, skipping NaN,
// and returns the number of crystals included.
func TotalLogResidual(crystals []*crystal.Crystal, ref *crystal.RefList, opts Options) (float64, int) {
	total := 0.0
	n := 0
	for _, cr := range crystals {
		if !cr.Usable() {
			continue
		}
		r, _ := LogResidual(cr, ref, opts)
		if math.IsNaN(r) {
			continue
		}
		total += r
		n++
	}
	return total, n
}

// MeanB returns the average B factor of the unflagged crystals.
func MeanB(crystals []*crystal.Crystal) float64 {
	sum := 0.0
	n := 0
	for _, cr := range crystals {
		if !cr.Usable() {
			continue
		}
		sum += cr.BFactor
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Result describes a complete scaling run.
type Result struct {
	Macrocycles int
	Residual    float64
	MeanB       float64
	// Crystals is the number of crystals in the final residual.
	Crystals  int
	Converged bool
	// Reference is merged with the final parameters.
	Reference *crystal.RefList
}

// ScaleAll runs macrocycles of merge and per-crystal refit. Running out of
// macrocycles returns ErrNonConvergence together with a usable result.
func (e *Engine) ScaleAll(ctx context.Context, crystals []*crystal.Crystal) (Result, error) {
	var res Result
	if len(crystals) == 0 {
		return res, errors.Newf("no crystals to scale").
			Category(errors.CategoryInvalidInput).
			Component(stage).
			Build()
	}

	newRes := math.Inf(1)
	for res.Macrocycles < e.opts.MaxMacrocycles {
		ref, err := e.merger.Merge(ctx, crystals)
		if err != nil {
			return res, fmt.Errorf("merge before macrocycle %d: %w", res.Macrocycles, err)
		}
		oldRes := newRes
		before, _ := TotalLogResidual(crystals, ref, e.opts)

		mc := &harness.Macrocycle{Index: res.Macrocycles, Reference: ref, Logger: e.logger}
		sum, err := e.pool.Run(ctx, stage, mc, crystals, e.task)
		if err != nil {
			return res, err
		}

		var ninc int
		newRes, ninc = TotalLogResidual(crystals, ref, e.opts)
		res.Macrocycles++
		res.Residual = newRes
		res.Crystals = ninc
		res.MeanB = MeanB(crystals)

		e.logger.Info("scaling macrocycle",
			"macrocycle", res.Macrocycles,
			"reflections", sum.Reflections,
			"residual_before", before,
			"residual_after", newRes,
			"crystals", ninc,
			"failed", sum.Failed,
			"mean_b", res.MeanB)
		e.opts.Metrics.RecordMacrocycle(stage, newRes)
		e.opts.Metrics.SetMeanB(res.MeanB)

		if math.Abs(newRes-oldRes) < e.opts.Tolerance*oldRes || newRes <= e.opts.ResidualFloor {
			res.Converged = true
			break
		}
	}

	ref, err := e.merger.Merge(ctx, crystals)
	if err != nil {
		return res, fmt.Errorf("final merge: %w", err)
	}
	res.Reference = ref

	if !res.Converged {
		e.logger.Warn("scaling did not converge", "macrocycles", res.Macrocycles, "residual", res.Residual)
		return res, errors.Newf("scaling: residual still changing after %d macrocycles", res.Macrocycles).
			Category(errors.CategoryNonConvergence).
			Component(stage).
			Context("residual", res.Residual).
			Build()
	}
	return res, nil
}
