// Package predict finds the reciprocal lattice points excited by an X-ray
// pulse and where their reflections land on the detector.
//
// Wavenumbers and reciprocal lengths are in m^-1. The excitation error of a
// lattice point q for wavenumber k is k - |q + k z|: positive inside the
// Ewald sphere, negative outside.
package predict

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"xtal-refine/internal/crystal"
	"xtal-refine/internal/logging"
	"xtal-refine/pkg/geometry"
)

// Reason explains the fate of one candidate reciprocal lattice point.
type Reason int

const (
	Accepted Reason = iota
	RejectOrigin
	RejectInFront
	RejectResolution
	RejectOutsideVolume
	RejectAmbiguous
	RejectBadRegion
	RejectCapReached
	numReasons
)

func (r Reason) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case RejectOrigin:
		return "origin"
	case RejectInFront:
		return "in front of origin"
	case RejectResolution:
		return "beyond resolution limit"
	case RejectOutsideVolume:
		return "outside Ewald volume"
	case RejectAmbiguous:
		return "ambiguous panel"
	case RejectBadRegion:
		return "bad region"
	case RejectCapReached:
		return "candidate cap reached"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// PartialityModel selects how partialities are calculated.
type PartialityModel string

const (
	PartialityUnity    PartialityModel = "unity"
	PartialityGaussian PartialityModel = "gaussian"
)

// Options configures a Predictor.
type Options struct {
	// ResolutionLimit bounds |q| in m^-1.
	ResolutionLimit float64
	// ProfileCutoff is the closeness threshold on the excitation error, m^-1.
	ProfileCutoff float64
	// MaxCandidates caps the size of one prediction list.
	MaxCandidates int
	Partiality    PartialityModel
	Logger        *slog.Logger
}

// DefaultOptions returns the standard prediction limits.
func DefaultOptions() Options {
	return Options{
		ResolutionLimit: 1.0 / 8.0e-10,
		ProfileCutoff:   0.005e9,
		MaxCandidates:   256 * 256,
		Partiality:      PartialityUnity,
	}
}

// Stats counts candidates by outcome.
type Stats struct {
	counts [numReasons]int
}

// Count returns how many candidates ended with reason r.
func (s Stats) Count(r Reason) int {
	if r < 0 || r >= numReasons {
		return 0
	}
	return s.counts[r]
}

// Capped reports whether the candidate cap stopped the search.
func (s Stats) Capped() bool {
	return s.counts[RejectCapReached] > 0
}

// Predictor computes reflection predictions.
type Predictor struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Predictor; zero option fields take their defaults.
func New(opts Options) *Predictor {
	def := DefaultOptions()
	if opts.ResolutionLimit <= 0 {
		opts.ResolutionLimit = def.ResolutionLimit
	}
	if opts.ProfileCutoff <= 0 {
		opts.ProfileCutoff = def.ProfileCutoff
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = def.MaxCandidates
	}
	if opts.Partiality == "" {
		opts.Partiality = def.Partiality
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.ForService("predict")
	}
	return &Predictor{opts: opts, logger: logger}
}

// Options returns the effective options.
func (p *Predictor) Options() Options {
	return p.opts
}

// Excitation returns k - |q + k z|.
func Excitation(q r3.Vec, k float64) float64 {
	q.Z += k
	return k - r3.Norm(q)
}

func checkImage(cr *crystal.Crystal) error {
	if cr.Image == nil {
		return fmt.Errorf("crystal %s has no image", cr.ID)
	}
	if cr.Image.Detector == nil {
		return fmt.Errorf("image %q has no detector", cr.Image.Filename)
	}
	if !(cr.Image.Lambda > 0) {
		return fmt.Errorf("image %q: wavelength must be positive", cr.Image.Filename)
	}
	return nil
}

// Predict returns the reflections excited on the crystal's image.
func (p *Predictor) Predict(cr *crystal.Crystal) (*crystal.RefList, Stats, error) {
	var stats Stats
	if err := checkImage(cr); err != nil {
		return nil, stats, err
	}
	if !cr.Cell.IsFinite() {
		return nil, stats, fmt.Errorf("crystal %s has a non-finite cell", cr.ID)
	}

	hmax := p.indexLimit(r3.Norm(cr.Cell.AStar))
	kmax := p.indexLimit(r3.Norm(cr.Cell.BStar))
	lmax := p.indexLimit(r3.Norm(cr.Cell.CStar))

	out := crystal.NewRefList()
	for h := -hmax; h <= hmax; h++ {
		for k := -kmax; k <= kmax; k++ {
			for l := -lmax; l <= lmax; l++ {
				refl, reason := p.Classify(cr, geometry.Miller{H: h, K: k, L: l})
				stats.counts[reason]++
				if reason != Accepted {
					continue
				}
				if _, err := out.Add(refl); err != nil {
					return nil, stats, err
				}
				if out.Len() == p.opts.MaxCandidates {
					stats.counts[RejectCapReached]++
					p.logger.Warn("prediction list truncated",
						"crystal", cr.ID, "cap", p.opts.MaxCandidates)
					return out, stats, nil
				}
			}
		}
	}

	logging.Trace(p.logger, "predicted reflections",
		"crystal", cr.ID, "n", out.Len(),
		"outside_volume", stats.Count(RejectOutsideVolume),
		"ambiguous", stats.Count(RejectAmbiguous))
	return out, stats, nil
}

func (p *Predictor) indexLimit(length float64) int {
	if !(length > 0) {
		return 0
	}
	n := p.opts.ResolutionLimit / length
	if n > 512 {
		n = 512
	}
	return int(n)
}

// Classify decides whether one lattice point is predicted, and if so where.
// The returned reflection carries the excitation error at the central wavelength.
func (p *Predictor) Classify(cr *crystal.Crystal, idx geometry.Miller) (crystal.Reflection, Reason) {
	refl := crystal.NewReflection(idx)
	if idx.IsOrigin() {
		return refl, RejectOrigin
	}

	q := cr.Cell.Q(idx)
	if q.Z > p.opts.ProfileCutoff {
		return refl, RejectInFront
	}
	ds := r3.Norm(q)
	if ds > p.opts.ResolutionLimit {
		return refl, RejectResolution
	}

	img := cr.Image
	lambda := img.Lambda
	klow := 1 / (lambda - lambda*img.Bandwidth/2)
	khigh := 1 / (lambda + lambda*img.Bandwidth/2)
	elow := Excitation(q, klow)
	ehigh := Excitation(q, khigh)

	cutoff := p.opts.ProfileCutoff + ds*img.Divergence/2
	inside := math.Signbit(elow) != math.Signbit(ehigh)
	near := math.Abs(elow) < cutoff || math.Abs(ehigh) < cutoff
	if !inside && !near {
		return refl, RejectOutsideVolume
	}

	k := img.K()
	u := q
	u.Z += k
	loc, hits := img.Detector.Locate(u, cr.Shift)
	if hits != 1 {
		return refl, RejectAmbiguous
	}
	panel := img.Detector.Panel(loc.Panel)
	if panel.MaxRes > 0 && ds > panel.MaxRes {
		return refl, RejectResolution
	}
	if panel.InBadRegion(loc.FS, loc.SS) {
		return refl, RejectBadRegion
	}

	refl.Panel = loc.Panel
	refl.FS = loc.FS
	refl.SS = loc.SS
	refl.Excitation = Excitation(q, k)
	refl.Partiality = p.Partiality(refl.Excitation, cr.ProfileRadius)
	return refl, Accepted
}

// Update recomputes the excitation error, detector position and partiality of
// an existing reflection. The position is taken on the reflection's own panel
// plane without a bounds check.
func (p *Predictor) Update(cr *crystal.Crystal, r *crystal.Reflection) error {
	if err := checkImage(cr); err != nil {
		return err
	}
	panel := cr.Image.Detector.Panel(r.Panel)
	if panel == nil {
		return fmt.Errorf("reflection %s: no panel %d", r.Index, r.Panel)
	}

	k := cr.Image.K()
	q := cr.Cell.Q(r.Index)
	r.Excitation = Excitation(q, k)

	u := q
	u.Z += k
	hit, ok := panel.Intersect(u, cr.Shift)
	if !ok {
		return fmt.Errorf("reflection %s does not reach panel %d", r.Index, r.Panel)
	}
	r.FS = hit.FS
	r.SS = hit.SS
	r.Partiality = p.Partiality(r.Excitation, cr.ProfileRadius)
	if r.Lorentz == 0 {
		r.Lorentz = 1
	}
	return nil
}

// UpdateAll refreshes every reflection of the crystal and returns how many
// could not be updated.
func (p *Predictor) UpdateAll(cr *crystal.Crystal) int {
	failed := 0
	for _, r := range cr.Reflections.All() {
		if err := p.Update(cr, r); err != nil {
			failed++
		}
	}
	return failed
}

// Partiality returns the recorded fraction for excitation error e.
func (p *Predictor) Partiality(e, radius float64) float64 {
	switch p.opts.Partiality {
	case PartialityGaussian:
		if !(radius > 0) {
			return 1
		}
		return math.Exp(-e * e / (2 * radius * radius))
	default:
		return 1
	}
}
