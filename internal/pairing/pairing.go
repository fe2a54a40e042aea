// Package pairing matches observed peaks to reflections of a crystal and
// rejects implausible matches.
package pairing

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"xtal-refine/internal/crystal"
	"xtal-refine/internal/detector"
	"xtal-refine/internal/logging"
	"xtal-refine/internal/predict"
	"xtal-refine/pkg/geometry"
)

// Pair ties one reflection to the peak it was indexed from.
// The reflection is a private copy owned by the pair.
type Pair struct {
	Refl      crystal.Reflection
	Peak      crystal.Peak
	PeakIndex int
	// Weight is the peak intensity normalised to a maximum of 1.
	Weight float64
}

// Options configures a Pairer.
type Options struct {
	// MaxIndex rejects peaks whose nearest indices reach this magnitude.
	MaxIndex int
	// OutlierIntercept is the constant term of the outlier transition test, m^-1.
	OutlierIntercept float64
	Logger           *slog.Logger
}

// DefaultOptions returns the standard pairing limits.
func DefaultOptions() Options {
	return Options{
		MaxIndex:         512,
		OutlierIntercept: 0.001e9,
	}
}

// Pairer assigns indices to peaks.
type Pairer struct {
	pred   *predict.Predictor
	opts   Options
	logger *slog.Logger
}

// New creates a Pairer that recomputes positions with pred.
func New(pred *predict.Predictor, opts Options) *Pairer {
	def := DefaultOptions()
	if opts.MaxIndex <= 0 {
		opts.MaxIndex = def.MaxIndex
	}
	if opts.OutlierIntercept <= 0 {
		opts.OutlierIntercept = def.OutlierIntercept
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.ForService("pairing")
	}
	return &Pairer{pred: pred, opts: opts, logger: logger}
}

// Predictor returns the predictor used for position updates.
func (p *Pairer) Predictor() *predict.Predictor {
	return p.pred
}

// nearestIndices returns the rounded and fractional indices of a scattering vector.
func nearestIndices(r, a, b, c r3.Vec) (geometry.Miller, [3]float64) {
	frac := [3]float64{r3.Dot(r, a), r3.Dot(r, b), r3.Dot(r, c)}
	return geometry.Miller{
		H: int(math.RoundToEven(frac[0])),
		K: int(math.RoundToEven(frac[1])),
		L: int(math.RoundToEven(frac[2])),
	}, frac
}

// Pair indexes every peak of the crystal's image and returns the accepted
// pairs sorted by ascending absolute excitation error.
func (p *Pairer) Pair(cr *crystal.Crystal) ([]Pair, error) {
	if cr.Image == nil || cr.Image.Detector == nil {
		return nil, fmt.Errorf("crystal %s has no image geometry", cr.ID)
	}
	a, b, c, ok := cr.Cell.Direct()
	if !ok {
		return nil, fmt.Errorf("crystal %s has a singular cell", cr.ID)
	}
	det := cr.Image.Detector
	k := cr.Image.K()
	lowest := cr.Cell.LowestReflection()

	pairs := make([]Pair, 0, len(cr.Image.Peaks))
	for i, pk := range cr.Image.Peaks {
		loc := detector.Location{Panel: pk.Panel, FS: pk.FS, SS: pk.SS}
		r, err := det.Reciprocal(loc, cr.Shift, k)
		if err != nil {
			continue
		}
		idx, _ := nearestIndices(r, a, b, c)
		if idx.IsOrigin() {
			continue
		}
		if abs(idx.H) >= p.opts.MaxIndex || abs(idx.K) >= p.opts.MaxIndex || abs(idx.L) >= p.opts.MaxIndex {
			p.logger.Warn("peak indices too large for pairing",
				"crystal", cr.ID, "peak", i, "panel", pk.Panel, "index", idx.String())
			continue
		}
		refl := crystal.NewReflection(idx)
		refl.Panel = pk.Panel
		refl.Intensity = pk.Intensity
		pairs = append(pairs, Pair{Refl: refl, Peak: pk, PeakIndex: i})
	}

	// Exact predictions, then the gross-mismatch filter. Of several peaks
	// claiming one index, the closest in reciprocal space is kept.
	claimed := make(map[geometry.Miller]int)
	dist := make([]float64, 0, len(pairs))
	n := 0
	for _, pr := range pairs {
		if err := p.pred.Update(cr, &pr.Refl); err != nil {
			continue
		}
		rr, err := det.Reciprocal(detector.Location{Panel: pr.Refl.Panel, FS: pr.Refl.FS, SS: pr.Refl.SS}, cr.Shift, k)
		if err != nil {
			continue
		}
		rp, err := det.Reciprocal(detector.Location{Panel: pr.Peak.Panel, FS: pr.Peak.FS, SS: pr.Peak.SS}, cr.Shift, k)
		if err != nil {
			continue
		}
		d := r3.Norm(r3.Sub(rr, rp))
		if d > lowest/3 {
			continue
		}
		if j, ok := claimed[pr.Refl.Index]; ok {
			if d < dist[j] {
				pairs[j], dist[j] = pr, d
			}
			continue
		}
		claimed[pr.Refl.Index] = n
		pairs[n] = pr
		dist = append(dist, d)
		n++
	}
	pairs = pairs[:n]

	sort.SliceStable(pairs, func(i, j int) bool {
		return math.Abs(pairs[i].Refl.Excitation) < math.Abs(pairs[j].Refl.Excitation)
	})
	absErr := make([]float64, len(pairs))
	for i := range pairs {
		absErr[i] = math.Abs(pairs[i].Refl.Excitation)
	}
	nFinal := OutlierTransition(absErr, p.opts.OutlierIntercept)

	logging.Trace(p.logger, "paired peaks",
		"crystal", cr.ID, "peaks", len(cr.Image.Peaks), "candidates", len(pairs), "accepted", nFinal)
	return pairs[:nFinal], nil
}

// Count pairs the crystal's peaks and, if out is non-nil, adds a copy of each
// accepted reflection to it.
func (p *Pairer) Count(cr *crystal.Crystal, out *crystal.RefList) (int, error) {
	pairs, err := p.Pair(cr)
	if err != nil {
		return 0, err
	}
	if out != nil {
		for i := range pairs {
			if _, err := out.Add(pairs[i].Refl); err != nil {
				return 0, err
			}
		}
	}
	return len(pairs), nil
}

// OutlierTransition returns how many leading entries of a list of absolute
// excitation errors, sorted ascending, are good pairings. For each i the
// slope |e_i|/i defines a line with the given intercept; the first i for
// which no later entry falls under that line marks the transition to outliers.
func OutlierTransition(absErr []float64, intercept float64) int {
	n := len(absErr)
	if n < 3 {
		return n
	}
	for i := 1; i < n-1; i++ {
		grad := absErr[i] / float64(i)
		j := i + 1
		for ; j < n; j++ {
			if absErr[j] < intercept+grad*float64(j) {
				break
			}
		}
		if j == n {
			return i
		}
	}
	return n
}

// NormaliseWeights sets each pair's weight to its peak intensity divided by
// the largest one. Non-positive intensities get zero weight. It returns false
// when no intensity is positive.
func NormaliseWeights(pairs []Pair) bool {
	maxI := math.Inf(-1)
	for i := range pairs {
		if pairs[i].Peak.Intensity > maxI {
			maxI = pairs[i].Peak.Intensity
		}
	}
	if !(maxI > 0) {
		return false
	}
	for i := range pairs {
		if pairs[i].Peak.Intensity > 0 {
			pairs[i].Weight = pairs[i].Peak.Intensity / maxI
		} else {
			pairs[i].Weight = 0
		}
	}
	return true
}

// LatticeAgreement returns the fraction of peaks whose fractional indices all
// lie within minDist of an integer, and the summed closeness score.
func LatticeAgreement(cr *crystal.Crystal, minDist float64) (float64, float64, error) {
	if cr.Image == nil || cr.Image.Detector == nil {
		return 0, 0, fmt.Errorf("crystal %s has no image geometry", cr.ID)
	}
	a, b, c, ok := cr.Cell.Direct()
	if !ok {
		return 0, 0, fmt.Errorf("crystal %s has a singular cell", cr.ID)
	}
	k := cr.Image.K()

	nFeat, nSane := 0, 0
	score := 0.0
	for _, pk := range cr.Image.Peaks {
		r, err := cr.Image.Detector.Reciprocal(detector.Location{Panel: pk.Panel, FS: pk.FS, SS: pk.SS}, cr.Shift, k)
		if err != nil {
			continue
		}
		nFeat++
		idx, frac := nearestIndices(r, a, b, c)
		dh := float64(idx.H) - frac[0]
		dk := float64(idx.K) - frac[1]
		dl := float64(idx.L) - frac[2]
		if math.Abs(dh) < minDist && math.Abs(dk) < minDist && math.Abs(dl) < minDist {
			nSane++
			score += 1 - (dh*dh + dk*dk + dl*dl)
		}
	}
	if nFeat == 0 {
		return 0, 0, nil
	}
	return float64(nSane) / float64(nFeat), score, nil
}

// SanityCheck reports whether at least half the peaks agree with the lattice.
func SanityCheck(cr *crystal.Crystal) (bool, error) {
	frac, _, err := LatticeAgreement(cr, 0.25)
	if err != nil {
		return false, err
	}
	return frac >= 0.5, nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
