// Package synth generates noise-controlled synthetic diffraction data for
// tests, demonstrations and the gradient check.
package synth

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r3"

	"xtal-refine/internal/crystal"
	"xtal-refine/internal/detector"
	"xtal-refine/internal/predict"
	"xtal-refine/pkg/geometry"
)

// Options controls the generated images.
type Options struct {
	// Cell edges in metres; angles are 90 degrees.
	A, B, C float64

	Lambda     float64
	Bandwidth  float64
	Divergence float64

	// ClenMetres is the camera length of the single square panel.
	ClenMetres float64
	PanelSize  int
	PixelPitch float64

	// ResolutionLimit is used for the forward prediction, m^-1.
	ResolutionLimit float64
	ProfileCutoff   float64

	// PositionNoise is the standard deviation of the peak jitter in pixels.
	PositionNoise float64

	Seed uint64
}

// DefaultOptions returns a geometry that yields about a hundred peaks per image.
func DefaultOptions() Options {
	return Options{
		A: 50e-10, B: 60e-10, C: 70e-10,
		Lambda:          1.3e-10,
		Bandwidth:       0,
		ClenMetres:      0.1,
		PanelSize:       1024,
		PixelPitch:      100e-6,
		ResolutionLimit: 1 / 2.5e-10,
		ProfileCutoff:   0.005e9,
		Seed:            1,
	}
}

// Detector returns a single square panel centred on the beam.
func (o Options) Detector() *detector.Detector {
	half := float64(o.PanelSize) / 2
	return &detector.Detector{Panels: []detector.Panel{
		detector.NewFlatPanel("p0", o.PanelSize, o.PanelSize, -half, -half, o.ClenMetres, o.PixelPitch),
	}}
}

// PredictorOptions returns predictor options matching the generator.
func (o Options) PredictorOptions() predict.Options {
	po := predict.DefaultOptions()
	po.ResolutionLimit = o.ResolutionLimit
	po.ProfileCutoff = o.ProfileCutoff
	return po
}

// Cell returns the unrotated cell.
func (o Options) Cell() (geometry.Cell, error) {
	return geometry.NewCellFromParameters(o.A, o.B, o.C, math.Pi/2, math.Pi/2, math.Pi/2)
}

// Generator produces synthetic crystals from a seeded source.
type Generator struct {
	opts Options
	rng  *rand.Rand
}

// New creates a generator.
func New(opts Options) *Generator {
	return &Generator{
		opts: opts,
		rng:  rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}
}

// Options returns the generator options.
func (g *Generator) Options() Options {
	return g.opts
}

// RandomOrientation rotates cell about a random axis by a random angle.
func (g *Generator) RandomOrientation(cell geometry.Cell) geometry.Cell {
	axis := r3.Unit(r3.Vec{X: g.rng.NormFloat64(), Y: g.rng.NormFloat64(), Z: g.rng.NormFloat64()})
	rot := r3.NewRotation(g.rng.Float64()*2*math.Pi, axis)
	return geometry.Cell{
		AStar: rot.Rotate(cell.AStar),
		BStar: rot.Rotate(cell.BStar),
		CStar: rot.Rotate(cell.CStar),
	}
}

// Crystal returns a randomly oriented crystal whose image carries one peak
// per predicted reflection, at the predicted position plus optional jitter.
// The crystal's reflection list holds the true predictions.
func (g *Generator) Crystal() (*crystal.Crystal, error) {
	base, err := g.opts.Cell()
	if err != nil {
		return nil, err
	}
	return g.CrystalWithCell(g.RandomOrientation(base))
}

// CrystalWithCell is Crystal with a fixed orientation.
func (g *Generator) CrystalWithCell(cell geometry.Cell) (*crystal.Crystal, error) {
	img := &crystal.Image{
		Filename:   fmt.Sprintf("synthetic-%d.h5", g.rng.Uint32()),
		Lambda:     g.opts.Lambda,
		Bandwidth:  g.opts.Bandwidth,
		Divergence: g.opts.Divergence,
		Detector:   g.opts.Detector(),
	}
	cr := crystal.New(img, cell)

	pred := predict.New(g.opts.PredictorOptions())
	refs, _, err := pred.Predict(cr)
	if err != nil {
		return nil, fmt.Errorf("synthetic prediction: %w", err)
	}
	cr.Reflections = refs

	for _, r := range refs.Sorted() {
		peak := crystal.Peak{
			Panel:     r.Panel,
			FS:        r.FS,
			SS:        r.SS,
			Intensity: 100 + 900*g.rng.Float64(),
		}
		if g.opts.PositionNoise > 0 {
			peak.FS += g.rng.NormFloat64() * g.opts.PositionNoise
			peak.SS += g.rng.NormFloat64() * g.opts.PositionNoise
		}
		img.Peaks = append(img.Peaks, peak)
	}
	return cr, nil
}

// ScalingTruth holds the parameters used to generate a scaling data set.
type ScalingTruth struct {
	Scale   []float64
	BFactor []float64
	Full    *crystal.RefList
}

// ScalingSet builds one crystal per (scale, bfactor) pair. Every crystal
// measures the same reflections, with random partialities, so that
//
//	Ip = p * I_full * exp(-B s^2) / G
//
// holds exactly.
func (g *Generator) ScalingSet(scales, bfactors []float64) ([]*crystal.Crystal, ScalingTruth, error) {
	if len(scales) != len(bfactors) {
		return nil, ScalingTruth{}, fmt.Errorf("got %d scales and %d B factors", len(scales), len(bfactors))
	}
	cell, err := g.opts.Cell()
	if err != nil {
		return nil, ScalingTruth{}, err
	}

	full := crystal.NewRefList()
	const hmax = 6
	for h := -hmax; h <= hmax; h++ {
		for k := 0; k <= hmax; k++ {
			for l := 0; l <= hmax; l++ {
				idx := geometry.Miller{H: h, K: k, L: l}
				if idx.IsOrigin() || cell.Resolution(idx)*2 > g.opts.ResolutionLimit {
					continue
				}
				r := crystal.NewReflection(idx)
				r.Intensity = 100 + 10000*g.rng.ExpFloat64()
				r.Redundancy = len(scales)
				if _, err := full.Add(r); err != nil {
					return nil, ScalingTruth{}, err
				}
			}
		}
	}

	img := &crystal.Image{Filename: "scaling.h5", Lambda: g.opts.Lambda, Detector: g.opts.Detector()}
	crystals := make([]*crystal.Crystal, len(scales))
	for i := range scales {
		cr := crystal.New(img, cell)
		for _, f := range full.Sorted() {
			s := cell.Resolution(f.Index)
			r := crystal.NewReflection(f.Index)
			r.Partiality = 0.3 + 0.7*g.rng.Float64()
			r.Intensity = r.Partiality * f.Intensity * math.Exp(-bfactors[i]*s*s) / scales[i]
			r.Sigma = r.Intensity / 50
			if _, err := cr.Reflections.Add(r); err != nil {
				return nil, ScalingTruth{}, err
			}
		}
		crystals[i] = cr
	}

	return crystals, ScalingTruth{Scale: scales, BFactor: bfactors, Full: full}, nil
}
