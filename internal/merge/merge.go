// Package merge combines the partial intensities of many crystals into one
// reference list of full intensities.
package merge

import (
	"context"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"xtal-refine/internal/crystal"
	"xtal-refine/internal/errors"
	"xtal-refine/internal/logging"
	"xtal-refine/pkg/geometry"
)

// Merger produces a reference list from a set of crystals. Implementations
// must skip flagged crystals and must not modify the crystals.
type Merger interface {
	Merge(ctx context.Context, crystals []*crystal.Crystal) (*crystal.RefList, error)
}

// MeanMerger estimates each full intensity as the unweighted mean of the
// scaled, partiality-corrected observations
//
//	I = Ip G L exp(B s^2) / p
//
// and its sigma as the standard error of that mean.
type MeanMerger struct {
	// MinPartiality excludes observations recorded with a smaller fraction.
	MinPartiality float64
	Logger        *slog.Logger
}

// NewMeanMerger returns a merger with the given logger, or the service logger
// if nil.
func NewMeanMerger(logger *slog.Logger) *MeanMerger {
	if logger == nil {
		logger = logging.ForService("merge")
	}
	return &MeanMerger{MinPartiality: 0.05, Logger: logger}
}

type observations struct {
	values []float64
	sigmas []float64
}

// Merge implements Merger.
func (m *MeanMerger) Merge(ctx context.Context, crystals []*crystal.Crystal) (*crystal.RefList, error) {
	if len(crystals) == 0 {
		return nil, errors.Newf("no crystals to merge").
			Category(errors.CategoryInvalidInput).
			Component("merge").
			Build()
	}
	logger := m.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	obs := make(map[geometry.Miller]*observations)
	used := 0
	for _, cr := range crystals {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cr == nil || !cr.Usable() {
			continue
		}
		used++
		for _, r := range cr.Reflections.Sorted() {
			if !(r.Partiality > m.MinPartiality) {
				continue
			}
			lorentz := r.Lorentz
			if lorentz == 0 {
				lorentz = 1
			}
			s := cr.Cell.Resolution(r.Index)
			corr := cr.Scale * lorentz * math.Exp(cr.BFactor*s*s) / r.Partiality
			v := r.Intensity * corr
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			o := obs[r.Index]
			if o == nil {
				o = &observations{}
				obs[r.Index] = o
			}
			o.values = append(o.values, v)
			o.sigmas = append(o.sigmas, r.Sigma*corr)
		}
	}

	indices := make([]geometry.Miller, 0, len(obs))
	for idx := range obs {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool {
		a, b := indices[i], indices[j]
		if a.H != b.H {
			return a.H < b.H
		}
		if a.K != b.K {
			return a.K < b.K
		}
		return a.L < b.L
	})

	out := crystal.NewRefList()
	for _, idx := range indices {
		o := obs[idx]
		r := crystal.NewReflection(idx)
		r.Redundancy = len(o.values)
		if len(o.values) == 1 {
			r.Intensity = o.values[0]
			r.Sigma = o.sigmas[0]
		} else {
			mean, std := stat.MeanStdDev(o.values, nil)
			r.Intensity = mean
			r.Sigma = std / math.Sqrt(float64(len(o.values)))
		}
		if _, err := out.Add(r); err != nil {
			return nil, err
		}
	}

	logger.Debug("merged reflections", "crystals", used, "unique", out.Len())
	return out, nil
}
