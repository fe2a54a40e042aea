package scaling

import (
	"log/slog"
	"math"

	"gonum.org/v1/gonum/stat"

	"xtal-refine/internal/crystal"
	"xtal-refine/internal/errors"
)

// LinearScale returns G such that G * Ip / p best matches the reference
// intensities, weighting each reflection by its partiality. It also returns
// the number of reflections used.
func LinearScale(reference, list *crystal.RefList) (float64, int, error) {
	var x, y, w []float64
	for _, r1 := range reference.All() {
		r2 := list.Find(r1.Index)
		if r2 == nil {
			continue
		}
		i1, i2 := r1.Intensity, r2.Intensity
		if !(i1 > 0) || !(i2 > 0) || math.IsInf(i1, 0) || math.IsInf(i2, 0) {
			continue
		}
		if !(r2.Partiality > 0) {
			continue
		}
		x = append(x, i2/r2.Partiality)
		y = append(y, i1)
		w = append(w, r2.Partiality)
	}
	if len(x) < 2 {
		return 0, len(x), errors.Newf("%d reflections in common with the reference, need 2", len(x)).
			Category(errors.CategoryInsufficientPairs).
			Component("linear-scale").
			Build()
	}

	_, G := stat.LinearRegression(x, y, w, true)
	if math.IsNaN(G) || math.IsInf(G, 0) {
		return 0, len(x), errors.Newf("linear scale is not finite (%d reflections)", len(x)).
			Category(errors.CategorySolveFailure).
			Component("linear-scale").
			Build()
	}
	return G, len(x), nil
}

// ScaleToReference sets each crystal's G from LinearScale and resets B to zero.
// Crystals that cannot be scaled are flagged. It returns how many failed.
func ScaleToReference(crystals []*crystal.Crystal, reference *crystal.RefList, logger *slog.Logger) int {
	failed := 0
	for i, cr := range crystals {
		G, n, err := LinearScale(reference, cr.Reflections)
		if err != nil {
			failed++
			cr.SetFlag(crystal.FlagScaleBad, err.Error())
			if logger != nil {
				logger.Warn("scaling to reference failed", "crystal", cr.ID, "index", i, "error", err)
			}
			continue
		}
		cr.Scale = G
		cr.BFactor = 0
		if logger != nil {
			logger.Debug("scaled to reference", "crystal", cr.ID, "G", G, "reflections", n)
		}
	}
	return failed
}
