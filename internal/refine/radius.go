package refine

import (
	"math"
	"sort"

	"xtal-refine/internal/crystal"
	"xtal-refine/internal/errors"
)

// ProfileRadius picks the radius from a list of excitation errors: the
// absolute error at position (n-1) - n/50 of the sorted list, but never below
// position 2. At least three errors are needed.
func ProfileRadius(excitations []float64) (float64, error) {
	n := len(excitations)
	if n < 3 {
		return 0, errors.Newf("%d pairs, need 3 for a profile radius", n).
			Category(errors.CategoryInsufficientPairs).
			Component("radius").
			Build()
	}
	abs := make([]float64, n)
	for i, e := range excitations {
		abs[i] = math.Abs(e)
	}
	sort.Float64s(abs)
	idx := (n - 1) - n/50
	if idx < 2 {
		idx = 2
	}
	return abs[idx], nil
}

// RefineRadius sets the crystal's profile radius from its current pairing.
func (r *Refiner) RefineRadius(cr *crystal.Crystal) error {
	pairs, err := r.pairer.Pair(cr)
	if err != nil {
		return errors.New(err).Category(errors.CategoryInvalidInput).Component("radius").Build()
	}
	exc := make([]float64, len(pairs))
	for i := range pairs {
		exc[i] = pairs[i].Refl.Excitation
	}
	radius, err := ProfileRadius(exc)
	if err != nil {
		return err
	}
	cr.ProfileRadius = radius
	r.logger.Debug("profile radius", "crystal", cr.ID, "radius", radius, "pairs", len(pairs))
	return nil
}
