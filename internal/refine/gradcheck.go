package refine

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"xtal-refine/internal/crystal"
	"xtal-refine/internal/pairing"
	"xtal-refine/pkg/geometry"
)

// GradientCheck is the worst disagreement between analytic and numerical
// derivatives found for one parameter.
type GradientCheck struct {
	Param Param
	// MaxRelError is taken over all pairs and all three deviation terms.
	MaxRelError float64
	Analytic    float64
	Numerical   float64
	Compared    int
}

// Terms below these magnitudes are too small to compare meaningfully.
const (
	excFloor = 1e-3
	posFloor = 1e-12
)

// CheckGradients compares PairGradients with central finite differences of
// PairDeviations for every pair of the crystal.
func (r *Refiner) CheckGradients(cr *crystal.Crystal) ([NumParams]GradientCheck, error) {
	var out [NumParams]GradientCheck
	for p := range out {
		out[p].Param = Param(p)
	}

	pairs, err := r.pairer.Pair(cr)
	if err != nil {
		return out, err
	}
	if len(pairs) == 0 {
		return out, insufficient(cr, 0, 1)
	}
	r.updatePairs(cr, pairs)

	for i := range pairs {
		exc, gx, gy, err := PairGradients(cr, &pairs[i])
		if err != nil {
			continue
		}
		for p := Param(0); p < NumParams; p++ {
			num, ok := r.numericalGradient(cr, pairs[i], p)
			if !ok {
				continue
			}
			analytic := [3]float64{exc[p], gx[p], gy[p]}
			for t := 0; t < 3; t++ {
				floor := posFloor
				if t == 0 {
					floor = excFloor
				}
				scale := math.Max(math.Max(math.Abs(analytic[t]), math.Abs(num[t])), floor)
				rel := math.Abs(analytic[t]-num[t]) / scale
				if !finite(rel) {
					continue
				}
				out[p].Compared++
				if rel > out[p].MaxRelError {
					out[p].MaxRelError = rel
					out[p].Analytic = analytic[t]
					out[p].Numerical = num[t]
				}
			}
		}
	}
	return out, nil
}

func (r *Refiner) numericalGradient(cr *crystal.Crystal, pr pairing.Pair, p Param) ([3]float64, bool) {
	step := 1e-7
	if !p.IsDetector() {
		vecs := [3]r3.Vec{cr.Cell.AStar, cr.Cell.BStar, cr.Cell.CStar}
		step = 1e-6 * r3.Norm(vecs[int(p)/3])
	}

	plus, ok1 := r.deviationsAt(cr, pr, p, step)
	minus, ok2 := r.deviationsAt(cr, pr, p, -step)
	if !ok1 || !ok2 {
		return [3]float64{}, false
	}
	return [3]float64{
		(plus.Excitation - minus.Excitation) / (2 * step),
		(plus.X - minus.X) / (2 * step),
		(plus.Y - minus.Y) / (2 * step),
	}, true
}

func (r *Refiner) deviationsAt(cr *crystal.Crystal, pr pairing.Pair, p Param, delta float64) (Deviations, bool) {
	trial := crystal.New(cr.Image, cr.Cell)
	trial.ID = cr.ID
	trial.Shift = cr.Shift
	trial.ProfileRadius = cr.ProfileRadius

	if p.IsDetector() {
		if p == ParamDetX {
			trial.Shift.DX += delta
		} else {
			trial.Shift.DY += delta
		}
	} else {
		c := cr.Cell.Components()
		c[p] += delta
		trial.Cell = geometry.WithComponents(c)
	}

	if err := r.pairer.Predictor().Update(trial, &pr.Refl); err != nil {
		return Deviations{}, false
	}
	d, err := PairDeviations(trial, &pr)
	if err != nil {
		return Deviations{}, false
	}
	return d, true
}

// WorstGradient returns the largest relative error in a check.
func WorstGradient(checks [NumParams]GradientCheck) GradientCheck {
	worst := checks[0]
	for _, c := range checks[1:] {
		if c.MaxRelError > worst.MaxRelError {
			worst = c
		}
	}
	return worst
}
