package refine

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"xtal-refine/internal/crystal"
	"xtal-refine/internal/pairing"
)

// Deviations are the residual terms of one pair: model minus observation.
type Deviations struct {
	Excitation float64 // m^-1
	X, Y       float64 // m, laboratory frame
}

// PairDeviations returns the deviations of a pair whose reflection has been
// brought up to date with the crystal's current parameters.
func PairDeviations(cr *crystal.Crystal, pr *pairing.Pair) (Deviations, error) {
	panel := cr.Image.Detector.Panel(pr.Refl.Panel)
	if panel == nil {
		return Deviations{}, fmt.Errorf("reflection %s: no panel %d", pr.Refl.Index, pr.Refl.Panel)
	}
	pk := panel.LabPosition(pr.Peak.FS, pr.Peak.SS, cr.Shift)
	h := panel.LabPosition(pr.Refl.FS, pr.Refl.SS, cr.Shift)
	return Deviations{
		Excitation: pr.Refl.Excitation,
		X:          h.X - pk.X,
		Y:          h.Y - pk.Y,
	}, nil
}

// PairGradients returns the analytic derivatives of the three deviations of a
// pair with respect to every parameter.
//
// With u = q + k z and the panel plane n.(P - O) = 0, the predicted point is
// t u with t = n.O / n.u, so dP/du_j = t (e_j - u n_j / n.u). The detector
// shift moves O, and the peak with it.
func PairGradients(cr *crystal.Crystal, pr *pairing.Pair) (exc, x, y Gradient, err error) {
	panel := cr.Image.Detector.Panel(pr.Refl.Panel)
	if panel == nil {
		return exc, x, y, fmt.Errorf("reflection %s: no panel %d", pr.Refl.Index, pr.Refl.Panel)
	}

	u := cr.Cell.Q(pr.Refl.Index)
	u.Z += cr.Image.K()
	hit, ok := panel.Intersect(u, cr.Shift)
	if !ok {
		return exc, x, y, fmt.Errorf("reflection %s does not reach panel %d", pr.Refl.Index, pr.Refl.Panel)
	}
	mod := r3.Norm(u)
	n := panel.Normal()
	nu := hit.NDotU

	idx := [3]float64{float64(pr.Refl.Index.H), float64(pr.Refl.Index.K), float64(pr.Refl.Index.L)}
	uc := [3]float64{u.X, u.Y, u.Z}
	nc := [3]float64{n.X, n.Y, n.Z}

	for v := 0; v < 3; v++ {
		for j := 0; j < 3; j++ {
			p := Param(3*v + j)
			exc[p] = -idx[v] * uc[j] / mod
			x[p] = idx[v] * hit.T * (kronecker(0, j) - u.X*nc[j]/nu)
			y[p] = idx[v] * hit.T * (kronecker(1, j) - u.Y*nc[j]/nu)
		}
	}

	x[ParamDetX] = u.X*n.X/nu - 1
	x[ParamDetY] = u.X * n.Y / nu
	y[ParamDetX] = u.Y * n.X / nu
	y[ParamDetY] = u.Y*n.Y/nu - 1
	return exc, x, y, nil
}

func kronecker(i, j int) float64 {
	if i == j {
		return 1
	}
	return 0
}

// Residual returns the weighted sum of squared deviations over the pairs.
// Pairs whose deviations cannot be computed are skipped.
func Residual(cr *crystal.Crystal, pairs []pairing.Pair, excWeight float64) float64 {
	res := 0.0
	for i := range pairs {
		d, err := PairDeviations(cr, &pairs[i])
		if err != nil {
			continue
		}
		res += excWeight * pairs[i].Weight * d.Excitation * d.Excitation
		res += d.X*d.X + d.Y*d.Y
	}
	return res
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
