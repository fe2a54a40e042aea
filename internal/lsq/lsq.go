// Package lsq accumulates weighted normal equations and solves them with a
// regularised singular value decomposition.
package lsq

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"xtal-refine/internal/errors"
)

// RelativeCutoff discards singular values below this fraction of the largest.
const RelativeCutoff = 1e-10

// System holds the normal equations M x = v for n parameters.
type System struct {
	n int
	m *mat.SymDense
	v *mat.VecDense
}

// NewSystem creates an empty n-parameter system.
func NewSystem(n int) *System {
	return &System{
		n: n,
		m: mat.NewSymDense(n, nil),
		v: mat.NewVecDense(n, nil),
	}
}

// Len returns the number of parameters.
func (s *System) Len() int {
	return s.n
}

// Add accumulates one observation with residual r (model minus observed),
// gradient g and weight w: M += w g g^T, v -= w r g.
func (s *System) Add(g []float64, r, w float64) {
	for k := 0; k < s.n; k++ {
		if g[k] == 0 {
			continue
		}
		s.v.SetVec(k, s.v.AtVec(k)-w*r*g[k])
		for j := k; j < s.n; j++ {
			s.m.SetSym(k, j, s.m.At(k, j)+w*g[k]*g[j])
		}
	}
}

// Damp adds d to diagonal element i.
func (s *System) Damp(i int, d float64) {
	s.m.SetSym(i, i, s.m.At(i, i)+d)
}

// Matrix returns the accumulated matrix.
func (s *System) Matrix() mat.Symmetric {
	return s.m
}

// Vector returns the accumulated right-hand side.
func (s *System) Vector() mat.Vector {
	return s.v
}

// Solution is the result of a solve.
type Solution struct {
	Shifts []float64
	// Clamped counts non-finite components that were set to zero.
	Clamped int
	// Rank is the number of singular values kept.
	Rank int
}

// Solve solves the system.
func (s *System) Solve() (Solution, error) {
	return SolveSVD(s.m, s.v)
}

// SolveSVD solves M x = v. The matrix is first equilibrated with
// S = diag(1/sqrt(M_ii)) so that the SVD works on S M S, then singular values
// below RelativeCutoff times the largest are discarded.
func SolveSVD(m mat.Matrix, v mat.Vector) (Solution, error) {
	r, c := m.Dims()
	if r != c || r != v.Len() || r == 0 {
		return Solution{}, errors.Newf("dimension mismatch: %dx%d matrix, %d vector", r, c, v.Len()).
			Category(errors.CategorySolveFailure).
			Component("lsq").
			Build()
	}
	n := r

	scale := make([]float64, n)
	for i := 0; i < n; i++ {
		d := m.At(i, i)
		if d > 0 && !math.IsInf(d, 0) {
			scale[i] = 1 / math.Sqrt(d)
		} else {
			scale[i] = 1
		}
	}

	sms := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sms.Set(i, j, scale[i]*m.At(i, j)*scale[j])
		}
	}
	sv := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		sv.SetVec(i, scale[i]*v.AtVec(i))
	}

	var svd mat.SVD
	if ok := svd.Factorize(sms, mat.SVDThin); !ok {
		return Solution{}, errors.Newf("SVD did not converge").
			Category(errors.CategorySolveFailure).
			Component("lsq").
			Build()
	}
	values := svd.Values(nil)
	var u, vm mat.Dense
	svd.UTo(&u)
	svd.VTo(&vm)

	maxSV := 0.0
	for _, s := range values {
		if s > maxSV {
			maxSV = s
		}
	}
	if !(maxSV > 0) || math.IsInf(maxSV, 0) {
		return Solution{}, errors.Newf("matrix has no usable singular values").
			Category(errors.CategorySolveFailure).
			Component("lsq").
			Context("max_singular_value", maxSV).
			Build()
	}

	// x' = V diag(1/s) U^T (S v)
	var utv mat.VecDense
	utv.MulVec(u.T(), sv)
	rank := 0
	for i, s := range values {
		if s < maxSV*RelativeCutoff {
			utv.SetVec(i, 0)
			continue
		}
		utv.SetVec(i, utv.AtVec(i)/s)
		rank++
	}
	var xs mat.VecDense
	xs.MulVec(&vm, &utv)

	sol := Solution{Shifts: make([]float64, n), Rank: rank}
	for i := 0; i < n; i++ {
		x := scale[i] * xs.AtVec(i)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			x = 0
			sol.Clamped++
		}
		sol.Shifts[i] = x
	}
	return sol, nil
}
