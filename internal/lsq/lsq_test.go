package lsq

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"xtal-refine/internal/errors"
)

func TestStraightLineFit(t *testing.T) {
	// y = 2 + 3x; model starts at zero so the residual is -y.
	s := NewSystem(2)
	for _, x := range []float64{-2, -1, 0, 1, 2, 3} {
		y := 2 + 3*x
		s.Add([]float64{1, x}, -y, 1)
	}
	sol, err := s.Solve()
	require.NoError(t, err)
	assert.InDelta(t, 2, sol.Shifts[0], 1e-9)
	assert.InDelta(t, 3, sol.Shifts[1], 1e-9)
	assert.Equal(t, 2, sol.Rank)
	assert.Zero(t, sol.Clamped)
}

func TestBadlyScaledParameters(t *testing.T) {
	// Parameters on wildly different scales, as for lattice vs detector terms.
	s := NewSystem(2)
	truth := []float64{1e-9, 5}
	for i := 0; i < 20; i++ {
		g := []float64{1e9 * float64(i%5+1), float64(i%3) - 1}
		obs := g[0]*truth[0] + g[1]*truth[1]
		s.Add(g, -obs, 1)
	}
	sol, err := s.Solve()
	require.NoError(t, err)
	assert.InEpsilon(t, truth[0], sol.Shifts[0], 1e-6)
	assert.InEpsilon(t, truth[1], sol.Shifts[1], 1e-6)
}

func TestRankDeficientKeepsFiniteShifts(t *testing.T) {
	s := NewSystem(3)
	s.Add([]float64{1, 1, 0}, -2, 1)
	s.Add([]float64{2, 2, 0}, -4, 1)
	sol, err := s.Solve()
	require.NoError(t, err)
	assert.Equal(t, 1, sol.Rank)
	for _, x := range sol.Shifts {
		assert.False(t, math.IsNaN(x))
	}
	// minimum-norm split of the degenerate pair
	assert.InDelta(t, 1, sol.Shifts[0], 1e-9)
	assert.InDelta(t, 1, sol.Shifts[1], 1e-9)
	assert.InDelta(t, 0, sol.Shifts[2], 1e-12)
}

func TestDampingShrinksStep(t *testing.T) {
	plain := NewSystem(1)
	damped := NewSystem(1)
	for i := 0; i < 5; i++ {
		plain.Add([]float64{1}, -1, 1)
		damped.Add([]float64{1}, -1, 1)
	}
	damped.Damp(0, 5)

	a, err := plain.Solve()
	require.NoError(t, err)
	b, err := damped.Solve()
	require.NoError(t, err)
	assert.InDelta(t, 1, a.Shifts[0], 1e-12)
	assert.InDelta(t, 0.5, b.Shifts[0], 1e-12)
}

func TestEmptySystemFails(t *testing.T) {
	_, err := NewSystem(2).Solve()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSolveFailure))
}

func TestDimensionMismatch(t *testing.T) {
	_, err := SolveSVD(mat.NewDense(2, 3, nil), mat.NewVecDense(2, nil))
	assert.True(t, errors.Is(err, errors.ErrSolveFailure))
}

func TestNonFiniteInputIsClampedOrRejected(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	v := mat.NewVecDense(2, []float64{math.NaN(), 1})
	sol, err := SolveSVD(m, v)
	if err != nil {
		assert.True(t, errors.Is(err, errors.ErrSolveFailure))
		return
	}
	for _, x := range sol.Shifts {
		assert.False(t, math.IsNaN(x))
	}
	assert.Positive(t, sol.Clamped)
}
