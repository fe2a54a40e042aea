package scaling

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xtal-refine/internal/crystal"
	"xtal-refine/internal/errors"
	"xtal-refine/internal/harness"
	"xtal-refine/internal/merge"
	"xtal-refine/internal/synth"
)

func scalingSet(t *testing.T, scales, bs []float64) ([]*crystal.Crystal, synth.ScalingTruth) {
	t.Helper()
	crystals, truth, err := synth.New(synth.DefaultOptions()).ScalingSet(scales, bs)
	require.NoError(t, err)
	return crystals, truth
}

func newEngine(threads int, opts Options) *Engine {
	pool := harness.New(harness.Options{Threads: threads, RestoreOnError: true})
	return New(merge.NewMeanMerger(nil), pool, opts)
}

func TestScaleCrystalAgainstTrueReference(t *testing.T) {
	crystals, truth := scalingSet(t, []float64{1.2, 0.9}, []float64{5e-20, -2e-20})
	e := newEngine(1, Options{})

	for i, cr := range crystals {
		res, err := e.ScaleCrystal(cr, truth.Full)
		require.NoError(t, err)
		assert.True(t, cr.Usable())
		assert.Equal(t, truth.Full.Len(), res.Reflections)
		assert.InEpsilon(t, truth.Scale[i], cr.Scale, 1e-6)
		assert.InDelta(t, truth.BFactor[i], cr.BFactor, 1e-25)
		assert.Less(t, res.Residual, 1e-12)
		assert.LessOrEqual(t, res.Cycles, 3)
	}
}

func TestScaleIterateNeedsUsableReflections(t *testing.T) {
	crystals, truth := scalingSet(t, []float64{1, 1}, []float64{0, 0})

	// Reference seen only once.
	single := truth.Full.Copy()
	for _, r := range single.All() {
		r.Redundancy = 1
	}
	n, err := ScaleIterate(crystals[0], single, Options{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, crystal.FlagFewReflections, crystals[0].Flag)
	assert.Equal(t, 1.0, crystals[0].Scale)

	// Everything free.
	for _, r := range crystals[1].Reflections.All() {
		r.Free = true
	}
	n, err = ScaleIterate(crystals[1], truth.Full, Options{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, crystal.FlagFewReflections, crystals[1].Flag)
}

func TestWeakObservationsAreIgnored(t *testing.T) {
	crystals, truth := scalingSet(t, []float64{1, 1}, []float64{0, 0})
	cr := crystals[0]
	_, before := LogResidual(cr, truth.Full, Options{})

	weak := cr.Reflections.All()[0]
	weak.Sigma = weak.Intensity
	_, after := LogResidual(cr, truth.Full, Options{})
	assert.Equal(t, before-1, after)
}

func TestScaleAllRecoversRelativeParameters(t *testing.T) {
	scales := []float64{1.0, 1.2, 0.8}
	bs := []float64{0, 5e-20, -3e-20}
	crystals, truth := scalingSet(t, scales, bs)

	res, err := newEngine(2, Options{}).ScaleAll(context.Background(), crystals)
	if err != nil {
		require.True(t, errors.Is(err, errors.ErrNonConvergence), "unexpected error %v", err)
	}
	require.NotNil(t, res.Reference)
	assert.Equal(t, 3, res.Crystals)
	assert.GreaterOrEqual(t, res.Macrocycles, 1)

	for i := 1; i < len(crystals); i++ {
		require.True(t, crystals[i].Usable())
		gotRatio := crystals[i].Scale / crystals[0].Scale
		assert.InEpsilon(t, truth.Scale[i]/truth.Scale[0], gotRatio, 0.01, "crystal %d", i)
		gotDiff := crystals[i].BFactor - crystals[0].BFactor
		assert.InDelta(t, truth.BFactor[i]-truth.BFactor[0], gotDiff, 1e-21, "crystal %d", i)
	}

	// B is recovered up to a common offset, so the mean shifts with it.
	offset := crystals[0].BFactor - truth.BFactor[0]
	trueMean := (bs[0] + bs[1] + bs[2]) / 3
	assert.InDelta(t, trueMean+offset, res.MeanB, 1e-21)
}

func TestScaleAllIsIndependentOfThreadCount(t *testing.T) {
	scales := []float64{1.0, 1.1, 0.9, 1.3}
	bs := []float64{0, 1e-20, 2e-20, -1e-20}

	a, _ := scalingSet(t, scales, bs)
	b, _ := scalingSet(t, scales, bs)

	resA, errA := newEngine(len(scales), Options{}).ScaleAll(context.Background(), a)
	resB, errB := newEngine(16, Options{}).ScaleAll(context.Background(), b)
	assert.Equal(t, errA == nil, errB == nil)
	assert.Equal(t, resA.Residual, resB.Residual)
	assert.Equal(t, resA.Macrocycles, resB.Macrocycles)
	for i := range a {
		assert.Equal(t, a[i].Scale, b[i].Scale)
		assert.Equal(t, a[i].BFactor, b[i].BFactor)
	}
}

func TestScaleAllReportsNonConvergence(t *testing.T) {
	crystals, _ := scalingSet(t, []float64{1.0, 1.5, 0.6}, []float64{0, 4e-20, -4e-20})

	res, err := newEngine(2, Options{MaxMacrocycles: 1}).ScaleAll(context.Background(), crystals)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNonConvergence))
	assert.Equal(t, 1, res.Macrocycles)
	assert.NotNil(t, res.Reference)
	assert.False(t, res.Converged)
}

func TestScaleAllRejectsEmptyInput(t *testing.T) {
	_, err := newEngine(2, Options{}).ScaleAll(context.Background(), nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestLinearScale(t *testing.T) {
	crystals, truth := scalingSet(t, []float64{2, 0.5}, []float64{0, 0})

	G, n, err := LinearScale(truth.Full, crystals[0].Reflections)
	require.NoError(t, err)
	assert.Equal(t, truth.Full.Len(), n)
	assert.InEpsilon(t, 2, G, 1e-9)

	_, _, err = LinearScale(truth.Full, crystal.NewRefList())
	assert.True(t, errors.Is(err, errors.ErrInsufficientPairs))
}

func TestScaleToReference(t *testing.T) {
	crystals, truth := scalingSet(t, []float64{2, 0.5}, []float64{0, 0})
	crystals[0].BFactor = 1e-20
	crystals[1].Reflections = crystal.NewRefList()

	failed := ScaleToReference(crystals, truth.Full, nil)
	assert.Equal(t, 1, failed)
	assert.InEpsilon(t, 2, crystals[0].Scale, 1e-9)
	assert.Zero(t, crystals[0].BFactor)
	assert.Equal(t, crystal.FlagScaleBad, crystals[1].Flag)
}

func TestParamString(t *testing.T) {
	assert.Equal(t, "osf", ParamOSF.String())
	assert.Equal(t, "B", ParamBFactor.String())
	assert.Equal(t, "param(2)", NumParams.String())
}
