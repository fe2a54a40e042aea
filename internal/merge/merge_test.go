package merge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xtal-refine/internal/crystal"
	"xtal-refine/internal/errors"
	"xtal-refine/internal/synth"
)

func TestMergeRecoversFullIntensities(t *testing.T) {
	scales := []float64{1, 1.3, 0.7}
	bs := []float64{0, 2e-20, -1e-20}
	crystals, truth, err := synth.New(synth.DefaultOptions()).ScalingSet(scales, bs)
	require.NoError(t, err)
	for i, cr := range crystals {
		cr.Scale = scales[i]
		cr.BFactor = bs[i]
	}

	ref, err := NewMeanMerger(nil).Merge(context.Background(), crystals)
	require.NoError(t, err)
	require.Equal(t, truth.Full.Len(), ref.Len())
	for _, f := range truth.Full.All() {
		r := ref.Find(f.Index)
		require.NotNil(t, r, "%s", f.Index)
		assert.InEpsilon(t, f.Intensity, r.Intensity, 1e-9)
		assert.Equal(t, 3, r.Redundancy)
		assert.InDelta(t, 0, r.Sigma, f.Intensity*1e-9)
	}
}

func TestMergeSkipsFlaggedCrystals(t *testing.T) {
	crystals, _, err := synth.New(synth.DefaultOptions()).ScalingSet([]float64{1, 1}, []float64{0, 0})
	require.NoError(t, err)
	crystals[1].SetFlag(crystal.FlagSolveFailed, "test")

	ref, err := NewMeanMerger(nil).Merge(context.Background(), crystals)
	require.NoError(t, err)
	for _, r := range ref.All() {
		assert.Equal(t, 1, r.Redundancy)
	}
}

func TestMergeIgnoresSmallPartialities(t *testing.T) {
	crystals, _, err := synth.New(synth.DefaultOptions()).ScalingSet([]float64{1}, []float64{0})
	require.NoError(t, err)
	first := crystals[0].Reflections.Sorted()[0]
	first.Partiality = 0

	ref, err := NewMeanMerger(nil).Merge(context.Background(), crystals)
	require.NoError(t, err)
	assert.Nil(t, ref.Find(first.Index))
	assert.Equal(t, crystals[0].Reflections.Len()-1, ref.Len())
}

func TestMergeInputErrors(t *testing.T) {
	_, err := NewMeanMerger(nil).Merge(context.Background(), nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	crystals, _, err := synth.New(synth.DefaultOptions()).ScalingSet([]float64{1}, []float64{0})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewMeanMerger(nil).Merge(ctx, crystals)
	assert.ErrorIs(t, err, context.Canceled)
}
