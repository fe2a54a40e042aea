package synth

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrystalIsDeterministic(t *testing.T) {
	a, err := New(DefaultOptions()).Crystal()
	require.NoError(t, err)
	b, err := New(DefaultOptions()).Crystal()
	require.NoError(t, err)

	assert.Equal(t, a.Cell, b.Cell)
	assert.Equal(t, a.Image.Peaks, b.Image.Peaks)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestCrystalHasOnePeakPerReflection(t *testing.T) {
	cr, err := New(DefaultOptions()).Crystal()
	require.NoError(t, err)
	assert.Equal(t, cr.Reflections.Len(), len(cr.Image.Peaks))
	assert.Greater(t, len(cr.Image.Peaks), 20)

	for i, r := range cr.Reflections.Sorted() {
		pk := cr.Image.Peaks[i]
		assert.Equal(t, r.FS, pk.FS)
		assert.Equal(t, r.SS, pk.SS)
		assert.GreaterOrEqual(t, pk.Intensity, 100.0)
	}
}

func TestPositionNoise(t *testing.T) {
	opts := DefaultOptions()
	opts.PositionNoise = 0.5
	cr, err := New(opts).Crystal()
	require.NoError(t, err)

	moved := 0
	for i, r := range cr.Reflections.Sorted() {
		if cr.Image.Peaks[i].FS != r.FS {
			moved++
		}
	}
	assert.Equal(t, len(cr.Image.Peaks), moved)
}

func TestScalingSetFollowsModel(t *testing.T) {
	scales := []float64{1.5, 0.7}
	bs := []float64{3e-20, -1e-20}
	crystals, truth, err := New(DefaultOptions()).ScalingSet(scales, bs)
	require.NoError(t, err)
	require.Len(t, crystals, 2)
	assert.Equal(t, scales, truth.Scale)

	for i, cr := range crystals {
		assert.Equal(t, 1.0, cr.Scale)
		assert.Equal(t, truth.Full.Len(), cr.Reflections.Len())
		for _, r := range cr.Reflections.All() {
			full := truth.Full.Find(r.Index)
			require.NotNil(t, full)
			s := cr.Cell.Resolution(r.Index)
			want := r.Partiality * full.Intensity * math.Exp(-bs[i]*s*s) / scales[i]
			assert.InEpsilon(t, want, r.Intensity, 1e-12)
		}
	}

	_, _, err = New(DefaultOptions()).ScalingSet([]float64{1}, nil)
	assert.Error(t, err)
}
