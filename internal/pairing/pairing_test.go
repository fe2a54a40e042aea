package pairing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gonum.org/v1/gonum/spatial/r3"

	"xtal-refine/internal/crystal"
	"xtal-refine/internal/detector"
	"xtal-refine/internal/predict"
	"xtal-refine/internal/synth"
	"xtal-refine/pkg/geometry"
)

func setup(t *testing.T) (*crystal.Crystal, *Pairer) {
	t.Helper()
	opts := synth.DefaultOptions()
	cr, err := synth.New(opts).Crystal()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(cr.Image.Peaks), 20)
	return cr, New(predict.New(opts.PredictorOptions()), Options{})
}

func TestOutlierTransition(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
		want int
	}{
		{"empty", nil, 0},
		{"one", []float64{5e9}, 1},
		{"two", []float64{1e6, 9e9}, 2},
		{"all good", []float64{1e5, 2e5, 3e5, 4e5, 5e5, 6e5}, 6},
		{"gap", []float64{1e5, 2e5, 3e5, 50e6, 60e6}, 2},
		{"immediate", []float64{1e5, 2e6, 50e6, 90e6}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := OutlierTransition(tt.in, 0.001e9)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, got, len(tt.in))
		})
	}
}

func TestOutlierTransitionNeverExceedsInput(t *testing.T) {
	for n := 0; n < 40; n++ {
		in := make([]float64, n)
		for i := range in {
			in[i] = float64(i*i) * 1e5
		}
		got := OutlierTransition(in, 0.001e9)
		assert.LessOrEqual(t, got, n)
		if n < 3 {
			assert.Equal(t, n, got)
		}
	}
}

func TestPairRecoversForwardProjectedIndices(t *testing.T) {
	cr, p := setup(t)

	pairs, err := p.Pair(cr)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(pairs), len(cr.Image.Peaks)*9/10)

	seenPeak := map[int]bool{}
	for i, pr := range pairs {
		assert.False(t, pr.Refl.Index.IsOrigin())
		assert.False(t, seenPeak[pr.PeakIndex], "peak paired twice")
		seenPeak[pr.PeakIndex] = true

		truth := cr.Reflections.Find(pr.Refl.Index)
		require.NotNil(t, truth, "index %s not predicted", pr.Refl.Index)
		assert.InDelta(t, pr.Peak.FS, pr.Refl.FS, 1e-6)
		assert.InDelta(t, pr.Peak.SS, pr.Refl.SS, 1e-6)

		if i > 0 {
			assert.LessOrEqual(t, abs64(pairs[i-1].Refl.Excitation), abs64(pr.Refl.Excitation))
		}
	}
}

func TestDuplicatePeaksArePairedOnce(t *testing.T) {
	cr, p := setup(t)
	before, err := p.Pair(cr)
	require.NoError(t, err)

	cr.Image.Peaks = append(cr.Image.Peaks, cr.Image.Peaks[0], cr.Image.Peaks[1])
	after, err := p.Pair(cr)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	seen := map[geometry.Miller]bool{}
	for _, pr := range after {
		assert.False(t, seen[pr.Refl.Index])
		seen[pr.Refl.Index] = true
	}
}

// nearbyPeak returns a peak near pk that indexes to the same reflection and
// lies at a reciprocal distance from it accepted by keep.
func nearbyPeak(t *testing.T, cr *crystal.Crystal, pk crystal.Peak, keep func(d float64) bool) crystal.Peak {
	t.Helper()
	a, b, c, ok := cr.Cell.Direct()
	require.True(t, ok)
	det := cr.Image.Detector
	k := cr.Image.K()
	panel := det.Panel(pk.Panel)

	r0, err := det.Reciprocal(detector.Location{Panel: pk.Panel, FS: pk.FS, SS: pk.SS}, cr.Shift, k)
	require.NoError(t, err)
	idx, _ := nearestIndices(r0, a, b, c)

	for step := 0.25; step < 200; step += 0.25 {
		for _, dir := range [][2]float64{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
			cand := pk
			cand.FS += dir[0] * step
			cand.SS += dir[1] * step
			if !panel.Contains(cand.FS, cand.SS) {
				continue
			}
			r, err := det.Reciprocal(detector.Location{Panel: cand.Panel, FS: cand.FS, SS: cand.SS}, cr.Shift, k)
			require.NoError(t, err)
			if got, _ := nearestIndices(r, a, b, c); got != idx {
				continue
			}
			if keep(r3.Norm(r3.Sub(r, r0))) {
				return cand
			}
		}
	}
	t.Fatalf("no nearby peak for %s", idx)
	return crystal.Peak{}
}

func pairFor(pairs []Pair, idx geometry.Miller) *Pair {
	for i := range pairs {
		if pairs[i].Refl.Index == idx {
			return &pairs[i]
		}
	}
	return nil
}

func TestDuplicateClaimKeepsClosestPeak(t *testing.T) {
	cr, p := setup(t)
	before, err := p.Pair(cr)
	require.NoError(t, err)
	target := before[0]
	pk := target.Peak

	lowest := cr.Cell.LowestReflection()
	tests := []struct {
		name string
		keep func(d float64) bool
	}{
		{"slightly off", func(d float64) bool { return d > 0.02*lowest && d < 0.1*lowest }},
		{"gross mismatch", func(d float64) bool { return d > 0.36*lowest }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cr, p := setup(t)
			decoy := nearbyPeak(t, cr, pk, tt.keep)
			cr.Image.Peaks = append([]crystal.Peak{decoy}, cr.Image.Peaks...)

			after, err := p.Pair(cr)
			require.NoError(t, err)
			assert.Len(t, after, len(before))

			got := pairFor(after, target.Refl.Index)
			require.NotNil(t, got, "reflection %s lost", target.Refl.Index)
			assert.Equal(t, target.PeakIndex+1, got.PeakIndex)
			assert.Equal(t, pk.FS, got.Peak.FS)
			assert.Equal(t, pk.SS, got.Peak.SS)
		})
	}
}

func TestOriginPeakIsIgnored(t *testing.T) {
	cr, p := setup(t)
	before, err := p.Pair(cr)
	require.NoError(t, err)

	cr.Image.Peaks = append([]crystal.Peak{{Panel: 0, FS: 512, SS: 512, Intensity: 1000}}, cr.Image.Peaks...)
	after, err := p.Pair(cr)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestCountCopiesReflections(t *testing.T) {
	cr, p := setup(t)
	out := crystal.NewRefList()
	n, err := p.Count(cr, out)
	require.NoError(t, err)
	assert.Equal(t, n, out.Len())

	n2, err := p.Count(cr, nil)
	require.NoError(t, err)
	assert.Equal(t, n, n2)
}

func TestPairRequiresGeometry(t *testing.T) {
	_, p := setup(t)
	_, err := p.Pair(crystal.New(nil, geometry.Cell{}))
	assert.Error(t, err)

	cr, _ := setup(t)
	cr.Cell = geometry.Cell{}
	_, err = p.Pair(cr)
	assert.Error(t, err)
}

func TestNormaliseWeights(t *testing.T) {
	pairs := []Pair{
		{Peak: crystal.Peak{Intensity: 50}},
		{Peak: crystal.Peak{Intensity: 200}},
		{Peak: crystal.Peak{Intensity: -3}},
	}
	require.True(t, NormaliseWeights(pairs))
	assert.InDelta(t, 0.25, pairs[0].Weight, 1e-12)
	assert.InDelta(t, 1, pairs[1].Weight, 1e-12)
	assert.Zero(t, pairs[2].Weight)

	assert.False(t, NormaliseWeights([]Pair{{Peak: crystal.Peak{Intensity: -1}}, {}}))
	assert.False(t, NormaliseWeights(nil))
}

func TestLatticeAgreement(t *testing.T) {
	cr, _ := setup(t)
	frac, score, err := LatticeAgreement(cr, 0.25)
	require.NoError(t, err)
	assert.InDelta(t, 1, frac, 1e-12)
	assert.Greater(t, score, 0.9*float64(len(cr.Image.Peaks)))

	ok, err := SanityCheck(cr)
	require.NoError(t, err)
	assert.True(t, ok)

	// A badly wrong cell agrees with few peaks.
	cr.Cell = cr.Cell.RotateXY(0.3, 0.2)
	frac, _, err = LatticeAgreement(cr, 0.25)
	require.NoError(t, err)
	assert.Less(t, frac, 0.5)
}

func abs64(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
