package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xtal-refine/internal/conf"
	"xtal-refine/internal/crystal"
	"xtal-refine/internal/errors"
	"xtal-refine/internal/project"
	"xtal-refine/internal/synth"
)

func newState(t *testing.T, opts synth.Options) *State {
	t.Helper()
	settings := conf.Defaults()
	settings.Threads = 2
	settings.Predict.ResolutionLimit = opts.ResolutionLimit
	settings.Predict.ProfileCutoff = opts.ProfileCutoff
	return NewState(&settings, nil, nil)
}

func simulatedJob(t *testing.T, n int) (*State, synth.Options) {
	t.Helper()
	opts := synth.DefaultOptions()
	gen := synth.New(opts)
	var crystals []*crystal.Crystal
	for i := 0; i < n; i++ {
		cr, err := gen.Crystal()
		require.NoError(t, err)
		crystals = append(crystals, cr)
	}
	s := newState(t, opts)
	s.SetJob(project.New("sim", *opts.Detector()), crystals)
	return s, opts
}

func TestPredictAndRefineStages(t *testing.T) {
	s, _ := simulatedJob(t, 3)
	for _, cr := range s.Crystals {
		cr.Cell = cr.Cell.RotateXY(2e-4, -1e-4)
	}

	var mu sync.Mutex
	var stages []string
	s.On(EventStageComplete, func(data interface{}) {
		mu.Lock()
		defer mu.Unlock()
		stages = append(stages, data.(StageEvent).Stage)
	})

	sum, err := s.Predict(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Completed)
	assert.Positive(t, sum.Reflections)

	sum, err = s.Refine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Completed)
	for _, cr := range s.Crystals {
		require.True(t, cr.Usable(), cr.FlagReason)
		assert.GreaterOrEqual(t, cr.Reflections.Len(), 10)
		for _, r := range cr.Reflections.All() {
			assert.Positive(t, r.Intensity)
			assert.Positive(t, r.Sigma)
		}
		assert.Positive(t, cr.ProfileRadius)
	}
	assert.Equal(t, []string{"predict", "refine"}, stages)

	fracs, err := s.SanityCheck()
	require.NoError(t, err)
	for _, f := range fracs {
		assert.GreaterOrEqual(t, f, 0.5)
	}
}

func TestRefineFlagsCrystalsWithoutPeaks(t *testing.T) {
	s, _ := simulatedJob(t, 2)
	s.Crystals[1].Image.Peaks = s.Crystals[1].Image.Peaks[:3]

	sum, err := s.Refine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 1, sum.Failed)
	assert.True(t, s.Crystals[0].Usable())
	assert.Equal(t, crystal.FlagFewReflections, s.Crystals[1].Flag)
}

func TestScaleStages(t *testing.T) {
	opts := synth.DefaultOptions()
	crystals, _, err := synth.New(opts).ScalingSet([]float64{1, 1.2, 0.8}, []float64{0, 2e-20, -1e-20})
	require.NoError(t, err)
	s := newState(t, opts)
	s.SetJob(project.New("scale", *opts.Detector()), crystals)

	res, err := s.Scale(context.Background())
	if err != nil {
		require.True(t, errors.Is(err, errors.ErrNonConvergence), "unexpected error %v", err)
	}
	require.NotNil(t, s.Reference)
	assert.Equal(t, res.Reference, s.Reference)

	failed, err := s.ScaleToReference()
	require.NoError(t, err)
	assert.Zero(t, failed)
}

func TestStagesNeedCrystals(t *testing.T) {
	s := newState(t, synth.DefaultOptions())
	_, err := s.Refine(context.Background())
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	_, err = s.ScaleToReference()
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	_, err = s.CheckGradients(0)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestSaveAndLoadJob(t *testing.T) {
	s, opts := simulatedJob(t, 2)
	_, err := s.Merge(context.Background())
	require.NoError(t, err)

	var saved string
	s.On(EventJobSaved, func(data interface{}) { saved = data.(string) })

	path := filepath.Join(t.TempDir(), "run.json5")
	require.NoError(t, s.SaveJob(path))
	assert.Equal(t, path, saved)
	assert.False(t, s.Modified)

	loaded := newState(t, opts)
	require.NoError(t, loaded.LoadJob(path))
	require.Len(t, loaded.Crystals, 2)
	require.NotNil(t, loaded.Reference)
	assert.Equal(t, s.Reference.Len(), loaded.Reference.Len())
	assert.Equal(t, s.Crystals[0].ID, loaded.Crystals[0].ID)

	checks, err := loaded.CheckGradients(0)
	require.NoError(t, err)
	compared := 0
	for _, c := range checks {
		compared += c.Compared
	}
	assert.Positive(t, compared)
}
