package conf

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps the user's real configuration out of the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	isolate(t)

	s, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), *s)
	assert.Equal(t, 10, s.Refine.MaxCycles)
	assert.Equal(t, 4e-20, s.Refine.ExcitationWeight)
	assert.InDelta(t, 0.01, s.PostRefine.StepDegrees, 1e-12)
	assert.Equal(t, "unity", s.Predict.Partiality)
}

func TestLoadFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "job.yaml")
	yml := `
threads: 3
log:
  level: debug
refine:
  max_cycles: 4
scale:
  max_macrocycles: 2
metrics:
  listen: "127.0.0.1:9101"
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	s, err := Load(NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Threads)
	assert.Equal(t, "debug", s.Log.Level)
	assert.Equal(t, 4, s.Refine.MaxCycles)
	assert.Equal(t, 10, s.Refine.MinPairs)
	assert.Equal(t, 2, s.Scale.MaxMacrocycles)
	assert.Equal(t, "127.0.0.1:9101", s.Metrics.Listen)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("XTAL_THREADS", "6")
	t.Setenv("XTAL_REFINE_MIN_PAIRS", "20")
	t.Setenv("XTAL_PREDICT_PARTIALITY", "gaussian")

	s, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, 6, s.Threads)
	assert.Equal(t, 20, s.Refine.MinPairs)
	assert.Equal(t, "gaussian", s.Predict.Partiality)
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "sub", ConfigName+".yaml")
	require.NoError(t, WriteDefault(path, false))
	assert.Error(t, WriteDefault(path, false), "existing file must not be replaced")
	require.NoError(t, WriteDefault(path, true))

	s, err := Load(NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), *s)
}

func TestValidateSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"negative threads", func(s *Settings) { s.Threads = -1 }},
		{"bad level", func(s *Settings) { s.Log.Level = "loud" }},
		{"bad partiality", func(s *Settings) { s.Predict.Partiality = "lorentzian" }},
		{"too few pairs", func(s *Settings) { s.Refine.MinPairs = 2 }},
		{"tolerance", func(s *Settings) { s.Scale.Tolerance = 1 }},
		{"step", func(s *Settings) { s.PostRefine.StepDegrees = 0 }},
		{"listen", func(s *Settings) { s.Metrics.Listen = "nowhere" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Defaults()
			tt.mutate(&s)
			err := ValidateSettings(&s)
			require.Error(t, err)
			var ve ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Len(t, ve.Errors, 1)
		})
	}

	s := Defaults()
	assert.NoError(t, ValidateSettings(&s))
}

func TestOptionConversions(t *testing.T) {
	s := Defaults()
	s.PostRefine.StepDegrees = 0.02

	assert.Equal(t, s.Refine.MaxCycles, s.RefineOptions(nil, nil).MaxCycles)
	assert.Equal(t, s.Scale.SigmaCutoff, s.ScaleOptions(nil, nil).SigmaCutoff)
	assert.InDelta(t, 0.02*math.Pi/180, s.PostRefineOptions(nil, nil).Step, 1e-15)
	assert.Equal(t, s.Refine.ExcitationWeight, s.PostRefineOptions(nil, nil).ExcitationWeight)
	assert.EqualValues(t, s.Predict.Partiality, s.PredictOptions(nil).Partiality)
	assert.Equal(t, s.Pairing.MaxIndex, s.PairingOptions(nil).MaxIndex)
}
