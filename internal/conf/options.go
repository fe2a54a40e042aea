package conf

import (
	"log/slog"
	"math"

	"xtal-refine/internal/metrics"
	"xtal-refine/internal/pairing"
	"xtal-refine/internal/postrefine"
	"xtal-refine/internal/predict"
	"xtal-refine/internal/refine"
	"xtal-refine/internal/scaling"
)

// PredictOptions converts the predictor settings.
func (s *Settings) PredictOptions(logger *slog.Logger) predict.Options {
	return predict.Options{
		ResolutionLimit: s.Predict.ResolutionLimit,
		ProfileCutoff:   s.Predict.ProfileCutoff,
		MaxCandidates:   s.Predict.MaxCandidates,
		Partiality:      predict.PartialityModel(s.Predict.Partiality),
		Logger:          logger,
	}
}

// PairingOptions converts the pairing settings.
func (s *Settings) PairingOptions(logger *slog.Logger) pairing.Options {
	return pairing.Options{
		MaxIndex:         s.Pairing.MaxIndex,
		OutlierIntercept: s.Pairing.OutlierIntercept,
		Logger:           logger,
	}
}

// RefineOptions converts the refinement settings.
func (s *Settings) RefineOptions(logger *slog.Logger, m *metrics.Metrics) refine.Options {
	return refine.Options{
		MaxCycles:        s.Refine.MaxCycles,
		MinPairs:         s.Refine.MinPairs,
		ExcitationWeight: s.Refine.ExcitationWeight,
		DetectorDamping:  s.Refine.DetectorDamping,
		LatticeDamping:   s.Refine.LatticeDamping,
		Logger:           logger,
		Metrics:          m,
	}
}

// ScaleOptions converts the scaling settings.
func (s *Settings) ScaleOptions(logger *slog.Logger, m *metrics.Metrics) scaling.Options {
	return scaling.Options{
		MaxCycles:      s.Scale.MaxCycles,
		MaxMacrocycles: s.Scale.MaxMacrocycles,
		Tolerance:      s.Scale.Tolerance,
		ResidualFloor:  s.Scale.ResidualFloor,
		MinRedundancy:  s.Scale.MinRedundancy,
		SigmaCutoff:    s.Scale.SigmaCutoff,
		Logger:         logger,
		Metrics:        m,
	}
}

// PostRefineOptions converts the post-refinement settings.
func (s *Settings) PostRefineOptions(logger *slog.Logger, m *metrics.Metrics) postrefine.Options {
	return postrefine.Options{
		MaxIterations:    s.PostRefine.MaxIterations,
		Step:             s.PostRefine.StepDegrees * math.Pi / 180,
		Tolerance:        s.PostRefine.Tolerance,
		MinPairs:         s.PostRefine.MinPairs,
		MinRedundancy:    s.PostRefine.MinRedundancy,
		ExcitationWeight: s.Refine.ExcitationWeight,
		Logger:           logger,
		Metrics:          m,
	}
}
