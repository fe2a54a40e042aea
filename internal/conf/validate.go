// conf/validate.go

package conf

import (
	"fmt"
	"net"

	"xtal-refine/internal/logging"
	"xtal-refine/internal/predict"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(s *Settings) error {
	ve := ValidationError{}
	add := func(format string, args ...any) {
		ve.Errors = append(ve.Errors, fmt.Sprintf(format, args...))
	}

	if s.Threads < 0 {
		add("threads must be zero or positive, got %d", s.Threads)
	}
	if _, err := logging.ParseLevel(s.Log.Level); err != nil {
		add("log.level: %v", err)
	}

	if s.Predict.ResolutionLimit <= 0 {
		add("predict.resolution_limit must be positive")
	}
	if s.Predict.ProfileCutoff <= 0 {
		add("predict.profile_cutoff must be positive")
	}
	if s.Predict.MaxCandidates <= 0 {
		add("predict.max_candidates must be positive")
	}
	switch predict.PartialityModel(s.Predict.Partiality) {
	case predict.PartialityUnity, predict.PartialityGaussian:
	default:
		add("predict.partiality must be %q or %q, got %q", predict.PartialityUnity, predict.PartialityGaussian, s.Predict.Partiality)
	}

	if s.Refine.MaxCycles <= 0 {
		add("refine.max_cycles must be positive")
	}
	if s.Refine.MinPairs < 3 {
		add("refine.min_pairs must be at least 3, got %d", s.Refine.MinPairs)
	}
	if s.Refine.ExcitationWeight <= 0 || s.Refine.DetectorDamping < 0 || s.Refine.LatticeDamping < 0 {
		add("refine weights must be positive and damping non-negative")
	}

	if s.Scale.MaxCycles <= 0 || s.Scale.MaxMacrocycles <= 0 {
		add("scale cycle limits must be positive")
	}
	if s.Scale.Tolerance <= 0 || s.Scale.Tolerance >= 1 {
		add("scale.tolerance must be in (0, 1), got %g", s.Scale.Tolerance)
	}
	if s.Scale.MinRedundancy < 1 {
		add("scale.min_redundancy must be at least 1")
	}
	if s.Scale.MinPartiality < 0 || s.Scale.MinPartiality >= 1 {
		add("scale.min_partiality must be in [0, 1), got %g", s.Scale.MinPartiality)
	}

	if s.PostRefine.MaxIterations <= 0 {
		add("postrefine.max_iterations must be positive")
	}
	if s.PostRefine.StepDegrees <= 0 || s.PostRefine.Tolerance <= 0 {
		add("postrefine step and tolerance must be positive")
	}
	if s.PostRefine.MinRedundancy < 1 {
		add("postrefine.min_redundancy must be at least 1")
	}

	if s.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(s.Metrics.Listen); err != nil {
			add("metrics.listen: %v", err)
		}
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}
