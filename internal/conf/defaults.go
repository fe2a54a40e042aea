// conf/defaults.go default values for settings
package conf

import (
	"math"

	"github.com/spf13/viper"

	"xtal-refine/internal/pairing"
	"xtal-refine/internal/postrefine"
	"xtal-refine/internal/predict"
	"xtal-refine/internal/refine"
	"xtal-refine/internal/scaling"
)

// Defaults returns the built-in settings. The numeric limits come from the
// engines' own defaults.
func Defaults() Settings {
	pr := predict.DefaultOptions()
	pa := pairing.DefaultOptions()
	rf := refine.DefaultOptions()
	sc := scaling.DefaultOptions()
	po := postrefine.DefaultOptions()

	return Settings{
		Threads: 0,
		Log:     LogSettings{Level: "info"},
		Predict: PredictSettings{
			ResolutionLimit: pr.ResolutionLimit,
			ProfileCutoff:   pr.ProfileCutoff,
			MaxCandidates:   pr.MaxCandidates,
			Partiality:      string(pr.Partiality),
		},
		Pairing: PairingSettings{
			MaxIndex:         pa.MaxIndex,
			OutlierIntercept: pa.OutlierIntercept,
		},
		Refine: RefineSettings{
			MaxCycles:        rf.MaxCycles,
			MinPairs:         rf.MinPairs,
			ExcitationWeight: rf.ExcitationWeight,
			DetectorDamping:  rf.DetectorDamping,
			LatticeDamping:   rf.LatticeDamping,
		},
		Scale: ScaleSettings{
			MaxCycles:      sc.MaxCycles,
			MaxMacrocycles: sc.MaxMacrocycles,
			Tolerance:      sc.Tolerance,
			ResidualFloor:  sc.ResidualFloor,
			MinRedundancy:  sc.MinRedundancy,
			SigmaCutoff:    sc.SigmaCutoff,
			MinPartiality:  0.05,
		},
		PostRefine: PostRefineSettings{
			MaxIterations: po.MaxIterations,
			StepDegrees:   po.Step * 180 / math.Pi,
			Tolerance:     po.Tolerance,
			MinPairs:      po.MinPairs,
			MinRedundancy: po.MinRedundancy,
		},
	}
}

// Sets default values for the configuration.
func setDefaultConfig(v *viper.Viper) {
	d := Defaults()

	v.SetDefault("threads", d.Threads)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)

	v.SetDefault("predict.resolution_limit", d.Predict.ResolutionLimit)
	v.SetDefault("predict.profile_cutoff", d.Predict.ProfileCutoff)
	v.SetDefault("predict.max_candidates", d.Predict.MaxCandidates)
	v.SetDefault("predict.partiality", d.Predict.Partiality)

	v.SetDefault("pairing.max_index", d.Pairing.MaxIndex)
	v.SetDefault("pairing.outlier_intercept", d.Pairing.OutlierIntercept)

	v.SetDefault("refine.max_cycles", d.Refine.MaxCycles)
	v.SetDefault("refine.min_pairs", d.Refine.MinPairs)
	v.SetDefault("refine.excitation_weight", d.Refine.ExcitationWeight)
	v.SetDefault("refine.detector_damping", d.Refine.DetectorDamping)
	v.SetDefault("refine.lattice_damping", d.Refine.LatticeDamping)

	v.SetDefault("scale.max_cycles", d.Scale.MaxCycles)
	v.SetDefault("scale.max_macrocycles", d.Scale.MaxMacrocycles)
	v.SetDefault("scale.tolerance", d.Scale.Tolerance)
	v.SetDefault("scale.residual_floor", d.Scale.ResidualFloor)
	v.SetDefault("scale.min_redundancy", d.Scale.MinRedundancy)
	v.SetDefault("scale.sigma_cutoff", d.Scale.SigmaCutoff)
	v.SetDefault("scale.min_partiality", d.Scale.MinPartiality)

	v.SetDefault("postrefine.max_iterations", d.PostRefine.MaxIterations)
	v.SetDefault("postrefine.step_degrees", d.PostRefine.StepDegrees)
	v.SetDefault("postrefine.tolerance", d.PostRefine.Tolerance)
	v.SetDefault("postrefine.min_pairs", d.PostRefine.MinPairs)
	v.SetDefault("postrefine.min_redundancy", d.PostRefine.MinRedundancy)

	v.SetDefault("metrics.listen", d.Metrics.Listen)
}
