// config.go: settings struct for xtal-refine and the functions to load and write it.
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ConfigName is the base name of the configuration file.
const ConfigName = "xtal-refine"

// EnvPrefix prefixes every environment override, e.g. XTAL_THREADS.
const EnvPrefix = "XTAL"

// LogSettings controls logging output.
type LogSettings struct {
	Level string `mapstructure:"level" yaml:"level"` // trace, debug, info, warn or error
	JSON  bool   `mapstructure:"json" yaml:"json"`   // JSON instead of text
}

// PredictSettings contains the reflection predictor limits.
type PredictSettings struct {
	ResolutionLimit float64 `mapstructure:"resolution_limit" yaml:"resolution_limit"` // m^-1
	ProfileCutoff   float64 `mapstructure:"profile_cutoff" yaml:"profile_cutoff"`     // m^-1
	MaxCandidates   int     `mapstructure:"max_candidates" yaml:"max_candidates"`
	Partiality      string  `mapstructure:"partiality" yaml:"partiality"` // unity or gaussian
}

// PairingSettings contains the peak pairing limits.
type PairingSettings struct {
	MaxIndex         int     `mapstructure:"max_index" yaml:"max_index"`
	OutlierIntercept float64 `mapstructure:"outlier_intercept" yaml:"outlier_intercept"` // m^-1
}

// RefineSettings contains the geometry refinement constants.
type RefineSettings struct {
	MaxCycles        int     `mapstructure:"max_cycles" yaml:"max_cycles"`
	MinPairs         int     `mapstructure:"min_pairs" yaml:"min_pairs"`
	ExcitationWeight float64 `mapstructure:"excitation_weight" yaml:"excitation_weight"`
	DetectorDamping  float64 `mapstructure:"detector_damping" yaml:"detector_damping"`
	LatticeDamping   float64 `mapstructure:"lattice_damping" yaml:"lattice_damping"`
}

// ScaleSettings contains the scaling bounds.
type ScaleSettings struct {
	MaxCycles      int     `mapstructure:"max_cycles" yaml:"max_cycles"`
	MaxMacrocycles int     `mapstructure:"max_macrocycles" yaml:"max_macrocycles"`
	Tolerance      float64 `mapstructure:"tolerance" yaml:"tolerance"`
	ResidualFloor  float64 `mapstructure:"residual_floor" yaml:"residual_floor"`
	MinRedundancy  int     `mapstructure:"min_redundancy" yaml:"min_redundancy"`
	SigmaCutoff    float64 `mapstructure:"sigma_cutoff" yaml:"sigma_cutoff"`
	MinPartiality  float64 `mapstructure:"min_partiality" yaml:"min_partiality"` // merging threshold
}

// PostRefineSettings contains the post-refinement bounds.
type PostRefineSettings struct {
	MaxIterations int     `mapstructure:"max_iterations" yaml:"max_iterations"`
	StepDegrees   float64 `mapstructure:"step_degrees" yaml:"step_degrees"`
	Tolerance     float64 `mapstructure:"tolerance" yaml:"tolerance"`
	MinPairs      int     `mapstructure:"min_pairs" yaml:"min_pairs"`
	MinRedundancy int     `mapstructure:"min_redundancy" yaml:"min_redundancy"`
}

// MetricsSettings controls the prometheus endpoint.
type MetricsSettings struct {
	Listen string `mapstructure:"listen" yaml:"listen"` // empty disables the endpoint
}

// Settings is the complete configuration.
type Settings struct {
	Threads    int                `mapstructure:"threads" yaml:"threads"` // 0 uses every CPU
	Log        LogSettings        `mapstructure:"log" yaml:"log"`
	Predict    PredictSettings    `mapstructure:"predict" yaml:"predict"`
	Pairing    PairingSettings    `mapstructure:"pairing" yaml:"pairing"`
	Refine     RefineSettings     `mapstructure:"refine" yaml:"refine"`
	Scale      ScaleSettings      `mapstructure:"scale" yaml:"scale"`
	PostRefine PostRefineSettings `mapstructure:"postrefine" yaml:"postrefine"`
	Metrics    MetricsSettings    `mapstructure:"metrics" yaml:"metrics"`
}

// ConfigPaths returns the directories searched for the configuration file.
func ConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", ConfigName))
	}
	return paths
}

// NewViper returns a viper instance with defaults, search paths and
// environment overrides configured.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName(ConfigName)
	v.SetConfigType("yaml")
	for _, p := range ConfigPaths() {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaultConfig(v)
	return v
}

// Load reads the configuration into Settings. If configFile is empty the
// search paths are used and a missing file is not an error.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}
	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}
	return settings, nil
}

// WriteDefault writes the default settings as YAML to path, creating its
// directory. An existing file is left alone unless overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	d := Defaults()
	data, err := Marshal(&d)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}
	return nil
}

// Marshal encodes settings as YAML.
func Marshal(s *Settings) ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("error encoding settings: %w", err)
	}
	return data, nil
}
