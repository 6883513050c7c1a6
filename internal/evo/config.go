package evo

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cwbudde/sofasweep/internal/traj"
)

// YawPolicy selects whether the yaw bump drawn by a mutation is applied.
type YawPolicy string

const (
	// YawApply adds the yaw bump to the yaw channel.
	YawApply YawPolicy = "apply"
	// YawInert draws the yaw bump but leaves the yaw channel untouched,
	// reproducing runs made with the earlier optimizer where only offsets moved.
	YawInert YawPolicy = "inert"
)

// Range is a closed numeric interval [Min, Max].
type Range struct {
	Min float64 `json:"min" yaml:"min" validate:"ltefield=Max"`
	Max float64 `json:"max" yaml:"max"`
}

// MutationConfig holds the sampling ranges of the Gaussian bump operator.
type MutationConfig struct {
	// YawAmplitude bounds the bump amplitude added to yaw (radians).
	YawAmplitude Range `json:"yawAmplitude" yaml:"yaw_amplitude"`
	// OffsetAmplitude bounds the bump amplitude added to each offset axis.
	OffsetAmplitude Range `json:"offsetAmplitude" yaml:"offset_amplitude"`
	// YawSpread and OffsetSpread bound the bump standard deviation in time steps. Min must be > 0.
	YawSpread    Range     `json:"yawSpread" yaml:"yaw_spread"`
	OffsetSpread Range     `json:"offsetSpread" yaml:"offset_spread"`
	YawPolicy    YawPolicy `json:"yawPolicy" yaml:"yaw_policy" validate:"oneof=apply inert"`
}

// StagnationConfig enables an early stop when the best score stops improving.
type StagnationConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Patience is the number of generations without significant improvement before stopping
	Patience int `json:"patience" yaml:"patience" validate:"gte=0"`
	// Threshold is the minimum relative improvement counted as progress (0.001 = 0.1%)
	Threshold float64 `json:"threshold" yaml:"threshold" validate:"gte=0"`
}

// Config is the construction surface of the optimizer.
type Config struct {
	TimeResolution   int `json:"timeResolution" yaml:"time_resolution" validate:"gt=0"`
	PopulationAmount int `json:"populationAmount" yaml:"population_amount" validate:"gte=1"`
	// SurviverAmount is the number of top candidates kept as parents. 1 is plain (1+λ) elitism.
	SurviverAmount int              `json:"surviverAmount" yaml:"surviver_amount" validate:"gte=1,ltefield=PopulationAmount"`
	Generations    int              `json:"generations" yaml:"generations" validate:"gt=0"`
	Seed           uint64           `json:"seed" yaml:"seed"` // 0 = fresh entropy per run
	Anchor         traj.Vec2        `json:"anchor" yaml:"anchor"`
	Mutation       MutationConfig   `json:"mutation" yaml:"mutation"`
	Stagnation     StagnationConfig `json:"stagnation" yaml:"stagnation"`
}

// DefaultConfig returns the reference settings for a run with t time steps.
func DefaultConfig(t int) Config {
	spreadMax := math.Max(1, float64(t)-0.1)
	return Config{
		TimeResolution:   t,
		PopulationAmount: 10,
		SurviverAmount:   1,
		Generations:      100,
		Mutation: MutationConfig{
			YawAmplitude:    Range{Min: -0.1, Max: 0.1},
			OffsetAmplitude: Range{Min: -0.01, Max: 0.01},
			YawSpread:       Range{Min: 1, Max: spreadMax},
			OffsetSpread:    Range{Min: 1, Max: spreadMax},
			YawPolicy:       YawApply,
		},
		Stagnation: StagnationConfig{
			Enabled:   false,
			Patience:  10,
			Threshold: 0.001,
		},
	}
}

// WithTimeResolution returns a copy of c for t time steps. Spread ranges still at
// the defaults of the old resolution follow the new one; tuned ranges are kept.
func (c Config) WithTimeResolution(t int) Config {
	if t == c.TimeResolution {
		return c
	}
	oldDefaults := DefaultConfig(c.TimeResolution).Mutation
	newDefaults := DefaultConfig(t).Mutation
	if c.Mutation.YawSpread == oldDefaults.YawSpread {
		c.Mutation.YawSpread = newDefaults.YawSpread
	}
	if c.Mutation.OffsetSpread == oldDefaults.OffsetSpread {
		c.Mutation.OffsetSpread = newDefaults.OffsetSpread
	}
	c.TimeResolution = t
	return c
}

var configValidate = validator.New()

// Validate checks the configuration. Every failure is a *ConfigError wrapping ErrInvalidArgument.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigError{Field: fe.Namespace(), Reason: fmt.Sprintf("failed %q (param %q, value %v)", fe.Tag(), fe.Param(), fe.Value())}
		}
		return &ConfigError{Field: "Config", Reason: err.Error()}
	}

	// Bump spread is a divisor of the density; it must stay strictly positive.
	if !(c.Mutation.YawSpread.Min > 0) {
		return &ConfigError{Field: "Config.Mutation.YawSpread.Min", Reason: "must be > 0"}
	}
	if !(c.Mutation.OffsetSpread.Min > 0) {
		return &ConfigError{Field: "Config.Mutation.OffsetSpread.Min", Reason: "must be > 0"}
	}

	finite := []struct {
		field string
		value float64
	}{
		{"Anchor.X", c.Anchor.X},
		{"Anchor.Y", c.Anchor.Y},
		{"Mutation.YawAmplitude.Min", c.Mutation.YawAmplitude.Min},
		{"Mutation.YawAmplitude.Max", c.Mutation.YawAmplitude.Max},
		{"Mutation.OffsetAmplitude.Min", c.Mutation.OffsetAmplitude.Min},
		{"Mutation.OffsetAmplitude.Max", c.Mutation.OffsetAmplitude.Max},
		{"Mutation.YawSpread.Max", c.Mutation.YawSpread.Max},
		{"Mutation.OffsetSpread.Max", c.Mutation.OffsetSpread.Max},
	}
	for _, f := range finite {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return &ConfigError{Field: "Config." + f.field, Reason: "must be finite"}
		}
	}

	if c.Stagnation.Enabled && c.Stagnation.Patience == 0 {
		return &ConfigError{Field: "Config.Stagnation.Patience", Reason: "must be positive when enabled"}
	}

	return nil
}

// LoadConfig reads a YAML config file on top of the defaults.
// Defaults are derived from the file's time_resolution when it sets one, otherwise from defaultT;
// fields absent from the file keep their defaults.
func LoadConfig(path string, defaultT int) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var sizing struct {
		TimeResolution int `yaml:"time_resolution"`
	}
	if err := yaml.Unmarshal(data, &sizing); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if sizing.TimeResolution > 0 {
		defaultT = sizing.TimeResolution
	}

	cfg := DefaultConfig(defaultT)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}
