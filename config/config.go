// Package config decodes and validates the settings of EM fitting and Gibbs
// sampling runs.
package config

import (
	"context"
	"fmt"
	"log"

	"github.com/calebweinreb/dynamax/hmmlib"
	"github.com/calebweinreb/dynamax/lgssm"
	"github.com/calebweinreb/dynamax/logging"
	"github.com/go-playground/validator/v10"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// EMConfig controls EM fitting of a linear-regression HMM.
type EMConfig struct {
	MaxIter   int     `yaml:"max_iter" validate:"gt=0"`
	Tolerance float64 `yaml:"tolerance" validate:"gte=0"`
	Init      string  `yaml:"init" validate:"oneof=prior kmeans"`
	Seed      uint64  `yaml:"seed"`
	Progress  bool    `yaml:"progress"`
}

// GibbsConfig controls blocked Gibbs sampling of an LGSSM.
type GibbsConfig struct {
	SampleSize int    `yaml:"sample_size" validate:"gt=0"`
	StateDim   int    `yaml:"state_dim" validate:"gt=0"`
	Chains     int    `yaml:"chains" validate:"gt=0"`
	Seed       uint64 `yaml:"seed"`
	Progress   bool   `yaml:"progress"`
}

// Config is the complete run configuration.
type Config struct {
	EM    EMConfig       `yaml:"em"`
	Gibbs GibbsConfig    `yaml:"gibbs"`
	Log   logging.Config `yaml:"log"`
}

// Default returns the configuration used for any setting that is not given.
func Default() Config {
	return Config{
		EM: EMConfig{
			MaxIter:   50,
			Tolerance: 1e-8,
			Init:      "prior",
		},
		Gibbs: GibbsConfig{
			SampleSize: 1000,
			StateDim:   2,
			Chains:     1,
		},
		Log: logging.Config{
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks every field against its constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// FitOptions converts the EM settings for hmmlib.
func (c EMConfig) FitOptions() hmmlib.FitOptions {
	return hmmlib.FitOptions{
		MaxIter:   c.MaxIter,
		Tolerance: c.Tolerance,
		Progress:  c.Progress,
	}
}

// InitMethod returns the configured initialization method.
func (c EMConfig) InitMethod() (hmmlib.InitMethod, error) {
	return hmmlib.ParseInitMethod(c.Init)
}

// Sampler returns a Gibbs sampler with default priors.
func (c GibbsConfig) Sampler(logger *log.Logger) *lgssm.Sampler {
	return &lgssm.Sampler{
		StateDim:   c.StateDim,
		SampleSize: c.SampleSize,
		Seed:       c.Seed,
		Progress:   c.Progress,
		Logger:     logger,
	}
}

// Run draws Chains independent Gibbs chains for the emissions (T x
// EmissionDim) and optional inputs (T x InputDim).
func (c GibbsConfig) Run(ctx context.Context, logger *log.Logger, emissions, inputs *mat.Dense) ([]*lgssm.Result, error) {
	return c.Sampler(logger).RunChains(ctx, c.Chains, emissions, inputs)
}
