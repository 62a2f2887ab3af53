// Package config handles training configuration loading and management.
package config

import (
	"fmt"

	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/appearance"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/dataparser"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/gaussian"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/trainer"
)

// Config holds all training settings.
type Config struct {
	Data       dataparser.Config           `yaml:"data"`
	Output     OutputConfig                `yaml:"output"`
	Model      ModelConfig                 `yaml:"model"`
	Gaussian   gaussian.OptimizationParams `yaml:"gaussian"`
	Appearance AppearanceConfig            `yaml:"appearance"`
	Trainer    trainer.Config              `yaml:"trainer"`
	Logging    LoggingConfig               `yaml:"logging"`
}

// OutputConfig holds the run output location.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// ModelConfig holds primitive-set structure settings.
type ModelConfig struct {
	SHDegree        int   `yaml:"sh_degree"`
	WhiteBackground bool  `yaml:"white_background"`
	Seed            int64 `yaml:"seed"`
}

// AppearanceConfig groups the appearance color model settings. Enabled off
// trains the plain spherical-harmonics renderer.
type AppearanceConfig struct {
	Enabled      bool                          `yaml:"enabled"`
	Model        appearance.ModelConfig        `yaml:"model"`
	Optimization appearance.OptimizationConfig `yaml:"optimization"`
	MaskDir      string                        `yaml:"mask_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
}

// Default returns a Config with the standard training hyperparameters.
func Default() *Config {
	return &Config{
		Data: dataparser.DefaultConfig(),
		Output: OutputConfig{
			Dir: "output",
		},
		Model: ModelConfig{
			SHDegree: 3,
			Seed:     42,
		},
		Gaussian: gaussian.DefaultOptimizationParams(),
		Appearance: AppearanceConfig{
			Enabled:      true,
			Model:        appearance.DefaultModelConfig(),
			Optimization: appearance.DefaultOptimizationConfig(),
		},
		Trainer: trainer.DefaultConfig(),
		Logging: LoggingConfig{
			Level:   "info",
			LogFile: "",
		},
	}
}

// Validate rejects configurations the run would fail on later.
func (c *Config) Validate() error {
	if c.Data.Path == "" {
		return fmt.Errorf("config: data.path is required")
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("config: output.dir is required")
	}
	if c.Model.SHDegree < 0 || c.Model.SHDegree > 3 {
		return fmt.Errorf("config: model.sh_degree %d outside [0,3]", c.Model.SHDegree)
	}
	if err := c.Gaussian.Validate(); err != nil {
		return err
	}
	if err := c.Trainer.Validate(); err != nil {
		return err
	}
	if c.Appearance.Enabled && c.Appearance.Model.NGaussianFeatureDims <= 0 {
		return fmt.Errorf("config: appearance.model.n_gaussian_feature_dims %d must be positive",
			c.Appearance.Model.NGaussianFeatureDims)
	}
	return nil
}

// Background resolves the render background color from the white-background
// switch unless the trainer section overrides it explicitly.
func (c *Config) Background() [3]float32 {
	if c.Trainer.Background != [3]float32{} {
		return c.Trainer.Background
	}
	if c.Model.WhiteBackground {
		return [3]float32{1, 1, 1}
	}
	return [3]float32{0, 0, 0}
}

// FeatureDims returns the per-gaussian appearance feature width the model
// should allocate. Zero when the appearance stage is disabled.
func (c *Config) FeatureDims() int {
	if !c.Appearance.Enabled {
		return 0
	}
	return c.Appearance.Model.NGaussianFeatureDims
}
