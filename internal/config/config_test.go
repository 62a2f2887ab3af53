package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Test model defaults
	if cfg.Model.SHDegree != 3 {
		t.Errorf("expected sh_degree 3, got %d", cfg.Model.SHDegree)
	}
	if cfg.Model.WhiteBackground {
		t.Error("expected white_background to be false by default")
	}

	// Test gaussian defaults
	if cfg.Gaussian.LambdaDssim != 0.2 {
		t.Errorf("expected lambda_dssim 0.2, got %f", cfg.Gaussian.LambdaDssim)
	}
	if cfg.Gaussian.DensifyUntilIter != 15000 {
		t.Errorf("expected densify_until_iter 15000, got %d", cfg.Gaussian.DensifyUntilIter)
	}

	// Test trainer defaults
	if cfg.Trainer.MaxSteps != 30000 {
		t.Errorf("expected max_steps 30000, got %d", cfg.Trainer.MaxSteps)
	}
	if cfg.Trainer.SHIncreaseEvery != 1000 {
		t.Errorf("expected sh_increase_every 1000, got %d", cfg.Trainer.SHIncreaseEvery)
	}

	// Test appearance defaults
	if !cfg.Appearance.Enabled {
		t.Error("expected appearance stage to be enabled by default")
	}
	if cfg.Appearance.Optimization.WarmUp != 4000 {
		t.Errorf("expected warm_up 4000, got %d", cfg.Appearance.Optimization.WarmUp)
	}

	// Test logging defaults
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Logging.Level)
	}
	if cfg.Logging.LogFile != "" {
		t.Errorf("expected empty log file, got %s", cfg.Logging.LogFile)
	}
}

func TestLoadFromFile(t *testing.T) {
	// Create temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
data:
  path: "/data/garden"
  eval_step: 4

output:
  dir: "/runs/garden"

model:
  sh_degree: 2
  white_background: true

gaussian:
  lambda_dssim: 0.25
  densify_grad_threshold: 0.0004

appearance:
  enabled: true
  model:
    n_gaussian_feature_dims: 32
    normalize: true
  optimization:
    warm_up: 2000

trainer:
  max_steps: 7000
  save_points: [7000]

logging:
  level: "debug"
  log_file: "train.log"
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	// Load config
	cfg := Default()
	if err := loadFromFile(cfg, configPath); err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	// Verify values were loaded
	if cfg.Data.Path != "/data/garden" {
		t.Errorf("expected data path /data/garden, got %s", cfg.Data.Path)
	}
	if cfg.Data.EvalStep != 4 {
		t.Errorf("expected eval_step 4, got %d", cfg.Data.EvalStep)
	}
	if cfg.Model.SHDegree != 2 {
		t.Errorf("expected sh_degree 2, got %d", cfg.Model.SHDegree)
	}
	if !cfg.Model.WhiteBackground {
		t.Error("expected white_background to be true")
	}
	if cfg.Gaussian.LambdaDssim != 0.25 {
		t.Errorf("expected lambda_dssim 0.25, got %f", cfg.Gaussian.LambdaDssim)
	}
	if cfg.Appearance.Model.NGaussianFeatureDims != 32 {
		t.Errorf("expected 32 feature dims, got %d", cfg.Appearance.Model.NGaussianFeatureDims)
	}
	if !cfg.Appearance.Model.Normalize {
		t.Error("expected normalize to be true")
	}
	if cfg.Appearance.Optimization.WarmUp != 2000 {
		t.Errorf("expected warm_up 2000, got %d", cfg.Appearance.Optimization.WarmUp)
	}
	if cfg.Trainer.MaxSteps != 7000 {
		t.Errorf("expected max_steps 7000, got %d", cfg.Trainer.MaxSteps)
	}
	if len(cfg.Trainer.SavePoints) != 1 || cfg.Trainer.SavePoints[0] != 7000 {
		t.Errorf("expected save_points [7000], got %v", cfg.Trainer.SavePoints)
	}

	// Defaults survive where the file is silent.
	if cfg.Gaussian.DensificationInterval != 100 {
		t.Errorf("expected densification_interval 100, got %d", cfg.Gaussian.DensificationInterval)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Logging.Level)
	}
	if cfg.Logging.LogFile != "train.log" {
		t.Errorf("expected log file 'train.log', got %s", cfg.Logging.LogFile)
	}
}

func TestLoadFromFileInvalid(t *testing.T) {
	// Create temporary config file with invalid YAML
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
model:
  sh_degree: not a number
  invalid syntax here
`

	if err := os.WriteFile(configPath, []byte(invalidYAML), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	// Try to load - should error
	cfg := Default()
	err := loadFromFile(cfg, configPath)
	if err == nil {
		t.Error("expected error loading invalid YAML, got nil")
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg := Default()
	err := loadFromFile(cfg, "/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error loading missing file, got nil")
	}
}

func TestFindConfigFile(t *testing.T) {
	// Save current directory
	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)

	// Create temp directory and change to it
	tmpDir := t.TempDir()
	os.Chdir(tmpDir)

	// No config file exists - should return empty
	path := findConfigFile()
	if path != "" {
		t.Errorf("expected empty path when no config exists, got %s", path)
	}

	// Create train.yaml in current directory
	configPath := filepath.Join(tmpDir, "train.yaml")
	if err := os.WriteFile(configPath, []byte("model:\n  sh_degree: 2\n"), 0644); err != nil {
		t.Fatalf("failed to create test config: %v", err)
	}

	// Should find it now
	path = findConfigFile()
	if path == "" {
		t.Error("expected to find train.yaml in current directory")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Data.Path = "/data/scene"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config with data path should validate, got %v", err)
	}

	missing := Default()
	if err := missing.Validate(); err == nil {
		t.Error("expected error for missing data path")
	}

	bad := Default()
	bad.Data.Path = "/data/scene"
	bad.Model.SHDegree = 5
	if err := bad.Validate(); err == nil {
		t.Error("expected error for sh_degree 5")
	}

	badLambda := Default()
	badLambda.Data.Path = "/data/scene"
	badLambda.Gaussian.LambdaDssim = 2
	if err := badLambda.Validate(); err == nil {
		t.Error("expected error for lambda_dssim outside [0,1]")
	}
}

func TestBackgroundResolution(t *testing.T) {
	cfg := Default()
	if cfg.Background() != [3]float32{} {
		t.Errorf("expected black background, got %v", cfg.Background())
	}

	cfg.Model.WhiteBackground = true
	if cfg.Background() != [3]float32{1, 1, 1} {
		t.Errorf("expected white background, got %v", cfg.Background())
	}

	cfg.Trainer.Background = [3]float32{0.5, 0.5, 0.5}
	if cfg.Background() != [3]float32{0.5, 0.5, 0.5} {
		t.Errorf("expected explicit background to win, got %v", cfg.Background())
	}
}

func TestApplyFlags(t *testing.T) {
	tests := []struct {
		name     string
		setup    func()
		verify   func(*Config)
		teardown func()
	}{
		{
			name: "debug flag",
			setup: func() {
				*flagDebug = true
			},
			verify: func(cfg *Config) {
				if cfg.Logging.Level != "debug" {
					t.Errorf("expected log level 'debug', got %s", cfg.Logging.Level)
				}
			},
			teardown: func() {
				*flagDebug = false
			},
		},
		{
			name: "data and output flags",
			setup: func() {
				*flagData = "/data/bicycle"
				*flagOutput = "/runs/bicycle"
			},
			verify: func(cfg *Config) {
				if cfg.Data.Path != "/data/bicycle" {
					t.Errorf("expected data path /data/bicycle, got %s", cfg.Data.Path)
				}
				if cfg.Output.Dir != "/runs/bicycle" {
					t.Errorf("expected output dir /runs/bicycle, got %s", cfg.Output.Dir)
				}
			},
			teardown: func() {
				*flagData = ""
				*flagOutput = ""
			},
		},
		{
			name: "max-steps flag",
			setup: func() {
				*flagMaxSteps = 7000
			},
			verify: func(cfg *Config) {
				if cfg.Trainer.MaxSteps != 7000 {
					t.Errorf("expected max_steps 7000, got %d", cfg.Trainer.MaxSteps)
				}
			},
			teardown: func() {
				*flagMaxSteps = 0
			},
		},
		{
			name: "eval-step zero disables the split",
			setup: func() {
				*flagEvalStep = 0
			},
			verify: func(cfg *Config) {
				if cfg.Data.EvalStep != 0 {
					t.Errorf("expected eval_step 0, got %d", cfg.Data.EvalStep)
				}
			},
			teardown: func() {
				*flagEvalStep = -1
			},
		},
		{
			name: "white-background flag",
			setup: func() {
				*flagWhiteBG = true
			},
			verify: func(cfg *Config) {
				if !cfg.Model.WhiteBackground {
					t.Error("expected white_background to be true")
				}
			},
			teardown: func() {
				*flagWhiteBG = false
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Setup
			tt.setup()
			defer tt.teardown()

			// Apply flags to default config
			cfg := Default()
			applyFlags(cfg)

			// Verify
			tt.verify(cfg)
		})
	}
}

func TestLoadPriority(t *testing.T) {
	// Create temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
data:
  path: "/data/from-file"
trainer:
  max_steps: 10000
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	// Set flag to override config file
	*flagConfig = configPath
	*flagMaxSteps = 20000
	defer func() {
		*flagConfig = ""
		*flagMaxSteps = 0
	}()

	// Load config
	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	// Max steps should be from flag (20000), not file (10000)
	if cfg.Trainer.MaxSteps != 20000 {
		t.Errorf("expected max_steps 20000 from flag, got %d", cfg.Trainer.MaxSteps)
	}

	// Data path should be from file since no flag override
	if cfg.Data.Path != "/data/from-file" {
		t.Errorf("expected data path /data/from-file from file, got %s", cfg.Data.Path)
	}
}

func TestSaveTo(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "config.yaml")

	cfg := Default()
	cfg.Data.Path = "/data/scene"
	cfg.Trainer.MaxSteps = 7000
	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	restored := Default()
	if err := loadFromFile(restored, path); err != nil {
		t.Fatalf("reloading saved config: %v", err)
	}
	if restored.Data.Path != "/data/scene" || restored.Trainer.MaxSteps != 7000 {
		t.Errorf("saved config did not round trip: %+v", restored)
	}
}
