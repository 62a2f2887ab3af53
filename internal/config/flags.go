package config

import "flag"

var (
	flagConfig   = flag.String("config", "", "Path to config file")
	flagDebug    = flag.Bool("debug", false, "Enable debug logging")
	flagData     = flag.String("data", "", "Path to COLMAP dataset")
	flagOutput   = flag.String("output", "", "Output directory for checkpoints")
	flagMaxSteps = flag.Int("max-steps", 0, "Total training steps")
	flagEvalStep = flag.Int("eval-step", -1, "Route every Nth image to the eval split (0 disables)")
	flagWhiteBG  = flag.Bool("white-background", false, "Render on a white background")
	flagSeed     = flag.Int64("seed", 0, "Random seed")
)

// ParseFlags parses command-line flags. Call this early in main().
func ParseFlags() {
	flag.Parse()
}

// ConfigPath returns the explicit config path if provided via --config flag.
func ConfigPath() string {
	return *flagConfig
}

// applyFlags applies CLI flag overrides to the config.
func applyFlags(cfg *Config) {
	if *flagDebug {
		cfg.Logging.Level = "debug"
	}
	if *flagData != "" {
		cfg.Data.Path = *flagData
	}
	if *flagOutput != "" {
		cfg.Output.Dir = *flagOutput
	}
	if *flagMaxSteps > 0 {
		cfg.Trainer.MaxSteps = *flagMaxSteps
	}
	if *flagEvalStep >= 0 {
		cfg.Data.EvalStep = *flagEvalStep
	}
	if *flagWhiteBG {
		cfg.Model.WhiteBackground = true
	}
	if *flagSeed != 0 {
		cfg.Model.Seed = *flagSeed
	}
}
