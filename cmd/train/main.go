// Package main is the entry point for gaussian splatting training.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/appearance"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/checkpoint"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/config"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/dataparser"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/gaussian"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/logger"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/render"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/splat"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/trainer"
)

func main() {
	// Parse CLI flags first
	config.ParseFlags()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("=== Gaussian Splatting Trainer ===")
	logger.Sugar.Debugf("Config: %+v", cfg)

	if err := run(cfg); err != nil {
		logger.Error("training failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("training finished")
}

func run(cfg *config.Config) error {
	rng := rand.New(rand.NewSource(cfg.Model.Seed))

	data, err := dataparser.Parse(cfg.Data, logger.Log)
	if err != nil {
		return err
	}

	// Keep the resolved settings and the raw reconstruction next to the
	// checkpoints the run will write.
	if err := cfg.SaveTo(filepath.Join(cfg.Output.Dir, "config.yaml")); err != nil {
		return err
	}
	if err := data.WritePointCloud(filepath.Join(cfg.Output.Dir, "input.ply")); err != nil {
		return err
	}

	model := gaussian.NewModel(cfg.Model.SHDegree, cfg.FeatureDims(), rng)
	if err := model.CreateFromPointCloud(data.PointCloud.Positions, data.PointCloud.Colors, data.CameraExtent); err != nil {
		return err
	}
	if err := model.TrainingSetup(cfg.Gaussian); err != nil {
		return err
	}

	renderer, app, appOpt, err := buildRenderer(cfg, data, rng)
	if err != nil {
		return err
	}

	trainCfg := cfg.Trainer
	trainCfg.Background = cfg.Background()
	trainCfg.CameraExtent = data.CameraExtent

	saver := checkpoint.NewWriter(cfg.Output.Dir, logger.Log)
	t, err := trainer.New(trainCfg, cfg.Gaussian, model, renderer, app, appOpt, saver, logger.Log)
	if err != nil {
		return err
	}

	src, err := dataparser.NewSource(data.Train, data.ImagesDir, cfg.Appearance.MaskDir, rng, logger.Log)
	if err != nil {
		return err
	}
	defer src.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := t.Run(ctx, src); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("training interrupted", zap.Int("step", t.Step()))
			return saver.Save(t.Step()-1, model, app)
		}
		return err
	}

	return saver.Save(trainCfg.MaxSteps, model, app)
}

// buildRenderer wires the render pipeline: the plain spherical-harmonics
// renderer, optionally decorated with the appearance stage.
func buildRenderer(cfg *config.Config, data *dataparser.Outputs, rng *rand.Rand) (render.Renderer, *appearance.Model, *appearance.Optimizers, error) {
	base := render.NewSHRenderer(splat.NewCPURasterizer())
	if !cfg.Appearance.Enabled {
		return base, nil, nil, nil
	}

	maxID := int32(0)
	for _, id := range data.Train.Cameras.AppearanceID {
		if id > maxID {
			maxID = id
		}
	}

	app := appearance.New(cfg.Appearance.Model)
	if err := app.Configure(int(maxID)); err != nil {
		return nil, nil, nil, err
	}
	if err := app.AllocateParameters(rng); err != nil {
		return nil, nil, nil, err
	}
	appOpt, err := app.TrainingSetup(cfg.Appearance.Optimization)
	if err != nil {
		return nil, nil, nil, err
	}

	return render.NewAppearanceRenderer(base, app, cfg.Appearance.Optimization.WarmUp), app, appOpt, nil
}
