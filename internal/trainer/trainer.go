// Package trainer runs the adaptive optimization loop: render, loss,
// backward, density control and the three learning-rate schedules, one camera
// per step.
package trainer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/appearance"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/camera"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/gaussian"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/loss"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/render"
)

var ErrNoData = errors.New("trainer: data source returned no sample")

// Sample is one training view: the posed camera, its ground-truth pixels and
// an optional per-pixel mask marking regions excluded from supervision.
type Sample struct {
	Camera camera.Camera
	Image  []float32
	Mask   []bool
}

// DataSource hands out training samples. Implementations typically wrap a
// prefetch queue; the trainer itself never blocks on decoding.
type DataSource interface {
	Next() (*Sample, error)
}

// Saver persists the primitive set and appearance state at save points. The
// trainer calls it before any parameter mutation of the step, so a checkpoint
// always reflects the state that produced the step's loss.
type Saver interface {
	Save(step int, m *gaussian.Model, app *appearance.Model) error
}

// PhaseHook observes step boundaries in fixed order. Hooks run outside the
// mutation window: BeforeStep before anything of the step, AfterStep once all
// optimizers and schedules have advanced.
type PhaseHook interface {
	BeforeStep(step int)
	AfterStep(step int, lossValue float32)
}

// Config drives the loop schedule. Thresholds are expressed in steps.
type Config struct {
	MaxSteps        int        `yaml:"max_steps"`
	SHIncreaseEvery int        `yaml:"sh_increase_every"`
	SavePoints      []int      `yaml:"save_points"`
	Background      [3]float32 `yaml:"background"`
	MinOpacity      float32    `yaml:"min_opacity"`
	MaxScreenSize   float32    `yaml:"max_screen_size"`
	LogEvery        int        `yaml:"log_every"`
	ScalingModifier float32    `yaml:"scaling_modifier"`
	CameraExtent    float32    `yaml:"camera_extent"`
}

// DefaultConfig returns the standard loop schedule.
func DefaultConfig() Config {
	return Config{
		MaxSteps:        30_000,
		SHIncreaseEvery: 1000,
		MinOpacity:      0.005,
		MaxScreenSize:   20,
		LogEvery:        100,
		ScalingModifier: 1,
	}
}

// Validate rejects schedules that would stall or divide by zero.
func (c Config) Validate() error {
	if c.MaxSteps <= 0 {
		return fmt.Errorf("trainer: max_steps %d must be positive", c.MaxSteps)
	}
	if c.SHIncreaseEvery <= 0 {
		return fmt.Errorf("trainer: sh_increase_every %d must be positive", c.SHIncreaseEvery)
	}
	return nil
}

// Trainer owns the primitive set and its auxiliary statistics for the
// duration of a run. Renderers and the appearance model only borrow them
// inside a step.
type Trainer struct {
	cfg    Config
	params gaussian.OptimizationParams

	model    *gaussian.Model
	renderer render.Renderer
	appOpt   *appearance.Optimizers
	app      *appearance.Model
	saver    Saver
	hooks    []PhaseHook
	log      *zap.Logger

	step int
}

// New assembles a trainer. appOpt and saver may be nil; logger nil means
// silent.
func New(cfg Config, params gaussian.OptimizationParams, m *gaussian.Model, r render.Renderer, app *appearance.Model, appOpt *appearance.Optimizers, saver Saver, log *zap.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Trainer{
		cfg:      cfg,
		params:   params,
		model:    m,
		renderer: r,
		app:      app,
		appOpt:   appOpt,
		saver:    saver,
		log:      log,
		step:     1,
	}, nil
}

// AddHook registers a phase hook; hooks run in registration order.
func (t *Trainer) AddHook(h PhaseHook) { t.hooks = append(t.hooks, h) }

// Step returns the next step number to execute. It starts at 1 so the very
// first step can never hit a modulo-zero density-control boundary.
func (t *Trainer) Step() int { return t.step }

// Run trains until MaxSteps, pulling one sample per step. Cancellation is
// honored between steps only; a step never stops midway.
func (t *Trainer) Run(ctx context.Context, src DataSource) error {
	for t.step <= t.cfg.MaxSteps {
		if err := ctx.Err(); err != nil {
			return err
		}
		sample, err := src.Next()
		if err != nil {
			return err
		}
		if sample == nil {
			return ErrNoData
		}
		if err := t.TrainStep(sample); err != nil {
			return err
		}
	}
	return nil
}

// TrainStep executes one full iteration of the per-step protocol and
// advances the step counter.
func (t *Trainer) TrainStep(sample *Sample) error {
	step := t.step
	for _, h := range t.hooks {
		h.BeforeStep(step)
	}

	if step%t.cfg.SHIncreaseEvery == 0 {
		t.model.OneUpSHDegree()
	}

	out, err := t.renderer.Render(&sample.Camera, t.model, t.cfg.Background, t.cfg.ScalingModifier, step)
	if err != nil {
		return fmt.Errorf("render at step %d: %w", step, err)
	}

	w, h := out.Image.W, out.Image.H
	if len(sample.Image) != w*h*3 {
		return fmt.Errorf("%w: ground truth has %d values, render %d", loss.ErrSizeMismatch, len(sample.Image), w*h*3)
	}
	gt := append([]float32(nil), sample.Image...)
	loss.ApplyMask(gt, out.Image.Pix, sample.Mask)

	lossValue, dImage, err := loss.Combined(out.Image.Pix, gt, w, h, t.params.LambdaDssim)
	if err != nil {
		return err
	}

	t.model.Optimizer().ZeroGrad()
	if t.appOpt != nil {
		t.appOpt.ZeroGrad()
	}
	grads, err := t.renderer.Backward(dImage)
	if err != nil {
		return fmt.Errorf("backward at step %d: %w", step, err)
	}

	if t.isSavePoint(step) {
		if err := t.saver.Save(step, t.model, t.app); err != nil {
			return fmt.Errorf("save at step %d: %w", step, err)
		}
		t.log.Info("checkpoint saved", zap.Int("step", step))
	}

	if err := t.densityControl(step, out.Radii, out.Visibility, grads.Means2D); err != nil {
		return err
	}

	t.model.Optimizer().Step()
	if t.appOpt != nil {
		t.appOpt.Step()
		t.appOpt.ScheduleStep(step)
	}
	t.model.UpdateLearningRate(step)

	if t.cfg.LogEvery > 0 && step%t.cfg.LogEvery == 0 {
		t.log.Info("train step",
			zap.Int("step", step),
			zap.Float32("loss", lossValue),
			zap.Int("gaussians", t.model.Len()),
			zap.Int("sh_degree", t.model.ActiveSHDegree()),
		)
	}

	for _, h := range t.hooks {
		h.AfterStep(step, lossValue)
	}
	t.step++
	return nil
}

// densityControl updates the per-primitive statistics and runs grow, prune
// and opacity reset on their configured boundaries.
func (t *Trainer) densityControl(step int, radii []float32, visibility []bool, means2DGrad []float32) error {
	p := t.params
	if step >= p.DensifyUntilIter {
		return nil
	}

	t.model.UpdateMaxRadii(radii, visibility)
	t.model.AddDensificationStats(means2DGrad, visibility)

	if step > p.DensifyFromIter && step%p.DensificationInterval == 0 {
		// The screen-radius cull only arms once training has passed an
		// opacity reset, so freshly reset gaussians are not purged for the
		// large radii they had before the reset.
		var maxScreenSize float32
		if step > p.OpacityResetInterval {
			maxScreenSize = t.cfg.MaxScreenSize
		}
		if err := t.model.DensifyAndPrune(p.DensifyGradThreshold, t.cfg.MinOpacity, t.cfg.CameraExtent, maxScreenSize); err != nil {
			return fmt.Errorf("density control at step %d: %w", step, err)
		}
		t.log.Debug("densify and prune",
			zap.Int("step", step),
			zap.Int("gaussians", t.model.Len()),
		)
	}

	whiteBackground := t.cfg.Background == [3]float32{1, 1, 1}
	if step%p.OpacityResetInterval == 0 || (whiteBackground && step == p.DensifyFromIter) {
		t.model.ResetOpacity()
		t.log.Debug("opacity reset", zap.Int("step", step))
	}
	return nil
}

func (t *Trainer) isSavePoint(step int) bool {
	if t.saver == nil {
		return false
	}
	for _, s := range t.cfg.SavePoints {
		if s == step {
			return true
		}
	}
	return false
}
