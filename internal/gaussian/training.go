package gaussian

import (
	"fmt"

	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/nn"
)

// OptimizationParams is the per-attribute learning-rate and density-control
// configuration of the gaussian model.
type OptimizationParams struct {
	PositionLRInit     float32 `yaml:"position_lr_init"`
	PositionLRFinal    float32 `yaml:"position_lr_final"`
	PositionLRMaxSteps int     `yaml:"position_lr_max_steps"`

	FeatureLR           float32 `yaml:"feature_lr"`
	OpacityLR           float32 `yaml:"opacity_lr"`
	ScalingLR           float32 `yaml:"scaling_lr"`
	RotationLR          float32 `yaml:"rotation_lr"`
	AppearanceFeatureLR float32 `yaml:"appearance_feature_lr"`
	Eps                 float32 `yaml:"eps"`

	PercentDense          float32 `yaml:"percent_dense"`
	LambdaDssim           float32 `yaml:"lambda_dssim"`
	DensificationInterval int     `yaml:"densification_interval"`
	OpacityResetInterval  int     `yaml:"opacity_reset_interval"`
	DensifyFromIter       int     `yaml:"densify_from_iter"`
	DensifyUntilIter      int     `yaml:"densify_until_iter"`
	DensifyGradThreshold  float32 `yaml:"densify_grad_threshold"`
}

// DefaultOptimizationParams returns the standard training hyperparameters.
func DefaultOptimizationParams() OptimizationParams {
	return OptimizationParams{
		PositionLRInit:     1.6e-4,
		PositionLRFinal:    1.6e-6,
		PositionLRMaxSteps: 30_000,

		FeatureLR:           2.5e-3,
		OpacityLR:           0.05,
		ScalingLR:           5e-3,
		RotationLR:          1e-3,
		AppearanceFeatureLR: 2.5e-3,
		Eps:                 1e-15,

		PercentDense:          0.01,
		LambdaDssim:           0.2,
		DensificationInterval: 100,
		OpacityResetInterval:  3000,
		DensifyFromIter:       500,
		DensifyUntilIter:      15_000,
		DensifyGradThreshold:  2e-4,
	}
}

// Validate rejects configurations that would fail later in a schedule or a
// division.
func (p OptimizationParams) Validate() error {
	if p.PositionLRMaxSteps <= 0 {
		return fmt.Errorf("%w: position_lr_max_steps %d", nn.ErrBadSchedule, p.PositionLRMaxSteps)
	}
	if p.DensificationInterval <= 0 || p.OpacityResetInterval <= 0 {
		return fmt.Errorf("%w: densification_interval %d, opacity_reset_interval %d",
			nn.ErrBadSchedule, p.DensificationInterval, p.OpacityResetInterval)
	}
	if p.LambdaDssim < 0 || p.LambdaDssim > 1 {
		return fmt.Errorf("%w: lambda_dssim %g outside [0,1]", nn.ErrBadSchedule, p.LambdaDssim)
	}
	return nil
}

// TrainingSetup installs per-group learning rates, the optimizer epsilon and
// the position learning-rate schedule. CreateFromPointCloud must have run.
func (m *Model) TrainingSetup(p OptimizationParams) error {
	if m.opt == nil {
		return ErrNotInitialized
	}
	if err := p.Validate(); err != nil {
		return err
	}

	m.percentDense = p.PercentDense
	m.opt.Eps = p.Eps

	m.group(GroupXYZ).LR = p.PositionLRInit * m.spatialLRScale
	m.group(GroupFeaturesDC).LR = p.FeatureLR
	m.group(GroupFeaturesRest).LR = p.FeatureLR / 20
	m.group(GroupOpacity).LR = p.OpacityLR
	m.group(GroupScaling).LR = p.ScalingLR
	m.group(GroupRotation).LR = p.RotationLR
	m.group(GroupAppearanceFeatures).LR = p.AppearanceFeatureLR

	schedule, err := nn.NewExponLR(
		p.PositionLRInit*m.spatialLRScale,
		p.PositionLRFinal*m.spatialLRScale,
		p.PositionLRMaxSteps,
	)
	if err != nil {
		return err
	}
	m.posSchedule = schedule
	return nil
}

// UpdateLearningRate applies the position-specific decay for the given step.
// This is the third schedule, independent of the appearance model's two.
func (m *Model) UpdateLearningRate(step int) {
	if m.posSchedule == nil {
		return
	}
	m.group(GroupXYZ).LR = m.posSchedule.LR(step)
}
