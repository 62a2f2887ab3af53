// Package gaussian owns the primitive set: per-gaussian parameters, their
// activations, the optimizer with named parameter groups, and the adaptive
// density-control algorithm that grows and prunes the set during training.
package gaussian

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"

	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/nn"
	"github.com/VisionTrekker/gaussian-splatting-lightning/pkg/vecmath"
)

// SH0 is the degree-0 spherical-harmonics basis constant.
const SH0 = 0.28209479177387814

// Model errors.
var (
	ErrNoGaussians    = errors.New("gaussian model: no primitives remain after pruning")
	ErrStatsDesync    = errors.New("gaussian model: auxiliary statistics length does not match primitive count")
	ErrEmptyPointSet  = errors.New("gaussian model: empty initial point cloud")
	ErrNotInitialized = errors.New("gaussian model: CreateFromPointCloud has not run")
)

// Parameter group names.
const (
	GroupXYZ                = "xyz"
	GroupFeaturesDC         = "f_dc"
	GroupFeaturesRest       = "f_rest"
	GroupOpacity            = "opacity"
	GroupScaling            = "scaling"
	GroupRotation           = "rotation"
	GroupAppearanceFeatures = "appearance_features"
)

const opacityResetFloor = 0.01

// Model is the trainable gaussian primitive set. Parameter storage lives in
// the optimizer's named groups; accessors read through them. Cardinality
// changes only inside DensifyAndPrune.
type Model struct {
	maxSHDegree    int
	activeSHDegree int
	featureDims    int
	spatialLRScale float32
	percentDense   float32

	opt         *nn.Adam
	posSchedule *nn.ExponLR
	rng         *rand.Rand

	// auxiliary per-primitive running statistics, reset whenever the
	// primitive count changes
	maxRadii2D   []float32
	xyzGradAccum []float32
	denom        []float32
}

// NewModel creates an empty model. featureDims is the width of the
// per-gaussian appearance feature vectors.
func NewModel(shDegree, featureDims int, rng *rand.Rand) *Model {
	return &Model{
		maxSHDegree: shDegree,
		featureDims: featureDims,
		rng:         rng,
	}
}

// Len returns the current number of primitives.
func (m *Model) Len() int {
	if m.opt == nil {
		return 0
	}
	return len(m.group(GroupXYZ).Params) / 3
}

// ActiveSHDegree returns the currently active spherical-harmonics degree.
func (m *Model) ActiveSHDegree() int { return m.activeSHDegree }

// MaxSHDegree returns the configured maximum degree.
func (m *Model) MaxSHDegree() int { return m.maxSHDegree }

// FeatureDims returns the appearance feature width.
func (m *Model) FeatureDims() int { return m.featureDims }

// IsPreActivated reports whether SH coefficients are stored as a single
// pre-activated tensor. This model keeps dc and rest decomposed.
func (m *Model) IsPreActivated() bool { return false }

// OneUpSHDegree raises the active SH degree by one, capped at the maximum.
func (m *Model) OneUpSHDegree() {
	if m.activeSHDegree < m.maxSHDegree {
		m.activeSHDegree++
	}
}

func (m *Model) group(name string) *nn.ParamGroup {
	return m.opt.Group(name)
}

// XYZ returns the raw position tensor [n x 3].
func (m *Model) XYZ() []float32 { return m.group(GroupXYZ).Params }

// XYZGrads returns the position gradient buffer.
func (m *Model) XYZGrads() []float32 { return m.group(GroupXYZ).Grads }

// SHsDC returns the base color coefficients [n x 3].
func (m *Model) SHsDC() []float32 { return m.group(GroupFeaturesDC).Params }

// SHsDCGrads returns the base color gradient buffer.
func (m *Model) SHsDCGrads() []float32 { return m.group(GroupFeaturesDC).Grads }

// SHsRest returns the higher-order coefficients [n x 3*((maxDeg+1)^2-1)].
func (m *Model) SHsRest() []float32 { return m.group(GroupFeaturesRest).Params }

// SHsRestGrads returns the higher-order coefficient gradient buffer.
func (m *Model) SHsRestGrads() []float32 { return m.group(GroupFeaturesRest).Grads }

// AppearanceFeatures returns the per-gaussian feature matrix [n x featureDims].
func (m *Model) AppearanceFeatures() []float32 { return m.group(GroupAppearanceFeatures).Params }

// AppearanceFeatureGrads returns the feature gradient buffer.
func (m *Model) AppearanceFeatureGrads() []float32 { return m.group(GroupAppearanceFeatures).Grads }

// OpacityLogits returns the raw pre-sigmoid opacities [n].
func (m *Model) OpacityLogits() []float32 { return m.group(GroupOpacity).Params }

// OpacityGrads returns the opacity logit gradient buffer.
func (m *Model) OpacityGrads() []float32 { return m.group(GroupOpacity).Grads }

// Opacities returns activated opacities in (0,1).
func (m *Model) Opacities() []float32 {
	logits := m.OpacityLogits()
	out := make([]float32, len(logits))
	for i, v := range logits {
		out[i] = sigmoid(v)
	}
	return out
}

// Scales returns activated (exponentiated) scales [n x 3].
func (m *Model) Scales() []float32 {
	raw := m.group(GroupScaling).Params
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = math32.Exp(v)
	}
	return out
}

// Rotations returns normalized rotation quaternions.
func (m *Model) Rotations() []vecmath.Quat {
	raw := m.group(GroupRotation).Params
	out := make([]vecmath.Quat, len(raw)/4)
	for i := range out {
		q := vecmath.Quat{W: raw[i*4], X: raw[i*4+1], Y: raw[i*4+2], Z: raw[i*4+3]}
		out[i] = q.Normalize()
	}
	return out
}

// MaxRadii2D returns the per-primitive max observed screen radius.
func (m *Model) MaxRadii2D() []float32 { return m.maxRadii2D }

// Optimizer returns the owned optimizer instance.
func (m *Model) Optimizer() *nn.Adam { return m.opt }

// CreateFromPointCloud initializes the primitive set from an initial point
// cloud. positions and colors are [n x 3], colors in [0,1].
func (m *Model) CreateFromPointCloud(positions, colors []float32, spatialLRScale float32) error {
	if len(positions) == 0 {
		return ErrEmptyPointSet
	}
	if len(positions) != len(colors) {
		return fmt.Errorf("gaussian model: %d position floats but %d color floats", len(positions), len(colors))
	}
	n := len(positions) / 3
	m.spatialLRScale = spatialLRScale

	xyz := make([]float32, len(positions))
	copy(xyz, positions)

	// Base color from RGB via the degree-0 SH basis.
	fDC := make([]float32, n*3)
	for i := range fDC {
		fDC[i] = (colors[i] - 0.5) / SH0
	}
	restCoeffs := (m.maxSHDegree+1)*(m.maxSHDegree+1) - 1
	fRest := make([]float32, n*3*restCoeffs)

	// Initial scale from mean squared distance to the three nearest
	// neighbors, floored to keep the log finite.
	scaling := make([]float32, n*3)
	dist2 := nearestNeighborDist2(positions, n)
	for i := 0; i < n; i++ {
		s := math32.Log(math32.Sqrt(max32(dist2[i], 1e-7)))
		scaling[i*3] = s
		scaling[i*3+1] = s
		scaling[i*3+2] = s
	}

	rotation := make([]float32, n*4)
	for i := 0; i < n; i++ {
		rotation[i*4] = 1 // identity quaternion, wxyz
	}

	opacity := make([]float32, n)
	for i := range opacity {
		opacity[i] = inverseSigmoid(0.1)
	}

	features := make([]float32, n*m.featureDims)

	// Learning rates are installed by TrainingSetup; groups exist from the
	// start so accessors and the rasterizer have storage to read.
	m.opt = nn.NewAdam(1e-15,
		nn.NewParamGroup(GroupXYZ, 0, xyz),
		nn.NewParamGroup(GroupFeaturesDC, 0, fDC),
		nn.NewParamGroup(GroupFeaturesRest, 0, fRest),
		nn.NewParamGroup(GroupOpacity, 0, opacity),
		nn.NewParamGroup(GroupScaling, 0, scaling),
		nn.NewParamGroup(GroupRotation, 0, rotation),
		nn.NewParamGroup(GroupAppearanceFeatures, 0, features),
	)

	m.resetStats(n)
	return nil
}

func (m *Model) resetStats(n int) {
	m.maxRadii2D = make([]float32, n)
	m.xyzGradAccum = make([]float32, n)
	m.denom = make([]float32, n)
}

// checkStats enforces the stale-length invariant between the primitive set
// and its auxiliary statistics.
func (m *Model) checkStats() error {
	n := m.Len()
	if len(m.maxRadii2D) != n || len(m.xyzGradAccum) != n || len(m.denom) != n {
		return fmt.Errorf("%w: %d primitives, radii %d, accum %d, denom %d",
			ErrStatsDesync, n, len(m.maxRadii2D), len(m.xyzGradAccum), len(m.denom))
	}
	return nil
}

// nearestNeighborDist2 returns the mean squared distance to the three
// nearest neighbors of each point.
func nearestNeighborDist2(positions []float32, n int) []float32 {
	out := make([]float32, n)
	if n == 1 {
		out[0] = 1e-4
		return out
	}
	for i := 0; i < n; i++ {
		best := [3]float32{math32.MaxFloat32, math32.MaxFloat32, math32.MaxFloat32}
		xi, yi, zi := positions[i*3], positions[i*3+1], positions[i*3+2]
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			dx := positions[j*3] - xi
			dy := positions[j*3+1] - yi
			dz := positions[j*3+2] - zi
			d := dx*dx + dy*dy + dz*dz
			if d < best[0] {
				best[0], best[1], best[2] = d, best[0], best[1]
			} else if d < best[1] {
				best[1], best[2] = d, best[1]
			} else if d < best[2] {
				best[2] = d
			}
		}
		k := 3
		if n-1 < 3 {
			k = n - 1
		}
		var sum float32
		for c := 0; c < k; c++ {
			sum += best[c]
		}
		out[i] = sum / float32(k)
	}
	return out
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

func inverseSigmoid(x float32) float32 {
	return math32.Log(x / (1 - x))
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
