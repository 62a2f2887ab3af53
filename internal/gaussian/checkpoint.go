package gaussian

import (
	"fmt"

	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/nn"
)

// State is a raw snapshot of every trainable tensor, pre-activation. SH rest
// coefficients keep the internal coefficient-major layout.
type State struct {
	XYZ            []float32
	SHsDC          []float32
	SHsRest        []float32
	OpacityLogits  []float32
	Scales         []float32
	Rotations      []float32
	Features       []float32
	SpatialLRScale float32
}

// State copies the current parameters out of the optimizer groups.
func (m *Model) State() (*State, error) {
	if m.opt == nil {
		return nil, ErrNotInitialized
	}
	return &State{
		XYZ:            cloneFloats(m.group(GroupXYZ).Params),
		SHsDC:          cloneFloats(m.group(GroupFeaturesDC).Params),
		SHsRest:        cloneFloats(m.group(GroupFeaturesRest).Params),
		OpacityLogits:  cloneFloats(m.group(GroupOpacity).Params),
		Scales:         cloneFloats(m.group(GroupScaling).Params),
		Rotations:      cloneFloats(m.group(GroupRotation).Params),
		Features:       cloneFloats(m.group(GroupAppearanceFeatures).Params),
		SpatialLRScale: m.spatialLRScale,
	}, nil
}

// CreateFromState rebuilds the primitive set from a snapshot, replacing any
// existing parameters and optimizer state. The active SH degree is raised to
// the maximum, matching a model restored after full training.
func (m *Model) CreateFromState(st *State) error {
	if len(st.XYZ) == 0 || len(st.XYZ)%3 != 0 {
		return fmt.Errorf("gaussian model: bad xyz length %d in state", len(st.XYZ))
	}
	n := len(st.XYZ) / 3
	restCoeffs := (m.maxSHDegree+1)*(m.maxSHDegree+1) - 1
	if err := checkStateLen("f_dc", len(st.SHsDC), n*3); err != nil {
		return err
	}
	if err := checkStateLen("f_rest", len(st.SHsRest), n*3*restCoeffs); err != nil {
		return err
	}
	if err := checkStateLen("opacity", len(st.OpacityLogits), n); err != nil {
		return err
	}
	if err := checkStateLen("scaling", len(st.Scales), n*3); err != nil {
		return err
	}
	if err := checkStateLen("rotation", len(st.Rotations), n*4); err != nil {
		return err
	}
	if err := checkStateLen("appearance features", len(st.Features), n*m.featureDims); err != nil {
		return err
	}

	m.spatialLRScale = st.SpatialLRScale
	m.opt = nn.NewAdam(1e-15,
		nn.NewParamGroup(GroupXYZ, 0, cloneFloats(st.XYZ)),
		nn.NewParamGroup(GroupFeaturesDC, 0, cloneFloats(st.SHsDC)),
		nn.NewParamGroup(GroupFeaturesRest, 0, cloneFloats(st.SHsRest)),
		nn.NewParamGroup(GroupOpacity, 0, cloneFloats(st.OpacityLogits)),
		nn.NewParamGroup(GroupScaling, 0, cloneFloats(st.Scales)),
		nn.NewParamGroup(GroupRotation, 0, cloneFloats(st.Rotations)),
		nn.NewParamGroup(GroupAppearanceFeatures, 0, cloneFloats(st.Features)),
	)
	m.activeSHDegree = m.maxSHDegree
	m.resetStats(n)
	return nil
}

// SetSpatialLRScale overrides the position learning-rate scale, normally the
// dataset camera extent. Takes effect at the next TrainingSetup.
func (m *Model) SetSpatialLRScale(s float32) { m.spatialLRScale = s }

func checkStateLen(name string, got, want int) error {
	if got != want {
		return fmt.Errorf("gaussian model: state %s has %d floats, want %d", name, got, want)
	}
	return nil
}

func cloneFloats(src []float32) []float32 {
	out := make([]float32, len(src))
	copy(out, src)
	return out
}
