package gaussian

import (
	"sort"

	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/stat"

	"github.com/VisionTrekker/gaussian-splatting-lightning/pkg/vecmath"
)

const splitScaleDivisor = 0.8 * 2 // two children, each shrunk

// UpdateMaxRadii records the largest screen-space radius seen per visible
// primitive.
func (m *Model) UpdateMaxRadii(radii []float32, visibility []bool) {
	for i, visible := range visibility {
		if visible && radii[i] > m.maxRadii2D[i] {
			m.maxRadii2D[i] = radii[i]
		}
	}
}

// AddDensificationStats accumulates view-space positional gradient norms for
// visible primitives. means2DGrad is [n x 2].
func (m *Model) AddDensificationStats(means2DGrad []float32, visibility []bool) {
	for i, visible := range visibility {
		if !visible {
			continue
		}
		gx := means2DGrad[i*2]
		gy := means2DGrad[i*2+1]
		m.xyzGradAccum[i] += math32.Sqrt(gx*gx + gy*gy)
		m.denom[i]++
	}
}

// DensifyAndPrune runs one grow/prune pass: clone small high-gradient
// primitives, split large ones, then prune by opacity and (optionally) by
// screen radius and world-space extent.
func (m *Model) DensifyAndPrune(gradThreshold, minOpacity, extent, maxScreenSize float32) error {
	n := m.Len()
	grads := make([]float32, n)
	for i := 0; i < n; i++ {
		if m.denom[i] > 0 {
			grads[i] = m.xyzGradAccum[i] / m.denom[i]
		}
	}

	scaleThreshold := m.percentDense * extent
	scales := m.Scales()

	cloneMask := make([]bool, n)
	splitMask := make([]bool, n)
	for i := 0; i < n; i++ {
		if grads[i] < gradThreshold {
			continue
		}
		if maxScaleOf(scales, i) <= scaleThreshold {
			cloneMask[i] = true
		} else {
			splitMask[i] = true
		}
	}

	m.densifyAndClone(cloneMask)
	// Clones never split in the same pass: masks were taken before any
	// append, and appended rows fall outside the mask length.
	keepAfterSplit := m.densifyAndSplit(splitMask)

	// Prune: low opacity always; oversized primitives only once a screen
	// threshold is in force.
	opacities := m.Opacities()
	scales = m.Scales()
	total := m.Len()
	keep := make([]bool, total)
	for i := 0; i < total; i++ {
		keep[i] = opacities[i] >= minOpacity
		if i < len(keepAfterSplit) && !keepAfterSplit[i] {
			keep[i] = false
		}
		if maxScreenSize > 0 && i < len(m.maxRadii2D) {
			if m.maxRadii2D[i] > maxScreenSize || maxScaleOf(scales, i) > 0.1*extent {
				keep[i] = false
			}
		}
	}
	m.prune(keep)

	if m.Len() == 0 {
		return ErrNoGaussians
	}
	m.resetStats(m.Len())
	return m.checkStats()
}

// densifyAndClone duplicates selected primitives in place with copied
// attributes.
func (m *Model) densifyAndClone(mask []bool) {
	for _, g := range m.opt.Groups() {
		stride := len(g.Params) / len(mask)
		var appended []float32
		for i, selected := range mask {
			if selected {
				appended = append(appended, g.Params[i*stride:(i+1)*stride]...)
			}
		}
		g.Append(appended)
	}
}

// densifyAndSplit replaces selected primitives with two children sampled
// from the original gaussian, with shrunken scale. It returns a keep mask
// over the post-append set marking the originals for removal.
func (m *Model) densifyAndSplit(mask []bool) []bool {
	scales := m.Scales()
	rotations := m.Rotations()
	xyz := m.XYZ()
	rawScaling := m.group(GroupScaling).Params

	type child struct {
		xyz     [3]float32
		scaling [3]float32
	}
	var children []child
	var sourceRows []int

	for i, selected := range mask {
		if !selected {
			continue
		}
		for c := 0; c < 2; c++ {
			// Sample an offset from the primitive's own covariance.
			local := vecmath.Vec3{
				X: float32(m.rng.NormFloat64()) * scales[i*3],
				Y: float32(m.rng.NormFloat64()) * scales[i*3+1],
				Z: float32(m.rng.NormFloat64()) * scales[i*3+2],
			}
			offset := rotations[i].Apply(local)
			children = append(children, child{
				xyz: [3]float32{
					xyz[i*3] + offset.X,
					xyz[i*3+1] + offset.Y,
					xyz[i*3+2] + offset.Z,
				},
				scaling: [3]float32{
					rawScaling[i*3] - math32.Log(splitScaleDivisor),
					rawScaling[i*3+1] - math32.Log(splitScaleDivisor),
					rawScaling[i*3+2] - math32.Log(splitScaleDivisor),
				},
			})
			sourceRows = append(sourceRows, i)
		}
	}

	count := m.Len() // includes clones appended before the split pass
	for _, g := range m.opt.Groups() {
		stride := len(g.Params) / count
		var appended []float32
		switch g.Name {
		case GroupXYZ:
			for _, c := range children {
				appended = append(appended, c.xyz[:]...)
			}
		case GroupScaling:
			for _, c := range children {
				appended = append(appended, c.scaling[:]...)
			}
		default:
			for _, row := range sourceRows {
				appended = append(appended, g.Params[row*stride:(row+1)*stride]...)
			}
		}
		g.Append(appended)
	}

	keep := make([]bool, m.Len())
	for i := range keep {
		keep[i] = i >= len(mask) || !mask[i]
	}
	return keep
}

func (m *Model) prune(keep []bool) {
	for _, g := range m.opt.Groups() {
		stride := len(g.Params) / len(keep)
		g.Prune(keep, stride)
	}
}

// ResetOpacity sets every primitive's opacity to the reset floor and clears
// the opacity group's optimizer state, as for a replaced tensor.
func (m *Model) ResetOpacity() {
	g := m.group(GroupOpacity)
	logit := inverseSigmoid(opacityResetFloor)
	for i := range g.Params {
		g.Params[i] = logit
	}
	g.ZeroState()
}

// OpacityResetFloor returns the activation value ResetOpacity assigns.
func OpacityResetFloor() float32 { return opacityResetFloor }

// ScaleQuantile reports a quantile of the per-primitive max scale
// distribution, used for density-control logging.
func (m *Model) ScaleQuantile(q float64) float64 {
	scales := m.Scales()
	n := m.Len()
	maxima := make([]float64, n)
	for i := 0; i < n; i++ {
		maxima[i] = float64(maxScaleOf(scales, i))
	}
	sort.Float64s(maxima)
	return stat.Quantile(q, stat.Empirical, maxima, nil)
}

func maxScaleOf(scales []float32, i int) float32 {
	s := scales[i*3]
	if scales[i*3+1] > s {
		s = scales[i*3+1]
	}
	if scales[i*3+2] > s {
		s = scales[i*3+2]
	}
	return s
}
