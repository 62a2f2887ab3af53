// Package render produces images from the primitive set, first through
// spherical harmonics alone and, once warm-up ends, with the appearance
// residual layered on top.
package render

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/appearance"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/camera"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/gaussian"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/splat"
)

// Renderer renders one view and routes image gradients back into the
// primitive set's parameter gradients.
type Renderer interface {
	Render(cam *camera.Camera, m *gaussian.Model, background [3]float32, scalingModifier float32, step int) (*splat.Output, error)
	Backward(dImage []float32) (*splat.Gradients, error)
}

// SHRenderer colors every gaussian from its spherical harmonics evaluated
// along the view direction, recentered by +0.5 and clamped at zero.
type SHRenderer struct {
	rast splat.Rasterizer

	model      *gaussian.Model
	n          int
	degree     int
	restStride int
	basis      []float32 // n * coefficient count at max degree
	pass       []bool    // n*3, false where the color clamp cut the gradient
	opacities  []float32
}

// NewSHRenderer wraps a rasterizer.
func NewSHRenderer(rast splat.Rasterizer) *SHRenderer {
	return &SHRenderer{rast: rast}
}

// prepare evaluates the harmonics for every gaussian and caches the basis for
// the backward pass. The returned colors still carry the +0.5 recenter but no
// clamp; dirs are the normalized view directions.
func (r *SHRenderer) prepare(cam *camera.Camera, m *gaussian.Model) (colors, dirs []float32) {
	n := m.Len()
	maxCoeffs := shCoeffs(m.MaxSHDegree())

	r.model = m
	r.n = n
	r.degree = m.ActiveSHDegree()
	r.restStride = maxCoeffs - 1
	r.basis = make([]float32, n*maxCoeffs)
	r.pass = make([]bool, n*3)
	r.opacities = m.Opacities()

	xyz := m.XYZ()
	dc := m.SHsDC()
	rest := m.SHsRest()
	coeffs := shCoeffs(r.degree)

	colors = make([]float32, n*3)
	dirs = make([]float32, n*3)
	for i := 0; i < n; i++ {
		dx := xyz[i*3] - cam.Center.X
		dy := xyz[i*3+1] - cam.Center.Y
		dz := xyz[i*3+2] - cam.Center.Z
		if l := math32.Sqrt(dx*dx + dy*dy + dz*dz); l > 0 {
			dx, dy, dz = dx/l, dy/l, dz/l
		}
		dirs[i*3] = dx
		dirs[i*3+1] = dy
		dirs[i*3+2] = dz

		b := r.basis[i*maxCoeffs : (i+1)*maxCoeffs]
		shBasis(dx, dy, dz, r.degree, b)

		for c := 0; c < 3; c++ {
			v := b[0] * dc[i*3+c]
			for k := 1; k < coeffs; k++ {
				v += b[k] * rest[(i*r.restStride+k-1)*3+c]
			}
			colors[i*3+c] = v + 0.5
		}
	}
	return colors, dirs
}

// Render rasterizes with pure spherical-harmonic colors.
func (r *SHRenderer) Render(cam *camera.Camera, m *gaussian.Model, background [3]float32, scalingModifier float32, step int) (*splat.Output, error) {
	colors, _ := r.prepare(cam, m)
	for i := range colors {
		if colors[i] > 0 {
			r.pass[i] = true
		} else {
			colors[i] = 0
		}
	}
	return r.rast.Forward(cam, r.input(m, colors, background, scalingModifier))
}

// Backward differentiates the last Render into the model's coefficient and
// opacity gradients and returns the rasterizer gradients for density control.
func (r *SHRenderer) Backward(dImage []float32) (*splat.Gradients, error) {
	grads, err := r.rast.Backward(dImage)
	if err != nil {
		return nil, err
	}
	r.maskColorGrads(grads.Colors)
	r.accumulate(grads)
	return grads, nil
}

func (r *SHRenderer) input(m *gaussian.Model, colors []float32, background [3]float32, scalingModifier float32) *splat.Input {
	return &splat.Input{
		Means:           m.XYZ(),
		Colors:          colors,
		Opacities:       r.opacities,
		Scales:          m.Scales(),
		Rotations:       m.Rotations(),
		ScalingModifier: scalingModifier,
		Background:      background,
	}
}

func (r *SHRenderer) maskColorGrads(dColors []float32) {
	for i := range dColors {
		if !r.pass[i] {
			dColors[i] = 0
		}
	}
}

// accumulate adds the color and opacity chain into the model's gradient
// buffers. dColors must already be clamp-masked.
func (r *SHRenderer) accumulate(grads *splat.Gradients) {
	m := r.model
	maxCoeffs := r.restStride + 1
	coeffs := shCoeffs(r.degree)

	dcG := m.SHsDCGrads()
	restG := m.SHsRestGrads()
	opG := m.OpacityGrads()

	for i := 0; i < r.n; i++ {
		b := r.basis[i*maxCoeffs : (i+1)*maxCoeffs]
		for c := 0; c < 3; c++ {
			d := grads.Colors[i*3+c]
			if d == 0 {
				continue
			}
			dcG[i*3+c] += b[0] * d
			for k := 1; k < coeffs; k++ {
				restG[(i*r.restStride+k-1)*3+c] += b[k] * d
			}
		}
		o := r.opacities[i]
		opG[i] += grads.Opacities[i] * o * (1 - o)
	}
}

// AppearanceRenderer decorates the harmonic renderer with the per-image
// residual. Before warmUp steps it is exactly the base renderer and the
// appearance model is never evaluated.
type AppearanceRenderer struct {
	base   *SHRenderer
	app    *appearance.Model
	warmUp int

	delegated  bool
	visibility []bool
	visIdx     []int
}

// NewAppearanceRenderer builds the decorator.
func NewAppearanceRenderer(base *SHRenderer, app *appearance.Model, warmUp int) *AppearanceRenderer {
	return &AppearanceRenderer{base: base, app: app, warmUp: warmUp}
}

// Render adds the appearance residual to the harmonic color of every visible
// gaussian, clamps to [0,1] and rasterizes. Invisible gaussians keep a zero
// color row so array shapes survive for downstream indexing.
func (a *AppearanceRenderer) Render(cam *camera.Camera, m *gaussian.Model, background [3]float32, scalingModifier float32, step int) (*splat.Output, error) {
	if step < a.warmUp {
		a.delegated = true
		return a.base.Render(cam, m, background, scalingModifier, step)
	}
	a.delegated = false

	colors, dirs := a.base.prepare(cam, m)
	in := a.base.input(m, colors, background, scalingModifier)

	visibility, err := a.base.rast.Cull(cam, in)
	if err != nil {
		return nil, err
	}
	a.visibility = visibility
	a.visIdx = a.visIdx[:0]
	for i, v := range visibility {
		if v {
			a.visIdx = append(a.visIdx, i)
		}
	}

	nVis := len(a.visIdx)
	fd := m.FeatureDims()
	features := m.AppearanceFeatures()
	visFeatures := make([]float32, nVis*fd)
	visDirs := make([]float32, nVis*3)
	for row, i := range a.visIdx {
		copy(visFeatures[row*fd:(row+1)*fd], features[i*fd:(i+1)*fd])
		copy(visDirs[row*3:(row+1)*3], dirs[i*3:(i+1)*3])
	}

	res, err := a.app.Residual(visFeatures, int(cam.AppearanceID), visDirs, nVis)
	if err != nil {
		return nil, fmt.Errorf("appearance residual: %w", err)
	}

	final := make([]float32, m.Len()*3)
	for row, i := range a.visIdx {
		for c := 0; c < 3; c++ {
			v := colors[i*3+c] + 2*res[row*3+c] - 1
			if v > 0 && v < 1 {
				a.base.pass[i*3+c] = true
			}
			final[i*3+c] = clamp01(v)
		}
	}
	in.Colors = final
	return a.base.rast.Forward(cam, in)
}

// Backward routes image gradients into the harmonic coefficients, opacity
// logits, appearance features and the embedding network.
func (a *AppearanceRenderer) Backward(dImage []float32) (*splat.Gradients, error) {
	if a.delegated {
		return a.base.Backward(dImage)
	}

	grads, err := a.base.rast.Backward(dImage)
	if err != nil {
		return nil, err
	}
	a.base.maskColorGrads(grads.Colors)

	// The residual enters the color as 2*res - 1, so its gradient is twice
	// the color gradient, restricted to the visible rows it was computed on.
	dRes := make([]float32, len(a.visIdx)*3)
	for row, i := range a.visIdx {
		dRes[row*3] = 2 * grads.Colors[i*3]
		dRes[row*3+1] = 2 * grads.Colors[i*3+1]
		dRes[row*3+2] = 2 * grads.Colors[i*3+2]
	}
	dVisFeatures := a.app.Backward(dRes)

	m := a.base.model
	fd := m.FeatureDims()
	featG := m.AppearanceFeatureGrads()
	for row, i := range a.visIdx {
		for k := 0; k < fd; k++ {
			featG[i*fd+k] += dVisFeatures[row*fd+k]
		}
	}

	a.base.accumulate(grads)
	return grads, nil
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
