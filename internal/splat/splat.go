// Package splat projects anisotropic gaussians to screen space and
// alpha-composites them front to back against a solid background.
package splat

import (
	"errors"

	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/camera"
	"github.com/VisionTrekker/gaussian-splatting-lightning/pkg/vecmath"
)

var (
	ErrInputMismatch = errors.New("splat: per-gaussian arrays have mismatched lengths")
	ErrNoForward     = errors.New("splat: backward called before forward")
)

// Image is a dense RGB raster, indexed (y*W+x)*3 + channel.
type Image struct {
	W, H int
	Pix  []float32
}

// NewImage allocates a zeroed raster.
func NewImage(w, h int) *Image {
	return &Image{W: w, H: h, Pix: make([]float32, w*h*3)}
}

// At returns one channel of one pixel.
func (im *Image) At(x, y, c int) float32 {
	return im.Pix[(y*im.W+x)*3+c]
}

// Fill sets every pixel to the given color.
func (im *Image) Fill(rgb [3]float32) {
	for i := 0; i < len(im.Pix); i += 3 {
		im.Pix[i] = rgb[0]
		im.Pix[i+1] = rgb[1]
		im.Pix[i+2] = rgb[2]
	}
}

// Input bundles the activated per-gaussian attributes of one render call.
// Colors must already include any appearance residual.
type Input struct {
	Means     []float32 // n*3 world positions
	Colors    []float32 // n*3 in [0,1]
	Opacities []float32 // n, sigmoid-activated
	Scales    []float32 // n*3, exp-activated
	Rotations []vecmath.Quat

	ScalingModifier float32
	Background      [3]float32
}

// Len returns the gaussian count, or an error when the arrays disagree.
func (in *Input) Len() (int, error) {
	n := len(in.Opacities)
	if len(in.Means) != n*3 || len(in.Colors) != n*3 ||
		len(in.Scales) != n*3 || len(in.Rotations) != n {
		return 0, ErrInputMismatch
	}
	return n, nil
}

// Output carries the rendered image plus the per-gaussian statistics the
// density controller consumes.
type Output struct {
	Image      *Image
	Visibility []bool    // n, survived depth and frustum culling
	Radii      []float32 // n, screen-space radius in pixels, 0 when invisible
	Means2D    []float32 // n*2 pixel-space centers, zero rows when invisible
}

// Gradients holds the compositing derivatives with respect to the inputs.
// Means2D gradients are the viewspace handle density control accumulates.
type Gradients struct {
	Colors    []float32 // n*3
	Opacities []float32 // n
	Means2D   []float32 // n*2
}

// Rasterizer renders a gaussian set from one view and differentiates the
// result. Backward must follow the Forward whose state it reuses. Cull is the
// projection pass alone, used to decide visibility before colors are final.
type Rasterizer interface {
	Cull(cam *camera.Camera, in *Input) ([]bool, error)
	Forward(cam *camera.Camera, in *Input) (*Output, error)
	Backward(dImage []float32) (*Gradients, error)
}
