// Package camera builds per-image projection transforms from COLMAP-style
// poses and intrinsics.
package camera

import (
	"errors"
	"fmt"

	"github.com/VisionTrekker/gaussian-splatting-lightning/pkg/vecmath"
)

// Camera errors.
var (
	ErrDimensionMismatch      = errors.New("camera batch arrays have mismatched lengths")
	ErrUnsupportedCameraModel = errors.New("unsupported camera model: only pinhole and simple-pinhole are handled")
)

// Model identifies the intrinsics parameterization of a camera.
type Model int32

// Supported camera models.
const (
	ModelPinhole Model = iota
	ModelSimplePinhole
)

// String returns a human-readable model name.
func (m Model) String() string {
	switch m {
	case ModelPinhole:
		return "PINHOLE"
	case ModelSimplePinhole:
		return "SIMPLE_PINHOLE"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(m))
	}
}

// Supported reports whether projection math handles this model.
func (m Model) Supported() bool {
	return m == ModelPinhole || m == ModelSimplePinhole
}

// Near and far planes of the NDC projection. The rasterizer ignores far;
// near also serves as its depth cull threshold.
const (
	ZNear = 0.01
	ZFar  = 100.0
)

// Camera is a single posed image view extracted from a Cameras batch.
// The four matrices are derived from R/T/fx/fy/width/height at batch
// construction and are never mutated independently.
type Camera struct {
	R    [9]float32 // row-major world-to-camera rotation
	T    vecmath.Vec3
	Fx   float32
	Fy   float32
	FovX float32
	FovY float32
	Cx   float32
	Cy   float32

	Width  int32
	Height int32

	// AppearanceID indexes the appearance embedding table; NormalizedID is
	// the same identifier divided by the batch maximum.
	AppearanceID int32
	NormalizedID float32

	DistortionParams [6]float32
	CameraType       Model

	// WorldToCamera is stored transposed (row-vector convention), so points
	// transform as [p 1] * WorldToCamera. FullProjection is
	// WorldToCamera * Projection in that same convention.
	WorldToCamera  vecmath.Mat4
	Projection     vecmath.Mat4
	FullProjection vecmath.Mat4
	Center         vecmath.Vec3
}

// TanHalfFov returns the half field-of-view tangents used by the splatting
// projection.
func (c *Camera) TanHalfFov() (tanX, tanY float32) {
	return tan32(c.FovX / 2), tan32(c.FovY / 2)
}
