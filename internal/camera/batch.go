package camera

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/VisionTrekker/gaussian-splatting-lightning/pkg/vecmath"
)

func tan32(x float32) float32 { return math32.Tan(x) }

// Params carries the raw per-image inputs of a camera batch. All slices must
// have the same length; DistortionParams may be nil and defaults to zeros.
type Params struct {
	R                [][9]float32
	T                []vecmath.Vec3
	Fx               []float32
	Fy               []float32
	Cx               []float32
	Cy               []float32
	Width            []int32
	Height           []int32
	AppearanceID     []int32
	DistortionParams [][6]float32
	CameraType       []Model
}

// Cameras holds a batch of posed views as parallel arrays, with the derived
// transforms computed once at construction.
type Cameras struct {
	R            [][9]float32
	T            []vecmath.Vec3
	Fx           []float32
	Fy           []float32
	FovX         []float32
	FovY         []float32
	Cx           []float32
	Cy           []float32
	Width        []int32
	Height       []int32
	AppearanceID []int32
	NormalizedID []float32
	Distortion   [][6]float32
	CameraType   []Model

	WorldToCamera  []vecmath.Mat4
	Projection     []vecmath.Mat4
	FullProjection []vecmath.Mat4
	Center         []vecmath.Vec3
}

// NewCameras validates the raw parameters and derives all per-view
// transforms. Length validation happens before any matrix math.
func NewCameras(p Params) (*Cameras, error) {
	n := len(p.R)
	lengths := []int{
		len(p.T), len(p.Fx), len(p.Fy), len(p.Cx), len(p.Cy),
		len(p.Width), len(p.Height), len(p.AppearanceID), len(p.CameraType),
	}
	for _, l := range lengths {
		if l != n {
			return nil, fmt.Errorf("%w: %d views but a field has %d entries", ErrDimensionMismatch, n, l)
		}
	}
	if p.DistortionParams != nil && len(p.DistortionParams) != n {
		return nil, fmt.Errorf("%w: %d views but %d distortion rows", ErrDimensionMismatch, n, len(p.DistortionParams))
	}
	for i, m := range p.CameraType {
		if !m.Supported() {
			return nil, fmt.Errorf("%w: view %d has model %s", ErrUnsupportedCameraModel, i, m)
		}
	}

	c := &Cameras{
		R:            p.R,
		T:            p.T,
		Fx:           p.Fx,
		Fy:           p.Fy,
		Cx:           p.Cx,
		Cy:           p.Cy,
		Width:        p.Width,
		Height:       p.Height,
		AppearanceID: p.AppearanceID,
		Distortion:   p.DistortionParams,
		CameraType:   p.CameraType,

		FovX:           make([]float32, n),
		FovY:           make([]float32, n),
		NormalizedID:   make([]float32, n),
		WorldToCamera:  make([]vecmath.Mat4, n),
		Projection:     make([]vecmath.Mat4, n),
		FullProjection: make([]vecmath.Mat4, n),
		Center:         make([]vecmath.Vec3, n),
	}
	if c.Distortion == nil {
		c.Distortion = make([][6]float32, n)
	}

	c.calculateFov()
	c.calculateWorldToCamera()
	c.calculateNDCProjection()
	c.calculateCenters()
	c.normalizeAppearanceIDs()

	return c, nil
}

// Len returns the number of views in the batch.
func (c *Cameras) Len() int { return len(c.R) }

func (c *Cameras) calculateFov() {
	for i := range c.R {
		c.FovX[i] = 2 * math32.Atan((float32(c.Width[i])/2)/c.Fx[i])
		c.FovY[i] = 2 * math32.Atan((float32(c.Height[i])/2)/c.Fy[i])
	}
}

func (c *Cameras) calculateWorldToCamera() {
	// The pose matrix is stored transposed so downstream code multiplies
	// row vectors from the left. Dropping this transpose produces a
	// wrong-handedness transform that still has the right shape.
	for i := range c.R {
		c.WorldToCamera[i] = vecmath.FromRT(c.R[i], c.T[i]).Transpose()
	}
}

// calculateNDCProjection builds the off-axis OpenGL-style frustum.
// http://www.songho.ca/opengl/gl_projectionmatrix.html
func (c *Cameras) calculateNDCProjection() {
	for i := range c.R {
		tanHalfFovX := tan32(c.FovX[i] / 2)
		tanHalfFovY := tan32(c.FovY[i] / 2)

		top := tanHalfFovY * ZNear
		bottom := -top
		right := tanHalfFovX * ZNear
		left := -right

		var p vecmath.Mat4
		zSign := float32(1.0)

		p.Set(0, 0, 2.0*ZNear/(right-left))
		p.Set(1, 1, 2.0*ZNear/(top-bottom))
		// The principal point is not modeled, so right+left and top+bottom
		// are zero. Keep the full off-axis terms anyway.
		p.Set(0, 2, (right+left)/(right-left))
		p.Set(1, 2, (top+bottom)/(top-bottom))
		p.Set(3, 2, zSign)
		p.Set(2, 2, zSign*ZFar/(ZFar-ZNear))
		p.Set(2, 3, -(ZFar*ZNear)/(ZFar-ZNear))

		c.Projection[i] = p.Transpose()
		c.FullProjection[i] = c.WorldToCamera[i].Mul(c.Projection[i])
	}
}

func (c *Cameras) calculateCenters() {
	// WorldToCamera is already transposed, so the camera origin sits in the
	// translation row of its general inverse. Orthonormal shortcuts on the
	// untransposed pose do not apply here.
	for i := range c.R {
		inv := c.WorldToCamera[i].Inverse()
		c.Center[i] = vecmath.Vec3{X: inv.At(3, 0), Y: inv.At(3, 1), Z: inv.At(3, 2)}
	}
}

func (c *Cameras) normalizeAppearanceIDs() {
	var maxID int32
	for _, id := range c.AppearanceID {
		if id > maxID {
			maxID = id
		}
	}
	for i, id := range c.AppearanceID {
		if maxID > 0 {
			c.NormalizedID[i] = float32(id) / float32(maxID)
		}
	}
}

// At extracts a read-only single view. The returned Camera shares no mutable
// state with the batch beyond value copies.
func (c *Cameras) At(index int) Camera {
	return Camera{
		R:                c.R[index],
		T:                c.T[index],
		Fx:               c.Fx[index],
		Fy:               c.Fy[index],
		FovX:             c.FovX[index],
		FovY:             c.FovY[index],
		Cx:               c.Cx[index],
		Cy:               c.Cy[index],
		Width:            c.Width[index],
		Height:           c.Height[index],
		AppearanceID:     c.AppearanceID[index],
		NormalizedID:     c.NormalizedID[index],
		DistortionParams: c.Distortion[index],
		CameraType:       c.CameraType[index],
		WorldToCamera:    c.WorldToCamera[index],
		Projection:       c.Projection[index],
		FullProjection:   c.FullProjection[index],
		Center:           c.Center[index],
	}
}
