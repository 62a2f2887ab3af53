package splat

import (
	"sort"

	"github.com/chewxy/math32"

	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/camera"
)

const (
	// Fragments closer than this camera-space depth are culled.
	depthCull = 0.2

	// Low-pass dilation added to both diagonal terms of the projected
	// covariance, matching the EWA splatting antialias term.
	covDilation = 0.3

	alphaCap         = 0.99
	minAlpha         = 1.0 / 255.0
	minTransmittance = 1e-4
)

// projected is one gaussian after culling and screen projection.
type projected struct {
	index   int
	x, y    float32    // pixel-space center
	conic   [3]float32 // upper triangle of the inverse 2D covariance
	depth   float32
	radius  float32
	color   [3]float32
	opacity float32
}

// CPURasterizer is the reference compositing kernel. It keeps the projected
// state of the last Forward so Backward can replay the blend per pixel.
type CPURasterizer struct {
	n          int
	w, h       int
	background [3]float32
	order      []projected
}

// NewCPURasterizer returns an empty kernel ready for Forward.
func NewCPURasterizer() *CPURasterizer {
	return &CPURasterizer{}
}

// Forward projects every gaussian, culls, depth-sorts and composites.
func (r *CPURasterizer) Forward(cam *camera.Camera, in *Input) (*Output, error) {
	out, err := r.project(cam, in)
	if err != nil {
		return nil, err
	}

	out.Image = NewImage(r.w, r.h)
	for y := 0; y < r.h; y++ {
		for x := 0; x < r.w; x++ {
			r.blendPixel(x, y, out.Image)
		}
	}
	return out, nil
}

// Cull runs projection and culling without compositing. Colors in the input
// are carried into the projection state but no image is produced.
func (r *CPURasterizer) Cull(cam *camera.Camera, in *Input) ([]bool, error) {
	out, err := r.project(cam, in)
	if err != nil {
		return nil, err
	}
	return out.Visibility, nil
}

func (r *CPURasterizer) project(cam *camera.Camera, in *Input) (*Output, error) {
	n, err := in.Len()
	if err != nil {
		return nil, err
	}

	w, h := int(cam.Width), int(cam.Height)
	out := &Output{
		Visibility: make([]bool, n),
		Radii:      make([]float32, n),
		Means2D:    make([]float32, n*2),
	}

	tanX, tanY := cam.TanHalfFov()
	r.order = r.order[:0]

	for i := 0; i < n; i++ {
		p := [4]float32{in.Means[i*3], in.Means[i*3+1], in.Means[i*3+2], 1}

		view := cam.WorldToCamera.RowVec4Mul(p)
		if view[2] <= depthCull {
			continue
		}

		hom := cam.FullProjection.RowVec4Mul(p)
		invW := 1 / (hom[3] + 1e-7)
		px := ndc2Pix(hom[0]*invW, w)
		py := ndc2Pix(hom[1]*invW, h)

		cov := projectCovariance(cam, view, in, i, tanX, tanY)
		det := cov[0]*cov[2] - cov[1]*cov[1]
		if det == 0 {
			continue
		}
		invDet := 1 / det
		conic := [3]float32{cov[2] * invDet, -cov[1] * invDet, cov[0] * invDet}

		mid := 0.5 * (cov[0] + cov[2])
		lambda := mid + math32.Sqrt(max32(0.1, mid*mid-det))
		radius := math32.Ceil(3 * math32.Sqrt(lambda))
		if radius <= 0 {
			continue
		}
		if px+radius < 0 || px-radius > float32(w-1) ||
			py+radius < 0 || py-radius > float32(h-1) {
			continue
		}

		out.Visibility[i] = true
		out.Radii[i] = radius
		out.Means2D[i*2] = px
		out.Means2D[i*2+1] = py

		r.order = append(r.order, projected{
			index:   i,
			x:       px,
			y:       py,
			conic:   conic,
			depth:   view[2],
			radius:  radius,
			color:   [3]float32{in.Colors[i*3], in.Colors[i*3+1], in.Colors[i*3+2]},
			opacity: in.Opacities[i],
		})
	}

	sort.Slice(r.order, func(a, b int) bool { return r.order[a].depth < r.order[b].depth })

	r.n = n
	r.w, r.h = w, h
	r.background = in.Background
	return out, nil
}

func (r *CPURasterizer) blendPixel(x, y int, im *Image) {
	var acc [3]float32
	transmit := float32(1)

	for k := range r.order {
		g := &r.order[k]
		alpha, _ := r.sample(g, x, y)
		if alpha < minAlpha {
			continue
		}
		for c := 0; c < 3; c++ {
			acc[c] += g.color[c] * alpha * transmit
		}
		transmit *= 1 - alpha
		if transmit < minTransmittance {
			break
		}
	}

	base := (y*r.w + x) * 3
	for c := 0; c < 3; c++ {
		im.Pix[base+c] = acc[c] + transmit*r.background[c]
	}
}

// sample evaluates one gaussian's alpha at a pixel center, returning the
// unclamped gaussian falloff alongside so backward can undo the opacity
// product.
func (r *CPURasterizer) sample(g *projected, x, y int) (alpha, falloff float32) {
	dx := float32(x) - g.x
	dy := float32(y) - g.y
	if dx < -g.radius || dx > g.radius || dy < -g.radius || dy > g.radius {
		return 0, 0
	}
	power := -0.5*(g.conic[0]*dx*dx+g.conic[2]*dy*dy) - g.conic[1]*dx*dy
	if power > 0 {
		return 0, 0
	}
	falloff = math32.Exp(power)
	alpha = g.opacity * falloff
	if alpha > alphaCap {
		alpha = alphaCap
	}
	return alpha, falloff
}

// contribution records one gaussian's blend at one pixel during the backward
// replay.
type contribution struct {
	order    int // index into r.order
	alpha    float32
	falloff  float32
	transmit float32 // accumulated transmittance in front of this gaussian
}

// Backward replays the compositing of the last Forward and returns the
// gradients of the loss with respect to colors, opacities and screen means.
func (r *CPURasterizer) Backward(dImage []float32) (*Gradients, error) {
	if r.w == 0 || r.h == 0 {
		return nil, ErrNoForward
	}
	if len(dImage) != r.w*r.h*3 {
		return nil, ErrInputMismatch
	}

	grads := &Gradients{
		Colors:    make([]float32, r.n*3),
		Opacities: make([]float32, r.n),
		Means2D:   make([]float32, r.n*2),
	}

	var contribs []contribution
	for y := 0; y < r.h; y++ {
		for x := 0; x < r.w; x++ {
			contribs = contribs[:0]
			transmit := float32(1)

			for k := range r.order {
				alpha, falloff := r.sample(&r.order[k], x, y)
				if alpha < minAlpha {
					continue
				}
				contribs = append(contribs, contribution{
					order: k, alpha: alpha, falloff: falloff, transmit: transmit,
				})
				transmit *= 1 - alpha
				if transmit < minTransmittance {
					break
				}
			}

			base := (y*r.w + x) * 3
			dPix := [3]float32{dImage[base], dImage[base+1], dImage[base+2]}

			// Everything behind the current gaussian, including the
			// background showing through the final transmittance.
			behind := [3]float32{
				transmit * r.background[0],
				transmit * r.background[1],
				transmit * r.background[2],
			}

			for ci := len(contribs) - 1; ci >= 0; ci-- {
				cb := contribs[ci]
				g := &r.order[cb.order]
				i := g.index

				var dAlpha float32
				for c := 0; c < 3; c++ {
					grads.Colors[i*3+c] += cb.alpha * cb.transmit * dPix[c]
					dAlpha += (g.color[c]*cb.transmit - behind[c]/(1-cb.alpha)) * dPix[c]
				}

				grads.Opacities[i] += dAlpha * cb.falloff

				dFalloff := dAlpha * g.opacity * cb.falloff
				dx := float32(x) - g.x
				dy := float32(y) - g.y
				grads.Means2D[i*2] += dFalloff * (g.conic[0]*dx + g.conic[1]*dy)
				grads.Means2D[i*2+1] += dFalloff * (g.conic[2]*dy + g.conic[1]*dx)

				for c := 0; c < 3; c++ {
					behind[c] += g.color[c] * cb.alpha * cb.transmit
				}
			}
		}
	}
	return grads, nil
}

// projectCovariance builds the world covariance from scale and rotation and
// pushes it through the local affine approximation of the projection.
func projectCovariance(cam *camera.Camera, view [4]float32, in *Input, i int, tanX, tanY float32) [3]float32 {
	mod := in.ScalingModifier
	if mod == 0 {
		mod = 1
	}
	rot := in.Rotations[i].Normalize().RotationMatrix()

	// M = R * diag(s), world covariance is M * M^T.
	var m [9]float32
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			m[row*3+col] = rot[row*3+col] * in.Scales[i*3+col] * mod
		}
	}
	var sigma [9]float32
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			var s float32
			for k := 0; k < 3; k++ {
				s += m[row*3+k] * m[col*3+k]
			}
			sigma[row*3+col] = s
		}
	}

	// Clamp the view-space point to the frustum guard band before taking
	// the jacobian, as EWA splatting does.
	tz := view[2]
	tx := clamp32(view[0]/tz, -1.3*tanX, 1.3*tanX) * tz
	ty := clamp32(view[1]/tz, -1.3*tanY, 1.3*tanY) * tz

	j := [9]float32{
		cam.Fx / tz, 0, -cam.Fx * tx / (tz * tz),
		0, cam.Fy / tz, -cam.Fy * ty / (tz * tz),
		0, 0, 0,
	}

	// WorldToCamera is stored transposed, so the world-to-view rotation in
	// row-major order reads across its columns.
	var wr [9]float32
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			wr[row*3+col] = cam.WorldToCamera.At(col, row)
		}
	}

	t := mul3(j, wr)
	cov := mul3(mul3(t, sigma), transpose3(t))

	return [3]float32{cov[0] + covDilation, cov[1], cov[4] + covDilation}
}

func mul3(a, b [9]float32) [9]float32 {
	var out [9]float32
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			var s float32
			for k := 0; k < 3; k++ {
				s += a[row*3+k] * b[k*3+col]
			}
			out[row*3+col] = s
		}
	}
	return out
}

func transpose3(a [9]float32) [9]float32 {
	return [9]float32{
		a[0], a[3], a[6],
		a[1], a[4], a[7],
		a[2], a[5], a[8],
	}
}

func ndc2Pix(v float32, dim int) float32 {
	return ((v + 1) * float32(dim) * 0.5) - 0.5
}

func clamp32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
