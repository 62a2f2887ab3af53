// Package loss scores a rendered image against its ground truth with the
// weighted combination of mean absolute error and structural similarity, and
// produces the gradient the render step backpropagates.
package loss

import (
	"errors"

	"github.com/chewxy/math32"
)

var ErrSizeMismatch = errors.New("loss: image buffers have mismatched sizes")

const (
	windowSize  = 11
	windowSigma = 1.5

	// Stability constants for a [0,1] dynamic range.
	ssimC1 = 0.01 * 0.01
	ssimC2 = 0.03 * 0.03
)

// ApplyMask overwrites masked ground-truth pixels with the rendered value so
// neither loss term can pull on them. mask is per pixel, true means ignored.
func ApplyMask(gt, render []float32, mask []bool) {
	if mask == nil {
		return
	}
	for p, m := range mask {
		if m {
			gt[p*3] = render[p*3]
			gt[p*3+1] = render[p*3+1]
			gt[p*3+2] = render[p*3+2]
		}
	}
}

// L1 returns the mean absolute error and its gradient with respect to the
// render.
func L1(render, gt []float32) (float32, []float32, error) {
	if len(render) != len(gt) {
		return 0, nil, ErrSizeMismatch
	}
	grad := make([]float32, len(render))
	inv := 1 / float32(len(render))

	var sum float32
	for i := range render {
		switch d := render[i] - gt[i]; {
		case d > 0:
			sum += d
			grad[i] = inv
		case d < 0:
			sum -= d
			grad[i] = -inv
		}
	}
	return sum * inv, grad, nil
}

// Combined returns (1-lambda)*L1 + lambda*(1-SSIM) and its gradient.
func Combined(render, gt []float32, w, h int, lambda float32) (float32, []float32, error) {
	if len(render) != w*h*3 || len(gt) != w*h*3 {
		return 0, nil, ErrSizeMismatch
	}

	l1, dL1, err := L1(render, gt)
	if err != nil {
		return 0, nil, err
	}
	ssim, dSSIM := SSIM(render, gt, w, h)

	value := (1-lambda)*l1 + lambda*(1-ssim)
	grad := make([]float32, len(render))
	for i := range grad {
		grad[i] = (1-lambda)*dL1[i] - lambda*dSSIM[i]
	}
	return value, grad, nil
}

// SSIM computes the mean structural similarity over an 11x11 gaussian window
// and the analytic gradient with respect to the render. Convolutions are
// zero-padded, matching a padded same-size conv2d.
func SSIM(render, gt []float32, w, h int) (float32, []float32) {
	kernel := gaussianKernel()
	grad := make([]float32, len(render))
	var total float64

	// Channel planes are processed independently and averaged.
	x := make([]float32, w*h)
	y := make([]float32, w*h)
	for c := 0; c < 3; c++ {
		for p := 0; p < w*h; p++ {
			x[p] = render[p*3+c]
			y[p] = gt[p*3+c]
		}
		total += float64(ssimPlane(x, y, w, h, kernel, grad, c))
	}
	mean := float32(total / 3)

	return mean, grad
}

// ssimPlane accumulates the per-channel gradient into grad (stride 3 at
// offset c) and returns the channel's mean similarity.
func ssimPlane(x, y []float32, w, h int, kernel []float32, grad []float32, c int) float32 {
	n := w * h

	xx := make([]float32, n)
	yy := make([]float32, n)
	xy := make([]float32, n)
	for p := 0; p < n; p++ {
		xx[p] = x[p] * x[p]
		yy[p] = y[p] * y[p]
		xy[p] = x[p] * y[p]
	}

	ux := blur(x, w, h, kernel)
	uy := blur(y, w, h, kernel)
	vx := blur(xx, w, h, kernel)
	vy := blur(yy, w, h, kernel)
	vxy := blur(xy, w, h, kernel)

	// Adjoint maps: dS/d(ux), dS/d(vx), dS/d(vxy) per pixel, later blurred
	// back onto the image. The contribution through uy/vy/vyy stays with the
	// ground truth and is not needed.
	mapU := make([]float32, n)
	mapV := make([]float32, n)
	mapVXY := make([]float32, n)

	inv := 1 / float32(n)
	var sum float32
	for p := 0; p < n; p++ {
		mx, my := ux[p], uy[p]
		sx := vx[p] - mx*mx
		sy := vy[p] - my*my
		sxy := vxy[p] - mx*my

		a1 := 2*mx*my + ssimC1
		a2 := 2*sxy + ssimC2
		b1 := mx*mx + my*my + ssimC1
		b2 := sx + sy + ssimC2

		s := (a1 * a2) / (b1 * b2)
		sum += s

		dSdSx := -s / b2
		dSdSxy := 2 * a1 / (b1 * b2)
		dSdMx := 2*my*a2/(b1*b2) - 2*mx*s/b1

		mapU[p] = inv * (dSdMx - 2*mx*dSdSx - my*dSdSxy)
		mapV[p] = inv * dSdSx
		mapVXY[p] = inv * dSdSxy
	}

	gU := blur(mapU, w, h, kernel)
	gV := blur(mapV, w, h, kernel)
	gXY := blur(mapVXY, w, h, kernel)
	for p := 0; p < n; p++ {
		grad[p*3+c] += (gU[p] + 2*x[p]*gV[p] + y[p]*gXY[p]) / 3
	}

	return sum * inv
}

// blur applies the separable gaussian window with zero padding.
func blur(src []float32, w, h int, kernel []float32) []float32 {
	half := len(kernel) / 2
	tmp := make([]float32, len(src))
	out := make([]float32, len(src))

	for yy := 0; yy < h; yy++ {
		row := src[yy*w : (yy+1)*w]
		dst := tmp[yy*w : (yy+1)*w]
		for xx := 0; xx < w; xx++ {
			var s float32
			for k, kv := range kernel {
				sx := xx + k - half
				if sx >= 0 && sx < w {
					s += kv * row[sx]
				}
			}
			dst[xx] = s
		}
	}
	for yy := 0; yy < h; yy++ {
		for xx := 0; xx < w; xx++ {
			var s float32
			for k, kv := range kernel {
				sy := yy + k - half
				if sy >= 0 && sy < h {
					s += kv * tmp[sy*w+xx]
				}
			}
			out[yy*w+xx] = s
		}
	}
	return out
}

func gaussianKernel() []float32 {
	k := make([]float32, windowSize)
	var sum float32
	for i := range k {
		d := float32(i - windowSize/2)
		k[i] = math32.Exp(-d * d / (2 * windowSigma * windowSigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}
