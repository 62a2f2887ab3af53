package splat

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/camera"
	"github.com/VisionTrekker/gaussian-splatting-lightning/pkg/vecmath"
)

func testCamera(t *testing.T, w, h int32) camera.Camera {
	t.Helper()
	cams, err := camera.NewCameras(camera.Params{
		R:            [][9]float32{{1, 0, 0, 0, 1, 0, 0, 0, 1}},
		T:            []vecmath.Vec3{{}},
		Fx:           []float32{100},
		Fy:           []float32{100},
		Cx:           []float32{float32(w) / 2},
		Cy:           []float32{float32(h) / 2},
		Width:        []int32{w},
		Height:       []int32{h},
		AppearanceID: []int32{0},
		CameraType:   []camera.Model{camera.ModelPinhole},
	})
	if err != nil {
		t.Fatal(err)
	}
	return cams.At(0)
}

func singleGaussian(z float32, color [3]float32, opacity float32) *Input {
	return &Input{
		Means:      []float32{0, 0, z},
		Colors:     []float32{color[0], color[1], color[2]},
		Opacities:  []float32{opacity},
		Scales:     []float32{0.05, 0.05, 0.05},
		Rotations:  []vecmath.Quat{vecmath.QuatIdentity()},
		Background: [3]float32{0, 0, 0},
	}
}

func TestEmptyInputRendersBackground(t *testing.T) {
	cam := testCamera(t, 8, 8)
	r := NewCPURasterizer()

	out, err := r.Forward(&cam, &Input{Background: [3]float32{0.25, 0.5, 0.75}})
	if err != nil {
		t.Fatal(err)
	}
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if out.Image.At(x, y, 1) != 0.5 {
				t.Fatalf("pixel (%d,%d) green: got %f, want 0.5", x, y, out.Image.At(x, y, 1))
			}
		}
	}
}

func TestInputMismatch(t *testing.T) {
	cam := testCamera(t, 8, 8)
	in := singleGaussian(2, [3]float32{1, 0, 0}, 0.9)
	in.Scales = in.Scales[:2]

	if _, err := NewCPURasterizer().Forward(&cam, in); !errors.Is(err, ErrInputMismatch) {
		t.Errorf("got %v, want ErrInputMismatch", err)
	}
}

func TestSingleGaussianCoversCenter(t *testing.T) {
	cam := testCamera(t, 64, 64)
	in := singleGaussian(2, [3]float32{1, 0, 0}, 0.9)

	out, err := NewCPURasterizer().Forward(&cam, in)
	if err != nil {
		t.Fatal(err)
	}

	if !out.Visibility[0] {
		t.Fatal("gaussian in front of the camera must be visible")
	}
	if out.Radii[0] <= 0 {
		t.Errorf("visible gaussian needs a positive radius, got %f", out.Radii[0])
	}
	if math.Abs(float64(out.Means2D[0]-31.5)) > 1 || math.Abs(float64(out.Means2D[1]-31.5)) > 1 {
		t.Errorf("screen center: got (%f, %f), want near (31.5, 31.5)", out.Means2D[0], out.Means2D[1])
	}

	center := out.Image.At(32, 32, 0)
	if center < 0.5 {
		t.Errorf("center pixel red: got %f, want > 0.5", center)
	}
	corner := out.Image.At(0, 0, 0)
	if corner != 0 {
		t.Errorf("corner pixel should stay background, got %f", corner)
	}
}

func TestBehindAndNearPlaneCulled(t *testing.T) {
	cam := testCamera(t, 16, 16)
	for _, z := range []float32{-2, 0.1} {
		out, err := NewCPURasterizer().Forward(&cam, singleGaussian(z, [3]float32{1, 0, 0}, 1))
		if err != nil {
			t.Fatal(err)
		}
		if out.Visibility[0] {
			t.Errorf("gaussian at z=%f must be culled", z)
		}
		if out.Radii[0] != 0 || out.Means2D[0] != 0 {
			t.Errorf("culled gaussian must keep zero statistics at z=%f", z)
		}
	}
}

func TestDepthOrderOcclusion(t *testing.T) {
	cam := testCamera(t, 64, 64)
	in := &Input{
		Means:     []float32{0, 0, 4, 0, 0, 2}, // far green listed first
		Colors:    []float32{0, 1, 0, 1, 0, 0},
		Opacities: []float32{0.95, 0.95},
		Scales:    []float32{0.05, 0.05, 0.05, 0.05, 0.05, 0.05},
		Rotations: []vecmath.Quat{vecmath.QuatIdentity(), vecmath.QuatIdentity()},
	}

	out, err := NewCPURasterizer().Forward(&cam, in)
	if err != nil {
		t.Fatal(err)
	}

	red := out.Image.At(32, 32, 0)
	green := out.Image.At(32, 32, 1)
	if red <= green {
		t.Errorf("near red gaussian must dominate: red %f, green %f", red, green)
	}
}

func TestBackwardBeforeForward(t *testing.T) {
	if _, err := NewCPURasterizer().Backward(make([]float32, 12)); !errors.Is(err, ErrNoForward) {
		t.Errorf("got %v, want ErrNoForward", err)
	}
}

func forwardLoss(t *testing.T, cam *camera.Camera, in *Input, weights []float32) float64 {
	t.Helper()
	out, err := NewCPURasterizer().Forward(cam, in)
	if err != nil {
		t.Fatal(err)
	}
	var l float64
	for i, w := range weights {
		l += float64(w) * float64(out.Image.Pix[i])
	}
	return l
}

func TestBackwardFiniteDifference(t *testing.T) {
	cam := testCamera(t, 16, 16)
	in := &Input{
		Means:     []float32{0.02, -0.01, 2, -0.05, 0.03, 2.5},
		Colors:    []float32{0.8, 0.2, 0.1, 0.1, 0.7, 0.4},
		Opacities: []float32{0.6, 0.5},
		Scales:    []float32{0.08, 0.06, 0.07, 0.05, 0.09, 0.06},
		Rotations: []vecmath.Quat{vecmath.QuatIdentity(), vecmath.QuatIdentity()},
	}

	rng := rand.New(rand.NewSource(11))
	weights := make([]float32, 16*16*3)
	for i := range weights {
		weights[i] = rng.Float32()
	}

	r := NewCPURasterizer()
	if _, err := r.Forward(&cam, in); err != nil {
		t.Fatal(err)
	}
	grads, err := r.Backward(weights)
	if err != nil {
		t.Fatal(err)
	}

	const eps = 1e-3
	check := func(name string, analytic float32, bump func(delta float32)) {
		bump(eps)
		plus := forwardLoss(t, &cam, in, weights)
		bump(-2 * eps)
		minus := forwardLoss(t, &cam, in, weights)
		bump(eps)

		numeric := (plus - minus) / (2 * eps)
		if math.Abs(numeric) < 1e-4 && math.Abs(float64(analytic)) < 1e-4 {
			return
		}
		if math.Abs(numeric-float64(analytic)) > 0.05*math.Max(1, math.Abs(numeric)) {
			t.Errorf("%s: analytic %f, numeric %f", name, analytic, numeric)
		}
	}

	for i := 0; i < 2; i++ {
		i := i
		for c := 0; c < 3; c++ {
			c := c
			check("color", grads.Colors[i*3+c], func(d float32) { in.Colors[i*3+c] += d })
		}
		check("opacity", grads.Opacities[i], func(d float32) { in.Opacities[i] += d })
	}
}

func TestBackwardMeanGradientPointsAtBrightSide(t *testing.T) {
	cam := testCamera(t, 16, 16)
	in := singleGaussian(2, [3]float32{1, 1, 1}, 0.8)

	r := NewCPURasterizer()
	if _, err := r.Forward(&cam, in); err != nil {
		t.Fatal(err)
	}

	// Reward only the right half of the image. Moving the gaussian toward
	// larger x raises the loss, so the x gradient must be positive.
	dImage := make([]float32, 16*16*3)
	for y := 0; y < 16; y++ {
		for x := 8; x < 16; x++ {
			for c := 0; c < 3; c++ {
				dImage[(y*16+x)*3+c] = 1
			}
		}
	}

	grads, err := r.Backward(dImage)
	if err != nil {
		t.Fatal(err)
	}
	if grads.Means2D[0] <= 0 {
		t.Errorf("x gradient should be positive, got %f", grads.Means2D[0])
	}
	if math.Abs(float64(grads.Means2D[1])) > float64(grads.Means2D[0]) {
		t.Errorf("y gradient should be small relative to x: got (%f, %f)", grads.Means2D[0], grads.Means2D[1])
	}
}
