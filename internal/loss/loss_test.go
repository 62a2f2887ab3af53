package loss

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func randomPair(w, h int, seed int64) (render, gt []float32) {
	rng := rand.New(rand.NewSource(seed))
	render = make([]float32, w*h*3)
	gt = make([]float32, w*h*3)
	for i := range render {
		render[i] = rng.Float32()
		// Keep a clear gap so the absolute-value kink stays away from the
		// finite-difference probes.
		off := 0.1 + 0.2*rng.Float32()
		if rng.Float32() < 0.5 {
			off = -off
		}
		gt[i] = render[i] + off
	}
	return render, gt
}

func TestL1Identical(t *testing.T) {
	img := []float32{0.1, 0.5, 0.9, 0.3}
	v, grad, err := L1(img, append([]float32(nil), img...))
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Errorf("identical images: got %f, want 0", v)
	}
	for i, g := range grad {
		if g != 0 {
			t.Errorf("grad[%d] should be 0 at equality, got %f", i, g)
		}
	}
}

func TestL1SizeMismatch(t *testing.T) {
	if _, _, err := L1(make([]float32, 4), make([]float32, 5)); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("got %v, want ErrSizeMismatch", err)
	}
}

func TestL1Value(t *testing.T) {
	v, grad, err := L1([]float32{1, 0}, []float32{0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if v != 0.5 {
		t.Errorf("got %f, want 0.5", v)
	}
	if grad[0] != 0.5 || grad[1] != 0 {
		t.Errorf("grad: got %v, want [0.5 0]", grad)
	}
}

func TestSSIMIdenticalIsOne(t *testing.T) {
	render, _ := randomPair(16, 16, 1)
	v, grad := SSIM(render, append([]float32(nil), render...), 16, 16)
	if math.Abs(float64(v)-1) > 1e-3 {
		t.Errorf("self similarity: got %f, want about 1", v)
	}
	for i, g := range grad {
		if math.Abs(float64(g)) > 1e-4 {
			t.Fatalf("self-similarity grad[%d] should be near 0, got %f", i, g)
		}
	}
}

func TestSSIMPenalizesNoise(t *testing.T) {
	render, gt := randomPair(16, 16, 2)
	v, _ := SSIM(render, gt, 16, 16)
	if v >= 0.99 {
		t.Errorf("noisy pair should score below 1, got %f", v)
	}
}

func TestCombinedGradientFiniteDifference(t *testing.T) {
	const w, h = 8, 8
	render, gt := randomPair(w, h, 3)

	analytic, grad, err := Combined(render, gt, w, h, 0.2)
	if err != nil {
		t.Fatal(err)
	}
	if analytic <= 0 {
		t.Fatalf("distinct images must have positive loss, got %f", analytic)
	}

	const eps = 1e-3
	rng := rand.New(rand.NewSource(4))
	for probe := 0; probe < 20; probe++ {
		i := rng.Intn(len(render))

		old := render[i]
		render[i] = old + eps
		plus, _, _ := Combined(render, gt, w, h, 0.2)
		render[i] = old - eps
		minus, _, _ := Combined(render, gt, w, h, 0.2)
		render[i] = old

		numeric := float64(plus-minus) / (2 * eps)
		if math.Abs(numeric-float64(grad[i])) > 0.1*math.Max(1e-3, math.Abs(numeric)) {
			t.Errorf("pixel %d: analytic %g, numeric %g", i, grad[i], numeric)
		}
	}
}

func TestApplyMaskZeroesContribution(t *testing.T) {
	const w, h = 8, 8
	render, gt := randomPair(w, h, 5)

	mask := make([]bool, w*h)
	for i := range mask {
		mask[i] = true
	}
	ApplyMask(gt, render, mask)

	v, grad, err := Combined(render, gt, w, h, 0.2)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(v)) > 1e-3 {
		t.Errorf("fully masked image: got loss %f, want about 0", v)
	}
	for i, g := range grad {
		if math.Abs(float64(g)) > 1e-4 {
			t.Fatalf("fully masked grad[%d] should vanish, got %f", i, g)
		}
	}
}

func TestApplyMaskPartial(t *testing.T) {
	render := []float32{0, 0, 0, 1, 1, 1}
	gt := []float32{1, 1, 1, 0, 0, 0}
	ApplyMask(gt, render, []bool{true, false})

	if gt[0] != 0 || gt[1] != 0 || gt[2] != 0 {
		t.Error("masked pixel must copy the render")
	}
	if gt[3] != 0 {
		t.Error("unmasked pixel must keep the ground truth")
	}
}
