package trainer

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/appearance"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/camera"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/gaussian"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/render"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/splat"
	"github.com/VisionTrekker/gaussian-splatting-lightning/pkg/vecmath"
)

const imgSize = 16

// circlingCameras returns n views rotated about the y axis, all placing the
// world origin at depth 3.
func circlingCameras(t *testing.T, n int) *camera.Cameras {
	t.Helper()
	p := camera.Params{}
	for i := 0; i < n; i++ {
		theta := 2 * math.Pi * float64(i) / float64(n)
		c, s := float32(math.Cos(theta)), float32(math.Sin(theta))
		p.R = append(p.R, [9]float32{c, 0, s, 0, 1, 0, -s, 0, c})
		p.T = append(p.T, vecmath.Vec3{Z: 3})
		p.Fx = append(p.Fx, 50)
		p.Fy = append(p.Fy, 50)
		p.Cx = append(p.Cx, imgSize/2)
		p.Cy = append(p.Cy, imgSize/2)
		p.Width = append(p.Width, imgSize)
		p.Height = append(p.Height, imgSize)
		p.AppearanceID = append(p.AppearanceID, int32(i))
		p.CameraType = append(p.CameraType, camera.ModelPinhole)
	}
	cams, err := camera.NewCameras(p)
	if err != nil {
		t.Fatal(err)
	}
	return cams
}

func testModel(t *testing.T, n int) *gaussian.Model {
	t.Helper()
	m := gaussian.NewModel(3, 4, rand.New(rand.NewSource(9)))
	positions := make([]float32, n*3)
	colors := make([]float32, n*3)
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < n; i++ {
		positions[i*3] = rng.Float32()*0.2 - 0.1
		positions[i*3+1] = rng.Float32()*0.2 - 0.1
		positions[i*3+2] = rng.Float32() * 0.2
		colors[i*3] = 0.7
		colors[i*3+1] = 0.4
		colors[i*3+2] = 0.3
	}
	if err := m.CreateFromPointCloud(positions, colors, 1); err != nil {
		t.Fatal(err)
	}
	if err := m.TrainingSetup(gaussian.DefaultOptimizationParams()); err != nil {
		t.Fatal(err)
	}
	return m
}

// cyclicSource replays its samples forever.
type cyclicSource struct {
	samples []*Sample
	i       int
}

func (s *cyclicSource) Next() (*Sample, error) {
	sample := s.samples[s.i%len(s.samples)]
	s.i++
	return sample, nil
}

func grayImage(v float32) []float32 {
	img := make([]float32, imgSize*imgSize*3)
	for i := range img {
		img[i] = v
	}
	return img
}

func newTestTrainer(t *testing.T, cfg Config, params gaussian.OptimizationParams, m *gaussian.Model, saver Saver) *Trainer {
	t.Helper()
	r := render.NewSHRenderer(splat.NewCPURasterizer())
	tr, err := New(cfg, params, m, r, nil, nil, saver, nil)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func trainSamples(t *testing.T, n int, gtValue float32) []*Sample {
	t.Helper()
	cams := circlingCameras(t, n)
	samples := make([]*Sample, n)
	for i := 0; i < n; i++ {
		samples[i] = &Sample{Camera: cams.At(i), Image: grayImage(gtValue)}
	}
	return samples
}

type recordingHook struct {
	before []int
	after  []int
	losses []float32
}

func (h *recordingHook) BeforeStep(step int) { h.before = append(h.before, step) }

func (h *recordingHook) AfterStep(step int, l float32) {
	h.after = append(h.after, step)
	h.losses = append(h.losses, l)
}

type recordingSaver struct {
	steps  []int
	logits [][]float32
}

func (s *recordingSaver) Save(step int, m *gaussian.Model, app *appearance.Model) error {
	s.steps = append(s.steps, step)
	s.logits = append(s.logits, append([]float32(nil), m.OpacityLogits()...))
	return nil
}

func TestStepCounterStartsAtOne(t *testing.T) {
	tr := newTestTrainer(t, DefaultConfig(), gaussian.DefaultOptimizationParams(), testModel(t, 3), nil)
	if tr.Step() != 1 {
		t.Fatalf("initial step: got %d, want 1", tr.Step())
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSteps = 0
	if _, err := New(cfg, gaussian.DefaultOptimizationParams(), testModel(t, 2), render.NewSHRenderer(splat.NewCPURasterizer()), nil, nil, nil, nil); err == nil {
		t.Error("max_steps 0 must be rejected")
	}
	cfg = DefaultConfig()
	cfg.SHIncreaseEvery = 0
	if _, err := New(cfg, gaussian.DefaultOptimizationParams(), testModel(t, 2), render.NewSHRenderer(splat.NewCPURasterizer()), nil, nil, nil, nil); err == nil {
		t.Error("sh_increase_every 0 must be rejected")
	}
}

func TestHooksBracketEveryStep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSteps = 3
	cfg.LogEvery = 0
	tr := newTestTrainer(t, cfg, gaussian.DefaultOptimizationParams(), testModel(t, 3), nil)

	hook := &recordingHook{}
	tr.AddHook(hook)

	src := &cyclicSource{samples: trainSamples(t, 2, 0.5)}
	if err := tr.Run(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	want := []int{1, 2, 3}
	for i, s := range want {
		if hook.before[i] != s || hook.after[i] != s {
			t.Fatalf("hook steps: before %v, after %v, want %v", hook.before, hook.after, want)
		}
	}
	for i, l := range hook.losses {
		if l <= 0 {
			t.Errorf("step %d: loss should be positive against a mismatched ground truth, got %f", i+1, l)
		}
	}
}

func TestRunHonorsCancellationBetweenSteps(t *testing.T) {
	tr := newTestTrainer(t, DefaultConfig(), gaussian.DefaultOptimizationParams(), testModel(t, 2), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := tr.Run(ctx, &cyclicSource{samples: trainSamples(t, 1, 0.5)}); err != context.Canceled {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if tr.Step() != 1 {
		t.Errorf("no step may run after cancellation, counter at %d", tr.Step())
	}
}

func TestSHDegreeEscalation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSteps = 4
	cfg.SHIncreaseEvery = 2
	m := testModel(t, 2)
	tr := newTestTrainer(t, cfg, gaussian.DefaultOptimizationParams(), m, nil)

	if err := tr.Run(context.Background(), &cyclicSource{samples: trainSamples(t, 1, 0.5)}); err != nil {
		t.Fatal(err)
	}
	if m.ActiveSHDegree() != 2 {
		t.Errorf("after steps 2 and 4: got degree %d, want 2", m.ActiveSHDegree())
	}
}

func TestSavePointCapturesPreStepState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSteps = 1
	cfg.SavePoints = []int{1}
	m := testModel(t, 2)
	before := append([]float32(nil), m.OpacityLogits()...)

	saver := &recordingSaver{}
	tr := newTestTrainer(t, cfg, gaussian.DefaultOptimizationParams(), m, saver)

	// Black ground truth against a visible gray render forces an opacity
	// gradient, so the post-step logits must differ from the snapshot.
	if err := tr.Run(context.Background(), &cyclicSource{samples: trainSamples(t, 1, 0)}); err != nil {
		t.Fatal(err)
	}

	if len(saver.steps) != 1 || saver.steps[0] != 1 {
		t.Fatalf("saver steps: got %v, want [1]", saver.steps)
	}
	for i := range before {
		if saver.logits[0][i] != before[i] {
			t.Fatal("checkpoint must capture the state that produced the loss")
		}
	}
	var moved bool
	for i := range before {
		if m.OpacityLogits()[i] != before[i] {
			moved = true
		}
	}
	if !moved {
		t.Error("optimizer should have moved the logits after the save")
	}
}

func TestDensityWindowGatesStatistics(t *testing.T) {
	params := gaussian.DefaultOptimizationParams()
	params.DensifyUntilIter = 1 // window already closed at step 1
	cfg := DefaultConfig()
	cfg.MaxSteps = 1
	m := testModel(t, 2)
	tr := newTestTrainer(t, cfg, params, m, nil)

	if err := tr.Run(context.Background(), &cyclicSource{samples: trainSamples(t, 1, 0)}); err != nil {
		t.Fatal(err)
	}
	for i, r := range m.MaxRadii2D() {
		if r != 0 {
			t.Errorf("radius stat %d accumulated outside the density window: %f", i, r)
		}
	}
}

func TestDensityStatsInsideWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSteps = 1
	m := testModel(t, 2)
	tr := newTestTrainer(t, cfg, gaussian.DefaultOptimizationParams(), m, nil)

	if err := tr.Run(context.Background(), &cyclicSource{samples: trainSamples(t, 1, 0)}); err != nil {
		t.Fatal(err)
	}
	var any bool
	for _, r := range m.MaxRadii2D() {
		if r > 0 {
			any = true
		}
	}
	if !any {
		t.Error("visible gaussians should record screen radii inside the density window")
	}
}

func TestWhiteBackgroundOpacityResetAtDensifyFrom(t *testing.T) {
	params := gaussian.DefaultOptimizationParams()
	params.DensifyFromIter = 3
	params.OpacityResetInterval = 1000

	cfg := DefaultConfig()
	cfg.MaxSteps = 3
	cfg.Background = [3]float32{1, 1, 1}

	// One gaussian with essentially zero opacity: it never composites, so
	// it receives no gradient and the reset value survives the optimizer
	// step untouched.
	m := gaussian.NewModel(3, 4, rand.New(rand.NewSource(9)))
	if err := m.CreateFromPointCloud([]float32{0, 0, 0, 0.5, 0, 0}, []float32{1, 0, 0, 0, 1, 0}, 1); err != nil {
		t.Fatal(err)
	}
	if err := m.TrainingSetup(params); err != nil {
		t.Fatal(err)
	}
	for i := range m.OpacityLogits() {
		m.OpacityLogits()[i] = -10
	}

	tr := newTestTrainer(t, cfg, params, m, nil)
	samples := trainSamples(t, 4, 1)
	if err := tr.Run(context.Background(), &cyclicSource{samples: samples}); err != nil {
		t.Fatal(err)
	}

	floor := gaussian.OpacityResetFloor()
	for i, o := range m.Opacities() {
		if math.Abs(float64(o-floor)) > 1e-7 {
			t.Errorf("opacity[%d] after the densify_from_iter reset: got %g, want %g", i, o, floor)
		}
	}
}

func TestGroundTruthSizeMismatch(t *testing.T) {
	tr := newTestTrainer(t, DefaultConfig(), gaussian.DefaultOptimizationParams(), testModel(t, 2), nil)
	cams := circlingCameras(t, 1)
	err := tr.TrainStep(&Sample{Camera: cams.At(0), Image: make([]float32, 7)})
	if err == nil {
		t.Fatal("mismatched ground truth must fail the step")
	}
}
