package appearance

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func testModel(t *testing.T, cfg ModelConfig, maxSeenID int) *Model {
	t.Helper()
	m := New(cfg)
	if err := m.Configure(maxSeenID); err != nil {
		t.Fatal(err)
	}
	if err := m.AllocateParameters(rand.New(rand.NewSource(3))); err != nil {
		t.Fatal(err)
	}
	return m
}

func smallConfig() ModelConfig {
	cfg := DefaultModelConfig()
	cfg.NGaussianFeatureDims = 8
	cfg.NAppearanceEmbeddingDims = 4
	cfg.NNeurons = 16
	cfg.NLayers = 2
	return cfg
}

func TestConfigureDerivesTableSize(t *testing.T) {
	m := testModel(t, smallConfig(), 6)
	if m.NAppearances() != 7 {
		t.Errorf("table size: got %d, want maxSeenID+1 = 7", m.NAppearances())
	}
}

func TestConfigureKeepsExplicitSize(t *testing.T) {
	cfg := smallConfig()
	cfg.NAppearances = 3
	m := testModel(t, cfg, 100)
	if m.NAppearances() != 3 {
		t.Errorf("explicit table size must win: got %d, want 3", m.NAppearances())
	}
}

func TestConfigureRunsExactlyOnce(t *testing.T) {
	m := New(smallConfig())
	if err := m.Configure(2); err != nil {
		t.Fatal(err)
	}
	if err := m.Configure(2); !errors.Is(err, ErrAlreadyConfigured) {
		t.Errorf("second Configure: got %v, want ErrAlreadyConfigured", err)
	}
}

func TestAllocateRequiresConfigure(t *testing.T) {
	m := New(smallConfig())
	err := m.AllocateParameters(rand.New(rand.NewSource(1)))
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("got %v, want ErrNotConfigured", err)
	}
}

func TestRestoreEmbeddingOverridesConfiguredSize(t *testing.T) {
	cfg := smallConfig()
	cfg.NAppearances = 3
	m := New(cfg)

	// 9 rows of 4 dims, as if loaded from a checkpoint.
	weights := make([]float32, 9*4)
	if err := m.RestoreEmbedding(weights, rand.New(rand.NewSource(1))); err != nil {
		t.Fatal(err)
	}
	if m.NAppearances() != 9 {
		t.Errorf("restored table size: got %d, want 9", m.NAppearances())
	}

	// The restored model must be usable immediately.
	features := make([]float32, 2*8)
	if _, err := m.Residual(features, 8, nil, 2); err != nil {
		t.Errorf("residual after restore: %v", err)
	}
}

func TestResidualRangeAndShape(t *testing.T) {
	m := testModel(t, smallConfig(), 4)

	n := 6
	rng := rand.New(rand.NewSource(9))
	features := make([]float32, n*8)
	for i := range features {
		features[i] = float32(rng.NormFloat64())
	}

	out, err := m.Residual(features, 2, nil, n)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != n*3 {
		t.Fatalf("output length: got %d, want %d", len(out), n*3)
	}
	for i, v := range out {
		if v < 0 || v > 1 {
			t.Errorf("output[%d] = %f outside [0,1]", i, v)
		}
	}
}

func TestResidualRejectsOutOfRangeID(t *testing.T) {
	m := testModel(t, smallConfig(), 4)
	features := make([]float32, 8)
	if _, err := m.Residual(features, 5, nil, 1); err == nil {
		t.Error("expected error for id past table size")
	}
}

func TestViewDependentChangesWithDirection(t *testing.T) {
	cfg := smallConfig()
	cfg.IsViewDependent = true
	m := testModel(t, cfg, 2)

	features := make([]float32, 8)
	for i := range features {
		features[i] = 0.3
	}

	a, err := m.Residual(features, 0, []float32{1, 0, 0}, 1)
	if err != nil {
		t.Fatal(err)
	}
	a0 := a[0]
	b, err := m.Residual(features, 0, []float32{0, 0, 1}, 1)
	if err != nil {
		t.Fatal(err)
	}

	if a0 == b[0] {
		t.Error("view-dependent model should react to the view direction")
	}
}

// TestBackwardFeatureGradient checks the returned per-gaussian feature
// gradient against a finite difference, with normalization enabled so the
// normalization backward is covered too.
func TestBackwardFeatureGradient(t *testing.T) {
	cfg := smallConfig()
	cfg.Normalize = true
	m := testModel(t, cfg, 2)

	n := 3
	rng := rand.New(rand.NewSource(11))
	features := make([]float32, n*8)
	for i := range features {
		features[i] = float32(rng.NormFloat64())
	}

	loss := func() float64 {
		out, err := m.Residual(features, 1, nil, n)
		if err != nil {
			t.Fatal(err)
		}
		var sum float64
		for _, v := range out {
			sum += float64(v)
		}
		return sum
	}

	out, err := m.Residual(features, 1, nil, n)
	if err != nil {
		t.Fatal(err)
	}
	dOut := make([]float32, len(out))
	for i := range dOut {
		dOut[i] = 1
	}
	dFeatures := m.Backward(dOut)

	const eps = 1e-3
	for _, idx := range []int{0, 5, 12, 20} {
		orig := features[idx]
		features[idx] = orig + eps
		up := loss()
		features[idx] = orig - eps
		down := loss()
		features[idx] = orig

		numeric := (up - down) / (2 * eps)
		if math.Abs(numeric-float64(dFeatures[idx])) > 2e-2 {
			t.Errorf("dFeatures[%d]: analytic %f, numeric %f", idx, dFeatures[idx], numeric)
		}
	}
}

func TestTrainingSetupSchedules(t *testing.T) {
	m := testModel(t, smallConfig(), 2)

	optCfg := DefaultOptimizationConfig()
	optCfg.MaxSteps = 100
	optCfg.WarmUp = 10
	opts, err := m.TrainingSetup(optCfg)
	if err != nil {
		t.Fatal(err)
	}

	opts.ScheduleStep(0)
	if got := opts.Embedding.Groups()[0].LR; got != optCfg.EmbeddingLRInit {
		t.Errorf("embedding lr at step 0: got %g, want %g", got, optCfg.EmbeddingLRInit)
	}

	opts.ScheduleStep(110)
	want := optCfg.EmbeddingLRInit * optCfg.LRFinalFactor
	got := opts.Embedding.Groups()[0].LR
	if math.Abs(float64(got-want)) > 1e-9 {
		t.Errorf("embedding lr fully decayed: got %g, want %g", got, want)
	}
	gotNet := opts.Network.Groups()[0].LR
	wantNet := optCfg.LRInit * optCfg.LRFinalFactor
	if math.Abs(float64(gotNet-wantNet)) > 1e-9 {
		t.Errorf("network lr fully decayed: got %g, want %g", gotNet, wantNet)
	}
}

func TestTrainingSetupRejectsBadMaxSteps(t *testing.T) {
	m := testModel(t, smallConfig(), 2)
	optCfg := DefaultOptimizationConfig()
	optCfg.MaxSteps = 0
	if _, err := m.TrainingSetup(optCfg); err == nil {
		t.Error("expected schedule validation error for max_steps = 0")
	}
}
