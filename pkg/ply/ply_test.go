package ply

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPointCloudRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.ply")
	pc := &PointCloud{
		Positions: []float32{1, 2, 3, -4, 5, -6},
		Colors:    []float32{1, 0.5, 0, 0, 0, 1},
	}
	if err := StorePointCloud(path, pc); err != nil {
		t.Fatal(err)
	}

	got, err := FetchPointCloud(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != 2 {
		t.Fatalf("got %d points, want 2", got.Len())
	}
	for i := range pc.Positions {
		if got.Positions[i] != pc.Positions[i] {
			t.Errorf("position[%d]: got %f, want %f", i, got.Positions[i], pc.Positions[i])
		}
	}
	// Colors pass through a uchar, so allow one quantization step.
	for i := range pc.Colors {
		d := got.Colors[i] - pc.Colors[i]
		if d < 0 {
			d = -d
		}
		if d > 1.0/255 {
			t.Errorf("color[%d]: got %f, want about %f", i, got.Colors[i], pc.Colors[i])
		}
	}
}

func TestSplatRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "point_cloud.ply")
	sc := &SplatCloud{
		XYZ:      []float32{0.1, 0.2, 0.3},
		FDC:      []float32{1.5, -0.5, 0.25},
		FRest:    make([]float32, 45),
		Opacity:  []float32{-2.2},
		Scale:    []float32{-3, -3.5, -4},
		Rotation: []float32{1, 0, 0, 0},
		Features: []float32{0.5, -0.5, 0.25, 0},
	}
	sc.FRest[0] = 0.75
	sc.FRest[44] = -0.125

	if err := StoreSplats(path, sc); err != nil {
		t.Fatal(err)
	}
	got, err := FetchSplats(path)
	if err != nil {
		t.Fatal(err)
	}

	if got.Len() != 1 {
		t.Fatalf("got %d splats, want 1", got.Len())
	}
	if got.FRest[0] != 0.75 || got.FRest[44] != -0.125 {
		t.Errorf("f_rest: got %f and %f", got.FRest[0], got.FRest[44])
	}
	if got.Opacity[0] != -2.2 {
		t.Errorf("opacity: got %f, want -2.2", got.Opacity[0])
	}
	if len(got.Features) != 4 || got.Features[1] != -0.5 {
		t.Errorf("features: got %v", got.Features)
	}
	if got.Rotation[0] != 1 {
		t.Errorf("rotation w: got %f, want 1", got.Rotation[0])
	}
}

func TestSplatWithoutFeatures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.ply")
	sc := &SplatCloud{
		XYZ:      []float32{0, 0, 0},
		FDC:      []float32{0, 0, 0},
		FRest:    make([]float32, 45),
		Opacity:  []float32{0},
		Scale:    []float32{0, 0, 0},
		Rotation: []float32{1, 0, 0, 0},
	}
	if err := StoreSplats(path, sc); err != nil {
		t.Fatal(err)
	}
	got, err := FetchSplats(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Features) != 0 {
		t.Errorf("expected no appearance features, got %d", len(got.Features))
	}
}

func TestFetchRejectsBadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ply")
	if err := os.WriteFile(path, []byte("not a ply\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := FetchPointCloud(path); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("got %v, want ErrInvalidHeader", err)
	}
}

func TestFetchRejectsTruncatedBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunc.ply")
	pc := &PointCloud{Positions: []float32{1, 2, 3}, Colors: []float32{1, 1, 1}}
	if err := StorePointCloud(path, pc); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data[:len(data)-4], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := FetchPointCloud(path); !errors.Is(err, ErrTruncatedData) {
		t.Errorf("got %v, want ErrTruncatedData", err)
	}
}

func TestAtomicWriteLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.ply")
	pc := &PointCloud{Positions: []float32{0, 0, 0}, Colors: []float32{0, 0, 0}}
	if err := StorePointCloud(path, pc); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file must be renamed away")
	}
}

func TestEmbeddingRoundTripRowCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embedding.bin")
	weights := []float32{1, 2, 3, 4, 5, 6, 7, 8}

	if err := StoreEmbedding(path, weights, 2); err != nil {
		t.Fatal(err)
	}
	got, dims, err := FetchEmbedding(path)
	if err != nil {
		t.Fatal(err)
	}
	if dims != 2 || len(got)/dims != 4 {
		t.Fatalf("got %d rows of %d dims, want 4 of 2", len(got)/dims, dims)
	}
	for i := range weights {
		if got[i] != weights[i] {
			t.Errorf("weight[%d]: got %f, want %f", i, got[i], weights[i])
		}
	}
}

func TestEmbeddingRejectsBadInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embedding.bin")
	if err := StoreEmbedding(path, []float32{1, 2, 3}, 2); !errors.Is(err, ErrCorruptEmbedding) {
		t.Errorf("got %v, want ErrCorruptEmbedding", err)
	}

	if err := os.WriteFile(path, []byte("XXXXXXXXYYYYYYYY"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := FetchEmbedding(path); !errors.Is(err, ErrInvalidEmbeddingMagic) {
		t.Errorf("got %v, want ErrInvalidEmbeddingMagic", err)
	}
}
