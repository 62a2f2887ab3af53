// Package checkpoint persists and restores training state. Checkpoints follow
// the reference layout: <dir>/point_cloud/iteration_<step>/point_cloud.ply for
// the primitive set, with the appearance embedding table in a sidecar next to
// it. Appearance network weights follow training runs, not checkpoints; a
// restored model continues from the embedding and per-gaussian features.
package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/appearance"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/gaussian"
	"github.com/VisionTrekker/gaussian-splatting-lightning/pkg/ply"
)

const (
	pointCloudDir  = "point_cloud"
	splatFileName  = "point_cloud.ply"
	embedFileName  = "appearance_embedding.bin"
	iterationToken = "iteration_"
)

// Writer implements the trainer's save point contract, writing one checkpoint
// directory per requested step.
type Writer struct {
	dir string
	log *zap.Logger
}

// NewWriter creates a Writer rooted at dir. A nil logger disables logging.
func NewWriter(dir string, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{dir: dir, log: log}
}

// Save snapshots the model under iteration_<step>. The appearance sidecar is
// written only when the appearance model holds an embedding table.
func (w *Writer) Save(step int, m *gaussian.Model, app *appearance.Model) error {
	st, err := m.State()
	if err != nil {
		return err
	}

	base := filepath.Join(w.dir, pointCloudDir, iterationToken+strconv.Itoa(step))
	splatPath := filepath.Join(base, splatFileName)
	if err := ply.StoreSplats(splatPath, stateToSplats(st)); err != nil {
		return fmt.Errorf("checkpoint: store splats: %w", err)
	}

	if app != nil {
		if weights := app.EmbeddingWeights(); len(weights) > 0 {
			dims := app.Config().NAppearanceEmbeddingDims
			if err := ply.StoreEmbedding(filepath.Join(base, embedFileName), weights, dims); err != nil {
				return fmt.Errorf("checkpoint: store embedding: %w", err)
			}
		}
	}

	w.log.Info("checkpoint written",
		zap.Int("step", step),
		zap.Int("gaussians", len(st.OpacityLogits)),
		zap.String("path", splatPath))
	return nil
}

// Load restores the model (and, when the sidecar exists, the appearance
// embedding) from the checkpoint at step. step <= 0 selects the latest
// iteration present under dir.
func Load(dir string, step int, m *gaussian.Model, app *appearance.Model, rng *rand.Rand) error {
	if step <= 0 {
		latest, err := LatestStep(dir)
		if err != nil {
			return err
		}
		step = latest
	}
	base := filepath.Join(dir, pointCloudDir, iterationToken+strconv.Itoa(step))

	sc, err := ply.FetchSplats(filepath.Join(base, splatFileName))
	if err != nil {
		return fmt.Errorf("checkpoint: fetch splats: %w", err)
	}
	if err := m.CreateFromState(splatsToState(sc)); err != nil {
		return err
	}

	if app == nil {
		return nil
	}
	embedPath := filepath.Join(base, embedFileName)
	weights, _, err := ply.FetchEmbedding(embedPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checkpoint: fetch embedding: %w", err)
	}
	return app.RestoreEmbedding(weights, rng)
}

// LatestStep scans dir for iteration directories and returns the highest step.
func LatestStep(dir string) (int, error) {
	entries, err := os.ReadDir(filepath.Join(dir, pointCloudDir))
	if err != nil {
		return 0, fmt.Errorf("checkpoint: %w", err)
	}
	var steps []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), iterationToken) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), iterationToken))
		if err != nil {
			continue
		}
		steps = append(steps, n)
	}
	if len(steps) == 0 {
		return 0, fmt.Errorf("checkpoint: no iteration directories under %s", dir)
	}
	sort.Ints(steps)
	return steps[len(steps)-1], nil
}

// stateToSplats converts to the on-disk layout. The internal rest tensor is
// coefficient-major (coeff varies slowest within a channel triple), the PLY
// layout is channel-major.
func stateToSplats(st *gaussian.State) *ply.SplatCloud {
	n := len(st.OpacityLogits)
	rest := 0
	if n > 0 {
		rest = len(st.SHsRest) / (n * 3)
	}
	frest := make([]float32, len(st.SHsRest))
	for i := 0; i < n; i++ {
		for k := 0; k < rest; k++ {
			for c := 0; c < 3; c++ {
				frest[i*3*rest+c*rest+k] = st.SHsRest[(i*rest+k)*3+c]
			}
		}
	}
	return &ply.SplatCloud{
		XYZ:      st.XYZ,
		FDC:      st.SHsDC,
		FRest:    frest,
		Opacity:  st.OpacityLogits,
		Scale:    st.Scales,
		Rotation: st.Rotations,
		Features: st.Features,
	}
}

func splatsToState(sc *ply.SplatCloud) *gaussian.State {
	n := sc.Len()
	rest := 0
	if n > 0 {
		rest = len(sc.FRest) / (n * 3)
	}
	srest := make([]float32, len(sc.FRest))
	for i := 0; i < n; i++ {
		for k := 0; k < rest; k++ {
			for c := 0; c < 3; c++ {
				srest[(i*rest+k)*3+c] = sc.FRest[i*3*rest+c*rest+k]
			}
		}
	}
	// The spatial learning-rate scale is not part of the checkpoint; resumed
	// runs re-derive it from the dataset extent.
	return &gaussian.State{
		XYZ:            sc.XYZ,
		SHsDC:          sc.FDC,
		SHsRest:        srest,
		OpacityLogits:  sc.Opacity,
		Scales:         sc.Scale,
		Rotations:      sc.Rotation,
		Features:       sc.Features,
		SpatialLRScale: 1,
	}
}
