// Package appearance implements the view- and appearance-conditioned color
// residual: a learned per-image-group embedding concatenated with per-gaussian
// features (and optionally an encoded view direction), fed through a small
// MLP that outputs an RGB residual.
package appearance

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"

	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/nn"
)

// Setup-contract errors.
var (
	ErrNotConfigured     = errors.New("appearance model: Configure must run before AllocateParameters")
	ErrAlreadyConfigured = errors.New("appearance model: Configure must run exactly once")
	ErrNotAllocated      = errors.New("appearance model: parameters not allocated")
)

// ModelConfig sizes the appearance model. NAppearances <= 0 means "derive
// from the training data"; Configure resolves it to maxSeenID+1.
type ModelConfig struct {
	NGaussianFeatureDims      int   `yaml:"n_gaussian_feature_dims"`
	NAppearances              int   `yaml:"n_appearances"`
	NAppearanceEmbeddingDims  int   `yaml:"n_appearance_embedding_dims"`
	IsViewDependent           bool  `yaml:"is_view_dependent"`
	NViewDirectionFrequencies int   `yaml:"n_view_direction_frequencies"`
	NNeurons                  int   `yaml:"n_neurons"`
	NLayers                   int   `yaml:"n_layers"`
	SkipLayers                []int `yaml:"skip_layers"`
	Normalize                 bool  `yaml:"normalize"`
}

// DefaultModelConfig mirrors the defaults the renderer ships with.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		NGaussianFeatureDims:      64,
		NAppearances:              -1,
		NAppearanceEmbeddingDims:  32,
		IsViewDependent:           false,
		NViewDirectionFrequencies: 4,
		NNeurons:                  64,
		NLayers:                   3,
	}
}

// OptimizationConfig holds the two learning-rate groups and their shared
// decay anchor.
type OptimizationConfig struct {
	EmbeddingLRInit float32 `yaml:"embedding_lr_init"`
	LRInit          float32 `yaml:"lr_init"`
	LRFinalFactor   float32 `yaml:"lr_final_factor"`
	Eps             float32 `yaml:"eps"`
	MaxSteps        int     `yaml:"max_steps"`
	WarmUp          int     `yaml:"warm_up"`
}

// DefaultOptimizationConfig mirrors the original optimization defaults.
func DefaultOptimizationConfig() OptimizationConfig {
	return OptimizationConfig{
		EmbeddingLRInit: 2e-3,
		LRInit:          1e-3,
		LRFinalFactor:   0.1,
		Eps:             1e-15,
		MaxSteps:        30_000,
		WarmUp:          4000,
	}
}

// Model is the appearance color model. It follows a two-phase setup:
// Configure(maxSeenID) exactly once, then AllocateParameters().
type Model struct {
	cfg ModelConfig

	configured bool
	allocated  bool

	embedding *nn.Embedding
	network   *nn.MLP
	encoding  *nn.PositionalEncoding

	// caches from the last Residual call, for Backward
	lastN            int
	lastID           int
	rawFeatures      []float32
	normFeatures     []float32
	normEmbedding    []float32
	featureNormInv   []float32
	embeddingNormInv float32
}

// New creates an unconfigured model.
func New(cfg ModelConfig) *Model {
	return &Model{cfg: cfg}
}

// Config returns the resolved configuration.
func (m *Model) Config() ModelConfig { return m.cfg }

// Configure resolves the appearance-table size from dataset statistics. It
// must be called exactly once, before AllocateParameters.
func (m *Model) Configure(maxSeenID int) error {
	if m.configured {
		return ErrAlreadyConfigured
	}
	if m.cfg.NAppearances <= 0 {
		m.cfg.NAppearances = maxSeenID + 1
	}
	m.configured = true
	return nil
}

// AllocateParameters builds the embedding table and network.
func (m *Model) AllocateParameters(rng *rand.Rand) error {
	if !m.configured {
		return ErrNotConfigured
	}
	m.embedding = nn.NewEmbedding(m.cfg.NAppearances, m.cfg.NAppearanceEmbeddingDims, rng)
	m.buildNetwork(rng)
	m.allocated = true
	return nil
}

// RestoreEmbedding installs a saved embedding table. The stored row count
// overrides the configured size, and the network is rebuilt to match.
func (m *Model) RestoreEmbedding(weights []float32, rng *rand.Rand) error {
	if len(weights)%m.cfg.NAppearanceEmbeddingDims != 0 {
		return fmt.Errorf("appearance model: %d stored weights do not divide into %d-dim rows",
			len(weights), m.cfg.NAppearanceEmbeddingDims)
	}
	m.embedding = nn.FromWeights(weights, m.cfg.NAppearanceEmbeddingDims)
	m.cfg.NAppearances = m.embedding.Rows
	m.configured = true
	if m.network == nil {
		m.buildNetwork(rng)
	}
	m.allocated = true
	return nil
}

func (m *Model) buildNetwork(rng *rand.Rand) {
	inDim := m.cfg.NGaussianFeatureDims + m.cfg.NAppearanceEmbeddingDims
	if m.cfg.IsViewDependent {
		m.encoding = nn.NewPositionalEncoding(3, m.cfg.NViewDirectionFrequencies)
		inDim += m.encoding.OutDim()
	}
	m.network = nn.NewMLP(inDim, 3, m.cfg.NLayers, m.cfg.NNeurons, m.cfg.SkipLayers, rng)
}

// NAppearances returns the resolved table size.
func (m *Model) NAppearances() int { return m.cfg.NAppearances }

// EmbeddingWeights exposes the raw table for checkpointing.
func (m *Model) EmbeddingWeights() []float32 {
	if m.embedding == nil {
		return nil
	}
	return m.embedding.W
}

// Residual evaluates the network for n gaussians. features is a row-major
// [n x NGaussianFeatureDims] matrix, viewDirs a [n x 3] matrix of normalized
// directions (ignored unless view-dependent). The output is in [0,1]; the
// render step maps it to the [-1,1] residual range.
func (m *Model) Residual(features []float32, appearanceID int, viewDirs []float32, n int) ([]float32, error) {
	if !m.allocated {
		return nil, ErrNotAllocated
	}
	if appearanceID < 0 || appearanceID >= m.cfg.NAppearances {
		return nil, fmt.Errorf("appearance model: id %d out of range [0,%d)", appearanceID, m.cfg.NAppearances)
	}

	fd := m.cfg.NGaussianFeatureDims
	ed := m.cfg.NAppearanceEmbeddingDims

	m.lastN = n
	m.lastID = appearanceID
	m.rawFeatures = features

	emb := m.embedding.Lookup(appearanceID)
	useFeatures := features
	useEmbedding := emb
	if m.cfg.Normalize {
		useFeatures = make([]float32, len(features))
		m.featureNormInv = make([]float32, n)
		for row := 0; row < n; row++ {
			m.featureNormInv[row] = normalizeRow(features[row*fd:(row+1)*fd], useFeatures[row*fd:(row+1)*fd])
		}
		useEmbedding = make([]float32, ed)
		m.embeddingNormInv = normalizeRow(emb, useEmbedding)
	}
	m.normFeatures = useFeatures
	m.normEmbedding = useEmbedding

	// Broadcast the embedding to every gaussian and concatenate.
	inDim := m.network.InDim
	input := make([]float32, n*inDim)
	var encoded []float32
	if m.cfg.IsViewDependent {
		encoded = m.encoding.Encode(viewDirs, n)
	}
	for row := 0; row < n; row++ {
		dst := input[row*inDim:]
		copy(dst, useFeatures[row*fd:(row+1)*fd])
		copy(dst[fd:], useEmbedding)
		if encoded != nil {
			copy(dst[fd+ed:], encoded[row*m.encoding.OutDim():(row+1)*m.encoding.OutDim()])
		}
	}

	return m.network.Forward(input, n), nil
}

// Backward routes dOut (gradient w.r.t. the [0,1] outputs of the last
// Residual call) into the network, the embedding row, and the per-gaussian
// feature gradient, which is returned.
func (m *Model) Backward(dOut []float32) []float32 {
	fd := m.cfg.NGaussianFeatureDims
	ed := m.cfg.NAppearanceEmbeddingDims
	n := m.lastN

	dInput := m.network.Backward(dOut)

	dFeatures := make([]float32, n*fd)
	dEmbedding := make([]float32, ed)
	inDim := m.network.InDim
	for row := 0; row < n; row++ {
		copy(dFeatures[row*fd:(row+1)*fd], dInput[row*inDim:row*inDim+fd])
		for k := 0; k < ed; k++ {
			dEmbedding[k] += dInput[row*inDim+fd+k]
		}
	}
	// View-direction channels carry no trainable upstream state.

	if m.cfg.Normalize {
		for row := 0; row < n; row++ {
			normalizeRowBackward(
				m.normFeatures[row*fd:(row+1)*fd],
				m.featureNormInv[row],
				dFeatures[row*fd:(row+1)*fd],
			)
		}
		normalizeRowBackward(m.normEmbedding, m.embeddingNormInv, dEmbedding)
	}

	m.embedding.AccumGrad(m.lastID, dEmbedding)
	return dFeatures
}

// normalizeRow writes x/||x|| into dst and returns 1/||x||.
func normalizeRow(x, dst []float32) float32 {
	var sq float32
	for _, v := range x {
		sq += v * v
	}
	norm := math32.Sqrt(sq)
	if norm == 0 {
		copy(dst, x)
		return 0
	}
	inv := 1 / norm
	for i, v := range x {
		dst[i] = v * inv
	}
	return inv
}

// normalizeRowBackward rewrites grad in place from d(x/||x||) to dx:
// dx = (g - xhat * <xhat, g>) / ||x||, where xhat is the normalized row.
func normalizeRowBackward(xhat []float32, invNorm float32, grad []float32) {
	if invNorm == 0 {
		return
	}
	var dot float32
	for i, g := range grad {
		dot += g * xhat[i]
	}
	for i := range grad {
		grad[i] = (grad[i] - xhat[i]*dot) * invNorm
	}
}
