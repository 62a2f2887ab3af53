package appearance

import "github.com/VisionTrekker/gaussian-splatting-lightning/internal/nn"

// Optimizers bundles the two independently scheduled optimizer groups of the
// appearance model: one for the embedding table, one for the network.
type Optimizers struct {
	Embedding *nn.Adam
	Network   *nn.Adam

	EmbeddingSchedule *nn.ExpDecay
	NetworkSchedule   *nn.ExpDecay
}

// TrainingSetup builds both optimizers and their warm-up-anchored decay
// schedules. The model must be allocated first.
func (m *Model) TrainingSetup(cfg OptimizationConfig) (*Optimizers, error) {
	if !m.allocated {
		return nil, ErrNotAllocated
	}

	embeddingSchedule, err := nn.NewExpDecay(cfg.EmbeddingLRInit, cfg.LRFinalFactor, cfg.WarmUp, cfg.MaxSteps)
	if err != nil {
		return nil, err
	}
	networkSchedule, err := nn.NewExpDecay(cfg.LRInit, cfg.LRFinalFactor, cfg.WarmUp, cfg.MaxSteps)
	if err != nil {
		return nil, err
	}

	embeddingGroup := nn.NewParamGroupWithGrads("embedding", cfg.EmbeddingLRInit, m.embedding.W, m.embedding.G)
	opts := &Optimizers{
		Embedding:         nn.NewAdam(cfg.Eps, embeddingGroup),
		Network:           nn.NewAdam(cfg.Eps, m.network.ParamGroups("embedding_network", cfg.LRInit)...),
		EmbeddingSchedule: embeddingSchedule,
		NetworkSchedule:   networkSchedule,
	}
	return opts, nil
}

// ZeroGrad clears gradients on both optimizers.
func (o *Optimizers) ZeroGrad() {
	o.Embedding.ZeroGrad()
	o.Network.ZeroGrad()
}

// Step advances both optimizers.
func (o *Optimizers) Step() {
	o.Embedding.Step()
	o.Network.Step()
}

// ScheduleStep applies both schedules for the given global step.
func (o *Optimizers) ScheduleStep(step int) {
	lr := o.EmbeddingSchedule.LR(step)
	for _, g := range o.Embedding.Groups() {
		g.LR = lr
	}
	lr = o.NetworkSchedule.LR(step)
	for _, g := range o.Network.Groups() {
		g.LR = lr
	}
}
