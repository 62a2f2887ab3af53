// Package nn implements the small training substrate used by the gaussian
// and appearance models: flat float32 parameter tensors with explicit
// forward/backward passes, Adam with named parameter groups, and the
// learning-rate schedules.
package nn

import "github.com/chewxy/math32"

// ParamGroup is one named parameter tensor with its gradient and Adam state.
// Params, Grads and the moment buffers always have identical lengths.
type ParamGroup struct {
	Name   string
	LR     float32
	Params []float32
	Grads  []float32

	m []float32
	v []float32
}

// NewParamGroup wraps an existing parameter slice. The group aliases params,
// so optimizer steps mutate the caller's storage in place.
func NewParamGroup(name string, lr float32, params []float32) *ParamGroup {
	return &ParamGroup{
		Name:   name,
		LR:     lr,
		Params: params,
		Grads:  make([]float32, len(params)),
		m:      make([]float32, len(params)),
		v:      make([]float32, len(params)),
	}
}

// NewParamGroupWithGrads wraps parameter and gradient slices owned by a
// layer, so the layer's backward pass and the optimizer share storage.
func NewParamGroupWithGrads(name string, lr float32, params, grads []float32) *ParamGroup {
	return &ParamGroup{
		Name:   name,
		LR:     lr,
		Params: params,
		Grads:  grads,
		m:      make([]float32, len(params)),
		v:      make([]float32, len(params)),
	}
}

// ZeroGrad clears the gradient buffer.
func (g *ParamGroup) ZeroGrad() {
	clear(g.Grads)
}

// ZeroState clears the Adam moment buffers, as done when a parameter tensor
// is replaced wholesale (opacity reset).
func (g *ParamGroup) ZeroState() {
	clear(g.m)
	clear(g.v)
}

// Prune keeps only the rows selected by keep. stride is the number of floats
// per row. Optimizer state for surviving rows is preserved.
func (g *ParamGroup) Prune(keep []bool, stride int) {
	out := 0
	for row, k := range keep {
		if !k {
			continue
		}
		copy(g.Params[out*stride:(out+1)*stride], g.Params[row*stride:(row+1)*stride])
		copy(g.Grads[out*stride:(out+1)*stride], g.Grads[row*stride:(row+1)*stride])
		copy(g.m[out*stride:(out+1)*stride], g.m[row*stride:(row+1)*stride])
		copy(g.v[out*stride:(out+1)*stride], g.v[row*stride:(row+1)*stride])
		out++
	}
	n := out * stride
	g.Params = g.Params[:n]
	g.Grads = g.Grads[:n]
	g.m = g.m[:n]
	g.v = g.v[:n]
}

// Append extends the group with new parameter rows. New rows start with zero
// gradient and zero optimizer state.
func (g *ParamGroup) Append(values []float32) {
	g.Params = append(g.Params, values...)
	g.Grads = append(g.Grads, make([]float32, len(values))...)
	g.m = append(g.m, make([]float32, len(values))...)
	g.v = append(g.v, make([]float32, len(values))...)
}

// Adam is a first-order optimizer over a fixed set of named groups.
type Adam struct {
	Beta1 float32
	Beta2 float32
	Eps   float32

	groups []*ParamGroup
	t      int
}

// NewAdam creates an optimizer with the usual beta defaults.
func NewAdam(eps float32, groups ...*ParamGroup) *Adam {
	return &Adam{
		Beta1:  0.9,
		Beta2:  0.999,
		Eps:    eps,
		groups: groups,
	}
}

// Group returns the named group, or nil when absent.
func (a *Adam) Group(name string) *ParamGroup {
	for _, g := range a.groups {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// Groups returns all parameter groups in registration order.
func (a *Adam) Groups() []*ParamGroup { return a.groups }

// ZeroGrad clears every group's gradients.
func (a *Adam) ZeroGrad() {
	for _, g := range a.groups {
		g.ZeroGrad()
	}
}

// Step applies one bias-corrected Adam update to every group.
func (a *Adam) Step() {
	a.t++
	bc1 := 1 - math32.Pow(a.Beta1, float32(a.t))
	bc2 := 1 - math32.Pow(a.Beta2, float32(a.t))

	for _, g := range a.groups {
		for i, grad := range g.Grads {
			g.m[i] = a.Beta1*g.m[i] + (1-a.Beta1)*grad
			g.v[i] = a.Beta2*g.v[i] + (1-a.Beta2)*grad*grad
			mHat := g.m[i] / bc1
			vHat := g.v[i] / bc2
			g.Params[i] -= g.LR * mHat / (math32.Sqrt(vHat) + a.Eps)
		}
	}
}
