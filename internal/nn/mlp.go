package nn

import (
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"
)

// MLP is a feed-forward network with ReLU hidden layers, a sigmoid output
// and optional skip connections that re-concatenate the network input.
type MLP struct {
	InDim  int
	OutDim int

	hidden []*Linear
	out    *Linear
	skips  map[int]bool

	// caches from the last Forward
	input     []float32
	reluMasks [][]bool
	sigmoid   []float32
	n         int
}

// NewMLP builds a network with nLayers hidden layers of nNeurons each. A
// layer index in skips receives the original input concatenated to its
// hidden activation.
func NewMLP(inDim, outDim, nLayers, nNeurons int, skips []int, rng *rand.Rand) *MLP {
	m := &MLP{
		InDim:  inDim,
		OutDim: outDim,
		skips:  make(map[int]bool),
	}
	for _, s := range skips {
		if s > 0 && s < nLayers {
			m.skips[s] = true
		}
	}

	prev := inDim
	for i := 0; i < nLayers; i++ {
		in := prev
		if m.skips[i] {
			in += inDim
		}
		m.hidden = append(m.hidden, NewLinear(in, nNeurons, rng))
		prev = nNeurons
	}
	m.out = NewLinear(prev, outDim, rng)
	return m
}

// Forward runs a batch of n rows through the network, returning sigmoid
// outputs in [0,1].
func (m *MLP) Forward(x []float32, n int) []float32 {
	m.input = x
	m.n = n
	m.reluMasks = m.reluMasks[:0]

	h := x
	for i, layer := range m.hidden {
		if m.skips[i] {
			h = concatRows(h, x, layer.In-m.InDim, m.InDim, n)
		}
		z := layer.Forward(h, n)
		mask := make([]bool, len(z))
		for j, v := range z {
			if v > 0 {
				mask[j] = true
			} else {
				z[j] = 0
			}
		}
		m.reluMasks = append(m.reluMasks, mask)
		h = z
	}

	y := m.out.Forward(h, n)
	s := make([]float32, len(y))
	for i, v := range y {
		s[i] = 1 / (1 + math32.Exp(-v))
	}
	m.sigmoid = s
	return s
}

// Backward accumulates parameter gradients from dOut (gradient w.r.t. the
// sigmoid outputs) and returns the gradient w.r.t. the network input.
func (m *MLP) Backward(dOut []float32) []float32 {
	dy := make([]float32, len(dOut))
	for i, g := range dOut {
		s := m.sigmoid[i]
		dy[i] = g * s * (1 - s)
	}

	dh := m.out.Backward(dy)
	dx := make([]float32, m.n*m.InDim)

	for i := len(m.hidden) - 1; i >= 0; i-- {
		mask := m.reluMasks[i]
		for j := range dh {
			if !mask[j] {
				dh[j] = 0
			}
		}
		din := m.hidden[i].Backward(dh)
		if m.skips[i] {
			hidden := m.hidden[i].In - m.InDim
			dh = make([]float32, m.n*hidden)
			for row := 0; row < m.n; row++ {
				copy(dh[row*hidden:(row+1)*hidden], din[row*m.hidden[i].In:row*m.hidden[i].In+hidden])
				for k := 0; k < m.InDim; k++ {
					dx[row*m.InDim+k] += din[row*m.hidden[i].In+hidden+k]
				}
			}
		} else {
			dh = din
		}
	}

	// dh now holds the gradient w.r.t. the first layer's input, which is x.
	for i, g := range dh {
		dx[i] += g
	}
	return dx
}

// ParamGroups wraps every layer tensor in named optimizer groups.
func (m *MLP) ParamGroups(prefix string, lr float32) []*ParamGroup {
	var groups []*ParamGroup
	for i, l := range m.hidden {
		w, b, gw, gb := l.Parameters()
		groups = append(groups,
			NewParamGroupWithGrads(fmt.Sprintf("%s.hidden%d.weight", prefix, i), lr, w, gw),
			NewParamGroupWithGrads(fmt.Sprintf("%s.hidden%d.bias", prefix, i), lr, b, gb),
		)
	}
	w, b, gw, gb := m.out.Parameters()
	groups = append(groups,
		NewParamGroupWithGrads(prefix+".out.weight", lr, w, gw),
		NewParamGroupWithGrads(prefix+".out.bias", lr, b, gb),
	)
	return groups
}

// concatRows joins two row-major matrices along the feature axis.
func concatRows(a, b []float32, aDim, bDim, n int) []float32 {
	out := make([]float32, n*(aDim+bDim))
	for row := 0; row < n; row++ {
		copy(out[row*(aDim+bDim):], a[row*aDim:(row+1)*aDim])
		copy(out[row*(aDim+bDim)+aDim:], b[row*bDim:(row+1)*bDim])
	}
	return out
}
