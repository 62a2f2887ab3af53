package nn

import (
	"math/rand"

	"github.com/chewxy/math32"
)

// Linear is a fully connected layer over row-major [n x In] batches.
type Linear struct {
	In  int
	Out int

	W  []float32 // [Out x In]
	B  []float32 // [Out]
	GW []float32
	GB []float32

	// input cached by the last Forward for the backward pass
	input []float32
	n     int
}

// NewLinear creates a layer with uniform He-style initialization.
func NewLinear(in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		In:  in,
		Out: out,
		W:   make([]float32, out*in),
		B:   make([]float32, out),
		GW:  make([]float32, out*in),
		GB:  make([]float32, out),
	}
	bound := 1 / math32.Sqrt(float32(in))
	for i := range l.W {
		l.W[i] = (rng.Float32()*2 - 1) * bound
	}
	for i := range l.B {
		l.B[i] = (rng.Float32()*2 - 1) * bound
	}
	return l
}

// Forward computes x*W^T + b for a batch of n rows and caches x.
func (l *Linear) Forward(x []float32, n int) []float32 {
	l.input = x
	l.n = n
	out := make([]float32, n*l.Out)
	for row := 0; row < n; row++ {
		xi := x[row*l.In : (row+1)*l.In]
		oi := out[row*l.Out : (row+1)*l.Out]
		for o := 0; o < l.Out; o++ {
			sum := l.B[o]
			w := l.W[o*l.In : (o+1)*l.In]
			for i, xv := range xi {
				sum += w[i] * xv
			}
			oi[o] = sum
		}
	}
	return out
}

// Backward accumulates weight gradients from dOut and returns the gradient
// with respect to the cached input.
func (l *Linear) Backward(dOut []float32) []float32 {
	dx := make([]float32, l.n*l.In)
	for row := 0; row < l.n; row++ {
		xi := l.input[row*l.In : (row+1)*l.In]
		di := dOut[row*l.Out : (row+1)*l.Out]
		dxi := dx[row*l.In : (row+1)*l.In]
		for o := 0; o < l.Out; o++ {
			g := di[o]
			if g == 0 {
				continue
			}
			l.GB[o] += g
			w := l.W[o*l.In : (o+1)*l.In]
			gw := l.GW[o*l.In : (o+1)*l.In]
			for i, xv := range xi {
				gw[i] += g * xv
				dxi[i] += g * w[i]
			}
		}
	}
	return dx
}

// Parameters returns the weight and bias slices, in that order. They alias
// the layer's storage.
func (l *Linear) Parameters() (w, b, gw, gb []float32) {
	return l.W, l.B, l.GW, l.GB
}
