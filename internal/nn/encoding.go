package nn

import "github.com/chewxy/math32"

// PositionalEncoding maps each input channel to sin/cos pairs at
// exponentially spaced frequencies.
type PositionalEncoding struct {
	InDim       int
	Frequencies int
}

// NewPositionalEncoding creates an encoding for InDim channels with the
// given number of frequency bands.
func NewPositionalEncoding(inDim, frequencies int) *PositionalEncoding {
	return &PositionalEncoding{InDim: inDim, Frequencies: frequencies}
}

// OutDim returns the number of output channels.
func (p *PositionalEncoding) OutDim() int {
	return p.InDim * 2 * p.Frequencies
}

// Encode expands a batch of n rows. The encoding has no trainable state and
// its inputs (view directions) carry no gradient, so there is no backward.
func (p *PositionalEncoding) Encode(x []float32, n int) []float32 {
	out := make([]float32, n*p.OutDim())
	for row := 0; row < n; row++ {
		xi := x[row*p.InDim : (row+1)*p.InDim]
		oi := out[row*p.OutDim():]
		k := 0
		for f := 0; f < p.Frequencies; f++ {
			freq := math32.Pow(2, float32(f))
			for _, v := range xi {
				oi[k] = math32.Sin(freq * v)
				oi[k+1] = math32.Cos(freq * v)
				k += 2
			}
		}
	}
	return out
}
