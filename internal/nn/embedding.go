package nn

import "math/rand"

// Embedding is a trainable lookup table with one row per identifier.
type Embedding struct {
	Rows int
	Dim  int

	W []float32 // [Rows x Dim]
	G []float32
}

// NewEmbedding creates a table with small random initial rows.
func NewEmbedding(rows, dim int, rng *rand.Rand) *Embedding {
	e := &Embedding{
		Rows: rows,
		Dim:  dim,
		W:    make([]float32, rows*dim),
		G:    make([]float32, rows*dim),
	}
	for i := range e.W {
		e.W[i] = float32(rng.NormFloat64())
	}
	return e
}

// FromWeights restores a table from a saved weight matrix; the row count of
// the stored table is authoritative.
func FromWeights(w []float32, dim int) *Embedding {
	return &Embedding{
		Rows: len(w) / dim,
		Dim:  dim,
		W:    w,
		G:    make([]float32, len(w)),
	}
}

// Lookup returns the row for an identifier. The slice aliases the table.
func (e *Embedding) Lookup(id int) []float32 {
	return e.W[id*e.Dim : (id+1)*e.Dim]
}

// AccumGrad adds a gradient into the row for an identifier.
func (e *Embedding) AccumGrad(id int, g []float32) {
	row := e.G[id*e.Dim : (id+1)*e.Dim]
	for i, v := range g {
		row[i] += v
	}
}
