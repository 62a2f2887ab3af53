package ply

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// Embedding sidecar errors.
var (
	ErrInvalidEmbeddingMagic = errors.New("invalid embedding sidecar magic")
	ErrCorruptEmbedding      = errors.New("corrupt embedding sidecar")
)

var embeddingMagic = [8]byte{'A', 'P', 'P', 'E', 'M', 'B', '0', '1'}

// StoreEmbedding writes the appearance-embedding table next to a checkpoint.
// The row count round-trips exactly; restore sizes the table from it.
func StoreEmbedding(path string, weights []float32, dims int) error {
	if dims <= 0 || len(weights)%dims != 0 {
		return fmt.Errorf("%w: %d weights with %d dims", ErrCorruptEmbedding, len(weights), dims)
	}

	var buf bytes.Buffer
	buf.Write(embeddingMagic[:])
	binary.Write(&buf, binary.LittleEndian, uint32(len(weights)/dims))
	binary.Write(&buf, binary.LittleEndian, uint32(dims))
	binary.Write(&buf, binary.LittleEndian, weights)
	return writeAtomic(path, buf.Bytes())
}

// FetchEmbedding reads a table, returning the weights and row dimensionality.
func FetchEmbedding(path string) ([]float32, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("reading embedding sidecar: %w", err)
	}
	if len(data) < len(embeddingMagic)+8 {
		return nil, 0, ErrCorruptEmbedding
	}
	if !bytes.Equal(data[:8], embeddingMagic[:]) {
		return nil, 0, ErrInvalidEmbeddingMagic
	}

	rows := binary.LittleEndian.Uint32(data[8:])
	dims := binary.LittleEndian.Uint32(data[12:])
	if len(data) != 16+int(rows)*int(dims)*4 {
		return nil, 0, ErrCorruptEmbedding
	}

	weights := make([]float32, rows*dims)
	if err := binary.Read(bytes.NewReader(data[16:]), binary.LittleEndian, weights); err != nil {
		return nil, 0, ErrCorruptEmbedding
	}
	return weights, int(dims), nil
}
