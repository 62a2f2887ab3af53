package ply

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// PointCloud is a plain colored point set. Colors are [0,1] floats.
type PointCloud struct {
	Positions []float32 // n*3
	Colors    []float32 // n*3
}

// Len returns the point count.
func (pc *PointCloud) Len() int { return len(pc.Positions) / 3 }

// StorePointCloud writes positions with uchar colors.
func StorePointCloud(path string, pc *PointCloud) error {
	n := pc.Len()
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "ply\nformat binary_little_endian 1.0\nelement vertex %d\n", n)
	for _, p := range []string{"x", "y", "z"} {
		fmt.Fprintf(&buf, "property float %s\n", p)
	}
	for _, p := range []string{"red", "green", "blue"} {
		fmt.Fprintf(&buf, "property uchar %s\n", p)
	}
	buf.WriteString("end_header\n")

	for i := 0; i < n; i++ {
		for c := 0; c < 3; c++ {
			binary.Write(&buf, binary.LittleEndian, pc.Positions[i*3+c])
		}
		for c := 0; c < 3; c++ {
			buf.WriteByte(colorByte(pc.Colors[i*3+c]))
		}
	}
	return writeAtomic(path, buf.Bytes())
}

// FetchPointCloud reads a point cloud saved by StorePointCloud or any PLY
// with float x/y/z and uchar red/green/blue vertex properties.
func FetchPointCloud(path string) (*PointCloud, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading point cloud: %w", err)
	}
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}

	offs := make([]int, 6)
	for i, name := range []string{"x", "y", "z", "red", "green", "blue"} {
		off := h.offsetOf(name)
		if off < 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingProperty, name)
		}
		offs[i] = off
	}

	pc := &PointCloud{
		Positions: make([]float32, h.count*3),
		Colors:    make([]float32, h.count*3),
	}
	for i := 0; i < h.count; i++ {
		row := data[h.dataOff+i*h.rowSize:]
		for c := 0; c < 3; c++ {
			pc.Positions[i*3+c] = readFloat(row, offs[c])
			pc.Colors[i*3+c] = float32(row[offs[3+c]]) / 255
		}
	}
	return pc, nil
}

func readFloat(row []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(row[off:]))
}

func colorByte(v float32) byte {
	s := v * 255
	if s < 0 {
		return 0
	}
	if s > 255 {
		return 255
	}
	return byte(s + 0.5)
}
