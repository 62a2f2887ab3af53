package ply

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// SplatCloud is the checkpoint layout of a trained gaussian set, one vertex
// per primitive. FRest is channel-major (all red coefficients, then green,
// then blue), matching the property order f_rest_0..f_rest_{3R-1}. Normals
// are written as zeros for viewer compatibility and dropped on load.
type SplatCloud struct {
	XYZ      []float32 // n*3
	FDC      []float32 // n*3
	FRest    []float32 // n*3*R, channel-major
	Opacity  []float32 // n, pre-sigmoid
	Scale    []float32 // n*3, pre-exp
	Rotation []float32 // n*4, quaternion wxyz
	Features []float32 // n*K appearance features, may be empty
}

// Len returns the primitive count.
func (sc *SplatCloud) Len() int { return len(sc.Opacity) }

// restCoeffs returns the per-channel higher-order coefficient count.
func (sc *SplatCloud) restCoeffs() int {
	n := sc.Len()
	if n == 0 {
		return 0
	}
	return len(sc.FRest) / (n * 3)
}

func (sc *SplatCloud) featureDims() int {
	n := sc.Len()
	if n == 0 {
		return 0
	}
	return len(sc.Features) / n
}

// StoreSplats writes the checkpoint.
func StoreSplats(path string, sc *SplatCloud) error {
	n := sc.Len()
	rest := sc.restCoeffs()
	feats := sc.featureDims()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "ply\nformat binary_little_endian 1.0\nelement vertex %d\n", n)
	for _, p := range []string{"x", "y", "z", "nx", "ny", "nz", "f_dc_0", "f_dc_1", "f_dc_2"} {
		fmt.Fprintf(&buf, "property float %s\n", p)
	}
	for k := 0; k < rest*3; k++ {
		fmt.Fprintf(&buf, "property float f_rest_%d\n", k)
	}
	buf.WriteString("property float opacity\n")
	for k := 0; k < 3; k++ {
		fmt.Fprintf(&buf, "property float scale_%d\n", k)
	}
	for k := 0; k < 4; k++ {
		fmt.Fprintf(&buf, "property float rot_%d\n", k)
	}
	for k := 0; k < feats; k++ {
		fmt.Fprintf(&buf, "property float f_app_%d\n", k)
	}
	buf.WriteString("end_header\n")

	row := make([]float32, 0, 9+rest*3+1+3+4+feats)
	for i := 0; i < n; i++ {
		row = row[:0]
		row = append(row, sc.XYZ[i*3], sc.XYZ[i*3+1], sc.XYZ[i*3+2], 0, 0, 0)
		row = append(row, sc.FDC[i*3:(i+1)*3]...)
		row = append(row, sc.FRest[i*rest*3:(i+1)*rest*3]...)
		row = append(row, sc.Opacity[i])
		row = append(row, sc.Scale[i*3:(i+1)*3]...)
		row = append(row, sc.Rotation[i*4:(i+1)*4]...)
		if feats > 0 {
			row = append(row, sc.Features[i*feats:(i+1)*feats]...)
		}
		binary.Write(&buf, binary.LittleEndian, row)
	}
	return writeAtomic(path, buf.Bytes())
}

// FetchSplats reads a checkpoint. Coefficient and feature widths come from
// the property list, so files written with other SH degrees still load.
func FetchSplats(path string) (*SplatCloud, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading splats: %w", err)
	}
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}

	rest := countPrefixed(h.names, "f_rest_")
	feats := countPrefixed(h.names, "f_app_")

	required := []string{"x", "y", "z", "f_dc_0", "f_dc_1", "f_dc_2", "opacity",
		"scale_0", "scale_1", "scale_2", "rot_0", "rot_1", "rot_2", "rot_3"}
	offs := map[string]int{}
	for _, name := range required {
		off := h.offsetOf(name)
		if off < 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingProperty, name)
		}
		offs[name] = off
	}
	restOff := h.offsetOf("f_rest_0")
	if rest > 0 && restOff < 0 {
		return nil, fmt.Errorf("%w: f_rest_0", ErrMissingProperty)
	}
	featOff := h.offsetOf("f_app_0")
	if feats > 0 && featOff < 0 {
		return nil, fmt.Errorf("%w: f_app_0", ErrMissingProperty)
	}

	n := h.count
	sc := &SplatCloud{
		XYZ:      make([]float32, n*3),
		FDC:      make([]float32, n*3),
		FRest:    make([]float32, n*rest),
		Opacity:  make([]float32, n),
		Scale:    make([]float32, n*3),
		Rotation: make([]float32, n*4),
		Features: make([]float32, n*feats),
	}
	for i := 0; i < n; i++ {
		row := data[h.dataOff+i*h.rowSize:]
		for c, name := range []string{"x", "y", "z"} {
			sc.XYZ[i*3+c] = readFloat(row, offs[name])
		}
		for c, name := range []string{"f_dc_0", "f_dc_1", "f_dc_2"} {
			sc.FDC[i*3+c] = readFloat(row, offs[name])
		}
		for k := 0; k < rest; k++ {
			sc.FRest[i*rest+k] = readFloat(row, restOff+k*4)
		}
		sc.Opacity[i] = readFloat(row, offs["opacity"])
		for c, name := range []string{"scale_0", "scale_1", "scale_2"} {
			sc.Scale[i*3+c] = readFloat(row, offs[name])
		}
		for c, name := range []string{"rot_0", "rot_1", "rot_2", "rot_3"} {
			sc.Rotation[i*4+c] = readFloat(row, offs[name])
		}
		for k := 0; k < feats; k++ {
			sc.Features[i*feats+k] = readFloat(row, featOff+k*4)
		}
	}
	return sc, nil
}

func countPrefixed(names []string, prefix string) int {
	count := 0
	for _, n := range names {
		if len(n) > len(prefix) && n[:len(prefix)] == prefix {
			count++
		}
	}
	return count
}
