// Package colmap reads the binary sparse-reconstruction files COLMAP writes:
// cameras.bin, images.bin and points3D.bin. All values are little endian.
package colmap

import (
	"bytes"
	"errors"
	"fmt"
)

// COLMAP format errors.
var (
	ErrTruncatedData      = errors.New("truncated COLMAP data")
	ErrUnknownCameraModel = errors.New("unknown COLMAP camera model id")
)

// Camera model identifiers as COLMAP numbers them.
const (
	ModelSimplePinhole int32 = iota
	ModelPinhole
	ModelSimpleRadial
	ModelRadial
	ModelOpenCV
	ModelOpenCVFisheye
	ModelFullOpenCV
	ModelFOV
	ModelSimpleRadialFisheye
	ModelRadialFisheye
	ModelThinPrismFisheye
)

// modelParamCounts maps a model id to its intrinsics parameter count.
var modelParamCounts = map[int32]int{
	ModelSimplePinhole:       3,
	ModelPinhole:             4,
	ModelSimpleRadial:        4,
	ModelRadial:              5,
	ModelOpenCV:              8,
	ModelOpenCVFisheye:       8,
	ModelFullOpenCV:          12,
	ModelFOV:                 5,
	ModelSimpleRadialFisheye: 4,
	ModelRadialFisheye:       5,
	ModelThinPrismFisheye:    12,
}

// ModelName returns the COLMAP name of a model id.
func ModelName(id int32) string {
	names := []string{
		"SIMPLE_PINHOLE", "PINHOLE", "SIMPLE_RADIAL", "RADIAL", "OPENCV",
		"OPENCV_FISHEYE", "FULL_OPENCV", "FOV", "SIMPLE_RADIAL_FISHEYE",
		"RADIAL_FISHEYE", "THIN_PRISM_FISHEYE",
	}
	if id < 0 || int(id) >= len(names) {
		return fmt.Sprintf("Unknown(%d)", id)
	}
	return names[id]
}

// QVec2RotMat converts a w-first quaternion to a row-major rotation matrix.
func QVec2RotMat(q [4]float64) [9]float64 {
	w, x, y, z := q[0], q[1], q[2], q[3]
	return [9]float64{
		1 - 2*y*y - 2*z*z, 2*x*y - 2*w*z, 2*x*z + 2*w*y,
		2*x*y + 2*w*z, 1 - 2*x*x - 2*z*z, 2*y*z - 2*w*x,
		2*x*z - 2*w*y, 2*y*z + 2*w*x, 1 - 2*x*x - 2*y*y,
	}
}

// readString reads a null-terminated string.
func readString(r *bytes.Reader) (string, error) {
	var sb bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", ErrTruncatedData
		}
		if b == 0 {
			return sb.String(), nil
		}
		sb.WriteByte(b)
	}
}
