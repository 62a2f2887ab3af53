package colmap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// Camera is one entry of cameras.bin. Params are laid out per COLMAP model:
// SIMPLE_PINHOLE is (f, cx, cy), PINHOLE is (fx, fy, cx, cy).
type Camera struct {
	CameraID int32
	ModelID  int32
	Width    uint64
	Height   uint64
	Params   []float64
}

// ParseCameras parses a cameras.bin payload.
func ParseCameras(data []byte) (map[int32]Camera, error) {
	r := bytes.NewReader(data)

	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, ErrTruncatedData
	}

	cameras := make(map[int32]Camera, count)
	for i := uint64(0); i < count; i++ {
		var c Camera
		if err := binary.Read(r, binary.LittleEndian, &c.CameraID); err != nil {
			return nil, fmt.Errorf("camera %d: %w", i, ErrTruncatedData)
		}
		if err := binary.Read(r, binary.LittleEndian, &c.ModelID); err != nil {
			return nil, fmt.Errorf("camera %d: %w", i, ErrTruncatedData)
		}
		if err := binary.Read(r, binary.LittleEndian, &c.Width); err != nil {
			return nil, fmt.Errorf("camera %d: %w", i, ErrTruncatedData)
		}
		if err := binary.Read(r, binary.LittleEndian, &c.Height); err != nil {
			return nil, fmt.Errorf("camera %d: %w", i, ErrTruncatedData)
		}

		nParams, ok := modelParamCounts[c.ModelID]
		if !ok {
			return nil, fmt.Errorf("camera %d: %w: %d", i, ErrUnknownCameraModel, c.ModelID)
		}
		c.Params = make([]float64, nParams)
		if err := binary.Read(r, binary.LittleEndian, c.Params); err != nil {
			return nil, fmt.Errorf("camera %d params: %w", i, ErrTruncatedData)
		}
		cameras[c.CameraID] = c
	}
	return cameras, nil
}

// ParseCamerasFile parses cameras.bin from disk.
func ParseCamerasFile(path string) (map[int32]Camera, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cameras file: %w", err)
	}
	return ParseCameras(data)
}
