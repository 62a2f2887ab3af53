package colmap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Point3D is one entry of points3D.bin. Track observations are skipped.
type Point3D struct {
	PointID int64
	XYZ     [3]float64
	RGB     [3]uint8
	Error   float64
}

// ParsePoints3D parses a points3D.bin payload.
func ParsePoints3D(data []byte) ([]Point3D, error) {
	r := bytes.NewReader(data)

	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, ErrTruncatedData
	}

	points := make([]Point3D, 0, count)
	for i := uint64(0); i < count; i++ {
		var p Point3D
		if err := binary.Read(r, binary.LittleEndian, &p.PointID); err != nil {
			return nil, fmt.Errorf("point %d: %w", i, ErrTruncatedData)
		}
		if err := binary.Read(r, binary.LittleEndian, &p.XYZ); err != nil {
			return nil, fmt.Errorf("point %d: %w", i, ErrTruncatedData)
		}
		if err := binary.Read(r, binary.LittleEndian, &p.RGB); err != nil {
			return nil, fmt.Errorf("point %d: %w", i, ErrTruncatedData)
		}
		if err := binary.Read(r, binary.LittleEndian, &p.Error); err != nil {
			return nil, fmt.Errorf("point %d: %w", i, ErrTruncatedData)
		}

		var trackLen uint64
		if err := binary.Read(r, binary.LittleEndian, &trackLen); err != nil {
			return nil, fmt.Errorf("point %d: %w", i, ErrTruncatedData)
		}
		skip := int64(trackLen) * (4 + 4)
		if int64(r.Len()) < skip {
			return nil, fmt.Errorf("point %d track: %w", i, ErrTruncatedData)
		}
		if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
			return nil, fmt.Errorf("point %d track: %w", i, ErrTruncatedData)
		}

		points = append(points, p)
	}
	return points, nil
}

// ParsePoints3DFile parses points3D.bin from disk.
func ParsePoints3DFile(path string) ([]Point3D, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading points3D file: %w", err)
	}
	return ParsePoints3D(data)
}
