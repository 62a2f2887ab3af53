package colmap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Image is one entry of images.bin: a posed view referencing a camera. The
// 2D feature observations are consumed during parsing but not retained.
type Image struct {
	ImageID  int32
	QVec     [4]float64 // w, x, y, z
	TVec     [3]float64
	CameraID int32
	Name     string
}

// ParseImages parses an images.bin payload.
func ParseImages(data []byte) ([]Image, error) {
	r := bytes.NewReader(data)

	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, ErrTruncatedData
	}

	images := make([]Image, 0, count)
	for i := uint64(0); i < count; i++ {
		var img Image
		if err := binary.Read(r, binary.LittleEndian, &img.ImageID); err != nil {
			return nil, fmt.Errorf("image %d: %w", i, ErrTruncatedData)
		}
		if err := binary.Read(r, binary.LittleEndian, &img.QVec); err != nil {
			return nil, fmt.Errorf("image %d: %w", i, ErrTruncatedData)
		}
		if err := binary.Read(r, binary.LittleEndian, &img.TVec); err != nil {
			return nil, fmt.Errorf("image %d: %w", i, ErrTruncatedData)
		}
		if err := binary.Read(r, binary.LittleEndian, &img.CameraID); err != nil {
			return nil, fmt.Errorf("image %d: %w", i, ErrTruncatedData)
		}

		name, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("image %d name: %w", i, err)
		}
		img.Name = name

		var nPoints uint64
		if err := binary.Read(r, binary.LittleEndian, &nPoints); err != nil {
			return nil, fmt.Errorf("image %d: %w", i, ErrTruncatedData)
		}
		// Each observation is x, y and a point3D id.
		skip := int64(nPoints) * (8 + 8 + 8)
		if int64(r.Len()) < skip {
			return nil, fmt.Errorf("image %d observations: %w", i, ErrTruncatedData)
		}
		if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
			return nil, fmt.Errorf("image %d observations: %w", i, ErrTruncatedData)
		}

		images = append(images, img)
	}
	return images, nil
}

// ParseImagesFile parses images.bin from disk.
func ParseImagesFile(path string) ([]Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading images file: %w", err)
	}
	return ParseImages(data)
}
