// Package ply reads and writes binary little-endian PLY point clouds, the
// splat checkpoint layout, and the appearance-embedding sidecar file. Every
// writer goes through a temporary file and an atomic rename so a failed save
// never clobbers a valid previous one.
package ply

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PLY format errors.
var (
	ErrInvalidHeader      = errors.New("invalid PLY header")
	ErrUnsupportedFormat  = errors.New("unsupported PLY format: only binary_little_endian 1.0")
	ErrTruncatedData      = errors.New("truncated PLY data")
	ErrMissingProperty    = errors.New("missing PLY property")
	ErrUnsupportedProperty = errors.New("unsupported PLY property type")
)

// header describes the vertex element of a parsed PLY header.
type header struct {
	count   int
	names   []string // property names in file order
	types   []string // "float" or "uchar" per property
	rowSize int
	dataOff int
}

func parseHeader(data []byte) (*header, error) {
	end := bytes.Index(data, []byte("end_header\n"))
	if end < 0 {
		return nil, ErrInvalidHeader
	}
	h := &header{dataOff: end + len("end_header\n")}

	sc := bufio.NewScanner(bytes.NewReader(data[:end]))
	line := 0
	inVertex := false
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		line++
		if line == 1 {
			if len(fields) != 1 || fields[0] != "ply" {
				return nil, ErrInvalidHeader
			}
			continue
		}
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) != 3 || fields[1] != "binary_little_endian" || fields[2] != "1.0" {
				return nil, ErrUnsupportedFormat
			}
		case "comment":
		case "element":
			inVertex = len(fields) == 3 && fields[1] == "vertex"
			if inVertex {
				n, err := strconv.Atoi(fields[2])
				if err != nil || n < 0 {
					return nil, fmt.Errorf("%w: bad vertex count %q", ErrInvalidHeader, fields[2])
				}
				h.count = n
			}
		case "property":
			if !inVertex || len(fields) != 3 {
				continue
			}
			switch fields[1] {
			case "float":
				h.rowSize += 4
			case "uchar":
				h.rowSize++
			default:
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedProperty, fields[1])
			}
			h.types = append(h.types, fields[1])
			h.names = append(h.names, fields[2])
		}
	}
	if h.count == 0 && len(h.names) == 0 {
		return nil, ErrInvalidHeader
	}
	if len(data)-h.dataOff < h.count*h.rowSize {
		return nil, ErrTruncatedData
	}
	return h, nil
}

// offsetOf returns the byte offset of a property within a row, or -1.
func (h *header) offsetOf(name string) int {
	off := 0
	for i, n := range h.names {
		if n == name {
			return off
		}
		if h.types[i] == "float" {
			off += 4
		} else {
			off++
		}
	}
	return -1
}

// writeAtomic writes data to path via a temporary sibling and a rename.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}
