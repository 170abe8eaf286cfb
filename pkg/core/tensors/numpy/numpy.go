// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package numpy allows one to read/write tensors to Python's NumPy npy file format.
//
// It covers the dtypes used for embedding tables and index batches (float32, float64, int32 and int64),
// little-endian, C-order ("row-major") only.
package numpy

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/distembed/pkg/core/shapes"
	"github.com/gomlx/distembed/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

var npyMagic = []byte("\x93NUMPY")

// FromNpyFile reads a .npy file and returns a tensors.Tensor.
func FromNpyFile(filePath string) (*tensors.Tensor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npy file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	t, err := FromNpyReader(file)
	if err != nil {
		return nil, errors.WithMessagef(err, "while reading .npy file %q", filePath)
	}
	return t, nil
}

// FromNpyReader reads a .npy file from an io.Reader and returns a tensors.Tensor.
func FromNpyReader(r io.Reader) (*tensors.Tensor, error) {
	// Read and validate the magic string.
	magic := make([]byte, 6)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errors.Wrapf(err, "failed to read magic string")
	}
	if string(magic) != string(npyMagic) {
		return nil, errors.Errorf("invalid .npy file format: magic string mismatch")
	}

	// Read version.
	version := make([]byte, 2)
	if _, err := io.ReadFull(r, version); err != nil {
		return nil, errors.Wrapf(err, "failed to read version")
	}

	// Read header length: 2 bytes for version 1.x, 4 bytes from 2.0 onwards.
	var headerLen int
	if version[0] == 1 {
		lenBytes := make([]byte, 2)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v1.0)")
		}
		headerLen = int(binary.LittleEndian.Uint16(lenBytes))
	} else if version[0] >= 2 {
		lenBytes := make([]byte, 4)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v2.0+)")
		}
		headerLen = int(binary.LittleEndian.Uint32(lenBytes))
	} else {
		return nil, errors.Errorf("unsupported .npy version: %d.%d", version[0], version[1])
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, errors.Wrapf(err, "failed to read header")
	}

	// Example header: "{'descr': '<f4', 'fortran_order': False, 'shape': (1, 2, 3), }"
	dtypeStr, dims, fortranOrder, err := parseNpyHeader(string(headerBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse .npy header")
	}
	dtype, err := npyToDType(dtypeStr)
	if err != nil {
		return nil, err
	}
	if fortranOrder && len(dims) > 1 {
		return nil, errors.Errorf("fortran_order .npy files are not supported (only C-order)")
	}

	shape := shapes.Make(dtype, dims...)
	tensor := tensors.FromShape(shape)
	accessErr := tensor.MutableFlatData(func(flat any) {
		err = binary.Read(r, binary.LittleEndian, flat)
		if err != nil {
			err = errors.Wrapf(err, "failed to read tensor data (%s)", shape)
		}
	})
	if accessErr != nil {
		return nil, accessErr
	}
	if err != nil {
		return nil, err
	}
	return tensor, nil
}

// ToNpyFile writes the tensor to filePath in the .npy format.
func ToNpyFile(t *tensors.Tensor, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npy file %q", filePath)
	}
	err = Write(t, file)
	if err != nil {
		_ = file.Close()
		return errors.WithMessagef(err, "while writing .npy file %q", filePath)
	}
	return errors.Wrapf(file.Close(), "failed to close .npy file %q", filePath)
}

// Write the tensor to w in the .npy format (version 1.0).
func Write(t *tensors.Tensor, w io.Writer) error {
	descr, err := dtypeToNpy(t.DType())
	if err != nil {
		return err
	}
	dimStrs := make([]string, 0, t.Rank())
	for _, dim := range t.Shape().Dimensions {
		dimStrs = append(dimStrs, strconv.Itoa(dim))
	}
	shapeStr := strings.Join(dimStrs, ", ")
	if t.Rank() == 1 {
		shapeStr += ","
	}
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", descr, shapeStr)
	// Header (incl. the 10 bytes preamble) is padded with spaces to a multiple of 64, ending with '\n'.
	padded := ((10 + len(header) + 1 + 63) / 64) * 64
	header = header + strings.Repeat(" ", padded-10-len(header)-1) + "\n"

	if _, err = w.Write(npyMagic); err != nil {
		return errors.Wrapf(err, "failed to write .npy magic")
	}
	if _, err = w.Write([]byte{1, 0}); err != nil {
		return errors.Wrapf(err, "failed to write .npy version")
	}
	if err = binary.Write(w, binary.LittleEndian, uint16(len(header))); err != nil {
		return errors.Wrapf(err, "failed to write .npy header length")
	}
	if _, err = w.Write([]byte(header)); err != nil {
		return errors.Wrapf(err, "failed to write .npy header")
	}
	if accessErr := t.ConstFlatData(func(flat any) {
		err = binary.Write(w, binary.LittleEndian, flat)
	}); accessErr != nil {
		return accessErr
	}
	return errors.Wrapf(err, "failed to write .npy data")
}

var npyHeaderRegex = regexp.MustCompile(
	`'descr':\s*'([^']+)'\s*,\s*'fortran_order':\s*(True|False)\s*,\s*'shape':\s*\(([^)]*)\)`)

func parseNpyHeader(header string) (dtypeStr string, dims []int, fortranOrder bool, err error) {
	matches := npyHeaderRegex.FindStringSubmatch(header)
	if matches == nil {
		err = errors.Errorf("cannot parse .npy header %q", header)
		return
	}
	dtypeStr = matches[1]
	fortranOrder = matches[2] == "True"
	for _, part := range strings.Split(matches[3], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var dim int
		dim, err = strconv.Atoi(part)
		if err != nil {
			err = errors.Wrapf(err, "invalid dimension %q in .npy header", part)
			return
		}
		dims = append(dims, dim)
	}
	return
}

func npyToDType(descr string) (dtypes.DType, error) {
	switch descr {
	case "<f4":
		return dtypes.Float32, nil
	case "<f8":
		return dtypes.Float64, nil
	case "<i4":
		return dtypes.Int32, nil
	case "<i8":
		return dtypes.Int64, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unsupported .npy dtype descriptor %q", descr)
}

func dtypeToNpy(dtype dtypes.DType) (string, error) {
	switch dtype {
	case dtypes.Float32:
		return "<f4", nil
	case dtypes.Float64:
		return "<f8", nil
	case dtypes.Int32:
		return "<i4", nil
	case dtypes.Int64:
		return "<i8", nil
	}
	return "", errors.Errorf("dtype %s not supported by the numpy package", dtype)
}
