// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/distembed/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromShape(t *testing.T) {
	tensor := FromShape(shapes.Make(dtypes.Float32, 2, 3))
	assert.Equal(t, 6, tensor.Size())
	assert.Equal(t, dtypes.Float32, tensor.DType())
	MustConstFlatData(tensor, func(flat []float32) {
		assert.Equal(t, make([]float32, 6), flat, "fresh tensors are zero-initialized")
	})
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]int64{1, 2, 3, 4, 5, 6}, 3, 2)
	assert.Equal(t, dtypes.Int64, tensor.DType())
	assert.Equal(t, []int{3, 2}, tensor.Shape().Dimensions)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, MustCopyFlatData[int64](tensor))

	require.Panics(t, func() {
		FromFlatDataAndDimensions([]int64{1, 2, 3}, 2, 2)
	}, "flat data size must match dimensions")
}

func TestFromScalarAndDimensions(t *testing.T) {
	tensor := FromScalarAndDimensions(float32(1.5), 2, 2)
	assert.Equal(t, []float32{1.5, 1.5, 1.5, 1.5}, MustCopyFlatData[float32](tensor))
}

func TestTypedAccessDTypeMismatch(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2}, 2)
	err := ConstFlatData(tensor, func(flat []float64) {})
	require.ErrorContains(t, err, "dtype")
	err = MutableFlatData(tensor, func(flat []int32) {})
	require.ErrorContains(t, err, "dtype")
}

func TestMutableFlatData(t *testing.T) {
	tensor := FromShape(shapes.Make(dtypes.Float64, 2))
	require.NoError(t, MutableFlatData(tensor, func(flat []float64) {
		flat[0], flat[1] = 3.5, -1
	}))
	assert.Equal(t, []float64{3.5, -1}, MustCopyFlatData[float64](tensor))
}

func TestCopyFlatDataIsACopy(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]int32{7, 8}, 2)
	data := MustCopyFlatData[int32](tensor)
	data[0] = 99
	assert.Equal(t, []int32{7, 8}, MustCopyFlatData[int32](tensor))
}

func TestEqualAndClone(t *testing.T) {
	a := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	b := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 4)))
	assert.False(t, a.Equal(FromFlatDataAndDimensions([]float32{1, 2, 3, 5}, 2, 2)))

	c := a.Clone()
	require.NoError(t, MutableFlatData(c, func(flat []float32) { flat[0] = -1 }))
	assert.True(t, a.Equal(b), "mutating a clone must not touch the original")
	assert.False(t, a.Equal(c))
}
