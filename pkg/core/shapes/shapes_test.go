// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	s := Make(dtypes.Float32, 3, 4)
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 12, s.Size())
	assert.Equal(t, uintptr(48), s.Memory())
	assert.Equal(t, 3, s.Dim(0))
	assert.Equal(t, 4, s.Dim(-1))
	assert.True(t, s.Ok())
	assert.Equal(t, "(Float32)[3 4]", s.String())

	require.Panics(t, func() { Make(dtypes.Float32, 3, 0) })
	require.Panics(t, func() { s.Dim(2) })
}

func TestScalarAndInvalid(t *testing.T) {
	s := Scalar[float64]()
	assert.True(t, s.IsScalar())
	assert.Equal(t, 1, s.Size())
	assert.False(t, Invalid().Ok())
	assert.False(t, Shape{}.Ok())
}

func TestEqualAndClone(t *testing.T) {
	a := Make(dtypes.Int32, 2, 5)
	assert.True(t, a.Equal(Make(dtypes.Int32, 2, 5)))
	assert.False(t, a.Equal(Make(dtypes.Int64, 2, 5)))
	assert.False(t, a.Equal(Make(dtypes.Int32, 5, 2)))
	assert.False(t, a.Equal(Make(dtypes.Int32, 2, 5, 1)))

	b := a.Clone()
	b.Dimensions[0] = 7
	assert.Equal(t, 2, a.Dimensions[0], "clone must not share the dimensions slice")
}
