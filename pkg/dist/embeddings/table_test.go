// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package embeddings

import (
	"testing"

	"github.com/gomlx/distembed/pkg/core/tensors"
	"github.com/gomlx/distembed/pkg/dist/gradients"
	"github.com/gomlx/distembed/pkg/dist/sharding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rampTable builds a table whose row r, column c holds base + r*10 + c.
func rampTable(t *testing.T, rows, cols int, base float32) *Table {
	t.Helper()
	flat := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			flat[r*cols+c] = base + float32(r*10+c)
		}
	}
	table, err := NewTableFromTensor(
		tensors.FromFlatDataAndDimensions(flat, rows, cols), gradients.ModelParallel)
	require.NoError(t, err)
	return table
}

func TestTableLookup(t *testing.T) {
	table := rampTable(t, 5, 3, 0)

	out, err := table.Lookup(tensors.FromFlatDataAndDimensions([]int32{2, 0, 4}, 3))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, out.Shape().Dimensions)
	assert.Equal(t, []float32{20, 21, 22, 0, 1, 2, 40, 41, 42},
		tensors.MustCopyFlatData[float32](out))

	// Int64 indices are accepted too.
	out, err = table.Lookup(tensors.FromFlatDataAndDimensions([]int64{1}, 1))
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 11, 12}, tensors.MustCopyFlatData[float32](out))
}

func TestTableLookupSumCombine(t *testing.T) {
	table := rampTable(t, 5, 2, 0)

	// [batch=2, k=2]: each batch entry sums its two rows.
	out, err := table.Lookup(tensors.FromFlatDataAndDimensions([]int32{0, 1, 2, 2}, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, out.Shape().Dimensions)
	assert.Equal(t, []float32{10, 12, 40, 42}, tensors.MustCopyFlatData[float32](out))
}

func TestTableLookupErrors(t *testing.T) {
	table := rampTable(t, 5, 3, 0)

	_, err := table.Lookup(tensors.FromFlatDataAndDimensions([]int32{5}, 1))
	require.ErrorContains(t, err, "out of range")
	_, err = table.Lookup(tensors.FromFlatDataAndDimensions([]int32{-1}, 1))
	require.ErrorContains(t, err, "out of range")
	_, err = table.Lookup(tensors.FromFlatDataAndDimensions([]float32{1}, 1))
	require.ErrorContains(t, err, "must be Int32 or Int64")
	_, err = table.Lookup(tensors.FromFlatDataAndDimensions([]int32{0, 1, 2, 3, 0, 1, 2, 3}, 2, 2, 2))
	require.ErrorContains(t, err, "rank-1 or rank-2")
}

func TestNewTable(t *testing.T) {
	table, err := NewTable(sharding.TableConfig{InputDim: 4, OutputDim: 2}, gradients.ModelParallel)
	require.NoError(t, err)
	assert.Equal(t, gradients.ModelParallel, table.Class())
	assert.Equal(t, []float32{0, 0, 0, 0, 0, 0, 0, 0},
		tensors.MustCopyFlatData[float32](table.Weights()))

	_, err = NewTable(sharding.TableConfig{InputDim: 0, OutputDim: 2}, gradients.DataParallel)
	require.Error(t, err)

	_, err = NewTableFromTensor(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2), gradients.DataParallel)
	require.ErrorContains(t, err, "rank-2")
}
