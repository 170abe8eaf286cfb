// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package embeddings implements a hybrid-parallel embedding layer: inputs arrive data-parallel
// (each worker holds a shard of the batch, with indices into every table) while the table storage
// is model-parallel (each worker owns some tables or column-slices of tables, per a sharding.Plan).
//
// DistributedEmbedding reshapes the data-parallel batch into each worker's model-parallel input
// with one all-to-all exchange, runs the local lookups, and converts the outputs back to
// data-parallel order with a second exchange, re-concatenating column-sliced outputs. It also
// loads and dumps full-table weights to/from the per-worker shards, chunked to respect transport
// index limits and a bounded memory budget.
package embeddings

import (
	"github.com/gomlx/distembed/pkg/core/shapes"
	"github.com/gomlx/distembed/pkg/core/tensors"
	"github.com/gomlx/distembed/pkg/dist/gradients"
	"github.com/gomlx/distembed/pkg/dist/sharding"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Table is one local embedding table (possibly a column-slice of a logical table): a dense
// [InputDim, OutputDim] weight matrix looked up by integer row ids.
//
// Its variable record carries an explicit parallelism class, set at creation: shards created by
// DistributedEmbedding are gradients.ModelParallel, a replicated standalone table is
// gradients.DataParallel.
type Table struct {
	cfg     sharding.TableConfig
	weights *tensors.Tensor
	class   gradients.Class
}

// NewTable creates a zero-initialized table with the given config and class.
func NewTable(cfg sharding.TableConfig, class gradients.Class) (*Table, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	shape := shapes.Make(cfg.WeightsDType(), cfg.InputDim, cfg.OutputDim)
	return &Table{
		cfg:     cfg,
		weights: tensors.FromShape(shape),
		class:   class,
	}, nil
}

// NewTableFromTensor creates a table wrapping the given [InputDim, OutputDim] weights tensor.
// The tensor is used directly, not copied.
func NewTableFromTensor(weights *tensors.Tensor, class gradients.Class) (*Table, error) {
	if weights.Rank() != 2 {
		return nil, errors.Errorf("embedding weights must be rank-2, got %s", weights.Shape())
	}
	cfg := sharding.TableConfig{
		InputDim:  weights.Shape().Dim(0),
		OutputDim: weights.Shape().Dim(1),
		DType:     weights.DType(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Table{cfg: cfg, weights: weights, class: class}, nil
}

// Config returns the table configuration.
func (t *Table) Config() sharding.TableConfig { return t.cfg }

// Class returns the parallelism class of the table's variable.
func (t *Table) Class() gradients.Class { return t.class }

// Weights returns the live weights tensor of the table.
func (t *Table) Weights() *tensors.Tensor { return t.weights }

// Lookup gathers rows of the table for the given integer indices (dtype Int32 or Int64).
//
//   - rank-1 indices [n] return the rows [n, OutputDim];
//   - rank-2 indices [batch, k] are sum-combined: the k looked-up rows of each batch entry are
//     added, returning [batch, OutputDim].
func (t *Table) Lookup(indices *tensors.Tensor) (*tensors.Tensor, error) {
	if indices.Rank() < 1 || indices.Rank() > 2 {
		return nil, errors.Errorf("lookup indices must be rank-1 or rank-2, got %s", indices.Shape())
	}
	ids, err := indicesAsInts(indices)
	if err != nil {
		return nil, err
	}
	batch := indices.Shape().Dim(0)
	perRow := 1
	if indices.Rank() == 2 {
		perRow = indices.Shape().Dim(1)
	}
	for _, id := range ids {
		if id < 0 || id >= t.cfg.InputDim {
			return nil, errors.Errorf("embedding id %d out of range for table with %d rows", id, t.cfg.InputDim)
		}
	}
	switch t.cfg.WeightsDType() {
	case dtypes.Float32:
		return lookupT[float32](t, ids, batch, perRow)
	case dtypes.Float64:
		return lookupT[float64](t, ids, batch, perRow)
	}
	return nil, errors.Errorf("dtype %s not supported for lookup", t.cfg.WeightsDType())
}

func lookupT[T float32 | float64](t *Table, ids []int, batch, perRow int) (*tensors.Tensor, error) {
	width := t.cfg.OutputDim
	out := tensors.FromShape(shapes.Make(t.cfg.WeightsDType(), batch, width))
	err := tensors.ConstFlatData(t.weights, func(weights []T) {
		_ = tensors.MutableFlatData(out, func(outFlat []T) {
			for b := 0; b < batch; b++ {
				outRow := outFlat[b*width : (b+1)*width]
				for k := 0; k < perRow; k++ {
					id := ids[b*perRow+k]
					row := weights[id*width : (id+1)*width]
					if k == 0 {
						copy(outRow, row)
						continue
					}
					for i, v := range row {
						outRow[i] += v
					}
				}
			}
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// indicesAsInts flattens an index tensor to a []int, accepting Int32 or Int64.
func indicesAsInts(indices *tensors.Tensor) ([]int, error) {
	ids := make([]int, indices.Size())
	switch indices.DType() {
	case dtypes.Int32:
		tensors.MustConstFlatData(indices, func(flat []int32) {
			for i, v := range flat {
				ids[i] = int(v)
			}
		})
	case dtypes.Int64:
		tensors.MustConstFlatData(indices, func(flat []int64) {
			for i, v := range flat {
				ids[i] = int(v)
			}
		})
	default:
		return nil, errors.Errorf("embedding indices must be Int32 or Int64, got %s", indices.DType())
	}
	return ids, nil
}
