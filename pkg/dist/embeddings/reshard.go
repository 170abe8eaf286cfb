// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package embeddings

import (
	"github.com/gomlx/distembed/pkg/comms"
	"github.com/gomlx/distembed/pkg/core/tensors"
	"github.com/gomlx/distembed/pkg/dist/sharding"
	"github.com/gomlx/distembed/pkg/support/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// reshardInputs converts data-parallel index inputs to model-parallel: every worker contributes
// its batch shard of every input, and receives the full (global batch) indices of the inputs whose
// tables it owns. One all-to-all.
//
// Indices are promoted to a common dtype first: int64 if any input is int64, else int32.
func (de *DistributedEmbedding) reshardInputs(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	if got, want := len(inputs), len(de.plan.InputTableMap); got != want {
		return nil, errors.Errorf("got %d inputs, plan expects %d", got, want)
	}
	commDType := dtypes.Int32
	for i, input := range inputs {
		switch input.DType() {
		case dtypes.Int32:
			// Default.
		case dtypes.Int64:
			commDType = dtypes.Int64
		default:
			return nil, errors.Errorf("input #%d: indices must be int32 or int64, got %s", i, input.DType())
		}
	}
	if commDType == dtypes.Int64 {
		return reshardInputsOf[int64](de, inputs)
	}
	return reshardInputsOf[int32](de, inputs)
}

func reshardInputsOf[T int32 | int64](de *DistributedEmbedding, inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	worldSize := de.group.WorldSize()
	rank := de.group.Rank()

	// Walk inputs in worker order: the send buffer holds, per destination worker, the flattened
	// concatenation of the inputs that worker serves.
	var send []T
	globalSplits := make([]int, worldSize)
	myIDs := de.plan.InputIDsByWorker[rank]
	localSplits := make([]int, len(myIDs))
	localDims := make([][]int, len(myIDs))
	for w := 0; w < worldSize; w++ {
		for j, inputID := range de.plan.InputIDsByWorker[w] {
			input := inputs[inputID]
			n := input.Shape().Size()
			if w == rank {
				localSplits[j] = n
				localDims[j] = input.Shape().Clone().Dimensions
			}
			globalSplits[w] += n
			flat, err := indexFlat[T](input)
			if err != nil {
				return nil, errors.WithMessagef(err, "input #%d", inputID)
			}
			send = append(send, flat...)
		}
	}

	recv, recvSplits, err := comms.AllToAll[T](de.group, send, globalSplits)
	if err != nil {
		return nil, err
	}

	// Every sender contributes the same per-input shapes, so received rows have equal length.
	rowLen := xslices.Sum(localSplits)
	for s, split := range recvSplits {
		if split != rowLen {
			return nil, errors.Errorf(
				"worker %d sent %d index elements, expected %d: batch sizes must match on all workers",
				s, split, rowLen)
		}
	}

	// recv is [worldSize, rowLen] row-major. Slice out each local input's columns and stack the
	// per-sender shards along the leading axis.
	localInputs := make([]*tensors.Tensor, len(myIDs))
	offset := 0
	for j := range myIDs {
		n := localSplits[j]
		flat := make([]T, 0, worldSize*n)
		for s := 0; s < worldSize; s++ {
			start := s*rowLen + offset
			flat = append(flat, recv[start:start+n]...)
		}
		offset += n
		dims := append([]int{worldSize * localDims[j][0]}, localDims[j][1:]...)
		localInputs[j] = tensors.FromFlatDataAndDimensions(flat, dims...)
	}
	return localInputs, nil
}

// reshardOutputs converts model-parallel lookup results back to data-parallel: every worker sends
// each peer that peer's batch shard of every locally served input, and reassembles the outputs of
// all inputs for its own shard, reordered to the original input order. One all-to-all.
//
// All local inputs must share the same leading dimension, a multiple of the world size.
func (de *DistributedEmbedding) reshardOutputs(mpInputs, mpOutputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	if len(mpOutputs) == 0 {
		return nil, errors.New("worker serves no inputs, nothing to reshard")
	}
	dtype := mpOutputs[0].DType()
	for i, out := range mpOutputs {
		if out.DType() != dtype {
			return nil, errors.Errorf("mixed output dtypes %s and %s (output #%d)", dtype, out.DType(), i)
		}
	}
	batch := mpInputs[0].Shape().Dim(0)
	if batch%de.group.WorldSize() != 0 {
		return nil, errors.Errorf("global batch size %d is not divisible by world size %d",
			batch, de.group.WorldSize())
	}
	localBatch := batch / de.group.WorldSize()
	switch dtype {
	case dtypes.Float64:
		return reshardOutputsOf[float64](de, mpOutputs, localBatch)
	default:
		return reshardOutputsOf[float32](de, mpOutputs, localBatch)
	}
}

func reshardOutputsOf[T float32 | float64](de *DistributedEmbedding, mpOutputs []*tensors.Tensor, localBatch int) ([]*tensors.Tensor, error) {
	worldSize := de.group.WorldSize()

	// View each [worldSize*localBatch, width] output as [worldSize, localBatch*width] and
	// interleave them so each destination's row holds its batch shard of every local output.
	rowLen := 0
	flats := make([][]T, len(mpOutputs))
	for i, out := range mpOutputs {
		flat, err := tensors.CopyFlatData[T](out)
		if err != nil {
			return nil, errors.WithMessagef(err, "local output #%d", i)
		}
		if len(flat)%worldSize != 0 {
			return nil, errors.Errorf("local output #%d has %d elements, not divisible by world size %d",
				i, len(flat), worldSize)
		}
		flats[i] = flat
		rowLen += len(flat) / worldSize
	}
	send := make([]T, 0, worldSize*rowLen)
	for s := 0; s < worldSize; s++ {
		for _, flat := range flats {
			seg := len(flat) / worldSize
			send = append(send, flat[s*seg:(s+1)*seg]...)
		}
	}

	recv, _, err := comms.AllToAll[T](de.group, send, xslices.SliceWithValue(worldSize, rowLen))
	if err != nil {
		return nil, err
	}

	// Received data is in worker order: all of worker 0's outputs for my shard, then worker 1's,
	// and so on. Split by the flat width list and put back in input order.
	workerOrder := make([]*tensors.Tensor, len(de.plan.WidthsFlat))
	offset := 0
	for i, width := range de.plan.WidthsFlat {
		n := localBatch * width
		if offset+n > len(recv) {
			return nil, errors.Errorf("received %d output elements, need at least %d", len(recv), offset+n)
		}
		workerOrder[i] = tensors.FromFlatDataAndDimensions(recv[offset:offset+n:offset+n], localBatch, width)
		offset += n
	}
	if offset != len(recv) {
		return nil, errors.Errorf("received %d output elements, expected %d", len(recv), offset)
	}
	outputs := make([]*tensors.Tensor, len(workerOrder))
	for i, srcIdx := range de.plan.ReverseGlobalInputIDs {
		outputs[i] = workerOrder[srcIdx]
	}
	return outputs, nil
}

// concatSlicedOutputs merges the per-slice outputs of column-sliced tables back into one output
// per original input, concatenating along the feature axis. Ranges must be applied in increasing
// order: each merge shrinks the list, which is what keeps the later ranges' positions valid.
func concatSlicedOutputs(outputs []*tensors.Tensor, ranges []sharding.OutRange) ([]*tensors.Tensor, error) {
	for _, r := range ranges {
		if r.Start < 0 || r.End > len(outputs) || r.End-r.Start < 2 {
			return nil, errors.Errorf("invalid output concat range [%d, %d) over %d outputs",
				r.Start, r.End, len(outputs))
		}
		merged, err := concatColumns(outputs[r.Start:r.End])
		if err != nil {
			return nil, err
		}
		outputs = append(outputs[:r.Start], append([]*tensors.Tensor{merged}, outputs[r.End:]...)...)
	}
	return outputs, nil
}

// concatColumns concatenates rank-2 tensors with equal leading dimension along axis 1.
func concatColumns(parts []*tensors.Tensor) (*tensors.Tensor, error) {
	switch parts[0].DType() {
	case dtypes.Float64:
		return concatColumnsOf[float64](parts)
	default:
		return concatColumnsOf[float32](parts)
	}
}

func concatColumnsOf[T float32 | float64](parts []*tensors.Tensor) (*tensors.Tensor, error) {
	rows := parts[0].Shape().Dim(0)
	totalWidth := 0
	flats := make([][]T, len(parts))
	widths := make([]int, len(parts))
	for i, part := range parts {
		if part.Rank() != 2 || part.Shape().Dim(0) != rows {
			return nil, errors.Errorf("cannot concat output of shape %s with leading dimension %d",
				part.Shape(), rows)
		}
		flat, err := tensors.CopyFlatData[T](part)
		if err != nil {
			return nil, err
		}
		flats[i] = flat
		widths[i] = part.Shape().Dim(1)
		totalWidth += widths[i]
	}
	merged := make([]T, 0, rows*totalWidth)
	for row := 0; row < rows; row++ {
		for i, flat := range flats {
			merged = append(merged, flat[row*widths[i]:(row+1)*widths[i]]...)
		}
	}
	return tensors.FromFlatDataAndDimensions(merged, rows, totalWidth), nil
}

// indexFlat copies a tensor's index data converted to the common communication dtype.
func indexFlat[T int32 | int64](t *tensors.Tensor) ([]T, error) {
	switch t.DType() {
	case dtypes.Int32:
		src, err := tensors.CopyFlatData[int32](t)
		if err != nil {
			return nil, err
		}
		return xslices.Map(src, func(v int32) T { return T(v) }), nil
	case dtypes.Int64:
		src, err := tensors.CopyFlatData[int64](t)
		if err != nil {
			return nil, err
		}
		return xslices.Map(src, func(v int64) T { return T(v) }), nil
	default:
		return nil, errors.Errorf("indices must be int32 or int64, got %s", t.DType())
	}
}
