// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package embeddings

import (
	"github.com/gomlx/distembed/pkg/comms"
	"github.com/gomlx/distembed/pkg/core/tensors"
	"github.com/gomlx/distembed/pkg/dist/gradients"
	"github.com/gomlx/distembed/pkg/dist/sharding"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options configures a DistributedEmbedding.
type Options struct {
	// Strategy selects the table-to-worker assignment strategy. Defaults to sharding.Basic.
	Strategy sharding.Strategy

	// ColumnSliceThreshold: tables with more elements are split column-wise into the smallest
	// power-of-two number of slices that brings each slice under the threshold. 0 disables
	// column slicing.
	ColumnSliceThreshold int

	// InputTableMap maps input position to table id (input i looks up table InputTableMap[i]).
	// Nil means one input per table, in table order.
	InputTableMap []int

	// ModelParallelInput: if true, Call takes model-parallel inputs (global batch, local inputs
	// only) and skips the input resharding exchange. Default is data-parallel input.
	ModelParallelInput bool

	// RowSlice is reserved: row-wise slicing of a table across workers is not supported, and a
	// non-nil value is a construction error.
	RowSlice []int
}

// DistributedEmbedding shards a set of embedding tables across the workers of a group and makes
// lookups and updates behave as if the tables lived on a single device.
//
// It is built once per worker from identical global inputs; the underlying sharding.Plan is
// recomputed identically everywhere, so construction involves no communication.
type DistributedEmbedding struct {
	group comms.Group
	plan  *sharding.Plan
	opts  Options

	// locals are this worker's slice tables, in local table order.
	locals []*Table

	// localInputTableMap maps this worker's local input index to its local table index.
	localInputTableMap []int
}

// New builds the sharding plan for the given global tables and creates this worker's local slice
// tables (zero-initialized; see SetWeights).
//
// Configuration errors -- an invalid strategy, row slicing, fewer tables than workers -- are fatal
// at construction and never silently defaulted.
func New(group comms.Group, tables []sharding.TableConfig, opts Options) (*DistributedEmbedding, error) {
	if opts.RowSlice != nil {
		return nil, errors.New("row slicing embedding tables is not supported")
	}
	plan, err := sharding.NewPlan(sharding.PlanConfig{
		Tables:               tables,
		WorldSize:            group.WorldSize(),
		Strategy:             opts.Strategy,
		ColumnSliceThreshold: opts.ColumnSliceThreshold,
		InputTableMap:        opts.InputTableMap,
	})
	if err != nil {
		return nil, err
	}
	rank := group.Rank()
	de := &DistributedEmbedding{
		group:              group,
		plan:               plan,
		opts:               opts,
		localInputTableMap: plan.LocalInputTableMap(rank),
	}
	for _, slice := range plan.LocalConfigs(rank) {
		table, err := NewTable(slice.Config, gradients.ModelParallel)
		if err != nil {
			return nil, err
		}
		de.locals = append(de.locals, table)
	}
	klog.V(1).Infof("DistributedEmbedding: worker %d/%d owns %d slices (plan fingerprint %x)",
		rank, group.WorldSize(), len(de.locals), plan.Fingerprint())
	return de, nil
}

// Plan returns the sharding plan (identical on every worker).
func (de *DistributedEmbedding) Plan() *sharding.Plan { return de.plan }

// LocalTables returns this worker's slice tables, in local table order.
func (de *DistributedEmbedding) LocalTables() []*Table { return de.locals }

// Variables returns this worker's managed variables and their parallelism classes, in local
// table order, for use with gradients.Router and gradients.BroadcastVariables.
func (de *DistributedEmbedding) Variables() ([]*tensors.Tensor, []gradients.Class) {
	vars := make([]*tensors.Tensor, len(de.locals))
	classes := make([]gradients.Class, len(de.locals))
	for i, table := range de.locals {
		vars[i] = table.Weights()
		classes[i] = table.Class()
	}
	return vars, classes
}

// Call runs one forward pass: data-parallel index inputs (one tensor per input, same leading batch
// dimension on every worker) to data-parallel embedding outputs, in the original input order.
//
// For worldSize == 1 this is plain local lookups; otherwise it is one all-to-all exchange to
// reshape inputs to model-parallel, local lookups, and a second exchange back -- a blocking
// collective that every worker must enter with the same per-worker batch size.
func (de *DistributedEmbedding) Call(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	wantInputs := len(de.plan.InputTableMap)
	if de.opts.ModelParallelInput && de.group.WorldSize() > 1 {
		wantInputs = len(de.plan.InputIDsByWorker[de.group.Rank()])
	}
	if len(inputs) != wantInputs {
		return nil, errors.Errorf("got %d inputs, expected %d", len(inputs), wantInputs)
	}
	if de.group.WorldSize() == 1 {
		outputs := make([]*tensors.Tensor, len(inputs))
		for i, input := range inputs {
			output, err := de.locals[de.localInputTableMap[i]].Lookup(input)
			if err != nil {
				return nil, errors.WithMessagef(err, "lookup of input #%d", i)
			}
			outputs[i] = output
		}
		return outputs, nil
	}

	localInputs := inputs
	if !de.opts.ModelParallelInput {
		var err error
		localInputs, err = de.reshardInputs(inputs)
		if err != nil {
			return nil, errors.WithMessage(err, "resharding data-parallel inputs")
		}
	}

	mpOutputs := make([]*tensors.Tensor, len(localInputs))
	for i, input := range localInputs {
		output, err := de.locals[de.localInputTableMap[i]].Lookup(input)
		if err != nil {
			return nil, errors.WithMessagef(err, "lookup of local input #%d", i)
		}
		mpOutputs[i] = output
	}

	outputs, err := de.reshardOutputs(localInputs, mpOutputs)
	if err != nil {
		return nil, errors.WithMessage(err, "resharding model-parallel outputs")
	}
	return concatSlicedOutputs(outputs, de.plan.SlicedOutRanges)
}
