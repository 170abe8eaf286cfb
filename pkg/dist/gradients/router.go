// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gradients routes per-variable gradients after local differentiation in a hybrid-parallel
// setup: model-parallel variables (embedding shards, living on exactly one worker) and
// data-parallel variables (replicated, identical logical content everywhere) need different
// cross-worker reduction semantics.
//
// Each managed variable carries an explicit Class, set at creation time by whichever component
// owns it, and classification is always passed as an explicit argument -- there is no hidden
// attribute inspection.
package gradients

import (
	"github.com/gomlx/distembed/pkg/comms"
	"github.com/gomlx/distembed/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Class tags a variable with its parallelism class.
type Class int

const (
	// DataParallel variables are replicated on all workers; their gradients are all-reduced with
	// an averaging reduction.
	DataParallel Class = iota

	// ModelParallel variables live entirely on one worker; their gradients are never exchanged,
	// only scaled by 1/worldSize to emulate the same averaging.
	ModelParallel
)

// String implements fmt.Stringer.
func (c Class) String() string {
	switch c {
	case DataParallel:
		return "data_parallel"
	case ModelParallel:
		return "model_parallel"
	}
	return "invalid_class"
}

// Router reduces gradients across a worker group according to each variable's Class.
//
// It is injected into the training loop; RouteAndReduce is called once per backward pass.
type Router struct {
	group comms.Group
}

// NewRouter returns a Router reducing over the given group.
func NewRouter(group comms.Group) *Router {
	return &Router{group: group}
}

// RouteAndReduce reduces grads according to classes and returns them in the original variable
// order: data-parallel gradients are all-reduce-averaged across the group; model-parallel
// gradients are divided by the world size and passed through untouched.
//
// Gradients of one class must not change order relative to each other: the data-parallel
// reductions are collectives and must be issued in the same order on every worker.
func (r *Router) RouteAndReduce(grads []*tensors.Tensor, classes []Class) ([]*tensors.Tensor, error) {
	if len(grads) != len(classes) {
		return nil, errors.Errorf("got %d gradients but %d classes", len(grads), len(classes))
	}
	worldSize := r.group.WorldSize()

	// Position of each variable within its class-specific list, to re-interleave afterwards.
	type slot struct {
		modelParallel bool
		index         int
	}
	slots := make([]slot, len(grads))
	var dpGrads, mpGrads []*tensors.Tensor
	for i, grad := range grads {
		switch classes[i] {
		case ModelParallel:
			scaled, err := scale(grad, 1.0/float64(worldSize))
			if err != nil {
				return nil, errors.WithMessagef(err, "gradient #%d (model-parallel)", i)
			}
			slots[i] = slot{modelParallel: true, index: len(mpGrads)}
			mpGrads = append(mpGrads, scaled)
		case DataParallel:
			slots[i] = slot{modelParallel: false, index: len(dpGrads)}
			dpGrads = append(dpGrads, grad)
		default:
			return nil, errors.Errorf("gradient #%d has invalid class %v", i, classes[i])
		}
	}
	for i, grad := range dpGrads {
		reduced, err := allReduceMeanTensor(r.group, grad)
		if err != nil {
			return nil, errors.WithMessagef(err, "all-reduce of data-parallel gradient #%d", i)
		}
		dpGrads[i] = reduced
	}

	result := make([]*tensors.Tensor, len(grads))
	for i, s := range slots {
		if s.modelParallel {
			result[i] = mpGrads[s.index]
		} else {
			result[i] = dpGrads[s.index]
		}
	}
	return result, nil
}

// BroadcastVariables overwrites the data-parallel variables with root's values, so that all
// workers start from identical replicated parameters. Model-parallel variables are left alone:
// each worker's shard is already authoritative.
//
// Classification is passed explicitly; classes[i] applies to vars[i].
func BroadcastVariables(group comms.Group, vars []*tensors.Tensor, classes []Class, root int) error {
	if len(vars) != len(classes) {
		return errors.Errorf("got %d variables but %d classes", len(vars), len(classes))
	}
	for i, v := range vars {
		if classes[i] != DataParallel {
			continue
		}
		var err error
		switch v.DType() {
		case dtypes.Float32:
			err = broadcastInto[float32](group, v, root)
		case dtypes.Float64:
			err = broadcastInto[float64](group, v, root)
		default:
			err = errors.Errorf("dtype %s not supported", v.DType())
		}
		if err != nil {
			return errors.WithMessagef(err, "broadcast of variable #%d", i)
		}
	}
	return nil
}

func broadcastInto[T float32 | float64](group comms.Group, v *tensors.Tensor, root int) error {
	var sendErr error
	var received []T
	err := tensors.ConstFlatData(v, func(flat []T) {
		received, sendErr = comms.Broadcast(group, flat, root)
	})
	if err != nil {
		return err
	}
	if sendErr != nil {
		return sendErr
	}
	return tensors.MutableFlatData(v, func(flat []T) {
		copy(flat, received)
	})
}

func allReduceMeanTensor(group comms.Group, grad *tensors.Tensor) (*tensors.Tensor, error) {
	switch grad.DType() {
	case dtypes.Float32:
		return allReduceMeanT[float32](group, grad)
	case dtypes.Float64:
		return allReduceMeanT[float64](group, grad)
	}
	return nil, errors.Errorf("dtype %s not supported for gradient reduction", grad.DType())
}

func allReduceMeanT[T float32 | float64](group comms.Group, grad *tensors.Tensor) (*tensors.Tensor, error) {
	var reduced []T
	var reduceErr error
	err := tensors.ConstFlatData(grad, func(flat []T) {
		reduced, reduceErr = comms.AllReduceMean(group, flat)
	})
	if err != nil {
		return nil, err
	}
	if reduceErr != nil {
		return nil, reduceErr
	}
	out := tensors.FromShape(grad.Shape())
	err = tensors.MutableFlatData(out, func(flat []T) {
		copy(flat, reduced)
	})
	return out, err
}

func scale(grad *tensors.Tensor, factor float64) (*tensors.Tensor, error) {
	out := tensors.FromShape(grad.Shape())
	switch grad.DType() {
	case dtypes.Float32:
		return out, scaleT[float32](grad, out, factor)
	case dtypes.Float64:
		return out, scaleT[float64](grad, out, factor)
	}
	return nil, errors.Errorf("dtype %s not supported for gradient scaling", grad.DType())
}

func scaleT[T float32 | float64](in, out *tensors.Tensor, factor float64) error {
	return tensors.ConstFlatData(in, func(inFlat []T) {
		_ = tensors.MutableFlatData(out, func(outFlat []T) {
			f := T(factor)
			for i, v := range inFlat {
				outFlat[i] = v * f
			}
		})
	})
}
