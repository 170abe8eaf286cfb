// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a representation of a multidimensional array.
//
// Tensors are multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large dimensions), defined
// by their shape (a data type and its axes' dimensions) and their actual content, stored as a flat (1D) slice of
// the corresponding Go type.
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and set the flattened values with the given data.
//
//   - FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given.
//
// Access to the flat data is done with the generic accessors ConstFlatData and MutableFlatData, which take
// an access function: the flat slice is only valid during the call. MustCopyFlatData returns a copy instead.
package tensors

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/gomlx/distembed/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Tensor represents a multidimensional array, defined by its shape -- a data type (dtypes.DType) and its axes'
// dimensions -- and its content, stored as a flat (1D) slice of the corresponding Go type.
//
// It is the unit of data moved around by the resharding and weight-transfer code: index batches, embedding
// rows and gradients are all carried as tensors.
type Tensor struct {
	// shape of the tensor. Immutable after construction.
	shape shapes.Shape

	// mu protects flat.
	mu sync.Mutex

	// flat holds the actual data: a slice of the Go type for the shape's dtype.
	flat any
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
//
// It panics if you provide an invalid shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		panic(errors.New("tensors.FromShape: invalid shape"))
	}
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size())
	return &Tensor{
		shape: shape,
		flat:  flatV.Interface(),
	}
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the
// given scalar value replicated everywhere.
// The `DType` is inferred from the value.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	t := FromShape(shapes.Make(dtypes.FromGenericsType[T](), dimensions...))
	MustMutableFlatData(t, func(flat []T) {
		for ii := range flat {
			flat[ii] = value
		}
	})
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values
// given in `data`. The data is copied into the Tensor. The `DType` is inferred from the `data` type.
//
// It panics if the size of data is wrong for the shape.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	MustMutableFlatData(t, func(flat []T) {
		copy(flat, data)
	})
	return t
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType {
	if t == nil {
		return dtypes.InvalidDType
	}
	return t.shape.DType
}

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Ok returns whether the Tensor is in a valid state.
func (t *Tensor) Ok() bool {
	return t != nil && t.shape.Ok() && t.flat != nil
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := FromShape(t.shape)
	t.mu.Lock()
	defer t.mu.Unlock()
	reflect.Copy(reflect.ValueOf(clone.flat), reflect.ValueOf(t.flat))
	return clone
}

// ConstFlatData calls accessFn with the flat data of the tensor.
//
// The slice is only valid during the call of accessFn and must not be modified -- see MutableFlatData to
// mutate it.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) error {
	if !t.Ok() {
		return errors.New("tensor is in an invalid state")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	accessFn(t.flat)
	return nil
}

// MutableFlatData calls accessFn with the flat data of the tensor, which may be modified in place.
//
// The slice is only valid during the call of accessFn.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) error {
	if !t.Ok() {
		return errors.New("tensor is in an invalid state")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	accessFn(t.flat)
	return nil
}

// ConstFlatData calls accessFn with the flat data of the tensor, cast to []T.
//
// It returns an error if the tensor dtype doesn't correspond to T.
// The slice is only valid during the call of accessFn and must not be modified.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if t.DType() != dtypes.FromGenericsType[T]() {
		var v T
		return errors.Errorf("tensor has dtype %s, but requested access with type %T", t.DType(), v)
	}
	return t.ConstFlatData(func(flat any) {
		accessFn(flat.([]T))
	})
}

// MustConstFlatData is like ConstFlatData but panics on error.
func MustConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if err := ConstFlatData(t, accessFn); err != nil {
		panic(err)
	}
}

// MutableFlatData calls accessFn with the flat data of the tensor, cast to []T, which may be modified in place.
//
// It returns an error if the tensor dtype doesn't correspond to T.
// The slice is only valid during the call of accessFn.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if t.DType() != dtypes.FromGenericsType[T]() {
		var v T
		return errors.Errorf("tensor has dtype %s, but requested access with type %T", t.DType(), v)
	}
	return t.MutableFlatData(func(flat any) {
		accessFn(flat.([]T))
	})
}

// MustMutableFlatData is like MutableFlatData but panics on error.
func MustMutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if err := MutableFlatData(t, accessFn); err != nil {
		panic(err)
	}
}

// CopyFlatData returns a copy of the flat data of the tensor, cast to []T.
// It returns an error if the dtype doesn't correspond to T.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	var data []T
	err := ConstFlatData(t, func(flat []T) {
		data = make([]T, len(flat))
		copy(data, flat)
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// MustCopyFlatData is like CopyFlatData but panics on error.
func MustCopyFlatData[T dtypes.Supported](t *Tensor) []T {
	data, err := CopyFlatData[T](t)
	if err != nil {
		panic(err)
	}
	return data
}

// Equal checks whether t and otherTensor have the same shape and bit-identical content.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	if t == nil || otherTensor == nil {
		return t == otherTensor
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	equal := false
	_ = t.ConstFlatData(func(flat any) {
		_ = otherTensor.ConstFlatData(func(otherFlat any) {
			equal = reflect.DeepEqual(flat, otherFlat)
		})
	})
	return equal
}

// String prints the shape and, for small tensors, the content.
func (t *Tensor) String() string {
	if t == nil || !t.Ok() {
		return "Tensor<invalid>"
	}
	if t.Size() <= 16 {
		var s string
		_ = t.ConstFlatData(func(flat any) {
			s = fmt.Sprintf("Tensor%s: %v", t.shape, flat)
		})
		return s
	}
	return fmt.Sprintf("Tensor%s: (%d elements)", t.shape, t.Size())
}
