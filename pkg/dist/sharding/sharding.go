// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sharding implements the deterministic planner that partitions a set of embedding tables
// across the workers of a fixed-size group.
//
// Planning is pure and replicated: every worker computes the identical Plan from the identical
// global inputs (table configurations, world size, strategy and column-slice threshold), so no
// communication is ever needed to agree on the layout. Communication is confined to the data and
// weight movement built on top of the Plan (see the embeddings package).
//
// Tables whose element count exceeds a threshold are split column-wise into Slices; a table is
// never split row-wise, and never into more slices than min(worldSize, outputDim). Slices are then
// assigned to workers by one of three strategies (Basic, MemoryBalanced, MemoryOptimized).
package sharding

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// TableConfig describes one logical embedding table: InputDim rows (the vocabulary) of OutputDim
// columns (the embedding width). It is global and immutable after construction.
type TableConfig struct {
	// Name is optional, used for display only.
	Name string

	// InputDim is the number of rows (distinct embedding ids).
	InputDim int

	// OutputDim is the embedding width (columns).
	OutputDim int

	// DType of the table weights. Defaults to Float32 if unset.
	DType dtypes.DType
}

// NumElements of the full table.
func (c TableConfig) NumElements() int {
	return c.InputDim * c.OutputDim
}

// WeightsDType returns the table dtype, defaulting to Float32.
func (c TableConfig) WeightsDType() dtypes.DType {
	if c.DType == dtypes.InvalidDType {
		return dtypes.Float32
	}
	return c.DType
}

// Validate returns an error if the config is unusable.
func (c TableConfig) Validate() error {
	if c.InputDim < 1 || c.OutputDim < 1 {
		return errors.Errorf("table %s: InputDim and OutputDim must be >= 1, got %dx%d",
			c.Display(), c.InputDim, c.OutputDim)
	}
	switch c.WeightsDType() {
	case dtypes.Float32, dtypes.Float64:
	default:
		return errors.Errorf("table %s: dtype %s not supported for embedding weights",
			c.Display(), c.WeightsDType())
	}
	return nil
}

// Display returns the table name, or a placeholder if unnamed.
func (c TableConfig) Display() string {
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("%dx%d", c.InputDim, c.OutputDim)
}

// Slice is a column-wise fragment of one table: the table config narrowed to a sub-range of its
// columns. A table that was not split is represented by a single Slice covering all columns.
type Slice struct {
	// TableID is the index of the owning table in the global table list.
	TableID int

	// Config is the narrowed config: same InputDim, OutputDim restricted to the slice columns.
	Config TableConfig

	// ColStart and ColEnd are the column range [ColStart, ColEnd) of the owning table covered
	// by this slice.
	ColStart, ColEnd int
}

// NumElements of the slice.
func (s Slice) NumElements() int {
	return s.Config.NumElements()
}

// String implements fmt.Stringer.
func (s Slice) String() string {
	return fmt.Sprintf("Slice{table=%d, rows=%d, cols=[%d,%d)}",
		s.TableID, s.Config.InputDim, s.ColStart, s.ColEnd)
}

// OutRange marks a contiguous range [Start, End) of positions in the per-input output list that
// must be concatenated along the feature axis, because they came from column-slices of one table.
//
// The coordinates are in original input order; ranges must be applied in increasing order, each
// application replacing the range by a single concatenated output (see embeddings).
type OutRange struct {
	Start, End int
}
