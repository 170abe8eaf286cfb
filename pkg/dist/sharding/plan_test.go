// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeTables() []TableConfig {
	return []TableConfig{
		{Name: "a", InputDim: 100, OutputDim: 8},
		{Name: "b", InputDim: 50, OutputDim: 16},
		{Name: "c", InputDim: 200, OutputDim: 4},
	}
}

func TestNewPlanBasicTwoWorkers(t *testing.T) {
	plan, err := NewPlan(PlanConfig{Tables: threeTables(), WorldSize: 2, Strategy: Basic})
	require.NoError(t, err)

	assert.Equal(t, [][]int{{0, 2}, {1}}, plan.TableIDsByWorker)
	assert.Equal(t, [][]int{{0, 2}, {1}}, plan.InputIDsByWorker)
	assert.Equal(t, [][]int{{0, 1}, {0}}, plan.LocalInputTableMapByWorker)
	assert.Equal(t, []int{8, 4, 16}, plan.WidthsFlat)
	// Worker-ordered outputs are for inputs [0, 2, 1]; positions 0, 2, 1 restore input order.
	assert.Equal(t, []int{0, 2, 1}, plan.ReverseGlobalInputIDs)
	assert.Empty(t, plan.SlicedOutRanges)

	worker0 := plan.LocalConfigs(0)
	require.Len(t, worker0, 2)
	assert.Equal(t, "a", worker0[0].Config.Name)
	assert.Equal(t, "c", worker0[1].Config.Name)
	assert.Equal(t, 8, worker0[0].Config.OutputDim)
	require.Len(t, plan.LocalConfigs(1), 1)
	assert.Equal(t, "b", plan.LocalConfigs(1)[0].Config.Name)
}

func TestNewPlanSingleWorker(t *testing.T) {
	plan, err := NewPlan(PlanConfig{
		Tables:    threeTables(),
		WorldSize: 1,
		Strategy:  MemoryOptimized,
		// Threshold would split tables in a larger group; with one worker it must be a no-op.
		ColumnSliceThreshold: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1, 2}}, plan.TableIDsByWorker)
	assert.Equal(t, [][]int{{0, 1, 2}}, plan.InputIDsByWorker)
	assert.Equal(t, []int{8, 16, 4}, plan.WidthsFlat)
	assert.Equal(t, []int{0, 1, 2}, plan.ReverseGlobalInputIDs)
	assert.Empty(t, plan.SlicedOutRanges)
	assert.Equal(t, 3, plan.NumSlices())
}

func TestNewPlanColumnSliced(t *testing.T) {
	// Table a (800 elements) splits in two; the slices land on both workers (basic round-robin
	// over slices [a0, a1, b, c]).
	tables := []TableConfig{
		{Name: "a", InputDim: 100, OutputDim: 8},
		{Name: "b", InputDim: 20, OutputDim: 16},
		{Name: "c", InputDim: 30, OutputDim: 6},
	}
	plan, err := NewPlan(PlanConfig{
		Tables:               tables,
		WorldSize:            2,
		Strategy:             Basic,
		ColumnSliceThreshold: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1}, {0, 2}}, plan.TableIDsByWorker)
	assert.Equal(t, 4, plan.NumSlices())

	// Worker 0 consumes a's first slice (columns [0, 4)), worker 1 its second.
	assert.Equal(t, 0, plan.LocalConfigs(0)[0].ColStart)
	assert.Equal(t, 4, plan.LocalConfigs(0)[0].ColEnd)
	assert.Equal(t, 4, plan.LocalConfigs(1)[0].ColStart)
	assert.Equal(t, 8, plan.LocalConfigs(1)[0].ColEnd)

	// Input 0 appears on both workers, once per slice; after the input-order restore its two
	// outputs occupy positions [0, 2) and get concatenated.
	assert.Equal(t, [][]int{{0, 1}, {0, 2}}, plan.InputIDsByWorker)
	assert.Equal(t, []int{4, 16, 4, 6}, plan.WidthsFlat)
	assert.Equal(t, []OutRange{{Start: 0, End: 2}}, plan.SlicedOutRanges)
	// Worker-order input ids are [0, 1, 0, 2]: stable sort keeps worker 0's slice of input 0
	// ahead of worker 1's, preserving column order.
	assert.Equal(t, []int{0, 2, 1, 3}, plan.ReverseGlobalInputIDs)
}

func TestNewPlanSharedTable(t *testing.T) {
	// Two inputs feeding one table: the table is stored once but routed to both inputs.
	tables := []TableConfig{
		{InputDim: 100, OutputDim: 8},
		{InputDim: 50, OutputDim: 16},
	}
	plan, err := NewPlan(PlanConfig{
		Tables:        tables,
		WorldSize:     2,
		Strategy:      Basic,
		InputTableMap: []int{0, 1, 0},
	})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0}, {1}}, plan.TableIDsByWorker)
	assert.Equal(t, [][]int{{0, 2}, {1}}, plan.InputIDsByWorker)
	assert.Equal(t, [][]int{{0, 0}, {0}}, plan.LocalInputTableMapByWorker)
	assert.Equal(t, []int{8, 8, 16}, plan.WidthsFlat)
	assert.Equal(t, []int{0, 2, 1}, plan.ReverseGlobalInputIDs)
}

func TestNewPlanErrors(t *testing.T) {
	tables := threeTables()
	cases := []struct {
		name string
		cfg  PlanConfig
		want string
	}{
		{"zero world size", PlanConfig{Tables: tables, WorldSize: 0}, "WorldSize must be >= 1"},
		{"no tables", PlanConfig{WorldSize: 2}, "no tables"},
		{"bad strategy", PlanConfig{Tables: tables, WorldSize: 2, Strategy: Strategy(9)}, "unsupported sharding strategy"},
		{"more workers than tables", PlanConfig{Tables: tables, WorldSize: 4}, "fewer tables"},
		{"bad table", PlanConfig{Tables: []TableConfig{{InputDim: 0, OutputDim: 4}}, WorldSize: 1}, "must be >= 1"},
		{"bad input map", PlanConfig{Tables: tables, WorldSize: 2, InputTableMap: []int{0, 3}}, "out of range"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPlan(tc.cfg)
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestPlanDeterminism(t *testing.T) {
	// The whole point of replicated planning: same inputs, same plan, on every "worker".
	for strategy := range strategyNames {
		cfg := PlanConfig{
			Tables:               threeTables(),
			WorldSize:            3,
			Strategy:             strategy,
			ColumnSliceThreshold: 500,
		}
		a, err := NewPlan(cfg)
		require.NoError(t, err)
		b, err := NewPlan(cfg)
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	}
}

func TestPlanFingerprintSensitivity(t *testing.T) {
	base := PlanConfig{Tables: threeTables(), WorldSize: 2, Strategy: Basic}
	plan, err := NewPlan(base)
	require.NoError(t, err)

	changed := base
	changed.Strategy = MemoryBalanced
	other, err := NewPlan(changed)
	require.NoError(t, err)
	assert.NotEqual(t, plan.Fingerprint(), other.Fingerprint())

	changed = base
	changed.Tables = append([]TableConfig{}, base.Tables...)
	changed.Tables[0].OutputDim = 16
	other, err = NewPlan(changed)
	require.NoError(t, err)
	assert.NotEqual(t, plan.Fingerprint(), other.Fingerprint())
}

func TestStrategyFromString(t *testing.T) {
	for strategy, name := range strategyNames {
		parsed, err := StrategyFromString(name)
		require.NoError(t, err)
		assert.Equal(t, strategy, parsed)
		assert.Equal(t, name, parsed.String())
	}
	_, err := StrategyFromString("best_effort")
	require.ErrorContains(t, err, "unsupported sharding strategy")
	assert.False(t, Strategy(-1).IsValid())
}
