// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/gomlx/distembed/pkg/support/sets"
	"github.com/gomlx/distembed/pkg/support/xslices"
	"github.com/pkg/errors"
)

// PlanConfig is the input to NewPlan. All workers must present identical values: the planner
// never communicates, and the correctness of everything downstream rests on every worker deriving
// the same Plan. Compare Plan.Fingerprint across workers (over a channel of your own) if you want
// to check.
type PlanConfig struct {
	// Tables are the global table configurations, in global table order.
	Tables []TableConfig

	// WorldSize is the number of workers; must be >= 1 and <= len(Tables).
	WorldSize int

	// Strategy selects how slices are assigned to workers.
	Strategy Strategy

	// ColumnSliceThreshold is the maximum element count of a slice; tables above it are split
	// column-wise. 0 (or negative) disables column slicing.
	ColumnSliceThreshold int

	// InputTableMap maps each input position to a table id: input i looks up table
	// InputTableMap[i]. Nil means one input per table, in table order.
	InputTableMap []int
}

// Plan is the complete result of sharding: slice ownership, input routing and the reorder
// permutations. It is computed identically and without communication by every worker, built once
// and immutable thereafter. Changing the table list, strategy or threshold requires building a
// new Plan.
type Plan struct {
	// WorldSize the plan was computed for.
	WorldSize int

	// Strategy used for assignment.
	Strategy Strategy

	// GlobalConfigs are the global table configs, as given.
	GlobalConfigs []TableConfig

	// InputTableMap maps input positions to global table ids (identity if it was nil).
	InputTableMap []int

	// TableIDsByWorker lists, per worker, the owning-table id of each slice it owns, in local
	// table order. A table id appears more than once in a worker's list when the worker owns
	// several column-slices of the same table.
	TableIDsByWorker [][]int

	// LocalConfigsByWorker lists, per worker, the Slice matching each entry of TableIDsByWorker.
	LocalConfigsByWorker [][]Slice

	// InputIDsByWorker lists, per worker, the global input positions routed to it, in local
	// input order.
	InputIDsByWorker [][]int

	// LocalInputTableMapByWorker maps, per worker, local input index to local table index.
	LocalInputTableMapByWorker [][]int

	// WidthsFlat is the output width of each local input, flattened in worker order. It sizes
	// the segments of the reverse (model-parallel to data-parallel) exchange.
	WidthsFlat []int

	// ReverseGlobalInputIDs is the permutation restoring worker-ordered outputs to original
	// input order.
	ReverseGlobalInputIDs []int

	// SlicedOutRanges are the output ranges to re-concatenate after reordering, in input-order
	// coordinates. Must be applied after ReverseGlobalInputIDs, in increasing order.
	SlicedOutRanges []OutRange
}

// NewPlan computes the sharding plan for the given configuration.
//
// It is pure: workers presenting identical configurations compute identical plans.
func NewPlan(cfg PlanConfig) (*Plan, error) {
	if cfg.WorldSize < 1 {
		return nil, errors.Errorf("WorldSize must be >= 1, got %d", cfg.WorldSize)
	}
	if len(cfg.Tables) == 0 {
		return nil, errors.New("no tables given")
	}
	if !cfg.Strategy.IsValid() {
		return nil, errors.Errorf("unsupported sharding strategy %v", cfg.Strategy)
	}
	if len(cfg.Tables) < cfg.WorldSize {
		return nil, errors.Errorf(
			"fewer tables (%d) than workers (%d): every worker must own at least one slice",
			len(cfg.Tables), cfg.WorldSize)
	}
	for _, table := range cfg.Tables {
		if err := table.Validate(); err != nil {
			return nil, err
		}
	}
	inputTableMap := cfg.InputTableMap
	if inputTableMap == nil {
		inputTableMap = xslices.Iota(0, len(cfg.Tables))
	}
	for inputID, tableID := range inputTableMap {
		if tableID < 0 || tableID >= len(cfg.Tables) {
			return nil, errors.Errorf("InputTableMap[%d]=%d out of range: have %d tables",
				inputID, tableID, len(cfg.Tables))
		}
	}

	p := &Plan{
		WorldSize:     cfg.WorldSize,
		Strategy:      cfg.Strategy,
		GlobalConfigs: xslices.Copy(cfg.Tables),
		InputTableMap: xslices.Copy(inputTableMap),
	}
	if cfg.WorldSize == 1 {
		p.buildSingleWorker()
		return p, nil
	}

	sliced, outRanges := createSlicedConfigs(cfg.Tables, inputTableMap, cfg.ColumnSliceThreshold, cfg.WorldSize)
	p.SlicedOutRanges = outRanges

	flat := make([]Slice, 0, len(sliced))
	for _, tableSlices := range sliced {
		flat = append(flat, tableSlices...)
	}
	assigned, err := assignSlices(cfg.Strategy, cfg.WorldSize, flat)
	if err != nil {
		return nil, err
	}
	p.TableIDsByWorker = assigned

	p.build(sliced)
	if err := p.validate(len(flat)); err != nil {
		return nil, err
	}
	return p, nil
}

// buildSingleWorker is the worldSize==1 fast path: the local plan equals the global configs, with
// identity routing and no reordering. It must produce the same observable forward/backward
// semantics as the multi-worker path.
func (p *Plan) buildSingleWorker() {
	numTables := len(p.GlobalConfigs)
	p.TableIDsByWorker = [][]int{xslices.Iota(0, numTables)}
	localSlices := make([]Slice, numTables)
	for tableID, cfg := range p.GlobalConfigs {
		localSlices[tableID] = Slice{TableID: tableID, Config: cfg, ColStart: 0, ColEnd: cfg.OutputDim}
	}
	p.LocalConfigsByWorker = [][]Slice{localSlices}
	p.InputIDsByWorker = [][]int{xslices.Iota(0, len(p.InputTableMap))}
	p.LocalInputTableMapByWorker = [][]int{xslices.Copy(p.InputTableMap)}
	p.WidthsFlat = xslices.Map(p.InputTableMap, func(tableID int) int {
		return p.GlobalConfigs[tableID].OutputDim
	})
	p.ReverseGlobalInputIDs = xslices.Iota(0, len(p.InputTableMap))
}

// build reconstructs the per-worker bookkeeping from the assignment. Every worker loops over all
// workers' assignments, so each ends up with the full global view.
//
// The slices of a table are consumed in bucket-scan order (worker-major), which matches column
// order: the first consumer of a table takes its first column range, and so on.
func (p *Plan) build(sliced [][]Slice) {
	nextSlice := make([]int, len(sliced)) // Consumption cursor per table.
	for _, workerTableIDs := range p.TableIDsByWorker {
		var workerSlices []Slice
		var workerInputIDs, workerInputMap []int
		for localTableIdx, tableID := range workerTableIDs {
			slice := sliced[tableID][nextSlice[tableID]]
			nextSlice[tableID]++
			workerSlices = append(workerSlices, slice)
			for inputID, mappedTableID := range p.InputTableMap {
				if mappedTableID == tableID {
					p.WidthsFlat = append(p.WidthsFlat, slice.Config.OutputDim)
					workerInputIDs = append(workerInputIDs, inputID)
					workerInputMap = append(workerInputMap, localTableIdx)
				}
			}
		}
		p.LocalConfigsByWorker = append(p.LocalConfigsByWorker, workerSlices)
		p.InputIDsByWorker = append(p.InputIDsByWorker, workerInputIDs)
		p.LocalInputTableMapByWorker = append(p.LocalInputTableMapByWorker, workerInputMap)
	}

	// Worker-ordered input ids, and the permutation that restores original input order: a stable
	// sort by input id, so several outputs of one input (its column slices) stay in worker-scan
	// order, which is column order.
	var workerOrderInputIDs []int
	for _, workerInputIDs := range p.InputIDsByWorker {
		workerOrderInputIDs = append(workerOrderInputIDs, workerInputIDs...)
	}
	rev := xslices.Iota(0, len(workerOrderInputIDs))
	sort.SliceStable(rev, func(a, b int) bool {
		return workerOrderInputIDs[rev[a]] < workerOrderInputIDs[rev[b]]
	})
	p.ReverseGlobalInputIDs = rev
}

// validate checks the partition property: every slice is owned by exactly one worker, and every
// worker routes at least one input.
func (p *Plan) validate(totalSlices int) error {
	owned := 0
	perTable := make(map[int]int)
	for _, workerTableIDs := range p.TableIDsByWorker {
		owned += len(workerTableIDs)
		for _, tableID := range workerTableIDs {
			perTable[tableID]++
		}
	}
	if owned != totalSlices {
		return errors.Errorf("assignment lost slices: %d assigned, %d exist", owned, totalSlices)
	}
	tablesSeen := sets.Make[int](len(p.GlobalConfigs))
	for tableID := range perTable {
		tablesSeen.Insert(tableID)
	}
	if !tablesSeen.Equal(sets.MakeWith(xslices.Iota(0, len(p.GlobalConfigs))...)) {
		return errors.Errorf("assignment dropped a table: %d of %d tables assigned",
			len(tablesSeen), len(p.GlobalConfigs))
	}
	for rank, workerInputIDs := range p.InputIDsByWorker {
		if len(workerInputIDs) == 0 {
			return errors.Errorf("worker %d routes no inputs: every worker must serve at least one input", rank)
		}
	}
	return nil
}

// LocalConfigs returns the slices owned by the given worker.
func (p *Plan) LocalConfigs(rank int) []Slice {
	return p.LocalConfigsByWorker[rank]
}

// LocalInputTableMap returns the local-input to local-table mapping of the given worker.
func (p *Plan) LocalInputTableMap(rank int) []int {
	return p.LocalInputTableMapByWorker[rank]
}

// NumSlices returns the total slice count across all workers.
func (p *Plan) NumSlices() int {
	total := 0
	for _, workerTableIDs := range p.TableIDsByWorker {
		total += len(workerTableIDs)
	}
	return total
}

// Fingerprint returns an FNV-1a hash of the planning inputs. Workers can compare fingerprints
// (over a channel of their own) to detect diverging configurations; the planner itself never
// communicates.
func (p *Plan) Fingerprint() uint64 {
	h := fnv.New64a()
	write := func(values ...int) {
		for _, v := range values {
			var buf [8]byte
			for i := range buf {
				buf[i] = byte(v >> (8 * i))
			}
			_, _ = h.Write(buf[:])
		}
	}
	write(p.WorldSize, int(p.Strategy), len(p.GlobalConfigs))
	for _, cfg := range p.GlobalConfigs {
		write(cfg.InputDim, cfg.OutputDim, int(cfg.WeightsDType()))
	}
	write(len(p.InputTableMap))
	write(p.InputTableMap...)
	return h.Sum64()
}

// String returns a per-worker summary of the plan.
func (p *Plan) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Plan{worldSize=%d, strategy=%s, tables=%d, slices=%d}\n",
		p.WorldSize, p.Strategy, len(p.GlobalConfigs), p.NumSlices())
	for rank, workerSlices := range p.LocalConfigsByWorker {
		elements := 0
		for _, slice := range workerSlices {
			elements += slice.NumElements()
		}
		_, _ = fmt.Fprintf(&sb, "  worker %d: %d slices, %d elements, tables=%v\n",
			rank, len(workerSlices), elements, p.TableIDsByWorker[rank])
	}
	return sb.String()
}
