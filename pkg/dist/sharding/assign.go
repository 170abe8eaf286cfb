// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"sort"

	"github.com/gomlx/distembed/pkg/support/xslices"
	"github.com/pkg/errors"
)

// assignSlices distributes the flat slice list to workers according to the strategy.
//
// The returned value has worldSize buckets; each bucket is an ordered list of owning-table ids,
// one entry per slice assigned to that worker. Slice identity is positional: the plan builder
// consumes the slices of a table in bucket-scan order (worker-major), which is also column order.
//
// All sorts are stable with the original slice order as tie-break, so that independently computed
// assignments are identical on every worker.
func assignSlices(strategy Strategy, worldSize int, flat []Slice) ([][]int, error) {
	tableIDs := xslices.Map(flat, func(s Slice) int { return s.TableID })
	sizes := xslices.Map(flat, func(s Slice) int { return s.NumElements() })

	switch strategy {
	case Basic:
		// Round-robin in original order: slice i goes to worker i % worldSize.
		assigned := make([][]int, worldSize)
		for rank := range assigned {
			for i := rank; i < len(tableIDs); i += worldSize {
				assigned[rank] = append(assigned[rank], tableIDs[i])
			}
		}
		return assigned, nil

	case MemoryBalanced:
		// Sort by size, largest first, then deal two interleaved round-robin passes: one forward
		// over the sorted sequence and one backward, pairing each worker's large slice with a
		// small one while keeping the per-worker slice count even.
		order := xslices.Iota(0, len(flat))
		sort.SliceStable(order, func(a, b int) bool { return sizes[order[a]] > sizes[order[b]] })
		sortedIDs := xslices.Map(order, func(i int) int { return tableIDs[i] })
		assigned := make([][]int, worldSize)
		for rank := range assigned {
			for i := rank; i < len(sortedIDs); i += 2 * worldSize {
				assigned[rank] = append(assigned[rank], sortedIDs[i])
			}
			for i := 2*worldSize - 1 - rank; i < len(sortedIDs); i += 2 * worldSize {
				assigned[rank] = append(assigned[rank], sortedIDs[i])
			}
		}
		return assigned, nil

	case MemoryOptimized:
		// Greedy bin-packing: pop the largest remaining slice, hand it to the least-loaded worker,
		// re-sort workers by running total. Stable sort: equal totals keep their relative order,
		// so the result is deterministic.
		order := xslices.Iota(0, len(flat))
		sort.SliceStable(order, func(a, b int) bool { return sizes[order[a]] < sizes[order[b]] })
		type bin struct {
			total int
			ids   []int
		}
		bins := make([]*bin, worldSize)
		for i := range bins {
			bins[i] = &bin{}
		}
		for len(order) > 0 {
			var next int
			next, order = xslices.Pop(order)
			bins[0].total += sizes[next]
			bins[0].ids = append(bins[0].ids, tableIDs[next])
			sort.SliceStable(bins, func(a, b int) bool { return bins[a].total < bins[b].total })
		}
		return xslices.Map(bins, func(b *bin) []int { return b.ids }), nil
	}
	return nil, errors.Errorf("unsupported sharding strategy %v", strategy)
}
