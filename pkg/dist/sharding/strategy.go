// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"fmt"

	"github.com/pkg/errors"
)

// Strategy is an enumeration of the table-to-worker assignment strategies.
type Strategy int

const (
	// Basic assigns slices round-robin in their original order: slice i goes to worker
	// i % worldSize. Deterministic and ignores sizes.
	Basic Strategy = iota

	// MemoryBalanced sorts slices by element count (largest first) and deals them in two
	// interleaved round-robin passes, one forward and one backward, so every worker receives one
	// large and one small slice per pairing round. Slice counts stay equal across workers while
	// total elements are approximately balanced.
	MemoryBalanced

	// MemoryOptimized repeatedly assigns the largest remaining slice to the worker with the
	// smallest running total (greedy bin-packing). Best memory balance; slice counts per worker
	// may be uneven.
	MemoryOptimized
)

var strategyNames = map[Strategy]string{
	Basic:           "basic",
	MemoryBalanced:  "memory_balanced",
	MemoryOptimized: "memory_optimized",
}

// String implements fmt.Stringer.
func (s Strategy) String() string {
	if name, found := strategyNames[s]; found {
		return name
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// IsValid returns whether s is one of the defined strategies.
func (s Strategy) IsValid() bool {
	_, found := strategyNames[s]
	return found
}

// StrategyFromString parses a strategy name ("basic", "memory_balanced" or "memory_optimized").
//
// An unknown name is a configuration error: there is no fallback.
func StrategyFromString(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return Strategy(-1), errors.Errorf("unsupported sharding strategy %q (valid: basic, memory_balanced, memory_optimized)", name)
}
