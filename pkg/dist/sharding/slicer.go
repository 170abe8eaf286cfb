// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sharding

// sliceTableColumns splits a table config column-wise if its element count exceeds threshold.
//
// The slice count N is the smallest power of two such that numElements/N <= threshold, capped at
// min(N, worldSize, OutputDim) -- a table never fragments more finely than the worker count, and
// no slice ever gets zero columns. Columns are split as evenly as possible: OutputDim/N each,
// with the first OutputDim%N slices receiving one extra column.
//
// threshold <= 0 means no slicing.
func sliceTableColumns(tableID int, cfg TableConfig, threshold, worldSize int) []Slice {
	numSlices := 1
	if threshold > 0 {
		size := cfg.NumElements()
		for size > threshold {
			numSlices *= 2
			size = (size + 1) / 2
		}
	}
	if numSlices == 1 {
		return []Slice{{TableID: tableID, Config: cfg, ColStart: 0, ColEnd: cfg.OutputDim}}
	}
	numSlices = min(numSlices, worldSize, cfg.OutputDim)

	columnsPerSlice := cfg.OutputDim / numSlices
	remainder := cfg.OutputDim % numSlices
	slices := make([]Slice, 0, numSlices)
	colStart := 0
	for i := 0; i < numSlices; i++ {
		columns := columnsPerSlice
		if i < remainder {
			columns++
		}
		sliced := cfg
		sliced.OutputDim = columns
		slices = append(slices, Slice{
			TableID:  tableID,
			Config:   sliced,
			ColStart: colStart,
			ColEnd:   colStart + columns,
		})
		colStart += columns
	}
	return slices
}

// createSlicedConfigs runs the column slicer over all global tables, and computes the ranges of
// the data-parallel output list that will need re-concatenation because of the slicing.
//
// The ranges are expressed in original input order: an input whose table was split into k slices
// produces k adjacent outputs starting at its input position (after the output resharder restores
// input order), so the range is [inputID, inputID+k).
func createSlicedConfigs(configs []TableConfig, inputTableMap []int, threshold, worldSize int) (sliced [][]Slice, outRanges []OutRange) {
	sliced = make([][]Slice, len(configs))
	for tableID, cfg := range configs {
		sliced[tableID] = sliceTableColumns(tableID, cfg, threshold, worldSize)
	}
	for inputID, tableID := range inputTableMap {
		if numSlices := len(sliced[tableID]); numSlices > 1 {
			outRanges = append(outRanges, OutRange{Start: inputID, End: inputID + numSlices})
		}
	}
	return
}
