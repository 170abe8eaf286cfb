// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// distembed_plan prints the sharding plan a worker group would compute for a set of embedding
// tables: which slice of which table lands on which worker, and how much memory each worker ends
// up holding.
//
// Tables are given as a comma-separated list of <rows>x<columns> pairs, e.g.:
//
//	distembed_plan -tables 1000000x128,39000000x16,500x48 -world 8 -strategy memory_balanced
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/distembed/pkg/dist/sharding"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagTables = flag.String("tables", "", "Comma-separated table shapes, each <rows>x<columns>. Required.")
	flagWorld  = flag.Int("world", 1, "Number of model-parallel workers.")
	flagStrategy = flag.String("strategy", "basic",
		"Assignment strategy: one of basic, memory_balanced or memory_optimized.")
	flagThreshold = flag.Int("threshold", 0,
		"Column-slice threshold in elements. Tables larger than this are split column-wise. 0 disables slicing.")
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func parseTables(arg string) ([]sharding.TableConfig, error) {
	var tables []sharding.TableConfig
	for i, part := range strings.Split(arg, ",") {
		dims := strings.SplitN(strings.TrimSpace(part), "x", 2)
		if len(dims) != 2 {
			return nil, fmt.Errorf("table #%d: %q is not of the form <rows>x<columns>", i, part)
		}
		rows, err := strconv.Atoi(dims[0])
		if err != nil {
			return nil, fmt.Errorf("table #%d: bad row count %q: %w", i, dims[0], err)
		}
		cols, err := strconv.Atoi(dims[1])
		if err != nil {
			return nil, fmt.Errorf("table #%d: bad column count %q: %w", i, dims[1], err)
		}
		tables = append(tables, sharding.TableConfig{
			Name:      fmt.Sprintf("table_%d", i),
			InputDim:  rows,
			OutputDim: cols,
		})
	}
	return tables, nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagTables == "" {
		klog.Errorf("Missing -tables. See 'distembed_plan -help'.")
		os.Exit(1)
	}
	tables := must.M1(parseTables(*flagTables))
	strategy := must.M1(sharding.StrategyFromString(*flagStrategy))
	plan := must.M1(sharding.NewPlan(sharding.PlanConfig{
		Tables:               tables,
		WorldSize:            *flagWorld,
		Strategy:             strategy,
		ColumnSliceThreshold: *flagThreshold,
	}))
	report(plan)
}

func report(plan *sharding.Plan) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Sharding plan: %d tables on %d workers (%s)",
		len(plan.GlobalConfigs), plan.WorldSize, plan.Strategy)))

	table := newPlainTable(false)
	table.Row("# tables", humanize.Comma(int64(len(plan.GlobalConfigs))))
	table.Row("# slices", humanize.Comma(int64(plan.NumSlices())))
	table.Row("strategy", plan.Strategy.String())
	table.Row("fingerprint", fmt.Sprintf("%016x", plan.Fingerprint()))
	fmt.Println(table.Render())

	table = newPlainTable(true)
	table.Row("Worker", "Slice", "Columns", "Width", "# parameters", "# bytes")
	for w := 0; w < plan.WorldSize; w++ {
		totalElements := 0
		var totalBytes uintptr
		for _, slice := range plan.LocalConfigs(w) {
			bytes := uintptr(slice.NumElements()) * slice.Config.WeightsDType().Memory()
			totalElements += slice.NumElements()
			totalBytes += bytes
			table.Row(
				strconv.Itoa(w),
				slice.String(),
				fmt.Sprintf("[%d, %d)", slice.ColStart, slice.ColEnd),
				strconv.Itoa(slice.Config.OutputDim),
				humanize.Comma(int64(slice.NumElements())),
				humanize.Bytes(uint64(bytes)),
			)
		}
		table.Row(strconv.Itoa(w), "total", "", "",
			humanize.Comma(int64(totalElements)), humanize.Bytes(uint64(totalBytes)))
	}
	fmt.Println(table.Render())
}
