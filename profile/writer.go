// Copyright The ProfGen Authors
// SPDX-License-Identifier: Apache-2.0

// Package profile reads and writes the unsymbolized text profile: per
// context, a bracketed frame header (context-sensitive profiles only),
// the range entries and the branch entries, each section preceded by its
// entry count.
package profile // import "github.com/westtide/profgen/profile"

import (
	"bufio"
	"fmt"
	"io"
	"sort"

	"github.com/westtide/profgen/unwinder"
)

// Write serializes the counter map. Contexts are ordered by their
// rendered header and entries by address so output is reproducible. For
// non-context-sensitive output all contexts collapse into one headerless
// block.
func Write(w io.Writer, m *unwinder.CounterMap, contextSensitive bool) error {
	if !contextSensitive {
		m = m.Flatten()
	}

	type block struct {
		header  string
		counter *unwinder.SampleCounter
	}
	blocks := make([]block, 0, m.Len())
	m.All(func(key *unwinder.ContextKey, counter *unwinder.SampleCounter) {
		blocks = append(blocks, block{header: key.String(), counter: counter})
	})
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].header < blocks[j].header })

	bw := bufio.NewWriter(w)
	for _, blk := range blocks {
		if contextSensitive {
			fmt.Fprintf(bw, "[%s]\n", blk.header)
		}
		writeRanges(bw, blk.counter)
		writeBranches(bw, blk.counter)
	}
	return bw.Flush()
}

func writeRanges(bw *bufio.Writer, counter *unwinder.SampleCounter) {
	ranges := make([]unwinder.Range, 0, len(counter.Ranges))
	for r := range counter.Ranges {
		ranges = append(ranges, r)
	}
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].Start != ranges[j].Start {
			return ranges[i].Start < ranges[j].Start
		}
		return ranges[i].End < ranges[j].End
	})
	fmt.Fprintf(bw, "%d\n", len(ranges))
	for _, r := range ranges {
		fmt.Fprintf(bw, "%x-%x:%d\n", r.Start, r.End, counter.Ranges[r])
	}
}

func writeBranches(bw *bufio.Writer, counter *unwinder.SampleCounter) {
	branches := make([]unwinder.Branch, 0, len(counter.Branches))
	for b := range counter.Branches {
		branches = append(branches, b)
	}
	sort.Slice(branches, func(i, j int) bool {
		if branches[i].Source != branches[j].Source {
			return branches[i].Source < branches[j].Source
		}
		return branches[i].Target < branches[j].Target
	})
	fmt.Fprintf(bw, "%d\n", len(branches))
	for _, b := range branches {
		fmt.Fprintf(bw, "%x->%x:%d\n", b.Source, b.Target, counter.Branches[b])
	}
}
