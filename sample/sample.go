// Copyright The ProfGen Authors
// SPDX-License-Identifier: Apache-2.0

// Package sample holds the parsed representation of one hardware sample
// (call stack snapshot plus LBR stack) and the aggregation of structurally
// identical samples into repeat counts.
package sample // import "github.com/westtide/profgen/sample"

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// LBREntry is a single hardware branch record, addresses as captured.
type LBREntry struct {
	Source uint64
	Target uint64
}

// Sample is one parsed observation from the trace.
type Sample struct {
	// LBRStack is recorded in FIFO order, oldest entry first.
	LBRStack []LBREntry
	// CallStack is recorded leaf to root. It may be empty for
	// range-only samples.
	CallStack []uint64
}

// Hash returns a content hash of the sample. The hash covers the call
// stack and every LBR source/target in order, so permutations of the
// same addresses hash differently.
func (s *Sample) Hash() uint64 {
	buf := make([]byte, 0, 8*(len(s.CallStack)+2*len(s.LBRStack)))
	for _, addr := range s.CallStack {
		buf = binary.LittleEndian.AppendUint64(buf, addr)
	}
	for _, entry := range s.LBRStack {
		buf = binary.LittleEndian.AppendUint64(buf, entry.Source)
		buf = binary.LittleEndian.AppendUint64(buf, entry.Target)
	}
	return xxh3.Hash(buf)
}

// Equal reports whether two samples have identical call stacks and
// identical LBR stacks, compared element-wise.
func (s *Sample) Equal(other *Sample) bool {
	if len(s.CallStack) != len(other.CallStack) ||
		len(s.LBRStack) != len(other.LBRStack) {
		return false
	}
	for i, addr := range s.CallStack {
		if addr != other.CallStack[i] {
			return false
		}
	}
	for i, entry := range s.LBRStack {
		if entry != other.LBRStack[i] {
			return false
		}
	}
	return true
}
