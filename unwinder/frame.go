// Copyright The ProfGen Authors
// SPDX-License-Identifier: Apache-2.0

// Package unwinder reconstructs calling contexts from hybrid samples
// (call stack snapshot plus LBR stack) by replaying the branch records
// in anti-chronological order against a per-sample frame trie, and
// aggregates the attributed range and branch counts into a
// context-keyed counter map.
package unwinder // import "github.com/westtide/profgen/unwinder"

import (
	"github.com/westtide/profgen/profiledbinary"
)

// RootAddress is the sentinel address of the synthetic trie root. Like
// profiledbinary.ExternalAddress it is never a real code address.
const RootAddress = ^uint64(0) - 1

// Observation is one (a, b, count) record on a frame: (start, end) for
// ranges, (source, target) for branches.
type Observation struct {
	A     uint64
	B     uint64
	Count uint64
}

// ProfiledFrame is one node of the per-sample context trie. Children are
// owned by their parent; the Parent pointer is a plain back-reference.
type ProfiledFrame struct {
	Address  uint64
	Parent   *ProfiledFrame
	Children map[uint64]*ProfiledFrame

	RangeObs  []Observation
	BranchObs []Observation

	// visited is set once the unwind cursor rests on the frame during
	// LBR replay. Unvisited frames get their leaf range attributed when
	// the call stack is drained.
	visited bool
}

// NewRootFrame returns a fresh trie root.
func NewRootFrame() *ProfiledFrame {
	return &ProfiledFrame{Address: RootAddress}
}

// GetOrCreateChild returns the child frame with the given address,
// creating and attaching it first if needed.
func (f *ProfiledFrame) GetOrCreateChild(address uint64) *ProfiledFrame {
	if child, ok := f.Children[address]; ok {
		return child
	}
	if f.Children == nil {
		f.Children = make(map[uint64]*ProfiledFrame)
	}
	child := &ProfiledFrame{Address: address, Parent: f}
	f.Children[address] = child
	return child
}

// RecordRange adds one (start, end, count) observation to the frame.
func (f *ProfiledFrame) RecordRange(start, end, count uint64) {
	f.RangeObs = append(f.RangeObs, Observation{A: start, B: end, Count: count})
}

// RecordBranch adds one (source, target, count) observation to the frame.
func (f *ProfiledFrame) RecordBranch(source, target, count uint64) {
	f.BranchObs = append(f.BranchObs, Observation{A: source, B: target, Count: count})
}

// IsRoot reports whether the frame is the synthetic trie root.
func (f *ProfiledFrame) IsRoot() bool {
	return f.Address == RootAddress
}

// IsExternal reports whether the frame stands for code outside the
// profiled binary.
func (f *ProfiledFrame) IsExternal() bool {
	return f.Address == profiledbinary.ExternalAddress
}

// IsLeaf reports whether the frame has no children.
func (f *ProfiledFrame) IsLeaf() bool {
	return len(f.Children) == 0
}
