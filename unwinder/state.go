// Copyright The ProfGen Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "github.com/westtide/profgen/unwinder"

import (
	"github.com/westtide/profgen/sample"
)

// UnwindState is the ephemeral cursor state for unwinding one sample. It
// owns the sample's private frame trie, tracks the position in the LBR
// stack and the reconstructed instruction pointer, and is discarded once
// the sample's counters have been collected.
type UnwindState struct {
	root    *ProfiledFrame
	Current *ProfiledFrame

	lbrStack []sample.LBREntry
	// lbrIndex walks the LBR stack newest to oldest. Entries are stored
	// oldest first, so replay starts at the end of the slice.
	lbrIndex int

	// InstPtr is the address the replayed execution is known to have
	// reached; it starts at the sampled leaf and moves to each branch
	// source as entries unwind.
	InstPtr uint64

	Invalid bool
}

// NewUnwindState builds the trie for the sample's call stack (walked
// root to leaf from the synthetic root) and positions the cursor at the
// resulting leaf. The call stack must not be empty.
func NewUnwindState(s *sample.Sample) *UnwindState {
	state := &UnwindState{
		root:     NewRootFrame(),
		lbrStack: s.LBRStack,
		lbrIndex: len(s.LBRStack) - 1,
		InstPtr:  s.CallStack[0],
	}
	cur := state.root
	for i := len(s.CallStack) - 1; i >= 0; i-- {
		cur = cur.GetOrCreateChild(s.CallStack[i])
	}
	state.Current = cur
	cur.visited = true
	return state
}

// Root returns the synthetic trie root.
func (s *UnwindState) Root() *ProfiledFrame {
	return s.root
}

// HasNextLBR reports whether unprocessed LBR entries remain.
func (s *UnwindState) HasNextLBR() bool {
	return s.lbrIndex >= 0
}

// IsLeafLBR reports whether the current entry is the newest one. Its
// leading linear range is handled separately since the sampled leaf, not
// a later branch source, bounds it.
func (s *UnwindState) IsLeafLBR() bool {
	return s.lbrIndex == len(s.lbrStack)-1
}

// CurrentLBR returns the entry at the replay cursor.
func (s *UnwindState) CurrentLBR() sample.LBREntry {
	return s.lbrStack[s.lbrIndex]
}

// AdvanceLBR moves the replay cursor one entry further into the past.
func (s *UnwindState) AdvanceLBR() {
	s.lbrIndex--
}

// ParentFrame returns the parent of the current leaf frame.
func (s *UnwindState) ParentFrame() *ProfiledFrame {
	return s.Current.Parent
}

// PushFrame descends one level from the cursor, creating the child frame
// if needed.
func (s *UnwindState) PushFrame(address uint64) {
	s.Current = s.Current.GetOrCreateChild(address)
	s.Current.visited = true
}

// PopFrame moves the cursor to the parent frame. Popping the root is a
// classification bug upstream and must not happen.
func (s *UnwindState) PopFrame() {
	s.Current = s.Current.Parent
	s.Current.visited = true
}

// SwitchToFrame relabels the cursor at its current depth: the cursor
// moves to the sibling frame with the given address, creating it if
// needed. Used for intra-function control flow and tail-call correction.
func (s *UnwindState) SwitchToFrame(address uint64) {
	if s.Current.Address == address {
		return
	}
	if s.Current.IsRoot() {
		s.Current = s.Current.GetOrCreateChild(address)
	} else {
		s.Current = s.Current.Parent.GetOrCreateChild(address)
	}
	s.Current.visited = true
}

// SetInvalid marks the remaining replay of this sample as not
// trustworthy.
func (s *UnwindState) SetInvalid() {
	s.Invalid = true
}

// Valid reports whether replay may continue.
func (s *UnwindState) Valid() bool {
	return !s.Invalid
}
