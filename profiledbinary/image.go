// Copyright The ProfGen Authors
// SPDX-License-Identifier: Apache-2.0

// Package profiledbinary defines the contract the unwinder has against
// the binary image of the profiled executable: branch-site
// classification, instruction iteration and inline-context queries.
// The real implementation (disassembler, symbol tables, relocation) is an
// external collaborator; this package ships a synthetic table-driven
// image for tests and a memoizing cache wrapper.
package profiledbinary // import "github.com/westtide/profgen/profiledbinary"

// ExternalAddress marks control flow that left the profiled binary's
// known code. It is never a real code address.
const ExternalAddress = ^uint64(0)

// Image answers address classification queries about the profiled
// binary. All addresses are base-relocated; relocation happens once per
// binary before any sample is unwound.
type Image interface {
	// IsCallSite reports whether addr is a call instruction.
	IsCallSite(addr uint64) bool

	// IsReturnSite reports whether addr is a return instruction.
	IsReturnSite(addr uint64) bool

	// RangeCrossesUncondBranch reports whether [start, end] spans an
	// unconditional branch. A linear execution range can never do so;
	// such ranges come from duplicated hardware trace entries.
	RangeCrossesUncondBranch(start, end uint64) bool

	// CallAddrFromFrameAddr returns the address of the call
	// instruction preceding the given return landing address, or 0 if
	// frameAddr is not a post-call address. Used to tell a return from
	// external code apart from a call from external code.
	CallAddrFromFrameAddr(frameAddr uint64) uint64

	// PrevInstruction returns the address of the instruction
	// immediately before addr, or 0 when addr is not a known
	// instruction boundary. Drives backward iteration during linear
	// range unwinding.
	PrevInstruction(addr uint64) uint64

	// InlineContextEqual reports whether the two addresses belong to
	// the same inlined context. Linear ranges split where this flips.
	InlineContextEqual(a, b uint64) bool

	// FrameName returns a human-readable descriptor for the function
	// owning addr, used for frame-name context keys.
	FrameName(addr uint64) string

	// ExpandContext maps a root-to-leaf address path to frame
	// descriptors, expanding frames the compiler inlined away. The
	// returned flag reports whether the leaf frame's call was itself
	// inlined.
	ExpandContext(addrs []uint64) ([]string, bool)
}
