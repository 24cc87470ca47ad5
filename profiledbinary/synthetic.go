// Copyright The ProfGen Authors
// SPDX-License-Identifier: Apache-2.0

package profiledbinary // import "github.com/westtide/profgen/profiledbinary"

import (
	"fmt"
	"sort"
)

// SyntheticImage is a table-driven Image built from explicit address
// sets. It backs the package tests and the CLI self-check; adapting a
// real binary model means implementing Image directly, not populating
// one of these.
type SyntheticImage struct {
	callSites    map[uint64]bool
	returnSites  map[uint64]bool
	instructions []uint64
	instIndex    map[uint64]int
	uncondRanges [][2]uint64
	inlineGroups map[uint64]uint64
	frameNames   map[uint64]string
	inlinedLeafs map[uint64]bool
}

// SyntheticImageBuilder accumulates the address tables for a
// SyntheticImage.
type SyntheticImageBuilder struct {
	img SyntheticImage
}

func NewSyntheticImageBuilder() *SyntheticImageBuilder {
	return &SyntheticImageBuilder{img: SyntheticImage{
		callSites:    make(map[uint64]bool),
		returnSites:  make(map[uint64]bool),
		instIndex:    make(map[uint64]int),
		inlineGroups: make(map[uint64]uint64),
		frameNames:   make(map[uint64]string),
		inlinedLeafs: make(map[uint64]bool),
	}}
}

// AddInstructions declares known instruction boundaries.
func (b *SyntheticImageBuilder) AddInstructions(addrs ...uint64) *SyntheticImageBuilder {
	b.img.instructions = append(b.img.instructions, addrs...)
	return b
}

// AddCallSites marks the given addresses as call instructions.
func (b *SyntheticImageBuilder) AddCallSites(addrs ...uint64) *SyntheticImageBuilder {
	for _, addr := range addrs {
		b.img.callSites[addr] = true
	}
	return b
}

// AddReturnSites marks the given addresses as return instructions.
func (b *SyntheticImageBuilder) AddReturnSites(addrs ...uint64) *SyntheticImageBuilder {
	for _, addr := range addrs {
		b.img.returnSites[addr] = true
	}
	return b
}

// AddUncondBranchRange declares that [start, end] contains an
// unconditional branch.
func (b *SyntheticImageBuilder) AddUncondBranchRange(start, end uint64) *SyntheticImageBuilder {
	b.img.uncondRanges = append(b.img.uncondRanges, [2]uint64{start, end})
	return b
}

// SetInlineGroup assigns addr to an inline context group. Addresses in
// different groups split linear ranges.
func (b *SyntheticImageBuilder) SetInlineGroup(addr, group uint64) *SyntheticImageBuilder {
	b.img.inlineGroups[addr] = group
	return b
}

// SetLeafInlined marks addr as belonging to a call that was inlined
// away, so contexts ending there report an inlined leaf.
func (b *SyntheticImageBuilder) SetLeafInlined(addr uint64) *SyntheticImageBuilder {
	b.img.inlinedLeafs[addr] = true
	return b
}

// SetFrameName names the function owning addr.
func (b *SyntheticImageBuilder) SetFrameName(addr uint64, name string) *SyntheticImageBuilder {
	b.img.frameNames[addr] = name
	return b
}

// Build finalizes the image. Instruction addresses are deduplicated and
// sorted for backward iteration.
func (b *SyntheticImageBuilder) Build() *SyntheticImage {
	img := b.img
	sort.Slice(img.instructions, func(i, j int) bool {
		return img.instructions[i] < img.instructions[j]
	})
	dedup := img.instructions[:0]
	for _, addr := range img.instructions {
		if len(dedup) == 0 || dedup[len(dedup)-1] != addr {
			dedup = append(dedup, addr)
		}
	}
	img.instructions = dedup
	for i, addr := range img.instructions {
		img.instIndex[addr] = i
	}
	return &img
}

var _ Image = (*SyntheticImage)(nil)

func (s *SyntheticImage) IsCallSite(addr uint64) bool {
	return s.callSites[addr]
}

func (s *SyntheticImage) IsReturnSite(addr uint64) bool {
	return s.returnSites[addr]
}

func (s *SyntheticImage) RangeCrossesUncondBranch(start, end uint64) bool {
	for _, r := range s.uncondRanges {
		if start <= r[0] && r[1] <= end {
			return true
		}
	}
	return false
}

func (s *SyntheticImage) CallAddrFromFrameAddr(frameAddr uint64) uint64 {
	prev := s.PrevInstruction(frameAddr)
	if prev != 0 && s.callSites[prev] {
		return prev
	}
	return 0
}

func (s *SyntheticImage) PrevInstruction(addr uint64) uint64 {
	idx, ok := s.instIndex[addr]
	if !ok || idx == 0 {
		return 0
	}
	return s.instructions[idx-1]
}

func (s *SyntheticImage) InlineContextEqual(a, b uint64) bool {
	return s.inlineGroups[a] == s.inlineGroups[b]
}

func (s *SyntheticImage) FrameName(addr uint64) string {
	if name, ok := s.frameNames[addr]; ok {
		return name
	}
	return fmt.Sprintf("%#x", addr)
}

func (s *SyntheticImage) ExpandContext(addrs []uint64) ([]string, bool) {
	frames := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		frames = append(frames, s.FrameName(addr))
	}
	wasLeafInlined := false
	if len(addrs) > 0 {
		wasLeafInlined = s.inlinedLeafs[addrs[len(addrs)-1]]
	}
	return frames, wasLeafInlined
}
