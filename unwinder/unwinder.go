// Copyright The ProfGen Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "github.com/westtide/profgen/unwinder"

import (
	log "github.com/sirupsen/logrus"

	"github.com/westtide/profgen/profiledbinary"
	"github.com/westtide/profgen/sample"
)

// Stats holds the cumulative diagnostics of a trace pass. None of them
// is fatal; they are surfaced once all samples are processed.
type Stats struct {
	// TotalSamples is the number of distinct aggregated samples replayed,
	// not weighted by their repeat counts.
	TotalSamples uint64
	// TotalBranches is the number of LBR entries replayed.
	TotalBranches uint64
	// BogusTraces counts samples whose stack leaf and LBR tip were too
	// far apart to trust.
	BogusTraces uint64
	// ExternalBranches counts branches originating or terminating in
	// unrecognized external code.
	ExternalBranches uint64
	// MismatchedTailCallBranches counts call branches whose caller frame
	// was missing from the stack snapshot, typically tail calls or
	// prologue/epilogue transitions.
	MismatchedTailCallBranches uint64
	// MissingExternalFrames counts calls into external code that had no
	// matching external frame on the reconstructed stack.
	MissingExternalFrames uint64
	// PairedExternalAddrs counts linear ranges skipped because execution
	// dipped into external code and came back.
	PairedExternalAddrs uint64
	// UnpairedExternalAddrs counts linear ranges with exactly one
	// external endpoint, which cannot be attributed.
	UnpairedExternalAddrs uint64
	// InvalidRanges counts ranges dropped for bad geometry: start past
	// end, or spanning an unconditional branch.
	InvalidRanges uint64
}

// Add accumulates other into s.
func (s *Stats) Add(other *Stats) {
	s.TotalSamples += other.TotalSamples
	s.TotalBranches += other.TotalBranches
	s.BogusTraces += other.BogusTraces
	s.ExternalBranches += other.ExternalBranches
	s.MismatchedTailCallBranches += other.MismatchedTailCallBranches
	s.MissingExternalFrames += other.MissingExternalFrames
	s.PairedExternalAddrs += other.PairedExternalAddrs
	s.UnpairedExternalAddrs += other.UnpairedExternalAddrs
	s.InvalidRanges += other.InvalidRanges
}

// VirtualUnwinder replays aggregated samples against the binary image
// and feeds the attributed counts into a caller-supplied CounterMap.
// One instance must not be used from multiple goroutines; the driver
// runs one per worker and merges.
type VirtualUnwinder struct {
	counters *CounterMap
	image    profiledbinary.Image
	cfg      Config

	Stats              Stats
	untrackedCallsites map[uint64]struct{}
}

// NewVirtualUnwinder returns an unwinder recording into counters.
func NewVirtualUnwinder(counters *CounterMap, image profiledbinary.Image,
	cfg Config) *VirtualUnwinder {
	return &VirtualUnwinder{
		counters:           counters,
		image:              image,
		cfg:                cfg,
		untrackedCallsites: make(map[uint64]struct{}),
	}
}

// UntrackedCallsites returns the return targets for which no preceding
// call could be resolved, for post-hoc reporting.
func (u *VirtualUnwinder) UntrackedCallsites() map[uint64]struct{} {
	return u.untrackedCallsites
}

// Unwind replays one sample with the given repeat count. It returns
// false when the sample was rejected or replay stopped early; counts
// recorded up to that point are kept.
func (u *VirtualUnwinder) Unwind(s *sample.Sample, repeat uint64) bool {
	if len(s.CallStack) == 0 {
		return false
	}
	state := NewUnwindState(s)

	// The leaf of the LBR stack must roughly align with the leaf of the
	// stack snapshot; stack samples are sometimes unreliable.
	if !u.validateInitialState(state, s) {
		u.Stats.BogusTraces++
		return false
	}

	u.Stats.TotalSamples++
	u.Stats.TotalBranches += uint64(len(s.LBRStack))

	u.recordLeafRange(state, s, repeat)

	for state.HasNextLBR() {
		// The leaf entry has no newer branch bounding its linear range;
		// recordLeafRange covered it.
		if !state.IsLeafLBR() {
			u.unwindLinear(state, repeat)
		}

		// Save the branch before it gets unwound; it is recorded at the
		// context that was current when it executed.
		branch := state.CurrentLBR()
		if u.isCallState(state) {
			u.unwindCall(state)
		} else if u.isReturnState(state) {
			u.unwindReturn(state)
		} else if state.Valid() {
			u.unwindBranch(state)
		} else {
			// Replay hit an unrecoverable inconsistency. Keep what was
			// recorded so far and stop unwinding this sample.
			break
		}
		state.AdvanceLBR()
		u.recordBranchCount(branch, state, repeat)
	}

	u.drainCallStack(state, repeat)
	u.collectTrie(state)
	return state.Valid()
}

func (u *VirtualUnwinder) validateInitialState(state *UnwindState,
	s *sample.Sample) bool {
	if len(s.LBRStack) == 0 {
		return true
	}
	lbrLeaf := s.LBRStack[len(s.LBRStack)-1].Target
	if lbrLeaf == profiledbinary.ExternalAddress {
		return true
	}
	leaf := s.CallStack[0]
	dist := leaf - lbrLeaf
	if lbrLeaf > leaf {
		dist = lbrLeaf - leaf
	}
	if dist >= u.cfg.LeafDistanceTolerance {
		log.Warnf("Bogus trace: stack tip = %#x, LBR tip = %#x", leaf, lbrLeaf)
		state.SetInvalid()
		return false
	}
	return true
}

// recordLeafRange attributes the code executed after the newest captured
// branch: from the newest LBR target up to the sampled leaf address.
// Without LBR entries the sample degenerates to the single leaf address.
func (u *VirtualUnwinder) recordLeafRange(state *UnwindState,
	s *sample.Sample, repeat uint64) {
	leaf := s.CallStack[0]
	if leaf == profiledbinary.ExternalAddress {
		return
	}
	lo, hi := leaf, leaf
	if len(s.LBRStack) > 0 {
		if target := s.LBRStack[len(s.LBRStack)-1].Target; target != profiledbinary.ExternalAddress {
			if target < lo {
				lo = target
			}
			if target > hi {
				hi = target
			}
		}
	}
	u.recordRangeCount(lo, hi, state, repeat)
}

func (u *VirtualUnwinder) isSourceExternal(e sample.LBREntry) bool {
	return e.Source == profiledbinary.ExternalAddress
}

// isReturnFromExternal reports a return out of external code: the target
// lands right behind a recognized call.
func (u *VirtualUnwinder) isReturnFromExternal(e sample.LBREntry) bool {
	return u.isSourceExternal(e) && u.image.CallAddrFromFrameAddr(e.Target) != 0
}

// isCallFromExternal treats any other branch out of external code as a
// call from external.
func (u *VirtualUnwinder) isCallFromExternal(e sample.LBREntry) bool {
	return u.isSourceExternal(e) && u.image.CallAddrFromFrameAddr(e.Target) == 0
}

func (u *VirtualUnwinder) isCallState(state *UnwindState) bool {
	if !state.Valid() {
		return false
	}
	e := state.CurrentLBR()
	if !u.isSourceExternal(e) && u.image.IsCallSite(e.Source) {
		return true
	}
	return u.isCallFromExternal(e)
}

func (u *VirtualUnwinder) isReturnState(state *UnwindState) bool {
	if !state.Valid() {
		return false
	}
	e := state.CurrentLBR()
	if !u.isSourceExternal(e) && u.image.IsReturnSite(e.Source) {
		return true
	}
	return u.isReturnFromExternal(e)
}

// unwindCall replays a call in reverse: the callee frame the call had
// pushed comes off the stack.
func (u *VirtualUnwinder) unwindCall(state *UnwindState) {
	e := state.CurrentLBR()
	if e.Target == profiledbinary.ExternalAddress && !state.Current.IsExternal() {
		// The matching artificial return should have pushed an external
		// frame; without it the reconstructed stack shape is broken.
		u.Stats.MissingExternalFrames++
		state.SetInvalid()
		return
	}
	parent := state.ParentFrame()
	if parent.IsRoot() || parent.Address != e.Source {
		// The caller frame is missing from the snapshot, as happens for
		// tail calls and truncated stacks. Relabel the leaf instead of
		// popping.
		state.SwitchToFrame(e.Source)
		if !parent.IsRoot() {
			u.Stats.MismatchedTailCallBranches++
		}
	} else {
		state.PopFrame()
	}
	state.InstPtr = e.Source
}

// unwindReturn replays a return in reverse: the callee the return left
// goes back onto the stack, keyed by the return instruction's address.
func (u *VirtualUnwinder) unwindReturn(state *UnwindState) {
	e := state.CurrentLBR()
	callAddr := u.image.CallAddrFromFrameAddr(e.Target)
	if callAddr == 0 {
		u.untrackedCallsites[e.Target] = struct{}{}
	} else {
		state.SwitchToFrame(callAddr)
	}
	state.PushFrame(e.Source)
	state.InstPtr = e.Source
}

// unwindBranch handles intra-function control flow: the frame is
// relabeled to the branch source without changing call depth.
func (u *VirtualUnwinder) unwindBranch(state *UnwindState) {
	source := state.CurrentLBR().Source
	state.SwitchToFrame(source)
	state.InstPtr = source
}

// unwindLinear attributes the straight-line range between the current
// entry's target and the source of the next newer entry, splitting at
// inline context changes.
func (u *VirtualUnwinder) unwindLinear(state *UnwindState, repeat uint64) {
	end := state.InstPtr
	target := state.CurrentLBR().Target

	if end == profiledbinary.ExternalAddress && target == profiledbinary.ExternalAddress {
		// Execution left for external code and returned; nothing in the
		// range is attributable, and the surrounding frames stay valid.
		u.Stats.PairedExternalAddrs++
		return
	}
	if end == profiledbinary.ExternalAddress || target == profiledbinary.ExternalAddress {
		u.Stats.UnpairedExternalAddrs++
		return
	}
	if !u.isValidFallThroughRange(target, end) {
		u.Stats.InvalidRanges++
		return
	}

	cur := end
	for cur > target {
		prev := u.image.PrevInstruction(cur)
		if prev == 0 || prev >= cur || prev < target {
			break
		}
		if !u.image.InlineContextEqual(cur, prev) {
			u.recordRangeCount(cur, end, state, repeat)
			end = prev
		}
		cur = prev
	}
	u.recordRangeCount(target, end, state, repeat)
}

func (u *VirtualUnwinder) isValidFallThroughRange(start, end uint64) bool {
	// Start past end, or a range spanning an unconditional branch, means
	// duplicate or corrupted hardware entries.
	return start <= end && !u.image.RangeCrossesUncondBranch(start, end)
}

func (u *VirtualUnwinder) recordRangeCount(start, end uint64,
	state *UnwindState, repeat uint64) {
	if !u.isValidFallThroughRange(start, end) {
		u.Stats.InvalidRanges++
		return
	}
	if state.Current.IsRoot() {
		return
	}
	state.Current.RecordRange(start, end, repeat)
}

func (u *VirtualUnwinder) recordBranchCount(branch sample.LBREntry,
	state *UnwindState, repeat uint64) {
	if branch.Source == profiledbinary.ExternalAddress ||
		branch.Target == profiledbinary.ExternalAddress {
		u.Stats.ExternalBranches++
		return
	}
	if state.Current.IsRoot() {
		return
	}
	state.Current.RecordBranch(branch.Source, branch.Target, repeat)
}

// drainCallStack attributes one trivial range to every stack frame the
// LBR replay never reached, covering code for which no branch was
// captured.
func (u *VirtualUnwinder) drainCallStack(state *UnwindState, repeat uint64) {
	for frame := state.Current; frame != nil && !frame.IsRoot(); frame = frame.Parent {
		if frame.visited || frame.IsExternal() {
			continue
		}
		frame.RecordRange(frame.Address, frame.Address, repeat)
		frame.visited = true
	}
}

func (u *VirtualUnwinder) newContextStack() contextStack {
	if u.cfg.KeyMode == KeyAddresses {
		return &addressStack{}
	}
	return &frameStack{image: u.image}
}

// collectTrie commits every counter in the trie to the shared map with
// a single depth-first traversal, computing each node's context key on
// the way.
func (u *VirtualUnwinder) collectTrie(state *UnwindState) {
	u.collectFrames(state.Root(), u.newContextStack())
}

func (u *VirtualUnwinder) collectFrames(frame *ProfiledFrame, stack contextStack) {
	if !frame.IsRoot() {
		if !stack.push(frame) {
			// External frames never appear in a context; their subtree
			// restarts with a truncated path.
			fresh := u.newContextStack()
			u.collectFrame(frame, fresh)
			for _, child := range frame.Children {
				u.collectFrames(child, fresh)
			}
			return
		}
	}
	u.collectFrame(frame, stack)
	for _, child := range frame.Children {
		u.collectFrames(child, stack)
	}
	if !frame.IsRoot() {
		stack.pop()
	}
}

func (u *VirtualUnwinder) collectFrame(frame *ProfiledFrame, stack contextStack) {
	if len(frame.RangeObs) == 0 && len(frame.BranchObs) == 0 {
		return
	}
	counter := u.counters.GetOrCreate(stack.contextKey())
	for _, obs := range frame.RangeObs {
		counter.RecordRange(obs.A, obs.B, obs.Count)
	}
	for _, obs := range frame.BranchObs {
		counter.RecordBranch(obs.A, obs.B, obs.Count)
	}
}
