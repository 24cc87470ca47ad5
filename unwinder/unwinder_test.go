// Copyright The ProfGen Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/westtide/profgen/profiledbinary"
	"github.com/westtide/profgen/sample"
	"github.com/westtide/profgen/unwinder"
)

func addrConfig() unwinder.Config {
	cfg := unwinder.DefaultConfig()
	cfg.KeyMode = unwinder.KeyAddresses
	return cfg
}

func TestUnwindEmptyLBR(t *testing.T) {
	// A sample without branch records degenerates to one trivial range
	// at the sampled leaf.
	image := profiledbinary.NewSyntheticImageBuilder().Build()
	counters := unwinder.NewCounterMap()
	u := unwinder.NewVirtualUnwinder(counters, image, addrConfig())

	ok := u.Unwind(&sample.Sample{CallStack: []uint64{0x400}}, 3)
	require.True(t, ok)

	require.Equal(t, 1, counters.Len())
	counter := counters.Lookup(unwinder.NewAddressesKey([]uint64{0x400}))
	require.NotNil(t, counter)
	assert.Equal(t, map[unwinder.Range]uint64{
		{Start: 0x400, End: 0x400}: 3,
	}, counter.Ranges)
	assert.Empty(t, counter.Branches)
}

func TestUnwindCallEntry(t *testing.T) {
	// Call stack [0x400], one call branch 0x410->0x420 within tolerance
	// of the leaf. The leaf range runs from the sampled leaf to the
	// branch target, and the call is attributed to the reconstructed
	// caller context.
	image := profiledbinary.NewSyntheticImageBuilder().
		AddCallSites(0x410).
		Build()
	counters := unwinder.NewCounterMap()
	u := unwinder.NewVirtualUnwinder(counters, image, addrConfig())

	ok := u.Unwind(&sample.Sample{
		CallStack: []uint64{0x400},
		LBRStack:  []sample.LBREntry{{Source: 0x410, Target: 0x420}},
	}, 5)
	require.True(t, ok)

	leaf := counters.Lookup(unwinder.NewAddressesKey([]uint64{0x400}))
	require.NotNil(t, leaf)
	assert.Equal(t, map[unwinder.Range]uint64{
		{Start: 0x400, End: 0x420}: 5,
	}, leaf.Ranges)

	caller := counters.Lookup(unwinder.NewAddressesKey([]uint64{0x410}))
	require.NotNil(t, caller)
	assert.Equal(t, map[unwinder.Branch]uint64{
		{Source: 0x410, Target: 0x420}: 5,
	}, caller.Branches)
	assert.Equal(t, uint64(1), u.Stats.TotalBranches)
}

func TestUnwindCallPopsMatchingCaller(t *testing.T) {
	// With the caller frame present in the snapshot, replaying the call
	// pops the callee and the branch lands in the caller's context.
	image := profiledbinary.NewSyntheticImageBuilder().
		AddCallSites(0x500).
		Build()
	counters := unwinder.NewCounterMap()
	u := unwinder.NewVirtualUnwinder(counters, image, addrConfig())

	ok := u.Unwind(&sample.Sample{
		CallStack: []uint64{0x404, 0x500},
		LBRStack:  []sample.LBREntry{{Source: 0x500, Target: 0x400}},
	}, 1)
	require.True(t, ok)

	caller := counters.Lookup(unwinder.NewAddressesKey([]uint64{0x500}))
	require.NotNil(t, caller)
	assert.Equal(t, uint64(1),
		caller.Branches[unwinder.Branch{Source: 0x500, Target: 0x400}])
	assert.Zero(t, u.Stats.MismatchedTailCallBranches)
}

func TestUnwindCallRelabelsMismatchedCaller(t *testing.T) {
	// The snapshot carries a caller frame, but not the one the call
	// branch originated from (a tail call). The leaf relabels to the
	// branch source instead of popping, and the mismatch is counted.
	image := profiledbinary.NewSyntheticImageBuilder().
		AddCallSites(0x500).
		Build()
	counters := unwinder.NewCounterMap()
	u := unwinder.NewVirtualUnwinder(counters, image, addrConfig())

	ok := u.Unwind(&sample.Sample{
		CallStack: []uint64{0x404, 0x600},
		LBRStack:  []sample.LBREntry{{Source: 0x500, Target: 0x400}},
	}, 1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), u.Stats.MismatchedTailCallBranches)

	// The branch lands in the relabeled context, still below 0x600.
	relabeled := counters.Lookup(unwinder.NewAddressesKey([]uint64{0x600, 0x500}))
	require.NotNil(t, relabeled)
	assert.Equal(t, uint64(1),
		relabeled.Branches[unwinder.Branch{Source: 0x500, Target: 0x400}])
}

func TestUnwindReturnPushesCallee(t *testing.T) {
	// Replaying a return re-creates the callee frame keyed by the
	// return instruction address.
	image := profiledbinary.NewSyntheticImageBuilder().
		AddInstructions(0x400, 0x404).
		AddCallSites(0x400).
		AddReturnSites(0x610).
		Build()
	counters := unwinder.NewCounterMap()
	u := unwinder.NewVirtualUnwinder(counters, image, addrConfig())

	ok := u.Unwind(&sample.Sample{
		CallStack: []uint64{0x400},
		LBRStack:  []sample.LBREntry{{Source: 0x610, Target: 0x404}},
	}, 2)
	require.True(t, ok)

	callee := counters.Lookup(unwinder.NewAddressesKey([]uint64{0x400, 0x610}))
	require.NotNil(t, callee)
	assert.Equal(t, uint64(2),
		callee.Branches[unwinder.Branch{Source: 0x610, Target: 0x404}])
}

func TestUnwindInvalidRangeDropped(t *testing.T) {
	// The second (older) entry produces a linear range whose start is
	// past its end. The range is dropped and counted, the sample is not
	// aborted.
	image := profiledbinary.NewSyntheticImageBuilder().Build()
	counters := unwinder.NewCounterMap()
	u := unwinder.NewVirtualUnwinder(counters, image, addrConfig())

	ok := u.Unwind(&sample.Sample{
		CallStack: []uint64{0x420},
		LBRStack: []sample.LBREntry{
			{Source: 0x40, Target: 0x100},
			{Source: 0x50, Target: 0x418},
		},
	}, 1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), u.Stats.InvalidRanges)

	// Both branches were still recorded.
	first := counters.Lookup(unwinder.NewAddressesKey([]uint64{0x50}))
	require.NotNil(t, first)
	assert.Equal(t, uint64(1),
		first.Branches[unwinder.Branch{Source: 0x50, Target: 0x418}])
	second := counters.Lookup(unwinder.NewAddressesKey([]uint64{0x40}))
	require.NotNil(t, second)
	assert.Equal(t, uint64(1),
		second.Branches[unwinder.Branch{Source: 0x40, Target: 0x100}])
}

func TestUnwindLinearSplitsAtInlineBoundary(t *testing.T) {
	image := profiledbinary.NewSyntheticImageBuilder().
		AddInstructions(0x410, 0x420, 0x430, 0x440, 0x450).
		SetInlineGroup(0x410, 1).
		SetInlineGroup(0x420, 1).
		SetInlineGroup(0x430, 2).
		SetInlineGroup(0x440, 2).
		SetInlineGroup(0x450, 2).
		Build()
	counters := unwinder.NewCounterMap()
	u := unwinder.NewVirtualUnwinder(counters, image, addrConfig())

	ok := u.Unwind(&sample.Sample{
		CallStack: []uint64{0x430},
		LBRStack: []sample.LBREntry{
			{Source: 0x300, Target: 0x410},
			{Source: 0x450, Target: 0x430},
		},
	}, 2)
	require.True(t, ok)

	counter := counters.Lookup(unwinder.NewAddressesKey([]uint64{0x450}))
	require.NotNil(t, counter)
	assert.Equal(t, map[unwinder.Range]uint64{
		{Start: 0x430, End: 0x450}: 2,
		{Start: 0x410, End: 0x420}: 2,
	}, counter.Ranges)
}

func TestUnwindBogusTraceRejected(t *testing.T) {
	// Leaf of the stack and leaf of the LBR are too far apart.
	image := profiledbinary.NewSyntheticImageBuilder().Build()
	counters := unwinder.NewCounterMap()
	u := unwinder.NewVirtualUnwinder(counters, image, addrConfig())

	ok := u.Unwind(&sample.Sample{
		CallStack: []uint64{0x400},
		LBRStack:  []sample.LBREntry{{Source: 0x2000, Target: 0x1000}},
	}, 1)
	require.False(t, ok)
	assert.Equal(t, uint64(1), u.Stats.BogusTraces)
	assert.Equal(t, 0, counters.Len())
}

func TestUnwindReturnFromExternal(t *testing.T) {
	// An external-source entry whose target lands right behind a known
	// call is a return out of external code: the external callee goes
	// back onto the stack. The branch itself stays out of the counters.
	image := profiledbinary.NewSyntheticImageBuilder().
		AddInstructions(0x400, 0x404).
		AddCallSites(0x400).
		Build()
	counters := unwinder.NewCounterMap()
	u := unwinder.NewVirtualUnwinder(counters, image, addrConfig())

	ok := u.Unwind(&sample.Sample{
		CallStack: []uint64{0x400},
		LBRStack: []sample.LBREntry{
			{Source: profiledbinary.ExternalAddress, Target: 0x404},
		},
	}, 1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), u.Stats.ExternalBranches)
	assert.Zero(t, u.Stats.MissingExternalFrames)

	// The external frame carries no counts, so only the leaf context
	// surfaces.
	require.Equal(t, 1, counters.Len())
	leaf := counters.Lookup(unwinder.NewAddressesKey([]uint64{0x400}))
	require.NotNil(t, leaf)
	assert.Equal(t, uint64(1), leaf.Ranges[unwinder.Range{Start: 0x400, End: 0x404}])
	assert.Empty(t, leaf.Branches)
}

func TestUnwindCallFromExternal(t *testing.T) {
	// An external-source entry whose target is not behind any call is a
	// call out of external code: the leaf relabels to the external frame
	// and replay stays valid.
	image := profiledbinary.NewSyntheticImageBuilder().Build()
	counters := unwinder.NewCounterMap()
	u := unwinder.NewVirtualUnwinder(counters, image, addrConfig())

	ok := u.Unwind(&sample.Sample{
		CallStack: []uint64{0x408},
		LBRStack: []sample.LBREntry{
			{Source: profiledbinary.ExternalAddress, Target: 0x408},
		},
	}, 1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), u.Stats.ExternalBranches)
	assert.Zero(t, u.Stats.MismatchedTailCallBranches)

	leaf := counters.Lookup(unwinder.NewAddressesKey([]uint64{0x408}))
	require.NotNil(t, leaf)
	assert.Equal(t, uint64(1), leaf.Ranges[unwinder.Range{Start: 0x408, End: 0x408}])
}

func TestUnwindPairedExternalRange(t *testing.T) {
	// Execution dipped into external code and came back: the linear
	// range between the two crossings has both endpoints external and is
	// skipped without invalidating the sample.
	image := profiledbinary.NewSyntheticImageBuilder().
		AddInstructions(0x400, 0x404).
		AddCallSites(0x400, 0x410).
		Build()
	counters := unwinder.NewCounterMap()
	u := unwinder.NewVirtualUnwinder(counters, image, addrConfig())

	ok := u.Unwind(&sample.Sample{
		CallStack: []uint64{0x400},
		LBRStack: []sample.LBREntry{
			{Source: 0x410, Target: profiledbinary.ExternalAddress},
			{Source: profiledbinary.ExternalAddress, Target: 0x404},
		},
	}, 1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), u.Stats.PairedExternalAddrs)
	assert.Equal(t, uint64(2), u.Stats.ExternalBranches)
	assert.Zero(t, u.Stats.UnpairedExternalAddrs)
}

func TestUnwindMissingExternalFrameInvalidates(t *testing.T) {
	// A call into external code needs a matching external frame on the
	// reconstructed stack; without one the replay stops. The half-external
	// linear range before it is skipped as unpaired.
	image := profiledbinary.NewSyntheticImageBuilder().
		AddCallSites(0x410).
		Build()
	counters := unwinder.NewCounterMap()
	u := unwinder.NewVirtualUnwinder(counters, image, addrConfig())

	ok := u.Unwind(&sample.Sample{
		CallStack: []uint64{0x400},
		LBRStack: []sample.LBREntry{
			{Source: 0x410, Target: profiledbinary.ExternalAddress},
			{Source: 0x408, Target: 0x404},
		},
	}, 1)
	require.False(t, ok)
	assert.Equal(t, uint64(1), u.Stats.MissingExternalFrames)
	assert.Equal(t, uint64(1), u.Stats.UnpairedExternalAddrs)
	assert.Equal(t, uint64(1), u.Stats.ExternalBranches)

	// Counts recorded before the abort are kept.
	first := counters.Lookup(unwinder.NewAddressesKey([]uint64{0x408}))
	require.NotNil(t, first)
	assert.Equal(t, uint64(1),
		first.Branches[unwinder.Branch{Source: 0x408, Target: 0x404}])
}

func TestUnwindFrameKeys(t *testing.T) {
	image := profiledbinary.NewSyntheticImageBuilder().
		SetFrameName(0x400, "leaffn").
		Build()
	counters := unwinder.NewCounterMap()
	u := unwinder.NewVirtualUnwinder(counters, image, unwinder.DefaultConfig())

	ok := u.Unwind(&sample.Sample{CallStack: []uint64{0x400}}, 1)
	require.True(t, ok)

	counter := counters.Lookup(unwinder.NewFramesKey([]string{"leaffn"}, false))
	require.NotNil(t, counter)
	assert.Equal(t, uint64(1),
		counter.Ranges[unwinder.Range{Start: 0x400, End: 0x400}])
}

func TestUntrackedCallsites(t *testing.T) {
	// A return whose target has no recognized preceding call is
	// remembered for reporting.
	image := profiledbinary.NewSyntheticImageBuilder().
		AddReturnSites(0x610).
		Build()
	counters := unwinder.NewCounterMap()
	u := unwinder.NewVirtualUnwinder(counters, image, addrConfig())

	u.Unwind(&sample.Sample{
		CallStack: []uint64{0x400},
		LBRStack:  []sample.LBREntry{{Source: 0x610, Target: 0x404}},
	}, 1)
	assert.Contains(t, u.UntrackedCallsites(), uint64(0x404))
}
