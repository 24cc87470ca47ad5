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

func TestUnwindAll(t *testing.T) {
	image := profiledbinary.NewSyntheticImageBuilder().
		AddCallSites(0x410).
		Build()

	agg := sample.NewAggregator()
	// The same sample twice merges before unwinding.
	for i := 0; i < 2; i++ {
		agg.Add(&sample.Sample{
			CallStack: []uint64{0x400},
			LBRStack:  []sample.LBREntry{{Source: 0x410, Target: 0x420}},
		}, 1)
	}
	agg.Add(&sample.Sample{CallStack: []uint64{0x800}}, 3)

	res := unwinder.UnwindAll(image, agg, addrConfig())

	require.Equal(t, uint64(2), res.Stats.TotalSamples)
	require.Equal(t, uint64(1), res.Stats.TotalBranches)

	leaf := res.Counters.Lookup(unwinder.NewAddressesKey([]uint64{0x400}))
	require.NotNil(t, leaf)
	assert.Equal(t, uint64(2), leaf.Ranges[unwinder.Range{Start: 0x400, End: 0x420}])

	caller := res.Counters.Lookup(unwinder.NewAddressesKey([]uint64{0x410}))
	require.NotNil(t, caller)
	assert.Equal(t, uint64(2),
		caller.Branches[unwinder.Branch{Source: 0x410, Target: 0x420}])

	other := res.Counters.Lookup(unwinder.NewAddressesKey([]uint64{0x800}))
	require.NotNil(t, other)
	assert.Equal(t, uint64(3), other.Ranges[unwinder.Range{Start: 0x800, End: 0x800}])
}

func TestUnwindAllManySamples(t *testing.T) {
	// Exercise the fan-out with enough distinct samples to spread over
	// multiple workers.
	image := profiledbinary.NewSyntheticImageBuilder().Build()
	agg := sample.NewAggregator()
	for i := uint64(0); i < 256; i++ {
		agg.Add(&sample.Sample{CallStack: []uint64{0x1000 + i*0x10}}, i + 1)
	}

	res := unwinder.UnwindAll(image, agg, addrConfig())
	require.Equal(t, 256, res.Counters.Len())
	for i := uint64(0); i < 256; i++ {
		addr := 0x1000 + i*0x10
		counter := res.Counters.Lookup(unwinder.NewAddressesKey([]uint64{addr}))
		require.NotNil(t, counter)
		assert.Equal(t, i+1, counter.Ranges[unwinder.Range{Start: addr, End: addr}])
	}
}
