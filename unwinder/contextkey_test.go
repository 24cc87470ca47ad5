// Copyright The ProfGen Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/westtide/profgen/unwinder"
)

func TestContextKeyEquality(t *testing.T) {
	tests := map[string]struct {
		a, b  *unwinder.ContextKey
		equal bool
	}{
		"equal frames": {
			a:     unwinder.NewFramesKey([]string{"main", "foo"}, false),
			b:     unwinder.NewFramesKey([]string{"main", "foo"}, false),
			equal: true,
		},
		"frame order matters": {
			a:     unwinder.NewFramesKey([]string{"main", "foo"}, false),
			b:     unwinder.NewFramesKey([]string{"foo", "main"}, false),
			equal: false,
		},
		"equal addresses": {
			a:     unwinder.NewAddressesKey([]uint64{0x400, 0x500}),
			b:     unwinder.NewAddressesKey([]uint64{0x400, 0x500}),
			equal: true,
		},
		"address order matters": {
			a:     unwinder.NewAddressesKey([]uint64{0x400, 0x500}),
			b:     unwinder.NewAddressesKey([]uint64{0x500, 0x400}),
			equal: false,
		},
		"kinds never match": {
			a:     unwinder.NewFramesKey([]string{"0x400"}, false),
			b:     unwinder.NewAddressesKey([]uint64{0x400}),
			equal: false,
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.equal, test.a.Equal(test.b))
			assert.Equal(t, test.equal, test.b.Equal(test.a))
			if test.equal {
				assert.Equal(t, test.a.Hash(), test.b.Hash())
			}
		})
	}
}

func TestContextKeyHashStable(t *testing.T) {
	key := unwinder.NewFramesKey([]string{"main", "foo"}, true)
	first := key.Hash()
	assert.Equal(t, first, key.Hash())
	assert.Equal(t, first, unwinder.NewFramesKey([]string{"main", "foo"}, true).Hash())
}

func TestContextKeyString(t *testing.T) {
	assert.Equal(t, "main @ foo",
		unwinder.NewFramesKey([]string{"main", "foo"}, false).String())
	assert.Equal(t, "0x400 @ 0x500",
		unwinder.NewAddressesKey([]uint64{0x400, 0x500}).String())
	assert.Equal(t, "", unwinder.NewFramesKey(nil, false).String())
}
