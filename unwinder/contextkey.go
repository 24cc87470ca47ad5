// Copyright The ProfGen Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "github.com/westtide/profgen/unwinder"

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/westtide/profgen/profiledbinary"
)

// KeyKind selects the context key representation.
type KeyKind uint8

const (
	// KeyFrames keys contexts by expanded frame descriptors.
	KeyFrames KeyKind = iota
	// KeyAddresses keys contexts by raw frame addresses.
	KeyAddresses
)

// ContextKey identifies one calling context, either as a root-to-leaf
// sequence of frame descriptors or as the raw address sequence. Keys of
// different kinds never compare equal. The hash is computed once on
// first use.
type ContextKey struct {
	kind           KeyKind
	frames         []string
	addrs          []uint64
	wasLeafInlined bool

	hash uint64
}

// NewFramesKey builds a descriptor-based key.
func NewFramesKey(frames []string, wasLeafInlined bool) *ContextKey {
	return &ContextKey{kind: KeyFrames, frames: frames, wasLeafInlined: wasLeafInlined}
}

// NewAddressesKey builds an address-based key.
func NewAddressesKey(addrs []uint64) *ContextKey {
	return &ContextKey{kind: KeyAddresses, addrs: addrs}
}

// Kind returns the key representation.
func (k *ContextKey) Kind() KeyKind {
	return k.kind
}

// Frames returns the descriptor sequence of a KeyFrames key.
func (k *ContextKey) Frames() []string {
	return k.frames
}

// Addresses returns the address sequence of a KeyAddresses key.
func (k *ContextKey) Addresses() []uint64 {
	return k.addrs
}

// WasLeafInlined reports whether the leaf frame's call was inlined away.
func (k *ContextKey) WasLeafInlined() bool {
	return k.wasLeafInlined
}

// Hash returns the cached content hash of the key.
func (k *ContextKey) Hash() uint64 {
	if k.hash == 0 {
		k.hash = k.computeHash()
	}
	return k.hash
}

func (k *ContextKey) computeHash() uint64 {
	var buf []byte
	buf = append(buf, byte(k.kind))
	switch k.kind {
	case KeyFrames:
		for _, frame := range k.frames {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(len(frame)))
			buf = append(buf, frame...)
		}
	case KeyAddresses:
		for _, addr := range k.addrs {
			buf = binary.LittleEndian.AppendUint64(buf, addr)
		}
	}
	return xxh3.Hash(buf)
}

// Equal reports whether both keys have the same kind and identical
// ordered sequences.
func (k *ContextKey) Equal(other *ContextKey) bool {
	if k.kind != other.kind {
		return false
	}
	switch k.kind {
	case KeyFrames:
		if len(k.frames) != len(other.frames) {
			return false
		}
		for i, frame := range k.frames {
			if frame != other.frames[i] {
				return false
			}
		}
		return true
	case KeyAddresses:
		if len(k.addrs) != len(other.addrs) {
			return false
		}
		for i, addr := range k.addrs {
			if addr != other.addrs[i] {
				return false
			}
		}
		return true
	}
	return false
}

// String renders the context as it appears in the unsymbolized profile
// header, frames separated by " @ ".
func (k *ContextKey) String() string {
	switch k.kind {
	case KeyAddresses:
		parts := make([]string, len(k.addrs))
		for i, addr := range k.addrs {
			parts[i] = fmt.Sprintf("%#x", addr)
		}
		return strings.Join(parts, " @ ")
	default:
		return strings.Join(k.frames, " @ ")
	}
}

// contextStack accumulates the root-to-leaf path during trie traversal
// and produces the context key for the current path.
type contextStack interface {
	// push appends the frame to the path. It returns false for frames
	// that may not appear in a context, in which case the caller starts
	// a fresh path for the subtree.
	push(frame *ProfiledFrame) bool
	pop()
	contextKey() *ContextKey
}

// frameStack produces descriptor-based keys via the binary image's
// context expansion.
type frameStack struct {
	addrs []uint64
	image profiledbinary.Image
}

func (f *frameStack) push(frame *ProfiledFrame) bool {
	if frame.IsExternal() {
		return false
	}
	f.addrs = append(f.addrs, frame.Address)
	return true
}

func (f *frameStack) pop() {
	if len(f.addrs) > 0 {
		f.addrs = f.addrs[:len(f.addrs)-1]
	}
}

func (f *frameStack) contextKey() *ContextKey {
	frames, wasLeafInlined := f.image.ExpandContext(f.addrs)
	return NewFramesKey(frames, wasLeafInlined)
}

// addressStack produces address-based keys from the raw path.
type addressStack struct {
	addrs []uint64
}

func (a *addressStack) push(frame *ProfiledFrame) bool {
	if frame.IsExternal() {
		return false
	}
	a.addrs = append(a.addrs, frame.Address)
	return true
}

func (a *addressStack) pop() {
	if len(a.addrs) > 0 {
		a.addrs = a.addrs[:len(a.addrs)-1]
	}
}

func (a *addressStack) contextKey() *ContextKey {
	addrs := make([]uint64, len(a.addrs))
	copy(addrs, a.addrs)
	return NewAddressesKey(addrs)
}
