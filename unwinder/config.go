// Copyright The ProfGen Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "github.com/westtide/profgen/unwinder"

// DefaultLeafDistanceTolerance is the default for
// Config.LeafDistanceTolerance, taken from what field experience shows
// filters broken records without dropping good ones.
const DefaultLeafDistanceTolerance = 0x100

// Config carries the unwinder knobs.
type Config struct {
	// ContextSensitive selects whether output is keyed per calling
	// context or collapsed into one context-free counter.
	ContextSensitive bool

	// KeyMode selects the context key representation.
	KeyMode KeyKind

	// LeafDistanceTolerance bounds the distance between the sampled
	// stack leaf and the newest LBR target before a sample is treated
	// as bogus. This is a heuristic noise filter, nothing stronger.
	LeafDistanceTolerance uint64
}

// DefaultConfig returns the context-sensitive defaults.
func DefaultConfig() Config {
	return Config{
		ContextSensitive:      true,
		KeyMode:               KeyFrames,
		LeafDistanceTolerance: DefaultLeafDistanceTolerance,
	}
}
