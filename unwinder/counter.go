// Copyright The ProfGen Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "github.com/westtide/profgen/unwinder"

// Range is a contiguous instruction-address interval.
type Range struct {
	Start uint64
	End   uint64
}

// Branch is one taken-branch edge.
type Branch struct {
	Source uint64
	Target uint64
}

// SampleCounter aggregates the range and branch counts attributed to a
// single calling context. Entries for the same range or branch sum.
type SampleCounter struct {
	Ranges   map[Range]uint64
	Branches map[Branch]uint64
}

// NewSampleCounter returns an empty counter.
func NewSampleCounter() *SampleCounter {
	return &SampleCounter{
		Ranges:   make(map[Range]uint64),
		Branches: make(map[Branch]uint64),
	}
}

// RecordRange accumulates repeat executions of [start, end].
func (c *SampleCounter) RecordRange(start, end, repeat uint64) {
	c.Ranges[Range{Start: start, End: end}] += repeat
}

// RecordBranch accumulates repeat executions of source->target.
func (c *SampleCounter) RecordBranch(source, target, repeat uint64) {
	c.Branches[Branch{Source: source, Target: target}] += repeat
}

// merge adds every count of other into c.
func (c *SampleCounter) merge(other *SampleCounter) {
	for r, count := range other.Ranges {
		c.Ranges[r] += count
	}
	for b, count := range other.Branches {
		c.Branches[b] += count
	}
}

// contextEntry pairs a key with its counter inside a hash bucket.
type contextEntry struct {
	Key     *ContextKey
	Counter *SampleCounter
}

// CounterMap maps context keys to sample counters. It is bucketed by the
// key hash with element-wise key comparison to disambiguate collisions.
// Not safe for concurrent use; the parallel driver merges per-sample
// maps under its own lock.
type CounterMap struct {
	buckets map[uint64][]contextEntry
	count   int
}

// NewCounterMap returns an empty map.
func NewCounterMap() *CounterMap {
	return &CounterMap{buckets: make(map[uint64][]contextEntry)}
}

// GetOrCreate returns the counter for the given context, inserting an
// empty one if the context is new.
func (m *CounterMap) GetOrCreate(key *ContextKey) *SampleCounter {
	hash := key.Hash()
	for _, entry := range m.buckets[hash] {
		if entry.Key.Equal(key) {
			return entry.Counter
		}
	}
	counter := NewSampleCounter()
	m.buckets[hash] = append(m.buckets[hash], contextEntry{Key: key, Counter: counter})
	m.count++
	return counter
}

// Lookup returns the counter for the context, or nil.
func (m *CounterMap) Lookup(key *ContextKey) *SampleCounter {
	for _, entry := range m.buckets[key.Hash()] {
		if entry.Key.Equal(key) {
			return entry.Counter
		}
	}
	return nil
}

// Len returns the number of distinct contexts.
func (m *CounterMap) Len() int {
	return m.count
}

// All calls visit for every context and its counter in unspecified
// order.
func (m *CounterMap) All(visit func(*ContextKey, *SampleCounter)) {
	for _, bucket := range m.buckets {
		for _, entry := range bucket {
			visit(entry.Key, entry.Counter)
		}
	}
}

// Merge accumulates every counter of other into m. Merging is
// commutative and associative, so per-sample results can land in any
// order.
func (m *CounterMap) Merge(other *CounterMap) {
	other.All(func(key *ContextKey, counter *SampleCounter) {
		m.GetOrCreate(key).merge(counter)
	})
}

// Flatten collapses all contexts into a single context-free counter,
// used for non-context-sensitive output.
func (m *CounterMap) Flatten() *CounterMap {
	flat := NewCounterMap()
	merged := flat.GetOrCreate(NewFramesKey(nil, false))
	m.All(func(_ *ContextKey, counter *SampleCounter) {
		merged.merge(counter)
	})
	return flat
}

// Equal reports whether both maps hold the same contexts with the same
// counts. Used by tests and the profile round-trip checks.
func (m *CounterMap) Equal(other *CounterMap) bool {
	if m.count != other.count {
		return false
	}
	equal := true
	m.All(func(key *ContextKey, counter *SampleCounter) {
		otherCounter := other.Lookup(key)
		if otherCounter == nil ||
			len(counter.Ranges) != len(otherCounter.Ranges) ||
			len(counter.Branches) != len(otherCounter.Branches) {
			equal = false
			return
		}
		for r, count := range counter.Ranges {
			if otherCounter.Ranges[r] != count {
				equal = false
				return
			}
		}
		for b, count := range counter.Branches {
			if otherCounter.Branches[b] != count {
				equal = false
				return
			}
		}
	})
	return equal
}
