// Copyright The ProfGen Authors
// SPDX-License-Identifier: Apache-2.0

package sample // import "github.com/westtide/profgen/sample"

// Aggregate is one deduplicated sample together with the number of times
// it was observed in the raw trace.
type Aggregate struct {
	Sample *Sample
	Repeat uint64
}

// Aggregator deduplicates structurally identical samples. It is keyed by
// the sample content hash; hash collisions are resolved by element-wise
// comparison, so two samples merge iff they are structurally equal.
//
// Aggregator is not safe for concurrent use. Trace ingestion is
// sequential, so aggregation is too.
type Aggregator struct {
	buckets map[uint64][]*Aggregate
	count   int
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{buckets: make(map[uint64][]*Aggregate)}
}

// Add records one observation of s with the given repeat count. Samples
// pre-aggregated by the input format pass their explicit count here,
// plain samples pass 1.
func (a *Aggregator) Add(s *Sample, repeat uint64) {
	hash := s.Hash()
	for _, agg := range a.buckets[hash] {
		if agg.Sample.Equal(s) {
			agg.Repeat += repeat
			return
		}
	}
	a.buckets[hash] = append(a.buckets[hash], &Aggregate{Sample: s, Repeat: repeat})
	a.count++
}

// Len returns the number of distinct samples seen so far.
func (a *Aggregator) Len() int {
	return a.count
}

// All calls visit for every distinct sample and its accumulated repeat
// count. Iteration order is unspecified.
func (a *Aggregator) All(visit func(*Sample, uint64)) {
	for _, bucket := range a.buckets {
		for _, agg := range bucket {
			visit(agg.Sample, agg.Repeat)
		}
	}
}
