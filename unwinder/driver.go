// Copyright The ProfGen Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "github.com/westtide/profgen/unwinder"

import (
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/westtide/profgen/profiledbinary"
	"github.com/westtide/profgen/sample"
)

// Result is the outcome of unwinding a whole aggregated trace.
type Result struct {
	Counters           *CounterMap
	Stats              Stats
	UntrackedCallsites map[uint64]struct{}
}

// UnwindAll unwinds every aggregated sample against the image. Each
// sample builds a private trie, so samples fan out over worker
// goroutines; the per-sample results merge into the shared map under a
// single lock.
func UnwindAll(image profiledbinary.Image, agg *sample.Aggregator,
	cfg Config) *Result {
	type work struct {
		smpl   *sample.Sample
		repeat uint64
	}
	items := make([]work, 0, agg.Len())
	agg.All(func(s *sample.Sample, repeat uint64) {
		items = append(items, work{smpl: s, repeat: repeat})
	})

	res := &Result{
		Counters:           NewCounterMap(),
		UntrackedCallsites: make(map[uint64]struct{}),
	}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))

	for _, item := range items {
		item := item
		g.Go(func() error {
			local := NewCounterMap()
			u := NewVirtualUnwinder(local, image, cfg)
			if !u.Unwind(item.smpl, item.repeat) {
				log.Debugf("Incomplete unwind of sample with %d LBR entries",
					len(item.smpl.LBRStack))
			}

			mu.Lock()
			defer mu.Unlock()
			res.Counters.Merge(local)
			res.Stats.Add(&u.Stats)
			for addr := range u.untrackedCallsites {
				res.UntrackedCallsites[addr] = struct{}{}
			}
			return nil
		})
	}
	// Workers never return errors; diagnostics accumulate in Stats.
	_ = g.Wait()

	log.Debugf("Unwound %d distinct samples, %d branches, %d contexts",
		res.Stats.TotalSamples, res.Stats.TotalBranches, res.Counters.Len())
	return res
}
