// Copyright The ProfGen Authors
// SPDX-License-Identifier: Apache-2.0

// profgen merges unsymbolized context-sensitive profiles produced from
// hardware LBR traces. The unwinding itself is exposed as a library; see
// the unwinder package.
package main

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/westtide/profgen/profile"
	"github.com/westtide/profgen/profiledbinary"
	"github.com/westtide/profgen/sample"
	"github.com/westtide/profgen/unwinder"
)

var version = "dev"

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		log.Errorf("Failure to parse arguments: %v", err)
		return exitParseError
	}

	if args.version {
		fmt.Printf("profgen %s\n", version)
		return exitSuccess
	}

	if args.verbose {
		log.SetLevel(log.DebugLevel)
	}

	var merged *unwinder.CounterMap
	if args.selfTest {
		merged, err = runSelfTest()
		if err != nil {
			log.Errorf("Self test failed: %v", err)
			return exitFailure
		}
	} else {
		if len(args.inputs) == 0 {
			log.Error("No input profiles given")
			return exitFailure
		}
		merged = unwinder.NewCounterMap()
		for _, path := range args.inputs {
			m, err := readProfile(path)
			if err != nil {
				log.Errorf("Failed to read profile %s: %v", path, err)
				return exitFailure
			}
			log.Debugf("Read %d contexts from %s", m.Len(), path)
			merged.Merge(m)
		}
	}

	var out io.Writer = os.Stdout
	if args.output != "" {
		f, err := os.Create(args.output)
		if err != nil {
			log.Errorf("Failed to create output file: %v", err)
			return exitFailure
		}
		defer f.Close()
		out = f
	}

	if err := profile.Write(out, merged, args.contextSensitive); err != nil {
		log.Errorf("Failed to write merged profile: %v", err)
		return exitFailure
	}
	log.Infof("Wrote %d contexts", merged.Len())
	return exitSuccess
}

// runSelfTest unwinds a small canned trace against a synthetic binary
// image, exercising aggregation, the image cache and the parallel driver
// in one pass.
func runSelfTest() (*unwinder.CounterMap, error) {
	synthetic := profiledbinary.NewSyntheticImageBuilder().
		AddInstructions(0x1000, 0x1004, 0x1008, 0x2000, 0x2004).
		AddCallSites(0x1004).
		AddReturnSites(0x2004).
		SetFrameName(0x1004, "main").
		SetFrameName(0x1008, "main").
		SetFrameName(0x2000, "work").
		SetFrameName(0x2004, "work").
		Build()
	image, err := profiledbinary.NewCachedImage(synthetic, 1024)
	if err != nil {
		return nil, err
	}

	agg := sample.NewAggregator()
	// Sampled inside work(), called from main() at 0x1004.
	for i := 0; i < 4; i++ {
		agg.Add(&sample.Sample{
			CallStack: []uint64{0x2000, 0x1004},
			LBRStack:  []sample.LBREntry{{Source: 0x1004, Target: 0x2000}},
		}, 1)
	}
	// Sampled right after work() returned.
	agg.Add(&sample.Sample{
		CallStack: []uint64{0x1008},
		LBRStack:  []sample.LBREntry{{Source: 0x2004, Target: 0x1008}},
	}, 2)

	res := unwinder.UnwindAll(image, agg, unwinder.DefaultConfig())
	if res.Stats.TotalSamples != uint64(agg.Len()) || res.Stats.BogusTraces != 0 {
		return nil, fmt.Errorf("unwound %d of %d samples, %d bogus",
			res.Stats.TotalSamples, agg.Len(), res.Stats.BogusTraces)
	}
	log.Infof("Self test unwound %d samples into %d contexts",
		res.Stats.TotalSamples, res.Counters.Len())
	return res.Counters, nil
}

func readProfile(path string) (*unwinder.CounterMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return profile.Read(f)
}
