// Copyright The ProfGen Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"os"

	"github.com/peterbourgon/ff/v3"
)

// Help strings for command line arguments
var (
	outputHelp = "File to write the merged unsymbolized profile to. " +
		"Writes to stdout when unset."
	contextSensitiveHelp = "Emit one counter block per calling context. " +
		"When disabled all contexts collapse into a single block."
	selfTestHelp = "Unwind a built-in trace against a synthetic binary " +
		"image and write the resulting profile, as an installation check."
	verboseHelp = "Enable verbose logging and debugging capabilities."
	versionHelp = "Show version."
)

type arguments struct {
	output           string
	contextSensitive bool
	selfTest         bool
	verbose          bool
	version          bool

	// inputs are the unsymbolized profiles to merge.
	inputs []string
}

func parseArgs() (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("profgen", flag.ExitOnError)
	fs.BoolVar(&args.contextSensitive, "context-sensitive", true, contextSensitiveHelp)
	fs.StringVar(&args.output, "output", "", outputHelp)
	fs.BoolVar(&args.selfTest, "selftest", false, selfTestHelp)
	fs.BoolVar(&args.verbose, "verbose", false, verboseHelp)
	fs.BoolVar(&args.version, "version", false, versionHelp)

	err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("PROFGEN"))
	if err != nil {
		return nil, err
	}
	args.inputs = fs.Args()
	return &args, nil
}
