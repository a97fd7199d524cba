// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"os"

	"github.com/peterbourgon/ff/v3"
)

const (
	defaultCapacity   = 4096
	defaultBinaryName = "mcount-demo"
)

var (
	capacityHelp    = "Event buffer capacity, in records."
	overwritingHelp = "Use ring-buffer mode (overwrite oldest events) instead of drop-tail."
	outDirHelp      = "Directory to write the uftrace trace into; must already exist."
	binaryNameHelp  = "Binary name recorded in task.txt/info and the fake memory map."
	linuxModeHelp   = "Copy /proc/self/maps into sid-<SID>.map instead of a fake single region."
	scenarioHelp    = "Which demo scenario to run: chain, disabled, overflow, two-threads, ring, toggle."
	archiveHelp     = "If set, also write a .tar.gz of the trace directory to this path."
	verboseHelp     = "Enable debug logging."
)

type arguments struct {
	Capacity    uint
	Overwriting bool
	OutDir      string
	BinaryName  string
	LinuxMode   bool
	Scenario    string
	ArchivePath string
	Verbose     bool
}

func parseArgs() (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("mcount-demo", flag.ExitOnError)

	fs.UintVar(&args.Capacity, "capacity", defaultCapacity, capacityHelp)
	fs.BoolVar(&args.Overwriting, "overwriting", false, overwritingHelp)
	fs.StringVar(&args.OutDir, "out", "", outDirHelp)
	fs.StringVar(&args.BinaryName, "binary-name", defaultBinaryName, binaryNameHelp)
	fs.BoolVar(&args.LinuxMode, "linux-mode", false, linuxModeHelp)
	fs.StringVar(&args.Scenario, "scenario", "chain", scenarioHelp)
	fs.StringVar(&args.ArchivePath, "archive", "", archiveHelp)
	fs.BoolVar(&args.Verbose, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.Verbose, "verbose", false, verboseHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	return &args, ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("MCOUNT_DEMO"),
	)
}
