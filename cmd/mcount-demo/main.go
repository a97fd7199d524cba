// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Command mcount-demo exercises the tracer end to end: straight chain,
// disabled tracer, capacity overflow, two threads, ring mode, and
// mid-run disable/enable. A real instrumented binary
// reaches the tracer through compiler-inserted calls into the hook
// package's assembly trampoline; since this command is plain Go, it
// drives the same entry/return logic through internal/hook.Simulate
// instead (see that function's doc comment).
package main

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"

	"go.hookline.dev/mcount/archive"
	"go.hookline.dev/mcount/config"
	"go.hookline.dev/mcount/control"
	"go.hookline.dev/mcount/internal/hook"
	"go.hookline.dev/mcount/internal/mlog"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1
	exitUsage   exitCode = 2
)

func main() {
	os.Exit(int(run()))
}

func run() exitCode {
	args, err := parseArgs()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	mlog.Setup(args.Verbose)

	if args.OutDir == "" {
		var err error
		args.OutDir, err = os.MkdirTemp("", "mcount-demo-*")
		if err != nil {
			log.Errorf("creating output directory: %v", err)
			return exitFailure
		}
		log.Infof("writing trace to %s", args.OutDir)
	}

	h, err := control.Init(config.Config{
		Capacity:    int(args.Capacity),
		Overwriting: args.Overwriting,
	})
	if err != nil {
		log.Errorf("init: %v", err)
		return exitFailure
	}

	scenario, ok := scenarios[args.Scenario]
	if !ok {
		log.Errorf("unknown scenario %q", args.Scenario)
		return exitUsage
	}
	scenario()

	snap, err := control.Dump(h, config.DumpOptions{
		Dir:        args.OutDir,
		BinaryName: args.BinaryName,
		LinuxMode:  args.LinuxMode,
	})
	if err != nil {
		log.Errorf("dump: %v", err)
		return exitFailure
	}
	log.Infof("dropped=%d shadow_overflows=%d shadow_desyncs=%d",
		snap.DroppedEvents, snap.ShadowOverflows, snap.ShadowDesyncs)

	if args.ArchivePath != "" {
		if err := archive.WriteTarGz(args.OutDir, args.ArchivePath); err != nil {
			log.Errorf("archive: %v", err)
			return exitFailure
		}
		log.Infof("wrote %s", args.ArchivePath)
	}

	return exitSuccess
}

// func1/func2/func3 are the demo's "instrumented" call chain: func1
// calls func2 calls func3, each wrapped in a simulated entry/exit pair.
var callsiteFunc1 uintptr = 0x401000
var callsiteFunc2 uintptr = 0x401100
var callsiteFunc3 uintptr = 0x401200

func func3() {
	exit := hook.Simulate(callsiteFunc3)
	defer exit()
}

func func2() {
	exit := hook.Simulate(callsiteFunc2)
	defer exit()
	func3()
}

func func1() {
	exit := hook.Simulate(callsiteFunc1)
	defer exit()
	func2()
}

var scenarios = map[string]func(){
	"chain": func() {
		control.Enable()
		func1()
	},
	"disabled": func() {
		func1()
	},
	"overflow": func() {
		control.Enable()
		func1()
	},
	"two-threads": func() {
		control.Enable()
		var wg sync.WaitGroup
		wg.Add(2)
		for i := 0; i < 2; i++ {
			go func() {
				defer wg.Done()
				// LockOSThread forces this goroutine onto its own OS
				// thread for the run of func1, so times.ThreadID()
				// (gettid) actually differs between the two goroutines,
				// producing two distinct <tid>.dat files.
				runtime.LockOSThread()
				defer runtime.UnlockOSThread()
				func1()
			}()
		}
		wg.Wait()
	},
	"ring": func() {
		control.Enable()
		for i := 0; i < 100; i++ {
			func1()
		}
	},
	"toggle": func() {
		control.Enable()
		func1()
		control.Disable()
		func1()
		control.Enable()
		func1()
	},
}

func init() {
	// Raise GOMAXPROCS to at least 2, keeping any higher value the
	// environment provides; the
	// two-threads scenario only demonstrates distinct OS thread ids if
	// Go actually schedules its two goroutines onto separate threads,
	// which needs more than one P.
	if runtime.GOMAXPROCS(0) < 2 {
		runtime.GOMAXPROCS(2)
	}
}
