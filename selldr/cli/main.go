// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli is the main entrypoint for selldr.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"gvisor.dev/sfi/pkg/log"
	"gvisor.dev/sfi/pkg/metric"
	"gvisor.dev/sfi/pkg/refs"
	"gvisor.dev/sfi/selldr/cmd"
	"gvisor.dev/sfi/selldr/cmd/util"
	"gvisor.dev/sfi/selldr/config"
	"gvisor.dev/sfi/selldr/flag"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)
	config.RegisterDeprecatedFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()
	config.WarnOnDeprecatedFlagUsage(flag.CommandLine)

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}
	if changed := conf.ApplyEnv(); len(changed) > 0 && !conf.Quiet {
		fmt.Fprintf(os.Stderr, "PLATFORM QUALIFICATION DISABLED BY ENVIRONMENT - Native Client's sandbox will be unreliable!\n")
	}

	subcommand := flag.CommandLine.Arg(0)
	startTime := time.Now()

	var logOut io.Writer = os.Stderr
	if conf.LogFilename != "" {
		// O_APPEND so that every command run with the same pattern
		// adds to, rather than replaces, the log.
		f, err := log.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.PatternOpts{
			Pid:       os.Getpid(),
			Command:   subcommand,
			Timestamp: startTime,
		})
		if err != nil {
			util.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		logOut = f
		util.ErrorLogger = os.Stderr
	}
	log.SetTarget(newEmitter(conf.LogFormat, logOut))
	log.SetLevel(conf.LogLevel())
	if err := log.CopyStandardLogTo(log.Info); err != nil {
		util.Fatalf("%v", err)
	}

	const delimString = `**************** selldr ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d CPUs, %s, PID %d, PPID %d, UID %d, GID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid(), os.Getppid(), os.Getuid(), os.Getgid())
	log.Debugf("Page size: 0x%x (%d bytes)", os.Getpagesize(), os.Getpagesize())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	if !conf.Quiet {
		switch {
		case conf.SkipValidator():
			fmt.Fprintf(os.Stderr, "DEBUG MODE ENABLED (skip validator)\n")
		case conf.IgnoreValidatorResult():
			fmt.Fprintf(os.Stderr, "DEBUG MODE ENABLED (ignore validator)\n")
		}
	}

	// Call the subcommand and pass in the configuration.
	var ws unix.WaitStatus
	subcmdCode := subcommands.Execute(context.Background(), conf, &ws)
	if conf.MetricsFile != "" {
		if err := metric.WriteFile(conf.MetricsFile); err != nil {
			log.Warningf("Writing metrics to %q: %v", conf.MetricsFile, err)
		}
	}
	// Check for leaks before os.Exit().
	refs.DoLeakCheck()
	if subcmdCode == subcommands.ExitSuccess {
		log.Infof("Exiting with status: %v", ws)
		if ws.Signaled() {
			// No good way to return it, emulate what the shell does.
			os.Exit(128 + int(ws.Signal()))
		}
		os.Exit(ws.ExitStatus())
	}
	// Return an error that is unlikely to be used by the application.
	log.Warningf("Failure to execute command, err: %v", subcmdCode)
	os.Exit(128)
}

// forEachCmd invokes the passed callback for each command supported by selldr.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Run), "")

	const toolGroup = "tools"
	cb(new(cmd.Validate), toolGroup)
	cb(new(cmd.Dis), toolGroup)
	cb(new(cmd.CheckElf), toolGroup)
	cb(new(cmd.Platforms), toolGroup)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	util.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
