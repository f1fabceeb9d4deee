// Copyright 2018 The gVisor Authors.
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

// Package cli is the main entrypoint for ksim.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/subcommands"

	"github.com/xv6go/kmem/ksim/cmd"
	"github.com/xv6go/kmem/ksim/cmd/util"
	"github.com/xv6go/kmem/ksim/config"
	"github.com/xv6go/kmem/pkg/log"
	"github.com/xv6go/kmem/pkg/refs"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	// Sets the reference leak check mode.
	refs.SetLeakMode(conf.ReferenceLeak)

	subcommand := flag.CommandLine.Arg(0)
	startTime := time.Now()

	// Set up logging.
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	var logFile io.Writer = os.Stderr
	if conf.LogFilename != "" {
		// O_APPEND so that repeated runs with the same pattern accumulate.
		f, err := log.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.CommandFileOpts{
			Command: subcommand,
			Start:   startTime,
		})
		if err != nil {
			util.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		defer f.Close()
		logFile = f
		util.ErrorLogger = f
	}
	log.SetTarget(newTargetEmitter(conf, logFile, os.Stderr))

	const delimString = `**************** ksim ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d host CPUs, %s, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid())
	log.Debugf("Page size: 0x%x (%d bytes)", os.Getpagesize(), os.Getpagesize())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	// Check for leaks before exiting.
	if n := refs.DoLeakCheck(); n > 0 {
		log.Warningf("%d objects leaked", n)
	}
	if subcmdCode == subcommands.ExitSuccess {
		log.Infof("Exiting with status: %v", subcmdCode)
		return
	}
	log.Warningf("Failure to execute command, err: %v", subcmdCode)
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by ksim.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Boot), "")
	cb(new(cmd.Replay), "")
	cb(new(cmd.Stress), "")

	const metricGroup = "metrics"
	cb(new(cmd.Metrics), metricGroup)
}

// newTargetEmitter returns the emitter for logFile. With --alsologtostderr,
// messages sent to a --log file are duplicated to stderr.
func newTargetEmitter(conf *config.Config, logFile, stderr io.Writer) log.Emitter {
	e := newEmitter(conf.LogFormat, logFile)
	if conf.LogFilename != "" && conf.AlsoLogToStderr {
		e = &log.MultiEmitter{e, newEmitter(conf.LogFormat, stderr)}
	}
	return e
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
