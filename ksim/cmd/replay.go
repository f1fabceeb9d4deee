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

package cmd

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"github.com/xv6go/kmem/ksim/cmd/util"
	"github.com/xv6go/kmem/ksim/config"
)

// Replay implements subcommands.Command for the "replay" command.
type Replay struct {
	check bool
}

// Name implements subcommands.Command.Name.
func (*Replay) Name() string {
	return "replay"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Replay) Synopsis() string {
	return "run a scripted sequence of process operations"
}

// Usage implements subcommands.Command.Usage.
func (*Replay) Usage() string {
	return `replay [-check] <scenario.yaml> - runs the open, mmap, munmap, read, write, fork and exit steps of a scenario file and prints each result.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Replay) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.check, "check", true, "verify that every frame and VMA slot is released at the end")
}

// Execute implements subcommands.Command.Execute.
func (r *Replay) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	sc, err := loadScenario(f.Arg(0))
	if err != nil {
		util.Fatalf("%v", err)
	}

	k, err := bootKernel(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	defer releaseKernel(k)

	if err := RunScenario(ctx, k, sc, os.Stdout); err != nil {
		util.Fatalf("%v", err)
	}
	if r.check {
		if err := checkQuiescent(k); err != nil {
			util.Fatalf("%v", err)
		}
	}
	return subcommands.ExitSuccess
}

func loadScenario(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseScenario(f)
}
