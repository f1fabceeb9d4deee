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

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	check bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the memory core and print the allocator layout"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [-check] - boots the memory core described by the global flags and prints each CPU's shard of physical memory.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.check, "check", true, "verify allocator invariants after boot")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	k, err := bootKernel(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	defer releaseKernel(k)

	if err := printStats(os.Stdout, k); err != nil {
		util.Fatalf("writing stats: %v", err)
	}
	if b.check {
		if err := k.Allocator().CheckInvariants(); err != nil {
			util.Fatalf("allocator invariants: %v", err)
		}
	}
	return subcommands.ExitSuccess
}
