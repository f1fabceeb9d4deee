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
	"github.com/xv6go/kmem/pkg/metric"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct{}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "print memory core metrics in Prometheus format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [<scenario.yaml>] - boots the memory core, optionally runs a scenario, and prints metric data in Prometheus text format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Metrics) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	var sc *Scenario
	if f.NArg() == 1 {
		var err error
		if sc, err = loadScenario(f.Arg(0)); err != nil {
			util.Fatalf("%v", err)
		}
	}

	k, err := bootKernel(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	defer releaseKernel(k)
	if err := k.RegisterMetrics(); err != nil {
		util.Fatalf("registering metrics: %v", err)
	}

	if sc != nil {
		// Scenario output goes to the log so that stdout stays parseable.
		if err := RunScenario(ctx, k, sc, &logWriter{}); err != nil {
			util.Fatalf("%v", err)
		}
	}
	if err := metric.WritePrometheus(os.Stdout); err != nil {
		util.Fatalf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}
