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
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/xv6go/kmem/ksim/cmd/util"
	"github.com/xv6go/kmem/ksim/config"
	"github.com/xv6go/kmem/pkg/hostarch"
	"github.com/xv6go/kmem/pkg/hostcpu"
	"github.com/xv6go/kmem/pkg/kernel"
	"github.com/xv6go/kmem/pkg/log"
	"github.com/xv6go/kmem/pkg/pgalloc"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	opts stressOpts
}

// stressOpts configures a stress run.
type stressOpts struct {
	// Workers is the number of goroutines bound to each CPU. Zero spreads
	// one worker per possible host CPU over the simulated CPUs.
	Workers int

	// Iterations is the number of operations each worker performs.
	Iterations int

	// Hold is the most frames a worker holds at once.
	Hold int

	// Seed seeds each worker's random source.
	Seed int64

	// MaxWait bounds how long an allocation is retried while the worker's
	// shard is exhausted.
	MaxWait time.Duration
}

// stressResult counts the operations of a stress run.
type stressResult struct {
	Allocations atomic.Uint64
	Frees       atomic.Uint64
	Borrows     atomic.Uint64
	// Retries counts allocation attempts that found the shard exhausted.
	Retries     atomic.Uint64
	GaveUp      atomic.Uint64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "allocate and free frames concurrently on every CPU"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - runs workers on every CPU that allocate, borrow, drop and free frames, then checks that no frame was lost.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.opts.Workers, "workers", 0, "goroutines per CPU; 0 spreads one per host CPU over the simulated CPUs")
	f.IntVar(&s.opts.Iterations, "iterations", 10000, "operations per worker")
	f.IntVar(&s.opts.Hold, "hold", 16, "maximum frames held by a worker")
	f.Int64Var(&s.opts.Seed, "seed", 1, "random seed")
	f.DurationVar(&s.opts.MaxWait, "max-wait", time.Second, "how long to retry an allocation on an exhausted shard")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.opts.Workers < 0 || s.opts.Hold <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	k, err := bootKernel(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	defer releaseKernel(k)

	opts := s.opts
	if opts.Workers == 0 {
		opts.Workers = workersPerCPU(hostcpu.NumPossibleCPUs(k.NCPU()), k.NCPU())
	}
	log.Infof("Stress: %d workers on each of %d CPUs", opts.Workers, k.NCPU())

	start := time.Now()
	res, err := runStress(ctx, k, opts)
	if err != nil {
		util.Fatalf("stress: %v", err)
	}
	fmt.Printf("%d allocations, %d frees, %d borrows, %d failed attempts, %d gave up in %v\n",
		res.Allocations.Load(), res.Frees.Load(), res.Borrows.Load(), res.Retries.Load(), res.GaveUp.Load(), time.Since(start))
	if err := printStats(os.Stdout, k); err != nil {
		util.Fatalf("writing stats: %v", err)
	}
	return subcommands.ExitSuccess
}

// workersPerCPU divides hostCPUs workers evenly over ncpu simulated CPUs,
// giving each at least one.
func workersPerCPU(hostCPUs, ncpu int) int {
	if n := hostCPUs / ncpu; n > 1 {
		return n
	}
	return 1
}

// runStress runs opts.Workers workers on each of k's CPUs. Every frame a
// worker allocates is freed before it returns, so on success all frames are
// free again and the allocator invariants hold.
func runStress(ctx context.Context, k *kernel.Kernel, opts stressOpts) (*stressResult, error) {
	res := &stressResult{}
	pfa := k.Allocator()
	g, gctx := errgroup.WithContext(ctx)
	for cpu := 0; cpu < k.NCPU(); cpu++ {
		for w := 0; w < opts.Workers; w++ {
			seed := opts.Seed + int64(cpu*opts.Workers+w)
			cpuCtx := hostcpu.WithCPU(gctx, uint32(cpu))
			g.Go(func() error {
				return stressWorker(cpuCtx, pfa, opts, rand.New(rand.NewSource(seed)), res)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := pfa.CheckInvariants(); err != nil {
		return nil, err
	}
	if st := pfa.Stats(); st.Allocated() != 0 {
		return nil, fmt.Errorf("%d frames still allocated after all workers finished", st.Allocated())
	}
	return res, nil
}

func stressWorker(ctx context.Context, pfa *pgalloc.Allocator, opts stressOpts, rng *rand.Rand, res *stressResult) error {
	held := make([]hostarch.Addr, 0, opts.Hold)
	defer func() {
		for _, pa := range held {
			pfa.Free(ctx, pa)
			res.Frees.Add(1)
		}
	}()

	for i := 0; i < opts.Iterations; i++ {
		if len(held) == 0 || (len(held) < opts.Hold && rng.Intn(2) == 0) {
			pa, err := allocateWithRetry(ctx, pfa, opts.MaxWait, res)
			if err == pgalloc.ErrExhausted {
				res.GaveUp.Add(1)
				continue
			}
			if err != nil {
				return err
			}
			if b := pfa.Bytes(pa); b[0] != 0x05 {
				return fmt.Errorf("frame %v allocated with contents %#x", pa, b[0])
			}
			held = append(held, pa)
			res.Allocations.Add(1)
			continue
		}

		j := rng.Intn(len(held))
		pa := held[j]
		if rng.Intn(4) == 0 {
			// Share the frame briefly, as fork does for a private page.
			if n := pfa.Borrow(pa); n != 2 {
				return fmt.Errorf("frame %v has %d references after Borrow, want 2", pa, n)
			}
			res.Borrows.Add(1)
			pfa.Drop(ctx, pa)
			if n := pfa.Refs(pa); n != 1 {
				return fmt.Errorf("frame %v has %d references after Drop, want 1", pa, n)
			}
			continue
		}
		held[j] = held[len(held)-1]
		held = held[:len(held)-1]
		pfa.Drop(ctx, pa)
		res.Frees.Add(1)
	}
	return nil
}

// allocateWithRetry allocates a frame, backing off while the current CPU's
// shard is exhausted. It gives up with pgalloc.ErrExhausted after maxWait.
func allocateWithRetry(ctx context.Context, pfa *pgalloc.Allocator, maxWait time.Duration, res *stressResult) (hostarch.Addr, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Microsecond
	b.MaxInterval = 10 * time.Millisecond
	b.MaxElapsedTime = maxWait

	var pa hostarch.Addr
	op := func() error {
		var err error
		pa, err = pfa.Allocate(ctx)
		if err == pgalloc.ErrExhausted {
			res.Retries.Add(1)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if err == pgalloc.ErrExhausted {
			log.Debugf("stress: CPU %d shard exhausted for %v", hostcpu.CPUFromContext(ctx), maxWait)
		}
		return 0, err
	}
	return pa, nil
}
