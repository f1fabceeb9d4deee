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
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/xv6go/kmem/pkg/hostarch"
	"github.com/xv6go/kmem/pkg/hostcpu"
	"github.com/xv6go/kmem/pkg/kernel"
	"github.com/xv6go/kmem/pkg/pgalloc"
	"github.com/xv6go/kmem/pkg/physmem"
)

func newTestKernel(t *testing.T, nvma int, policy pgalloc.FreePolicy) *kernel.Kernel {
	t.Helper()
	conf := kernel.DefaultConfig()
	conf.NCPU = 2
	conf.KernelEnd = physmem.KernBase + hostarch.PageSize
	conf.PhysTop = physmem.KernBase + 65*hostarch.PageSize
	conf.NVMA = nvma
	conf.FreePolicy = policy
	k, err := kernel.New(conf)
	if err != nil {
		t.Fatalf("kernel.New: %v", err)
	}
	t.Cleanup(func() { k.Release() })
	return k
}

func parse(t *testing.T, text string) *Scenario {
	t.Helper()
	sc, err := ParseScenario(strings.NewReader(text))
	if err != nil {
		t.Fatalf("ParseScenario: %v", err)
	}
	return sc
}

const forkScenario = `
files:
  - name: data
    contents: "hello"
    size: 4096
steps:
  - {op: spawn, task: p}
  - {op: open, task: p, file: data, flags: [rdwr], as: fd}
  - {op: mmap, task: p, fd: fd, length: 4096, prot: [read, write], flags: [shared], as: shared}
  - {op: mmap, task: p, length: 8192, prot: [read, write], flags: [private], as: anon}
  - {op: read, task: p, addr: shared, length: 5, expect: "hello"}
  - {op: write, task: p, addr: anon, offset: 4096, data: "abc"}
  - {op: fork, task: p, child: c, cpu: 1}
  - {op: write, task: c, addr: anon, offset: 4096, data: "xyz", cpu: 1}
  - {op: write, task: c, addr: shared, data: "HELLO", cpu: 1}
  - {op: read, task: p, addr: anon, offset: 4096, length: 3, expect: "abc"}
  - {op: read, task: c, addr: anon, offset: 4096, length: 3, expect: "xyz", cpu: 1}
  - {op: exit, task: c, cpu: 1}
  - {op: read, task: p, addr: shared, length: 5, expect: "HELLO"}
  - {op: maps, task: p}
  - {op: stats}
  - {op: munmap, task: p, addr: anon, length: 4096}
  - {op: read, task: p, addr: anon, length: 1, error: EFAULT}
  - {op: check}
`

func TestRunScenario(t *testing.T) {
	for _, policy := range []pgalloc.FreePolicy{pgalloc.FreeToHome, pgalloc.FreeToCurrent} {
		t.Run(policy.String(), func(t *testing.T) {
			k := newTestKernel(t, 4, policy)
			var out bytes.Buffer
			if err := RunScenario(context.Background(), k, parse(t, forkScenario), &out); err != nil {
				t.Fatalf("RunScenario: %v\noutput:\n%s", err, out.String())
			}
			for _, want := range []string{
				"child=c",
				"EFAULT (expected)",
				"ok allocated=",
				"mappings=2 shared=1 resident=2 fds=1",
				"fd:0 => data",
				"files: data",
			} {
				if !strings.Contains(out.String(), want) {
					t.Errorf("output missing %q:\n%s", want, out.String())
				}
			}
			if err := checkQuiescent(k); err != nil {
				t.Errorf("checkQuiescent: %v", err)
			}
			ino, ok := k.Lookup("data")
			if !ok {
				t.Fatalf("file data not found")
			}
			if got := string(ino.Data()[:5]); got != "HELLO" {
				t.Errorf("file contents = %q, want %q", got, "HELLO")
			}
		})
	}
}

func TestRunScenarioForkENOMEM(t *testing.T) {
	const text = `
steps:
  - {op: spawn, task: p}
  - {op: mmap, task: p, length: 4096, prot: [read, write], flags: [private], as: a}
  - {op: mmap, task: p, length: 4096, prot: [read], flags: [shared], as: b}
  - {op: write, task: p, addr: a, data: "x"}
  - {op: fork, task: p, child: c, error: ENOMEM}
  - {op: write, task: p, addr: a, data: "y"}
  - {op: read, task: p, addr: a, length: 1, expect: "y"}
  - {op: mmap, task: p, length: 4096, prot: [read], flags: [private], as: c}
  - {op: mmap, task: p, length: 4096, prot: [read], flags: [private], error: ENOMEM}
`
	k := newTestKernel(t, 3, pgalloc.FreeToHome)
	var out bytes.Buffer
	if err := RunScenario(context.Background(), k, parse(t, text), &out); err != nil {
		t.Fatalf("RunScenario: %v\noutput:\n%s", err, out.String())
	}
	if got, want := strings.Count(out.String(), "ENOMEM (expected)"), 2; got != want {
		t.Errorf("got %d expected ENOMEM steps, want %d:\n%s", got, want, out.String())
	}
	if err := checkQuiescent(k); err != nil {
		t.Errorf("checkQuiescent: %v", err)
	}
}

func TestRunScenarioFailures(t *testing.T) {
	for _, tc := range []struct {
		name  string
		steps string
		error string
	}{
		{
			name:  "unknown task",
			steps: "  - {op: exit, task: nobody}",
			error: `no task "nobody"`,
		},
		{
			name:  "unknown op",
			steps: "  - {op: spawn, task: p}\n  - {op: yield, task: p}",
			error: `unknown op "yield"`,
		},
		{
			name:  "mismatch",
			steps: "  - {op: spawn, task: p}\n  - {op: mmap, task: p, length: 4096, prot: [read], flags: [private], as: a}\n  - {op: read, task: p, addr: a, length: 1, expect: \"z\"}",
			error: "want \"z\"",
		},
		{
			name:  "unexpected success",
			steps: "  - {op: spawn, task: p}\n  - {op: mmap, task: p, length: 4096, prot: [read], flags: [private], error: ENOMEM}",
			error: "succeeded, want ENOMEM",
		},
		{
			name:  "wrong errno",
			steps: "  - {op: spawn, task: p}\n  - {op: open, task: p, file: missing, flags: [rdonly], error: EACCES}",
			error: "failed with ENOENT",
		},
		{
			name:  "bad flags",
			steps: "  - {op: spawn, task: p}\n  - {op: mmap, task: p, length: 4096, prot: [exec], flags: [private]}",
			error: `unknown protection "exec"`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k := newTestKernel(t, 4, pgalloc.FreeToHome)
			var out bytes.Buffer
			err := RunScenario(context.Background(), k, parse(t, "steps:\n"+tc.steps), &out)
			if err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("RunScenario() got error: %v, want: %q", err, tc.error)
			}
			// Tasks are exited even when a step fails.
			if err := checkQuiescent(k); err != nil {
				t.Errorf("checkQuiescent: %v", err)
			}
		})
	}
}

func TestParseScenarioErrors(t *testing.T) {
	for _, text := range []string{
		"steps: []",
		"steps:\n  - {op: spawn, tsak: p}",
		"files: 3",
	} {
		if _, err := ParseScenario(strings.NewReader(text)); err == nil {
			t.Errorf("ParseScenario(%q) succeeded, want error", text)
		}
	}
}

func TestStress(t *testing.T) {
	for _, policy := range []pgalloc.FreePolicy{pgalloc.FreeToHome, pgalloc.FreeToCurrent} {
		t.Run(policy.String(), func(t *testing.T) {
			k := newTestKernel(t, 4, policy)
			res, err := runStress(context.Background(), k, stressOpts{
				Workers:    2,
				Iterations: 2000,
				Hold:       8,
				Seed:       1,
				MaxWait:    50 * time.Millisecond,
			})
			if err != nil {
				t.Fatalf("runStress: %v", err)
			}
			if got := res.Allocations.Load(); got == 0 {
				t.Errorf("no allocations")
			}
			if a, f := res.Allocations.Load(), res.Frees.Load(); a != f {
				t.Errorf("%d allocations but %d frees", a, f)
			}
		})
	}
}

func TestWorkersPerCPU(t *testing.T) {
	for _, tc := range []struct {
		host, ncpu, want int
	}{
		{host: 8, ncpu: 2, want: 4},
		{host: 7, ncpu: 2, want: 3},
		{host: 2, ncpu: 4, want: 1},
		{host: 1, ncpu: 1, want: 1},
	} {
		if got := workersPerCPU(tc.host, tc.ncpu); got != tc.want {
			t.Errorf("workersPerCPU(%d, %d): got %d, want %d", tc.host, tc.ncpu, got, tc.want)
		}
	}
	if got := workersPerCPU(hostcpu.NumPossibleCPUs(2), 2); got < 1 {
		t.Errorf("workersPerCPU for this host: got %d, want >= 1", got)
	}
}

func TestStressExhaustion(t *testing.T) {
	// Three workers holding up to 16 frames each overcommit a 32-frame shard.
	k := newTestKernel(t, 4, pgalloc.FreeToHome)
	res, err := runStress(context.Background(), k, stressOpts{
		Workers:    3,
		Iterations: 200,
		Hold:       16,
		Seed:       7,
		MaxWait:    5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("runStress: %v", err)
	}
	if a, f := res.Allocations.Load(), res.Frees.Load(); a != f {
		t.Errorf("%d allocations but %d frees", a, f)
	}
	if st := k.Allocator().Stats(); st.Free != st.Total {
		t.Errorf("%d of %d frames free", st.Free, st.Total)
	}
}

func TestPrintStats(t *testing.T) {
	k := newTestKernel(t, 4, pgalloc.FreeToHome)
	var out bytes.Buffer
	if err := printStats(&out, k); err != nil {
		t.Fatalf("printStats: %v", err)
	}
	for _, want := range []string{"CPU", "total", "64", "vma slots: 0/4 used"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}
