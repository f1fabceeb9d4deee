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
	stderrors "errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/xv6go/kmem/pkg/abi/xv6"
	"github.com/xv6go/kmem/pkg/errors"
	"github.com/xv6go/kmem/pkg/hostarch"
	"github.com/xv6go/kmem/pkg/hostcpu"
	"github.com/xv6go/kmem/pkg/kernel"
)

// Scenario is a scripted sequence of process operations, read from YAML:
//
//	files:
//	  - name: data
//	    contents: "hello"
//	steps:
//	  - {op: spawn, task: p}
//	  - {op: open, task: p, file: data, flags: [rdwr], as: fd}
//	  - {op: mmap, task: p, fd: fd, length: 4096, prot: [read, write], flags: [shared], as: m}
//	  - {op: fork, task: p, child: c}
//	  - {op: write, task: c, addr: m, data: "HELLO"}
//	  - {op: exit, task: c}
//	  - {op: read, task: p, addr: m, length: 5, expect: "HELLO"}
//
// Tasks, descriptors and addresses are referred to by the names given with
// "task", "child" and "as".
type Scenario struct {
	Files []ScenarioFile `yaml:"files"`
	Steps []Step         `yaml:"steps"`
}

// ScenarioFile is a file created before the first step.
type ScenarioFile struct {
	Name     string `yaml:"name"`
	Contents string `yaml:"contents"`

	// Size, if larger than Contents, pads the file with zeroes.
	Size int `yaml:"size"`
}

// Step is one operation of a Scenario.
type Step struct {
	// Op is one of spawn, open, close, mmap, munmap, write, read, fork,
	// exit, maps, stats and check.
	Op   string `yaml:"op"`
	Task string `yaml:"task"`

	// CPU is the CPU the step runs on.
	CPU uint32 `yaml:"cpu"`

	// Child names the task created by fork.
	Child string `yaml:"child"`

	// As names the result of open or mmap.
	As string `yaml:"as"`

	File  string   `yaml:"file"`
	FD    string   `yaml:"fd"`
	Flags []string `yaml:"flags"`
	Prot  []string `yaml:"prot"`

	// Addr names a mapping; Offset is added to its address.
	Addr   string `yaml:"addr"`
	Offset uint64 `yaml:"offset"`
	Length uint64 `yaml:"length"`

	Data   string  `yaml:"data"`
	Expect *string `yaml:"expect"`

	// Error is the errno name the step is expected to fail with.
	Error string `yaml:"error"`
}

// ParseScenario parses a YAML scenario. Unknown keys are rejected.
func ParseScenario(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if len(sc.Steps) == 0 {
		return nil, fmt.Errorf("scenario has no steps")
	}
	return &sc, nil
}

// scenarioRunner holds the state of a running scenario.
type scenarioRunner struct {
	k     *kernel.Kernel
	out   io.Writer
	tasks map[string]*kernel.Task
	fds   map[string]int32
	addrs map[string]hostarch.Addr
}

// RunScenario runs sc against k, writing one line per step to out. Tasks
// still alive at the end are exited. It fails on the first step whose
// outcome differs from the one the step expects.
func RunScenario(ctx context.Context, k *kernel.Kernel, sc *Scenario, out io.Writer) error {
	for _, f := range sc.Files {
		data := []byte(f.Contents)
		if f.Size > len(data) {
			data = append(data, make([]byte, f.Size-len(data))...)
		}
		k.CreateFile(f.Name, data)
	}

	r := &scenarioRunner{
		k:     k,
		out:   out,
		tasks: make(map[string]*kernel.Task),
		fds:   make(map[string]int32),
		addrs: make(map[string]hostarch.Addr),
	}
	defer r.exitAll(ctx)

	for i := range sc.Steps {
		st := &sc.Steps[i]
		stepCtx := hostcpu.WithCPU(ctx, st.CPU)
		res, err := r.step(stepCtx, st)
		if err := checkOutcome(st, err); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}
		if err != nil {
			res = fmt.Sprintf("%s (expected)", errnoName(err))
		}
		fmt.Fprintf(out, "%3d cpu%d %-6s %-4s %s\n", i, st.CPU, st.Op, st.Task, res)
	}
	return nil
}

// checkOutcome compares the error returned by a step against the error it
// expects.
func checkOutcome(st *Step, err error) error {
	switch {
	case err == nil && st.Error == "":
		return nil
	case err == nil:
		return fmt.Errorf("succeeded, want %s", st.Error)
	case st.Error == "":
		return err
	case errnoName(err) != st.Error:
		return fmt.Errorf("failed with %s (%v), want %s", errnoName(err), err, st.Error)
	default:
		return nil
	}
}

// errnoName returns the symbolic errno of err, or its message if it does not
// carry one.
func errnoName(err error) string {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return unix.ErrnoName(e.Errno())
	}
	return err.Error()
}

func (r *scenarioRunner) task(name string) (*kernel.Task, error) {
	t, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("no task %q", name)
	}
	return t, nil
}

func (r *scenarioRunner) addr(st *Step) (hostarch.Addr, error) {
	base, ok := r.addrs[st.Addr]
	if !ok {
		return 0, fmt.Errorf("no mapping %q", st.Addr)
	}
	return base + hostarch.Addr(st.Offset), nil
}

func (r *scenarioRunner) step(ctx context.Context, st *Step) (string, error) {
	switch st.Op {
	case "spawn":
		if _, ok := r.tasks[st.Task]; ok {
			return "", fmt.Errorf("task %q already exists", st.Task)
		}
		t := r.k.NewTask()
		r.tasks[st.Task] = t
		return fmt.Sprintf("pid=%d", t.PID()), nil
	case "stats":
		var b bytes.Buffer
		if err := printStats(&b, r.k); err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "files: %s\n", strings.Join(r.k.FileNames(), " "))
		return "\n" + b.String(), nil
	case "check":
		if err := r.k.Allocator().CheckInvariants(); err != nil {
			return "", err
		}
		stats := r.k.Allocator().Stats()
		return fmt.Sprintf("ok allocated=%d vmas=%d", stats.Allocated(), r.k.VMAs().Len()), nil
	}

	t, err := r.task(st.Task)
	if err != nil {
		return "", err
	}
	switch st.Op {
	case "maps":
		mm := t.MemoryManager()
		shared := 0
		for _, a := range mm.Areas() {
			if a.Shared {
				shared++
			}
		}
		fds := t.FDTable()
		return fmt.Sprintf("mappings=%d shared=%d resident=%d fds=%d\n%s%s",
			mm.NumMappings(), shared, mm.ResidentPages(), fds.Size(), mm.String(), fds.String()), nil
	case "open":
		flags, err := openFlags(st.Flags)
		if err != nil {
			return "", err
		}
		fd, err := t.Open(ctx, st.File, flags)
		if err != nil {
			return "", err
		}
		if st.As != "" {
			r.fds[st.As] = fd
		}
		return fmt.Sprintf("fd=%d", fd), nil

	case "close":
		fd, ok := r.fds[st.FD]
		if !ok {
			return "", fmt.Errorf("no descriptor %q", st.FD)
		}
		return "", t.Close(ctx, fd)

	case "mmap":
		fd := int32(-1)
		if st.FD != "" {
			var ok bool
			if fd, ok = r.fds[st.FD]; !ok {
				return "", fmt.Errorf("no descriptor %q", st.FD)
			}
		}
		prot, err := protBits(st.Prot)
		if err != nil {
			return "", err
		}
		flags, err := mapFlags(st.Flags)
		if err != nil {
			return "", err
		}
		va, err := t.Mmap(ctx, 0, st.Length, prot, flags, fd, 0)
		if err != nil {
			return "", err
		}
		if st.As != "" {
			r.addrs[st.As] = va
		}
		return fmt.Sprintf("addr=%v", va), nil

	case "munmap":
		va, err := r.addr(st)
		if err != nil {
			return "", err
		}
		return "", t.Munmap(ctx, va, st.Length)

	case "write":
		va, err := r.addr(st)
		if err != nil {
			return "", err
		}
		n, err := t.CopyOut(ctx, va, []byte(st.Data))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("wrote %d bytes at %v", n, va), nil

	case "read":
		va, err := r.addr(st)
		if err != nil {
			return "", err
		}
		buf := make([]byte, st.Length)
		if _, err := t.CopyIn(ctx, va, buf); err != nil {
			return "", err
		}
		if st.Expect != nil && string(buf) != *st.Expect {
			return "", fmt.Errorf("read %q at %v, want %q", buf, va, *st.Expect)
		}
		return fmt.Sprintf("%q", buf), nil

	case "fork":
		if _, ok := r.tasks[st.Child]; ok || st.Child == "" {
			return "", fmt.Errorf("invalid child name %q", st.Child)
		}
		child, err := t.Fork(ctx)
		if err != nil {
			return "", err
		}
		r.tasks[st.Child] = child
		return fmt.Sprintf("child=%s pid=%d", st.Child, child.PID()), nil

	case "exit":
		t.Exit(ctx)
		delete(r.tasks, st.Task)
		return "", nil

	default:
		return "", fmt.Errorf("unknown op %q", st.Op)
	}
}

// exitAll exits every task that is still alive.
func (r *scenarioRunner) exitAll(ctx context.Context) {
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r.tasks[name].Exit(ctx)
		delete(r.tasks, name)
	}
}

func openFlags(names []string) (uint32, error) {
	var flags uint32
	for _, name := range names {
		switch name {
		case "rdonly":
			flags |= xv6.O_RDONLY
		case "wronly":
			flags |= xv6.O_WRONLY
		case "rdwr":
			flags |= xv6.O_RDWR
		case "create":
			flags |= xv6.O_CREATE
		case "trunc":
			flags |= xv6.O_TRUNC
		default:
			return 0, fmt.Errorf("unknown open flag %q", name)
		}
	}
	return flags, nil
}

func protBits(names []string) (int32, error) {
	var prot int32
	for _, name := range names {
		switch name {
		case "read":
			prot |= xv6.PROT_READ
		case "write":
			prot |= xv6.PROT_WRITE
		default:
			return 0, fmt.Errorf("unknown protection %q", name)
		}
	}
	return prot, nil
}

func mapFlags(names []string) (int32, error) {
	var flags int32
	for _, name := range names {
		switch name {
		case "shared":
			flags |= xv6.MAP_SHARED
		case "private":
			flags |= xv6.MAP_PRIVATE
		default:
			return 0, fmt.Errorf("unknown mmap flag %q", name)
		}
	}
	return flags, nil
}
