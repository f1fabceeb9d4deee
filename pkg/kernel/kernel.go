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

// Package kernel builds the memory core at boot and exposes the system calls
// that drive it: open, mmap, munmap, fork and exit.
//
// All kernel-wide state hangs off a Kernel, which is created once by New and
// passed to whatever needs it.
package kernel

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/xv6go/kmem/pkg/hostarch"
	"github.com/xv6go/kmem/pkg/log"
	"github.com/xv6go/kmem/pkg/metric"
	"github.com/xv6go/kmem/pkg/mm"
	"github.com/xv6go/kmem/pkg/pgalloc"
	"github.com/xv6go/kmem/pkg/physmem"
	"github.com/xv6go/kmem/pkg/vfs"
	"github.com/xv6go/kmem/pkg/vma"
)

// Config configures a Kernel.
type Config struct {
	// NCPU is the number of CPUs.
	NCPU int

	// KernelEnd is the first physical address past the kernel image.
	KernelEnd hostarch.Addr

	// PhysTop is the address one past the end of physical memory.
	PhysTop hostarch.Addr

	// NVMA is the capacity of the VMA table.
	NVMA int

	// FreePolicy selects where freed frames go.
	FreePolicy pgalloc.FreePolicy

	// MmapBase is the address below which mappings are placed.
	MmapBase hostarch.Addr
}

// DefaultConfig returns the configuration of the reference machine: 128MB of
// RAM starting at physmem.KernBase with a 2MB kernel image.
func DefaultConfig() Config {
	return Config{
		NCPU:       8,
		KernelEnd:  physmem.KernBase + 2<<20,
		PhysTop:    physmem.KernBase + 128<<20,
		NVMA:       vma.DefaultCapacity,
		FreePolicy: pgalloc.FreeToHome,
		MmapBase:   mm.DefaultMmapBase,
	}
}

// Kernel holds the memory core.
type Kernel struct {
	mem    *physmem.Memory
	pfa    *pgalloc.Allocator
	vmas   *vma.Table
	layout mm.Layout
	ncpu   int

	// nextPID is the PID of the next task.
	nextPID atomic.Int32

	filesMu sync.Mutex

	// files is the flat namespace of files that can be opened. Protected
	// by filesMu.
	files map[string]*vfs.Inode
}

// New boots a kernel: it maps physical memory, initializes the frame
// allocator over it, and creates the VMA table.
func New(conf Config) (*Kernel, error) {
	if conf.NVMA <= 0 {
		return nil, fmt.Errorf("invalid VMA table capacity %d", conf.NVMA)
	}
	if !conf.MmapBase.IsPageAligned() || conf.MmapBase <= hostarch.PageSize || conf.MmapBase > mm.DefaultMmapBase {
		return nil, fmt.Errorf("invalid mmap base %v", conf.MmapBase)
	}
	if conf.PhysTop <= physmem.KernBase {
		return nil, fmt.Errorf("physical top %v is below the start of RAM %v", conf.PhysTop, physmem.KernBase)
	}
	mem, err := physmem.New(physmem.KernBase, conf.PhysTop)
	if err != nil {
		return nil, err
	}
	pfa, err := pgalloc.New(mem, pgalloc.Opts{
		NCPU:      conf.NCPU,
		KernelEnd: conf.KernelEnd,
		PhysTop:   conf.PhysTop,
		Policy:    conf.FreePolicy,
	})
	if err != nil {
		mem.Release()
		return nil, fmt.Errorf("initializing frame allocator: %w", err)
	}
	k := &Kernel{
		mem:    mem,
		pfa:    pfa,
		vmas:   vma.New(conf.NVMA),
		layout: mm.Layout{MinAddr: hostarch.PageSize, MmapBase: conf.MmapBase},
		ncpu:   conf.NCPU,
		files:  make(map[string]*vfs.Inode),
	}
	log.Infof("kernel: booted with %d CPUs, %d frames, %d VMA slots", conf.NCPU, pfa.TotalFrames(), conf.NVMA)
	return k, nil
}

// Release unmaps physical memory. No task may be used afterward.
func (k *Kernel) Release() error {
	return k.mem.Release()
}

// NCPU returns the number of CPUs.
func (k *Kernel) NCPU() int {
	return k.ncpu
}

// Allocator returns the physical frame allocator.
func (k *Kernel) Allocator() *pgalloc.Allocator {
	return k.pfa
}

// VMAs returns the VMA table.
func (k *Kernel) VMAs() *vma.Table {
	return k.vmas
}

// CreateFile adds a file named name holding data, replacing any existing
// file of that name.
func (k *Kernel) CreateFile(name string, data []byte) *vfs.Inode {
	ino := vfs.NewInode(name, data)
	k.filesMu.Lock()
	k.files[name] = ino
	k.filesMu.Unlock()
	return ino
}

// Lookup returns the file named name.
func (k *Kernel) Lookup(name string) (*vfs.Inode, bool) {
	k.filesMu.Lock()
	defer k.filesMu.Unlock()
	ino, ok := k.files[name]
	return ino, ok
}

// FileNames returns the names of all files in sorted order.
func (k *Kernel) FileNames() []string {
	k.filesMu.Lock()
	defer k.filesMu.Unlock()
	names := make([]string, 0, len(k.files))
	for name := range k.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewTask creates a task with an empty address space and no open files.
func (k *Kernel) NewTask() *Task {
	return &Task{
		k:   k,
		pid: k.nextPID.Add(1),
		mm:  mm.NewMemoryManager(k.pfa, k.vmas, k.layout),
		fds: newFDTable(),
	}
}

// RegisterMetrics registers gauges describing k. It may only be called for
// one kernel per process.
func (k *Kernel) RegisterMetrics() error {
	for _, g := range []struct {
		name, desc string
		value      func() uint64
	}{
		{"/pgalloc/free_frames", "Number of frames on free lists.", func() uint64 { return k.pfa.Stats().Free }},
		{"/pgalloc/total_frames", "Number of managed frames.", k.pfa.TotalFrames},
		{"/vma/slots_used", "Number of allocated VMA slots.", func() uint64 { return uint64(k.vmas.Len()) }},
		{"/vma/slots_total", "Capacity of the VMA table.", func() uint64 { return uint64(k.vmas.Cap()) }},
	} {
		if err := metric.RegisterCustomUint64Metric(g.name, false, g.desc, g.value); err != nil {
			return fmt.Errorf("registering %s: %w", g.name, err)
		}
	}
	return nil
}
