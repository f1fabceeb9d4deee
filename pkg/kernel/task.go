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

package kernel

import (
	"context"
	"fmt"

	"github.com/xv6go/kmem/pkg/abi/xv6"
	"github.com/xv6go/kmem/pkg/errors/linuxerr"
	"github.com/xv6go/kmem/pkg/hostarch"
	"github.com/xv6go/kmem/pkg/log"
	"github.com/xv6go/kmem/pkg/mm"
	"github.com/xv6go/kmem/pkg/pgalloc"
	"github.com/xv6go/kmem/pkg/vfs"
	"github.com/xv6go/kmem/pkg/vma"
)

// Task is a process. Its methods must be called from one goroutine at a
// time, with a context bound to the CPU the task runs on.
type Task struct {
	k   *Kernel
	pid int32
	mm  *mm.MemoryManager
	fds *FDTable

	exited bool
}

// PID returns the task's process ID.
func (t *Task) PID() int32 {
	return t.pid
}

// MemoryManager returns the task's address space.
func (t *Task) MemoryManager() *mm.MemoryManager {
	return t.mm
}

// FDTable returns the task's file descriptors.
func (t *Task) FDTable() *FDTable {
	return t.fds
}

// translateError converts internal exhaustion errors to the errno user space
// sees.
func translateError(err error) error {
	switch err {
	case pgalloc.ErrExhausted, vma.ErrFull:
		return linuxerr.ENOMEM
	default:
		return err
	}
}

// Open opens the file named name and returns a new descriptor for it. If
// flags includes O_CREATE a missing file is created empty.
func (t *Task) Open(ctx context.Context, name string, flags uint32) (int32, error) {
	ino, ok := t.k.Lookup(name)
	if !ok {
		if flags&xv6.O_CREATE == 0 {
			return -1, linuxerr.ENOENT
		}
		ino = t.k.CreateFile(name, nil)
	}
	file, err := ino.Open(flags)
	if err != nil {
		return -1, err
	}
	fd, err := t.fds.NewFD(file)
	if err != nil {
		file.DecRef(ctx)
		return -1, err
	}
	return fd, nil
}

// Close closes fd.
func (t *Task) Close(ctx context.Context, fd int32) error {
	file := t.fds.Remove(fd)
	if file == nil {
		return linuxerr.EBADF
	}
	file.DecRef(ctx)
	return nil
}

// Mmap implements mmap(2). Only addr == 0 and offset == 0 are supported;
// any other value panics. fd may be -1 for an anonymous mapping.
//
// MAP_SHARED with PROT_WRITE requires a file opened for writing, and
// PROT_READ requires a file opened for reading; otherwise Mmap returns
// EACCES. Exhaustion of the VMA table is reported as ENOMEM.
func (t *Task) Mmap(ctx context.Context, addr hostarch.Addr, length uint64, prot, flags int32, fd int32, offset int64) (hostarch.Addr, error) {
	if addr != 0 || offset != 0 {
		panic(fmt.Sprintf("mmap: unsupported arguments addr=%v offset=%d", addr, offset))
	}
	if length == 0 || prot&^xv6.PROT_MASK != 0 {
		return 0, linuxerr.EINVAL
	}
	var shared bool
	switch flags {
	case xv6.MAP_SHARED:
		shared = true
	case xv6.MAP_PRIVATE:
	default:
		return 0, linuxerr.EINVAL
	}
	perms := hostarch.AccessType{
		Read:  prot&xv6.PROT_READ != 0,
		Write: prot&xv6.PROT_WRITE != 0,
	}

	var file vfs.File
	if fd != -1 {
		file = t.fds.Get(fd)
		if file == nil {
			return 0, linuxerr.EBADF
		}
		if shared && perms.Write && !file.IsWritable() {
			return 0, linuxerr.EACCES
		}
		if perms.Read && !file.IsReadable() {
			return 0, linuxerr.EACCES
		}
	}

	va, err := t.mm.MMap(ctx, mm.MMapOpts{
		Length: length,
		Perms:  perms,
		Shared: shared,
		File:   file,
	})
	if err != nil {
		return 0, translateError(err)
	}
	return va, nil
}

// Munmap implements munmap(2).
func (t *Task) Munmap(ctx context.Context, addr hostarch.Addr, length uint64) error {
	return t.mm.MUnmap(ctx, addr, length)
}

// CopyOut writes src to the task's memory at addr.
func (t *Task) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error) {
	n, err := t.mm.CopyOut(ctx, addr, src)
	return n, translateError(err)
}

// CopyIn reads len(dst) bytes of the task's memory at addr.
func (t *Task) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	n, err := t.mm.CopyIn(ctx, addr, dst)
	return n, translateError(err)
}

// Fork implements fork(2). The child shares the parent's open files and
// receives a copy-on-write duplicate of its address space. If the VMA table
// cannot hold the child's mappings, Fork fails with ENOMEM and leaves the
// parent unchanged.
func (t *Task) Fork(ctx context.Context) (*Task, error) {
	childMM, err := t.mm.Fork(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	child := &Task{
		k:   t.k,
		pid: t.k.nextPID.Add(1),
		mm:  childMM,
		fds: t.fds.Fork(),
	}
	log.Debugf("kernel: task %d forked task %d", t.pid, child.pid)
	return child, nil
}

// Exit implements exit(2): it unmaps every mapping, dropping every frame,
// and closes every file.
func (t *Task) Exit(ctx context.Context) {
	if t.exited {
		panic(fmt.Sprintf("task %d exited twice", t.pid))
	}
	t.exited = true
	t.mm.Release(ctx)
	t.fds.RemoveAll(ctx)
	log.Debugf("kernel: task %d exited", t.pid)
}
