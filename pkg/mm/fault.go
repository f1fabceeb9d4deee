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

package mm

import (
	"context"
	"io"

	"github.com/xv6go/kmem/pkg/errors/linuxerr"
	"github.com/xv6go/kmem/pkg/hostarch"
	"github.com/xv6go/kmem/pkg/vma"
)

// HandleFault handles a page fault at addr for an access of type at. It
// returns EFAULT if addr is unmapped or the mapping does not permit at, and
// pgalloc.ErrExhausted if a frame is needed but none is available.
func (mm *MemoryManager) HandleFault(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	_, err := mm.faultLocked(ctx, addr, at)
	return err
}

// faultLocked ensures that the page containing addr is resident and permits
// at, and returns its frame.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) faultLocked(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType) (hostarch.Addr, error) {
	m, ok := mm.findLocked(addr)
	if !ok {
		return 0, linuxerr.EFAULT
	}
	a := mm.areaLocked(m)
	if !a.Perms.SupersetOf(at) {
		return 0, linuxerr.EFAULT
	}
	page := addr.RoundDown()

	p, ok := mm.pt[page]
	if !ok {
		pa, err := mm.populateLocked(ctx, a, page)
		if err != nil {
			return 0, err
		}
		p = pte{pa: pa, writable: a.Perms.Write}
		faultsMetric.Increment()
	} else if at.Write && !p.writable {
		// Only private writable pages are ever write-protected while
		// their VMA permits writes.
		pa, err := mm.breakCOWLocked(ctx, p.pa)
		if err != nil {
			return 0, err
		}
		p.pa = pa
		p.writable = true
		faultsMetric.Increment()
	}
	if at.Write {
		p.dirty = true
	}
	mm.pt[page] = p
	return p.pa, nil
}

// populateLocked allocates a frame for page and fills it from a's file, or
// with zeroes for anonymous mappings and for the part of the page past the
// end of the file.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) populateLocked(ctx context.Context, a *vma.Area, page hostarch.Addr) (hostarch.Addr, error) {
	pa, err := mm.pfa.Allocate(ctx)
	if err != nil {
		return 0, err
	}
	b := mm.pfa.Bytes(pa)
	clear(b)
	if a.File == nil {
		return pa, nil
	}
	if _, err := a.File.PRead(ctx, b, a.FileOffset(page)); err != nil && err != io.EOF {
		mm.pfa.Drop(ctx, pa)
		return 0, err
	}
	return pa, nil
}

// breakCOWLocked returns a frame holding the content of pa that the caller
// may write. If the caller is pa's only owner, that is pa itself. Otherwise
// it is a private copy, and the caller's reference on pa is dropped.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) breakCOWLocked(ctx context.Context, pa hostarch.Addr) (hostarch.Addr, error) {
	if mm.pfa.HasUniqueRef(pa) {
		reuseMetric.Increment()
		return pa, nil
	}
	npa, err := mm.pfa.Allocate(ctx)
	if err != nil {
		return 0, err
	}
	copy(mm.pfa.Bytes(npa), mm.pfa.Bytes(pa))
	mm.pfa.Drop(ctx, pa)
	cowMetric.Increment()
	return npa, nil
}

// CopyOut copies src to the address space at addr, faulting pages in as
// needed. It returns the number of bytes copied before any error.
func (mm *MemoryManager) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error) {
	return mm.copy(ctx, addr, len(src), hostarch.Write, func(frame []byte, done int) int {
		return copy(frame, src[done:])
	})
}

// CopyIn copies len(dst) bytes from the address space at addr into dst,
// faulting pages in as needed. It returns the number of bytes copied before
// any error.
func (mm *MemoryManager) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	return mm.copy(ctx, addr, len(dst), hostarch.Read, func(frame []byte, done int) int {
		return copy(dst[done:], frame)
	})
}

// copy calls fn for each page-sized piece of [addr, addr+n) with the bytes
// of the frame backing it.
func (mm *MemoryManager) copy(ctx context.Context, addr hostarch.Addr, n int, at hostarch.AccessType, fn func(frame []byte, done int) int) (int, error) {
	if _, ok := addr.AddLength(uint64(n)); !ok {
		return 0, linuxerr.EFAULT
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	done := 0
	for done < n {
		cur := addr + hostarch.Addr(done)
		pa, err := mm.faultLocked(ctx, cur, at)
		if err != nil {
			return done, err
		}
		off := cur.PageOffset()
		frame := mm.pfa.Bytes(pa)[off:]
		if rem := n - done; rem < len(frame) {
			frame = frame[:rem]
		}
		done += fn(frame, done)
	}
	return done, nil
}
