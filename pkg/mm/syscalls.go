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
	"github.com/xv6go/kmem/pkg/log"
	"github.com/xv6go/kmem/pkg/vfs"
	"github.com/xv6go/kmem/pkg/vma"
)

// MMapOpts are the options to MMap.
type MMapOpts struct {
	// Length is the length of the mapping in bytes. It is rounded up to a
	// page boundary.
	Length uint64

	// Perms are the permissions of the mapping.
	Perms hostarch.AccessType

	// Shared is true for MAP_SHARED.
	Shared bool

	// File backs the mapping. If it is nil, the mapping is anonymous and
	// zero-filled. MMap takes its own reference on File.
	File vfs.File
}

// MMap creates a mapping placed top-down below the layout's MmapBase and
// returns its start address. Pages are not populated until they are
// accessed.
//
// MMap returns vma.ErrFull if the VMA table has no free slot.
func (mm *MemoryManager) MMap(ctx context.Context, opts MMapOpts) (hostarch.Addr, error) {
	if opts.Length == 0 {
		return 0, linuxerr.EINVAL
	}
	length, ok := hostarch.PageRoundUp(opts.Length)
	if !ok {
		return 0, linuxerr.ENOMEM
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	addr, err := mm.findAvailableLocked(length)
	if err != nil {
		return 0, err
	}
	h, err := mm.vmas.Allocate()
	if err != nil {
		return 0, err
	}
	if opts.File != nil {
		opts.File.IncRef()
	}
	end := addr + hostarch.Addr(length)
	mm.vmas.Set(h, vma.Area{
		OStart: addr,
		Start:  addr,
		End:    end,
		Perms:  opts.Perms,
		Shared: opts.Shared,
		File:   opts.File,
	})
	mm.index.ReplaceOrInsert(mapping{start: addr, end: end, h: h})
	log.Debugf("mm: mapped %v as %v", hostarch.AddrRange{Start: addr, End: end}, h)
	return addr, nil
}

// findAvailableLocked returns the highest page-aligned address below
// MmapBase at which length bytes are unmapped.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) findAvailableLocked(length uint64) (hostarch.Addr, error) {
	top := mm.layout.MmapBase
	var (
		addr  hostarch.Addr
		found bool
	)
	mm.index.Descend(func(m mapping) bool {
		if m.start >= top {
			return true
		}
		if m.end <= top && uint64(top-m.end) >= length {
			addr, found = top-hostarch.Addr(length), true
			return false
		}
		top = m.start
		return true
	})
	if found {
		return addr, nil
	}
	if top < mm.layout.MinAddr || uint64(top-mm.layout.MinAddr) < length {
		return 0, linuxerr.ENOMEM
	}
	return top - hostarch.Addr(length), nil
}

// MUnmap unmaps [addr, addr+length). The range must lie within one mapping
// and include its start or its end; unmapping a hole in the middle of a
// mapping fails with EINVAL. Dirty pages of shared file mappings are written
// back before their frames are dropped. A mapping that becomes empty releases
// its VMA.
func (mm *MemoryManager) MUnmap(ctx context.Context, addr hostarch.Addr, length uint64) error {
	if length == 0 || !addr.IsPageAligned() {
		return linuxerr.EINVAL
	}
	la, ok := hostarch.PageRoundUp(length)
	if !ok {
		return linuxerr.EINVAL
	}
	ar, ok := addr.ToRange(la)
	if !ok {
		return linuxerr.EINVAL
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	m, ok := mm.findLocked(ar.Start)
	if !ok || ar.End > m.end {
		return linuxerr.EINVAL
	}
	if ar.Start != m.start && ar.End != m.end {
		return linuxerr.EINVAL
	}

	a := mm.areaLocked(m)
	mm.unmapPagesLocked(ctx, a, ar, true /* writeBack */)
	mm.index.Delete(m)
	switch {
	case ar.Start == m.start && ar.End == m.end:
		mm.vmas.Release(ctx, m.h)
		log.Debugf("mm: unmapped %v, released %v", ar, m.h)
		return nil
	case ar.Start == m.start:
		a.Start = ar.End
	default:
		a.End = ar.Start
	}
	mm.index.ReplaceOrInsert(mapping{start: a.Start, end: a.End, h: m.h})
	log.Debugf("mm: unmapped %v, %v is now %v", ar, m.h, a.Range())
	return nil
}

// unmapPagesLocked drops the frames mapped in ar, which must lie within a,
// first writing back dirty pages of shared file mappings if writeBack is
// true.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) unmapPagesLocked(ctx context.Context, a *vma.Area, ar hostarch.AddrRange, writeBack bool) {
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		p, ok := mm.pt[addr]
		if !ok {
			continue
		}
		if writeBack && a.Shared && p.dirty && a.File != nil {
			mm.writeBackLocked(ctx, a, addr, p.pa)
		}
		delete(mm.pt, addr)
		mm.pfa.Drop(ctx, p.pa)
	}
}

// writeBackLocked writes the page at addr back to a's file. Bytes past the
// end of the file are not written.
//
// Preconditions: mm.mu is locked. a is shared and file-backed.
func (mm *MemoryManager) writeBackLocked(ctx context.Context, a *vma.Area, addr, pa hostarch.Addr) {
	if !a.File.IsWritable() {
		return
	}
	off := a.FileOffset(addr)
	size := a.File.Size()
	if off >= size {
		return
	}
	n := int64(hostarch.PageSize)
	if rem := size - off; rem < n {
		n = rem
	}
	written, err := a.File.PWrite(ctx, mm.pfa.Bytes(pa)[:n], off)
	if err != nil && err != io.EOF {
		log.Warningf("mm: write back of %v at file offset %d failed: %v", addr, off, err)
	}
	writeBackMetric.IncrementBy(uint64(written))
}
