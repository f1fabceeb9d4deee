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

	"github.com/xv6go/kmem/pkg/cleanup"
	"github.com/xv6go/kmem/pkg/hostarch"
	"github.com/xv6go/kmem/pkg/log"
)

// Fork creates a copy of mm for a child process. Every VMA is duplicated,
// which takes a new reference on its file, and every resident frame is
// shared with the child by taking a new reference on it. Private writable
// pages become copy-on-write in both address spaces; shared pages stay
// writable and refer to the same frames.
//
// If the VMA table fills up partway through, Fork releases everything the
// child acquired, restores the write permissions it removed from mm, and
// returns vma.ErrFull. mm is then as it was before the call.
func (mm *MemoryManager) Fork(ctx context.Context) (*MemoryManager, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	child := NewMemoryManager(mm.pfa, mm.vmas, mm.layout)
	// The child is not yet visible to anyone else, but lock it to satisfy
	// the preconditions of its *Locked methods.
	child.mu.Lock()
	defer child.mu.Unlock()

	var protected []hostarch.Addr
	cu := cleanup.Make(func() {
		for _, addr := range protected {
			p := mm.pt[addr]
			p.writable = true
			mm.pt[addr] = p
		}
	})
	defer cu.Clean()
	cu.Add(func() {
		child.releaseLocked(ctx, false /* writeBack */)
	})

	var err error
	mm.index.Ascend(func(m mapping) bool {
		nh, dupErr := mm.vmas.Duplicate(m.h)
		if dupErr != nil {
			err = dupErr
			return false
		}
		child.index.ReplaceOrInsert(mapping{start: m.start, end: m.end, h: nh})

		a := mm.areaLocked(m)
		for addr := m.start; addr < m.end; addr += hostarch.PageSize {
			p, ok := mm.pt[addr]
			if !ok {
				continue
			}
			mm.pfa.Borrow(p.pa)
			if !a.Shared && p.writable {
				p.writable = false
				mm.pt[addr] = p
				protected = append(protected, addr)
			}
			child.pt[addr] = p
		}
		return true
	})
	if err != nil {
		log.Infof("mm: fork failed after duplicating %d of %d mappings: %v", child.index.Len(), mm.index.Len(), err)
		return nil, err
	}
	cu.Release()
	return child, nil
}

// Release unmaps every mapping in mm, as on process exit. Dirty pages of
// shared file mappings are written back. mm is empty afterward.
func (mm *MemoryManager) Release(ctx context.Context) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.releaseLocked(ctx, true /* writeBack */)
}

// releaseLocked drops every frame and releases every VMA of mm. Dirty shared
// pages are written back iff writeBack is true.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) releaseLocked(ctx context.Context, writeBack bool) {
	mm.index.Ascend(func(m mapping) bool {
		mm.unmapPagesLocked(ctx, mm.areaLocked(m), hostarch.AddrRange{Start: m.start, End: m.end}, writeBack)
		mm.vmas.Release(ctx, m.h)
		return true
	})
	mm.index.Clear(false)
}
