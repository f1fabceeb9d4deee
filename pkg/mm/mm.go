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

// Package mm implements process address spaces on top of the physical frame
// allocator and the VMA table.
//
// A MemoryManager maps pages lazily: MMap only records a VMA, and the first
// access to each page faults it in, either from the backing file or as zero
// fill. Fork shares resident frames with the child by taking additional
// references on them; private writable pages are write-protected in both
// address spaces and copied on the next write fault (copy-on-write).
//
// Lock order:
//
//	MemoryManager.mu
//	  vma.Table.mu
//	  pgalloc shard locks
//	  vfs.Inode.mu
package mm

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/xv6go/kmem/pkg/hostarch"
	"github.com/xv6go/kmem/pkg/metric"
	"github.com/xv6go/kmem/pkg/pgalloc"
	"github.com/xv6go/kmem/pkg/vma"
)

const (
	// MaxVA is one past the highest user virtual address (Sv39).
	MaxVA hostarch.Addr = 1 << 38

	// DefaultMmapBase is the address below which mappings are placed by
	// default. The two pages above it hold the trampoline and trap frame.
	DefaultMmapBase = MaxVA - 2*hostarch.PageSize

	// btreeDegree is the degree of the mapping index.
	btreeDegree = 8
)

var (
	faultsMetric = metric.MustCreateNewUint64Metric("/mm/faults", "Number of page faults that installed or upgraded a page.")
	cowMetric    = metric.MustCreateNewUint64Metric("/mm/cow_copies", "Number of copy-on-write faults that copied a frame.")
	reuseMetric  = metric.MustCreateNewUint64Metric("/mm/cow_reuses", "Number of copy-on-write faults that reused a frame with no other owner.")

	writeBackMetric = metric.MustCreateNewUint64Metric("/mm/writeback_bytes", "Number of bytes written back to files from shared mappings.")
)

// Layout bounds where mappings are placed.
type Layout struct {
	// MinAddr is the lowest address a mapping may start at.
	MinAddr hostarch.Addr

	// MmapBase is the address below which mappings are placed, top-down.
	MmapBase hostarch.Addr
}

// DefaultLayout returns the layout used when none is configured.
func DefaultLayout() Layout {
	return Layout{MinAddr: hostarch.PageSize, MmapBase: DefaultMmapBase}
}

// mapping is an entry in the address-ordered index of a MemoryManager's
// VMAs. start and end mirror the VMA's Start and End.
type mapping struct {
	start hostarch.Addr
	end   hostarch.Addr
	h     vma.Handle
}

func mappingLess(a, b mapping) bool {
	return a.start < b.start
}

// pte is a page table entry.
type pte struct {
	// pa is the physical frame mapped at the page.
	pa hostarch.Addr

	// writable is false for read-only pages and for pages awaiting
	// copy-on-write.
	writable bool

	// dirty is set when the page is written.
	dirty bool
}

// MemoryManager is a process address space.
type MemoryManager struct {
	pfa    *pgalloc.Allocator
	vmas   *vma.Table
	layout Layout

	mu sync.Mutex

	// index holds this address space's VMAs ordered by start address.
	// Protected by mu.
	index *btree.BTreeG[mapping]

	// pt maps page-aligned user addresses to resident frames. Protected by
	// mu.
	pt map[hostarch.Addr]pte
}

// NewMemoryManager returns an empty address space whose VMAs live in vmas and
// whose pages are allocated from pfa.
func NewMemoryManager(pfa *pgalloc.Allocator, vmas *vma.Table, layout Layout) *MemoryManager {
	return &MemoryManager{
		pfa:    pfa,
		vmas:   vmas,
		layout: layout,
		index:  btree.NewG(btreeDegree, mappingLess),
		pt:     make(map[hostarch.Addr]pte),
	}
}

// findLocked returns the mapping containing addr.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) findLocked(addr hostarch.Addr) (mapping, bool) {
	var (
		m     mapping
		found bool
	)
	mm.index.DescendLessOrEqual(mapping{start: addr}, func(cand mapping) bool {
		m, found = cand, addr < cand.end
		return false
	})
	return m, found
}

// areaLocked returns the VMA of m.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) areaLocked(m mapping) *vma.Area {
	a, err := mm.vmas.Get(m.h)
	if err != nil {
		panic(fmt.Sprintf("mapping %v has stale VMA handle %v: %v", hostarch.AddrRange{Start: m.start, End: m.end}, m.h, err))
	}
	return a
}

// NumMappings returns the number of VMAs in the address space.
func (mm *MemoryManager) NumMappings() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.index.Len()
}

// ResidentPages returns the number of pages backed by a frame.
func (mm *MemoryManager) ResidentPages() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return len(mm.pt)
}

// Translate returns the frame mapped at addr, if any.
func (mm *MemoryManager) Translate(addr hostarch.Addr) (hostarch.Addr, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	p, ok := mm.pt[addr.RoundDown()]
	return p.pa, ok
}

// Areas returns copies of the address space's VMAs in address order.
func (mm *MemoryManager) Areas() []vma.Area {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	areas := make([]vma.Area, 0, mm.index.Len())
	mm.index.Ascend(func(m mapping) bool {
		areas = append(areas, *mm.areaLocked(m))
		return true
	})
	return areas
}

// String returns a description of the address space in the style of
// /proc/[pid]/maps, one VMA per line.
func (mm *MemoryManager) String() string {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var b bytes.Buffer
	mm.index.Ascend(func(m mapping) bool {
		a := mm.areaLocked(m)
		private := "p"
		if a.Shared {
			private = "s"
		}
		var resident int
		for addr := a.Start; addr < a.End; addr += hostarch.PageSize {
			if _, ok := mm.pt[addr]; ok {
				resident++
			}
		}
		fmt.Fprintf(&b, "%08x-%08x %s%s %08x %v resident=%d\n",
			uintptr(a.Start), uintptr(a.End), a.Perms, private, a.FileOffset(a.Start), m.h, resident)
		return true
	})
	return b.String()
}
