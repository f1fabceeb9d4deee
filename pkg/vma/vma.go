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

// Package vma implements the kernel's table of virtual memory areas.
//
// The table is a fixed-capacity pool of mapping descriptors shared by every
// address space and protected by a single lock. Slots are handed out lowest
// index first. A Handle names a slot together with the generation at which
// it was allocated, so that use of a handle whose slot has since been
// released (and possibly reused) is detected instead of silently aliasing
// another mapping.
package vma

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/xv6go/kmem/pkg/bitmap"
	"github.com/xv6go/kmem/pkg/errors"
	"github.com/xv6go/kmem/pkg/hostarch"
	"github.com/xv6go/kmem/pkg/metric"
	"github.com/xv6go/kmem/pkg/vfs"
)

// DefaultCapacity is the number of slots in a table when none is configured.
const DefaultCapacity = 16

var (
	// ErrFull is returned when every slot in the table is allocated.
	ErrFull = errors.New(unix.ENOMEM, "VMA table full")

	// ErrStaleHandle is returned by Get for a handle whose slot has been
	// released.
	ErrStaleHandle = errors.New(unix.EINVAL, "stale VMA handle")
)

var (
	allocationsMetric = metric.MustCreateNewUint64Metric("/vma/allocations", "Number of VMA slots allocated, including duplicates.")
	fullMetric        = metric.MustCreateNewUint64Metric("/vma/full", "Number of VMA allocations that found the table full.")
)

// Area describes one mapping.
type Area struct {
	// OStart is the start of the mapping as created by mmap. It does not
	// change when the mapping is trimmed, so that the file offset of an
	// address is always addr-OStart.
	OStart hostarch.Addr

	// Start and End bound the part of the mapping that is still mapped.
	Start hostarch.Addr
	End   hostarch.Addr

	// Perms are the permissions the mapping was created with.
	Perms hostarch.AccessType

	// Shared is true for MAP_SHARED mappings and false for MAP_PRIVATE ones.
	Shared bool

	// File backs the mapping. The Area owns one reference on it.
	File vfs.File
}

// Range returns the mapped address range.
func (a *Area) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: a.Start, End: a.End}
}

// FileOffset returns the offset in File that backs addr.
func (a *Area) FileOffset(addr hostarch.Addr) int64 {
	return int64(addr - a.OStart)
}

// String implements fmt.Stringer.String.
func (a *Area) String() string {
	kind := "private"
	if a.Shared {
		kind = "shared"
	}
	return fmt.Sprintf("%v %s %s", a.Range(), a.Perms, kind)
}

// Handle identifies an allocated slot. The zero Handle is never valid.
type Handle struct {
	index uint32
	gen   uint32
}

// Index returns the slot index named by h.
func (h Handle) Index() int {
	return int(h.index)
}

// String implements fmt.Stringer.String.
func (h Handle) String() string {
	return fmt.Sprintf("vma#%d.%d", h.index, h.gen)
}

type slot struct {
	// gen is incremented each time the slot is allocated.
	gen uint32

	area Area
}

// Table is a fixed-capacity table of Areas.
type Table struct {
	mu sync.Mutex

	// used records allocated slots. Protected by mu.
	used bitmap.Bitmap

	// slots are the table entries. The slice is never resized. gen and the
	// validity of a slot are protected by mu; area is only mutated by the
	// owner of the handle.
	slots []slot
}

// New returns an empty table with the given number of slots.
func New(capacity int) *Table {
	if capacity <= 0 {
		panic(fmt.Sprintf("invalid VMA table capacity %d", capacity))
	}
	return &Table{
		used:  bitmap.New(uint32(capacity)),
		slots: make([]slot, capacity),
	}
}

// Cap returns the number of slots.
func (t *Table) Cap() int {
	return int(t.used.Size())
}

// Len returns the number of allocated slots.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.used.GetNumOnes())
}

// allocateLocked claims the lowest free slot.
//
// Preconditions: t.mu is locked.
func (t *Table) allocateLocked() (Handle, error) {
	if t.used.IsFull() {
		fullMetric.Increment()
		return Handle{}, ErrFull
	}
	i, _ := t.used.FirstZero(0)
	t.used.Add(i)
	s := &t.slots[i]
	s.gen++
	if s.gen == 0 {
		// Keep the zero Handle invalid across wraparound.
		s.gen++
	}
	s.area = Area{}
	allocationsMetric.Increment()
	return Handle{index: i, gen: s.gen}, nil
}

// checkLocked returns the slot named by h, or nil if h is stale.
//
// Preconditions: t.mu is locked.
func (t *Table) checkLocked(h Handle) *slot {
	if int(h.index) >= len(t.slots) || h.gen == 0 {
		return nil
	}
	s := &t.slots[h.index]
	if !t.used.Contains(h.index) || s.gen != h.gen {
		return nil
	}
	return s
}

// Allocate claims a free slot holding an empty Area. It returns ErrFull if
// there is none.
func (t *Table) Allocate() (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocateLocked()
}

// Set stores a in the slot named by h. The slot takes over the caller's
// reference on a.File. Set panics if h is stale.
func (t *Table) Set(h Handle, a Area) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.checkLocked(h)
	if s == nil {
		panic(fmt.Sprintf("Set of stale handle %v", h))
	}
	s.area = a
}

// Get returns the Area in the slot named by h, or ErrStaleHandle. The Area
// may only be mutated by the owner of h.
func (t *Table) Get(h Handle) (*Area, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.checkLocked(h)
	if s == nil {
		return nil, ErrStaleHandle
	}
	return &s.area, nil
}

// Duplicate claims a free slot, copies h's Area into it, and takes a new
// reference on the Area's file. It returns ErrFull if there is no free slot,
// and panics if h is stale.
func (t *Table) Duplicate(h Handle) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	src := t.checkLocked(h)
	if src == nil {
		panic(fmt.Sprintf("Duplicate of stale handle %v", h))
	}
	nh, err := t.allocateLocked()
	if err != nil {
		return Handle{}, err
	}
	dst := &t.slots[nh.index]
	dst.area = src.area
	if dst.area.File != nil {
		dst.area.File.IncRef()
	}
	return nh, nil
}

// Release frees the slot named by h and drops its file reference. It does
// not touch physical frames mapped by the Area. Release panics if h is
// stale.
func (t *Table) Release(ctx context.Context, h Handle) {
	t.mu.Lock()
	s := t.checkLocked(h)
	if s == nil {
		t.mu.Unlock()
		panic(fmt.Sprintf("Release of stale handle %v", h))
	}
	file := s.area.File
	s.area = Area{}
	t.used.Remove(h.index)
	t.mu.Unlock()

	if file != nil {
		file.DecRef(ctx)
	}
}
