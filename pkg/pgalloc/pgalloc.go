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

// Package pgalloc contains the physical frame allocator.
//
// Physical memory above the kernel image is divided into one shard per CPU
// at boot. Each shard owns a LIFO free list and the metadata (reference
// count) of the frames homed in it, both protected by the shard's lock.
// Allocation only consults the calling CPU's shard: there is no stealing
// from other shards, so a CPU whose shard is empty observes exhaustion even
// while other shards have free frames.
//
// Frame content is not synchronized by the allocator. Freshly allocated
// frames are filled with allocJunk and free frames, including those seeded
// at boot, with freeJunk, so that
// uses of uninitialized or dangling memory are noticeable.
package pgalloc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xv6go/kmem/pkg/errors"
	"github.com/xv6go/kmem/pkg/hostarch"
	"github.com/xv6go/kmem/pkg/hostcpu"
	"github.com/xv6go/kmem/pkg/log"
	"github.com/xv6go/kmem/pkg/metric"
	"github.com/xv6go/kmem/pkg/physmem"
)

const (
	// allocJunk is written to every byte of a frame returned by Allocate.
	allocJunk = 0x05

	// freeJunk is written to every byte of a frame when it is freed.
	freeJunk = 0x01

	// endOfList terminates a shard's free list.
	endOfList = -1
)

// ErrExhausted is returned by Allocate when the calling CPU's shard has no
// free frames.
var ErrExhausted = errors.New(unix.ENOMEM, "no free physical frames on this CPU")

var (
	allocationsMetric = metric.MustCreateNewUint64Metric("/pgalloc/allocations", "Number of frames handed out by Allocate.")
	freesMetric       = metric.MustCreateNewUint64Metric("/pgalloc/frees", "Number of frames returned to a free list.")
	exhaustedMetric   = metric.MustCreateNewUint64Metric("/pgalloc/exhausted", "Number of Allocate calls that found the CPU's shard empty.")
	borrowsMetric     = metric.MustCreateNewUint64Metric("/pgalloc/borrows", "Number of additional references taken on allocated frames.")
	dropsMetric       = metric.MustCreateNewUint64Metric("/pgalloc/drops", "Number of frame references dropped.")
)

// Opts configures an Allocator.
type Opts struct {
	// NCPU is the number of shards. It must be at least 1.
	NCPU int

	// KernelEnd is the first physical address past the kernel image. The
	// first managed frame is KernelEnd rounded up to a page boundary.
	KernelEnd hostarch.Addr

	// PhysTop is the address one past the last managed frame. It must be
	// page aligned.
	PhysTop hostarch.Addr

	// Policy selects the free list that receives freed frames.
	Policy FreePolicy
}

// frameInfo is the metadata of one physical frame.
type frameInfo struct {
	// refs is the number of owners of the frame. It is zero iff the frame
	// is on a free list. Protected by the home shard's mu.
	refs int32

	// next is the index of the next frame on the free list. Protected by
	// the home shard's mu.
	next int32

	// home is the index of the shard whose lock protects this frame. It
	// only changes while the frame is being freed under FreeToCurrent.
	home atomic.Int32
}

// shard is one CPU's partition of physical memory.
type shard struct {
	mu sync.Mutex

	// free is the index of the first frame on the free list, or endOfList.
	// Protected by mu.
	free int32

	// nfree is the length of the free list. Protected by mu.
	nfree uint64

	// start and end bound the frames assigned to this shard at boot.
	start, end hostarch.Addr
}

// Allocator is the physical frame allocator. It is created once at boot by
// New and shared by every CPU.
type Allocator struct {
	mem    *physmem.Memory
	policy FreePolicy

	// start and end bound the managed frames. Immutable.
	start, end hostarch.Addr

	// frames holds the metadata of every managed frame, indexed by
	// (addr-start)/PageSize.
	frames []frameInfo

	shards []shard

	// exhaustedLog reports exhaustion without flooding the log.
	exhaustedLog log.Logger
}

// New claims the physical frames in [PGROUNDUP(opts.KernelEnd),
// opts.PhysTop) and partitions them evenly among opts.NCPU shards; the last
// shard also receives the remainder.
//
// New must be called before any other CPU runs, since the free lists are
// seeded without locking.
func New(mem *physmem.Memory, opts Opts) (*Allocator, error) {
	if opts.NCPU < 1 {
		return nil, fmt.Errorf("invalid CPU count %d", opts.NCPU)
	}
	start, ok := opts.KernelEnd.RoundUp()
	if !ok {
		return nil, fmt.Errorf("kernel end %v overflows", opts.KernelEnd)
	}
	end := opts.PhysTop
	if !end.IsPageAligned() {
		return nil, fmt.Errorf("physical top %v is not page aligned", end)
	}
	if start >= end {
		return nil, fmt.Errorf("no physical memory between kernel end %v and top %v", start, end)
	}
	if start < mem.Base() || end > mem.Top() {
		return nil, fmt.Errorf("managed range [%v, %v) exceeds physical memory [%v, %v)", start, end, mem.Base(), mem.Top())
	}
	nframes := uint64(end-start) / hostarch.PageSize
	if nframes > 1<<31-1 {
		return nil, fmt.Errorf("too many physical frames: %d", nframes)
	}

	a := &Allocator{
		mem:          mem,
		policy:       opts.Policy,
		start:        start,
		end:          end,
		frames:       make([]frameInfo, nframes),
		shards:       make([]shard, opts.NCPU),
		exhaustedLog: log.BasicRateLimitedLogger(time.Second),
	}

	total := uint64(end - start)
	// Frames on a free list always hold freeJunk, including those that
	// were never allocated.
	mem.Fill(start, total, freeJunk)
	perShard := hostarch.PageRoundDown(total / uint64(opts.NCPU))
	for i := range a.shards {
		s := &a.shards[i]
		s.free = endOfList
		s.start = start + hostarch.Addr(uint64(i)*perShard)
		s.end = s.start + hostarch.Addr(perShard)
		if i == len(a.shards)-1 {
			s.end = end
		}
		// Push in ascending order, leaving the highest frame at the head
		// of the list.
		for pa := s.start; pa < s.end; pa += hostarch.PageSize {
			idx := a.index(pa)
			f := &a.frames[idx]
			f.home.Store(int32(i))
			f.next = s.free
			s.free = idx
			s.nfree++
		}
		log.Infof("pgalloc: CPU %d owns [%v, %v), %d frames", i, s.start, s.end, s.nfree)
	}
	log.Infof("pgalloc: %d frames in %d shards, free policy %s", nframes, opts.NCPU, opts.Policy)
	return a, nil
}

// NCPU returns the number of shards.
func (a *Allocator) NCPU() int {
	return len(a.shards)
}

// Range returns the managed physical address range.
func (a *Allocator) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: a.start, End: a.end}
}

// TotalFrames returns the number of managed frames.
func (a *Allocator) TotalFrames() uint64 {
	return uint64(len(a.frames))
}

func (a *Allocator) index(pa hostarch.Addr) int32 {
	return int32((pa - a.start) / hostarch.PageSize)
}

func (a *Allocator) addr(idx int32) hostarch.Addr {
	return a.start + hostarch.Addr(idx)*hostarch.PageSize
}

// checkFrame returns the index of the frame at pa. It panics if pa is not
// the page-aligned address of a managed frame.
func (a *Allocator) checkFrame(pa hostarch.Addr, op string) int32 {
	if !pa.IsPageAligned() || pa < a.start || pa >= a.end {
		panic(fmt.Sprintf("pgalloc.%s: invalid frame address %v (managed range [%v, %v))", op, pa, a.start, a.end))
	}
	return a.index(pa)
}

// currentShard returns the shard of the CPU that ctx runs on.
func (a *Allocator) currentShard(ctx context.Context) int32 {
	cpu := hostcpu.CPUFromContext(ctx)
	if int(cpu) >= len(a.shards) {
		panic(fmt.Sprintf("CPU %d out of range, allocator has %d CPUs", cpu, len(a.shards)))
	}
	return int32(cpu)
}

// lockHome locks and returns the shard that protects frame idx.
func (a *Allocator) lockHome(idx int32) *shard {
	f := &a.frames[idx]
	for {
		h := f.home.Load()
		s := &a.shards[h]
		s.mu.Lock()
		if f.home.Load() == h {
			return s
		}
		s.mu.Unlock()
	}
}

// push adds frame idx to shard s's free list.
//
// Preconditions: s.mu is locked. The frame's refs is zero.
func (a *Allocator) push(s *shard, sidx int32, idx int32) {
	f := &a.frames[idx]
	f.home.Store(sidx)
	f.next = s.free
	s.free = idx
	s.nfree++
	freesMetric.Increment()
}

// Allocate removes a frame from the calling CPU's free list and returns its
// address with a reference count of one. It returns ErrExhausted if that
// list is empty, without consulting other CPUs.
func (a *Allocator) Allocate(ctx context.Context) (hostarch.Addr, error) {
	sidx := a.currentShard(ctx)
	s := &a.shards[sidx]
	s.mu.Lock()
	idx := s.free
	if idx == endOfList {
		s.mu.Unlock()
		exhaustedMetric.Increment()
		a.exhaustedLog.Warningf("pgalloc: CPU %d has no free frames", sidx)
		return 0, ErrExhausted
	}
	f := &a.frames[idx]
	s.free = f.next
	s.nfree--
	f.next = endOfList
	f.refs = 1
	s.mu.Unlock()

	allocationsMetric.Increment()
	pa := a.addr(idx)
	a.mem.Fill(pa, hostarch.PageSize, allocJunk)
	return pa, nil
}

// Free returns the frame at pa to a free list regardless of its reference
// count. The caller must be the frame's only user.
//
// Free panics if pa is misaligned, outside of the managed range, or already
// free.
func (a *Allocator) Free(ctx context.Context, pa hostarch.Addr) {
	idx := a.checkFrame(pa, "Free")
	cur := a.currentShard(ctx)

	s := a.lockHome(idx)
	f := &a.frames[idx]
	if f.refs == 0 {
		s.mu.Unlock()
		panic(fmt.Sprintf("pgalloc.Free: frame %v is already free", pa))
	}
	f.refs = 0
	a.mem.Fill(pa, hostarch.PageSize, freeJunk)
	a.release(s, cur, idx)
}

// release places frame idx, whose reference count has just become zero, on
// the free list chosen by the policy and unlocks s.
//
// Preconditions: s is the frame's home shard and is locked.
func (a *Allocator) release(s *shard, cur int32, idx int32) {
	home := a.frames[idx].home.Load()
	if a.policy == FreeToHome || home == cur {
		a.push(s, home, idx)
		s.mu.Unlock()
		return
	}
	// Under FreeToCurrent the home and destination locks are taken one
	// after the other, never together, so no lock ordering between shards
	// is needed. Between the two critical sections the frame has a zero
	// reference count yet is on no free list: it is briefly counted by
	// neither shard, and Stats or CheckInvariants racing with this window
	// can observe one frame missing. Nothing else may touch the frame
	// until it is pushed, since it has no owners.
	s.mu.Unlock()
	dst := &a.shards[cur]
	dst.mu.Lock()
	a.push(dst, cur, idx)
	dst.mu.Unlock()
}

// Borrow adds a reference to the allocated frame at pa and returns the new
// reference count.
//
// Borrow panics if pa is misaligned, outside of the managed range, or free.
func (a *Allocator) Borrow(pa hostarch.Addr) int32 {
	idx := a.checkFrame(pa, "Borrow")
	s := a.lockHome(idx)
	f := &a.frames[idx]
	if f.refs <= 0 {
		s.mu.Unlock()
		panic(fmt.Sprintf("pgalloc.Borrow: frame %v is free", pa))
	}
	f.refs++
	refs := f.refs
	s.mu.Unlock()
	borrowsMetric.Increment()
	return refs
}

// Drop removes a reference to the frame at pa. When the last reference is
// dropped the frame is freed exactly as by Free.
//
// Drop panics if pa is misaligned, outside of the managed range, or already
// free.
func (a *Allocator) Drop(ctx context.Context, pa hostarch.Addr) {
	idx := a.checkFrame(pa, "Drop")
	cur := a.currentShard(ctx)
	s := a.lockHome(idx)
	f := &a.frames[idx]
	if f.refs <= 0 {
		s.mu.Unlock()
		panic(fmt.Sprintf("pgalloc.Drop: reference count underflow on frame %v", pa))
	}
	f.refs--
	dropsMetric.Increment()
	if f.refs > 0 {
		s.mu.Unlock()
		return
	}
	a.mem.Fill(pa, hostarch.PageSize, freeJunk)
	a.release(s, cur, idx)
}

// Refs returns the reference count of the frame at pa.
func (a *Allocator) Refs(pa hostarch.Addr) int32 {
	idx := a.checkFrame(pa, "Refs")
	s := a.lockHome(idx)
	defer s.mu.Unlock()
	return a.frames[idx].refs
}

// HasUniqueRef returns true if the frame at pa has exactly one owner.
func (a *Allocator) HasUniqueRef(pa hostarch.Addr) bool {
	return a.Refs(pa) == 1
}

// Bytes returns the content of the frame at pa. The allocator does not
// synchronize access to frame content.
func (a *Allocator) Bytes(pa hostarch.Addr) []byte {
	a.checkFrame(pa, "Bytes")
	return a.mem.Slice(pa, hostarch.PageSize)
}
