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

package pgalloc

import (
	"fmt"

	"github.com/xv6go/kmem/pkg/hostarch"
)

// ShardStats describes one shard.
type ShardStats struct {
	// Start and End bound the frames assigned to the shard at boot.
	Start hostarch.Addr
	End   hostarch.Addr

	// Free is the current length of the shard's free list.
	Free uint64
}

// Stats is a snapshot of allocator usage. Shards are sampled one at a time,
// so a snapshot taken while other CPUs allocate is only approximate.
type Stats struct {
	Shards []ShardStats

	// Total is the number of managed frames.
	Total uint64

	// Free is the sum of the shards' free counts.
	Free uint64
}

// Allocated returns the number of frames not on any free list.
func (s Stats) Allocated() uint64 {
	return s.Total - s.Free
}

// Stats returns a snapshot of allocator usage.
func (a *Allocator) Stats() Stats {
	st := Stats{
		Shards: make([]ShardStats, len(a.shards)),
		Total:  uint64(len(a.frames)),
	}
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.Lock()
		n := s.nfree
		s.mu.Unlock()
		st.Shards[i] = ShardStats{Start: s.start, End: s.end, Free: n}
		st.Free += n
	}
	return st
}

// CheckInvariants verifies, with every shard locked, that each managed frame
// is either on exactly one free list with a zero reference count, or on none
// with a positive count, and that the free lists' lengths add up. It must
// only be called at a quiescent point: a frame caught between its last Drop
// and its free list push under FreeToCurrent is reported as a violation.
func (a *Allocator) CheckInvariants() error {
	for i := range a.shards {
		a.shards[i].mu.Lock()
	}
	defer func() {
		for i := range a.shards {
			a.shards[i].mu.Unlock()
		}
	}()

	onList := make([]bool, len(a.frames))
	var free uint64
	for i := range a.shards {
		s := &a.shards[i]
		var n uint64
		for idx := s.free; idx != endOfList; idx = a.frames[idx].next {
			if idx < 0 || int(idx) >= len(a.frames) {
				return fmt.Errorf("shard %d: free list contains invalid index %d", i, idx)
			}
			if onList[idx] {
				return fmt.Errorf("shard %d: frame %v appears on free lists twice", i, a.addr(idx))
			}
			onList[idx] = true
			f := &a.frames[idx]
			if f.refs != 0 {
				return fmt.Errorf("shard %d: free frame %v has reference count %d", i, a.addr(idx), f.refs)
			}
			if h := f.home.Load(); h != int32(i) {
				return fmt.Errorf("shard %d: free frame %v has home %d", i, a.addr(idx), h)
			}
			n++
		}
		if n != s.nfree {
			return fmt.Errorf("shard %d: free list has %d frames, count is %d", i, n, s.nfree)
		}
		free += n
	}

	var allocated uint64
	for idx := range a.frames {
		f := &a.frames[idx]
		switch {
		case onList[idx]:
		case f.refs > 0:
			allocated++
		default:
			return fmt.Errorf("frame %v is on no free list but has reference count %d", a.addr(int32(idx)), f.refs)
		}
	}
	if free+allocated != uint64(len(a.frames)) {
		return fmt.Errorf("%d free + %d allocated frames != %d managed frames", free, allocated, len(a.frames))
	}
	return nil
}
