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
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/xv6go/kmem/pkg/errors/linuxerr"
	"github.com/xv6go/kmem/pkg/hostarch"
	"github.com/xv6go/kmem/pkg/hostcpu"
	"github.com/xv6go/kmem/pkg/physmem"
)

const page = hostarch.PageSize

// kernelEnd is deliberately misaligned so that New must round it up.
const kernelEnd = physmem.KernBase + 0x123

// firstFrame is the first managed frame for kernelEnd.
const firstFrame = physmem.KernBase + page

func newTestAllocator(t *testing.T, ncpu int, nframes uint64, policy FreePolicy) *Allocator {
	t.Helper()
	top := firstFrame + hostarch.Addr(nframes*page)
	mem, err := physmem.New(physmem.KernBase, top)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	t.Cleanup(func() { mem.Release() })
	a, err := New(mem, Opts{
		NCPU:      ncpu,
		KernelEnd: kernelEnd,
		PhysTop:   top,
		Policy:    policy,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func onCPU(cpu uint32) context.Context {
	return hostcpu.WithCPU(context.Background(), cpu)
}

func mustAllocate(t *testing.T, a *Allocator, ctx context.Context) hostarch.Addr {
	t.Helper()
	pa, err := a.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	return pa
}

func checkInvariants(t *testing.T, a *Allocator) {
	t.Helper()
	if err := a.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
}

func checkFilled(t *testing.T, b []byte, want byte) {
	t.Helper()
	for i, c := range b {
		if c != want {
			t.Fatalf("byte %d: got %#x, want %#x", i, c, want)
		}
	}
}

func TestBootPartition(t *testing.T) {
	// 10 frames over 3 CPUs: PGROUNDDOWN(10 pages / 3) is 3 pages, and the
	// last CPU receives the remaining 4.
	a := newTestAllocator(t, 3, 10, FreeToHome)
	want := Stats{
		Shards: []ShardStats{
			{Start: firstFrame, End: firstFrame + 3*page, Free: 3},
			{Start: firstFrame + 3*page, End: firstFrame + 6*page, Free: 3},
			{Start: firstFrame + 6*page, End: firstFrame + 10*page, Free: 4},
		},
		Total: 10,
		Free:  10,
	}
	if diff := cmp.Diff(want, a.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
	checkInvariants(t, a)
}

func TestBootFramesPoisoned(t *testing.T) {
	a := newTestAllocator(t, 2, 4, FreeToHome)
	r := a.Range()
	for pa := r.Start; pa < r.End; pa += page {
		checkFilled(t, a.Bytes(pa), freeJunk)
	}
}

func TestNewErrors(t *testing.T) {
	mem, err := physmem.New(physmem.KernBase, physmem.KernBase+4*page)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	defer mem.Release()
	for _, tc := range []struct {
		name string
		opts Opts
	}{
		{"no CPUs", Opts{NCPU: 0, KernelEnd: physmem.KernBase, PhysTop: physmem.KernBase + 4*page}},
		{"misaligned top", Opts{NCPU: 1, KernelEnd: physmem.KernBase, PhysTop: physmem.KernBase + 4*page - 1}},
		{"empty", Opts{NCPU: 1, KernelEnd: physmem.KernBase + 4*page, PhysTop: physmem.KernBase + 4*page}},
		{"beyond memory", Opts{NCPU: 1, KernelEnd: physmem.KernBase, PhysTop: physmem.KernBase + 8*page}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(mem, tc.opts); err == nil {
				t.Errorf("New(%+v) succeeded", tc.opts)
			}
		})
	}
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(t, 2, 8, FreeToHome)
	ctx := onCPU(1)
	pa := mustAllocate(t, a, ctx)
	if got := a.Refs(pa); got != 1 {
		t.Errorf("Refs after Allocate: got %d, want 1", got)
	}
	checkFilled(t, a.Bytes(pa), allocJunk)

	a.Free(ctx, pa)
	checkFilled(t, a.Bytes(pa), freeJunk)
	if got := a.Refs(pa); got != 0 {
		t.Errorf("Refs after Free: got %d, want 0", got)
	}
	if got := mustAllocate(t, a, ctx); got != pa {
		t.Errorf("Allocate after Free: got %v, want %v", got, pa)
	}
}

func TestConservation(t *testing.T) {
	a := newTestAllocator(t, 2, 8, FreeToHome)
	var held []hostarch.Addr
	for cpu := uint32(0); cpu < 2; cpu++ {
		for i := 0; i < 3; i++ {
			held = append(held, mustAllocate(t, a, onCPU(cpu)))
		}
	}
	st := a.Stats()
	if got, want := st.Free+uint64(len(held)), st.Total; got != want {
		t.Errorf("free + allocated: got %d, want %d", got, want)
	}
	if got := st.Allocated(); got != uint64(len(held)) {
		t.Errorf("Allocated: got %d, want %d", got, len(held))
	}
	checkInvariants(t, a)
	for _, pa := range held {
		a.Free(onCPU(0), pa)
	}
	if st := a.Stats(); st.Free != st.Total {
		t.Errorf("after freeing everything: %d of %d frames free", st.Free, st.Total)
	}
	checkInvariants(t, a)
}

func TestBorrowDrop(t *testing.T) {
	a := newTestAllocator(t, 1, 4, FreeToHome)
	ctx := onCPU(0)
	pa := mustAllocate(t, a, ctx)
	freeBefore := a.Stats().Free

	if got := a.Borrow(pa); got != 2 {
		t.Errorf("Borrow: got %d, want 2", got)
	}
	if a.HasUniqueRef(pa) {
		t.Errorf("HasUniqueRef with two owners")
	}
	b := a.Bytes(pa)
	for i := range b {
		b[i] = 0xaa
	}

	a.Drop(ctx, pa)
	if got := a.Refs(pa); got != 1 {
		t.Errorf("Refs after first Drop: got %d, want 1", got)
	}
	if !a.HasUniqueRef(pa) {
		t.Errorf("HasUniqueRef with one owner")
	}
	// Content survives while an owner remains.
	checkFilled(t, a.Bytes(pa), 0xaa)
	if got := a.Stats().Free; got != freeBefore {
		t.Errorf("free frames after first Drop: got %d, want %d", got, freeBefore)
	}

	a.Drop(ctx, pa)
	checkFilled(t, a.Bytes(pa), freeJunk)
	if got := a.Stats().Free; got != freeBefore+1 {
		t.Errorf("free frames after last Drop: got %d, want %d", got, freeBefore+1)
	}
	checkInvariants(t, a)
}

func TestNoStealing(t *testing.T) {
	a := newTestAllocator(t, 2, 4, FreeToHome)
	ctx := onCPU(0)
	mustAllocate(t, a, ctx)
	mustAllocate(t, a, ctx)
	_, err := a.Allocate(ctx)
	if err != ErrExhausted {
		t.Fatalf("third Allocate on CPU 0: got err %v, want %v", err, ErrExhausted)
	}
	if !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("ErrExhausted does not carry ENOMEM")
	}
	if got := a.Stats().Shards[1].Free; got != 2 {
		t.Errorf("CPU 1 free frames: got %d, want 2", got)
	}
	mustAllocate(t, a, onCPU(1))
}

func TestFreePolicy(t *testing.T) {
	for _, tc := range []struct {
		policy FreePolicy
		// want are the free counts of CPUs 0 and 1 after a frame allocated
		// on CPU 0 is freed on CPU 1.
		want [2]uint64
	}{
		{FreeToHome, [2]uint64{2, 2}},
		{FreeToCurrent, [2]uint64{1, 3}},
	} {
		t.Run(tc.policy.String(), func(t *testing.T) {
			for _, release := range []string{"Free", "Drop"} {
				t.Run(release, func(t *testing.T) {
					a := newTestAllocator(t, 2, 4, tc.policy)
					pa := mustAllocate(t, a, onCPU(0))
					if release == "Free" {
						a.Free(onCPU(1), pa)
					} else {
						a.Drop(onCPU(1), pa)
					}
					st := a.Stats()
					if got := [2]uint64{st.Shards[0].Free, st.Shards[1].Free}; got != tc.want {
						t.Errorf("free counts: got %v, want %v", got, tc.want)
					}
					checkInvariants(t, a)

					// The frame is at the head of whichever list received it.
					cpu := uint32(0)
					if tc.policy == FreeToCurrent {
						cpu = 1
					}
					if got := mustAllocate(t, a, onCPU(cpu)); got != pa {
						t.Errorf("Allocate on CPU %d: got %v, want %v", cpu, got, pa)
					}
				})
			}
		})
	}
}

func TestInvalidAddressPanics(t *testing.T) {
	a := newTestAllocator(t, 1, 4, FreeToHome)
	ctx := onCPU(0)
	ops := map[string]func(hostarch.Addr){
		"Free":   func(pa hostarch.Addr) { a.Free(ctx, pa) },
		"Borrow": func(pa hostarch.Addr) { a.Borrow(pa) },
		"Drop":   func(pa hostarch.Addr) { a.Drop(ctx, pa) },
	}
	for name, op := range ops {
		for _, pa := range []hostarch.Addr{
			firstFrame + 1,
			firstFrame - page,
			firstFrame + 4*page,
			0,
		} {
			t.Run(fmt.Sprintf("%s(%v)", name, pa), func(t *testing.T) {
				defer func() {
					if r := recover(); r == nil {
						t.Errorf("%s(%v) did not panic", name, pa)
					}
				}()
				op(pa)
			})
		}
	}
}

func TestRefcountMisusePanics(t *testing.T) {
	a := newTestAllocator(t, 1, 4, FreeToHome)
	ctx := onCPU(0)
	pa := mustAllocate(t, a, ctx)
	a.Drop(ctx, pa)

	t.Run("Drop", func(t *testing.T) {
		defer func() {
			if r := recover(); r == nil {
				t.Errorf("Drop of a free frame did not panic")
			}
		}()
		a.Drop(ctx, pa)
	})
	t.Run("Borrow", func(t *testing.T) {
		defer func() {
			if r := recover(); r == nil {
				t.Errorf("Borrow of a free frame did not panic")
			}
		}()
		a.Borrow(pa)
	})
	t.Run("Free", func(t *testing.T) {
		defer func() {
			if r := recover(); r == nil {
				t.Errorf("Free of a free frame did not panic")
			}
		}()
		a.Free(ctx, pa)
	})
	// Neither panic corrupted the metadata.
	checkInvariants(t, a)
}

func TestConcurrent(t *testing.T) {
	const (
		ncpu       = 4
		perCPU     = 16
		iterations = 500
	)
	for _, policy := range []FreePolicy{FreeToHome, FreeToCurrent} {
		t.Run(policy.String(), func(t *testing.T) {
			a := newTestAllocator(t, ncpu, ncpu*perCPU, policy)
			var g errgroup.Group
			for cpu := uint32(0); cpu < ncpu; cpu++ {
				ctx := onCPU(cpu)
				other := onCPU((cpu + 1) % ncpu)
				g.Go(func() error {
					var held []hostarch.Addr
					for i := 0; i < iterations; i++ {
						pa, err := a.Allocate(ctx)
						if err == ErrExhausted {
							// Under FreeToCurrent frames drift away
							// from this CPU.
							continue
						}
						if err != nil {
							return err
						}
						if got := a.Borrow(pa); got != 2 {
							return fmt.Errorf("Borrow(%v) = %d, want 2", pa, got)
						}
						a.Drop(other, pa)
						if i%3 == 0 {
							held = append(held, pa)
							continue
						}
						a.Drop(other, pa)
					}
					for _, pa := range held {
						a.Free(other, pa)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
			checkInvariants(t, a)
			if st := a.Stats(); st.Free != st.Total {
				t.Errorf("%d of %d frames free after all workers finished", st.Free, st.Total)
			}
		})
	}
}
