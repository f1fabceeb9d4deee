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

// Package physmem provides the machine's physical memory: a single host
// mapping that is addressed by physical address.
package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/xv6go/kmem/pkg/hostarch"
)

// KernBase is the physical address at which RAM starts.
const KernBase hostarch.Addr = 0x80000000

// Memory is the physical address range [base, top) backed by anonymous host
// memory. Pages are populated by the host on first touch.
type Memory struct {
	base hostarch.Addr
	top  hostarch.Addr

	// mem is the host mapping. mem[0] is the byte at physical address base.
	mem []byte
}

// New maps physical memory covering [base, top). Both bounds must be page
// aligned.
func New(base, top hostarch.Addr) (*Memory, error) {
	if !base.IsPageAligned() || !top.IsPageAligned() || top <= base {
		return nil, fmt.Errorf("invalid physical memory range [%v, %v)", base, top)
	}
	mem, err := unix.Mmap(-1,
		0,
		int(top-base),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap physical memory [%v, %v): %w", base, top, err)
	}
	return &Memory{base: base, top: top, mem: mem}, nil
}

// Base returns the lowest physical address.
func (m *Memory) Base() hostarch.Addr {
	return m.base
}

// Top returns the address one past the highest physical address.
func (m *Memory) Top() hostarch.Addr {
	return m.top
}

// Contains returns true if [pa, pa+length) lies within physical memory.
func (m *Memory) Contains(pa hostarch.Addr, length uint64) bool {
	end, ok := pa.AddLength(length)
	return ok && pa >= m.base && end <= m.top
}

// Slice returns the bytes at [pa, pa+length). It panics if the range lies
// outside physical memory.
func (m *Memory) Slice(pa hostarch.Addr, length uint64) []byte {
	if !m.Contains(pa, length) {
		panic(fmt.Sprintf("physical range [%v, +%#x) outside of [%v, %v)", pa, length, m.base, m.top))
	}
	off := uint64(pa - m.base)
	return m.mem[off : off+length : off+length]
}

// Fill sets every byte in [pa, pa+length) to b.
func (m *Memory) Fill(pa hostarch.Addr, length uint64, b byte) {
	s := m.Slice(pa, length)
	for i := range s {
		s[i] = b
	}
}

// Release unmaps physical memory. m must not be used afterward.
func (m *Memory) Release() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}
