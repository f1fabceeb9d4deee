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

// Package xv6 contains the system call ABI constants understood by the
// memory core. Values follow the teaching kernel's headers rather than
// Linux's.
package xv6

// Protections for mmap(2), from kernel/vma.h.
const (
	PROT_NONE  = 0
	PROT_WRITE = 0x01
	PROT_READ  = 0x02

	// PROT_MASK is the set of protection bits mmap accepts.
	PROT_MASK = PROT_READ | PROT_WRITE
)

// Flags for mmap(2), from kernel/vma.h. Exactly one must be set.
const (
	MAP_PRIVATE = 0x01
	MAP_SHARED  = 0x02
)

// MAP_FAILED is the value mmap(2) returns to user space on failure.
const MAP_FAILED = ^uint64(0)
