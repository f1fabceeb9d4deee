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

// Package hostcpu provides CPU identity for kernel operations: which
// simulated core a call runs on, and how many CPUs the host can offer.
package hostcpu

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"
)

// contextID is this package's type for context.Context.Value keys.
type contextID int

const (
	// CtxCPU is a Context.Value key for the CPU a call executes on.
	CtxCPU contextID = iota
)

// WithCPU returns a context bound to cpu. Operations that consult
// CPUFromContext read the value once on entry, so a call never observes a
// change of CPU while it runs.
func WithCPU(ctx context.Context, cpu uint32) context.Context {
	return context.WithValue(ctx, CtxCPU, cpu)
}

// CPUFromContext returns the CPU bound to ctx, or 0 if ctx carries none.
func CPUFromContext(ctx context.Context) uint32 {
	if v := ctx.Value(CtxCPU); v != nil {
		return v.(uint32)
	}
	return 0
}

// MaxPossibleCPU returns the highest possible CPU number, which is guaranteed
// not to change for the lifetime of the host kernel.
func MaxPossibleCPU() (uint32, error) {
	const path = "/sys/devices/system/cpu/possible"
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	str := string(data)
	// Linux: drivers/base/cpu.c:show_cpus_attr() =>
	// include/linux/cpumask.h:cpumask_print_to_pagebuf() =>
	// lib/bitmap.c:bitmap_print_to_pagebuf()
	i, err := maxValueInLinuxBitmap(str)
	if err != nil {
		return 0, fmt.Errorf("invalid %s (%q): %v", path, str, err)
	}
	return uint32(i), nil
}

// NumPossibleCPUs returns the number of possible host CPUs, or fallback if it
// cannot be determined.
func NumPossibleCPUs(fallback int) int {
	max, err := MaxPossibleCPU()
	if err != nil {
		return fallback
	}
	return int(max) + 1
}

// maxValueInLinuxBitmap returns the maximum value specified in str, which is a
// string emitted by Linux's lib/bitmap.c:bitmap_print_to_pagebuf(list=true).
func maxValueInLinuxBitmap(str string) (uint64, error) {
	str = strings.TrimSpace(str)
	// Find the last decimal number in str.
	idx := strings.LastIndexFunc(str, func(c rune) bool {
		return !unicode.IsDigit(c)
	})
	if idx != -1 {
		str = str[idx+1:]
	}
	return strconv.ParseUint(str, 10, 64)
}
