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

// Package cmd holds implementations of the ksim commands.
package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/xv6go/kmem/ksim/config"
	"github.com/xv6go/kmem/pkg/hostarch"
	"github.com/xv6go/kmem/pkg/kernel"
	"github.com/xv6go/kmem/pkg/log"
)

// bootKernel builds a kernel from conf. The caller must call Release on the
// returned kernel.
func bootKernel(conf *config.Config) (*kernel.Kernel, error) {
	k, err := kernel.New(conf.KernelConfig())
	if err != nil {
		return nil, fmt.Errorf("booting kernel: %w", err)
	}
	log.Infof("Kernel booted: %d CPUs, %d VMA slots", k.NCPU(), k.VMAs().Cap())
	return k, nil
}

// releaseKernel releases k, logging any failure.
func releaseKernel(k *kernel.Kernel) {
	if err := k.Release(); err != nil {
		log.Warningf("Releasing kernel: %v", err)
	}
}

// printStats writes a table of per-shard allocator usage to w.
func printStats(w io.Writer, k *kernel.Kernel) error {
	st := k.Allocator().Stats()
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprint(tw, "CPU\tSTART\tEND\tFRAMES\tFREE\n")
	for i, s := range st.Shards {
		fmt.Fprintf(tw, "%d\t%v\t%v\t%d\t%d\n", i, s.Start, s.End, uint64(s.End-s.Start)/hostarch.PageSize, s.Free)
	}
	fmt.Fprintf(tw, "total\t\t\t%d\t%d\n", st.Total, st.Free)
	if err := tw.Flush(); err != nil {
		return err
	}
	vmas := k.VMAs()
	_, err := fmt.Fprintf(w, "vma slots: %d/%d used\n", vmas.Len(), vmas.Cap())
	return err
}

// checkQuiescent verifies that a kernel with no live tasks holds no frames
// and no VMA slots.
func checkQuiescent(k *kernel.Kernel) error {
	pfa := k.Allocator()
	if err := pfa.CheckInvariants(); err != nil {
		return err
	}
	if n := pfa.Stats().Allocated(); n != 0 {
		return fmt.Errorf("%d frames still allocated", n)
	}
	if n := k.VMAs().Len(); n != 0 {
		return fmt.Errorf("%d VMA slots still in use", n)
	}
	return nil
}

// logWriter is an io.Writer that sends each write to the info log.
type logWriter struct{}

// Write implements io.Writer.Write.
func (*logWriter) Write(p []byte) (int, error) {
	log.Infof("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
