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

// Package config provides basic infrastructure to set configuration settings
// for ksim. Each setting that can be changed from the command line must have
// a struct field with a "flag" tag naming the flag. RegisterFlags registers
// the flags and NewFromFlags reads them back into a Config.
package config

import (
	"fmt"
	"strconv"

	"github.com/mohae/deepcopy"

	"github.com/xv6go/kmem/pkg/hostarch"
	"github.com/xv6go/kmem/pkg/kernel"
	"github.com/xv6go/kmem/pkg/log"
	"github.com/xv6go/kmem/pkg/pgalloc"
	"github.com/xv6go/kmem/pkg/refs"
)

// Config holds configuration that is not part of a scenario.
type Config struct {
	// ConfigFile is the path to a TOML file with a [flags] table. Flags that
	// were not set on the command line are taken from it.
	ConfigFile string `flag:"config"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFilename is the filename to log to, if not empty. %COMMAND% and
	// %TIMESTAMP% are expanded.
	LogFilename string `flag:"log"`

	// LogFormat is the log format, "text" or "json".
	LogFormat string `flag:"log-format"`

	// AlsoLogToStderr allows to send log messages to stderr as well as to
	// LogFilename.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// ReferenceLeak sets reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode"`

	// NCPU is the number of simulated CPUs, one allocator shard each.
	NCPU int `flag:"ncpu"`

	// PhysTop is the address one past the end of simulated RAM.
	PhysTop Address `flag:"phys-top"`

	// KernelEnd is the first address past the kernel image. Frames are
	// managed from here to PhysTop.
	KernelEnd Address `flag:"kernel-end"`

	// NVMA is the capacity of the VMA table.
	NVMA int `flag:"nvma"`

	// FreePolicy selects the free list that receives freed frames.
	FreePolicy pgalloc.FreePolicy `flag:"free-policy"`

	// MmapBase is the address below which mappings are placed.
	MmapBase Address `flag:"mmap-base"`
}

func (c *Config) validate() error {
	if c.NCPU <= 0 {
		return fmt.Errorf("ncpu must be positive, got %d", c.NCPU)
	}
	if c.NVMA <= 0 {
		return fmt.Errorf("nvma must be positive, got %d", c.NVMA)
	}
	if c.KernelEnd >= c.PhysTop {
		return fmt.Errorf("kernel-end %v must be below phys-top %v", c.KernelEnd, c.PhysTop)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	return nil
}

// KernelConfig returns the kernel.Config described by c.
func (c *Config) KernelConfig() kernel.Config {
	return kernel.Config{
		NCPU:       c.NCPU,
		KernelEnd:  hostarch.Addr(c.KernelEnd),
		PhysTop:    hostarch.Addr(c.PhysTop),
		NVMA:       c.NVMA,
		FreePolicy: c.FreePolicy,
		MmapBase:   hostarch.Addr(c.MmapBase),
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, f := range c.ToFlags() {
		log.Infof("\t%s", f)
	}
	log.Infof("Machine: %d CPUs, RAM %v-%v, %d VMA slots, free policy %v", c.NCPU, c.KernelEnd, c.PhysTop, c.NVMA, c.FreePolicy)
}

// Address is a physical or virtual address flag. It accepts any integer
// syntax understood by strconv.ParseUint with base 0.
type Address uint64

func addressPtr(v hostarch.Addr) *Address {
	a := Address(v)
	return &a
}

// Set implements flag.Value.
func (a *Address) Set(v string) error {
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", v, err)
	}
	*a = Address(n)
	return nil
}

// Get implements flag.Getter.
func (a *Address) Get() any {
	return *a
}

// String implements flag.Value.
func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}
