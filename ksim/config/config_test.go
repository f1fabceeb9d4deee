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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/xv6go/kmem/pkg/hostarch"
	"github.com/xv6go/kmem/pkg/kernel"
	"github.com/xv6go/kmem/pkg/pgalloc"
	"github.com/xv6go/kmem/pkg/refs"
)

func newTestFlags() *flag.FlagSet {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newTestFlags())
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	flags := c.ToFlags()
	if len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if diff := cmp.Diff(kernel.DefaultConfig(), c.KernelConfig()); diff != "" {
		t.Errorf("KernelConfig() mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newTestFlags()
	if err := testFlags.Parse([]string{
		"--debug",
		"--ncpu=3",
		"--phys-top=0x80400000",
		"--kernel-end=0x80100000",
		"--free-policy=current",
		"--ref-leak-mode=panic",
	}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := 3; c.NCPU != want {
		t.Errorf("NCPU=%v, want: %v", c.NCPU, want)
	}
	if want := Address(0x80400000); c.PhysTop != want {
		t.Errorf("PhysTop=%v, want: %v", c.PhysTop, want)
	}
	if want := Address(0x80100000); c.KernelEnd != want {
		t.Errorf("KernelEnd=%v, want: %v", c.KernelEnd, want)
	}
	if want := pgalloc.FreeToCurrent; c.FreePolicy != want {
		t.Errorf("FreePolicy=%v, want: %v", c.FreePolicy, want)
	}
	if want := refs.LeaksPanic; c.ReferenceLeak != want {
		t.Errorf("ReferenceLeak=%v, want: %v", c.ReferenceLeak, want)
	}
	kc := c.KernelConfig()
	if want := hostarch.Addr(0x80400000); kc.PhysTop != want {
		t.Errorf("KernelConfig().PhysTop=%v, want: %v", kc.PhysTop, want)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	orig, err := NewFromFlags(newTestFlags())
	if err != nil {
		t.Fatal(err)
	}
	orig.Debug = true
	orig.NCPU = 2
	orig.NVMA = 4
	orig.MmapBase = 0x10000000
	orig.FreePolicy = pgalloc.FreeToCurrent
	orig.LogFormat = "json"
	orig.AlsoLogToStderr = true

	args := orig.ToFlags()
	t.Logf("Flags: %s", strings.Join(args, " "))

	testFlags := newTestFlags()
	if err := testFlags.Parse(args); err != nil {
		t.Fatal(err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(orig, c); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalidFlags(t *testing.T) {
	for _, tc := range []struct {
		name  string
		args  []string
		error string
	}{
		{
			name:  "ncpu",
			args:  []string{"--ncpu=0"},
			error: "ncpu must be positive",
		},
		{
			name:  "nvma",
			args:  []string{"--nvma=-1"},
			error: "nvma must be positive",
		},
		{
			name:  "layout",
			args:  []string{"--kernel-end=0x90000000", "--phys-top=0x80000000"},
			error: "must be below phys-top",
		},
		{
			name:  "log-format",
			args:  []string{"--log-format=xml"},
			error: "invalid log format",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newTestFlags()
			if err := testFlags.Parse(tc.args); err != nil {
				t.Fatal(err)
			}
			_, err := NewFromFlags(testFlags)
			if err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags() got error: %v, want: %q", err, tc.error)
			}
		})
	}
}

func TestBadFlagValues(t *testing.T) {
	for _, arg := range []string{
		"--free-policy=nearest",
		"--phys-top=top",
		"--ref-leak-mode=loud",
	} {
		if err := newTestFlags().Parse([]string{arg}); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", arg)
		}
	}
}

func TestOverride(t *testing.T) {
	testFlags := newTestFlags()
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Override(testFlags, "free-policy", "current"); err != nil {
		t.Fatalf("Override(free-policy) failed: %v", err)
	}
	if want := pgalloc.FreeToCurrent; c.FreePolicy != want {
		t.Errorf("FreePolicy=%v, want: %v", c.FreePolicy, want)
	}
	if err := c.Override(testFlags, "ncpu", "0"); err == nil {
		t.Errorf("Override(ncpu=0) succeeded, want error")
	}
	if err := c.Override(testFlags, "no-such-flag", "1"); err == nil {
		t.Errorf("Override(no-such-flag) succeeded, want error")
	}
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ksim.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
[flags]
ncpu = 4
nvma = 8
phys-top = 0x81000000
free-policy = "current"
debug = true
`)
	testFlags := newTestFlags()
	if err := testFlags.Parse([]string{"--config=" + path, "--ncpu=2"}); err != nil {
		t.Fatal(err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	want := kernel.DefaultConfig()
	want.NCPU = 2 // The command line wins.
	want.NVMA = 8
	want.PhysTop = 0x81000000
	want.FreePolicy = pgalloc.FreeToCurrent
	if diff := cmp.Diff(want, c.KernelConfig()); diff != "" {
		t.Errorf("KernelConfig() mismatch (-want +got):\n%s", diff)
	}
	if !c.Debug {
		t.Errorf("Debug=false, want: true")
	}
}

func TestConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		error    string
	}{
		{
			name:     "syntax",
			contents: "[flags\nncpu = 1",
			error:    "error reading config file",
		},
		{
			name:     "unknown flag",
			contents: "[flags]\nfoo = 1",
			error:    `flag "foo" not found`,
		},
		{
			name:     "recursive",
			contents: "[flags]\nconfig = \"other.toml\"",
			error:    "cannot set flag",
		},
		{
			name:     "bad value",
			contents: "[flags]\nfree-policy = \"nearest\"",
			error:    "invalid free policy",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfigFile(t, tc.contents)
			testFlags := newTestFlags()
			if err := testFlags.Parse([]string{"--config=" + path}); err != nil {
				t.Fatal(err)
			}
			_, err := NewFromFlags(testFlags)
			if err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags() got error: %v, want: %q", err, tc.error)
			}
		})
	}
}

func TestClone(t *testing.T) {
	orig, err := NewFromFlags(newTestFlags())
	if err != nil {
		t.Fatal(err)
	}
	c := orig.Clone()
	if diff := cmp.Diff(orig, c); diff != "" {
		t.Errorf("Clone() mismatch (-want +got):\n%s", diff)
	}
	c.NCPU++
	c.LogFilename = "/tmp/other"
	if orig.NCPU == c.NCPU || orig.LogFilename == c.LogFilename {
		t.Errorf("Clone() shares state with the original")
	}
}
