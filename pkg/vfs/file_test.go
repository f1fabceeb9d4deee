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

package vfs

import (
	"context"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/xv6go/kmem/pkg/abi/xv6"
	"github.com/xv6go/kmem/pkg/refs"
)

func TestAccessMode(t *testing.T) {
	for _, tc := range []struct {
		flags    uint32
		readable bool
		writable bool
	}{
		{xv6.O_RDONLY, true, false},
		{xv6.O_WRONLY, false, true},
		{xv6.O_RDWR, true, true},
		{xv6.O_RDWR | xv6.O_CREATE, true, true},
	} {
		fd, err := NewInode("f", nil).Open(tc.flags)
		if err != nil {
			t.Fatalf("Open(%#x): %v", tc.flags, err)
		}
		if fd.IsReadable() != tc.readable || fd.IsWritable() != tc.writable {
			t.Errorf("Open(%#x): got readable=%t writable=%t, want %t %t", tc.flags, fd.IsReadable(), fd.IsWritable(), tc.readable, tc.writable)
		}
		fd.DecRef(context.Background())
	}
}

func TestReadWrite(t *testing.T) {
	ctx := context.Background()
	ino := NewInode("f", []byte("hello"))
	fd, err := ino.Open(xv6.O_RDWR)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fd.DecRef(ctx)

	buf := make([]byte, 8)
	n, err := fd.PRead(ctx, buf, 1)
	if n != 4 || err != io.EOF {
		t.Errorf("PRead past EOF: got (%d, %v), want (4, EOF)", n, err)
	}
	if _, err := fd.PWrite(ctx, []byte("world"), 7); err != nil {
		t.Fatalf("PWrite: %v", err)
	}
	if diff := cmp.Diff([]byte("hello\x00\x00world"), ino.Data()); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
	if got := fd.Size(); got != 12 {
		t.Errorf("Size: got %d, want 12", got)
	}
}

func TestReleasedOnLastRef(t *testing.T) {
	ctx := context.Background()
	fd, err := NewInode("f", nil).Open(xv6.O_RDONLY)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fd.IncRef()
	fd.DecRef(ctx)
	if fd.Released() {
		t.Fatalf("released with a reference outstanding")
	}
	fd.DecRef(ctx)
	if !fd.Released() {
		t.Errorf("not released after last DecRef")
	}
}

func TestRefLogging(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		mode refs.LeakMode
		want bool
	}{
		{refs.NoLeakChecking, false},
		{refs.LeaksLogWarning, false},
		{refs.LeaksLogTraces, true},
	} {
		t.Run(tc.mode.String(), func(t *testing.T) {
			refs.SetLeakMode(tc.mode)
			defer refs.SetLeakMode(refs.NoLeakChecking)
			fd, err := NewInode("traced", nil).Open(xv6.O_RDONLY)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer fd.DecRef(ctx)
			if got := fd.LogRefs(); got != tc.want {
				t.Errorf("LogRefs: got %t, want %t", got, tc.want)
			}
			if got := fd.String(); got != "traced" {
				t.Errorf("String: got %q, want %q", got, "traced")
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	ino := NewInode("f", []byte("data"))
	fd, err := ino.Open(xv6.O_WRONLY | xv6.O_TRUNC)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fd.DecRef(context.Background())
	if got := fd.Size(); got != 0 {
		t.Errorf("Size after O_TRUNC: got %d, want 0", got)
	}
}
