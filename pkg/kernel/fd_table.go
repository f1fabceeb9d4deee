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

package kernel

import (
	"context"
	"fmt"
	"strings"

	"github.com/xv6go/kmem/pkg/errors/linuxerr"
	"github.com/xv6go/kmem/pkg/vfs"
)

// NOFILE is the number of file descriptors per task.
const NOFILE = 16

// FDTable maps file descriptors to files. It is only used by its task, so it
// is not synchronized.
type FDTable struct {
	files [NOFILE]vfs.File
}

func newFDTable() *FDTable {
	return &FDTable{}
}

// NewFD installs file at the lowest free descriptor. The table takes over the
// caller's reference. It returns EMFILE if every descriptor is in use.
func (f *FDTable) NewFD(file vfs.File) (int32, error) {
	for fd, cur := range f.files {
		if cur == nil {
			f.files[fd] = file
			return int32(fd), nil
		}
	}
	return -1, linuxerr.EMFILE
}

// Get returns the file at fd, or nil if fd is not open. It does not take a
// reference.
func (f *FDTable) Get(fd int32) vfs.File {
	if fd < 0 || fd >= NOFILE {
		return nil
	}
	return f.files[fd]
}

// Remove closes fd and returns the file it referred to, along with the
// table's reference. It returns nil if fd is not open.
func (f *FDTable) Remove(fd int32) vfs.File {
	file := f.Get(fd)
	if file != nil {
		f.files[fd] = nil
	}
	return file
}

// Size returns the number of open descriptors.
func (f *FDTable) Size() int {
	n := 0
	for _, file := range f.files {
		if file != nil {
			n++
		}
	}
	return n
}

// Fork returns a copy of f holding new references on every file.
func (f *FDTable) Fork() *FDTable {
	clone := newFDTable()
	for fd, file := range f.files {
		if file != nil {
			file.IncRef()
			clone.files[fd] = file
		}
	}
	return clone
}

// RemoveAll closes every descriptor.
func (f *FDTable) RemoveAll(ctx context.Context) {
	for fd, file := range f.files {
		if file != nil {
			f.files[fd] = nil
			file.DecRef(ctx)
		}
	}
}

// String returns the open descriptors, for debugging.
func (f *FDTable) String() string {
	var b strings.Builder
	for fd, file := range f.files {
		if file != nil {
			fmt.Fprintf(&b, "\tfd:%d => %v\n", fd, file)
		}
	}
	return b.String()
}
