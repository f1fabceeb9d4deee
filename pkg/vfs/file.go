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

// Package vfs provides the files that memory mappings are backed by.
package vfs

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/xv6go/kmem/pkg/abi/xv6"
	"github.com/xv6go/kmem/pkg/errors/linuxerr"
	"github.com/xv6go/kmem/pkg/refs"
)

// File is an open file that can back a memory mapping. Files are
// reference-counted; every method except IncRef requires that the caller
// holds a reference.
type File interface {
	// IncRef takes an additional reference on the file.
	IncRef()

	// DecRef drops a reference. The file is closed when the last reference
	// is dropped.
	DecRef(ctx context.Context)

	// IsReadable returns true if the file was opened for reading.
	IsReadable() bool

	// IsWritable returns true if the file was opened for writing.
	IsWritable() bool

	// Size returns the current file size in bytes.
	Size() int64

	// PRead reads into dst starting at offset. As with io.ReaderAt, it
	// returns io.EOF if fewer than len(dst) bytes are available.
	PRead(ctx context.Context, dst []byte, offset int64) (int, error)

	// PWrite writes src starting at offset, extending the file if needed.
	PWrite(ctx context.Context, src []byte, offset int64) (int, error)
}

// Inode is an in-memory regular file.
type Inode struct {
	name string

	mu sync.RWMutex

	// data is the file content. Protected by mu.
	data []byte
}

// NewInode returns a file named name holding a copy of data.
func NewInode(name string, data []byte) *Inode {
	return &Inode{name: name, data: append([]byte(nil), data...)}
}

// Name returns the inode's name.
func (i *Inode) Name() string {
	return i.name
}

// Data returns a copy of the file content.
func (i *Inode) Data() []byte {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]byte(nil), i.data...)
}

// Open returns a new FileDescription for i with a single reference. flags is
// the set of O_* flags passed to open.
func (i *Inode) Open(flags uint32) (*FileDescription, error) {
	switch flags & xv6.O_ACCMODE {
	case xv6.O_RDONLY, xv6.O_WRONLY, xv6.O_RDWR:
	default:
		return nil, linuxerr.EINVAL
	}
	if flags&xv6.O_TRUNC != 0 && flags&xv6.O_ACCMODE != xv6.O_RDONLY {
		i.mu.Lock()
		i.data = i.data[:0]
		i.mu.Unlock()
	}
	fd := &FileDescription{inode: i, flags: flags}
	if refs.GetLeakMode() == refs.LeaksLogTraces {
		fd.EnableLogging()
	}
	fd.InitRefs(fmt.Sprintf("vfs.FileDescription(%s)", i.name))
	return fd, nil
}

// FileDescription is an open Inode. It implements File.
type FileDescription struct {
	refs.AtomicRefCount

	inode *Inode

	// flags is the set of flags passed to Open. Immutable.
	flags uint32

	released atomic.Bool
}

var _ File = (*FileDescription)(nil)

// DecRef implements File.DecRef.
func (fd *FileDescription) DecRef(ctx context.Context) {
	fd.AtomicRefCount.DecRef(func() {
		fd.released.Store(true)
	})
}

// String returns the name of the file fd was opened on.
func (fd *FileDescription) String() string {
	return fd.inode.name
}

// Released returns true once the last reference to fd has been dropped.
func (fd *FileDescription) Released() bool {
	return fd.released.Load()
}

// Inode returns the inode fd was opened on.
func (fd *FileDescription) Inode() *Inode {
	return fd.inode
}

// IsReadable implements File.IsReadable.
func (fd *FileDescription) IsReadable() bool {
	acc := fd.flags & xv6.O_ACCMODE
	return acc == xv6.O_RDONLY || acc == xv6.O_RDWR
}

// IsWritable implements File.IsWritable.
func (fd *FileDescription) IsWritable() bool {
	acc := fd.flags & xv6.O_ACCMODE
	return acc == xv6.O_WRONLY || acc == xv6.O_RDWR
}

// Size implements File.Size.
func (fd *FileDescription) Size() int64 {
	fd.inode.mu.RLock()
	defer fd.inode.mu.RUnlock()
	return int64(len(fd.inode.data))
}

// PRead implements File.PRead.
func (fd *FileDescription) PRead(ctx context.Context, dst []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, linuxerr.EINVAL
	}
	fd.inode.mu.RLock()
	defer fd.inode.mu.RUnlock()
	if offset >= int64(len(fd.inode.data)) {
		return 0, io.EOF
	}
	n := copy(dst, fd.inode.data[offset:])
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}

// PWrite implements File.PWrite.
func (fd *FileDescription) PWrite(ctx context.Context, src []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, linuxerr.EINVAL
	}
	fd.inode.mu.Lock()
	defer fd.inode.mu.Unlock()
	if end := offset + int64(len(src)); end > int64(len(fd.inode.data)) {
		fd.inode.data = append(fd.inode.data, make([]byte, end-int64(len(fd.inode.data)))...)
	}
	return copy(fd.inode.data[offset:], src), nil
}
