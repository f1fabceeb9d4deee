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

// Package linuxerr contains syscall error codes exported as error interface
// pointers. This allows for fast comparison and return operations comperable
// to unix.Errno constants.
package linuxerr

import (
	"golang.org/x/sys/unix"

	"github.com/xv6go/kmem/pkg/errors"
)

// The following errors are semantically identical to Errno of type
// unix.Errno. Since the types are distinct they are not directly comparable;
// use Equals, or compare e.Errno() against a unix.Errno.
var (
	noError *errors.Error = nil
	EPERM                 = errors.New(unix.EPERM, "operation not permitted")
	ENOENT                = errors.New(unix.ENOENT, "no such file or directory")
	EBADF                 = errors.New(unix.EBADF, "bad file number")
	ENOMEM                = errors.New(unix.ENOMEM, "out of memory")
	EACCES                = errors.New(unix.EACCES, "permission denied")
	EFAULT                = errors.New(unix.EFAULT, "bad address")
	EEXIST                = errors.New(unix.EEXIST, "file exists")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
	ENFILE                = errors.New(unix.ENFILE, "file table overflow")
	EMFILE                = errors.New(unix.EMFILE, "too many open files")
	ENOSYS                = errors.New(unix.ENOSYS, "invalid system call number")
)

var errorMap = map[unix.Errno]*errors.Error{
	unix.EPERM:  EPERM,
	unix.ENOENT: ENOENT,
	unix.EBADF:  EBADF,
	unix.ENOMEM: ENOMEM,
	unix.EACCES: EACCES,
	unix.EFAULT: EFAULT,
	unix.EEXIST: EEXIST,
	unix.EINVAL: EINVAL,
	unix.ENFILE: ENFILE,
	unix.EMFILE: EMFILE,
	unix.ENOSYS: ENOSYS,
}

// ErrorFromUnix returns the *errors.Error matching err, or nil for errno 0.
// Errnos the memory core never produces map to a fresh *errors.Error.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := errorMap[err]; ok {
		return e
	}
	return errors.New(err, err.Error())
}

// ToUnix converts e to the equivalent unix.Errno; nil maps to 0.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compares an *errors.Error to a generic error, either another
// *errors.Error or a unix.Errno carrying the same errno.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	if err == nil {
		err = noError
	}
	if ee, ok := err.(*errors.Error); ok && ee != nil && e != noError {
		return ee.Errno() == e.Errno()
	}
	return e == err || unixErr == err
}
