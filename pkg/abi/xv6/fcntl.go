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

package xv6

// Open flags, from kernel/fcntl.h.
const (
	O_RDONLY = 0x000
	O_WRONLY = 0x001
	O_RDWR   = 0x002
	O_CREATE = 0x200
	O_TRUNC  = 0x400

	// O_ACCMODE masks the access mode bits.
	O_ACCMODE = O_RDONLY | O_WRONLY | O_RDWR
)
