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

package hostarch

import "bytes"

// AccessType specifies memory access types. This is used for
// setting mapping permissions, as well as communicating faults.
type AccessType struct {
	// Read is read access.
	Read bool

	// Write is write access.
	Write bool
}

// Any returns true iff at least one of Read or Write is true.
func (a AccessType) Any() bool {
	return a.Read || a.Write
}

// SupersetOf returns true iff the access types in a are a superset of the
// access types in other.
func (a AccessType) SupersetOf(other AccessType) bool {
	if !a.Read && other.Read {
		return false
	}
	if !a.Write && other.Write {
		return false
	}
	return true
}

// Intersect returns the access types set in both a and other.
func (a AccessType) Intersect(other AccessType) AccessType {
	return AccessType{
		Read:  a.Read && other.Read,
		Write: a.Write && other.Write,
	}
}

// String returns a pretty representation of access. This looks like the
// familiar r-- style that appears in /proc/[pid]/maps.
func (a AccessType) String() string {
	var buf bytes.Buffer
	if a.Read {
		buf.WriteByte('r')
	} else {
		buf.WriteByte('-')
	}
	if a.Write {
		buf.WriteByte('w')
	} else {
		buf.WriteByte('-')
	}
	return buf.String()
}

// Convenient access types.
var (
	NoAccess  = AccessType{}
	Read      = AccessType{Read: true}
	Write     = AccessType{Write: true}
	ReadWrite = AccessType{Read: true, Write: true}
)
