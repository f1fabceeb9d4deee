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

package refs

import (
	"fmt"
	"sync/atomic"
)

// AtomicRefCount keeps a reference count using atomic operations and runs a
// destructor when the count reaches zero. Embed it in an object and call
// InitRefs before sharing the object.
type AtomicRefCount struct {
	refCount atomic.Int64

	// name is used in leak messages.
	name string

	// logging enables per-object reference event logging.
	logging bool
}

// InitRefs initializes r with one reference and, if enabled, activates leak
// checking.
func (r *AtomicRefCount) InitRefs(name string) {
	r.name = name
	r.refCount.Store(1)
	Register(r)
}

// EnableLogging turns on reference event logging for r. It only has an
// effect while leak checking is enabled.
func (r *AtomicRefCount) EnableLogging() {
	r.logging = true
}

// RefType implements CheckedObject.RefType.
func (r *AtomicRefCount) RefType() string {
	return r.name
}

// LeakMessage implements CheckedObject.LeakMessage.
func (r *AtomicRefCount) LeakMessage() string {
	return fmt.Sprintf("[%s %p] reference count of %d instead of 0", r.RefType(), r, r.ReadRefs())
}

// LogRefs implements CheckedObject.LogRefs.
func (r *AtomicRefCount) LogRefs() bool {
	return r.logging
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *AtomicRefCount) ReadRefs() int64 {
	return r.refCount.Load()
}

// IncRef increments the reference count. The caller must already hold a
// reference.
func (r *AtomicRefCount) IncRef() {
	v := r.refCount.Add(1)
	LogIncRef(r, v)
	if v <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p on %s", r, r.RefType()))
	}
}

// DecRef decrements the reference count and calls destroy, if non-nil, when
// the last reference is dropped.
func (r *AtomicRefCount) DecRef(destroy func()) {
	v := r.refCount.Add(-1)
	LogDecRef(r, v)
	switch {
	case v < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p, owned by %s", r, r.RefType()))
	case v == 0:
		Unregister(r)
		if destroy != nil {
			destroy()
		}
	}
}
