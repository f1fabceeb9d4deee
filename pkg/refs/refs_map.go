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
	"sort"
	"strings"
	"sync"

	"github.com/xv6go/kmem/pkg/log"
)

var (
	// liveObjects is a global map of reference-counted objects. Objects are
	// inserted when leak check is enabled, and they are removed when they are
	// destroyed. It is protected by liveObjectsMu.
	liveObjects   = make(map[CheckedObject]struct{})
	liveObjectsMu sync.Mutex
)

// CheckedObject represents a reference-counted object with an informative
// leak detection message.
type CheckedObject interface {
	// RefType is the type of the reference-counted object.
	RefType() string

	// LeakMessage supplies a warning to be printed upon leak detection.
	LeakMessage() string

	// LogRefs indicates whether reference-related events should be logged.
	LogRefs() bool
}

// LeakCheckEnabled returns whether leak checking is enabled. The following
// functions should only be called if it returns true.
func LeakCheckEnabled() bool {
	return GetLeakMode() != NoLeakChecking
}

// Register adds obj to the live object map.
func Register(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	liveObjectsMu.Lock()
	if _, ok := liveObjects[obj]; ok {
		liveObjectsMu.Unlock()
		panic(fmt.Sprintf("Unexpected entry in leak checking map: reference %p already added", obj))
	}
	liveObjects[obj] = struct{}{}
	liveObjectsMu.Unlock()
	if obj.LogRefs() {
		logEvent(obj, "registered")
	}
}

// Unregister removes obj from the live object map. Objects registered before
// leak checking was enabled are silently ignored.
func Unregister(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	liveObjectsMu.Lock()
	delete(liveObjects, obj)
	liveObjectsMu.Unlock()
	if obj.LogRefs() {
		logEvent(obj, "unregistered")
	}
}

// LogIncRef logs a reference increment.
func LogIncRef(obj CheckedObject, refs int64) {
	if LeakCheckEnabled() && obj.LogRefs() {
		logEvent(obj, fmt.Sprintf("IncRef to %d", refs))
	}
}

// LogDecRef logs a reference decrement.
func LogDecRef(obj CheckedObject, refs int64) {
	if LeakCheckEnabled() && obj.LogRefs() {
		logEvent(obj, fmt.Sprintf("DecRef to %d", refs))
	}
}

// logEvent logs a message for the given reference-counted object.
func logEvent(obj CheckedObject, msg string) {
	if GetLeakMode() == LeaksLogTraces {
		log.Infof("[%s %p] %s:\n%s", obj.RefType(), obj, msg, FormatStack(RecordStack()))
		return
	}
	log.Infof("[%s %p] %s", obj.RefType(), obj, msg)
}

// LiveObjects returns the number of registered objects that have not been
// destroyed.
func LiveObjects() int {
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	return len(liveObjects)
}

// DoLeakCheck reports every object still in the live object map, grouped by
// type. It should be called when no reference-counted objects are reachable
// anymore, at which point anything left in the map is considered a leak. It
// returns the number of leaked objects.
func DoLeakCheck() int {
	if !LeakCheckEnabled() {
		return 0
	}
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	leaked := len(liveObjects)
	if leaked == 0 {
		return 0
	}

	byType := make(map[string][]string)
	for obj := range liveObjects {
		byType[obj.RefType()] = append(byType[obj.RefType()], obj.LeakMessage())
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	var b strings.Builder
	fmt.Fprintf(&b, "Leak checking detected %d leaked objects:\n", leaked)
	for _, t := range types {
		msgs := byType[t]
		sort.Strings(msgs)
		fmt.Fprintf(&b, "%s (%d):\n", t, len(msgs))
		for _, m := range msgs {
			fmt.Fprintf(&b, "\t%s\n", m)
		}
	}
	if GetLeakMode() == LeaksPanic {
		panic(b.String())
	}
	log.Warningf("%s", b.String())
	return leaked
}
