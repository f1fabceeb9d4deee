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

package pgalloc

import "fmt"

// FreePolicy selects the free list that receives a freed frame.
type FreePolicy uint32

const (
	// FreeToHome returns a freed frame to the shard it was assigned to at
	// boot. Every operation then takes exactly one shard lock and shard
	// sizes never drift.
	FreeToHome FreePolicy = iota

	// FreeToCurrent returns a freed frame to the shard of the CPU that frees
	// it, which becomes the frame's new home. Shard sizes drift over time
	// toward the CPUs that free the most.
	FreeToCurrent
)

// Set implements flag.Value.
func (p *FreePolicy) Set(v string) error {
	switch v {
	case "home":
		*p = FreeToHome
	case "current":
		*p = FreeToCurrent
	default:
		return fmt.Errorf("invalid free policy %q", v)
	}
	return nil
}

// Get implements flag.Value.
func (p *FreePolicy) Get() any {
	return *p
}

// String implements flag.Value.
func (p FreePolicy) String() string {
	switch p {
	case FreeToHome:
		return "home"
	case FreeToCurrent:
		return "current"
	default:
		panic(fmt.Sprintf("invalid free policy %d", p))
	}
}
