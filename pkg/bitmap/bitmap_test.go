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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFirstZero(t *testing.T) {
	for _, tc := range []struct {
		name  string
		size  uint32
		set   []uint32
		start uint32
		want  uint32
		ok    bool
	}{
		{name: "empty", size: 16, want: 0, ok: true},
		{name: "hole", size: 16, set: []uint32{0, 1, 3}, want: 2, ok: true},
		{name: "from start", size: 16, set: []uint32{0, 1}, start: 5, want: 5, ok: true},
		{name: "full", size: 4, set: []uint32{0, 1, 2, 3}, ok: false},
		{name: "second block", size: 100, set: seq(64), want: 64, ok: true},
		{name: "tail past size", size: 65, set: seq(65), ok: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := New(tc.size)
			for _, i := range tc.set {
				b.Add(i)
			}
			got, ok := b.FirstZero(tc.start)
			if ok != tc.ok || (ok && got != tc.want) {
				t.Errorf("FirstZero(%d): got (%d, %t), want (%d, %t)", tc.start, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestAddRemove(t *testing.T) {
	b := New(130)
	b.Add(3)
	b.Add(3)
	b.Add(129)
	b.Add(64)
	if got := b.GetNumOnes(); got != 3 {
		t.Errorf("GetNumOnes: got %d, want 3", got)
	}
	var got []uint32
	for i := uint32(0); i < b.Size(); i++ {
		if b.Contains(i) {
			got = append(got, i)
		}
	}
	if diff := cmp.Diff([]uint32{3, 64, 129}, got); diff != "" {
		t.Errorf("set bits mismatch (-want +got):\n%s", diff)
	}
	b.Remove(64)
	b.Remove(64)
	if b.Contains(64) || !b.Contains(129) {
		t.Errorf("Contains after Remove(64) is wrong")
	}
	b.Remove(3)
	b.Remove(129)
	if got := b.GetNumOnes(); got != 0 {
		t.Errorf("GetNumOnes after removing every bit: got %d, want 0", got)
	}
}

func TestIsFull(t *testing.T) {
	b := New(65)
	for i := uint32(0); i < 64; i++ {
		b.Add(i)
	}
	if b.IsFull() {
		t.Errorf("IsFull with bit 64 unset: got true")
	}
	b.Add(64)
	if !b.IsFull() {
		t.Errorf("IsFull with every bit set: got false")
	}
}

func TestOutOfRangePanics(t *testing.T) {
	b := New(8)
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Add(8) did not panic")
		}
	}()
	b.Add(8)
}

func seq(n uint32) []uint32 {
	s := make([]uint32, n)
	for i := range s {
		s[i] = uint32(i)
	}
	return s
}
