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

// Package bitmap provides a fixed-size bitmap used to track slot occupancy.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a fixed-size set of bits. Bits at or beyond Size are never
// reported as free.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// size is the number of usable bits.
	size uint32

	// bitBlock holds the bits. The type of bitBlock is uint64 which means
	// each number in bitBlock contains 64 entries.
	bitBlock []uint64
}

// New creates a new empty Bitmap holding size bits.
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of usable bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// GetNumOnes returns the number of ones in the bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// IsFull returns true if every usable bit is set.
func (b *Bitmap) IsFull() bool {
	return b.numOnes == b.size
}

// Add sets bit i. It panics if i is out of range.
func (b *Bitmap) Add(i uint32) {
	b.checkRange(i)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask == 0 {
		b.numOnes++
		b.bitBlock[blockNum] |= mask
	}
}

// Remove clears bit i. It panics if i is out of range.
func (b *Bitmap) Remove(i uint32) {
	b.checkRange(i)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask != 0 {
		b.numOnes--
		b.bitBlock[blockNum] &^= mask
	}
}

// Contains returns true if bit i is set.
func (b *Bitmap) Contains(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// FirstZero returns the lowest unset bit in [start, Size). ok is false if
// every bit in that range is set.
func (b *Bitmap) FirstZero(start uint32) (bit uint32, ok bool) {
	if start >= b.size {
		return 0, false
	}
	i, nbit := int(start/64), start%64
	w := b.bitBlock[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := uint32(bits.TrailingZeros64(^w)) + uint32(i)*64
			if r >= b.size {
				return 0, false
			}
			return r, true
		}
		i++
		if i == len(b.bitBlock) {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}

func (b *Bitmap) checkRange(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range [0, %d)", i, b.size))
	}
}
