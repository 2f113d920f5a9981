// Copyright 2024 The Cockroach Authors
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

package slotmap

import "fmt"

const (
	// handleIndexBits is the number of bits of a Handle that hold the key
	// slot offset; the remaining bits hold the generation. More index bits
	// raise the item-count ceiling, more generation bits lengthen the time
	// before a heavily recycled slot's generation could wrap. The split is a
	// compile-time tunable; the limits below follow from it.
	handleIndexBits = 32

	// maxIndex is the largest key slot offset a Handle can carry, and
	// therefore the largest number of live items a Map can hold.
	maxIndex = 1<<handleIndexBits - 1

	// keyFreeBit marks a key slot as free. It lives in the top bit of the
	// key's generation word, which caps generations one bit below the
	// handle's generation field. Add never issues a handle whose generation
	// has this bit set, so a forged handle can never validate against a free
	// slot.
	keyFreeBit = 1 << 31

	// maxGeneration is the largest generation a key slot can reach before
	// reuse of the slot would wrap the counter and risk a false-positive
	// handle validation. Reaching it is treated as a fatal error.
	maxGeneration = keyFreeBit - 1
)

// Handle addresses an item stored in a Map. It packs the offset of the key
// slot claiming the item together with the generation the slot had when the
// item was added. A handle stays valid until the item it was issued for is
// removed, regardless of where the item physically moves inside the Map.
// Handles are plain values: comparable with ==, cheap to copy, and safe to
// hold indefinitely (a stale handle is rejected, never dereferenced).
//
// Handles are process-local. They index a particular Map's key table and
// carry no meaning for any other Map or process.
type Handle uint64

// Nil is the zero Handle. It is never returned by Add and is rejected by
// Get, Remove, and IsValid. The generation value 0 is reserved to make this
// so: the first occupancy of any slot already carries generation 1.
const Nil Handle = 0

func makeHandle(index, gen uint32) Handle {
	return Handle(uint64(gen)<<handleIndexBits | uint64(index))
}

// index returns the key slot offset carried by the handle.
func (h Handle) index() uint32 {
	return uint32(h & maxIndex)
}

// generation returns the generation carried by the handle.
func (h Handle) generation() uint32 {
	return uint32(h >> handleIndexBits)
}

func (h Handle) String() string {
	if h == Nil {
		return "nil"
	}
	return fmt.Sprintf("slot=%d gen=%d", h.index(), h.generation())
}
