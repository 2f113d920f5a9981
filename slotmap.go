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

// Package slotmap is a Go implementation of a slot map (also known as a
// generational arena): a dense container for items without clear ownership.
// See https://docs.rs/slotmap for the Rust rendition of the same structure
// and https://seanmiddleditch.github.io/data-structures-for-game-developers-the-slot-map/
// for the design background.
//
// # Slot maps
//
// A slot map stores items of a uniform type and hands back an opaque Handle
// for each insertion. The handle is the only way to address the item later:
// callers hold handles instead of pointers or indices, and a handle stays
// valid until the item it was issued for is removed, even though the item's
// physical storage location moves as the container compacts itself.
//
// Internally a Map owns two coupled arrays. The key table has one slot per
// issued handle; an occupied slot records the current offset of its item in
// the dense array, a free slot records the offset of the next free slot,
// forming a free list threaded through the table itself. The dense array
// holds exactly Len() live items at contiguous offsets with no gaps: when an
// item is removed, the last item is relocated into the vacated position and
// its key is patched through a back-reference stored alongside the item.
// Iteration is therefore a linear scan of a contiguous array, and the key
// table never moves, which is what keeps slot offsets (and so handles)
// stable across every mutation.
//
// Staleness is detected with generations. Each key slot carries a counter
// that is incremented whenever its item is removed, and a handle validates
// only if its recorded generation equals the slot's current one. The free
// list is FIFO rather than LIFO so that a freed slot sits behind every other
// free slot before it is reissued, maximizing the number of operations that
// pass before the same slot's generation must advance again and pushing the
// moment a generation counter could wrap as far out as possible. Wrapping is
// treated as a fatal error, not a tolerated false positive.
//
// Both arrays grow in fixed-size blocks. The key table grows before the
// free list drains below a configurable reserve and never shrinks, since
// live handles reference slot offsets directly. The dense array may shrink
// back toward its live size when slack exceeds two blocks, bounding memory
// after a transient peak without thrashing allocations under oscillating
// load. Block size, reserve, and the backing allocator are configurable via
// options; none of them affect observable behavior, only performance.
//
// A Map is NOT goroutine-safe.
package slotmap

import (
	"fmt"
	"strings"
)

// Key is one slot of a Map's key table. While the slot is occupied its index
// field holds the dense-array offset of the slot's item; while it is free
// the index field holds the offset of the next free slot. The generation
// word counts how many times the slot's item has been removed, with the top
// bit flagging the slot as free.
//
// Key is exported only so that a custom Allocator can allocate []Key; its
// fields are meaningless outside the Map that owns them.
type Key struct {
	index uint32
	gen   uint32
}

// free reports whether the slot is on the free list.
func (k Key) free() bool {
	return k.gen&keyFreeBit != 0
}

// generation returns the slot's generation without the free flag.
func (k Key) generation() uint32 {
	return k.gen &^ keyFreeBit
}

// Slot pairs a stored item with the offset of the key slot that currently
// claims it. The back-reference lets Remove patch the key of whichever item
// gets relocated into a vacated dense position.
//
// Slot is exported only so that a custom Allocator can allocate []Slot.
type Slot[V any] struct {
	value V
	key   uint32
}

// Map is a slot map from Handles to items of type V with Add, Remove, Get,
// and All operations. Get returns a pointer into the dense array, valid
// until the next Add, Remove, or Clear; the Handle, not the pointer, is the
// durable way to address an item.
//
// A Map is NOT goroutine-safe.
type Map[V any] struct {
	// The allocator for the key table and the dense item array.
	allocator Allocator[V]
	// keys is the key table. Its length only ever grows, in multiples of
	// blockSize, and slot offsets within it are stable for the lifetime of
	// the Map.
	keys []Key
	// slots is the dense item array. Live items occupy slots[:used] with no
	// gaps; the allocated length is a multiple of blockSize and may shrink.
	slots []Slot[V]
	// The number of live items.
	used int
	// The free list is threaded through keys via Key.index. freeHead is the
	// next slot Add will claim, freeTail the slot most recently freed. Both
	// are meaningful only while len(keys)-used > 0.
	freeHead uint32
	freeTail uint32
	// Allocation granularity for both arrays, in slots.
	blockSize int
	// Add grows the key table before the free list drains below this
	// reserve. Keeping freed slots queued behind a reserve delays growth
	// caused by transient exhaustion and stretches the interval before any
	// single slot's generation is forced to advance again.
	minFreeKeys int
}

// New constructs a Map with the specified initial capacity. If
// initialCapacity is 0 the map will start out with zero capacity and will
// grow on the first insert. The zero value for a Map is not usable.
func New[V any](initialCapacity int, options ...option[V]) *Map[V] {
	m := &Map[V]{
		allocator:   defaultAllocator[V]{},
		blockSize:   defaultBlockSize,
		minFreeKeys: defaultMinFreeKeys,
	}

	for _, op := range options {
		op.apply(m)
	}

	if initialCapacity > 0 {
		// Size the key table so that initialCapacity Adds leave the free
		// reserve intact, and the dense array so that they fit without a
		// resize.
		m.growKeys(m.roundToBlock(initialCapacity + m.minFreeKeys))
		m.resizeItems(m.roundToBlock(initialCapacity))
	}

	m.checkInvariants()
	return m
}

// Close closes the map, releasing its storage back to the configured
// allocator. It is unnecessary to close a map using the default allocator.
// It is invalid to use a Map after it has been closed, though Close itself
// is idempotent.
func (m *Map[V]) Close() {
	for i := range m.slots[:m.used] {
		m.slots[i] = Slot[V]{}
	}
	m.used = 0
	if m.keys != nil {
		m.allocator.FreeKeys(m.keys)
		m.keys = nil
	}
	if m.slots != nil {
		m.allocator.FreeSlots(m.slots)
		m.slots = nil
	}
	m.freeHead, m.freeTail = 0, 0
	m.allocator = nil
}

// Add inserts an item and returns the handle that addresses it. Existing
// handles are never invalidated and existing items never move: the dense
// array only appends. Add panics if the number of live items would exceed
// the capacity representable by a handle's index field.
func (m *Map[V]) Add(v V) Handle {
	if m.used >= maxIndex {
		panic(fmt.Sprintf("slotmap: item count %d reached the handle index limit", m.used))
	}

	if m.used >= len(m.keys)-m.minFreeKeys {
		m.growKeys(m.roundToBlock(m.used + m.minFreeKeys + 1))
	}
	if m.used == len(m.slots) {
		m.resizeItems(m.roundToBlock(m.used + 1))
	}

	ki := m.popFree()
	k := &m.keys[ki]
	k.index = uint32(m.used)
	k.gen &^= keyFreeBit

	m.slots[m.used] = Slot[V]{value: v, key: ki}
	m.used++

	m.checkInvariants()
	return makeHandle(ki, k.gen)
}

// Remove removes the item addressed by h and returns true. If h is nil,
// stale, or foreign, Remove returns false without side effects; an expired
// handle is a normal condition, not an error.
//
// Removal relocates the last item of the dense array into the removed
// item's position, so pointers previously returned by Get or At may
// afterwards refer to a different item. Handles are unaffected.
func (m *Map[V]) Remove(h Handle) bool {
	ki, ok := m.resolve(h)
	if !ok {
		return false
	}
	m.removeSlot(ki)
	m.checkInvariants()
	return true
}

// RemoveAt removes the item at dense-array offset i. It panics if i is not
// in [0, Len()).
func (m *Map[V]) RemoveAt(i int) {
	if uint(i) >= uint(m.used) {
		panic(fmt.Sprintf("slotmap: offset %d out of range [0,%d)", i, m.used))
	}
	m.removeSlot(m.slots[i].key)
	m.checkInvariants()
}

// Get returns a pointer to the item addressed by h, or nil if h is nil,
// stale, or foreign. The pointer is valid until the next Add, Remove,
// Clear, or Close. Get never panics, for any handle value.
func (m *Map[V]) Get(h Handle) *V {
	ki, ok := m.resolve(h)
	if !ok {
		return nil
	}
	return &m.slots[m.keys[ki].index].value
}

// IsValid reports whether h currently addresses a live item.
func (m *Map[V]) IsValid(h Handle) bool {
	_, ok := m.resolve(h)
	return ok
}

// HandleAt returns the handle that currently addresses the item at dense
// offset i: the reverse of the mapping Get performs. It panics if i is not
// in [0, Len()).
func (m *Map[V]) HandleAt(i int) Handle {
	if uint(i) >= uint(m.used) {
		panic(fmt.Sprintf("slotmap: offset %d out of range [0,%d)", i, m.used))
	}
	ki := m.slots[i].key
	return makeHandle(ki, m.keys[ki].gen)
}

// At returns a pointer to the item at dense offset i. Offsets are not
// stable across removals; they are useful for iteration and for feeding
// HandleAt. At panics if i is not in [0, Len()).
func (m *Map[V]) At(i int) *V {
	if uint(i) >= uint(m.used) {
		panic(fmt.Sprintf("slotmap: offset %d out of range [0,%d)", i, m.used))
	}
	return &m.slots[i].value
}

// Len returns the number of live items in the map.
func (m *Map[V]) Len() int {
	return m.used
}

// Clear removes every item, invalidating all outstanding handles. The key
// table keeps its allocation and every slot, free or occupied, has its
// generation bumped, so a handle issued before a Clear can never be
// mistaken for one issued after it even though all slot offsets are
// recycled. The dense array's allocation is retained.
func (m *Map[V]) Clear() {
	for i := range m.slots[:m.used] {
		m.slots[i] = Slot[V]{}
	}
	m.used = 0

	// Rebuild the free list across the entire key table. The last slot's
	// link points one past the end; it is rewritten before it can ever be
	// followed.
	for i := range m.keys {
		gen := m.keys[i].generation()
		if gen >= maxGeneration {
			panic(fmt.Sprintf("slotmap: generation limit reached for slot %d", i))
		}
		m.keys[i] = Key{index: uint32(i + 1), gen: (gen + 1) | keyFreeBit}
	}
	if len(m.keys) > 0 {
		m.freeHead = 0
		m.freeTail = uint32(len(m.keys) - 1)
	}

	m.checkInvariants()
}

// All calls yield sequentially for each live item in dense-array order,
// passing the item's handle and a pointer to the item. If yield returns
// false, iteration stops. The order reflects insertion order only until the
// first removal, after which compaction reorders items. The map must not be
// mutated during iteration.
//
// The signature conforms to the range-over-function convention, so with Go
// 1.23 or later the map can be iterated as:
//
//	for h, v := range m.All {
//		fmt.Printf("%v: %v\n", h, *v)
//	}
func (m *Map[V]) All(yield func(h Handle, v *V) bool) {
	for i := 0; i < m.used; i++ {
		s := &m.slots[i]
		if !yield(makeHandle(s.key, m.keys[s.key].gen), &s.value) {
			return
		}
	}
}

// capacity returns the allocated length of the dense item array.
func (m *Map[V]) capacity() int {
	return len(m.slots)
}

// resolve validates h and returns the offset of its key slot. A handle is
// valid iff its offset is in range, the slot is occupied, and the slot's
// generation matches. The occupancy check matters: a free slot's index
// field is a free-list link, not an item offset, and following it would
// resolve a forged handle to an arbitrary item.
func (m *Map[V]) resolve(h Handle) (uint32, bool) {
	ki := h.index()
	if uint64(ki) >= uint64(len(m.keys)) {
		return 0, false
	}
	k := m.keys[ki]
	if k.free() || k.gen != h.generation() {
		return 0, false
	}
	return ki, true
}

// removeSlot frees the key slot at offset ki, which must be occupied, and
// compacts the dense array.
func (m *Map[V]) removeSlot(ki uint32) {
	k := &m.keys[ki]
	if k.gen >= maxGeneration {
		panic(fmt.Sprintf("slotmap: generation limit reached for slot %d; "+
			"consider a larger free-key reserve", ki))
	}

	m.used--
	i := int(k.index)
	if i != m.used {
		// Relocate the last item into the vacated position and patch its
		// owning key through the back-reference. When the vacated position
		// is the last one there is nothing to move and the self-assignment
		// must not be attempted.
		m.slots[i] = m.slots[m.used]
		m.keys[m.slots[i].key].index = uint32(i)
	}
	// Zero the vacated slot so the garbage collector can reclaim anything
	// the departed item referenced.
	m.slots[m.used] = Slot[V]{}

	k.gen = (k.gen + 1) | keyFreeBit
	m.pushFree(ki)

	// Shrink the dense array once slack reaches two blocks, back down to
	// the live size rounded up to a block. Requiring two blocks rather
	// than one means a shrink at a block boundary is followed by at most
	// one regrow, not a resize per operation: after the regrow the cycle
	// sits a full block below the shrink threshold again.
	if len(m.slots) >= m.used+2*m.blockSize {
		m.resizeItems(m.roundToBlock(m.used))
	}
}

// popFree claims the head of the free list. The caller must have ensured
// the list is non-empty, which Add's grow step guarantees.
func (m *Map[V]) popFree() uint32 {
	ki := m.freeHead
	m.freeHead = m.keys[ki].index
	return ki
}

// pushFree appends the slot at offset ki, already marked free, to the free
// list tail.
func (m *Map[V]) pushFree(ki uint32) {
	if len(m.keys)-m.used == 1 {
		// The list was empty; ki becomes both head and tail.
		m.freeHead = ki
	} else {
		m.keys[m.freeTail].index = ki
	}
	m.freeTail = ki
}

// roundToBlock rounds n up to the next multiple of the block size.
func (m *Map[V]) roundToBlock(n int) int {
	return (n + m.blockSize - 1) / m.blockSize * m.blockSize
}

// growKeys grows the key table to n slots, threading the new slots onto the
// free-list tail. The key table never shrinks: live handles reference slot
// offsets directly and shrinking would strand valid slots.
func (m *Map[V]) growKeys(n int) {
	if n <= len(m.keys) {
		return
	}

	old := m.keys
	oldFree := len(old) - m.used
	m.keys = m.allocator.AllocKeys(n)
	copy(m.keys, old)

	// New slots are born free with generation 1, each linking to the next.
	// The last link points one past the end; it is rewritten before it can
	// ever be followed.
	for i := len(old); i < n; i++ {
		m.keys[i] = Key{index: uint32(i + 1), gen: 1 | keyFreeBit}
	}
	if oldFree == 0 {
		m.freeHead = uint32(len(old))
	} else {
		m.keys[m.freeTail].index = uint32(len(old))
	}
	m.freeTail = uint32(n - 1)

	if len(old) > 0 {
		m.allocator.FreeKeys(old)
	}
}

// resizeItems reallocates the dense array to n slots, moving the live items
// across. Used for both growth and shrinking.
func (m *Map[V]) resizeItems(n int) {
	if n == len(m.slots) {
		return
	}
	if invariants && n < m.used {
		panic(fmt.Sprintf("invariant failed: resizing items to %d below %d live items", n, m.used))
	}

	old := m.slots
	if n > 0 {
		m.slots = m.allocator.AllocSlots(n)
		copy(m.slots, old[:m.used])
	} else {
		m.slots = nil
	}
	if len(old) > 0 {
		m.allocator.FreeSlots(old)
	}
}

func (m *Map[V]) checkInvariants() {
	if invariants {
		if m.used < 0 || m.used > len(m.slots) || m.used > len(m.keys) {
			panic(fmt.Sprintf("invariant failed: %d live items in %d item / %d key slots\n%s",
				m.used, len(m.slots), len(m.keys), m.debugString()))
		}

		// Every live item's key must be occupied, claim the item's offset,
		// and carry a non-zero generation.
		for i := 0; i < m.used; i++ {
			ki := m.slots[i].key
			if uint64(ki) >= uint64(len(m.keys)) {
				panic(fmt.Sprintf("invariant failed: item %d references key %d of %d\n%s",
					i, ki, len(m.keys), m.debugString()))
			}
			k := m.keys[ki]
			if k.free() {
				panic(fmt.Sprintf("invariant failed: item %d references free key %d\n%s",
					i, ki, m.debugString()))
			}
			if k.generation() == 0 {
				panic(fmt.Sprintf("invariant failed: key %d is occupied with generation 0\n%s",
					ki, m.debugString()))
			}
			if int(k.index) != i {
				panic(fmt.Sprintf("invariant failed: key %d claims offset %d, item is at %d\n%s",
					ki, k.index, i, m.debugString()))
			}
		}

		// The free list must visit every non-live key exactly once and end
		// at the tail.
		free := len(m.keys) - m.used
		for i, ki := 0, m.freeHead; i < free; i++ {
			if uint64(ki) >= uint64(len(m.keys)) {
				panic(fmt.Sprintf("invariant failed: free link %d out of range at step %d\n%s",
					ki, i, m.debugString()))
			}
			if !m.keys[ki].free() {
				panic(fmt.Sprintf("invariant failed: free list visits occupied key %d\n%s",
					ki, m.debugString()))
			}
			if i == free-1 && ki != m.freeTail {
				panic(fmt.Sprintf("invariant failed: free list ends at %d, tail is %d\n%s",
					ki, m.freeTail, m.debugString()))
			}
			ki = m.keys[ki].index
		}
	}
}

func (m *Map[V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "used=%d  items=%d  keys=%d  free-head=%d  free-tail=%d\n",
		m.used, len(m.slots), len(m.keys), m.freeHead, m.freeTail)
	for i, k := range m.keys {
		if k.free() {
			fmt.Fprintf(&buf, "  key %4d: free  next=%d gen=%d\n", i, k.index, k.generation())
		} else {
			fmt.Fprintf(&buf, "  key %4d: item=%d gen=%d\n", i, k.index, k.generation())
		}
	}
	for i := 0; i < m.used; i++ {
		fmt.Fprintf(&buf, "  item %4d: key=%d %v\n", i, m.slots[i].key, m.slots[i].value)
	}
	return buf.String()
}
