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

const (
	defaultBlockSize   = 512
	defaultMinFreeKeys = 32
)

// option provide an interface to do work on Map while it is being created.
type option[V any] interface {
	apply(m *Map[V])
}

type blockSizeOption[V any] struct {
	n int
}

func (op blockSizeOption[V]) apply(m *Map[V]) {
	m.blockSize = op.n
}

// WithBlockSize is an option to specify the allocation granularity for a
// Map[V]: both the key table and the dense item array are sized in
// multiples of n slots. The block size affects only allocation behavior,
// never observable correctness. n must be positive.
func WithBlockSize[V any](n int) option[V] {
	if n <= 0 {
		panic("slotmap: block size must be positive")
	}
	return blockSizeOption[V]{n}
}

type minFreeKeysOption[V any] struct {
	n int
}

func (op minFreeKeysOption[V]) apply(m *Map[V]) {
	m.minFreeKeys = op.n
}

// WithMinFreeKeys is an option to specify the reserve of free key slots a
// Map[V] maintains: Add grows the key table before the free list drains
// below n. A larger reserve spreads slot reuse across more slots, slowing
// per-slot generation growth at the cost of memory. n must not be negative.
func WithMinFreeKeys[V any](n int) option[V] {
	if n < 0 {
		panic("slotmap: free key reserve must not be negative")
	}
	return minFreeKeysOption[V]{n}
}

// Allocator specifies an interface for allocating and releasing memory used
// by a Map. The default allocator utilizes Go's builtin make() and allows
// the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that keys and
// slots be freed then Map.Close must be called in order to ensure FreeKeys
// and FreeSlots are called.
type Allocator[V any] interface {
	// AllocKeys should return a slice equivalent to make([]Key, n).
	AllocKeys(n int) []Key

	// AllocSlots should return a slice equivalent to make([]Slot[V], n).
	AllocSlots(n int) []Slot[V]

	// FreeKeys can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocKeys.
	FreeKeys(v []Key)

	// FreeSlots can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocSlots.
	FreeSlots(v []Slot[V])
}

type defaultAllocator[V any] struct{}

func (defaultAllocator[V]) AllocKeys(n int) []Key {
	return make([]Key, n)
}

func (defaultAllocator[V]) AllocSlots(n int) []Slot[V] {
	return make([]Slot[V], n)
}

func (defaultAllocator[V]) FreeKeys(v []Key) {
}

func (defaultAllocator[V]) FreeSlots(v []Slot[V]) {
}

type allocatorOption[V any] struct {
	allocator Allocator[V]
}

func (op allocatorOption[V]) apply(m *Map[V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[V].
func WithAllocator[V any](allocator Allocator[V]) option[V] {
	return allocatorOption[V]{allocator}
}
