// Copyright 2025 The gVisor Authors.
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

package refindex

import (
	"fmt"
	"math/bits"

	"github.com/bittervan/iommu-driver/pkg/hostarch"
)

// Packed slot layout: the top 8 bits hold the count and the low 56 bits hold
// the key. The key is the page number plus one, so that the all-zero word is
// free to mean "empty slot" and page 0 is still representable.
const (
	countShift = 56
	keyMask    = 1<<countShift - 1
	countOne   = 1 << countShift
)

// FlatTable is an open-addressed hash table of packed words with linear
// probing. It performs no allocation after construction.
//
// Deletion shifts later members of the probe run back into the hole, so the
// table never accumulates tombstones. Inserting a new address fails with
// ErrTableFull once the configured load limit is reached; the limit is always
// below the capacity, which guarantees every probe meets an empty slot.
type FlatTable struct {
	slots []uint64
	mask  uint64
	shift uint
	limit int
	used  int
}

// NewFlatTable returns a table with at least the given number of slots (rounded
// up to a power of two) that accepts new addresses while at most maxLoad of
// them are in use.
func NewFlatTable(slots int, maxLoad float64) (*FlatTable, error) {
	if slots < 2 {
		return nil, fmt.Errorf("flat table needs at least 2 slots, got %d", slots)
	}
	if maxLoad <= 0 || maxLoad > 1 {
		return nil, fmt.Errorf("flat table load factor must be in (0, 1], got %v", maxLoad)
	}
	n := roundUpPow2(slots)
	limit := int(float64(n) * maxLoad)
	if limit > n-1 {
		limit = n - 1
	}
	if limit < 1 {
		return nil, fmt.Errorf("flat table load factor %v leaves no usable slots out of %d", maxLoad, n)
	}
	return &FlatTable{
		slots: make([]uint64, n),
		mask:  uint64(n - 1),
		shift: uint(64 - bits.TrailingZeros(uint(n))),
		limit: limit,
	}, nil
}

func flatKey(addr hostarch.Addr) uint64 {
	return addr.PageNumber() + 1
}

// home returns the preferred slot of a key.
func (t *FlatTable) home(key uint64) uint64 {
	return hashPageNumber(key-1) >> t.shift
}

// find returns the slot holding key, or the empty slot ending its probe run.
func (t *FlatTable) find(key uint64) (uint64, bool) {
	for i := t.home(key); ; i = (i + 1) & t.mask {
		switch s := t.slots[i]; {
		case s == 0:
			return i, false
		case s&keyMask == key:
			return i, true
		}
	}
}

// Insert implements Index.Insert.
func (t *FlatTable) Insert(addr hostarch.Addr) (uint32, error) {
	key := flatKey(addr)
	i, ok := t.find(key)
	if ok {
		count := uint32(t.slots[i] >> countShift)
		if count == MaxCount {
			return count, ErrCountOverflow
		}
		t.slots[i] += countOne
		return count + 1, nil
	}
	if t.used >= t.limit {
		return 0, ErrTableFull
	}
	t.slots[i] = countOne | key
	t.used++
	return 1, nil
}

// Remove implements Index.Remove.
func (t *FlatTable) Remove(addr hostarch.Addr) (uint32, bool) {
	i, ok := t.find(flatKey(addr))
	if !ok {
		return 0, false
	}
	if count := uint32(t.slots[i] >> countShift); count > 1 {
		t.slots[i] -= countOne
		return count - 1, true
	}
	t.deleteSlot(i)
	t.used--
	return 0, true
}

// deleteSlot empties slot i and shifts back any member of the following probe
// run whose home does not lie cyclically in (hole, position].
func (t *FlatTable) deleteSlot(hole uint64) {
	for j := (hole + 1) & t.mask; ; j = (j + 1) & t.mask {
		s := t.slots[j]
		if s == 0 {
			break
		}
		h := t.home(s & keyMask)
		var stays bool
		if hole < j {
			stays = hole < h && h <= j
		} else {
			stays = hole < h || h <= j
		}
		if !stays {
			t.slots[hole] = s
			hole = j
		}
	}
	t.slots[hole] = 0
}

// Lookup implements Index.Lookup.
func (t *FlatTable) Lookup(addr hostarch.Addr) uint32 {
	i, ok := t.find(flatKey(addr))
	if !ok {
		return 0
	}
	return uint32(t.slots[i] >> countShift)
}

// Len implements Index.Len.
func (t *FlatTable) Len() int {
	return t.used
}

// Capacity returns the number of slots.
func (t *FlatTable) Capacity() int {
	return len(t.slots)
}

// Limit returns the number of addresses the table accepts.
func (t *FlatTable) Limit() int {
	return t.limit
}
