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
	"github.com/google/btree"

	"github.com/bittervan/iommu-driver/pkg/hostarch"
)

// btreeDegree is the B-tree branching factor.
const btreeDegree = 32

type btreeEntry struct {
	addr  hostarch.Addr
	count uint32
}

func btreeLess(a, b btreeEntry) bool {
	return a.addr < b.addr
}

// BTreeIndex keeps (address, count) entries in a B-tree. Entries are values,
// so updating a count replaces the entry in place.
type BTreeIndex struct {
	tree *btree.BTreeG[btreeEntry]
}

// NewBTree returns an empty B-tree index.
func NewBTree() *BTreeIndex {
	return &BTreeIndex{tree: btree.NewG(btreeDegree, btreeLess)}
}

// Insert implements Index.Insert.
func (b *BTreeIndex) Insert(addr hostarch.Addr) (uint32, error) {
	e, ok := b.tree.Get(btreeEntry{addr: addr})
	if !ok {
		b.tree.ReplaceOrInsert(btreeEntry{addr: addr, count: 1})
		return 1, nil
	}
	if e.count == MaxCount {
		return e.count, ErrCountOverflow
	}
	e.count++
	b.tree.ReplaceOrInsert(e)
	return e.count, nil
}

// Remove implements Index.Remove.
func (b *BTreeIndex) Remove(addr hostarch.Addr) (uint32, bool) {
	e, ok := b.tree.Get(btreeEntry{addr: addr})
	if !ok {
		return 0, false
	}
	if e.count > 1 {
		e.count--
		b.tree.ReplaceOrInsert(e)
		return e.count, true
	}
	b.tree.Delete(e)
	return 0, true
}

// Lookup implements Index.Lookup.
func (b *BTreeIndex) Lookup(addr hostarch.Addr) uint32 {
	e, _ := b.tree.Get(btreeEntry{addr: addr})
	return e.count
}

// Len implements Index.Len.
func (b *BTreeIndex) Len() int {
	return b.tree.Len()
}
