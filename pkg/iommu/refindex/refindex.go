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

// Package refindex counts, per page-aligned IOVA, how many callers currently
// need the translation for that page.
//
// The count tells the caller which transitions matter: an Insert returning 1
// is the first reference (the translation must be installed) and a Remove
// returning 0 for a present entry is the last one (the translation must be
// cleared). Every other result leaves the page table alone.
//
// Several interchangeable backends are provided. For any sequence of
// operations they all report identical counts. None of them is safe for
// concurrent use; callers serialize access.
package refindex

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bittervan/iommu-driver/pkg/hostarch"
)

// MaxCount is the largest reference count an entry can hold. It is bounded
// by the 8-bit count field of the flat table's packed slot, and applied to
// every backend so that they stay interchangeable.
const MaxCount = 0xff

var (
	// ErrTableFull is returned when inserting a new address would push a
	// fixed-capacity index past its load limit.
	ErrTableFull = errors.New("reference index is full")

	// ErrCountOverflow is returned when an address already holds MaxCount
	// references.
	ErrCountOverflow = errors.New("reference count overflow")
)

// Index maps page-aligned addresses to reference counts.
//
// Addresses passed to an Index must be page aligned.
type Index interface {
	// Insert adds a reference to addr, creating the entry with a count of 1
	// if it is absent. It returns the resulting count.
	Insert(addr hostarch.Addr) (uint32, error)

	// Remove drops a reference to addr and returns the resulting count. An
	// entry whose count reaches zero is deleted. If addr is absent, Remove
	// does nothing and returns (0, false).
	Remove(addr hostarch.Addr) (count uint32, found bool)

	// Lookup returns the count for addr, or 0 if absent.
	Lookup(addr hostarch.Addr) uint32

	// Len returns the number of addresses with a non-zero count.
	Len() int
}

// Kind selects an Index backend.
type Kind int

const (
	// Flat is an open-addressed table of packed words. It never allocates
	// after construction, and is the default.
	Flat Kind = iota

	// AVL is a height-balanced binary search tree.
	AVL

	// Chain is a hash table with fixed buckets and linked collision chains.
	Chain

	// BTree is a B-tree of (address, count) entries.
	BTree
)

var kindNames = map[Kind]string{
	Flat:  "flat",
	AVL:   "avl",
	Chain: "chain",
	BTree: "btree",
}

// Kinds lists all backends.
var Kinds = []Kind{Flat, AVL, Chain, BTree}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Set implements flag.Value.
func (k *Kind) Set(v string) error {
	for kind, name := range kindNames {
		if strings.EqualFold(v, name) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("invalid index kind %q, must be one of flat, avl, chain, btree", v)
}

// Get implements flag.Getter.
func (k *Kind) Get() any {
	return *k
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	return k.Set(string(b))
}

// Config configures New.
type Config struct {
	// Kind selects the backend.
	Kind Kind

	// Slots is the capacity of the flat table. It is rounded up to a power
	// of two. Zero means DefaultSlots.
	Slots int

	// MaxLoad is the fraction of flat table slots that may be occupied.
	// Zero means DefaultMaxLoad.
	MaxLoad float64

	// Buckets is the bucket count of the chained table. It is rounded up to
	// a power of two. Zero means DefaultBuckets.
	Buckets int
}

// Defaults for Config.
const (
	DefaultSlots   = 1 << 18
	DefaultMaxLoad = 0.75
	DefaultBuckets = 1 << 12
)

// New returns an empty Index of the configured kind.
func New(c Config) (Index, error) {
	switch c.Kind {
	case Flat:
		slots := c.Slots
		if slots == 0 {
			slots = DefaultSlots
		}
		maxLoad := c.MaxLoad
		if maxLoad == 0 {
			maxLoad = DefaultMaxLoad
		}
		return NewFlatTable(slots, maxLoad)
	case AVL:
		return NewAVLTree(), nil
	case Chain:
		buckets := c.Buckets
		if buckets == 0 {
			buckets = DefaultBuckets
		}
		return NewChainTable(buckets)
	case BTree:
		return NewBTree(), nil
	default:
		return nil, fmt.Errorf("unknown index kind %v", c.Kind)
	}
}

// roundUpPow2 rounds n up to a power of two.
func roundUpPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// hashPageNumber spreads page numbers over 64 bits (Fibonacci hashing). The
// top bits of the result are the best distributed.
func hashPageNumber(pn uint64) uint64 {
	return pn * 0x9e3779b97f4a7c15
}
