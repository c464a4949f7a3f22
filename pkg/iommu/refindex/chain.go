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

type chainNode struct {
	addr  hostarch.Addr
	count uint32
	next  *chainNode
}

// ChainTable is a hash table with a fixed number of buckets, each a singly
// linked list. Every new address costs one allocation.
type ChainTable struct {
	buckets []*chainNode
	shift   uint
	size    int
}

// NewChainTable returns a table with at least the given number of buckets,
// rounded up to a power of two.
func NewChainTable(buckets int) (*ChainTable, error) {
	if buckets < 1 {
		return nil, fmt.Errorf("chain table needs at least 1 bucket, got %d", buckets)
	}
	n := roundUpPow2(buckets)
	return &ChainTable{
		buckets: make([]*chainNode, n),
		shift:   uint(64 - bits.TrailingZeros(uint(n))),
	}, nil
}

func (t *ChainTable) bucket(addr hostarch.Addr) **chainNode {
	return &t.buckets[hashPageNumber(addr.PageNumber())>>t.shift]
}

// Insert implements Index.Insert.
func (t *ChainTable) Insert(addr hostarch.Addr) (uint32, error) {
	head := t.bucket(addr)
	for n := *head; n != nil; n = n.next {
		if n.addr == addr {
			if n.count == MaxCount {
				return n.count, ErrCountOverflow
			}
			n.count++
			return n.count, nil
		}
	}
	*head = &chainNode{addr: addr, count: 1, next: *head}
	t.size++
	return 1, nil
}

// Remove implements Index.Remove.
func (t *ChainTable) Remove(addr hostarch.Addr) (uint32, bool) {
	for link := t.bucket(addr); *link != nil; link = &(*link).next {
		n := *link
		if n.addr != addr {
			continue
		}
		if n.count > 1 {
			n.count--
			return n.count, true
		}
		*link = n.next
		t.size--
		return 0, true
	}
	return 0, false
}

// Lookup implements Index.Lookup.
func (t *ChainTable) Lookup(addr hostarch.Addr) uint32 {
	for n := *t.bucket(addr); n != nil; n = n.next {
		if n.addr == addr {
			return n.count
		}
	}
	return 0
}

// Len implements Index.Len.
func (t *ChainTable) Len() int {
	return t.size
}
