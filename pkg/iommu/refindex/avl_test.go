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
	"math"
	"math/rand"
	"testing"
)

// checkAVL verifies ordering, stored heights and balance factors, and returns
// the subtree height and size.
func checkAVL(t *testing.T, n *avlNode, lo, hi uint64) (int32, int) {
	t.Helper()
	if n == nil {
		return 0, 0
	}
	a := uint64(n.addr)
	if a < lo || a > hi {
		t.Fatalf("node %v out of order, want within [%#x, %#x]", n.addr, lo, hi)
	}
	if n.count == 0 {
		t.Fatalf("node %v has a zero count", n.addr)
	}
	var lh, rh int32
	var ls, rs int
	if a > 0 {
		lh, ls = checkAVL(t, n.left, lo, a-1)
	} else if n.left != nil {
		t.Fatalf("node 0 has a left child")
	}
	rh, rs = checkAVL(t, n.right, a+1, hi)
	if h := 1 + max(lh, rh); h != n.height {
		t.Fatalf("node %v stores height %d, want %d", n.addr, n.height, h)
	}
	if b := lh - rh; b < -1 || b > 1 {
		t.Fatalf("node %v has balance %d", n.addr, b)
	}
	return n.height, ls + rs + 1
}

func TestAVLSequentialInsertStaysBalanced(t *testing.T) {
	tree := NewAVLTree()
	const n = 1 << 12
	for i := uint64(0); i < n; i++ {
		tree.Insert(page(i))
	}
	_, size := checkAVL(t, tree.root, 0, math.MaxUint64)
	if size != n || tree.Len() != n {
		t.Fatalf("tree holds %d nodes (Len %d), want %d", size, tree.Len(), n)
	}
	// An AVL tree of n nodes is at most ~1.44*log2(n+2) high.
	if limit := int(1.45 * math.Log2(n+2)); tree.Height() > limit {
		t.Errorf("Height() = %d, want <= %d", tree.Height(), limit)
	}
}

func TestAVLRandomDeletes(t *testing.T) {
	tree := NewAVLTree()
	rng := rand.New(rand.NewSource(7))
	perm := rng.Perm(2000)
	for _, i := range perm {
		tree.Insert(page(uint64(i)))
		if i%5 == 0 {
			// Give some nodes a second reference so that deleting a
			// two-child node must carry the successor's count along.
			tree.Insert(page(uint64(i)))
		}
	}
	for _, i := range perm[:1000] {
		want := uint32(0)
		if i%5 == 0 {
			want = 1
		}
		if got, found := tree.Remove(page(uint64(i))); !found || got != want {
			t.Fatalf("Remove(%v): got (%d, %t), want (%d, true)", page(uint64(i)), got, found, want)
		}
	}
	checkAVL(t, tree.root, 0, math.MaxUint64)
	for _, i := range perm[1000:] {
		want := uint32(1)
		if i%5 == 0 {
			want = 2
		}
		if got := tree.Lookup(page(uint64(i))); got != want {
			t.Errorf("Lookup(%v) = %d, want %d", page(uint64(i)), got, want)
		}
	}
}
