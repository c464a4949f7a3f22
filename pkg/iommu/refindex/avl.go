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

import "github.com/bittervan/iommu-driver/pkg/hostarch"

type avlNode struct {
	addr   hostarch.Addr
	count  uint32
	height int32
	left   *avlNode
	right  *avlNode
}

func height(n *avlNode) int32 {
	if n == nil {
		return 0
	}
	return n.height
}

func balance(n *avlNode) int32 {
	if n == nil {
		return 0
	}
	return height(n.left) - height(n.right)
}

func (n *avlNode) updateHeight() {
	n.height = 1 + max(height(n.left), height(n.right))
}

func rotateRight(y *avlNode) *avlNode {
	x := y.left
	y.left = x.right
	x.right = y
	y.updateHeight()
	x.updateHeight()
	return x
}

func rotateLeft(x *avlNode) *avlNode {
	y := x.right
	x.right = y.left
	y.left = x
	x.updateHeight()
	y.updateHeight()
	return y
}

// rebalance restores the AVL property at n, whose subtrees are balanced, and
// returns the new subtree root. A child leaning the other way calls for a
// double rotation.
func rebalance(n *avlNode) *avlNode {
	n.updateHeight()
	switch b := balance(n); {
	case b > 1:
		if balance(n.left) < 0 {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	case b < -1:
		if balance(n.right) > 0 {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}

// AVLTree is a height-balanced binary search tree keyed by address.
//
// Insert and Remove are iterative: the links followed on the way down are
// kept on an explicit stack and rebalanced on the way back up, so stack use
// does not depend on the tree height.
type AVLTree struct {
	root *avlNode
	size int

	// path is scratch space for the descent, kept to avoid allocating on
	// every operation.
	path []**avlNode
}

// NewAVLTree returns an empty tree.
func NewAVLTree() *AVLTree {
	return &AVLTree{path: make([]**avlNode, 0, 64)}
}

// retrace rebalances every node on path, deepest first.
func (t *AVLTree) retrace(path []**avlNode) {
	for i := len(path) - 1; i >= 0; i-- {
		*path[i] = rebalance(*path[i])
	}
}

// Insert implements Index.Insert.
func (t *AVLTree) Insert(addr hostarch.Addr) (uint32, error) {
	path := t.path[:0]
	link := &t.root
	for n := *link; n != nil; n = *link {
		switch {
		case addr < n.addr:
			path = append(path, link)
			link = &n.left
		case addr > n.addr:
			path = append(path, link)
			link = &n.right
		default:
			t.path = path[:0]
			if n.count == MaxCount {
				return n.count, ErrCountOverflow
			}
			n.count++
			return n.count, nil
		}
	}
	*link = &avlNode{addr: addr, count: 1, height: 1}
	t.size++
	t.retrace(path)
	t.path = path[:0]
	return 1, nil
}

// Remove implements Index.Remove.
func (t *AVLTree) Remove(addr hostarch.Addr) (uint32, bool) {
	path := t.path[:0]
	link := &t.root
	n := *link
	for n != nil && n.addr != addr {
		path = append(path, link)
		if addr < n.addr {
			link = &n.left
		} else {
			link = &n.right
		}
		n = *link
	}
	if n == nil {
		t.path = path[:0]
		return 0, false
	}
	if n.count > 1 {
		t.path = path[:0]
		n.count--
		return n.count, true
	}

	switch {
	case n.left == nil:
		*link = n.right
	case n.right == nil:
		*link = n.left
	default:
		// Move the in-order successor's entry into n, then unlink the
		// successor, which has no left child.
		path = append(path, link)
		succ := &n.right
		for (*succ).left != nil {
			path = append(path, succ)
			succ = &(*succ).left
		}
		s := *succ
		n.addr, n.count = s.addr, s.count
		*succ = s.right
	}
	t.size--
	t.retrace(path)
	t.path = path[:0]
	return 0, true
}

// Lookup implements Index.Lookup.
func (t *AVLTree) Lookup(addr hostarch.Addr) uint32 {
	n := t.root
	for n != nil {
		switch {
		case addr < n.addr:
			n = n.left
		case addr > n.addr:
			n = n.right
		default:
			return n.count
		}
	}
	return 0
}

// Len implements Index.Len.
func (t *AVLTree) Len() int {
	return t.size
}

// Height returns the height of the tree.
func (t *AVLTree) Height() int {
	return int(height(t.root))
}
