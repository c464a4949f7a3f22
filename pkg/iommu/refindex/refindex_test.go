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
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bittervan/iommu-driver/pkg/hostarch"
)

func page(n uint64) hostarch.Addr {
	return hostarch.Addr(n << hostarch.PageShift)
}

func forEachKind(t *testing.T, fn func(t *testing.T, idx Index)) {
	for _, k := range Kinds {
		t.Run(k.String(), func(t *testing.T) {
			idx, err := New(Config{Kind: k})
			if err != nil {
				t.Fatalf("New(%v): %v", k, err)
			}
			fn(t, idx)
		})
	}
}

func TestInsertLookupRemove(t *testing.T) {
	forEachKind(t, func(t *testing.T, idx Index) {
		a := page(0x42)
		if got, err := idx.Insert(a); err != nil || got != 1 {
			t.Fatalf("first Insert: got (%d, %v), want (1, nil)", got, err)
		}
		if got := idx.Lookup(a); got != 1 {
			t.Errorf("Lookup after one Insert: got %d, want 1", got)
		}
		if got, err := idx.Insert(a); err != nil || got != 2 {
			t.Fatalf("second Insert: got (%d, %v), want (2, nil)", got, err)
		}
		if got := idx.Lookup(a); got != 2 {
			t.Errorf("Lookup after two Inserts: got %d, want 2", got)
		}
		if got, found := idx.Remove(a); !found || got != 1 {
			t.Fatalf("Remove: got (%d, %t), want (1, true)", got, found)
		}
		if got := idx.Lookup(a); got != 1 {
			t.Errorf("Lookup after Remove: got %d, want 1", got)
		}
		if got, found := idx.Remove(a); !found || got != 0 {
			t.Fatalf("last Remove: got (%d, %t), want (0, true)", got, found)
		}
		if got := idx.Len(); got != 0 {
			t.Errorf("Len after last Remove: got %d, want 0", got)
		}
	})
}

func TestRemoveAbsent(t *testing.T) {
	forEachKind(t, func(t *testing.T, idx Index) {
		if got, found := idx.Remove(page(7)); found || got != 0 {
			t.Errorf("Remove of absent address: got (%d, %t), want (0, false)", got, found)
		}
		idx.Insert(page(8))
		if got, found := idx.Remove(page(7)); found || got != 0 {
			t.Errorf("Remove of absent neighbour: got (%d, %t), want (0, false)", got, found)
		}
		if got := idx.Lookup(page(8)); got != 1 {
			t.Errorf("Lookup of untouched entry: got %d, want 1", got)
		}
	})
}

func TestZeroAddress(t *testing.T) {
	forEachKind(t, func(t *testing.T, idx Index) {
		if got, err := idx.Insert(0); err != nil || got != 1 {
			t.Fatalf("Insert(0): got (%d, %v), want (1, nil)", got, err)
		}
		if got := idx.Lookup(0); got != 1 {
			t.Errorf("Lookup(0): got %d, want 1", got)
		}
		if got, found := idx.Remove(0); !found || got != 0 {
			t.Errorf("Remove(0): got (%d, %t), want (0, true)", got, found)
		}
	})
}

func TestCountOverflow(t *testing.T) {
	forEachKind(t, func(t *testing.T, idx Index) {
		a := page(3)
		for i := 1; i <= MaxCount; i++ {
			if got, err := idx.Insert(a); err != nil || got != uint32(i) {
				t.Fatalf("Insert #%d: got (%d, %v)", i, got, err)
			}
		}
		if _, err := idx.Insert(a); !errors.Is(err, ErrCountOverflow) {
			t.Fatalf("Insert past MaxCount: got err %v, want %v", err, ErrCountOverflow)
		}
		if got := idx.Lookup(a); got != MaxCount {
			t.Errorf("Lookup after overflow: got %d, want %d", got, MaxCount)
		}
	})
}

// snapshot returns the non-zero counts of idx over the given addresses.
func snapshot(idx Index, addrs []hostarch.Addr) map[hostarch.Addr]uint32 {
	m := make(map[hostarch.Addr]uint32)
	for _, a := range addrs {
		if c := idx.Lookup(a); c != 0 {
			m[a] = c
		}
	}
	return m
}

// TestEquivalence runs the same random operation sequence against every
// backend and a map, and requires identical counts throughout.
func TestEquivalence(t *testing.T) {
	configs := []Config{
		{Kind: Flat},
		// Small enough to wrap around and shift on nearly every delete.
		{Kind: Flat, Slots: 64, MaxLoad: 1},
		{Kind: AVL},
		{Kind: Chain},
		{Kind: Chain, Buckets: 4},
		{Kind: BTree},
	}
	var idxs []Index
	for _, c := range configs {
		idx, err := New(c)
		if err != nil {
			t.Fatalf("New(%+v): %v", c, err)
		}
		idxs = append(idxs, idx)
	}

	const distinct = 48
	addrs := make([]hostarch.Addr, distinct)
	for i := range addrs {
		// Spread addresses so that they cross directory boundaries too.
		addrs[i] = page(uint64(i)*0x1ff + uint64(i%3))
	}

	model := make(map[hostarch.Addr]uint32)
	rng := rand.New(rand.NewSource(1))
	for step := 0; step < 20000; step++ {
		a := addrs[rng.Intn(distinct)]
		insert := rng.Intn(2) == 0
		var want uint32
		if insert {
			model[a]++
			want = model[a]
		} else if model[a] > 0 {
			model[a]--
			want = model[a]
			if want == 0 {
				delete(model, a)
			}
		}
		for i, idx := range idxs {
			var got uint32
			if insert {
				var err error
				if got, err = idx.Insert(a); err != nil {
					t.Fatalf("step %d: %+v Insert(%v): %v", step, configs[i], a, err)
				}
			} else {
				got, _ = idx.Remove(a)
			}
			if got != want {
				t.Fatalf("step %d: %+v insert=%t %v: got count %d, want %d", step, configs[i], insert, a, got, want)
			}
		}
		if step%1000 == 0 {
			for i, idx := range idxs {
				if diff := cmp.Diff(model, snapshot(idx, addrs)); diff != "" {
					t.Fatalf("step %d: %+v mismatch (-want +got):\n%s", step, configs[i], diff)
				}
				if idx.Len() != len(model) {
					t.Fatalf("step %d: %+v Len() = %d, want %d", step, configs[i], idx.Len(), len(model))
				}
			}
		}
	}
}

func TestNew(t *testing.T) {
	for _, tc := range []struct {
		config Config
		ok     bool
	}{
		{Config{Kind: Flat}, true},
		{Config{Kind: Flat, Slots: 1}, false},
		{Config{Kind: Flat, MaxLoad: 1.5}, false},
		{Config{Kind: Flat, Slots: 4, MaxLoad: 0.1}, false},
		{Config{Kind: Chain, Buckets: -1}, false},
		{Config{Kind: Kind(42)}, false},
	} {
		_, err := New(tc.config)
		if (err == nil) != tc.ok {
			t.Errorf("New(%+v): got err %v, want ok=%t", tc.config, err, tc.ok)
		}
	}
}

func TestNewBackendTypes(t *testing.T) {
	for _, tc := range []struct {
		kind Kind
		want string
	}{
		{Flat, "*refindex.FlatTable"},
		{AVL, "*refindex.AVLTree"},
		{Chain, "*refindex.ChainTable"},
		{BTree, "*refindex.BTreeIndex"},
	} {
		idx, err := New(Config{Kind: tc.kind})
		if err != nil {
			t.Fatalf("New(%v): %v", tc.kind, err)
		}
		if got := fmt.Sprintf("%T", idx); got != tc.want {
			t.Errorf("New(%v) returned %s, want %s", tc.kind, got, tc.want)
		}
	}
}

func TestKindSet(t *testing.T) {
	for _, k := range Kinds {
		var got Kind
		if err := got.Set(k.String()); err != nil || got != k {
			t.Errorf("Set(%q): got (%v, %v), want %v", k.String(), got, err, k)
		}
	}
	var k Kind
	if err := k.UnmarshalText([]byte("AVL")); err != nil || k != AVL {
		t.Errorf("UnmarshalText(AVL): got (%v, %v)", k, err)
	}
	if err := k.Set("splay"); err == nil {
		t.Errorf("Set(splay) succeeded")
	}
}

func ExampleIndex() {
	idx, _ := New(Config{Kind: AVL})
	first, _ := idx.Insert(0x1000)
	second, _ := idx.Insert(0x1000)
	last, _ := idx.Remove(0x1000)
	fmt.Println(first, second, last)
	// Output: 1 2 1
}
