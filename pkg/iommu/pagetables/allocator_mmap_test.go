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

//go:build linux

package pagetables

import (
	"testing"

	"github.com/bittervan/iommu-driver/pkg/hostarch"
)

func TestMmapAllocator(t *testing.T) {
	a := NewMmapAllocator(ArenaOpts{})
	defer func() {
		if err := a.Release(); err != nil {
			t.Errorf("Release: %v", err)
		}
	}()

	// Cross a chunk boundary.
	n := mmapChunkPages + 3
	for i := 0; i < n; i++ {
		ptes, err := a.NewPTEs()
		if err != nil {
			t.Fatalf("NewPTEs #%d: %v", i, err)
		}
		for j := range ptes {
			if ptes[j] != 0 {
				t.Fatalf("page %d is not zeroed at entry %d", i, j)
			}
		}
		ptes[i%entriesPerPage].Set(uintptr(i)*pteSize, MapOpts{AccessType: hostarch.Read})
		p := a.PhysicalFor(ptes)
		if want := uintptr(DefaultArenaBase + i*pteSize); p != want {
			t.Fatalf("page %d at %#x, want %#x", i, p, want)
		}
		if got := a.LookupPTEs(p); got != ptes {
			t.Fatalf("LookupPTEs(%#x) = %p, want %p", p, got, ptes)
		}
	}
	if got := a.Pages(); got != n {
		t.Errorf("Pages() = %d, want %d", got, n)
	}
}

func TestMmapAllocatorPageTables(t *testing.T) {
	a := NewMmapAllocator(ArenaOpts{})
	defer a.Release()
	pt, err := New(a)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mapPage(t, pt, 0x3ffff000, pteSize*42, MapOpts{AccessType: hostarch.ReadWrite})
	checkMappings(t, pt, []mapping{
		{0x3ffff000, pteSize * 42, MapOpts{AccessType: hostarch.ReadWrite}},
	})
}
