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

package dma

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bittervan/iommu-driver/pkg/hostarch"
	"github.com/bittervan/iommu-driver/pkg/iommu"
	"github.com/bittervan/iommu-driver/pkg/iommu/pagetables"
	"github.com/bittervan/iommu-driver/pkg/log"
)

func newOps(t *testing.T, p *SimPlatform, maxDirectoryPages int) (*Ops, *iommu.Domain) {
	t.Helper()
	d, err := iommu.NewDomain(iommu.Options{
		Allocator: pagetables.NewRuntimeAllocator(pagetables.ArenaOpts{MaxPages: maxDirectoryPages}),
		Logger:    &log.BasicLogger{Level: log.Debug, Emitter: &log.TestEmitter{TestLogger: t}},
	})
	if err != nil {
		t.Fatalf("NewDomain: %v", err)
	}
	return NewOps(p, d), d
}

func TestAllocFree(t *testing.T) {
	p := NewSimPlatform(0, 0)
	ops, d := newOps(t, p, 0)

	buf, handle, err := ops.Alloc(3*hostarch.PageSize + 1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if uintptr(handle) != buf.Physical {
		t.Errorf("handle %v is not the physical address %#x", handle, buf.Physical)
	}
	if len(buf.Data) != 3*hostarch.PageSize+1 {
		t.Errorf("len(Data) = %d", len(buf.Data))
	}
	for i := hostarch.Addr(0); i < 4; i++ {
		addr := handle + i*hostarch.PageSize
		if got, ok := d.Translate(addr); !ok || got != uintptr(addr) {
			t.Errorf("Translate(%v) = (%#x, %t), want identity", addr, got, ok)
		}
	}
	if err := ops.Free(handle, 3*hostarch.PageSize+1); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if got := d.Stats().LivePages; got != 0 {
		t.Errorf("LivePages = %d after Free", got)
	}
	if got := p.Live(); got != 0 {
		t.Errorf("platform has %d live buffers after Free", got)
	}
}

func TestAllocPages(t *testing.T) {
	p := NewSimPlatform(0, 0)
	ops, d := newOps(t, p, 0)

	_, handle, err := ops.AllocPages(2)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	if !d.IsMapped(handle) || !d.IsMapped(handle+hostarch.PageSize) {
		t.Errorf("pages not mapped")
	}
	if err := ops.FreePages(handle, 2); err != nil {
		t.Fatalf("FreePages: %v", err)
	}
	if d.IsMapped(handle) {
		t.Errorf("page mapped after FreePages")
	}
	if _, _, err := ops.AllocPages(0); err == nil {
		t.Errorf("AllocPages(0) succeeded")
	}
}

func TestAllocUnwindsOnMapFailure(t *testing.T) {
	// Two pages below a 2MB boundary and two above it.
	p := NewSimPlatform(0x801fe000, 0)
	// Room for the root, the first level and one second level.
	ops, d := newOps(t, p, 3)

	_, _, err := ops.Alloc(4 * hostarch.PageSize)
	if !errors.Is(err, pagetables.ErrAllocation) {
		t.Fatalf("Alloc: got %v, want %v", err, pagetables.ErrAllocation)
	}
	for addr := hostarch.Addr(0x801fe000); addr < 0x80202000; addr += hostarch.PageSize {
		if d.IsMapped(addr) || d.RefCount(addr) != 0 {
			t.Errorf("page %v left mapped with %d references", addr, d.RefCount(addr))
		}
	}
	if got := p.Live(); got != 0 {
		t.Errorf("platform has %d live buffers after a failed Alloc", got)
	}
}

func TestMapPage(t *testing.T) {
	ops, d := newOps(t, NewSimPlatform(0, 0), 0)

	handle, err := ops.MapPage(0x80003800, 0x1000, ToDevice)
	if err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	if handle != 0x80003800 {
		t.Errorf("MapPage returned %v, want 0x80003800", handle)
	}
	// The buffer straddles two pages.
	if !d.IsMapped(0x80003000) || !d.IsMapped(0x80004000) {
		t.Errorf("pages of the buffer not mapped")
	}
	if err := ops.UnmapPage(handle, 0x1000, ToDevice); err != nil {
		t.Fatalf("UnmapPage: %v", err)
	}
	if d.IsMapped(0x80003000) || d.IsMapped(0x80004000) {
		t.Errorf("pages still mapped after UnmapPage")
	}

	if _, err := ops.MapPage(0x80003000, 0x1000, None); !errors.Is(err, ErrInvalidDirection) {
		t.Errorf("MapPage with direction none: got %v, want %v", err, ErrInvalidDirection)
	}
}

func TestMapPageBeyondMask(t *testing.T) {
	ops, d := newOps(t, NewSimPlatform(0x10000, 4*hostarch.PageSize), 0)
	for _, tc := range []struct {
		name     string
		physical uintptr
		size     uint64
	}{
		{"above", 0x20000, hostarch.PageSize},
		{"straddling", 0x1f000, 2 * hostarch.PageSize},
		{"wrapping", ^uintptr(0) &^ (hostarch.PageSize - 1), 2 * hostarch.PageSize},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ops.MapPage(tc.physical, tc.size, ToDevice); !errors.Is(err, ErrNotCapable) {
				t.Fatalf("MapPage(%#x, %#x): got %v, want %v", tc.physical, tc.size, err, ErrNotCapable)
			}
			if got := d.Stats().LivePages; got != 0 {
				t.Errorf("LivePages = %d after a rejected MapPage", got)
			}
		})
	}
	if _, err := ops.MapPage(0x1f000, hostarch.PageSize, ToDevice); err != nil {
		t.Errorf("MapPage of the last page under the mask: %v", err)
	}
}

func TestMapSG(t *testing.T) {
	ops, d := newOps(t, NewSimPlatform(0, 0), 0)

	segs := []Segment{
		{Physical: 0x80010000, Length: 0x2000},
		{Physical: 0x80020000, Length: 0x100},
		// Shares a page with the previous segment.
		{Physical: 0x80020800, Length: 0x100},
	}
	n, err := ops.MapSG(segs, FromDevice)
	if err != nil || n != len(segs) {
		t.Fatalf("MapSG: got (%d, %v), want (%d, nil)", n, err, len(segs))
	}
	want := []Segment{
		{Physical: 0x80010000, Length: 0x2000, DMAAddress: 0x80010000, DMALength: 0x2000},
		{Physical: 0x80020000, Length: 0x100, DMAAddress: 0x80020000, DMALength: 0x100},
		{Physical: 0x80020800, Length: 0x100, DMAAddress: 0x80020800, DMALength: 0x100},
	}
	if diff := cmp.Diff(want, segs); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}
	if got := d.RefCount(0x80020000); got != 2 {
		t.Errorf("RefCount of shared page = %d, want 2", got)
	}

	if err := ops.UnmapSG(segs, FromDevice); err != nil {
		t.Fatalf("UnmapSG: %v", err)
	}
	if got := d.Stats().LivePages; got != 0 {
		t.Errorf("LivePages = %d after UnmapSG", got)
	}
}

func TestMapSGUnwinds(t *testing.T) {
	// Room for the root, the first level and one second level.
	ops, d := newOps(t, NewSimPlatform(0, 0), 3)

	segs := []Segment{
		{Physical: 0x80000000, Length: hostarch.PageSize},
		{Physical: 0x80001000, Length: hostarch.PageSize},
		// Needs another second-level directory.
		{Physical: 0x80200000, Length: hostarch.PageSize},
	}
	n, err := ops.MapSG(segs, Bidirectional)
	if n != 0 || !errors.Is(err, pagetables.ErrAllocation) {
		t.Fatalf("MapSG: got (%d, %v), want (0, %v)", n, err, pagetables.ErrAllocation)
	}
	for _, s := range segs {
		if d.IsMapped(hostarch.Addr(s.Physical)) {
			t.Errorf("segment at %#x still mapped", s.Physical)
		}
	}
	if got := d.Stats().LivePages; got != 0 {
		t.Errorf("LivePages = %d after a failed MapSG", got)
	}
}

func TestMapResource(t *testing.T) {
	ops, d := newOps(t, NewSimPlatform(0, 0), 0)

	handle, err := ops.MapResource(0x60020000, 0x1000, Bidirectional)
	if err != nil || handle != 0x60020000 {
		t.Fatalf("MapResource: got (%v, %v), want (0x60020000, nil)", handle, err)
	}
	if d.IsMapped(handle) {
		t.Errorf("MapResource created a translation")
	}
	ops.UnmapResource(handle, 0x1000, Bidirectional)

	if _, err := ops.MapResource(0x1_0000_0000, 0x1000, Bidirectional); !errors.Is(err, ErrNotCapable) {
		t.Errorf("MapResource beyond the mask: got %v, want %v", err, ErrNotCapable)
	}
}

func TestMasks(t *testing.T) {
	ops, _ := newOps(t, NewSimPlatform(0, 0), 0)
	if got, want := ops.RequiredMask(), uint64(0xffffffff); got != want {
		t.Errorf("RequiredMask() = %#x, want %#x", got, want)
	}
	if got, want := ops.MaxMappingSize(), uint64(DefaultMemorySize); got != want {
		t.Errorf("MaxMappingSize() = %#x, want %#x", got, want)
	}
}

func TestSimPlatform(t *testing.T) {
	p := NewSimPlatform(0x10000, 4*hostarch.PageSize)
	a, err := p.Alloc(1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	b, err := p.Alloc(2 * hostarch.PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a.Physical != 0x10000 || b.Physical != 0x11000 {
		t.Errorf("buffers at %#x and %#x, want 0x10000 and 0x11000", a.Physical, b.Physical)
	}
	if _, err := p.Alloc(2 * hostarch.PageSize); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Alloc past the window: got %v, want %v", err, ErrOutOfMemory)
	}
	p.Free(a.Physical, 1)
	p.Free(b.Physical, 2*hostarch.PageSize)
	if got := p.Live(); got != 0 {
		t.Errorf("Live() = %d", got)
	}
}
