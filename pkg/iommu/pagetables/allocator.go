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

package pagetables

import (
	"errors"
	"fmt"

	"github.com/bittervan/iommu-driver/pkg/hostarch"
)

// DefaultArenaBase is the physical address of the first arena page when none
// is configured. It is the start of DRAM on the reference platform.
const DefaultArenaBase = 0x80000000

// ErrArenaFull is returned by allocators that have handed out their page
// limit.
var ErrArenaFull = errors.New("directory page arena is full")

// Allocator is used to allocate and map directory pages.
//
// It is the only place where physical addresses and directory pages are
// converted into each other.
type Allocator interface {
	// NewPTEs returns a new, zeroed directory page.
	NewPTEs() (*PTEs, error)

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) uintptr

	// LookupPTEs looks up PTEs by physical address. It returns nil if
	// physical was not handed out by this allocator.
	LookupPTEs(physical uintptr) *PTEs
}

// ArenaOpts configure an arena allocator.
type ArenaOpts struct {
	// Base is the physical address of the first page. It is rounded down to
	// a page boundary. Zero means DefaultArenaBase.
	Base uintptr

	// MaxPages limits the number of pages handed out. Zero means no limit.
	MaxPages int
}

func (o ArenaOpts) base() uintptr {
	if o.Base == 0 {
		return DefaultArenaBase
	}
	return uintptr(hostarch.Addr(o.Base).RoundDown())
}

// RuntimeAllocator is a trivial allocator that uses the Go heap. Each page
// is given a synthetic physical address in a contiguous arena starting at
// the configured base.
type RuntimeAllocator struct {
	base     uintptr
	maxPages int

	// pages holds every page handed out, in arena order.
	pages []*PTEs

	// index maps pages back to their arena position.
	index map[*PTEs]int
}

// NewRuntimeAllocator returns an allocator that uses runtime allocation.
func NewRuntimeAllocator(opts ArenaOpts) *RuntimeAllocator {
	return &RuntimeAllocator{
		base:     opts.base(),
		maxPages: opts.MaxPages,
		index:    make(map[*PTEs]int),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() (*PTEs, error) {
	if r.maxPages > 0 && len(r.pages) >= r.maxPages {
		return nil, fmt.Errorf("%w: %d pages in use", ErrArenaFull, len(r.pages))
	}
	ptes := new(PTEs)
	r.index[ptes] = len(r.pages)
	r.pages = append(r.pages, ptes)
	return ptes, nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (r *RuntimeAllocator) PhysicalFor(ptes *PTEs) uintptr {
	i, ok := r.index[ptes]
	if !ok {
		panic(fmt.Sprintf("PTEs %p not allocated by this allocator", ptes))
	}
	return r.base + uintptr(i)<<hostarch.PageShift
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(physical uintptr) *PTEs {
	if physical < r.base || physical&hostarch.PageMask != 0 {
		return nil
	}
	i := (physical - r.base) >> hostarch.PageShift
	if i >= uintptr(len(r.pages)) {
		return nil
	}
	return r.pages[i]
}

// Pages returns the number of pages handed out.
func (r *RuntimeAllocator) Pages() int {
	return len(r.pages)
}
