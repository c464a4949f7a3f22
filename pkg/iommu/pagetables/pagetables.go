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

// Package pagetables implements the three-level Sv39 translation tables
// walked by the IOMMU.
//
// Directory pages are allocated on demand and never freed. Leaves are only
// ever invalidated in place: clearing a translation keeps its address and
// permission bits so a later install overwrites the whole entry.
//
// PageTables is not synchronized; callers serialize mutations.
package pagetables

import (
	"errors"
	"fmt"

	"github.com/bittervan/iommu-driver/pkg/hostarch"
)

// Address constraints.
const (
	pteShift = 12
	pmdShift = 21
	pudShift = 30

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift

	entriesPerPage = 512
	indexMask      = entriesPerPage - 1

	// MaxAddr is the first address that cannot be translated.
	MaxAddr = hostarch.Addr(1) << (pudShift + 9)

	// MaxPhysicalAddr is the first physical address a leaf entry cannot
	// hold.
	MaxPhysicalAddr = uint64(1) << (44 + hostarch.PageShift)
)

var (
	// ErrAllocation is returned when a directory page cannot be allocated.
	ErrAllocation = errors.New("directory page allocation failed")

	// ErrOutOfRange is returned for addresses at or above MaxAddr, and for
	// physical addresses at or above MaxPhysicalAddr.
	ErrOutOfRange = errors.New("address outside the translated range")
)

// PageTables is a set of page tables.
type PageTables struct {
	// Allocator is used to allocate and look up directory pages.
	Allocator Allocator

	// root is the pagetable root.
	root *PTEs

	// rootPhysical is the cached physical address of the root.
	rootPhysical uintptr

	// directories is the number of directory pages in use, root included.
	directories int
}

// New returns new PageTables with an empty root.
func New(a Allocator) (*PageTables, error) {
	root, err := a.NewPTEs()
	if err != nil {
		return nil, fmt.Errorf("%w for root: %w", ErrAllocation, err)
	}
	return &PageTables{
		Allocator:    a,
		root:         root,
		rootPhysical: a.PhysicalFor(root),
		directories:  1,
	}, nil
}

func index(addr hostarch.Addr, shift uint) int {
	return int(addr>>shift) & indexMask
}

// nextLevel returns the directory page that entry points at.
func (p *PageTables) nextLevel(entry *PTE) *PTEs {
	ptes := p.Allocator.LookupPTEs(entry.Address())
	if ptes == nil {
		panic(fmt.Sprintf("directory entry %#x points outside the allocator", entry.Bits()))
	}
	return ptes
}

// EnsureLeaf returns the leaf entry for addr, allocating and installing any
// missing directory pages on the way down. The leaf itself is not modified.
//
// On allocation failure, directory pages installed before the failure are
// kept.
func (p *PageTables) EnsureLeaf(addr hostarch.Addr) (*PTE, error) {
	if addr >= MaxAddr {
		return nil, fmt.Errorf("%w: %v", ErrOutOfRange, addr)
	}
	ptes := p.root
	for _, shift := range [...]uint{pudShift, pmdShift} {
		entry := &ptes[index(addr, shift)]
		if !entry.Valid() {
			next, err := p.Allocator.NewPTEs()
			if err != nil {
				return nil, fmt.Errorf("%w for %v: %w", ErrAllocation, addr, err)
			}
			entry.setPageTable(p.Allocator.PhysicalFor(next))
			p.directories++
			ptes = next
			continue
		}
		ptes = p.nextLevel(entry)
	}
	return &ptes[index(addr, pteShift)], nil
}

// Leaf returns the leaf entry for addr without allocating, or nil if a
// directory on the way is missing.
func (p *PageTables) Leaf(addr hostarch.Addr) *PTE {
	if addr >= MaxAddr {
		return nil
	}
	ptes := p.root
	for _, shift := range [...]uint{pudShift, pmdShift} {
		entry := &ptes[index(addr, shift)]
		if !entry.Valid() {
			return nil
		}
		ptes = p.nextLevel(entry)
	}
	return &ptes[index(addr, pteShift)]
}

// SetLeaf installs a valid translation to physical in pte.
func (p *PageTables) SetLeaf(pte *PTE, physical uintptr, opts MapOpts) {
	pte.Set(physical, opts)
}

// ClearLeaf clears the valid bit of pte.
func (p *PageTables) ClearLeaf(pte *PTE) {
	pte.Invalidate()
}

// IsValid returns true iff addr has a valid translation.
func (p *PageTables) IsValid(addr hostarch.Addr) bool {
	pte := p.Leaf(addr)
	return pte != nil && pte.Valid()
}

// Lookup returns the physical address and permissions for addr.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical uintptr, opts MapOpts, ok bool) {
	pte := p.Leaf(addr)
	if pte == nil || !pte.Valid() {
		return 0, MapOpts{}, false
	}
	return pte.Address() + uintptr(addr.PageOffset()), pte.Opts(), true
}

// Walk calls fn for every valid leaf in address order, until fn returns
// false.
func (p *PageTables) Walk(fn func(addr hostarch.Addr, pte *PTE) bool) {
	for pudIndex := range p.root {
		pudEntry := &p.root[pudIndex]
		if !pudEntry.Valid() {
			continue
		}
		pmdEntries := p.nextLevel(pudEntry)
		for pmdIndex := range pmdEntries {
			pmdEntry := &pmdEntries[pmdIndex]
			if !pmdEntry.Valid() {
				continue
			}
			pteEntries := p.nextLevel(pmdEntry)
			for pteIndex := range pteEntries {
				pteEntry := &pteEntries[pteIndex]
				if !pteEntry.Valid() {
					continue
				}
				addr := hostarch.Addr(pudIndex)<<pudShift | hostarch.Addr(pmdIndex)<<pmdShift | hostarch.Addr(pteIndex)<<pteShift
				if !fn(addr, pteEntry) {
					return
				}
			}
		}
	}
}

// RootPhysical returns the physical address of the root directory page.
func (p *PageTables) RootPhysical() uintptr {
	return p.rootPhysical
}

// DirectoryPages returns the number of directory pages in use, including the
// root.
func (p *PageTables) DirectoryPages() int {
	return p.directories
}
