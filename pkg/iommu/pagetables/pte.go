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
	"sync/atomic"

	"github.com/bittervan/iommu-driver/pkg/hostarch"
)

// Sv39 entry bits.
const (
	valid    = 1 << 0
	readable = 1 << 1
	writable = 1 << 2
	execute  = 1 << 3
	user     = 1 << 4
	global   = 1 << 5
	accessed = 1 << 6
	dirty    = 1 << 7

	// ppnShift is the position of the physical page number in an entry.
	ppnShift = 10

	// ppnMask masks the 44-bit physical page number once shifted down.
	ppnMask = 1<<44 - 1

	// flagsMask covers the permission and status bits.
	flagsMask = readable | writable | execute | user | global | accessed | dirty
)

// MapOpts are the permissions installed in a leaf entry.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// User indicates the page is accessible in user mode.
	User bool

	// Global indicates the mapping is present in every address space.
	Global bool
}

// PTE is a single Sv39 page table entry.
//
// Entries are stored atomically: the IOMMU may walk the tables while they are
// being updated.
type PTE uint64

// PTEs is a single directory page.
type PTEs [entriesPerPage]PTE

func (p *PTE) load() uint64 {
	return atomic.LoadUint64((*uint64)(p))
}

func (p *PTE) store(v uint64) {
	atomic.StoreUint64((*uint64)(p), v)
}

// Valid returns true iff this entry is valid.
func (p *PTE) Valid() bool {
	return p.load()&valid != 0
}

// IsLeaf returns true iff this entry carries any permission bit. A valid
// entry with no R, W or X bit points to the next level.
func (p *PTE) IsLeaf() bool {
	return p.load()&(readable|writable|execute) != 0
}

// Address returns the physical address this entry points at.
func (p *PTE) Address() uintptr {
	return uintptr((p.load()>>ppnShift)&ppnMask) << hostarch.PageShift
}

// Opts returns the permissions of this entry.
func (p *PTE) Opts() MapOpts {
	v := p.load()
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    v&readable != 0,
			Write:   v&writable != 0,
			Execute: v&execute != 0,
		},
		User:   v&user != 0,
		Global: v&global != 0,
	}
}

// Bits returns the raw entry.
func (p *PTE) Bits() uint64 {
	return p.load()
}

// Set sets this entry to a valid leaf for the given physical page, which must
// be below MaxPhysicalAddr.
func (p *PTE) Set(physical uintptr, opts MapOpts) {
	v := uint64(physical>>hostarch.PageShift)&ppnMask<<ppnShift | valid
	if opts.AccessType.Read {
		v |= readable
	}
	if opts.AccessType.Write {
		v |= writable
	}
	if opts.AccessType.Execute {
		v |= execute
	}
	if opts.User {
		v |= user
	}
	if opts.Global {
		v |= global
	}
	p.store(v)
}

// Invalidate clears the valid bit, leaving the address and permissions in
// place.
func (p *PTE) Invalidate() {
	p.store(p.load() &^ valid)
}

// setPageTable points this entry at the next level.
func (p *PTE) setPageTable(physical uintptr) {
	p.store(uint64(physical>>hostarch.PageShift)&ppnMask<<ppnShift | valid)
}
