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
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/bittervan/iommu-driver/pkg/hostarch"
	"github.com/bittervan/iommu-driver/pkg/log"
)

// mmapChunkPages is the number of directory pages obtained per mmap call.
const mmapChunkPages = 64

// mmapRetries bounds the attempts made for a single chunk when the kernel is
// transiently short of memory.
const mmapRetries = 5

// MmapAllocator allocates directory pages from anonymous memory mappings
// outside the Go heap. Pages get synthetic physical addresses in a
// contiguous arena, as with RuntimeAllocator.
//
// Release must be called to return the mappings.
type MmapAllocator struct {
	base     uintptr
	maxPages int

	chunks [][]byte
	used   int
	index  map[*PTEs]int
}

// NewMmapAllocator returns a new MmapAllocator.
func NewMmapAllocator(opts ArenaOpts) *MmapAllocator {
	return &MmapAllocator{
		base:     opts.base(),
		maxPages: opts.MaxPages,
		index:    make(map[*PTEs]int),
	}
}

// mapChunk maps one more chunk, retrying while mmap reports a transient
// shortage.
func (m *MmapAllocator) mapChunk() error {
	var chunk []byte
	op := func() error {
		var err error
		chunk, err = unix.Mmap(-1, 0, mmapChunkPages*hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ENOMEM):
			log.Debugf("mmap of directory chunk failed, retrying: %v", err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	if err := backoff.Retry(op, backoff.WithMaxRetries(b, mmapRetries)); err != nil {
		var perr *backoff.PermanentError
		if errors.As(err, &perr) {
			err = perr.Err
		}
		return fmt.Errorf("mmap directory chunk: %w", err)
	}
	m.chunks = append(m.chunks, chunk)
	return nil
}

func (m *MmapAllocator) page(i int) *PTEs {
	chunk := m.chunks[i/mmapChunkPages]
	return (*PTEs)(unsafe.Pointer(&chunk[(i%mmapChunkPages)*hostarch.PageSize]))
}

// NewPTEs implements Allocator.NewPTEs.
func (m *MmapAllocator) NewPTEs() (*PTEs, error) {
	if m.maxPages > 0 && m.used >= m.maxPages {
		return nil, fmt.Errorf("%w: %d pages in use", ErrArenaFull, m.used)
	}
	if m.used == len(m.chunks)*mmapChunkPages {
		if err := m.mapChunk(); err != nil {
			return nil, err
		}
	}
	// Fresh anonymous mappings are zero filled.
	ptes := m.page(m.used)
	m.index[ptes] = m.used
	m.used++
	return ptes, nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (m *MmapAllocator) PhysicalFor(ptes *PTEs) uintptr {
	i, ok := m.index[ptes]
	if !ok {
		panic(fmt.Sprintf("PTEs %p not allocated by this allocator", ptes))
	}
	return m.base + uintptr(i)<<hostarch.PageShift
}

// LookupPTEs implements Allocator.LookupPTEs.
func (m *MmapAllocator) LookupPTEs(physical uintptr) *PTEs {
	if physical < m.base || physical&hostarch.PageMask != 0 {
		return nil
	}
	i := (physical - m.base) >> hostarch.PageShift
	if i >= uintptr(m.used) {
		return nil
	}
	return m.page(int(i))
}

// Pages returns the number of pages handed out.
func (m *MmapAllocator) Pages() int {
	return m.used
}

// Release unmaps every chunk. The allocator and all pages it returned must
// not be used afterwards.
func (m *MmapAllocator) Release() error {
	var firstErr error
	for _, chunk := range m.chunks {
		if err := unix.Munmap(chunk); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.chunks = nil
	m.index = nil
	m.used = 0
	return firstErr
}
