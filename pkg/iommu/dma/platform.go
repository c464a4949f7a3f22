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
	"fmt"
	"math/bits"
	"sync"

	"github.com/bittervan/iommu-driver/pkg/hostarch"
)

// Memory window of the reference platform.
const (
	DefaultMemoryBase = 0x80000000
	DefaultMemorySize = 0x40000000
)

// ErrOutOfMemory is returned when a SimPlatform is exhausted.
var ErrOutOfMemory = errors.New("out of DMA memory")

// SimPlatform is a Platform backed by the Go heap. Buffers are assigned
// increasing physical addresses in a fixed window; freed addresses are not
// reused.
type SimPlatform struct {
	base uintptr
	size uint64

	mu   sync.Mutex
	next uintptr
	live map[uintptr]uint64
}

// NewSimPlatform returns a SimPlatform over [base, base+size). Zero values
// select the reference platform's window.
func NewSimPlatform(base uintptr, size uint64) *SimPlatform {
	if base == 0 {
		base = DefaultMemoryBase
	}
	if size == 0 {
		size = DefaultMemorySize
	}
	base = uintptr(hostarch.Addr(base).RoundDown())
	return &SimPlatform{
		base: base,
		size: size,
		next: base,
		live: make(map[uintptr]uint64),
	}
}

// Alloc implements Platform.Alloc.
func (p *SimPlatform) Alloc(size uint64) (Buffer, error) {
	rounded, ok := hostarch.Addr(size).RoundUp()
	if size == 0 || !ok {
		return Buffer{}, fmt.Errorf("invalid allocation size %#x", size)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if uint64(p.next-p.base)+uint64(rounded) > p.size {
		return Buffer{}, fmt.Errorf("%w: %#x bytes requested", ErrOutOfMemory, size)
	}
	physical := p.next
	p.next += uintptr(rounded)
	p.live[physical] = size
	return Buffer{Physical: physical, Data: make([]byte, size)}, nil
}

// Free implements Platform.Free.
func (p *SimPlatform) Free(physical uintptr, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if got, ok := p.live[physical]; !ok || got != size {
		panic(fmt.Sprintf("Free(%#x, %#x) of a buffer not allocated with that size", physical, size))
	}
	delete(p.live, physical)
}

// Live returns the number of buffers allocated and not freed.
func (p *SimPlatform) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// RequiredMask implements Platform.RequiredMask.
func (p *SimPlatform) RequiredMask() uint64 {
	last := uint64(p.base) + p.size - 1
	return 1<<bits.Len64(last) - 1
}

// MaxMappingSize implements Platform.MaxMappingSize.
func (p *SimPlatform) MaxMappingSize() uint64 {
	return p.size
}
