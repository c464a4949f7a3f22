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

// Package dma implements the DMA mapping operations of a device behind the
// IOMMU.
//
// Buffers are identity mapped: the IOVA handed to the device is the physical
// address of the memory, and the IOMMU translation only grants access to it.
package dma

import (
	"errors"
	"fmt"
	"math"

	"github.com/bittervan/iommu-driver/pkg/cleanup"
	"github.com/bittervan/iommu-driver/pkg/hostarch"
	"github.com/bittervan/iommu-driver/pkg/iommu"
	"github.com/bittervan/iommu-driver/pkg/iommu/pagetables"
	"github.com/bittervan/iommu-driver/pkg/log"
)

var (
	// ErrInvalidDirection is returned for a Direction a mapping cannot use.
	ErrInvalidDirection = errors.New("invalid DMA direction")

	// ErrNotCapable is returned when a range lies outside what the device
	// can address.
	ErrNotCapable = errors.New("range not addressable by the device")
)

// Direction is the direction of a DMA transfer.
type Direction int

const (
	// Bidirectional transfers go both ways.
	Bidirectional Direction = iota

	// ToDevice transfers are read by the device.
	ToDevice

	// FromDevice transfers are written by the device.
	FromDevice

	// None is not a valid direction for a mapping.
	None
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case Bidirectional:
		return "bidirectional"
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	case None:
		return "none"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

func (d Direction) valid() bool {
	return d >= Bidirectional && d < None
}

// DefaultMapOpts are the permissions granted on every mapping.
var DefaultMapOpts = pagetables.MapOpts{
	AccessType: hostarch.AnyAccess,
	User:       true,
}

// Buffer is memory obtained from a Platform.
type Buffer struct {
	// Physical is the physical address of the first byte.
	Physical uintptr

	// Data is the memory itself.
	Data []byte
}

// Platform allocates DMA-able memory.
type Platform interface {
	// Alloc returns a page-aligned buffer of at least size bytes.
	Alloc(size uint64) (Buffer, error)

	// Free returns a buffer obtained from Alloc.
	Free(physical uintptr, size uint64)

	// RequiredMask returns the mask covering all memory the platform can
	// hand out.
	RequiredMask() uint64

	// MaxMappingSize returns the largest size a single mapping may have.
	MaxMappingSize() uint64
}

// Mapper maintains the device's translations. *iommu.Domain implements it.
type Mapper interface {
	CreateMapping(iova hostarch.Addr, physical uintptr, size uint64, opts pagetables.MapOpts) error
	RemoveMapping(iova hostarch.Addr, size uint64) error
	IsMapped(addr hostarch.Addr) bool
}

// Segment is one element of a scatter list.
type Segment struct {
	// Physical and Length describe the memory.
	Physical uintptr
	Length   uint64

	// DMAAddress and DMALength are filled in by MapSG.
	DMAAddress hostarch.Addr
	DMALength  uint64
}

// Ops are the DMA operations of one device.
type Ops struct {
	platform Platform
	mapper   Mapper
	opts     pagetables.MapOpts
}

// NewOps returns Ops mapping memory from p through m.
func NewOps(p Platform, m Mapper) *Ops {
	return &Ops{platform: p, mapper: m, opts: DefaultMapOpts}
}

// checkReach returns ErrNotCapable if [physical, physical+size) is not below
// the platform's required mask.
func (o *Ops) checkReach(physical uintptr, size uint64) error {
	end, ok := hostarch.Addr(physical).AddLength(size)
	if !ok || (size > 0 && uint64(end-1) > o.RequiredMask()) {
		return fmt.Errorf("%w: %#x+%#x", ErrNotCapable, physical, size)
	}
	return nil
}

// mapRange identity maps [physical, physical+size). If some pages fail, the
// references taken on the others are dropped again before returning.
func (o *Ops) mapRange(physical uintptr, size uint64) (hostarch.Addr, error) {
	if err := o.checkReach(physical, size); err != nil {
		return 0, err
	}
	iova := hostarch.Addr(physical)
	err := o.mapper.CreateMapping(iova, physical, size, o.opts)
	if err == nil {
		return iova, nil
	}
	var me *iommu.MapError
	if errors.As(err, &me) {
		failed := make(map[hostarch.Addr]struct{}, len(me.Failures))
		for _, f := range me.Failures {
			failed[f.Addr] = struct{}{}
		}
		for addr := me.Range.Start; addr < me.Range.End; addr += hostarch.PageSize {
			if _, ok := failed[addr]; ok {
				continue
			}
			if rerr := o.mapper.RemoveMapping(addr, hostarch.PageSize); rerr != nil {
				log.Warningf("Unwinding mapping of %v: %v", addr, rerr)
			}
		}
	}
	return 0, err
}

// Alloc allocates a buffer and maps it for the device. It returns the buffer
// and the address the device uses to reach it.
func (o *Ops) Alloc(size uint64) (Buffer, hostarch.Addr, error) {
	buf, err := o.platform.Alloc(size)
	if err != nil {
		return Buffer{}, 0, fmt.Errorf("allocating %#x bytes: %w", size, err)
	}
	cu := cleanup.Make(func() { o.platform.Free(buf.Physical, size) })
	defer cu.Clean()

	handle, err := o.mapRange(buf.Physical, size)
	if err != nil {
		return Buffer{}, 0, err
	}
	cu.Release()
	return buf, handle, nil
}

// Free unmaps and frees a buffer returned by Alloc.
func (o *Ops) Free(handle hostarch.Addr, size uint64) error {
	err := o.mapper.RemoveMapping(handle, size)
	o.platform.Free(uintptr(handle), size)
	return err
}

// AllocPages allocates and maps n contiguous pages.
func (o *Ops) AllocPages(n int) (Buffer, hostarch.Addr, error) {
	if n <= 0 {
		return Buffer{}, 0, fmt.Errorf("invalid page count %d", n)
	}
	return o.Alloc(uint64(n) * hostarch.PageSize)
}

// FreePages unmaps and frees pages returned by AllocPages.
func (o *Ops) FreePages(handle hostarch.Addr, n int) error {
	return o.Free(handle, uint64(n)*hostarch.PageSize)
}

// MapPage maps existing memory for a transfer in direction dir.
func (o *Ops) MapPage(physical uintptr, size uint64, dir Direction) (hostarch.Addr, error) {
	if !dir.valid() {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDirection, dir)
	}
	return o.mapRange(physical, size)
}

// UnmapPage unmaps memory mapped by MapPage.
func (o *Ops) UnmapPage(handle hostarch.Addr, size uint64, dir Direction) error {
	if !dir.valid() {
		return fmt.Errorf("%w: %v", ErrInvalidDirection, dir)
	}
	return o.mapper.RemoveMapping(handle, size)
}

// MapSG maps every segment of a scatter list and fills in its DMA address
// and length. If a segment fails, the segments mapped before it are
// unmapped and the error is returned.
func (o *Ops) MapSG(segs []Segment, dir Direction) (int, error) {
	var cu cleanup.Cleanup
	defer cu.Clean()

	for i := range segs {
		s := &segs[i]
		handle, err := o.MapPage(s.Physical, s.Length, dir)
		if err != nil {
			return 0, fmt.Errorf("mapping segment %d: %w", i, err)
		}
		length := s.Length
		cu.Add(func() {
			if err := o.UnmapPage(handle, length, dir); err != nil {
				log.Warningf("Unwinding segment at %v: %v", handle, err)
			}
		})
		s.DMAAddress = handle
		s.DMALength = s.Length
	}
	cu.Release()
	return len(segs), nil
}

// UnmapSG unmaps a scatter list mapped by MapSG. All segments are unmapped
// even if some fail; the first error is returned.
func (o *Ops) UnmapSG(segs []Segment, dir Direction) error {
	var firstErr error
	for i := range segs {
		if err := o.UnmapPage(segs[i].DMAAddress, segs[i].DMALength, dir); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unmapping segment %d: %w", i, err)
		}
	}
	return firstErr
}

// MapResource gives the device access to a physical resource such as
// another device's registers. Resources bypass translation: the physical
// address is returned as is and no mapping is created.
func (o *Ops) MapResource(physical uintptr, size uint64, dir Direction) (hostarch.Addr, error) {
	if !dir.valid() {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDirection, dir)
	}
	if err := o.checkReach(physical, size); err != nil {
		return 0, err
	}
	return hostarch.Addr(physical), nil
}

// UnmapResource releases a resource mapped by MapResource. There is nothing
// to undo.
func (o *Ops) UnmapResource(hostarch.Addr, uint64, Direction) {}

// RequiredMask returns the DMA mask the device needs to reach all memory.
func (o *Ops) RequiredMask() uint64 {
	return o.platform.RequiredMask()
}

// MaxMappingSize returns the largest size a single mapping may have.
func (o *Ops) MaxMappingSize() uint64 {
	return o.platform.MaxMappingSize()
}

// OptMappingSize returns the preferred upper bound of a mapping size. There
// is none.
func (o *Ops) OptMappingSize() uint64 {
	return math.MaxUint64
}
