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

// Package iommu maintains the IOVA translations of a single IOMMU domain.
//
// Several callers may map overlapping device address ranges. Every page
// carries a reference count, and its translation is installed when the count
// goes from zero to one and invalidated when it drops back to zero; the
// translation of a page that is already mapped is never changed (the first
// mapping wins). Invalidated translations are flushed from the device's IOTLB
// in batches.
package iommu

import (
	"fmt"
	"sync"

	"github.com/bittervan/iommu-driver/pkg/hostarch"
	"github.com/bittervan/iommu-driver/pkg/iommu/invalidate"
	"github.com/bittervan/iommu-driver/pkg/iommu/pagetables"
	"github.com/bittervan/iommu-driver/pkg/iommu/refindex"
	"github.com/bittervan/iommu-driver/pkg/log"
	"github.com/bittervan/iommu-driver/pkg/metric"
)

// Options configure a Domain. The zero value is usable.
type Options struct {
	// Index configures the reference-count index.
	Index refindex.Config

	// FlushThreshold is the number of RemoveMapping calls per IOTLB flush.
	// Zero means invalidate.DefaultThreshold.
	FlushThreshold uint64

	// Underflow selects how removals of unreferenced pages are reported.
	Underflow UnderflowPolicy

	// Allocator provides directory pages. If nil, a RuntimeAllocator with
	// default options is used.
	Allocator pagetables.Allocator

	// Flusher flushes the device's IOTLB. If nil, flushes are only counted.
	Flusher invalidate.Flusher

	// Metrics receives the domain's metrics. If nil, a private registry is
	// used.
	Metrics *metric.Registry

	// Logger is used for diagnostics. If nil, the default logger is used.
	Logger log.Logger
}

// Domain is a set of IOVA translations and their reference counts.
//
// All methods are safe for concurrent use. Each call runs to completion
// over its whole range while holding the domain lock.
type Domain struct {
	// mu serializes all operations, making a page's count update and its
	// translation change atomic.
	mu sync.Mutex

	index     refindex.Index
	pt        *pagetables.PageTables
	batcher   *invalidate.Batcher
	underflow UnderflowPolicy

	log      log.Logger
	registry *metric.Registry
	metrics  *domainMetrics
}

// NewDomain returns an empty Domain.
func NewDomain(opts Options) (*Domain, error) {
	index, err := refindex.New(opts.Index)
	if err != nil {
		return nil, fmt.Errorf("creating reference index: %w", err)
	}
	allocator := opts.Allocator
	if allocator == nil {
		allocator = pagetables.NewRuntimeAllocator(pagetables.ArenaOpts{})
	}
	pt, err := pagetables.New(allocator)
	if err != nil {
		return nil, fmt.Errorf("creating page tables: %w", err)
	}
	registry := opts.Metrics
	if registry == nil {
		registry = metric.NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Log()
	}
	d := &Domain{
		index:     index,
		pt:        pt,
		batcher:   invalidate.NewBatcher(opts.FlushThreshold, opts.Flusher),
		underflow: opts.Underflow,
		log:       logger,
		registry:  registry,
		metrics:   newDomainMetrics(registry),
	}
	d.metrics.directoryPages.Set(uint64(pt.DirectoryPages()))
	d.log.Infof("IOMMU domain created: index %v, flush threshold %d, underflow %v, root at %#x", opts.Index.Kind, d.batcher.Threshold(), d.underflow, pt.RootPhysical())
	return d, nil
}

// pageRange validates [iova, iova+size) and returns the pages covering it.
func pageRange(iova hostarch.Addr, size uint64) (hostarch.AddrRange, error) {
	ar, ok := hostarch.PageRange(iova, size)
	if !ok {
		return hostarch.AddrRange{}, fmt.Errorf("%w: %v+%#x", ErrInvalidRange, iova, size)
	}
	if ar.End > pagetables.MaxAddr {
		return hostarch.AddrRange{}, fmt.Errorf("%w: %v", pagetables.ErrOutOfRange, ar)
	}
	return ar, nil
}

// fail records a page failure.
func (d *Domain) fail(me *MapError, addr hostarch.Addr, err error) {
	me.Failures = append(me.Failures, &PageError{Addr: addr, Err: err})
	d.metrics.failures.Increment(failureReason(err))
}

// CreateMapping adds a reference to every page covering [iova, iova+size).
// Pages gaining their first reference are translated to the corresponding
// page of physical, which is rounded down to a page boundary like iova.
// Pages that are already mapped keep their translation, even if it points
// elsewhere.
//
// A page that fails does not stop the others. If any page fails, the
// returned error is a *MapError listing them, and the failed pages hold no
// new reference.
func (d *Domain) CreateMapping(iova hostarch.Addr, physical uintptr, size uint64, opts pagetables.MapOpts) error {
	ar, err := pageRange(iova, size)
	if err != nil {
		return err
	}
	physical = uintptr(hostarch.Addr(physical).RoundDown())
	if end := uint64(physical) + ar.Length(); end < uint64(physical) || end > pagetables.MaxPhysicalAddr {
		return fmt.Errorf("%w: physical %#x+%#x", pagetables.ErrOutOfRange, physical, ar.Length())
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics.creates.Increment()

	me := &MapError{Op: "CreateMapping", Range: ar}
	var installed, shared uint64
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		count, err := d.index.Insert(addr)
		if err != nil {
			d.fail(me, addr, err)
			continue
		}
		if count != 1 {
			shared++
			continue
		}
		pte, err := d.pt.EnsureLeaf(addr)
		if err != nil {
			// Without a translation the page must not hold a reference.
			d.index.Remove(addr)
			d.fail(me, addr, err)
			continue
		}
		d.pt.SetLeaf(pte, physical+uintptr(addr-ar.Start), opts)
		installed++
	}
	d.metrics.installed.IncrementBy(installed)
	d.metrics.shared.IncrementBy(shared)
	d.updateGauges()

	if d.log.IsLogging(log.Debug) {
		d.log.Debugf("CreateMapping %v -> %#x: %d pages installed, %d already mapped, %d failed", ar, physical, installed, shared, len(me.Failures))
	}
	return me.err()
}

// RemoveMapping drops a reference from every page covering [iova,
// iova+size). Pages losing their last reference have their translation
// invalidated. Each call counts once towards the next IOTLB flush, however
// many pages it covers.
//
// Pages holding no reference are skipped, and reported as ErrUnderflow in a
// *MapError under UnderflowStrict.
func (d *Domain) RemoveMapping(iova hostarch.Addr, size uint64) error {
	ar, err := pageRange(iova, size)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics.removes.Increment()

	me := &MapError{Op: "RemoveMapping", Range: ar}
	var cleared, shared, underflows uint64
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		count, found := d.index.Remove(addr)
		if !found {
			underflows++
			if d.underflow == UnderflowStrict {
				d.fail(me, addr, ErrUnderflow)
			}
			continue
		}
		if count != 0 {
			shared++
			continue
		}
		pte := d.pt.Leaf(addr)
		if pte == nil {
			panic(fmt.Sprintf("referenced page %v has no leaf entry", addr))
		}
		d.pt.ClearLeaf(pte)
		cleared++
	}
	d.metrics.cleared.IncrementBy(cleared)
	d.metrics.shared.IncrementBy(shared)
	if underflows > 0 {
		d.metrics.underflows.IncrementBy(underflows)
		d.log.Debugf("RemoveMapping %v: %d pages held no reference", ar, underflows)
	}
	d.updateGauges()

	flushed, err := d.batcher.Notify()
	if flushed {
		d.metrics.flushes.Increment()
	}
	if err != nil {
		// The translations are already invalid in memory; the next flush
		// will catch up.
		d.metrics.flushErrors.Increment()
		d.log.Warningf("RemoveMapping %v: %v", ar, err)
	}

	if d.log.IsLogging(log.Debug) {
		d.log.Debugf("RemoveMapping %v: %d pages cleared, %d still referenced", ar, cleared, shared)
	}
	return me.err()
}

// updateGauges refreshes the gauges. Precondition: d.mu is held.
func (d *Domain) updateGauges() {
	d.metrics.livePages.Set(uint64(d.index.Len()))
	d.metrics.directoryPages.Set(uint64(d.pt.DirectoryPages()))
}

// IsMapped returns true iff addr currently has a valid translation.
func (d *Domain) IsMapped(addr hostarch.Addr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pt.IsValid(addr)
}

// Translate returns the physical address addr translates to.
func (d *Domain) Translate(addr hostarch.Addr) (uintptr, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	physical, _, ok := d.pt.Lookup(addr)
	return physical, ok
}

// RefCount returns the number of references held on the page containing
// addr.
func (d *Domain) RefCount(addr hostarch.Addr) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.index.Lookup(addr.RoundDown())
}

// Mapping describes a translated page.
type Mapping struct {
	IOVA     hostarch.Addr
	Physical uintptr
	Opts     pagetables.MapOpts
	Refs     uint32
}

// Walk calls fn for every translated page in IOVA order, until fn returns
// false. fn must not call back into d.
func (d *Domain) Walk(fn func(m Mapping) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pt.Walk(func(addr hostarch.Addr, pte *pagetables.PTE) bool {
		return fn(Mapping{
			IOVA:     addr,
			Physical: pte.Address(),
			Opts:     pte.Opts(),
			Refs:     d.index.Lookup(addr),
		})
	})
}

// RootPhysical returns the physical address of the root directory page, as
// programmed into the device.
func (d *Domain) RootPhysical() uintptr {
	return d.pt.RootPhysical()
}

// Stats is a snapshot of a Domain's state.
type Stats struct {
	// LivePages is the number of pages holding references.
	LivePages int

	// DirectoryPages is the number of directory pages, root included.
	DirectoryPages int

	// PendingInvalidations is the number of RemoveMapping calls since the
	// last IOTLB flush.
	PendingInvalidations uint64

	// Flushes is the number of IOTLB flushes issued.
	Flushes uint64
}

// Stats returns a snapshot of d's state.
func (d *Domain) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		LivePages:            d.index.Len(),
		DirectoryPages:       d.pt.DirectoryPages(),
		PendingInvalidations: d.batcher.Pending(),
		Flushes:              d.batcher.Flushes(),
	}
}

// Metrics returns the registry holding d's metrics.
func (d *Domain) Metrics() *metric.Registry {
	return d.registry
}
