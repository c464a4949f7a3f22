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

// Package invalidate batches IOTLB invalidations.
//
// Unmapping a page only clears its valid bit; the device may keep using a
// cached translation until the IOTLB is flushed. Flushing on every unmap is
// expensive, so flushes are issued once per Threshold notifications.
package invalidate

import (
	"fmt"
	"sync"
)

// DefaultThreshold is the number of notifications per flush.
const DefaultThreshold = 128

// Flusher invalidates the device's translation cache.
type Flusher interface {
	FlushIOTLB() error
}

// FlusherFunc adapts a function to a Flusher.
type FlusherFunc func() error

// FlushIOTLB implements Flusher.FlushIOTLB.
func (f FlusherFunc) FlushIOTLB() error {
	return f()
}

// NopFlusher is a Flusher that does nothing, for tables no device walks.
type NopFlusher struct{}

// FlushIOTLB implements Flusher.FlushIOTLB.
func (NopFlusher) FlushIOTLB() error {
	return nil
}

// Batcher counts unmap notifications and flushes every Threshold of them.
//
// Batcher is safe for concurrent use.
type Batcher struct {
	threshold uint64
	flusher   Flusher

	mu sync.Mutex

	// pending is the number of notifications since the last flush.
	pending uint64

	// flushes is the number of flushes issued.
	flushes uint64
}

// NewBatcher returns a Batcher. A zero threshold means DefaultThreshold.
func NewBatcher(threshold uint64, f Flusher) *Batcher {
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if f == nil {
		f = NopFlusher{}
	}
	return &Batcher{threshold: threshold, flusher: f}
}

// Notify records one notification and flushes when the threshold is reached.
// It returns true iff a flush was issued.
//
// The counter is reset before flushing, so a failed flush is not retried
// until the threshold is reached again.
func (b *Batcher) Notify() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending++
	if b.pending < b.threshold {
		return false, nil
	}
	b.pending = 0
	b.flushes++
	if err := b.flusher.FlushIOTLB(); err != nil {
		return true, fmt.Errorf("flushing IOTLB: %w", err)
	}
	return true, nil
}

// Pending returns the number of notifications since the last flush.
func (b *Batcher) Pending() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Flushes returns the number of flushes issued.
func (b *Batcher) Flushes() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushes
}

// Threshold returns the number of notifications per flush.
func (b *Batcher) Threshold() uint64 {
	return b.threshold
}
