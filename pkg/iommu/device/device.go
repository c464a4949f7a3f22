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

// Package device programs the IOMMU hardware: it points the device directory
// at a context table whose single entry translates through the domain's page
// tables, and issues IOTLB flushes.
//
// The IOTLB is flushed through a dedicated register rather than the command
// queue. Capabilities are not probed; Sv39 is assumed.
package device

import (
	"fmt"

	"github.com/bittervan/iommu-driver/pkg/hostarch"
	"github.com/bittervan/iommu-driver/pkg/log"
)

// Offsets of the registers used, in the IOMMU's MMIO block.
const (
	RegCapabilities = 0x00
	RegFctl         = 0x08
	RegFlush        = 0x0c
	RegDDTPLow      = 0x10
	RegDDTPHigh     = 0x14

	// MMIOSize is the size of the register block.
	MMIOSize = 0x1000
)

// Device directory table pointer modes.
const (
	DDTPModeOff    = 0
	DDTPModeBare   = 1
	DDTPMode1Level = 2
	DDTPMode2Level = 3
	DDTPMode3Level = 4
)

// First-stage translation modes.
const (
	FSCModeBare = 0
	FSCModeSv39 = 8
	FSCModeSv48 = 9
	FSCModeSv57 = 10
)

const (
	ppnShift     = 10
	fscModeShift = 60
)

// Registers accesses the IOMMU's register block.
type Registers interface {
	Read32(offset uintptr) uint32
	Write32(offset uintptr, v uint32)
	Read64(offset uintptr) uint64
}

// ContextDescriptor is an entry of the device context table.
type ContextDescriptor struct {
	// FSC selects the first-stage translation mode and root page.
	FSC uint64

	// TA holds translation attributes.
	TA uint64

	// IOHGATP selects second-stage translation.
	IOHGATP uint64

	// TC is the translation control word.
	TC uint64
}

// ContextTable is a one-level device context table. It occupies one page.
type ContextTable [hostarch.PageSize / 32]ContextDescriptor

// Device is an IOMMU with a single translated device in context 0.
type Device struct {
	regs Registers

	// table is the device context table, and tablePhysical its physical
	// address.
	table         *ContextTable
	tablePhysical uintptr
}

// New returns a Device using regs, whose context table lives at
// tablePhysical. The table is not installed until Bootstrap.
func New(regs Registers, table *ContextTable, tablePhysical uintptr) (*Device, error) {
	if !hostarch.Addr(tablePhysical).IsPageAligned() {
		return nil, fmt.Errorf("context table at %#x is not page aligned", tablePhysical)
	}
	return &Device{regs: regs, table: table, tablePhysical: tablePhysical}, nil
}

// DDTP returns the device directory table pointer value for the table.
func (d *Device) DDTP() uint64 {
	return DDTPMode1Level | uint64(d.tablePhysical>>hostarch.PageShift)<<ppnShift
}

// Bootstrap makes context 0 translate through the page tables rooted at
// rootPhysical, installs the context table and flushes the IOTLB.
func (d *Device) Bootstrap(rootPhysical uintptr) error {
	if !hostarch.Addr(rootPhysical).IsPageAligned() {
		return fmt.Errorf("page table root at %#x is not page aligned", rootPhysical)
	}
	// The context must be complete before the device can see the table.
	d.table[0] = ContextDescriptor{
		FSC: FSCModeSv39<<fscModeShift | uint64(rootPhysical>>hostarch.PageShift),
	}

	ddtp := d.DDTP()
	log.Debugf("IOMMU before bootstrap: ddtp %#08x%08x, flush %#x", d.regs.Read32(RegDDTPHigh), d.regs.Read32(RegDDTPLow), d.regs.Read32(RegFlush))
	d.regs.Write32(RegDDTPHigh, uint32(ddtp>>32))
	d.regs.Write32(RegDDTPLow, uint32(ddtp))
	if err := d.FlushIOTLB(); err != nil {
		return err
	}
	log.Infof("IOMMU enabled: capabilities %#x, ddtp %#x, root %#x", d.regs.Read64(RegCapabilities), ddtp, rootPhysical)
	return nil
}

// FlushIOTLB implements invalidate.Flusher.FlushIOTLB.
func (d *Device) FlushIOTLB() error {
	d.regs.Write32(RegFlush, 1)
	return nil
}

// Context returns context descriptor 0.
func (d *Device) Context() ContextDescriptor {
	return d.table[0]
}
