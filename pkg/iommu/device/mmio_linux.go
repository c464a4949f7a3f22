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

package device

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MMIO is a register block mapped from a device file, such as /dev/mem or a
// UIO region.
type MMIO struct {
	mem []byte
}

// OpenMMIO maps the register block at offset in the file at path.
func OpenMMIO(path string, offset int64) (*MMIO, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// The mapping stays valid once the file is closed.
	defer unix.Close(fd)

	mem, err := unix.Mmap(fd, offset, MMIOSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping %s at %#x: %w", path, offset, err)
	}
	return &MMIO{mem: mem}, nil
}

func (m *MMIO) reg32(offset uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(&m.mem[offset]))
}

// Read32 implements Registers.Read32.
func (m *MMIO) Read32(offset uintptr) uint32 {
	return atomic.LoadUint32(m.reg32(offset))
}

// Write32 implements Registers.Write32.
func (m *MMIO) Write32(offset uintptr, v uint32) {
	atomic.StoreUint32(m.reg32(offset), v)
}

// Read64 implements Registers.Read64.
func (m *MMIO) Read64(offset uintptr) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&m.mem[offset])))
}

// Close unmaps the register block.
func (m *MMIO) Close() error {
	return unix.Munmap(m.mem)
}
