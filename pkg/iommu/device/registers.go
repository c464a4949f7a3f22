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
	"encoding/binary"
	"sync"
)

// Access is a register write recorded by MemRegisters.
type Access struct {
	Offset uintptr
	Value  uint32
}

// MemRegisters is an in-memory register block. It records every write.
type MemRegisters struct {
	mu     sync.Mutex
	data   [MMIOSize]byte
	writes []Access
}

// Read32 implements Registers.Read32.
func (m *MemRegisters) Read32(offset uintptr) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return binary.LittleEndian.Uint32(m.data[offset:])
}

// Write32 implements Registers.Write32.
func (m *MemRegisters) Write32(offset uintptr, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	binary.LittleEndian.PutUint32(m.data[offset:], v)
	m.writes = append(m.writes, Access{Offset: offset, Value: v})
}

// Read64 implements Registers.Read64.
func (m *MemRegisters) Read64(offset uintptr) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return binary.LittleEndian.Uint64(m.data[offset:])
}

// Set64 sets a register without recording a write, as the hardware would.
func (m *MemRegisters) Set64(offset uintptr, v uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	binary.LittleEndian.PutUint64(m.data[offset:], v)
}

// Writes returns the writes made so far, in order.
func (m *MemRegisters) Writes() []Access {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Access(nil), m.writes...)
}
