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
	"os"
	"path/filepath"
	"testing"
)

func TestOpenMMIO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regs")
	// The second page holds the register block.
	if err := os.WriteFile(path, make([]byte, 2*MMIOSize), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m, err := OpenMMIO(path, MMIOSize)
	if err != nil {
		t.Fatalf("OpenMMIO: %v", err)
	}
	m.Write32(RegDDTPLow, 0x8fe00001)
	m.Write32(RegDDTPHigh, 0x2)
	if got, want := m.Read64(RegDDTPLow), uint64(0x2_8fe00001); got != want {
		t.Errorf("Read64(DDTP) = %#x, want %#x", got, want)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := binary.LittleEndian.Uint32(data[MMIOSize+RegDDTPLow:]); got != 0x8fe00001 {
		t.Errorf("DDTP low in file = %#x, want 0x8fe00001", got)
	}
	if got := binary.LittleEndian.Uint32(data[RegDDTPLow:]); got != 0 {
		t.Errorf("write landed outside the register block: %#x", got)
	}
}

func TestOpenMMIOMissing(t *testing.T) {
	if _, err := OpenMMIO(filepath.Join(t.TempDir(), "missing"), 0); err == nil {
		t.Errorf("OpenMMIO of a missing file succeeded")
	}
}
