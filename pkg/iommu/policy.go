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

package iommu

import (
	"fmt"
	"strings"
)

// UnderflowPolicy decides how RemoveMapping treats pages that hold no
// references.
type UnderflowPolicy int

const (
	// UnderflowTolerant ignores such pages. They are still counted and
	// logged at debug level.
	UnderflowTolerant UnderflowPolicy = iota

	// UnderflowStrict reports such pages as ErrUnderflow.
	UnderflowStrict
)

// String implements fmt.Stringer.
func (p UnderflowPolicy) String() string {
	switch p {
	case UnderflowTolerant:
		return "tolerant"
	case UnderflowStrict:
		return "strict"
	default:
		return fmt.Sprintf("UnderflowPolicy(%d)", int(p))
	}
}

// Set implements flag.Value.
func (p *UnderflowPolicy) Set(v string) error {
	switch strings.ToLower(v) {
	case "tolerant":
		*p = UnderflowTolerant
	case "strict":
		*p = UnderflowStrict
	default:
		return fmt.Errorf("invalid underflow policy %q, must be tolerant or strict", v)
	}
	return nil
}

// Get implements flag.Getter.
func (p *UnderflowPolicy) Get() any {
	return *p
}

// MarshalText implements encoding.TextMarshaler.
func (p UnderflowPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *UnderflowPolicy) UnmarshalText(b []byte) error {
	return p.Set(string(b))
}
