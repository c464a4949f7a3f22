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
	"errors"
	"fmt"
	"strings"

	"github.com/bittervan/iommu-driver/pkg/hostarch"
)

var (
	// ErrUnderflow is reported under UnderflowStrict when a page is removed
	// that holds no references.
	ErrUnderflow = errors.New("reference count underflow")

	// ErrInvalidRange is returned when a range wraps the address space.
	ErrInvalidRange = errors.New("invalid address range")
)

// PageError is the failure of a single page of a mapping operation.
type PageError struct {
	Addr hostarch.Addr
	Err  error
}

// Error implements error.Error.
func (e *PageError) Error() string {
	return fmt.Sprintf("%v: %v", e.Addr, e.Err)
}

// Unwrap returns the underlying error.
func (e *PageError) Unwrap() error {
	return e.Err
}

// maxReportedPages bounds the number of page failures spelled out by
// MapError.Error.
const maxReportedPages = 4

// MapError reports the pages of a CreateMapping or RemoveMapping call that
// failed. Pages not listed were processed normally.
type MapError struct {
	// Op is the failed operation.
	Op string

	// Range is the page-aligned range of the call.
	Range hostarch.AddrRange

	// Failures lists failed pages in address order.
	Failures []*PageError
}

// Error implements error.Error.
func (e *MapError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %v: %d of %d pages failed", e.Op, e.Range, len(e.Failures), e.Range.Pages())
	for i, f := range e.Failures {
		if i == maxReportedPages {
			fmt.Fprintf(&b, "; and %d more", len(e.Failures)-i)
			break
		}
		b.WriteString("; ")
		b.WriteString(f.Error())
	}
	return b.String()
}

// Unwrap returns the page errors, so that errors.Is and errors.As match any
// of them.
func (e *MapError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// err returns e if any page failed, and nil otherwise.
func (e *MapError) err() error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e
}
