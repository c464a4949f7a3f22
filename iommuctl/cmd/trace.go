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

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bittervan/iommu-driver/pkg/hostarch"
	"github.com/bittervan/iommu-driver/pkg/iommu"
	"github.com/bittervan/iommu-driver/pkg/iommu/pagetables"
	"github.com/bittervan/iommu-driver/pkg/log"
)

// Trace operation names.
const (
	opCreate = "create"
	opRemove = "remove"
	opExpect = "expect"
)

// Trace is a sequence of domain operations, as read from a YAML file:
//
//	ops:
//	  - {op: create, iova: 0x1000, physical: 0x80001000, size: 0x2000, perms: rw}
//	  - {op: expect, iova: 0x1000, refs: 1, physical: 0x80001000}
//	  - {op: remove, iova: 0x1000, size: 0x2000}
type Trace struct {
	Ops []TraceOp `yaml:"ops"`
}

// TraceOp is a single trace operation.
type TraceOp struct {
	// Op is create, remove or expect.
	Op string `yaml:"op"`

	// IOVA is the first address of the range, or the address checked by
	// expect.
	IOVA uint64 `yaml:"iova"`

	// Size is the length of a create or remove range.
	Size uint64 `yaml:"size,omitempty"`

	// Physical is the address IOVA maps to. For expect it is only checked if
	// set.
	Physical *uint64 `yaml:"physical,omitempty"`

	// Perms are the create permissions, any of "rwxug". Empty means "rw".
	Perms string `yaml:"perms,omitempty"`

	// Refs is the reference count expected at IOVA. Zero means unmapped.
	Refs *uint32 `yaml:"refs,omitempty"`
}

// String implements fmt.Stringer.
func (op *TraceOp) String() string {
	if op.Op == opExpect {
		return fmt.Sprintf("%s %#x", op.Op, op.IOVA)
	}
	return fmt.Sprintf("%s [%#x, +%#x)", op.Op, op.IOVA, op.Size)
}

func parsePerms(s string) (pagetables.MapOpts, error) {
	if s == "" {
		return pagetables.MapOpts{AccessType: hostarch.ReadWrite}, nil
	}
	var opts pagetables.MapOpts
	for _, c := range s {
		switch c {
		case 'r':
			opts.AccessType.Read = true
		case 'w':
			opts.AccessType.Write = true
		case 'x':
			opts.AccessType.Execute = true
		case 'u':
			opts.User = true
		case 'g':
			opts.Global = true
		case '-':
		default:
			return pagetables.MapOpts{}, fmt.Errorf("invalid permission %q in %q", c, s)
		}
	}
	return opts, nil
}

func (op *TraceOp) validate() error {
	switch op.Op {
	case opCreate:
		if op.Physical == nil {
			return fmt.Errorf("%v: missing physical address", op)
		}
		if _, err := parsePerms(op.Perms); err != nil {
			return fmt.Errorf("%v: %w", op, err)
		}
	case opRemove:
	case opExpect:
		if op.Refs == nil && op.Physical == nil {
			return fmt.Errorf("%v: nothing to check", op)
		}
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
	return nil
}

// ReadTrace decodes and validates a trace. Unknown fields are rejected.
func ReadTrace(r io.Reader) (*Trace, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	t := &Trace{}
	if err := dec.Decode(t); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding trace: %w", err)
	}
	for i := range t.Ops {
		if err := t.Ops[i].validate(); err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
	}
	return t, nil
}

// ReadTraceFile reads a trace from path.
func ReadTraceFile(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTrace(f)
}

// ReplayResult summarizes a replay.
type ReplayResult struct {
	// Ops is the number of operations applied.
	Ops int

	// Errors is the number of create and remove operations that returned an
	// error.
	Errors int

	// PageFailures is the number of pages that failed in those operations.
	PageFailures int

	// Mismatches lists the failed expectations.
	Mismatches []string
}

// Replay applies t to d. Operation errors are logged and counted; replay
// continues past them.
func Replay(d *iommu.Domain, t *Trace) ReplayResult {
	var res ReplayResult
	for i := range t.Ops {
		op := &t.Ops[i]
		res.Ops++

		var err error
		switch op.Op {
		case opCreate:
			opts, _ := parsePerms(op.Perms)
			err = d.CreateMapping(hostarch.Addr(op.IOVA), uintptr(*op.Physical), op.Size, opts)
		case opRemove:
			err = d.RemoveMapping(hostarch.Addr(op.IOVA), op.Size)
		case opExpect:
			if msg := check(d, op); msg != "" {
				log.Warningf("op %d: %s", i, msg)
				res.Mismatches = append(res.Mismatches, fmt.Sprintf("op %d: %s", i, msg))
			}
			continue
		}
		if err == nil {
			continue
		}
		log.Warningf("op %d: %v: %v", i, op, err)
		res.Errors++
		var me *iommu.MapError
		if errors.As(err, &me) {
			res.PageFailures += len(me.Failures)
		} else {
			res.PageFailures++
		}
	}
	return res
}

func check(d *iommu.Domain, op *TraceOp) string {
	addr := hostarch.Addr(op.IOVA)
	if op.Refs != nil {
		if got := d.RefCount(addr); got != *op.Refs {
			return fmt.Sprintf("%v: refs = %d, want %d", op, got, *op.Refs)
		}
	}
	if op.Physical != nil {
		got, ok := d.Translate(addr)
		if !ok {
			return fmt.Sprintf("%v: not mapped, want %#x", op, *op.Physical)
		}
		if uint64(got) != *op.Physical {
			return fmt.Sprintf("%v: translates to %#x, want %#x", op, got, *op.Physical)
		}
	}
	return ""
}
