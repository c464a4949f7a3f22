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

// Package config provides basic infrastructure to set configuration settings
// for iommuctl. The configuration is set by flags to the command line, or by
// a TOML file whose values flags override.
package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mohae/deepcopy"

	"github.com/bittervan/iommu-driver/pkg/hostarch"
	"github.com/bittervan/iommu-driver/pkg/iommu"
	"github.com/bittervan/iommu-driver/pkg/iommu/refindex"
	"github.com/bittervan/iommu-driver/pkg/log"
)

// Config holds configuration that is not part of a command's own flags.
type Config struct {
	// Index is the reference-count index backend.
	Index refindex.Kind `flag:"index" toml:"index"`

	// IndexSlots is the capacity of the flat index.
	IndexSlots int `flag:"index-slots" toml:"index-slots"`

	// MaxLoad is the fraction of flat index slots that may be used.
	MaxLoad float64 `flag:"max-load" toml:"max-load"`

	// Buckets is the bucket count of the chained index.
	Buckets int `flag:"buckets" toml:"buckets"`

	// FlushThreshold is the number of unmap calls per IOTLB flush.
	FlushThreshold uint64 `flag:"flush-threshold" toml:"flush-threshold"`

	// Underflow is the policy for removing unreferenced pages.
	Underflow iommu.UnderflowPolicy `flag:"underflow" toml:"underflow"`

	// Allocator selects where directory pages are allocated.
	Allocator AllocatorKind `flag:"allocator" toml:"allocator"`

	// ArenaBase is the physical address of the first directory page.
	ArenaBase uint64 `flag:"arena-base" toml:"arena-base"`

	// MaxDirectoryPages limits the number of directory pages. Zero means no
	// limit.
	MaxDirectoryPages int `flag:"max-directory-pages" toml:"max-directory-pages"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format" toml:"log-format"`
}

func (c *Config) validate() error {
	if c.IndexSlots < 2 {
		return fmt.Errorf("index-slots must be at least 2, got %d", c.IndexSlots)
	}
	if c.MaxLoad <= 0 || c.MaxLoad > 1 {
		return fmt.Errorf("max-load must be in (0, 1], got %v", c.MaxLoad)
	}
	if c.Buckets < 1 {
		return fmt.Errorf("buckets must be positive, got %d", c.Buckets)
	}
	if c.FlushThreshold == 0 {
		return fmt.Errorf("flush-threshold must be positive")
	}
	if !hostarch.Addr(c.ArenaBase).IsPageAligned() {
		return fmt.Errorf("arena-base %#x is not page aligned", c.ArenaBase)
	}
	if c.MaxDirectoryPages < 0 {
		return fmt.Errorf("max-directory-pages must not be negative, got %d", c.MaxDirectoryPages)
	}
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log-format %q, must be text, json or logrus", c.LogFormat)
	}
	return nil
}

// Log logs the configuration at info level.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name := st.Field(i).Tag.Get("flag")
		log.Infof("  %s: %s", name, getVal(obj.Field(i)))
	}
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// DomainOptions returns the iommu.Options described by c. The allocator,
// flusher, metrics and logger are left to the caller.
func (c *Config) DomainOptions() iommu.Options {
	return iommu.Options{
		Index: refindex.Config{
			Kind:    c.Index,
			Slots:   c.IndexSlots,
			MaxLoad: c.MaxLoad,
			Buckets: c.Buckets,
		},
		FlushThreshold: c.FlushThreshold,
		Underflow:      c.Underflow,
	}
}

// AllocatorKind selects a directory page allocator.
type AllocatorKind int

const (
	// AllocatorRuntime allocates directory pages on the Go heap.
	AllocatorRuntime AllocatorKind = iota

	// AllocatorMmap allocates directory pages from anonymous mappings.
	AllocatorMmap
)

func allocatorKindPtr(k AllocatorKind) *AllocatorKind {
	return &k
}

// Set implements flag.Value.
func (k *AllocatorKind) Set(v string) error {
	switch strings.ToLower(v) {
	case "runtime":
		*k = AllocatorRuntime
	case "mmap":
		*k = AllocatorMmap
	default:
		return fmt.Errorf("invalid allocator %q, must be runtime or mmap", v)
	}
	return nil
}

// Get implements flag.Getter.
func (k *AllocatorKind) Get() any {
	return *k
}

// String implements flag.Value.
func (k AllocatorKind) String() string {
	switch k {
	case AllocatorRuntime:
		return "runtime"
	case AllocatorMmap:
		return "mmap"
	default:
		panic(fmt.Sprintf("Invalid allocator kind %d", int(k)))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *AllocatorKind) UnmarshalText(b []byte) error {
	return k.Set(string(b))
}

// MarshalText implements encoding.TextMarshaler.
func (k AllocatorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}
