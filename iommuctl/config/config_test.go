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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bittervan/iommu-driver/pkg/iommu"
	"github.com/bittervan/iommu-driver/pkg/iommu/pagetables"
	"github.com/bittervan/iommu-driver/pkg/iommu/refindex"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return NewFromFlags(flagSet)
}

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "iommuctl.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := parse(t)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	want := &Config{
		Index:          refindex.Flat,
		IndexSlots:     refindex.DefaultSlots,
		MaxLoad:        refindex.DefaultMaxLoad,
		Buckets:        refindex.DefaultBuckets,
		FlushThreshold: 128,
		Underflow:      iommu.UnderflowTolerant,
		Allocator:      AllocatorRuntime,
		ArenaBase:      pagetables.DefaultArenaBase,
		LogFormat:      "text",
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("default config mismatch (-want +got):\n%s", diff)
	}
	if flags := c.ToFlags(); len(flags) != 0 {
		t.Errorf("ToFlags() = %v, want none", flags)
	}
}

func TestFromFlags(t *testing.T) {
	c, err := parse(t, "--index=btree", "--flush-threshold=16", "--underflow=strict", "--allocator=mmap", "--debug")
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if c.Index != refindex.BTree {
		t.Errorf("Index = %v, want btree", c.Index)
	}
	if c.FlushThreshold != 16 {
		t.Errorf("FlushThreshold = %d, want 16", c.FlushThreshold)
	}
	if c.Underflow != iommu.UnderflowStrict {
		t.Errorf("Underflow = %v, want strict", c.Underflow)
	}
	if c.Allocator != AllocatorMmap {
		t.Errorf("Allocator = %v, want mmap", c.Allocator)
	}
	if !c.Debug {
		t.Errorf("Debug = false, want true")
	}
}

func TestInvalidFlag(t *testing.T) {
	flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
	flagSet.SetOutput(&strings.Builder{})
	RegisterFlags(flagSet)
	for _, arg := range []string{"--index=skiplist", "--underflow=loud", "--allocator=heap"} {
		if err := flagSet.Parse([]string{arg}); err == nil {
			t.Errorf("Parse(%q) succeeded", arg)
		}
	}
}

func TestValidate(t *testing.T) {
	for _, args := range [][]string{
		{"--index-slots=1"},
		{"--max-load=0"},
		{"--max-load=1.5"},
		{"--buckets=0"},
		{"--flush-threshold=0"},
		{"--arena-base=4097"},
		{"--max-directory-pages=-1"},
		{"--log-format=xml"},
	} {
		if _, err := parse(t, args...); err == nil {
			t.Errorf("NewFromFlags(%v) succeeded", args)
		}
	}
}

func TestFile(t *testing.T) {
	path := writeFile(t, `
index = "avl"
flush-threshold = 32
max-directory-pages = 64
log-format = "json"
`)
	c, err := parse(t, "--config="+path)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if c.Index != refindex.AVL {
		t.Errorf("Index = %v, want avl", c.Index)
	}
	if c.FlushThreshold != 32 {
		t.Errorf("FlushThreshold = %d, want 32", c.FlushThreshold)
	}
	if c.MaxDirectoryPages != 64 {
		t.Errorf("MaxDirectoryPages = %d, want 64", c.MaxDirectoryPages)
	}
	if c.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", c.LogFormat)
	}
	// Keys absent from the file keep their defaults.
	if c.IndexSlots != refindex.DefaultSlots {
		t.Errorf("IndexSlots = %d, want %d", c.IndexSlots, refindex.DefaultSlots)
	}
}

func TestFlagOverridesFile(t *testing.T) {
	path := writeFile(t, `
index = "avl"
flush-threshold = 32
`)
	c, err := parse(t, "--flush-threshold=8", "--config="+path)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if c.Index != refindex.AVL {
		t.Errorf("Index = %v, want avl", c.Index)
	}
	if c.FlushThreshold != 8 {
		t.Errorf("FlushThreshold = %d, want 8", c.FlushThreshold)
	}
}

func TestFileErrors(t *testing.T) {
	for name, contents := range map[string]string{
		"unknown key":  `frobnicate = true`,
		"bad kind":     `index = "skiplist"`,
		"syntax":       `index = `,
		"invalid file": `flush-threshold = 0`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := parse(t, "--config="+writeFile(t, contents)); err == nil {
				t.Errorf("NewFromFlags succeeded")
			}
		})
	}
	if _, err := parse(t, "--config="+filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("NewFromFlags with missing file succeeded")
	}
}

func TestToFlags(t *testing.T) {
	c, err := parse(t)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	c.Index = refindex.Chain
	c.Buckets = 64
	c.Underflow = iommu.UnderflowStrict
	c.Debug = true

	flags := c.ToFlags()
	want := []string{"--index=chain", "--buckets=64", "--underflow=strict", "--debug=true"}
	if diff := cmp.Diff(want, flags); diff != "" {
		t.Errorf("ToFlags() mismatch (-want +got):\n%s", diff)
	}

	// The flags reproduce the config.
	got, err := parse(t, flags...)
	if err != nil {
		t.Fatalf("NewFromFlags(%v): %v", flags, err)
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestCopy(t *testing.T) {
	c, err := parse(t)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	cp := c.Copy()
	if diff := cmp.Diff(c, cp); diff != "" {
		t.Errorf("Copy() mismatch (-want +got):\n%s", diff)
	}
	cp.Index = refindex.BTree
	if c.Index != refindex.Flat {
		t.Errorf("changing the copy changed the original")
	}
}

func TestDomainOptions(t *testing.T) {
	c, err := parse(t, "--index=chain", "--buckets=16", "--flush-threshold=4", "--max-directory-pages=3")
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	opts := c.DomainOptions()
	a, release, err := c.NewAllocator()
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	defer release()
	opts.Allocator = a

	d, err := iommu.NewDomain(opts)
	if err != nil {
		t.Fatalf("NewDomain: %v", err)
	}
	// The root takes one page, so one more leaf table fits.
	if err := d.CreateMapping(0, 0x90000000, 4096, pagetables.MapOpts{}); err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}
	if got := d.Stats().DirectoryPages; got != 3 {
		t.Errorf("DirectoryPages = %d, want 3", got)
	}
	if err := d.CreateMapping(1<<30, 0x90000000, 4096, pagetables.MapOpts{}); err == nil {
		t.Errorf("CreateMapping past the page limit succeeded")
	}
}
