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
	"fmt"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/bittervan/iommu-driver/pkg/iommu"
	"github.com/bittervan/iommu-driver/pkg/iommu/invalidate"
	"github.com/bittervan/iommu-driver/pkg/iommu/pagetables"
	"github.com/bittervan/iommu-driver/pkg/iommu/refindex"
)

// fileFlagName names the flag pointing at a TOML configuration file. It is
// not part of Config.
const fileFlagName = "config"

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String(fileFlagName, "", "path to a TOML file with configuration values. Flags given on the command line take precedence.")

	// Index flags.
	flagSet.Var(indexKindPtr(refindex.Flat), "index", "reference-count index backend: flat (default), avl, chain, btree.")
	flagSet.Int("index-slots", refindex.DefaultSlots, "number of slots of the flat index, rounded up to a power of two.")
	flagSet.Float64("max-load", refindex.DefaultMaxLoad, "fraction of flat index slots that may be in use.")
	flagSet.Int("buckets", refindex.DefaultBuckets, "number of buckets of the chained index, rounded up to a power of two.")

	// Domain flags.
	flagSet.Uint64("flush-threshold", invalidate.DefaultThreshold, "number of unmap calls per IOTLB flush.")
	flagSet.Var(underflowPolicyPtr(iommu.UnderflowTolerant), "underflow", "handling of unmaps of unreferenced pages: tolerant (default), strict.")

	// Directory page flags.
	flagSet.Var(allocatorKindPtr(AllocatorRuntime), "allocator", "directory page allocator: runtime (default), mmap.")
	flagSet.Uint64("arena-base", pagetables.DefaultArenaBase, "physical address of the first directory page.")
	flagSet.Int("max-directory-pages", 0, "maximum number of directory pages, 0 for no limit.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")
}

func indexKindPtr(k refindex.Kind) *refindex.Kind {
	return &k
}

func underflowPolicyPtr(p iommu.UnderflowPolicy) *iommu.UnderflowPolicy {
	return &p
}

// flagValue returns the typed value of a registered flag.
func flagValue(flagSet *flag.FlagSet, name string) reflect.Value {
	fl := flagSet.Lookup(name)
	if fl == nil {
		panic(fmt.Sprintf("Flag %q not found", name))
	}
	return reflect.ValueOf(fl.Value.(flag.Getter).Get())
}

// NewFromFlags creates a new Config. Values come from the command line flags
// that were set, then from the configuration file if one is given, then from
// the flag defaults.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	fields := make(map[string]int)
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fields[name] = i
		obj.Field(i).Set(flagValue(flagSet, name))
	}

	if path := flagSet.Lookup(fileFlagName).Value.String(); path != "" {
		if err := conf.loadFile(path); err != nil {
			return nil, err
		}
		// Explicit flags win over the file.
		flagSet.Visit(func(fl *flag.Flag) {
			if i, ok := fields[fl.Name]; ok {
				obj.Field(i).Set(flagValue(flagSet, fl.Name))
			}
		})
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// loadFile decodes the TOML file at path over c. Unknown keys are rejected.
func (c *Config) loadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("loading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %q: unknown keys %v", path, undecoded)
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(field.Float(), 'g', -1, 64)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
