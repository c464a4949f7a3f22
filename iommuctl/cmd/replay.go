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
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/bittervan/iommu-driver/iommuctl/cmd/util"
	"github.com/bittervan/iommu-driver/iommuctl/config"
	"github.com/bittervan/iommu-driver/pkg/iommu"
	"github.com/bittervan/iommu-driver/pkg/iommu/device"
	"github.com/bittervan/iommu-driver/pkg/log"
	"github.com/bittervan/iommu-driver/pkg/metric"
)

// defaultContextTable is the physical address of the device context table
// when none is given.
const defaultContextTable = 0x8fe00000

type dumpFunc func(io.Writer, []iommu.Mapping) error

var dumpMap = map[string]dumpFunc{
	"table": dumpTable,
	"json":  dumpJSON,
	"csv":   dumpCSV,
}

// ReplayCmd implements subcommands.Command for the "replay" command.
type ReplayCmd struct {
	dump          string
	metrics       bool
	simulate      bool
	contextTable  uint64
	allowFailures bool
}

// Name implements subcommands.Command.Name.
func (*ReplayCmd) Name() string {
	return "replay"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*ReplayCmd) Synopsis() string {
	return "Apply a trace of mapping operations to a new domain."
}

// Usage implements subcommands.Command.Usage.
func (*ReplayCmd) Usage() string {
	return `replay [flags] <trace.yaml> - Apply a trace of mapping operations to a new domain.

The trace is a YAML document with a list of operations:

  ops:
    - {op: create, iova: 0x1000, physical: 0x80001000, size: 0x2000, perms: rw}
    - {op: expect, iova: 0x1000, refs: 1, physical: 0x80001000}
    - {op: remove, iova: 0x1000, size: 0x2000}

The domain lives in this process: its directory pages and the device
context table are ordinary memory, not the physical addresses the device
would read. Replay therefore only drives a simulated IOMMU (-simulate) and
never real hardware registers.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *ReplayCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.dump, "dump", "", "print the final mappings (table, csv, json).")
	f.BoolVar(&r.metrics, "metrics", false, "print domain metrics in Prometheus text format.")
	f.BoolVar(&r.simulate, "simulate", false, "attach the domain to a simulated IOMMU and print its register writes.")
	f.Uint64Var(&r.contextTable, "context-table", defaultContextTable, "physical address of the device context table.")
	f.BoolVar(&r.allowFailures, "allow-failures", false, "succeed even if trace operations fail.")
}

// Execute implements subcommands.Command.Execute.
func (r *ReplayCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	var dump dumpFunc
	if r.dump != "" {
		var ok bool
		if dump, ok = dumpMap[r.dump]; !ok {
			return util.Errorf("unsupported dump format %q", r.dump)
		}
	}

	trace, err := ReadTraceFile(f.Arg(0))
	if err != nil {
		return util.Errorf("reading trace: %v", err)
	}

	dargs := domainArgs{
		conf:          conf,
		metrics:       metric.NewRegistry(),
		tablePhysical: uintptr(r.contextTable),
	}
	var sim *device.MemRegisters
	if r.simulate {
		sim = &device.MemRegisters{}
		dargs.regs = sim
	}

	d, _, release, err := newDomain(dargs)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer release()

	res := Replay(d, trace)
	stats := d.Stats()
	log.Infof("Replayed %d ops: %d failed (%d pages), %d expectations not met", res.Ops, res.Errors, res.PageFailures, len(res.Mismatches))
	util.Writef("ops: %d, errors: %d, page failures: %d, mismatches: %d", res.Ops, res.Errors, res.PageFailures, len(res.Mismatches))
	util.Writef("live pages: %d, directory pages: %d, flushes: %d, pending invalidations: %d", stats.LivePages, stats.DirectoryPages, stats.Flushes, stats.PendingInvalidations)
	for _, m := range res.Mismatches {
		util.Writef("  %s", m)
	}

	if sim != nil {
		for _, w := range sim.Writes() {
			util.Writef("write %#03x <- %#08x", w.Offset, w.Value)
		}
	}
	if dump != nil {
		var mappings []iommu.Mapping
		d.Walk(func(m iommu.Mapping) bool {
			mappings = append(mappings, m)
			return true
		})
		if err := dump(os.Stdout, mappings); err != nil {
			return util.Errorf("writing mappings: %v", err)
		}
	}
	if r.metrics {
		if err := d.Metrics().WritePrometheus(os.Stdout); err != nil {
			return util.Errorf("writing metrics: %v", err)
		}
	}

	if len(res.Mismatches) > 0 || (res.Errors > 0 && !r.allowFailures) {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func dumpTable(w io.Writer, mappings []iommu.Mapping) error {
	tw := tabwriter.NewWriter(w, 0, 2, 1, ' ', 0)
	fmt.Fprintln(tw, "IOVA\tPHYSICAL\tPERMS\tUSER\tGLOBAL\tREFS")
	for _, m := range mappings {
		fmt.Fprintf(tw, "%#x\t%#x\t%s\t%t\t%t\t%d\n", uint64(m.IOVA), m.Physical, m.Opts.AccessType, m.Opts.User, m.Opts.Global, m.Refs)
	}
	return tw.Flush()
}

type jsonMapping struct {
	IOVA     string `json:"iova"`
	Physical string `json:"physical"`
	Perms    string `json:"perms"`
	User     bool   `json:"user,omitempty"`
	Global   bool   `json:"global,omitempty"`
	Refs     uint32 `json:"refs"`
}

func dumpJSON(w io.Writer, mappings []iommu.Mapping) error {
	out := make([]jsonMapping, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, jsonMapping{
			IOVA:     fmt.Sprintf("%#x", uint64(m.IOVA)),
			Physical: fmt.Sprintf("%#x", m.Physical),
			Perms:    m.Opts.AccessType.String(),
			User:     m.Opts.User,
			Global:   m.Opts.Global,
			Refs:     m.Refs,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func dumpCSV(w io.Writer, mappings []iommu.Mapping) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write([]string{"iova", "physical", "perms", "user", "global", "refs"}); err != nil {
		return err
	}
	for _, m := range mappings {
		if err := csvWriter.Write([]string{
			fmt.Sprintf("%#x", uint64(m.IOVA)),
			fmt.Sprintf("%#x", m.Physical),
			m.Opts.AccessType.String(),
			strconv.FormatBool(m.Opts.User),
			strconv.FormatBool(m.Opts.Global),
			strconv.FormatUint(uint64(m.Refs), 10),
		}); err != nil {
			return err
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}
