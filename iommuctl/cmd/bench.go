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
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/bittervan/iommu-driver/iommuctl/cmd/util"
	"github.com/bittervan/iommu-driver/iommuctl/config"
	"github.com/bittervan/iommu-driver/pkg/hostarch"
	"github.com/bittervan/iommu-driver/pkg/iommu"
	"github.com/bittervan/iommu-driver/pkg/iommu/pagetables"
	"github.com/bittervan/iommu-driver/pkg/iommu/refindex"
	"github.com/bittervan/iommu-driver/pkg/log"
	"github.com/bittervan/iommu-driver/pkg/metric"
)

// BenchCmd implements subcommands.Command for the "bench" command.
type BenchCmd struct {
	indexes string
	workload
}

// workload describes the mapping churn run against each domain.
type workload struct {
	workers  int
	ops      int
	maxPages int
	span     int
	seed     int64
}

// benchResult is the outcome of one run.
type benchResult struct {
	kind         refindex.Kind
	elapsed      time.Duration
	ops          int
	pageFailures int
	stats        iommu.Stats
}

// Name implements subcommands.Command.Name.
func (*BenchCmd) Name() string {
	return "bench"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*BenchCmd) Synopsis() string {
	return "Compare reference-count index backends under concurrent mapping churn."
}

// Usage implements subcommands.Command.Usage.
func (*BenchCmd) Usage() string {
	return `bench [flags] - Compare reference-count index backends under concurrent mapping churn.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *BenchCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.indexes, "indexes", "flat,avl,chain,btree", "comma-separated index backends to run.")
	f.IntVar(&b.workers, "workers", 4, "number of concurrent workers.")
	f.IntVar(&b.ops, "ops", 10000, "number of create/remove pairs per worker.")
	f.IntVar(&b.maxPages, "max-pages", 8, "maximum pages per mapping.")
	f.IntVar(&b.span, "span", 4096, "number of pages of IOVA space the workers share.")
	f.Int64Var(&b.seed, "seed", 1, "random seed.")
}

// Execute implements subcommands.Command.Execute.
func (b *BenchCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if b.workers < 1 || b.ops < 1 || b.maxPages < 1 || b.span < b.maxPages {
		return util.Errorf("invalid workload: workers %d, ops %d, max-pages %d, span %d", b.workers, b.ops, b.maxPages, b.span)
	}
	conf := args[0].(*config.Config)

	var kinds []refindex.Kind
	for _, name := range strings.Split(b.indexes, ",") {
		var k refindex.Kind
		if err := k.Set(strings.TrimSpace(name)); err != nil {
			return util.Errorf("%v", err)
		}
		kinds = append(kinds, k)
	}

	var results []benchResult
	for _, k := range kinds {
		c := conf.Copy()
		c.Index = k
		log.Infof("Running %s with %v", k, c.ToFlags())
		res, err := b.run(ctx, c)
		if err != nil {
			return util.Errorf("%s: %v", k, err)
		}
		results = append(results, res)
	}
	if err := writeResults(os.Stdout, results); err != nil {
		return util.Errorf("writing results: %v", err)
	}
	return subcommands.ExitSuccess
}

// run churns a new domain built from conf. Every worker removes what it
// created, so the domain must end up empty.
func (w *workload) run(ctx context.Context, conf *config.Config) (benchResult, error) {
	// Churn produces a debug line per operation.
	d, _, release, err := newDomain(domainArgs{
		conf:    conf,
		metrics: metric.NewRegistry(),
		logger:  log.BasicRateLimitedLogger(time.Second),
	})
	if err != nil {
		return benchResult{}, err
	}
	defer release()

	failures := make([]int, w.workers)
	g, ctx := errgroup.WithContext(ctx)
	start := time.Now()
	for i := 0; i < w.workers; i++ {
		i := i
		g.Go(func() error {
			var err error
			failures[i], err = w.churn(ctx, d, rand.New(rand.NewSource(w.seed+int64(i))))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return benchResult{}, err
	}
	res := benchResult{
		kind:    conf.Index,
		elapsed: time.Since(start),
		ops:     w.workers * w.ops * 2,
		stats:   d.Stats(),
	}
	for _, n := range failures {
		res.pageFailures += n
	}
	if res.stats.LivePages != 0 {
		return res, fmt.Errorf("%d pages still referenced after all mappings were removed", res.stats.LivePages)
	}
	return res, nil
}

type region struct {
	iova hostarch.Addr
	size uint64
}

// churn creates mappings and removes a random earlier one after each, then
// removes the rest. It returns the number of pages that failed to map.
func (w *workload) churn(ctx context.Context, d *iommu.Domain, rng *rand.Rand) (int, error) {
	var (
		live     []region
		failures int
	)
	opts := pagetables.MapOpts{AccessType: hostarch.ReadWrite}
	remove := func(i int) error {
		r := live[i]
		live[i] = live[len(live)-1]
		live = live[:len(live)-1]
		return d.RemoveMapping(r.iova, r.size)
	}
	for n := 0; n < w.ops; n++ {
		if err := ctx.Err(); err != nil {
			return failures, err
		}
		pages := 1 + rng.Intn(w.maxPages)
		first := rng.Intn(w.span - pages + 1)
		r := region{
			iova: hostarch.Addr(first) << hostarch.PageShift,
			size: uint64(pages) << hostarch.PageShift,
		}
		physical := uintptr(pagetables.DefaultArenaBase+0x10000000) + uintptr(r.iova)
		if err := d.CreateMapping(r.iova, physical, r.size, opts); err != nil {
			var me *iommu.MapError
			if !errors.As(err, &me) {
				return failures, err
			}
			failures += len(me.Failures)
			if err := unwind(d, r, me); err != nil {
				return failures, err
			}
		} else {
			live = append(live, r)
		}
		if len(live) > 1 && rng.Intn(2) == 0 {
			if err := remove(rng.Intn(len(live))); err != nil {
				return failures, err
			}
		}
	}
	for len(live) > 0 {
		if err := remove(len(live) - 1); err != nil {
			return failures, err
		}
	}
	return failures, nil
}

// unwind drops the references a partially failed CreateMapping of r took.
func unwind(d *iommu.Domain, r region, me *iommu.MapError) error {
	failed := make(map[hostarch.Addr]struct{}, len(me.Failures))
	for _, pe := range me.Failures {
		failed[pe.Addr] = struct{}{}
	}
	for addr := r.iova; addr < r.iova+hostarch.Addr(r.size); addr += hostarch.PageSize {
		if _, ok := failed[addr]; ok {
			continue
		}
		if err := d.RemoveMapping(addr, hostarch.PageSize); err != nil {
			return err
		}
	}
	return nil
}

func writeResults(w io.Writer, results []benchResult) error {
	tw := tabwriter.NewWriter(w, 0, 2, 1, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tOPS\tELAPSED\tOPS/S\tPAGE FAILURES\tDIRECTORY PAGES\tFLUSHES")
	for _, r := range results {
		rate := float64(r.ops) / r.elapsed.Seconds()
		fmt.Fprintf(tw, "%s\t%d\t%v\t%.0f\t%d\t%d\t%d\n", r.kind, r.ops, r.elapsed.Round(time.Microsecond), rate, r.pageFailures, r.stats.DirectoryPages, r.stats.Flushes)
	}
	return tw.Flush()
}
