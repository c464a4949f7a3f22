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
	"fmt"

	"github.com/bittervan/iommu-driver/iommuctl/config"
	"github.com/bittervan/iommu-driver/pkg/cleanup"
	"github.com/bittervan/iommu-driver/pkg/iommu"
	"github.com/bittervan/iommu-driver/pkg/iommu/device"
	"github.com/bittervan/iommu-driver/pkg/iommu/invalidate"
	"github.com/bittervan/iommu-driver/pkg/log"
	"github.com/bittervan/iommu-driver/pkg/metric"
)

// domainArgs configures newDomain.
type domainArgs struct {
	conf    *config.Config
	metrics *metric.Registry

	// regs, if set, is the IOMMU register block. The domain is attached to
	// context 0 of a device driven through it.
	regs          device.Registers
	tablePhysical uintptr

	// logger, if set, replaces the global logger for domain diagnostics.
	logger log.Logger
}

// newDomain builds a domain from args. The returned function releases its
// resources.
func newDomain(args domainArgs) (*iommu.Domain, *device.Device, func(), error) {
	opts := args.conf.DomainOptions()
	opts.Metrics = args.metrics
	if args.logger != nil {
		opts.Logger = args.logger
	}

	a, release, err := args.conf.NewAllocator()
	if err != nil {
		return nil, nil, nil, err
	}
	cu := cleanup.Make(func() {
		if err := release(); err != nil {
			log.Warningf("Releasing directory pages: %v", err)
		}
	})
	defer cu.Clean()
	opts.Allocator = a

	var dev *device.Device
	if args.regs != nil {
		dev, err = device.New(args.regs, &device.ContextTable{}, args.tablePhysical)
		if err != nil {
			return nil, nil, nil, err
		}
		opts.Flusher = dev
	} else {
		opts.Flusher = invalidate.NopFlusher{}
	}

	d, err := iommu.NewDomain(opts)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating domain: %w", err)
	}
	if dev != nil {
		if err := dev.Bootstrap(d.RootPhysical()); err != nil {
			return nil, nil, nil, fmt.Errorf("bootstrapping IOMMU: %w", err)
		}
	}
	return d, dev, cu.Release(), nil
}
