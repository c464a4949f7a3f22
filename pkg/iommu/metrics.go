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

	"github.com/bittervan/iommu-driver/pkg/iommu/pagetables"
	"github.com/bittervan/iommu-driver/pkg/iommu/refindex"
	"github.com/bittervan/iommu-driver/pkg/metric"
)

// Failure reasons, as reported by the iommu_page_failures metric.
const (
	reasonAllocation = "allocation"
	reasonTableFull  = "table_full"
	reasonOverflow   = "count_overflow"
	reasonUnderflow  = "underflow"
	reasonOther      = "other"
)

type domainMetrics struct {
	creates        *metric.Uint64Metric
	removes        *metric.Uint64Metric
	installed      *metric.Uint64Metric
	cleared        *metric.Uint64Metric
	shared         *metric.Uint64Metric
	underflows     *metric.Uint64Metric
	failures       *metric.Uint64Metric
	flushes        *metric.Uint64Metric
	flushErrors    *metric.Uint64Metric
	directoryPages *metric.Uint64Metric
	livePages      *metric.Uint64Metric
}

func newDomainMetrics(r *metric.Registry) *domainMetrics {
	return &domainMetrics{
		creates:        r.MustCreateNewUint64Metric("iommu_create_mapping_calls", metric.Counter, "Number of CreateMapping calls."),
		removes:        r.MustCreateNewUint64Metric("iommu_remove_mapping_calls", metric.Counter, "Number of RemoveMapping calls."),
		installed:      r.MustCreateNewUint64Metric("iommu_pages_installed", metric.Counter, "Leaf translations installed on a first reference."),
		cleared:        r.MustCreateNewUint64Metric("iommu_pages_cleared", metric.Counter, "Leaf translations cleared on a last reference."),
		shared:         r.MustCreateNewUint64Metric("iommu_pages_shared", metric.Counter, "Page references added to or dropped from an already mapped page."),
		underflows:     r.MustCreateNewUint64Metric("iommu_underflows", metric.Counter, "Pages removed that held no references."),
		failures:       r.MustCreateNewUint64Metric("iommu_page_failures", metric.Counter, "Pages that could not be mapped or unmapped.", metric.NewField("reason", reasonAllocation, reasonTableFull, reasonOverflow, reasonUnderflow, reasonOther)),
		flushes:        r.MustCreateNewUint64Metric("iommu_iotlb_flushes", metric.Counter, "IOTLB flushes issued."),
		flushErrors:    r.MustCreateNewUint64Metric("iommu_iotlb_flush_errors", metric.Counter, "IOTLB flushes that failed."),
		directoryPages: r.MustCreateNewUint64Metric("iommu_directory_pages", metric.Gauge, "Directory pages in use, including the root."),
		livePages:      r.MustCreateNewUint64Metric("iommu_live_pages", metric.Gauge, "Pages holding at least one reference."),
	}
}

// failureReason classifies a page error for the failures metric.
func failureReason(err error) string {
	switch {
	case errors.Is(err, pagetables.ErrAllocation):
		return reasonAllocation
	case errors.Is(err, refindex.ErrTableFull):
		return reasonTableFull
	case errors.Is(err, refindex.ErrCountOverflow):
		return reasonOverflow
	case errors.Is(err, ErrUnderflow):
		return reasonUnderflow
	default:
		return reasonOther
	}
}
