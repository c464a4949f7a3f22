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

package metric

import (
	"fmt"
	"io"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// family converts m to a Prometheus metric family.
func (m *Uint64Metric) family() *dto.MetricFamily {
	typ := dto.MetricType_COUNTER
	if m.kind == Gauge {
		typ = dto.MetricType_GAUGE
	}
	mf := &dto.MetricFamily{
		Name: proto.String(m.name),
		Help: proto.String(m.description),
		Type: typ.Enum(),
	}
	sample := func(v uint64, labels []*dto.LabelPair) *dto.Metric {
		pm := &dto.Metric{Label: labels}
		if m.kind == Gauge {
			pm.Gauge = &dto.Gauge{Value: proto.Float64(float64(v))}
		} else {
			pm.Counter = &dto.Counter{Value: proto.Float64(float64(v))}
		}
		return pm
	}
	if m.field == nil {
		mf.Metric = append(mf.Metric, sample(m.values[0].Load(), nil))
		return mf
	}
	for i, v := range m.field.allowedValues {
		labels := []*dto.LabelPair{{
			Name:  proto.String(m.field.name),
			Value: proto.String(v),
		}}
		mf.Metric = append(mf.Metric, sample(m.values[i].Load(), labels))
	}
	return mf
}

// WritePrometheus writes all metrics in r to w in the Prometheus text
// exposition format, sorted by name.
func (r *Registry) WritePrometheus(w io.Writer) error {
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, m := range r.sorted() {
		if err := enc.Encode(m.family()); err != nil {
			return fmt.Errorf("encoding metric %s: %w", m.name, err)
		}
	}
	return nil
}
