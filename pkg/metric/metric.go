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

// Package metric provides counters and gauges describing IOMMU activity, and
// exports them in the Prometheus text format.
package metric

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates a metric name that Prometheus would reject.
	ErrInvalidName = errors.New("invalid metric name")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")
)

// Kind distinguishes monotonic counters from gauges.
type Kind int

const (
	// Counter only ever increases.
	Counter Kind = iota

	// Gauge may go up and down.
	Gauge
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored. A metric may be broken down by at most one Field.
type Uint64Metric struct {
	name        string
	description string
	kind        Kind

	// field is nil for metrics without a breakdown.
	field *Field

	// values has one entry per allowed field value, or a single entry.
	values []atomic.Uint64
}

// index returns the slot for the given field value.
func (m *Uint64Metric) index(fieldValues []string) int {
	if m.field == nil {
		if len(fieldValues) != 0 {
			panic(fmt.Sprintf("metric %s has no fields, got %v", m.name, fieldValues))
		}
		return 0
	}
	if len(fieldValues) != 1 {
		panic(fmt.Sprintf("metric %s requires one field value, got %v", m.name, fieldValues))
	}
	for i, v := range m.field.allowedValues {
		if v == fieldValues[0] {
			return i
		}
	}
	panic(fmt.Sprintf("metric %s: value %q not allowed for field %s", m.name, fieldValues[0], m.field.name))
}

// Name returns the metric name.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.index(fieldValues)].Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.values[m.index(fieldValues)].Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.index(fieldValues)].Add(v)
}

// Set sets a gauge to v.
//
// Precondition: the metric is a Gauge.
func (m *Uint64Metric) Set(v uint64, fieldValues ...string) {
	if m.kind != Gauge {
		panic(fmt.Sprintf("Set on counter %s", m.name))
	}
	m.values[m.index(fieldValues)].Store(v)
}

// Registry holds a set of metrics. Each IOMMU domain owns its own registry so
// that independent instances (and tests) do not share counters.
type Registry struct {
	mu      sync.Mutex
	metrics map[string]*Uint64Metric
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]*Uint64Metric)}
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_', c == ':':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// NewUint64Metric creates and registers a new metric with the given name.
func (r *Registry) NewUint64Metric(name string, kind Kind, description string, fields ...Field) (*Uint64Metric, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if len(fields) > 1 {
		return nil, fmt.Errorf("metric %s: at most one field is supported, got %d", name, len(fields))
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		kind:        kind,
	}
	n := 1
	if len(fields) == 1 {
		f := fields[0]
		if len(f.allowedValues) == 0 {
			return nil, fmt.Errorf("metric %s field %s: %w", name, f.name, ErrFieldHasNoAllowedValues)
		}
		m.field = &f
		n = len(f.allowedValues)
	}
	m.values = make([]atomic.Uint64, n)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.metrics[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrNameInUse, name)
	}
	r.metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func (r *Registry) MustCreateNewUint64Metric(name string, kind Kind, description string, fields ...Field) *Uint64Metric {
	m, err := r.NewUint64Metric(name, kind, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Values returns a snapshot of all metric values keyed by metric name, with
// field breakdowns keyed as name{value}.
func (r *Registry) Values() map[string]uint64 {
	out := make(map[string]uint64)
	for _, m := range r.sorted() {
		if m.field == nil {
			out[m.name] = m.values[0].Load()
			continue
		}
		for i, v := range m.field.allowedValues {
			out[m.name+"{"+v+"}"] = m.values[i].Load()
		}
	}
	return out
}

func (r *Registry) sorted() []*Uint64Metric {
	r.mu.Lock()
	ms := make([]*Uint64Metric, 0, len(r.metrics))
	for _, m := range r.metrics {
		ms = append(ms, m)
	}
	r.mu.Unlock()
	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })
	return ms
}
