// Copyright 2018 The gVisor Authors.
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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not of the form
	// "/component/name".
	ErrInvalidName = errors.New("metric name must start with '/' and contain only [a-z0-9_/]")
)

// ExporterPrefix is prepended to every metric name in the Prometheus export.
const ExporterPrefix = "kmem"

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	value atomic.Uint64
}

// Value returns the current value of the metric.
func (m *Uint64Metric) Value() uint64 {
	return m.value.Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment() {
	m.value.Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64) {
	m.value.Add(v)
}

// metadata describes a registered metric.
type metadata struct {
	name        string
	description string
	cumulative  bool
	value       func() uint64
}

// metricSet holds named metrics.
type metricSet struct {
	mu sync.Mutex

	// m maps metric names to their metadata. Protected by mu.
	m map[string]metadata
}

// allMetrics are the registered metrics.
var allMetrics = metricSet{m: make(map[string]metadata)}

func (s *metricSet) register(md metadata) error {
	if err := verifyName(md.name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[md.name]; ok {
		return ErrNameInUse
	}
	s.m[md.name] = md
	return nil
}

func verifyName(name string) error {
	if len(name) < 2 || name[0] != '/' {
		return ErrInvalidName
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '/':
		default:
			return ErrInvalidName
		}
	}
	return nil
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
func NewUint64Metric(name, description string) (*Uint64Metric, error) {
	m := &Uint64Metric{}
	if err := allMetrics.register(metadata{
		name:        name,
		description: description,
		cumulative:  true,
		value:       m.Value,
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, description string) *Uint64Metric {
	m, err := NewUint64Metric(name, description)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %v", name, err))
	}
	return m
}

// RegisterCustomUint64Metric registers a metric whose value is computed by
// calling value. Non-cumulative metrics are exported as gauges.
func RegisterCustomUint64Metric(name string, cumulative bool, description string, value func() uint64) error {
	return allMetrics.register(metadata{
		name:        name,
		description: description,
		cumulative:  cumulative,
		value:       value,
	})
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func MustRegisterCustomUint64Metric(name string, cumulative bool, description string, value func() uint64) {
	if err := RegisterCustomUint64Metric(name, cumulative, description, value); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %v", name, err))
	}
}

// Unregister removes the metric with the given name, if any.
func Unregister(name string) {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	delete(allMetrics.m, name)
}

// Snapshot returns the current value of every registered metric, keyed by
// name.
func Snapshot() map[string]uint64 {
	allMetrics.mu.Lock()
	mds := make([]metadata, 0, len(allMetrics.m))
	for _, md := range allMetrics.m {
		mds = append(mds, md)
	}
	allMetrics.mu.Unlock()

	// Values are read without holding mu so that custom metrics may take
	// their own locks.
	snap := make(map[string]uint64, len(mds))
	for _, md := range mds {
		snap[md.name] = md.value()
	}
	return snap
}

// PrometheusName returns the name under which a metric is exported.
func PrometheusName(name string) string {
	return ExporterPrefix + strings.ReplaceAll(name, "/", "_")
}

// families builds a Prometheus metric family for each registered metric,
// sorted by name.
func families() []*dto.MetricFamily {
	allMetrics.mu.Lock()
	mds := make([]metadata, 0, len(allMetrics.m))
	for _, md := range allMetrics.m {
		mds = append(mds, md)
	}
	allMetrics.mu.Unlock()
	sort.Slice(mds, func(i, j int) bool { return mds[i].name < mds[j].name })

	fams := make([]*dto.MetricFamily, 0, len(mds))
	for _, md := range mds {
		v := float64(md.value())
		fam := &dto.MetricFamily{
			Name: proto.String(PrometheusName(md.name)),
			Help: proto.String(md.description),
		}
		if md.cumulative {
			fam.Type = dto.MetricType_COUNTER.Enum()
			fam.Metric = []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(v)}}}
		} else {
			fam.Type = dto.MetricType_GAUGE.Enum()
			fam.Metric = []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(v)}}}
		}
		fams = append(fams, fam)
	}
	return fams
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format.
func WritePrometheus(w io.Writer) error {
	for _, fam := range families() {
		if _, err := expfmt.MetricFamilyToText(w, fam); err != nil {
			return fmt.Errorf("writing metric %q: %w", fam.GetName(), err)
		}
	}
	return nil
}
