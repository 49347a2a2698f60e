// Package telemetry provides a minimal metrics sink used by the orchestrator
// and pipeline. The in-memory implementation backs tests and the /status
// endpoint; production deployments can swap in an exporter-backed sink.
package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Sink receives counters, gauges and timings emitted by the runtime.
type Sink interface {
	Incr(name string, value float64, labels map[string]string)
	Gauge(name string, value float64, labels map[string]string)
	Timing(name string, millis float64, labels map[string]string)
}

// Memory is a thread-safe in-process Sink that aggregates by name+labels.
type Memory struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
	timings  map[string][]float64
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
		timings:  make(map[string][]float64),
	}
}

// seriesKey renders name plus sorted labels so that label order never splits a series.
func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%s", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

func (m *Memory) Incr(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[seriesKey(name, labels)] += value
}

func (m *Memory) Gauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[seriesKey(name, labels)] = value
}

func (m *Memory) Timing(name string, millis float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := seriesKey(name, labels)
	m.timings[key] = append(m.timings[key], millis)
}

// Counter returns the current value of a counter series, 0 when absent.
func (m *Memory) Counter(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[seriesKey(name, labels)]
}

// Counters returns a copy of all counter series.
func (m *Memory) Counters() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out
}

// Nop discards all metrics.
type Nop struct{}

func (Nop) Incr(string, float64, map[string]string)   {}
func (Nop) Gauge(string, float64, map[string]string)  {}
func (Nop) Timing(string, float64, map[string]string) {}
