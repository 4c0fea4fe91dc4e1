package ddosguard

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MetricsCollector is an in-memory counter/gauge store with Prometheus text
// export, sized for a single guard process.
type MetricsCollector struct {
	mu       sync.RWMutex
	counters map[string]map[string]int64
	gauges   map[string]map[string]float64
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters: make(map[string]map[string]int64),
		gauges:   make(map[string]map[string]float64),
	}
}

func (m *MetricsCollector) IncrementCounter(name string, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters[name] == nil {
		m.counters[name] = make(map[string]int64)
	}
	m.counters[name][labelKey(labels)]++
}

func (m *MetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges[name] == nil {
		m.gauges[name] = make(map[string]float64)
	}
	m.gauges[name][labelKey(labels)] = value
}

// CounterValue returns a counter's current value, mainly for tests.
func (m *MetricsCollector) CounterValue(name string, labels map[string]string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if series, ok := m.counters[name]; ok {
		return series[labelKey(labels)]
	}
	return 0
}

// ExportPrometheus renders all series in Prometheus text format.
func (m *MetricsCollector) ExportPrometheus() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out strings.Builder
	for _, name := range sortedKeys(m.counters) {
		out.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
		for _, labels := range sortedKeys(m.counters[name]) {
			out.WriteString(fmt.Sprintf("%s{%s} %d\n", name, labels, m.counters[name][labels]))
		}
	}
	for _, name := range sortedKeys(m.gauges) {
		out.WriteString(fmt.Sprintf("# TYPE %s gauge\n", name))
		for _, labels := range sortedKeys(m.gauges[name]) {
			out.WriteString(fmt.Sprintf("%s{%s} %f\n", name, labels, m.gauges[name][labels]))
		}
	}
	return out.String()
}

func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return strings.Join(parts, ",")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
