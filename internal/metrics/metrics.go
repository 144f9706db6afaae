// Package metrics keeps the gateway's counters and histograms. The
// in-memory store answers the JSON performance endpoint with on-demand
// percentiles; every write is mirrored into Prometheus collectors so the
// text exposition endpoint reports the same state.
package metrics

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// histogramSampleCap bounds the rolling sample window per histogram key.
// Oldest samples are evicted once the cap is exceeded.
const histogramSampleCap = 5000

// Labels is one metric's label set.
type Labels map[string]string

// labelKey serialises a label set order-independently so the same set
// always maps to the same series.
func labelKey(name string, labels Labels) string {
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
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

// HistogramSnapshot is the computed view of one histogram series.
type HistogramSnapshot struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

type histogram struct {
	samples []float64
	next    int
	filled  int
}

func newHistogram() *histogram {
	return &histogram{samples: make([]float64, histogramSampleCap)}
}

func (h *histogram) add(v float64) {
	h.samples[h.next] = v
	h.next = (h.next + 1) % len(h.samples)
	if h.filled < len(h.samples) {
		h.filled++
	}
}

func (h *histogram) snapshot() HistogramSnapshot {
	if h.filled == 0 {
		return HistogramSnapshot{}
	}
	ordered := make([]float64, h.filled)
	for i := 0; i < h.filled; i++ {
		idx := h.next - h.filled + i
		if idx < 0 {
			idx += len(h.samples)
		}
		ordered[i] = h.samples[idx]
	}
	sort.Float64s(ordered)

	var sum float64
	for _, v := range ordered {
		sum += v
	}
	return HistogramSnapshot{
		Count: h.filled,
		Min:   ordered[0],
		Max:   ordered[len(ordered)-1],
		Avg:   sum / float64(len(ordered)),
		P50:   percentile(ordered, 0.50),
		P90:   percentile(ordered, 0.90),
		P95:   percentile(ordered, 0.95),
		P99:   percentile(ordered, 0.99),
	}
}

func percentile(sorted []float64, quantile float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if quantile <= 0 {
		return sorted[0]
	}
	if quantile >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := quantile * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*frac
}

type counterSeries struct {
	name   string
	labels Labels
	value  uint64
}

type histogramSeries struct {
	name   string
	labels Labels
	hist   *histogram
}

// Registry is the concurrent metrics store. Safe for use from many
// simultaneous requests.
type Registry struct {
	mu         sync.Mutex
	counters   map[string]*counterSeries
	histograms map[string]*histogramSeries

	promCounters   map[string]*prometheus.CounterVec
	promHistograms map[string]*prometheus.HistogramVec
	registerer     prometheus.Registerer
}

// NewRegistry builds a Registry mirroring into the supplied Prometheus
// registerer. A nil registerer disables the mirror (tests).
func NewRegistry(registerer prometheus.Registerer) *Registry {
	return &Registry{
		counters:       make(map[string]*counterSeries),
		histograms:     make(map[string]*histogramSeries),
		promCounters:   make(map[string]*prometheus.CounterVec),
		promHistograms: make(map[string]*prometheus.HistogramVec),
		registerer:     registerer,
	}
}

// IncCounter adds one to the (name, labels) counter series.
func (r *Registry) IncCounter(name string, labels Labels) {
	r.AddCounter(name, 1, labels)
}

// AddCounter adds delta to the (name, labels) counter series.
func (r *Registry) AddCounter(name string, delta uint64, labels Labels) {
	key := labelKey(name, labels)

	r.mu.Lock()
	series, ok := r.counters[key]
	if !ok {
		series = &counterSeries{name: name, labels: cloneLabels(labels)}
		r.counters[key] = series
	}
	series.value += delta
	vec := r.promCounterLocked(name, labels)
	r.mu.Unlock()

	if vec != nil {
		vec.With(prometheus.Labels(labels)).Add(float64(delta))
	}
}

// Observe records one sample into the (name, labels) histogram series.
func (r *Registry) Observe(name string, value float64, labels Labels) {
	key := labelKey(name, labels)

	r.mu.Lock()
	series, ok := r.histograms[key]
	if !ok {
		series = &histogramSeries{name: name, labels: cloneLabels(labels), hist: newHistogram()}
		r.histograms[key] = series
	}
	series.hist.add(value)
	vec := r.promHistogramLocked(name, labels)
	r.mu.Unlock()

	if vec != nil {
		vec.With(prometheus.Labels(labels)).Observe(value)
	}
}

// CounterValue returns the current value of a counter series.
func (r *Registry) CounterValue(name string, labels Labels) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if series, ok := r.counters[labelKey(name, labels)]; ok {
		return series.value
	}
	return 0
}

// HistogramSnapshot computes the percentile view of a histogram series.
func (r *Registry) HistogramSnapshot(name string, labels Labels) HistogramSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if series, ok := r.histograms[labelKey(name, labels)]; ok {
		return series.hist.snapshot()
	}
	return HistogramSnapshot{}
}

// CounterSeries lists every series recorded under name, keyed by the
// serialized label set.
func (r *Registry) CounterSeries(name string) map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64)
	for key, series := range r.counters {
		if series.name == name {
			out[key] = series.value
		}
	}
	return out
}

func (r *Registry) promCounterLocked(name string, labels Labels) *prometheus.CounterVec {
	if r.registerer == nil {
		return nil
	}
	vec, ok := r.promCounters[name]
	if !ok {
		vec = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "omni",
				Name:      name,
				Help:      "Gateway counter " + name,
			},
			labelNames(labels),
		)
		if err := r.registerer.Register(vec); err != nil {
			return nil
		}
		r.promCounters[name] = vec
	}
	return vec
}

func (r *Registry) promHistogramLocked(name string, labels Labels) *prometheus.HistogramVec {
	if r.registerer == nil {
		return nil
	}
	vec, ok := r.promHistograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "omni",
				Name:      name,
				Help:      "Gateway histogram " + name,
				Buckets:   prometheus.DefBuckets,
			},
			labelNames(labels),
		)
		if err := r.registerer.Register(vec); err != nil {
			return nil
		}
		r.promHistograms[name] = vec
	}
	return vec
}

func labelNames(labels Labels) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func cloneLabels(labels Labels) Labels {
	out := make(Labels, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
