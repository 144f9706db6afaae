package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelKeyOrderIndependent(t *testing.T) {
	a := labelKey("m", Labels{"channel": "sms", "direction": "in"})
	b := labelKey("m", Labels{"direction": "in", "channel": "sms"})
	assert.Equal(t, a, b)
	assert.Equal(t, "m", labelKey("m", nil))
}

func TestCountersAccumulatePerSeries(t *testing.T) {
	r := NewRegistry(nil)

	r.IncCounter("inbound_total", Labels{"channel": "sms"})
	r.IncCounter("inbound_total", Labels{"channel": "sms"})
	r.AddCounter("inbound_total", 3, Labels{"channel": "email"})

	assert.Equal(t, uint64(2), r.CounterValue("inbound_total", Labels{"channel": "sms"}))
	assert.Equal(t, uint64(3), r.CounterValue("inbound_total", Labels{"channel": "email"}))
	assert.Equal(t, uint64(0), r.CounterValue("inbound_total", Labels{"channel": "web"}))
	assert.Len(t, r.CounterSeries("inbound_total"), 2)
}

func TestHistogramSnapshotPercentiles(t *testing.T) {
	r := NewRegistry(nil)
	for i := 1; i <= 100; i++ {
		r.Observe("lat", float64(i), nil)
	}

	snap := r.HistogramSnapshot("lat", nil)
	assert.Equal(t, 100, snap.Count)
	assert.Equal(t, 1.0, snap.Min)
	assert.Equal(t, 100.0, snap.Max)
	assert.InDelta(t, 50.5, snap.Avg, 0.001)
	assert.InDelta(t, 50.5, snap.P50, 0.001)
	assert.InDelta(t, 90.1, snap.P90, 0.001)
	assert.InDelta(t, 99.01, snap.P99, 0.001)
}

func TestHistogramEvictsOldestBeyondCap(t *testing.T) {
	r := NewRegistry(nil)
	for i := 0; i < histogramSampleCap+100; i++ {
		r.Observe("lat", float64(i), nil)
	}

	snap := r.HistogramSnapshot("lat", nil)
	assert.Equal(t, histogramSampleCap, snap.Count)
	// The first 100 samples have been evicted.
	assert.Equal(t, 100.0, snap.Min)
	assert.Equal(t, float64(histogramSampleCap+99), snap.Max)
}

func TestHistogramSingleSample(t *testing.T) {
	r := NewRegistry(nil)
	r.Observe("lat", 42, nil)

	snap := r.HistogramSnapshot("lat", nil)
	assert.Equal(t, 1, snap.Count)
	assert.Equal(t, 42.0, snap.P50)
	assert.Equal(t, 42.0, snap.P99)
}

func TestEmptyHistogramSnapshotIsZero(t *testing.T) {
	r := NewRegistry(nil)
	assert.Equal(t, HistogramSnapshot{}, r.HistogramSnapshot("missing", nil))
}

func TestPrometheusMirror(t *testing.T) {
	prom := prometheus.NewRegistry()
	r := NewRegistry(prom)

	r.IncCounter("inbound_total", Labels{"channel": "sms"})
	r.IncCounter("inbound_total", Labels{"channel": "sms"})
	r.Observe("inbound_latency_ms", 12, Labels{"channel": "sms"})

	families, err := prom.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["omni_inbound_total"])
	assert.True(t, names["omni_inbound_latency_ms"])

	counter, err := r.promCounters["inbound_total"].GetMetricWith(prometheus.Labels{"channel": "sms"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(counter))
}

func TestConcurrentWrites(t *testing.T) {
	r := NewRegistry(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.IncCounter("inbound_total", Labels{"channel": "sms"})
				r.Observe("lat", float64(j), nil)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(5000), r.CounterValue("inbound_total", Labels{"channel": "sms"}))
	assert.Equal(t, 5000, r.HistogramSnapshot("lat", nil).Count)
}

func TestPerformanceReport(t *testing.T) {
	r := NewRegistry(nil)

	r.IncCounter(CounterInbound, Labels{"channel": "whatsapp"})
	r.IncCounter(CounterInbound, Labels{"channel": "whatsapp"})
	r.IncCounter(CounterOutbound, Labels{"channel": "whatsapp"})
	r.IncCounter(CounterDispatched, Labels{"channel": "whatsapp"})
	r.IncCounter(CounterRejected, Labels{"reason": "validation"})
	r.Observe(HistogramInboundLatencyMs, 10, Labels{"channel": "whatsapp"})
	r.Observe(HistogramInboundLatencyMs, 20, Labels{"channel": "whatsapp"})

	report := r.Performance([]string{"whatsapp", "sms"})

	wa := report.Channels["whatsapp"]
	assert.Equal(t, uint64(2), wa.Inbound)
	assert.Equal(t, uint64(1), wa.Outbound)
	assert.Equal(t, uint64(1), wa.Dispatched)
	assert.Greater(t, wa.InboundP95, 10.0)

	assert.Equal(t, uint64(0), report.Channels["sms"].Inbound)
	assert.Equal(t, uint64(2), report.Totals.Inbound)
	assert.Equal(t, uint64(1), report.Totals.Rejected)
}
