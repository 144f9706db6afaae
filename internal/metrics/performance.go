package metrics

// Metric names shared by the gateway stages.
const (
	CounterInbound    = "inbound_total"
	CounterOutbound   = "outbound_total"
	CounterPublished  = "published_total"
	CounterDispatched = "dispatched_total"
	CounterRejected   = "rejected_total"
	CounterRouted     = "routed_total"

	HistogramInboundLatencyMs  = "inbound_latency_ms"
	HistogramOutboundLatencyMs = "outbound_latency_ms"
	HistogramDispatchLatencyMs = "dispatch_latency_ms"
	HistogramComposeLatencyMs  = "compose_latency_ms"
	HistogramConsumeLatencyMs  = "consume_latency_ms"
)

// ChannelPerformance aggregates one channel's counters and latency p95s.
type ChannelPerformance struct {
	Inbound     uint64  `json:"inbound"`
	Outbound    uint64  `json:"outbound"`
	Dispatched  uint64  `json:"dispatched"`
	InboundP95  float64 `json:"inboundLatencyP95Ms"`
	DispatchP95 float64 `json:"dispatchLatencyP95Ms"`
}

// PerformanceReport is the payload of the performance endpoint.
type PerformanceReport struct {
	Channels map[string]ChannelPerformance `json:"channels"`
	Totals   struct {
		Inbound    uint64 `json:"inbound"`
		Outbound   uint64 `json:"outbound"`
		Dispatched uint64 `json:"dispatched"`
		Rejected   uint64 `json:"rejected"`
	} `json:"totals"`
}

// Performance aggregates per-channel counters and p95 latencies for the
// supplied channel names.
func (r *Registry) Performance(channels []string) PerformanceReport {
	report := PerformanceReport{Channels: make(map[string]ChannelPerformance, len(channels))}

	for _, ch := range channels {
		labels := Labels{"channel": ch}
		perf := ChannelPerformance{
			Inbound:     r.CounterValue(CounterInbound, labels),
			Outbound:    r.CounterValue(CounterOutbound, labels),
			Dispatched:  r.CounterValue(CounterDispatched, labels),
			InboundP95:  r.HistogramSnapshot(HistogramInboundLatencyMs, labels).P95,
			DispatchP95: r.HistogramSnapshot(HistogramDispatchLatencyMs, labels).P95,
		}
		report.Channels[ch] = perf

		report.Totals.Inbound += perf.Inbound
		report.Totals.Outbound += perf.Outbound
		report.Totals.Dispatched += perf.Dispatched
	}

	for _, v := range r.CounterSeries(CounterRejected) {
		report.Totals.Rejected += v
	}

	return report
}
