// Package metrics exposes the transport runtime's counters and gauges
// through github.com/prometheus/client_golang, typed collectors
// registered once at construction against a per-agent registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds the collectors a Runtime, QoS gate, and Fragmenter
// update as they process traffic.
type Registry struct {
	SentTotal              prometheus.Counter
	ReceivedTotal          prometheus.Counter
	DroppedTotal           prometheus.Counter
	ConsecutiveDrops       prometheus.Gauge
	RebroadcastTotal       prometheus.Counter
	DedupHitTotal          prometheus.Counter
	FragmentSentTotal      prometheus.Counter
	FragmentLossTotal      prometheus.Counter
	BandwidthSendBytes     prometheus.Gauge
	BandwidthTotalBytes    prometheus.Gauge
	TransportIOErrorsTotal prometheus.Counter

	reg *prometheus.Registry
}

// New builds a Registry with every collector registered against a fresh
// prometheus.Registry, so multiple agents in one process don't collide
// on the default global registry.
func New() *Registry {
	r := prometheus.NewRegistry()
	m := &Registry{
		reg: r,
		SentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "madara_sent_total",
			Help: "Knowledge update messages sent.",
		}),
		ReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "madara_received_total",
			Help: "Knowledge update messages received.",
		}),
		DroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "madara_dropped_total",
			Help: "Outbound messages discarded by the drop scheduler.",
		}),
		ConsecutiveDrops: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "madara_consecutive_drops",
			Help: "Length of the current active drop burst.",
		}),
		RebroadcastTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "madara_rebroadcast_total",
			Help: "Messages rebroadcast after TTL decrement.",
		}),
		DedupHitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "madara_dedup_hit_total",
			Help: "Received messages discarded as duplicates.",
		}),
		FragmentSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "madara_fragment_sent_total",
			Help: "Fragments emitted by the Fragmenter.",
		}),
		FragmentLossTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "madara_fragment_loss_total",
			Help: "Reassembly slots evicted before completion.",
		}),
		BandwidthSendBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "madara_bandwidth_send_bytes",
			Help: "Bytes sent in the current rolling window.",
		}),
		BandwidthTotalBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "madara_bandwidth_total_bytes",
			Help: "Bytes sent and received in the current rolling window.",
		}),
		TransportIOErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "madara_transport_io_errors_total",
			Help: "Fatal read errors absorbed by the read thread's backoff retry.",
		}),
	}
	r.MustRegister(
		m.SentTotal, m.ReceivedTotal, m.DroppedTotal, m.ConsecutiveDrops,
		m.RebroadcastTotal, m.DedupHitTotal, m.FragmentSentTotal,
		m.FragmentLossTotal, m.BandwidthSendBytes, m.BandwidthTotalBytes,
		m.TransportIOErrorsTotal,
	)
	return m
}

// Gatherer exposes the underlying registry for an HTTP /metrics handler.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.reg
}
