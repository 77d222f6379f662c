package peerlink

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks operational counters for one endpoint. Each endpoint
// owns its own registry, so several servers and clients can live in one
// process without colliding.
type Metrics struct {
	registry *prometheus.Registry

	MessagesSent     *prometheus.CounterVec // {kind}
	MessagesReceived *prometheus.CounterVec // {kind}
	FramesDropped    *prometheus.CounterVec // {reason}
	Handshakes       *prometheus.CounterVec // {result}

	Queries       prometheus.Counter
	QueryTimeouts prometheus.Counter
	LateReplies   prometheus.Counter
	HandlerPanics prometheus.Counter
	Peers         prometheus.Gauge
	PeerLatency   prometheus.Histogram
	outstandingFn func() int
}

const metricsNamespace = "peerlink"

// Dropped-frame reasons.
const (
	dropMalformed    = "malformed"
	dropUnauthorized = "unauthorized"
	dropUnknownReply = "unknown_reply"
	dropClosed       = "closed"
)

func newMetrics(role, alias string) *Metrics {
	labels := prometheus.Labels{"role": role, "alias": alias}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "messages_sent_total",
			Help: "Messages handed to the transport, by kind.", ConstLabels: labels,
		}, []string{"kind"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "messages_received_total",
			Help: "Messages decoded from the transport, by kind.", ConstLabels: labels,
		}, []string{"kind"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "frames_dropped_total",
			Help: "Inbound data discarded without dispatch, by reason.", ConstLabels: labels,
		}, []string{"reason"}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "handshakes_total",
			Help: "Handshake outcomes.", ConstLabels: labels,
		}, []string{"result"}),
		Queries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "queries_total",
			Help: "Queries issued.", ConstLabels: labels,
		}),
		QueryTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "query_timeouts_total",
			Help: "Queries that gave up waiting for a reply.", ConstLabels: labels,
		}),
		LateReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "late_replies_total",
			Help: "Replies that arrived after their query timed out.", ConstLabels: labels,
		}),
		HandlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "handler_panics_total",
			Help: "Panics recovered from user handlers.", ConstLabels: labels,
		}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "peers",
			Help: "Connected peers.", ConstLabels: labels,
		}),
		PeerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "peer_latency_seconds",
			Help:        "Round-trip estimates reported by the transport.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}

	m.registry.MustRegister(
		m.MessagesSent, m.MessagesReceived, m.FramesDropped, m.Handshakes,
		m.Queries, m.QueryTimeouts, m.LateReplies, m.HandlerPanics,
		m.Peers, m.PeerLatency,
	)
	return m
}

// Registry exposes the endpoint's prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Snapshot flattens counters and gauges into name → value, with label
// values appended to the name ("messages_sent_total.query"). Histograms
// contribute their sample count.
func (m *Metrics) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	families, err := m.registry.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		base := strings.TrimPrefix(mf.GetName(), metricsNamespace+"_")
		for _, metric := range mf.GetMetric() {
			name := base
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "role" || lp.GetName() == "alias" {
					continue
				}
				name += "." + lp.GetValue()
			}
			switch {
			case metric.GetCounter() != nil:
				out[name] = int64(metric.GetCounter().GetValue())
			case metric.GetGauge() != nil:
				out[name] = int64(metric.GetGauge().GetValue())
			case metric.GetHistogram() != nil:
				out[name+".count"] = int64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	if m.outstandingFn != nil {
		out["queries_outstanding"] = int64(m.outstandingFn())
	}
	return out
}
