// Package metrics holds the Prometheus collectors exposed by beam. A
// single Metrics value is built at startup and handed to each component;
// every method is safe on a nil receiver so components can run without one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "beam"

// Metrics is the set of collectors for one process.
type Metrics struct {
	reg *prometheus.Registry

	rtmpConnections    prometheus.Gauge
	rtmpBytesIn        prometheus.Counter
	rtmpBitrate        *prometheus.GaugeVec
	rtmpKeyframeGap    *prometheus.GaugeVec
	fragmentsOut       prometheus.Counter
	transcoderInflight prometheus.Gauge
	edgeTopics         prometheus.Gauge
	edgeSubscribers    prometheus.Counter
	ingestErrors       *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		rtmpConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rtmp_connections_active",
			Help:      "Open RTMP connections.",
		}),
		rtmpBytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rtmp_bytes_in_total",
			Help:      "Bytes read from RTMP connections.",
		}),
		rtmpBitrate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rtmp_bitrate_bps",
			Help:      "Rolling publisher bitrate.",
		}, []string{"room"}),
		rtmpKeyframeGap: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rtmp_keyframe_gap_ms",
			Help:      "Time between the last two video keyframes.",
		}, []string{"room"}),
		fragmentsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transmux_fragments_out_total",
			Help:      "fMP4 media fragments produced.",
		}),
		transcoderInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcoder_requests_inflight",
			Help:      "Transcode requests waiting to be claimed.",
		}),
		edgeTopics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "edge_topics_active",
			Help:      "Topics held by the edge topic map.",
		}),
		edgeSubscribers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edge_subscribers_total",
			Help:      "Edge subscriptions opened.",
		}),
		ingestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_errors_total",
			Help:      "Publish sessions ended with an error, by code.",
		}, []string{"code"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.rtmpConnections,
		m.rtmpBytesIn,
		m.rtmpBitrate,
		m.rtmpKeyframeGap,
		m.fragmentsOut,
		m.transcoderInflight,
		m.edgeTopics,
		m.edgeSubscribers,
		m.ingestErrors,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.rtmpConnections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.rtmpConnections.Dec()
	}
}

func (m *Metrics) BytesIn(n int) {
	if m != nil && n > 0 {
		m.rtmpBytesIn.Add(float64(n))
	}
}

// SetBitrate records the publisher bitrate of room.
func (m *Metrics) SetBitrate(room string, bps float64) {
	if m != nil {
		m.rtmpBitrate.WithLabelValues(room).Set(bps)
	}
}

// SetKeyframeGap records the latest keyframe interval of room.
func (m *Metrics) SetKeyframeGap(room string, ms float64) {
	if m != nil {
		m.rtmpKeyframeGap.WithLabelValues(room).Set(ms)
	}
}

// ForgetRoom drops the per-room series once a publish ends.
func (m *Metrics) ForgetRoom(room string) {
	if m != nil {
		m.rtmpBitrate.DeleteLabelValues(room)
		m.rtmpKeyframeGap.DeleteLabelValues(room)
	}
}

func (m *Metrics) FragmentOut() {
	if m != nil {
		m.fragmentsOut.Inc()
	}
}

// SetTranscoderInflight records the number of pending transcode requests.
func (m *Metrics) SetTranscoderInflight(n int) {
	if m != nil {
		m.transcoderInflight.Set(float64(n))
	}
}

// SetEdgeTopics records the number of topic slots.
func (m *Metrics) SetEdgeTopics(n int) {
	if m != nil {
		m.edgeTopics.Set(float64(n))
	}
}

func (m *Metrics) Subscribed() {
	if m != nil {
		m.edgeSubscribers.Inc()
	}
}

// IngestError counts a failed publish session by error code.
func (m *Metrics) IngestError(code string) {
	if m != nil {
		m.ingestErrors.WithLabelValues(code).Inc()
	}
}
