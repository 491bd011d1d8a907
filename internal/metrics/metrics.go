// Package metrics exposes viewer counters through a dedicated prometheus
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "l2dview"

// Metrics holds the viewer's collectors.
type Metrics struct {
	registry *prometheus.Registry

	frames         prometheus.Counter
	frameSeconds   prometheus.Histogram
	modelLoads     *prometheus.CounterVec
	packsResident  prometheus.Gauge
	textureLookups *prometheus.CounterVec
	lipSyncPulses  prometheus.Counter
	chatRequests   *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Render loop ticks completed.",
		}),
		frameSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_seconds",
			Help:      "Time spent updating and drawing one frame.",
			Buckets:   []float64{0.001, 0.002, 0.004, 0.008, 0.016, 0.033, 0.066, 0.1},
		}),
		modelLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_loads_total",
			Help:      "Model loads by final result.",
		}, []string{"result"}),
		packsResident: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "texture_packs_resident",
			Help:      "Texture packs currently uploaded to the GPU.",
		}),
		textureLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "texture_cache_lookups_total",
			Help:      "Texture pack lookups by result.",
		}, []string{"result"}),
		lipSyncPulses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lipsync_pulses_total",
			Help:      "Scripted viseme pulses started.",
		}),
		chatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Remote chat requests by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.frames,
		m.frameSeconds,
		m.modelLoads,
		m.packsResident,
		m.textureLookups,
		m.lipSyncPulses,
		m.chatRequests,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Frame records one completed tick.
func (m *Metrics) Frame(d time.Duration) {
	if m == nil {
		return
	}
	m.frames.Inc()
	m.frameSeconds.Observe(d.Seconds())
}

// ModelLoaded records a load that reached CompleteSetup or Failed.
func (m *Metrics) ModelLoaded(ok bool) {
	if m == nil {
		return
	}
	m.modelLoads.WithLabelValues(result(ok)).Inc()
}

// TextureLookup records a texture cache lookup.
func (m *Metrics) TextureLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.textureLookups.WithLabelValues("hit").Inc()
		return
	}
	m.textureLookups.WithLabelValues("miss").Inc()
}

// PacksResident sets the resident texture pack gauge.
func (m *Metrics) PacksResident(n int) {
	if m == nil {
		return
	}
	m.packsResident.Set(float64(n))
}

// Pulse records a scripted viseme pulse.
func (m *Metrics) Pulse() {
	if m == nil {
		return
	}
	m.lipSyncPulses.Inc()
}

// ChatRequest records a remote chat call.
func (m *Metrics) ChatRequest(ok bool) {
	if m == nil {
		return
	}
	m.chatRequests.WithLabelValues(result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
