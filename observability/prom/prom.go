// Package prom exports rrc-web metrics to Prometheus.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kc1awv/rrc-web/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ClientObserver exports relay-client metrics to Prometheus.
type ClientObserver struct {
	connectTotal   *prometheus.CounterVec
	connectLatency prometheus.Histogram
	linkGauge      prometheus.Gauge
	envelopesIn    *prometheus.CounterVec
	envelopesOut   *prometheus.CounterVec
	dropTotal      *prometheus.CounterVec
	resourceTotal  *prometheus.CounterVec
}

// NewClientObserver registers relay-client metrics on the registry.
func NewClientObserver(reg *prometheus.Registry) *ClientObserver {
	o := &ClientObserver{
		connectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rrcweb_client_connect_total",
			Help: "Connect attempts by result and reason.",
		}, []string{"result", "reason"}),
		connectLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rrcweb_client_connect_latency_seconds",
			Help:    "Latency from connect start to WELCOME.",
			Buckets: prometheus.DefBuckets,
		}),
		linkGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rrcweb_client_link_up",
			Help: "Whether an established hub link exists (0 or 1).",
		}),
		envelopesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rrcweb_client_envelopes_in_total",
			Help: "Envelopes received from the hub by type.",
		}, []string{"type"}),
		envelopesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rrcweb_client_envelopes_out_total",
			Help: "Envelopes sent to the hub by type.",
		}, []string{"type"}),
		dropTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rrcweb_client_envelope_drops_total",
			Help: "Inbound envelopes dropped before dispatch, by reason.",
		}, []string{"reason"}),
		resourceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rrcweb_client_resources_total",
			Help: "Resource transfer outcomes.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		o.connectTotal,
		o.connectLatency,
		o.linkGauge,
		o.envelopesIn,
		o.envelopesOut,
		o.dropTotal,
		o.resourceTotal,
	)
	return o
}

func (o *ClientObserver) Connect(result observability.ConnectResult, reason observability.ConnectReason) {
	o.connectTotal.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *ClientObserver) ConnectLatency(d time.Duration) {
	o.connectLatency.Observe(d.Seconds())
}

func (o *ClientObserver) LinkUp(up bool) {
	if up {
		o.linkGauge.Set(1)
		return
	}
	o.linkGauge.Set(0)
}

func (o *ClientObserver) EnvelopeIn(envelopeType string) {
	o.envelopesIn.WithLabelValues(envelopeType).Inc()
}

func (o *ClientObserver) EnvelopeOut(envelopeType string) {
	o.envelopesOut.WithLabelValues(envelopeType).Inc()
}

func (o *ClientObserver) EnvelopeDrop(reason observability.DropReason) {
	o.dropTotal.WithLabelValues(string(reason)).Inc()
}

func (o *ClientObserver) ResourceConcluded(result observability.ResourceResult) {
	o.resourceTotal.WithLabelValues(string(result)).Inc()
}

// BackendObserver exports gateway backend metrics to Prometheus.
type BackendObserver struct {
	sessions    prometheus.Gauge
	commands    *prometheus.CounterVec
	events      *prometheus.CounterVec
	roomGauge   prometheus.Gauge
	hubGauge    prometheus.Gauge
	pingLatency prometheus.Histogram
}

// NewBackendObserver registers gateway backend metrics on the registry.
func NewBackendObserver(reg *prometheus.Registry) *BackendObserver {
	o := &BackendObserver{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rrcweb_backend_sessions",
			Help: "Current UI websocket session count.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rrcweb_backend_commands_total",
			Help: "UI commands handled by name and result.",
		}, []string{"command", "result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rrcweb_backend_events_total",
			Help: "Events broadcast to UI sessions by name.",
		}, []string{"event"}),
		roomGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rrcweb_backend_rooms",
			Help: "Current tracked room count.",
		}),
		hubGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rrcweb_backend_hubs_known",
			Help: "Hubs currently in the discovery catalog.",
		}),
		pingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rrcweb_backend_ping_latency_seconds",
			Help:    "Hub PING round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		o.sessions,
		o.commands,
		o.events,
		o.roomGauge,
		o.hubGauge,
		o.pingLatency,
	)
	return o
}

func (o *BackendObserver) Sessions(n int) {
	o.sessions.Set(float64(n))
}

func (o *BackendObserver) Command(name string, result observability.CommandResult) {
	o.commands.WithLabelValues(name, string(result)).Inc()
}

func (o *BackendObserver) EventOut(name string) {
	o.events.WithLabelValues(name).Inc()
}

func (o *BackendObserver) Rooms(n int) {
	o.roomGauge.Set(float64(n))
}

func (o *BackendObserver) HubsKnown(n int) {
	o.hubGauge.Set(float64(n))
}

func (o *BackendObserver) PingLatency(d time.Duration) {
	o.pingLatency.Observe(d.Seconds())
}
