// Package metrics holds process counters exposed on status server /metrics.
package metrics

import (
	"math"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/raven-relay/hardware/raven"
	"github.com/temoto/raven-relay/internal/pvoutput"
	"github.com/temoto/raven-relay/internal/relay"
	"github.com/temoto/raven-relay/internal/tele"
)

const namespace = "raven_relay"

type Metrics struct {
	reg *prometheus.Registry

	BytesRead    prometheus.Counter
	Discarded    prometheus.Counter
	Samples      prometheus.Counter
	DeviceErrors prometheus.Counter
	Reopens      prometheus.Counter

	Connects       prometheus.Counter
	ConnectErrors  prometheus.Counter
	ConnectionLost prometheus.Counter
	Published      prometheus.Counter
	PublishErrors  prometheus.Counter
	Abandoned      prometheus.Counter

	Uploads      prometheus.Counter
	UploadErrors prometheus.Counter

	LogErrors prometheus.Counter
	Connected prometheus.Gauge
}

func counter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// New creates metrics on private registry, so tests may create many.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),

		BytesRead:    counter("device", "read_bytes_total", "Bytes read from serial device."),
		Discarded:    counter("device", "discarded_fragments_total", "Malformed or oversized XML fragments dropped."),
		Samples:      counter("relay", "samples_total", "Device samples relayed to broker."),
		DeviceErrors: counter("relay", "device_errors_total", "Device read faults."),
		Reopens:      counter("relay", "device_reopens_total", "Device reopen attempts after consecutive faults."),

		Connects:       counter("mqtt", "connects_total", "Successful broker sessions."),
		ConnectErrors:  counter("mqtt", "connect_errors_total", "Failed broker connect attempts."),
		ConnectionLost: counter("mqtt", "connection_lost_total", "Broker connections lost."),
		Published:      counter("mqtt", "published_total", "Messages acknowledged by broker."),
		PublishErrors:  counter("mqtt", "publish_errors_total", "Failed publish attempts."),
		Abandoned:      counter("mqtt", "abandoned_total", "Messages abandoned on shutdown."),

		Uploads:      counter("pvoutput", "uploads_total", "Successful status uploads."),
		UploadErrors: counter("pvoutput", "upload_errors_total", "Skipped ticks because of upload failure."),

		LogErrors: counter("", "log_errors_total", "Errors logged by any component."),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "connected",
			Help:      "1 while broker session is up.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BytesRead, m.Discarded, m.Samples, m.DeviceErrors, m.Reopens,
		m.Connects, m.ConnectErrors, m.ConnectionLost, m.Published, m.PublishErrors, m.Abandoned,
		m.Uploads, m.UploadErrors,
		m.LogErrors, m.Connected,
	)
	return m
}

// RegisterDemand exposes last known demand, NaN while unknown.
func (m *Metrics) RegisterDemand(d pvoutput.Demander) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "demand_watts",
		Help:      "Last known instantaneous demand, positive is import.",
	}, func() float64 {
		if w, ok := d.Demand(); ok {
			return w
		}
		return math.NaN()
	}))
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) DeviceStat() raven.Stat {
	return raven.Stat{BytesRead: m.BytesRead, Discarded: m.Discarded}
}

func (m *Metrics) RelayStat() relay.Stat {
	return relay.Stat{Samples: m.Samples, DeviceErrors: m.DeviceErrors, Reopens: m.Reopens}
}

func (m *Metrics) TeleStat() tele.Stat {
	return tele.Stat{
		Connects:       m.Connects,
		ConnectErrors:  m.ConnectErrors,
		ConnectionLost: m.ConnectionLost,
		Published:      m.Published,
		PublishErrors:  m.PublishErrors,
		Abandoned:      m.Abandoned,
	}
}

func (m *Metrics) PVOutputStat() pvoutput.Stat {
	return pvoutput.Stat{Uploads: m.Uploads, UploadErrors: m.UploadErrors}
}

// LogError fits log2.ErrorFunc.
func (m *Metrics) LogError(error) { m.LogErrors.Inc() }

// SessionEvents keeps Connected gauge in sync with broker session.
func (m *Metrics) OnConnect(tele.SessionState) { m.Connected.Set(1) }
func (m *Metrics) OnConnectionLost(error)      { m.Connected.Set(0) }
