package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the preview service.
type Metrics struct {
	PanelsActive     prometheus.Gauge
	ScrollReports    *prometheus.CounterVec
	ScrollApplied    prometheus.Counter
	ScrollSuppressed prometheus.Counter
	Transitions      *prometheus.CounterVec
	CommandErrors    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. A nil reg creates a private
// registry, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		PanelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sandbox_panels_active",
			Help: "Number of mounted rendering panels",
		}),
		ScrollReports: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_scroll_reports_total",
			Help: "Scroll positions reported by panels",
		}, []string{"panel"}),
		ScrollApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_scroll_applied_total",
			Help: "Broadcast positions applied to a receiving panel",
		}),
		ScrollSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_scroll_suppressed_total",
			Help: "Broadcast positions dropped inside the dead zone",
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_transitions_total",
			Help: "Sandbox state transitions",
		}, []string{"kind"}),
		CommandErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_command_errors_total",
			Help: "Rejected sandbox commands",
		}, []string{"command"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_ws_messages_total",
			Help: "WebSocket messages received, by type",
		}, []string{"type"}),
	}
}
