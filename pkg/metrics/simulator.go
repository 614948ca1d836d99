package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains Prometheus metrics for the submission simulator.
type SimulatorMetrics struct {
	SubmissionsSent    *prometheus.CounterVec
	SubmissionFailures *prometheus.CounterVec
	ActiveDevices      prometheus.Gauge
}

// NewSimulatorMetrics creates and registers simulator metrics.
func NewSimulatorMetrics(namespace string) *SimulatorMetrics {
	m := &SimulatorMetrics{
		SubmissionsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "submissions_sent_total",
				Help:      "Total number of synthetic submissions sent by payload shape",
			},
			[]string{"shape"},
		),
		SubmissionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "submission_failures_total",
				Help:      "Total number of failed synthetic submissions by reason",
			},
			[]string{"reason"},
		),
		ActiveDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "active_devices",
				Help:      "Number of simulated devices currently running",
			},
		),
	}

	MustRegister(
		m.SubmissionsSent,
		m.SubmissionFailures,
		m.ActiveDevices,
	)

	return m
}
