package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks registry operation outcomes for the /metrics endpoint.
type Metrics struct {
	operations      *prometheus.CounterVec
	failures        *prometheus.CounterVec
	authentications *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		operations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bioreg_operations_total",
			Help: "Total registry commands applied, by operation",
		}, []string{"op"}),
		failures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bioreg_operation_failures_total",
			Help: "Registry commands rejected, by operation and error kind",
		}, []string{"op", "kind"}),
		authentications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bioreg_authentications_total",
			Help: "Authentication attempts logged, by caller-asserted outcome",
		}, []string{"outcome"}),
	}
}

// Operation records one applied command. An empty errKind means success.
func (m *Metrics) Operation(op string, errKind string) {
	m.operations.WithLabelValues(op).Inc()
	if errKind != "" {
		m.failures.WithLabelValues(op, errKind).Inc()
	}
}

// Authentication records one caller-asserted authentication outcome.
func (m *Metrics) Authentication(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.authentications.WithLabelValues(outcome).Inc()
}
