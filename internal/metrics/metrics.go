package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodia",
		Name:      "operations_total",
		Help:      "Assignment operations broken down by operation and result.",
	}, []string{"op", "result"})

	conflictsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custodia",
		Name:      "conflicts_detected_total",
		Help:      "Assignment attempts rejected because of a schedule conflict.",
	})

	conflictCheckDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodia",
		Name:      "conflict_check_degraded_total",
		Help:      "Conflict checks that failed and were treated as empty under the fail_open policy.",
	}, []string{"check"})

	auditFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custodia",
		Name:      "audit_failures_total",
		Help:      "Audit records that could not be written or were dropped.",
	})

	webhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodia",
		Subsystem: "notify",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries broken down by event type and result.",
	}, []string{"type", "result"})
)

// Operation counts one assignment operation outcome. result is one of ok,
// noop, validation, conflict, lease, stale, store.
func Operation(op, result string) {
	operations.WithLabelValues(op, result).Inc()
}

func ConflictDetected() {
	conflictsDetected.Inc()
}

// ConflictCheckDegraded counts a fail-open conflict check. check is exact or window.
func ConflictCheckDegraded(check string) {
	conflictCheckDegraded.WithLabelValues(check).Inc()
}

func AuditFailure() {
	auditFailures.Inc()
}

func WebhookDelivery(evtType string, ok bool) {
	result := "failed"
	if ok {
		result = "delivered"
	}
	webhookDeliveries.WithLabelValues(evtType, result).Inc()
}
