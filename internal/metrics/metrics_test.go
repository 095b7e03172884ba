package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(operations.WithLabelValues("assign_custodian", "conflict"))
	Operation("assign_custodian", "conflict")
	assert.Equal(t, before+1, testutil.ToFloat64(operations.WithLabelValues("assign_custodian", "conflict")))

	degraded := testutil.ToFloat64(conflictCheckDegraded.WithLabelValues("window"))
	ConflictCheckDegraded("window")
	assert.Equal(t, degraded+1, testutil.ToFloat64(conflictCheckDegraded.WithLabelValues("window")))

	failed := testutil.ToFloat64(webhookDeliveries.WithLabelValues("service.created", "failed"))
	WebhookDelivery("service.created", false)
	assert.Equal(t, failed+1, testutil.ToFloat64(webhookDeliveries.WithLabelValues("service.created", "failed")))

	audits := testutil.ToFloat64(auditFailures)
	AuditFailure()
	assert.Equal(t, audits+1, testutil.ToFloat64(auditFailures))

	conflicts := testutil.ToFloat64(conflictsDetected)
	ConflictDetected()
	assert.Equal(t, conflicts+1, testutil.ToFloat64(conflictsDetected))
}
