package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordUpload("lab_result", true, 10)
		m.RecordAccess("open")
		m.RecordDecryptFailure()
		m.RecordAudit("file")
		m.RecordProvision("tenant", "complete")
		m.RecordReconcile("ok", 1, 2, 3, time.Second)
		m.RecordStoreRetry("put")
	})
	assert.Nil(t, m.Registry())
}

func TestRecordUpload(t *testing.T) {
	m := New()
	m.RecordUpload("lab_result", true, 3072)
	m.RecordUpload("lab_result", true, 4096)
	m.RecordUpload("prescription", false, 10)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.UploadsTotal.WithLabelValues("lab_result", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UploadsTotal.WithLabelValues("prescription", "false")))
	assert.Equal(t, 7178.0, testutil.ToFloat64(m.UploadedBytes))
}

func TestRecordAudit(t *testing.T) {
	m := New()
	m.RecordAudit()
	m.RecordAudit("file", "mirror")
	m.RecordAudit("mirror")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.AuditWrites))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditWriteFailures.WithLabelValues("file")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AuditWriteFailures.WithLabelValues("mirror")))
}

func TestRecordReconcile(t *testing.T) {
	m := New()
	m.RecordReconcile("ok", 1, 2, 3, 250*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileRuns.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileChanges.WithLabelValues("created")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReconcileChanges.WithLabelValues("removed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ReconcileChanges.WithLabelValues("orphan")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.RecordDecryptFailure()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "medvault_decrypt_failures_total 1")
}
