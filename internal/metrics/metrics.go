// Package metrics exposes the Prometheus collectors of the storage core.
//
// A nil *Metrics is valid and records nothing, so components take it as an
// optional dependency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "medvault"

// Metrics holds all Prometheus metrics for the storage core.
type Metrics struct {
	// Object metrics
	UploadsTotal  *prometheus.CounterVec // medvault_uploads_total{category,encrypted}
	UploadedBytes prometheus.Counter     // medvault_uploaded_bytes_total
	AccessTotal   *prometheus.CounterVec // medvault_object_access_total{kind}

	// Crypto metrics
	DecryptFailures prometheus.Counter // medvault_decrypt_failures_total

	// Audit metrics
	AuditWrites        prometheus.Counter     // medvault_audit_writes_total
	AuditWriteFailures *prometheus.CounterVec // medvault_audit_write_failures_total{sink}

	// Provisioning metrics
	ProvisionTotal *prometheus.CounterVec // medvault_provision_total{entity,status}

	// Reconciliation metrics
	ReconcileRuns     *prometheus.CounterVec // medvault_reconcile_runs_total{result}
	ReconcileChanges  *prometheus.CounterVec // medvault_reconcile_changes_total{change}
	ReconcileDuration prometheus.Histogram   // medvault_reconcile_duration_seconds

	// Store metrics
	StoreRetries *prometheus.CounterVec // medvault_store_retries_total{operation}

	registry *prometheus.Registry
}

// New registers every collector on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		UploadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Uploaded objects by category and encryption",
		}, []string{"category", "encrypted"}),

		UploadedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Total plaintext bytes uploaded",
		}),

		AccessTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "object_access_total",
			Help:      "Object reads and presigned URLs issued",
		}, []string{"kind"}),

		DecryptFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_failures_total",
			Help:      "Payloads or fields that failed authentication on decryption",
		}),

		AuditWrites: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_writes_total",
			Help:      "Audit entries recorded",
		}),

		AuditWriteFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit entries a sink failed to persist",
		}, []string{"sink"}),

		ProvisionTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_total",
			Help:      "Provisioning runs by entity and outcome",
		}, []string{"entity", "status"}),

		ReconcileRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation runs by result",
		}, []string{"result"}),

		ReconcileChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_changes_total",
			Help:      "Records created, removed and orphans found by reconciliation",
		}, []string{"change"}),

		ReconcileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of one tenant reconciliation",
			Buckets:   prometheus.DefBuckets,
		}),

		StoreRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Object store calls retried after a transient failure",
		}, []string{"operation"}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordUpload records one stored object.
func (m *Metrics) RecordUpload(category string, encrypted bool, bytes int64) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(category, boolLabel(encrypted)).Inc()
	m.UploadedBytes.Add(float64(bytes))
}

// RecordAccess records a read ("open") or presigned URL ("presign").
func (m *Metrics) RecordAccess(kind string) {
	if m == nil {
		return
	}
	m.AccessTotal.WithLabelValues(kind).Inc()
}

// RecordDecryptFailure records a ciphertext that failed authentication.
func (m *Metrics) RecordDecryptFailure() {
	if m == nil {
		return
	}
	m.DecryptFailures.Inc()
}

// RecordAudit records an audit entry and the sinks that failed to persist it.
func (m *Metrics) RecordAudit(failedSinks ...string) {
	if m == nil {
		return
	}
	m.AuditWrites.Inc()
	for _, sink := range failedSinks {
		if sink != "" {
			m.AuditWriteFailures.WithLabelValues(sink).Inc()
		}
	}
}

// RecordProvision records a provisioning outcome for a tenant or owner.
func (m *Metrics) RecordProvision(entity, status string) {
	if m == nil {
		return
	}
	m.ProvisionTotal.WithLabelValues(entity, status).Inc()
}

// RecordReconcile records one reconciliation run.
func (m *Metrics) RecordReconcile(result string, created, removed, orphans int, d time.Duration) {
	if m == nil {
		return
	}
	m.ReconcileRuns.WithLabelValues(result).Inc()
	m.ReconcileChanges.WithLabelValues("created").Add(float64(created))
	m.ReconcileChanges.WithLabelValues("removed").Add(float64(removed))
	m.ReconcileChanges.WithLabelValues("orphan").Add(float64(orphans))
	m.ReconcileDuration.Observe(d.Seconds())
}

// RecordStoreRetry records a retried object store call.
func (m *Metrics) RecordStoreRetry(operation string) {
	if m == nil {
		return
	}
	m.StoreRetries.WithLabelValues(operation).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
