package reconcile

import (
	"fmt"
	"sort"
	"time"

	"github.com/hengadev/errsx"
)

// Report is the outcome of one tenant reconciliation.
type Report struct {
	TenantID   string    `json:"tenantId"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	DryRun     bool      `json:"dryRun"`

	// Scanned is the number of payloads listed, Known the number of catalog records.
	Scanned int `json:"scanned"`
	Known   int `json:"known"`

	// MissingInDB are payloads without a catalog record, MissingInStore
	// catalog records without a payload, both as seen by the scan.
	MissingInDB    []string `json:"missingInDb"`
	MissingInStore []string `json:"missingInStore"`

	// Created and Removed are the catalog records actually inserted and deleted.
	Created []string `json:"created"`
	Removed []string `json:"removed"`

	// OrphanPayloads have neither a catalog record nor a sidecar and need a
	// manual review. OrphanSidecars describe a payload that does not exist.
	OrphanPayloads []string `json:"orphanPayloads"`
	OrphanSidecars []string `json:"orphanSidecars"`

	Failures map[string]error `json:"-"`
}

func newReport(tenantID string, startedAt time.Time, dryRun bool) *Report {
	return &Report{
		TenantID:  tenantID,
		StartedAt: startedAt,
		DryRun:    dryRun,
		Failures:  make(map[string]error),
	}
}

// Empty reports whether the run found nothing to repair. Orphan payloads and
// orphan sidecars wait for a manual review and are reported by every run, so
// they do not count.
func (r *Report) Empty() bool {
	return len(r.MissingInDB) == len(r.OrphanPayloads) &&
		len(r.MissingInStore) == 0 &&
		len(r.Failures) == 0
}

// Err aggregates the per-key failures, nil when there are none.
func (r *Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	var errs errsx.Map
	for _, key := range r.FailedKeys() {
		errs.Set(key, r.Failures[key])
	}
	return errs.AsError()
}

// FailedKeys returns the keys of Failures in order.
func (r *Report) FailedKeys() []string {
	keys := make([]string, 0, len(r.Failures))
	for k := range r.Failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Duration returns how long the run took.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *Report) String() string {
	return fmt.Sprintf("tenant %s: scanned=%d known=%d missingInDb=%d missingInStore=%d created=%d removed=%d orphanPayloads=%d orphanSidecars=%d failures=%d",
		r.TenantID, r.Scanned, r.Known, len(r.MissingInDB), len(r.MissingInStore), len(r.Created), len(r.Removed),
		len(r.OrphanPayloads), len(r.OrphanSidecars), len(r.Failures))
}

// maxAuditKeys bounds the orphan keys copied into the audit entry of a run.
const maxAuditKeys = 20

// auditDetail summarises the run for the journal. Orphans are counted, and
// only the first keys are listed so an entry stays small whatever the tenant.
func (r *Report) auditDetail() map[string]any {
	return map[string]any{
		"created":           len(r.Created),
		"removed":           len(r.Removed),
		"orphanPayloads":    len(r.OrphanPayloads),
		"orphanSidecars":    len(r.OrphanSidecars),
		"orphanPayloadKeys": head(r.OrphanPayloads, maxAuditKeys),
		"orphanSidecarKeys": head(r.OrphanSidecars, maxAuditKeys),
		"failures":          len(r.Failures),
	}
}

func head(keys []string, n int) []string {
	if len(keys) <= n {
		return keys
	}
	return keys[:n]
}

func (r *Report) result() string {
	switch {
	case r.DryRun:
		return "dry_run"
	case len(r.Failures) > 0:
		return "partial"
	default:
		return "ok"
	}
}
