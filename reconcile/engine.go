// Package reconcile aligns the catalog with the object store.
//
// The object store is the source of truth for which objects exist. A payload
// without a catalog record is recovered from its sidecar, or reported as an
// orphan when it has none. A catalog record without a payload is deleted.
// Keys are the join point between both sides; metadata content is only read
// to rebuild a missing record.
//
// Two runs that write to the same tenant must not overlap, so they go through
// a Guard: SingleFlight within a process, RedisGuard across processes. Dry
// runs bypass the guard.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/audit"
	"github.com/hengadev/medvault/internal/metrics"
	"github.com/hengadev/medvault/namespace"
	"github.com/hengadev/medvault/objectstore"
	"github.com/hengadev/medvault/sidecar"
)

// Records is the catalog side of a reconciliation.
type Records interface {
	ObjectKeys(ctx context.Context, tenantID string) (map[string]struct{}, error)
	InsertObject(ctx context.Context, o medvault.StoredObject) error
	DeleteObject(ctx context.Context, key string) error
}

// Options tune one run.
type Options struct {
	// DryRun computes the report without touching the catalog.
	DryRun  bool
	ActorID string
}

// Engine reconciles tenants.
type Engine struct {
	ns       *namespace.Namespace
	store    objectstore.Client
	records  Records
	sidecars *sidecar.Writer
	guard    Guard
	journal  *audit.Journal
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithGuard replaces the in-process SingleFlight guard.
func WithGuard(g Guard) Option {
	return func(e *Engine) {
		e.guard = g
	}
}

// WithJournal records a reconcile entry for every run that writes.
func WithJournal(j *audit.Journal) Option {
	return func(e *Engine) {
		e.journal = j
	}
}

// WithLogger sets the logger, a no-op logger by default.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics records run outcomes and durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock replaces time.Now for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine.
func New(ns *namespace.Namespace, store objectstore.Client, records Records, opts ...Option) *Engine {
	e := &Engine{
		ns:       ns,
		store:    store,
		records:  records,
		sidecars: sidecar.NewWriter(store),
		guard:    &SingleFlight{},
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile runs one reconciliation of the tenant. A listing or catalog read
// failure aborts the run before any change; per-key failures are recorded in
// the report and processing continues.
func (e *Engine) Reconcile(ctx context.Context, tenantID string, opts Options) (*Report, error) {
	if _, err := e.ns.TenantPrefix(tenantID); err != nil {
		return nil, err
	}
	// A dry run only reads: it neither joins nor holds up a run that writes.
	if opts.DryRun {
		return e.run(ctx, tenantID, opts)
	}

	var ran atomic.Bool
	report, err := e.guard.Do(ctx, tenantID, func(ctx context.Context) (*Report, error) {
		ran.Store(true)
		return e.run(ctx, tenantID, opts)
	})
	if err == nil && !ran.Load() {
		// Joined a run started by another caller.
		detail := report.auditDetail()
		detail["joined"] = true
		e.journal.Record(ctx, medvault.ActionReconcile, "tenant", tenantID, tenantID, opts.ActorID, detail)
	}
	return report, err
}

// Outcome is the result of one tenant in ReconcileAll.
type Outcome struct {
	TenantID string
	Report   *Report
	Err      error
}

// ReconcileAll reconciles the tenants one after the other. A failing tenant
// does not stop the others.
func (e *Engine) ReconcileAll(ctx context.Context, tenantIDs []string, opts Options) []Outcome {
	outcomes := make([]Outcome, 0, len(tenantIDs))
	for _, id := range tenantIDs {
		if ctx.Err() != nil {
			outcomes = append(outcomes, Outcome{TenantID: id, Err: ctx.Err()})
			continue
		}
		report, err := e.Reconcile(ctx, id, opts)
		if err != nil {
			e.logger.Error().Err(err).Str("tenant_id", id).Msg("reconciliation failed")
		}
		outcomes = append(outcomes, Outcome{TenantID: id, Report: report, Err: err})
	}
	return outcomes
}

type scan struct {
	payloads map[string]objectstore.ObjectInfo
	sidecars map[string]struct{}
}

func (e *Engine) list(ctx context.Context, prefix string) (scan, error) {
	s := scan{
		payloads: make(map[string]objectstore.ObjectInfo),
		sidecars: make(map[string]struct{}),
	}
	err := e.store.List(ctx, prefix, func(info objectstore.ObjectInfo) error {
		switch {
		case namespace.IsSidecar(info.Key):
			if !namespace.IsDirectory(namespace.PayloadKey(info.Key)) {
				s.sidecars[info.Key] = struct{}{}
			}
		case namespace.IsPlaceholder(info.Key), namespace.IsDirectory(info.Key):
		default:
			s.payloads[info.Key] = info
		}
		return nil
	})
	return s, err
}

func (e *Engine) run(ctx context.Context, tenantID string, opts Options) (*Report, error) {
	prefix, err := e.ns.TenantPrefix(tenantID)
	if err != nil {
		return nil, err
	}
	logger := e.logger.With().Str("tenant_id", tenantID).Bool("dry_run", opts.DryRun).Logger()
	report := newReport(tenantID, e.now().UTC(), opts.DryRun)

	listed, err := e.list(ctx, prefix)
	if err != nil {
		e.metrics.RecordReconcile("failed", 0, 0, 0, e.now().Sub(report.StartedAt))
		return nil, fmt.Errorf("reconciliation of tenant '%s' aborted, listing failed: %w", tenantID, err)
	}
	known, err := e.records.ObjectKeys(ctx, tenantID)
	if err != nil {
		e.metrics.RecordReconcile("failed", 0, 0, 0, e.now().Sub(report.StartedAt))
		return nil, fmt.Errorf("reconciliation of tenant '%s' aborted, catalog read failed: %w", tenantID, err)
	}
	report.Scanned = len(listed.payloads)
	report.Known = len(known)

	for key := range listed.payloads {
		if _, ok := known[key]; !ok {
			report.MissingInDB = append(report.MissingInDB, key)
		}
	}
	for key := range known {
		if _, ok := listed.payloads[key]; !ok {
			report.MissingInStore = append(report.MissingInStore, key)
		}
	}
	for key := range listed.sidecars {
		if _, ok := listed.payloads[namespace.PayloadKey(key)]; !ok {
			report.OrphanSidecars = append(report.OrphanSidecars, key)
		}
	}
	sort.Strings(report.MissingInDB)
	sort.Strings(report.MissingInStore)
	sort.Strings(report.OrphanSidecars)

	for _, key := range report.MissingInDB {
		if _, ok := listed.sidecars[namespace.SidecarKey(key)]; !ok {
			report.OrphanPayloads = append(report.OrphanPayloads, key)
			logger.Warn().Err(medvault.ErrOrphanPayload).Str("key", key).Msg("payload has neither record nor sidecar")
			continue
		}
		obj, err := e.recover(ctx, tenantID, key, listed.payloads[key])
		if errors.Is(err, medvault.ErrNotFound) {
			report.OrphanPayloads = append(report.OrphanPayloads, key)
			logger.Warn().Err(medvault.ErrOrphanPayload).Str("key", key).Msg("sidecar vanished during reconciliation")
			continue
		}
		if err != nil {
			report.Failures[key] = err
			continue
		}
		if opts.DryRun {
			continue
		}
		if err := e.records.InsertObject(ctx, obj); err != nil {
			report.Failures[key] = err
			continue
		}
		report.Created = append(report.Created, key)
	}

	for _, key := range report.MissingInStore {
		if opts.DryRun {
			continue
		}
		if err := e.records.DeleteObject(ctx, key); err != nil && !errors.Is(err, medvault.ErrNotFound) {
			report.Failures[key] = err
			continue
		}
		report.Removed = append(report.Removed, key)
	}

	report.FinishedAt = e.now().UTC()
	orphans := len(report.OrphanPayloads) + len(report.OrphanSidecars)
	e.metrics.RecordReconcile(report.result(), len(report.Created), len(report.Removed), orphans, report.Duration())

	event := logger.Info()
	if len(report.Failures) > 0 {
		event = logger.Warn().Err(report.Err())
	}
	event.Int("scanned", report.Scanned).
		Int("created", len(report.Created)).
		Int("removed", len(report.Removed)).
		Int("orphans", orphans).
		Dur("duration", report.Duration()).
		Msg("reconciled")

	if !opts.DryRun {
		e.journal.Record(ctx, medvault.ActionReconcile, "tenant", tenantID, tenantID, opts.ActorID, report.auditDetail())
	}
	return report, nil
}

// recover rebuilds the catalog record of a payload from its sidecar. The key
// decides tenant, owner and category whenever it parses.
func (e *Engine) recover(ctx context.Context, tenantID, key string, info objectstore.ObjectInfo) (medvault.StoredObject, error) {
	desc, err := e.sidecars.Read(ctx, key)
	if err != nil {
		return medvault.StoredObject{}, err
	}
	obj, err := desc.StoredObject(key)
	if err != nil {
		return medvault.StoredObject{}, err
	}
	obj.TenantID = tenantID
	if parts, err := e.ns.Parse(key); err == nil {
		obj.OwnerID = parts.OwnerID
		obj.Category = string(parts.Category)
	}
	if obj.ID == "" {
		obj.ID = uuid.NewString()
	}
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = info.LastModified
	}
	if obj.ContentType == "" {
		obj.ContentType = info.ContentType
	}
	return obj, nil
}
