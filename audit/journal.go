// Package audit records every mutating or access action of the storage core
// in an append-only journal.
//
// The journal is advisory: a failed write is logged locally and counted, and
// never returned to the caller, so losing one audit line cannot block clinical
// data from being saved.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/internal/metrics"
)

// Sink persists journal entries.
type Sink interface {
	Name() string
	Write(ctx context.Context, entry medvault.AuditEntry) error
}

// Journal fans entries out to its sinks. A nil *Journal discards entries.
type Journal struct {
	sinks   []Sink
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger receiving failed writes.
func WithLogger(logger zerolog.Logger) Option {
	return func(j *Journal) {
		j.logger = logger
	}
}

// WithMetrics counts written entries and sink failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(j *Journal) {
		j.metrics = m
	}
}

// WithClock overrides the clock stamping entries.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) {
		j.now = now
	}
}

// New creates a journal writing to every sink.
func New(sinks []Sink, opts ...Option) *Journal {
	j := &Journal{
		sinks:  sinks,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Record appends an entry built from its parts.
func (j *Journal) Record(ctx context.Context, action medvault.AuditAction, resourceType, resourceID, tenantID, actorID string, detail map[string]any) {
	j.Append(ctx, medvault.AuditEntry{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		TenantID:     tenantID,
		ActorID:      actorID,
		Detail:       detail,
	})
}

// Append writes the entry to every sink. A zero timestamp is set to now.
func (j *Journal) Append(ctx context.Context, entry medvault.AuditEntry) {
	if j == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = j.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	entry.Detail = copyDetail(entry.Detail)

	var failed []string
	for _, sink := range j.sinks {
		if err := sink.Write(ctx, entry); err != nil {
			failed = append(failed, sink.Name())
			j.logger.Error().
				Err(err).
				Str("sink", sink.Name()).
				Str("action", string(entry.Action)).
				Str("resource_type", entry.ResourceType).
				Str("resource_id", entry.ResourceID).
				Str("tenant_id", entry.TenantID).
				Str("actor_id", entry.ActorID).
				Msg("audit write failed")
		}
	}
	j.metrics.RecordAudit(failed...)
}

func copyDetail(detail map[string]any) map[string]any {
	out := make(map[string]any, len(detail))
	for k, v := range detail {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		out[k] = v
	}
	return out
}
