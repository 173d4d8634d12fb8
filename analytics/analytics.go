// Package analytics summarizes the objects of a tenant in one pass over its
// object store listing.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/hengadev/medvault/namespace"
	"github.com/hengadev/medvault/objectstore"
)

// MonthLayout formats the histogram buckets.
const MonthLayout = "2006-01"

// Bucket is an object count and its bytes.
type Bucket struct {
	Objects int64 `json:"objects"`
	Bytes   int64 `json:"bytes"`
}

func (b *Bucket) add(size int64) {
	b.Objects++
	b.Bytes += size
}

// Summary is the aggregate of one tenant.
type Summary struct {
	TenantID string     `json:"tenantId"`
	Since    *time.Time `json:"since,omitempty"`

	Objects int64 `json:"objects"`
	Bytes   int64 `json:"bytes"`

	ByCategory map[string]*Bucket `json:"byCategory"`
	// ByOwner holds owner-scoped objects only; tenant-level objects count in the totals.
	ByOwner map[string]*Bucket `json:"byOwner"`
	// ByMonth is keyed by the UTC month of the last modification, "2006-01".
	ByMonth map[string]*Bucket `json:"byMonth"`

	// Unrecognized counts payloads under the tenant prefix whose key does not
	// map to a category of the department.
	Unrecognized int64 `json:"unrecognized"`
	// OrphanSidecars are sidecars listed without their payload.
	OrphanSidecars []string `json:"orphanSidecars"`
}

// Months returns the histogram months in chronological order.
func (s *Summary) Months() []string {
	return sortedKeys(s.ByMonth)
}

// Categories returns the categories in order.
func (s *Summary) Categories() []string {
	return sortedKeys(s.ByCategory)
}

// Owners returns the owner ids in order.
func (s *Summary) Owners() []string {
	return sortedKeys(s.ByOwner)
}

func sortedKeys(m map[string]*Bucket) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func bucket(m map[string]*Bucket, key string) *Bucket {
	b, ok := m[key]
	if !ok {
		b = &Bucket{}
		m[key] = b
	}
	return b
}

// Aggregator computes summaries.
type Aggregator struct {
	ns     *namespace.Namespace
	store  objectstore.Client
	logger zerolog.Logger
}

// New creates an Aggregator.
func New(ns *namespace.Namespace, store objectstore.Client, logger zerolog.Logger) *Aggregator {
	return &Aggregator{ns: ns, store: store, logger: logger}
}

// Aggregate folds the tenant listing into a Summary. Objects modified before
// since are left out of the counts when since is not nil; orphan sidecars are
// always reported.
//
// A payload sorts before its sidecar in a listing, so a sidecar is matched
// against the payloads seen so far. A payload stops being tracked once the
// listing has moved past the key its sidecar would have.
func (a *Aggregator) Aggregate(ctx context.Context, tenantID string, since *time.Time) (*Summary, error) {
	prefix, err := a.ns.TenantPrefix(tenantID)
	if err != nil {
		return nil, err
	}
	s := &Summary{
		TenantID:   tenantID,
		ByCategory: make(map[string]*Bucket),
		ByOwner:    make(map[string]*Bucket),
		ByMonth:    make(map[string]*Bucket),
	}
	if since != nil {
		t := since.UTC()
		s.Since = &t
	}

	pending := make(map[string]struct{})
	var queue []string

	err = a.store.List(ctx, prefix, func(info objectstore.ObjectInfo) error {
		for len(queue) > 0 && namespace.SidecarKey(queue[0]) < info.Key {
			delete(pending, queue[0])
			queue = queue[1:]
		}

		switch {
		case namespace.IsSidecar(info.Key):
			payload := namespace.PayloadKey(info.Key)
			if namespace.IsDirectory(payload) {
				return nil
			}
			if _, ok := pending[payload]; ok {
				delete(pending, payload)
				return nil
			}
			s.OrphanSidecars = append(s.OrphanSidecars, info.Key)
			return nil
		case namespace.IsPlaceholder(info.Key), namespace.IsDirectory(info.Key):
			return nil
		}

		pending[info.Key] = struct{}{}
		queue = append(queue, info.Key)
		a.count(s, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate tenant '%s': %w", tenantID, err)
	}

	a.logger.Debug().
		Str("tenant_id", tenantID).
		Int64("objects", s.Objects).
		Int64("bytes", s.Bytes).
		Int("orphan_sidecars", len(s.OrphanSidecars)).
		Msg("aggregated")
	return s, nil
}

func (a *Aggregator) count(s *Summary, info objectstore.ObjectInfo) {
	modified := info.LastModified.UTC()
	if s.Since != nil && modified.Before(*s.Since) {
		return
	}
	s.Objects++
	s.Bytes += info.Size
	bucket(s.ByMonth, modified.Format(MonthLayout)).add(info.Size)

	parts, err := a.ns.Parse(info.Key)
	if err != nil {
		s.Unrecognized++
		return
	}
	bucket(s.ByCategory, string(parts.Category)).add(info.Size)
	if parts.OwnerID != "" {
		bucket(s.ByOwner, parts.OwnerID).add(info.Size)
	}
}
