// Package provision materializes the folder layout of tenants and owners in
// the object store.
//
// Provisioning is not atomic. Each category folder is a zero-byte placeholder
// written independently; a failed write leaves the folders already created in
// place and the outcome is reported as a Partial Result. Writes are
// idempotent, so a Partial or Failed run is fixed by running it again.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/audit"
	"github.com/hengadev/medvault/envelope"
	"github.com/hengadev/medvault/internal/metrics"
	"github.com/hengadev/medvault/namespace"
	"github.com/hengadev/medvault/objectstore"
	"github.com/hengadev/medvault/sidecar"
)

// Status is the outcome of one provisioning run.
type Status string

const (
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial"
	StatusFailed   Status = "failed"
)

// Result reports what a provisioning run created.
type Result struct {
	Status Status
	// Prefix is the tenant or owner prefix that was provisioned.
	Prefix         string
	FoldersCreated int
	FoldersFailed  int
	// Failed lists the keys whose write failed.
	Failed []string
	// Owner is the provisioned owner with its sealed fields, nil for tenants.
	Owner *medvault.Owner
}

// OwnerStore persists owner rows for RegisterOwner.
type OwnerStore interface {
	CreateOwner(ctx context.Context, o medvault.Owner) error
	RemoveOwner(ctx context.Context, tenantID, id string) error
}

// Provisioner writes folder placeholders and directory sidecars.
type Provisioner struct {
	ns       *namespace.Namespace
	store    objectstore.Client
	sidecars *sidecar.Writer
	envelope *envelope.Envelope
	owners   OwnerStore
	journal  *audit.Journal
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithOwnerStore persists owners registered through RegisterOwner.
func WithOwnerStore(owners OwnerStore) Option {
	return func(p *Provisioner) {
		p.owners = owners
	}
}

// WithJournal records provision entries.
func WithJournal(j *audit.Journal) Option {
	return func(p *Provisioner) {
		p.journal = j
	}
}

// WithLogger sets the logger, a no-op logger by default.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provisioner) {
		p.logger = logger
	}
}

// WithMetrics records provisioning outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provisioner) {
		p.metrics = m
	}
}

// WithClock replaces time.Now for owner creation times.
func WithClock(now func() time.Time) Option {
	return func(p *Provisioner) {
		p.now = now
	}
}

// New creates a Provisioner for the department of ns.
func New(ns *namespace.Namespace, store objectstore.Client, env *envelope.Envelope, opts ...Option) *Provisioner {
	p := &Provisioner{
		ns:       ns,
		store:    store,
		sidecars: sidecar.NewWriter(store),
		envelope: env,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProvisionTenant creates the category folders directly under the tenant prefix.
func (p *Provisioner) ProvisionTenant(ctx context.Context, tenant medvault.Tenant, actorID string) (Result, error) {
	prefix, err := p.ns.TenantPrefix(tenant.ID)
	if err != nil {
		return Result{Status: StatusFailed}, err
	}

	desc := sidecar.Descriptor{
		Kind:       sidecar.KindDirectory,
		TenantID:   tenant.ID,
		UploadedAt: p.now().UTC(),
		Tags:       map[string]string{"name": tenant.Name, "department": p.ns.Department().Name},
	}
	res, err := p.provision(ctx, tenant.ID, "", prefix, desc)

	p.metrics.RecordProvision("tenant", string(res.Status))
	p.journal.Record(ctx, medvault.ActionProvision, "tenant", tenant.ID, tenant.ID, actorID, detail(res, err))
	return res, err
}

// ProvisionOwner seals the sensitive initial fields of an owner and creates
// its category folders. The returned Result carries the owner record.
func (p *Provisioner) ProvisionOwner(ctx context.Context, tenantID, ownerID string, initialFields map[string]string, actorID string) (Result, error) {
	owner, err := p.sealOwner(ctx, tenantID, ownerID, initialFields)
	if err != nil {
		return Result{Status: StatusFailed}, err
	}
	return p.provisionOwner(ctx, owner, actorID)
}

// RegisterOwner persists the owner row, then provisions its folders. When
// provisioning does not complete the row is removed again and the error is
// returned; the placeholders already written are left for a later retry.
func (p *Provisioner) RegisterOwner(ctx context.Context, tenantID, ownerID string, initialFields map[string]string, actorID string) (Result, error) {
	if p.owners == nil {
		return Result{Status: StatusFailed}, fmt.Errorf("%w: no owner store configured", medvault.ErrInvalidConfiguration)
	}
	owner, err := p.sealOwner(ctx, tenantID, ownerID, initialFields)
	if err != nil {
		return Result{Status: StatusFailed}, err
	}
	if err := p.owners.CreateOwner(ctx, owner); err != nil {
		return Result{Status: StatusFailed}, err
	}

	res, err := p.provisionOwner(ctx, owner, actorID)
	if err != nil {
		if rbErr := p.owners.RemoveOwner(context.WithoutCancel(ctx), tenantID, ownerID); rbErr != nil {
			p.logger.Error().Err(rbErr).
				Str("tenant_id", tenantID).
				Str("owner_id", ownerID).
				Msg("failed to roll back owner row")
			return res, errors.Join(err, rbErr)
		}
		return res, err
	}

	p.journal.Record(ctx, medvault.ActionCreate, "owner", ownerID, tenantID, actorID, nil)
	return res, nil
}

func (p *Provisioner) sealOwner(ctx context.Context, tenantID, ownerID string, fields map[string]string) (medvault.Owner, error) {
	if _, err := p.ns.OwnerPrefix(tenantID, ownerID); err != nil {
		return medvault.Owner{}, err
	}
	plain, sealed, err := p.envelope.SealFields(ctx, fields, p.ns.Department().SensitiveFields)
	if err != nil {
		return medvault.Owner{}, err
	}
	return medvault.Owner{
		ID:        ownerID,
		TenantID:  tenantID,
		Status:    medvault.OwnerActive,
		Fields:    plain,
		Sensitive: sealed,
		CreatedAt: p.now().UTC(),
	}, nil
}

func (p *Provisioner) provisionOwner(ctx context.Context, owner medvault.Owner, actorID string) (Result, error) {
	prefix, err := p.ns.OwnerPrefix(owner.TenantID, owner.ID)
	if err != nil {
		return Result{Status: StatusFailed}, err
	}

	desc := sidecar.Descriptor{
		Kind:       sidecar.KindDirectory,
		TenantID:   owner.TenantID,
		OwnerID:    owner.ID,
		UploadedAt: owner.CreatedAt,
		Fields:     owner.Fields,
		Sensitive:  owner.Sensitive,
	}
	for _, s := range owner.Sensitive {
		if s.Encrypted {
			desc.Encrypted = true
			desc.KeyVersion = s.KeyVersion
			break
		}
	}

	res, err := p.provision(ctx, owner.TenantID, owner.ID, prefix, desc)
	res.Owner = &owner

	p.metrics.RecordProvision("owner", string(res.Status))
	p.journal.Record(ctx, medvault.ActionProvision, "owner", owner.ID, owner.TenantID, actorID, detail(res, err))
	return res, err
}

// provision writes every folder placeholder of the entity, then its directory
// sidecar. It keeps going after a failed write.
func (p *Provisioner) provision(ctx context.Context, tenantID, ownerID, prefix string, desc sidecar.Descriptor) (Result, error) {
	logger := p.logger.With().Str("tenant_id", tenantID).Str("prefix", prefix).Logger()
	res := Result{Prefix: prefix}

	var firstErr error
	fail := func(key string, err error) {
		res.FoldersFailed++
		res.Failed = append(res.Failed, key)
		if firstErr == nil {
			firstErr = err
		}
		logger.Warn().Err(err).Str("key", key).Msg("provisioning write failed")
	}

	dept := p.ns.Department()
	for _, c := range dept.Categories() {
		folder, err := p.ns.Resolve(tenantID, ownerID, c)
		if err != nil {
			return Result{Status: StatusFailed, Prefix: prefix}, err
		}
		key := namespace.PlaceholderKey(folder)
		if err := p.store.Put(ctx, key, []byte{}, "application/x-directory"); err != nil {
			fail(key, err)
			continue
		}
		res.FoldersCreated++
		folderName, _ := dept.Folder(c)
		desc.Folders = append(desc.Folders, folderName)
	}

	if res.FoldersCreated > 0 {
		if err := p.sidecars.Write(ctx, prefix, desc); err != nil {
			fail(namespace.SidecarKey(prefix), err)
		}
	}

	switch {
	case res.FoldersFailed == 0:
		res.Status = StatusComplete
		logger.Info().Int("folders", res.FoldersCreated).Msg("provisioned")
		return res, nil
	case res.FoldersCreated == 0:
		res.Status = StatusFailed
		return res, fmt.Errorf("provisioning of '%s' failed: %w", prefix, firstErr)
	default:
		res.Status = StatusPartial
		return res, fmt.Errorf("%w: %w", medvault.NewPartialProvisioningError(prefix, res.FoldersCreated, res.FoldersFailed), firstErr)
	}
}

func detail(res Result, err error) map[string]any {
	d := map[string]any{
		"status":         string(res.Status),
		"foldersCreated": res.FoldersCreated,
		"foldersFailed":  res.FoldersFailed,
	}
	if err != nil {
		d["error"] = err
	}
	return d
}
