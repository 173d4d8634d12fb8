// Package files implements the upload, download, presign and delete flows of
// stored objects.
//
// An upload writes the payload, then its sidecar, then the catalog record.
// A failed step undoes the previous ones so that no partial object is left
// behind. Reads always decrypt with the key version recorded on the object.
package files

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/audit"
	"github.com/hengadev/medvault/envelope"
	"github.com/hengadev/medvault/internal/metrics"
	"github.com/hengadev/medvault/namespace"
	"github.com/hengadev/medvault/objectstore"
	"github.com/hengadev/medvault/sidecar"
)

// EncryptedContentType is the stored content type of encrypted payloads.
const EncryptedContentType = "application/octet-stream"

// Catalog is the part of the catalog the file flows use.
type Catalog interface {
	Tenant(ctx context.Context, id string) (medvault.Tenant, error)
	Usage(ctx context.Context, tenantID string) (int64, error)
	InsertObjectWithinQuota(ctx context.Context, o medvault.StoredObject) error
	ObjectByKey(ctx context.Context, key string) (medvault.StoredObject, error)
	TouchObject(ctx context.Context, key string, at time.Time) error
	DeleteObject(ctx context.Context, key string) error
}

// UploadRequest describes one file to store.
type UploadRequest struct {
	TenantID string
	// OwnerID is empty for tenant-level files.
	OwnerID     string
	Category    namespace.Category
	Filename    string
	ContentType string
	Data        []byte
	ActorID     string
	Tags        map[string]string
	// Encrypt forces encryption of a category the department stores in clear.
	Encrypt bool
}

// Service runs the file flows of one department.
type Service struct {
	ns       *namespace.Namespace
	store    objectstore.Client
	sidecars *sidecar.Writer
	envelope *envelope.Envelope
	catalog  Catalog
	journal  *audit.Journal
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() uuid.UUID
}

// Option configures a Service.
type Option func(*Service)

// WithJournal records upload, access and delete entries.
func WithJournal(j *audit.Journal) Option {
	return func(s *Service) {
		s.journal = j
	}
}

// WithLogger sets the logger, a no-op logger by default.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics records uploads, accesses and decryption failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock replaces time.Now for creation and access times.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a Service.
func New(ns *namespace.Namespace, store objectstore.Client, env *envelope.Envelope, catalog Catalog, opts ...Option) *Service {
	s := &Service{
		ns:       ns,
		store:    store,
		sidecars: sidecar.NewWriter(store),
		envelope: env,
		catalog:  catalog,
		logger:   zerolog.Nop(),
		now:      time.Now,
		newID:    uuid.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ContentHash returns the hex SHA-256 of plaintext content.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Upload stores a new object and returns its catalog record.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (medvault.StoredObject, error) {
	tenant, err := s.catalog.Tenant(ctx, req.TenantID)
	if err != nil {
		return medvault.StoredObject{}, err
	}
	if tenant.Status != medvault.TenantActive {
		return medvault.StoredObject{}, fmt.Errorf("%w: tenant '%s' is %s", medvault.ErrTenantInactive, tenant.ID, tenant.Status)
	}
	if tenant.QuotaBytes > 0 {
		usage, err := s.catalog.Usage(ctx, tenant.ID)
		if err != nil {
			return medvault.StoredObject{}, err
		}
		if usage+int64(len(req.Data)) > tenant.QuotaBytes {
			return medvault.StoredObject{}, fmt.Errorf("%w: tenant '%s' uses %d of %d bytes, upload needs %d",
				medvault.ErrQuotaExceeded, tenant.ID, usage, tenant.QuotaBytes, len(req.Data))
		}
	}

	id := s.newID()
	key, err := s.ns.ObjectKey(req.TenantID, req.OwnerID, req.Category, id, namespace.Extension(req.Filename))
	if err != nil {
		return medvault.StoredObject{}, err
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	obj := medvault.StoredObject{
		ID:          id.String(),
		TenantID:    req.TenantID,
		OwnerID:     req.OwnerID,
		Category:    string(req.Category),
		Key:         key,
		Size:        int64(len(req.Data)),
		ContentHash: ContentHash(req.Data),
		ContentType: contentType,
		CreatedAt:   s.now().UTC(),
	}

	payload := req.Data
	storedType := contentType
	if req.Encrypt || s.ns.Department().EncryptsCategory(req.Category) {
		sealed, err := s.envelope.Seal(ctx, req.Data)
		if err != nil {
			return medvault.StoredObject{}, err
		}
		payload = sealed.Ciphertext
		obj.Encrypted = sealed.Encrypted
		obj.KeyVersion = sealed.KeyVersion
		if sealed.Encrypted {
			storedType = EncryptedContentType
		}
	}

	logger := s.logger.With().Str("tenant_id", obj.TenantID).Str("key", key).Logger()

	if err := s.store.Put(ctx, key, payload, storedType); err != nil {
		return medvault.StoredObject{}, fmt.Errorf("failed to store payload: %w", err)
	}
	if err := s.sidecars.Write(ctx, key, sidecar.ForObject(obj, req.Tags)); err != nil {
		s.rollback(ctx, logger, key, false)
		return medvault.StoredObject{}, fmt.Errorf("failed to store sidecar: %w", err)
	}
	// The quota is checked again with the insert: a concurrent upload may
	// have used the room seen above.
	if err := s.catalog.InsertObjectWithinQuota(ctx, obj); err != nil {
		s.rollback(ctx, logger, key, true)
		return medvault.StoredObject{}, fmt.Errorf("failed to record object: %w", err)
	}

	s.metrics.RecordUpload(obj.Category, obj.Encrypted, obj.Size)
	s.journal.Record(ctx, medvault.ActionUpload, "stored_object", obj.ID, obj.TenantID, req.ActorID, map[string]any{
		"key":        key,
		"size":       obj.Size,
		"category":   obj.Category,
		"encrypted":  obj.Encrypted,
		"keyVersion": obj.KeyVersion,
	})
	logger.Info().Int64("size", obj.Size).Bool("encrypted", obj.Encrypted).Msg("object uploaded")
	return obj, nil
}

// rollback removes what an interrupted upload wrote. Failures only leave
// orphans behind for reconciliation to report, so they are logged.
func (s *Service) rollback(ctx context.Context, logger zerolog.Logger, key string, withSidecar bool) {
	ctx = context.WithoutCancel(ctx)
	if withSidecar {
		if err := s.sidecars.Delete(ctx, key); err != nil {
			logger.Error().Err(err).Msg("failed to roll back sidecar")
		}
	}
	if err := s.store.Delete(ctx, key); err != nil {
		logger.Error().Err(err).Msg("failed to roll back payload")
	}
}

// object loads the record of key and checks it belongs to the tenant. Objects
// of other tenants are reported as not found.
func (s *Service) object(ctx context.Context, tenantID, key string) (medvault.StoredObject, error) {
	obj, err := s.catalog.ObjectByKey(ctx, key)
	if err != nil {
		return medvault.StoredObject{}, err
	}
	if obj.TenantID != tenantID {
		return medvault.StoredObject{}, medvault.NewNotFoundError("object", key)
	}
	return obj, nil
}

// Open reads an object, decrypts it with its recorded key version and checks
// its content hash.
func (s *Service) Open(ctx context.Context, tenantID, key, actorID string) ([]byte, medvault.StoredObject, error) {
	obj, err := s.object(ctx, tenantID, key)
	if err != nil {
		return nil, medvault.StoredObject{}, err
	}
	stored, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, medvault.StoredObject{}, err
	}

	data := stored.Data
	if obj.Encrypted {
		data, err = s.envelope.Decrypt(ctx, stored.Data, obj.KeyVersion)
		if err != nil {
			return nil, medvault.StoredObject{}, fmt.Errorf("failed to decrypt '%s': %w", key, err)
		}
	}
	if ContentHash(data) != obj.ContentHash {
		s.logger.Error().Str("tenant_id", tenantID).Str("key", key).Msg("content hash mismatch")
		return nil, medvault.StoredObject{}, fmt.Errorf("%w: '%s'", medvault.ErrIntegrity, key)
	}

	now := s.now().UTC()
	if err := s.catalog.TouchObject(ctx, key, now); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to record last access")
	} else {
		obj.LastAccessedAt = &now
	}

	s.metrics.RecordAccess("read")
	s.journal.Record(ctx, medvault.ActionAccess, "stored_object", obj.ID, tenantID, actorID, map[string]any{
		"key":  key,
		"kind": "read",
	})
	return data, obj, nil
}

// Presign issues a time-limited URL to an object stored in clear. A zero ttl
// selects medvault.DefaultPresignTTLSeconds. Encrypted objects are refused since
// the URL would serve ciphertext.
func (s *Service) Presign(ctx context.Context, tenantID, key string, ttl time.Duration, actorID string) (string, error) {
	obj, err := s.object(ctx, tenantID, key)
	if err != nil {
		return "", err
	}
	if obj.Encrypted {
		return "", fmt.Errorf("%w: '%s' can only be read through Open", medvault.ErrEncryptedObject, key)
	}
	if ttl <= 0 {
		ttl = medvault.DefaultPresignTTLSeconds * time.Second
	}
	url, err := s.store.Presign(ctx, key, ttl)
	if err != nil {
		return "", err
	}

	s.metrics.RecordAccess("presign")
	s.journal.Record(ctx, medvault.ActionAccess, "stored_object", obj.ID, tenantID, actorID, map[string]any{
		"key":  key,
		"kind": "presign",
		"ttl":  ttl.String(),
	})
	return url, nil
}

// Delete removes the payload, its sidecar and its record, in that order. A
// record left behind by a failure is removed by the next reconciliation.
func (s *Service) Delete(ctx context.Context, tenantID, key, actorID string) error {
	obj, err := s.object(ctx, tenantID, key)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete payload: %w", err)
	}
	if err := s.sidecars.Delete(ctx, key); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to delete sidecar")
	}
	if err := s.catalog.DeleteObject(ctx, key); err != nil && !errors.Is(err, medvault.ErrNotFound) {
		return fmt.Errorf("failed to delete record: %w", err)
	}

	s.journal.Record(ctx, medvault.ActionDelete, "stored_object", obj.ID, tenantID, actorID, map[string]any{
		"key":  key,
		"size": obj.Size,
	})
	return nil
}
