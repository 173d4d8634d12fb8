// Package catalog is the relational record of tenants, owners and stored
// objects. It runs on SQLite or PostgreSQL.
//
// The object store remains the source of truth for which objects exist; the
// catalog is aligned to it by the reconcile package.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hengadev/medvault"
)

// Store is the catalog database.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the catalog database and creates its tables.
//
//	store, err := catalog.Open(ctx, "sqlite3", "file:catalog.db?_foreign_keys=on")
//	store, err := catalog.Open(ctx, "postgres", "postgres://medvault@localhost/medvault?sslmode=disable")
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}
	if dialect == SQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: catalog database: %w", medvault.ErrStorageUnavailable, err)
	}
	s, err := New(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and creates the tables when missing.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: catalog database: %w", medvault.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	ts := s.dialect.timestampType()
	js := s.dialect.jsonType()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			department TEXT NOT NULL,
			quota_bytes BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS owners (
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			id TEXT NOT NULL,
			status TEXT NOT NULL,
			fields ` + js + ` NOT NULL,
			sensitive ` + js + ` NOT NULL,
			created_at ` + ts + ` NOT NULL,
			deleted_at ` + ts + `,
			PRIMARY KEY (tenant_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS stored_objects (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL,
			object_key TEXT NOT NULL UNIQUE,
			size BIGINT NOT NULL,
			content_hash TEXT NOT NULL,
			content_type TEXT NOT NULL,
			encrypted BOOLEAN NOT NULL,
			key_version INTEGER NOT NULL,
			created_at ` + ts + ` NOT NULL,
			last_accessed_at ` + ts + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stored_objects_tenant ON stored_objects (tenant_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate catalog: %w", err)
		}
	}
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func insertError(kind, id string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s '%s'", medvault.ErrAlreadyExists, kind, id)
	}
	return fmt.Errorf("failed to insert %s '%s': %w", kind, id, err)
}

func affectedOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return medvault.NewNotFoundError(kind, id)
	}
	return nil
}

// Tenants

func (s *Store) CreateTenant(ctx context.Context, t medvault.Tenant) error {
	if t.Status == "" {
		t.Status = medvault.TenantActive
	}
	_, err := s.exec(ctx,
		`INSERT INTO tenants (id, name, department, quota_bytes, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Department, t.QuotaBytes, string(t.Status), t.CreatedAt.UTC())
	if err != nil {
		return insertError("tenant", t.ID, err)
	}
	return nil
}

func (s *Store) Tenant(ctx context.Context, id string) (medvault.Tenant, error) {
	var (
		t      medvault.Tenant
		status string
	)
	err := s.queryRow(ctx,
		`SELECT id, name, department, quota_bytes, status, created_at FROM tenants WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.Department, &t.QuotaBytes, &status, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return medvault.Tenant{}, medvault.NewNotFoundError("tenant", id)
	}
	if err != nil {
		return medvault.Tenant{}, fmt.Errorf("failed to load tenant '%s': %w", id, err)
	}
	t.Status = medvault.TenantStatus(status)
	return t, nil
}

// Tenants returns every tenant ordered by id, archived ones included.
func (s *Store) Tenants(ctx context.Context) ([]medvault.Tenant, error) {
	rows, err := s.query(ctx, `SELECT id, name, department, quota_bytes, status, created_at FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []medvault.Tenant
	for rows.Next() {
		var (
			t      medvault.Tenant
			status string
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Department, &t.QuotaBytes, &status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		t.Status = medvault.TenantStatus(status)
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// SetTenantStatus suspends, reactivates or archives a tenant. Tenants are never deleted.
func (s *Store) SetTenantStatus(ctx context.Context, id string, status medvault.TenantStatus) error {
	res, err := s.exec(ctx, `UPDATE tenants SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update tenant '%s': %w", id, err)
	}
	return affectedOne(res, "tenant", id)
}

// Owners

func (s *Store) CreateOwner(ctx context.Context, o medvault.Owner) error {
	if o.Status == "" {
		o.Status = medvault.OwnerActive
	}
	fields, err := json.Marshal(nonNilFields(o.Fields))
	if err != nil {
		return fmt.Errorf("failed to encode owner fields: %w", err)
	}
	sensitive, err := json.Marshal(nonNilSealed(o.Sensitive))
	if err != nil {
		return fmt.Errorf("failed to encode owner sensitive fields: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO owners (tenant_id, id, status, fields, sensitive, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		o.TenantID, o.ID, string(o.Status), string(fields), string(sensitive), o.CreatedAt.UTC())
	if err != nil {
		return insertError("owner", o.ID, err)
	}
	return nil
}

func (s *Store) Owner(ctx context.Context, tenantID, id string) (medvault.Owner, error) {
	var (
		o                 medvault.Owner
		status            string
		fields, sensitive string
		deletedAt         sql.NullTime
	)
	err := s.queryRow(ctx,
		`SELECT tenant_id, id, status, fields, sensitive, created_at, deleted_at FROM owners WHERE tenant_id = ? AND id = ?`,
		tenantID, id).
		Scan(&o.TenantID, &o.ID, &status, &fields, &sensitive, &o.CreatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return medvault.Owner{}, medvault.NewNotFoundError("owner", id)
	}
	if err != nil {
		return medvault.Owner{}, fmt.Errorf("failed to load owner '%s': %w", id, err)
	}
	o.Status = medvault.OwnerStatus(status)
	if deletedAt.Valid {
		o.DeletedAt = &deletedAt.Time
	}
	if err := json.Unmarshal([]byte(fields), &o.Fields); err != nil {
		return medvault.Owner{}, fmt.Errorf("failed to decode owner fields: %w", err)
	}
	if err := json.Unmarshal([]byte(sensitive), &o.Sensitive); err != nil {
		return medvault.Owner{}, fmt.Errorf("failed to decode owner sensitive fields: %w", err)
	}
	return o, nil
}

// SoftDeleteOwner flags an owner as deleted. Its objects are kept.
func (s *Store) SoftDeleteOwner(ctx context.Context, tenantID, id string, at time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE owners SET status = ?, deleted_at = ? WHERE tenant_id = ? AND id = ? AND status <> ?`,
		string(medvault.OwnerDeleted), at.UTC(), tenantID, id, string(medvault.OwnerDeleted))
	if err != nil {
		return fmt.Errorf("failed to delete owner '%s': %w", id, err)
	}
	return affectedOne(res, "owner", id)
}

// RemoveOwner erases an owner row. It only compensates a registration whose
// provisioning did not complete; retired owners go through SoftDeleteOwner.
func (s *Store) RemoveOwner(ctx context.Context, tenantID, id string) error {
	res, err := s.exec(ctx, `DELETE FROM owners WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to remove owner '%s': %w", id, err)
	}
	return affectedOne(res, "owner", id)
}

// Stored objects

const objectColumns = `id, tenant_id, owner_id, category, object_key, size, content_hash, content_type,
	encrypted, key_version, created_at, last_accessed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanObject(row scanner) (medvault.StoredObject, error) {
	var (
		o            medvault.StoredObject
		lastAccessed sql.NullTime
	)
	err := row.Scan(&o.ID, &o.TenantID, &o.OwnerID, &o.Category, &o.Key, &o.Size, &o.ContentHash,
		&o.ContentType, &o.Encrypted, &o.KeyVersion, &o.CreatedAt, &lastAccessed)
	if err != nil {
		return medvault.StoredObject{}, err
	}
	if lastAccessed.Valid {
		o.LastAccessedAt = &lastAccessed.Time
	}
	return o, nil
}

const insertObject = `INSERT INTO stored_objects (` + objectColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func objectArgs(o medvault.StoredObject) []any {
	return []any{o.ID, o.TenantID, o.OwnerID, o.Category, o.Key, o.Size, o.ContentHash, o.ContentType,
		o.Encrypted, o.KeyVersion, o.CreatedAt.UTC(), nullTime(o.LastAccessedAt)}
}

func (s *Store) InsertObject(ctx context.Context, o medvault.StoredObject) error {
	if _, err := s.exec(ctx, insertObject, objectArgs(o)...); err != nil {
		return insertError("object", o.Key, err)
	}
	return nil
}

// InsertObjectWithinQuota inserts the object unless it takes its tenant over
// the tenant quota. The tenant row stays locked from the usage check to the
// insert, so concurrent uploads of one tenant are counted one at a time.
func (s *Store) InsertObjectWithinQuota(ctx context.Context, o medvault.StoredObject) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: catalog transaction: %w", medvault.ErrStorageUnavailable, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var quota int64
	err = tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT quota_bytes FROM tenants WHERE id = ?`+s.dialect.lockRow()), o.TenantID).Scan(&quota)
	if errors.Is(err, sql.ErrNoRows) {
		return medvault.NewNotFoundError("tenant", o.TenantID)
	}
	if err != nil {
		return fmt.Errorf("failed to load quota of tenant '%s': %w", o.TenantID, err)
	}
	if quota > 0 {
		var usage int64
		err = tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT COALESCE(SUM(size), 0) FROM stored_objects WHERE tenant_id = ?`), o.TenantID).Scan(&usage)
		if err != nil {
			return fmt.Errorf("failed to compute usage of tenant '%s': %w", o.TenantID, err)
		}
		if usage+o.Size > quota {
			return fmt.Errorf("%w: tenant '%s' uses %d of %d bytes, object needs %d",
				medvault.ErrQuotaExceeded, o.TenantID, usage, quota, o.Size)
		}
	}

	if _, err = tx.ExecContext(ctx, s.dialect.rebind(insertObject), objectArgs(o)...); err != nil {
		return insertError("object", o.Key, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit object '%s': %w", o.Key, err)
	}
	return nil
}

func (s *Store) ObjectByKey(ctx context.Context, key string) (medvault.StoredObject, error) {
	o, err := scanObject(s.queryRow(ctx, `SELECT `+objectColumns+` FROM stored_objects WHERE object_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return medvault.StoredObject{}, medvault.NewNotFoundError("object", key)
	}
	if err != nil {
		return medvault.StoredObject{}, fmt.Errorf("failed to load object '%s': %w", key, err)
	}
	return o, nil
}

// Objects returns the objects of a tenant ordered by key.
func (s *Store) Objects(ctx context.Context, tenantID string) ([]medvault.StoredObject, error) {
	rows, err := s.query(ctx, `SELECT `+objectColumns+` FROM stored_objects WHERE tenant_id = ? ORDER BY object_key`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects of tenant '%s': %w", tenantID, err)
	}
	defer rows.Close()

	var objects []medvault.StoredObject
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		objects = append(objects, o)
	}
	return objects, rows.Err()
}

// ObjectKeys returns the set of object keys recorded for a tenant.
func (s *Store) ObjectKeys(ctx context.Context, tenantID string) (map[string]struct{}, error) {
	rows, err := s.query(ctx, `SELECT object_key FROM stored_objects WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list object keys of tenant '%s': %w", tenantID, err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan object key: %w", err)
		}
		keys[key] = struct{}{}
	}
	return keys, rows.Err()
}

func (s *Store) DeleteObject(ctx context.Context, key string) error {
	res, err := s.exec(ctx, `DELETE FROM stored_objects WHERE object_key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete object '%s': %w", key, err)
	}
	return affectedOne(res, "object", key)
}

// TouchObject records a read of the object.
func (s *Store) TouchObject(ctx context.Context, key string, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE stored_objects SET last_accessed_at = ? WHERE object_key = ?`, at.UTC(), key)
	if err != nil {
		return fmt.Errorf("failed to touch object '%s': %w", key, err)
	}
	return affectedOne(res, "object", key)
}

// Usage returns the bytes recorded for a tenant.
func (s *Store) Usage(ctx context.Context, tenantID string) (int64, error) {
	var usage int64
	err := s.queryRow(ctx, `SELECT COALESCE(SUM(size), 0) FROM stored_objects WHERE tenant_id = ?`, tenantID).Scan(&usage)
	if err != nil {
		return 0, fmt.Errorf("failed to compute usage of tenant '%s': %w", tenantID, err)
	}
	return usage, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nonNilFields(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilSealed(m map[string]medvault.SealedField) map[string]medvault.SealedField {
	if m == nil {
		return map[string]medvault.SealedField{}
	}
	return m
}
