package envelope

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/hengadev/medvault"
)

// KeyManagementService wraps and unwraps data keys with a key encryption key
// held by an external KMS. Vault Transit and AWS KMS implement it.
type KeyManagementService interface {
	// GetKeyID retrieves the identifier of a managed key.
	GetKeyID(ctx context.Context, alias string) (string, error)

	// CreateKey creates a new managed key and returns its ID.
	CreateKey(ctx context.Context, description string) (string, error)

	EncryptDEK(ctx context.Context, keyID string, plaintextDEK []byte) ([]byte, error)

	DecryptDEK(ctx context.Context, keyID string, ciphertextDEK []byte) ([]byte, error)
}

// KeyVersion is one row of the key_versions table.
type KeyVersion struct {
	Alias        string
	Version      int
	KMSKeyID     string
	CreatedAt    time.Time
	IsDeprecated bool
}

const keyVersionsSchema = `
CREATE TABLE IF NOT EXISTS key_versions (
	alias         TEXT NOT NULL,
	version       INTEGER NOT NULL,
	kms_key_id    TEXT NOT NULL,
	wrapped_key   BLOB NOT NULL,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	is_deprecated BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (alias, version)
)`

// SQLKeyring stores data keys wrapped by a KMS in a SQLite table. Rotation
// deprecates the previous version and records the next one; deprecated
// versions stay readable.
type SQLKeyring struct {
	db     *sql.DB
	kms    KeyManagementService
	alias  string
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[int][]byte
}

// SQLKeyringOption configures a SQLKeyring.
type SQLKeyringOption func(*SQLKeyring)

// WithKeyringLogger sets the logger used for key lifecycle events.
func WithKeyringLogger(logger zerolog.Logger) SQLKeyringOption {
	return func(k *SQLKeyring) {
		k.logger = logger
	}
}

// OpenSQLKeyring opens the SQLite database at dsn and returns a keyring over it.
func OpenSQLKeyring(ctx context.Context, dsn string, kms KeyManagementService, alias string, opts ...SQLKeyringOption) (*SQLKeyring, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring database: %w", err)
	}
	k, err := NewSQLKeyring(ctx, db, kms, alias, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return k, nil
}

// NewSQLKeyring creates the schema when missing and makes sure version 1 exists.
func NewSQLKeyring(ctx context.Context, db *sql.DB, kms KeyManagementService, alias string, opts ...SQLKeyringOption) (*SQLKeyring, error) {
	if kms == nil {
		return nil, fmt.Errorf("%w: KMS service cannot be nil", medvault.ErrInvalidConfiguration)
	}
	if alias == "" {
		return nil, fmt.Errorf("%w: key alias cannot be empty", medvault.ErrInvalidConfiguration)
	}
	k := &SQLKeyring{
		db:     db,
		kms:    kms,
		alias:  alias,
		logger: zerolog.Nop(),
		cache:  make(map[int][]byte),
	}
	for _, opt := range opts {
		opt(k)
	}
	if _, err := db.ExecContext(ctx, keyVersionsSchema); err != nil {
		return nil, fmt.Errorf("failed to create key_versions table: %w", err)
	}
	if err := k.ensureInitial(ctx); err != nil {
		return nil, err
	}
	return k, nil
}

// Close closes the underlying database.
func (k *SQLKeyring) Close() error {
	return k.db.Close()
}

func (k *SQLKeyring) kmsKeyID(ctx context.Context) (string, error) {
	kmsKeyID, err := k.kms.GetKeyID(ctx, k.alias)
	if err == nil {
		return kmsKeyID, nil
	}
	// A missing key is the common cause; any other failure surfaces from CreateKey.
	k.logger.Info().Str("alias", k.alias).Msg("no key encryption key found in KMS, creating one")
	kmsKeyID, err = k.kms.CreateKey(ctx, k.alias)
	if err != nil {
		return "", fmt.Errorf("failed to create key encryption key in KMS: %w", err)
	}
	return kmsKeyID, nil
}

func (k *SQLKeyring) ensureInitial(ctx context.Context) error {
	var count int
	if err := k.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM key_versions WHERE alias = ?`, k.alias).Scan(&count); err != nil {
		return fmt.Errorf("failed to count key versions: %w", err)
	}
	if count > 0 {
		return nil
	}
	kmsKeyID, err := k.kmsKeyID(ctx)
	if err != nil {
		return err
	}
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin keyring transaction: %w", err)
	}
	defer tx.Rollback()
	if err := k.insertVersion(ctx, tx, 1, kmsKeyID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to record initial key version: %w", err)
	}
	k.logger.Info().Str("alias", k.alias).Str("kms_key_id", kmsKeyID).Msg("initial data key created")
	return nil
}

func (k *SQLKeyring) insertVersion(ctx context.Context, tx *sql.Tx, version int, kmsKeyID string) error {
	dek, err := GenerateKey()
	if err != nil {
		return err
	}
	wrapped, err := k.kms.EncryptDEK(ctx, kmsKeyID, dek)
	if err != nil {
		return fmt.Errorf("failed to wrap data key version %d: %w", version, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO key_versions (alias, version, kms_key_id, wrapped_key) VALUES (?, ?, ?, ?)
	`, k.alias, version, kmsKeyID, wrapped)
	if err != nil {
		return fmt.Errorf("failed to record key version %d: %w", version, err)
	}
	k.mu.Lock()
	k.cache[version] = dek
	k.mu.Unlock()
	return nil
}

// CurrentVersion returns the highest non-deprecated version of the alias.
func (k *SQLKeyring) CurrentVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := k.db.QueryRowContext(ctx, `
		SELECT MAX(version) FROM key_versions
		WHERE alias = ? AND is_deprecated = FALSE
	`, k.alias).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current key version for alias '%s': %w", k.alias, err)
	}
	if !version.Valid {
		return 0, fmt.Errorf("%w: no active version for alias '%s'", medvault.ErrKeyNotFound, k.alias)
	}
	return int(version.Int64), nil
}

// Key unwraps a version through the KMS. Unwrapped keys are cached.
func (k *SQLKeyring) Key(ctx context.Context, version int) ([]byte, error) {
	k.mu.RLock()
	key, ok := k.cache[version]
	k.mu.RUnlock()
	if ok {
		return key, nil
	}

	var (
		kmsKeyID string
		wrapped  []byte
	)
	err := k.db.QueryRowContext(ctx, `
		SELECT kms_key_id, wrapped_key FROM key_versions
		WHERE alias = ? AND version = ?
	`, k.alias, version).Scan(&kmsKeyID, &wrapped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, medvault.NewKeyNotFoundError(version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load key version %d for alias '%s': %w", version, k.alias, err)
	}
	key, err = k.kms.DecryptDEK(ctx, kmsKeyID, wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap data key with KMS (version %d): %w", version, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: unwrapped key version %d has %d bytes", medvault.ErrDecryptionFailed, version, len(key))
	}

	k.mu.Lock()
	k.cache[version] = key
	k.mu.Unlock()
	return key, nil
}

// Rotate generates a new data key, wraps it and makes it current.
func (k *SQLKeyring) Rotate(ctx context.Context) (int, error) {
	kmsKeyID, err := k.kmsKeyID(ctx)
	if err != nil {
		return 0, err
	}
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin keyring transaction: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM key_versions WHERE alias = ?`, k.alias).Scan(&current); err != nil {
		return 0, fmt.Errorf("failed to read key versions: %w", err)
	}
	newVersion := int(current.Int64) + 1

	// Mark the previous versions as deprecated
	if _, err := tx.ExecContext(ctx, `
		UPDATE key_versions SET is_deprecated = TRUE
		WHERE alias = ? AND version < ?
	`, k.alias, newVersion); err != nil {
		return 0, fmt.Errorf("failed to deprecate old key version: %w", err)
	}
	if err := k.insertVersion(ctx, tx, newVersion, kmsKeyID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		k.mu.Lock()
		delete(k.cache, newVersion)
		k.mu.Unlock()
		return 0, fmt.Errorf("failed to commit key rotation: %w", err)
	}

	k.logger.Info().
		Str("alias", k.alias).
		Int("old_version", int(current.Int64)).
		Int("new_version", newVersion).
		Str("kms_key_id", kmsKeyID).
		Msg("data key rotated")
	return newVersion, nil
}

// Versions lists every recorded version of the alias, oldest first.
func (k *SQLKeyring) Versions(ctx context.Context) ([]KeyVersion, error) {
	rows, err := k.db.QueryContext(ctx, `
		SELECT alias, version, kms_key_id, created_at, is_deprecated FROM key_versions
		WHERE alias = ? ORDER BY version
	`, k.alias)
	if err != nil {
		return nil, fmt.Errorf("failed to list key versions: %w", err)
	}
	defer rows.Close()

	var out []KeyVersion
	for rows.Next() {
		var v KeyVersion
		if err := rows.Scan(&v.Alias, &v.Version, &v.KMSKeyID, &v.CreatedAt, &v.IsDeprecated); err != nil {
			return nil, fmt.Errorf("failed to scan key version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
