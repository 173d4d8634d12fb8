// Package envelopetest provides an in-memory KMS and keyring helpers for tests.
package envelopetest

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/envelope"
)

// KMS is an in-memory KeyManagementService. Data keys are really wrapped with
// AES-GCM under per-key KEKs, so a wrong key id fails like a real KMS would.
type KMS struct {
	mu        sync.RWMutex
	aliases   map[string]string
	keks      map[string][]byte
	nextKeyID int

	// FailEncrypt and FailDecrypt make the next calls fail with the given error.
	FailEncrypt error
	FailDecrypt error

	EncryptCalls int
	DecryptCalls int
}

// NewKMS creates an empty in-memory KMS.
func NewKMS() *KMS {
	return &KMS{
		aliases: make(map[string]string),
		keks:    make(map[string][]byte),
	}
}

var errUnknownAlias = errors.New("key not found for alias")

func (k *KMS) GetKeyID(ctx context.Context, alias string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if keyID, ok := k.aliases[alias]; ok {
		return keyID, nil
	}
	return "", fmt.Errorf("%w: %s", errUnknownAlias, alias)
}

func (k *KMS) CreateKey(ctx context.Context, description string) (string, error) {
	kek := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, kek); err != nil {
		return "", err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.nextKeyID++
	keyID := fmt.Sprintf("test-key-%d", k.nextKeyID)
	k.aliases[description] = keyID
	k.keks[keyID] = kek
	return keyID, nil
}

func (k *KMS) gcm(keyID string) (cipher.AEAD, error) {
	kek, ok := k.keks[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id: %s", keyID)
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (k *KMS) EncryptDEK(ctx context.Context, keyID string, plaintextDEK []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.EncryptCalls++
	if k.FailEncrypt != nil {
		return nil, k.FailEncrypt
	}
	aead, err := k.gcm(keyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", medvault.ErrEncryptionFailed, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintextDEK, []byte(keyID)), nil
}

func (k *KMS) DecryptDEK(ctx context.Context, keyID string, ciphertextDEK []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.DecryptCalls++
	if k.FailDecrypt != nil {
		return nil, k.FailDecrypt
	}
	aead, err := k.gcm(keyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", medvault.ErrDecryptionFailed, err)
	}
	if len(ciphertextDEK) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: wrapped key too short", medvault.ErrDecryptionFailed)
	}
	nonce, sealed := ciphertextDEK[:aead.NonceSize()], ciphertextDEK[aead.NonceSize():]
	dek, err := aead.Open(nil, nonce, sealed, []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", medvault.ErrDecryptionFailed, err)
	}
	return dek, nil
}

// OpenDB opens a SQLite database in the test's temporary directory.
func OpenDB(t testing.TB, name string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("failed to open sqlite database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// NewSQLKeyring creates a SQL keyring backed by a fresh KMS and database.
func NewSQLKeyring(t testing.TB) (*envelope.SQLKeyring, *KMS) {
	t.Helper()
	kms := NewKMS()
	keyring, err := envelope.NewSQLKeyring(context.Background(), OpenDB(t, "keys.db"), kms, "test-key-alias")
	if err != nil {
		t.Fatalf("failed to create test keyring: %v", err)
	}
	return keyring, kms
}

// NewEnvelope creates an envelope over a static keyring with one version.
func NewEnvelope(t testing.TB) *envelope.Envelope {
	t.Helper()
	keyring, err := envelope.NewStaticKeyring(map[int]string{1: "test-secret-for-version-one"})
	if err != nil {
		t.Fatalf("failed to create static keyring: %v", err)
	}
	return envelope.New(keyring)
}
