// Package vault wraps the data keys of the SQL keyring with HashiCorp Vault's
// Transit engine.
//
// Transit never hands out its key material: data keys are sent to
// transit/encrypt and stored as the returned "vault:v1:..." ciphertext, and
// unwrapped through transit/decrypt when a key version is first used.
//
// The Transit engine must be enabled before use:
//
//	vault secrets enable transit
package vault

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/vault/api"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/envelope"
)

const defaultMount = "transit"

// TransitService implements envelope.KeyManagementService on Vault Transit.
type TransitService struct {
	client *api.Client
	mount  string
}

var _ envelope.KeyManagementService = (*TransitService)(nil)

// NewTransitService creates an authenticated TransitService.
//
//	transit, err := vault.NewTransitService(ctx, vault.ConfigFromEnvironment())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	keyring, err := envelope.OpenSQLKeyring(ctx, dsn, transit, "medvault-data-key")
func NewTransitService(ctx context.Context, cfg Config) (*TransitService, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newTransitService(client, cfg.Mount), nil
}

func newTransitService(client *api.Client, mount string) *TransitService {
	if mount == "" {
		mount = defaultMount
	}
	return &TransitService{client: client, mount: mount}
}

func (t *TransitService) path(op, keyID string) string {
	return fmt.Sprintf("%s/%s/%s", t.mount, op, keyID)
}

// GetKeyID returns the Transit key name for an alias. In Transit the alias
// is the key name, so the key is read back to confirm it exists.
func (t *TransitService) GetKeyID(ctx context.Context, alias string) (string, error) {
	if alias == "" {
		return "", fmt.Errorf("%w: alias cannot be empty", medvault.ErrInvalidConfiguration)
	}
	secret, err := t.client.Logical().ReadWithContext(ctx, t.path("keys", alias))
	if err != nil {
		return "", fmt.Errorf("%w: failed to read transit key '%s': %w", medvault.ErrKMSUnavailable, alias, err)
	}
	if secret == nil {
		return "", fmt.Errorf("%w: transit key '%s'", medvault.ErrNotFound, alias)
	}
	return alias, nil
}

// CreateKey creates an aes256-gcm96 Transit key named after the description.
func (t *TransitService) CreateKey(ctx context.Context, description string) (string, error) {
	if description == "" {
		return "", fmt.Errorf("%w: description (key name) cannot be empty", medvault.ErrInvalidConfiguration)
	}
	_, err := t.client.Logical().WriteWithContext(ctx, t.path("keys", description), map[string]interface{}{
		"type": "aes256-gcm96",
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to create transit key '%s': %w", medvault.ErrKMSUnavailable, description, err)
	}
	return description, nil
}

// EncryptDEK wraps a data key. The result is Vault-formatted ciphertext.
func (t *TransitService) EncryptDEK(ctx context.Context, keyID string, plaintextDEK []byte) ([]byte, error) {
	if len(plaintextDEK) == 0 {
		return nil, fmt.Errorf("%w: plaintext cannot be empty", medvault.ErrEncryptionFailed)
	}
	if keyID == "" {
		return nil, fmt.Errorf("%w: keyID cannot be empty", medvault.ErrInvalidConfiguration)
	}

	resp, err := t.client.Logical().WriteWithContext(ctx, t.path("encrypt", keyID), map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintextDEK),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encrypt with key '%s': %w", medvault.ErrKMSUnavailable, keyID, err)
	}
	if resp == nil || resp.Data == nil {
		return nil, fmt.Errorf("%w: no response from Vault Transit encrypt", medvault.ErrEncryptionFailed)
	}
	ciphertext, ok := resp.Data["ciphertext"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: ciphertext not found in response", medvault.ErrEncryptionFailed)
	}
	return []byte(ciphertext), nil
}

// DecryptDEK unwraps a data key produced by EncryptDEK.
func (t *TransitService) DecryptDEK(ctx context.Context, keyID string, ciphertextDEK []byte) ([]byte, error) {
	if len(ciphertextDEK) == 0 {
		return nil, fmt.Errorf("%w: ciphertext cannot be empty", medvault.ErrDecryptionFailed)
	}
	if keyID == "" {
		return nil, fmt.Errorf("%w: keyID cannot be empty", medvault.ErrInvalidConfiguration)
	}

	resp, err := t.client.Logical().WriteWithContext(ctx, t.path("decrypt", keyID), map[string]interface{}{
		"ciphertext": string(ciphertextDEK),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt with key '%s': %w", medvault.ErrDecryptionFailed, keyID, err)
	}
	if resp == nil || resp.Data == nil {
		return nil, fmt.Errorf("%w: no response from Vault Transit decrypt", medvault.ErrDecryptionFailed)
	}
	encoded, ok := resp.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: plaintext not found in response", medvault.ErrDecryptionFailed)
	}
	plaintext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode plaintext: %w", medvault.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
