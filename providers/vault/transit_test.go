package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/envelope"
	"github.com/hengadev/medvault/envelope/envelopetest"
)

// mockVault emulates the Transit endpoints the service calls. Ciphertexts are
// the base64 plaintext behind a "vault:v1:" prefix.
type mockVault struct {
	mu         sync.Mutex
	keys       map[string]bool
	failWrites bool
	tokens     []string
}

func newMockVault(t *testing.T) (*mockVault, *httptest.Server) {
	m := &mockVault{keys: make(map[string]bool)}
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/auth/approle/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["secret_id"] != "good-secret" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"errors":["invalid secret id"]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"auth": {"client_token": "approle-token"}}`))
	})

	mux.HandleFunc("/v1/transit/keys/", func(w http.ResponseWriter, r *http.Request) {
		m.record(r)
		name := strings.TrimPrefix(r.URL.Path, "/v1/transit/keys/")
		m.mu.Lock()
		defer m.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			if !m.keys[name] {
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(`{"errors":[]}`))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"data": {"name": "` + name + `", "type": "aes256-gcm96"}}`))
		default:
			if m.failWrites {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"errors":["internal error"]}`))
				return
			}
			m.keys[name] = true
			w.WriteHeader(http.StatusNoContent)
		}
	})

	mux.HandleFunc("/v1/transit/encrypt/", func(w http.ResponseWriter, r *http.Request) {
		m.record(r)
		if m.failing() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"errors":["sealed"]}`))
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"ciphertext": "vault:v1:" + body["plaintext"]},
		})
	})

	mux.HandleFunc("/v1/transit/decrypt/", func(w http.ResponseWriter, r *http.Request) {
		m.record(r)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		encoded, ok := strings.CutPrefix(body["ciphertext"], "vault:v1:")
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"errors":["invalid ciphertext"]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"plaintext": encoded},
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return m, server
}

func (m *mockVault) record(r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(m.tokens, r.Header.Get("X-Vault-Token"))
}

func (m *mockVault) setFailing(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = fail
}

func (m *mockVault) hasKey(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[name]
}

func (m *mockVault) failing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failWrites
}

func newTestTransit(t *testing.T) (*TransitService, *mockVault) {
	t.Helper()
	m, server := newMockVault(t)
	transit, err := NewTransitService(context.Background(), Config{Address: server.URL, Token: "root-token"})
	require.NoError(t, err)
	return transit, m
}

func TestNewTransitService_Authentication(t *testing.T) {
	_, server := newMockVault(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{name: "token", cfg: Config{Address: server.URL, Token: "root-token"}},
		{name: "approle", cfg: Config{Address: server.URL, RoleID: "role", SecretID: "good-secret"}},
		{name: "approle rejected", cfg: Config{Address: server.URL, RoleID: "role", SecretID: "bad"}, wantErr: medvault.ErrAuthenticationFailed},
		{name: "no credentials", cfg: Config{Address: server.URL}, wantErr: medvault.ErrInvalidConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transit, err := NewTransitService(ctx, tt.cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, transit.client.Token())
		})
	}
}

func TestNewTransitService_AppRoleTokenIsUsed(t *testing.T) {
	m, server := newMockVault(t)
	transit, err := NewTransitService(context.Background(), Config{Address: server.URL, RoleID: "role", SecretID: "good-secret"})
	require.NoError(t, err)

	_, err = transit.CreateKey(context.Background(), "records")
	require.NoError(t, err)
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, []string{"approle-token"}, m.tokens)
}

func TestTransitService_GetKeyID(t *testing.T) {
	ctx := context.Background()
	transit, _ := newTestTransit(t)

	_, err := transit.GetKeyID(ctx, "records")
	assert.ErrorIs(t, err, medvault.ErrNotFound)

	keyID, err := transit.CreateKey(ctx, "records")
	require.NoError(t, err)
	assert.Equal(t, "records", keyID)

	keyID, err = transit.GetKeyID(ctx, "records")
	require.NoError(t, err)
	assert.Equal(t, "records", keyID)

	_, err = transit.GetKeyID(ctx, "")
	assert.ErrorIs(t, err, medvault.ErrInvalidConfiguration)
}

func TestTransitService_EncryptDecryptDEK(t *testing.T) {
	ctx := context.Background()
	transit, _ := newTestTransit(t)
	dek := []byte("0123456789abcdef0123456789abcdef")

	wrapped, err := transit.EncryptDEK(ctx, "records", dek)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(wrapped), "vault:v1:"))

	unwrapped, err := transit.DecryptDEK(ctx, "records", wrapped)
	require.NoError(t, err)
	assert.Equal(t, dek, unwrapped)
}

func TestTransitService_InputValidation(t *testing.T) {
	ctx := context.Background()
	transit, _ := newTestTransit(t)

	tests := []struct {
		name    string
		call    func() error
		wantErr error
	}{
		{"empty plaintext", func() error { _, err := transit.EncryptDEK(ctx, "k", nil); return err }, medvault.ErrEncryptionFailed},
		{"encrypt without key", func() error { _, err := transit.EncryptDEK(ctx, "", []byte("x")); return err }, medvault.ErrInvalidConfiguration},
		{"empty ciphertext", func() error { _, err := transit.DecryptDEK(ctx, "k", nil); return err }, medvault.ErrDecryptionFailed},
		{"decrypt without key", func() error { _, err := transit.DecryptDEK(ctx, "", []byte("x")); return err }, medvault.ErrInvalidConfiguration},
		{"malformed ciphertext", func() error { _, err := transit.DecryptDEK(ctx, "k", []byte("garbage")); return err }, medvault.ErrDecryptionFailed},
		{"create without name", func() error { _, err := transit.CreateKey(ctx, ""); return err }, medvault.ErrInvalidConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), tt.wantErr)
		})
	}
}

func TestTransitService_Unavailable(t *testing.T) {
	ctx := context.Background()
	transit, m := newTestTransit(t)
	m.setFailing(true)

	_, err := transit.EncryptDEK(ctx, "records", []byte("dek"))
	assert.ErrorIs(t, err, medvault.ErrKMSUnavailable)
	assert.True(t, medvault.IsRetryable(err))

	_, err = transit.CreateKey(ctx, "records")
	assert.ErrorIs(t, err, medvault.ErrKMSUnavailable)
}

func TestTransitService_BacksSQLKeyring(t *testing.T) {
	ctx := context.Background()
	transit, m := newTestTransit(t)
	db := envelopetest.OpenDB(t, "keys.db")

	keyring, err := envelope.NewSQLKeyring(ctx, db, transit, "medvault-data-key")
	require.NoError(t, err)
	assert.True(t, m.hasKey("medvault-data-key"), "keyring creates the transit key on first use")

	env := envelope.New(keyring)
	sealed, err := env.Seal(ctx, []byte("allergies: penicillin"))
	require.NoError(t, err)
	assert.Equal(t, 1, sealed.KeyVersion)

	_, err = keyring.Rotate(ctx)
	require.NoError(t, err)

	reopened, err := envelope.NewSQLKeyring(ctx, db, transit, "medvault-data-key")
	require.NoError(t, err)
	plaintext, err := envelope.New(reopened).Open(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, "allergies: penicillin", string(plaintext))
}
