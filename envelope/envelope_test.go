package envelope_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/envelope"
	"github.com/hengadev/medvault/envelope/envelopetest"
	"github.com/hengadev/medvault/internal/metrics"
)

func TestEnvelope_SealOpen(t *testing.T) {
	ctx := context.Background()
	env := envelopetest.NewEnvelope(t)

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{name: "short text", plaintext: []byte("12 Rue de la Paix, Paris")},
		{name: "empty", plaintext: []byte{}},
		{name: "binary payload", plaintext: bytes.Repeat([]byte{0x00, 0xff, 0x10}, 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := env.Seal(ctx, tt.plaintext)
			require.NoError(t, err)
			assert.True(t, sealed.Encrypted)
			assert.Equal(t, 1, sealed.KeyVersion)
			if len(tt.plaintext) > 0 {
				assert.NotContains(t, string(sealed.Ciphertext), string(tt.plaintext))
			}

			got, err := env.Open(ctx, sealed)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, got)
		})
	}
}

func TestEnvelope_SealIsNonDeterministic(t *testing.T) {
	ctx := context.Background()
	env := envelopetest.NewEnvelope(t)

	a, err := env.Seal(ctx, []byte("same"))
	require.NoError(t, err)
	b, err := env.Seal(ctx, []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestEnvelope_DecryptFailures(t *testing.T) {
	ctx := context.Background()
	keyring, err := envelope.NewStaticKeyring(map[int]string{1: "one", 2: "two"})
	require.NoError(t, err)
	m := metrics.New()
	env := envelope.New(keyring, envelope.WithMetrics(m))

	ciphertext, err := env.Encrypt(ctx, []byte("insurance 1234"), 1)
	require.NoError(t, err)

	tampered := append([]byte(nil), ciphertext...)
	tampered[len(tampered)-1] ^= 0x01

	tests := []struct {
		name       string
		ciphertext []byte
		version    int
		wantErr    error
	}{
		{name: "flipped tag bit", ciphertext: tampered, version: 1, wantErr: medvault.ErrDecryptionFailed},
		{name: "relabelled with another version", ciphertext: ciphertext, version: 2, wantErr: medvault.ErrDecryptionFailed},
		{name: "truncated", ciphertext: ciphertext[:8], version: 1, wantErr: medvault.ErrDecryptionFailed},
		{name: "unknown version", ciphertext: ciphertext, version: 7, wantErr: medvault.ErrKeyNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.Decrypt(ctx, tt.ciphertext, tt.version)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// Missing keys are a configuration problem, not a decryption failure.
	_, err = env.Decrypt(ctx, ciphertext, 7)
	assert.NotErrorIs(t, err, medvault.ErrDecryptionFailed)
	assert.True(t, medvault.IsConfigurationError(err))
}

func TestEnvelope_DecryptUsesRecordedVersion(t *testing.T) {
	ctx := context.Background()
	keyring, err := envelope.NewStaticKeyring(map[int]string{1: "first"})
	require.NoError(t, err)
	env := envelope.New(keyring)

	before, err := env.Seal(ctx, []byte("before rotation"))
	require.NoError(t, err)
	require.Equal(t, 1, before.KeyVersion)

	v, err := keyring.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	after, err := env.Seal(ctx, []byte("after rotation"))
	require.NoError(t, err)
	assert.Equal(t, 2, after.KeyVersion)

	got, err := env.Open(ctx, before)
	require.NoError(t, err)
	assert.Equal(t, "before rotation", string(got))

	got, err = env.Open(ctx, after)
	require.NoError(t, err)
	assert.Equal(t, "after rotation", string(got))
}

func TestEnvelope_PassThrough(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	env := envelope.New(nil, envelope.WithLogger(zerolog.New(&logs)))

	assert.True(t, env.PassThrough())

	sealed, err := env.Seal(ctx, []byte("plain"))
	require.NoError(t, err)
	assert.False(t, sealed.Encrypted)
	assert.Equal(t, 0, sealed.KeyVersion)
	assert.Equal(t, []byte("plain"), sealed.Ciphertext)

	_, err = env.Seal(ctx, []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(logs.Bytes(), []byte("unencrypted")), "warning is logged once")

	got, err := env.Open(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), got)

	_, err = env.Decrypt(ctx, []byte("x"), 3)
	assert.ErrorIs(t, err, medvault.ErrKeyNotFound)
}

func TestEnvelope_SealFieldsAndOpenField(t *testing.T) {
	ctx := context.Background()
	env := envelopetest.NewEnvelope(t)

	fields := map[string]string{
		"first_name":       "Ada",
		"address":          "1 Main St",
		"insurance_number": "INS-42",
	}
	plain, sealed, err := env.SealFields(ctx, fields, []string{"address", "insurance_number", "emergency_contact"})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"first_name": "Ada"}, plain)
	require.Len(t, sealed, 2)
	for _, s := range sealed {
		assert.True(t, s.Encrypted)
		assert.Equal(t, 1, s.KeyVersion)
	}

	owner := medvault.Owner{ID: "P1", Fields: plain, Sensitive: sealed}
	got, err := env.OpenField(ctx, owner, "address")
	require.NoError(t, err)
	assert.Equal(t, "1 Main St", got)

	got, err = env.OpenField(ctx, owner, "first_name")
	require.NoError(t, err)
	assert.Equal(t, "Ada", got)

	_, err = env.OpenField(ctx, owner, "emergency_contact")
	assert.ErrorIs(t, err, medvault.ErrNotFound)
}

func TestEnvelope_OpenRejectsEncryptedWithoutVersion(t *testing.T) {
	env := envelopetest.NewEnvelope(t)
	_, err := env.Open(context.Background(), medvault.SealedField{Ciphertext: []byte("x"), Encrypted: true})
	assert.ErrorIs(t, err, medvault.ErrDecryptionFailed)
}
