// Package envelope encrypts payloads and sensitive fields with versioned data keys.
//
// Every ciphertext carries the key version it was produced with. Decryption
// always uses that recorded version, never the provider's current one, so a
// rotation never makes existing data unreadable.
//
// When no KeyProvider is configured the envelope runs in pass-through mode:
// data is stored as-is with Encrypted=false and KeyVersion=0, and a warning is
// logged once so that the degraded posture is visible.
package envelope

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/internal/metrics"
)

// Envelope seals and opens data with the keys of a KeyProvider.
type Envelope struct {
	provider KeyProvider
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	warnOnce sync.Once
}

// Option configures an Envelope.
type Option func(*Envelope)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Envelope) {
		e.logger = logger
	}
}

// WithMetrics counts decryption failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Envelope) {
		e.metrics = m
	}
}

// New creates an envelope. A nil provider selects pass-through mode.
func New(provider KeyProvider, opts ...Option) *Envelope {
	e := &Envelope{
		provider: provider,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PassThrough reports whether the envelope stores data unencrypted.
func (e *Envelope) PassThrough() bool {
	return e.provider == nil
}

// Provider returns the key provider, nil in pass-through mode.
func (e *Envelope) Provider() KeyProvider {
	return e.provider
}

func (e *Envelope) warnPassThrough() {
	e.warnOnce.Do(func() {
		e.logger.Warn().Msg("no encryption key provider configured, data is stored unencrypted")
	})
}

// Seal encrypts plaintext under the current key version.
func (e *Envelope) Seal(ctx context.Context, plaintext []byte) (medvault.SealedField, error) {
	if e.PassThrough() {
		e.warnPassThrough()
		return medvault.SealedField{Ciphertext: clone(plaintext)}, nil
	}
	version, err := e.provider.CurrentVersion(ctx)
	if err != nil {
		return medvault.SealedField{}, fmt.Errorf("%w: %w", medvault.ErrEncryptionFailed, err)
	}
	ciphertext, err := e.Encrypt(ctx, plaintext, version)
	if err != nil {
		return medvault.SealedField{}, err
	}
	return medvault.SealedField{Ciphertext: ciphertext, KeyVersion: version, Encrypted: true}, nil
}

// Encrypt encrypts plaintext under an explicit key version.
func (e *Envelope) Encrypt(ctx context.Context, plaintext []byte, version int) ([]byte, error) {
	if e.PassThrough() {
		e.warnPassThrough()
		return clone(plaintext), nil
	}
	key, err := e.provider.Key(ctx, version)
	if err != nil {
		return nil, err
	}
	return seal(key, plaintext, version)
}

// Decrypt decrypts a ciphertext with the key version recorded alongside it.
// Version 0 denotes data stored in pass-through mode and is returned as-is.
func (e *Envelope) Decrypt(ctx context.Context, ciphertext []byte, version int) ([]byte, error) {
	if version == 0 {
		return clone(ciphertext), nil
	}
	if e.PassThrough() {
		return nil, fmt.Errorf("%w: data sealed with key version %d but no key provider is configured",
			medvault.ErrKeyNotFound, version)
	}
	key, err := e.provider.Key(ctx, version)
	if err != nil {
		return nil, err
	}
	plaintext, err := open(key, ciphertext, version)
	if err != nil {
		e.metrics.RecordDecryptFailure()
		e.logger.Warn().Int("key_version", version).Err(err).Msg("ciphertext failed authentication")
		return nil, err
	}
	return plaintext, nil
}

// Open reverses Seal.
func (e *Envelope) Open(ctx context.Context, sealed medvault.SealedField) ([]byte, error) {
	if !sealed.Encrypted {
		return clone(sealed.Ciphertext), nil
	}
	if sealed.KeyVersion == 0 {
		return nil, fmt.Errorf("%w: encrypted field without key version", medvault.ErrDecryptionFailed)
	}
	return e.Decrypt(ctx, sealed.Ciphertext, sealed.KeyVersion)
}

// SealFields splits fields into plain values and sealed sensitive values.
// A field is sensitive when its name is in the sensitive list.
func (e *Envelope) SealFields(ctx context.Context, fields map[string]string, sensitive []string) (map[string]string, map[string]medvault.SealedField, error) {
	isSensitive := make(map[string]bool, len(sensitive))
	for _, name := range sensitive {
		isSensitive[name] = true
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	plain := make(map[string]string)
	sealed := make(map[string]medvault.SealedField)
	for _, name := range names {
		value := fields[name]
		if !isSensitive[name] {
			plain[name] = value
			continue
		}
		s, err := e.Seal(ctx, []byte(value))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to seal field '%s': %w", name, err)
		}
		sealed[name] = s
	}
	return plain, sealed, nil
}

// OpenField returns the plaintext value of one sealed owner field.
func (e *Envelope) OpenField(ctx context.Context, owner medvault.Owner, name string) (string, error) {
	if v, ok := owner.Fields[name]; ok {
		return v, nil
	}
	s, ok := owner.Sensitive[name]
	if !ok {
		return "", medvault.NewNotFoundError("field", name)
	}
	plaintext, err := e.Open(ctx, s)
	if err != nil {
		return "", fmt.Errorf("failed to open field '%s': %w", name, err)
	}
	return string(plaintext), nil
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
