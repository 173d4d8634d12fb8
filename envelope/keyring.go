package envelope

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/hengadev/medvault"
)

// KeyProvider supplies versioned data keys. Old versions stay retrievable after
// a rotation so that existing ciphertexts remain readable.
type KeyProvider interface {
	// CurrentVersion returns the version new encryptions use.
	CurrentVersion(ctx context.Context) (int, error)

	// Key returns the key material of a version, ErrKeyNotFound when unknown.
	Key(ctx context.Context, version int) ([]byte, error)

	// Rotate makes a new version current and returns it.
	Rotate(ctx context.Context) (int, error)
}

const hkdfSalt = "medvault-envelope"

// StaticKeyring holds keys derived from configured secrets. Rotated keys live
// only in memory and must be added to the configuration to survive a restart.
type StaticKeyring struct {
	mu      sync.RWMutex
	keys    map[int][]byte
	current int
}

// NewStaticKeyring derives one AES-256 key per version with HKDF-SHA256.
// The highest version is current.
func NewStaticKeyring(secrets map[int]string) (*StaticKeyring, error) {
	if len(secrets) == 0 {
		return nil, fmt.Errorf("%w: at least one encryption key is required", medvault.ErrInvalidConfiguration)
	}
	k := &StaticKeyring{keys: make(map[int][]byte, len(secrets))}
	for version, secret := range secrets {
		if version <= 0 {
			return nil, fmt.Errorf("%w: invalid key version %d", medvault.ErrInvalidConfiguration, version)
		}
		key, err := deriveKey(secret, version)
		if err != nil {
			return nil, err
		}
		k.keys[version] = key
		if version > k.current {
			k.current = version
		}
	}
	return k, nil
}

func deriveKey(secret string, version int) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: empty secret for key version %d", medvault.ErrInvalidConfiguration, version)
	}
	r := hkdf.New(sha256.New, []byte(secret), []byte(hkdfSalt), []byte("v"+strconv.Itoa(version)))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key version %d: %w", version, err)
	}
	return key, nil
}

func (k *StaticKeyring) CurrentVersion(ctx context.Context) (int, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current, nil
}

func (k *StaticKeyring) Key(ctx context.Context, version int) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[version]
	if !ok {
		return nil, medvault.NewKeyNotFoundError(version)
	}
	return key, nil
}

func (k *StaticKeyring) Rotate(ctx context.Context) (int, error) {
	key, err := GenerateKey()
	if err != nil {
		return 0, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.current++
	k.keys[k.current] = key
	return k.current, nil
}

// Versions lists the known versions in ascending order.
func (k *StaticKeyring) Versions() []int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]int, 0, len(k.keys))
	for v := range k.keys {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
