package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"strconv"

	"github.com/hengadev/medvault"
)

// KeySize is the size of data keys, AES-256.
const KeySize = 32

// additionalData binds a ciphertext to the key version it was sealed under, so
// a ciphertext relabelled with another version fails authentication.
func additionalData(version int) []byte {
	return []byte("medvault:v" + strconv.Itoa(version))
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}

// seal encrypts plaintext with AES-256-GCM. The output is nonce || ciphertext || tag.
func seal(key, plaintext []byte, version int) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", medvault.ErrEncryptionFailed, err)
	}
	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: failed to generate nonce: %w", medvault.ErrEncryptionFailed, err)
	}
	return aesGCM.Seal(nonce, nonce, plaintext, additionalData(version)), nil
}

// open reverses seal. Any authentication failure is reported as ErrDecryptionFailed.
func open(key, ciphertext []byte, version int) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", medvault.ErrDecryptionFailed, err)
	}
	nonceSize := aesGCM.NonceSize()
	if len(ciphertext) < nonceSize+aesGCM.Overhead() {
		return nil, fmt.Errorf("%w: invalid ciphertext size", medvault.ErrDecryptionFailed)
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, sealed, additionalData(version))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", medvault.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// GenerateKey returns a random data key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return key, nil
}
