package medvault

import (
	"errors"
	"fmt"
)

var (
	// Caller errors
	ErrInvalidCategory      = errors.New("invalid category")
	ErrInvalidIdentifier    = errors.New("invalid identifier")
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// Storage errors
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrQuotaExceeded      = errors.New("storage quota exceeded")
	ErrTenantInactive     = errors.New("tenant is not active")
	ErrEncryptedObject    = errors.New("object is encrypted at rest")

	// Crypto errors
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrKeyNotFound      = errors.New("key version not found")
	ErrIntegrity        = errors.New("content hash mismatch")
	ErrKMSUnavailable   = errors.New("key management service unavailable")

	ErrAuthenticationFailed = errors.New("authentication failed")

	// Workflow errors
	ErrPartialProvisioning = errors.New("partial provisioning")
	ErrReconcileInProgress = errors.New("reconciliation already in progress")

	// ErrOrphanPayload marks a reconciliation finding, never returned from a call.
	ErrOrphanPayload = errors.New("orphan payload")
)

func NewInvalidCategoryError(department, category string) error {
	return fmt.Errorf("%w: '%s' is not a known category for department '%s'", ErrInvalidCategory, category, department)
}

func NewInvalidIdentifierError(kind, value string) error {
	return fmt.Errorf("%w: %s id '%s' must be non-empty and must not contain '/'", ErrInvalidIdentifier, kind, value)
}

func NewStorageUnavailableError(op, key string, err error) error {
	return fmt.Errorf("%w: %s '%s': %w", ErrStorageUnavailable, op, key, err)
}

func NewNotFoundError(kind, id string) error {
	return fmt.Errorf("%w: %s '%s'", ErrNotFound, kind, id)
}

func NewKeyNotFoundError(version int) error {
	return fmt.Errorf("%w: version %d", ErrKeyNotFound, version)
}

func NewPartialProvisioningError(entity string, created, failed int) error {
	return fmt.Errorf("%w: %s: %d folders created, %d failed", ErrPartialProvisioning, entity, created, failed)
}

// IsRetryable returns true if the error represents a transient failure that might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrKMSUnavailable) ||
		errors.Is(err, ErrPartialProvisioning) ||
		errors.Is(err, ErrReconcileInProgress)
}

// IsIntegrityError returns true for data-integrity failures that must be surfaced to an operator
// instead of being retried.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrDecryptionFailed) ||
		errors.Is(err, ErrIntegrity)
}

// IsConfigurationError returns true if the error represents a configuration or programming problem.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrInvalidCategory) ||
		errors.Is(err, ErrInvalidIdentifier) ||
		errors.Is(err, ErrKeyNotFound) ||
		errors.Is(err, ErrAuthenticationFailed)
}
