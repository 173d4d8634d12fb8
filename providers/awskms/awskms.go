// Package awskms wraps the data keys of the SQL keyring with AWS Key
// Management Service.
//
// Every wrap and unwrap call binds an encryption context naming the keyring
// alias, so a wrapped data key copied to another keyring fails to unwrap.
package awskms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/envelope"
)

const aliasPrefix = "alias/"

// contextKey is the encryption context entry bound to every data key.
const contextKey = "medvault:keyring"

// kmsClient interface for AWS KMS operations (allows mocking)
type kmsClient interface {
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	CreateKey(ctx context.Context, params *kms.CreateKeyInput, optFns ...func(*kms.Options)) (*kms.CreateKeyOutput, error)
	CreateAlias(ctx context.Context, params *kms.CreateAliasInput, optFns ...func(*kms.Options)) (*kms.CreateAliasOutput, error)
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSService implements envelope.KeyManagementService using AWS KMS.
type KMSService struct {
	client  kmsClient
	region  string
	keyring string
}

var _ envelope.KeyManagementService = (*KMSService)(nil)

// Config holds configuration for AWS KMS service.
type Config struct {
	// Region is the AWS region (e.g., "eu-west-3").
	// If empty, uses AWS_REGION environment variable or AWS config file.
	Region string

	// Keyring names the keyring in the encryption context of wrapped keys.
	// Defaults to medvault.DefaultKeyAlias.
	Keyring string

	// AWSConfig is an optional pre-configured AWS config.
	// If provided, Region is ignored.
	AWSConfig *aws.Config
}

// New creates a new AWS KMS service instance.
//
//	kmsService, err := awskms.New(ctx, awskms.Config{Region: "eu-west-3"})
//	keyring, err := envelope.OpenSQLKeyring(ctx, dsn, kmsService, "medvault-data-key")
func New(ctx context.Context, cfg Config) (*KMSService, error) {
	var awsConfig aws.Config
	if cfg.AWSConfig != nil {
		awsConfig = *cfg.AWSConfig
	} else {
		opts := []func(*config.LoadOptions) error{}
		if cfg.Region != "" {
			opts = append(opts, config.WithRegion(cfg.Region))
		}
		var err error
		awsConfig, err = config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load AWS config: %w", medvault.ErrKMSUnavailable, err)
		}
	}
	return newService(kms.NewFromConfig(awsConfig), awsConfig.Region, cfg.Keyring), nil
}

func newService(client kmsClient, region, keyring string) *KMSService {
	if keyring == "" {
		keyring = medvault.DefaultKeyAlias
	}
	return &KMSService{client: client, region: region, keyring: keyring}
}

func qualifiedAlias(alias string) string {
	if strings.HasPrefix(alias, aliasPrefix) {
		return alias
	}
	return aliasPrefix + alias
}

func (k *KMSService) encryptionContext() map[string]string {
	return map[string]string{contextKey: k.keyring}
}

// GetKeyID returns the id of the KMS key an alias points to. The "alias/"
// prefix is added when missing. A missing alias fails with ErrNotFound.
func (k *KMSService) GetKeyID(ctx context.Context, alias string) (string, error) {
	if alias == "" {
		return "", fmt.Errorf("%w: alias cannot be empty", medvault.ErrInvalidConfiguration)
	}
	aliasName := qualifiedAlias(alias)

	result, err := k.client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(aliasName)})
	if err != nil {
		var notFound *types.NotFoundException
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: KMS key %s", medvault.ErrNotFound, aliasName)
		}
		return "", fmt.Errorf("%w: failed to describe KMS key %s: %w", medvault.ErrKMSUnavailable, aliasName, err)
	}
	if result.KeyMetadata == nil || result.KeyMetadata.KeyId == nil {
		return "", fmt.Errorf("%w: no key metadata returned for alias %s", medvault.ErrKMSUnavailable, aliasName)
	}
	return *result.KeyMetadata.KeyId, nil
}

// CreateKey creates a symmetric KMS key and points the alias named by
// description at it, so later GetKeyID calls resolve to the new key.
func (k *KMSService) CreateKey(ctx context.Context, description string) (string, error) {
	if description == "" {
		return "", fmt.Errorf("%w: description (alias) cannot be empty", medvault.ErrInvalidConfiguration)
	}
	result, err := k.client.CreateKey(ctx, &kms.CreateKeyInput{
		Description: aws.String("medvault data key wrapping: " + description),
		KeyUsage:    types.KeyUsageTypeEncryptDecrypt,
		KeySpec:     types.KeySpecSymmetricDefault,
		MultiRegion: aws.Bool(false),
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to create KMS key: %w", medvault.ErrKMSUnavailable, err)
	}
	if result.KeyMetadata == nil || result.KeyMetadata.KeyId == nil {
		return "", fmt.Errorf("%w: no key metadata returned after creation", medvault.ErrKMSUnavailable)
	}
	keyID := *result.KeyMetadata.KeyId

	_, err = k.client.CreateAlias(ctx, &kms.CreateAliasInput{
		AliasName:   aws.String(qualifiedAlias(description)),
		TargetKeyId: aws.String(keyID),
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to create alias %s for key %s: %w",
			medvault.ErrKMSUnavailable, qualifiedAlias(description), keyID, err)
	}
	return keyID, nil
}

// EncryptDEK wraps a data key. The raw ciphertext blob is returned.
func (k *KMSService) EncryptDEK(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: plaintext cannot be empty", medvault.ErrEncryptionFailed)
	}
	result, err := k.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(keyID),
		Plaintext:         plaintext,
		EncryptionContext: k.encryptionContext(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encrypt DEK with KMS key %s: %w", classify(err, medvault.ErrEncryptionFailed), keyID, err)
	}
	if result.CiphertextBlob == nil {
		return nil, fmt.Errorf("%w: no ciphertext returned from KMS", medvault.ErrEncryptionFailed)
	}
	return result.CiphertextBlob, nil
}

// DecryptDEK unwraps a data key produced by EncryptDEK. The keyID may be
// empty since the ciphertext blob names its key.
func (k *KMSService) DecryptDEK(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: ciphertext cannot be empty", medvault.ErrDecryptionFailed)
	}
	input := &kms.DecryptInput{
		CiphertextBlob:    ciphertext,
		EncryptionContext: k.encryptionContext(),
	}
	if keyID != "" {
		input.KeyId = aws.String(keyID)
	}

	result, err := k.client.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt DEK: %w", classify(err, medvault.ErrDecryptionFailed), err)
	}
	if result.Plaintext == nil {
		return nil, fmt.Errorf("%w: no plaintext returned from KMS", medvault.ErrDecryptionFailed)
	}
	return result.Plaintext, nil
}

// Region returns the AWS region this KMS service is configured for.
func (k *KMSService) Region() string {
	return k.region
}

// classify separates rejections of the request itself, returned as fallback,
// from service failures that are worth retrying.
func classify(err error, fallback error) error {
	var (
		invalidCiphertext *types.InvalidCiphertextException
		incorrectKey      *types.IncorrectKeyException
		invalidUsage      *types.InvalidKeyUsageException
		disabled          *types.DisabledException
		notFound          *types.NotFoundException
	)
	switch {
	case errors.As(err, &invalidCiphertext), errors.As(err, &incorrectKey),
		errors.As(err, &invalidUsage), errors.As(err, &disabled), errors.As(err, &notFound):
		return fallback
	default:
		return medvault.ErrKMSUnavailable
	}
}
