// Package s3bucket implements objectstore.Client on Amazon S3 and S3-compatible
// stores such as MinIO.
package s3bucket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/objectstore"
)

// s3API is the subset of the S3 client the store uses (allows mocking).
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// presignAPI is the subset of the presign client the store uses.
type presignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Store implements objectstore.Client on one S3 bucket.
type Store struct {
	client    s3API
	presigner presignAPI
	bucket    string
	pageSize  int32
}

var _ objectstore.Client = (*Store)(nil)

// Config holds configuration for the S3 store.
type Config struct {
	// Bucket is the bucket holding every key of the namespace.
	Bucket string

	// Region is the AWS region. If empty, uses AWS_REGION or the AWS config file.
	Region string

	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint string

	// UsePathStyle addresses the bucket in the path, as MinIO expects.
	UsePathStyle bool

	// PageSize bounds keys per listing page; 0 uses the S3 default of 1000.
	PageSize int32

	// AWSConfig is an optional pre-configured AWS config.
	// If provided, Region is ignored.
	AWSConfig *aws.Config
}

// New creates an S3 store.
//
// Usage:
//
//	store, err := s3bucket.New(ctx, s3bucket.Config{Bucket: "clinic-records"})
//
//	// MinIO
//	store, err := s3bucket.New(ctx, s3bucket.Config{
//	    Bucket:       "records",
//	    Endpoint:     "http://localhost:9000",
//	    UsePathStyle: true,
//	})
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket cannot be empty", medvault.ErrInvalidConfiguration)
	}

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
			return nil, fmt.Errorf("%w: failed to load AWS config: %w", medvault.ErrStorageUnavailable, err)
		}
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return newStore(client, s3.NewPresignClient(client), cfg.Bucket, cfg.PageSize), nil
}

func newStore(client s3API, presigner presignAPI, bucket string, pageSize int32) *Store {
	return &Store{client: client, presigner: presigner, bucket: bucket, pageSize: pageSize}
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string {
	return s.bucket
}

func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return mapError("put", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*objectstore.Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapError("get", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, medvault.NewStorageUnavailableError("get", key, err)
	}
	return &objectstore.Object{
		Data: data,
		Info: objectstore.ObjectInfo{
			Key:          key,
			Size:         int64(len(data)),
			ContentType:  aws.ToString(out.ContentType),
			LastModified: aws.ToTime(out.LastModified),
		},
	}, nil
}

func (s *Store) List(ctx context.Context, prefix string, fn func(objectstore.ObjectInfo) error) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if s.pageSize > 0 {
		input.MaxKeys = aws.Int32(s.pageSize)
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return mapError("list", prefix, err)
		}
		for _, obj := range page.Contents {
			info := objectstore.ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			}
			if err := fn(info); err != nil {
				if errors.Is(err, objectstore.SkipAll) {
					return nil
				}
				return err
			}
		}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return nil
	}
	if mapped := mapError("delete", key, err); !errors.Is(mapped, medvault.ErrNotFound) {
		return mapped
	}
	return nil
}

func (s *Store) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("presign ttl must be positive, got %s", ttl)
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", mapError("presign", key, err)
	}
	return req.URL, nil
}

// mapError translates SDK errors into the storage core's error kinds.
func mapError(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return medvault.NewNotFoundError("object", key)
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return medvault.NewNotFoundError("object", key)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return medvault.NewNotFoundError("object", key)
		case "NoSuchBucket", "InvalidBucketName":
			return fmt.Errorf("%w: %s '%s': %w", medvault.ErrInvalidConfiguration, op, key, err)
		}
	}
	return medvault.NewStorageUnavailableError(op, key, err)
}
