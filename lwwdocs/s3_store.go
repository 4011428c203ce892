// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwdocs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config configures an S3-backed document store.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // For S3-compatible services (MinIO, R2, etc.)
	// AccessKeyID/SecretAccessKey are optional; the default AWS credential
	// chain is used when empty.
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string // Key prefix for all objects, e.g. "replicas/"
	UsePathStyle    bool
}

// S3Store keeps one JSON object per document at <prefix><collection>/<id>.json.
// Object storage has no secondary index, so QueryUpdatedAfter always reports
// ErrIndexUnavailable and replicas pull through Scan.
type S3Store struct {
	client S3API
	config S3Config
	logger *slog.Logger
}

// NewS3Store builds an S3 client from cfg and wraps it.
func NewS3Store(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return NewS3StoreWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg, logger), nil
}

// NewS3StoreWithClient wraps an existing client.
func NewS3StoreWithClient(client S3API, cfg S3Config, logger *slog.Logger) *S3Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Store{client: client, config: cfg, logger: logger}
}

func (s *S3Store) collectionPrefix(collection string) string {
	return s.config.Prefix + collection + "/"
}

func (s *S3Store) objectKey(collection, id string) string {
	return s.collectionPrefix(collection) + id + ".json"
}

// Get implements DocumentStore.
func (s *S3Store) Get(ctx context.Context, collection, id string) (*Document, error) {
	return s.getKey(ctx, s.objectKey(collection, id))
}

func (s *S3Store) getKey(ctx context.Context, key string) (*Document, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode object %s: %w", key, err)
	}
	return &doc, nil
}

// QueryUpdatedAfter implements DocumentStore.
func (s *S3Store) QueryUpdatedAfter(ctx context.Context, collection string, after int64) ([]Document, error) {
	return nil, fmt.Errorf("s3 collection %s: %w", collection, ErrIndexUnavailable)
}

// Scan implements DocumentStore.
func (s *S3Store) Scan(ctx context.Context, collection string) ([]Document, error) {
	prefix := s.collectionPrefix(collection)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(prefix),
	})

	var out []Document
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			doc, err := s.getKey(ctx, key)
			if err != nil {
				return nil, err
			}
			if doc != nil {
				out = append(out, *doc)
			}
		}
	}
	return out, nil
}

// Set implements DocumentStore. Merge is a read-modify-write and is not
// atomic against concurrent writers of the same object.
func (s *S3Store) Set(ctx context.Context, collection string, doc Document, opts SetOptions) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	if opts.Merge {
		existing, err := s.Get(ctx, collection, doc.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			merged, err := MergePayload(existing.Payload, doc.Payload)
			if err != nil {
				return err
			}
			doc.Payload = merged
		}
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
	}
	key := s.objectKey(collection, doc.ID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	s.logger.Debug("Stored document object", "key", key, "updated_at", doc.UpdatedAt, "deleted", doc.Deleted)
	return nil
}
