// Package s3store stores sync content in an S3 bucket. A custom endpoint
// makes it work against MinIO and other S3-compatible services.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/maren/divvy/internal/storage"
	"github.com/maren/divvy/internal/syncconfig"
)

func init() {
	storage.Register(storage.Plugin{
		Name:   "s3",
		Loader: load,
	})
}

func load(ctx context.Context) (storage.Provider, error) {
	cfg := syncconfig.GetS3Config()
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3store: bucket not configured (set DIVVY_S3_BUCKET or storage.s3.bucket)")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
	}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3store: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
	}, nil
}

// Store keeps blobs under content/ and pointers under ptr/ in one bucket.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

func (s *Store) key(parts ...string) string {
	key := strings.Join(parts, "/")
	if s.prefix != "" {
		return s.prefix + "/" + key
	}
	return key
}

// Upload writes the blob. Content is immutable so a repeat upload just
// rewrites identical bytes.
func (s *Store) Upload(ctx context.Context, address string, data []byte) error {
	key := s.key("content", address)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("s3store: put %s: %w", address, err)
	}
	return nil
}

// Fetch reads the blob at address.
func (s *Store) Fetch(ctx context.Context, address string) ([]byte, error) {
	key := s.key("content", address)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("fetch %s: %w", address, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("s3store: get %s: %w", address, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("s3store: read %s: %w", address, err)
	}
	return data, nil
}

// Publish points name at address. S3 object puts are atomic, so readers
// see either the old or the new address.
func (s *Store) Publish(ctx context.Context, name, address string) error {
	key := s.key("ptr", name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          strings.NewReader(address),
		ContentLength: aws.Int64(int64(len(address))),
	})
	if err != nil {
		return fmt.Errorf("s3store: publish %s: %w", name, err)
	}
	return nil
}

// Resolve returns the address name points at.
func (s *Store) Resolve(ctx context.Context, name string) (string, error) {
	key := s.key("ptr", name)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNoSuchKey(err) {
			return "", fmt.Errorf("resolve %s: %w", name, storage.ErrNotFound)
		}
		return "", fmt.Errorf("s3store: resolve %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("s3store: read pointer %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func isNoSuchKey(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

var _ storage.Provider = (*Store)(nil)
