package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configures the S3 object store. Endpoint and the static key pair
// are optional; leaving them empty uses the default AWS credential chain and
// endpoints. Setting Endpoint switches to path-style addressing for
// S3-compatible servers like MinIO.
type S3Options struct {
	Bucket        string
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
}

type s3Store struct {
	client  *s3.Client
	bucket  string
	region  string
	baseURL string
}

// NewS3 builds an ObjectStore backed by an S3 bucket.
func NewS3(ctx context.Context, opts S3Options) (ObjectStore, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 storage requires a bucket name")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	slog.Debug("S3 object store ready", "bucket", opts.Bucket, "region", opts.Region)
	return &s3Store{
		client:  client,
		bucket:  opts.Bucket,
		region:  opts.Region,
		baseURL: strings.TrimSuffix(opts.PublicBaseURL, "/"),
	}, nil
}

func (s *s3Store) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s: %w", key, err)
	}

	slog.Debug("Object uploaded", "bucket", s.bucket, "key", key, "bytes", len(data))
	return nil
}

func (s *s3Store) PublicURL(key string) string {
	if s.baseURL != "" {
		return s.baseURL + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}

func (s *s3Store) Remove(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to remove object %s: %w", key, err)
	}

	slog.Debug("Object removed", "bucket", s.bucket, "key", key)
	return nil
}
