// Package s3 provides an S3-compatible chunk source.
package s3

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sly67/streambridge/internal/source"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Source serves ranges out of an S3/MinIO bucket. Handles carry the object key.
type Source struct {
	client *s3.Client
	bucket string
}

// New creates an S3 chunk source.
func New(ctx context.Context, cfg Config) (*Source, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &Source{client: client, bucket: cfg.Bucket}, nil
}

// ProbeSize returns the object's size via HeadObject.
func (s *Source) ProbeSize(ctx context.Context, handles json.RawMessage) (int64, error) {
	h, err := source.ParseHandle(handles)
	if err != nil {
		return 0, err
	}

	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(h.Key),
	})
	if err != nil {
		return 0, fmt.Errorf("head object %s: %w", h.Key, err)
	}
	if result.ContentLength == nil {
		return 0, fmt.Errorf("head object %s: no content length", h.Key)
	}
	return *result.ContentLength, nil
}

// FetchRange issues a ranged GetObject.
func (s *Source) FetchRange(ctx context.Context, handles json.RawMessage, offset, length int64) (io.ReadCloser, error) {
	h, err := source.ParseHandle(handles)
	if err != nil {
		return nil, err
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(h.Key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", h.Key, err)
	}

	return result.Body, nil
}

// Type returns "s3".
func (s *Source) Type() string { return "s3" }

// Close is a no-op; the SDK client holds no persistent connections.
func (s *Source) Close() error { return nil }
