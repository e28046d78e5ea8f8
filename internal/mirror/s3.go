package mirror

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Target mirrors snapshots into an AWS S3 bucket (or an S3-compatible
// endpoint, when Endpoint is set).
type S3Target struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config configures an S3Target.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // non-empty for S3-compatible services
}

// NewS3Target builds an S3Target from cfg, resolving credentials the
// standard AWS way (environment, shared config, instance profile).
func NewS3Target(ctx context.Context, cfg S3Config) (*S3Target, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("mirror: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Target{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Name implements Target.
func (t *S3Target) Name() string {
	return "s3://" + t.bucket
}

// PutObject implements Target.
func (t *S3Target) PutObject(ctx context.Context, key string, data io.Reader, size int64) error {
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(t.prefix + key),
		Body:          data,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("mirror: s3 put %s: %w", key, err)
	}
	return nil
}
