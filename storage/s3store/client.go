// Package s3store keeps transfer parts in an S3 compatible bucket: it issues presigned upload slots and
// download locations for them and fetches parts stored as objects.
package s3store

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-einvoice/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Config ...
type Config struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint, for S3 compatible storage.
	Endpoint     string
	UsePathStyle bool
	// Prefix is prepended to every object key.
	Prefix string
	// NumRetries is the number of retries of a failed object download.
	NumRetries int
	// RetryWait is the wait between object download retries. Default: 5 seconds
	RetryWait time.Duration
	// PresignExpiry is the validity of presigned URLs. Default: 15 minutes
	PresignExpiry time.Duration
}

func (c Config) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket must not be empty")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.RetryWait == 0 {
		c.RetryWait = 5 * time.Second
	}
	if c.PresignExpiry == 0 {
		c.PresignExpiry = 15 * time.Minute
	}
	return c
}

// PartKey returns the object key of a transfer part.
func (c Config) PartKey(transferID string, ordinal int) string {
	return path.Join(c.Prefix, transfer.PartFileName(transferID, ordinal))
}

// NewClient creates an S3 client. Static credentials are used when both the key ID and secret are set,
// otherwise credentials are loaded from the environment.
func NewClient(ctx context.Context, cfg Config, logger log.Logger) (*s3.Client, error) {
	awsConfig, err := loadAWSCredentials(ctx, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return s3.NewFromConfig(*awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	} else {
		logger.Debugf("aws credentials not defined, loading credentials from environment...")
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %w", err)
	}

	return &cfg, nil
}
