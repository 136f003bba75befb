package s3store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-einvoice/transfer/chunk"
	"github.com/bitrise-io/go-einvoice/transfer/download"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// ErrPartNotFound is returned when a part object does not exist in the bucket.
var ErrPartNotFound = errors.New("part object not found")

// ObjectAPI is the subset of the S3 client a Source needs.
type ObjectAPI interface {
	manager.DownloadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Source fetches parts stored as objects.
type Source struct {
	client     ObjectAPI
	downloader *manager.Downloader
	config     Config
	logger     log.Logger
}

// NewSource ...
func NewSource(client ObjectAPI, cfg Config, logger log.Logger) (*Source, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Source{
		client:     client,
		downloader: manager.NewDownloader(client),
		config:     cfg.withDefaults(),
		logger:     logger,
	}, nil
}

// Fetch downloads one object. A missing object yields ErrPartNotFound without further retries.
func (s *Source) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	var data []byte
	err := retry.Times(uint(s.config.NumRetries)).Wait(s.config.RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err(), true
			}
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				switch apiError.(type) {
				case *types.NotFound:
					return fmt.Errorf("%w: %s/%s", ErrPartNotFound, bucket, key), true
				}
			}
			s.logger.Debugf("head object %s (attempt %d): %s", key, attempt+1, err)
			return fmt.Errorf("head object: %w", err), false
		}

		buf := manager.NewWriteAtBuffer(make([]byte, 0, aws.ToInt64(head.ContentLength)))
		if _, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}); err != nil {
			if ctx.Err() != nil {
				return ctx.Err(), true
			}
			s.logger.Debugf("download object %s (attempt %d): %s", key, attempt+1, err)
			return fmt.Errorf("download object: %w", err), false
		}

		data = buf.Bytes()
		return nil, true
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// FetchAll downloads the parts at the given locations. A location URL is either an object key in the
// configured bucket or an s3://bucket/key URL. Validation and failures are handled as by download.Fetcher.
func (s *Source) FetchAll(ctx context.Context, locations []download.Location) ([]chunk.Part, error) {
	if err := download.ValidateLocations(locations); err != nil {
		return nil, err
	}

	var (
		parts    []chunk.Part
		failures []download.Failure
	)
	for _, l := range locations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		bucket, key := s.objectOf(l.URL)
		s.logger.Debugf("Downloading part %d from s3://%s/%s", l.Ordinal, bucket, key)
		data, err := s.Fetch(ctx, bucket, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warnf("Part %d download failed: %s", l.Ordinal, err)
			failures = append(failures, download.Failure{Ordinal: l.Ordinal, Err: err})
			continue
		}

		digest := chunk.Digest(data)
		if err := download.Verify(l, digest); err != nil {
			return nil, err
		}
		parts = append(parts, chunk.Part{Ordinal: l.Ordinal, Data: data, Digest: digest})
	}

	if len(failures) > 0 {
		return nil, download.NewAggregateError(failures)
	}

	sort.Slice(parts, func(i, k int) bool { return parts[i].Ordinal < parts[k].Ordinal })
	return parts, nil
}

func (s *Source) objectOf(location string) (string, string) {
	if rest, ok := strings.CutPrefix(location, "s3://"); ok {
		if bucket, key, found := strings.Cut(rest, "/"); found {
			return bucket, key
		}
	}
	return s.config.Bucket, location
}
