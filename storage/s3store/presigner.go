package s3store

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-einvoice/transfer"
	"github.com/bitrise-io/go-einvoice/transfer/download"
	"github.com/bitrise-io/go-einvoice/transfer/upload"
	"github.com/bitrise-io/go-utils/v2/log"
)

// PresignAPI is the subset of s3.PresignClient a Presigner needs.
type PresignAPI interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Presigner issues presigned upload slots and download locations for the parts of a transfer,
// so parts can be moved to and from the bucket directly.
type Presigner struct {
	client PresignAPI
	config Config
	logger log.Logger
}

// NewPresigner ...
func NewPresigner(client PresignAPI, cfg Config, logger log.Logger) (*Presigner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Presigner{client: client, config: cfg.withDefaults(), logger: logger}, nil
}

// NewPresignerFromClient ...
func NewPresignerFromClient(client *s3.Client, cfg Config, logger log.Logger) (*Presigner, error) {
	return NewPresigner(s3.NewPresignClient(client), cfg, logger)
}

// UploadSlots returns one presigned PUT slot per part of the manifest.
func (p *Presigner) UploadSlots(ctx context.Context, manifest transfer.Manifest) ([]upload.Slot, error) {
	slots := make([]upload.Slot, 0, len(manifest.Parts))
	for _, part := range manifest.Parts {
		key := p.config.PartKey(manifest.TransferID, part.Ordinal)
		req, err := p.client.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(p.config.Bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(p.config.PresignExpiry))
		if err != nil {
			return nil, fmt.Errorf("presign upload of part %d: %w", part.Ordinal, err)
		}
		p.logger.Debugf("Presigned upload of part %d to %s", part.Ordinal, key)

		slots = append(slots, upload.Slot{
			Ordinal: part.Ordinal,
			Method:  req.Method,
			URL:     req.URL,
			Headers: flattenHeaders(req.SignedHeader),
		})
	}
	return slots, nil
}

// DownloadLocations returns one presigned GET location per part of the manifest, carrying the part digest.
func (p *Presigner) DownloadLocations(ctx context.Context, manifest transfer.Manifest) ([]download.Location, error) {
	locations := make([]download.Location, 0, len(manifest.Parts))
	for _, part := range manifest.Parts {
		key := p.config.PartKey(manifest.TransferID, part.Ordinal)
		req, err := p.client.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(p.config.Bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(p.config.PresignExpiry))
		if err != nil {
			return nil, fmt.Errorf("presign download of part %d: %w", part.Ordinal, err)
		}

		locations = append(locations, download.Location{
			Ordinal: part.Ordinal,
			Method:  req.Method,
			URL:     req.URL,
			Headers: flattenHeaders(req.SignedHeader),
			Digest:  part.Digest,
		})
	}
	return locations, nil
}

// flattenHeaders keeps the signed headers the client has to send; Host is set by the HTTP client.
func flattenHeaders(header http.Header) map[string]string {
	headers := map[string]string{}
	for name, values := range header {
		if http.CanonicalHeaderKey(name) == "Host" || len(values) == 0 {
			continue
		}
		headers[name] = values[0]
	}
	return headers
}
