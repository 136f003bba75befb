package download

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/bitrise-io/go-einvoice/transfer/chunk"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/melbahja/got"
)

// PartFile is a downloaded part stored on disk.
type PartFile struct {
	Ordinal int
	Path    string
	Digest  chunk.ContentDigest
}

// FileFetcher saves parts straight to disk with ranged parallel downloads, for parts too large to buffer.
type FileFetcher struct {
	client *http.Client
	logger log.Logger
}

// NewFileFetcher ...
func NewFileFetcher(client *http.Client, logger log.Logger) *FileFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &FileFetcher{client: client, logger: logger}
}

// FetchAll downloads every location into dir as part-<ordinal>.aes and verifies each file against its digest.
// Failures are handled as in Fetcher.FetchAll.
func (f *FileFetcher) FetchAll(ctx context.Context, locations []Location, dir string) ([]PartFile, error) {
	if err := ValidateLocations(locations); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	var (
		files    []PartFile
		failures []Failure
	)
	for _, l := range locations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dest := filepath.Join(dir, fmt.Sprintf("part-%d.aes", l.Ordinal))
		f.logger.Debugf("Downloading part %d to %s", l.Ordinal, dest)
		if err := f.downloadFile(ctx, l, dest); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.logger.Warnf("Part %d download failed: %s", l.Ordinal, err)
			failures = append(failures, Failure{Ordinal: l.Ordinal, Err: err})
			continue
		}

		digest, err := digestFile(dest)
		if err != nil {
			return nil, err
		}
		if err := Verify(l, digest); err != nil {
			return nil, err
		}
		files = append(files, PartFile{Ordinal: l.Ordinal, Path: dest, Digest: digest})
	}

	if len(failures) > 0 {
		return nil, NewAggregateError(failures)
	}

	sort.Slice(files, func(i, k int) bool { return files[i].Ordinal < files[k].Ordinal })
	return files, nil
}

func (f *FileFetcher) downloadFile(ctx context.Context, l Location, dest string) error {
	// got.Do keeps the client of the download, not the one of the Got instance.
	dl := got.NewDownload(ctx, l.URL, dest)
	dl.Client = withHeaders(f.client, l.Headers)

	return got.New().Do(dl)
}

// ReadParts loads downloaded part files into memory for reassembly.
func ReadParts(files []PartFile) ([]chunk.Part, error) {
	parts := make([]chunk.Part, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file.Path)
		if err != nil {
			return nil, fmt.Errorf("read part %d: %w", file.Ordinal, err)
		}
		parts = append(parts, chunk.Part{Ordinal: file.Ordinal, Data: data, Digest: file.Digest})
	}
	return parts, nil
}

func digestFile(path string) (chunk.ContentDigest, error) {
	file, err := os.Open(path)
	if err != nil {
		return chunk.ContentDigest{}, fmt.Errorf("open downloaded part: %w", err)
	}
	defer file.Close() //nolint:errcheck

	return chunk.DigestReader(file)
}

// withHeaders returns a client adding the location's headers to every request, including ranged ones.
func withHeaders(client *http.Client, headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return client
	}

	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	clone := *client
	clone.Transport = headerRoundTripper{base: base, headers: headers}
	return &clone
}

type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	return h.base.RoundTrip(req)
}
