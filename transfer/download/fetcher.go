// Package download fetches encrypted parts from their download locations and verifies them.
package download

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/bitrise-io/go-einvoice/network"
	"github.com/bitrise-io/go-einvoice/transfer/chunk"
	"github.com/bitrise-io/go-utils/v2/log"
)

const maxFailureBodySize = 1024

// Location is where the part with the given ordinal number can be fetched from.
// A zero Digest skips verification of the part.
type Location struct {
	Ordinal int
	Method  string
	URL     string
	Headers map[string]string
	Digest  chunk.ContentDigest
}

// Failure is a part that could not be fetched.
type Failure struct {
	Ordinal    int
	StatusCode int
	Body       string
	Err        error
}

func (f Failure) String() string {
	if f.Err != nil {
		return fmt.Sprintf("part %d: %s", f.Ordinal, f.Err)
	}
	return fmt.Sprintf("part %d: status %d: %s", f.Ordinal, f.StatusCode, f.Body)
}

// AggregateError lists every part that could not be fetched.
type AggregateError struct {
	Failures []Failure
}

func (e *AggregateError) Error() string {
	descriptions := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		descriptions = append(descriptions, f.String())
	}
	return fmt.Sprintf("download of %d part(s) failed: %s", len(e.Failures), strings.Join(descriptions, "; "))
}

// Unwrap ...
func (e *AggregateError) Unwrap() []error {
	var errs []error
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// Ordinals returns the ordinal numbers of the failed parts in ascending order.
func (e *AggregateError) Ordinals() []int {
	ordinals := make([]int, 0, len(e.Failures))
	for _, f := range e.Failures {
		ordinals = append(ordinals, f.Ordinal)
	}
	sort.Ints(ordinals)
	return ordinals
}

// NewAggregateError returns an *AggregateError with the failures ordered by ordinal number.
func NewAggregateError(failures []Failure) *AggregateError {
	sort.Slice(failures, func(i, k int) bool { return failures[i].Ordinal < failures[k].Ordinal })
	return &AggregateError{Failures: failures}
}

// Fetcher downloads parts into memory through a Transport.
type Fetcher struct {
	transport network.Transport
	logger    log.Logger
}

// NewFetcher ...
func NewFetcher(transport network.Transport, logger log.Logger) *Fetcher {
	return &Fetcher{transport: transport, logger: logger}
}

// FetchAll downloads every location in turn. A part whose content does not match its digest stops the
// download with an *chunk.IntegrityError; other failures are collected and returned as an *AggregateError
// once every location was attempted. The returned parts are ordered by ordinal number.
func (f *Fetcher) FetchAll(ctx context.Context, locations []Location) ([]chunk.Part, error) {
	if err := ValidateLocations(locations); err != nil {
		return nil, err
	}

	var (
		parts    []chunk.Part
		failures []Failure
	)
	for _, l := range locations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		f.logger.Debugf("Downloading part %d", l.Ordinal)
		data, failure := f.fetch(ctx, l)
		if failure != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.logger.Warnf("Part %d download failed: %s", l.Ordinal, failure)
			failures = append(failures, *failure)
			continue
		}

		part := chunk.Part{Ordinal: l.Ordinal, Data: data, Digest: chunk.Digest(data)}
		if err := Verify(l, part.Digest); err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}

	if len(failures) > 0 {
		return nil, NewAggregateError(failures)
	}

	sort.Slice(parts, func(i, k int) bool { return parts[i].Ordinal < parts[k].Ordinal })
	return parts, nil
}

func (f *Fetcher) fetch(ctx context.Context, l Location) ([]byte, *Failure) {
	method := l.Method
	if method == "" {
		method = http.MethodGet
	}

	resp, err := f.transport.Send(ctx, network.Request{Method: method, URL: l.URL, Headers: l.Headers})
	if err != nil {
		return nil, &Failure{Ordinal: l.Ordinal, Err: err}
	}
	if !resp.IsSuccess() {
		body := resp.Body
		if len(body) > maxFailureBodySize {
			body = body[:maxFailureBodySize]
		}
		return nil, &Failure{Ordinal: l.Ordinal, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	return resp.Body, nil
}

// Verify returns an *chunk.IntegrityError when the location carries a digest that differs from actual.
func Verify(l Location, actual chunk.ContentDigest) error {
	if l.Digest.IsZero() || l.Digest == actual {
		return nil
	}
	return &chunk.IntegrityError{Ordinal: l.Ordinal, Expected: l.Digest, Actual: actual}
}

// ValidateLocations checks that every location has a distinct ordinal number of at least 1.
func ValidateLocations(locations []Location) error {
	seen := make(map[int]bool, len(locations))
	for _, l := range locations {
		if l.Ordinal < 1 {
			return chunk.NewValidationError("location ordinal", "must be at least 1, got %d", l.Ordinal)
		}
		if seen[l.Ordinal] {
			return chunk.NewValidationError("location ordinal", "duplicate download location %d", l.Ordinal)
		}
		seen[l.Ordinal] = true
	}
	return nil
}
