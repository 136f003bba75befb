// Package upload delivers encrypted parts to server-issued upload slots, tolerating per-part failures.
package upload

import (
	"fmt"
	"sort"
	"strings"
)

// Slot is a server-issued destination for the part with the same ordinal number.
type Slot struct {
	Ordinal int
	Method  string
	URL     string
	Headers map[string]string
}

// Part is an upload body correlated to its slot by ordinal number.
type Part struct {
	Ordinal int
	Payload Payload
}

// Failure is a part that could not be delivered. Either StatusCode and Body are set, or Err is.
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

// AggregateError lists every part that failed after all slots were attempted.
type AggregateError struct {
	Failures []Failure
}

func (e *AggregateError) Error() string {
	descriptions := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		descriptions = append(descriptions, f.String())
	}
	return fmt.Sprintf("upload of %d part(s) failed: %s", len(e.Failures), strings.Join(descriptions, "; "))
}

// Unwrap exposes the transport errors of the failed parts.
func (e *AggregateError) Unwrap() []error {
	var errs []error
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// Ordinals returns the ordinal numbers of the failed parts in ascending order, for targeted re-submission.
func (e *AggregateError) Ordinals() []int {
	ordinals := make([]int, 0, len(e.Failures))
	for _, f := range e.Failures {
		ordinals = append(ordinals, f.Ordinal)
	}
	sort.Ints(ordinals)
	return ordinals
}
