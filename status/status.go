// Package status maps the numeric status codes of long-running operations onto tagged states.
package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bitrise-io/go-einvoice/network"
	"github.com/bitrise-io/go-einvoice/poll"
)

// State is the tagged form of an operation status code.
type State int

const (
	Unknown State = iota
	InProgress
	Throttled
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case InProgress:
		return "in progress"
	case Throttled:
		return "throttled"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Codes is the code table of the operation status convention. Codes not listed in any group are failures.
type Codes struct {
	InProgress  []int
	Succeeded   []int
	RateLimited []int
}

// DefaultCodes ...
var DefaultCodes = Codes{
	InProgress:  []int{100, 150},
	Succeeded:   []int{200},
	RateLimited: []int{http.StatusTooManyRequests},
}

// Classify returns the state of a status code.
func (c Codes) Classify(code int) State {
	switch {
	case contains(c.InProgress, code):
		return InProgress
	case contains(c.RateLimited, code):
		return Throttled
	case contains(c.Succeeded, code):
		return Succeeded
	default:
		return Failed
	}
}

// Status is an operation status with its state resolved.
type Status struct {
	State       State    `json:"state"`
	Code        int      `json:"code"`
	Description string   `json:"description,omitempty"`
	Details     []string `json:"details,omitempty"`
}

// FromDTO resolves the state of a status returned by the session API.
func (c Codes) FromDTO(dto network.OperationStatusDTO) Status {
	return Status{
		State:       c.Classify(dto.Code),
		Code:        dto.Code,
		Description: dto.Description,
		Details:     dto.Details,
	}
}

// Terminal is the polling condition: true once the operation succeeded or failed.
// A failed status still stops polling; Err classifies it afterwards.
func Terminal(s Status) bool {
	return s.State == Succeeded || s.State == Failed
}

// OperationError reports an operation that finished in a non-success state.
type OperationError struct {
	Status Status
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("operation %s with status %d", e.Status.State, e.Status.Code)
	if e.Status.Description != "" {
		msg += ": " + e.Status.Description
	}
	if len(e.Status.Details) > 0 {
		msg += " (" + strings.Join(e.Status.Details, "; ") + ")"
	}
	return msg
}

// Err returns nil for a succeeded status and an *OperationError otherwise.
func Err(s Status) error {
	if s.State == Succeeded {
		return nil
	}
	return &OperationError{Status: s}
}

// ErrorRateLimit classifies 429 transport errors as throttling and honours their Retry-After.
func ErrorRateLimit(err error) poll.RateLimitDecision {
	limited, retryAfter := network.IsRateLimited(err)
	if !limited {
		return poll.RateLimitDecision{}
	}
	return poll.RateLimited(retryAfter)
}

// ResultRateLimit classifies throttled statuses returned as regular results.
func ResultRateLimit(s Status) poll.RateLimitDecision {
	return poll.RateLimitDecision{Limited: s.State == Throttled}
}

// RetryIf retries transient errors: server errors, connection failures and throttling.
// Client errors other than 429 and context cancellation are not retried.
func RetryIf(err error) bool {
	if !poll.DefaultRetryIf(err) {
		return false
	}
	var statusErr *network.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.IsRateLimited() || statusErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

// Fetch probes the current status of an operation.
type Fetch func(ctx context.Context) (network.OperationStatusDTO, error)

// Await polls fetch until the operation reaches a terminal state and returns Err of the final status
// alongside it. Throttling, reported as an error or as a status code, does not use up attempts.
func Await(ctx context.Context, fetch Fetch, codes Codes, schedule poll.Fixed, opts poll.Options[Status]) (Status, error) {
	if opts.RetryIf == nil {
		opts.RetryIf = RetryIf
	}
	if opts.ErrorRateLimit == nil {
		opts.ErrorRateLimit = ErrorRateLimit
	}
	if opts.ResultRateLimit == nil {
		opts.ResultRateLimit = ResultRateLimit
	}

	probe := poll.Call(func(ctx context.Context) (Status, error) {
		dto, err := fetch(ctx)
		if err != nil {
			return Status{}, err
		}
		return codes.FromDTO(dto), nil
	})

	s, err := poll.Poll(ctx, probe, Terminal, schedule, opts)
	if err != nil {
		return Status{}, err
	}
	return s, Err(s)
}

func contains(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
