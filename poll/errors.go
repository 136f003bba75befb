package poll

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxSnapshotSize caps the serialized last result embedded in ExhaustedError.
const maxSnapshotSize = 1024

// ValidationError reports an invalid polling schedule or missing probe/condition.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ExhaustedError is returned when the attempt budget runs out before the condition holds.
type ExhaustedError struct {
	Operation string
	// Attempts counts attempts charged to the budget, Calls every probe invocation.
	Attempts int
	Calls    int
	// LastErr is the most recent probe failure, if any.
	LastErr error
	// LastResult is a size-capped JSON snapshot of the most recent unmet result, if any.
	LastResult string
}

func newExhaustedError[T any](operation string, attempts, calls int, lastErr error, lastResult *T) *ExhaustedError {
	e := &ExhaustedError{
		Operation: operation,
		Attempts:  attempts,
		Calls:     calls,
		LastErr:   lastErr,
	}
	if lastResult != nil {
		e.LastResult = snapshot(*lastResult)
	}
	return e
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: condition not met after %d attempt(s)", e.Operation, e.Attempts)
	if e.LastResult != "" {
		fmt.Fprintf(&b, ", last result: %s", e.LastResult)
	}
	if e.LastErr != nil {
		fmt.Fprintf(&b, ", last error: %s", e.LastErr)
	}
	return b.String()
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

func snapshot(v interface{}) string {
	var s string
	if b, err := json.Marshal(v); err == nil {
		s = string(b)
	} else {
		s = fmt.Sprintf("%+v", v)
	}
	if len(s) > maxSnapshotSize {
		s = s[:maxSnapshotSize] + "...(truncated)"
	}
	return s
}
