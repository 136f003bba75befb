package chunk

import "fmt"

// ValidationError reports invalid arguments: non-positive counts, nil buffers or mismatched ordinals.
// It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError ...
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IntegrityError reports a digest mismatch. Ordinal is 0 when the whole reassembled file is affected.
type IntegrityError struct {
	Ordinal  int
	Expected ContentDigest
	Actual   ContentDigest
}

func (e *IntegrityError) Error() string {
	if e.Ordinal == 0 {
		return fmt.Sprintf("reassembled file digest mismatch: expected %s, got %s", e.Expected, e.Actual)
	}
	return fmt.Sprintf("part %d digest mismatch: expected %s, got %s", e.Ordinal, e.Expected, e.Actual)
}
