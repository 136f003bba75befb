package upload

import (
	"runtime"
	"time"
)

// Config holds configuration for the upload coordinator.
type Config struct {
	// Concurrency is the maximum number of parts in flight.
	// Default: 1, parts are sent one after the other in slot order.
	Concurrency int

	// MaxAttemptsPerPart bounds how often a part is re-sent after its request was cancelled as hung.
	// Connection errors and 5xx responses are retried by the transport, not here.
	// Default: 1
	MaxAttemptsPerPart int

	// HungThreshold is the duration after which a part upload is considered hung
	// if it exceeds the average upload time by this amount. Zero disables hung detection.
	HungThreshold time.Duration
}

// DefaultConfig returns the sequential reference configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:        1,
		MaxAttemptsPerPart: 1,
	}
}

// ParallelConfig returns a configuration sending parts in parallel, with hung detection.
func ParallelConfig() Config {
	return Config{
		Concurrency:        ParallelConcurrency(),
		MaxAttemptsPerPart: 3,
		HungThreshold:      30 * time.Second,
	}
}

// ParallelConcurrency calculates a parallel concurrency based on CPU count.
func ParallelConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}
