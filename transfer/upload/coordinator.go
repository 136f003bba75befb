package upload

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-einvoice/network"
	"github.com/bitrise-io/go-einvoice/transfer/chunk"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

const maxFailureBodySize = 1024

// Coordinator sends parts to their upload slots.
type Coordinator struct {
	transport     network.Transport
	config        Config
	logger        log.Logger
	checkInterval time.Duration

	mu    sync.Mutex
	stats *Stats
}

// NewCoordinator ...
func NewCoordinator(transport network.Transport, config Config, logger log.Logger) *Coordinator {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.MaxAttemptsPerPart < 1 {
		config.MaxAttemptsPerPart = 1
	}
	return &Coordinator{
		transport:     transport,
		config:        config,
		logger:        logger,
		stats:         NewStats(),
		checkInterval: time.Second,
	}
}

// Stats returns the statistics of the last SendAll call.
func (c *Coordinator) Stats() *Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

type job struct {
	slot Slot
	part Part
}

// SendAll sends every part to the slot with the same ordinal number.
//
// Slots and parts are validated before any request is sent. A failed part never stops the others:
// every slot is attempted and the failures are returned together as an *AggregateError.
// When ctx is cancelled no further parts are started and the context error is returned.
func (c *Coordinator) SendAll(ctx context.Context, slots []Slot, parts []Part) error {
	jobs, err := match(slots, parts)
	if err != nil {
		return err
	}

	stats := NewStats()
	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		failures  []Failure
		semaphore = make(chan struct{}, c.config.Concurrency)
	)

	started := time.Now()
dispatch:
	for _, j := range jobs {
		select {
		case <-ctx.Done():
			break dispatch
		case semaphore <- struct{}{}:
		}

		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if failure := c.sendPart(ctx, j, len(jobs), stats); failure != nil {
				mu.Lock()
				failures = append(failures, *failure)
				mu.Unlock()
			}
		}(j)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(failures) > 0 {
		sort.Slice(failures, func(i, k int) bool { return failures[i].Ordinal < failures[k].Ordinal })
		return &AggregateError{Failures: failures}
	}

	c.logger.Donef("Uploaded %d part(s), %s in %s", len(jobs),
		units.HumanSizeWithPrecision(float64(stats.TotalBytes()), 3), time.Since(started).Round(time.Millisecond))
	return nil
}

func match(slots []Slot, parts []Part) ([]job, error) {
	byOrdinal := make(map[int]Part, len(parts))
	for _, p := range parts {
		if p.Payload == nil {
			return nil, chunk.NewValidationError("part payload", "part %d has no payload", p.Ordinal)
		}
		if _, ok := byOrdinal[p.Ordinal]; ok {
			return nil, chunk.NewValidationError("part ordinal", "duplicate part %d", p.Ordinal)
		}
		byOrdinal[p.Ordinal] = p
	}

	jobs := make([]job, 0, len(slots))
	seen := make(map[int]bool, len(slots))
	for _, s := range slots {
		if seen[s.Ordinal] {
			return nil, chunk.NewValidationError("slot ordinal", "duplicate upload slot %d", s.Ordinal)
		}
		seen[s.Ordinal] = true

		p, ok := byOrdinal[s.Ordinal]
		if !ok {
			return nil, chunk.NewValidationError("slot ordinal", "no part for upload slot %d", s.Ordinal)
		}
		jobs = append(jobs, job{slot: s, part: p})
	}

	if len(jobs) != len(byOrdinal) {
		return nil, chunk.NewValidationError("slot count", "%d upload slot(s) for %d part(s)", len(jobs), len(byOrdinal))
	}
	return jobs, nil
}

// sendPart returns nil on success and when the upload was abandoned because ctx was cancelled.
func (c *Coordinator) sendPart(ctx context.Context, j job, total int, stats *Stats) *Failure {
	ordinal := j.slot.Ordinal
	size := j.part.Payload.Size()

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}

		c.logger.Debugf("Uploading part %d/%d, %s (attempt %d/%d) [finished=%d] [avg=%v]",
			ordinal, total, units.HumanSize(float64(size)), attempt, c.config.MaxAttemptsPerPart,
			stats.FinishedCount(), stats.Average().Round(time.Millisecond))

		start := time.Now()
		partCtx, cancelPart := context.WithCancel(ctx)
		if attempt < c.config.MaxAttemptsPerPart && c.config.HungThreshold > 0 {
			go c.detectHungUpload(partCtx, cancelPart, stats, start, ordinal)
		}

		resp, err := c.send(partCtx, j)
		hung := partCtx.Err() != nil && ctx.Err() == nil
		cancelPart()

		if err == nil && resp.IsSuccess() {
			took := time.Since(start)
			stats.Update(took, size)
			c.logger.Infof("Part %d uploaded in %v", ordinal, took.Round(time.Millisecond))
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if hung && attempt < c.config.MaxAttemptsPerPart {
			c.logger.Warnf("Part %d attempt %d cancelled (hung), retrying", ordinal, attempt)
			continue
		}

		failure := &Failure{Ordinal: ordinal, Err: err}
		if err == nil {
			body := resp.Body
			if len(body) > maxFailureBodySize {
				body = body[:maxFailureBodySize]
			}
			failure.StatusCode = resp.StatusCode
			failure.Body = string(body)
		}
		c.logger.Warnf("Part %d upload failed: %s", ordinal, failure)
		return failure
	}
}

func (c *Coordinator) send(ctx context.Context, j job) (network.Response, error) {
	body, err := j.part.Payload.Open()
	if err != nil {
		return network.Response{}, err
	}
	defer func() {
		if err := body.Close(); err != nil {
			c.logger.Warnf("Failed to close payload of part %d: %s", j.slot.Ordinal, err)
		}
	}()

	method := j.slot.Method
	if method == "" {
		method = http.MethodPut
	}
	return c.transport.Send(ctx, network.Request{
		Method:        method,
		URL:           j.slot.URL,
		Headers:       j.slot.Headers,
		Body:          body,
		ContentLength: j.part.Payload.Size(),
	})
}

func (c *Coordinator) detectHungUpload(ctx context.Context, cancel context.CancelFunc, stats *Stats, start time.Time, ordinal int) {
	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := stats.Average()
				if elapsed-avg > c.config.HungThreshold {
					c.logger.Warnf("Found hung upload (part %d); canceling request after %s (avg: %s)",
						ordinal, elapsed.Round(time.Millisecond), avg.Round(time.Millisecond))
					cancel()
					return
				}
			}
		}
	}
}
