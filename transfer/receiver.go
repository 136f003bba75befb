package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-einvoice/network"
	"github.com/bitrise-io/go-einvoice/poll"
	"github.com/bitrise-io/go-einvoice/status"
	"github.com/bitrise-io/go-einvoice/transfer/chunk"
	"github.com/bitrise-io/go-einvoice/transfer/download"
	"github.com/bitrise-io/go-einvoice/transfer/encryption"
	"github.com/bitrise-io/go-utils/v2/log"
)

// ArtifactAPI reports the artifact a session produced.
type ArtifactAPI interface {
	SessionArtifact(ctx context.Context, referenceNumber string) (network.ArtifactResponse, error)
}

// PartFetcher downloads encrypted parts.
type PartFetcher interface {
	FetchAll(ctx context.Context, locations []download.Location) ([]chunk.Part, error)
}

// ReceiverConfig ...
type ReceiverConfig struct {
	// ArtifactPoll schedules the checks until the artifact is ready.
	ArtifactPoll poll.Backoff
	Codes        status.Codes
}

// DefaultReceiverConfig ...
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		ArtifactPoll: poll.Backoff{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Factor:       2,
			Jitter:       true,
			MaxAttempts:  20,
		},
		Codes: status.DefaultCodes,
	}
}

// Receiver downloads and decrypts artifacts produced by the server.
type Receiver struct {
	api     ArtifactAPI
	fetcher PartFetcher
	config  ReceiverConfig
	logger  log.Logger
}

// NewReceiver ...
func NewReceiver(api ArtifactAPI, fetcher PartFetcher, config ReceiverConfig, logger log.Logger) *Receiver {
	if config.Codes.Succeeded == nil {
		config.Codes = status.DefaultCodes
	}
	return &Receiver{api: api, fetcher: fetcher, config: config, logger: logger}
}

// Receive waits until the artifact of the session is ready, downloads its parts and returns the decrypted
// content, verified against the artifact's digest when the server provides one.
func (r *Receiver) Receive(ctx context.Context, referenceNumber string, material *encryption.Material) ([]byte, error) {
	codes := r.config.Codes
	artifactState := func(a network.ArtifactResponse) status.Status { return codes.FromDTO(a.Status) }
	probe := poll.Call(func(ctx context.Context) (network.ArtifactResponse, error) {
		return r.api.SessionArtifact(ctx, referenceNumber)
	})
	ready := func(a network.ArtifactResponse) bool { return status.Terminal(artifactState(a)) }
	throttled := func(a network.ArtifactResponse) poll.RateLimitDecision { return status.ResultRateLimit(artifactState(a)) }

	artifact, err := poll.PollWithBackoff(ctx, probe, ready, r.config.ArtifactPoll, poll.Options[network.ArtifactResponse]{
		Operation:       "artifact of session " + referenceNumber,
		RetryIf:         status.RetryIf,
		ErrorRateLimit:  status.ErrorRateLimit,
		ResultRateLimit: throttled,
		Logger:          r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("wait for artifact of session %s: %w", referenceNumber, err)
	}
	if err := status.Err(artifactState(artifact)); err != nil {
		return nil, err
	}

	locations, err := LocationsFromDTO(artifact.Parts)
	if err != nil {
		return nil, fmt.Errorf("artifact of session %s: %w", referenceNumber, err)
	}
	r.logger.Infof("Downloading artifact of session %s in %d part(s)", referenceNumber, len(locations))

	parts, err := r.fetcher.FetchAll(ctx, locations)
	if err != nil {
		return nil, err
	}

	var opts []chunk.ReassembleOption
	if artifact.FileDigest != nil {
		expected, err := chunk.ParseDigest(artifact.FileDigest.FileSize, artifact.FileDigest.FileHash)
		if err != nil {
			return nil, fmt.Errorf("artifact of session %s: %w", referenceNumber, err)
		}
		opts = append(opts, chunk.WithExpectedDigest(expected))
	}

	data, err := chunk.Reassemble(parts, material, opts...)
	if err != nil {
		return nil, err
	}
	r.logger.Donef("Artifact of session %s received", referenceNumber)
	return data, nil
}
