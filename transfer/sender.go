package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-einvoice/archive"
	"github.com/bitrise-io/go-einvoice/network"
	"github.com/bitrise-io/go-einvoice/poll"
	"github.com/bitrise-io/go-einvoice/status"
	"github.com/bitrise-io/go-einvoice/transfer/chunk"
	"github.com/bitrise-io/go-einvoice/transfer/encryption"
	"github.com/bitrise-io/go-einvoice/transfer/upload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

// SessionAPI is the part of the server API a Sender needs.
type SessionAPI interface {
	OpenSession(ctx context.Context, request network.OpenSessionRequest) (network.OpenSessionResponse, error)
	CloseSession(ctx context.Context, referenceNumber string) error
	SessionStatus(ctx context.Context, referenceNumber string) (network.OperationStatusDTO, error)
}

// PartUploader delivers parts to their upload slots.
type PartUploader interface {
	SendAll(ctx context.Context, slots []upload.Slot, parts []upload.Part) error
}

// SenderConfig ...
type SenderConfig struct {
	// MaxPartSize bounds the plaintext size of a part. Zero uses chunk.DefaultMaxPartSize.
	MaxPartSize int64
	// PartCount overrides the computed number of parts when positive; 1 disables splitting.
	PartCount int
	IVMode    encryption.IVMode
	// StatusPoll schedules the session status checks after the session was closed.
	StatusPoll poll.Fixed
	Codes      status.Codes
}

// DefaultSenderConfig ...
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		MaxPartSize: chunk.DefaultMaxPartSize,
		IVMode:      encryption.IVPerPart,
		StatusPoll:  poll.Fixed{Delay: 2 * time.Second, MaxAttempts: 60},
		Codes:       status.DefaultCodes,
	}
}

// Result describes a finished transfer.
type Result struct {
	TransferID      string
	ReferenceNumber string
	Parts           int
	Status          status.Status
}

// Sender runs batch transfers.
type Sender struct {
	api      SessionAPI
	uploader PartUploader
	sealer   encryption.Sealer
	config   SenderConfig
	logger   log.Logger
	newID    func() string
}

// NewSender ...
func NewSender(api SessionAPI, uploader PartUploader, sealer encryption.Sealer, config SenderConfig, logger log.Logger) *Sender {
	defaults := DefaultSenderConfig()
	if config.Codes.Succeeded == nil {
		config.Codes = defaults.Codes
	}
	if config.StatusPoll.MaxAttempts == 0 {
		config.StatusPoll = defaults.StatusPoll
	}
	return &Sender{
		api:      api,
		uploader: uploader,
		sealer:   sealer,
		config:   config,
		logger:   logger,
		newID:    uuid.NewString,
	}
}

// Send encrypts and uploads the archive and waits until the server finished processing the session.
//
// Once the session is open, the returned Result carries its reference number even on failure. An upload
// failure leaves the session open and returns the *upload.AggregateError, so only the failed parts
// need to be re-sent. A session the server rejects yields a *status.OperationError.
func (s *Sender) Send(ctx context.Context, data []byte) (Result, error) {
	if err := s.config.StatusPoll.Validate(); err != nil {
		return Result{}, fmt.Errorf("status poll: %w", err)
	}

	material, err := encryption.NewMaterial(s.sealer, s.config.IVMode)
	if err != nil {
		return Result{}, fmt.Errorf("create encryption material: %w", err)
	}
	defer material.Destroy()

	var opts []chunk.Option
	if s.config.MaxPartSize > 0 {
		opts = append(opts, chunk.WithMaxPartSize(s.config.MaxPartSize))
	}
	if s.config.PartCount > 0 {
		opts = append(opts, chunk.WithPartCount(s.config.PartCount))
	}
	parts, err := chunk.EncryptAndPackage(data, material, opts...)
	if err != nil {
		return Result{}, fmt.Errorf("encrypt archive: %w", err)
	}

	result := Result{TransferID: s.newID(), Parts: len(parts)}
	manifest := NewManifest(result.TransferID, chunk.Digest(data), parts, material)
	s.logger.Infof("Sending %s in %d part(s) (transfer %s)",
		units.HumanSizeWithPrecision(float64(len(data)), 3), len(parts), result.TransferID)

	session, err := s.api.OpenSession(ctx, manifest.Request())
	if err != nil {
		return result, fmt.Errorf("open session: %w", err)
	}
	result.ReferenceNumber = session.ReferenceNumber
	s.logger.Debugf("Session %s opened with %d upload slot(s)", session.ReferenceNumber, len(session.PartUploadSlots))

	if err := s.uploader.SendAll(ctx, SlotsFromDTO(session.PartUploadSlots), upload.FromChunks(parts)); err != nil {
		return result, fmt.Errorf("upload parts of session %s: %w", session.ReferenceNumber, err)
	}

	if err := s.api.CloseSession(ctx, session.ReferenceNumber); err != nil {
		return result, fmt.Errorf("close session %s: %w", session.ReferenceNumber, err)
	}

	s.logger.Infof("Waiting for session %s to be processed", session.ReferenceNumber)
	result.Status, err = status.Await(ctx, func(ctx context.Context) (network.OperationStatusDTO, error) {
		return s.api.SessionStatus(ctx, session.ReferenceNumber)
	}, s.config.Codes, s.config.StatusPoll, poll.Options[status.Status]{
		Operation: "session " + session.ReferenceNumber,
		Logger:    s.logger,
	})
	if err != nil {
		var opErr *status.OperationError
		if errors.As(err, &opErr) {
			return result, err
		}
		return result, fmt.Errorf("wait for session %s: %w", session.ReferenceNumber, err)
	}

	s.logger.Donef("Session %s processed: %s", session.ReferenceNumber, result.Status.Description)
	return result, nil
}

// SendFiles archives the files under root matching the patterns and sends the archive.
func (s *Sender) SendFiles(ctx context.Context, root string, patterns []string) (Result, error) {
	files, err := archive.NewCollector(s.logger).Collect(root, patterns)
	if err != nil {
		return Result{}, err
	}
	s.logger.Debugf("Archiving %d file(s)", len(files))

	data, err := archive.Build(files)
	if err != nil {
		return Result{}, fmt.Errorf("build archive: %w", err)
	}
	return s.Send(ctx, data)
}
