// Package config reads the transfer settings from the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-einvoice/network"
	"github.com/bitrise-io/go-einvoice/poll"
	"github.com/bitrise-io/go-einvoice/storage/s3store"
	"github.com/bitrise-io/go-einvoice/transfer"
	"github.com/bitrise-io/go-einvoice/transfer/chunk"
	"github.com/bitrise-io/go-einvoice/transfer/encryption"
	"github.com/bitrise-io/go-einvoice/transfer/upload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
)

// Environment keys.
const (
	APIURLKey            = "EINVOICE_API_URL"
	AccessTokenKey       = "EINVOICE_ACCESS_TOKEN"
	MaxPartSizeKey       = "EINVOICE_MAX_PART_SIZE"
	UploadConcurrencyKey = "EINVOICE_UPLOAD_CONCURRENCY"
	PollDelayKey         = "EINVOICE_POLL_DELAY"
	PollMaxAttemptsKey   = "EINVOICE_POLL_MAX_ATTEMPTS"
	IVModeKey            = "EINVOICE_IV_MODE"
	VerboseKey           = "EINVOICE_VERBOSE"
	PublicKeyKey         = "EINVOICE_PUBLIC_KEY"

	S3RegionKey          = "EINVOICE_S3_REGION"
	S3BucketKey          = "EINVOICE_S3_BUCKET"
	S3AccessKeyIDKey     = "EINVOICE_S3_ACCESS_KEY_ID"
	S3SecretAccessKeyKey = "EINVOICE_S3_SECRET_ACCESS_KEY"
	S3EndpointKey        = "EINVOICE_S3_ENDPOINT"
	S3PrefixKey          = "EINVOICE_S3_PREFIX"
)

const autoConcurrency = "auto"

// Secret is a string value that is redacted when printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString ...
func (s Secret) GoString() string {
	return s.String()
}

// Config ...
type Config struct {
	APIURL            string
	AccessToken       Secret
	MaxPartSize       int64
	UploadConcurrency int
	PollDelay         time.Duration
	PollMaxAttempts   int
	IVMode            encryption.IVMode
	Verbose           bool
	// PublicKey is the location of the key transfer keys are sealed for, see PublicKeyLoader.
	PublicKey string
	// S3 is nil when no bucket is configured.
	S3 *s3store.Config
}

// Load reads the configuration from the environment. The API URL and access token are required.
func Load(envRepo env.Repository) (Config, error) {
	apiURL := envRepo.Get(APIURLKey)
	if apiURL == "" {
		return Config{}, fmt.Errorf("the secret '%s' is not defined", APIURLKey)
	}
	accessToken := envRepo.Get(AccessTokenKey)
	if accessToken == "" {
		return Config{}, fmt.Errorf("the secret '%s' is not defined", AccessTokenKey)
	}

	defaults := transfer.DefaultSenderConfig()
	cfg := Config{
		APIURL:            strings.TrimSuffix(apiURL, "/"),
		AccessToken:       Secret(accessToken),
		MaxPartSize:       chunk.DefaultMaxPartSize,
		UploadConcurrency: 1,
		PollDelay:         defaults.StatusPoll.Delay,
		PollMaxAttempts:   defaults.StatusPoll.MaxAttempts,
		IVMode:            defaults.IVMode,
		PublicKey:         envRepo.Get(PublicKeyKey),
	}

	if v := envRepo.Get(MaxPartSizeKey); v != "" {
		size, err := units.FromHumanSize(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", MaxPartSizeKey, err)
		}
		if size < 1 {
			return Config{}, fmt.Errorf("invalid %s: must be positive", MaxPartSizeKey)
		}
		cfg.MaxPartSize = size
	}

	if v := envRepo.Get(UploadConcurrencyKey); v != "" {
		if strings.EqualFold(v, autoConcurrency) {
			cfg.UploadConcurrency = upload.ParallelConcurrency()
		} else {
			n, err := positiveInt(UploadConcurrencyKey, v)
			if err != nil {
				return Config{}, err
			}
			cfg.UploadConcurrency = n
		}
	}

	if v := envRepo.Get(PollDelayKey); v != "" {
		delay, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", PollDelayKey, err)
		}
		if delay < 0 {
			return Config{}, fmt.Errorf("invalid %s: must not be negative", PollDelayKey)
		}
		cfg.PollDelay = delay
	}

	if v := envRepo.Get(PollMaxAttemptsKey); v != "" {
		n, err := positiveInt(PollMaxAttemptsKey, v)
		if err != nil {
			return Config{}, err
		}
		cfg.PollMaxAttempts = n
	}

	mode, err := encryption.ParseIVMode(envRepo.Get(IVModeKey))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", IVModeKey, err)
	}
	cfg.IVMode = mode

	if v := envRepo.Get(VerboseKey); v != "" {
		verbose, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", VerboseKey, err)
		}
		cfg.Verbose = verbose
	}

	if bucket := envRepo.Get(S3BucketKey); bucket != "" {
		endpoint := envRepo.Get(S3EndpointKey)
		cfg.S3 = &s3store.Config{
			Region:          envRepo.Get(S3RegionKey),
			Bucket:          bucket,
			AccessKeyID:     envRepo.Get(S3AccessKeyIDKey),
			SecretAccessKey: envRepo.Get(S3SecretAccessKeyKey),
			Endpoint:        endpoint,
			UsePathStyle:    endpoint != "",
			Prefix:          envRepo.Get(S3PrefixKey),
		}
	}

	return cfg, nil
}

// SenderConfig ...
func (c Config) SenderConfig() transfer.SenderConfig {
	cfg := transfer.DefaultSenderConfig()
	cfg.MaxPartSize = c.MaxPartSize
	cfg.IVMode = c.IVMode
	cfg.StatusPoll = poll.Fixed{Delay: c.PollDelay, MaxAttempts: c.PollMaxAttempts}
	return cfg
}

// UploadConfig returns the sequential configuration, or the parallel one when more than one part may be in flight.
func (c Config) UploadConfig() upload.Config {
	if c.UploadConcurrency <= 1 {
		return upload.DefaultConfig()
	}
	cfg := upload.ParallelConfig()
	cfg.Concurrency = c.UploadConcurrency
	return cfg
}

// TransportConfig ...
func (c Config) TransportConfig() network.TransportConfig {
	return network.TransportConfig{DumpBodies: c.Verbose}
}

func positiveInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("invalid %s: must be at least 1", key)
	}
	return n, nil
}
