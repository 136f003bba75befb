package config

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-einvoice/network"
	"github.com/bitrise-io/go-einvoice/transfer/encryption"
)

const fileScheme = "file://"

// PublicKeyLoader loads the PEM encoded public key or certificate the transfer keys are sealed for.
// A location is either a local path, optionally with the file:// scheme, or an http(s) URL.
type PublicKeyLoader struct {
	transport network.Transport
}

// NewPublicKeyLoader ...
func NewPublicKeyLoader(transport network.Transport) PublicKeyLoader {
	return PublicKeyLoader{transport: transport}
}

// Sealer returns an RSA sealer for the key at location.
func (l PublicKeyLoader) Sealer(ctx context.Context, location string) (*encryption.RSASealer, error) {
	data, err := l.contents(ctx, location)
	if err != nil {
		return nil, err
	}

	sealer, err := encryption.NewRSASealerFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("public key at %s: %w", location, err)
	}
	return sealer, nil
}

func (l PublicKeyLoader) contents(ctx context.Context, location string) ([]byte, error) {
	if location == "" {
		return nil, fmt.Errorf("public key location must not be empty")
	}

	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		resp, err := l.transport.Send(ctx, network.Request{Method: http.MethodGet, URL: location})
		if err != nil {
			return nil, fmt.Errorf("download public key: %w", err)
		}
		if !resp.IsSuccess() {
			return nil, fmt.Errorf("download public key: %w", network.NewStatusError(resp))
		}
		return resp.Body, nil
	}

	pth, err := filepath.Abs(strings.TrimPrefix(location, fileScheme))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(pth)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return data, nil
}
