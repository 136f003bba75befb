package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	routeOpenBatchSession  = "/sessions/batch"
	routeCloseBatchSession = "/sessions/batch/%s/close"
	routeSessionStatus     = "/sessions/%s"
	routeSessionArtifact   = "/sessions/%s/artifact"
)

// DigestDTO ...
type DigestDTO struct {
	FileSize int64  `json:"fileSize"`
	FileHash string `json:"fileHash"`
}

// PartDTO describes one encrypted part in the open-session request.
type PartDTO struct {
	OrdinalNumber int    `json:"ordinalNumber"`
	FileName      string `json:"fileName"`
	FileSize      int64  `json:"fileSize"`
	FileHash      string `json:"fileHash"`
}

// EncryptionDTO carries the transfer key in sealed form only.
type EncryptionDTO struct {
	EncryptedSymmetricKey string `json:"encryptedSymmetricKey"`
	InitializationVector  string `json:"initializationVector"`
	IVMode                string `json:"ivMode,omitempty"`
}

// OpenSessionRequest ...
type OpenSessionRequest struct {
	TransferID string        `json:"transferId,omitempty"`
	FileDigest DigestDTO     `json:"fileDigest"`
	Parts      []PartDTO     `json:"parts"`
	Encryption EncryptionDTO `json:"encryption"`
}

// UploadSlotDTO is a server issued upload destination for one part.
type UploadSlotDTO struct {
	OrdinalNumber int               `json:"ordinalNumber"`
	URL           string            `json:"url"`
	Method        string            `json:"method"`
	Headers       map[string]string `json:"headers"`
}

// OpenSessionResponse ...
type OpenSessionResponse struct {
	ReferenceNumber string          `json:"referenceNumber"`
	PartUploadSlots []UploadSlotDTO `json:"partUploadRequests"`
}

// OperationStatusDTO is the status object every long-running operation reports.
type OperationStatusDTO struct {
	Code        int      `json:"code"`
	Description string   `json:"description"`
	Details     []string `json:"details,omitempty"`
}

type statusResponse struct {
	Status OperationStatusDTO `json:"status"`
}

// DownloadPartDTO ...
type DownloadPartDTO struct {
	OrdinalNumber int               `json:"ordinalNumber"`
	URL           string            `json:"url"`
	Method        string            `json:"method"`
	Headers       map[string]string `json:"headers,omitempty"`
	FileSize      int64             `json:"fileSize"`
	FileHash      string            `json:"fileHash"`
}

// ArtifactResponse describes an artifact produced by the server, split into encrypted parts.
type ArtifactResponse struct {
	Status     OperationStatusDTO `json:"status"`
	FileDigest *DigestDTO         `json:"fileDigest,omitempty"`
	Parts      []DownloadPartDTO  `json:"parts,omitempty"`
}

// APIClient talks to the session endpoints of the e-invoicing API.
type APIClient struct {
	transport   Transport
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewAPIClient ...
func NewAPIClient(transport Transport, baseURL string, accessToken string, logger log.Logger) *APIClient {
	return &APIClient{
		transport:   transport,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
		logger:      logger,
	}
}

// OpenSession opens a batch session for the given manifest and returns one upload slot per part.
func (c *APIClient) OpenSession(ctx context.Context, request OpenSessionRequest) (OpenSessionResponse, error) {
	var response OpenSessionResponse
	if err := c.doJSON(ctx, http.MethodPost, routeOpenBatchSession, request, &response, http.StatusCreated, http.StatusOK); err != nil {
		return OpenSessionResponse{}, err
	}
	if response.ReferenceNumber == "" {
		return OpenSessionResponse{}, fmt.Errorf("open session response has no reference number")
	}
	return response, nil
}

// CloseSession tells the server that every part was uploaded.
func (c *APIClient) CloseSession(ctx context.Context, referenceNumber string) error {
	route := fmt.Sprintf(routeCloseBatchSession, url.PathEscape(referenceNumber))
	return c.doJSON(ctx, http.MethodPost, route, nil, nil, http.StatusOK, http.StatusNoContent, http.StatusAccepted)
}

// SessionStatus ...
func (c *APIClient) SessionStatus(ctx context.Context, referenceNumber string) (OperationStatusDTO, error) {
	route := fmt.Sprintf(routeSessionStatus, url.PathEscape(referenceNumber))
	return c.OperationStatus(ctx, route)
}

// OperationStatus reads the status of any long-running operation exposed under route.
func (c *APIClient) OperationStatus(ctx context.Context, route string) (OperationStatusDTO, error) {
	var response statusResponse
	if err := c.doJSON(ctx, http.MethodGet, route, nil, &response, http.StatusOK); err != nil {
		return OperationStatusDTO{}, err
	}
	return response.Status, nil
}

// SessionArtifact returns the produced artifact of a session and, once ready, its download locations.
func (c *APIClient) SessionArtifact(ctx context.Context, referenceNumber string) (ArtifactResponse, error) {
	route := fmt.Sprintf(routeSessionArtifact, url.PathEscape(referenceNumber))
	var response ArtifactResponse
	if err := c.doJSON(ctx, http.MethodGet, route, nil, &response, http.StatusOK); err != nil {
		return ArtifactResponse{}, err
	}
	return response, nil
}

func (c *APIClient) doJSON(ctx context.Context, method, route string, requestBody, responseBody interface{}, expectedStatus ...int) error {
	req := Request{
		Method: method,
		URL:    c.baseURL + route,
		Headers: map[string]string{
			"Authorization": fmt.Sprintf("Bearer %s", c.accessToken),
			"Accept":        "application/json",
		},
	}

	if requestBody != nil {
		body, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.Body = bytes.NewReader(body)
		req.ContentLength = int64(len(body))
		req.Headers["Content-Type"] = "application/json"
	}

	c.logger.Debugf("%s %s", method, route)
	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return err
	}

	if !containsStatus(expectedStatus, resp.StatusCode) {
		return NewStatusError(resp)
	}

	if responseBody == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, responseBody); err != nil {
		return fmt.Errorf("decode response of %s %s: %w", method, route, err)
	}
	return nil
}

func containsStatus(statuses []int, status int) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
