package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-einvoice/archive"
	"github.com/bitrise-io/go-einvoice/network"
	"github.com/bitrise-io/go-einvoice/poll"
	"github.com/bitrise-io/go-einvoice/status"
	"github.com/bitrise-io/go-einvoice/transfer/chunk"
	"github.com/bitrise-io/go-einvoice/transfer/download"
	"github.com/bitrise-io/go-einvoice/transfer/encryption"
	"github.com/bitrise-io/go-einvoice/transfer/upload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer implements the session API and the upload destinations in memory.
type fakeServer struct {
	t      *testing.T
	key    *rsa.PrivateKey
	server *httptest.Server

	mu            sync.Mutex
	request       network.OpenSessionRequest
	uploads       map[int][]byte
	closed        bool
	statusCalls   int
	rejectPart    int
	finalCode     int
	artifact      network.ArtifactResponse
	artifactCalls int
}

func newFakeServer(t *testing.T) *fakeServer {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	s := &fakeServer{t: t, key: key, uploads: map[int][]byte{}, finalCode: 200}
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/batch", s.openSession)
	mux.HandleFunc("/sessions/batch/ref-1/close", s.closeSession)
	mux.HandleFunc("/sessions/ref-1", s.sessionStatus)
	mux.HandleFunc("/sessions/ref-1/artifact", s.sessionArtifact)
	mux.HandleFunc("/upload/", s.upload)
	mux.HandleFunc("/download/", s.download)
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func (s *fakeServer) openSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := json.NewDecoder(r.Body).Decode(&s.request); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	response := network.OpenSessionResponse{ReferenceNumber: "ref-1"}
	// slots are issued in reverse order
	for i := len(s.request.Parts) - 1; i >= 0; i-- {
		ordinal := s.request.Parts[i].OrdinalNumber
		response.PartUploadSlots = append(response.PartUploadSlots, network.UploadSlotDTO{
			OrdinalNumber: ordinal,
			URL:           fmt.Sprintf("%s/upload/%d", s.server.URL, ordinal),
			Method:        http.MethodPut,
			Headers:       map[string]string{"x-ms-blob-type": "BlockBlob"},
		})
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(response)
}

func (s *fakeServer) upload(w http.ResponseWriter, r *http.Request) {
	ordinal, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/upload/"))
	if err != nil || r.Header.Get("x-ms-blob-type") != "BlockBlob" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()
	if ordinal == s.rejectPart {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, "AuthenticationFailed")
		return
	}
	s.uploads[ordinal] = body
	w.WriteHeader(http.StatusCreated)
}

func (s *fakeServer) closeSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	w.WriteHeader(http.StatusNoContent)
}

func (s *fakeServer) sessionStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCalls++

	switch s.statusCalls {
	case 1:
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	case 2:
		_, _ = io.WriteString(w, `{"status":{"code":150,"description":"Processing"}}`)
	default:
		_, _ = fmt.Fprintf(w, `{"status":{"code":%d,"description":"Final","details":["done"]}}`, s.finalCode)
	}
}

func (s *fakeServer) sessionArtifact(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifactCalls++

	if s.artifactCalls == 1 {
		_, _ = io.WriteString(w, `{"status":{"code":100,"description":"Preparing"}}`)
		return
	}
	_ = json.NewEncoder(w).Encode(s.artifact)
}

func (s *fakeServer) download(w http.ResponseWriter, r *http.Request) {
	ordinal, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/download/"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.uploads[ordinal]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_, _ = w.Write(data)
}

// material recovers the transfer key the way the server does.
func (s *fakeServer) material() *encryption.Material {
	sealed, err := base64.StdEncoding.DecodeString(s.request.Encryption.EncryptedSymmetricKey)
	require.NoError(s.t, err)
	iv, err := base64.StdEncoding.DecodeString(s.request.Encryption.InitializationVector)
	require.NoError(s.t, err)

	opener, err := encryption.NewRSAOpener(s.key)
	require.NoError(s.t, err)
	m, err := encryption.OpenMaterial(opener, sealed, iv, encryption.IVMode(s.request.Encryption.IVMode))
	require.NoError(s.t, err)
	return m
}

// received decrypts the uploaded parts and verifies them against the manifest.
func (s *fakeServer) received() []byte {
	var parts []chunk.Part
	for _, p := range s.request.Parts {
		digest, err := chunk.ParseDigest(p.FileSize, p.FileHash)
		require.NoError(s.t, err)
		parts = append(parts, chunk.Part{Ordinal: p.OrdinalNumber, Data: s.uploads[p.OrdinalNumber], Digest: digest})
	}
	expected, err := chunk.ParseDigest(s.request.FileDigest.FileSize, s.request.FileDigest.FileHash)
	require.NoError(s.t, err)

	data, err := chunk.Reassemble(parts, s.material(), chunk.WithExpectedDigest(expected))
	require.NoError(s.t, err)
	return data
}

func newTestSender(t *testing.T, s *fakeServer, config SenderConfig) *Sender {
	logger := log.NewLogger()
	transport := network.NewHTTPTransport(network.TransportConfig{
		RetryMax:     1,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: time.Millisecond,
	}, logger)

	sealer, err := encryption.NewRSASealer(&s.key.PublicKey)
	require.NoError(t, err)

	sender := NewSender(
		network.NewAPIClient(transport, s.server.URL, "token", logger),
		upload.NewCoordinator(transport, upload.DefaultConfig(), logger),
		sealer,
		config,
		logger,
	)
	sender.newID = func() string { return "transfer-1" }
	return sender
}

func testSenderConfig() SenderConfig {
	config := DefaultSenderConfig()
	config.MaxPartSize = 100
	config.StatusPoll = poll.Fixed{Delay: time.Millisecond, MaxAttempts: 3}
	return config
}

func TestSender_Send(t *testing.T) {
	s := newFakeServer(t)
	payload := bytes.Repeat([]byte("<Invoice/>"), 25)

	result, err := newTestSender(t, s, testSenderConfig()).Send(context.Background(), payload)
	require.NoError(t, err)

	assert.Equal(t, Result{
		TransferID:      "transfer-1",
		ReferenceNumber: "ref-1",
		Parts:           3,
		Status:          status.Status{State: status.Succeeded, Code: 200, Description: "Final", Details: []string{"done"}},
	}, result)

	assert.True(t, s.closed)
	// the rate limited status call is not counted
	assert.Equal(t, 3, s.statusCalls)
	require.Len(t, s.request.Parts, 3)
	assert.Equal(t, "transfer-1-part-2.aes", s.request.Parts[1].FileName)
	assert.Equal(t, int64(250), s.request.FileDigest.FileSize)
	assert.Equal(t, string(encryption.IVPerPart), s.request.Encryption.IVMode)
	assert.Equal(t, payload, s.received())
}

func TestSender_Send_SharedIV(t *testing.T) {
	s := newFakeServer(t)
	config := testSenderConfig()
	config.IVMode = encryption.IVShared
	config.PartCount = 1
	payload := bytes.Repeat([]byte("<Invoice/>"), 25)

	result, err := newTestSender(t, s, config).Send(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Parts)
	assert.Equal(t, "shared", s.request.Encryption.IVMode)
	assert.Equal(t, payload, s.received())
}

func TestSender_Send_UploadFailure(t *testing.T) {
	s := newFakeServer(t)
	s.rejectPart = 2

	result, err := newTestSender(t, s, testSenderConfig()).Send(context.Background(), bytes.Repeat([]byte("x"), 250))

	var aggregate *upload.AggregateError
	require.True(t, errors.As(err, &aggregate))
	assert.Equal(t, []int{2}, aggregate.Ordinals())
	assert.Equal(t, http.StatusForbidden, aggregate.Failures[0].StatusCode)
	assert.Equal(t, "ref-1", result.ReferenceNumber)
	assert.False(t, s.closed)
	assert.Len(t, s.uploads, 2)
}

func TestSender_Send_Rejected(t *testing.T) {
	s := newFakeServer(t)
	s.finalCode = 445

	result, err := newTestSender(t, s, testSenderConfig()).Send(context.Background(), []byte("<Invoice/>"))

	var opErr *status.OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, 445, opErr.Status.Code)
	assert.Equal(t, status.Failed, result.Status.State)
}

func TestSender_Send_StatusExhausted(t *testing.T) {
	s := newFakeServer(t)
	config := testSenderConfig()
	config.StatusPoll.MaxAttempts = 1

	_, err := newTestSender(t, s, config).Send(context.Background(), []byte("<Invoice/>"))

	var exhausted *poll.ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Contains(t, exhausted.LastResult, "Processing")
}

func TestSender_Send_ZeroStatusPollUsesDefault(t *testing.T) {
	s := newFakeServer(t)
	config := testSenderConfig()
	config.StatusPoll = poll.Fixed{}

	sender := newTestSender(t, s, config)
	assert.Equal(t, DefaultSenderConfig().StatusPoll, sender.config.StatusPoll)
}

func TestSender_Send_InvalidStatusPollSendsNothing(t *testing.T) {
	s := newFakeServer(t)
	config := testSenderConfig()
	config.StatusPoll = poll.Fixed{Delay: -time.Second, MaxAttempts: 3}

	_, err := newTestSender(t, s, config).Send(context.Background(), []byte("<Invoice/>"))

	var validationErr *poll.ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "delay", validationErr.Field)
	assert.Empty(t, s.request.Parts)
	assert.Empty(t, s.uploads)
}

func TestSender_SendFiles(t *testing.T) {
	s := newFakeServer(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "invoice-1.xml"), []byte("<Invoice>1</Invoice>"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "invoice-2.xml"), []byte("<Invoice>2</Invoice>"), 0600))

	_, err := newTestSender(t, s, testSenderConfig()).SendFiles(context.Background(), root, []string{"*.xml"})
	require.NoError(t, err)

	entries, err := archive.Extract(s.received())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "invoice-1.xml", entries[0].Name)
	assert.Equal(t, "<Invoice>2</Invoice>", string(entries[1].Data))
}

func TestReceiver_Receive(t *testing.T) {
	s := newFakeServer(t)
	key := bytes.Repeat([]byte{9}, encryption.KeySize)
	iv := bytes.Repeat([]byte{4}, encryption.IVSize)
	material, err := encryption.NewMaterialFromKey(key, iv, encryption.IVPerPart)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("<UPO/>"), 50)
	parts, err := chunk.EncryptAndPackage(payload, material, chunk.WithMaxPartSize(128))
	require.NoError(t, err)
	require.Len(t, parts, 3)

	whole := chunk.Digest(payload)
	s.artifact = network.ArtifactResponse{
		Status:     network.OperationStatusDTO{Code: 200, Description: "Ready"},
		FileDigest: &network.DigestDTO{FileSize: whole.Size, FileHash: whole.Base64()},
	}
	for _, p := range parts {
		s.uploads[p.Ordinal] = p.Data
		s.artifact.Parts = append(s.artifact.Parts, network.DownloadPartDTO{
			OrdinalNumber: p.Ordinal,
			URL:           fmt.Sprintf("%s/download/%d", s.server.URL, p.Ordinal),
			FileSize:      p.Digest.Size,
			FileHash:      p.Digest.Base64(),
		})
	}

	logger := log.NewLogger()
	transport := network.NewHTTPTransport(network.TransportConfig{}, logger)
	config := DefaultReceiverConfig()
	config.ArtifactPoll = poll.Backoff{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2, MaxAttempts: 5}

	receiver := NewReceiver(network.NewAPIClient(transport, s.server.URL, "token", logger), download.NewFetcher(transport, logger), config, logger)
	data, err := receiver.Receive(context.Background(), "ref-1", material)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, 2, s.artifactCalls)
}

func TestReceiver_Receive_Failed(t *testing.T) {
	s := newFakeServer(t)
	s.artifact = network.ArtifactResponse{Status: network.OperationStatusDTO{Code: 410, Description: "Expired"}}

	material, err := encryption.NewMaterialFromKey(bytes.Repeat([]byte{1}, encryption.KeySize), bytes.Repeat([]byte{2}, encryption.IVSize), "")
	require.NoError(t, err)

	logger := log.NewLogger()
	transport := network.NewHTTPTransport(network.TransportConfig{}, logger)
	config := DefaultReceiverConfig()
	config.ArtifactPoll = poll.Backoff{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1, MaxAttempts: 5}

	receiver := NewReceiver(network.NewAPIClient(transport, s.server.URL, "token", logger), download.NewFetcher(transport, logger), config, logger)
	_, err = receiver.Receive(context.Background(), "ref-1", material)

	var opErr *status.OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "Expired", opErr.Status.Description)
}

func TestLocationsFromDTO_InvalidHash(t *testing.T) {
	_, err := LocationsFromDTO([]network.DownloadPartDTO{{OrdinalNumber: 1, FileHash: "not base64!"}})
	assert.Error(t, err)
}
