package network

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport() *HTTPTransport {
	return NewHTTPTransport(TransportConfig{
		Headers:      map[string]string{"X-Client": "go-einvoice", "X-Override": "transport"},
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	}, log.NewLogger())
}

func TestHTTPTransport_Send(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "go-einvoice", r.Header.Get("X-Client"))
		assert.Equal(t, "request", r.Header.Get("X-Override"))
		assert.Equal(t, int64(len("part-data")), r.ContentLength)
		assert.Equal(t, "part-data", string(body))

		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	resp, err := newTestTransport().Send(context.Background(), Request{
		Method:        http.MethodPut,
		URL:           server.URL,
		Headers:       map[string]string{"X-Override": "request"},
		Body:          bytes.NewReader([]byte("part-data")),
		ContentLength: int64(len("part-data")),
	})
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `"etag"`, resp.Header.Get("ETag"))
	assert.Equal(t, "ok", string(resp.Body))
}

func TestHTTPTransport_RetriesServerErrorsAndRewindsBody(t *testing.T) {
	var requestCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "streamed", string(body))

		if atomic.AddInt32(&requestCount, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resp, err := newTestTransport().Send(context.Background(), Request{
		Method:        http.MethodPut,
		URL:           server.URL,
		Body:          io.NewSectionReader(bytes.NewReader([]byte("xxstreamedxx")), 2, 8),
		ContentLength: 8,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&requestCount))
}

func TestHTTPTransport_ReturnsLastServerErrorResponse(t *testing.T) {
	var requestCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer server.Close()

	resp, err := newTestTransport().Send(context.Background(), Request{Method: http.MethodGet, URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "maintenance", string(resp.Body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&requestCount))
}

func TestHTTPTransport_DoesNotRetryClientErrors(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusTooManyRequests} {
		var requestCount int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			w.WriteHeader(status)
		}))

		resp, err := newTestTransport().Send(context.Background(), Request{Method: http.MethodGet, URL: server.URL})
		server.Close()

		require.NoError(t, err)
		assert.Equal(t, status, resp.StatusCode)
		assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount), "status %d", status)
	}
}

func TestHTTPTransport_Cancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestTransport().Send(ctx, Request{Method: http.MethodGet, URL: server.URL})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestCreateCustomRetryFunction(t *testing.T) {
	cases := []struct {
		name     string
		response *http.Response
		error    error
		expected bool
	}{
		{
			name:     "Retry for connection error",
			error:    errors.New("connection reset by peer"),
			expected: true,
		},
		{
			name:     "Retry for HTTP 500 status code",
			response: &http.Response{StatusCode: 500},
			expected: true,
		},
		{
			name:     "No retry for HTTP 429 status code",
			response: &http.Response{StatusCode: 429},
			expected: false,
		},
		{
			name:     "No retry for HTTP 404 status code",
			response: &http.Response{StatusCode: 404},
			expected: false,
		},
		{
			name:     "No retry for HTTP 200 status code",
			response: &http.Response{StatusCode: 200},
			expected: false,
		},
	}

	checkRetry := createCustomRetryFunction(log.NewLogger())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			retry, _ := checkRetry(context.Background(), tc.response, tc.error)
			assert.Equal(t, tc.expected, retry)
		})
	}

	t.Run("No retry after cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		retry, err := checkRetry(ctx, &http.Response{StatusCode: 500}, nil)
		assert.False(t, retry)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestStatusError(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "3")
	err := NewStatusError(Response{StatusCode: http.StatusTooManyRequests, Header: header, Body: []byte("slow down")})

	assert.Equal(t, "HTTP 429: slow down", err.Error())
	assert.True(t, err.IsRateLimited())
	assert.Equal(t, 3*time.Second, err.RetryAfter)

	limited, delay := IsRateLimited(errors.Join(errors.New("context"), err))
	assert.True(t, limited)
	assert.Equal(t, 3*time.Second, delay)

	limited, _ = IsRateLimited(NewStatusError(Response{StatusCode: http.StatusInternalServerError}))
	assert.False(t, limited)

	long := NewStatusError(Response{StatusCode: 500, Body: bytes.Repeat([]byte("x"), 5000)})
	assert.Len(t, long.Body, maxErrorBodySize)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{name: "missing", value: "", want: 0},
		{name: "seconds", value: "10", want: 10 * time.Second},
		{name: "negative", value: "-1", want: 0},
		{name: "http date", value: now.Add(90 * time.Second).Format(http.TimeFormat), want: 90 * time.Second},
		{name: "date in the past", value: now.Add(-time.Minute).Format(http.TimeFormat), want: 0},
		{name: "garbage", value: "soon", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.value != "" {
				header.Set("Retry-After", tt.value)
			}
			assert.Equal(t, tt.want, parseRetryAfter(header, now))
		})
	}
}
