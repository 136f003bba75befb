package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// Request is a single HTTP exchange. Body may be nil; a non-nil Body is rewound before every retry.
type Request struct {
	Method        string
	URL           string
	Headers       map[string]string
	Body          io.ReadSeeker
	ContentLength int64
}

// Response ...
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsSuccess reports a 2xx status code.
func (r Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Transport sends requests. Non-2xx responses are returned as a Response, errors are reserved for
// failures where no response was received.
type Transport interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// TransportConfig is passed explicitly to the transport; nothing is read from global state.
type TransportConfig struct {
	// Headers are added to every request, request headers take precedence.
	Headers map[string]string
	// Timeout bounds a single HTTP attempt. Zero means no timeout.
	Timeout time.Duration
	// RetryMax is the number of connection-level retries. Zero keeps the client default.
	RetryMax int
	// RetryWaitMin and RetryWaitMax bound the wait between connection-level retries.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// DumpBodies logs request and response bodies at debug level.
	DumpBodies bool
}

// HTTPTransport implements Transport on top of a retryable HTTP client.
type HTTPTransport struct {
	client *retryablehttp.Client
	config TransportConfig
	logger log.Logger
}

// NewHTTPTransport ...
func NewHTTPTransport(config TransportConfig, logger log.Logger) *HTTPTransport {
	client := retryhttp.NewClient(logger)
	client.CheckRetry = createCustomRetryFunction(logger)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if config.RetryMax > 0 {
		client.RetryMax = config.RetryMax
	}
	if config.RetryWaitMin > 0 {
		client.RetryWaitMin = config.RetryWaitMin
	}
	if config.RetryWaitMax > 0 {
		client.RetryWaitMax = config.RetryWaitMax
	}
	if config.Timeout > 0 {
		client.HTTPClient.Timeout = config.Timeout
	}

	return &HTTPTransport{
		client: client,
		config: config,
		logger: logger,
	}
}

// StandardClient exposes the retrying client as a plain *http.Client.
func (t *HTTPTransport) StandardClient() *http.Client {
	return t.client.StandardClient()
}

// Send ...
func (t *HTTPTransport) Send(ctx context.Context, r Request) (Response, error) {
	var body interface{}
	if r.Body != nil {
		body = r.Body
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	if r.Body != nil && r.ContentLength > 0 {
		// retryablehttp doesn't set Content-Length for seekers
		req.Header.Set("Content-Length", fmt.Sprintf("%d", r.ContentLength))
		req.ContentLength = r.ContentLength
	}

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		t.logger.Warnf("error while dumping request: %s", err)
	}
	t.logger.Debugf("Request dump: %s", string(dump))

	resp, err := t.client.Do(req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return Response{}, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			t.logger.Printf("close response body: %s", err)
		}
	}(resp.Body)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response body: %w", err)
	}
	if t.config.DumpBodies {
		t.logger.Debugf("Response %d: %s", resp.StatusCode, string(respBody))
	} else {
		t.logger.Debugf("Response %d (%d bytes)", resp.StatusCode, len(respBody))
	}

	return Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// createCustomRetryFunction keeps retries at the connection level: throttling and client errors are
// returned to the caller so the polling engine can account for them.
func createCustomRetryFunction(logger log.Logger) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, sendErr error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if sendErr == nil && resp != nil && resp.StatusCode < http.StatusInternalServerError {
			return false, nil
		}

		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, sendErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; sendErr=%+v", retry, err, sendErr)
		return retry, err
	}
}
