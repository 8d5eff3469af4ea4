// Package upstream talks to the web-search-backed fact provider.
//
// Client is the HTTP layer: JSON requests, compressed responses, error
// mapping and circuit breaking. It never retries; a failed fetch is reported
// to the caller, which serves stale data and tries again on a later read.
package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/tidwall/gjson"

	"factcache/internal/core"
	"factcache/internal/httpclient"
)

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 8 << 20

// ClientConfig holds configuration for the provider client.
type ClientConfig struct {
	// BaseURL is the API base URL, e.g. https://api.openai.com/v1
	BaseURL string

	// CircuitBreaker is optional; nil disables it.
	CircuitBreaker *CircuitBreakerConfig
}

// HeaderSetter sets provider headers (auth, org) on an outgoing request.
type HeaderSetter func(req *http.Request)

// Client is the HTTP client for the fact provider.
type Client struct {
	httpClient     *http.Client
	config         ClientConfig
	headerSetter   HeaderSetter
	circuitBreaker *circuitBreaker
}

// NewClient creates a client with the default HTTP transport.
func NewClient(config ClientConfig, headerSetter HeaderSetter) *Client {
	return NewClientWithHTTPClient(httpclient.NewDefaultHTTPClient(), config, headerSetter)
}

// NewClientWithHTTPClient creates a client with a custom HTTP client.
func NewClientWithHTTPClient(httpClient *http.Client, config ClientConfig, headerSetter HeaderSetter) *Client {
	c := &Client{
		httpClient:   httpClient,
		config:       config,
		headerSetter: headerSetter,
	}
	if config.CircuitBreaker != nil {
		c.circuitBreaker = newCircuitBreaker(
			config.CircuitBreaker.FailureThreshold,
			config.CircuitBreaker.SuccessThreshold,
			config.CircuitBreaker.Timeout,
		)
	}
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// Request represents an HTTP request to be made.
type Request struct {
	Method   string
	Endpoint string
	Body     interface{} // JSON marshaled if not nil
	Headers  map[string]string
}

// Response represents a decoded HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
}

// Do executes a request for kind and returns the decoded body of a 200.
// Every other outcome is a provider error.
func (c *Client) Do(ctx context.Context, kind string, req Request) (*Response, error) {
	if c.circuitBreaker != nil && !c.circuitBreaker.Allow() {
		return nil, core.NewProviderError(kind, "circuit breaker is open - provider temporarily unavailable", nil)
	}

	resp, err := c.doRequest(ctx, kind, req)
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		// Client errors are our fault, not a sign the provider is down.
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			c.recordFailure()
		}
		return nil, parseProviderError(kind, resp.StatusCode, resp.Body)
	}

	if c.circuitBreaker != nil {
		c.circuitBreaker.RecordSuccess()
	}
	return resp, nil
}

func (c *Client) recordFailure() {
	if c.circuitBreaker != nil {
		c.circuitBreaker.RecordFailure()
	}
}

// CircuitState returns the breaker state, or "disabled".
func (c *Client) CircuitState() string {
	if c.circuitBreaker == nil {
		return "disabled"
	}
	return c.circuitBreaker.State()
}

func (c *Client) doRequest(ctx context.Context, kind string, req Request) (*Response, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return nil, core.NewProviderError(kind, "failed to send request", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	reader, err := decodeBody(resp)
	if err != nil {
		return nil, core.NewProviderError(kind, "failed to decode response", err)
	}
	body, err := io.ReadAll(io.LimitReader(reader, maxResponseBytes))
	if err != nil {
		return nil, core.NewProviderError(kind, fmt.Sprintf("failed to read response after %s", time.Since(start).Round(time.Millisecond)), err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
	}, nil
}

// decodeBody unwraps the Content-Encoding we asked for. Setting
// Accept-Encoding ourselves turns off the transport's transparent gzip.
func decodeBody(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		return brotli.NewReader(resp.Body), nil
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "", "identity":
		return resp.Body, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}

func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	url := strings.TrimRight(c.config.BaseURL, "/") + req.Endpoint

	var bodyReader io.Reader
	if req.Body != nil {
		bodyBytes, err := json.Marshal(req.Body)
		if err != nil {
			return nil, core.NewInvalidRequestError("failed to marshal request", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bodyReader)
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to create request", err)
	}

	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Accept-Encoding", "br, gzip")

	if c.headerSetter != nil {
		c.headerSetter(httpReq)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	return httpReq, nil
}

// parseProviderError turns a non-200 response into a provider error,
// keeping the provider's own message when it sends one.
func parseProviderError(kind string, status int, body []byte) *core.FactError {
	message := gjson.GetBytes(body, "error.message").String()
	if message == "" {
		message = gjson.GetBytes(body, "message").String()
	}
	if message == "" {
		message = http.StatusText(status)
	}
	err := core.NewProviderError(kind, fmt.Sprintf("provider returned %d: %s", status, message), nil)
	if status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout {
		err.StatusCode = http.StatusGatewayTimeout
	}
	return err
}
