package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 5 * time.Second
	maxErrorBodyBytes     = 4 << 10
	requestIDHeader       = "X-Request-ID"
)

// Recorder receives identity provider traffic observations.
type Recorder interface {
	ObserveRequest(operation string, status int, elapsed time.Duration)
	TokenRefreshed(reason string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRequest(string, int, time.Duration) {}
func (nopRecorder) TokenRefreshed(string)                     {}

// TokenProvider supplies bearer credentials and replaces rejected ones.
type TokenProvider interface {
	Token(ctx context.Context) (Credential, error)
	Renew(ctx context.Context, rejected string) (Credential, error)
}

// ClientConfig configures the authenticated management API client.
type ClientConfig struct {
	BaseURL    string
	Tokens     TokenProvider
	HTTPClient *http.Client
	// Timeout bounds every individual round trip, including the replay after a 401.
	Timeout  time.Duration
	Logger   *zap.Logger
	Recorder Recorder
}

// Client issues JSON requests against the management API with a bearer credential.
// A 401 response triggers exactly one credential renewal and replay of the same request.
type Client struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
	recorder   Recorder
}

// NewClient validates the configuration and constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	rawBaseURL := strings.TrimSpace(cfg.BaseURL)
	if rawBaseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingBaseURL)
	}
	baseURL := strings.TrimRight(rawBaseURL, "/")
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingTokens)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &Client{
		baseURL:    baseURL,
		tokens:     cfg.Tokens,
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
		recorder:   recorder,
	}, nil
}

// Get fetches path (already escaped) and decodes the JSON response into out when out is non-nil.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// Post sends body as JSON.
func (c *Client) Post(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// Patch sends body as a JSON merge patch.
func (c *Client) Patch(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPatch, path, nil, body, out)
}

// Put sends body as JSON.
func (c *Client) Put(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPut, path, nil, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	operation := method + " " + path

	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return &ProviderError{Operation: operation, Err: err}
		}
		payload = encoded
	}

	endpoint := c.resolve(path, query)
	requestID := uuid.NewString()

	credential, err := c.tokens.Token(ctx)
	if err != nil {
		return tokenExchangeError(err)
	}

	for attempt := 1; ; attempt++ {
		status, responseBody, err := c.send(ctx, method, endpoint, payload, credential.AccessToken, requestID)
		if err != nil {
			c.logger.Warn("identity provider request failed",
				zap.String("operation", operation),
				zap.String("request_id", requestID),
				zap.Error(err),
			)
			return &ProviderError{Operation: operation, Err: err}
		}

		if status == http.StatusUnauthorized && attempt == 1 {
			c.logger.Info("management token rejected, renewing",
				zap.String("operation", operation),
				zap.String("request_id", requestID),
			)
			credential, err = c.tokens.Renew(ctx, credential.AccessToken)
			if err != nil {
				return tokenExchangeError(err)
			}
			continue
		}

		if status < http.StatusOK || status >= http.StatusMultipleChoices {
			providerErr := &ProviderError{
				Operation:  operation,
				StatusCode: status,
				Body:       string(responseBody),
			}
			c.logger.Warn("identity provider returned an error",
				zap.String("operation", operation),
				zap.String("request_id", requestID),
				zap.Int("status", status),
			)
			return providerErr
		}

		if out != nil && len(bytes.TrimSpace(responseBody)) > 0 {
			if err := json.Unmarshal(responseBody, out); err != nil {
				return &ProviderError{Operation: operation, StatusCode: status, Err: fmt.Errorf("decode response: %w", err)}
			}
		}
		c.logger.Debug("identity provider request completed",
			zap.String("operation", operation),
			zap.String("request_id", requestID),
			zap.Int("status", status),
			zap.Int("attempt", attempt),
		)
		return nil
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload []byte, accessToken, requestID string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, err
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	request.Header.Set("Accept", "application/json")
	request.Header.Set(requestIDHeader, requestID)
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		c.recorder.ObserveRequest(method, 0, time.Since(started))
		return 0, nil, err
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes(response.StatusCode)))
	c.recorder.ObserveRequest(method, response.StatusCode, time.Since(started))
	if err != nil {
		return 0, nil, err
	}
	return response.StatusCode, responseBody, nil
}

func (c *Client) resolve(path string, query url.Values) string {
	endpoint := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return endpoint
}

func maxResponseBytes(status int) int64 {
	if status >= http.StatusMultipleChoices {
		return maxErrorBodyBytes
	}
	return 1 << 20
}
