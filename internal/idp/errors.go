package idp

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

const tokenExchangeOperation = "token exchange"

var (
	// ErrUnauthorized matches a provider error whose status is 401 after the refresh retry.
	ErrUnauthorized = errors.New("idp: unauthorized")
	// ErrInvalidConfig indicates a component was constructed without required settings.
	ErrInvalidConfig = errors.New("idp: invalid config")

	errMissingTokenURL     = errors.New("token url required")
	errMissingClientID     = errors.New("client id required")
	errMissingClientSecret = errors.New("client secret required")
	errMissingBaseURL      = errors.New("base url required")
	errMissingTokens       = errors.New("token provider required")
	errMissingRequester    = errors.New("requester required")
	errEmptyAccessToken    = errors.New("token endpoint returned an empty access token")
	errMissingUserID       = errors.New("user id required")
)

// ProviderError is the single error type surfaced for failed identity provider calls.
// StatusCode is zero when no HTTP response was received (network failure, timeout).
type ProviderError struct {
	Operation  string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	var builder strings.Builder
	builder.WriteString("idp: ")
	builder.WriteString(e.Operation)
	if e.StatusCode != 0 {
		builder.WriteString(fmt.Sprintf(": status %d", e.StatusCode))
	}
	if body := strings.TrimSpace(e.Body); body != "" {
		builder.WriteString(": ")
		builder.WriteString(body)
	}
	if e.Err != nil {
		builder.WriteString(": ")
		builder.WriteString(e.Err.Error())
	}
	return builder.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is lets callers match a surviving 401 with errors.Is(err, ErrUnauthorized).
func (e *ProviderError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// Transient reports network failures, timeouts, throttling, 5xx responses and
// a 401 that survived the credential renewal.
func (e *ProviderError) Transient() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusUnauthorized ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// IsTransient reports whether err carries a transient provider failure.
func IsTransient(err error) bool {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient()
	}
	return false
}

// tokenExchangeError folds a failed credential exchange into a ProviderError,
// keeping the original error reachable through errors.Is and errors.As.
func tokenExchangeError(err error) error {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return err
	}
	wrapped := &ProviderError{Operation: tokenExchangeOperation, Err: err}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		wrapped.StatusCode = retrieveErr.Response.StatusCode
		wrapped.Body = string(retrieveErr.Body)
	}
	return wrapped
}
