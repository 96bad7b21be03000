package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const passwordRealmGrant = "http://auth0.com/oauth/grant-type/password-realm"

// CredentialCheckerConfig configures the resource-owner password check against the provider.
type CredentialCheckerConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Audience     string
	HTTPClient   *http.Client
	Timeout      time.Duration
	Logger       *zap.Logger
}

// CredentialChecker asks the provider whether a username/password pair is valid for a connection.
type CredentialChecker struct {
	tokenURL     string
	clientID     string
	clientSecret string
	audience     string
	httpClient   *http.Client
	timeout      time.Duration
	logger       *zap.Logger
}

// NewCredentialChecker validates the configuration.
func NewCredentialChecker(cfg CredentialCheckerConfig) (*CredentialChecker, error) {
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if tokenURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingTokenURL)
	}
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingClientID)
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingClientSecret)
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
	return &CredentialChecker{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: cfg.ClientSecret,
		audience:     strings.TrimSpace(cfg.Audience),
		httpClient:   httpClient,
		timeout:      timeout,
		logger:       logger,
	}, nil
}

// Check returns false without error when the provider refuses the credentials (HTTP 403).
func (c *CredentialChecker) Check(ctx context.Context, username, password, realm string) (bool, error) {
	params := url.Values{
		"grant_type": {passwordRealmGrant},
		"username":   {username},
		"password":   {password},
		"realm":      {realm},
	}
	if c.audience != "" {
		params.Set("audience", c.audience)
	}

	config := clientcredentials.Config{
		ClientID:       c.clientID,
		ClientSecret:   c.clientSecret,
		TokenURL:       c.tokenURL,
		EndpointParams: params,
		AuthStyle:      oauth2.AuthStyleInParams,
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	_, err := config.Token(ctx)
	if err == nil {
		return true, nil
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		if retrieveErr.Response.StatusCode == http.StatusForbidden {
			c.logger.Debug("provider rejected credentials", zap.String("realm", realm))
			return false, nil
		}
		return false, &ProviderError{
			Operation:  "password realm grant",
			StatusCode: retrieveErr.Response.StatusCode,
			Body:       string(retrieveErr.Body),
		}
	}
	return false, &ProviderError{Operation: "password realm grant", Err: err}
}
