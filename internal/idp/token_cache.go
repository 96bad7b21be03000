package idp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

const (
	defaultExpiryMargin = 5 * time.Second
	refreshKey          = "management-token"

	refreshReasonMissing  = "missing"
	refreshReasonExpiring = "expiring"
	refreshReasonRejected = "rejected"
)

// Credential is a bearer token for the management API and the instant it stops being valid.
type Credential struct {
	AccessToken string
	Expiry      time.Time
}

func (c Credential) usableAt(now time.Time, margin time.Duration) bool {
	return c.AccessToken != "" && now.Add(margin).Before(c.Expiry)
}

// Exchanger performs one token exchange and reports the lifetime granted by the provider.
type Exchanger interface {
	Exchange(ctx context.Context) (accessToken string, expiresIn time.Duration, err error)
}

// TokenCacheConfig describes how management tokens are minted and for how long they are reused.
type TokenCacheConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Audience     string
	HTTPClient   *http.Client
	// Exchanger overrides the client-credentials exchange built from the fields above.
	Exchanger Exchanger
	Margin    time.Duration
	// Timeout bounds one exchange, which runs detached from the caller's cancellation.
	Timeout   time.Duration
	Clock     func() time.Time
	Logger    *zap.Logger
	Recorder  Recorder
}

// TokenCache hands out a process-wide management credential, minting a new one
// on first use, when the cached one is about to expire, or after it was rejected.
type TokenCache struct {
	exchanger Exchanger
	margin    time.Duration
	timeout   time.Duration
	clock     func() time.Time
	logger    *zap.Logger
	recorder  Recorder

	mu      sync.RWMutex
	current Credential
	group   singleflight.Group
}

// NewTokenCache validates the configuration and returns an empty cache.
func NewTokenCache(cfg TokenCacheConfig) (*TokenCache, error) {
	exchanger := cfg.Exchanger
	if exchanger == nil {
		built, err := newClientCredentialsExchanger(cfg)
		if err != nil {
			return nil, err
		}
		exchanger = built
	}

	margin := cfg.Margin
	if margin <= 0 {
		margin = defaultExpiryMargin
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &TokenCache{
		exchanger: exchanger,
		margin:    margin,
		timeout:   timeout,
		clock:     clock,
		logger:    logger,
		recorder:  recorder,
	}, nil
}

// Token returns the cached credential while now+margin is before its expiry and mints a new one otherwise.
// Exchange failures are returned unmodified.
func (c *TokenCache) Token(ctx context.Context) (Credential, error) {
	c.mu.RLock()
	current := c.current
	c.mu.RUnlock()

	if current.usableAt(c.clock(), c.margin) {
		return current, nil
	}

	reason := refreshReasonExpiring
	if current.AccessToken == "" {
		reason = refreshReasonMissing
	}
	return c.refresh(ctx, reason)
}

// Renew replaces a credential the provider rejected. When another caller has
// already swapped the rejected token out, the newer credential is reused.
func (c *TokenCache) Renew(ctx context.Context, rejected string) (Credential, error) {
	c.mu.Lock()
	if c.current.AccessToken == rejected {
		c.current = Credential{}
	}
	current := c.current
	c.mu.Unlock()

	if current.usableAt(c.clock(), c.margin) {
		return current, nil
	}
	return c.refresh(ctx, refreshReasonRejected)
}

func (c *TokenCache) refresh(ctx context.Context, reason string) (Credential, error) {
	value, err, _ := c.group.Do(refreshKey, func() (interface{}, error) {
		exchangeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		accessToken, expiresIn, err := c.exchanger.Exchange(exchangeCtx)
		if err != nil {
			return Credential{}, err
		}
		if accessToken == "" {
			return Credential{}, errEmptyAccessToken
		}

		credential := Credential{
			AccessToken: accessToken,
			Expiry:      c.clock().Add(expiresIn),
		}

		c.mu.Lock()
		c.current = credential
		c.mu.Unlock()

		c.recorder.TokenRefreshed(reason)
		c.logger.Debug("management token minted",
			zap.String("reason", reason),
			zap.Time("expiry", credential.Expiry),
		)
		return credential, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return value.(Credential), nil
}

type clientCredentialsExchanger struct {
	config     clientcredentials.Config
	httpClient *http.Client
}

func newClientCredentialsExchanger(cfg TokenCacheConfig) (*clientCredentialsExchanger, error) {
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

	params := url.Values{}
	if audience := strings.TrimSpace(cfg.Audience); audience != "" {
		params.Set("audience", audience)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &clientCredentialsExchanger{
		config: clientcredentials.Config{
			ClientID:       clientID,
			ClientSecret:   cfg.ClientSecret,
			TokenURL:       tokenURL,
			EndpointParams: params,
			AuthStyle:      oauth2.AuthStyleInParams,
		},
		httpClient: httpClient,
	}, nil
}

func (e *clientCredentialsExchanger) Exchange(ctx context.Context) (string, time.Duration, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	token, err := e.config.Token(ctx)
	if err != nil {
		return "", 0, err
	}
	return token.AccessToken, grantedLifetime(token), nil
}

// grantedLifetime prefers the raw expires_in value over oauth2's wall-clock expiry.
func grantedLifetime(token *oauth2.Token) time.Duration {
	switch value := token.Extra("expires_in").(type) {
	case float64:
		return time.Duration(value * float64(time.Second))
	case int64:
		return time.Duration(value) * time.Second
	case string:
		if parsed, err := time.ParseDuration(value + "s"); err == nil {
			return parsed
		}
	}
	if !token.Expiry.IsZero() {
		return time.Until(token.Expiry)
	}
	return 0
}
