package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDerivesProviderEndpointsFromDomain(t *testing.T) {
	t.Setenv("ACCOUNTS_SESSION_SIGNING_SECRET", "secret")
	t.Setenv("ACCOUNTS_IDP_DOMAIN", "tenant.example.com")
	t.Setenv("ACCOUNTS_IDP_CLIENT_ID", "client")
	t.Setenv("ACCOUNTS_IDP_CLIENT_SECRET", "client-secret")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.IdP.BaseURL != "https://tenant.example.com" {
		t.Fatalf("unexpected base url %q", cfg.IdP.BaseURL)
	}
	if cfg.IdP.Audience != "https://tenant.example.com/api/v2/" {
		t.Fatalf("unexpected audience %q", cfg.IdP.Audience)
	}
	if cfg.IdP.JWKSURL != "https://tenant.example.com/.well-known/jwks.json" {
		t.Fatalf("unexpected jwks url %q", cfg.IdP.JWKSURL)
	}
	if cfg.IdP.Issuer != "https://tenant.example.com/" {
		t.Fatalf("unexpected issuer %q", cfg.IdP.Issuer)
	}
	if cfg.IdP.TokenURL() != "https://tenant.example.com/oauth/token" {
		t.Fatalf("unexpected token url %q", cfg.IdP.TokenURL())
	}
	if cfg.IdP.Timeout != 5*time.Second {
		t.Fatalf("unexpected default timeout %v", cfg.IdP.Timeout)
	}
	if !cfg.SecureCookies || cfg.PasswordCost != 12 {
		t.Fatalf("unexpected cookie or password defaults %#v", cfg)
	}
	if cfg.DatabaseDriver != DriverSQLite || cfg.Session.TTL != 30*time.Minute {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
}

func TestLoadPrefersExplicitBaseURL(t *testing.T) {
	t.Setenv("ACCOUNTS_SESSION_SIGNING_SECRET", "secret")
	t.Setenv("ACCOUNTS_IDP_DOMAIN", "tenant.example.com")
	t.Setenv("ACCOUNTS_IDP_BASE_URL", "http://127.0.0.1:9000/")
	t.Setenv("ACCOUNTS_IDP_CLIENT_ID", "client")
	t.Setenv("ACCOUNTS_IDP_CLIENT_SECRET", "client-secret")
	t.Setenv("ACCOUNTS_IDP_AUDIENCE", "custom-audience")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.IdP.BaseURL != "http://127.0.0.1:9000" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.IdP.BaseURL)
	}
	if cfg.IdP.Audience != "custom-audience" {
		t.Fatalf("expected explicit audience, got %q", cfg.IdP.Audience)
	}
}

func TestLoadValidatesRequiredKeys(t *testing.T) {
	testCases := []struct {
		name     string
		env      map[string]string
		expected string
	}{
		{
			name:     "signing secret",
			env:      map[string]string{},
			expected: "session.signing_secret",
		},
		{
			name: "identity provider location",
			env: map[string]string{
				"ACCOUNTS_SESSION_SIGNING_SECRET": "secret",
			},
			expected: "idp.domain",
		},
		{
			name: "client secret",
			env: map[string]string{
				"ACCOUNTS_SESSION_SIGNING_SECRET": "secret",
				"ACCOUNTS_IDP_DOMAIN":             "tenant.example.com",
				"ACCOUNTS_IDP_CLIENT_ID":          "client",
			},
			expected: "idp.client_secret",
		},
		{
			name: "database driver",
			env: map[string]string{
				"ACCOUNTS_SESSION_SIGNING_SECRET": "secret",
				"ACCOUNTS_IDP_DOMAIN":             "tenant.example.com",
				"ACCOUNTS_IDP_CLIENT_ID":          "client",
				"ACCOUNTS_IDP_CLIENT_SECRET":      "client-secret",
				"ACCOUNTS_DATABASE_DRIVER":        "oracle",
			},
			expected: "database.driver",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			for key, value := range testCase.env {
				t.Setenv(key, value)
			}
			_, err := Load(NewViper())
			if err == nil || !strings.Contains(err.Error(), testCase.expected) {
				t.Fatalf("expected error mentioning %s, got %v", testCase.expected, err)
			}
		})
	}
}
