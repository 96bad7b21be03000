package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "ACCOUNTS"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabaseDriver   = DriverSQLite
	defaultDatabaseDSN      = "accounts.db"
	defaultLogLevel         = "info"
	defaultLogEncoding      = "json"
	defaultCookieName       = "accounts_session"
	defaultSessionTTL       = 30
	defaultIdPTimeout       = 5 * time.Second
	defaultPasswordCost     = 12
	defaultAllowedOrigin    = "http://localhost:3000"
	managementAPIPathSuffix = "/api/v2/"
	jwksPathSuffix          = "/.well-known/jwks.json"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	SecureCookies  bool
	DatabaseDriver string
	DatabaseDSN    string
	LogLevel       string
	LogEncoding    string
	Session        SessionConfig
	IdP            IdPConfig
	PasswordCost   int
}

// SessionConfig configures session token issuing.
type SessionConfig struct {
	SigningSecret string
	CookieName    string
	TTL           time.Duration
}

// IdPConfig locates the identity provider and the application's credentials there.
type IdPConfig struct {
	Domain            string
	BaseURL           string
	ClientID          string
	ClientSecret      string
	Audience          string
	Timeout           time.Duration
	JWKSURL           string
	Issuer            string
	DefaultConnection string
}

// TokenURL is the client-credentials token endpoint.
func (c IdPConfig) TokenURL() string {
	return c.BaseURL + "/oauth/token"
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("http.secure_cookies", true)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.ttl_minutes", defaultSessionTTL)
	configViper.SetDefault("idp.timeout", defaultIdPTimeout)
	configViper.SetDefault("password.cost", defaultPasswordCost)

	for _, key := range []string{
		"session.signing_secret",
		"idp.domain",
		"idp.base_url",
		"idp.client_id",
		"idp.client_secret",
		"idp.audience",
		"idp.jwks_url",
		"idp.issuer",
		"idp.default_connection",
	} {
		_ = configViper.BindEnv(key)
	}
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    strings.TrimSpace(configViper.GetString("http.address")),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		SecureCookies:  configViper.GetBool("http.secure_cookies"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    strings.TrimSpace(configViper.GetString("database.dsn")),
		LogLevel:       configViper.GetString("log.level"),
		LogEncoding:    configViper.GetString("log.encoding"),
		Session: SessionConfig{
			SigningSecret: configViper.GetString("session.signing_secret"),
			CookieName:    strings.TrimSpace(configViper.GetString("session.cookie_name")),
			TTL:           time.Duration(configViper.GetInt("session.ttl_minutes")) * time.Minute,
		},
		IdP: IdPConfig{
			Domain:            strings.TrimSpace(configViper.GetString("idp.domain")),
			BaseURL:           strings.TrimSpace(configViper.GetString("idp.base_url")),
			ClientID:          strings.TrimSpace(configViper.GetString("idp.client_id")),
			ClientSecret:      configViper.GetString("idp.client_secret"),
			Audience:          strings.TrimSpace(configViper.GetString("idp.audience")),
			Timeout:           configViper.GetDuration("idp.timeout"),
			JWKSURL:           strings.TrimSpace(configViper.GetString("idp.jwks_url")),
			Issuer:            strings.TrimSpace(configViper.GetString("idp.issuer")),
			DefaultConnection: strings.TrimSpace(configViper.GetString("idp.default_connection")),
		},
		PasswordCost: configViper.GetInt("password.cost"),
	}
	cfg.IdP.applyDerivedDefaults()

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c *IdPConfig) applyDerivedDefaults() {
	if c.BaseURL == "" && c.Domain != "" {
		c.BaseURL = "https://" + c.Domain
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.BaseURL == "" {
		return
	}
	if c.Audience == "" {
		c.Audience = c.BaseURL + managementAPIPathSuffix
	}
	if c.JWKSURL == "" {
		c.JWKSURL = c.BaseURL + jwksPathSuffix
	}
	if c.Issuer == "" {
		c.Issuer = c.BaseURL + "/"
	}
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Session.SigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if c.Session.CookieName == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl_minutes must be positive")
	}
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.IdP.BaseURL == "" {
		return fmt.Errorf("idp.domain or idp.base_url is required")
	}
	if c.IdP.ClientID == "" {
		return fmt.Errorf("idp.client_id is required")
	}
	if strings.TrimSpace(c.IdP.ClientSecret) == "" {
		return fmt.Errorf("idp.client_secret is required")
	}
	if c.IdP.Timeout <= 0 {
		return fmt.Errorf("idp.timeout must be positive")
	}
	return nil
}
