package auth

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionTTL      = 30 * time.Minute
	defaultSessionIssuer   = "accounts-api"
	defaultSessionAudience = "accounts-web"
)

var (
	// ErrMissingSigningSecret indicates a session signer without a secret.
	ErrMissingSigningSecret = errors.New("auth: signing secret must be provided")
	errMissingUserID        = errors.New("auth: user id must be provided")
)

// SessionClaims is the payload of a session token.
type SessionClaims struct {
	Provenance string `json:"provenance,omitempty"`
	jwt.RegisteredClaims
}

// UserID parses the numeric local user id carried in the subject.
func (c SessionClaims) UserID() (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(c.Subject), 10, 64)
}

// TokenIssuerConfig configures session token issuing.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer signs HS256 session tokens for signed-in accounts.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with defaults for unset fields.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultSessionAudience
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// TTL reports how long issued tokens stay valid.
func (i *TokenIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue produces a signed session token and its expiry for the local user id.
func (i *TokenIssuer) Issue(userID uint64, provenance string) (string, time.Time, error) {
	if userID == 0 {
		return "", time.Time{}, errMissingUserID
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		Provenance: provenance,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(userID, 10),
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
