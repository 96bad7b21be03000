package users

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	// usernameSuffixPrefixLength is how much of the base survives when a numeric suffix is appended.
	usernameSuffixPrefixLength = maxUsernameLength - 2
	fallbackUsername           = "user"
	nativeSubjectPrefix        = "auth0|"
)

// ProfileStore reads and patches remote profiles keyed by external subject.
type ProfileStore interface {
	Get(ctx context.Context, id string) (map[string]any, error)
	Update(ctx context.Context, id string, changes map[string]any) error
	TriggerVerificationEmail(ctx context.Context, id string) error
}

// CredentialChecker verifies a username and password against a provider connection.
type CredentialChecker interface {
	Check(ctx context.Context, username, password, realm string) (bool, error)
}

// Recorder observes reconciliation outcomes.
type Recorder interface {
	FieldsReconciled(fields []string)
}

type nopRecorder struct{}

func (nopRecorder) FieldsReconciled([]string) {}

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database          *gorm.DB
	Profiles          ProfileStore
	Credentials       CredentialChecker
	DefaultConnection string
	PasswordCost      int
	Logger            *zap.Logger
	Recorder          Recorder
}

// Service loads accounts and owns the rules shared across them.
type Service struct {
	db                *gorm.DB
	profiles          ProfileStore
	credentials       CredentialChecker
	defaultConnection string
	passwordCost      int
	logger            *zap.Logger
	recorder          Recorder
	validator         *inputValidator
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	cost := cfg.PasswordCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("users: password cost %d out of range", cost)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var recorder Recorder = nopRecorder{}
	if cfg.Recorder != nil {
		recorder = cfg.Recorder
	}
	return &Service{
		db:                cfg.Database,
		profiles:          cfg.Profiles,
		credentials:       cfg.Credentials,
		defaultConnection: strings.TrimSpace(cfg.DefaultConnection),
		passwordCost:      cost,
		logger:            logger,
		recorder:          recorder,
		validator:         newInputValidator(),
	}, nil
}

// GetUniqueUsername returns base, truncated to the column width, or the first
// free variant with an ascending numeric suffix. excludeID skips the record
// being renamed so it never collides with itself.
func (s *Service) GetUniqueUsername(ctx context.Context, base string, excludeID uint64) (string, error) {
	candidate := truncateRunes(normalize(base), maxUsernameLength)
	if candidate == "" {
		candidate = fallbackUsername
	}
	username := candidate
	for attempt := 1; ; attempt++ {
		taken, err := s.usernameTaken(ctx, username, excludeID)
		if err != nil {
			return "", err
		}
		if !taken {
			return username, nil
		}
		suffix := strconv.Itoa(attempt)
		username = truncateRunes(candidate, min(usernameSuffixPrefixLength, maxUsernameLength-len(suffix))) + suffix
	}
}

func (s *Service) usernameTaken(ctx context.Context, username string, excludeID uint64) (bool, error) {
	query := s.db.WithContext(ctx).Model(&User{}).Where("username = ?", username)
	if excludeID != 0 {
		query = query.Where("id <> ?", excludeID)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, fmt.Errorf("users: check username: %w", err)
	}
	return count > 0, nil
}

// Load fetches the account with the given local id.
func (s *Service) Load(ctx context.Context, id uint64) (*Account, error) {
	return s.loadWhere(ctx, "id = ?", id)
}

// LoadByExternalID fetches the account linked to an external subject.
func (s *Service) LoadByExternalID(ctx context.Context, subject string) (*Account, error) {
	subject = normalize(subject)
	if subject == "" {
		return nil, ErrInvalidIdentity
	}
	return s.loadWhere(ctx, "external_id = ?", subject)
}

// LoadByUsername fetches the account with the given username.
func (s *Service) LoadByUsername(ctx context.Context, username string) (*Account, error) {
	return s.loadWhere(ctx, "username = ?", normalize(username))
}

func (s *Service) loadWhere(ctx context.Context, condition string, value any) (*Account, error) {
	var user User
	err := s.db.WithContext(ctx).Where(condition, value).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("users: load record: %w", err)
	}
	return newAccount(s, user), nil
}

// CreateLocal registers an account that authenticates with a local password only.
func (s *Service) CreateLocal(ctx context.Context, username, email, password string) (*Account, error) {
	username = normalize(username)
	email = normalize(email)
	if err := s.validator.username(username); err != nil {
		return nil, err
	}
	if err := s.validator.email(email); err != nil {
		return nil, err
	}
	if err := s.validator.password(password); err != nil {
		return nil, err
	}
	taken, err := s.usernameTaken(ctx, username, 0)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, &ValidationError{Field: fieldUsername, Reason: "is already taken"}
	}
	hashed, err := hashPassword(password, s.passwordCost)
	if err != nil {
		return nil, fmt.Errorf("users: hash password: %w", err)
	}
	user := User{Username: username, Email: email, Password: hashed}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, fmt.Errorf("users: create record: %w", err)
	}
	return newAccount(s, user), nil
}

// SignIn resolves the account for a verified external subject, creating it on
// first sight, and reconciles it against the supplied profile claims.
// Records carrying a profile override reconcile against the override instead.
func (s *Service) SignIn(ctx context.Context, subject string, claims map[string]any) (*Account, []string, error) {
	subject = normalize(subject)
	if subject == "" {
		return nil, nil, ErrInvalidIdentity
	}
	account, err := s.LoadByExternalID(ctx, subject)
	switch {
	case errors.Is(err, ErrUserNotFound):
		account = newAccount(s, User{
			ExternalID: stringPointer(subject),
			Password:   UnusablePassword(),
			IsSocial:   !strings.HasPrefix(subject, nativeSubjectPrefix),
		})
	case err != nil:
		return nil, nil, err
	}
	if len(account.user.ProfileOverride) == 0 && claims != nil {
		account.profile.set(NewProfileSnapshot(claims))
	}
	changed, err := account.UpdateFromProfile(ctx)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Debug("account signed in",
		zap.Uint64("user_id", account.ID()),
		zap.Strings("changed", changed),
	)
	return account, changed, nil
}

// ValidateEmail checks the shape of a proposed email address.
func (s *Service) ValidateEmail(email string) error {
	return s.validator.email(normalize(email))
}

// ValidatePassword checks a proposed password against the length rules.
func (s *Service) ValidatePassword(raw string) error {
	return s.validator.password(raw)
}

func truncateRunes(value string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
