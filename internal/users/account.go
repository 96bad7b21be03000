package users

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	fieldEmail         = "email"
	fieldName          = "name"
	fieldEmailVerified = "email_verified"
	fieldUsername      = "username"
	fieldPassword      = "password"
)

// profileCell caches the effective profile for the lifetime of one Account.
type profileCell struct {
	snapshot ProfileSnapshot
	loaded   bool
}

func (c *profileCell) get() (ProfileSnapshot, bool) {
	return c.snapshot, c.loaded
}

func (c *profileCell) set(snapshot ProfileSnapshot) {
	c.snapshot = snapshot
	c.loaded = true
}

func (c *profileCell) invalidate() {
	c.snapshot = ProfileSnapshot{}
	c.loaded = false
}

type addressCell struct {
	address Address
	present bool
	loaded  bool
}

// Account is one user's local record plus its lazily fetched remote profile.
// An Account is request-scoped and must not be shared between goroutines.
type Account struct {
	service    *Service
	user       User
	provenance Provenance
	profile    profileCell
	address    addressCell
}

func newAccount(service *Service, user User) *Account {
	return &Account{
		service:    service,
		user:       user,
		provenance: provenanceOf(&user),
	}
}

// ID is the local numeric id; zero until the row is created.
func (a *Account) ID() uint64 {
	return a.user.ID
}

// Username returns the unique local username.
func (a *Account) Username() string {
	return a.user.Username
}

// Email returns the locally stored email address.
func (a *Account) Email() string {
	return a.user.Email
}

// Name returns the locally stored display name.
func (a *Account) Name() string {
	return a.user.Name
}

// EmailVerified reports whether the stored email has been verified.
func (a *Account) EmailVerified() bool {
	return a.user.EmailVerified
}

// IsSocial reports whether the account signs in through a social connection.
func (a *Account) IsSocial() bool {
	return a.user.IsSocial
}

// Subject returns the external identity provider subject, or empty for local accounts.
func (a *Account) Subject() string {
	return a.user.Subject()
}

// Provenance reports which authentication paths the account has.
func (a *Account) Provenance() Provenance {
	return a.provenance
}

// Record returns a copy of the local row.
func (a *Account) Record() User {
	return a.user
}

// InvalidateProfile drops the cached profile and everything derived from it.
func (a *Account) InvalidateProfile() {
	a.profile.invalidate()
	a.InvalidateAddress()
}

// InvalidateAddress drops the cached address only.
func (a *Account) InvalidateAddress() {
	a.address = addressCell{}
}

// Profile returns the effective profile: the override when set, the remote
// profile for accounts with an external identity, or an empty snapshot.
func (a *Account) Profile(ctx context.Context) (ProfileSnapshot, error) {
	if snapshot, ok := a.profile.get(); ok {
		return snapshot, nil
	}
	snapshot, err := a.loadProfile(ctx)
	if err != nil {
		return ProfileSnapshot{}, err
	}
	a.profile.set(snapshot)
	return snapshot, nil
}

func (a *Account) loadProfile(ctx context.Context) (ProfileSnapshot, error) {
	if len(a.user.ProfileOverride) > 0 {
		snapshot, err := snapshotFromJSON(a.user.ProfileOverride)
		if err != nil {
			return ProfileSnapshot{}, fmt.Errorf("users: decode profile override: %w", err)
		}
		return snapshot, nil
	}
	if !a.provenance.remoteProfile() || a.service.profiles == nil {
		return NewProfileSnapshot(nil), nil
	}
	claims, err := a.service.profiles.Get(ctx, a.user.Subject())
	if err != nil {
		return ProfileSnapshot{}, err
	}
	return NewProfileSnapshot(claims), nil
}

// Address returns the account's stored address and whether one exists.
func (a *Account) Address(ctx context.Context) (Address, bool, error) {
	if a.address.loaded {
		return a.address.address, a.address.present, nil
	}
	profile, err := a.Profile(ctx)
	if err != nil {
		return Address{}, false, err
	}
	address, present := profile.Address()
	a.address = addressCell{address: address, present: present, loaded: true}
	return address, present, nil
}

// CheckPassword verifies raw against the local hash, or against the provider
// for accounts whose credentials live there.
func (a *Account) CheckPassword(ctx context.Context, raw string) (bool, error) {
	if a.provenance.localCredentials() {
		return passwordMatches(a.user.Password, raw), nil
	}
	if a.user.IsSocial || a.service.credentials == nil {
		return false, unsupported("check_password", a.provenance)
	}
	connection, err := a.connection(ctx)
	if err != nil {
		return false, err
	}
	if connection == "" {
		return false, unsupported("check_password", a.provenance)
	}
	login := a.user.Email
	if login == "" {
		login = a.user.Username
	}
	return a.service.credentials.Check(ctx, login, raw, connection)
}

func (a *Account) connection(ctx context.Context) (string, error) {
	profile, err := a.Profile(ctx)
	if err != nil {
		return "", err
	}
	if connection := profile.Connection(); connection != "" {
		return connection, nil
	}
	return a.service.defaultConnection, nil
}

// UpdateName stores the new display name locally, then propagates it to the provider.
func (a *Account) UpdateName(ctx context.Context, name string) error {
	name = normalize(name)
	if err := a.service.validator.name(name); err != nil {
		return err
	}
	if name == a.user.Name {
		return nil
	}
	if err := a.commit(ctx, map[string]any{fieldName: name}); err != nil {
		return err
	}
	a.user.Name = name
	if !a.provenance.remoteProfile() || a.service.profiles == nil {
		return nil
	}
	remoteName := name
	if remoteName == "" {
		remoteName = a.user.Email
	}
	return a.propagate(ctx, fieldName, map[string]any{fieldName: remoteName})
}

// UpdateEmail stores a new email locally, then propagates it to the provider.
// A change that only differs in case keeps the verified flag.
func (a *Account) UpdateEmail(ctx context.Context, email string) error {
	email = normalize(email)
	if err := a.service.validator.email(email); err != nil {
		return err
	}
	if email == a.user.Email {
		return nil
	}
	verified := a.user.EmailVerified && strings.EqualFold(email, a.user.Email)
	if err := a.commit(ctx, map[string]any{fieldEmail: email, fieldEmailVerified: verified}); err != nil {
		return err
	}
	a.user.Email = email
	a.user.EmailVerified = verified
	if !a.provenance.remoteProfile() || a.service.profiles == nil {
		return nil
	}
	return a.propagate(ctx, fieldEmail, map[string]any{fieldEmail: email, fieldEmailVerified: verified})
}

// UpdatePassword hands the password to the provider for provider-backed
// accounts and hashes it locally for everyone else.
func (a *Account) UpdatePassword(ctx context.Context, raw string) error {
	if err := a.service.validator.password(raw); err != nil {
		return err
	}
	if a.provenance.localCredentials() {
		hashed, err := hashPassword(raw, a.service.passwordCost)
		if err != nil {
			return fmt.Errorf("users: hash password: %w", err)
		}
		if err := a.commit(ctx, map[string]any{fieldPassword: hashed}); err != nil {
			return err
		}
		a.user.Password = hashed
		return nil
	}
	if a.user.IsSocial || a.service.profiles == nil {
		return unsupported("update_password", a.provenance)
	}
	changes := map[string]any{fieldPassword: raw}
	if snapshot, ok := a.profile.get(); ok {
		if connection := snapshot.Connection(); connection != "" {
			changes["connection"] = connection
		}
	}
	return a.service.profiles.Update(ctx, a.user.Subject(), changes)
}

// UpdateAddress merges fields into the stored address and saves the whole
// address back into the provider metadata.
func (a *Account) UpdateAddress(ctx context.Context, fields map[string]string) (Address, error) {
	if !a.provenance.remoteProfile() || a.service.profiles == nil {
		return Address{}, unsupported("update_address", a.provenance)
	}
	if err := a.service.validator.addressFields(fields); err != nil {
		return Address{}, err
	}
	profile, err := a.Profile(ctx)
	if err != nil {
		return Address{}, err
	}
	address, ok := profile.Address()
	if !ok {
		address = NewAddress()
	}
	address.Apply(fields)

	metadata := profile.Metadata()
	metadata[metadataAddressesKey] = replacePrimaryAddress(metadata[metadataAddressesKey], address.ToProviderJSON())
	if err := a.service.profiles.Update(ctx, a.user.Subject(), map[string]any{metadataKey: metadata}); err != nil {
		return Address{}, err
	}
	a.InvalidateProfile()
	a.address = addressCell{address: address, present: true, loaded: true}
	return address, nil
}

// DeleteAddress clears the stored address list in the provider metadata.
func (a *Account) DeleteAddress(ctx context.Context) error {
	if !a.provenance.remoteProfile() || a.service.profiles == nil {
		return unsupported("delete_address", a.provenance)
	}
	profile, err := a.Profile(ctx)
	if err != nil {
		return err
	}
	metadata := profile.Metadata()
	metadata[metadataAddressesKey] = []any{}
	if err := a.service.profiles.Update(ctx, a.user.Subject(), map[string]any{metadataKey: metadata}); err != nil {
		return err
	}
	a.InvalidateProfile()
	return nil
}

// ResendVerificationEmail asks the provider to send a new verification email.
func (a *Account) ResendVerificationEmail(ctx context.Context) error {
	if !a.provenance.remoteProfile() || a.service.profiles == nil {
		return unsupported("resend_verification_email", a.provenance)
	}
	return a.service.profiles.TriggerVerificationEmail(ctx, a.user.Subject())
}

// AssignUsername picks a free username derived from base and stores it.
func (a *Account) AssignUsername(ctx context.Context, base string) (string, error) {
	base = normalize(base)
	if err := a.service.validator.username(base); err != nil {
		return "", err
	}
	username, err := a.service.GetUniqueUsername(ctx, base, a.user.ID)
	if err != nil {
		return "", err
	}
	if username == a.user.Username {
		return username, nil
	}
	if err := a.commit(ctx, map[string]any{fieldUsername: username}); err != nil {
		return "", err
	}
	a.user.Username = username
	return username, nil
}

// UpdateFromProfile reconciles the local email, name, verification flag and
// username against the effective profile and returns the changed fields.
// The verification flag is promoted but never demoted here.
func (a *Account) UpdateFromProfile(ctx context.Context) ([]string, error) {
	profile, err := a.Profile(ctx)
	if err != nil {
		return nil, err
	}
	if profile.Empty() && !a.provenance.remoteProfile() {
		return nil, unsupported("update_from_profile", a.provenance)
	}

	email := profile.Email()
	name := profile.Name()
	if name == email {
		name = ""
	}

	changes := map[string]any{}
	changed := make([]string, 0, 4)
	emailChanged := false
	if email != "" && (email != a.user.Email || a.user.Email == "") {
		a.user.Email = email
		changes[fieldEmail] = email
		changed = append(changed, fieldEmail)
		emailChanged = true
	}
	if name != a.user.Name {
		a.user.Name = name
		changes[fieldName] = name
		changed = append(changed, fieldName)
	}
	if profile.EmailVerified() && !a.user.EmailVerified {
		a.user.EmailVerified = true
		changes[fieldEmailVerified] = true
		changed = append(changed, fieldEmailVerified)
	}
	if a.user.Username == "" || emailChanged {
		username, err := a.service.GetUniqueUsername(ctx, usernameBase(profile, a.user), a.user.ID)
		if err != nil {
			return nil, err
		}
		if username != a.user.Username {
			a.user.Username = username
			changes[fieldUsername] = username
			changed = append(changed, fieldUsername)
		}
	}

	if a.user.ID == 0 {
		if err := a.service.db.WithContext(ctx).Create(&a.user).Error; err != nil {
			return nil, fmt.Errorf("users: create record: %w", err)
		}
	} else if len(changes) > 0 {
		if err := a.commit(ctx, changes); err != nil {
			return nil, err
		}
	}
	a.InvalidateAddress()
	a.service.recorder.FieldsReconciled(changed)
	return changed, nil
}

// commit applies changes to the local row inside one transaction.
func (a *Account) commit(ctx context.Context, changes map[string]any) error {
	if a.user.ID == 0 {
		return ErrUserNotFound
	}
	return a.service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&User{}).Where("id = ?", a.user.ID).Updates(changes)
		if result.Error != nil {
			return fmt.Errorf("users: update record: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

// propagate pushes an already committed change to the provider.
func (a *Account) propagate(ctx context.Context, field string, changes map[string]any) error {
	err := a.service.profiles.Update(ctx, a.user.Subject(), changes)
	a.InvalidateProfile()
	if err != nil {
		a.service.logger.Warn("remote profile update failed after local commit",
			zap.Uint64("user_id", a.user.ID),
			zap.String("field", field),
			zap.Error(err),
		)
		return &SyncError{Field: field, Err: err}
	}
	return nil
}

func usernameBase(profile ProfileSnapshot, user User) string {
	if nickname := profile.Nickname(); nickname != "" {
		return nickname
	}
	if local, _, found := strings.Cut(user.Email, "@"); found && local != "" {
		return local
	}
	if user.Email != "" {
		return user.Email
	}
	return user.Subject()
}
