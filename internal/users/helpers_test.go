package users

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var errProviderDown = errors.New("provider unavailable")

type fakeProfileStore struct {
	profiles      map[string]map[string]any
	updates       []map[string]any
	verifications []string
	gets          int
	getErr        error
	updateErr     error
	verifyErr     error
}

func newFakeProfileStore() *fakeProfileStore {
	return &fakeProfileStore{profiles: map[string]map[string]any{}}
}

func (f *fakeProfileStore) Get(_ context.Context, id string) (map[string]any, error) {
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	profile := map[string]any{}
	for key, value := range f.profiles[id] {
		profile[key] = value
	}
	return profile, nil
}

func (f *fakeProfileStore) Update(_ context.Context, id string, changes map[string]any) error {
	f.updates = append(f.updates, changes)
	if f.updateErr != nil {
		return f.updateErr
	}
	profile := f.profiles[id]
	if profile == nil {
		profile = map[string]any{}
		f.profiles[id] = profile
	}
	for key, value := range changes {
		profile[key] = value
	}
	return nil
}

func (f *fakeProfileStore) TriggerVerificationEmail(_ context.Context, id string) error {
	f.verifications = append(f.verifications, id)
	return f.verifyErr
}

type fakeCredentialChecker struct {
	calls  []string
	result bool
	err    error
}

func (f *fakeCredentialChecker) Check(_ context.Context, username, password, realm string) (bool, error) {
	f.calls = append(f.calls, username+"|"+password+"|"+realm)
	return f.result, f.err
}

type recordingRecorder struct {
	fields [][]string
}

func (r *recordingRecorder) FieldsReconciled(fields []string) {
	r.fields = append(r.fields, fields)
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "accounts.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate user schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, profiles ProfileStore, credentials CredentialChecker) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:          openTestDatabase(t),
		Profiles:          profiles,
		Credentials:       credentials,
		DefaultConnection: "Username-Password-Authentication",
		PasswordCost:      bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func insertUser(t *testing.T, service *Service, user User) *Account {
	t.Helper()
	if err := service.db.Create(&user).Error; err != nil {
		t.Fatalf("failed to insert user %q: %v", user.Username, err)
	}
	account, err := service.Load(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("failed to load user %d: %v", user.ID, err)
	}
	return account
}

func providerUser(username, subject string) User {
	return User{
		Username:   username,
		ExternalID: stringPointer(subject),
		Password:   UnusablePassword(),
		Email:      username + "@example.com",
	}
}

func mustHash(t *testing.T, raw string) string {
	t.Helper()
	hashed, err := hashPassword(raw, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	return hashed
}
