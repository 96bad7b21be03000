package idp

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

const (
	usersPath             = "api/v2/users/"
	verificationEmailPath = "api/v2/jobs/verification-email"
)

// Requester is the subset of Client used by the resource facades.
type Requester interface {
	Get(ctx context.Context, path string, query url.Values, out any) error
	Post(ctx context.Context, path string, body any, out any) error
	Patch(ctx context.Context, path string, body any, out any) error
}

// ProfileStore reads and patches user profiles held by the identity provider.
type ProfileStore struct {
	requester Requester
	jobs      *VerificationJobStore
}

// NewProfileStore wraps requester; clientID is sent with verification email jobs.
func NewProfileStore(requester Requester, clientID string) (*ProfileStore, error) {
	jobs, err := NewVerificationJobStore(requester, clientID)
	if err != nil {
		return nil, err
	}
	return &ProfileStore{requester: requester, jobs: jobs}, nil
}

// Get returns the raw profile document for the external user id.
func (s *ProfileStore) Get(ctx context.Context, id string) (map[string]any, error) {
	path, err := userPath(id)
	if err != nil {
		return nil, err
	}
	profile := map[string]any{}
	if err := s.requester.Get(ctx, path, nil, &profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// Update patches the top-level keys present in changes. Nested objects such as
// user_metadata replace the stored value as a whole.
func (s *ProfileStore) Update(ctx context.Context, id string, changes map[string]any) error {
	path, err := userPath(id)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}
	return s.requester.Patch(ctx, path, changes, nil)
}

// TriggerVerificationEmail queues a verification email for the user.
func (s *ProfileStore) TriggerVerificationEmail(ctx context.Context, id string) error {
	return s.jobs.SendVerificationEmail(ctx, id)
}

// VerificationJobStore starts provider-side jobs that email the user.
type VerificationJobStore struct {
	requester Requester
	clientID  string
}

// NewVerificationJobStore validates its dependencies.
func NewVerificationJobStore(requester Requester, clientID string) (*VerificationJobStore, error) {
	if requester == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingRequester)
	}
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingClientID)
	}
	return &VerificationJobStore{requester: requester, clientID: clientID}, nil
}

// SendVerificationEmail posts a verification-email job. The job runs asynchronously at the provider.
func (s *VerificationJobStore) SendVerificationEmail(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errMissingUserID
	}
	body := map[string]string{
		"user_id":   userID,
		"client_id": s.clientID,
	}
	return s.requester.Post(ctx, verificationEmailPath, body, nil)
}

func userPath(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errMissingUserID
	}
	return usersPath + url.PathEscape(id), nil
}
