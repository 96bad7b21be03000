package users

import (
	"encoding/json"
	"strings"
)

const (
	metadataKey          = "user_metadata"
	metadataAddressesKey = "addresses"
)

// ProfileSnapshot is the effective profile of an account: the override, the
// provider's claims, or an empty mapping.
type ProfileSnapshot struct {
	claims map[string]any
}

// NewProfileSnapshot wraps raw provider claims.
func NewProfileSnapshot(claims map[string]any) ProfileSnapshot {
	if claims == nil {
		claims = map[string]any{}
	}
	return ProfileSnapshot{claims: claims}
}

func snapshotFromJSON(raw []byte) (ProfileSnapshot, error) {
	claims := map[string]any{}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return ProfileSnapshot{}, err
	}
	return NewProfileSnapshot(claims), nil
}

// Claims returns a shallow copy of the raw claims.
func (p ProfileSnapshot) Claims() map[string]any {
	copied := make(map[string]any, len(p.claims))
	for key, value := range p.claims {
		copied[key] = value
	}
	return copied
}

// Empty reports whether the snapshot carries no claims at all.
func (p ProfileSnapshot) Empty() bool {
	return len(p.claims) == 0
}

func (p ProfileSnapshot) String(key string) string {
	value, _ := p.claims[key].(string)
	return strings.TrimSpace(value)
}

func (p ProfileSnapshot) Email() string {
	return p.String("email")
}

func (p ProfileSnapshot) Name() string {
	return p.String("name")
}

func (p ProfileSnapshot) FirstName() string {
	return p.String("given_name")
}

func (p ProfileSnapshot) LastName() string {
	return p.String("family_name")
}

func (p ProfileSnapshot) Nickname() string {
	return p.String("nickname")
}

func (p ProfileSnapshot) EmailVerified() bool {
	switch value := p.claims["email_verified"].(type) {
	case bool:
		return value
	case string:
		return strings.EqualFold(value, "true")
	default:
		return false
	}
}

// Connection names the provider connection of the primary identity.
func (p ProfileSnapshot) Connection() string {
	identity := p.primaryIdentity()
	value, _ := identity["connection"].(string)
	return value
}

// IsSocial reports the primary identity's social flag when the profile carries one.
func (p ProfileSnapshot) IsSocial() (bool, bool) {
	identity := p.primaryIdentity()
	value, ok := identity["isSocial"].(bool)
	return value, ok
}

// Metadata returns a copy of user_metadata so callers can modify and resend it whole.
func (p ProfileSnapshot) Metadata() map[string]any {
	metadata, _ := p.claims[metadataKey].(map[string]any)
	copied := make(map[string]any, len(metadata)+1)
	for key, value := range metadata {
		copied[key] = value
	}
	return copied
}

// Address returns the first stored address, if any.
func (p ProfileSnapshot) Address() (Address, bool) {
	metadata, _ := p.claims[metadataKey].(map[string]any)
	switch stored := metadata[metadataAddressesKey].(type) {
	case []any:
		for _, entry := range stored {
			if fields, ok := entry.(map[string]any); ok {
				return AddressFromProviderJSON(fields), true
			}
		}
	case map[string]any:
		return AddressFromProviderJSON(stored), true
	}
	return Address{}, false
}

// replacePrimaryAddress returns the stored address list with the entry read by
// Address swapped for replacement. Other entries keep their positions.
func replacePrimaryAddress(stored any, replacement map[string]any) []any {
	entries, ok := stored.([]any)
	if !ok {
		return []any{replacement}
	}
	updated := make([]any, len(entries))
	copy(updated, entries)
	for index, entry := range updated {
		if _, ok := entry.(map[string]any); ok {
			updated[index] = replacement
			return updated
		}
	}
	return append([]any{replacement}, updated...)
}

func (p ProfileSnapshot) primaryIdentity() map[string]any {
	identities, _ := p.claims["identities"].([]any)
	if len(identities) == 0 {
		return nil
	}
	identity, _ := identities[0].(map[string]any)
	return identity
}
