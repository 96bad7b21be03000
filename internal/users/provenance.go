package users

// Provenance describes where an account's identity is authoritative.
type Provenance int

const (
	// ProvenanceLocalOnly accounts have no external identity and verify passwords locally.
	ProvenanceLocalOnly Provenance = iota
	// ProvenanceProviderBacked accounts verify credentials at the provider; the local password is unusable.
	ProvenanceProviderBacked
	// ProvenanceHybrid accounts were migrated: they have an external identity and a usable local password.
	ProvenanceHybrid
)

func provenanceOf(user *User) Provenance {
	switch {
	case user.Subject() == "":
		return ProvenanceLocalOnly
	case IsUsablePassword(user.Password):
		return ProvenanceHybrid
	default:
		return ProvenanceProviderBacked
	}
}

func (p Provenance) String() string {
	switch p {
	case ProvenanceLocalOnly:
		return "local"
	case ProvenanceProviderBacked:
		return "provider"
	case ProvenanceHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// localCredentials reports whether passwords are verified and stored locally.
func (p Provenance) localCredentials() bool {
	return p != ProvenanceProviderBacked
}

// remoteProfile reports whether a provider-side profile exists to read from and write to.
func (p Provenance) remoteProfile() bool {
	return p != ProvenanceLocalOnly
}
