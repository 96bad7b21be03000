package users

import (
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// unusablePasswordPrefix marks hashes that can never match a password.
const unusablePasswordPrefix = "!"

// UnusablePassword returns a marker stored for accounts whose credentials live at the provider.
func UnusablePassword() string {
	return unusablePasswordPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsUsablePassword reports whether hash can verify a password locally.
func IsUsablePassword(hash string) bool {
	return hash != "" && !strings.HasPrefix(hash, unusablePasswordPrefix)
}

func hashPassword(raw string, cost int) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func passwordMatches(hash, raw string) bool {
	if !IsUsablePassword(hash) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil
}
