package users

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

const (
	maxUsernameLength = 150
	maxNameLength     = 200
)

// User is the local record kept for every account, whether or not an external identity backs it.
type User struct {
	ID            uint64  `gorm:"column:id;primaryKey;autoIncrement"`
	Username      string  `gorm:"column:username;size:150;not null;uniqueIndex"`
	Password      string  `gorm:"column:password;size:128;not null"`
	ExternalID    *string `gorm:"column:external_id;size:190;uniqueIndex"`
	Email         string  `gorm:"column:email;size:254"`
	Name          string  `gorm:"column:name;size:200"`
	EmailVerified bool    `gorm:"column:email_verified;not null;default:false"`
	IsSocial      bool    `gorm:"column:is_social;not null;default:false"`
	// ProfileOverride replaces the remote profile fetch when set.
	ProfileOverride datatypes.JSON `gorm:"column:profile_override"`
	CreatedAt       time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing local user records.
func (User) TableName() string {
	return "users"
}

// Subject returns the external subject id or an empty string.
func (u User) Subject() string {
	if u.ExternalID == nil {
		return ""
	}
	return *u.ExternalID
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func stringPointer(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
