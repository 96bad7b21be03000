package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/accounts/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationUnusableProviderPasswords = "2026-09-14_unusable_provider_passwords"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationUnusableProviderPasswords, apply: markProviderPasswordsUnusable},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// markProviderPasswordsUnusable replaces blank passwords on provider-linked
// rows so they can never verify locally.
func markProviderPasswordsUnusable(db *gorm.DB) error {
	var ids []uint64
	if err := db.Model(&users.User{}).
		Where("external_id IS NOT NULL AND password = ''").
		Pluck("id", &ids).Error; err != nil {
		return err
	}
	for _, id := range ids {
		if err := db.Model(&users.User{}).
			Where("id = ?", id).
			Update("password", users.UnusablePassword()).Error; err != nil {
			return err
		}
	}
	return nil
}
