package database

import (
	"gorm.io/gorm"

	"github.com/signaldesk/sessiond/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Device{},
		&models.Session{},
		&models.RefreshToken{},
		&models.CSRFToken{},
		&models.DeviceVerification{},
		&models.TOTPSecret{},
		&models.SecurityEvent{},
		&models.CacheEntry{},
	)
}
