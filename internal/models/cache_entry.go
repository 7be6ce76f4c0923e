package models

import "time"

// CacheEntry backs the database cache.Store: rate-limit counters and other
// short-lived key/value state when no Redis is configured. A zero ExpiresAt
// pins the entry; the maintenance sweep only removes rows whose expiry has
// passed.
type CacheEntry struct {
	Key       string    `gorm:"primaryKey;size:256"`
	Value     []byte    `gorm:"type:blob"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
