package models

import "time"

// RefreshToken stores a single member of a session's token family. Only the
// SHA-256 hash of the token ever touches the database. UsedAt is set the
// instant a token is redeemed; a second redemption of the same row is the
// canonical theft signal and revokes the whole family.
type RefreshToken struct {
	BaseModel

	SessionID string     `gorm:"type:uuid;not null;index" json:"session_id"`
	Session   *Session   `gorm:"foreignKey:SessionID" json:"session,omitempty"`
	TokenHash string     `gorm:"uniqueIndex;not null" json:"-"`
	IssuedAt  time.Time  `gorm:"not null" json:"issued_at"`
	ExpiresAt time.Time  `gorm:"index" json:"expires_at"`
	UsedAt    *time.Time `json:"used_at"`
}
