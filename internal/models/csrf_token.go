package models

import "time"

// CSRFToken is an anti-forgery token bound 1:1 to the session that requested
// it. A token is never valid for a different session, even if guessed.
type CSRFToken struct {
	BaseModel

	SessionID  string    `gorm:"type:uuid;uniqueIndex;not null" json:"session_id"`
	Session    *Session  `gorm:"foreignKey:SessionID" json:"session,omitempty"`
	TokenValue string    `gorm:"not null" json:"-"`
	IssuedAt   time.Time `gorm:"not null" json:"issued_at"`
	ExpiresAt  time.Time `gorm:"index" json:"expires_at"`
}
