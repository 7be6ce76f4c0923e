package models

import "time"

// TOTPSecret stores a user's authenticator secret, AES-256-GCM encrypted at
// rest. Used as an alternative device-verification method to emailed codes.
type TOTPSecret struct {
	BaseModel

	UserID          string     `gorm:"type:uuid;uniqueIndex;not null" json:"user_id"`
	User            *User      `gorm:"foreignKey:UserID" json:"user,omitempty"`
	EncryptedSecret string     `gorm:"not null" json:"-"`
	ConfirmedAt     *time.Time `json:"confirmed_at"`
}
