package models

import "time"

// VerificationMethod identifies the out-of-band channel used to prove
// possession of a device.
type VerificationMethod string

const (
	VerificationEmail VerificationMethod = "email"
	VerificationTOTP  VerificationMethod = "totp"
)

// DeviceVerification is a time-boxed one-time challenge issued while a device
// sits in PENDING_VERIFICATION. Codes are bcrypt-hashed; a small attempt
// budget guards against brute force and exhausting it locks the challenge for
// a cool-down window.
type DeviceVerification struct {
	BaseModel

	DeviceID    string             `gorm:"type:uuid;not null;index" json:"device_id"`
	Device      *Device            `gorm:"foreignKey:DeviceID" json:"device,omitempty"`
	UserID      string             `gorm:"type:uuid;not null;index" json:"user_id"`
	Method      VerificationMethod `gorm:"not null" json:"method"`
	CodeHash    string             `json:"-"`
	ExpiresAt   time.Time          `gorm:"index" json:"expires_at"`
	Attempts    int                `gorm:"not null;default:0" json:"attempts"`
	LockedUntil *time.Time         `json:"locked_until"`
	ConsumedAt  *time.Time         `json:"consumed_at"`
}
