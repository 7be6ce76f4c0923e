package models

import "time"

// SessionState tracks the rotation lifecycle of a session.
type SessionState string

const (
	SessionActive   SessionState = "ACTIVE"
	SessionRotating SessionState = "ROTATING"
	SessionRevoked  SessionState = "REVOKED"
)

// RevocationReason explains why a session was terminated.
type RevocationReason string

const (
	RevocationLogout        RevocationReason = "logout"
	RevocationAdmin         RevocationReason = "admin"
	RevocationTokenReuse    RevocationReason = "token_reuse"
	RevocationDeviceRemoved RevocationReason = "device_removed"
	RevocationExpired       RevocationReason = "expired"
)

// Session binds a user and device to a rotating token pair. Exactly one
// unredeemed refresh token exists per session at any instant; only the
// rotation engine mutates token state.
type Session struct {
	BaseModel

	UserID             string            `gorm:"type:uuid;not null;index" json:"user_id"`
	User               *User             `gorm:"foreignKey:UserID" json:"user,omitempty"`
	DeviceID           string            `gorm:"type:uuid;not null;index" json:"device_id"`
	Device             *Device           `gorm:"foreignKey:DeviceID" json:"device,omitempty"`
	State              SessionState      `gorm:"not null;default:ACTIVE;index" json:"state"`
	IPAddress          string            `json:"ip_address"`
	UserAgent          string            `json:"user_agent"`
	LastRotatedAt      time.Time         `json:"last_rotated_at"`
	AccessTokenExpiry  time.Time         `json:"access_token_expiry"`
	RefreshTokenExpiry time.Time         `gorm:"index" json:"refresh_token_expiry"`
	RevokedAt          *time.Time        `json:"revoked_at"`
	RevocationReason   *RevocationReason `json:"revocation_reason"`
}

// IsActive reports whether the session can still be refreshed.
func (s *Session) IsActive(now time.Time) bool {
	return s.State != SessionRevoked && s.RevokedAt == nil && s.RefreshTokenExpiry.After(now)
}
