package models

import "time"

// DeviceTrustState tracks the standing of a fingerprinted device.
type DeviceTrustState string

const (
	DeviceUnverified          DeviceTrustState = "UNVERIFIED"
	DevicePendingVerification DeviceTrustState = "PENDING_VERIFICATION"
	DeviceTrusted             DeviceTrustState = "TRUSTED"
	DeviceRevoked             DeviceTrustState = "REVOKED"
)

// Device represents one fingerprinted client of a user. The fingerprint hash
// is derived from stable request signals; REVOKED is terminal for a
// fingerprint and a re-appearing device must register a new row.
type Device struct {
	BaseModel

	UserID          string           `gorm:"type:uuid;not null;index:idx_devices_user_fp,unique" json:"user_id"`
	User            *User            `gorm:"foreignKey:UserID" json:"user,omitempty"`
	FingerprintHash string           `gorm:"not null;index:idx_devices_user_fp,unique" json:"-"`
	DisplayName     string           `json:"display_name"`
	TrustState      DeviceTrustState `gorm:"not null;default:UNVERIFIED;index" json:"trust_state"`
	RiskScore       int              `gorm:"not null;default:0" json:"risk_score"`
	FirstSeenAt     time.Time        `json:"first_seen_at"`
	LastSeenAt      time.Time        `gorm:"index" json:"last_seen_at"`
	LastIPAddress   string           `json:"last_ip_address"`
	LastUserAgent   string           `json:"last_user_agent"`
	TrustedAt       *time.Time       `json:"trusted_at"`
	DeactivatedAt   *time.Time       `json:"deactivated_at"`
}

// IsActive reports whether the device may still be used.
func (d *Device) IsActive() bool {
	return d.TrustState != DeviceRevoked && d.DeactivatedAt == nil
}
