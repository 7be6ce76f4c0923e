package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventKind enumerates the security decisions worth auditing.
type EventKind string

const (
	EventCSRFInvalid        EventKind = "csrf_invalid"
	EventCSRFAttackDetected EventKind = "csrf_attack_detected"
	EventTokenReuseDetected EventKind = "token_reuse_detected"
	EventRotationFailed     EventKind = "rotation_failed"
	EventRotationCompleted  EventKind = "rotation_completed"
	EventSessionCreated     EventKind = "session_created"
	EventSessionRevoked     EventKind = "session_revoked"
	EventDeviceRegistered   EventKind = "device_registered"
	EventDeviceUntrusted    EventKind = "device_untrusted"
	EventDeviceTrusted      EventKind = "device_trusted"
	EventDeviceRevoked      EventKind = "device_revoked"
	EventVerificationIssued EventKind = "verification_issued"
	EventVerificationFailed EventKind = "verification_failed"
	EventVerificationLocked EventKind = "verification_locked"
	EventSuspiciousActivity EventKind = "suspicious_activity"
)

// EventSeverity ranks the urgency of a security event.
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityCritical EventSeverity = "critical"
)

// SecurityEvent is an append-only audit record. Rows are never mutated after
// creation; retention sweeps are the only deletion path.
type SecurityEvent struct {
	ID        string         `gorm:"primaryKey;type:uuid" json:"id"`
	Kind      EventKind      `gorm:"not null;index" json:"kind"`
	Severity  EventSeverity  `gorm:"not null;index" json:"severity"`
	UserID    *string        `gorm:"type:uuid;index" json:"user_id"`
	SessionID *string        `gorm:"type:uuid;index" json:"session_id"`
	DeviceID  *string        `gorm:"type:uuid;index" json:"device_id"`
	IPAddress string         `json:"ip_address"`
	UserAgent string         `json:"user_agent"`
	Context   datatypes.JSON `json:"context"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
}

func (e *SecurityEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}
