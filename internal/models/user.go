package models

import "time"

// User mirrors the identity asserted by the external identity provider.
// sessiond never authenticates credentials itself; rows are created on the
// first session hand-off for a subject.
type User struct {
	BaseModel

	Subject    string     `gorm:"uniqueIndex;not null" json:"subject"`
	Email      string     `gorm:"index" json:"email"`
	IsAdmin    bool       `gorm:"default:false" json:"is_admin"`
	IsActive   bool       `gorm:"default:true" json:"is_active"`
	LastSeenAt *time.Time `json:"last_seen_at"`
}
