package models

import (
	"time"
)

// Fingerprint kinds recorded on a device. A hardware fingerprint comes from
// an observed MAC address; a derived fingerprint is the documented fallback
// hashed from the network address and client signature, which is stable but
// spoofable.
const (
	FingerprintHardware = "hardware"
	FingerprintDerived  = "derived"
)

// Device is a physical client owned by exactly one user for its lifetime.
//
// The count of devices with Active=true per user never exceeds the configured
// quota; admission enforces this inside a single transaction.
type Device struct {
	BaseModel

	UserID string `gorm:"type:uuid;not null;index;uniqueIndex:idx_devices_user_fingerprint" json:"user_id"`
	User   *User  `gorm:"foreignKey:UserID" json:"user,omitempty"`

	// Fingerprint is the normalized hardware identity (or its derived
	// approximation) that admission resolves devices by.
	Fingerprint     string `gorm:"not null;uniqueIndex:idx_devices_user_fingerprint" json:"fingerprint"`
	FingerprintKind string `gorm:"type:varchar(16);not null;default:hardware" json:"fingerprint_kind"`

	Name      string `json:"name"`
	IPAddress string `gorm:"index" json:"ip_address"`

	Active     bool       `gorm:"default:true;index" json:"active"`
	LastSeenAt time.Time  `gorm:"index" json:"last_seen_at"`
	GrantedAt  *time.Time `json:"granted_at,omitempty"`

	Connections []Connection `gorm:"foreignKey:DeviceID" json:"-"`
}
