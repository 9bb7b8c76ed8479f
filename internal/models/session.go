package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session stores the server-side half of a credential pair: the rotating
// refresh token. At most one currently valid refresh token exists per session;
// rotation retires the old value into PrevRefreshToken so a replayed token can
// be distinguished from an unknown one.
type Session struct {
	ID     string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID string `gorm:"type:uuid;not null;index" json:"user_id"`
	User   *User  `gorm:"foreignKey:UserID" json:"user,omitempty"`

	DeviceID *string `gorm:"type:uuid;index" json:"device_id,omitempty"`
	Device   *Device `gorm:"foreignKey:DeviceID" json:"device,omitempty"`

	RefreshToken     string `gorm:"uniqueIndex;not null" json:"-"`
	PrevRefreshToken string `gorm:"index" json:"-"`

	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`

	ExpiresAt  time.Time  `gorm:"index" json:"expires_at"`
	LastUsedAt time.Time  `json:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at"`
}

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}
