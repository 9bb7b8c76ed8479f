package models

import (
	"time"

	"gorm.io/datatypes"
)

// Connection records one granted network access window for a device. Many
// connections reference the same device over its lifetime. A connection is
// immutable once closed except for the final counter snapshot taken while it
// was open.
type Connection struct {
	BaseModel

	UserID   string `gorm:"type:uuid;not null;index" json:"user_id"`
	DeviceID string `gorm:"type:uuid;not null;index" json:"device_id"`

	User   *User   `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Device *Device `gorm:"foreignKey:DeviceID" json:"device,omitempty"`

	IPAddress string `json:"ip_address"`

	StartedAt time.Time  `gorm:"not null;index" json:"started_at"`
	ClosedAt  *time.Time `gorm:"index" json:"closed_at,omitempty"`

	BytesIn    int64 `gorm:"not null;default:0" json:"bytes_in"`
	BytesOut   int64 `gorm:"not null;default:0" json:"bytes_out"`
	PacketsIn  int64 `gorm:"not null;default:0" json:"packets_in"`
	PacketsOut int64 `gorm:"not null;default:0" json:"packets_out"`

	Metadata datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
}

// Open reports whether the connection is still accumulating counters.
func (c *Connection) Open() bool {
	return c.ClosedAt == nil
}
