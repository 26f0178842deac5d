package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Notification kinds, mirroring the severity levels the dashboard renders.
const (
	KindSuccess = "success"
	KindError   = "error"
	KindInfo    = "info"
	KindWarning = "warning"
)

// Notification is a user-facing notification derived from a stream event
type Notification struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Kind      string    `gorm:"not null;default:info" json:"kind"` // success, error, info, warning
	Title     string    `gorm:"not null" json:"title"`
	Message   string    `gorm:"type:text" json:"message"`
	Read      bool      `gorm:"not null;default:false" json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (n *Notification) BeforeCreate(tx *gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (Notification) TableName() string {
	return "notifications"
}
