package models

import (
	"time"
)

// Well-known preference keys.
const (
	PrefPanelPosition   = "panel_position" // UI positional preference
	PrefRememberToken   = "remember_token" // AES-GCM sealed remember token
	PrefDismissedPrefix = "dismissed:"     // one-time informational dialog flags
)

// Preference is a single persisted client-side setting (UI position,
// dismissed dialog flags, sealed tokens).
type Preference struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Preference) TableName() string {
	return "preferences"
}
