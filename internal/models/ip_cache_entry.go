package models

import (
	"time"
)

// IPCacheEntry caches the geo/ISP lookup result for a node exit IP.
// Entries expire after the configured TTL and the table is capped, with the
// oldest fetch evicted on overflow.
type IPCacheEntry struct {
	IP        string    `gorm:"primaryKey" json:"ip"`
	Country   string    `json:"country"`
	City      string    `json:"city"`
	ISP       string    `gorm:"column:isp" json:"isp"`
	FetchedAt time.Time `gorm:"not null" json:"fetched_at"`
}

// TableName specifies the table name for GORM
func (IPCacheEntry) TableName() string {
	return "ip_cache"
}
