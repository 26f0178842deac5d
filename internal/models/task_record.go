package models

import (
	"time"
)

// TaskRecord is the persisted snapshot of a backend task that reached a
// terminal status. The live progress map is in-memory only; this table keeps
// the history the dashboard shows after the fact.
type TaskRecord struct {
	ID         string    `gorm:"primaryKey" json:"id"` // backend task ID
	TaskType   string    `gorm:"not null;column:task_type" json:"task_type"` // speed_test, tag_rule, sub_update, other
	TaskName   string    `gorm:"column:task_name" json:"task_name"`
	Status     string    `gorm:"not null" json:"status"` // completed, error, cancelled
	Current    int       `gorm:"not null;default:0" json:"current"`
	Total      int       `gorm:"not null;default:0" json:"total"`
	Result     string    `gorm:"type:text" json:"result"` // JSON blob, shape varies by task_type
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// TableName specifies the table name for GORM
func (TaskRecord) TableName() string {
	return "task_history"
}
