package progress

import (
	"encoding/json"
	"math"
	"time"
)

// Status is the lifecycle state of a tracked backend task.
type Status string

const (
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Task types reported by the backend. Anything else is tracked as "other".
const (
	TypeSpeedTest = "speed_test"
	TypeTagRule   = "tag_rule"
	TypeSubUpdate = "sub_update"
	TypeOther     = "other"
)

// Task is the live progress record for one backend task.
type Task struct {
	TaskID      string          `json:"task_id"`
	TaskType    string          `json:"task_type"`
	TaskName    string          `json:"task_name,omitempty"`
	Status      Status          `json:"status"`
	Current     int             `json:"current"`
	Total       int             `json:"total"` // 0 means indeterminate
	CurrentItem string          `json:"current_item,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"` // shape varies by task type
	Message     string          `json:"message,omitempty"`
	Traffic     json.RawMessage `json:"traffic,omitempty"`
	StartTime   time.Time       `json:"start_time"`
	LastUpdate  time.Time       `json:"last_update"`
}

// Percent returns the completion percentage, 0 when total is indeterminate.
func (t Task) Percent() int {
	if t.Total <= 0 {
		return 0
	}
	return int(math.Round(float64(t.Current) / float64(t.Total) * 100))
}

// Elapsed returns the time since the task started.
func (t Task) Elapsed(now time.Time) time.Duration {
	if t.StartTime.IsZero() {
		return 0
	}
	return now.Sub(t.StartTime)
}

// RemainingEstimate extrapolates the remaining time from elapsed time and
// progress ratio. It returns ok=false until the ratio exceeds threshold:
// early estimates are noise.
func (t Task) RemainingEstimate(now time.Time, threshold float64) (time.Duration, bool) {
	if t.Total <= 0 || t.StartTime.IsZero() {
		return 0, false
	}
	ratio := float64(t.Current) / float64(t.Total)
	if ratio <= threshold || ratio >= 1 {
		return 0, false
	}
	elapsed := float64(t.Elapsed(now))
	return time.Duration(elapsed / ratio * (1 - ratio)), true
}

// Event is the task_progress payload pushed by the backend. The true
// protocol sends every field on every event; absent fields decode to zero
// values and overwrite, except startTime which merges (first value wins).
type Event struct {
	TaskID      string          `json:"taskId"`
	TaskType    string          `json:"taskType,omitempty"`
	TaskName    string          `json:"taskName,omitempty"`
	Status      string          `json:"status,omitempty"`
	Current     int             `json:"current,omitempty"`
	Total       int             `json:"total,omitempty"`
	CurrentItem string          `json:"currentItem,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Message     string          `json:"message,omitempty"`
	StartTime   int64           `json:"startTime,omitempty"` // epoch milliseconds
	Traffic     json.RawMessage `json:"traffic,omitempty"`
}

// Completion is handed to completion callbacks when a task reaches a
// terminal status.
type Completion struct {
	TaskID   string          `json:"task_id"`
	TaskType string          `json:"task_type"`
	TaskName string          `json:"task_name,omitempty"`
	Status   Status          `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
}
