package scheduler

// Job types known to the scheduler.
const (
	JobSubUpdate   = "sub_update"
	JobSpeedTest   = "speed_test"
	JobMaintenance = "maintenance"
)

// JobListResponse represents a scheduled job in list responses
type JobListResponse struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	JobType   string  `json:"job_type"`
	Cron      string  `json:"cron"`
	Timezone  string  `json:"timezone"`
	Enabled   bool    `json:"enabled"`
	LastRunAt *string `json:"last_run_at"` // ISO 8601 format
	NextRun   *string `json:"next_run"`    // ISO 8601 format
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

// UpsertJobRequest represents a request to create or update a scheduled job
type UpsertJobRequest struct {
	Name     string      `json:"name"`
	JobType  string      `json:"job_type"` // sub_update, speed_test, maintenance
	Cron     string      `json:"cron"`
	Timezone string      `json:"timezone"`
	Enabled  bool        `json:"enabled"`
	Payload  interface{} `json:"payload"` // Can be map or string
}

// SubUpdatePayload selects which subscription a sub_update job refreshes.
// An empty SubscriptionID refreshes every enabled subscription.
type SubUpdatePayload struct {
	SubscriptionID string `json:"subscription_id"`
}

// SpeedTestPayload selects which nodes a speed_test job measures.
// Empty NodeIDs means all nodes.
type SpeedTestPayload struct {
	NodeIDs []string `json:"node_ids"`
}
