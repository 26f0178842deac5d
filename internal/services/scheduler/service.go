// Package scheduler runs recurring backend actions (subscription refreshes,
// node speed tests) and local maintenance on cron schedules.
package scheduler

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"sublink-admin/internal/api"
	"sublink-admin/internal/models"
)

// TaskLauncher starts backend tasks on behalf of scheduled jobs.
// Satisfied by *api.Client.
type TaskLauncher interface {
	RefreshSubscription(subscriptionID string) (string, error)
	StartSpeedTest(nodeIDs []string) (string, error)
	ListSubscriptions() ([]api.Subscription, error)
}

// Pruner drops expired cached data during maintenance runs.
type Pruner interface {
	Prune() int
}

// Service handles scheduled job management and execution
type Service struct {
	db       *gorm.DB
	cron     *cron.Cron
	jobs     map[string]cron.EntryID // jobID -> cron entry ID
	jobsMu   sync.RWMutex
	launcher TaskLauncher
	ipCache  Pruner

	historyRetention time.Duration
}

// NewService creates a new scheduler service
func NewService(db *gorm.DB, launcher TaskLauncher, ipCache Pruner, historyRetention time.Duration) *Service {
	// Create cron scheduler with seconds support
	c := cron.New(cron.WithSeconds())

	return &Service{
		db:               db,
		cron:             c,
		jobs:             make(map[string]cron.EntryID),
		launcher:         launcher,
		ipCache:          ipCache,
		historyRetention: historyRetention,
	}
}

// Start initializes the scheduler and loads enabled jobs from database
func (s *Service) Start() error {
	log.Println("Starting scheduler...")

	// Start the cron scheduler
	s.cron.Start()

	// Load all enabled jobs from database
	var jobs []models.ScheduledJob
	if err := s.db.Where("enabled = ?", true).Find(&jobs).Error; err != nil {
		return fmt.Errorf("failed to load scheduled jobs: %w", err)
	}

	for _, job := range jobs {
		if err := s.scheduleJob(&job); err != nil {
			log.Printf("WARNING: Failed to schedule job %s (%s): %v", job.Name, job.ID, err)
		} else {
			log.Printf("Scheduled job: %s (%s) with cron: %s", job.Name, job.ID, job.Cron)
		}
	}

	log.Printf("Scheduler started with %d enabled jobs", len(jobs))
	return nil
}

// Stop gracefully stops the scheduler
func (s *Service) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		log.Println("Scheduler stopped")
	}
}

// ListJobs retrieves all scheduled jobs
func (s *Service) ListJobs() ([]JobListResponse, error) {
	var jobs []models.ScheduledJob
	if err := s.db.Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	responses := make([]JobListResponse, len(jobs))
	for i, job := range jobs {
		responses[i] = s.toJobListResponse(&job)
	}

	return responses, nil
}

// UpsertJob creates or updates a scheduled job
func (s *Service) UpsertJob(req UpsertJobRequest) (string, error) {
	// Validate required fields
	if req.Name == "" || req.JobType == "" || req.Cron == "" {
		return "", fmt.Errorf("name, job_type, and cron are required")
	}

	switch req.JobType {
	case JobSubUpdate, JobSpeedTest, JobMaintenance:
	default:
		return "", fmt.Errorf("unknown job type: %s", req.JobType)
	}

	// Normalize and validate cron expression (convert 5-field to 6-field)
	normalizedCron, err := normalizeCron(req.Cron)
	if err != nil {
		return "", err
	}
	req.Cron = normalizedCron

	// Find or create job
	var job models.ScheduledJob
	result := s.db.Where("name = ?", req.Name).First(&job)

	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			job = models.ScheduledJob{Name: req.Name}
		} else {
			return "", fmt.Errorf("failed to query job: %w", result.Error)
		}
	}

	// Update job fields
	job.JobType = req.JobType
	job.Cron = req.Cron
	job.Timezone = req.Timezone
	if job.Timezone == "" {
		job.Timezone = "UTC"
	}
	job.Enabled = req.Enabled

	// Handle payload
	payloadStr := ""
	if req.Payload != nil {
		switch p := req.Payload.(type) {
		case string:
			payloadStr = p
		default:
			data, err := json.Marshal(p)
			if err != nil {
				return "", fmt.Errorf("failed to marshal payload: %w", err)
			}
			payloadStr = string(data)
		}
	}
	job.Payload = payloadStr

	// Calculate next run time (cron parser uses the 6-field format stored in DB)
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(job.Cron)
	if err != nil {
		return "", fmt.Errorf("failed to parse cron for next run: %w", err)
	}
	nextRun := schedule.Next(time.Now())
	job.NextRunAt = &nextRun

	// Save to database
	if result.Error == gorm.ErrRecordNotFound {
		if err := s.db.Create(&job).Error; err != nil {
			return "", fmt.Errorf("failed to create job: %w", err)
		}
	} else {
		if err := s.db.Save(&job).Error; err != nil {
			return "", fmt.Errorf("failed to update job: %w", err)
		}
	}

	// Reschedule in cron
	if err := s.rescheduleJob(job.ID); err != nil {
		return "", fmt.Errorf("failed to reschedule job: %w", err)
	}

	return job.ID, nil
}

// DeleteJob removes a scheduled job
func (s *Service) DeleteJob(jobID string) error {
	// Remove from cron if exists
	s.jobsMu.Lock()
	if entryID, exists := s.jobs[jobID]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, jobID)
	}
	s.jobsMu.Unlock()

	// Delete from database
	if err := s.db.Delete(&models.ScheduledJob{}, "id = ?", jobID).Error; err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	return nil
}

// scheduleJob adds a job to the cron scheduler
func (s *Service) scheduleJob(job *models.ScheduledJob) error {
	if !job.Enabled {
		return nil
	}

	// Remove existing entry if present
	s.jobsMu.Lock()
	if entryID, exists := s.jobs[job.ID]; exists {
		s.cron.Remove(entryID)
	}
	s.jobsMu.Unlock()

	jobID := job.ID
	entryID, err := s.cron.AddFunc(job.Cron, func() {
		s.executeJob(jobID)
	})

	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.jobsMu.Lock()
	s.jobs[job.ID] = entryID
	s.jobsMu.Unlock()

	return nil
}

// rescheduleJob reloads a job from database and reschedules it
func (s *Service) rescheduleJob(jobID string) error {
	var job models.ScheduledJob
	if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			// Job was deleted, remove from cron
			s.jobsMu.Lock()
			if entryID, exists := s.jobs[jobID]; exists {
				s.cron.Remove(entryID)
				delete(s.jobs, jobID)
			}
			s.jobsMu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to load job: %w", err)
	}

	if !job.Enabled {
		s.jobsMu.Lock()
		if entryID, exists := s.jobs[jobID]; exists {
			s.cron.Remove(entryID)
			delete(s.jobs, jobID)
		}
		s.jobsMu.Unlock()
		return nil
	}

	return s.scheduleJob(&job)
}

// executeJob runs a scheduled job
func (s *Service) executeJob(jobID string) {
	log.Printf("Executing scheduled job: %s", jobID)

	// Load job from database
	var job models.ScheduledJob
	if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
		log.Printf("ERROR: Failed to load job %s: %v", jobID, err)
		return
	}

	// Update last run time
	now := time.Now()
	job.LastRunAt = &now

	// Calculate next run time (cron parser uses the 6-field format stored in DB)
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(job.Cron)
	if err != nil {
		log.Printf("WARNING: Failed to parse cron for next run: %v", err)
	} else {
		nextRun := schedule.Next(now)
		job.NextRunAt = &nextRun
	}

	if err := s.db.Save(&job).Error; err != nil {
		log.Printf("WARNING: Failed to update job run times: %v", err)
	}

	// Execute based on job type
	switch job.JobType {
	case JobSubUpdate:
		s.runSubUpdateJob(job.Payload)
	case JobSpeedTest:
		s.runSpeedTestJob(job.Payload)
	case JobMaintenance:
		s.runMaintenanceJob()
	default:
		log.Printf("WARNING: Unknown job type: %s", job.JobType)
	}

	log.Printf("Completed scheduled job: %s", jobID)
}

// runSubUpdateJob refreshes one subscription, or every enabled one when the
// payload names none. Progress arrives back over the event stream.
func (s *Service) runSubUpdateJob(payload string) {
	var p SubUpdatePayload
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			log.Printf("ERROR: Failed to parse sub_update payload: %v", err)
			return
		}
	}

	if p.SubscriptionID != "" {
		if taskID, err := s.launcher.RefreshSubscription(p.SubscriptionID); err != nil {
			log.Printf("ERROR: Failed to refresh subscription %s: %v", p.SubscriptionID, err)
		} else {
			log.Printf("Subscription refresh started (task: %s)", taskID)
		}
		return
	}

	subs, err := s.launcher.ListSubscriptions()
	if err != nil {
		log.Printf("ERROR: Failed to list subscriptions: %v", err)
		return
	}
	for _, sub := range subs {
		if !sub.Enabled {
			continue
		}
		if taskID, err := s.launcher.RefreshSubscription(sub.ID); err != nil {
			log.Printf("WARNING: Failed to refresh subscription %s: %v", sub.Name, err)
		} else {
			log.Printf("Subscription %s refresh started (task: %s)", sub.Name, taskID)
		}
	}
}

// runSpeedTestJob launches a node speed test.
func (s *Service) runSpeedTestJob(payload string) {
	var p SpeedTestPayload
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			log.Printf("ERROR: Failed to parse speed_test payload: %v", err)
			return
		}
	}

	taskID, err := s.launcher.StartSpeedTest(p.NodeIDs)
	if err != nil {
		log.Printf("ERROR: Failed to start speed test: %v", err)
		return
	}
	log.Printf("Speed test started (task: %s)", taskID)
}

// runMaintenanceJob prunes expired IP cache entries and old task history.
func (s *Service) runMaintenanceJob() {
	if s.ipCache != nil {
		pruned := s.ipCache.Prune()
		log.Printf("Maintenance: pruned %d expired ip cache entries", pruned)
	}

	if s.historyRetention > 0 {
		cutoff := time.Now().Add(-s.historyRetention)
		result := s.db.Where("finished_at < ?", cutoff).Delete(&models.TaskRecord{})
		if result.Error != nil {
			log.Printf("WARNING: Failed to prune task history: %v", result.Error)
		} else {
			log.Printf("Maintenance: pruned %d task history records", result.RowsAffected)
		}
	}
}

// normalizeCron converts 5-field cron to 6-field format by prepending seconds
// 5-field: "minute hour day month dow" (standard cron)
// 6-field: "second minute hour day month dow" (robfig/cron with WithSeconds)
func normalizeCron(cronExpr string) (string, error) {
	// Trim whitespace
	cronExpr = strings.TrimSpace(cronExpr)

	// Check if it's already 6-field
	fields := strings.Fields(cronExpr)
	if len(fields) == 6 {
		// Already 6-field, try to validate it
		parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(cronExpr); err == nil {
			return cronExpr, nil // Valid 6-field expression
		}
	}

	// Assume 5-field, validate and convert
	if len(fields) == 5 {
		// Validate as standard 5-field cron
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return "", fmt.Errorf("invalid 5-field cron expression: %w", err)
		}
		// Prepend seconds (0 = run at 0 seconds of the minute)
		return "0 " + cronExpr, nil
	}

	return "", fmt.Errorf("invalid cron expression: expected 5 or 6 fields, got %d", len(fields))
}

func (s *Service) toJobListResponse(job *models.ScheduledJob) JobListResponse {
	resp := JobListResponse{
		ID:        job.ID,
		Name:      job.Name,
		JobType:   job.JobType,
		Cron:      job.Cron,
		Timezone:  job.Timezone,
		Enabled:   job.Enabled,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
	}

	if job.LastRunAt != nil {
		lastRun := job.LastRunAt.Format(time.RFC3339)
		resp.LastRunAt = &lastRun
	}

	if job.NextRunAt != nil {
		nextRun := job.NextRunAt.Format(time.RFC3339)
		resp.NextRun = &nextRun
	}

	return resp
}
