package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"sublink-admin/internal/api"
	"sublink-admin/internal/config"
	"sublink-admin/internal/crypto"
	"sublink-admin/internal/database"
	"sublink-admin/internal/models"
	"sublink-admin/internal/services/iplookup"
	"sublink-admin/internal/services/notify"
	"sublink-admin/internal/services/progress"
	"sublink-admin/internal/services/scheduler"
	"sublink-admin/internal/services/session"
	"sublink-admin/internal/services/stream"
)

// App struct - main application state
type App struct {
	ctx context.Context
	cfg *config.Config
	db  *gorm.DB

	apiClient *api.Client
	stream    *stream.Client

	sessionController *session.Controller
	notifyService     *notify.Service
	progressStore     *progress.Store
	iplookupService   *iplookup.Service
	schedulerService  *scheduler.Service
}

// NewApp creates a new App application struct
func NewApp(cfg *config.Config) *App {
	return &App{cfg: cfg}
}

// startup wires services together and starts the background machinery.
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	log.Println("Application starting up...")

	// Initialize sealing (FATAL if this fails - remember tokens cannot be
	// stored without it)
	if err := crypto.InitSealing(); err != nil {
		log.Fatalf("FATAL: Sealing initialization failed: %v\nRemember tokens cannot be stored without sealing.", err)
	}
	log.Println("Sealing initialized successfully")

	// Initialize database
	db, err := database.Init(a.cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	a.db = db
	log.Println("Database initialized successfully")

	// API client and event stream
	a.apiClient = api.NewClient(a.cfg.Server.BaseURL, a.cfg.RequestTimeout())
	a.stream = stream.NewClient(a.cfg.Server.BaseURL, stream.Options{
		HeartbeatTimeout: a.cfg.HeartbeatTimeout(),
		ReconnectDelay:   a.cfg.ReconnectDelay(),
	})

	// Services
	a.notifyService, err = notify.NewService(db, a.cfg.Notify.MaxRecords)
	if err != nil {
		log.Fatalf("Failed to initialize notification service: %v", err)
	}

	a.progressStore = progress.NewStore(a.apiClient, progress.Options{
		RemovalDelay: a.cfg.RemovalDelay(),
		EtaThreshold: a.cfg.EtaThreshold(),
	})

	a.iplookupService, err = iplookup.NewService(a.apiClient, db, iplookup.Options{
		TTL:      a.cfg.IPCacheTTL(),
		Capacity: a.cfg.IPLookup.Capacity,
	})
	if err != nil {
		log.Fatalf("Failed to initialize ip lookup service: %v", err)
	}

	a.sessionController = session.NewController(
		a.apiClient,
		session.NewPersistentTokenStore(db),
		a.stream,
	)

	// Route stream events to their consumers
	a.stream.OnEvent(stream.EventTaskProgress, a.progressStore.HandleProgressEvent)
	a.stream.OnEvent(stream.EventTaskUpdate, a.notifyService.HandleTaskUpdate)
	a.stream.OnEvent(stream.EventSubUpdate, a.notifyService.HandleSubUpdate)

	// Terminal tasks become history records and notifications
	a.progressStore.OnComplete(a.recordCompletion)

	historyRetention := time.Duration(a.cfg.Database.HistoryRetentionDays) * 24 * time.Hour
	a.schedulerService = scheduler.NewService(db, a.apiClient, a.iplookupService, historyRetention)
	if err := a.schedulerService.Start(); err != nil {
		log.Printf("WARNING: Failed to start scheduler: %v", err)
	} else {
		log.Println("Scheduler service initialized and started")
	}

	log.Println("Startup complete")
}

// shutdown is called when the app is closing
func (a *App) shutdown(ctx context.Context) {
	log.Println("Application shutting down...")

	if a.schedulerService != nil {
		a.schedulerService.Stop()
	}
	if a.stream != nil {
		a.stream.Disconnect()
	}
	if err := database.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}

	log.Println("Shutdown complete")
}

// recordCompletion persists a terminal task snapshot and surfaces it in the
// notification feed.
func (a *App) recordCompletion(c progress.Completion) {
	task, ok := a.progressStore.Get(c.TaskID)
	if !ok {
		return
	}

	record := models.TaskRecord{
		ID:         c.TaskID,
		TaskType:   c.TaskType,
		TaskName:   c.TaskName,
		Status:     string(c.Status),
		Current:    task.Current,
		Total:      task.Total,
		Result:     string(c.Result),
		StartedAt:  task.StartTime,
		FinishedAt: time.Now(),
	}
	if err := a.db.Save(&record).Error; err != nil {
		log.Printf("Failed to persist task record %s: %v", c.TaskID, err)
	}

	title := c.TaskName
	if title == "" {
		title = c.TaskType
	}
	kind := models.KindSuccess
	message := "Task completed"
	switch c.Status {
	case progress.StatusError:
		kind = models.KindError
		message = "Task failed"
	case progress.StatusCancelled:
		kind = models.KindWarning
		message = "Task cancelled"
	}
	if _, err := a.notifyService.Add(kind, title, message); err != nil {
		log.Printf("Failed to add completion notification: %v", err)
	}
}

// ====================================================================================
// BOUND METHODS - Exposed to the UI layer
// ====================================================================================

// Session Methods

// Initialize restores a saved session, returning the resulting state.
func (a *App) Initialize() string {
	return string(a.sessionController.Initialize())
}

// Login performs an interactive login.
func (a *App) Login(username, password, captchaToken string, remember bool) session.LoginResult {
	return a.sessionController.Login(username, password, captchaToken, remember)
}

// Logout tears the session down.
func (a *App) Logout() {
	a.sessionController.Logout()
}

// SessionState returns the current authentication state.
func (a *App) SessionState() string {
	return string(a.sessionController.State())
}

// CurrentUser returns the authenticated profile, nil when logged out.
func (a *App) CurrentUser() *api.User {
	return a.sessionController.CurrentUser()
}

// Notification Methods

// ListNotifications returns the notification feed, newest first.
func (a *App) ListNotifications() []models.Notification {
	return a.notifyService.List()
}

// UnreadNotificationCount returns the number of unread notifications.
func (a *App) UnreadNotificationCount() int {
	return a.notifyService.UnreadCount()
}

// MarkNotificationRead flags one notification as read.
func (a *App) MarkNotificationRead(id string) error {
	return a.notifyService.MarkRead(id)
}

// MarkAllNotificationsRead flags every notification as read.
func (a *App) MarkAllNotificationsRead() error {
	return a.notifyService.MarkAllRead()
}

// RemoveNotification deletes one notification.
func (a *App) RemoveNotification(id string) error {
	return a.notifyService.Remove(id)
}

// ClearNotifications empties the notification feed.
func (a *App) ClearNotifications() error {
	return a.notifyService.ClearAll()
}

// Task Progress Methods

// ListTasks returns the tracked tasks, oldest start first.
func (a *App) ListTasks() []progress.Task {
	return a.progressStore.TaskList()
}

// StopTask requests cancellation of a running task.
func (a *App) StopTask(taskID string) error {
	return a.progressStore.StopTask(taskID)
}

// IsStoppingTask reports whether a stop intent is pending for a task.
func (a *App) IsStoppingTask(taskID string) bool {
	return a.progressStore.IsStopping(taskID)
}

// HasActiveTasks reports whether any task is currently tracked.
func (a *App) HasActiveTasks() bool {
	return a.progressStore.HasActiveTasks()
}

// OverallTaskPercent returns the mean completion percentage.
func (a *App) OverallTaskPercent() int {
	return a.progressStore.OverallPercent()
}

// TaskHistory returns persisted terminal task snapshots, newest first.
func (a *App) TaskHistory(limit int) ([]models.TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []models.TaskRecord
	if err := a.db.Order("finished_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load task history: %w", err)
	}
	return records, nil
}

// Backend Action Methods

// StartSpeedTest launches a speed test; progress arrives on the stream.
func (a *App) StartSpeedTest(nodeIDs []string) (string, error) {
	return a.apiClient.StartSpeedTest(nodeIDs)
}

// RefreshSubscription launches a refresh of one subscription source.
func (a *App) RefreshSubscription(subscriptionID string) (string, error) {
	return a.apiClient.RefreshSubscription(subscriptionID)
}

// ApplyTagRules launches a tag-rule application run.
func (a *App) ApplyTagRules(ruleID string) (string, error) {
	return a.apiClient.ApplyTagRules(ruleID)
}

// ListNodes lists all proxy nodes.
func (a *App) ListNodes() ([]api.Node, error) {
	return a.apiClient.ListNodes()
}

// ListSubscriptions lists all subscription sources.
func (a *App) ListSubscriptions() ([]api.Subscription, error) {
	return a.apiClient.ListSubscriptions()
}

// LookupIP resolves geo/ISP information for a node exit IP, cached.
func (a *App) LookupIP(ip string) (*api.IPInfo, error) {
	return a.iplookupService.Lookup(ip)
}

// Preference Methods

// GetPreference returns a stored preference value, empty when unset.
func (a *App) GetPreference(key string) (string, error) {
	var pref models.Preference
	err := a.db.First(&pref, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load preference %s: %w", key, err)
	}
	return pref.Value, nil
}

// SetPreference stores a preference value.
func (a *App) SetPreference(key, value string) error {
	pref := models.Preference{Key: key, Value: value}
	if err := a.db.Save(&pref).Error; err != nil {
		return fmt.Errorf("failed to save preference %s: %w", key, err)
	}
	return nil
}

// DismissDialog records that a one-time informational dialog was dismissed.
func (a *App) DismissDialog(dialogID string) error {
	return a.SetPreference(models.PrefDismissedPrefix+dialogID, "1")
}

// IsDialogDismissed reports whether a dialog was previously dismissed.
func (a *App) IsDialogDismissed(dialogID string) bool {
	value, err := a.GetPreference(models.PrefDismissedPrefix + dialogID)
	if err != nil {
		log.Printf("Failed to check dismissed flag for %s: %v", dialogID, err)
		return false
	}
	return value != ""
}

// Scheduled Job Methods

// ListScheduledJobs retrieves all scheduled jobs
func (a *App) ListScheduledJobs() ([]scheduler.JobListResponse, error) {
	return a.schedulerService.ListJobs()
}

// UpsertScheduledJob creates or updates a scheduled job
func (a *App) UpsertScheduledJob(req scheduler.UpsertJobRequest) (string, error) {
	return a.schedulerService.UpsertJob(req)
}

// DeleteScheduledJob removes a scheduled job
func (a *App) DeleteScheduledJob(jobID string) error {
	return a.schedulerService.DeleteJob(jobID)
}
