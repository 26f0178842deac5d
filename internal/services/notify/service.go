// Package notify keeps the user-facing notification feed: stream events come
// in, capped and persisted notification records come out.
package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"sublink-admin/internal/models"
)

const defaultMaxRecords = 50

// Service is the notification store. The in-memory list (newest first) is the
// source of truth for reads; every mutation is written through to the
// database so the feed survives restarts.
type Service struct {
	db  *gorm.DB
	max int

	mu    sync.RWMutex
	items []*models.Notification
}

// NewService creates the store and rehydrates the feed from the database.
func NewService(db *gorm.DB, maxRecords int) (*Service, error) {
	if maxRecords <= 0 {
		maxRecords = defaultMaxRecords
	}
	s := &Service{db: db, max: maxRecords}

	var stored []*models.Notification
	if err := db.Order("created_at DESC").Find(&stored).Error; err != nil {
		return nil, fmt.Errorf("failed to load notifications: %w", err)
	}

	// Records written by old client versions can miss their timestamp;
	// patch them so ordering stays stable.
	for _, n := range stored {
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now()
			if err := db.Save(n).Error; err != nil {
				log.Printf("notify: failed to backfill timestamp for %s: %v", n.ID, err)
			}
		}
	}

	if len(stored) > maxRecords {
		for _, n := range stored[maxRecords:] {
			if err := db.Delete(n).Error; err != nil {
				log.Printf("notify: failed to trim notification %s: %v", n.ID, err)
			}
		}
		stored = stored[:maxRecords]
	}

	s.items = stored
	return s, nil
}

// Add appends a notification to the front of the feed, evicting the oldest
// record when the cap is exceeded.
func (s *Service) Add(kind, title, message string) (*models.Notification, error) {
	n := &models.Notification{
		Kind:      kind,
		Title:     title,
		Message:   message,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Create(n).Error; err != nil {
		return nil, fmt.Errorf("failed to persist notification: %w", err)
	}

	s.items = append([]*models.Notification{n}, s.items...)
	for len(s.items) > s.max {
		oldest := s.items[len(s.items)-1]
		s.items = s.items[:len(s.items)-1]
		if err := s.db.Delete(oldest).Error; err != nil {
			log.Printf("notify: failed to evict notification %s: %v", oldest.ID, err)
		}
	}
	return n, nil
}

// List returns the feed, newest first.
func (s *Service) List() []models.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Notification, len(s.items))
	for i, n := range s.items {
		out[i] = *n
	}
	return out
}

// UnreadCount returns the number of unread notifications.
func (s *Service) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, n := range s.items {
		if !n.Read {
			count++
		}
	}
	return count
}

// MarkRead flags one notification as read.
func (s *Service) MarkRead(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.items {
		if n.ID != id {
			continue
		}
		if n.Read {
			return nil
		}
		n.Read = true
		if err := s.db.Save(n).Error; err != nil {
			return fmt.Errorf("failed to persist read flag: %w", err)
		}
		return nil
	}
	return fmt.Errorf("notification %q not found", id)
}

// MarkAllRead flags every notification as read.
func (s *Service) MarkAllRead() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Model(&models.Notification{}).
		Where("read = ?", false).
		Update("read", true).Error; err != nil {
		return fmt.Errorf("failed to persist read flags: %w", err)
	}
	for _, n := range s.items {
		n.Read = true
	}
	return nil
}

// Remove deletes one notification from the feed.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, n := range s.items {
		if n.ID != id {
			continue
		}
		if err := s.db.Delete(n).Error; err != nil {
			return fmt.Errorf("failed to delete notification: %w", err)
		}
		s.items = append(s.items[:i], s.items[i+1:]...)
		return nil
	}
	return fmt.Errorf("notification %q not found", id)
}

// ClearAll empties the feed.
func (s *Service) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Where("1 = 1").Delete(&models.Notification{}).Error; err != nil {
		return fmt.Errorf("failed to clear notifications: %w", err)
	}
	s.items = nil
	return nil
}

// taskUpdate is the task_update stream payload: a one-shot outcome report for
// a short backend operation.
type taskUpdate struct {
	TaskName string `json:"taskName"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// subUpdate is the sub_update stream payload.
type subUpdate struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HandleTaskUpdate converts a task_update stream event into a notification.
func (s *Service) HandleTaskUpdate(data json.RawMessage) {
	var ev taskUpdate
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("notify: discarding unreadable task_update: %v", err)
		return
	}

	title := ev.TaskName
	if title == "" {
		title = "Task update"
	}
	if _, err := s.Add(kindForStatus(ev.Status), title, ev.Message); err != nil {
		log.Printf("notify: %v", err)
	}
}

// HandleSubUpdate converts a sub_update stream event into a notification.
func (s *Service) HandleSubUpdate(data json.RawMessage) {
	var ev subUpdate
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("notify: discarding unreadable sub_update: %v", err)
		return
	}

	title := "Subscription updated"
	if ev.Name != "" {
		title = fmt.Sprintf("Subscription %s updated", ev.Name)
	}
	if _, err := s.Add(kindForStatus(ev.Status), title, ev.Message); err != nil {
		log.Printf("notify: %v", err)
	}
}

func kindForStatus(status string) string {
	switch status {
	case "success", "completed":
		return models.KindSuccess
	case "error", "failed":
		return models.KindError
	case "warning", "cancelled":
		return models.KindWarning
	default:
		return models.KindInfo
	}
}
