// Package progress tracks the backend tasks currently running for this
// session and exposes derived progress state for UI consumption.
package progress

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"
)

const (
	defaultRemovalDelay = 3 * time.Second
	defaultEtaThreshold = 0.05
)

// Stopper issues task cancellation requests to the backend.
// Satisfied by *api.Client.
type Stopper interface {
	StopTask(taskID string) error
}

// CompletionFunc is invoked synchronously when a task reaches a terminal
// status, before the removal timer is armed.
type CompletionFunc func(Completion)

// Options tunes the store. Zero values select production defaults.
type Options struct {
	// RemovalDelay is how long a terminal task stays in the active set.
	RemovalDelay time.Duration

	// EtaThreshold is the minimum progress ratio before remaining-time
	// estimates are produced. The two dashboard surfaces historically used
	// 0.05 and 0.02; one configurable constant replaces both.
	EtaThreshold float64
}

// Store maintains the taskId -> live progress mapping fed by task_progress
// stream events. All mutation goes through the store; consumers only read
// snapshots.
type Store struct {
	stopper      Stopper
	removalDelay time.Duration
	etaThreshold float64

	mu         sync.RWMutex
	tasks      map[string]*Task
	stopping   map[string]struct{} // pending stop intents
	removals   map[string]*time.Timer
	onComplete []CompletionFunc

	now func() time.Time // injectable clock for tests
}

// NewStore creates a task progress store.
func NewStore(stopper Stopper, opts Options) *Store {
	if opts.RemovalDelay <= 0 {
		opts.RemovalDelay = defaultRemovalDelay
	}
	if opts.EtaThreshold <= 0 {
		opts.EtaThreshold = defaultEtaThreshold
	}
	return &Store{
		stopper:      stopper,
		removalDelay: opts.RemovalDelay,
		etaThreshold: opts.EtaThreshold,
		tasks:        make(map[string]*Task),
		stopping:     make(map[string]struct{}),
		removals:     make(map[string]*time.Timer),
		now:          time.Now,
	}
}

// OnComplete registers a callback for terminal task transitions.
func (s *Store) OnComplete(fn CompletionFunc) {
	s.mu.Lock()
	s.onComplete = append(s.onComplete, fn)
	s.mu.Unlock()
}

// HandleProgressEvent consumes one task_progress payload. Events without a
// taskId are discarded. Fields merge into the existing record by taskId
// (created when absent); status, counters, current item and result always
// overwrite, startTime keeps the first non-empty value seen. A terminal
// status fires completion callbacks and schedules removal of the record.
func (s *Store) HandleProgressEvent(data json.RawMessage) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("progress: discarding unreadable event: %v", err)
		return
	}
	if ev.TaskID == "" {
		log.Println("progress: discarding event without taskId")
		return
	}

	s.mu.Lock()

	t, exists := s.tasks[ev.TaskID]
	if exists && t.Status.Terminal() {
		// Terminal records stay frozen until the removal timer fires;
		// late events must not revive them.
		s.mu.Unlock()
		return
	}
	if !exists {
		t = &Task{TaskID: ev.TaskID, TaskType: TypeOther}
		s.tasks[ev.TaskID] = t
	}

	if ev.TaskType != "" {
		t.TaskType = ev.TaskType
	}
	if ev.TaskName != "" {
		t.TaskName = ev.TaskName
	}
	if ev.Message != "" {
		t.Message = ev.Message
	}
	if len(ev.Traffic) > 0 {
		t.Traffic = ev.Traffic
	}

	t.Status = Status(ev.Status)
	t.Current = ev.Current
	t.Total = ev.Total
	t.CurrentItem = ev.CurrentItem
	t.Result = ev.Result

	if ev.StartTime > 0 {
		t.StartTime = time.UnixMilli(ev.StartTime)
	} else if t.StartTime.IsZero() {
		// Safety net: every event in the true protocol carries startTime
		t.StartTime = s.now()
	}
	t.LastUpdate = s.now()

	if !t.Status.Terminal() {
		s.mu.Unlock()
		return
	}

	// Terminal: settle any pending stop intent, notify, schedule removal
	delete(s.stopping, t.TaskID)
	snapshot := *t
	callbacks := append([]CompletionFunc(nil), s.onComplete...)
	s.scheduleRemovalLocked(t.TaskID)
	s.mu.Unlock()

	done := Completion{
		TaskID:   snapshot.TaskID,
		TaskType: snapshot.TaskType,
		TaskName: snapshot.TaskName,
		Status:   snapshot.Status,
		Result:   snapshot.Result,
	}
	for _, fn := range callbacks {
		fn(done)
	}
}

// scheduleRemovalLocked arms the removal timer for a terminal task.
// Caller holds s.mu.
func (s *Store) scheduleRemovalLocked(taskID string) {
	if _, armed := s.removals[taskID]; armed {
		return
	}
	s.removals[taskID] = time.AfterFunc(s.removalDelay, func() {
		s.mu.Lock()
		delete(s.tasks, taskID)
		delete(s.stopping, taskID)
		delete(s.removals, taskID)
		s.mu.Unlock()
	})
}

// StopTask optimistically marks the task as cancelling and asks the backend
// to cancel it. On request failure the optimistic marker is rolled back and
// the error returned. The authoritative terminal status arrives later via a
// progress event, never from this call.
func (s *Store) StopTask(taskID string) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %q not tracked", taskID)
	}
	if t.Status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("task %q is already %s", taskID, t.Status)
	}
	prev := t.Status
	t.Status = StatusCancelling
	s.stopping[taskID] = struct{}{}
	s.mu.Unlock()

	if err := s.stopper.StopTask(taskID); err != nil {
		// Roll back the optimistic marker; the task is still running as
		// far as this client knows.
		s.mu.Lock()
		delete(s.stopping, taskID)
		if cur, ok := s.tasks[taskID]; ok && cur.Status == StatusCancelling {
			cur.Status = prev
		}
		s.mu.Unlock()
		return fmt.Errorf("stop request for task %q failed: %w", taskID, err)
	}
	return nil
}

// IsStopping reports whether a stop intent is pending for the task.
func (s *Store) IsStopping(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stopping[taskID]
	return ok
}

// Get returns a snapshot of one tracked task.
func (s *Store) Get(taskID string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// TaskList returns snapshots of all tracked tasks, oldest start first.
func (s *Store) TaskList() []Task {
	s.mu.RLock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// HasActiveTasks reports whether any task is currently tracked.
func (s *Store) HasActiveTasks() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks) > 0
}

// OverallPercent is the mean of per-task percentages across all tracked
// tasks; indeterminate tasks contribute 0. Returns 0 with no tasks.
func (s *Store) OverallPercent() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.tasks) == 0 {
		return 0
	}
	sum := 0
	for _, t := range s.tasks {
		sum += t.Percent()
	}
	return int(math.Round(float64(sum) / float64(len(s.tasks))))
}

// Remaining returns the remaining-time estimate for one task, honoring the
// configured threshold.
func (s *Store) Remaining(taskID string) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return 0, false
	}
	return t.RemainingEstimate(s.now(), s.etaThreshold)
}
