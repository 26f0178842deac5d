package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStopper struct {
	calls []string
	err   error
}

func (f *fakeStopper) StopTask(taskID string) error {
	f.calls = append(f.calls, taskID)
	return f.err
}

func testStore(stopper Stopper) *Store {
	return NewStore(stopper, Options{
		RemovalDelay: 100 * time.Millisecond,
		EtaThreshold: 0.05,
	})
}

func event(t *testing.T, fields map[string]interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(fields)
	require.NoError(t, err)
	return data
}

func TestHandleProgressEvent(t *testing.T) {
	t.Run("Should create a record on first event and merge later ones", func(t *testing.T) {
		s := testStore(&fakeStopper{})

		s.HandleProgressEvent(event(t, map[string]interface{}{
			"taskId":    "t1",
			"taskType":  TypeSubUpdate,
			"taskName":  "refresh main",
			"status":    string(StatusRunning),
			"current":   10,
			"total":     100,
			"startTime": 1700000000000,
		}))

		task, ok := s.Get("t1")
		require.True(t, ok)
		assert.Equal(t, TypeSubUpdate, task.TaskType)
		assert.Equal(t, "refresh main", task.TaskName)
		assert.Equal(t, StatusRunning, task.Status)
		assert.Equal(t, 10, task.Current)
		assert.Equal(t, time.UnixMilli(1700000000000), task.StartTime)

		s.HandleProgressEvent(event(t, map[string]interface{}{
			"taskId":      "t1",
			"taskType":    TypeSubUpdate,
			"status":      string(StatusRunning),
			"current":     55,
			"total":       100,
			"currentItem": "node-55",
			"startTime":   1700000099999,
		}))

		task, ok = s.Get("t1")
		require.True(t, ok)
		assert.Equal(t, 55, task.Current)
		assert.Equal(t, "node-55", task.CurrentItem)
		// First startTime sticks even when later events disagree
		assert.Equal(t, time.UnixMilli(1700000000000), task.StartTime)
	})

	t.Run("Should discard events without a task id", func(t *testing.T) {
		s := testStore(&fakeStopper{})

		s.HandleProgressEvent(event(t, map[string]interface{}{
			"status":  string(StatusRunning),
			"current": 1,
		}))
		s.HandleProgressEvent(json.RawMessage(`{broken`))

		assert.False(t, s.HasActiveTasks())
	})

	t.Run("Should fire completion callbacks exactly once", func(t *testing.T) {
		s := testStore(&fakeStopper{})

		var done []Completion
		s.OnComplete(func(c Completion) { done = append(done, c) })

		s.HandleProgressEvent(event(t, map[string]interface{}{
			"taskId":    "t2",
			"taskType":  TypeSpeedTest,
			"status":    string(StatusRunning),
			"current":   3,
			"total":     10,
			"startTime": 1700000000000,
		}))
		require.Empty(t, done)

		s.HandleProgressEvent(event(t, map[string]interface{}{
			"taskId":    "t2",
			"taskType":  TypeSpeedTest,
			"status":    string(StatusCompleted),
			"current":   10,
			"total":     10,
			"result":    map[string]interface{}{"fastest": "node-3"},
			"startTime": 1700000000000,
		}))

		require.Len(t, done, 1)
		assert.Equal(t, "t2", done[0].TaskID)
		assert.Equal(t, StatusCompleted, done[0].Status)
		assert.JSONEq(t, `{"fastest":"node-3"}`, string(done[0].Result))

		// A late duplicate terminal event must not re-fire callbacks
		s.HandleProgressEvent(event(t, map[string]interface{}{
			"taskId":    "t2",
			"status":    string(StatusCompleted),
			"startTime": 1700000000000,
		}))
		assert.Len(t, done, 1)
	})

	t.Run("Should not revive a terminal record from a late running event", func(t *testing.T) {
		s := testStore(&fakeStopper{})

		s.HandleProgressEvent(event(t, map[string]interface{}{
			"taskId":    "t3",
			"status":    string(StatusError),
			"message":   "upstream unreachable",
			"startTime": 1700000000000,
		}))

		s.HandleProgressEvent(event(t, map[string]interface{}{
			"taskId":    "t3",
			"status":    string(StatusRunning),
			"current":   1,
			"total":     2,
			"startTime": 1700000000000,
		}))

		task, ok := s.Get("t3")
		require.True(t, ok)
		assert.Equal(t, StatusError, task.Status)
	})

	t.Run("Should remove terminal records after the removal delay", func(t *testing.T) {
		s := testStore(&fakeStopper{})

		s.HandleProgressEvent(event(t, map[string]interface{}{
			"taskId":    "t4",
			"status":    string(StatusCancelled),
			"startTime": 1700000000000,
		}))
		_, ok := s.Get("t4")
		require.True(t, ok, "terminal record should linger until the delay elapses")

		assert.Eventually(t, func() bool {
			_, ok := s.Get("t4")
			return !ok
		}, time.Second, 10*time.Millisecond)

		// After removal the same id starts a fresh record
		s.HandleProgressEvent(event(t, map[string]interface{}{
			"taskId":    "t4",
			"status":    string(StatusRunning),
			"current":   1,
			"total":     4,
			"startTime": 1700000500000,
		}))
		task, ok := s.Get("t4")
		require.True(t, ok)
		assert.Equal(t, StatusRunning, task.Status)
		assert.Equal(t, time.UnixMilli(1700000500000), task.StartTime)
	})
}

func TestStopTask(t *testing.T) {
	running := func(t *testing.T, s *Store, id string) {
		t.Helper()
		s.HandleProgressEvent(event(t, map[string]interface{}{
			"taskId":    id,
			"status":    string(StatusRunning),
			"current":   1,
			"total":     10,
			"startTime": 1700000000000,
		}))
	}

	t.Run("Should mark the task cancelling and call the backend", func(t *testing.T) {
		stopper := &fakeStopper{}
		s := testStore(stopper)
		running(t, s, "t5")

		require.NoError(t, s.StopTask("t5"))
		assert.Equal(t, []string{"t5"}, stopper.calls)
		assert.True(t, s.IsStopping("t5"))

		task, ok := s.Get("t5")
		require.True(t, ok)
		assert.Equal(t, StatusCancelling, task.Status)
	})

	t.Run("Should roll back the optimistic status when the request fails", func(t *testing.T) {
		stopper := &fakeStopper{err: errors.New("boom")}
		s := testStore(stopper)
		running(t, s, "t6")

		err := s.StopTask("t6")
		require.Error(t, err)
		assert.False(t, s.IsStopping("t6"))

		task, ok := s.Get("t6")
		require.True(t, ok)
		assert.Equal(t, StatusRunning, task.Status)
	})

	t.Run("Should reject stops for unknown or terminal tasks", func(t *testing.T) {
		stopper := &fakeStopper{}
		s := testStore(stopper)

		assert.Error(t, s.StopTask("nope"))

		s.HandleProgressEvent(event(t, map[string]interface{}{
			"taskId":    "t7",
			"status":    string(StatusCompleted),
			"startTime": 1700000000000,
		}))
		assert.Error(t, s.StopTask("t7"))
		assert.Empty(t, stopper.calls)
	})

	t.Run("Should clear the stop intent when the terminal event arrives", func(t *testing.T) {
		stopper := &fakeStopper{}
		s := testStore(stopper)
		running(t, s, "t8")

		require.NoError(t, s.StopTask("t8"))
		require.True(t, s.IsStopping("t8"))

		s.HandleProgressEvent(event(t, map[string]interface{}{
			"taskId":    "t8",
			"status":    string(StatusCancelled),
			"startTime": 1700000000000,
		}))
		assert.False(t, s.IsStopping("t8"))
	})
}

func TestDerivedProgress(t *testing.T) {
	t.Run("Should compute per-task percentages", func(t *testing.T) {
		s := testStore(&fakeStopper{})

		s.HandleProgressEvent(event(t, map[string]interface{}{
			"taskId":    "t9",
			"status":    string(StatusRunning),
			"current":   3,
			"total":     10,
			"startTime": 1700000000000,
		}))

		task, ok := s.Get("t9")
		require.True(t, ok)
		assert.Equal(t, 30, task.Percent())

		s.HandleProgressEvent(event(t, map[string]interface{}{
			"taskId":    "t9",
			"status":    string(StatusRunning),
			"current":   10,
			"total":     10,
			"startTime": 1700000000000,
		}))
		task, _ = s.Get("t9")
		assert.Equal(t, 100, task.Percent())
	})

	t.Run("Should average across tasks with indeterminate ones at zero", func(t *testing.T) {
		s := testStore(&fakeStopper{})
		assert.Equal(t, 0, s.OverallPercent())

		s.HandleProgressEvent(event(t, map[string]interface{}{
			"taskId":    "a",
			"status":    string(StatusRunning),
			"current":   50,
			"total":     100,
			"startTime": 1700000000000,
		}))
		s.HandleProgressEvent(event(t, map[string]interface{}{
			"taskId":    "b",
			"status":    string(StatusRunning),
			"current":   7,
			"total":     0, // indeterminate
			"startTime": 1700000000000,
		}))

		assert.Equal(t, 25, s.OverallPercent())
		assert.True(t, s.HasActiveTasks())
	})

	t.Run("Should order the task list by start time", func(t *testing.T) {
		s := testStore(&fakeStopper{})

		for i, start := range []int64{1700000300000, 1700000100000, 1700000200000} {
			s.HandleProgressEvent(event(t, map[string]interface{}{
				"taskId":    fmt.Sprintf("task-%d", i),
				"status":    string(StatusRunning),
				"startTime": start,
			}))
		}

		list := s.TaskList()
		require.Len(t, list, 3)
		assert.Equal(t, "task-1", list[0].TaskID)
		assert.Equal(t, "task-2", list[1].TaskID)
		assert.Equal(t, "task-0", list[2].TaskID)
	})

	t.Run("Should withhold remaining-time estimates below the threshold", func(t *testing.T) {
		now := time.UnixMilli(1700000060000) // 60s after start

		task := Task{
			Current:   3,
			Total:     100,
			StartTime: time.UnixMilli(1700000000000),
		}
		_, ok := task.RemainingEstimate(now, 0.05)
		assert.False(t, ok, "3% is below the 5% threshold")

		task.Current = 25
		remaining, ok := task.RemainingEstimate(now, 0.05)
		require.True(t, ok)
		// 60s elapsed at 25% extrapolates to 180s remaining
		assert.InDelta(t, float64(180*time.Second), float64(remaining), float64(time.Second))

		task.Current = 100
		_, ok = task.RemainingEstimate(now, 0.05)
		assert.False(t, ok, "finished tasks have no remaining estimate")
	})
}
