package heartbeat

import (
	"testing"
	"time"

	"github.com/sergiochan/openpocket/internal/bus"
	"github.com/sergiochan/openpocket/internal/task"
)

func TestNewClampsMinimums(t *testing.T) {
	m := New(1, 1, nil, nil, nil)
	if m.EverySec != 5 {
		t.Errorf("EverySec = %d, want clamped 5", m.EverySec)
	}
	if m.StuckTaskWarnSec != 30 {
		t.Errorf("StuckTaskWarnSec = %d, want clamped 30", m.StuckTaskWarnSec)
	}
}

func TestSnapshotReflectsTaskCount(t *testing.T) {
	tasks := []*task.Task{task.New("a", "1", "default"), task.New("b", "1", "default")}
	m := New(5, 30, func() []*task.Task { return tasks }, nil, nil)

	snap := m.Snapshot()
	if snap.TaskCount != 2 {
		t.Fatalf("TaskCount = %d, want 2", snap.TaskCount)
	}
	if snap.Uptime < 0 {
		t.Fatalf("expected non-negative uptime, got %v", snap.Uptime)
	}
}

func TestCheckStuckWarnsOncePerTask(t *testing.T) {
	stuck := task.New("slow task", "1", "default")
	stuck.StartedAt = time.Now().Add(-1 * time.Hour)

	logs := bus.NewRingBuffer(16)
	m := New(5, 30, func() []*task.Task { return []*task.Task{stuck} }, nil, logs)

	m.checkStuck()
	m.checkStuck()

	lines := logs.Lines()
	count := 0
	for _, l := range lines {
		if l != "" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one warning log line, got %d: %v", count, lines)
	}
}

func TestCheckStuckForgetsCompletedTasks(t *testing.T) {
	stuck := task.New("slow task", "1", "default")
	stuck.StartedAt = time.Now().Add(-1 * time.Hour)

	present := true
	logs := bus.NewRingBuffer(16)
	m := New(5, 30, func() []*task.Task {
		if present {
			return []*task.Task{stuck}
		}
		return nil
	}, nil, logs)

	m.checkStuck()
	if !m.warned[stuck.ID] {
		t.Fatal("expected task marked as warned")
	}

	present = false
	m.checkStuck()
	if m.warned[stuck.ID] {
		t.Fatal("expected warned flag cleared once the task is no longer running")
	}
}

func TestCheckStuckIgnoresFreshTasks(t *testing.T) {
	fresh := task.New("just started", "1", "default")
	logs := bus.NewRingBuffer(16)
	m := New(5, 30, func() []*task.Task { return []*task.Task{fresh} }, nil, logs)

	m.checkStuck()
	if m.warned[fresh.ID] {
		t.Fatal("did not expect a fresh task to be flagged as stuck")
	}
}
