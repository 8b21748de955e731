// Package heartbeat implements the Heartbeat: a periodic runtime snapshot
// (task count, uptime, memory) plus detection of Tasks that have run
// longer than the configured stuck-task threshold (§4.11).
package heartbeat

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/sergiochan/openpocket/internal/bus"
	"github.com/sergiochan/openpocket/internal/session"
	"github.com/sergiochan/openpocket/internal/task"
)

// TaskSource supplies the currently running tasks for stuck-task detection.
type TaskSource func() []*task.Task

// Snapshot is one heartbeat tick's runtime reading.
type Snapshot struct {
	At        time.Time
	Uptime    time.Duration
	TaskCount int
	AllocMB   float64
	SysMB     float64
}

// Monitor ticks every EverySec, emitting a Snapshot and flagging any Task
// running longer than StuckTaskWarnSec.
type Monitor struct {
	EverySec         int
	StuckTaskWarnSec int
	Tasks            TaskSource
	Session          *session.Writer
	Logs             *bus.RingBuffer

	startedAt time.Time
	warned    map[string]bool
}

// New constructs a Monitor. everySec and stuckTaskWarnSec are clamped to
// their documented minimums (5s, 30s respectively).
func New(everySec, stuckTaskWarnSec int, tasks TaskSource, sessionWriter *session.Writer, logs *bus.RingBuffer) *Monitor {
	if everySec < 5 {
		everySec = 5
	}
	if stuckTaskWarnSec < 30 {
		stuckTaskWarnSec = 30
	}
	return &Monitor{
		EverySec:         everySec,
		StuckTaskWarnSec: stuckTaskWarnSec,
		Tasks:            tasks,
		Session:          sessionWriter,
		Logs:             logs,
		startedAt:        time.Now(),
		warned:           make(map[string]bool),
	}
}

func (m *Monitor) log(line string) {
	if m.Logs != nil {
		m.Logs.Append(fmt.Sprintf("[%s] %s", bus.LogHeartbeat, line))
	}
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(m.EverySec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	snap := m.Snapshot()
	m.log(fmt.Sprintf("tasks=%d uptime=%s allocMB=%.1f sysMB=%.1f",
		snap.TaskCount, snap.Uptime.Round(time.Second), snap.AllocMB, snap.SysMB))
	m.checkStuck()
}

// Snapshot reads the current runtime state without advancing the ticker.
func (m *Monitor) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	count := 0
	if m.Tasks != nil {
		count = len(m.Tasks())
	}
	return Snapshot{
		At:        time.Now().UTC(),
		Uptime:    time.Since(m.startedAt),
		TaskCount: count,
		AllocMB:   float64(mem.Alloc) / (1024 * 1024),
		SysMB:     float64(mem.Sys) / (1024 * 1024),
	}
}

// checkStuck warns once per task that crosses StuckTaskWarnSec, and
// forgets tasks that are no longer running.
func (m *Monitor) checkStuck() {
	if m.Tasks == nil {
		return
	}
	now := time.Now()
	active := make(map[string]bool)
	threshold := time.Duration(m.StuckTaskWarnSec) * time.Second

	for _, t := range m.Tasks() {
		active[t.ID] = true
		running := now.Sub(t.StartedAt)
		if running < threshold || m.warned[t.ID] {
			continue
		}
		m.warned[t.ID] = true
		msg := fmt.Sprintf("task %s has been running for %s, exceeding the %ds warn threshold",
			t.ID, running.Round(time.Second), m.StuckTaskWarnSec)
		m.log(msg)
		if m.Session != nil {
			if err := m.Session.AppendWarning(t, msg); err != nil {
				m.log(fmt.Sprintf("failed to mark session for %s: %v", t.ID, err))
			}
		}
	}
	for id := range m.warned {
		if !active[id] {
			delete(m.warned, id)
		}
	}
}
