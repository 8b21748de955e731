// Package cron implements the Cron Scheduler: it reads a JSON job file,
// compares each job's EverySec (or cron expression) against its
// LastRunAt, and submits due jobs through the same admission path the
// Chat Gateway uses for "/run" (§4.11).
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sergiochan/openpocket/internal/bus"
	"github.com/sergiochan/openpocket/internal/task"
)

// SubmitFunc submits a job's task through the Gateway's admission path
// and returns the created Task handle.
type SubmitFunc func(ctx context.Context, channel, chatID, text, modelProfile string) *task.Task

// Scheduler evaluates cron jobs against a tick and submits due ones.
type Scheduler struct {
	JobsFile string
	Submit   SubmitFunc
	Tick     time.Duration
	Logs     *bus.RingBuffer

	mu   sync.Mutex
	jobs []*task.CronJob
	gron gronx.Gronx
}

// New constructs a Scheduler backed by the job file at jobsFile. tickSec
// is clamped to a minimum of 1 second.
func New(jobsFile string, submit SubmitFunc, tickSec int, logs *bus.RingBuffer) *Scheduler {
	if tickSec < 1 {
		tickSec = 1
	}
	return &Scheduler{
		JobsFile: jobsFile,
		Submit:   submit,
		Tick:     time.Duration(tickSec) * time.Second,
		Logs:     logs,
		gron:     gronx.New(),
	}
}

func (s *Scheduler) log(line string) {
	if s.Logs != nil {
		s.Logs.Append(fmt.Sprintf("[%s] %s", bus.LogCron, line))
	}
}

// Load reads the job file into memory. A missing file is treated as an
// empty job set.
func (s *Scheduler) Load() error {
	data, err := os.ReadFile(s.JobsFile)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.jobs = nil
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	var jobs []*task.CronJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parse cron jobs file: %w", err)
	}
	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()
	return nil
}

// persist rewrites the job file atomically; caller must hold s.mu.
func (s *Scheduler) persist() error {
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.JobsFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".jobs-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()
	return os.Rename(tmpPath, s.JobsFile)
}

// Jobs returns a snapshot of the currently loaded jobs.
func (s *Scheduler) Jobs() []task.CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]task.CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

// Start loads the job file, submits every RunOnStartup job once, then
// ticks until ctx is cancelled, submitting due jobs each tick.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Load(); err != nil {
		return err
	}

	s.mu.Lock()
	startup := make([]*task.CronJob, 0)
	for _, j := range s.jobs {
		if j.Enabled && j.RunOnStartup {
			startup = append(startup, j)
		}
	}
	s.mu.Unlock()
	for _, j := range startup {
		if _, err := s.RunJob(ctx, j.ID); err != nil {
			s.log(fmt.Sprintf("startup run of %s failed: %v", j.ID, err))
		}
	}

	ticker := time.NewTicker(s.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.runDue(ctx, now)
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]*task.CronJob, 0)
	for _, j := range s.jobs {
		if j.Enabled && s.isDue(j, now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		if _, err := s.RunJob(ctx, j.ID); err != nil {
			s.log(fmt.Sprintf("run %s failed: %v", j.ID, err))
		}
	}
}

// isDue reports whether job should run at now. A Schedule expression
// takes precedence over EverySec when set.
func (s *Scheduler) isDue(job *task.CronJob, now time.Time) bool {
	if job.Schedule != "" {
		due, err := s.gron.IsDue(job.Schedule, now)
		if err != nil {
			s.log(fmt.Sprintf("job %s has invalid schedule %q: %v", job.ID, job.Schedule, err))
			return false
		}
		return due
	}
	if job.EverySec <= 0 {
		return false
	}
	if job.LastRunAt.IsZero() {
		return true
	}
	return now.Sub(job.LastRunAt) >= time.Duration(job.EverySec)*time.Second
}

// RunJob submits the named job through Submit regardless of its due
// state, records LastRunAt, and persists the job file. It is the
// CronRunner the Gateway's "/cronrun" command and the startup/tick paths
// both call.
func (s *Scheduler) RunJob(ctx context.Context, jobID string) (*task.Task, error) {
	s.mu.Lock()
	var job *task.CronJob
	for _, j := range s.jobs {
		if j.ID == jobID {
			job = j
			break
		}
	}
	if job == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("cron job %q not found", jobID)
	}
	if !job.Enabled {
		s.mu.Unlock()
		return nil, fmt.Errorf("cron job %q is disabled", jobID)
	}
	channel := "cron"
	chatID := job.ChatID
	if chatID == "" {
		chatID = "cron:" + job.ID
	}
	text := job.Task
	modelProfile := job.ModelProfile
	job.LastRunAt = time.Now().UTC()
	if err := s.persist(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("persist cron jobs: %w", err)
	}
	s.mu.Unlock()

	s.log(fmt.Sprintf("submitting job %s (%s)", job.ID, job.Name))
	t := s.Submit(ctx, channel, chatID, text, modelProfile)
	return t, nil
}
