package cron

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sergiochan/openpocket/internal/task"
)

func writeJobsFile(t *testing.T, jobs []*task.CronJob) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")
	data, err := json.Marshal(jobs)
	if err != nil {
		t.Fatalf("marshal jobs: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write jobs file: %v", err)
	}
	return path
}

func TestSchedulerLoadMissingFileIsEmpty(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing.json"), nil, 1, nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(s.Jobs()) != 0 {
		t.Fatalf("expected no jobs, got %d", len(s.Jobs()))
	}
}

func TestRunJobSubmitsAndPersistsLastRunAt(t *testing.T) {
	path := writeJobsFile(t, []*task.CronJob{
		{ID: "job-1", Name: "ping", Enabled: true, EverySec: 60, Task: "open settings"},
	})

	var gotChannel, gotChatID, gotText, gotModel string
	submit := func(ctx context.Context, channel, chatID, text, modelProfile string) *task.Task {
		gotChannel, gotChatID, gotText, gotModel = channel, chatID, text, modelProfile
		return task.New(text, chatID, modelProfile)
	}

	s := New(path, submit, 1, nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	tk, err := s.RunJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("RunJob() error: %v", err)
	}
	if tk == nil {
		t.Fatal("expected a submitted task")
	}
	if gotChannel != "cron" || gotText != "open settings" {
		t.Fatalf("unexpected submit args: channel=%q chatID=%q text=%q model=%q", gotChannel, gotChatID, gotText, gotModel)
	}

	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].LastRunAt.IsZero() {
		t.Fatalf("expected LastRunAt to be recorded, got %+v", jobs)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read persisted jobs file: %v", err)
	}
	var persisted []*task.CronJob
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("unmarshal persisted jobs: %v", err)
	}
	if len(persisted) != 1 || persisted[0].LastRunAt.IsZero() {
		t.Fatalf("expected persisted LastRunAt, got %+v", persisted)
	}
}

func TestRunJobUnknownID(t *testing.T) {
	path := writeJobsFile(t, nil)
	s := New(path, func(ctx context.Context, channel, chatID, text, modelProfile string) *task.Task {
		return nil
	}, 1, nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if _, err := s.RunJob(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown job id")
	}
}

func TestRunJobDisabled(t *testing.T) {
	path := writeJobsFile(t, []*task.CronJob{{ID: "job-1", Enabled: false, EverySec: 5, Task: "noop"}})
	s := New(path, func(ctx context.Context, channel, chatID, text, modelProfile string) *task.Task {
		return nil
	}, 1, nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if _, err := s.RunJob(context.Background(), "job-1"); err == nil {
		t.Fatal("expected error for disabled job")
	}
}

func TestIsDueEverySec(t *testing.T) {
	s := New("", nil, 1, nil)
	now := time.Now().UTC()

	neverRun := &task.CronJob{EverySec: 60}
	if !s.isDue(neverRun, now) {
		t.Fatal("expected a never-run job to be due")
	}

	justRan := &task.CronJob{EverySec: 60, LastRunAt: now.Add(-1 * time.Second)}
	if s.isDue(justRan, now) {
		t.Fatal("expected a recently-run job to not be due")
	}

	overdue := &task.CronJob{EverySec: 60, LastRunAt: now.Add(-90 * time.Second)}
	if !s.isDue(overdue, now) {
		t.Fatal("expected an overdue job to be due")
	}
}

func TestIsDueDisabledByZeroInterval(t *testing.T) {
	s := New("", nil, 1, nil)
	job := &task.CronJob{EverySec: 0}
	if s.isDue(job, time.Now().UTC()) {
		t.Fatal("expected a job with no interval or schedule to never be due")
	}
}

func TestStartSubmitsRunOnStartupJobsOnce(t *testing.T) {
	path := writeJobsFile(t, []*task.CronJob{
		{ID: "job-1", Enabled: true, RunOnStartup: true, EverySec: 3600, Task: "startup task"},
		{ID: "job-2", Enabled: true, RunOnStartup: false, EverySec: 3600, Task: "not on startup"},
	})

	submitted := make([]string, 0)
	submit := func(ctx context.Context, channel, chatID, text, modelProfile string) *task.Task {
		submitted = append(submitted, text)
		return task.New(text, chatID, modelProfile)
	}

	s := New(path, submit, 3600, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if len(submitted) != 1 || submitted[0] != "startup task" {
		t.Fatalf("expected only the RunOnStartup job submitted once, got %v", submitted)
	}
}
