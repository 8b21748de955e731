// Package task defines the Task/Step/Decision/Skill/CronJob data model
// shared across the Agent Loop, Chat Gateway, Cron Scheduler, and Session
// Writer (§3).
package task

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is one of the Task lifecycle states (§3).
type State string

const (
	StateQueued       State = "queued"
	StateRunning      State = "running"
	StateAwaitingAuth State = "awaiting_auth"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether s is a terminal (immutable) state.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// NewID returns a fresh task/step/request identifier.
func NewID() string { return uuid.NewString() }

// Task is the §3 Task entity. A Task owns exactly one session file; field
// mutation is guarded by mu so the Gateway (reader) and Agent Loop (writer)
// can both observe it safely.
type Task struct {
	mu sync.RWMutex

	ID           string
	Text         string
	ChatID       string // empty means no chat (CLI-originated)
	ModelProfile string
	StartedAt    time.Time
	state        State
	stepCount    int
	SessionPath  string
	MemoryDate   string // UTC YYYY-MM-DD

	cancelRequested bool
}

// New constructs a Task in the Queued state.
func New(text, chatID, modelProfile string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:           NewID(),
		Text:         text,
		ChatID:       chatID,
		ModelProfile: modelProfile,
		StartedAt:    now,
		state:        StateQueued,
		MemoryDate:   now.Format("2006-01-02"),
	}
}

// State returns the current state.
func (t *Task) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Transition moves the task to a new state. Terminal states are immutable;
// the only bidirectional edge is Running <-> AwaitingAuth (§3).
func (t *Task) Transition(to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	switch {
	case t.state == StateRunning && to == StateAwaitingAuth:
	case t.state == StateAwaitingAuth && to == StateRunning:
	case to.Terminal():
	case t.state == StateQueued && to == StateRunning:
	default:
		return false
	}
	t.state = to
	return true
}

// StepCount returns the number of steps persisted so far.
func (t *Task) StepCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stepCount
}

// NextStepIndex reserves and returns the next 1-based, gapless step index.
func (t *Task) NextStepIndex() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stepCount++
	return t.stepCount
}

// RequestCancel sets the cooperative cancellation flag checked after every
// persistence step (§5).
func (t *Task) RequestCancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelRequested = true
}

// CancelRequested reports whether cancellation has been requested.
func (t *Task) CancelRequested() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cancelRequested
}

// Step is the §3 Step entity.
type Step struct {
	Index   int
	Thought string
	// PlannedAction is the action as the model emitted it, in scaled
	// screenshot-space coordinates; Action is the same action after
	// Rescale into device space. They differ only when Rescale moved a
	// positional field.
	PlannedAction    interface{} // holds a pkg/protocol.Action
	Action           interface{}
	ExecutedAt       time.Time
	ResultMessage    string
	ScreenshotPath   string // empty means none
	ScaledScreenSize [2]int
	DeviceScreenSize [2]int
	AntiLoop         bool
}

// DecisionStatus is the outcome of a Pending Auth Request (§3).
type DecisionStatus string

const (
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
	DecisionTimeout  DecisionStatus = "timeout"
)

// Decision is the §3 Decision entity.
type Decision struct {
	ID           string
	Approved     bool
	Status       DecisionStatus
	Message      string
	DecidedAt    time.Time
	ArtifactPath string
}

// SkillSource ranks where a Skill definition was discovered; higher-ranked
// sources shadow lower ones by id (§3, §4.4).
type SkillSource string

const (
	SkillBundled   SkillSource = "bundled"
	SkillLocal     SkillSource = "local"
	SkillWorkspace SkillSource = "workspace"
)

// Skill is the §3 Skill entity.
type Skill struct {
	ID          string
	Name        string
	Description string
	Source      SkillSource
	Path        string
}

// CronJob is the §3 Cron Job entity. A job is either interval-based
// (EverySec) or driven by a standard five-field cron expression
// (Schedule); when Schedule is set it takes precedence.
type CronJob struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Enabled      bool      `json:"enabled"`
	EverySec     int       `json:"everySec"`
	Schedule     string    `json:"schedule,omitempty"`
	Task         string    `json:"task"`
	ChatID       string    `json:"chatId,omitempty"`
	ModelProfile string    `json:"modelProfile,omitempty"`
	RunOnStartup bool      `json:"runOnStartup"`
	LastRunAt    time.Time `json:"lastRunAt,omitempty"`
}
