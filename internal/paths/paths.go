// Package paths resolves the home/state/workspace roots and ensures the
// per-task file structure the rest of the module persists into (§3, §6).
package paths

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	envHome       = "OPENPOCKET_HOME"
	envConfigPath = "OPENPOCKET_CONFIG_PATH"
	envConfigAlt  = "OPENPOCKET_CONFIG"
	defaultDirName = ".openpocket"
)

// Roots holds the resolved filesystem layout for one process lifetime.
type Roots struct {
	Home      string // ~/.openpocket or $OPENPOCKET_HOME
	State     string // <Home>/state
	Workspace string // <Home>/workspace
}

// Resolve determines Home from OPENPOCKET_HOME, falling back to
// ~/.openpocket, and derives State/Workspace beneath it.
func Resolve() (Roots, error) {
	home := os.Getenv(envHome)
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return Roots{}, err
		}
		home = filepath.Join(userHome, defaultDirName)
	}
	home = ExpandHome(home)
	return Roots{
		Home:      home,
		State:     filepath.Join(home, "state"),
		Workspace: filepath.Join(home, "workspace"),
	}, nil
}

// ConfigPath resolves the config file path: explicit flag value, else
// OPENPOCKET_CONFIG_PATH/OPENPOCKET_CONFIG, else <Home>/config.json.
func ConfigPath(flagValue string, roots Roots) string {
	if flagValue != "" {
		return ExpandHome(flagValue)
	}
	if v := os.Getenv(envConfigPath); v != "" {
		return ExpandHome(v)
	}
	if v := os.Getenv(envConfigAlt); v != "" {
		return ExpandHome(v)
	}
	return filepath.Join(roots.Home, "config.json")
}

// ExpandHome expands a leading "~" to the current user's home directory.
func ExpandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			if p == "~" {
				return home
			}
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// EnsureTaskDirs creates the per-task directories a Step/Session may need:
// state/screenshots/<sessionId>/ and workspace/scripts/runs/ (run-specific
// subdirectories are created by the script executor itself).
func (r Roots) EnsureTaskDirs(sessionID string) error {
	dirs := []string{
		filepath.Join(r.State, "screenshots", sessionID),
		filepath.Join(r.Workspace, "sessions"),
		filepath.Join(r.Workspace, "memory"),
		filepath.Join(r.Workspace, "scripts", "runs"),
		filepath.Join(r.Workspace, "cron"),
		filepath.Join(r.State, "human-auth-relay"),
		filepath.Join(r.State, "human-auth-artifacts"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// SessionFile returns the canonical path of a task's markdown session file.
func (r Roots) SessionFile(sessionID string) string {
	return filepath.Join(r.Workspace, "sessions", sessionID+".md")
}

// MemoryFile returns the canonical path of the per-UTC-day memory file.
func (r Roots) MemoryFile(utcDate string) string {
	return filepath.Join(r.Workspace, "memory", utcDate+".md")
}

// ScreenshotPath returns the canonical path of a step screenshot.
func (r Roots) ScreenshotPath(sessionID string, step int) string {
	return filepath.Join(r.State, "screenshots", sessionID, screenshotName(step))
}

func screenshotName(step int) string {
	return "step-" + strconv.Itoa(step) + ".png"
}

// CronJobsFile returns the canonical path of the cron job definitions file.
func (r Roots) CronJobsFile() string {
	return filepath.Join(r.Workspace, "cron", "jobs.json")
}

// HumanAuthStateFile returns the canonical path of the Human-Auth Relay's
// persisted request state.
func (r Roots) HumanAuthStateFile() string {
	return filepath.Join(r.State, "human-auth-relay", "requests.json")
}
