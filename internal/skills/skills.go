// Package skills implements the Skill Loader: enumerate named skill
// descriptions from workspace/local/bundled locations, with workspace
// sources shadowing local, which shadow bundled, by id (§4.4).
package skills

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/sergiochan/openpocket/internal/task"
)

// meta mirrors the minimal per-skill JSON file: {"id","name","description"}.
type meta struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Loader enumerates skills across three precedence-ordered directories and
// optionally watches the workspace directory for live updates.
type Loader struct {
	BundledDir   string
	LocalDir     string
	WorkspaceDir string

	mu     sync.RWMutex
	skills map[string]task.Skill

	watcher *fsnotify.Watcher
}

// New constructs a Loader. Any of the three directories may be empty,
// meaning that source contributes nothing.
func New(bundledDir, localDir, workspaceDir string) *Loader {
	return &Loader{BundledDir: bundledDir, LocalDir: localDir, WorkspaceDir: workspaceDir, skills: make(map[string]task.Skill)}
}

func scan(dir string, source task.SkillSource) ([]task.Skill, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []task.Skill
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("skills.read_failed", "path", path, "error", err)
			continue
		}
		var m meta
		if err := json.Unmarshal(data, &m); err != nil {
			slog.Warn("skills.parse_failed", "path", path, "error", err)
			continue
		}
		if m.ID == "" {
			m.ID = strings.TrimSuffix(entry.Name(), ".json")
		}
		out = append(out, task.Skill{ID: m.ID, Name: m.Name, Description: m.Description, Source: source, Path: path})
	}
	return out, nil
}

// Reload re-scans all three directories and rebuilds the merged id -> Skill
// map, later sources overriding earlier ones (bundled < local < workspace).
func (l *Loader) Reload() error {
	merged := make(map[string]task.Skill)
	for _, layer := range []struct {
		dir    string
		source task.SkillSource
	}{
		{l.BundledDir, task.SkillBundled},
		{l.LocalDir, task.SkillLocal},
		{l.WorkspaceDir, task.SkillWorkspace},
	} {
		found, err := scan(layer.dir, layer.source)
		if err != nil {
			return err
		}
		for _, sk := range found {
			merged[sk.ID] = sk
		}
	}
	l.mu.Lock()
	l.skills = merged
	l.mu.Unlock()
	return nil
}

// List returns the merged skill catalog, sorted by id for deterministic
// prompts and CLI output.
func (l *Loader) List() []task.Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]task.Skill, 0, len(l.skills))
	for _, sk := range l.skills {
		out = append(out, sk)
	}
	sortSkillsByID(out)
	return out
}

func sortSkillsByID(skills []task.Skill) {
	for i := 1; i < len(skills); i++ {
		for j := i; j > 0 && skills[j].ID < skills[j-1].ID; j-- {
			skills[j], skills[j-1] = skills[j-1], skills[j]
		}
	}
}

// Watch starts an fsnotify watch on WorkspaceDir, calling Reload whenever
// the directory changes, until ctx-independent Close() is called. A missing
// workspace skills directory is created first; errors creating it or
// setting up the watch are returned.
func (l *Loader) Watch() error {
	if l.WorkspaceDir == "" {
		return nil
	}
	if err := os.MkdirAll(l.WorkspaceDir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(l.WorkspaceDir); err != nil {
		w.Close()
		return err
	}
	l.watcher = w
	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := l.Reload(); err != nil {
						slog.Warn("skills.reload_failed", "error", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("skills.watch_error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the workspace watcher, if running.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}
