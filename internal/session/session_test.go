package session

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/sergiochan/openpocket/internal/paths"
	"github.com/sergiochan/openpocket/internal/task"
	"github.com/sergiochan/openpocket/pkg/protocol"
)

func newTestWriter(t *testing.T) (*Writer, paths.Roots) {
	t.Helper()
	home := t.TempDir()
	roots := paths.Roots{Home: home, State: filepath.Join(home, "state"), Workspace: filepath.Join(home, "workspace")}
	return New(roots), roots
}

func TestSessionStepsAreGaplessAndIncreasing(t *testing.T) {
	w, _ := newTestWriter(t)
	tk := task.New("open settings", "chat-1", "default")
	if err := w.StartSession(tk); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	for i := 1; i <= 3; i++ {
		idx := tk.NextStepIndex()
		if idx != i {
			t.Fatalf("got step index %d, want %d", idx, i)
		}
		step := task.Step{Index: idx, Thought: "thinking", Action: protocol.Action{Type: protocol.ActionWait, DurationMs: 1000}, ResultMessage: "waited"}
		if err := w.AppendStep(tk, step, nil); err != nil {
			t.Fatalf("AppendStep: %v", err)
		}
	}

	data, err := os.ReadFile(tk.SessionPath)
	if err != nil {
		t.Fatalf("read session file: %v", err)
	}
	content := string(data)
	for _, want := range []string{"## Step 1", "## Step 2", "## Step 3"} {
		if !strings.Contains(content, want) {
			t.Fatalf("expected session file to contain %q", want)
		}
	}
}

func TestEvictScreenshotsRespectsMaxCount(t *testing.T) {
	w, roots := newTestWriter(t)
	sessionID := "sess-1"
	dir := filepath.Join(roots.State, "screenshots", sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for i := 0; i < 25; i++ {
		path := filepath.Join(dir, "step-"+strconv.Itoa(i)+".png")
		if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}

	if err := w.EvictScreenshots(sessionID, 20); err != nil {
		t.Fatalf("EvictScreenshots: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 20 {
		t.Fatalf("got %d screenshots, want 20", len(entries))
	}
}
