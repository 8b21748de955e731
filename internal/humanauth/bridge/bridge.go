// Package bridge implements the Human-Auth Bridge: it reconciles a
// pending approval across the Relay's remote poll and a chat-command
// fallback, delivering exactly one Decision per request (§4.8).
package bridge

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sergiochan/openpocket/internal/paths"
	"github.com/sergiochan/openpocket/internal/task"
	"github.com/sergiochan/openpocket/pkg/protocol"
)

// RelayClient is the subset of relay interaction the Bridge needs. It is
// satisfied by an in-process *relay.Server or an HTTP client talking to a
// remote relay; kept as an interface so the Bridge does not care which.
type RelayClient interface {
	Create(ctx context.Context, req protocol.RelayCreateRequest) (protocol.RelayCreateResponse, error)
	Poll(ctx context.Context, requestID, pollToken string) (protocol.RelayPollResponse, error)
}

// Request is the approval context passed to RequestAndWait.
type Request struct {
	ChatID         string
	Task           string
	SessionID      string
	Step           int
	Capability     string
	Instruction    string
	Reason         string
	CurrentApp     string
	ScreenshotPath string
	TimeoutSec     int
}

// Opened is the approval context handed to the onOpened callback so the
// Gateway can DM the user the link and manual command hints.
type Opened struct {
	RequestID string
	OpenURL   string // empty when no relay base is configured
}

type pending struct {
	req       Request
	decisionC chan task.Decision
	once      sync.Once
	cancel    context.CancelFunc
}

// Bridge coordinates pending approval requests. Pending entries are
// guarded by mu; ResolvePending and the relay-poll/timeout paths race to
// deliver exactly one Decision (§4.8 "no entry is delivered twice").
type Bridge struct {
	Roots          paths.Roots
	Relay          RelayClient // nil means no remote relay configured
	PollInterval   time.Duration
	PublicBaseURL  string

	mu      sync.Mutex
	pending map[string]*pending
}

// New constructs a Bridge. relayClient may be nil when no relay base URL
// is configured, in which case only chat fallback / timeout can settle a
// request.
func New(roots paths.Roots, relayClient RelayClient, pollInterval time.Duration, publicBaseURL string) *Bridge {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Bridge{
		Roots:         roots,
		Relay:         relayClient,
		PollInterval:  pollInterval,
		PublicBaseURL: publicBaseURL,
		pending:       make(map[string]*pending),
	}
}

// PendingSummary describes one outstanding request for listing purposes.
type PendingSummary struct {
	ID     string
	ChatID string
	Task   string
}

// ListPending returns all requests awaiting a decision.
func (b *Bridge) ListPending() []PendingSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PendingSummary, 0, len(b.pending))
	for id, p := range b.pending {
		out = append(out, PendingSummary{ID: id, ChatID: p.req.ChatID, Task: p.req.Task})
	}
	return out
}

// ResolvePending is the chat fallback path: an operator approves/rejects
// directly via a chat command rather than the relay's web page. Returns
// false if id is unknown or already settled (§4.8).
func (b *Bridge) ResolvePending(id string, approved bool, note, actor string) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return false
	}

	delivered := false
	p.once.Do(func() {
		status := task.DecisionRejected
		if approved {
			status = task.DecisionApproved
		}
		select {
		case p.decisionC <- task.Decision{ID: id, Approved: approved, Status: status, Message: note, DecidedAt: time.Now().UTC()}:
			delivered = true
		default:
		}
	})
	return delivered
}

// RequestAndWait creates a pending entry, optionally mirrors it to a
// remote relay, and blocks until a decision arrives via relay poll, chat
// fallback, or timeout — whichever fires first (§4.8).
func (b *Bridge) RequestAndWait(ctx context.Context, req Request, onOpened func(Opened)) (task.Decision, error) {
	id := task.NewID()
	timeoutSec := req.TimeoutSec
	timeout := time.Duration(timeoutSec) * time.Second
	if timeout < 500*time.Millisecond {
		timeout = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &pending{req: req, decisionC: make(chan task.Decision, 1), cancel: cancel}

	b.mu.Lock()
	b.pending[id] = p
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		cancel()
	}()

	var opened Opened
	opened.RequestID = id

	if b.Relay != nil {
		createReq := protocol.RelayCreateRequest{
			RequestID:      id,
			ChatID:         req.ChatID,
			Task:           req.Task,
			SessionID:      req.SessionID,
			Step:           req.Step,
			Capability:     req.Capability,
			Instruction:    req.Instruction,
			Reason:         req.Reason,
			TimeoutSec:     timeoutSec,
			CurrentApp:     req.CurrentApp,
			ScreenshotPath: req.ScreenshotPath,
			PublicBaseURL:  b.PublicBaseURL,
		}
		resp, err := b.Relay.Create(ctx, createReq)
		if err != nil {
			slog.Warn("human-auth: relay create failed, falling back to chat-only", "error", err)
		} else {
			opened.OpenURL = resp.OpenURL
			go b.pollRelay(ctx, id, resp.PollToken, p)
		}
	}

	if onOpened != nil {
		onOpened(opened)
	}

	select {
	case d := <-p.decisionC:
		return d, nil
	case <-time.After(timeout):
		d := task.Decision{ID: id, Approved: false, Status: task.DecisionTimeout, Message: "approval request timed out", DecidedAt: time.Now().UTC()}
		p.once.Do(func() {})
		return d, nil
	case <-ctx.Done():
		return task.Decision{ID: id, Approved: false, Status: task.DecisionTimeout, DecidedAt: time.Now().UTC()}, ctx.Err()
	}
}

// pollRelay polls the remote relay for a terminal status and delivers a
// Decision the first time one is observed, persisting any artifact.
func (b *Bridge) pollRelay(ctx context.Context, id, pollToken string, p *pending) {
	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		resp, err := b.Relay.Poll(ctx, id, pollToken)
		if err != nil {
			continue
		}
		if resp.Status == protocol.RelayPending {
			continue
		}

		decision := task.Decision{ID: id, Status: mapStatus(resp.Status), Message: resp.Note}
		decision.Approved = resp.Status == protocol.RelayApproved
		if resp.DecidedAt != "" {
			if t, err := time.Parse(time.RFC3339, resp.DecidedAt); err == nil {
				decision.DecidedAt = t
			}
		}
		if decision.DecidedAt.IsZero() {
			decision.DecidedAt = time.Now().UTC()
		}

		if resp.Artifact != nil && resp.Artifact.Base64 != "" {
			if path, err := b.persistArtifact(id, resp.Artifact); err == nil {
				decision.ArtifactPath = path
			} else {
				slog.Warn("human-auth: failed to persist relay artifact", "requestId", id, "error", err)
			}
		}

		delivered := false
		p.once.Do(func() {
			select {
			case p.decisionC <- decision:
				delivered = true
			default:
			}
		})
		_ = delivered
		return
	}
}

func mapStatus(s protocol.RelayStatus) task.DecisionStatus {
	switch s {
	case protocol.RelayApproved:
		return task.DecisionApproved
	case protocol.RelayRejected:
		return task.DecisionRejected
	default:
		return task.DecisionTimeout
	}
}

func (b *Bridge) persistArtifact(id string, artifact *protocol.RelayArtifact) (string, error) {
	data, err := base64.StdEncoding.DecodeString(artifact.Base64)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(b.Roots.State, "human-auth-artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	ext := extensionFor(artifact.MimeType)
	path := filepath.Join(dir, id+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func extensionFor(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "application/pdf":
		return ".pdf"
	case "text/plain":
		return ".txt"
	default:
		return ".bin"
	}
}
