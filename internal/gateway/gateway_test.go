package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/sergiochan/openpocket/internal/bus"
	"github.com/sergiochan/openpocket/internal/config"
	"github.com/sergiochan/openpocket/internal/humanauth/bridge"
	"github.com/sergiochan/openpocket/internal/paths"
	"github.com/sergiochan/openpocket/internal/task"
)

func newTestServer() *Server {
	cfg := config.Default()
	s := New(cfg, paths.Roots{})
	s.Bus = bus.New(8)
	s.Bridge = bridge.New(paths.Roots{}, nil, time.Second, "")
	return s
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		text     string
		wantCmd  string
		wantArgs []string
		wantOK   bool
	}{
		{"/help", "help", nil, true},
		{"/run open settings", "run", []string{"open", "settings"}, true},
		{"hello there", "", nil, false},
		{"  /STATUS  ", "status", nil, true},
		{"", "", nil, false},
	}
	for _, c := range cases {
		cmd, args, ok := parseCommand(c.text)
		if ok != c.wantOK || cmd != c.wantCmd || len(args) != len(c.wantArgs) {
			t.Errorf("parseCommand(%q) = (%q, %v, %v), want (%q, %v, %v)", c.text, cmd, args, ok, c.wantCmd, c.wantArgs, c.wantOK)
		}
	}
}

func TestHandleInboundDropsUnadmittedChat(t *testing.T) {
	s := newTestServer()
	s.Config.Gateway.AllowedChatIDs = []string{"42"}

	s.handleInbound(context.Background(), bus.InboundMessage{Channel: "telegram", ChatID: "99", Text: "/help"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, ok := s.Bus.SubscribeOutbound(ctx); ok {
		t.Fatal("expected no reply for unadmitted chat")
	}
}

func TestHandleInboundRateLimitsChat(t *testing.T) {
	s := newTestServer()
	s.Config.Gateway.RateLimitRPM = 1

	ctx := context.Background()
	msg := bus.InboundMessage{Channel: "telegram", ChatID: "1", Text: "/help"}
	s.handleInbound(ctx, msg)
	s.handleInbound(ctx, msg)

	first, ok := s.Bus.SubscribeOutbound(ctx)
	if !ok {
		t.Fatal("expected first reply")
	}
	if first.Text == "" {
		t.Fatal("expected help text in first reply")
	}

	ctx2, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	second, ok := s.Bus.SubscribeOutbound(ctx2)
	if !ok {
		t.Fatal("expected a rate-limit reply")
	}
	if second.Text != "Rate limit exceeded, please slow down." {
		t.Fatalf("got %q", second.Text)
	}
}

func TestHandleInboundNonTaskTextGetsGuidance(t *testing.T) {
	s := newTestServer()
	s.handleInbound(context.Background(), bus.InboundMessage{Channel: "telegram", ChatID: "1", Text: "hi"})

	reply, ok := s.Bus.SubscribeOutbound(context.Background())
	if !ok {
		t.Fatal("expected a guidance reply")
	}
	if reply.Text != "That doesn't read like a task. Use /run <task> or /help for commands." {
		t.Fatalf("got %q", reply.Text)
	}
}

func TestSubmitFromChatQueuesWhenBusy(t *testing.T) {
	s := newTestServer()
	chatID := "1"

	s.mu.Lock()
	s.runningByChat[chatID] = task.New("already running", chatID, "default")
	s.mu.Unlock()

	s.submitFromChat(context.Background(), "telegram", chatID, "open settings")

	s.mu.Lock()
	queued := len(s.queueByChat[chatID])
	s.mu.Unlock()
	if queued != 1 {
		t.Fatalf("expected task queued, got queue len=%d", queued)
	}

	reply, ok := s.Bus.SubscribeOutbound(context.Background())
	if !ok || reply.Text == "" {
		t.Fatal("expected a queued-task reply")
	}
}

func TestCmdStopCancelsRunningTask(t *testing.T) {
	s := newTestServer()
	chatID := "1"
	cancelled := false

	s.mu.Lock()
	s.cancelByChat[chatID] = func() { cancelled = true }
	s.mu.Unlock()

	s.cmdStop(bus.InboundMessage{Channel: "telegram", ChatID: chatID})

	if !cancelled {
		t.Fatal("expected cancel func to be invoked")
	}
}

func TestCmdStopNoRunningTask(t *testing.T) {
	s := newTestServer()
	s.cmdStop(bus.InboundMessage{Channel: "telegram", ChatID: "1"})

	reply, ok := s.Bus.SubscribeOutbound(context.Background())
	if !ok {
		t.Fatal("expected a reply")
	}
	if reply.Text != "No task is running for this chat." {
		t.Fatalf("got %q", reply.Text)
	}
}

func TestCmdModelShowsAndSets(t *testing.T) {
	s := newTestServer()
	msg := bus.InboundMessage{Channel: "telegram", ChatID: "1"}

	s.cmdModel(msg, nil)
	reply, _ := s.Bus.SubscribeOutbound(context.Background())
	if reply.Text != "Current model: default" {
		t.Fatalf("got %q", reply.Text)
	}

	s.cmdModel(msg, []string{"unknown-profile"})
	reply, _ = s.Bus.SubscribeOutbound(context.Background())
	if reply.Text != `Unknown model profile "unknown-profile".` {
		t.Fatalf("got %q", reply.Text)
	}
}

func TestCmdAuthPendingEmpty(t *testing.T) {
	s := newTestServer()
	s.cmdAuth(bus.InboundMessage{Channel: "telegram", ChatID: "1"}, nil)

	reply, ok := s.Bus.SubscribeOutbound(context.Background())
	if !ok || reply.Text != "No pending authorization requests." {
		t.Fatalf("got %q, ok=%v", reply.Text, ok)
	}
}

func TestHandleCommandDispatchesUnknown(t *testing.T) {
	s := newTestServer()
	s.handleInbound(context.Background(), bus.InboundMessage{Channel: "telegram", ChatID: "1", Text: "/bogus"})

	reply, ok := s.Bus.SubscribeOutbound(context.Background())
	if !ok {
		t.Fatal("expected a reply")
	}
	if reply.Text != "Unknown command /bogus. Try /help." {
		t.Fatalf("got %q", reply.Text)
	}
}
