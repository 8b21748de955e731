package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sergiochan/openpocket/internal/bus"
)

// parseCommand splits a leading "/command arg1 arg2..." into its verb and
// arguments; ok is false for plain text.
func parseCommand(text string) (cmd string, args []string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd = strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	return cmd, fields[1:], true
}

func (s *Server) handleCommand(ctx context.Context, msg bus.InboundMessage, cmd string, args []string) {
	switch cmd {
	case "help":
		s.reply(msg.Channel, msg.ChatID, helpText())
	case "status":
		s.reply(msg.Channel, msg.ChatID, s.statusText(ctx, msg.ChatID))
	case "model":
		s.cmdModel(msg, args)
	case "startvm":
		s.cmdStartVM(ctx, msg)
	case "stopvm":
		s.cmdStopVM(ctx, msg)
	case "hidevm":
		s.cmdWindow(ctx, msg, true)
	case "showvm":
		s.cmdWindow(ctx, msg, false)
	case "screen":
		s.cmdScreen(ctx, msg)
	case "skills":
		s.cmdSkills(msg)
	case "clear":
		s.cmdClear(msg)
	case "reset":
		s.cmdReset(msg)
	case "stop":
		s.cmdStop(msg)
	case "restart":
		s.cmdRestart(msg)
	case "cronrun":
		s.cmdCronRun(ctx, msg, args)
	case "run":
		s.cmdRun(ctx, msg, args)
	case "auth":
		s.cmdAuth(msg, args)
	default:
		s.reply(msg.Channel, msg.ChatID, fmt.Sprintf("Unknown command /%s. Try /help.", cmd))
	}
}

func helpText() string {
	return strings.Join([]string{
		"Commands:",
		"/help - this message",
		"/status - runtime status",
		"/model [name] - show or switch the model profile",
		"/startvm, /stopvm, /hidevm, /showvm - emulator control",
		"/screen - capture a screenshot",
		"/skills - list loaded skills",
		"/clear - drop this chat's queued tasks",
		"/reset - reset model override and clear queue",
		"/stop - cancel the running task",
		"/restart - restart the gateway",
		"/cronrun <job-id> - run a cron job now",
		"/run <task> - queue a phone-use task",
		"/auth [pending|approve <id> [note]|reject <id> [note]] - human-auth requests",
	}, "\n")
}

func (s *Server) statusText(_ context.Context, chatID string) string {
	s.mu.Lock()
	running, busy := s.runningByChat[chatID]
	queued := len(s.queueByChat[chatID])
	model := s.modelProfileForLocked(chatID)
	s.mu.Unlock()

	if !busy {
		return fmt.Sprintf("No task running. Model: %s. Queued: %d.", model, queued)
	}
	return fmt.Sprintf("Running task %s (state=%s). Model: %s. Queued: %d.", running.ID, running.State(), model, queued)
}

func (s *Server) cmdModel(msg bus.InboundMessage, args []string) {
	if len(args) == 0 {
		s.reply(msg.Channel, msg.ChatID, fmt.Sprintf("Current model: %s", s.modelProfileFor(msg.ChatID)))
		return
	}
	name := args[0]
	if _, _, ok := s.Config.ResolveModel(name); !ok {
		s.reply(msg.Channel, msg.ChatID, fmt.Sprintf("Unknown model profile %q.", name))
		return
	}
	s.mu.Lock()
	s.modelByChat[msg.ChatID] = name
	s.mu.Unlock()
	s.reply(msg.Channel, msg.ChatID, fmt.Sprintf("Model set to %s.", name))
}

func (s *Server) cmdStartVM(ctx context.Context, msg bus.InboundMessage) {
	if s.Emulator == nil {
		s.reply(msg.Channel, msg.ChatID, "Emulator manager unavailable.")
		return
	}
	go func() {
		timeout := time.Duration(s.Config.Emulator.BootTimeoutSec) * time.Second
		result, err := s.Emulator.Start(ctx, s.Config.Emulator.AvdName, true, timeout)
		if err != nil {
			s.reply(msg.Channel, msg.ChatID, fmt.Sprintf("startvm failed: %v", err))
			return
		}
		s.reply(msg.Channel, msg.ChatID, result)
	}()
	s.reply(msg.Channel, msg.ChatID, "Starting emulator…")
}

func (s *Server) cmdStopVM(ctx context.Context, msg bus.InboundMessage) {
	if s.Emulator == nil {
		s.reply(msg.Channel, msg.ChatID, "Emulator manager unavailable.")
		return
	}
	deviceID := ""
	if s.DeviceID != nil {
		deviceID = s.DeviceID()
	}
	if err := s.Emulator.Stop(ctx, deviceID); err != nil {
		s.reply(msg.Channel, msg.ChatID, fmt.Sprintf("stopvm failed: %v", err))
		return
	}
	s.reply(msg.Channel, msg.ChatID, "Emulator stopped.")
}

func (s *Server) cmdWindow(ctx context.Context, msg bus.InboundMessage, hide bool) {
	if s.Emulator == nil {
		s.reply(msg.Channel, msg.ChatID, "Emulator manager unavailable.")
		return
	}
	deviceID := ""
	if s.DeviceID != nil {
		deviceID = s.DeviceID()
	}
	var err error
	if hide {
		err = s.Emulator.HideWindow(ctx, deviceID)
	} else {
		err = s.Emulator.ShowWindow(ctx, deviceID)
	}
	if err != nil {
		s.reply(msg.Channel, msg.ChatID, fmt.Sprintf("window command failed: %v", err))
		return
	}
	s.reply(msg.Channel, msg.ChatID, "ok")
}

func (s *Server) cmdScreen(ctx context.Context, msg bus.InboundMessage) {
	if s.Adb == nil {
		s.reply(msg.Channel, msg.ChatID, "Adb client unavailable.")
		return
	}
	deviceID := ""
	if s.DeviceID != nil {
		deviceID = s.DeviceID()
	}
	png, err := s.Adb.CaptureScreenshot(ctx, deviceID)
	if err != nil {
		s.reply(msg.Channel, msg.ChatID, fmt.Sprintf("screenshot failed: %v", err))
		return
	}
	s.reply(msg.Channel, msg.ChatID, fmt.Sprintf("Captured screenshot (%d bytes). Dashboard preview shows the image inline.", len(png)))
}

func (s *Server) cmdSkills(msg bus.InboundMessage) {
	if s.Skills == nil {
		s.reply(msg.Channel, msg.ChatID, "No skills loaded.")
		return
	}
	list := s.Skills.List()
	if len(list) == 0 {
		s.reply(msg.Channel, msg.ChatID, "No skills loaded.")
		return
	}
	var b strings.Builder
	b.WriteString("Skills:\n")
	for _, sk := range list {
		fmt.Fprintf(&b, "- %s (%s): %s\n", sk.Name, sk.Source, sk.Description)
	}
	s.reply(msg.Channel, msg.ChatID, strings.TrimRight(b.String(), "\n"))
}

func (s *Server) cmdClear(msg bus.InboundMessage) {
	s.mu.Lock()
	delete(s.queueByChat, msg.ChatID)
	s.mu.Unlock()
	s.reply(msg.Channel, msg.ChatID, "Queue cleared.")
}

func (s *Server) cmdReset(msg bus.InboundMessage) {
	s.mu.Lock()
	delete(s.queueByChat, msg.ChatID)
	delete(s.modelByChat, msg.ChatID)
	s.mu.Unlock()
	s.reply(msg.Channel, msg.ChatID, "Reset: model override cleared and queue dropped.")
}

func (s *Server) cmdStop(msg bus.InboundMessage) {
	s.mu.Lock()
	cancel, ok := s.cancelByChat[msg.ChatID]
	s.mu.Unlock()
	if !ok {
		s.reply(msg.Channel, msg.ChatID, "No task is running for this chat.")
		return
	}
	cancel()
	s.reply(msg.Channel, msg.ChatID, "Cancelling the running task…")
}

func (s *Server) cmdRestart(msg bus.InboundMessage) {
	s.reply(msg.Channel, msg.ChatID, "Restarting…")
	if err := selfRestart(); err != nil {
		s.logLine(bus.LogError, fmt.Sprintf("/restart failed to signal self: %v", err))
	}
}

func (s *Server) cmdCronRun(ctx context.Context, msg bus.InboundMessage, args []string) {
	if len(args) == 0 {
		s.reply(msg.Channel, msg.ChatID, "Usage: /cronrun <job-id>")
		return
	}
	if s.CronRun == nil {
		s.reply(msg.Channel, msg.ChatID, "Cron scheduler is not attached.")
		return
	}
	t, err := s.CronRun(ctx, args[0])
	if err != nil {
		s.reply(msg.Channel, msg.ChatID, fmt.Sprintf("cronrun failed: %v", err))
		return
	}
	s.reply(msg.Channel, msg.ChatID, fmt.Sprintf("Cron job %s submitted as task %s.", args[0], t.ID))
}

func (s *Server) cmdRun(ctx context.Context, msg bus.InboundMessage, args []string) {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		s.reply(msg.Channel, msg.ChatID, "Usage: /run <task description>")
		return
	}
	s.submitFromChat(ctx, msg.Channel, msg.ChatID, text)
}

func (s *Server) cmdAuth(msg bus.InboundMessage, args []string) {
	if s.Bridge == nil {
		s.reply(msg.Channel, msg.ChatID, "Human-auth bridge is not attached.")
		return
	}
	if len(args) == 0 || args[0] == "pending" {
		pending := s.Bridge.ListPending()
		if len(pending) == 0 {
			s.reply(msg.Channel, msg.ChatID, "No pending authorization requests.")
			return
		}
		var b strings.Builder
		b.WriteString("Pending authorization requests:\n")
		for _, p := range pending {
			fmt.Fprintf(&b, "- %s (chat %s): %s\n", p.ID, p.ChatID, p.Task)
		}
		s.reply(msg.Channel, msg.ChatID, strings.TrimRight(b.String(), "\n"))
		return
	}

	switch args[0] {
	case "approve", "reject":
		if len(args) < 2 {
			s.reply(msg.Channel, msg.ChatID, fmt.Sprintf("Usage: /auth %s <id> [note]", args[0]))
			return
		}
		id := args[1]
		note := strings.TrimSpace(strings.Join(args[2:], " "))
		approved := args[0] == "approve"
		if !s.Bridge.ResolvePending(id, approved, note, msg.ChatID) {
			s.reply(msg.Channel, msg.ChatID, fmt.Sprintf("Request %s is unknown or already settled.", id))
			return
		}
		s.reply(msg.Channel, msg.ChatID, fmt.Sprintf("Request %s %s.", id, statusWord(approved)))
	default:
		s.reply(msg.Channel, msg.ChatID, "Usage: /auth [pending|approve <id> [note]|reject <id> [note]]")
	}
}

func statusWord(approved bool) string {
	if approved {
		return "approved"
	}
	return "rejected"
}
