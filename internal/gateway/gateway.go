// Package gateway implements the Chat Gateway: inbound admission, command
// routing, intent classification, outbound sanitization, rate limiting,
// and Agent Loop dispatch for chat-originated Tasks (§4.10).
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/time/rate"

	"github.com/sergiochan/openpocket/internal/adbclient"
	"github.com/sergiochan/openpocket/internal/agentloop"
	"github.com/sergiochan/openpocket/internal/bus"
	"github.com/sergiochan/openpocket/internal/channels"
	"github.com/sergiochan/openpocket/internal/config"
	"github.com/sergiochan/openpocket/internal/emulator"
	"github.com/sergiochan/openpocket/internal/humanauth/bridge"
	"github.com/sergiochan/openpocket/internal/imagescale"
	"github.com/sergiochan/openpocket/internal/modelclient"
	"github.com/sergiochan/openpocket/internal/paths"
	"github.com/sergiochan/openpocket/internal/scriptexec"
	"github.com/sergiochan/openpocket/internal/session"
	"github.com/sergiochan/openpocket/internal/skills"
	"github.com/sergiochan/openpocket/internal/task"
)

// CronRunner lets an external Cron Scheduler submit a job's task through
// the same admission path as a chat-originated "/run" (§4.11). Left nil
// until the cron package is wired in by cmd/.
type CronRunner func(ctx context.Context, jobID string) (*task.Task, error)

// queuedTask is one FIFO-queued task awaiting the chat's running slot.
type queuedTask struct {
	task *task.Task
}

// Server is the Chat Gateway (§4.10).
type Server struct {
	Config   *config.Config
	Roots    paths.Roots
	Bus      *bus.Bus
	Channels map[string]channels.Channel

	Adb      *adbclient.Client
	Emulator *emulator.Manager
	Skills   *skills.Loader
	Scripts  *scriptexec.Executor
	Session  *session.Writer
	Bridge   *bridge.Bridge

	ModelFor func(profile string) (*modelclient.Client, string, error)

	Intent     IntentConfig
	Logs       *bus.RingBuffer
	CronRun    CronRunner
	DeviceID   func() string

	mu            sync.Mutex
	runningByChat map[string]*task.Task
	queueByChat   map[string][]queuedTask
	modelByChat   map[string]string
	cancelByChat  map[string]context.CancelFunc
	limiters      map[string]*rate.Limiter

	wg sync.WaitGroup
}

// New constructs a Server. Every collaborator is wired by cmd/.
func New(cfg *config.Config, roots paths.Roots) *Server {
	return &Server{
		Config:        cfg,
		Roots:         roots,
		Channels:      make(map[string]channels.Channel),
		Intent:        DefaultIntentConfig(),
		Logs:          bus.NewRingBuffer(2000),
		runningByChat: make(map[string]*task.Task),
		queueByChat:   make(map[string][]queuedTask),
		modelByChat:   make(map[string]string),
		cancelByChat:  make(map[string]context.CancelFunc),
		limiters:      make(map[string]*rate.Limiter),
	}
}

// RegisterChannel adds a provider channel to the gateway.
func (s *Server) RegisterChannel(ch channels.Channel) {
	s.Channels[ch.Name()] = ch
}

// RunningTasks returns a snapshot of every currently running Task, for
// the Heartbeat's stuck-task check (§4.11).
func (s *Server) RunningTasks() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task.Task, 0, len(s.runningByChat))
	for _, t := range s.runningByChat {
		out = append(out, t)
	}
	return out
}

func (s *Server) logLine(class, line string) {
	full := fmt.Sprintf("[%s] %s", class, line)
	if s.Logs != nil {
		s.Logs.Append(full)
	}
	switch class {
	case bus.LogError:
		slog.Error(line)
	case bus.LogWarn:
		slog.Warn(line)
	default:
		slog.Info(line)
	}
}

// Start begins channel delivery and the inbound/outbound dispatch loops. It
// returns a stop function the Supervisor calls with a reason on shutdown or
// restart (§4.12).
func (s *Server) Start(ctx context.Context) (stop func(reason string), err error) {
	runCtx, cancel := context.WithCancel(ctx)

	for name, ch := range s.Channels {
		if err := ch.Start(runCtx); err != nil {
			cancel()
			return nil, fmt.Errorf("start channel %s: %w", name, err)
		}
	}

	s.wg.Add(2)
	go s.consumeInbound(runCtx)
	go s.dispatchOutbound(runCtx)

	s.logLine(bus.LogGateway, "gateway started")

	stop = func(reason string) {
		s.logLine(bus.LogGateway, fmt.Sprintf("gateway stopping: %s", reason))
		cancel()
		for name, ch := range s.Channels {
			if err := ch.Stop(context.Background()); err != nil {
				s.logLine(bus.LogError, fmt.Sprintf("stop channel %s: %v", name, err))
			}
		}
		s.wg.Wait()
	}
	return stop, nil
}

func (s *Server) consumeInbound(ctx context.Context) {
	defer s.wg.Done()
	for {
		msg, ok := s.Bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		s.handleInbound(ctx, msg)
	}
}

func (s *Server) dispatchOutbound(ctx context.Context) {
	defer s.wg.Done()
	for {
		msg, ok := s.Bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		ch, exists := s.Channels[msg.Channel]
		if !exists {
			s.logLine(bus.LogWarn, fmt.Sprintf("outbound message for unknown channel %s", msg.Channel))
			continue
		}
		msg.Text = sanitizeOutbound(msg.Text)
		if err := ch.Send(ctx, msg); err != nil {
			s.logLine(bus.LogError, fmt.Sprintf("send to %s failed: %v", msg.Channel, err))
		}
	}
}

func (s *Server) reply(channelName, chatID, text string) {
	s.Bus.PublishOutbound(bus.OutboundMessage{Channel: channelName, ChatID: chatID, Text: text})
}

func (s *Server) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	if len(s.Config.Gateway.AllowedChatIDs) > 0 && !chatIDAllowed(s.Config.Gateway.AllowedChatIDs, msg.ChatID) {
		s.logLine(bus.LogWarn, fmt.Sprintf("dropped message from unadmitted chat %s", msg.ChatID))
		return
	}

	if !s.allow(msg.ChatID) {
		s.reply(msg.Channel, msg.ChatID, "Rate limit exceeded, please slow down.")
		return
	}

	if cmd, args, ok := parseCommand(msg.Text); ok {
		s.handleCommand(ctx, msg, cmd, args)
		return
	}

	if classifyTask(s.Intent, msg.Text) {
		s.submitFromChat(ctx, msg.Channel, msg.ChatID, msg.Text)
		return
	}

	s.reply(msg.Channel, msg.ChatID, "That doesn't read like a task. Use /run <task> or /help for commands.")
}

func chatIDAllowed(allowed []string, chatID string) bool {
	for _, a := range allowed {
		if a == chatID {
			return true
		}
	}
	return false
}

// allow applies a per-chat token-bucket rate limit (§4.10 "rate limiting").
func (s *Server) allow(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[chatID]
	if !ok {
		rpm := s.Config.Gateway.RateLimitRPM
		if rpm <= 0 {
			rpm = 20
		}
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
		s.limiters[chatID] = limiter
	}
	return limiter.Allow()
}

func (s *Server) modelProfileFor(chatID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelProfileForLocked(chatID)
}

// modelProfileForLocked returns the chat's model override, if any, else the
// configured default. Callers must hold s.mu.
func (s *Server) modelProfileForLocked(chatID string) string {
	if m, ok := s.modelByChat[chatID]; ok {
		return m
	}
	_, name, _ := s.Config.ResolveModel("")
	return name
}

// submitFromChat admits a chat-originated task behind the
// one-running-task-per-chat rule, queuing FIFO when the lane is busy
// (§9 Open Question resolution: "/run queues").
func (s *Server) submitFromChat(ctx context.Context, channelName, chatID, text string) {
	s.SubmitTask(ctx, channelName, chatID, text, s.modelProfileFor(chatID))
}

// SubmitTask admits a task through the same one-running-task-per-chat
// admission rule "/run" uses, queuing FIFO when the chat's lane is busy.
// The Cron Scheduler submits due jobs through this same path (§4.11).
func (s *Server) SubmitTask(ctx context.Context, channelName, chatID, text, modelProfile string) *task.Task {
	t := task.New(text, chatID, modelProfile)

	s.mu.Lock()
	if _, busy := s.runningByChat[chatID]; busy {
		s.queueByChat[chatID] = append(s.queueByChat[chatID], queuedTask{task: t})
		s.mu.Unlock()
		s.reply(channelName, chatID, "Task queued — a previous task for this chat is still running.")
		return t
	}
	s.mu.Unlock()

	s.runTask(ctx, channelName, chatID, t)
	return t
}

func (s *Server) runTask(ctx context.Context, channelName, chatID string, t *task.Task) {
	modelProfile := t.ModelProfile

	s.mu.Lock()
	s.runningByChat[chatID] = t
	taskCtx, cancel := context.WithCancel(ctx)
	s.cancelByChat[chatID] = cancel
	s.mu.Unlock()

	s.reply(channelName, chatID, fmt.Sprintf("Starting task %s", t.ID))

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.runningByChat, chatID)
			delete(s.cancelByChat, chatID)
			s.mu.Unlock()
			s.drainQueue(ctx, channelName, chatID)
		}()

		_, resolvedName, ok := s.Config.ResolveModel(modelProfile)
		if !ok {
			s.reply(channelName, chatID, fmt.Sprintf("model profile %q is not configured", modelProfile))
			return
		}
		model, modelName, err := s.ModelFor(resolvedName)
		if err != nil || model == nil {
			s.reply(channelName, chatID, fmt.Sprintf("failed to prepare model %q: %v", resolvedName, err))
			return
		}

		loop := &agentloop.Loop{
			Roots:       s.Roots,
			Adb:         s.Adb,
			Model:       model,
			Session:     s.Session,
			Scripts:     s.Scripts,
			Bridge:      s.Bridge,
			Agent:       s.Config.Agent,
			Screenshots: s.Config.Screenshots,
			ImageTarget: imagescale.TargetFor(modelName),
			OnOpened: func(o bridge.Opened) {
				if o.OpenURL != "" {
					s.reply(channelName, chatID, fmt.Sprintf("Action needs your approval: %s", o.OpenURL))
				} else {
					s.reply(channelName, chatID, fmt.Sprintf("Action needs your approval. Reply /auth approve %s or /auth reject %s", o.RequestID, o.RequestID))
				}
			},
		}

		deviceID := ""
		if s.DeviceID != nil {
			deviceID = s.DeviceID()
		}

		state, err := loop.Run(taskCtx, t, deviceID, buildSystemPrompt(s.Skills))
		if err != nil {
			s.logLine(bus.LogError, fmt.Sprintf("task %s errored: %v", t.ID, err))
		}
		s.reply(channelName, chatID, fmt.Sprintf("Task %s finished: %s", t.ID, state))
	}()
}

func (s *Server) drainQueue(ctx context.Context, channelName, chatID string) {
	s.mu.Lock()
	queue := s.queueByChat[chatID]
	if len(queue) == 0 {
		s.mu.Unlock()
		return
	}
	next := queue[0]
	s.queueByChat[chatID] = queue[1:]
	s.mu.Unlock()

	s.runTask(ctx, channelName, chatID, next.task)
}

func buildSystemPrompt(loader *skills.Loader) string {
	prompt := "You control an Android device via discrete UI actions. " +
		"Observe the screenshot and foreground app, then respond with exactly one action: " +
		"tap, swipe, type, keyevent, launch_app, shell, run_script, request_human_auth, wait, or finish. " +
		"Request human authorization before any destructive, payment, or permission-granting action."
	if loader == nil {
		return prompt
	}
	list := loader.List()
	if len(list) == 0 {
		return prompt
	}
	prompt += "\n\nAvailable skills:"
	for _, sk := range list {
		prompt += fmt.Sprintf("\n- %s: %s", sk.Name, sk.Description)
	}
	return prompt
}

// selfRestart asks the Supervisor to restart the process in place by
// signaling SIGUSR1 to the current process (§4.10 "/restart").
func selfRestart() error {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return err
	}
	return p.Signal(restartSignal)
}
