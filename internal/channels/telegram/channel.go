// Package telegram implements the Telegram Bot API channel using long
// polling (§4.10, §6).
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mymmrac/telego"

	"github.com/sergiochan/openpocket/internal/bus"
	"github.com/sergiochan/openpocket/internal/channels"
)

const maxMessageRunes = 4096

// Channel connects to Telegram via long polling.
type Channel struct {
	*channels.BaseChannel
	bot            *telego.Bot
	pollTimeoutSec int

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New constructs a Telegram channel. token must already be resolved from
// config/env (§4.1 secret precedence).
func New(token string, allowedChats []string, pollTimeoutSec int, msgBus *bus.Bus) (*Channel, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	if pollTimeoutSec <= 0 {
		pollTimeoutSec = 30
	}
	return &Channel{
		BaseChannel:    channels.NewBaseChannel("telegram", msgBus, allowedChats),
		bot:            bot,
		pollTimeoutSec: pollTimeoutSec,
	}, nil
}

// Start begins long-polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        c.pollTimeoutSec,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start telegram long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram channel connected", "username", c.bot.Username())

	go c.bootstrapMenu(pollCtx)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil || update.Message.Text == "" {
					continue
				}
				chatID := fmt.Sprintf("%d", update.Message.Chat.ID)
				senderID := chatID
				if update.Message.From != nil {
					senderID = fmt.Sprintf("%d", update.Message.From.ID)
				}
				if !c.IsAllowed(chatID) {
					slog.Debug("telegram message dropped by admission", "chatId", chatID)
					continue
				}
				c.Publish(chatID, senderID, update.Message.Text)
			}
		}
	}()

	return nil
}

// bootstrapMenu registers the command list with retry (§4.10 "on first
// successful startup, register the command list with the provider").
func (c *Channel) bootstrapMenu(ctx context.Context) {
	for attempt := 1; attempt <= 3; attempt++ {
		if err := c.syncMenuCommands(ctx); err != nil {
			slog.Warn("telegram menu sync failed", "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * 5 * time.Second):
			}
			continue
		}
		slog.Info("telegram menu commands synced")
		return
	}
}

func (c *Channel) syncMenuCommands(ctx context.Context) error {
	return c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: defaultMenuCommands()})
}

// SyncCommandMenu registers the command list once, without starting long
// polling — used by the `telegram setup` CLI verb (§6).
func (c *Channel) SyncCommandMenu(ctx context.Context) error {
	return c.syncMenuCommands(ctx)
}

// WhoAmI returns the bot's own Telegram identity, for the `telegram
// whoami` CLI verb (§6).
func (c *Channel) WhoAmI(ctx context.Context) (*telego.User, error) {
	return c.bot.GetMe(ctx)
}

func defaultMenuCommands() []telego.BotCommand {
	return []telego.BotCommand{
		{Command: "help", Description: "Show available commands"},
		{Command: "status", Description: "Show runtime status"},
		{Command: "model", Description: "Show or switch the active model profile"},
		{Command: "startvm", Description: "Start the emulator"},
		{Command: "stopvm", Description: "Stop the emulator"},
		{Command: "hidevm", Description: "Hide the emulator window"},
		{Command: "showvm", Description: "Show the emulator window"},
		{Command: "screen", Description: "Capture a screenshot"},
		{Command: "skills", Description: "List loaded skills"},
		{Command: "clear", Description: "Clear chat-local state"},
		{Command: "reset", Description: "Reset the session"},
		{Command: "stop", Description: "Cancel the running task"},
		{Command: "restart", Description: "Restart the gateway"},
		{Command: "cronrun", Description: "Run a cron job now"},
		{Command: "run", Description: "Queue a phone-use task"},
		{Command: "auth", Description: "Show pending human-auth requests"},
	}
}

// Stop cancels long polling and waits for the polling goroutine to exit.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit in time")
		}
	}
	return nil
}

// Send delivers an outbound reply, truncated with an ellipsis at the
// provider's message limit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	var chatID int64
	if _, err := fmt.Sscanf(msg.ChatID, "%d", &chatID); err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}
	text := channels.Truncate(msg.Text, maxMessageRunes)
	_, err := c.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   text,
	})
	return err
}
