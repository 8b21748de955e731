// Package channels provides the provider-agnostic chat channel abstraction.
// Telegram and Discord implementations sit underneath; the Chat Gateway
// talks to them only through this interface (§4.10).
package channels

import (
	"context"
	"strings"
	"sync"

	"github.com/sergiochan/openpocket/internal/bus"
)

// Channel is a messaging provider (Telegram, Discord) wired into the Gateway.
type Channel interface {
	// Name returns the channel identifier, e.g. "telegram" or "discord".
	Name() string

	// Start begins receiving inbound messages and publishing them to the
	// bus. Returns once the provider connection is established; delivery
	// continues on background goroutines until Stop is called.
	Start(ctx context.Context) error

	// Stop gracefully ends delivery and releases the provider connection.
	Stop(ctx context.Context) error

	// Send delivers an outbound reply.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning reports whether the channel is actively connected.
	IsRunning() bool

	// IsAllowed checks chatID against the configured admission list.
	IsAllowed(chatID string) bool
}

// BaseChannel carries the fields and admission logic shared by every
// Channel implementation; concrete channels embed it.
type BaseChannel struct {
	name         string
	bus          *bus.Bus
	allowedChats []string

	mu      sync.RWMutex
	running bool
}

// NewBaseChannel constructs a BaseChannel. An empty allowedChats means open
// admission (§4.10 "empty = open").
func NewBaseChannel(name string, msgBus *bus.Bus, allowedChats []string) *BaseChannel {
	return &BaseChannel{name: name, bus: msgBus, allowedChats: allowedChats}
}

// Name implements Channel.
func (c *BaseChannel) Name() string { return c.name }

// Bus returns the shared message bus.
func (c *BaseChannel) Bus() *bus.Bus { return c.bus }

// IsRunning implements Channel.
func (c *BaseChannel) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// SetRunning updates the running flag.
func (c *BaseChannel) SetRunning(running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = running
}

// IsAllowed implements Channel's admission check.
func (c *BaseChannel) IsAllowed(chatID string) bool {
	if len(c.allowedChats) == 0 {
		return true
	}
	for _, allowed := range c.allowedChats {
		if strings.TrimSpace(allowed) == chatID {
			return true
		}
	}
	return false
}

// Publish forwards an inbound message to the bus for Gateway admission.
func (c *BaseChannel) Publish(chatID, senderID, text string) {
	c.bus.PublishInbound(bus.InboundMessage{
		Channel:  c.name,
		ChatID:   chatID,
		SenderID: senderID,
		Text:     text,
	})
}

// Truncate shortens s to maxLen runes, appending an ellipsis when cut.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "…"
}
