// Package discord implements the Discord gateway channel (§4.10, §6).
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/sergiochan/openpocket/internal/bus"
	"github.com/sergiochan/openpocket/internal/channels"
)

// Channel connects to Discord over the gateway websocket.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	botUserID string
}

// New constructs a Discord channel. token must already be resolved.
func New(token string, allowedChats []string, msgBus *bus.Bus) (*Channel, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	c := &Channel{
		BaseChannel: channels.NewBaseChannel("discord", msgBus, allowedChats),
		session:     session,
	}
	session.AddHandler(c.handleMessage)
	return c, nil
}

// Start opens the Discord gateway connection.
func (c *Channel) Start(_ context.Context) error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		_ = c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.SetRunning(true)
	slog.Info("discord channel connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}
	if m.Content == "" {
		return
	}
	if !c.IsAllowed(m.ChannelID) {
		slog.Debug("discord message dropped by admission", "channelId", m.ChannelID)
		return
	}
	c.Publish(m.ChannelID, m.Author.ID, m.Content)
}

// Send delivers an outbound reply, truncated with an ellipsis at Discord's
// 2000-char limit.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	text := channels.Truncate(msg.Text, 2000)
	_, err := c.session.ChannelMessageSend(msg.ChatID, text)
	return err
}
