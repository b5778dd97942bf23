// Package chat is the Twitch IRC transport: it joins every configured guild
// channel, feeds inbound messages to the extension runtime, and exposes the
// send capability used for replies and announcements.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/mammothb/q-bot/bot"
)

// GuildStore creates guild rows on first contact.
type GuildStore interface {
	EnsureGuild(ctx context.Context, id, name string) error
}

// Client wraps the IRC connection for the lifetime of the process.
type Client struct {
	irc      *twitch.Client
	store    GuildStore
	channels []string
	seen     sync.Map // guild ids already ensured this process
}

func New(username, oauthToken string, channels []string, gs GuildStore) *Client {
	if oauthToken != "" && !strings.HasPrefix(oauthToken, "oauth:") {
		oauthToken = "oauth:" + oauthToken
	}
	return &Client{
		irc:      twitch.NewClient(username, oauthToken),
		store:    gs,
		channels: channels,
	}
}

// Send delivers text to a channel. The IRC client has no per-message ack, so
// the only detectable delivery failure here is a missing channel.
func (c *Client) Send(ctx context.Context, channel, text string) error {
	if channel == "" {
		return errors.New("empty channel")
	}
	c.irc.Say(channel, text)
	return nil
}

// Run connects and blocks until ctx is cancelled. The runtime is marked ready
// once the connection is up, which releases the recurring checks.
func (c *Client) Run(ctx context.Context, rt *bot.Runtime) error {
	c.irc.OnConnect(func() {
		slog.Info("connected to twitch chat", slog.Any("channels", c.channels))
		rt.SetReady()
	})
	c.irc.OnPrivateMessage(func(m twitch.PrivateMessage) {
		guild := strings.ToLower(m.Channel)
		if _, ok := c.seen.LoadOrStore(guild, struct{}{}); !ok {
			if err := c.store.EnsureGuild(ctx, guild, guild); err != nil {
				slog.Error("failed to ensure guild", slog.String("guild", guild), slog.Any("err", err))
				c.seen.Delete(guild)
				return
			}
		}
		msg := bot.Message{
			Guild:    guild,
			Channel:  guild,
			Author:   m.User.Name,
			Text:     m.Message,
			Elevated: elevated(m),
		}
		// Each message is handled on its own goroutine so a slow handler
		// never blocks the IRC read loop.
		go rt.HandleMessage(ctx, msg)
	})
	c.irc.Join(c.channels...)

	go func() {
		<-ctx.Done()
		if err := c.irc.Disconnect(); err != nil {
			slog.Warn("twitch chat disconnect", slog.Any("err", err))
		}
	}()

	if err := c.irc.Connect(); err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
		return err
	}
	return nil
}

// elevated reports whether the author is the broadcaster or a moderator of
// the channel the message arrived in.
func elevated(m twitch.PrivateMessage) bool {
	return m.User.Badges["broadcaster"] > 0 || m.User.Badges["moderator"] > 0
}
