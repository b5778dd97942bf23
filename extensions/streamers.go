// Package extensions contains the bot's registered extensions: streamers and
// youtubers (watch-list commands plus their recurring live/upload checks),
// search, and help.
package extensions

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mammothb/q-bot/bot"
	"github.com/mammothb/q-bot/poll"
	"github.com/mammothb/q-bot/watch"
)

// WatchStore is the persistence surface the watch-list extensions need.
// *store.Store satisfies it.
type WatchStore interface {
	poll.Store
	GetGuild(ctx context.Context, id string) (watch.Guild, error)
	AddWatch(ctx context.Context, guildID, provider, entityID, displayName string, m watch.Marker) (bool, error)
	RemoveWatch(ctx context.Context, guildID, provider, entityID string) (bool, error)
	SetAnnouncement(ctx context.Context, id, channel, text string) error
}

// StreamProvider is the live-stream collector surface: batched fetch for the
// check plus entity validation for the add command.
type StreamProvider interface {
	poll.Collector
	ValidateEntity(ctx context.Context, id string) (string, error)
}

// Streamers watches Twitch logins and announces go-live transitions.
type Streamers struct {
	store    WatchStore
	provider StreamProvider
	monitor  *poll.Monitor
	commands []bot.Command
	interval time.Duration
}

func NewStreamers(prefix string, st WatchStore, provider StreamProvider, announcer poll.Announcer, interval time.Duration) *Streamers {
	s := &Streamers{
		store:    st,
		provider: provider,
		interval: interval,
		monitor: &poll.Monitor{
			Provider:     watch.ProviderTwitch,
			Kind:         poll.KindStream,
			Store:        st,
			Collector:    provider,
			Announcer:    announcer,
			FetchTimeout: 25 * time.Second,
		},
	}
	p := regexp.QuoteMeta(prefix)
	s.commands = []bot.Command{
		{
			Pattern:     regexp.MustCompile(`^` + p + `streamer (.*)$`),
			Handler:     s.streamer,
			Usage:       prefix + "streamer add|rm <login>",
			Description: "Watch or unwatch a Twitch streamer",
		},
		{
			Pattern:     regexp.MustCompile(`^` + p + `streamer_setup (\S+) (.+)$`),
			Handler:     s.setup,
			Usage:       prefix + "streamer_setup <channel> <template>",
			Description: "Set the announcement channel and message template",
		},
	}
	return s
}

func (s *Streamers) Name() string { return "Streamers" }

func (s *Streamers) Commands() []bot.Command { return s.commands }

func (s *Streamers) Checks() []bot.Check {
	return []bot.Check{{Name: "streamer_check", Interval: s.interval, Run: s.monitor.Check}}
}

func (s *Streamers) streamer(ctx context.Context, msg bot.Message, args []string) (string, error) {
	fields := strings.Fields(args[0])
	if len(fields) != 2 {
		return "Not enough arguments", nil
	}
	op, name := fields[0], fields[1]
	login := s.provider.SanitizeID(name)
	switch op {
	case "add":
		// Validate against the provider first so an unknown login is never
		// silently watched forever.
		display, err := s.provider.ValidateEntity(ctx, login)
		if err != nil {
			return "", err
		}
		if _, err := s.store.AddWatch(ctx, msg.Guild, watch.ProviderTwitch, login, display, watch.Marker{}); err != nil {
			return "", err
		}
		return fmt.Sprintf("Added streamer %s!", login), nil
	case "rm":
		removed, err := s.store.RemoveWatch(ctx, msg.Guild, watch.ProviderTwitch, login)
		if err != nil {
			return "", err
		}
		if !removed {
			return "", watch.ErrNotFound
		}
		return fmt.Sprintf("Removed streamer %s!", login), nil
	default:
		return "Unknown command, use 'add' or 'rm'.", nil
	}
}

func (s *Streamers) setup(ctx context.Context, msg bot.Message, args []string) (string, error) {
	channel := strings.ToLower(strings.TrimPrefix(args[0], "#"))
	if err := s.store.SetAnnouncement(ctx, msg.Guild, channel, args[1]); err != nil {
		return "", err
	}
	// Read the row back so the confirmation reflects what was stored, not
	// what was typed.
	g, err := s.store.GetGuild(ctx, msg.Guild)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Announcement setup updated! Announcing in #%s.", g.AnnouncementChannel), nil
}
