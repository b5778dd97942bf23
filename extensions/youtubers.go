package extensions

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mammothb/q-bot/bot"
	"github.com/mammothb/q-bot/poll"
	"github.com/mammothb/q-bot/watch"
)

// UploadProvider is the video-upload collector surface. Latest seeds the
// marker at add time so only uploads published afterwards are announced.
type UploadProvider interface {
	poll.Collector
	ValidateEntity(ctx context.Context, id string) (string, error)
	Latest(ctx context.Context, id string) (watch.StatusRecord, error)
}

// Youtubers watches YouTube channels and announces new uploads.
type Youtubers struct {
	store    WatchStore
	provider UploadProvider
	monitor  *poll.Monitor
	commands []bot.Command
	interval time.Duration
}

func NewYoutubers(prefix string, st WatchStore, provider UploadProvider, announcer poll.Announcer, interval time.Duration) *Youtubers {
	y := &Youtubers{
		store:    st,
		provider: provider,
		interval: interval,
		monitor: &poll.Monitor{
			Provider:     watch.ProviderYouTube,
			Kind:         poll.KindUpload,
			Store:        st,
			Collector:    provider,
			Announcer:    announcer,
			FetchTimeout: 30 * time.Second,
		},
	}
	p := regexp.QuoteMeta(prefix)
	y.commands = []bot.Command{
		{
			Pattern:     regexp.MustCompile(`^` + p + `youtuber (.*)$`),
			Handler:     y.youtuber,
			Usage:       prefix + "youtuber add|rm <channel-id>",
			Description: "Watch or unwatch a YouTube channel for new uploads",
		},
		{
			Pattern:     regexp.MustCompile(`^` + p + `youtuber_setup (\S+) (.+)$`),
			Handler:     y.setup,
			Usage:       prefix + "youtuber_setup <channel> <template>",
			Description: "Set the announcement channel and message template",
		},
	}
	return y
}

func (y *Youtubers) Name() string { return "Youtubers" }

func (y *Youtubers) Commands() []bot.Command { return y.commands }

func (y *Youtubers) Checks() []bot.Check {
	return []bot.Check{{Name: "youtuber_check", Interval: y.interval, Run: y.monitor.Check}}
}

func (y *Youtubers) youtuber(ctx context.Context, msg bot.Message, args []string) (string, error) {
	fields := strings.Fields(args[0])
	if len(fields) != 2 {
		return "Not enough arguments", nil
	}
	op, name := fields[0], fields[1]
	id := y.provider.SanitizeID(name)
	switch op {
	case "add":
		display, err := y.provider.ValidateEntity(ctx, id)
		if err != nil {
			return "", err
		}
		// Seed the marker with the channel's current latest upload so the
		// backlog is not announced on the first cycle.
		marker := watch.Marker{}
		if rec, err := y.provider.Latest(ctx, id); err == nil {
			marker.ID = rec.Marker
		} else if !errors.Is(err, watch.ErrNotFound) {
			return "", err
		}
		if _, err := y.store.AddWatch(ctx, msg.Guild, watch.ProviderYouTube, id, display, marker); err != nil {
			return "", err
		}
		return fmt.Sprintf("Added youtuber %s!", display), nil
	case "rm":
		removed, err := y.store.RemoveWatch(ctx, msg.Guild, watch.ProviderYouTube, id)
		if err != nil {
			return "", err
		}
		if !removed {
			return "", watch.ErrNotFound
		}
		return fmt.Sprintf("Removed youtuber %s!", id), nil
	default:
		return "Unknown command, use 'add' or 'rm'.", nil
	}
}

func (y *Youtubers) setup(ctx context.Context, msg bot.Message, args []string) (string, error) {
	channel := strings.ToLower(strings.TrimPrefix(args[0], "#"))
	if err := y.store.SetAnnouncement(ctx, msg.Guild, channel, args[1]); err != nil {
		return "", err
	}
	g, err := y.store.GetGuild(ctx, msg.Guild)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Announcement setup updated! Announcing in #%s.", g.AnnouncementChannel), nil
}
