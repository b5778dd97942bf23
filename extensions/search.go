package extensions

import (
	"context"
	"fmt"
	"regexp"

	"github.com/mammothb/q-bot/bot"
	"github.com/mammothb/q-bot/watch"
)

// ChannelSearcher finds the top Twitch channel for a free-text query.
type ChannelSearcher interface {
	SearchChannels(ctx context.Context, query string) (watch.StatusRecord, error)
}

// VideoSearcher finds the top YouTube video for a free-text query.
type VideoSearcher interface {
	SearchVideos(ctx context.Context, query string) (string, error)
}

// Search provides informational lookup commands. It holds no state and runs
// no checks. The youtube command is only registered when a searcher is
// configured.
type Search struct {
	commands []bot.Command
}

func NewSearch(prefix string, twitch ChannelSearcher, youtube VideoSearcher) *Search {
	s := &Search{}
	p := regexp.QuoteMeta(prefix)
	if twitch != nil {
		s.commands = append(s.commands, bot.Command{
			Pattern: regexp.MustCompile(`^` + p + `twitch (.+)$`),
			Handler: func(ctx context.Context, msg bot.Message, args []string) (string, error) {
				rec, err := twitch.SearchChannels(ctx, args[0])
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%s: %s", rec.DisplayName, rec.Link), nil
			},
			Usage:       prefix + "twitch <name>",
			Description: "Search Twitch channels",
		})
	}
	if youtube != nil {
		s.commands = append(s.commands, bot.Command{
			Pattern: regexp.MustCompile(`^` + p + `youtube (.+)$`),
			Handler: func(ctx context.Context, msg bot.Message, args []string) (string, error) {
				return youtube.SearchVideos(ctx, args[0])
			},
			Usage:       prefix + "youtube <video name>",
			Description: "Search YouTube videos",
		})
	}
	return s
}

func (s *Search) Name() string { return "Search" }

func (s *Search) Commands() []bot.Command { return s.commands }

func (s *Search) Checks() []bot.Check { return nil }
