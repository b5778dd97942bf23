package extensions

import (
	"context"
	"regexp"
	"strings"

	"github.com/mammothb/q-bot/bot"
)

// Help renders the usage list for every registered command. Bind is called
// after the runtime is assembled, since help lists the other extensions too.
type Help struct {
	commands []bot.Command
	exts     []bot.Extension
}

func NewHelp(prefix string) *Help {
	h := &Help{}
	h.commands = []bot.Command{{
		Pattern:     regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `help$`),
		Handler:     h.help,
		Usage:       prefix + "help",
		Description: "Get help",
	}}
	return h
}

// Bind records the extensions whose commands the help text covers.
func (h *Help) Bind(exts ...bot.Extension) { h.exts = exts }

func (h *Help) Name() string { return "Help" }

func (h *Help) Commands() []bot.Command { return h.commands }

func (h *Help) Checks() []bot.Check { return nil }

func (h *Help) help(ctx context.Context, msg bot.Message, args []string) (string, error) {
	var usages []string
	for _, ext := range h.exts {
		for _, cmd := range ext.Commands() {
			usages = append(usages, cmd.Usage)
		}
	}
	if len(usages) == 0 {
		return "There's no command to show", nil
	}
	return "Commands: " + strings.Join(usages, " | "), nil
}
