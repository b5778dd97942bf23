// Package bot is the extension runtime: it holds the statically registered
// extensions, dispatches inbound chat messages to the first matching command,
// and runs each extension's recurring checks on its own goroutine.
package bot

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/mammothb/q-bot/telemetry"
	"github.com/mammothb/q-bot/watch"
)

const notFoundReply = "I didn't find anything..."

// Message is one inbound chat event, tagged with its guild and channel.
type Message struct {
	Guild    string // tenant: the chat channel the bot serves
	Channel  string // channel the message arrived in (reply target)
	Author   string
	Text     string
	Elevated bool // broadcaster or moderator in this guild
}

// Handler runs a matched command. args are the pattern's capture groups.
// The returned string, if non-empty, is sent back to the message's channel.
type Handler func(ctx context.Context, msg Message, args []string) (string, error)

// Command is one (pattern, permission predicate, handler) record. Commands
// are immutable after registration.
type Command struct {
	Pattern     *regexp.Regexp
	Require     func(Message) bool // nil means no gate; elevated users always bypass
	Handler     Handler
	Usage       string
	Description string
}

// Check is one recurring background task: Run is invoked every Interval for
// the life of the process.
type Check struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Extension is a registered bundle of related commands and recurring checks.
// Extensions are stateless; persistence belongs to the store.
type Extension interface {
	Name() string
	Commands() []Command
	Checks() []Check
}

// Sender delivers a chat reply.
type Sender interface {
	Send(ctx context.Context, channel, text string) error
}

// Runtime owns no domain state; it is a pure dispatcher.
type Runtime struct {
	sender Sender
	exts   []Extension

	ready     chan struct{}
	readyOnce sync.Once
}

// New registers the given extensions. Registration is static: all extension
// types are known at build time and assembled explicitly by the caller.
func New(sender Sender, exts ...Extension) *Runtime {
	n := 0
	for _, e := range exts {
		n += len(e.Commands())
	}
	rt := &Runtime{sender: sender, exts: exts, ready: make(chan struct{})}
	slog.Info("extensions registered", slog.Int("extensions", len(exts)), slog.Int("commands", n))
	return rt
}

// Extensions exposes the registered extensions (used by the help command).
func (r *Runtime) Extensions() []Extension { return r.exts }

// SetReady unblocks recurring checks. Call once the chat transport is connected.
func (r *Runtime) SetReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}

// HandleMessage tries every registered command in registration order and
// executes the first structural match. Handler errors never escape: they are
// turned into a chat reply and logged.
func (r *Runtime) HandleMessage(ctx context.Context, msg Message) {
	for _, ext := range r.exts {
		for _, cmd := range ext.Commands() {
			m := cmd.Pattern.FindStringSubmatch(msg.Text)
			if m == nil {
				continue
			}
			// Broadcaster/moderators bypass the predicate unconditionally.
			if cmd.Require != nil && !msg.Elevated && !cmd.Require(msg) {
				return
			}
			telemetry.IncCommandDispatched()
			slog.Info("command", slog.String("guild", msg.Guild), slog.String("author", msg.Author), slog.String("text", msg.Text))
			reply, err := cmd.Handler(ctx, msg, m[1:])
			switch {
			case errors.Is(err, watch.ErrNotFound):
				reply = notFoundReply
			case err != nil:
				telemetry.IncCommandError()
				slog.Error("command handler failed",
					slog.String("guild", msg.Guild), slog.String("usage", cmd.Usage), slog.Any("err", err))
				reply = "Something went wrong, try again later."
			}
			if reply != "" {
				if err := r.sender.Send(ctx, msg.Channel, reply); err != nil {
					slog.Warn("failed to send reply", slog.String("channel", msg.Channel), slog.Any("err", err))
				}
			}
			return // patterns are mutually exclusive by construction
		}
	}
}

// StartChecks launches every extension's recurring checks, one goroutine per
// check. Checks wait for SetReady, then loop forever: a failing or panicking
// iteration is logged and the next interval still fires. On ctx cancellation
// the in-flight iteration finishes before the loop exits.
func (r *Runtime) StartChecks(ctx context.Context) {
	for _, ext := range r.exts {
		for _, chk := range ext.Checks() {
			go r.runCheck(ctx, ext.Name(), chk)
		}
	}
}

func (r *Runtime) runCheck(ctx context.Context, extName string, chk Check) {
	select {
	case <-ctx.Done():
		return
	case <-r.ready:
	}
	slog.Info("check started", slog.String("extension", extName), slog.String("check", chk.Name), slog.Duration("interval", chk.Interval))
	for {
		r.runOnce(ctx, chk)
		select {
		case <-ctx.Done():
			return
		case <-time.After(chk.Interval):
		}
	}
}

func (r *Runtime) runOnce(ctx context.Context, chk Check) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("check panicked", slog.String("check", chk.Name), slog.Any("panic", rec))
		}
	}()
	if err := chk.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("check failed, retrying next interval",
			slog.String("check", chk.Name), slog.Duration("interval", chk.Interval), slog.Any("err", err))
	}
}
