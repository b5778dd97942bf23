// Package notify renders announcement templates and delivers them to a
// guild's configured channel through a Sender capability.
package notify

import (
	"context"
	"errors"
	"strings"

	"github.com/mammothb/q-bot/watch"
)

// Sender is the outbound chat capability the transport provides.
type Sender interface {
	Send(ctx context.Context, channel, text string) error
}

// Render performs literal token substitution into template. Substitution is
// single pass: replaced text is never re-scanned, so a value containing a
// token-like string comes through verbatim.
func Render(template string, subs map[string]string) string {
	pairs := make([]string, 0, len(subs)*2)
	for k, v := range subs {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// Announcer delivers transition announcements for one provider. Token is the
// template placeholder for the entity's display name ("streamer" or
// "youtuber"); "{link}" is always substituted.
type Announcer struct {
	Sender Sender
	Token  string
}

// Announce renders the guild's template for rec and sends it to the guild's
// announcement channel. Delivery failure is reported, never retried here;
// retry policy lives with the caller's marker handling.
func (a *Announcer) Announce(ctx context.Context, g watch.Guild, rec watch.StatusRecord) error {
	if g.AnnouncementChannel == "" {
		return &watch.DeliveryError{Channel: "", Err: errors.New("no announcement channel configured")}
	}
	msg := Render(g.AnnouncementText, map[string]string{
		a.Token: rec.DisplayName,
		"link":  rec.Link,
	})
	if err := a.Sender.Send(ctx, g.AnnouncementChannel, msg); err != nil {
		return &watch.DeliveryError{Channel: g.AnnouncementChannel, Err: err}
	}
	return nil
}
