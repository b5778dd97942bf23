package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/mammothb/q-bot/watch"
)

type recordingSender struct {
	channel string
	text    string
	err     error
}

func (s *recordingSender) Send(ctx context.Context, channel, text string) error {
	s.channel = channel
	s.text = text
	return s.err
}

func TestRenderSubstitutesAllPlaceholders(t *testing.T) {
	got := Render("{streamer} is live on {link} !", map[string]string{
		"streamer": "somestreamer",
		"link":     "https://twitch.tv/somestreamer",
	})
	want := "somestreamer is live on https://twitch.tv/somestreamer !"
	if got != want {
		t.Fatalf("Render() = %q, want %q", got, want)
	}
}

func TestRenderIsSinglePass(t *testing.T) {
	// A substituted value that itself looks like a placeholder must not be
	// substituted again.
	got := Render("{link}", map[string]string{
		"link":     "{streamer}",
		"streamer": "oops",
	})
	if got != "{streamer}" {
		t.Fatalf("Render() = %q, want literal {streamer}", got)
	}
}

func TestRenderLeavesUnknownPlaceholders(t *testing.T) {
	got := Render("hello {unknown}", map[string]string{"streamer": "x"})
	if got != "hello {unknown}" {
		t.Fatalf("Render() = %q, want template untouched", got)
	}
}

func TestAnnounceRendersTemplate(t *testing.T) {
	sender := &recordingSender{}
	a := &Announcer{Sender: sender, Token: "streamer"}
	g := watch.Guild{
		ID:                  "guild1",
		AnnouncementChannel: "announce",
		AnnouncementText:    "{streamer} is now live on {link} !",
	}
	rec := watch.StatusRecord{EntityID: "abc", DisplayName: "ABC", Link: "https://twitch.tv/abc"}

	if err := a.Announce(context.Background(), g, rec); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	if sender.channel != "announce" {
		t.Errorf("channel = %q, want %q", sender.channel, "announce")
	}
	if want := "ABC is now live on https://twitch.tv/abc !"; sender.text != want {
		t.Errorf("text = %q, want %q", sender.text, want)
	}
}

func TestAnnounceMissingChannel(t *testing.T) {
	a := &Announcer{Sender: &recordingSender{}, Token: "streamer"}
	g := watch.Guild{ID: "guild1", AnnouncementText: "hi"}

	err := a.Announce(context.Background(), g, watch.StatusRecord{EntityID: "abc"})
	var de *watch.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("Announce() error = %v, want DeliveryError", err)
	}
}

func TestAnnounceSendFailureWrapped(t *testing.T) {
	cause := errors.New("connection reset")
	a := &Announcer{Sender: &recordingSender{err: cause}, Token: "streamer"}
	g := watch.Guild{ID: "guild1", AnnouncementChannel: "announce", AnnouncementText: "hi"}

	err := a.Announce(context.Background(), g, watch.StatusRecord{EntityID: "abc"})
	var de *watch.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("Announce() error = %v, want DeliveryError", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("Announce() error chain does not contain the send failure: %v", err)
	}
}
