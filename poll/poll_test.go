package poll

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mammothb/q-bot/watch"
)

var sanitizer = regexp.MustCompile(`[^0-9a-zA-Z_]+`)

type fakeStore struct {
	guilds  []watch.Guild
	watched map[string][]string      // guildID -> entity ids
	markers map[string]watch.Marker  // guildID|entityID
	cycles  map[string]time.Time
	listErr error
	markErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		watched: make(map[string][]string),
		markers: make(map[string]watch.Marker),
		cycles:  make(map[string]time.Time),
	}
}

func (s *fakeStore) addGuild(id string) {
	s.guilds = append(s.guilds, watch.Guild{
		ID:                  id,
		AnnouncementChannel: id,
		AnnouncementText:    "{streamer} live {link}",
	})
}

func (s *fakeStore) watch(guildID, entityID string) {
	s.watched[guildID] = append(s.watched[guildID], entityID)
	s.markers[guildID+"|"+entityID] = watch.Marker{}
}

func (s *fakeStore) ListGuilds(ctx context.Context) ([]watch.Guild, error) {
	return s.guilds, s.listErr
}

func (s *fakeStore) GetWatchList(ctx context.Context, guildID, provider string) ([]watch.Entry, error) {
	var out []watch.Entry
	for _, id := range s.watched[guildID] {
		out = append(out, watch.Entry{
			GuildID:  guildID,
			Provider: provider,
			EntityID: id,
			Marker:   s.markers[guildID+"|"+id],
		})
	}
	return out, nil
}

func (s *fakeStore) SetMarker(ctx context.Context, guildID, provider, entityID string, m watch.Marker) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.markers[guildID+"|"+entityID] = m
	return nil
}

func (s *fakeStore) RecordCycle(ctx context.Context, provider string, at time.Time) error {
	s.cycles[provider] = at
	return nil
}

type fakeCollector struct {
	recs    []watch.StatusRecord
	err     error
	calls   int
	batches [][]string
}

func (c *fakeCollector) Fetch(ctx context.Context, ids []string) ([]watch.StatusRecord, error) {
	c.calls++
	c.batches = append(c.batches, ids)
	return c.recs, c.err
}

func (c *fakeCollector) SanitizeID(id string) string {
	return sanitizer.ReplaceAllString(strings.ToLower(id), "")
}

type fakeAnnouncer struct {
	fail bool
	sent []string // guildID|entityID|marker
}

func (a *fakeAnnouncer) Announce(ctx context.Context, g watch.Guild, rec watch.StatusRecord) error {
	if a.fail {
		return &watch.DeliveryError{Channel: g.AnnouncementChannel, Err: errors.New("boom")}
	}
	a.sent = append(a.sent, g.ID+"|"+rec.EntityID+"|"+rec.Marker)
	return nil
}

func live(id, session string) watch.StatusRecord {
	return watch.StatusRecord{EntityID: id, DisplayName: id, Link: "https://twitch.tv/" + id, Marker: session}
}

func newStreamMonitor(st *fakeStore, col *fakeCollector, an *fakeAnnouncer) *Monitor {
	return &Monitor{Provider: watch.ProviderTwitch, Kind: KindStream, Store: st, Collector: col, Announcer: an}
}

func TestStreamTransitionAnnouncesExactlyOnce(t *testing.T) {
	st := newFakeStore()
	st.addGuild("guild1")
	st.watch("guild1", "abc")
	col := &fakeCollector{recs: []watch.StatusRecord{live("abc", "s1")}}
	an := &fakeAnnouncer{}
	m := newStreamMonitor(st, col, an)

	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(an.sent) != 1 || an.sent[0] != "guild1|abc|s1" {
		t.Fatalf("sent = %v, want exactly [guild1|abc|s1]", an.sent)
	}
	if got := st.markers["guild1|abc"]; !got.Online || got.ID != "s1" {
		t.Fatalf("marker = %+v, want online s1", got)
	}

	// Same session still live: no re-announcement.
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(an.sent) != 1 {
		t.Fatalf("sent = %v, want no duplicate announcement", an.sent)
	}
}

func TestStreamOfflineResetThenNewSessionReannounces(t *testing.T) {
	st := newFakeStore()
	st.addGuild("guild1")
	st.watch("guild1", "abc")
	st.markers["guild1|abc"] = watch.Marker{Online: true, ID: "s1"}
	col := &fakeCollector{}
	an := &fakeAnnouncer{}
	m := newStreamMonitor(st, col, an)

	// Entity absent from the live set: marker resets to offline.
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if got := st.markers["guild1|abc"]; got.Online {
		t.Fatalf("marker = %+v, want offline", got)
	}
	if len(an.sent) != 0 {
		t.Fatalf("sent = %v, want none", an.sent)
	}

	// New session: announces again.
	col.recs = []watch.StatusRecord{live("abc", "s2")}
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(an.sent) != 1 || an.sent[0] != "guild1|abc|s2" {
		t.Fatalf("sent = %v, want [guild1|abc|s2]", an.sent)
	}
	if got := st.markers["guild1|abc"]; !got.Online || got.ID != "s2" {
		t.Fatalf("marker = %+v, want online s2", got)
	}
}

func TestDeliveryFailureKeepsMarkerAndRetries(t *testing.T) {
	st := newFakeStore()
	st.addGuild("guild1")
	st.watch("guild1", "abc")
	col := &fakeCollector{recs: []watch.StatusRecord{live("abc", "s1")}}
	an := &fakeAnnouncer{fail: true}
	m := newStreamMonitor(st, col, an)

	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if got := st.markers["guild1|abc"]; got.Online {
		t.Fatalf("marker advanced despite delivery failure: %+v", got)
	}

	// The identical transition fires again once delivery recovers.
	an.fail = false
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(an.sent) != 1 || an.sent[0] != "guild1|abc|s1" {
		t.Fatalf("sent = %v, want [guild1|abc|s1]", an.sent)
	}
	if got := st.markers["guild1|abc"]; !got.Online || got.ID != "s1" {
		t.Fatalf("marker = %+v, want online s1", got)
	}
}

func TestUnionDeduplicatesAcrossGuilds(t *testing.T) {
	st := newFakeStore()
	st.addGuild("guild1")
	st.addGuild("guild2")
	st.watch("guild1", "abc")
	st.watch("guild2", "abc")
	col := &fakeCollector{recs: []watch.StatusRecord{live("abc", "s1")}}
	an := &fakeAnnouncer{}
	m := newStreamMonitor(st, col, an)

	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if col.calls != 1 {
		t.Fatalf("collector calls = %d, want 1", col.calls)
	}
	if len(col.batches[0]) != 1 || col.batches[0][0] != "abc" {
		t.Fatalf("batch = %v, want [abc]", col.batches[0])
	}
	// Both guilds still get their own announcement.
	if len(an.sent) != 2 {
		t.Fatalf("sent = %v, want one announcement per guild", an.sent)
	}
}

func TestSanitizedIdentifiersInBatch(t *testing.T) {
	st := newFakeStore()
	st.addGuild("guild1")
	st.watch("guild1", "Bad Name!!")
	col := &fakeCollector{}
	m := newStreamMonitor(st, col, &fakeAnnouncer{})

	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(col.batches) != 1 || len(col.batches[0]) != 1 || col.batches[0][0] != "badname" {
		t.Fatalf("batch = %v, want [badname]", col.batches)
	}
}

func TestProviderErrorAbortsCycleWithoutOfflineFlap(t *testing.T) {
	st := newFakeStore()
	st.addGuild("guild1")
	st.watch("guild1", "abc")
	st.markers["guild1|abc"] = watch.Marker{Online: true, ID: "s1"}
	col := &fakeCollector{err: &watch.ProviderError{Provider: "twitch", Op: "fetch", Err: errors.New("timeout")}}
	m := newStreamMonitor(st, col, &fakeAnnouncer{})

	if err := m.Check(context.Background()); err == nil {
		t.Fatal("Check() expected error")
	}
	// A failed fetch must not look like "everyone went offline".
	if got := st.markers["guild1|abc"]; !got.Online || got.ID != "s1" {
		t.Fatalf("marker = %+v, want untouched online s1", got)
	}
}

func TestUploadTransitionAnnouncesOnNewVideo(t *testing.T) {
	st := newFakeStore()
	st.addGuild("guild1")
	st.watch("guild1", "c1")
	st.markers["guild1|c1"] = watch.Marker{ID: "v1"}
	col := &fakeCollector{recs: []watch.StatusRecord{{EntityID: "c1", DisplayName: "Chan", Link: "https://youtu.be/v2", Marker: "v2"}}}
	an := &fakeAnnouncer{}
	m := &Monitor{Provider: watch.ProviderYouTube, Kind: KindUpload, Store: st, Collector: col, Announcer: an}

	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(an.sent) != 1 || an.sent[0] != "guild1|c1|v2" {
		t.Fatalf("sent = %v, want [guild1|c1|v2]", an.sent)
	}
	if got := st.markers["guild1|c1"]; got.ID != "v2" {
		t.Fatalf("marker = %+v, want v2", got)
	}

	// Same latest video on the next cycle: nothing new to say.
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(an.sent) != 1 {
		t.Fatalf("sent = %v, want no duplicate", an.sent)
	}
}

func TestEmptyWatchListsSkipFetch(t *testing.T) {
	st := newFakeStore()
	st.addGuild("guild1")
	col := &fakeCollector{}
	m := newStreamMonitor(st, col, &fakeAnnouncer{})

	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if col.calls != 0 {
		t.Fatalf("collector calls = %d, want 0", col.calls)
	}
}

func TestRecordCycleWritten(t *testing.T) {
	st := newFakeStore()
	st.addGuild("guild1")
	st.watch("guild1", "abc")
	col := &fakeCollector{recs: []watch.StatusRecord{live("abc", "s1")}}
	m := newStreamMonitor(st, col, &fakeAnnouncer{})

	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if _, ok := st.cycles[watch.ProviderTwitch]; !ok {
		t.Fatal("cycle completion time not recorded")
	}
}
