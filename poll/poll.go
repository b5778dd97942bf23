// Package poll implements the recurring live-status notification cycle: it
// aggregates watch-lists across all guilds, asks the provider collector for
// the union in one batched fetch, fans results back out per guild, diffs
// against stored markers, and announces firing transitions.
package poll

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mammothb/q-bot/telemetry"
	"github.com/mammothb/q-bot/watch"
)

// Store is the persistence the cycle needs. All operations are guild-scoped.
type Store interface {
	ListGuilds(ctx context.Context) ([]watch.Guild, error)
	GetWatchList(ctx context.Context, guildID, provider string) ([]watch.Entry, error)
	SetMarker(ctx context.Context, guildID, provider, entityID string, m watch.Marker) error
	RecordCycle(ctx context.Context, provider string, at time.Time) error
}

// Collector is the provider capability: batched status fetch plus the
// provider's identifier sanitization alphabet.
type Collector interface {
	Fetch(ctx context.Context, ids []string) ([]watch.StatusRecord, error)
	SanitizeID(id string) string
}

// Announcer delivers one transition announcement to one guild.
type Announcer interface {
	Announce(ctx context.Context, g watch.Guild, rec watch.StatusRecord) error
}

// Kind selects the marker semantics for a provider.
type Kind int

const (
	// KindStream: marker is (online, session id); fires on a session id not
	// previously recorded as announced; absence resets the entry to offline.
	KindStream Kind = iota
	// KindUpload: marker is the last announced video id; fires when the
	// returned latest id differs.
	KindUpload
)

// Monitor runs the polling cycle for one provider. A single Monitor owns its
// provider's cycle end to end, so no two writers ever race on the same
// (guild, provider, entity) marker.
type Monitor struct {
	Provider  string
	Kind      Kind
	Store     Store
	Collector Collector
	Announcer Announcer
	// FetchTimeout bounds the provider call so a stalled provider cannot
	// starve the schedule.
	FetchTimeout time.Duration
}

// Check runs one cycle. A store failure listing guilds or a provider fetch
// failure aborts the cycle (the scheduler logs and tries again next interval);
// per-guild failures are logged and skip only that guild.
func (m *Monitor) Check(ctx context.Context) error {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "qbot/poll", "check."+m.Provider)
	defer span.End()
	telemetry.IncPollCycle(m.Provider)
	start := time.Now()
	defer func() { telemetry.ObserveCycle(m.Provider, time.Since(start)) }()

	guilds, err := m.Store.ListGuilds(ctx)
	if err != nil {
		telemetry.IncPollCycleError(m.Provider)
		telemetry.RecordError(span, err)
		return err
	}

	// Collect per-guild lists and the de-duplicated union of sanitized ids:
	// an entity watched by fifty guilds is fetched upstream exactly once.
	lists := make(map[string][]watch.Entry, len(guilds))
	union := make(map[string]struct{})
	total := 0
	for _, g := range guilds {
		entries, err := m.Store.GetWatchList(ctx, g.ID, m.Provider)
		if err != nil {
			slog.Warn("skipping guild, watch list read failed",
				slog.String("guild", g.ID), slog.String("provider", m.Provider), slog.Any("err", err))
			continue
		}
		lists[g.ID] = entries
		for _, e := range entries {
			if id := m.Collector.SanitizeID(e.EntityID); id != "" {
				union[id] = struct{}{}
			}
		}
		total += len(entries)
	}
	telemetry.SetWatches(m.Provider, total)
	if len(union) == 0 {
		return nil
	}
	ids := make([]string, 0, len(union))
	for id := range union {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fctx := ctx
	if m.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, m.FetchTimeout)
		defer cancel()
	}
	recs, err := m.Collector.Fetch(fctx, ids)
	if err != nil {
		// Abort before any marker writes: a transient provider failure must
		// not flap entries to offline.
		telemetry.IncProviderError(m.Provider)
		telemetry.IncPollCycleError(m.Provider)
		telemetry.RecordError(span, err)
		return err
	}
	active := make(map[string]watch.StatusRecord, len(recs))
	for _, r := range recs {
		active[r.EntityID] = r
	}

	fired := 0
	for _, g := range guilds {
		for _, e := range lists[g.ID] {
			rec, ok := active[m.Collector.SanitizeID(e.EntityID)]
			switch m.Kind {
			case KindStream:
				if !ok {
					if e.Marker.Online {
						if err := m.Store.SetMarker(ctx, g.ID, m.Provider, e.EntityID, watch.Marker{Online: false, ID: e.Marker.ID}); err != nil {
							slog.Warn("offline reset failed", slog.String("guild", g.ID), slog.String("entity", e.EntityID), slog.Any("err", err))
							continue
						}
						slog.Info("streamer went offline", slog.String("guild", g.ID), slog.String("entity", e.EntityID))
					}
					continue
				}
				if e.Marker.Online && e.Marker.ID == rec.Marker {
					continue // this session was already announced
				}
				fired += m.fire(ctx, g, e, rec, watch.Marker{Online: true, ID: rec.Marker})
			case KindUpload:
				if !ok || rec.Marker == "" || rec.Marker == e.Marker.ID {
					continue
				}
				fired += m.fire(ctx, g, e, rec, watch.Marker{ID: rec.Marker})
			}
		}
	}

	if err := m.Store.RecordCycle(ctx, m.Provider, time.Now().UTC()); err != nil {
		slog.Warn("failed to record cycle time", slog.String("provider", m.Provider), slog.Any("err", err))
	}
	if fired > 0 {
		slog.Info("check cycle complete",
			slog.String("provider", m.Provider),
			slog.Int("announcements", fired),
			slog.String("correlation_id", telemetry.GetCorrelation(ctx)))
	}
	return nil
}

// fire announces one transition and, only on successful delivery, advances the
// marker. A failed send leaves the marker untouched so the same transition
// fires again next cycle; a failed marker write after a successful send means
// at worst a duplicate announcement, never a silently lost one.
func (m *Monitor) fire(ctx context.Context, g watch.Guild, e watch.Entry, rec watch.StatusRecord, next watch.Marker) int {
	if err := m.Announcer.Announce(ctx, g, rec); err != nil {
		telemetry.IncAnnouncementFailed(m.Provider)
		slog.Warn("announcement failed, will retry next cycle",
			slog.String("guild", g.ID), slog.String("entity", e.EntityID), slog.Any("err", err))
		return 0
	}
	telemetry.IncAnnouncementSent(m.Provider)
	if err := m.Store.SetMarker(ctx, g.ID, m.Provider, e.EntityID, next); err != nil {
		slog.Error("marker update failed after announcement",
			slog.String("guild", g.ID), slog.String("entity", e.EntityID), slog.Any("err", err))
	}
	return 1
}
