// Package store is the durable state store for guilds and their watch-lists.
// All operations are scoped to a single guild; no cross-guild locking or
// transactions are ever required, row-level isolation on the compound key
// (guild_id, provider, entity_id) is sufficient.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/mammothb/q-bot/db"
	"github.com/mammothb/q-bot/watch"
)

// DefaultAnnouncementText is used until a guild runs a setup command.
const DefaultAnnouncementText = "{streamer} is now live on {link} !"

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureGuild creates the guild row on first contact; repeated calls are no-ops.
func (s *Store) EnsureGuild(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guilds (id, name, announcement_channel, announcement_text)
		 VALUES ($1, $2, $1, $3)
		 ON CONFLICT (id) DO NOTHING`, id, name, DefaultAnnouncementText)
	if err != nil {
		return &watch.PersistenceError{Op: "ensure guild", Err: err}
	}
	return nil
}

func (s *Store) ListGuilds(ctx context.Context) ([]watch.Guild, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, announcement_channel, announcement_text FROM guilds ORDER BY id`)
	if err != nil {
		return nil, &watch.PersistenceError{Op: "list guilds", Err: err}
	}
	defer rows.Close()
	var out []watch.Guild
	for rows.Next() {
		var g watch.Guild
		if err := rows.Scan(&g.ID, &g.Name, &g.AnnouncementChannel, &g.AnnouncementText); err != nil {
			return nil, &watch.PersistenceError{Op: "scan guild", Err: err}
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, &watch.PersistenceError{Op: "list guilds", Err: err}
	}
	return out, nil
}

func (s *Store) GetGuild(ctx context.Context, id string) (watch.Guild, error) {
	var g watch.Guild
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, announcement_channel, announcement_text FROM guilds WHERE id=$1`, id).
		Scan(&g.ID, &g.Name, &g.AnnouncementChannel, &g.AnnouncementText)
	if err == sql.ErrNoRows {
		return watch.Guild{}, watch.ErrNotFound
	}
	if err != nil {
		return watch.Guild{}, &watch.PersistenceError{Op: "get guild", Err: err}
	}
	return g, nil
}

// SetAnnouncement updates where and how a guild's announcements are rendered.
func (s *Store) SetAnnouncement(ctx context.Context, id, channel, text string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE guilds SET announcement_channel=$1, announcement_text=$2, updated_at=NOW() WHERE id=$3`,
		channel, text, id)
	if err != nil {
		return &watch.PersistenceError{Op: "set announcement", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return watch.ErrNotFound
	}
	return nil
}

// GetWatchList returns all entries one guild has for one provider.
func (s *Store) GetWatchList(ctx context.Context, guildID, provider string) ([]watch.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT guild_id, provider, entity_id, display_name, online, marker
		 FROM watches WHERE guild_id=$1 AND provider=$2`, guildID, provider)
	if err != nil {
		return nil, &watch.PersistenceError{Op: "get watch list", Err: err}
	}
	defer rows.Close()
	var out []watch.Entry
	for rows.Next() {
		var e watch.Entry
		if err := rows.Scan(&e.GuildID, &e.Provider, &e.EntityID, &e.DisplayName, &e.Marker.Online, &e.Marker.ID); err != nil {
			return nil, &watch.PersistenceError{Op: "scan watch", Err: err}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &watch.PersistenceError{Op: "get watch list", Err: err}
	}
	return out, nil
}

// AddWatch persists a subscription. Adding the same (guild, provider, entity)
// twice leaves exactly one row; the bool reports whether a row was created.
func (s *Store) AddWatch(ctx context.Context, guildID, provider, entityID, displayName string, m watch.Marker) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO watches (guild_id, provider, entity_id, display_name, online, marker)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (guild_id, provider, entity_id) DO NOTHING`,
		guildID, provider, entityID, displayName, m.Online, m.ID)
	if err != nil {
		return false, &watch.PersistenceError{Op: "add watch", Err: err}
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RemoveWatch deletes a subscription; the bool reports whether it existed.
func (s *Store) RemoveWatch(ctx context.Context, guildID, provider, entityID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM watches WHERE guild_id=$1 AND provider=$2 AND entity_id=$3`,
		guildID, provider, entityID)
	if err != nil {
		return false, &watch.PersistenceError{Op: "remove watch", Err: err}
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) GetMarker(ctx context.Context, guildID, provider, entityID string) (watch.Marker, error) {
	var m watch.Marker
	err := s.db.QueryRowContext(ctx,
		`SELECT online, marker FROM watches WHERE guild_id=$1 AND provider=$2 AND entity_id=$3`,
		guildID, provider, entityID).Scan(&m.Online, &m.ID)
	if err == sql.ErrNoRows {
		return watch.Marker{}, watch.ErrNotFound
	}
	if err != nil {
		return watch.Marker{}, &watch.PersistenceError{Op: "get marker", Err: err}
	}
	return m, nil
}

// SetMarker records the new dedup state for one entry. Callers only invoke this
// after a successful announcement (or to reset an entity to offline), which is
// what makes announce-then-advance atomic enough: a failed send leaves the
// marker untouched.
func (s *Store) SetMarker(ctx context.Context, guildID, provider, entityID string, m watch.Marker) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE watches SET online=$1, marker=$2, updated_at=NOW()
		 WHERE guild_id=$3 AND provider=$4 AND entity_id=$5`,
		m.Online, m.ID, guildID, provider, entityID)
	if err != nil {
		return &watch.PersistenceError{Op: "set marker", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return watch.ErrNotFound
	}
	return nil
}

// RecordCycle stores the completion time of a provider's last check cycle.
func (s *Store) RecordCycle(ctx context.Context, provider string, at time.Time) error {
	if err := db.SetKV(ctx, s.db, "last_cycle_"+provider, at.Format(time.RFC3339)); err != nil {
		return &watch.PersistenceError{Op: "record cycle", Err: err}
	}
	return nil
}

// LastCycle returns when a provider's check last completed (zero when never).
func (s *Store) LastCycle(ctx context.Context, provider string) (time.Time, error) {
	v, err := db.GetKV(ctx, s.db, "last_cycle_"+provider)
	if err != nil {
		return time.Time{}, &watch.PersistenceError{Op: "last cycle", Err: err}
	}
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, &watch.PersistenceError{Op: "last cycle", Err: err}
	}
	return t, nil
}

// CountGuilds and CountWatches back the /status endpoint.
func (s *Store) CountGuilds(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM guilds`).Scan(&n); err != nil {
		return 0, &watch.PersistenceError{Op: "count guilds", Err: err}
	}
	return n, nil
}

func (s *Store) CountWatches(ctx context.Context, provider string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM watches WHERE provider=$1`, provider).Scan(&n); err != nil {
		return 0, &watch.PersistenceError{Op: "count watches", Err: err}
	}
	return n, nil
}
