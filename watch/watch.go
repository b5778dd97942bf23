// Package watch defines the domain types shared across the store, the
// provider collectors, and the polling cycle: guilds (one per chat channel the
// bot serves), watch entries, status records returned by providers, and the
// error kinds that drive retry-vs-surface policy.
package watch

import (
	"errors"
	"fmt"
)

// Provider names as persisted in the watches table.
const (
	ProviderTwitch  = "twitch"
	ProviderYouTube = "youtube"
)

// Guild is one chat channel (tenant) the bot serves.
type Guild struct {
	ID                  string // channel login, immutable
	Name                string
	AnnouncementChannel string // where go-live / new-upload messages are posted
	AnnouncementText    string // template with {streamer}/{youtuber}/{link} tokens
}

// Marker is the dedup state for one (guild, provider, entity).
// For stream providers Online and ID (session id) are both meaningful;
// for upload providers only ID (last announced video id) is.
type Marker struct {
	Online bool
	ID     string
}

// Entry is a persisted subscription: guild wants announcements about EntityID
// on Provider.
type Entry struct {
	GuildID     string
	Provider    string
	EntityID    string // the provider's immutable identifier, never a display name
	DisplayName string
	Marker      Marker
}

// StatusRecord is a provider-returned snapshot for one entity.
type StatusRecord struct {
	EntityID    string
	DisplayName string
	Link        string
	Marker      string // stream session id or latest video id
}

// ErrNotFound reports that an entity does not exist on a provider. It is
// surfaced to the invoking user, not logged as an error.
var ErrNotFound = errors.New("not found")

// ProviderError wraps a network/auth/rate-limit failure from an external
// fetch. Recovered by catch-and-log at the cycle level, never fatal.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// DeliveryError wraps a failed announcement send. The caller must not advance
// the marker, so the same transition fires again next cycle.
type DeliveryError struct {
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %q: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// PersistenceError wraps a store failure. It aborts the current cycle's
// remaining work for the affected guild but must not spread to other guilds.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
