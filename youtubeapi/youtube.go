// Package youtubeapi is the video-upload provider collector. It reads the
// YouTube Data API v3 with an API key: channel validation via Channels.List
// and latest-upload polling via each channel's uploads playlist.
package youtubeapi

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/mammothb/q-bot/watch"
)

// Channels.List accepts at most 50 ids per call.
const maxIDsPerCall = 50

// Channel ids are base64url-ish: word characters plus '-'.
var channelAlphabet = regexp.MustCompile(`[^0-9a-zA-Z_-]+`)

// Collector fetches latest-upload status for watched YouTube channels.
type Collector struct {
	svc *yt.Service
}

func New(ctx context.Context, apiKey string, opts ...option.ClientOption) (*Collector, error) {
	all := append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := yt.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return &Collector{svc: svc}, nil
}

func (c *Collector) Name() string { return watch.ProviderYouTube }

// SanitizeID strips characters outside the channel-id alphabet.
func (c *Collector) SanitizeID(id string) string {
	return channelAlphabet.ReplaceAllString(strings.TrimSpace(id), "")
}

// Fetch returns, for each known channel id, a StatusRecord whose marker is the
// id of the most recent upload. Channels with no uploads yield no record.
func (c *Collector) Fetch(ctx context.Context, channelIDs []string) ([]watch.StatusRecord, error) {
	var out []watch.StatusRecord
	for i := 0; i < len(channelIDs); i += maxIDsPerCall {
		end := i + maxIDsPerCall
		if end > len(channelIDs) {
			end = len(channelIDs)
		}
		res, err := c.svc.Channels.List([]string{"snippet", "contentDetails"}).
			Id(channelIDs[i:end]...).Context(ctx).Do()
		if err != nil {
			return nil, &watch.ProviderError{Provider: watch.ProviderYouTube, Op: "list channels", Err: err}
		}
		for _, ch := range res.Items {
			rec, err := c.latestUpload(ctx, ch)
			if err != nil {
				return nil, err
			}
			if rec.Marker == "" {
				continue // no uploads yet
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func (c *Collector) latestUpload(ctx context.Context, ch *yt.Channel) (watch.StatusRecord, error) {
	if ch.ContentDetails == nil || ch.ContentDetails.RelatedPlaylists == nil || ch.ContentDetails.RelatedPlaylists.Uploads == "" {
		return watch.StatusRecord{EntityID: ch.Id, DisplayName: ch.Snippet.Title}, nil
	}
	items, err := c.svc.PlaylistItems.List([]string{"snippet", "contentDetails"}).
		PlaylistId(ch.ContentDetails.RelatedPlaylists.Uploads).MaxResults(1).Context(ctx).Do()
	if err != nil {
		return watch.StatusRecord{}, &watch.ProviderError{Provider: watch.ProviderYouTube, Op: "list uploads for " + ch.Id, Err: err}
	}
	rec := watch.StatusRecord{EntityID: ch.Id, DisplayName: ch.Snippet.Title}
	if len(items.Items) > 0 {
		vid := items.Items[0].ContentDetails.VideoId
		rec.Marker = vid
		rec.Link = "https://youtu.be/" + vid
	}
	return rec, nil
}

// Latest returns the current status for a single channel, or watch.ErrNotFound.
// Used to seed the marker when a watch is added, so only uploads published
// after the add are announced.
func (c *Collector) Latest(ctx context.Context, channelID string) (watch.StatusRecord, error) {
	recs, err := c.Fetch(ctx, []string{channelID})
	if err != nil {
		return watch.StatusRecord{}, err
	}
	if len(recs) == 0 {
		return watch.StatusRecord{}, watch.ErrNotFound
	}
	return recs[0], nil
}

// ValidateEntity resolves a channel id to its title, or watch.ErrNotFound.
func (c *Collector) ValidateEntity(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", watch.ErrNotFound
	}
	res, err := c.svc.Channels.List([]string{"snippet"}).Id(id).Context(ctx).Do()
	if err != nil {
		return "", &watch.ProviderError{Provider: watch.ProviderYouTube, Op: "validate " + id, Err: err}
	}
	if len(res.Items) == 0 {
		return "", watch.ErrNotFound
	}
	return res.Items[0].Snippet.Title, nil
}

// SearchVideos returns a link to the top video match for a free-text query.
func (c *Collector) SearchVideos(ctx context.Context, query string) (string, error) {
	res, err := c.svc.Search.List([]string{"snippet"}).Q(query).Type("video").MaxResults(1).Context(ctx).Do()
	if err != nil {
		return "", &watch.ProviderError{Provider: watch.ProviderYouTube, Op: "search videos", Err: err}
	}
	if len(res.Items) == 0 || res.Items[0].Id == nil || res.Items[0].Id.VideoId == "" {
		return "", watch.ErrNotFound
	}
	return "https://youtu.be/" + res.Items[0].Id.VideoId, nil
}
