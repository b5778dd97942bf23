// Package twitchapi is the live-stream provider collector. It talks to Twitch
// Helix with an app access token, batching stream lookups up to the API's
// 100-login limit per call.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/sync/errgroup"

	"github.com/mammothb/q-bot/watch"
)

const (
	defaultBaseURL = "https://api.twitch.tv"
	// Helix caps user_login parameters at 100 per streams request.
	maxLoginsPerCall = 100
	// Bound on concurrent chunk fetches within one batch.
	maxConcurrentChunks = 4
)

// Twitch logins are ASCII word characters only.
var loginAlphabet = regexp.MustCompile(`[^0-9a-zA-Z_]+`)

// Collector fetches live status for watched Twitch logins.
type Collector struct {
	Tokens     *AppTokenSource
	ClientID   string
	HTTPClient *http.Client
	BaseURL    string // overridable for tests
}

func New(clientID, clientSecret string) *Collector {
	return &Collector{
		Tokens:   &AppTokenSource{ClientID: clientID, ClientSecret: clientSecret},
		ClientID: clientID,
	}
}

func (c *Collector) Name() string { return watch.ProviderTwitch }

// SanitizeID normalizes a manually-entered login to Twitch's identifier
// alphabet: lowercased, spaces collapsed to underscores, everything else
// outside [0-9a-zA-Z_] stripped.
func (c *Collector) SanitizeID(id string) string {
	id = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(id)), " ", "_")
	return loginAlphabet.ReplaceAllString(id, "")
}

func (c *Collector) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Collector) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return defaultBaseURL
}

type streamsResponse struct {
	Data []struct {
		ID        string `json:"id"`
		UserLogin string `json:"user_login"`
		UserName  string `json:"user_name"`
		Title     string `json:"title"`
		StartedAt string `json:"started_at"`
	} `json:"data"`
}

// Fetch returns a StatusRecord for every login that is currently live. Logins
// absent from the result are simply not live; that is not an error. The id set
// is split into chunks of 100 and fetched with bounded concurrency.
func (c *Collector) Fetch(ctx context.Context, logins []string) ([]watch.StatusRecord, error) {
	if len(logins) == 0 {
		return nil, nil
	}
	chunks := make([][]string, 0, len(logins)/maxLoginsPerCall+1)
	for i := 0; i < len(logins); i += maxLoginsPerCall {
		end := i + maxLoginsPerCall
		if end > len(logins) {
			end = len(logins)
		}
		chunks = append(chunks, logins[i:end])
	}

	var mu sync.Mutex
	var out []watch.StatusRecord
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentChunks)
	for _, chunk := range chunks {
		g.Go(func() error {
			recs, err := c.fetchChunk(gctx, chunk)
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, recs...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &watch.ProviderError{Provider: watch.ProviderTwitch, Op: "fetch streams", Err: err}
	}
	return out, nil
}

func (c *Collector) fetchChunk(ctx context.Context, logins []string) ([]watch.StatusRecord, error) {
	q := url.Values{}
	q.Set("first", fmt.Sprintf("%d", maxLoginsPerCall))
	for _, l := range logins {
		q.Add("user_login", l)
	}
	var body streamsResponse
	if err := c.get(ctx, "/helix/streams", q, &body); err != nil {
		return nil, err
	}
	out := make([]watch.StatusRecord, 0, len(body.Data))
	for _, s := range body.Data {
		out = append(out, watch.StatusRecord{
			EntityID:    s.UserLogin,
			DisplayName: s.UserName,
			Link:        "https://twitch.tv/" + s.UserLogin,
			Marker:      s.ID,
		})
	}
	return out, nil
}

// ValidateEntity resolves a login to its display name, or watch.ErrNotFound.
func (c *Collector) ValidateEntity(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", watch.ErrNotFound
	}
	q := url.Values{}
	q.Set("login", login)
	var body struct {
		Data []struct {
			Login       string `json:"login"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/helix/users", q, &body); err != nil {
		return "", &watch.ProviderError{Provider: watch.ProviderTwitch, Op: "validate " + login, Err: err}
	}
	if len(body.Data) == 0 {
		return "", watch.ErrNotFound
	}
	return body.Data[0].DisplayName, nil
}

// SearchChannels returns the top channel match for a free-text query.
func (c *Collector) SearchChannels(ctx context.Context, query string) (watch.StatusRecord, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("first", "1")
	var body struct {
		Data []struct {
			BroadcasterLogin string `json:"broadcaster_login"`
			DisplayName      string `json:"display_name"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/helix/search/channels", q, &body); err != nil {
		return watch.StatusRecord{}, &watch.ProviderError{Provider: watch.ProviderTwitch, Op: "search channels", Err: err}
	}
	if len(body.Data) == 0 {
		return watch.StatusRecord{}, watch.ErrNotFound
	}
	ch := body.Data[0]
	return watch.StatusRecord{
		EntityID:    ch.BroadcasterLogin,
		DisplayName: ch.DisplayName,
		Link:        "https://twitch.tv/" + ch.BroadcasterLogin,
	}, nil
}

// get performs an authenticated Helix GET with retries for transient failures.
// On a 401 the cached app token is invalidated and the request retried once
// with a fresh one before the error surfaces.
func (c *Collector) get(ctx context.Context, path string, q url.Values, out any) error {
	reauthed := false
	return retry.Do(
		func() error {
			tok, err := c.Tokens.Token(ctx)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+path, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.URL.RawQuery = q.Encode()
			req.Header.Set("Client-Id", c.ClientID)
			req.Header.Set("Authorization", "Bearer "+tok)
			resp, err := c.http().Do(req)
			if err != nil {
				return err
			}
			defer func() {
				if err := resp.Body.Close(); err != nil {
					slog.Warn("failed to close response body", slog.Any("err", err))
				}
			}()
			switch {
			case resp.StatusCode == http.StatusUnauthorized:
				if reauthed {
					return retry.Unrecoverable(fmt.Errorf("helix %s: unauthorized after token refresh", path))
				}
				reauthed = true
				c.Tokens.Invalidate()
				return fmt.Errorf("helix %s: unauthorized", path)
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				return fmt.Errorf("helix %s: %s", path, resp.Status)
			case resp.StatusCode != http.StatusOK:
				b, _ := io.ReadAll(resp.Body)
				return retry.Unrecoverable(fmt.Errorf("helix %s: %s: %s", path, resp.Status, string(b)))
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return retry.Unrecoverable(fmt.Errorf("helix %s: decode: %w", path, err))
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Debug("retrying helix request", slog.String("path", path), slog.Uint64("attempt", uint64(n)), slog.Any("err", err))
		}),
	)
}
