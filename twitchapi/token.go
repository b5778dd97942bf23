package twitchapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const defaultTokenURL = "https://id.twitch.tv/oauth2/token" //nolint:gosec // G101: endpoint, not a credential

// AppTokenSource holds the Twitch app access (client credentials) token used
// for Helix API calls. The credential lives here, owned by the collector that
// uses it, and is refreshed lazily: Invalidate drops the cached token so the
// next Token call re-authenticates.
// NOTE: this token cannot be used for IRC chat; chat needs a user OAuth token.
type AppTokenSource struct {
	ClientID     string
	ClientSecret string
	TokenURL     string       // overridable for tests
	HTTPClient   *http.Client // optional

	mu  sync.Mutex
	src oauth2.TokenSource
}

// Token returns a valid (fresh or cached) app access token.
func (ts *AppTokenSource) Token(ctx context.Context) (string, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", fmt.Errorf("missing client id/secret for twitch app token")
	}
	ts.mu.Lock()
	if ts.src == nil {
		conf := &clientcredentials.Config{
			ClientID:     ts.ClientID,
			ClientSecret: ts.ClientSecret,
			TokenURL:     ts.TokenURL,
		}
		if conf.TokenURL == "" {
			conf.TokenURL = defaultTokenURL
		}
		// The token source outlives any single request context.
		tctx := context.Background()
		if ts.HTTPClient != nil {
			tctx = context.WithValue(tctx, oauth2.HTTPClient, ts.HTTPClient)
		}
		ts.src = conf.TokenSource(tctx)
	}
	src := ts.src
	ts.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("twitch app token: %w", err)
	}
	return tok.AccessToken, nil
}

// Invalidate discards the cached token so the next Token call fetches a new one.
// Called when Helix rejects a request with 401.
func (ts *AppTokenSource) Invalidate() {
	ts.mu.Lock()
	ts.src = nil
	ts.mu.Unlock()
}
