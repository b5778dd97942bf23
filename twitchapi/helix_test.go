package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"

	"github.com/mammothb/q-bot/testutil"
	"github.com/mammothb/q-bot/watch"
)

func newTestCollector(m *testutil.MockTwitchServer) *Collector {
	c := New("test-client-id", "test-secret")
	c.BaseURL = m.URL
	c.Tokens.TokenURL = m.URL + "/oauth2/token"
	return c
}

func TestSanitizeID(t *testing.T) {
	c := New("id", "secret")
	tests := []struct {
		in   string
		want string
	}{
		{"somestreamer", "somestreamer"},
		{"SomeStreamer", "somestreamer"},
		{"  spaced name  ", "spaced_name"},
		{"bad!!name", "badname"},
		{"dash-name", "dashname"},
		{"under_score_9", "under_score_9"},
		{"!!!", ""},
	}
	for _, tt := range tests {
		if got := c.SanitizeID(tt.in); got != tt.want {
			t.Errorf("SanitizeID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFetchMapsStreams(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("tok", 3600)
	m.MockStreamsResponse([]map[string]interface{}{
		{"id": "s1", "user_login": "abc", "user_name": "ABC", "title": "hi"},
	})
	c := newTestCollector(m)

	recs, err := c.Fetch(context.Background(), []string{"abc", "def"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %v, want one live stream", recs)
	}
	got := recs[0]
	if got.EntityID != "abc" || got.DisplayName != "ABC" || got.Marker != "s1" {
		t.Errorf("record = %+v", got)
	}
	if got.Link != "https://twitch.tv/abc" {
		t.Errorf("link = %q", got.Link)
	}
}

func TestFetchSplitsIntoChunks(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("tok", 3600)

	var mu sync.Mutex
	var sizes []int
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sizes = append(sizes, len(r.URL.Query()["user_login"]))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []map[string]string{}})
	}
	c := newTestCollector(m)

	logins := make([]string, 150)
	for i := range logins {
		logins[i] = c.SanitizeID("login" + string(rune('a'+i%26)) + "x")
	}
	if _, err := c.Fetch(context.Background(), logins); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	sort.Ints(sizes)
	if len(sizes) != 2 || sizes[0] != 50 || sizes[1] != 100 {
		t.Fatalf("chunk sizes = %v, want [50 100]", sizes)
	}
}

func TestFetchEmptyInputSkipsRequest(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	c := newTestCollector(m)

	recs, err := c.Fetch(context.Background(), nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if recs != nil {
		t.Fatalf("records = %v, want nil", recs)
	}
}

func TestGetReauthenticatesOn401(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)

	var mu sync.Mutex
	tokenCalls := 0
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		tokenCalls++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok", "expires_in": 3600, "token_type": "bearer",
		})
	}
	streamCalls := 0
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		streamCalls++
		n := streamCalls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []map[string]string{}})
	}
	c := newTestCollector(m)

	if _, err := c.Fetch(context.Background(), []string{"abc"}); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if tokenCalls != 2 {
		t.Errorf("token endpoint calls = %d, want 2 (initial + after invalidation)", tokenCalls)
	}
	if streamCalls != 2 {
		t.Errorf("streams endpoint calls = %d, want 2", streamCalls)
	}
}

func TestGetGivesUpOnRepeated401(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("tok", 3600)
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}
	c := newTestCollector(m)

	_, err := c.Fetch(context.Background(), []string{"abc"})
	var pe *watch.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("Fetch() error = %v, want ProviderError", err)
	}
}

func TestValidateEntity(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("tok", 3600)
	m.MockUserResponse("abc", "ABC")
	c := newTestCollector(m)

	name, err := c.ValidateEntity(context.Background(), "abc")
	if err != nil {
		t.Fatalf("ValidateEntity() error = %v", err)
	}
	if name != "ABC" {
		t.Fatalf("display name = %q, want ABC", name)
	}
}

func TestValidateEntityNotFound(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("tok", 3600)
	m.MockEmptyUsersResponse()
	c := newTestCollector(m)

	_, err := c.ValidateEntity(context.Background(), "nosuchlogin")
	if !errors.Is(err, watch.ErrNotFound) {
		t.Fatalf("ValidateEntity() error = %v, want ErrNotFound", err)
	}
}

func TestSearchChannels(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("tok", 3600)
	m.Handlers["/helix/search/channels"] = func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("query"); got != "chess" {
			t.Errorf("query = %q, want chess", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{
				{"broadcaster_login": "chessmaster", "display_name": "ChessMaster"},
			},
		})
	}
	c := newTestCollector(m)

	rec, err := c.SearchChannels(context.Background(), "chess")
	if err != nil {
		t.Fatalf("SearchChannels() error = %v", err)
	}
	if rec.EntityID != "chessmaster" || rec.Link != "https://twitch.tv/chessmaster" {
		t.Fatalf("record = %+v", rec)
	}
}
