package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"domestique/internal/cache"
	"domestique/pkg/domestique"

	"github.com/google/go-cmp/cmp"
)

type recordedRequest struct {
	method        string
	path          string
	authorization string
	body          string
}

type testAPI struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
	calls    atomic.Int64
}

func newTestAPI(t *testing.T, handler http.HandlerFunc) *testAPI {
	t.Helper()

	api := &testAPI{}
	api.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		api.mu.Lock()
		api.requests = append(api.requests, recordedRequest{
			method:        r.Method,
			path:          r.URL.Path,
			authorization: r.Header.Get("Authorization"),
			body:          string(body),
		})
		api.mu.Unlock()
		api.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(api.server.Close)

	return api
}

func (a *testAPI) recorded() []recordedRequest {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]recordedRequest(nil), a.requests...)
}

func writeEnvelope(w http.ResponseWriter, status int, code int, payload any, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"payload": payload,
		"message": message,
	})
}

func newTestFetcher(t *testing.T, api *testAPI, options ...Option) (*Fetcher, *cache.Cache) {
	t.Helper()

	store := cache.New()
	options = append([]Option{
		WithDoer(api.server.Client()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, options...)
	fetcher, err := NewFetcher(api.server.URL, store, options...)
	if err != nil {
		t.Fatalf("NewFetcher failed: %v", err)
	}

	return fetcher, store
}

func TestFetcherGetUserCachesPayload(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, 0, map[string]any{
			"username":    "wlod",
			"displayName": "Wlodek",
			"verified":    1,
			"isAdmin":     0,
		}, "")
	})
	fetcher, store := newTestFetcher(t, api)

	first, err := fetcher.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	second, err := fetcher.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("second GetUser failed: %v", err)
	}

	want := domestique.User{Username: "wlod", DisplayName: "Wlodek", Verified: true}
	if diff := cmp.Diff(want, first); diff != "" {
		t.Fatalf("user mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("cached user differs (-first +second):\n%s", diff)
	}
	if got := api.calls.Load(); got != 1 {
		t.Fatalf("http calls = %d, want 1", got)
	}
	if !store.Has(cache.CategoryUsers, "u1") {
		t.Fatal("user not written into cache")
	}

	requests := api.recorded()
	if requests[0].path != "/api/v0/data/user/u1" {
		t.Fatalf("path = %s", requests[0].path)
	}
	if requests[0].authorization != "" {
		t.Fatalf("anonymous request sent authorization %q", requests[0].authorization)
	}
}

func TestFetcherRequiresTokenForProtectedLookups(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
	})
	fetcher, _ := newTestFetcher(t, api)

	tests := []struct {
		name string
		call func() error
	}{
		{
			name: "channel",
			call: func() error {
				_, err := fetcher.GetChannel(context.Background(), "c1")
				return err
			},
		},
		{
			name: "guild",
			call: func() error {
				_, err := fetcher.GetGuild(context.Background(), "g1")
				return err
			},
		},
		{
			name: "messages",
			call: func() error {
				_, err := fetcher.GetMessages(context.Background(), "c1")
				return err
			},
		},
		{
			name: "post",
			call: func() error {
				_, err := fetcher.PostMessage(context.Background(), domestique.PostMessageRequest{
					GuildID:   "g1",
					ChannelID: "c1",
					Content:   "hi",
				})
				return err
			},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if err := testCase.call(); !errors.Is(err, domestique.ErrAuthRequired) {
				t.Fatalf("error = %v, want ErrAuthRequired", err)
			}
		})
	}
}

func TestFetcherMapsFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
		wantCode   int
	}{
		{
			name: "non 2xx status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusBadGateway)
			},
			wantStatus: http.StatusBadGateway,
		},
		{
			name: "strict route ignores json error bodies",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(w, http.StatusNotFound, 4, nil, "unknown guild")
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "envelope error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(w, http.StatusOK, 4, nil, "unknown guild")
			},
			wantCode: 4,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			api := newTestAPI(t, testCase.handler)
			fetcher, store := newTestFetcher(t, api, WithToken("tok"))

			_, err := fetcher.GetGuild(context.Background(), "g1")
			if err == nil {
				t.Fatal("expected error")
			}
			if testCase.wantStatus != 0 {
				transportErr, ok := domestique.AsTransportError(err)
				if !ok {
					t.Fatalf("error = %v, want TransportError", err)
				}
				if transportErr.StatusCode != testCase.wantStatus {
					t.Fatalf("status = %d, want %d", transportErr.StatusCode, testCase.wantStatus)
				}
			}
			if testCase.wantCode != 0 {
				protocolErr, ok := domestique.AsProtocolError(err)
				if !ok {
					t.Fatalf("error = %v, want ProtocolError", err)
				}
				if protocolErr.Code != testCase.wantCode || protocolErr.Message != "unknown guild" {
					t.Fatalf("protocol error = %+v", protocolErr)
				}
			}
			if store.Has(cache.CategoryGuilds, "g1") {
				t.Fatal("failed lookup was cached")
			}
		})
	}
}

func TestFetcherLenientRouteSurfacesServerMessage(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusForbidden, 7, nil, "missing permission")
	})
	fetcher, _ := newTestFetcher(t, api, WithToken("tok"))

	_, err := fetcher.GetMessages(context.Background(), "c1")
	protocolErr, ok := domestique.AsProtocolError(err)
	if !ok {
		t.Fatalf("error = %v, want ProtocolError", err)
	}
	if protocolErr.Message != "missing permission" {
		t.Fatalf("message = %q", protocolErr.Message)
	}
}

func TestFetcherCollapsesConcurrentMisses(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeEnvelope(w, http.StatusOK, 0, map[string]any{
			"id":         "g1",
			"name":       "Guild",
			"topic":      "",
			"channelIds": []string{"c1"},
		}, "")
	})
	fetcher, _ := newTestFetcher(t, api, WithToken("tok"))

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for index := 0; index < callers; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fetcher.GetGuild(context.Background(), "g1")
			errs <- err
		}()
	}
	for api.calls.Load() == 0 {
		runtime.Gosched()
	}
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("GetGuild failed: %v", err)
		}
	}
	if got := api.calls.Load(); got != 1 {
		t.Fatalf("http calls = %d, want 1", got)
	}
}

func TestFetcherSharedLookupOutlivesCanceledCaller(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeEnvelope(w, http.StatusOK, 0, map[string]any{"username": "wlod"}, "")
	})
	fetcher, store := newTestFetcher(t, api)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := fetcher.GetUser(leaderCtx, "u1")
		leaderErr <- err
	}()
	for api.calls.Load() == 0 {
		runtime.Gosched()
	}
	cancel()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled GetUser error = %v, want context.Canceled", err)
	}

	type lookup struct {
		user domestique.User
		err  error
	}
	followerDone := make(chan lookup, 1)
	go func() {
		user, err := fetcher.GetUser(context.Background(), "u1")
		followerDone <- lookup{user: user, err: err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case got := <-followerDone:
		if got.err != nil {
			t.Fatalf("GetUser with live ctx failed: %v", got.err)
		}
		if got.user.Username != "wlod" {
			t.Fatalf("user = %+v", got.user)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("GetUser with live ctx did not return")
	}
	if got := api.calls.Load(); got != 1 {
		t.Fatalf("http calls = %d, want 1", got)
	}
	if !store.Has(cache.CategoryUsers, "u1") {
		t.Fatal("shared lookup did not fill the cache")
	}
}

func TestFetcherPostMessageAndLogin(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case RouteLogin:
			writeEnvelope(w, http.StatusOK, 0, map[string]any{"token": "tok-1", "userId": "u1"}, "")
		case RouteMessagePost:
			writeEnvelope(w, http.StatusOK, 0, map[string]any{
				"messageId": "m9",
				"authorId":  "u1",
				"guildId":   "g1",
				"channelId": "c1",
				"timestamp": 1,
				"content":   "meow",
			}, "")
		default:
			http.NotFound(w, r)
		}
	})
	fetcher, _ := newTestFetcher(t, api)

	result, err := fetcher.Login(context.Background(), domestique.Credentials{Username: "wlod", Password: "pw"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if result.Token != "tok-1" || result.UserID != "u1" {
		t.Fatalf("login result = %+v", result)
	}
	fetcher.SetToken(result.Token)

	posted, err := fetcher.PostMessage(context.Background(), domestique.PostMessageRequest{
		GuildID:   "g1",
		ChannelID: "c1",
		Content:   "meow",
	})
	if err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}
	if posted.MessageID != "m9" {
		t.Fatalf("posted id = %s, want m9", posted.MessageID)
	}

	requests := api.recorded()
	if len(requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(requests))
	}
	if !strings.Contains(requests[0].body, `"username":"wlod"`) {
		t.Fatalf("login body = %s", requests[0].body)
	}
	if requests[1].authorization != "tok-1" {
		t.Fatalf("post authorization = %q, want tok-1", requests[1].authorization)
	}
	if requests[1].body != `{"guildId":"g1","channelId":"c1","content":"meow"}` {
		t.Fatalf("post body = %s", requests[1].body)
	}
}

func TestNewFetcherValidatesInput(t *testing.T) {
	t.Parallel()

	if _, err := NewFetcher("https://api.example", nil); err == nil {
		t.Fatal("nil cache accepted")
	}
	if _, err := NewFetcher("ftp://api.example", cache.New()); err == nil {
		t.Fatal("ftp scheme accepted")
	}
}
