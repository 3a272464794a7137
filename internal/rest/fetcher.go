package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"domestique/internal/cache"
	"domestique/internal/metrics"
	"domestique/internal/tracing"
	"domestique/pkg/domestique"

	"golang.org/x/sync/singleflight"
)

// API routes relative to the REST base URL.
const (
	RouteUser        = "/api/v0/data/user/"
	RouteChannel     = "/api/v0/data/channel/"
	RouteGuild       = "/api/v0/data/guild/"
	RouteMessages    = "/api/v0/data/messages/"
	RouteMessagePost = "/api/v0/message/post"
	RouteLogin       = "/api/v0/auth/login"
)

// Fetcher wraps the entity cache with REST lookups that fill it on miss.
//
// Fetched payloads are cached permanently; repeated lookups are cache hits.
type Fetcher struct {
	baseURL string
	store   *cache.Cache
	doer    Doer
	logger  *slog.Logger
	flights singleflight.Group

	flightTimeout time.Duration

	mu    sync.RWMutex
	token string
}

// NewFetcher creates a fetcher against baseURL and creates its cache categories.
func NewFetcher(baseURL string, store *cache.Cache, options ...Option) (*Fetcher, error) {
	if store == nil {
		return nil, fmt.Errorf("new fetcher: nil cache")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("new fetcher: parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("new fetcher: unsupported base url scheme %q", parsed.Scheme)
	}

	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	for _, category := range []string{
		cache.CategoryUsers,
		cache.CategoryChannels,
		cache.CategoryGuilds,
		cache.CategoryMessageHistory,
	} {
		store.EnsureCategory(category)
	}

	return &Fetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		store:   store,
		doer:    cfg.doer,
		logger:  cfg.logger,
		token:   cfg.token,

		flightTimeout: cfg.flightTimeout,
	}, nil
}

// SetToken replaces the auth token sent with subsequent requests.
func (f *Fetcher) SetToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.token = token
}

// Token returns the current auth token, or "" when signed out.
func (f *Fetcher) Token() string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.token
}

// BaseURL returns the REST base URL without a trailing slash.
func (f *Fetcher) BaseURL() string {
	return f.baseURL
}

// GetUser returns a user profile. It works without a token but the API
// throttles anonymous clients harder.
func (f *Fetcher) GetUser(ctx context.Context, id string) (domestique.User, error) {
	return fetchCached[domestique.User](ctx, f, lookupSpec{
		operation: "fetch user",
		category:  cache.CategoryUsers,
		id:        id,
		route:     RouteUser + url.PathEscape(id),
	})
}

// GetChannel returns a channel payload. A token is required.
func (f *Fetcher) GetChannel(ctx context.Context, id string) (domestique.Channel, error) {
	return fetchCached[domestique.Channel](ctx, f, lookupSpec{
		operation:    "fetch channel",
		category:     cache.CategoryChannels,
		id:           id,
		route:        RouteChannel + url.PathEscape(id),
		requireToken: true,
	})
}

// GetGuild returns a guild payload. A token is required.
func (f *Fetcher) GetGuild(ctx context.Context, id string) (domestique.Guild, error) {
	return fetchCached[domestique.Guild](ctx, f, lookupSpec{
		operation:    "fetch guild",
		category:     cache.CategoryGuilds,
		id:           id,
		route:        RouteGuild + url.PathEscape(id),
		requireToken: true,
	})
}

// GetMessages returns the message history of one channel. A token is required.
func (f *Fetcher) GetMessages(ctx context.Context, channelID string) ([]domestique.Message, error) {
	history, err := fetchCached[domestique.MessageHistory](ctx, f, lookupSpec{
		operation:    "fetch messages",
		category:     cache.CategoryMessageHistory,
		id:           channelID,
		route:        RouteMessages + url.PathEscape(channelID),
		requireToken: true,
		policy:       statusLenient,
	})
	if err != nil {
		return nil, err
	}

	return append([]domestique.Message(nil), history.Messages...), nil
}

// PostMessage sends one message. A token is required.
func (f *Fetcher) PostMessage(ctx context.Context, request domestique.PostMessageRequest) (domestique.Message, error) {
	const operation = "send message"
	if err := request.Validate(); err != nil {
		return domestique.Message{}, fmt.Errorf("%s: %w", operation, err)
	}
	token := f.Token()
	if token == "" {
		return domestique.Message{}, fmt.Errorf("%s: %w", operation, domestique.ErrAuthRequired)
	}

	return exchange[domestique.Message](ctx, f, operation, http.MethodPost, RouteMessagePost, token, request, statusLenient)
}

// Login exchanges credentials for a token. It does not store the token.
func (f *Fetcher) Login(ctx context.Context, credentials domestique.Credentials) (domestique.LoginResult, error) {
	const operation = "login"
	if credentials.Username == "" {
		return domestique.LoginResult{}, fmt.Errorf("%s: missing username", operation)
	}

	result, err := exchange[domestique.LoginResult](
		ctx, f, operation, http.MethodPost, RouteLogin, "", credentials, statusLenient,
	)
	if err != nil {
		return domestique.LoginResult{}, err
	}
	if result.Token == "" {
		return domestique.LoginResult{}, fmt.Errorf("%s: response carried no token", operation)
	}

	return result, nil
}

type lookupSpec struct {
	operation    string
	category     string
	id           string
	route        string
	requireToken bool
	policy       statusPolicy
}

// fetchCached serves spec from cache or performs one collapsed GET and stores the payload.
func fetchCached[T any](ctx context.Context, f *Fetcher, spec lookupSpec) (T, error) {
	var zero T
	if spec.id == "" {
		return zero, fmt.Errorf("%s: empty id", spec.operation)
	}

	if cached, found := cache.Lookup[T](f.store, spec.category, spec.id); found {
		metrics.CacheLookups.WithLabelValues(spec.category, "hit").Inc()
		return cached, nil
	}
	metrics.CacheLookups.WithLabelValues(spec.category, "miss").Inc()

	token := f.Token()
	if token == "" {
		if spec.requireToken {
			return zero, fmt.Errorf("%s %s: %w", spec.operation, spec.id, domestique.ErrAuthRequired)
		}
		f.logger.WarnContext(ctx, "not signed in, expect stricter rate limits", "operation", spec.operation)
	}

	// The shared GET outlives any single caller; each caller stops waiting
	// when its own ctx ends.
	results := f.flights.DoChan(spec.category+"/"+spec.id, func() (any, error) {
		if cached, found := cache.Lookup[T](f.store, spec.category, spec.id); found {
			return cached, nil
		}

		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.flightTimeout)
		defer cancel()
		payload, err := exchange[T](flightCtx, f, spec.operation, http.MethodGet, spec.route, token, nil, spec.policy)
		if err != nil {
			return nil, err
		}
		f.store.Set(spec.category, spec.id, payload)

		return payload, nil
	})

	var value any
	var err error
	select {
	case result := <-results:
		value, err = result.Val, result.Err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		return zero, fmt.Errorf("lookup %s/%s: %w", spec.category, spec.id, err)
	}

	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("%s %s: unexpected cached type %T", spec.operation, spec.id, value)
	}

	return typed, nil
}

// exchange performs one request and decodes the response envelope.
func exchange[T any](
	ctx context.Context,
	f *Fetcher,
	operation string,
	method string,
	route string,
	token string,
	body any,
	policy statusPolicy,
) (payload T, err error) {
	ctx, finish := tracing.StartSpan(ctx, "rest "+operation)
	defer func() {
		finish(err)
		metrics.RESTRequests.WithLabelValues(operation, outcome(err)).Inc()
	}()

	req, err := f.newRequest(ctx, method, route, token, body)
	if err != nil {
		return payload, fmt.Errorf("%s: %w", operation, err)
	}

	resp, err := f.doer.Do(req)
	if err != nil {
		return payload, &domestique.TransportError{Operation: operation, Cause: err}
	}

	return decodeEnvelope[T](resp, operation, policy)
}

func (f *Fetcher) newRequest(ctx context.Context, method string, route string, token string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+route, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	return req, nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if _, ok := domestique.AsProtocolError(err); ok {
		return "protocol_error"
	}

	return "transport_error"
}
