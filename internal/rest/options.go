package rest

import (
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultHTTPTimeout   = 15 * time.Second
	defaultFlightTimeout = 30 * time.Second
)

// Doer performs one HTTP exchange. *http.Client and *ratelimit.Queue satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type config struct {
	doer          Doer
	logger        *slog.Logger
	token         string
	flightTimeout time.Duration
}

// Option mutates fetcher construction configuration.
type Option func(*config)

func defaultConfig() config {
	return config{
		doer:          &http.Client{Timeout: defaultHTTPTimeout},
		logger:        slog.Default(),
		flightTimeout: defaultFlightTimeout,
	}
}

// WithDoer routes every request through doer instead of a default http.Client.
func WithDoer(doer Doer) Option {
	return func(cfg *config) {
		if doer != nil {
			cfg.doer = doer
		}
	}
}

// WithHTTPTimeout replaces the default client with one using timeout.
// It has no effect when combined with WithDoer applied later.
func WithHTTPTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.doer = &http.Client{Timeout: timeout}
		}
	}
}

// WithLogger configures the logger used for auth warnings and request diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithToken seeds the auth token.
func WithToken(token string) Option {
	return func(cfg *config) {
		cfg.token = token
	}
}

// WithLookupTimeout bounds a shared cache-fill GET. The request runs detached
// from the callers that joined it, so this is its only deadline besides the
// doer's own.
func WithLookupTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.flightTimeout = timeout
		}
	}
}
