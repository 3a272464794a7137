package client

import (
	"log/slog"
	"time"

	"domestique/internal/gateway"
	"domestique/internal/ratelimit"
	"domestique/internal/rest"
)

const (
	// DefaultWebsocketURL is the production live stream endpoint.
	DefaultWebsocketURL = "wss://api.chat.eqilia.eu/api/v0/live/ws"
	// DefaultAPIURL is the production REST base URL.
	DefaultAPIURL = "https://api.chat.eqilia.eu"

	defaultHandshakeTimeout  = 5 * time.Second
	defaultHTTPTimeout       = 15 * time.Second
	defaultReconnectAttempts = 3
	defaultReconnectBackoff  = 500 * time.Millisecond
	defaultCloseTimeout      = 5 * time.Second
)

type config struct {
	websocketURL      string
	apiURL            string
	reconnect         bool
	reconnectAttempts int
	reconnectBackoff  time.Duration
	handshakeTimeout  time.Duration
	httpTimeout       time.Duration
	httpClient        rest.Doer
	dialer            gateway.Dialer
	queueEnabled      bool
	queueOrder        ratelimit.OrderPolicy
	logger            *slog.Logger
}

// Option mutates client construction configuration.
type Option func(*config)

func defaultConfig() config {
	return config{
		websocketURL:      DefaultWebsocketURL,
		apiURL:            DefaultAPIURL,
		reconnect:         true,
		reconnectAttempts: defaultReconnectAttempts,
		reconnectBackoff:  defaultReconnectBackoff,
		handshakeTimeout:  defaultHandshakeTimeout,
		httpTimeout:       defaultHTTPTimeout,
		logger:            slog.Default(),
	}
}

// WithWebsocketURL overrides the live stream endpoint.
func WithWebsocketURL(url string) Option {
	return func(cfg *config) {
		if url != "" {
			cfg.websocketURL = url
		}
	}
}

// WithAPIURL overrides the REST base URL.
func WithAPIURL(url string) Option {
	return func(cfg *config) {
		if url != "" {
			cfg.apiURL = url
		}
	}
}

// WithReconnect toggles automatic reconnection after the stream closes.
func WithReconnect(enabled bool) Option {
	return func(cfg *config) {
		cfg.reconnect = enabled
	}
}

// WithReconnectAttempts bounds dial retries per stream closure.
func WithReconnectAttempts(attempts int) Option {
	return func(cfg *config) {
		if attempts > 0 {
			cfg.reconnectAttempts = attempts
		}
	}
}

// WithReconnectBackoff configures the first reconnect delay; later delays grow exponentially.
func WithReconnectBackoff(initial time.Duration) Option {
	return func(cfg *config) {
		if initial > 0 {
			cfg.reconnectBackoff = initial
		}
	}
}

// WithHandshakeTimeout bounds the LoginToken wait for an authStatus packet.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.handshakeTimeout = timeout
		}
	}
}

// WithHTTPTimeout configures the timeout of the default HTTP client.
func WithHTTPTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.httpTimeout = timeout
		}
	}
}

// WithHTTPClient sends REST calls through doer instead of a default http.Client.
func WithHTTPClient(doer rest.Doer) Option {
	return func(cfg *config) {
		if doer != nil {
			cfg.httpClient = doer
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(dialer gateway.Dialer) Option {
	return func(cfg *config) {
		if dialer != nil {
			cfg.dialer = dialer
		}
	}
}

// WithRequestQueue routes REST calls through a per-category rate-limit queue.
func WithRequestQueue(order ratelimit.OrderPolicy) Option {
	return func(cfg *config) {
		cfg.queueEnabled = true
		cfg.queueOrder = order
	}
}

// WithLogger configures the logger shared by every client component.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}
