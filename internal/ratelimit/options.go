package ratelimit

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultRoutePrefix      = "/api/v0"
	defaultFallbackCooldown = time.Second
	defaultHTTPTimeout      = 15 * time.Second
)

// OrderPolicy selects which pending request a category serves next and which
// entry is dropped from its pending list once that request completes.
type OrderPolicy int

const (
	// OrderLegacy serves the newest pending request and then drops the oldest.
	// When those differ the oldest request is discarded without being sent.
	OrderLegacy OrderPolicy = iota
	// OrderFIFO serves and drops the oldest pending request.
	OrderFIFO
	// OrderLIFO serves and drops the newest pending request.
	OrderLIFO
)

// String returns the config spelling of the policy.
func (p OrderPolicy) String() string {
	switch p {
	case OrderLegacy:
		return "legacy"
	case OrderFIFO:
		return "fifo"
	case OrderLIFO:
		return "lifo"
	default:
		return fmt.Sprintf("order(%d)", int(p))
	}
}

// ParseOrderPolicy maps a config value onto an OrderPolicy. Empty means legacy.
func ParseOrderPolicy(raw string) (OrderPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "legacy":
		return OrderLegacy, nil
	case "fifo":
		return OrderFIFO, nil
	case "lifo":
		return OrderLIFO, nil
	default:
		return OrderLegacy, fmt.Errorf("parse order policy %q: unknown policy", raw)
	}
}

// Doer performs one HTTP exchange for the queue.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type config struct {
	doer             Doer
	order            OrderPolicy
	routePrefix      string
	fallbackCooldown time.Duration
	logger           *slog.Logger
	now              func() time.Time
}

// Option mutates queue construction configuration.
type Option func(*config)

// defaultConfig returns the queue settings used when no option overrides them.
func defaultConfig() config {
	return config{
		doer:             &http.Client{Timeout: defaultHTTPTimeout},
		order:            OrderLegacy,
		routePrefix:      defaultRoutePrefix,
		fallbackCooldown: defaultFallbackCooldown,
		logger:           slog.Default(),
		now:              time.Now,
	}
}

// WithDoer sends queued requests through doer.
func WithDoer(doer Doer) Option {
	return func(cfg *config) {
		if doer != nil {
			cfg.doer = doer
		}
	}
}

// WithOrder configures the pending-list ordering policy.
func WithOrder(order OrderPolicy) Option {
	return func(cfg *config) {
		cfg.order = order
	}
}

// WithRoutePrefix configures the route prefix stripped before deriving a category.
// An empty prefix derives categories from the raw path.
func WithRoutePrefix(prefix string) Option {
	return func(cfg *config) {
		cfg.routePrefix = strings.TrimRight(prefix, "/")
	}
}

// WithFallbackCooldown configures the cooldown applied when a 429 response
// omits a usable X-Timeout-Remaining-Milliseconds header.
func WithFallbackCooldown(cooldown time.Duration) Option {
	return func(cfg *config) {
		if cooldown > 0 {
			cfg.fallbackCooldown = cooldown
		}
	}
}

// WithLogger configures the queue logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}
