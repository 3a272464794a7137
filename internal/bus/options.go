package bus

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultSubscriptionBuffer = 256
	defaultSubscriptionWorker = 1
	defaultHandlerTimeout     = 30 * time.Second
)

// config stores resolved bus settings after option application.
type config struct {
	subscriptionBuffer int
	subscriptionWorker int
	handlerTimeout     time.Duration
	logger             *slog.Logger
	onAsyncError       func(context.Context, string, error)
}

// Option mutates bus construction configuration.
type Option func(*config)

// defaultConfig returns the bus settings used when no option overrides them.
func defaultConfig() config {
	return config{
		subscriptionBuffer: defaultSubscriptionBuffer,
		subscriptionWorker: defaultSubscriptionWorker,
		handlerTimeout:     defaultHandlerTimeout,
		logger:             slog.Default(),
	}
}

// WithDefaultSubscriptionBuffer configures queue size used when a spec omits Buffer.
func WithDefaultSubscriptionBuffer(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.subscriptionBuffer = size
		}
	}
}

// WithDefaultSubscriptionWorkers configures worker count used when a spec omits Workers.
func WithDefaultSubscriptionWorkers(workers int) Option {
	return func(cfg *config) {
		if workers > 0 {
			cfg.subscriptionWorker = workers
		}
	}
}

// WithDefaultHandlerTimeout configures the timeout used when a spec omits HandlerTimeout.
func WithDefaultHandlerTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.handlerTimeout = timeout
		}
	}
}

// WithLogger configures the logger of the default async error sink.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithAsyncErrorHandler replaces the async error sink for dropped events and
// handler failures.
func WithAsyncErrorHandler(handler func(context.Context, string, error)) Option {
	return func(cfg *config) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}
