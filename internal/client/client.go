package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"domestique/internal/bus"
	"domestique/internal/cache"
	"domestique/internal/gateway"
	"domestique/internal/graph"
	"domestique/internal/metrics"
	"domestique/internal/ratelimit"
	"domestique/internal/rest"
	"domestique/pkg/domestique"

	"github.com/cenkalti/backoff/v4"
)

// Handler consumes one client event.
type Handler func(ctx context.Context, event gateway.Event) error

// Client is a stateful chat service session: REST lookups backed by the
// entity cache plus one live stream socket feeding the dispatcher.
type Client struct {
	cfg        config
	logger     *slog.Logger
	store      *cache.Cache
	fetcher    *rest.Fetcher
	queue      *ratelimit.Queue
	guilds     *graph.GuildManager
	events     *bus.Bus[gateway.Event]
	dispatcher *gateway.Dispatcher

	mu      sync.Mutex
	closed  bool
	session *session
}

type session struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a signed-out client.
func New(options ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	store := cache.New()
	store.CreateCategory(cache.CategoryGuilds)
	store.CreateCategory(cache.CategoryChannels)
	store.CreateCategory(cache.CategoryUsers)

	var doer rest.Doer = cfg.httpClient
	if doer == nil {
		doer = &http.Client{Timeout: cfg.httpTimeout}
	}
	var queue *ratelimit.Queue
	if cfg.queueEnabled {
		queue = ratelimit.New(cfg.apiURL,
			ratelimit.WithDoer(doer),
			ratelimit.WithOrder(cfg.queueOrder),
			ratelimit.WithLogger(cfg.logger),
		)
		doer = queue
	}

	fetcher, err := rest.NewFetcher(cfg.apiURL, store, rest.WithDoer(doer), rest.WithLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	if cfg.dialer == nil {
		cfg.dialer = gateway.WebsocketDialer{URL: cfg.websocketURL, HandshakeTimeout: cfg.handshakeTimeout}
	}

	guilds := graph.NewGuildManager(store, fetcher)
	events := bus.New[gateway.Event](bus.WithLogger(cfg.logger))

	return &Client{
		cfg:        cfg,
		logger:     cfg.logger,
		store:      store,
		fetcher:    fetcher,
		queue:      queue,
		guilds:     guilds,
		events:     events,
		dispatcher: gateway.NewDispatcher(fetcher, graph.NewResolver(guilds, fetcher), events, cfg.logger),
	}, nil
}

// Login exchanges credentials for a token, stores it and connects.
// Any open session is closed first.
func (c *Client) Login(ctx context.Context, username string, password string) error {
	if err := c.disconnect(ctx); err != nil {
		return err
	}

	result, err := c.fetcher.Login(ctx, domestique.Credentials{Username: username, Password: password})
	if err != nil {
		return err
	}
	c.fetcher.SetToken(result.Token)

	return c.Connect(ctx)
}

// LoginToken stores token, connects and waits for the server authStatus.
//
// It returns *domestique.AuthRejectedError when the server rejects the token
// and domestique.ErrHandshakeTimeout when no status arrives in time. On
// timeout the status listener is removed so a late packet is ignored.
func (c *Client) LoginToken(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("login token: %w", domestique.ErrAuthRequired)
	}
	if err := c.disconnect(ctx); err != nil {
		return err
	}
	c.fetcher.SetToken(token)

	statuses := make(chan *domestique.AuthStatusPacket, 1)
	sub, err := c.events.Subscribe(ctx, bus.SubscriptionSpec{
		Name:   "login token auth status",
		Buffer: 1,
		Once:   true,
	}, kindFilter(domestique.PacketEventKind(domestique.PacketAuthStatus)),
		func(_ context.Context, event gateway.Event) error {
			if status, ok := event.Packet.(*domestique.AuthStatusPacket); ok {
				statuses <- status
			}
			return nil
		})
	if err != nil {
		return fmt.Errorf("login token: %w", err)
	}

	if err := c.Connect(ctx); err != nil {
		_ = sub.Close(context.WithoutCancel(ctx))
		return err
	}

	timer := time.NewTimer(c.cfg.handshakeTimeout)
	defer timer.Stop()

	select {
	case status := <-statuses:
		if !status.Success {
			return &domestique.AuthRejectedError{UserID: status.UserID, Reason: status.Error}
		}
		return nil
	case <-timer.C:
		_ = sub.Close(context.WithoutCancel(ctx))
		return domestique.ErrHandshakeTimeout
	case <-ctx.Done():
		_ = sub.Close(context.WithoutCancel(ctx))
		return ctx.Err()
	}
}

// Connect dials the stream with the stored token and starts the read loop.
// An already running session is replaced.
func (c *Client) Connect(ctx context.Context) error {
	token := c.fetcher.Token()
	if token == "" {
		return fmt.Errorf("connect: %w", domestique.ErrAuthRequired)
	}
	if err := c.disconnect(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connect: %w", domestique.ErrClientClosed)
	}
	if err := stopSession(ctx, c.session); err != nil {
		return err
	}
	c.session = nil

	c.dispatcher.SetState(gateway.StateConnecting)
	conn, err := c.cfg.dialer.Dial(ctx, token)
	if err != nil {
		c.dispatcher.SetState(gateway.StateIdle)
		return fmt.Errorf("connect: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	current := &session{cancel: cancel, done: make(chan struct{})}
	c.session = current
	c.dispatcher.BeginSession()
	go c.run(sessionCtx, current, conn)

	return nil
}

// Disconnect closes the stream session and keeps the client and its token
// usable for a later Connect. It returns domestique.ErrNotConnected when no
// session is open.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	open := c.session != nil
	c.mu.Unlock()
	if !open {
		return fmt.Errorf("disconnect: %w", domestique.ErrNotConnected)
	}

	return c.disconnect(ctx)
}

// Close stops the session, the event bus and the request queue. Without a
// ctx deadline it waits at most five seconds.
func (c *Client) Close(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCloseTimeout)
		defer cancel()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	current := c.session
	c.session = nil
	c.mu.Unlock()

	var closeErrs []error
	if err := stopSession(ctx, current); err != nil {
		closeErrs = append(closeErrs, err)
	}
	c.dispatcher.SetState(gateway.StateClosed)
	if err := c.events.Close(ctx); err != nil {
		closeErrs = append(closeErrs, err)
	}
	if c.queue != nil {
		if err := c.queue.Close(ctx); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}
	if len(closeErrs) > 0 {
		return fmt.Errorf("close client: %w", errors.Join(closeErrs...))
	}

	return nil
}

// On subscribes handler to every event of kind.
func (c *Client) On(ctx context.Context, kind domestique.EventKind, handler Handler) (*bus.Subscription[gateway.Event], error) {
	return c.subscribe(ctx, kind, handler, false)
}

// Once subscribes handler to the next event of kind only.
func (c *Client) Once(ctx context.Context, kind domestique.EventKind, handler Handler) (*bus.Subscription[gateway.Event], error) {
	return c.subscribe(ctx, kind, handler, true)
}

// Guilds returns the guild manager of the entity graph.
func (c *Client) Guilds() *graph.GuildManager {
	return c.guilds
}

// User returns a cached or freshly fetched user profile.
func (c *Client) User(ctx context.Context, id string) (domestique.User, error) {
	return c.fetcher.GetUser(ctx, id)
}

// Self returns the signed-in user after the first ready event, otherwise nil.
func (c *Client) Self() *gateway.SelfUser {
	return c.dispatcher.Self()
}

// State returns the stream session state.
func (c *Client) State() gateway.State {
	return c.dispatcher.State()
}

// Token returns the stored auth token, or "" when signed out.
func (c *Client) Token() string {
	return c.fetcher.Token()
}

func (c *Client) subscribe(ctx context.Context, kind domestique.EventKind, handler Handler, once bool) (*bus.Subscription[gateway.Event], error) {
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", kind)
	}

	return c.events.Subscribe(ctx, bus.SubscriptionSpec{
		Name: string(kind),
		Once: once,
	}, kindFilter(kind), bus.Handler[gateway.Event](handler))
}

func kindFilter(kind domestique.EventKind) bus.Filter[gateway.Event] {
	return func(event gateway.Event) bool {
		return event.Kind == kind
	}
}

// disconnect stops the running session, if any, without closing the client.
func (c *Client) disconnect(ctx context.Context) error {
	c.mu.Lock()
	current := c.session
	c.session = nil
	c.mu.Unlock()

	if current == nil {
		return nil
	}
	if err := stopSession(ctx, current); err != nil {
		return err
	}
	c.dispatcher.SetState(gateway.StateIdle)

	return nil
}

func stopSession(ctx context.Context, current *session) error {
	if current == nil {
		return nil
	}
	current.cancel()

	select {
	case <-current.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop stream session: %w", ctx.Err())
	}
}

// run owns one session: it reads conn until it closes and then reconnects
// while reconnection is enabled and a token is held.
func (c *Client) run(ctx context.Context, current *session, conn gateway.Conn) {
	defer close(current.done)

	unhealthy := 0
	for {
		err := gateway.ReadLoop(ctx, conn, c.handleFrame)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.logger.WarnContext(ctx, "stream closed", "state", c.dispatcher.State(), "error", err)

		if c.dispatcher.State() == gateway.StateStreaming {
			unhealthy = 0
		} else {
			unhealthy++
		}
		if !c.cfg.reconnect || c.fetcher.Token() == "" || unhealthy > c.cfg.reconnectAttempts {
			c.dispatcher.SetState(gateway.StateIdle)
			return
		}

		c.dispatcher.SetState(gateway.StateReconnecting)
		next, err := c.redial(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.ErrorContext(ctx, "stream reconnect gave up", "error", err)
				c.dispatcher.SetState(gateway.StateIdle)
			}
			return
		}
		conn = next
		c.dispatcher.BeginSession()
	}
}

func (c *Client) redial(ctx context.Context) (gateway.Conn, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.reconnectBackoff
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(c.cfg.reconnectAttempts)), ctx)

	var conn gateway.Conn
	err := backoff.RetryNotify(func() error {
		token := c.fetcher.Token()
		if token == "" {
			return backoff.Permanent(domestique.ErrAuthRequired)
		}
		dialed, err := c.cfg.dialer.Dial(ctx, token)
		if err != nil {
			return err
		}
		conn = dialed
		return nil
	}, policy, func(err error, wait time.Duration) {
		metrics.Reconnects.WithLabelValues("retry").Inc()
		c.logger.WarnContext(ctx, "stream reconnect failed", "error", err, "retry_in", wait)
	})
	if err != nil {
		metrics.Reconnects.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("reconnect stream: %w", err)
	}
	metrics.Reconnects.WithLabelValues("ok").Inc()

	return conn, nil
}

func (c *Client) handleFrame(ctx context.Context, frame []byte) {
	if err := c.dispatcher.Handle(ctx, frame); err != nil {
		c.logger.WarnContext(ctx, "stream packet failed", "error", err)
	}
}
