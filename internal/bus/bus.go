package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBusClosed reports publish or subscribe calls after Close.
	ErrBusClosed = errors.New("domestique: event bus closed")
	// ErrSubscriptionClosed reports delivery into a closed subscription.
	ErrSubscriptionClosed = errors.New("domestique: subscription closed")
	// ErrEventDropped reports an event discarded by a drop backpressure policy.
	ErrEventDropped = errors.New("domestique: event dropped")
	// ErrInvalidSubscription reports a spec the bus cannot serve.
	ErrInvalidSubscription = errors.New("domestique: invalid subscription")
)

// Backpressure controls what a full subscriber queue does with new events.
type Backpressure string

const (
	// BackpressureBlock makes Publish wait for queue capacity.
	BackpressureBlock Backpressure = "block"
	// BackpressureDropNewest discards the incoming event.
	BackpressureDropNewest Backpressure = "drop_newest"
	// BackpressureDropOldest evicts the oldest queued event.
	BackpressureDropOldest Backpressure = "drop_oldest"
)

// SubscriptionSpec configures one subscriber. Zero fields take bus defaults.
type SubscriptionSpec struct {
	Name           string
	Buffer         int
	Workers        int
	HandlerTimeout time.Duration
	Backpressure   Backpressure
	// Once delivers at most one matching event and then deregisters.
	Once bool
}

// Handler consumes one event.
type Handler[E any] func(ctx context.Context, event E) error

// Filter selects the events a subscription receives. A nil filter matches all.
type Filter[E any] func(event E) bool

// Bus fans events out to bounded asynchronous subscribers.
//
// Each subscription owns a queue and worker goroutines, so a slow handler
// only delays its own subscription unless it uses BackpressureBlock.
type Bus[E any] struct {
	cfg config

	mu            sync.RWMutex
	closed        bool
	subscriptions map[string]*Subscription[E]
}

// New creates an event bus.
func New[E any](options ...Option) *Bus[E] {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}
	if cfg.onAsyncError == nil {
		logger := cfg.logger
		cfg.onAsyncError = func(ctx context.Context, scope string, err error) {
			logger.ErrorContext(ctx, "event bus async error", "scope", scope, "error", err)
		}
	}

	return &Bus[E]{
		cfg:           cfg,
		subscriptions: make(map[string]*Subscription[E]),
	}
}

// Publish dispatches event to every matching subscription.
//
// Dropped events and closed subscriptions go to the async error sink; only
// blocking enqueue failures are returned.
func (b *Bus[E]) Publish(ctx context.Context, event E) error {
	subs, err := b.snapshotSubscriptions()
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	var publishErrs []error
	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		if sub.spec.Once && !sub.fired.CompareAndSwap(false, true) {
			continue
		}
		if err := sub.enqueue(ctx, event); err != nil {
			if sub.spec.Once {
				sub.fired.Store(false)
			}
			if errors.Is(err, ErrEventDropped) || errors.Is(err, ErrSubscriptionClosed) {
				b.reportAsyncError(ctx, sub.spec.Name, err)
				continue
			}
			publishErrs = append(publishErrs, err)
			continue
		}
		if sub.spec.Once {
			b.detach(sub.token)
		}
	}

	if len(publishErrs) > 0 {
		return fmt.Errorf("publish event: %w", errors.Join(publishErrs...))
	}

	return nil
}

// Subscribe registers a bounded asynchronous consumer.
func (b *Bus[E]) Subscribe(
	ctx context.Context,
	spec SubscriptionSpec,
	filter Filter[E],
	handler Handler[E],
) (*Subscription[E], error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler: %w", spec.Name, ErrInvalidSubscription)
	}

	token := uuid.NewString()
	spec = b.normalizeSpec(spec, token)
	switch spec.Backpressure {
	case BackpressureBlock, BackpressureDropNewest, BackpressureDropOldest:
	default:
		return nil, fmt.Errorf("subscribe %s: backpressure %q: %w", spec.Name, spec.Backpressure, ErrInvalidSubscription)
	}
	sub := newSubscription(token, spec, filter, handler, b)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.signalClose()
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, ErrBusClosed)
	}
	b.subscriptions[token] = sub

	return sub, nil
}

// Len reports how many subscriptions are registered.
func (b *Bus[E]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subscriptions)
}

// Close stops all subscriptions and rejects further publishes and subscribes.
func (b *Bus[E]) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription[E], 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}
	b.subscriptions = make(map[string]*Subscription[E])
	b.mu.Unlock()

	var closeErrs []error
	for _, sub := range subs {
		if err := sub.shutdown(ctx); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}
	if len(closeErrs) > 0 {
		return fmt.Errorf("close event bus: %w", errors.Join(closeErrs...))
	}

	return nil
}

// snapshotSubscriptions copies the registered subscriptions so delivery runs without the bus lock.
func (b *Bus[E]) snapshotSubscriptions() ([]*Subscription[E], error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	subs := make([]*Subscription[E], 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}

	return subs, nil
}

// normalizeSpec applies bus defaults when callers omit optional fields.
func (b *Bus[E]) normalizeSpec(spec SubscriptionSpec, token string) SubscriptionSpec {
	if spec.Name == "" {
		spec.Name = "subscription-" + token[:8]
	}
	if spec.Buffer <= 0 {
		spec.Buffer = b.cfg.subscriptionBuffer
	}
	if spec.Workers <= 0 {
		spec.Workers = b.cfg.subscriptionWorker
	}
	if spec.HandlerTimeout <= 0 {
		spec.HandlerTimeout = b.cfg.handlerTimeout
	}
	if spec.Backpressure == "" {
		spec.Backpressure = BackpressureBlock
	}

	return spec
}

// detach removes a subscription without waiting for its workers.
func (b *Bus[E]) detach(token string) (*Subscription[E], bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, found := b.subscriptions[token]
	if found {
		delete(b.subscriptions, token)
	}

	return sub, found
}

// unsubscribe removes and shuts down a subscription by token.
func (b *Bus[E]) unsubscribe(ctx context.Context, token string) error {
	sub, found := b.detach(token)
	if !found {
		return nil
	}
	if err := sub.shutdown(ctx); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sub.spec.Name, err)
	}

	return nil
}

// reportAsyncError forwards worker failures to the configured error sink.
func (b *Bus[E]) reportAsyncError(ctx context.Context, scope string, err error) {
	b.cfg.onAsyncError(ctx, scope, err)
}

// Subscription owns queueing and worker lifecycle for one subscriber.
type Subscription[E any] struct {
	token   string
	spec    SubscriptionSpec
	filter  Filter[E]
	handler Handler[E]
	queue   chan E
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	closed  atomic.Bool
	fired   atomic.Bool
	once    sync.Once
	bus     *Bus[E]
}

// newSubscription creates a subscription and starts its workers immediately.
func newSubscription[E any](token string, spec SubscriptionSpec, filter Filter[E], handler Handler[E], bus *Bus[E]) *Subscription[E] {
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &Subscription[E]{
		token:   token,
		spec:    spec,
		filter:  filter,
		handler: handler,
		queue:   make(chan E, spec.Buffer),
		ctx:     subCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		bus:     bus,
	}
	sub.startWorkers()

	return sub
}

// Token returns the unique registration token.
func (s *Subscription[E]) Token() string {
	return s.token
}

// Name returns the subscription name.
func (s *Subscription[E]) Name() string {
	return s.spec.Name
}

// Done is closed once every worker has exited.
func (s *Subscription[E]) Done() <-chan struct{} {
	return s.done
}

// Close unregisters the subscription and waits for its workers.
// It must not be called from the subscription's own handler.
func (s *Subscription[E]) Close(ctx context.Context) error {
	return s.bus.unsubscribe(ctx, s.token)
}

// enqueue applies the subscription's backpressure policy to one event.
func (s *Subscription[E]) enqueue(ctx context.Context, event E) error {
	if s.closed.Load() {
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, ErrSubscriptionClosed)
	}

	switch s.spec.Backpressure {
	case BackpressureDropNewest:
		select {
		case s.queue <- event:
			return nil
		default:
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, ErrEventDropped)
		}
	case BackpressureDropOldest:
		select {
		case s.queue <- event:
			return nil
		default:
		}
		select {
		case <-s.queue:
		default:
		}
		select {
		case s.queue <- event:
			return nil
		default:
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, ErrEventDropped)
		}
	default:
		select {
		case s.queue <- event:
			return nil
		case <-s.ctx.Done():
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, ErrSubscriptionClosed)
		case <-ctx.Done():
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, ctx.Err())
		}
	}
}

// startWorkers launches worker goroutines and closes done after all of them exit.
func (s *Subscription[E]) startWorkers() {
	workerWG := &sync.WaitGroup{}
	for idx := 0; idx < s.spec.Workers; idx++ {
		workerWG.Add(1)
		go s.runWorker(workerWG, idx)
	}

	go func() {
		workerWG.Wait()
		close(s.done)
	}()
}

// runWorker consumes queued events until the subscription is canceled.
func (s *Subscription[E]) runWorker(workerWG *sync.WaitGroup, workerID int) {
	defer workerWG.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.queue:
			if err := s.handleEvent(workerID, event); err != nil {
				s.bus.reportAsyncError(s.ctx, s.spec.Name, err)
			}
			if s.spec.Once {
				s.signalClose()
				return
			}
		}
	}
}

// handleEvent runs one handler call with the optional timeout and panic recovery.
func (s *Subscription[E]) handleEvent(workerID int, event E) error {
	handlerCtx, cancel := context.WithTimeout(s.ctx, s.spec.HandlerTimeout)
	defer cancel()

	scope := fmt.Sprintf("subscription %s worker %d", s.spec.Name, workerID)

	return runSafely(scope, func() error {
		return s.handler(handlerCtx, event)
	})
}

// signalClose marks the subscription closed exactly once and cancels workers.
func (s *Subscription[E]) signalClose() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
}

// shutdown waits for worker exit or returns when ctx expires.
func (s *Subscription[E]) shutdown(ctx context.Context) error {
	s.signalClose()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown subscription %s: %w", s.spec.Name, ctx.Err())
	}
}
