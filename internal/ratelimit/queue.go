package ratelimit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"domestique/internal/metrics"

	"github.com/google/uuid"
)

// HeaderTimeoutRemaining carries the cooldown of a 429 response in milliseconds.
const HeaderTimeoutRemaining = "X-Timeout-Remaining-Milliseconds"

var (
	// ErrQueueClosed reports requests rejected because the queue shut down.
	ErrQueueClosed = errors.New("domestique: request queue closed")
	// ErrRequestDiscarded reports a request dropped by the legacy ordering policy
	// before it was ever sent.
	ErrRequestDiscarded = errors.New("domestique: queued request discarded")
)

// Request describes one outbound call relative to the queue base URL.
type Request struct {
	Method string
	Route  string
	Header http.Header
	Body   []byte
}

// Queue serializes outbound requests per route category and honors 429 cooldowns.
//
// A category drains one request at a time. While a category cools down its
// pending requests wait for a timer armed for the advertised remaining time.
type Queue struct {
	baseURL string
	cfg     config

	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
	running sync.WaitGroup
}

type bucket struct {
	name          string
	pending       []*pending
	cooldownUntil time.Time
	locked        bool
	timer         *time.Timer
}

type pending struct {
	id      string
	route   string
	build   func() (*http.Request, error)
	done    chan result
	settled atomic.Bool
}

type result struct {
	resp *http.Response
	err  error
}

// settle delivers res once. Late responses are closed so their bodies do not leak.
func (p *pending) settle(res result) bool {
	if !p.settled.CompareAndSwap(false, true) {
		if res.resp != nil {
			_ = res.resp.Body.Close()
		}
		return false
	}
	p.done <- res

	return true
}

// New creates a queue. baseURL prefixes Request.Route for Fetch; Do uses the
// request URL unchanged.
func New(baseURL string, options ...Option) *Queue {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	return &Queue{
		baseURL: strings.TrimRight(baseURL, "/"),
		cfg:     cfg,
		buckets: make(map[string]*bucket),
	}
}

// Category derives the queue category of route: its first two path segments
// after prefix is stripped.
func Category(route string, prefix string) string {
	path := route
	if index := strings.IndexAny(path, "?#"); index >= 0 {
		path = path[:index]
	}
	if prefix != "" && strings.HasPrefix(path, prefix) {
		path = path[len(prefix):]
	}
	segments := strings.SplitN(strings.Trim(path, "/"), "/", 3)
	if len(segments) > 2 {
		segments = segments[:2]
	}

	return strings.Join(segments, "/")
}

// Fetch enqueues request and blocks until it settles or ctx is done.
func (q *Queue) Fetch(ctx context.Context, request Request) (*http.Response, error) {
	if ctx == nil {
		return nil, fmt.Errorf("queue fetch %s: nil context", request.Route)
	}
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	target := q.baseURL + request.Route

	return q.enqueue(ctx, request.Route, func() (*http.Request, error) {
		var body io.Reader
		if request.Body != nil {
			body = bytes.NewReader(request.Body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		for key, values := range request.Header {
			req.Header[key] = append([]string(nil), values...)
		}

		return req, nil
	})
}

// Do enqueues req under the category of its URL path. It makes the queue usable
// wherever an http.Client-like Doer is expected.
func (q *Queue) Do(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, fmt.Errorf("queue do: nil request")
	}

	var payload []byte
	if req.Body != nil && req.Body != http.NoBody {
		read, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("queue do %s: read body: %w", req.URL.Path, err)
		}
		payload = read
	}

	return q.enqueue(req.Context(), req.URL.Path, func() (*http.Request, error) {
		attempt := req.Clone(req.Context())
		if payload != nil {
			attempt.Body = io.NopCloser(bytes.NewReader(payload))
			attempt.ContentLength = int64(len(payload))
			attempt.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(payload)), nil
			}
		}

		return attempt, nil
	})
}

// Pending reports how many requests wait in category, including one in flight.
func (q *Queue) Pending(category string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.buckets[category]
	if !ok {
		return 0
	}

	return len(current.pending)
}

// Close stops cooldown timers, rejects every pending request with ErrQueueClosed
// and waits for in-flight drains to return.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, current := range q.buckets {
		if current.timer != nil {
			current.timer.Stop()
			current.timer = nil
		}
		for _, request := range current.pending {
			request.settle(result{err: ErrQueueClosed})
		}
		current.pending = nil
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close request queue: %w", ctx.Err())
	}
}

// enqueue registers one request in its bucket and waits for its outcome or ctx.
func (q *Queue) enqueue(ctx context.Context, route string, build func() (*http.Request, error)) (*http.Response, error) {
	request := &pending{
		id:    uuid.NewString(),
		route: route,
		build: build,
		done:  make(chan result, 1),
	}
	category := Category(route, q.cfg.routePrefix)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	current, ok := q.buckets[category]
	if !ok {
		current = &bucket{name: category}
		q.buckets[category] = current
	}
	current.pending = append(current.pending, request)
	q.mu.Unlock()

	q.drain(category)

	select {
	case res := <-request.done:
		return res.resp, res.err
	case <-ctx.Done():
		q.withdraw(category, request)
		return nil, ctx.Err()
	}
}

// withdraw removes a request whose caller stopped waiting.
func (q *Queue) withdraw(category string, request *pending) {
	if !request.settled.CompareAndSwap(false, true) {
		// settle won the race and always delivers.
		if res := <-request.done; res.resp != nil {
			_ = res.resp.Body.Close()
		}
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if current, ok := q.buckets[category]; ok {
		current.remove(request)
	}
}

// drain starts one drain loop for category unless it is locked or cooling down.
func (q *Queue) drain(category string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	current, ok := q.buckets[category]
	if !ok || current.locked || len(current.pending) == 0 {
		return
	}
	if wait := current.cooldownUntil.Sub(q.cfg.now()); wait > 0 {
		q.armLocked(current, wait)
		return
	}

	current.locked = true
	q.running.Add(1)
	go q.run(current)
}

// armLocked schedules a drain of the bucket once its cooldown passes.
func (q *Queue) armLocked(current *bucket, wait time.Duration) {
	if current.timer != nil {
		current.timer.Stop()
	}
	name := current.name
	current.timer = time.AfterFunc(wait, func() {
		q.drain(name)
	})
}

// run dispatches a bucket's pending requests one at a time until it empties or cools down.
func (q *Queue) run(current *bucket) {
	defer q.running.Done()

	for {
		q.mu.Lock()
		current.prune()
		if q.closed || len(current.pending) == 0 {
			current.locked = false
			q.mu.Unlock()
			return
		}
		if wait := current.cooldownUntil.Sub(q.cfg.now()); wait > 0 {
			current.locked = false
			q.armLocked(current, wait)
			q.mu.Unlock()
			return
		}
		picked := current.pick(q.cfg.order)
		q.mu.Unlock()

		resp, err := q.perform(picked)

		q.mu.Lock()
		switch {
		case err != nil:
			picked.settle(result{err: err})
			q.completeLocked(current, picked)
		case resp.StatusCode == http.StatusTooManyRequests:
			cooldown := q.cooldown(resp)
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			current.cooldownUntil = q.cfg.now().Add(cooldown)
			metrics.RateLimited.WithLabelValues(current.name).Inc()
			q.cfg.logger.Warn("request rate limited",
				"category", current.name,
				"request_id", picked.id,
				"cooldown", cooldown,
			)
		default:
			picked.settle(result{resp: resp})
			q.completeLocked(current, picked)
		}
		q.mu.Unlock()
	}
}

// perform sends one attempt of request outside the queue lock.
func (q *Queue) perform(request *pending) (*http.Response, error) {
	req, err := request.build()
	if err != nil {
		return nil, err
	}
	resp, err := q.cfg.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("queued %s %s: %w", req.Method, request.route, err)
	}

	return resp, nil
}

// cooldown reads the pause from a 429 response, falling back to the configured default.
func (q *Queue) cooldown(resp *http.Response) time.Duration {
	raw := resp.Header.Get(HeaderTimeoutRemaining)
	millis, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || millis < 0 {
		return q.cfg.fallbackCooldown
	}

	return time.Duration(millis) * time.Millisecond
}

// completeLocked drops bookkeeping for a settled request according to the policy.
func (q *Queue) completeLocked(current *bucket, picked *pending) {
	switch q.cfg.order {
	case OrderFIFO, OrderLIFO:
		current.remove(picked)
	default:
		if len(current.pending) == 0 {
			return
		}
		head := current.pending[0]
		current.pending = current.pending[1:]
		if head != picked {
			current.remove(picked)
			if head.settle(result{err: ErrRequestDiscarded}) {
				metrics.QueueDiscarded.WithLabelValues(current.name).Inc()
				q.cfg.logger.Warn("discarded unsettled queued request",
					slog.String("category", current.name),
					slog.String("request_id", head.id),
					slog.String("route", head.route),
				)
			}
		}
	}
}

// pick selects the next request to send under order.
func (b *bucket) pick(order OrderPolicy) *pending {
	if order == OrderFIFO {
		return b.pending[0]
	}

	return b.pending[len(b.pending)-1]
}

// remove drops request from the pending list.
func (b *bucket) remove(request *pending) {
	for index, candidate := range b.pending {
		if candidate == request {
			b.pending = append(b.pending[:index], b.pending[index+1:]...)
			return
		}
	}
}

// prune drops requests withdrawn by their callers while still listed.
func (b *bucket) prune() {
	kept := b.pending[:0]
	for _, request := range b.pending {
		if !request.settled.Load() {
			kept = append(kept, request)
		}
	}
	for index := len(kept); index < len(b.pending); index++ {
		b.pending[index] = nil
	}
	b.pending = kept
}
