package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type doerFunc func(req *http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

func response(status int, header http.Header) *http.Response {
	if header == nil {
		header = make(http.Header)
	}

	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader("{}")),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func closeQueue(t *testing.T, queue *Queue) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := queue.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		route  string
		prefix string
		want   string
	}{
		{name: "strips prefix", route: "/api/v0/data/user/u1", prefix: "/api/v0", want: "data/user"},
		{name: "short route", route: "/api/v0/message", prefix: "/api/v0", want: "message"},
		{name: "query ignored", route: "/api/v0/data/messages/c1?limit=5", prefix: "/api/v0", want: "data/messages"},
		{name: "no prefix", route: "/api/v0/data/user/u1", prefix: "", want: "api/v0"},
		{name: "foreign prefix kept", route: "/v1/data/user", prefix: "/api/v0", want: "v1/data"},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if got := Category(testCase.route, testCase.prefix); got != testCase.want {
				t.Fatalf("Category(%q) = %q, want %q", testCase.route, got, testCase.want)
			}
		})
	}
}

func TestParseOrderPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    OrderPolicy
		wantErr bool
	}{
		{raw: "", want: OrderLegacy},
		{raw: "legacy", want: OrderLegacy},
		{raw: "FIFO", want: OrderFIFO},
		{raw: " lifo ", want: OrderLIFO},
		{raw: "random", wantErr: true},
	}

	for _, testCase := range tests {
		got, err := ParseOrderPolicy(testCase.raw)
		if (err != nil) != testCase.wantErr {
			t.Fatalf("ParseOrderPolicy(%q) error = %v, wantErr %v", testCase.raw, err, testCase.wantErr)
		}
		if err == nil && got != testCase.want {
			t.Fatalf("ParseOrderPolicy(%q) = %s, want %s", testCase.raw, got, testCase.want)
		}
	}
}

func TestQueueRetriesAfterAdvertisedCooldown(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		attempts []time.Time
	)
	doer := doerFunc(func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		defer mu.Unlock()

		attempts = append(attempts, time.Now())
		if len(attempts) == 1 {
			return response(http.StatusTooManyRequests, http.Header{
				HeaderTimeoutRemaining: []string{"500"},
			}), nil
		}

		return response(http.StatusOK, nil), nil
	})
	queue := New("https://api.example", WithDoer(doer), WithLogger(quietLogger()))
	defer closeQueue(t, queue)

	started := time.Now()
	resp, err := queue.Fetch(context.Background(), Request{Route: "/api/v0/data/user/u1"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	_ = resp.Body.Close()
	elapsed := time.Since(started)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if elapsed < 500*time.Millisecond {
		t.Fatalf("completed after %s, want at least 500ms", elapsed)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if gap := attempts[1].Sub(attempts[0]); gap < 500*time.Millisecond {
		t.Fatalf("retry gap = %s, want at least 500ms", gap)
	}
}

func TestQueueFallsBackWhenCooldownHeaderMissing(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls int
	)
	doer := doerFunc(func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		defer mu.Unlock()

		calls++
		if calls == 1 {
			return response(http.StatusTooManyRequests, http.Header{
				HeaderTimeoutRemaining: []string{"soon"},
			}), nil
		}

		return response(http.StatusOK, nil), nil
	})
	queue := New("https://api.example",
		WithDoer(doer),
		WithLogger(quietLogger()),
		WithFallbackCooldown(50*time.Millisecond),
	)
	defer closeQueue(t, queue)

	started := time.Now()
	resp, err := queue.Fetch(context.Background(), Request{Route: "/api/v0/data/guild/g1"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	_ = resp.Body.Close()
	if elapsed := time.Since(started); elapsed < 50*time.Millisecond {
		t.Fatalf("completed after %s, want fallback cooldown", elapsed)
	}
}

// gatedDoer blocks the first request until release is closed and records
// the order routes reach the transport.
type gatedDoer struct {
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	routes []string
}

func newGatedDoer() *gatedDoer {
	return &gatedDoer{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (d *gatedDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	d.routes = append(d.routes, req.URL.Path)
	first := len(d.routes) == 1
	d.mu.Unlock()

	if first {
		close(d.entered)
		<-d.release
	}

	return response(http.StatusOK, nil), nil
}

func (d *gatedDoer) served() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.routes...)
}

type fetchOutcome struct {
	route string
	err   error
}

// runOrdering sends "first" then queues a, b, c behind it in that order.
func runOrdering(t *testing.T, order OrderPolicy) ([]string, map[string]error) {
	t.Helper()

	doer := newGatedDoer()
	queue := New("https://api.example", WithDoer(doer), WithOrder(order), WithLogger(quietLogger()))
	defer closeQueue(t, queue)

	const category = "data/user"
	outcomes := make(chan fetchOutcome, 4)
	send := func(route string) {
		go func() {
			resp, err := queue.Fetch(context.Background(), Request{Route: route})
			if resp != nil {
				_ = resp.Body.Close()
			}
			outcomes <- fetchOutcome{route: route, err: err}
		}()
	}

	send("/api/v0/data/user/first")
	<-doer.entered
	for index, name := range []string{"a", "b", "c"} {
		send("/api/v0/data/user/" + name)
		for queue.Pending(category) != index+2 {
			time.Sleep(time.Millisecond)
		}
	}
	close(doer.release)

	results := make(map[string]error, 4)
	for range 4 {
		outcome := <-outcomes
		results[strings.TrimPrefix(outcome.route, "/api/v0/data/user/")] = outcome.err
	}

	served := doer.served()
	for index := range served {
		served[index] = strings.TrimPrefix(served[index], "/api/v0/data/user/")
	}

	return served, results
}

func TestQueueOrderPolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		order         OrderPolicy
		wantServed    []string
		wantDiscarded []string
	}{
		{name: "fifo", order: OrderFIFO, wantServed: []string{"first", "a", "b", "c"}},
		{name: "lifo", order: OrderLIFO, wantServed: []string{"first", "c", "b", "a"}},
		{
			name:          "legacy serves newest and drops oldest",
			order:         OrderLegacy,
			wantServed:    []string{"first", "c", "b"},
			wantDiscarded: []string{"a"},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			served, results := runOrdering(t, testCase.order)
			if diff := cmp.Diff(testCase.wantServed, served); diff != "" {
				t.Fatalf("served order mismatch (-want +got):\n%s", diff)
			}

			var discarded []string
			for _, name := range []string{"first", "a", "b", "c"} {
				err := results[name]
				switch {
				case errors.Is(err, ErrRequestDiscarded):
					discarded = append(discarded, name)
				case err != nil:
					t.Fatalf("request %s failed: %v", name, err)
				}
			}
			if diff := cmp.Diff(testCase.wantDiscarded, discarded); diff != "" {
				t.Fatalf("discarded mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestQueueRejectsOnTransportFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	var (
		mu    sync.Mutex
		calls int
	)
	doer := doerFunc(func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		defer mu.Unlock()

		calls++
		if calls == 1 {
			return nil, boom
		}

		return response(http.StatusOK, nil), nil
	})
	queue := New("https://api.example", WithDoer(doer), WithLogger(quietLogger()))
	defer closeQueue(t, queue)

	if _, err := queue.Fetch(context.Background(), Request{Route: "/api/v0/data/user/u1"}); !errors.Is(err, boom) {
		t.Fatalf("first Fetch error = %v, want %v", err, boom)
	}
	resp, err := queue.Fetch(context.Background(), Request{Route: "/api/v0/data/user/u2"})
	if err != nil {
		t.Fatalf("second Fetch failed: %v", err)
	}
	_ = resp.Body.Close()
	if got := queue.Pending("data/user"); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
}

func TestQueueDoReplaysBodyAcrossRetries(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		bodies []string
	)
	doer := doerFunc(func(req *http.Request) (*http.Response, error) {
		body, _ := io.ReadAll(req.Body)

		mu.Lock()
		defer mu.Unlock()
		bodies = append(bodies, string(body))
		if len(bodies) == 1 {
			return response(http.StatusTooManyRequests, http.Header{
				HeaderTimeoutRemaining: []string{"10"},
			}), nil
		}

		return response(http.StatusOK, nil), nil
	})
	queue := New("", WithDoer(doer), WithLogger(quietLogger()))
	defer closeQueue(t, queue)

	req, err := http.NewRequest(http.MethodPost, "https://api.example/api/v0/message/post", strings.NewReader(`{"content":"meow"}`))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	resp, err := queue.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	_ = resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	want := []string{`{"content":"meow"}`, `{"content":"meow"}`}
	if diff := cmp.Diff(want, bodies); diff != "" {
		t.Fatalf("bodies mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueCloseRejectsCoolingRequests(t *testing.T) {
	t.Parallel()

	doer := doerFunc(func(req *http.Request) (*http.Response, error) {
		return response(http.StatusTooManyRequests, http.Header{
			HeaderTimeoutRemaining: []string{"60000"},
		}), nil
	})
	queue := New("https://api.example", WithDoer(doer), WithLogger(quietLogger()))

	errs := make(chan error, 1)
	go func() {
		_, err := queue.Fetch(context.Background(), Request{Route: "/api/v0/data/user/u1"})
		errs <- err
	}()
	for {
		queue.mu.Lock()
		cooling := false
		if current, ok := queue.buckets["data/user"]; ok {
			cooling = !current.cooldownUntil.IsZero()
		}
		queue.mu.Unlock()
		if cooling {
			break
		}
		time.Sleep(time.Millisecond)
	}

	closeQueue(t, queue)
	if err := <-errs; !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Fetch error = %v, want ErrQueueClosed", err)
	}
	if _, err := queue.Fetch(context.Background(), Request{Route: "/api/v0/data/user/u2"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Fetch after close error = %v, want ErrQueueClosed", err)
	}
}

func TestQueueWithdrawsCanceledRequest(t *testing.T) {
	t.Parallel()

	doer := doerFunc(func(req *http.Request) (*http.Response, error) {
		return response(http.StatusTooManyRequests, http.Header{
			HeaderTimeoutRemaining: []string{"60000"},
		}), nil
	})
	queue := New("https://api.example", WithDoer(doer), WithLogger(quietLogger()))
	defer closeQueue(t, queue)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := queue.Fetch(ctx, Request{Route: "/api/v0/data/user/u1"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Fetch error = %v, want deadline exceeded", err)
	}
	if got := queue.Pending("data/user"); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
}
