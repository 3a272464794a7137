package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"domestique/pkg/domestique"

	"github.com/gorilla/websocket"
)

// maxFrameBytes bounds one inbound stream frame.
const maxFrameBytes = 1 << 20

// Conn is the read side of one stream socket.
type Conn interface {
	ReadMessage() (messageType int, payload []byte, err error)
	Close() error
}

// Dialer opens one authenticated stream socket.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// WebsocketDialer dials the live stream endpoint and authenticates by sending
// the token as the websocket subprotocol.
type WebsocketDialer struct {
	URL              string
	HandshakeTimeout time.Duration
	Header           http.Header
}

// Dial opens the socket.
func (d WebsocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	if token == "" {
		return nil, fmt.Errorf("dial stream: %w", domestique.ErrAuthRequired)
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		Subprotocols:     []string{token},
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, &domestique.TransportError{Operation: "dial stream", StatusCode: status, Cause: err}
	}
	conn.SetReadLimit(maxFrameBytes)

	return conn, nil
}

// ReadLoop hands every frame of conn to handle in arrival order until the
// socket fails or ctx is canceled. A normal close returns nil.
//
// Canceling ctx closes conn to unblock the pending read.
func ReadLoop(ctx context.Context, conn Conn, handle func(context.Context, []byte)) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return &domestique.TransportError{Operation: "read stream", Cause: err}
		}

		handle(ctx, frame)
	}
}
