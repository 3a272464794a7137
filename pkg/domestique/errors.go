package domestique

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthRequired indicates an operation that the API only allows for signed-in clients.
	ErrAuthRequired = errors.New("domestique: authentication required")
	// ErrHandshakeTimeout indicates that no authStatus packet arrived within the handshake bound.
	ErrHandshakeTimeout = errors.New("domestique: auth status timeout")
	// ErrInvalidPacket indicates a stream frame that is not a well-formed packet.
	ErrInvalidPacket = errors.New("domestique: invalid packet")
	// ErrClientClosed indicates use of a client after Close.
	ErrClientClosed = errors.New("domestique: client closed")
	// ErrNotConnected indicates an operation that needs a live stream session.
	ErrNotConnected = errors.New("domestique: not connected")
)

// TransportError reports a failed HTTP exchange or socket-level failure.
type TransportError struct {
	// Operation names the client call that failed, for example "fetch user".
	Operation string
	// StatusCode is the HTTP status when a response was received, otherwise 0.
	StatusCode int
	// Cause is the wrapped network or decoding error when known.
	Cause error
}

// Error returns one operator-readable failure summary.
func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}

	fields := make([]string, 0, 2)
	if operation := strings.TrimSpace(e.Operation); operation != "" {
		fields = append(fields, operation)
	}
	if e.StatusCode != 0 {
		fields = append(fields, fmt.Sprintf("response code not OK; response code is %d", e.StatusCode))
	}

	summary := "transport error"
	if len(fields) > 0 {
		summary = strings.Join(fields, ": ")
	}
	if e.Cause == nil {
		return summary
	}

	return summary + ": " + e.Cause.Error()
}

// Unwrap returns the wrapped root cause.
func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Cause
}

// ProtocolError reports a response envelope whose error field is non-zero.
type ProtocolError struct {
	// Operation names the client call that failed.
	Operation string
	// Code is the envelope error code.
	Code int
	// Message is the server-supplied explanation.
	Message string
}

// Error returns the server message prefixed with the failing operation.
func (e *ProtocolError) Error() string {
	if e == nil {
		return "<nil>"
	}

	return fmt.Sprintf("%s: server error %d: %s", e.Operation, e.Code, e.Message)
}

// AuthRejectedError reports an authStatus packet with success=false.
type AuthRejectedError struct {
	// UserID is the id the server echoed back, if any.
	UserID string
	// Reason is the server-supplied error text.
	Reason string
}

// Error returns the server rejection reason.
func (e *AuthRejectedError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Reason == "" {
		return "auth rejected"
	}

	return "auth rejected: " + e.Reason
}

// AsTransportError extracts one TransportError from wrapped error chains.
func AsTransportError(err error) (*TransportError, bool) {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr, true
	}

	return nil, false
}

// AsProtocolError extracts one ProtocolError from wrapped error chains.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var protocolErr *ProtocolError
	if errors.As(err, &protocolErr) {
		return protocolErr, true
	}

	return nil, false
}
