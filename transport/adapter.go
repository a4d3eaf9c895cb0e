package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrTransportClosed is returned when you try to use a closed connection.
// Named errors like this let callers check the exact cause with errors.Is()
// instead of comparing raw strings.
var ErrTransportClosed = errors.New("transport closed")

// DisconnectReason tells the client why a connection ended.
// It feeds the logs and the disconnect metric, so you can tell whether
// the link dropped due to a network error, a timeout, or a clean close.
type DisconnectReason int

const (
	ReasonUnknown      DisconnectReason = iota // catch-all, should be rare
	ReasonNetworkError                         // underlying connection failed
	ReasonTimeout                              // no activity within deadline
	ReasonClosedClean                          // graceful close by either side
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNetworkError:
		return "network_error"
	case ReasonTimeout:
		return "timeout"
	case ReasonClosedClean:
		return "closed_clean"
	default:
		return "unknown"
	}
}

// DisconnectEvent bundles the reason with an optional error for debugging.
type DisconnectEvent struct {
	Reason DisconnectReason
	Err    error // nil on clean close, populated on errors
}

// Conn is one live, message-oriented, duplex connection carrying text frames.
// The client only ever talks to this interface; it never imports a
// concrete websocket library.
//
// Read must only be called from one goroutine at a time, and so must Write.
// The two may run concurrently with each other.
type Conn interface {
	// Read blocks until the next text frame arrives, ctx ends,
	// or the connection fails.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one text frame. Returns ErrTransportClosed once the
	// connection is gone.
	Write(ctx context.Context, frame []byte) error

	// Close performs the close handshake, giving up and dropping the
	// socket when ctx ends. Safe to call multiple times.
	Close(ctx context.Context, reason string) error

	// Classify turns an error returned by Read or Write into a
	// DisconnectEvent.
	Classify(err error) DisconnectEvent
}

// Dialer opens a Conn to a remote endpoint.
// The dial is bounded by ctx; the returned Conn is not.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error)
}

// HandshakeError is returned by a Dialer when the server answered
// the upgrade request with a non-101 HTTP status.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err means the control service is
// temporarily unavailable (HTTP 503). Some libraries only surface the
// status in the error text, so the message is checked as well.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var he *HandshakeError
	if errors.As(err, &he) && he.StatusCode == http.StatusServiceUnavailable {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "503") || strings.Contains(msg, "service unavailable")
}
