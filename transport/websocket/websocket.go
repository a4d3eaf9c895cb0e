// Package websocket implements transport.Conn over nhooyr.io/websocket.
// This is the default transport.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/risa-org/gamelink/transport"
	"nhooyr.io/websocket"
)

// Dialer opens nhooyr websocket connections.
type Dialer struct {
	// ReadLimit caps the size of a single inbound frame in bytes.
	// Zero keeps the library default (32 KiB).
	ReadLimit int64

	// HTTPClient is used for the upgrade request. Nil means http.DefaultClient.
	HTTPClient *http.Client
}

// Dial opens a connection to endpoint. A non-101 answer from the server
// is returned as a *transport.HandshakeError carrying the HTTP status.
func (d *Dialer) Dial(ctx context.Context, endpoint string, header http.Header) (transport.Conn, error) {
	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &transport.HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, err
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return New(conn), nil
}

// Conn implements transport.Conn over a *websocket.Conn.
// WebSocket already has message boundaries built in,
// so one frame on the wire is one frame to the caller.
type Conn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// New wraps an existing *websocket.Conn.
func New(conn *websocket.Conn) *Conn {
	return &Conn{
		conn:   conn,
		closed: make(chan struct{}),
	}
}

func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Conn) Write(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return transport.ErrTransportClosed
	default:
	}
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrTransportClosed, err)
	}
	return nil
}

// Close sends a normal-closure frame and waits for the peer's reply.
// If ctx ends first the socket is dropped at once and Close returns
// ctx.Err().
func (c *Conn) Close(ctx context.Context, reason string) error {
	c.closeOnce.Do(func() {
		close(c.closed)

		done := make(chan error, 1)
		go func() {
			done <- c.conn.Close(websocket.StatusNormalClosure, reason)
		}()

		select {
		case err := <-done:
			c.closeErr = err
		case <-ctx.Done():
			c.closeErr = ctx.Err()
			c.conn.CloseNow()
		}
	})
	return c.closeErr
}

// Classify maps a Read or Write error to a disconnect reason.
// StatusNormalClosure (1000) and StatusGoingAway (1001) are both clean closes:
// different WebSocket implementations and shutdown timing produce either code.
// Context cancellation or a local Close means we closed it ourselves, also clean.
func (c *Conn) Classify(err error) transport.DisconnectEvent {
	if err == nil {
		return transport.DisconnectEvent{Reason: transport.ReasonClosedClean}
	}

	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure,
		status == websocket.StatusGoingAway,
		errors.Is(err, context.Canceled),
		c.isClosed():
		return transport.DisconnectEvent{Reason: transport.ReasonClosedClean}
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return transport.DisconnectEvent{Reason: transport.ReasonTimeout, Err: err}
	default:
		return transport.DisconnectEvent{Reason: transport.ReasonNetworkError, Err: err}
	}
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
