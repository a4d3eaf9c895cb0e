// Package gorilla implements transport.Conn over gorilla/websocket.
// Unlike the default transport it honours HTTP_PROXY and friends,
// which some hosting panels require for outbound connections.
package gorilla

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/risa-org/gamelink/transport"
)

// Dialer opens gorilla websocket connections.
type Dialer struct {
	// HandshakeTimeout bounds the upgrade request on top of the dial ctx.
	HandshakeTimeout time.Duration

	// ReadLimit caps the size of a single inbound frame in bytes.
	// Zero means no limit.
	ReadLimit int64
}

// Dial opens a connection to endpoint. A rejected upgrade is returned as
// a *transport.HandshakeError carrying the HTTP status.
func (d *Dialer) Dial(ctx context.Context, endpoint string, header http.Header) (transport.Conn, error) {
	wd := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := wd.DialContext(ctx, endpoint, header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
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
// gorilla has no context support, so cancellation is mapped onto
// read and write deadlines.
type Conn struct {
	conn *websocket.Conn

	readDone chan struct{} // closed once Read has returned an error
	readOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New wraps an existing *websocket.Conn.
func New(conn *websocket.Conn) *Conn {
	return &Conn{
		conn:     conn,
		readDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.readOnce.Do(func() { close(c.readDone) })
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ctxErr, err)
		}
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

	deadline, _ := ctx.Deadline()
	c.conn.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrTransportClosed, err)
	}
	return nil
}

// Close sends a normal-closure frame and waits for the reader to see the
// peer's reply, then drops the socket. If ctx ends first the socket is
// dropped immediately.
func (c *Conn) Close(ctx context.Context, reason string) error {
	c.closeOnce.Do(func() {
		close(c.closed)

		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(time.Second)
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline)

		if err == nil {
			select {
			case <-c.readDone:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		if cerr := c.conn.Close(); err == nil && cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		c.closeErr = err
	})
	return c.closeErr
}

// Classify maps a Read or Write error to a disconnect reason.
func (c *Conn) Classify(err error) transport.DisconnectEvent {
	if err == nil {
		return transport.DisconnectEvent{Reason: transport.ReasonClosedClean}
	}

	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway),
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
