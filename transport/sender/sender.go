package sender

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/risa-org/gamelink/metrics"
	"github.com/risa-org/gamelink/protocol"
	"github.com/risa-org/gamelink/transport"
)

// ErrNotConnected is returned when a frame is not allowed on the wire in
// the current connection state. It is not a failure of the link; callers
// usually just drop the frame.
var ErrNotConnected = errors.New("not connected")

// Source hands out the live connection when a frame may be written.
// *session.Session satisfies it.
type Source interface {
	Writer(identify bool) (transport.Conn, uint64, bool)
}

// FaultFunc is told about a write that failed on connection gen.
type FaultFunc func(gen uint64, err error)

// Sender is the single place where outgoing frames are encoded,
// gated on the connection state, and written.
//
// Before Sender existed, callers had to do three things manually:
//
//	conn, gen, ok := session.Writer(false) // easy to forget for events
//	frame, _ := protocol.Encode(msg)
//	conn.Write(ctx, frame)                  // racing other writers
//
// Sender collapses this to one call:
//
//	sender.Send(ctx, msg)
//
// Writes are serialized by one lock, so frames from concurrent callers
// are never interleaved and a single caller's frames keep their order.
type Sender struct {
	src     Source
	mu      sync.Mutex // the send lock; held for exactly one Write
	timeout time.Duration
	onFault FaultFunc
	metrics *metrics.Metrics
}

// Option configures a Sender.
type Option func(*Sender)

// WithWriteTimeout bounds every write. Zero means only the caller's ctx applies.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Sender) { s.timeout = d }
}

// WithFaultHandler registers the function told about failed writes.
func WithFaultHandler(fn FaultFunc) Option {
	return func(s *Sender) { s.onFault = fn }
}

// WithMetrics records sent and suppressed frames.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sender) { s.metrics = m }
}

// New creates a Sender that writes to whatever connection src hands out.
func New(src Source, opts ...Option) *Sender {
	s := &Sender{src: src}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send encodes msg and writes it if the connection state allows.
// Returns ErrNotConnected without touching the wire when it does not.
// A write error is reported to the fault handler and returned.
func (s *Sender) Send(ctx context.Context, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	typ := string(msg.MessageType())

	conn, gen, ok := s.src.Writer(msg.MessageType() == protocol.TypeIdentify)
	if !ok {
		s.metrics.FrameSuppressed(typ)
		return ErrNotConnected
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.mu.Lock()
	err = conn.Write(ctx, frame)
	s.mu.Unlock()

	if err != nil {
		if s.onFault != nil {
			s.onFault(gen, err)
		}
		return fmt.Errorf("send %s: %w", typ, err)
	}

	s.metrics.FrameSent(typ)
	return nil
}
