package handshake

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/risa-org/gamelink/protocol"
)

// Identity is the token pair sent once per connection.
type Identity struct {
	IdentityToken     string // the name this server is registered under
	RegistrationToken string // shared secret issued by the control service
}

// Result is what the handshake returns once the control service has
// answered, or failed to answer, an identify frame.
type Result struct {
	Accepted bool
	Reason   string // populated on rejection, empty on success
	Detail   string // the service's own error text, if it sent one
}

// Rejection reasons. These feed straight into logs and metrics.
const (
	ReasonRejected     = "identify_rejected"
	ReasonTimeout      = "identify_timeout"
	ReasonNoConnection = "connection_lost"
)

// ErrRejected is matched by every error returned from Result.Err.
var ErrRejected = errors.New("identify rejected")

// Err turns a rejected Result into an error. Accepted results give nil.
func (r Result) Err() error {
	if r.Accepted {
		return nil
	}
	if r.Detail != "" {
		return fmt.Errorf("%w: %s: %s", ErrRejected, r.Reason, r.Detail)
	}
	return fmt.Errorf("%w: %s", ErrRejected, r.Reason)
}

// Handler builds identify frames and decides when a connection counts as
// identified. It holds the identity and the waiting policy but nothing
// per-connection, so one Handler serves every reconnect.
type Handler struct {
	identity Identity
	await    bool
	timeout  time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithAwait makes the handler wait for identifyResponse before the
// connection is treated as usable. This is the default.
//
// With await off, the connection is usable as soon as the identify frame
// is written and a later rejection is only logged.
func WithAwait(await bool) Option {
	return func(h *Handler) { h.await = await }
}

// WithTimeout bounds the wait for identifyResponse.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// NewHandler creates a handshake handler for the given identity.
func NewHandler(identity Identity, opts ...Option) *Handler {
	h := &Handler{
		identity: identity,
		await:    true,
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Awaits reports whether the handler waits for identifyResponse.
func (h *Handler) Awaits() bool {
	return h.await
}

// Frame returns the identify frame for a new connection.
func (h *Handler) Frame() *protocol.Identify {
	return &protocol.Identify{
		IdentityToken:     h.identity.IdentityToken,
		RegistrationToken: h.identity.RegistrationToken,
	}
}

// Await blocks until w receives identifyResponse, the timeout passes,
// or ctx ends. In permissive mode it accepts immediately.
func (h *Handler) Await(ctx context.Context, w *Waiter) Result {
	if !h.await {
		return Result{Accepted: true}
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case resp := <-w.ch:
		return Evaluate(resp)
	case <-timer.C:
		return reject(ReasonTimeout, "")
	case <-ctx.Done():
		return reject(ReasonNoConnection, "")
	}
}

// Evaluate checks one identifyResponse.
// Absence of an error field is the only thing that counts as success.
func Evaluate(resp *protocol.IdentifyResponse) Result {
	if resp == nil {
		return reject(ReasonNoConnection, "")
	}
	if resp.Failed {
		return reject(ReasonRejected, resp.Error)
	}
	return Result{Accepted: true}
}

// Waiter carries the first identifyResponse of one connection from the
// read loop to whoever is waiting on it.
type Waiter struct {
	ch        chan *protocol.IdentifyResponse
	delivered atomic.Bool
}

// NewWaiter creates a waiter for one connection.
func NewWaiter() *Waiter {
	return &Waiter{ch: make(chan *protocol.IdentifyResponse, 1)}
}

// Deliver hands resp to the waiter. Only the first response is kept;
// Deliver returns false for any later one and never blocks.
func (w *Waiter) Deliver(resp *protocol.IdentifyResponse) bool {
	if !w.delivered.CompareAndSwap(false, true) {
		return false
	}
	w.ch <- resp
	return true
}

// reject is a helper to build a clean rejection result with a reason.
func reject(reason, detail string) Result {
	return Result{
		Accepted: false,
		Reason:   reason,
		Detail:   detail,
	}
}
