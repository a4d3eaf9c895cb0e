// Package dispatch routes inbound requests to handlers and turns whatever
// happens in them into exactly one response payload.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/risa-org/gamelink/host"
	"github.com/risa-org/gamelink/logging"
	"github.com/risa-org/gamelink/metrics"
	"github.com/risa-org/gamelink/protocol"
	"github.com/sirupsen/logrus"
)

// Request outcomes recorded in metrics.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusPanic   = "panic"
	StatusTimeout = "timeout"
	StatusUnknown = "unknown"
	StatusBusy    = "busy"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultItemCacheTTL = 5 * time.Minute
)

// HandlerFunc answers one request. A returned error becomes
// {"error": err.Error()} unless it is a *Fallback.
type HandlerFunc func(ctx context.Context, args Args) (any, error)

// Fallback is returned by handlers whose action has a fixed answer on
// failure, such as an empty list. The error is logged and Payload is sent.
type Fallback struct {
	Payload any
	Err     error
}

func (f *Fallback) Error() string { return f.Err.Error() }
func (f *Fallback) Unwrap() error { return f.Err }

// ErrorPayload is the generic failure answer.
type ErrorPayload struct {
	Error string `json:"error"`
}

// Router maps action names to handlers.
type Router struct {
	host     host.Host
	handlers map[string]HandlerFunc
	timeout  time.Duration
	itemTTL  time.Duration
	items    *cache.Cache
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
}

// Option configures a Router.
type Option func(*Router)

// WithTimeout bounds every handler.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// WithItemCacheTTL sets how long the item catalog is cached.
// Zero disables caching.
func WithItemCacheTTL(d time.Duration) Option {
	return func(r *Router) { r.itemTTL = d }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Router) { r.log = log }
}

// WithMetrics records every request.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// NewRouter creates a router with the full action catalog bound to h.
func NewRouter(h host.Host, opts ...Option) *Router {
	r := &Router{
		host:     h,
		handlers: make(map[string]HandlerFunc),
		timeout:  DefaultTimeout,
		itemTTL:  DefaultItemCacheTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logging.Discard()
	}
	r.items = cache.New(r.itemTTL, 2*r.itemTTL)
	r.registerActions()
	return r
}

// Handle registers fn for action, replacing any existing handler.
func (r *Router) Handle(action string, fn HandlerFunc) {
	r.handlers[action] = fn
}

// Actions lists the registered action names in order.
func (r *Router) Actions() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler for req and returns the response payload.
// It never fails: unknown actions, handler errors, panics and timeouts
// all produce an {"error": ...} payload.
func (r *Router) Dispatch(ctx context.Context, req *protocol.Request) any {
	start := time.Now()
	log := r.log.WithFields(logrus.Fields{"action": req.Action, "request_id": req.ID})

	fn, ok := r.handlers[req.Action]
	if !ok {
		log.Warn("Unknown action")
		r.metrics.Request(req.Action, StatusUnknown, time.Since(start))
		return ErrorPayload{Error: "Unknown action: " + req.Action}
	}

	payload, status := r.run(ctx, log, fn, ParseArgs(req))
	r.metrics.Request(req.Action, status, time.Since(start))
	log.WithField("status", status).Debug("Request handled")
	return payload
}

// Busy is the answer for a request that could not be queued.
func (r *Router) Busy(req *protocol.Request) any {
	r.metrics.Request(req.Action, StatusBusy, 0)
	return ErrorPayload{Error: "Server busy"}
}

type outcome struct {
	payload any
	err     error
	panic   any
}

func (r *Router) run(ctx context.Context, log logrus.FieldLogger, fn HandlerFunc, args Args) (any, string) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// buffered so a handler that finishes after the timeout can exit
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{panic: p}
			}
		}()
		payload, err := fn(ctx, args)
		done <- outcome{payload: payload, err: err}
	}()

	select {
	case out := <-done:
		var fb *Fallback
		switch {
		case out.panic != nil:
			log.WithField("panic", out.panic).Error("Request handler panicked")
			return ErrorPayload{Error: fmt.Sprint(out.panic)}, StatusPanic
		case errors.As(out.err, &fb):
			log.WithError(fb.Err).Warn("Request failed, sending fallback")
			return fb.Payload, StatusError
		case out.err != nil:
			log.WithError(out.err).Warn("Request failed")
			return ErrorPayload{Error: out.err.Error()}, StatusError
		}
		return out.payload, StatusOK

	case <-ctx.Done():
		log.WithField("timeout", r.timeout).Warn("Request timed out")
		return ErrorPayload{Error: "Request timed out"}, StatusTimeout
	}
}
