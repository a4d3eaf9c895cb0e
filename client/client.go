// Package client is the link itself: it keeps one authenticated socket to
// the control service alive, answers its requests from a host, and
// forwards host events to it.
//
// The pieces it wires together each live in their own package:
//
//	session    connection state and the live socket, behind one lock
//	sender     the single writer, gated on session state
//	handshake  the identify frame and waiting for its verdict
//	reconnect  the two-phase retry driver
//	dispatch   request routing, one worker per connection
//	events     gameEvent frames
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/risa-org/gamelink/config"
	"github.com/risa-org/gamelink/dispatch"
	"github.com/risa-org/gamelink/events"
	"github.com/risa-org/gamelink/handshake"
	"github.com/risa-org/gamelink/host"
	"github.com/risa-org/gamelink/logging"
	"github.com/risa-org/gamelink/metrics"
	"github.com/risa-org/gamelink/protocol"
	"github.com/risa-org/gamelink/reconnect"
	"github.com/risa-org/gamelink/session"
	"github.com/risa-org/gamelink/transport"
	"github.com/risa-org/gamelink/transport/gorilla"
	"github.com/risa-org/gamelink/transport/sender"
	"github.com/risa-org/gamelink/transport/websocket"
	"github.com/sirupsen/logrus"
)

// ErrShutdown is returned by Connect after Shutdown.
var ErrShutdown = errors.New("client: shut down")

// UserAgent is sent with every upgrade request.
var UserAgent = "gamelink"

// Client is one link to the control service. The zero value is not
// usable; create one with New.
type Client struct {
	cfg     *config.Config
	host    host.Host
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	dialer  transport.Dialer
	rnd     func() float64

	session   *session.Session
	sender    *sender.Sender
	handshake *handshake.Handler
	router    *dispatch.Router
	emitter   *events.Emitter
	driver    *reconnect.Driver

	root       context.Context
	rootCancel context.CancelFunc

	// mu guards closed; wg tracks every goroutine the client starts.
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	closing atomic.Bool
	started atomic.Bool

	shutdownOnce sync.Once
	shutdownErr  error

	driverOpts []reconnect.Option
	routerOpts []dispatch.Option
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Client) { c.log = log }
}

// WithMetrics records connection, request and event metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithDialer replaces the transport chosen by the config.
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithRand replaces the jitter source of connect timeouts and backoff.
func WithRand(fn func() float64) Option {
	return func(c *Client) { c.rnd = fn }
}

// WithReconnectOptions passes options to the reconnection driver.
func WithReconnectOptions(opts ...reconnect.Option) Option {
	return func(c *Client) { c.driverOpts = append(c.driverOpts, opts...) }
}

// WithRouterOptions passes options to the request router.
func WithRouterOptions(opts ...dispatch.Option) Option {
	return func(c *Client) { c.routerOpts = append(c.routerOpts, opts...) }
}

// New creates a client for h. Nothing is dialed until Start or Connect.
func New(cfg *config.Config, h host.Host, opts ...Option) *Client {
	c := &Client{cfg: cfg, host: h, rnd: rand.Float64}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.Discard()
	}
	c.log = c.log.WithField("component", "client")
	if c.dialer == nil {
		c.dialer = dialerFor(cfg)
	}

	c.root, c.rootCancel = context.WithCancel(context.Background())

	c.session = session.New(c.observe)
	c.sender = sender.New(c.session,
		sender.WithWriteTimeout(cfg.Connection.WriteTimeout),
		sender.WithFaultHandler(func(gen uint64, err error) {
			c.fault(gen, transport.DisconnectEvent{Reason: transport.ReasonNetworkError, Err: err})
		}),
		sender.WithMetrics(c.metrics),
	)
	c.handshake = handshake.NewHandler(cfg.Credentials(),
		handshake.WithAwait(cfg.Connection.AwaitIdentify),
		handshake.WithTimeout(cfg.Connection.IdentifyTimeout),
	)

	routerOpts := []dispatch.Option{
		dispatch.WithTimeout(cfg.Dispatch.HandlerTimeout),
		dispatch.WithItemCacheTTL(cfg.Dispatch.ItemCacheTTL),
		dispatch.WithLogger(c.log.WithField("component", "dispatch")),
		dispatch.WithMetrics(c.metrics),
	}
	c.router = dispatch.NewRouter(h, append(routerOpts, c.routerOpts...)...)

	c.emitter = events.NewEmitter(c.sender,
		events.WithCommandPrefix(cfg.CommandPrefix),
		events.WithMetrics(c.metrics),
	)

	driverOpts := []reconnect.Option{
		reconnect.WithLogger(c.log.WithField("component", "reconnect")),
		reconnect.WithMetrics(c.metrics),
		reconnect.WithRand(c.rnd),
		reconnect.WithLiveness(func() bool { return c.session.State() != session.StateDisconnected }),
	}
	c.driver = reconnect.NewDriver(cfg.Policy(), c.connectOnce, c.cleanup, append(driverOpts, c.driverOpts...)...)
	return c
}

func dialerFor(cfg *config.Config) transport.Dialer {
	if cfg.Transport == "gorilla" {
		return &gorilla.Dialer{
			HandshakeTimeout: cfg.Connection.ConnectTimeout,
			ReadLimit:        cfg.Connection.ReadLimit,
		}
	}
	return &websocket.Dialer{ReadLimit: cfg.Connection.ReadLimit}
}

// Start validates the configuration and makes the first connection
// attempt. A failed attempt starts the reconnection driver and is not
// returned; only configuration errors are. Start is a no-op the second time.
func (c *Client) Start(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		c.log.WithError(err).Warn("Cannot initialize control service connection: missing required configuration")
		return err
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	if !c.cfg.HasGameServerID() {
		c.log.Info("gameServerId not set, this is normal for initial server creation")
	}
	c.log.WithFields(logrus.Fields{
		"server": c.cfg.IdentityToken,
		"url":    c.cfg.WebsocketURL,
	}).Info("Initializing control service connection")

	if err := c.connectOnce(ctx); err != nil {
		if c.closing.Load() {
			return nil
		}
		c.log.WithError(err).Warn("Initial connection failed, scheduling reconnection")
		c.driver.Trigger(err)
	}
	return nil
}

// Connect makes one connection attempt outside the reconnection driver,
// for an external supervisor. On success any pending reconnection
// sequence is cancelled. Connecting while already connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	if c.closing.Load() {
		return ErrShutdown
	}
	err := c.connectOnce(ctx)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	if err == nil {
		c.driver.Interrupt()
	}
	return err
}

// ForceReconnect drops the current connection, if any, and starts a
// reconnection sequence. It returns false, and does nothing, when a
// sequence is already running or the client is shutting down.
func (c *Client) ForceReconnect() bool {
	if c.closing.Load() {
		return false
	}
	if c.driver.Snapshot().InFlight {
		c.log.Info("Reconnection already in progress, skipping manual reconnect")
		return false
	}
	c.log.Info("Manual reconnect requested")
	if h, ok := c.session.Detach(c.session.Generation()); ok {
		c.release(h, "manual reconnect")
	}
	return c.driver.Trigger(nil)
}

// State returns the connection state.
func (c *Client) State() session.State {
	return c.session.State()
}

// IsConnected reports whether the link is identified and usable.
func (c *Client) IsConnected() bool {
	return c.session.State() == session.StateConnected
}

// CommandPrefix returns the configured chat command prefix.
func (c *Client) CommandPrefix() string {
	return c.emitter.Prefix()
}

// GameServerID returns the configured game server id, or "" when it is
// unset or still the template placeholder.
func (c *Client) GameServerID() string {
	if !c.cfg.HasGameServerID() {
		return ""
	}
	return c.cfg.GameServerID
}

// Reconnecting returns the reconnection counter.
func (c *Client) Reconnecting() reconnect.Counter {
	return c.driver.Snapshot()
}

// Handle registers an extra request handler, or replaces a built-in one.
// Call it before Start.
func (c *Client) Handle(action string, fn dispatch.HandlerFunc) {
	c.router.Handle(action, fn)
}

// Shutdown stops reconnecting, closes the socket gracefully within the
// configured close timeout, and waits for every goroutine the client
// started until ctx ends. Safe to call more than once and mid-reconnect.
func (c *Client) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.closing.Store(true)
		c.log.Info("Shutting down control service connection")

		c.driver.Stop()

		if h, ok := c.session.Close(); ok {
			c.closeConn(ctx, h, "shutdown")
		}

		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.rootCancel()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			c.log.Info("Control service connection closed")
		case <-ctx.Done():
			c.shutdownErr = ctx.Err()
			c.log.WithError(ctx.Err()).Warn("Shutdown did not finish in time")
		}
	})
	return c.shutdownErr
}

// connectOnce makes one attempt: dial, identify, and wait for the verdict.
// It is the reconnection driver's connect function.
func (c *Client) connectOnce(ctx context.Context) error {
	if c.closing.Load() {
		return backoff.Permanent(ErrShutdown)
	}

	gen, err := c.session.Begin()
	switch {
	case errors.Is(err, session.ErrClosed):
		return backoff.Permanent(ErrShutdown)
	case errors.Is(err, session.ErrBusy):
		if c.session.State() == session.StateConnected {
			return nil
		}
		return err
	}

	log := c.log.WithField("gen", gen)
	timeout := c.cfg.Connection.ConnectTimeout + time.Duration(c.rnd()*float64(c.cfg.Connection.ConnectJitter))
	log.WithFields(logrus.Fields{
		"url":     c.cfg.WebsocketURL,
		"timeout": timeout.Round(time.Millisecond).String(),
	}).Info("Connecting to control service")

	// Shutdown aborts a dial in progress
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	stopDial := context.AfterFunc(c.root, cancel)
	conn, err := c.dialer.Dial(dialCtx, c.cfg.WebsocketURL, http.Header{"User-Agent": {UserAgent}})
	stopDial()
	cancel()
	if err != nil {
		c.session.Detach(gen)
		c.metrics.ConnectAttempt("dial_failed")
		return fmt.Errorf("dial %s: %w", c.cfg.WebsocketURL, err)
	}

	connCtx, connCancel := context.WithCancel(c.root)
	if !c.session.Attach(gen, conn, connCancel) {
		connCancel()
		c.closeConn(ctx, session.Handle{Gen: gen, Conn: conn}, "superseded")
		c.metrics.ConnectAttempt("superseded")
		return errors.New("connection attempt superseded")
	}

	waiter := handshake.NewWaiter()
	worker := c.router.NewWorker(c.cfg.Dispatch.QueueSize, c.reply)
	c.spawn(func() { c.readLoop(connCtx, gen, conn, waiter, worker) })

	if err := c.sender.Send(ctx, c.handshake.Frame()); err != nil {
		c.drop(gen, "identify not sent")
		c.metrics.ConnectAttempt("identify_failed")
		return fmt.Errorf("send identify: %w", err)
	}
	log.Debug("Identify sent")

	// the wait ends early if the connection dies under it
	awaitCtx, awaitCancel := context.WithCancel(ctx)
	stop := context.AfterFunc(connCtx, awaitCancel)
	res := c.handshake.Await(awaitCtx, waiter)
	stop()
	awaitCancel()

	if !res.Accepted {
		log.WithFields(logrus.Fields{"reason": res.Reason, "detail": res.Detail}).Warn("Control service did not accept identify")
		c.drop(gen, res.Reason)
		c.metrics.ConnectAttempt(res.Reason)
		return res.Err()
	}
	if !c.session.Confirm(gen) {
		c.metrics.ConnectAttempt("connection_lost")
		return errors.New("connection lost before identify completed")
	}

	// requests that arrived while identifying have been queued; responses
	// can only be written from here on
	c.spawn(func() { worker.Run(connCtx) })

	c.metrics.ConnectAttempt("ok")
	if players, err := c.host.Online(ctx); err == nil {
		c.metrics.SetPlayersOnline(len(players))
	}
	log.Info("Connected to control service")
	return nil
}

// cleanup releases whatever a failed connection left behind. A live,
// identified connection is not stale and is left alone.
func (c *Client) cleanup() {
	if c.session.State() == session.StateConnected {
		return
	}
	if h, ok := c.session.Detach(c.session.Generation()); ok {
		c.release(h, "cleanup")
	}
}

func (c *Client) readLoop(ctx context.Context, gen uint64, conn transport.Conn, waiter *handshake.Waiter, worker *dispatch.Worker) {
	log := c.log.WithField("gen", gen)
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fault(gen, conn.Classify(err))
			return
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			reason := "unknown"
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				reason = de.Reason
			}
			c.metrics.DecodeError(reason)
			log.WithError(err).Warn("Dropping frame that could not be decoded")
			continue
		}
		c.metrics.FrameReceived(string(msg.MessageType()))

		switch m := msg.(type) {
		case *protocol.IdentifyResponse:
			c.onIdentifyResponse(log, m, waiter)
		case *protocol.Request:
			log.WithFields(logrus.Fields{"action": m.Action, "request_id": m.ID}).Debug("Request received")
			if !worker.Submit(ctx, m) {
				log.WithField("request_id", m.ID).Warn("Request queue full, answered busy")
			}
		case *protocol.Unknown:
			log.WithField("type", m.Type).Debug("Ignoring frame")
		default:
			log.WithField("type", msg.MessageType()).Debug("Ignoring unexpected frame")
		}
	}
}

func (c *Client) onIdentifyResponse(log logrus.FieldLogger, resp *protocol.IdentifyResponse, waiter *handshake.Waiter) {
	if c.handshake.Awaits() {
		if !waiter.Deliver(resp) {
			log.Debug("Ignoring repeated identifyResponse")
		}
		return
	}
	if res := handshake.Evaluate(resp); !res.Accepted {
		log.WithField("detail", res.Detail).Warn("Identify failed")
		return
	}
	log.Info("Identify accepted")
}

func (c *Client) reply(ctx context.Context, resp *protocol.Response) {
	if err := c.sender.Send(ctx, resp); err != nil {
		c.log.WithError(err).WithField("request_id", resp.RequestID).Warn("Failed to send response")
	}
}

// fault handles a broken connection of generation gen: it is detached,
// closed, and a reconnection sequence is started.
func (c *Client) fault(gen uint64, ev transport.DisconnectEvent) {
	h, ok := c.session.Detach(gen)
	if !ok {
		return
	}
	c.metrics.Disconnect(ev.Reason.String())
	c.log.WithError(ev.Err).WithFields(logrus.Fields{
		"gen":    gen,
		"reason": ev.Reason.String(),
	}).Warn("Connection to control service lost")
	c.release(h, "connection lost")

	if c.closing.Load() {
		return
	}
	c.driver.Trigger(ev.Err)
}

// drop detaches gen without starting a reconnection sequence; the caller
// reports the failure itself.
func (c *Client) drop(gen uint64, reason string) {
	if h, ok := c.session.Detach(gen); ok {
		c.release(h, reason)
	}
}

// release closes a detached connection in the background.
func (c *Client) release(h session.Handle, reason string) {
	fn := func() { c.closeConn(context.Background(), h, reason) }
	if !c.spawn(fn) {
		fn()
	}
}

// closeConn closes the socket within the close timeout, then stops the
// connection's goroutines.
func (c *Client) closeConn(ctx context.Context, h session.Handle, reason string) {
	if h.Conn != nil {
		closeCtx, cancel := context.WithTimeout(ctx, c.cfg.Connection.CloseTimeout)
		if err := h.Conn.Close(closeCtx, reason); err != nil {
			c.log.WithError(err).WithField("gen", h.Gen).Debug("Socket did not close cleanly")
		}
		cancel()
	}
	h.Release()
}

// spawn runs fn on a tracked goroutine. It returns false once Shutdown
// has started waiting.
func (c *Client) spawn(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

func (c *Client) observe(from, to session.State) {
	c.metrics.SetState(to.String())
	c.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Debug("Connection state changed")
}

// PlayerJoined reports a player connecting to the host.
func (c *Client) PlayerJoined(p host.Player) error {
	return c.emit(events.PlayerConnected{Player: p})
}

// PlayerLeft reports a player disconnecting from the host.
func (c *Client) PlayerLeft(p host.Player) error {
	return c.emit(events.PlayerDisconnected{Player: p})
}

// ChatMessage reports a chat line. Command lines are forwarded like any
// other; the control service decides what they mean.
func (c *Client) ChatMessage(p host.Player, target events.ChatTarget, text string) error {
	if c.emitter.IsCommand(text) {
		c.log.WithFields(logrus.Fields{"player": p.Name, "text": text}).Debug("Chat command")
	}
	return c.emit(events.ChatMessage{Player: p, Target: target, Text: text})
}

// emit sends ev in the background so host callbacks never block on the
// socket. Events raised while the link is not identified are dropped and
// reported as sender.ErrNotConnected.
func (c *Client) emit(ev events.Event) error {
	if !c.IsConnected() {
		c.emitter.Track(ev)
		return sender.ErrNotConnected
	}
	ok := c.spawn(func() {
		if err := c.emitter.Emit(c.root, ev); err != nil {
			c.log.WithError(err).WithField("event", ev.Kind()).Debug("Event not sent")
		}
	})
	if !ok {
		c.emitter.Track(ev)
		return sender.ErrNotConnected
	}
	return nil
}
