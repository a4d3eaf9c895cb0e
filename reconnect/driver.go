package reconnect

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/risa-org/gamelink/logging"
	"github.com/risa-org/gamelink/metrics"
	"github.com/risa-org/gamelink/transport"
	"github.com/sirupsen/logrus"
)

// ConnectFunc makes one connection attempt. It must honour ctx.
// Wrap an error with backoff.Permanent to end the sequence early.
type ConnectFunc func(ctx context.Context) error

// CleanupFunc releases whatever a previous connection left behind.
// It is called before every attempt and must be idempotent.
type CleanupFunc func()

// Counter is a snapshot of the reconnection state.
type Counter struct {
	Phase    Phase
	Attempt  int // attempts made in the current phase
	InFlight bool
}

// Driver runs reconnection sequences, one at a time.
type Driver struct {
	policy  Policy
	connect ConnectFunc
	cleanup CleanupFunc

	log         logrus.FieldLogger
	metrics     *metrics.Metrics
	sleep       func(ctx context.Context, d time.Duration) error
	rnd         func() float64
	onExhausted func()
	alive       func() bool

	// mu is the reconnection lock. It is never held across a sleep
	// or a connect.
	mu       sync.Mutex
	counter  Counter
	seq      uint64 // identifies the sequence that owns counter
	cancel   context.CancelFunc
	settling bool  // the running sequence is done, its goroutine is unwinding
	rearm    bool  // a fault arrived while settling; start again on exit
	cause    error // the fault that rearmed
	stopped  bool
	wg       sync.WaitGroup
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log logrus.FieldLogger) Option {
	return func(d *Driver) { d.log = log }
}

// WithMetrics records attempts and exhausted sequences.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithSleep replaces the ctx-aware sleep between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Driver) { d.sleep = fn }
}

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(d *Driver) { d.rnd = fn }
}

// WithExhausted registers a function called when a sequence gives up.
func WithExhausted(fn func()) Option {
	return func(d *Driver) { d.onExhausted = fn }
}

// WithLiveness registers a check for whether a connection is up or being
// set up. When a sequence ends and the check reports false, a fault was
// missed while the sequence was still running, and a new one starts.
func WithLiveness(fn func() bool) Option {
	return func(d *Driver) { d.alive = fn }
}

// NewDriver creates an idle driver.
func NewDriver(policy Policy, connect ConnectFunc, cleanup CleanupFunc, opts ...Option) *Driver {
	d := &Driver{
		policy:  policy,
		connect: connect,
		cleanup: cleanup,
		sleep:   sleepContext,
		rnd:     rand.Float64,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = logging.Discard()
	}
	if d.cleanup == nil {
		d.cleanup = func() {}
	}
	return d
}

// Trigger starts a reconnection sequence in the background.
// It returns false when a sequence is already running or the driver has
// been stopped; the trigger is then logged and otherwise ignored.
// cause is the error that broke the connection and may be nil.
func (d *Driver) Trigger(cause error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.stopped:
		d.log.Debug("Reconnection requested after shutdown, ignoring")
		return false
	case d.counter.InFlight && d.settling:
		d.rearm = true
		d.cause = cause
		return true
	case d.counter.InFlight:
		d.log.Info("Reconnection already in progress, skipping")
		return false
	}

	d.startLocked(cause)
	return true
}

// Interrupt tells the driver a connection was established outside it.
// Any pending attempt is cancelled and the counter is reset.
func (d *Driver) Interrupt() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.counter.InFlight && !d.settling {
		d.cancel()
		d.settling = true
		d.log.Info("Connection restored, cancelling pending reconnection attempts")
	}
	d.counter.Phase = PhaseShort
	d.counter.Attempt = 0
}

// Stop cancels any running sequence and waits for it to exit.
// No sequence starts after Stop. Safe to call more than once.
func (d *Driver) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.rearm = false
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()

	d.wg.Wait()
}

// Snapshot returns the current counter.
func (d *Driver) Snapshot() Counter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counter
}

// startLocked must be called with mu held.
func (d *Driver) startLocked(cause error) {
	ctx, cancel := context.WithCancel(context.Background())
	d.seq++
	d.counter = Counter{Phase: PhaseShort, InFlight: true}
	d.cancel = cancel
	d.settling = false
	d.rearm = false

	d.wg.Add(1)
	go d.run(ctx, d.seq, cause)
}

func (d *Driver) run(ctx context.Context, seq uint64, cause error) {
	defer d.wg.Done()
	defer d.finish(seq)

	phases := []struct {
		phase    Phase
		schedule backoff.BackOff
	}{
		{PhaseShort, d.policy.Short(d.rnd)},
		{PhaseLong, d.policy.Long(d.rnd)},
	}

	lastErr := cause
	for _, ph := range phases {
		for attempt := 1; ; attempt++ {
			delay := ph.schedule.NextBackOff()
			if delay == backoff.Stop {
				break
			}
			if ph.phase == PhaseShort && transport.IsUnavailable(lastErr) {
				extra := d.policy.UnavailableDelay(d.rnd())
				d.log.WithField("extra", extra).Info("Control service unavailable, backing off further")
				delay += extra
			}

			if !d.advance(seq, ph.phase, attempt) {
				return
			}
			d.log.WithFields(logrus.Fields{
				"phase":   ph.phase.String(),
				"attempt": attempt,
				"delay":   delay.Round(time.Millisecond).String(),
			}).Info("Scheduling reconnection attempt")

			if err := d.sleep(ctx, delay); err != nil {
				return
			}

			d.metrics.ReconnectAttempt(ph.phase.String())
			d.cleanup()

			err := d.connect(ctx)
			if err == nil {
				d.succeeded(seq)
				d.log.WithFields(logrus.Fields{
					"phase":   ph.phase.String(),
					"attempt": attempt,
				}).Info("Reconnected to control service")
				return
			}
			if ctx.Err() != nil {
				return
			}

			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				d.log.WithError(perm.Err).Warn("Reconnection abandoned")
				return
			}

			lastErr = err
			d.log.WithError(err).WithFields(logrus.Fields{
				"phase":   ph.phase.String(),
				"attempt": attempt,
			}).Warn("Reconnection attempt failed")
		}

		if ph.phase == PhaseShort {
			d.log.Info("Short reconnection phase exhausted, switching to long interval attempts")
		}
	}

	d.log.Warnf("Failed to reconnect after %d total attempts", d.policy.TotalAttempts())
	d.metrics.ReconnectExhausted()
	if d.onExhausted != nil {
		d.onExhausted()
	}
}

// advance records the attempt about to be made. Returns false if the
// sequence has been superseded or cancelled.
func (d *Driver) advance(seq uint64, phase Phase, attempt int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq != d.seq || d.settling || d.stopped {
		return false
	}
	d.counter.Phase = phase
	d.counter.Attempt = attempt
	return true
}

func (d *Driver) succeeded(seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq != d.seq {
		return
	}
	d.settling = true
	d.counter.Phase = PhaseShort
	d.counter.Attempt = 0
}

// finish releases the in-flight flag, or starts the next sequence if a
// fault arrived while this one was unwinding.
func (d *Driver) finish(seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq != d.seq {
		return
	}
	d.cancel()
	missed := d.settling && d.alive != nil && !d.alive()
	if (d.rearm || missed) && !d.stopped {
		cause := d.cause
		d.cause = nil
		d.startLocked(cause)
		return
	}
	d.counter = Counter{Phase: PhaseShort}
	d.cancel = nil
	d.settling = false
	d.rearm = false
	d.cause = nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
