// Package reconnect drives repeated connection attempts after the link to
// the control service drops. Attempts run in two phases: a short phase
// with linear, capped, jittered backoff, then a long phase at a fixed
// interval with wide jitter. At most one sequence runs at a time.
package reconnect

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Phase is which half of a reconnection sequence an attempt belongs to.
type Phase int

const (
	PhaseShort Phase = iota
	PhaseLong
)

func (p Phase) String() string {
	if p == PhaseLong {
		return "long"
	}
	return "short"
}

// Policy holds the timing of a reconnection sequence.
type Policy struct {
	ShortAttempts  int           // attempts in the short phase
	BaseDelay      time.Duration // attempt n waits BaseDelay*n ...
	CapDelay       time.Duration // ... capped here
	JitterFraction float64       // plus up to this fraction of the delay

	LongAttempts int           // attempts in the long phase
	LongInterval time.Duration // fixed wait between long attempts
	LongJitter   time.Duration // plus up to this much

	// After a short-phase attempt fails because the service is temporarily
	// unavailable, the next wait grows by a random amount in this band.
	UnavailableMin time.Duration
	UnavailableMax time.Duration
}

// DefaultPolicy returns the reference timings: 5 short attempts at
// 3s, 6s, 9s... capped at 30s with 25% jitter, then 20 long attempts
// every 60 to 90 seconds.
func DefaultPolicy() Policy {
	return Policy{
		ShortAttempts:  5,
		BaseDelay:      3 * time.Second,
		CapDelay:       30 * time.Second,
		JitterFraction: 0.25,
		LongAttempts:   20,
		LongInterval:   60 * time.Second,
		LongJitter:     30 * time.Second,
		UnavailableMin: 5 * time.Second,
		UnavailableMax: 15 * time.Second,
	}
}

// TotalAttempts is the number of attempts before a sequence gives up.
func (p Policy) TotalAttempts() int {
	return p.ShortAttempts + p.LongAttempts
}

// ShortDelay is the wait before short-phase attempt n (1-based).
// r is a uniform random number in [0, 1).
func (p Policy) ShortDelay(n int, r float64) time.Duration {
	base := p.BaseDelay * time.Duration(n)
	if base > p.CapDelay {
		base = p.CapDelay
	}
	return base + time.Duration(r*p.JitterFraction*float64(base))
}

// LongDelay is the wait before any long-phase attempt.
func (p Policy) LongDelay(r float64) time.Duration {
	return p.LongInterval + time.Duration(r*float64(p.LongJitter))
}

// UnavailableDelay is the extra wait after a 503.
func (p Policy) UnavailableDelay(r float64) time.Duration {
	return p.UnavailableMin + time.Duration(r*float64(p.UnavailableMax-p.UnavailableMin))
}

// Short returns the short phase as a backoff.BackOff that stops after
// ShortAttempts delays.
func (p Policy) Short(rnd func() float64) backoff.BackOff {
	return &shortSchedule{policy: p, rnd: rnd}
}

// Long returns the long phase as a backoff.BackOff that stops after
// LongAttempts delays.
func (p Policy) Long(rnd func() float64) backoff.BackOff {
	return &longSchedule{policy: p, rnd: rnd}
}

type shortSchedule struct {
	policy Policy
	rnd    func() float64
	n      int
}

func (s *shortSchedule) NextBackOff() time.Duration {
	if s.n >= s.policy.ShortAttempts {
		return backoff.Stop
	}
	s.n++
	return s.policy.ShortDelay(s.n, s.rnd())
}

func (s *shortSchedule) Reset() { s.n = 0 }

type longSchedule struct {
	policy Policy
	rnd    func() float64
	n      int
}

func (s *longSchedule) NextBackOff() time.Duration {
	if s.n >= s.policy.LongAttempts {
		return backoff.Stop
	}
	s.n++
	return s.policy.LongDelay(s.rnd())
}

func (s *longSchedule) Reset() { s.n = 0 }
