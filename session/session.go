// Package session owns the connection state machine and the live socket
// handle. Both sit behind one lock so every reader sees a consistent
// snapshot, and no method holds that lock across I/O.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/risa-org/gamelink/transport"
)

// State represents where the connection is in its lifecycle.
// We use iota to auto-assign integer values to each constant.
type State int

const (
	StateDisconnected State = iota // 0 - no socket, initial and terminal state of every connection
	StateConnecting                // 1 - dialing the control service
	StateIdentifying               // 2 - socket open, identify frame may be sent
	StateConnected                 // 3 - identified, application traffic flows
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

var (
	// ErrBusy is returned by Begin when a connection is already being set
	// up or is live.
	ErrBusy = errors.New("session: connection already active")

	// ErrClosed is returned by Begin after Close.
	ErrClosed = errors.New("session: closed")
)

// Handle is what a connection leaves behind when it is detached.
// The caller closes Conn and calls Cancel outside the session lock.
type Handle struct {
	Gen    uint64
	Conn   transport.Conn
	Cancel context.CancelFunc
}

// Release cancels the connection's goroutines. It does not close the socket.
func (h Handle) Release() {
	if h.Cancel != nil {
		h.Cancel()
	}
}

// Observer is called after every state change, outside the lock.
type Observer func(from, to State)

// Session is the single source of truth for connection state.
// Every connection attempt gets a generation number; methods that take a
// gen ignore calls from older connections, so a dying read loop can never
// tear down its replacement.
type Session struct {
	mu           sync.RWMutex
	state        State
	gen          uint64
	conn         transport.Conn
	cancel       context.CancelFunc
	identifySent bool
	closed       bool

	observer Observer
}

// New creates a session in StateDisconnected.
// observer may be nil.
func New(observer Observer) *Session {
	return &Session{state: StateDisconnected, observer: observer}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Generation returns the generation of the newest connection attempt.
func (s *Session) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Begin moves Disconnected to Connecting and opens a new generation.
func (s *Session) Begin() (uint64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	from := s.state
	if !s.transition(StateConnecting) {
		s.mu.Unlock()
		return 0, ErrBusy
	}
	s.gen++
	gen := s.gen
	s.identifySent = false
	s.mu.Unlock()

	s.notify(from, StateConnecting)
	return gen, nil
}

// Attach stores a freshly dialed socket and moves Connecting to Identifying.
// Returns false if gen is stale; the caller then owns conn and must close it.
func (s *Session) Attach(gen uint64, conn transport.Conn, cancel context.CancelFunc) bool {
	s.mu.Lock()
	if gen != s.gen || s.state != StateConnecting {
		s.mu.Unlock()
		return false
	}
	s.transition(StateIdentifying)
	s.conn = conn
	s.cancel = cancel
	s.mu.Unlock()

	s.notify(StateConnecting, StateIdentifying)
	return true
}

// Confirm moves Identifying to Connected once the control service has
// accepted the identify frame.
func (s *Session) Confirm(gen uint64) bool {
	s.mu.Lock()
	if gen != s.gen || s.state != StateIdentifying {
		s.mu.Unlock()
		return false
	}
	s.transition(StateConnected)
	s.mu.Unlock()

	s.notify(StateIdentifying, StateConnected)
	return true
}

// Writer returns the live socket if a frame of the given kind may be
// written right now. Application frames need StateConnected. The identify
// frame needs StateIdentifying and is handed out once per connection.
func (s *Session) Writer(identify bool) (transport.Conn, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil, 0, false
	}
	if identify {
		if s.state != StateIdentifying || s.identifySent {
			return nil, 0, false
		}
		s.identifySent = true
		return s.conn, s.gen, true
	}
	if s.state != StateConnected {
		return nil, 0, false
	}
	return s.conn, s.gen, true
}

// Detach moves the connection of generation gen to Disconnected and hands
// back its socket. Returns false if gen is stale or already detached.
func (s *Session) Detach(gen uint64) (Handle, bool) {
	s.mu.Lock()
	if gen != s.gen || s.state == StateDisconnected {
		s.mu.Unlock()
		return Handle{}, false
	}
	from := s.state
	h := s.detachLocked()
	s.mu.Unlock()

	s.notify(from, StateDisconnected)
	return h, true
}

// Close detaches whatever connection is current and refuses any further
// Begin. Safe to call more than once.
func (s *Session) Close() (Handle, bool) {
	s.mu.Lock()
	s.closed = true
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return Handle{}, false
	}
	from := s.state
	h := s.detachLocked()
	s.mu.Unlock()

	s.notify(from, StateDisconnected)
	return h, true
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// detachLocked must be called with the write lock held.
func (s *Session) detachLocked() Handle {
	h := Handle{Gen: s.gen, Conn: s.conn, Cancel: s.cancel}
	s.transition(StateDisconnected)
	s.conn = nil
	s.cancel = nil
	s.identifySent = false
	return h
}

// transition moves to next if the table allows it.
// Must be called with the write lock held.
func (s *Session) transition(next State) bool {
	if !isValidTransition(s.state, next) {
		return false
	}
	s.state = next
	return true
}

func (s *Session) notify(from, to State) {
	if s.observer != nil {
		s.observer(from, to)
	}
}

// isValidTransition defines which state changes are legal.
// Every state can fall back to Disconnected; forward moves go one step at a time.
func isValidTransition(from, to State) bool {
	allowed := map[State][]State{
		StateDisconnected: {StateConnecting},
		StateConnecting:   {StateIdentifying, StateDisconnected},
		StateIdentifying:  {StateConnected, StateDisconnected},
		StateConnected:    {StateDisconnected},
	}

	for _, valid := range allowed[from] {
		if to == valid {
			return true
		}
	}
	return false
}
