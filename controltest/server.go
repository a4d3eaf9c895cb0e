// Package controltest runs an in-process control service for tests.
//
// The server accepts websocket upgrades, answers identify frames, records
// every frame it receives and lets a test push requests, drop sockets and
// refuse upgrades with 503.
package controltest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/risa-org/gamelink/protocol"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
)

// ErrNoConnection is returned when no client is connected.
var ErrNoConnection = errors.New("controltest: no client connected")

// Frame is one frame received from a client.
type Frame struct {
	Conn int    // 1-based index of the socket it arrived on
	Type string // top-level "type"
	Raw  []byte
}

// Get reads a gjson path from the frame.
func (f Frame) Get(path string) gjson.Result {
	return gjson.GetBytes(f.Raw, path)
}

// Server is a fake control service.
type Server struct {
	srv *httptest.Server

	mu          sync.Mutex
	reject      string
	silent      bool
	unavailable int
	upgrades    int
	conns       []*websocket.Conn
	current     *websocket.Conn

	frames chan Frame
}

// Option configures a Server.
type Option func(*Server)

// WithReject answers every identify with an error carrying msg.
func WithReject(msg string) Option {
	return func(s *Server) { s.reject = msg }
}

// WithSilentIdentify never answers identify frames.
func WithSilentIdentify() Option {
	return func(s *Server) { s.silent = true }
}

// WithUnavailable refuses the next n upgrades with 503.
func WithUnavailable(n int) Option {
	return func(s *Server) { s.unavailable = n }
}

// New starts a server that is closed when the test ends.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{frames: make(chan Frame, 256)}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// URL is the websocket address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close drops every socket and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	for _, c := range s.conns {
		c.CloseNow()
	}
	s.mu.Unlock()
	s.srv.Close()
}

// SetReject changes the identify verdict for later sockets. An empty
// message accepts.
func (s *Server) SetReject(msg string) {
	s.mu.Lock()
	s.reject = msg
	s.mu.Unlock()
}

// SetUnavailable refuses the next n upgrades with 503.
func (s *Server) SetUnavailable(n int) {
	s.mu.Lock()
	s.unavailable = n
	s.mu.Unlock()
}

// Upgrades counts upgrade requests, refused ones included.
func (s *Server) Upgrades() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upgrades
}

// Connections counts accepted sockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Next returns the next frame received on any socket.
func (s *Server) Next(ctx context.Context) (Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// WaitFor skips frames until one of type typ arrives.
func (s *Server) WaitFor(ctx context.Context, typ string) (Frame, error) {
	for {
		f, err := s.Next(ctx)
		if err != nil {
			return Frame{}, fmt.Errorf("waiting for %s: %w", typ, err)
		}
		if f.Type == typ {
			return f, nil
		}
	}
}

// SendRaw writes text to the newest socket as-is.
func (s *Server) SendRaw(ctx context.Context, text []byte) error {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil {
		return ErrNoConnection
	}
	return c.Write(ctx, websocket.MessageText, text)
}

// Send encodes msg and writes it to the newest socket.
func (s *Server) Send(ctx context.Context, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.SendRaw(ctx, frame)
}

// Request sends a request and waits for the response with the same id.
// Frames that arrive in between are dropped.
func (s *Server) Request(ctx context.Context, id, action string, args any) (Frame, error) {
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return Frame{}, err
		}
		raw = b
	}
	if err := s.Send(ctx, &protocol.Request{ID: id, Action: action, Args: raw}); err != nil {
		return Frame{}, err
	}
	for {
		f, err := s.WaitFor(ctx, string(protocol.TypeResponse))
		if err != nil {
			return Frame{}, err
		}
		if f.Get("requestId").String() == id {
			return f, nil
		}
	}
}

// Drop closes the newest socket without a close handshake.
func (s *Server) Drop() error {
	s.mu.Lock()
	c := s.current
	s.current = nil
	s.mu.Unlock()
	if c == nil {
		return ErrNoConnection
	}
	return c.CloseNow()
}

// Kick closes the newest socket with a normal close frame.
func (s *Server) Kick(reason string) error {
	s.mu.Lock()
	c := s.current
	s.current = nil
	s.mu.Unlock()
	if c == nil {
		return ErrNoConnection
	}
	return c.Close(websocket.StatusNormalClosure, reason)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.upgrades++
	if s.unavailable > 0 {
		s.unavailable--
		s.mu.Unlock()
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.current = conn
	index := len(s.conns)
	s.mu.Unlock()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		f := Frame{Conn: index, Type: gjson.GetBytes(data, "type").String(), Raw: data}
		select {
		case s.frames <- f:
		default:
		}
		if f.Type == string(protocol.TypeIdentify) {
			s.answerIdentify(ctx, conn)
		}
	}
}

func (s *Server) answerIdentify(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	silent, reject := s.silent, s.reject
	s.mu.Unlock()
	if silent {
		return
	}
	resp := &protocol.IdentifyResponse{}
	if reject != "" {
		resp.Failed = true
		resp.Error = reject
	}
	frame, err := protocol.Encode(resp)
	if err != nil {
		return
	}
	conn.Write(ctx, websocket.MessageText, frame)
}
