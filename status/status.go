// Package status serves the link's health, state and metrics over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/risa-org/gamelink/reconnect"
	"github.com/risa-org/gamelink/session"
	"github.com/sirupsen/logrus"
)

// Link is the part of the client the status server reads.
type Link interface {
	State() session.State
	Reconnecting() reconnect.Counter
	GameServerID() string
}

// Report is the body of GET /status.
type Report struct {
	State        string `json:"state"`
	Connected    bool   `json:"connected"`
	GameServerID string `json:"gameServerId,omitempty"`
	Reconnecting bool   `json:"reconnecting"`
	Phase        string `json:"phase,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	Uptime       string `json:"uptime"`
}

// Server is the status HTTP server.
type Server struct {
	link    Link
	gather  prometheus.Gatherer
	log     logrus.FieldLogger
	started time.Time
	srv     *http.Server
}

// New creates a status server. gather may be nil, in which case
// /metrics is not served.
func New(link Link, gather prometheus.Gatherer, log logrus.FieldLogger) *Server {
	s := &Server{link: link, gather: gather, log: log, started: time.Now()}
	s.srv = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes returns the router, for tests and embedding.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.healthz)
	r.Get("/status", s.status)
	if s.gather != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	}
	return r
}

// ListenAndServe serves on addr until ctx ends, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.WithField("addr", ln.Addr().String()).Info("Status server listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// healthz answers 200 while the link is connected and 503 otherwise,
// so a supervisor can tell a stuck link from a healthy one.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.link.State() != session.StateConnected {
		http.Error(w, s.link.State().String(), http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	state := s.link.State()
	counter := s.link.Reconnecting()
	rep := Report{
		State:        state.String(),
		Connected:    state == session.StateConnected,
		GameServerID: s.link.GameServerID(),
		Reconnecting: counter.InFlight,
		Uptime:       time.Since(s.started).Round(time.Second).String(),
	}
	if counter.InFlight {
		rep.Phase = counter.Phase.String()
		rep.Attempt = counter.Attempt
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		s.log.WithError(err).Debug("Failed to write status")
	}
}
