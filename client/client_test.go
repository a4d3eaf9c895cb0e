package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/risa-org/gamelink/config"
	"github.com/risa-org/gamelink/controltest"
	"github.com/risa-org/gamelink/events"
	"github.com/risa-org/gamelink/host"
	"github.com/risa-org/gamelink/session"
	"github.com/risa-org/gamelink/store/memory"
	"github.com/risa-org/gamelink/transport/sender"
)

var alice = host.Player{ID: "1", Name: "Alice", SteamID: "76561198000000001"}

func testConfig(url string) *config.Config {
	cfg := config.Default()
	cfg.IdentityToken = "my-server"
	cfg.RegistrationToken = "secret"
	cfg.WebsocketURL = url
	cfg.Connection.ConnectTimeout = 2 * time.Second
	cfg.Connection.ConnectJitter = 0
	cfg.Connection.IdentifyTimeout = 500 * time.Millisecond
	cfg.Connection.CloseTimeout = 500 * time.Millisecond
	cfg.Reconnect = config.Reconnect{
		ShortAttempts:  100,
		BaseDelay:      10 * time.Millisecond,
		CapDelay:       20 * time.Millisecond,
		LongAttempts:   1,
		LongInterval:   20 * time.Millisecond,
		LongJitter:     time.Millisecond,
		UnavailableMin: time.Millisecond,
		UnavailableMax: 2 * time.Millisecond,
	}
	return cfg
}

// newClient starts a client against srv and shuts it down when the test ends.
func newClient(t *testing.T, cfg *config.Config, h host.Host) *Client {
	t.Helper()
	c := New(cfg, h, WithRand(func() float64 { return 0 }))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return c
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStartIdentifies(t *testing.T) {
	srv := controltest.New(t)
	c := newClient(t, testConfig(srv.URL()), memory.New())
	ctx := testCtx(t)

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	f, err := srv.WaitFor(ctx, "identify")
	if err != nil {
		t.Fatal(err)
	}
	if got := f.Get("payload.identityToken").String(); got != "my-server" {
		t.Errorf("identityToken = %q", got)
	}
	if got := f.Get("payload.registrationToken").String(); got != "secret" {
		t.Errorf("registrationToken = %q", got)
	}
	waitUntil(t, "connected", c.IsConnected)
}

func TestStartMissingConfig(t *testing.T) {
	srv := controltest.New(t)
	cfg := testConfig(srv.URL())
	cfg.RegistrationToken = " "
	c := newClient(t, cfg, memory.New())

	if err := c.Start(testCtx(t)); !errors.Is(err, config.ErrMissingRegistrationToken) {
		t.Fatalf("expected ErrMissingRegistrationToken, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := srv.Upgrades(); n != 0 {
		t.Errorf("expected no connection attempt, got %d", n)
	}
	if c.State() != session.StateDisconnected {
		t.Errorf("expected disconnected, got %v", c.State())
	}
}

func TestMalformedFrameDoesNotBreakLink(t *testing.T) {
	srv := controltest.New(t)
	c := newClient(t, testConfig(srv.URL()), memory.New())
	ctx := testCtx(t)
	c.Start(ctx)
	waitUntil(t, "connected", c.IsConnected)

	if err := srv.SendRaw(ctx, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	resp, err := srv.Request(ctx, "req-1", "testReachability", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !resp.Get("payload.connectable").Bool() {
		t.Errorf("unexpected response %s", resp.Raw)
	}
	if !c.IsConnected() {
		t.Error("a bad frame must not drop the connection")
	}
	if n := srv.Connections(); n != 1 {
		t.Errorf("expected one socket, got %d", n)
	}
}

func TestRequestAnswersFromHost(t *testing.T) {
	srv := controltest.New(t)
	world := memory.New()
	world.Join(alice)
	c := newClient(t, testConfig(srv.URL()), world)
	ctx := testCtx(t)
	c.Start(ctx)
	waitUntil(t, "connected", c.IsConnected)

	resp, err := srv.Request(ctx, "abc", "getPlayers", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.Get("payload.0.name").String(); got != "Alice" {
		t.Errorf("unexpected players payload %s", resp.Raw)
	}

	resp, err = srv.Request(ctx, "def", "noSuchAction", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.Get("payload.error").String(); got != "Unknown action: noSuchAction" {
		t.Errorf("unexpected error payload %s", resp.Raw)
	}
}

func TestEventsNeedConnection(t *testing.T) {
	srv := controltest.New(t)
	c := newClient(t, testConfig(srv.URL()), memory.New())

	if err := c.PlayerJoined(alice); !errors.Is(err, sender.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before start, got %v", err)
	}

	ctx := testCtx(t)
	c.Start(ctx)
	waitUntil(t, "connected", c.IsConnected)

	if err := c.PlayerJoined(alice); err != nil {
		t.Fatalf("PlayerJoined: %v", err)
	}
	f, err := srv.WaitFor(ctx, "gameEvent")
	if err != nil {
		t.Fatal(err)
	}
	if got := f.Get("payload.type").String(); got != "player-connected" {
		t.Errorf("expected player-connected, got %s", f.Raw)
	}
	if got := f.Get("payload.data.player.name").String(); got != "Alice" {
		t.Errorf("unexpected player in %s", f.Raw)
	}

	if err := c.ChatMessage(alice, events.ChatTarget{Kind: events.TargetPlayer, Name: "Bob"}, "psst"); err != nil {
		t.Fatal(err)
	}
	f, err = srv.WaitFor(ctx, "gameEvent")
	if err != nil {
		t.Fatal(err)
	}
	if got := f.Get("payload.data.channel").String(); got != "whisper" {
		t.Errorf("expected whisper, got %s", f.Raw)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := controltest.New(t)
	c := newClient(t, testConfig(srv.URL()), memory.New())
	c.Start(testCtx(t))
	waitUntil(t, "connected", c.IsConnected)

	if err := srv.Drop(); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "second socket", func() bool { return srv.Connections() == 2 })
	waitUntil(t, "reconnected", c.IsConnected)
}

func TestReconnectAfterCleanClose(t *testing.T) {
	srv := controltest.New(t)
	c := newClient(t, testConfig(srv.URL()), memory.New())
	c.Start(testCtx(t))
	waitUntil(t, "connected", c.IsConnected)

	srv.Kick("maintenance")
	waitUntil(t, "second socket", func() bool { return srv.Connections() == 2 })
	waitUntil(t, "reconnected", c.IsConnected)
}

func TestRejectedIdentifyRetries(t *testing.T) {
	srv := controltest.New(t, controltest.WithReject("invalid registration token"))
	c := newClient(t, testConfig(srv.URL()), memory.New())
	c.Start(testCtx(t))

	waitUntil(t, "retries", func() bool { return srv.Connections() >= 2 })
	if c.IsConnected() {
		t.Fatal("a rejected identify must not connect")
	}

	srv.SetReject("")
	waitUntil(t, "connected", c.IsConnected)
}

func TestIdentifyTimeout(t *testing.T) {
	srv := controltest.New(t, controltest.WithSilentIdentify())
	cfg := testConfig(srv.URL())
	cfg.Connection.IdentifyTimeout = 50 * time.Millisecond
	c := newClient(t, cfg, memory.New())
	c.Start(testCtx(t))

	waitUntil(t, "retries", func() bool { return srv.Connections() >= 2 })
	if c.IsConnected() {
		t.Error("an unanswered identify must not connect")
	}
}

func TestPermissiveIdentify(t *testing.T) {
	srv := controltest.New(t, controltest.WithSilentIdentify())
	cfg := testConfig(srv.URL())
	cfg.Connection.AwaitIdentify = false
	c := newClient(t, cfg, memory.New())
	c.Start(testCtx(t))

	waitUntil(t, "connected", c.IsConnected)
	if n := srv.Connections(); n != 1 {
		t.Errorf("expected one socket, got %d", n)
	}
}

func TestUnavailableRetries(t *testing.T) {
	srv := controltest.New(t, controltest.WithUnavailable(2))
	c := newClient(t, testConfig(srv.URL()), memory.New())
	c.Start(testCtx(t))

	waitUntil(t, "connected", c.IsConnected)
	if n := srv.Upgrades(); n != 3 {
		t.Errorf("expected 3 upgrade requests, got %d", n)
	}
}

func TestForceReconnect(t *testing.T) {
	srv := controltest.New(t)
	c := newClient(t, testConfig(srv.URL()), memory.New())
	c.Start(testCtx(t))
	waitUntil(t, "connected", c.IsConnected)

	if !c.ForceReconnect() {
		t.Fatal("expected manual reconnect to start")
	}
	waitUntil(t, "second socket", func() bool { return srv.Connections() == 2 })
	waitUntil(t, "reconnected", c.IsConnected)
}

func TestConnectWhileConnected(t *testing.T) {
	srv := controltest.New(t)
	c := newClient(t, testConfig(srv.URL()), memory.New())
	ctx := testCtx(t)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !c.IsConnected() {
		t.Fatal("expected connected after Connect")
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if n := srv.Connections(); n != 1 {
		t.Errorf("expected one socket, got %d", n)
	}
}

func TestShutdown(t *testing.T) {
	srv := controltest.New(t)
	c := newClient(t, testConfig(srv.URL()), memory.New())
	ctx := testCtx(t)
	c.Start(ctx)
	waitUntil(t, "connected", c.IsConnected)

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if c.State() != session.StateDisconnected {
		t.Errorf("expected disconnected, got %v", c.State())
	}
	if err := c.PlayerLeft(alice); !errors.Is(err, sender.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after shutdown, got %v", err)
	}
	if c.ForceReconnect() {
		t.Error("manual reconnect must be refused after shutdown")
	}
	if err := c.Connect(ctx); !errors.Is(err, ErrShutdown) {
		t.Errorf("expected ErrShutdown, got %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := srv.Upgrades(); n != 1 {
		t.Errorf("expected no reconnect after shutdown, got %d upgrades", n)
	}
}

func TestShutdownDuringReconnect(t *testing.T) {
	srv := controltest.New(t, controltest.WithUnavailable(1000))
	c := newClient(t, testConfig(srv.URL()), memory.New())
	ctx := testCtx(t)
	c.Start(ctx)
	waitUntil(t, "retries", func() bool { return srv.Upgrades() >= 2 })

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	n := srv.Upgrades()
	time.Sleep(50 * time.Millisecond)
	if srv.Upgrades() != n {
		t.Error("reconnection continued after shutdown")
	}
}

func TestGameServerID(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.GameServerID = config.PlaceholderGameServerID
	c := New(cfg, memory.New())
	if got := c.GameServerID(); got != "" {
		t.Errorf("placeholder should read as unset, got %q", got)
	}
	cfg.GameServerID = "gs-42"
	if got := c.GameServerID(); got != "gs-42" {
		t.Errorf("expected gs-42, got %q", got)
	}
	if got := c.CommandPrefix(); got != "!" {
		t.Errorf("expected default prefix, got %q", got)
	}
}
