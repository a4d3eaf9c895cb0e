package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/risa-org/gamelink/handshake"
	"github.com/risa-org/gamelink/reconnect"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	c := Default()

	if c.WebsocketURL != DefaultURL {
		t.Errorf("expected default url %s, got %s", DefaultURL, c.WebsocketURL)
	}
	if c.CommandPrefix != "!" {
		t.Errorf("expected default prefix !, got %q", c.CommandPrefix)
	}
	if c.Connection.IdentifyTimeout != 10*time.Second || !c.Connection.AwaitIdentify {
		t.Errorf("unexpected identify defaults: %+v", c.Connection)
	}
	if c.Connection.CloseTimeout != 5*time.Second {
		t.Errorf("expected 5s close timeout, got %v", c.Connection.CloseTimeout)
	}
	if c.Dispatch.QueueSize != 64 || c.Dispatch.HandlerTimeout != 30*time.Second {
		t.Errorf("unexpected dispatch defaults: %+v", c.Dispatch)
	}
	if diff := cmp.Diff(reconnect.DefaultPolicy(), c.Policy()); diff != "" {
		t.Errorf("policy mismatch (-want +got):\n%s", diff)
	}
	if !errors.Is(c.Validate(), ErrMissingIdentityToken) {
		t.Errorf("expected defaults to miss the identity token, got %v", c.Validate())
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "gamelink.json", `{
		"identityToken": "my-server",
		"registrationToken": "secret",
		"websocketUrl": "ws://localhost:9000/",
		"commandPrefix": "/",
		"gameServerId": "abc",
		"connection": {"identifyTimeout": "3s", "awaitIdentify": false},
		"reconnect": {"shortAttempts": 2}
	}`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	want := handshake.Identity{IdentityToken: "my-server", RegistrationToken: "secret"}
	if c.Credentials() != want {
		t.Errorf("expected credentials %+v, got %+v", want, c.Credentials())
	}
	if c.WebsocketURL != "ws://localhost:9000/" || c.CommandPrefix != "/" {
		t.Errorf("unexpected url or prefix: %s %s", c.WebsocketURL, c.CommandPrefix)
	}
	if c.Connection.IdentifyTimeout != 3*time.Second || c.Connection.AwaitIdentify {
		t.Errorf("unexpected connection section: %+v", c.Connection)
	}
	if c.Connection.ConnectTimeout != 30*time.Second {
		t.Errorf("expected untouched default connect timeout, got %v", c.Connection.ConnectTimeout)
	}
	if p := c.Policy(); p.ShortAttempts != 2 || p.LongAttempts != 20 {
		t.Errorf("expected partial policy override, got %+v", p)
	}
	if !c.HasGameServerID() {
		t.Error("expected game server id to be set")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "gamelink.yaml", `
identityToken: yaml-server
registrationToken: secret
logging:
  level: debug
host:
  backend: file
  path: /tmp/world.json
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if c.Logging.Level != "debug" || c.Host.Backend != "file" || c.Host.Path != "/tmp/world.json" {
		t.Errorf("unexpected sections: %+v %+v", c.Logging, c.Host)
	}
}

func TestLegacyKeys(t *testing.T) {
	path := writeFile(t, "legacy.json", `{
		"serverName": "old-name",
		"registrationToken": "secret",
		"enableLogging": false
	}`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if c.IdentityToken != "old-name" {
		t.Errorf("expected serverName to fill identityToken, got %q", c.IdentityToken)
	}
	if c.Logging.Enabled {
		t.Error("expected enableLogging false to disable logging")
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeFile(t, "env.json", `{"identityToken": "file-name", "logging": {"level": "info"}}`)
	t.Setenv("GAMELINK_REGISTRATIONTOKEN", "from-env")
	t.Setenv("GAMELINK_LOGGING_LEVEL", "warn")
	t.Setenv("GAMELINK_CONNECTION_CLOSETIMEOUT", "2s")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if c.RegistrationToken != "from-env" {
		t.Errorf("expected registration token from env, got %q", c.RegistrationToken)
	}
	if c.Logging.Level != "warn" {
		t.Errorf("expected nested env override, got %q", c.Logging.Level)
	}
	if c.Connection.CloseTimeout != 2*time.Second {
		t.Errorf("expected duration from env, got %v", c.Connection.CloseTimeout)
	}
}

func TestValidate(t *testing.T) {
	c := Default()
	c.IdentityToken = "x"
	if !errors.Is(c.Validate(), ErrMissingRegistrationToken) {
		t.Errorf("expected missing registration token, got %v", c.Validate())
	}
	c.RegistrationToken = "y"
	c.WebsocketURL = ""
	if !errors.Is(c.Validate(), ErrMissingURL) {
		t.Errorf("expected missing url, got %v", c.Validate())
	}
	c.WebsocketURL = DefaultURL
	c.Transport = "carrier-pigeon"
	if c.Validate() == nil {
		t.Error("expected unknown transport to be rejected")
	}
}

func TestPlaceholderGameServerID(t *testing.T) {
	c := Default()
	c.GameServerID = PlaceholderGameServerID
	if c.HasGameServerID() {
		t.Error("placeholder must count as unset")
	}
}

func TestWriteTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "gamelink.json")
	if err := WriteTemplate(path); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := WriteTemplate(path); err == nil {
		t.Error("expected refusal to overwrite")
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("template does not load: %v", err)
	}
	if c.HasGameServerID() {
		t.Error("template game server id must be the placeholder")
	}
	if !errors.Is(c.Validate(), ErrMissingIdentityToken) {
		t.Errorf("expected template to need filling in, got %v", c.Validate())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
