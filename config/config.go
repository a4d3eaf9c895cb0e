// Package config loads the link's settings from a JSON or YAML file and
// GAMELINK_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/risa-org/gamelink/handshake"
	"github.com/risa-org/gamelink/logging"
	"github.com/risa-org/gamelink/reconnect"
	"github.com/spf13/viper"
)

const (
	envVarPrefix = "GAMELINK"

	// DefaultURL is used only when websocketUrl is absent altogether.
	DefaultURL = "wss://connect.takaro.io/"

	// PlaceholderGameServerID is what the config template ships with.
	// It means the same as no id at all.
	PlaceholderGameServerID = "YOUR_GAME_SERVER_ID"
)

var (
	ErrMissingIdentityToken     = errors.New("config: identityToken (or serverName) is required")
	ErrMissingRegistrationToken = errors.New("config: registrationToken is required")
	ErrMissingURL               = errors.New("config: websocketUrl is empty")
)

// Config contains every option of the link and the daemon around it.
type Config struct {
	// Name this server is registered under. serverName is accepted as an
	// older spelling.
	IdentityToken string `mapstructure:"identityToken"`
	// Shared secret issued by the control service.
	RegistrationToken string `mapstructure:"registrationToken"`
	// Control service endpoint.
	WebsocketURL string `mapstructure:"websocketUrl"`
	// Chat lines starting with this are flagged as commands.
	CommandPrefix string `mapstructure:"commandPrefix"`
	// Returned by the control service after the first registration.
	GameServerID string `mapstructure:"gameServerId"`
	// websocket (default) or gorilla.
	Transport string `mapstructure:"transport"`

	Logging    Logging    `mapstructure:"logging"`
	Connection Connection `mapstructure:"connection"`
	Reconnect  Reconnect  `mapstructure:"reconnect"`
	Dispatch   Dispatch   `mapstructure:"dispatch"`
	Metrics    Metrics    `mapstructure:"metrics"`
	Host       Host       `mapstructure:"host"`
}

// Logging configures log output.
type Logging = logging.Config

// Connection configures a single connection attempt.
type Connection struct {
	ConnectTimeout  time.Duration `mapstructure:"connectTimeout"`
	ConnectJitter   time.Duration `mapstructure:"connectJitter"`
	IdentifyTimeout time.Duration `mapstructure:"identifyTimeout"`
	// Wait for identifyResponse before treating the link as connected.
	AwaitIdentify bool          `mapstructure:"awaitIdentify"`
	CloseTimeout  time.Duration `mapstructure:"closeTimeout"`
	WriteTimeout  time.Duration `mapstructure:"writeTimeout"`
	// Largest inbound frame in bytes.
	ReadLimit int64 `mapstructure:"readLimit"`
}

// Reconnect mirrors reconnect.Policy.
type Reconnect struct {
	ShortAttempts  int           `mapstructure:"shortAttempts"`
	BaseDelay      time.Duration `mapstructure:"baseDelay"`
	CapDelay       time.Duration `mapstructure:"capDelay"`
	JitterFraction float64       `mapstructure:"jitterFraction"`
	LongAttempts   int           `mapstructure:"longAttempts"`
	LongInterval   time.Duration `mapstructure:"longInterval"`
	LongJitter     time.Duration `mapstructure:"longJitter"`
	UnavailableMin time.Duration `mapstructure:"unavailableMin"`
	UnavailableMax time.Duration `mapstructure:"unavailableMax"`
}

// Dispatch configures request handling.
type Dispatch struct {
	HandlerTimeout time.Duration `mapstructure:"handlerTimeout"`
	QueueSize      int           `mapstructure:"queueSize"`
	ItemCacheTTL   time.Duration `mapstructure:"itemCacheTTL"`
}

// Metrics configures the status server.
type Metrics struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Host selects the world backend of the standalone daemon.
type Host struct {
	// memory or file.
	Backend string `mapstructure:"backend"`
	// World file for the file backend.
	Path string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	policy := reconnect.DefaultPolicy()

	v.SetDefault("identityToken", "")
	v.SetDefault("registrationToken", "")
	v.SetDefault("websocketUrl", DefaultURL)
	v.SetDefault("commandPrefix", "!")
	v.SetDefault("gameServerId", "")
	v.SetDefault("transport", "websocket")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.dir", "")
	v.SetDefault("logging.enabled", true)

	v.SetDefault("connection.connectTimeout", 30*time.Second)
	v.SetDefault("connection.connectJitter", 10*time.Second)
	v.SetDefault("connection.identifyTimeout", 10*time.Second)
	v.SetDefault("connection.awaitIdentify", true)
	v.SetDefault("connection.closeTimeout", 5*time.Second)
	v.SetDefault("connection.writeTimeout", 10*time.Second)
	v.SetDefault("connection.readLimit", int64(1<<20))

	v.SetDefault("reconnect.shortAttempts", policy.ShortAttempts)
	v.SetDefault("reconnect.baseDelay", policy.BaseDelay)
	v.SetDefault("reconnect.capDelay", policy.CapDelay)
	v.SetDefault("reconnect.jitterFraction", policy.JitterFraction)
	v.SetDefault("reconnect.longAttempts", policy.LongAttempts)
	v.SetDefault("reconnect.longInterval", policy.LongInterval)
	v.SetDefault("reconnect.longJitter", policy.LongJitter)
	v.SetDefault("reconnect.unavailableMin", policy.UnavailableMin)
	v.SetDefault("reconnect.unavailableMax", policy.UnavailableMax)

	v.SetDefault("dispatch.handlerTimeout", 30*time.Second)
	v.SetDefault("dispatch.queueSize", 64)
	v.SetDefault("dispatch.itemCacheTTL", 5*time.Minute)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9464")

	v.SetDefault("host.backend", "memory")
	v.SetDefault("host.path", "gamelink-world.json")
}

// Default returns the built-in defaults, ignoring files and environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	config := &Config{}
	// defaults are typed values and always decode
	_ = v.Unmarshal(config)
	return config
}

// Load reads the config file at path, if path is not empty, and overlays
// GAMELINK_* environment variables. Nested keys use underscores, so
// connection.connectTimeout is GAMELINK_CONNECTION_CONNECTTIMEOUT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envVarPrefix)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	// This allows us to set nested config options through environment
	// variables. For example, logging.level can be set using GAMELINK_LOGGING_LEVEL
	for _, k := range v.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := v.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			return nil, fmt.Errorf("config: binding %s to %s_%s: %w", k, envVarPrefix, envVar, err)
		}
	}

	// older config files spell these differently
	if v.GetString("identityToken") == "" && v.IsSet("serverName") {
		v.Set("identityToken", v.GetString("serverName"))
	}
	if v.IsSet("enableLogging") {
		v.Set("logging.enabled", v.GetBool("enableLogging"))
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	return config, nil
}

// Validate checks the settings a connection cannot be made without.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.IdentityToken) == "":
		return ErrMissingIdentityToken
	case strings.TrimSpace(c.RegistrationToken) == "":
		return ErrMissingRegistrationToken
	case strings.TrimSpace(c.WebsocketURL) == "":
		return ErrMissingURL
	}
	switch c.Transport {
	case "", "websocket", "gorilla":
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	switch c.Host.Backend {
	case "", "memory", "file":
	default:
		return fmt.Errorf("config: unknown host backend %q", c.Host.Backend)
	}
	return nil
}

// Credentials returns the identify token pair.
func (c *Config) Credentials() handshake.Identity {
	return handshake.Identity{
		IdentityToken:     c.IdentityToken,
		RegistrationToken: c.RegistrationToken,
	}
}

// HasGameServerID reports whether a real game server id is configured.
func (c *Config) HasGameServerID() bool {
	return c.GameServerID != "" && c.GameServerID != PlaceholderGameServerID
}

// Policy returns the reconnection policy. Zero values fall back to the
// built-in policy field by field.
func (c *Config) Policy() reconnect.Policy {
	p := reconnect.DefaultPolicy()
	r := c.Reconnect
	if r.ShortAttempts > 0 {
		p.ShortAttempts = r.ShortAttempts
	}
	if r.BaseDelay > 0 {
		p.BaseDelay = r.BaseDelay
	}
	if r.CapDelay > 0 {
		p.CapDelay = r.CapDelay
	}
	if r.JitterFraction > 0 {
		p.JitterFraction = r.JitterFraction
	}
	if r.LongAttempts > 0 {
		p.LongAttempts = r.LongAttempts
	}
	if r.LongInterval > 0 {
		p.LongInterval = r.LongInterval
	}
	if r.LongJitter > 0 {
		p.LongJitter = r.LongJitter
	}
	if r.UnavailableMin > 0 {
		p.UnavailableMin = r.UnavailableMin
	}
	if r.UnavailableMax > 0 {
		p.UnavailableMax = r.UnavailableMax
	}
	return p
}

// WriteTemplate writes a starter JSON config to path. It refuses to
// overwrite an existing file.
func WriteTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists", path)
	}
	template := map[string]any{
		"serverName":        "",
		"registrationToken": "",
		"websocketUrl":      DefaultURL,
		"commandPrefix":     "!",
		"gameServerId":      PlaceholderGameServerID,
		"logging":           map[string]any{"level": "info", "enabled": true},
	}
	data, err := json.MarshalIndent(template, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
