package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

//go:generate sh -c "cd .. && go run ./tools/schema-generator/"

// Backend modes.
const (
	BackendAuto     = "auto"
	BackendExternal = "external"
	BackendEmbedded = "embedded"
)

// Documented defaults. Duration fields fall back to these when empty or unparsable.
const (
	DefaultHeartbeatInterval  = 5 * time.Second
	DefaultReconnectWait      = 5 * time.Second
	DefaultReconnectPoll      = 100 * time.Millisecond
	DefaultConnectTimeout     = 500 * time.Millisecond
	DefaultRequestTimeout     = 5 * time.Second
	DefaultSecretTimeout      = 5 * time.Second
	DefaultUnregisterDelay    = 250 * time.Millisecond
	DefaultResetInterval      = 1 * time.Second
	DefaultRegisterAttempts   = 2
	DefaultUnregisterAttempts = 3
	DefaultResetAttempts      = 10
	DefaultRegistryURL        = "http://127.0.0.1:4100"
	DefaultDesktopURL         = "http://127.0.0.1:4101"
	DefaultCLIType            = "claude"
)

// DefaultTrustEndpoints are the trust-bootstrap paths of the registry's
// sub-services. The first one is primary.
var DefaultTrustEndpoints = []string{"/desktop/trust", "/mcp/desktop/trust"}

// BackendConfig selects and tunes the session backend.
type BackendConfig struct {
	Mode           string   `yaml:"mode,omitempty" toml:"mode,omitempty" json:"mode,omitempty" jsonschema:"enum=auto,enum=external,enum=embedded,description=Session backend: auto tries the external daemon and falls back to embedded"`
	SocketPath     string   `yaml:"socket_path,omitempty" toml:"socket_path,omitempty" json:"socket_path,omitempty" jsonschema:"description=Unix socket of the pty daemon (default: runtime dir)"`
	ConnectTimeout string   `yaml:"connect_timeout,omitempty" toml:"connect_timeout,omitempty" json:"connect_timeout,omitempty" jsonschema:"description=Timeout for the initial daemon probe (default: 500ms)"`
	ReconnectWait  string   `yaml:"reconnect_wait,omitempty" toml:"reconnect_wait,omitempty" json:"reconnect_wait,omitempty" jsonschema:"description=How long a create waits for a disconnected daemon (default: 5s)"`
	ReconnectPoll  string   `yaml:"reconnect_poll,omitempty" toml:"reconnect_poll,omitempty" json:"reconnect_poll,omitempty" jsonschema:"description=Connectivity poll interval during reconnect wait (default: 100ms)"`
	AutoStart      bool     `yaml:"auto_start,omitempty" toml:"auto_start,omitempty" json:"auto_start,omitempty" jsonschema:"description=Launch the daemon when it is not running"`
	DaemonCommand  []string `yaml:"daemon_command,omitempty" toml:"daemon_command,omitempty" json:"daemon_command,omitempty" jsonschema:"description=Command used to launch the daemon (default: ptyhost daemon start)"`
}

// RegistryConfig points at the external session registry.
type RegistryConfig struct {
	URL                string   `yaml:"url,omitempty" toml:"url,omitempty" json:"url,omitempty" jsonschema:"description=Base URL of the registry service"`
	DesktopURL         string   `yaml:"desktop_url,omitempty" toml:"desktop_url,omitempty" json:"desktop_url,omitempty" jsonschema:"description=Callback URL the registry uses to reach this host"`
	TrustEndpoints     []string `yaml:"trust_endpoints,omitempty" toml:"trust_endpoints,omitempty" json:"trust_endpoints,omitempty" jsonschema:"description=Trust bootstrap endpoints; paths resolve against url and the first is primary"`
	Source             string   `yaml:"source,omitempty" toml:"source,omitempty" json:"source,omitempty" jsonschema:"enum=local,enum=desktop,description=Source tag sent with registry entries (default: desktop)"`
	CLIType            string   `yaml:"cli_type,omitempty" toml:"cli_type,omitempty" json:"cli_type,omitempty" jsonschema:"description=Default CLI type tag for sessions"`
	RequestTimeout     string   `yaml:"request_timeout,omitempty" toml:"request_timeout,omitempty" json:"request_timeout,omitempty" jsonschema:"description=Per-request HTTP timeout (default: 5s)"`
	HeartbeatInterval  string   `yaml:"heartbeat_interval,omitempty" toml:"heartbeat_interval,omitempty" json:"heartbeat_interval,omitempty" jsonschema:"description=Heartbeat period (default: 5s)"`
	SecretTimeout      string   `yaml:"secret_timeout,omitempty" toml:"secret_timeout,omitempty" json:"secret_timeout,omitempty" jsonschema:"description=Bound on one trust registration attempt (default: 5s)"`
	RegisterAttempts   int      `yaml:"register_attempts,omitempty" toml:"register_attempts,omitempty" json:"register_attempts,omitempty" jsonschema:"minimum=1,description=Total register attempts (default: 2)"`
	UnregisterAttempts int      `yaml:"unregister_attempts,omitempty" toml:"unregister_attempts,omitempty" json:"unregister_attempts,omitempty" jsonschema:"minimum=1,description=Total unregister attempts (default: 3)"`
	UnregisterDelay    string   `yaml:"unregister_delay,omitempty" toml:"unregister_delay,omitempty" json:"unregister_delay,omitempty" jsonschema:"description=Delay between unregister attempts (default: 250ms)"`
	ResetAttempts      int      `yaml:"reset_attempts,omitempty" toml:"reset_attempts,omitempty" json:"reset_attempts,omitempty" jsonschema:"minimum=1,description=Total reset attempts (default: 10)"`
	ResetInterval      string   `yaml:"reset_interval,omitempty" toml:"reset_interval,omitempty" json:"reset_interval,omitempty" jsonschema:"description=Spacing between reset attempts (default: 1s)"`
}

// StoreConfig locates the persisted session records.
type StoreConfig struct {
	Path string `yaml:"path,omitempty" toml:"path,omitempty" json:"path,omitempty" jsonschema:"description=Session record file (default: state dir sessions.json)"`
}

// Config is the ptyhost configuration document.
type Config struct {
	Version  string         `yaml:"version,omitempty" toml:"version,omitempty" json:"version,omitempty" jsonschema:"description=Configuration version (e.g. '1.0')"`
	Backend  BackendConfig  `yaml:"backend,omitempty" toml:"backend,omitempty" json:"backend,omitempty" jsonschema:"description=Session backend selection"`
	Registry RegistryConfig `yaml:"registry,omitempty" toml:"registry,omitempty" json:"registry,omitempty" jsonschema:"description=External session registry"`
	Store    StoreConfig    `yaml:"store,omitempty" toml:"store,omitempty" json:"store,omitempty" jsonschema:"description=Local session persistence"`

	// Extensions captures all other top-level keys for extensibility.
	Extensions map[string]interface{} `yaml:",inline" toml:"-" json:"-" jsonschema:"-"`
}

// knownKeys are the top-level keys decoded into typed fields.
var knownKeys = map[string]bool{
	"version":  true,
	"backend":  true,
	"registry": true,
	"store":    true,
}

// SetDefaults fills empty fields with documented defaults.
func (c *Config) SetDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.Backend.Mode == "" {
		c.Backend.Mode = BackendAuto
	}
	if len(c.Backend.DaemonCommand) == 0 {
		c.Backend.DaemonCommand = []string{"ptyhost", "daemon", "start"}
	}
	if c.Registry.URL == "" {
		c.Registry.URL = DefaultRegistryURL
	}
	if c.Registry.DesktopURL == "" {
		c.Registry.DesktopURL = DefaultDesktopURL
	}
	if len(c.Registry.TrustEndpoints) == 0 {
		c.Registry.TrustEndpoints = append([]string(nil), DefaultTrustEndpoints...)
	}
	if c.Registry.Source == "" {
		c.Registry.Source = "desktop"
	}
	if c.Registry.CLIType == "" {
		c.Registry.CLIType = DefaultCLIType
	}
	if c.Registry.RegisterAttempts <= 0 {
		c.Registry.RegisterAttempts = DefaultRegisterAttempts
	}
	if c.Registry.UnregisterAttempts <= 0 {
		c.Registry.UnregisterAttempts = DefaultUnregisterAttempts
	}
	if c.Registry.ResetAttempts <= 0 {
		c.Registry.ResetAttempts = DefaultResetAttempts
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// parseDuration parses s, returning fallback for empty or invalid values.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func (b BackendConfig) ConnectTimeoutDuration() time.Duration {
	return parseDuration(b.ConnectTimeout, DefaultConnectTimeout)
}

func (b BackendConfig) ReconnectWaitDuration() time.Duration {
	return parseDuration(b.ReconnectWait, DefaultReconnectWait)
}

func (b BackendConfig) ReconnectPollDuration() time.Duration {
	return parseDuration(b.ReconnectPoll, DefaultReconnectPoll)
}

func (r RegistryConfig) RequestTimeoutDuration() time.Duration {
	return parseDuration(r.RequestTimeout, DefaultRequestTimeout)
}

func (r RegistryConfig) HeartbeatIntervalDuration() time.Duration {
	return parseDuration(r.HeartbeatInterval, DefaultHeartbeatInterval)
}

func (r RegistryConfig) SecretTimeoutDuration() time.Duration {
	return parseDuration(r.SecretTimeout, DefaultSecretTimeout)
}

func (r RegistryConfig) UnregisterDelayDuration() time.Duration {
	return parseDuration(r.UnregisterDelay, DefaultUnregisterDelay)
}

func (r RegistryConfig) ResetIntervalDuration() time.Duration {
	return parseDuration(r.ResetInterval, DefaultResetInterval)
}

// UnmarshalExtension decodes a specific extension's configuration from the
// loaded ptyhost.yml into the provided target struct. The target must be a pointer.
//
// Example:
//
//	var logCfg logging.Config
//	err := cfg.UnmarshalExtension("logging", &logCfg)
func (c *Config) UnmarshalExtension(key string, target interface{}) error {
	extensionConfig, ok := c.Extensions[key]
	if !ok {
		// A missing key leaves target zero-valued.
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "yaml",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create mapstructure decoder: %w", err)
	}

	return decoder.Decode(extensionConfig)
}
