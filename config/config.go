package config

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/grovetools/ptyhost/errors"
	"github.com/grovetools/ptyhost/pkg/paths"
	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// configNames lists recognized file names in search order.
var configNames = []string{
	"ptyhost.yml",
	"ptyhost.yaml",
	"ptyhost.toml",
}

// Load reads and parses a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ConfigNotFound(path)
		}
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to read config file").
			WithDetail("path", path)
	}

	cfg, err := LoadFromBytes(data, formatFor(path))
	if err != nil {
		if groveErr, ok := errors.As(err); ok {
			groveErr.WithDetail("path", path)
		}
		return nil, err
	}
	return cfg, nil
}

// LoadDefault finds and loads the configuration for the current directory.
// When no file exists anywhere on the search path it returns the defaults.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to get current directory")
	}

	return LoadFrom(cwd)
}

// LoadFrom loads configuration found from the given directory, falling
// back to defaults when no file exists.
func LoadFrom(startDir string) (*Config, error) {
	return LoadFromWithLogger(startDir, logrus.New())
}

// LoadFromWithLogger is LoadFrom with an explicit logger for debug output.
func LoadFromWithLogger(startDir string, logger *logrus.Logger) (*Config, error) {
	path, err := FindConfigFile(startDir)
	if err != nil {
		if errors.Is(err, errors.ErrCodeConfigNotFound) {
			logger.Debug("No configuration file found, using defaults")
			return Default(), nil
		}
		return nil, err
	}

	logger.WithField("path", path).Debug("Loading configuration")
	return Load(path)
}

// LoadFromBytes parses configuration in the given format ("yaml" or "toml").
func LoadFromBytes(data []byte, format string) (*Config, error) {
	expanded := []byte(expandEnvVars(string(data)))

	var cfg Config
	switch format {
	case "toml":
		if err := decodeTOML(expanded, &cfg); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse TOML configuration")
		}
	default:
		if len(bytes.TrimSpace(expanded)) > 0 {
			if err := yaml.Unmarshal(expanded, &cfg); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse YAML configuration")
			}
		}
	}

	// Validate against schema before defaults so enum typos are reported.
	if err := ValidateSchema(&cfg); err != nil {
		return nil, err
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// decodeTOML decodes typed sections and collects unknown tables into Extensions.
func decodeTOML(data []byte, cfg *Config) error {
	if err := toml.Unmarshal(data, cfg); err != nil {
		return err
	}
	var raw map[string]interface{}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, value := range raw {
		if knownKeys[key] {
			continue
		}
		if cfg.Extensions == nil {
			cfg.Extensions = make(map[string]interface{})
		}
		cfg.Extensions[key] = value
	}
	return nil
}

// Validate performs semantic checks the schema cannot express.
func (c *Config) Validate() error {
	durations := map[string]string{
		"backend.connect_timeout":     c.Backend.ConnectTimeout,
		"backend.reconnect_wait":      c.Backend.ReconnectWait,
		"backend.reconnect_poll":      c.Backend.ReconnectPoll,
		"registry.request_timeout":    c.Registry.RequestTimeout,
		"registry.heartbeat_interval": c.Registry.HeartbeatInterval,
		"registry.secret_timeout":     c.Registry.SecretTimeout,
		"registry.unregister_delay":   c.Registry.UnregisterDelay,
		"registry.reset_interval":     c.Registry.ResetInterval,
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return errors.ConfigInvalid(field+" must be a positive duration").
				WithDetail("field", field).
				WithDetail("value", value)
		}
	}
	if len(c.Backend.DaemonCommand) > 0 && strings.TrimSpace(c.Backend.DaemonCommand[0]) == "" {
		return errors.ConfigInvalid("backend.daemon_command must name an executable")
	}
	return nil
}

// FindConfigFile searches for a configuration file with the following precedence:
// 1. Current directory up to filesystem root
// 2. Config directory (~/.config/ptyhost/)
func FindConfigFile(startDir string) (string, error) {
	dir := startDir
	for {
		for _, name := range configNames {
			path := filepath.Join(dir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if configDir := paths.ConfigDir(); configDir != "" {
		for _, name := range configNames {
			path := filepath.Join(configDir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, nil
			}
		}
	}

	return "", errors.ConfigNotFound(startDir).WithDetail("searchPath", startDir)
}

func formatFor(path string) string {
	if strings.HasSuffix(path, ".toml") {
		return "toml"
	}
	return "yaml"
}

// expandEnvVars replaces ${VAR} with environment variable values
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		varName := envVarRegex.FindStringSubmatch(match)[1]

		// Handle default values: ${VAR:-default}
		parts := strings.SplitN(varName, ":-", 2)
		varName = parts[0]
		defaultValue := ""
		if len(parts) > 1 {
			defaultValue = parts[1]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}

		return defaultValue
	})
}
