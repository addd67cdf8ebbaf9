// Package paths provides XDG-compliant path resolution for ptyhost.
//
// Resolution order:
// 1. PTYHOST_HOME (portable root) → $PTYHOST_HOME/{config,state,run}
// 2. XDG env vars → $XDG_*_HOME/ptyhost
// 3. Platform defaults → ~/.config/ptyhost, ~/.local/state/ptyhost
package paths

import (
	"os"
	"path/filepath"
)

const appName = "ptyhost"

// getConfigHome returns the base config home directory.
func getConfigHome() string {
	if home := os.Getenv("PTYHOST_HOME"); home != "" {
		return filepath.Join(home, "config")
	}
	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		return xdgConfigHome
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".config")
	}
	return ""
}

// getStateHome returns the base state home directory.
func getStateHome() string {
	if home := os.Getenv("PTYHOST_HOME"); home != "" {
		return filepath.Join(home, "state")
	}
	if xdgStateHome := os.Getenv("XDG_STATE_HOME"); xdgStateHome != "" {
		return xdgStateHome
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".local", "state")
	}
	return ""
}

// ConfigDir returns the configuration directory.
// Used for ptyhost.yml.
func ConfigDir() string {
	base := getConfigHome()
	if base == "" {
		return ""
	}
	return filepath.Join(base, appName)
}

// StateDir returns the state directory.
// Used for the session store, pid file and logs.
func StateDir() string {
	base := getStateHome()
	if base == "" {
		return ""
	}
	if os.Getenv("PTYHOST_HOME") != "" {
		return base
	}
	return filepath.Join(base, appName)
}

// LogDir returns the directory for file log sinks.
func LogDir() string {
	state := StateDir()
	if state == "" {
		return ""
	}
	return filepath.Join(state, "logs")
}

// RuntimeDir returns the runtime directory for sockets.
// Uses XDG_RUNTIME_DIR when available (Linux), falls back to StateDir (macOS).
func RuntimeDir() string {
	if home := os.Getenv("PTYHOST_HOME"); home != "" {
		return filepath.Join(home, "run")
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, appName)
	}
	return StateDir()
}

// SocketPath returns the default path of the pty daemon unix socket.
func SocketPath() string {
	return filepath.Join(RuntimeDir(), "ptyd.sock")
}

// PidFilePath returns the path to the pty daemon PID file.
func PidFilePath() string {
	return filepath.Join(StateDir(), "ptyd.pid")
}

// StorePath returns the default path of the persisted session store.
func StorePath() string {
	return filepath.Join(StateDir(), "sessions.json")
}

// EnsureDirs creates all ptyhost directories if they don't exist.
func EnsureDirs() error {
	dirs := []string{
		ConfigDir(),
		StateDir(),
		LogDir(),
		RuntimeDir(),
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
