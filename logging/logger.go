package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/grovetools/ptyhost/config"
	"github.com/grovetools/ptyhost/pkg/paths"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex
)

// NewLogger creates and returns a pre-configured logger for a specific component.
// It uses a singleton pattern per component to avoid re-initializing.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}

	var logCfg Config
	cfg, err := config.LoadDefault()
	if err == nil {
		if err := cfg.UnmarshalExtension("logging", &logCfg); err != nil {
			logrus.Warnf("Failed to parse 'logging' config: %v", err)
		}
	}

	entry := newLogger(component, logCfg).WithField("component", component)
	loggers[component] = entry
	return entry
}

// Reset drops all cached component loggers so the next NewLogger call
// re-reads configuration.
func Reset() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	loggers = make(map[string]*logrus.Entry)
}

func newLogger(component string, logCfg Config) *logrus.Logger {
	logger := logrus.New()

	levelStr := "info"
	if os.Getenv("PTYHOST_LOG_LEVEL") != "" {
		levelStr = os.Getenv("PTYHOST_LOG_LEVEL")
	} else if logCfg.Level != "" {
		levelStr = logCfg.Level
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if os.Getenv("PTYHOST_LOG_CALLER") == "true" || logCfg.ReportCaller {
		logger.SetReportCaller(true)
	}

	switch logCfg.Format.Preset {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "simple":
		logger.SetFormatter(&TextFormatter{Config: FormatConfig{
			DisableTimestamp: true,
			DisableComponent: true,
		}})
	default:
		logger.SetFormatter(&TextFormatter{Config: logCfg.Format})
	}

	var writers []io.Writer

	if file := openLogFile(component, logCfg.File); file != nil {
		writers = append(writers, file)
	}

	if shouldLogToStderr(logCfg.Format.StructuredToStderr, logger.GetLevel()) {
		writers = append(writers, GetGlobalOutput())
	}

	switch len(writers) {
	case 0:
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(writers[0])
	default:
		logger.SetOutput(io.MultiWriter(writers...))
	}

	return logger
}

// openLogFile opens the configured file sink. Failures on the default
// path are silent; failures on an explicit path are reported on stderr.
func openLogFile(component string, sink FileSinkConfig) io.Writer {
	if sink.Disabled {
		return nil
	}

	logFilePath := expandPath(sink.Path)
	if logFilePath == "" {
		logDir := paths.LogDir()
		if logDir == "" {
			return nil
		}
		logFilePath = filepath.Join(logDir, fmt.Sprintf("%s-%s.log", component, time.Now().Format("2006-01-02")))
	}

	if err := os.MkdirAll(filepath.Dir(logFilePath), 0755); err != nil {
		if sink.Path != "" {
			fmt.Fprintf(os.Stderr, "Failed to create log directory for %s: %v\n", logFilePath, err)
		}
		return nil
	}
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		if sink.Path != "" {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v\n", logFilePath, err)
		}
		return nil
	}
	return file
}

// shouldLogToStderr applies the structured_to_stderr policy.
func shouldLogToStderr(mode string, level logrus.Level) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	default:
		// auto: debug runs and non-interactive stderr (daemons, CI, pipes) get structured logs.
		isDebug := level >= logrus.DebugLevel
		isInteractive := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
		return isDebug || !isInteractive
	}
}

// expandPath expands tilde in file paths
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
