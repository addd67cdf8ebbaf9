// Package notify carries the user-visible alerts the coordinator raises:
// an unexpected leader exit and a failed registry reset.
package notify

import (
	"fmt"
	"io"
	"time"

	"github.com/grovetools/ptyhost/logging"
	"github.com/sirupsen/logrus"
)

// Notifier receives alerts that must reach the operator.
type Notifier interface {
	// LeaderDied is raised when the leader session exits outside a
	// confirmed shutdown.
	LeaderDied(sessionID string, exitCode int)

	// RegistryResetFailed is raised when a full registry reset exhausts
	// its retries. Hosts should treat it as blocking.
	RegistryResetFailed(err error)
}

// SignalKind names an alert.
type SignalKind string

const (
	SignalLeaderDied          SignalKind = "leader-died"
	SignalRegistryResetFailed SignalKind = "registry-reset-failed"
)

// Signal is one alert delivered by ChannelNotifier.
type Signal struct {
	Kind      SignalKind
	SessionID string
	ExitCode  int
	Err       error
	At        time.Time
}

// ChannelNotifier delivers alerts on C for a UI to consume.
type ChannelNotifier struct {
	C      chan Signal
	logger *logrus.Entry
}

// NewChannelNotifier creates a notifier with a buffered channel of size.
func NewChannelNotifier(size int) *ChannelNotifier {
	return &ChannelNotifier{
		C:      make(chan Signal, size),
		logger: logging.NewLogger("notify"),
	}
}

func (n *ChannelNotifier) LeaderDied(sessionID string, exitCode int) {
	n.send(Signal{Kind: SignalLeaderDied, SessionID: sessionID, ExitCode: exitCode, At: time.Now()})
}

func (n *ChannelNotifier) RegistryResetFailed(err error) {
	n.send(Signal{Kind: SignalRegistryResetFailed, Err: err, At: time.Now()})
}

// send never blocks the caller. A full channel means the UI is not
// draining alerts, which is logged at error so the alert is not lost silently.
func (n *ChannelNotifier) send(sig Signal) {
	select {
	case n.C <- sig:
	default:
		n.logger.WithFields(logrus.Fields{
			"kind":       sig.Kind,
			"session_id": sig.SessionID,
		}).Error("Alert channel full, dropping alert")
	}
}

// ConsoleNotifier renders alerts as boxed console messages.
type ConsoleNotifier struct {
	pretty *logging.PrettyLogger
}

// NewConsoleNotifier writes alerts to w.
func NewConsoleNotifier(w io.Writer) *ConsoleNotifier {
	return &ConsoleNotifier{pretty: logging.NewPrettyLogger().WithWriter(w)}
}

func (n *ConsoleNotifier) LeaderDied(sessionID string, exitCode int) {
	n.pretty.Alert("Leader session exited",
		fmt.Sprintf("Session %s exited with code %d.", sessionID, exitCode),
		"No new leader is assigned until the next full reset.")
}

func (n *ConsoleNotifier) RegistryResetFailed(err error) {
	n.pretty.Alert("Registry reset failed",
		err.Error(),
		"Stale registry entries may affect new sessions. Restart the registry and reset again.")
}

// Multi fans each alert out to every notifier.
type Multi []Notifier

func (m Multi) LeaderDied(sessionID string, exitCode int) {
	for _, n := range m {
		n.LeaderDied(sessionID, exitCode)
	}
}

func (m Multi) RegistryResetFailed(err error) {
	for _, n := range m {
		n.RegistryResetFailed(err)
	}
}
