package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/grovetools/ptyhost/errors"
)

// ErrorHandler provides user-friendly error messages
type ErrorHandler struct {
	Verbose bool
	Out     io.Writer
}

// NewErrorHandler creates a new error handler writing to stderr
func NewErrorHandler(verbose bool) *ErrorHandler {
	return &ErrorHandler{
		Verbose: verbose,
		Out:     os.Stderr,
	}
}

// Handle prints a message for err based on its code and returns err.
func (h *ErrorHandler) Handle(err error) error {
	if err == nil {
		return nil
	}

	groveErr, _ := errors.As(err)

	switch errors.GetCode(err) {
	case errors.ErrCodeConfigNotFound:
		fmt.Fprintf(h.Out, "❌ Configuration not found: %v\n", err)
		fmt.Fprintf(h.Out, "Run 'ptyhost config schema' to see the supported settings.\n")

	case errors.ErrCodeConfigInvalid, errors.ErrCodeConfigValidation:
		fmt.Fprintf(h.Out, "❌ Invalid configuration: %v\n", err)
		if groveErr != nil && groveErr.Details["path"] != nil {
			fmt.Fprintf(h.Out, "Fix %v and run 'ptyhost config validate'.\n", groveErr.Details["path"])
		}

	case errors.ErrCodeDaemonUnavailable:
		fmt.Fprintf(h.Out, "❌ The pty daemon is not reachable.\n")
		fmt.Fprintf(h.Out, "Start it with 'ptyhost daemon start' or set backend.mode to auto.\n")

	case errors.ErrCodeSessionNotFound:
		if groveErr != nil {
			fmt.Fprintf(h.Out, "❌ Session '%v' not found\n", groveErr.Details["session_id"])
		} else {
			fmt.Fprintf(h.Out, "❌ %v\n", err)
		}

	case errors.ErrCodeLeaderProtected:
		fmt.Fprintf(h.Out, "❌ %v\n", err)
		fmt.Fprintf(h.Out, "The leader session can only be stopped with 'ptyhost reset'.\n")

	default:
		fmt.Fprintf(h.Out, "❌ Error: %v\n", err)
	}

	if h.Verbose && groveErr != nil {
		fmt.Fprintf(h.Out, "\nError details:\n%s\n", groveErr.ToJSON())
	}
	return err
}
