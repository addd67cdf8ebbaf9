package logging

import (
	"io"
	"os"
	"sync/atomic"
)

type writerBox struct{ w io.Writer }

// swapWriter forwards to a writer that can be replaced while loggers hold it.
type swapWriter struct {
	cur atomic.Pointer[writerBox]
}

func (s *swapWriter) Write(p []byte) (int, error) {
	return s.cur.Load().w.Write(p)
}

var stderrSink = func() *swapWriter {
	s := &swapWriter{}
	s.cur.Store(&writerBox{w: os.Stderr})
	return s
}()

// SetGlobalOutput redirects the stderr sink of every component logger,
// including loggers created before the call.
func SetGlobalOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	stderrSink.cur.Store(&writerBox{w: w})
}

// GetGlobalOutput returns the shared stderr sink.
func GetGlobalOutput() io.Writer {
	return stderrSink
}
