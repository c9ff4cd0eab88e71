package emit

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"os"
)

// ConsoleWriter routes free-form console output into the transport log
// channel so it never pollutes stdout.
//
// With passthrough enabled, a write that is a single-line JSON object is
// copied to Stdout unchanged instead. This keeps the machine-readable result
// line a workflow prints at the end on stdout.
type ConsoleWriter struct {
	t           *Transport
	level       string
	passthrough bool

	// Stdout receives passthrough lines. Defaults to os.Stdout.
	Stdout io.Writer
}

// NewConsoleWriter creates a writer that logs each write at level.
func NewConsoleWriter(t *Transport, level string, passthrough bool) *ConsoleWriter {
	return &ConsoleWriter{t: t, level: level, passthrough: passthrough, Stdout: os.Stdout}
}

// Write implements io.Writer. Each call is treated as one message.
func (w *ConsoleWriter) Write(p []byte) (int, error) {
	msg := bytes.TrimRight(p, "\r\n")
	if w.passthrough && isJSONObjectLine(msg) {
		if _, err := w.Stdout.Write(append(append([]byte{}, msg...), '\n')); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	w.t.Log(w.level, string(msg), nil)
	return len(p), nil
}

func isJSONObjectLine(b []byte) bool {
	if len(b) == 0 || b[0] != '{' || bytes.ContainsAny(b, "\n\r") {
		return false
	}
	return json.Valid(b)
}

// InterceptStdLog redirects the standard library logger into the log channel
// with JSON passthrough to stdout. The returned func restores the previous
// output, flags and prefix.
func (t *Transport) InterceptStdLog() (restore func()) {
	prevOut, prevFlags, prevPrefix := log.Writer(), log.Flags(), log.Prefix()
	log.SetOutput(NewConsoleWriter(t, "info", true))
	log.SetFlags(0)
	log.SetPrefix("")
	return func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
		log.SetPrefix(prevPrefix)
	}
}
