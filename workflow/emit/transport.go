package emit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Environment variables naming the pipes the host listens on.
const (
	EnvEventPipe = "MCP_EVENT_PIPE"
	EnvLogPipe   = "MCP_LOG_PIPE"
)

// ChannelState is the connection state of one transport channel.
//
// A channel starts Unconnected, attempts to open its pipe exactly once on
// the first write, and ends up either Connected or Fallback. Fallback is
// terminal: after a failed open or a failed write the channel never tries
// the pipe again for the life of the process.
type ChannelState int

const (
	StateUnconnected ChannelState = iota
	StateConnected
	StateFallback
)

func (s ChannelState) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnected:
		return "connected"
	case StateFallback:
		return "fallback"
	default:
		return fmt.Sprintf("ChannelState(%d)", int(s))
	}
}

// OpenFunc opens a pipe path for writing.
type OpenFunc func(path string) (io.WriteCloser, error)

// OpenPipe opens an existing named pipe or file for appending. It never
// creates the path.
func OpenPipe(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
}

// ErrTransportClosed is returned by Close when called twice.
var ErrTransportClosed = errors.New("transport already closed")

// channel is a single fire-and-forget NDJSON stream with a fallback writer.
type channel struct {
	mu       sync.Mutex
	path     string
	open     OpenFunc
	state    ChannelState
	w        io.WriteCloser
	fallback io.Writer
}

// write sends line to the pipe, or fallbackLine to the fallback writer once
// the channel has fallen back. Failures are swallowed.
func (c *channel) write(line, fallbackLine []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateUnconnected {
		c.connect()
	}

	if c.state == StateConnected {
		if _, err := c.w.Write(append(line, '\n')); err == nil {
			return
		}
		_ = c.w.Close()
		c.w = nil
		c.state = StateFallback
	}

	_, _ = c.fallback.Write(append(fallbackLine, '\n'))
}

func (c *channel) connect() {
	if c.path == "" || c.open == nil {
		c.state = StateFallback
		return
	}
	w, err := c.open(c.path)
	if err != nil {
		c.state = StateFallback
		return
	}
	c.w = w
	c.state = StateConnected
}

func (c *channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *channel) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateFallback
	if c.w == nil {
		return nil
	}
	err := c.w.Close()
	c.w = nil
	return err
}

// TransportConfig configures a Transport.
type TransportConfig struct {
	// EventPipe and LogPipe are the pipe paths. Empty means fallback only.
	EventPipe string
	LogPipe   string

	// Fallback receives both channels once they fall back.
	// Defaults to os.Stderr.
	Fallback io.Writer

	// Open opens a pipe path. Defaults to OpenPipe.
	Open OpenFunc
}

// TransportConfigFromEnv reads the pipe paths from MCP_EVENT_PIPE and
// MCP_LOG_PIPE.
func TransportConfigFromEnv() TransportConfig {
	return TransportConfig{
		EventPipe: os.Getenv(EnvEventPipe),
		LogPipe:   os.Getenv(EnvLogPipe),
	}
}

// Transport carries events and log entries to the host over two
// independent channels.
//
// A Transport is created once per process and passed by reference to the
// engine and to steps. It implements Emitter. All methods are safe for
// concurrent use and never return transport errors to the caller.
type Transport struct {
	events *channel
	logs   *channel

	closeOnce sync.Once
}

// NewTransport creates a transport. No pipe is opened until the first write.
func NewTransport(cfg TransportConfig) *Transport {
	if cfg.Fallback == nil {
		cfg.Fallback = os.Stderr
	}
	if cfg.Open == nil {
		cfg.Open = OpenPipe
	}
	// Both channels share the fallback writer, so serialize writes to it.
	fb := &lockedWriter{w: cfg.Fallback}
	return &Transport{
		events: &channel{path: cfg.EventPipe, open: cfg.Open, fallback: fb},
		logs:   &channel{path: cfg.LogPipe, open: cfg.Open, fallback: fb},
	}
}

// Emit implements Emitter. Event fallback lines keep the wire JSON so the
// host can still recognize them by the "__mcp_event__" tag.
func (t *Transport) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	line, err := json.Marshal(event)
	if err != nil {
		line, _ = json.Marshal(Event{
			Type:      TypeLog,
			Timestamp: event.Timestamp,
			Meta:      map[string]interface{}{"level": "error", "message": "unencodable event: " + err.Error()},
		})
	}
	t.events.write(line, line)
}

// LogEntry is the wire format of the log channel.
type LogEntry struct {
	Level     string      `json:"level"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// Log sends a log entry. Level is one of debug, info, warn or error.
// Fallback lines are formatted as "[LEVEL] message {data}".
func (t *Transport) Log(level, message string, data interface{}) {
	entry := LogEntry{
		Level:     strings.ToLower(level),
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		entry.Data = fmt.Sprintf("%v", data)
		line, _ = json.Marshal(entry)
	}
	t.logs.write(line, formatFallbackLog(entry))
}

func formatFallbackLog(entry LogEntry) []byte {
	var buf bytes.Buffer
	buf.WriteString("[")
	buf.WriteString(strings.ToUpper(entry.Level))
	buf.WriteString("] ")
	buf.WriteString(entry.Message)
	if entry.Data != nil {
		if data, err := json.Marshal(entry.Data); err == nil {
			buf.WriteString(" ")
			buf.Write(data)
		}
	}
	return buf.Bytes()
}

// EventState returns the state of the event channel.
func (t *Transport) EventState() ChannelState { return t.events.State() }

// LogState returns the state of the log channel.
func (t *Transport) LogState() ChannelState { return t.logs.State() }

// Close closes both pipes. Writes after Close go to the fallback writer.
func (t *Transport) Close() error {
	err := ErrTransportClosed
	t.closeOnce.Do(func() {
		err = errors.Join(t.events.close(), t.logs.close())
	})
	return err
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
