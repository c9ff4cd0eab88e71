package emit

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TestZapCore_ForwardsToLogChannel verifies zap entries become log entries
// with fields as structured data.
func TestZapCore_ForwardsToLogChannel(t *testing.T) {
	o := newOpener()
	tr := NewTransport(TransportConfig{LogPipe: "lg", Open: o.open})
	logger := NewLogger(tr, zapcore.InfoLevel).Named("engine").With(zap.String("workflow", "checkout"))

	logger.Debug("hidden")
	logger.Info("step done", zap.Int("index", 2))
	logger.Warn("slow")
	logger.Error("failed", zap.Error(assert.AnError))

	lines := o.pipes["lg"].lines()
	require.Len(t, lines, 3)

	var entry LogEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "info", entry.Level)
	assert.Equal(t, "step done", entry.Message)
	data := entry.Data.(map[string]interface{})
	assert.Equal(t, "checkout", data["workflow"])
	assert.EqualValues(t, 2, data["index"])
	assert.Equal(t, "engine", data["logger"])

	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
	assert.Equal(t, "warn", entry.Level)

	require.NoError(t, json.Unmarshal([]byte(lines[2]), &entry))
	assert.Equal(t, "error", entry.Level)
	assert.Equal(t, assert.AnError.Error(), entry.Data.(map[string]interface{})["error"])
}

// TestZapCore_FallbackFormat verifies zap output on fallback keeps the
// bracketed level format.
func TestZapCore_FallbackFormat(t *testing.T) {
	var fallback bytes.Buffer
	tr := NewTransport(TransportConfig{Fallback: &fallback})
	NewLogger(tr, zapcore.DebugLevel).Debug("ping")

	assert.Equal(t, "[DEBUG] ping\n", fallback.String())
}

// TestConsoleWriter verifies console output routing and JSON passthrough.
func TestConsoleWriter(t *testing.T) {
	o := newOpener()
	tr := NewTransport(TransportConfig{LogPipe: "lg", Open: o.open})

	var stdout bytes.Buffer
	w := NewConsoleWriter(tr, "info", true)
	w.Stdout = &stdout

	_, err := w.Write([]byte(`{"status":"success","data":{}}` + "\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("plain text\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("{not json}\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("{\"a\":1,\n\"b\":2}"))
	require.NoError(t, err)

	assert.Equal(t, `{"status":"success","data":{}}`+"\n", stdout.String())
	lines := o.pipes["lg"].lines()
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"message":"plain text"`)
}

// TestConsoleWriter_NoPassthrough verifies non-log levels always go to the
// log channel, even for JSON.
func TestConsoleWriter_NoPassthrough(t *testing.T) {
	o := newOpener()
	tr := NewTransport(TransportConfig{LogPipe: "lg", Open: o.open})

	var stdout bytes.Buffer
	w := NewConsoleWriter(tr, "warn", false)
	w.Stdout = &stdout

	_, _ = w.Write([]byte(`{"a":1}`))
	assert.Empty(t, stdout.String())
	require.Len(t, o.pipes["lg"].lines(), 1)
	assert.Contains(t, o.pipes["lg"].lines()[0], `"level":"warn"`)
}

// TestInterceptStdLog verifies the standard logger is redirected and restored.
func TestInterceptStdLog(t *testing.T) {
	o := newOpener()
	tr := NewTransport(TransportConfig{LogPipe: "lg", Open: o.open})

	var before bytes.Buffer
	log.SetOutput(&before)
	restore := tr.InterceptStdLog()
	log.Printf("captured %d", 1)
	restore()
	log.Print("restored")

	lines := o.pipes["lg"].lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"message":"captured 1"`)
	assert.True(t, strings.Contains(before.String(), "restored"))
}
