package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLogEmitter_Text verifies the human readable format.
func TestLogEmitter_Text(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	ev := StepCompleted("fetch", "Fetch", 1, 4, 250*time.Millisecond)
	ev.RunID = "run-9"
	emitter.Emit(ev)

	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "[step_completed] runID=run-9"))
	assert.Contains(t, line, "step=fetch index=1/4")
	assert.Contains(t, line, "duration=250ms")
	assert.True(t, strings.HasSuffix(line, "\n"))
}

// TestLogEmitter_JSON verifies one wire-format object per line.
func TestLogEmitter_JSON(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Progress(1, 2, "half"))
	emitter.Emit(Data("k", "v"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "progress", first["type"])
	assert.Equal(t, true, first["__mcp_event__"])
}

// TestLogEmitter_DefaultWriter verifies a nil writer falls back to stdout.
func TestLogEmitter_DefaultWriter(t *testing.T) {
	emitter := NewLogEmitter(nil, false)
	assert.NotNil(t, emitter.writer)
}
